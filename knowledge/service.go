package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Manvadariya/GPTStudio/metrics"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	embedBatchSize  = 100
	upsertBatchSize = 500
)

// ErrNoChunks signals a source whose extracted text produced nothing to index.
var ErrNoChunks = errors.New("knowledge: no chunks produced from source")

// Service runs the ingestion pipeline and owns the source document records.
type Service struct {
	db       *gorm.DB
	embedder Embedder
	vectors  VectorStore
	crawler  *Crawler
	chunker  *chunker
}

// NewService wires the pipeline with explicit dependencies.
func NewService(db *gorm.DB, embedder Embedder, vectors VectorStore) *Service {
	return &Service{
		db:       db,
		embedder: embedder,
		vectors:  vectors,
		crawler:  NewCrawler(),
		chunker:  newChunker(0, 0),
	}
}

// NewServiceFromEnv builds the pipeline on the process-wide embedding and
// vector-store clients.
func NewServiceFromEnv(db *gorm.DB) (*Service, error) {
	embedder, err := SharedEmbedder()
	if err != nil {
		return nil, err
	}
	vectors, err := SharedVectorStore()
	if err != nil {
		return nil, err
	}
	return NewService(db, embedder, vectors), nil
}

// AutoMigrate creates the source document table.
func (s *Service) AutoMigrate() error {
	if err := s.db.AutoMigrate(&SourceDocument{}); err != nil {
		return fmt.Errorf("knowledge: migrate models: %w", err)
	}
	return nil
}

// IngestFile runs the full pipeline for an uploaded file already staged at
// path. The document record must exist in processing status; on success it
// moves to ready with its chunk count, on any failure to error.
func (s *Service) IngestFile(ctx context.Context, doc *SourceDocument, path string) error {
	text, err := LoadFileText(path)
	if err != nil {
		s.markError(doc, err)
		return err
	}

	metadata := map[string]interface{}{
		"fileName": doc.FileName,
		"fileType": doc.FileType,
	}
	count, err := s.indexText(ctx, doc, text, metadata)
	if err != nil {
		s.markError(doc, err)
		return err
	}
	return s.markReady(doc, count, doc.FileSize)
}

// IngestWebsite crawls the document's source URL and indexes every extracted
// page. Because a site has no meaningful byte size, total indexed characters
// stand in for file size.
func (s *Service) IngestWebsite(ctx context.Context, doc *SourceDocument, maxDepth int, maxPages int) error {
	if doc.SourceURL == nil || *doc.SourceURL == "" {
		err := errors.New("knowledge: document has no source URL")
		s.markError(doc, err)
		return err
	}

	pages, err := s.crawler.Crawl(ctx, *doc.SourceURL, maxDepth, maxPages)
	if err != nil {
		s.markError(doc, err)
		return err
	}

	totalChunks := 0
	totalChars := 0
	for _, page := range pages {
		metadata := map[string]interface{}{
			"sourceUrl": page.URL,
			"pageTitle": page.Title,
		}
		count, err := s.indexText(ctx, doc, page.Text, metadata)
		if err != nil && !errors.Is(err, ErrNoChunks) {
			s.markError(doc, err)
			return err
		}
		totalChunks += count
		totalChars += len(page.Text)
	}

	if totalChunks == 0 {
		s.markError(doc, ErrNoChunks)
		return ErrNoChunks
	}
	return s.markReady(doc, totalChunks, int64(totalChars))
}

// indexText splits, embeds, and upserts one body of text, tagging every chunk
// with the tenant and correlation ids retrieval filters on.
func (s *Service) indexText(ctx context.Context, doc *SourceDocument, text string, metadata map[string]interface{}) (int, error) {
	raw := s.chunker.split(text)
	chunks := raw[:0]
	for _, chunk := range raw {
		chunk = sanitizeChunkText(chunk)
		if strings.TrimSpace(chunk) != "" {
			chunks = append(chunks, chunk)
		}
	}
	if len(chunks) == 0 {
		return 0, ErrNoChunks
	}

	payloadBase := sanitizeMetadata(metadata)
	payloadBase["userId"] = strconv.FormatUint(doc.UserID, 10)
	payloadBase["documentId"] = doc.RagDocumentID
	payloadBase["source"] = doc.FileName

	indexed := 0
	for start := 0; start < len(chunks); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]

		vectors, err := s.embedder.Embed(ctx, batch)
		if err != nil {
			return indexed, fmt.Errorf("knowledge: embed chunks %d-%d: %w", start, end, err)
		}

		points := make([]ChunkPoint, 0, len(batch))
		for i, vector := range vectors {
			payload := make(map[string]interface{}, len(payloadBase)+2)
			for k, v := range payloadBase {
				payload[k] = v
			}
			payload["text"] = batch[i]
			payload["chunkIndex"] = start + i
			points = append(points, ChunkPoint{
				ID:      uuid.NewString(),
				Vector:  vector,
				Payload: payload,
			})
		}

		for ps := 0; ps < len(points); ps += upsertBatchSize {
			pe := ps + upsertBatchSize
			if pe > len(points) {
				pe = len(points)
			}
			if err := s.vectors.UpsertPoints(ctx, points[ps:pe]); err != nil {
				return indexed, fmt.Errorf("knowledge: upsert chunks: %w", err)
			}
		}
		indexed += len(points)
	}

	metrics.RecordChunksIndexed(indexed)
	log.Printf("knowledge: indexed %d chunks for document %s", indexed, doc.RagDocumentID)
	return indexed, nil
}

// CreateDocument inserts the processing-status record that precedes ingestion.
func (s *Service) CreateDocument(userID uint64, fileName string, origin string, sourceURL string, fileSize int64) (*SourceDocument, error) {
	doc := &SourceDocument{
		UserID:        userID,
		FileName:      fileName,
		FileType:      strings.TrimPrefix(strings.ToLower(filepath.Ext(fileName)), "."),
		FileSize:      fileSize,
		Origin:        origin,
		Status:        StatusProcessing,
		RagDocumentID: uuid.NewString(),
	}
	if origin == OriginWeb {
		doc.FileType = "website"
		doc.SourceURL = &sourceURL
	}
	if err := s.db.Create(doc).Error; err != nil {
		return nil, fmt.Errorf("knowledge: create document: %w", err)
	}
	return doc, nil
}

// ListDocuments returns the caller's documents, newest first.
func (s *Service) ListDocuments(userID uint64) ([]SourceDocument, error) {
	var docs []SourceDocument
	if err := s.db.Where("user_id = ?", userID).Order("created_at DESC").Find(&docs).Error; err != nil {
		return nil, fmt.Errorf("knowledge: list documents: %w", err)
	}
	return docs, nil
}

// GetDocument fetches one document scoped to its owner.
func (s *Service) GetDocument(userID uint64, id uint64) (*SourceDocument, error) {
	var doc SourceDocument
	if err := s.db.Where("id = ? AND user_id = ?", id, userID).First(&doc).Error; err != nil {
		return nil, err
	}
	return &doc, nil
}

// DeleteDocument removes a document and cascades into the vector store. The
// vector delete runs first so a failure leaves the record visible rather than
// orphaning chunks.
func (s *Service) DeleteDocument(ctx context.Context, userID uint64, id uint64) error {
	doc, err := s.GetDocument(userID, id)
	if err != nil {
		return err
	}

	tenant := strconv.FormatUint(userID, 10)
	if err := s.vectors.DeleteByFilter(ctx, DocumentFilter(tenant, doc.RagDocumentID)); err != nil {
		return fmt.Errorf("knowledge: delete chunks for document %d: %w", id, err)
	}
	if err := s.db.Delete(&SourceDocument{}, doc.ID).Error; err != nil {
		return fmt.Errorf("knowledge: delete document %d: %w", id, err)
	}
	log.Printf("knowledge: deleted document %d (%s) for user %d", id, doc.RagDocumentID, userID)
	return nil
}

// ReadyDocuments returns the ready-status documents for a set of correlation
// ids, used to validate a retrieval scope.
func (s *Service) ReadyDocuments(userID uint64, ragDocumentIDs []string) ([]SourceDocument, error) {
	query := s.db.Where("user_id = ? AND status = ?", userID, StatusReady)
	if len(ragDocumentIDs) > 0 {
		query = query.Where("rag_document_id IN ?", ragDocumentIDs)
	}
	var docs []SourceDocument
	if err := query.Find(&docs).Error; err != nil {
		return nil, fmt.Errorf("knowledge: load ready documents: %w", err)
	}
	return docs, nil
}

func (s *Service) markReady(doc *SourceDocument, chunkCount int, size int64) error {
	updates := map[string]interface{}{
		"status":      StatusReady,
		"chunk_count": chunkCount,
	}
	if size > 0 {
		updates["file_size"] = size
	}
	if err := s.db.Model(doc).Updates(updates).Error; err != nil {
		return fmt.Errorf("knowledge: mark document %d ready: %w", doc.ID, err)
	}
	doc.Status = StatusReady
	doc.ChunkCount = chunkCount
	metrics.RecordIngestion(doc.Origin, true)
	return nil
}

func (s *Service) markError(doc *SourceDocument, cause error) {
	log.Printf("knowledge: ingestion failed for document %d: %v", doc.ID, cause)
	extra := datatypes.JSON([]byte(`{"error":` + strconv.Quote(cause.Error()) + `}`))
	updates := map[string]interface{}{
		"status": StatusError,
		"extra":  extra,
	}
	if err := s.db.Model(doc).Updates(updates).Error; err != nil {
		log.Printf("knowledge: mark document %d error: %v", doc.ID, err)
	}
	doc.Status = StatusError
	metrics.RecordIngestion(doc.Origin, false)
}

// sanitizeMetadata flattens payload values so every key stays filterable:
// primitives pass through, nil becomes the empty string, and anything nested
// is serialized to a stable string form.
func sanitizeMetadata(metadata map[string]interface{}) map[string]interface{} {
	clean := make(map[string]interface{}, len(metadata))
	for key, value := range metadata {
		switch value.(type) {
		case nil:
			clean[key] = ""
		case string, bool, int, int32, int64, uint, uint32, uint64, float32, float64:
			clean[key] = value
		default:
			raw, err := json.Marshal(value)
			if err != nil {
				clean[key] = fmt.Sprintf("%v", value)
				continue
			}
			clean[key] = string(raw)
		}
	}
	return clean
}
