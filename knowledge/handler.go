package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Manvadariya/GPTStudio/authorization"
	"github.com/Manvadariya/GPTStudio/platformdb"
	filestore "github.com/Manvadariya/GPTStudio/storage"
	jwt "github.com/appleboy/gin-jwt/v2"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Module exposes the data-source endpoints and owns the ingestion service.
type Module struct {
	service *Service
	uploads *filestore.UploadStorage
}

const (
	maxUploadBytes   = 50 << 20
	ingestionTimeout = 10 * time.Minute
	claimUserIDKey   = "user_id"
)

// RegisterRoutes mounts the data-source endpoints under /api/data. Every route
// requires authentication; ingestion runs asynchronously after the request is
// accepted.
func RegisterRoutes(router *gin.Engine, guard *authorization.Guard) (*Module, error) {
	db, err := platformdb.Open()
	if err != nil {
		return nil, err
	}

	service, err := NewServiceFromEnv(db)
	if err != nil {
		return nil, err
	}
	if err := service.AutoMigrate(); err != nil {
		return nil, err
	}

	uploads, err := filestore.NewUploadStorageFromEnv()
	if err != nil {
		return nil, err
	}

	module := &Module{service: service, uploads: uploads}

	group := router.Group("/api/data")
	if guard != nil {
		group.Use(guard.RequireAuthenticated())
	} else {
		group.Use(func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization middleware missing"})
		})
	}
	group.GET("", module.handleListDocuments)
	group.POST("/upload", module.handleUpload)
	group.POST("/upload-archive", module.handleUploadArchive)
	group.POST("/crawl", module.handleCrawl)
	group.DELETE("/:id", module.handleDeleteDocument)

	return module, nil
}

// Service returns the ingestion service for other modules to reuse.
func (m *Module) Service() *Service {
	if m == nil {
		return nil
	}
	return m.service
}

func (m *Module) handleListDocuments(c *gin.Context) {
	userID := currentUserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	docs, err := m.service.ListDocuments(userID)
	if err != nil {
		log.Printf("knowledge: list documents: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list documents"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"documents": docs})
}

func (m *Module) handleUpload(c *gin.Context) {
	userID := currentUserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file field is required"})
		return
	}
	if fileHeader.Size > maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file exceeds the 50MB limit"})
		return
	}
	if !SupportedFileExtension(fileHeader.Filename) {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unsupported file type %q", filepath.Ext(fileHeader.Filename))})
		return
	}

	stagingPath := filepath.Join(os.TempDir(), fmt.Sprintf("upload-%d-%d-%s", userID, time.Now().UnixNano(), filepath.Base(fileHeader.Filename)))
	if err := c.SaveUploadedFile(fileHeader, stagingPath); err != nil {
		log.Printf("knowledge: stage upload: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store upload"})
		return
	}

	doc, err := m.service.CreateDocument(userID, filepath.Base(fileHeader.Filename), OriginFile, "", fileHeader.Size)
	if err != nil {
		os.Remove(stagingPath)
		log.Printf("knowledge: create document: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create document"})
		return
	}

	if m.uploads != nil {
		if key, err := m.uploads.StoreOriginal(c.Request.Context(), doc.RagDocumentID, stagingPath); err != nil {
			log.Printf("knowledge: archive original upload: %v", err)
		} else {
			log.Printf("knowledge: stored original upload as %s", key)
		}
	}

	// Snapshot before the goroutine starts mutating doc's status fields.
	accepted := *doc
	go m.ingestFileAsync(doc, stagingPath)

	c.JSON(http.StatusAccepted, gin.H{"document": accepted})
}

// handleUploadArchive accepts a zip or rar bundle, expands it, and ingests
// every supported file inside as its own document.
func (m *Module) handleUploadArchive(c *gin.Context) {
	userID := currentUserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file field is required"})
		return
	}
	ext := strings.ToLower(filepath.Ext(fileHeader.Filename))
	if ext != ".zip" && ext != ".rar" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "archive must be a .zip or .rar file"})
		return
	}

	stagingPath := filepath.Join(os.TempDir(), fmt.Sprintf("archive-%d-%d%s", userID, time.Now().UnixNano(), ext))
	if err := c.SaveUploadedFile(fileHeader, stagingPath); err != nil {
		log.Printf("knowledge: stage archive: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store archive"})
		return
	}

	extracted, err := filestore.ExpandArchive(stagingPath)
	os.Remove(stagingPath)
	if err != nil {
		log.Printf("knowledge: expand archive: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to expand archive"})
		return
	}

	var accepted []SourceDocument
	for _, entry := range extracted {
		if !SupportedFileExtension(entry.Name) {
			os.Remove(entry.Path)
			continue
		}
		doc, err := m.service.CreateDocument(userID, entry.Name, OriginFile, "", entry.Size)
		if err != nil {
			os.Remove(entry.Path)
			log.Printf("knowledge: create document for %s: %v", entry.Name, err)
			continue
		}
		// Snapshot before the goroutine starts mutating doc's status fields.
		accepted = append(accepted, *doc)
		go m.ingestFileAsync(doc, entry.Path)
	}

	if len(accepted) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "archive contains no supported files"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"documents": accepted})
}

type crawlRequest struct {
	URL      string `json:"url" binding:"required"`
	MaxDepth int    `json:"max_depth"`
	MaxPages int    `json:"max_pages"`
}

func (m *Module) handleCrawl(c *gin.Context) {
	userID := currentUserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	var req crawlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url field is required"})
		return
	}
	target := strings.TrimSpace(req.URL)
	if !IsValidCrawlURL(target) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url must be an absolute http(s) address"})
		return
	}

	probeCtx, cancel := context.WithTimeout(c.Request.Context(), crawlFetchTimeout)
	defer cancel()
	if !m.service.crawler.CheckReachable(probeCtx, target) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url is not reachable"})
		return
	}

	doc, err := m.service.CreateDocument(userID, target, OriginWeb, target, 0)
	if err != nil {
		log.Printf("knowledge: create web document: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create document"})
		return
	}

	// Snapshot before the goroutine starts mutating doc's status fields.
	accepted := *doc
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), ingestionTimeout)
		defer cancel()
		if err := m.service.IngestWebsite(ctx, doc, req.MaxDepth, req.MaxPages); err != nil {
			log.Printf("knowledge: crawl ingestion for document %d: %v", doc.ID, err)
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{"document": accepted})
}

func (m *Module) handleDeleteDocument(c *gin.Context) {
	userID := currentUserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid document id"})
		return
	}

	if err := m.service.DeleteDocument(c.Request.Context(), userID, id); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
			return
		}
		log.Printf("knowledge: delete document %d: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete document"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

func (m *Module) ingestFileAsync(doc *SourceDocument, path string) {
	defer os.Remove(path)
	ctx, cancel := context.WithTimeout(context.Background(), ingestionTimeout)
	defer cancel()
	if err := m.service.IngestFile(ctx, doc, path); err != nil {
		log.Printf("knowledge: ingestion for document %d: %v", doc.ID, err)
	}
}

// currentUserID extracts the authenticated user id from the JWT claims.
func currentUserID(c *gin.Context) uint64 {
	claims := jwt.ExtractClaims(c)
	if len(claims) == 0 {
		return 0
	}
	switch v := claims[claimUserIDKey].(type) {
	case float64:
		if v <= 0 {
			return 0
		}
		return uint64(v)
	case int64:
		if v <= 0 {
			return 0
		}
		return uint64(v)
	case uint64:
		return v
	case json.Number:
		parsed, err := v.Int64()
		if err != nil || parsed <= 0 {
			return 0
		}
		return uint64(parsed)
	case string:
		parsed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return 0
		}
		return parsed
	default:
		return 0
	}
}
