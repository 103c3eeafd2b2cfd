package knowledge

import (
	"time"

	"gorm.io/datatypes"
)

// Source document lifecycle statuses. A document is created as processing and
// moves to ready or error exactly once; it never transitions backward.
const (
	StatusProcessing = "processing"
	StatusReady      = "ready"
	StatusError      = "error"
)

// Origin types for a source document.
const (
	OriginFile = "file"
	OriginWeb  = "web"
)

// SourceDocument is a user-owned unit of knowledge: an uploaded file or a
// crawled site. RagDocumentID is the stable correlation id shared by every
// vector-store chunk derived from this record.
type SourceDocument struct {
	ID            uint64         `gorm:"primaryKey" json:"id"`
	UserID        uint64         `gorm:"not null;index" json:"user_id"`
	FileName      string         `gorm:"size:255;not null" json:"file_name"`
	FileType      string         `gorm:"size:64" json:"file_type"`
	FileSize      int64          `gorm:"not null;default:0" json:"file_size"`
	Origin        string         `gorm:"size:8;not null;default:'file'" json:"origin"`
	SourceURL     *string        `gorm:"size:2048" json:"source_url,omitempty"`
	Status        string         `gorm:"size:16;not null;default:'processing'" json:"status"`
	RagDocumentID string         `gorm:"size:64;not null;uniqueIndex" json:"rag_document_id"`
	ChunkCount    int            `gorm:"not null;default:0" json:"chunk_count"`
	Extra         datatypes.JSON `gorm:"type:json" json:"extra,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

func (SourceDocument) TableName() string {
	return "source_documents"
}

// CrawledPage is one page extracted by the web crawler.
type CrawledPage struct {
	URL       string    `json:"url"`
	Title     string    `json:"title"`
	Text      string    `json:"text"`
	CrawledAt time.Time `json:"crawled_at"`
}
