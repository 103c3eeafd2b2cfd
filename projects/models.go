package projects

import (
	"time"

	"gorm.io/datatypes"
)

// Project lifecycle statuses. Only deployed projects accept public API
// traffic.
const (
	StatusDevelopment = "development"
	StatusTesting     = "testing"
	StatusDeployed    = "deployed"
)

// Project is a deployable RAG configuration: a document scope, a system
// prompt, and a provider profile, owned by one user.
type Project struct {
	ID           uint64         `gorm:"primaryKey" json:"id"`
	UserID       uint64         `gorm:"not null;index" json:"user_id"`
	Name         string         `gorm:"size:128;not null" json:"name"`
	Description  string         `gorm:"type:text" json:"description"`
	Status       string         `gorm:"size:16;not null;default:'development'" json:"status"`
	Provider     string         `gorm:"size:32;not null" json:"provider"`
	Version      string         `gorm:"size:16;not null;default:'1.0.0'" json:"version"`
	SystemPrompt string         `gorm:"type:text" json:"system_prompt"`
	Documents    datatypes.JSON `gorm:"type:json" json:"documents"`
	APICalls     int64          `gorm:"not null;default:0" json:"api_calls"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

func (Project) TableName() string {
	return "projects"
}

// APIKey is a project-scoped credential. Only the SHA-256 digest is stored;
// the plaintext key is shown once at creation.
type APIKey struct {
	ID        uint64     `gorm:"primaryKey" json:"id"`
	UserID    uint64     `gorm:"not null;index" json:"user_id"`
	ProjectID uint64     `gorm:"not null;index" json:"project_id"`
	Name      string     `gorm:"size:128;not null" json:"name"`
	KeyDigest string     `gorm:"size:64;not null;uniqueIndex" json:"-"`
	LastFour  string     `gorm:"size:4;not null" json:"last_four"`
	Usage     int64      `gorm:"column:call_count;not null;default:0" json:"usage"`
	LastUsed  *time.Time `json:"last_used,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func (APIKey) TableName() string {
	return "api_keys"
}

// APICallLog records one public API invocation for analytics.
type APICallLog struct {
	ID             uint64    `gorm:"primaryKey" json:"id"`
	UserID         uint64    `gorm:"not null;index" json:"user_id"`
	ProjectID      uint64    `gorm:"not null;index" json:"project_id"`
	Successful     bool      `gorm:"not null" json:"successful"`
	ResponseTimeMs int64     `gorm:"not null" json:"response_time_ms"`
	TokensUsed     int64     `gorm:"not null;default:0" json:"tokens_used"`
	CreatedAt      time.Time `gorm:"index" json:"created_at"`
}

func (APICallLog) TableName() string {
	return "api_call_logs"
}
