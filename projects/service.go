package projects

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	apiKeyPrefix    = "gk_"
	apiKeyRandBytes = 24
)

var (
	ErrProjectNotFound = errors.New("projects: project not found")
	ErrKeyNotFound     = errors.New("projects: api key not found")
	ErrInvalidStatus   = errors.New("projects: invalid project status")
)

// Service owns project, API key, and call log persistence.
type Service struct {
	db *gorm.DB
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

func (s *Service) AutoMigrate() error {
	if s == nil || s.db == nil {
		return errors.New("projects: service not initialized")
	}
	if err := s.db.AutoMigrate(&Project{}, &APIKey{}, &APICallLog{}); err != nil {
		return fmt.Errorf("projects: migrate tables: %w", err)
	}
	return nil
}

func validStatus(status string) bool {
	switch status {
	case StatusDevelopment, StatusTesting, StatusDeployed:
		return true
	}
	return false
}

type ProjectInput struct {
	Name         string
	Description  string
	Status       string
	Provider     string
	SystemPrompt string
	Documents    []string
}

func (s *Service) CreateProject(ctx context.Context, userID uint64, input ProjectInput) (*Project, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, errors.New("projects: name is required")
	}
	status := strings.TrimSpace(input.Status)
	if status == "" {
		status = StatusDevelopment
	}
	if !validStatus(status) {
		return nil, ErrInvalidStatus
	}
	docs, err := encodeDocuments(input.Documents)
	if err != nil {
		return nil, err
	}
	project := &Project{
		UserID:       userID,
		Name:         name,
		Description:  strings.TrimSpace(input.Description),
		Status:       status,
		Provider:     strings.TrimSpace(input.Provider),
		Version:      "1.0.0",
		SystemPrompt: input.SystemPrompt,
		Documents:    docs,
	}
	if err := s.db.WithContext(ctx).Create(project).Error; err != nil {
		return nil, fmt.Errorf("projects: create project: %w", err)
	}
	return project, nil
}

func (s *Service) ListProjects(ctx context.Context, userID uint64) ([]Project, error) {
	var items []Project
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("projects: list projects: %w", err)
	}
	return items, nil
}

func (s *Service) GetProject(ctx context.Context, userID, projectID uint64) (*Project, error) {
	var project Project
	err := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", projectID, userID).
		First(&project).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrProjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("projects: load project: %w", err)
	}
	return &project, nil
}

func (s *Service) UpdateProject(ctx context.Context, userID, projectID uint64, input ProjectInput) (*Project, error) {
	project, err := s.GetProject(ctx, userID, projectID)
	if err != nil {
		return nil, err
	}
	updates := map[string]interface{}{}
	if name := strings.TrimSpace(input.Name); name != "" {
		updates["name"] = name
	}
	if input.Description != "" {
		updates["description"] = strings.TrimSpace(input.Description)
	}
	if status := strings.TrimSpace(input.Status); status != "" {
		if !validStatus(status) {
			return nil, ErrInvalidStatus
		}
		updates["status"] = status
	}
	if provider := strings.TrimSpace(input.Provider); provider != "" {
		updates["provider"] = provider
	}
	if input.SystemPrompt != "" {
		updates["system_prompt"] = input.SystemPrompt
	}
	if input.Documents != nil {
		docs, err := encodeDocuments(input.Documents)
		if err != nil {
			return nil, err
		}
		updates["documents"] = docs
	}
	if len(updates) == 0 {
		return project, nil
	}
	err = s.db.WithContext(ctx).Model(project).Updates(updates).Error
	if err != nil {
		return nil, fmt.Errorf("projects: update project: %w", err)
	}
	return s.GetProject(ctx, userID, projectID)
}

func (s *Service) DeleteProject(ctx context.Context, userID, projectID uint64) error {
	project, err := s.GetProject(ctx, userID, projectID)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("project_id = ?", project.ID).Delete(&APIKey{}).Error; err != nil {
			return fmt.Errorf("projects: delete project keys: %w", err)
		}
		if err := tx.Delete(project).Error; err != nil {
			return fmt.Errorf("projects: delete project: %w", err)
		}
		return nil
	})
}

// DocumentIDs decodes the project's stored rag document id list.
func (p *Project) DocumentIDs() []string {
	if p == nil || len(p.Documents) == 0 {
		return nil
	}
	var ids []string
	if err := json.Unmarshal(p.Documents, &ids); err != nil {
		log.Printf("projects: decode documents for project %d: %v", p.ID, err)
		return nil
	}
	return ids
}

func encodeDocuments(ids []string) (datatypes.JSON, error) {
	if ids == nil {
		ids = []string{}
	}
	raw, err := json.Marshal(ids)
	if err != nil {
		return nil, fmt.Errorf("projects: encode documents: %w", err)
	}
	return datatypes.JSON(raw), nil
}

// GenerateKey mints a new API key for the project and returns the record
// together with the plaintext key. The plaintext is never stored and cannot
// be recovered afterwards.
func (s *Service) GenerateKey(ctx context.Context, userID, projectID uint64, name string) (*APIKey, string, error) {
	project, err := s.GetProject(ctx, userID, projectID)
	if err != nil {
		return nil, "", err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, "", errors.New("projects: key name is required")
	}
	buf := make([]byte, apiKeyRandBytes)
	if _, err := rand.Read(buf); err != nil {
		return nil, "", fmt.Errorf("projects: generate key material: %w", err)
	}
	plaintext := apiKeyPrefix + hex.EncodeToString(buf)
	key := &APIKey{
		UserID:    userID,
		ProjectID: project.ID,
		Name:      name,
		KeyDigest: DigestKey(plaintext),
		LastFour:  plaintext[len(plaintext)-4:],
	}
	if err := s.db.WithContext(ctx).Create(key).Error; err != nil {
		return nil, "", fmt.Errorf("projects: store api key: %w", err)
	}
	return key, plaintext, nil
}

func (s *Service) ListKeys(ctx context.Context, userID uint64) ([]APIKey, error) {
	var keys []APIKey
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&keys).Error
	if err != nil {
		return nil, fmt.Errorf("projects: list api keys: %w", err)
	}
	return keys, nil
}

func (s *Service) DeleteKey(ctx context.Context, userID, keyID uint64) error {
	result := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", keyID, userID).
		Delete(&APIKey{})
	if result.Error != nil {
		return fmt.Errorf("projects: delete api key: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrKeyNotFound
	}
	return nil
}

// DigestKey hashes a plaintext API key for storage and lookup.
func DigestKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// resolveKey loads the key record matching the plaintext and its project.
func (s *Service) resolveKey(ctx context.Context, plaintext string) (*APIKey, *Project, error) {
	digest := DigestKey(plaintext)
	var key APIKey
	err := s.db.WithContext(ctx).Where("key_digest = ?", digest).First(&key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("projects: look up api key: %w", err)
	}
	// Constant-time recheck against the stored digest.
	if subtle.ConstantTimeCompare([]byte(key.KeyDigest), []byte(digest)) != 1 {
		return nil, nil, ErrKeyNotFound
	}
	var project Project
	err = s.db.WithContext(ctx).Where("id = ?", key.ProjectID).First(&project).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, ErrProjectNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("projects: load key project: %w", err)
	}
	return &key, &project, nil
}

// recordCall bumps usage counters and appends a call log row. Runs in the
// background after a public API response, so failures are only logged.
func (s *Service) recordCall(keyID uint64, entry APICallLog) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	now := time.Now().UTC()
	err := s.db.WithContext(ctx).Model(&APIKey{}).
		Where("id = ?", keyID).
		Updates(map[string]interface{}{
			"call_count": gorm.Expr("call_count + 1"),
			"last_used":  now,
		}).Error
	if err != nil {
		log.Printf("projects: update key usage: %v", err)
	}
	err = s.db.WithContext(ctx).Model(&Project{}).
		Where("id = ?", entry.ProjectID).
		UpdateColumn("api_calls", gorm.Expr("api_calls + 1")).Error
	if err != nil {
		log.Printf("projects: update project call count: %v", err)
	}
	entry.CreatedAt = now
	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		log.Printf("projects: write call log: %v", err)
	}
}

// AnalyticsSummary aggregates public API usage for one user over a window.
type AnalyticsSummary struct {
	TotalAPICalls   int64   `json:"totalApiCalls"`
	SuccessRate     float64 `json:"successRate"`
	AvgResponseTime float64 `json:"avgResponseTime"`
	TotalTokensUsed int64   `json:"totalTokensUsed"`
}

type CallsPoint struct {
	Day   string `json:"day"`
	Calls int64  `json:"calls"`
}

type ProjectUsage struct {
	ProjectID uint64 `json:"projectId"`
	Name      string `json:"name"`
	Calls     int64  `json:"calls"`
}

type AnalyticsReport struct {
	Range            string           `json:"range"`
	Summary          AnalyticsSummary `json:"summary"`
	CallsOverTime    []CallsPoint     `json:"callsOverTime"`
	ProjectBreakdown []ProjectUsage   `json:"projectBreakdown"`
}

func windowDays(rangeName string) (int, error) {
	switch rangeName {
	case "", "7d":
		return 7, nil
	case "30d":
		return 30, nil
	case "90d":
		return 90, nil
	}
	return 0, fmt.Errorf("projects: unknown analytics range %q", rangeName)
}

func (s *Service) Analytics(ctx context.Context, userID uint64, rangeName string) (*AnalyticsReport, error) {
	days, err := windowDays(rangeName)
	if err != nil {
		return nil, err
	}
	since := time.Now().UTC().AddDate(0, 0, -days)
	report := &AnalyticsReport{
		Range:            fmt.Sprintf("%dd", days),
		CallsOverTime:    []CallsPoint{},
		ProjectBreakdown: []ProjectUsage{},
	}

	var totals struct {
		Calls  int64
		OK     int64
		AvgMs  float64
		Tokens int64
	}
	err = s.db.WithContext(ctx).Model(&APICallLog{}).
		Select("COUNT(*) AS calls, " +
			"COALESCE(SUM(CASE WHEN successful THEN 1 ELSE 0 END), 0) AS ok, " +
			"COALESCE(AVG(response_time_ms), 0) AS avg_ms, " +
			"COALESCE(SUM(tokens_used), 0) AS tokens").
		Where("user_id = ? AND created_at >= ?", userID, since).
		Scan(&totals).Error
	if err != nil {
		return nil, fmt.Errorf("projects: aggregate call totals: %w", err)
	}
	report.Summary = AnalyticsSummary{
		TotalAPICalls:   totals.Calls,
		AvgResponseTime: math.Round(totals.AvgMs),
		TotalTokensUsed: totals.Tokens,
	}
	if totals.Calls > 0 {
		report.Summary.SuccessRate = math.Round(float64(totals.OK)/float64(totals.Calls)*1000) / 10
	}

	err = s.db.WithContext(ctx).Model(&APICallLog{}).
		Select("DATE(created_at) AS day, COUNT(*) AS calls").
		Where("user_id = ? AND created_at >= ?", userID, since).
		Group("DATE(created_at)").
		Order("day ASC").
		Scan(&report.CallsOverTime).Error
	if err != nil {
		return nil, fmt.Errorf("projects: aggregate daily calls: %w", err)
	}

	err = s.db.WithContext(ctx).Model(&APICallLog{}).
		Select("api_call_logs.project_id AS project_id, projects.name AS name, COUNT(*) AS calls").
		Joins("JOIN projects ON projects.id = api_call_logs.project_id").
		Where("api_call_logs.user_id = ? AND api_call_logs.created_at >= ?", userID, since).
		Group("api_call_logs.project_id, projects.name").
		Order("calls DESC").
		Scan(&report.ProjectBreakdown).Error
	if err != nil {
		return nil, fmt.Errorf("projects: aggregate project usage: %w", err)
	}
	return report, nil
}
