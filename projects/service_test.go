package projects

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	return db
}

func newTestProjectService(t *testing.T) *Service {
	t.Helper()
	service := NewService(newTestDB(t))
	require.NoError(t, service.AutoMigrate())
	return service
}

func createTestProject(t *testing.T, service *Service, userID uint64) *Project {
	t.Helper()
	project, err := service.CreateProject(context.Background(), userID, ProjectInput{
		Name:      "Support Bot",
		Provider:  "fast",
		Documents: []string{"doc-a", "doc-b"},
	})
	require.NoError(t, err)
	return project
}

func TestCreateProjectDefaults(t *testing.T) {
	service := newTestProjectService(t)

	project := createTestProject(t, service, 1)

	assert.Equal(t, StatusDevelopment, project.Status)
	assert.Equal(t, "1.0.0", project.Version)
	assert.Equal(t, []string{"doc-a", "doc-b"}, project.DocumentIDs())
}

func TestCreateProjectValidation(t *testing.T) {
	service := newTestProjectService(t)

	_, err := service.CreateProject(context.Background(), 1, ProjectInput{Name: "   "})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name is required")

	_, err = service.CreateProject(context.Background(), 1, ProjectInput{Name: "x", Status: "archived"})
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestProjectOwnershipScoping(t *testing.T) {
	service := newTestProjectService(t)

	mine := createTestProject(t, service, 1)
	_ = createTestProject(t, service, 2)

	projects, err := service.ListProjects(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, mine.ID, projects[0].ID)

	_, err = service.GetProject(context.Background(), 2, mine.ID)
	assert.ErrorIs(t, err, ErrProjectNotFound)

	err = service.DeleteProject(context.Background(), 2, mine.ID)
	assert.ErrorIs(t, err, ErrProjectNotFound)
}

func TestUpdateProjectPartialFields(t *testing.T) {
	service := newTestProjectService(t)
	project := createTestProject(t, service, 1)

	updated, err := service.UpdateProject(context.Background(), 1, project.ID, ProjectInput{
		Status:    StatusDeployed,
		Documents: []string{"doc-c"},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusDeployed, updated.Status)
	assert.Equal(t, []string{"doc-c"}, updated.DocumentIDs())
	assert.Equal(t, "Support Bot", updated.Name, "unspecified fields stay untouched")
}

func TestGenerateKeyStoresDigestOnly(t *testing.T) {
	service := newTestProjectService(t)
	project := createTestProject(t, service, 1)

	key, plaintext, err := service.GenerateKey(context.Background(), 1, project.ID, "production")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(plaintext, apiKeyPrefix))
	assert.Len(t, plaintext, len(apiKeyPrefix)+apiKeyRandBytes*2)
	assert.Equal(t, plaintext[len(plaintext)-4:], key.LastFour)
	assert.Equal(t, DigestKey(plaintext), key.KeyDigest)
	assert.NotContains(t, key.KeyDigest, plaintext[len(apiKeyPrefix):len(apiKeyPrefix)+8])

	_, second, err := service.GenerateKey(context.Background(), 1, project.ID, "staging")
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, second)
}

func TestGenerateKeyRequiresOwnedProject(t *testing.T) {
	service := newTestProjectService(t)
	project := createTestProject(t, service, 1)

	_, _, err := service.GenerateKey(context.Background(), 2, project.ID, "stolen")
	assert.ErrorIs(t, err, ErrProjectNotFound)
}

func TestResolveKeyRoundTrip(t *testing.T) {
	service := newTestProjectService(t)
	project := createTestProject(t, service, 1)

	created, plaintext, err := service.GenerateKey(context.Background(), 1, project.ID, "production")
	require.NoError(t, err)

	key, resolved, err := service.resolveKey(context.Background(), plaintext)
	require.NoError(t, err)
	assert.Equal(t, created.ID, key.ID)
	assert.Equal(t, project.ID, resolved.ID)

	_, _, err = service.resolveKey(context.Background(), apiKeyPrefix+"0000000000000000000000000000000000000000000000ff")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestDeleteKeyScopedToOwner(t *testing.T) {
	service := newTestProjectService(t)
	project := createTestProject(t, service, 1)
	key, _, err := service.GenerateKey(context.Background(), 1, project.ID, "production")
	require.NoError(t, err)

	assert.ErrorIs(t, service.DeleteKey(context.Background(), 2, key.ID), ErrKeyNotFound)
	require.NoError(t, service.DeleteKey(context.Background(), 1, key.ID))
	assert.ErrorIs(t, service.DeleteKey(context.Background(), 1, key.ID), ErrKeyNotFound)
}

func TestDeleteProjectRemovesItsKeys(t *testing.T) {
	service := newTestProjectService(t)
	project := createTestProject(t, service, 1)
	_, _, err := service.GenerateKey(context.Background(), 1, project.ID, "production")
	require.NoError(t, err)

	require.NoError(t, service.DeleteProject(context.Background(), 1, project.ID))

	keys, err := service.ListKeys(context.Background(), 1)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestRecordCallUpdatesCountersAndLog(t *testing.T) {
	service := newTestProjectService(t)
	project := createTestProject(t, service, 1)
	key, _, err := service.GenerateKey(context.Background(), 1, project.ID, "production")
	require.NoError(t, err)

	service.recordCall(key.ID, APICallLog{
		UserID:         1,
		ProjectID:      project.ID,
		Successful:     true,
		ResponseTimeMs: 120,
		TokensUsed:     40,
	})

	keys, err := service.ListKeys(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, int64(1), keys[0].Usage)
	require.NotNil(t, keys[0].LastUsed)

	stored, err := service.GetProject(context.Background(), 1, project.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.APICalls)
}

func TestWindowDays(t *testing.T) {
	for raw, want := range map[string]int{"": 7, "7d": 7, "30d": 30, "90d": 90} {
		days, err := windowDays(raw)
		require.NoError(t, err)
		assert.Equal(t, want, days)
	}
	_, err := windowDays("1y")
	assert.Error(t, err)
}

func TestAnalyticsAggregatesWindow(t *testing.T) {
	service := newTestProjectService(t)
	project := createTestProject(t, service, 1)
	other := createTestProject(t, service, 1)

	now := time.Now().UTC()
	logs := []APICallLog{
		{UserID: 1, ProjectID: project.ID, Successful: true, ResponseTimeMs: 100, TokensUsed: 30, CreatedAt: now.AddDate(0, 0, -1)},
		{UserID: 1, ProjectID: project.ID, Successful: true, ResponseTimeMs: 300, TokensUsed: 50, CreatedAt: now.AddDate(0, 0, -2)},
		{UserID: 1, ProjectID: other.ID, Successful: false, ResponseTimeMs: 200, TokensUsed: 0, CreatedAt: now.AddDate(0, 0, -3)},
		// Outside the 7 day window.
		{UserID: 1, ProjectID: project.ID, Successful: true, ResponseTimeMs: 900, TokensUsed: 999, CreatedAt: now.AddDate(0, 0, -20)},
		// Another user.
		{UserID: 2, ProjectID: project.ID, Successful: true, ResponseTimeMs: 100, TokensUsed: 10, CreatedAt: now.AddDate(0, 0, -1)},
	}
	for i := range logs {
		require.NoError(t, service.db.Create(&logs[i]).Error)
	}

	report, err := service.Analytics(context.Background(), 1, "7d")
	require.NoError(t, err)

	assert.Equal(t, "7d", report.Range)
	assert.Equal(t, int64(3), report.Summary.TotalAPICalls)
	assert.InDelta(t, 66.7, report.Summary.SuccessRate, 0.001)
	assert.Equal(t, float64(200), report.Summary.AvgResponseTime)
	assert.Equal(t, int64(80), report.Summary.TotalTokensUsed)
	assert.Len(t, report.CallsOverTime, 3)

	require.Len(t, report.ProjectBreakdown, 2)
	assert.Equal(t, project.ID, report.ProjectBreakdown[0].ProjectID)
	assert.Equal(t, int64(2), report.ProjectBreakdown[0].Calls)

	wide, err := service.Analytics(context.Background(), 1, "30d")
	require.NoError(t, err)
	assert.Equal(t, int64(4), wide.Summary.TotalAPICalls)
}
