package projects

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/Manvadariya/GPTStudio/authorization"
	"github.com/Manvadariya/GPTStudio/chat"
	"github.com/Manvadariya/GPTStudio/platformdb"
	jwt "github.com/appleboy/gin-jwt/v2"
	"github.com/gin-gonic/gin"
)

const claimUserIDKey = "user_id"

// Module exposes project management, API key management, usage analytics,
// and the key-authenticated public chat API.
type Module struct {
	service *Service
	chat    *chat.Service
}

// RegisterRoutes mounts the project surfaces. Management routes live under
// /api and require a session; the public API lives under /v1 and requires a
// project API key.
func RegisterRoutes(router *gin.Engine, guard *authorization.Guard, chatService *chat.Service) (*Module, error) {
	if chatService == nil {
		return nil, errors.New("projects: chat service is required")
	}
	db, err := platformdb.Open()
	if err != nil {
		return nil, err
	}
	service := NewService(db)
	if err := service.AutoMigrate(); err != nil {
		return nil, err
	}

	module := &Module{service: service, chat: chatService}

	secured := router.Group("/api")
	if guard != nil {
		secured.Use(guard.RequireAuthenticated())
	} else {
		secured.Use(func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization middleware missing"})
		})
	}

	secured.GET("/projects", module.handleListProjects)
	secured.POST("/projects", module.handleCreateProject)
	secured.GET("/projects/:id", module.handleGetProject)
	secured.PUT("/projects/:id", module.handleUpdateProject)
	secured.DELETE("/projects/:id", module.handleDeleteProject)

	secured.GET("/apikeys", module.handleListKeys)
	secured.POST("/apikeys", module.handleGenerateKey)
	secured.DELETE("/apikeys/:id", module.handleDeleteKey)

	secured.GET("/analytics", module.handleAnalytics)

	public := router.Group("/v1", module.keyAuth())
	public.POST("/chat", module.handlePublicChat)
	public.GET("/chat/ws", module.handlePublicChatSocket)

	return module, nil
}

type projectBody struct {
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Status       string   `json:"status"`
	Provider     string   `json:"provider"`
	SystemPrompt string   `json:"systemPrompt"`
	Documents    []string `json:"documents"`
}

func (b projectBody) input() ProjectInput {
	return ProjectInput{
		Name:         b.Name,
		Description:  b.Description,
		Status:       b.Status,
		Provider:     b.Provider,
		SystemPrompt: b.SystemPrompt,
		Documents:    b.Documents,
	}
}

func projectView(p *Project) gin.H {
	docs := p.DocumentIDs()
	if docs == nil {
		docs = []string{}
	}
	return gin.H{
		"id":           p.ID,
		"name":         p.Name,
		"description":  p.Description,
		"status":       p.Status,
		"provider":     p.Provider,
		"version":      p.Version,
		"systemPrompt": p.SystemPrompt,
		"documents":    docs,
		"apiCalls":     p.APICalls,
		"createdAt":    p.CreatedAt,
		"updatedAt":    p.UpdatedAt,
	}
}

func (m *Module) handleListProjects(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	items, err := m.service.ListProjects(c.Request.Context(), userID)
	if err != nil {
		log.Printf("projects: list projects: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list projects"})
		return
	}
	views := make([]gin.H, 0, len(items))
	for i := range items {
		views = append(views, projectView(&items[i]))
	}
	c.JSON(http.StatusOK, gin.H{"projects": views})
}

func (m *Module) handleCreateProject(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var body projectBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	project, err := m.service.CreateProject(c.Request.Context(), userID, body.input())
	if err != nil {
		status, message := projectErrorStatus(err)
		c.JSON(status, gin.H{"error": message})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"project": projectView(project)})
}

func (m *Module) handleGetProject(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	projectID, err := parseID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid project id"})
		return
	}
	project, err := m.service.GetProject(c.Request.Context(), userID, projectID)
	if errors.Is(err, ErrProjectNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
		return
	}
	if err != nil {
		log.Printf("projects: load project %d: %v", projectID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load project"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"project": projectView(project)})
}

func (m *Module) handleUpdateProject(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	projectID, err := parseID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid project id"})
		return
	}
	var body projectBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	project, err := m.service.UpdateProject(c.Request.Context(), userID, projectID, body.input())
	if errors.Is(err, ErrProjectNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
		return
	}
	if err != nil {
		status, message := projectErrorStatus(err)
		c.JSON(status, gin.H{"error": message})
		return
	}
	c.JSON(http.StatusOK, gin.H{"project": projectView(project)})
}

func (m *Module) handleDeleteProject(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	projectID, err := parseID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid project id"})
		return
	}
	err = m.service.DeleteProject(c.Request.Context(), userID, projectID)
	if errors.Is(err, ErrProjectNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
		return
	}
	if err != nil {
		log.Printf("projects: delete project %d: %v", projectID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete project"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

type generateKeyBody struct {
	Name      string `json:"name" binding:"required"`
	ProjectID uint64 `json:"projectId" binding:"required"`
}

func keyView(k *APIKey) gin.H {
	return gin.H{
		"id":        k.ID,
		"name":      k.Name,
		"projectId": k.ProjectID,
		"lastFour":  k.LastFour,
		"usage":     k.Usage,
		"lastUsed":  k.LastUsed,
		"createdAt": k.CreatedAt,
	}
}

func (m *Module) handleGenerateKey(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var body generateKeyBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name and projectId are required"})
		return
	}
	key, plaintext, err := m.service.GenerateKey(c.Request.Context(), userID, body.ProjectID, body.Name)
	if errors.Is(err, ErrProjectNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
		return
	}
	if err != nil {
		log.Printf("projects: generate api key: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate api key"})
		return
	}
	view := keyView(key)
	// The plaintext key is returned exactly once.
	view["key"] = plaintext
	c.JSON(http.StatusCreated, gin.H{"apiKey": view})
}

func (m *Module) handleListKeys(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	keys, err := m.service.ListKeys(c.Request.Context(), userID)
	if err != nil {
		log.Printf("projects: list api keys: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list api keys"})
		return
	}
	views := make([]gin.H, 0, len(keys))
	for i := range keys {
		views = append(views, keyView(&keys[i]))
	}
	c.JSON(http.StatusOK, gin.H{"apiKeys": views})
}

func (m *Module) handleDeleteKey(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	keyID, err := parseID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid key id"})
		return
	}
	err = m.service.DeleteKey(c.Request.Context(), userID, keyID)
	if errors.Is(err, ErrKeyNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "api key not found"})
		return
	}
	if err != nil {
		log.Printf("projects: delete api key %d: %v", keyID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete api key"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (m *Module) handleAnalytics(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	report, err := m.service.Analytics(c.Request.Context(), userID, c.Query("range"))
	if err != nil {
		if strings.Contains(err.Error(), "unknown analytics range") {
			c.JSON(http.StatusBadRequest, gin.H{"error": "range must be 7d, 30d, or 90d"})
			return
		}
		log.Printf("projects: analytics: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load analytics"})
		return
	}
	c.JSON(http.StatusOK, report)
}

func projectErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidStatus):
		return http.StatusBadRequest, fmt.Sprintf("status must be %s, %s, or %s", StatusDevelopment, StatusTesting, StatusDeployed)
	case strings.Contains(err.Error(), "name is required"):
		return http.StatusBadRequest, "name is required"
	default:
		log.Printf("projects: save project: %v", err)
		return http.StatusInternalServerError, "failed to save project"
	}
}

func parseID(raw string) (uint64, error) {
	return strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
}

func currentUserID(c *gin.Context) (uint64, bool) {
	claims := jwt.ExtractClaims(c)
	value, ok := claims[claimUserIDKey]
	if !ok {
		return 0, false
	}
	switch v := value.(type) {
	case float64:
		return uint64(v), true
	case int64:
		return uint64(v), true
	case uint64:
		return v, true
	case json.Number:
		parsed, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return uint64(parsed), true
	case string:
		parsed, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}
