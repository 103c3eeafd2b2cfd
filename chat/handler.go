package chat

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/Manvadariya/GPTStudio/authorization"
	"github.com/Manvadariya/GPTStudio/llm"
	"github.com/Manvadariya/GPTStudio/metrics"
	jwt "github.com/appleboy/gin-jwt/v2"
	"github.com/gin-gonic/gin"
)

const claimUserIDKey = "user_id"

// Module exposes the authenticated chat endpoint.
type Module struct {
	service *Service
}

// RegisterRoutes mounts the retrieval-augmented chat endpoint under /api/chat.
// The same route serves JSON and SSE; the client selects via Accept header,
// X-Stream header, or stream query parameter.
func RegisterRoutes(router *gin.Engine, guard *authorization.Guard, registry *llm.Registry) (*Module, error) {
	service, err := NewServiceFromEnv(registry)
	if err != nil {
		return nil, err
	}

	module := &Module{service: service}

	group := router.Group("/api/chat")
	if guard != nil {
		group.Use(guard.RequireAuthenticated())
	} else {
		group.Use(func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization middleware missing"})
		})
	}
	group.POST("", module.handleQuery)

	return module, nil
}

// Service returns the orchestrator for other modules to reuse.
func (m *Module) Service() *Service {
	if m == nil {
		return nil
	}
	return m.service
}

type queryRequestBody struct {
	Question     string        `json:"question" binding:"required"`
	DocumentIDs  []string      `json:"documentIds"`
	SystemPrompt string        `json:"systemPrompt"`
	History      []HistoryTurn `json:"history"`
	Provider     string        `json:"modelProvider"`
}

func (m *Module) handleQuery(c *gin.Context) {
	userID := currentUserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	var body queryRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "question field is required"})
		return
	}

	req := QueryRequest{
		TenantID:     strconv.FormatUint(userID, 10),
		Question:     strings.TrimSpace(body.Question),
		DocumentIDs:  body.DocumentIDs,
		SystemPrompt: body.SystemPrompt,
		History:      body.History,
		Provider:     body.Provider,
	}

	if wantsEventStream(c) {
		m.streamQuery(c, req)
		return
	}

	timer := metrics.ObserveQuery("chat")
	result, err := m.service.Query(c.Request.Context(), req)
	timer.Done(err == nil)
	if err != nil {
		status := http.StatusInternalServerError
		if isClientError(err) {
			status = http.StatusBadRequest
		}
		log.Printf("chat: query failed: %v", err)
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"answer":    result.Answer,
		"modelUsed": result.ModelUsed,
	})
}

func (m *Module) streamQuery(c *gin.Context, req QueryRequest) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	sseHeaders(c)
	c.Status(http.StatusOK)
	writer := newSafeSSEWriter(c.Writer, flusher)
	flusher.Flush()

	timer := metrics.ObserveQuery("chat_stream")
	err := m.service.QueryStream(c.Request.Context(), req, func(event StreamEvent) error {
		return writer.Send(event.Type, event)
	})
	timer.Done(err == nil)
	if err != nil {
		log.Printf("chat: streaming query failed: %v", err)
	}
}

func isClientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRetrievalTimeout) {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "chat: history turn") ||
		strings.Contains(msg, "unknown provider") ||
		strings.Contains(msg, "question cannot be empty") ||
		strings.Contains(msg, "tenant id is required")
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
