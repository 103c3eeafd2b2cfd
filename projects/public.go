package projects

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Manvadariya/GPTStudio/cache"
	"github.com/Manvadariya/GPTStudio/chat"
	"github.com/Manvadariya/GPTStudio/llm"
	"github.com/Manvadariya/GPTStudio/metrics"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	keyCacheTTL         = 10 * time.Minute
	rateLimitWindow     = time.Minute
	rateLimitPerWindow  = 60
	publicQueryTimeout  = 2 * time.Minute
	contextKeyAPIKey    = "api_key_record"
	contextKeyProject   = "api_key_project"
	websocketReadLimit  = 64 << 10
	websocketPongWait   = 5 * time.Minute
	websocketWriteWait  = 10 * time.Second
)

// cachedKey is the redis representation of a resolved API key. The project
// is reloaded per request so status changes take effect immediately.
type cachedKey struct {
	KeyID     uint64 `json:"keyId"`
	UserID    uint64 `json:"userId"`
	ProjectID uint64 `json:"projectId"`
}

// keyAuth authenticates public API requests via a Bearer API key. Resolved
// keys are cached in redis to keep the hot path off the database.
func (m *Module) keyAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		plaintext := bearerToken(c.GetHeader("Authorization"))
		if plaintext == "" || !strings.HasPrefix(plaintext, apiKeyPrefix) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "api key required"})
			return
		}
		key, project, err := m.resolveCachedKey(c.Request.Context(), plaintext)
		if errors.Is(err, ErrKeyNotFound) || errors.Is(err, ErrProjectNotFound) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
			return
		}
		if err != nil {
			log.Printf("projects: resolve api key: %v", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "api key lookup failed"})
			return
		}
		if project.Status != StatusDeployed {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "project is not deployed"})
			return
		}
		if cache.Enabled() {
			window := fmt.Sprintf("ratelimit:key:%d", key.ID)
			count, err := cache.IncrementWindow(c.Request.Context(), window, rateLimitWindow)
			if err != nil {
				log.Printf("projects: rate limit counter: %v", err)
			} else if count > rateLimitPerWindow {
				c.Header("Retry-After", strconv.Itoa(int(rateLimitWindow.Seconds())))
				c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
				return
			}
		}
		c.Set(contextKeyAPIKey, key)
		c.Set(contextKeyProject, project)
		c.Next()
	}
}

func (m *Module) resolveCachedKey(ctx context.Context, plaintext string) (*APIKey, *Project, error) {
	digest := DigestKey(plaintext)
	if cache.Enabled() {
		var cached cachedKey
		err := cache.GetJSON(ctx, "apikey:"+digest, &cached)
		if err == nil {
			var project Project
			dberr := m.service.db.WithContext(ctx).Where("id = ?", cached.ProjectID).First(&project).Error
			if dberr == nil {
				key := &APIKey{ID: cached.KeyID, UserID: cached.UserID, ProjectID: cached.ProjectID}
				return key, &project, nil
			}
		} else if !errors.Is(err, cache.ErrCacheMiss) {
			log.Printf("projects: api key cache read: %v", err)
		}
	}
	key, project, err := m.service.resolveKey(ctx, plaintext)
	if err != nil {
		return nil, nil, err
	}
	if cache.Enabled() {
		entry := cachedKey{KeyID: key.ID, UserID: key.UserID, ProjectID: key.ProjectID}
		if err := cache.SetJSON(ctx, "apikey:"+digest, entry, keyCacheTTL); err != nil {
			log.Printf("projects: api key cache write: %v", err)
		}
	}
	return key, project, nil
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

type publicChatBody struct {
	Question string             `json:"question" binding:"required"`
	History  []chat.HistoryTurn `json:"history"`
	Stream   bool               `json:"stream"`
}

func (m *Module) publicQueryRequest(project *Project, body publicChatBody) chat.QueryRequest {
	return chat.QueryRequest{
		TenantID:     strconv.FormatUint(project.UserID, 10),
		Question:     body.Question,
		DocumentIDs:  project.DocumentIDs(),
		SystemPrompt: project.SystemPrompt,
		History:      body.History,
		Provider:     project.Provider,
	}
}

// handlePublicChat serves POST /v1/chat with an API key. The response is
// JSON by default and SSE when the client asks for an event stream.
func (m *Module) handlePublicChat(c *gin.Context) {
	key := c.MustGet(contextKeyAPIKey).(*APIKey)
	project := c.MustGet(contextKeyProject).(*Project)

	var body publicChatBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "question is required"})
		return
	}

	started := time.Now()
	req := m.publicQueryRequest(project, body)
	ctx, cancel := context.WithTimeout(c.Request.Context(), publicQueryTimeout)
	defer cancel()

	if body.Stream || strings.Contains(c.GetHeader("Accept"), "text/event-stream") {
		m.streamPublicChat(c, ctx, key, project, req, started)
		return
	}

	timer := metrics.ObserveQuery("public_chat")
	result, err := m.chat.Query(ctx, req)
	timer.Done(err == nil)

	elapsed := time.Since(started).Milliseconds()
	if err != nil {
		go m.service.recordCall(key.ID, APICallLog{
			UserID:         project.UserID,
			ProjectID:      project.ID,
			Successful:     false,
			ResponseTimeMs: elapsed,
		})
		log.Printf("projects: public chat failed for project %d: %v", project.ID, err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "query failed"})
		return
	}
	go m.service.recordCall(key.ID, APICallLog{
		UserID:         project.UserID,
		ProjectID:      project.ID,
		Successful:     true,
		ResponseTimeMs: elapsed,
		TokensUsed:     callTokens(result.Usage, body.Question, result.Answer),
	})
	c.JSON(http.StatusOK, gin.H{
		"answer":    result.Answer,
		"modelUsed": result.ModelUsed,
	})
}

func (m *Module) streamPublicChat(c *gin.Context, ctx context.Context, key *APIKey, project *Project, req chat.QueryRequest, started time.Time) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}
	sseHeaders(c)
	writer := newSafeSSEWriter(c.Writer, flusher)

	timer := metrics.ObserveQuery("public_chat_stream")
	var answer strings.Builder
	err := m.chat.QueryStream(ctx, req, func(event chat.StreamEvent) error {
		if event.Type == chat.EventContent {
			answer.WriteString(event.Content)
		}
		return writer.Send(event.Type, event)
	})
	timer.Done(err == nil)

	elapsed := time.Since(started).Milliseconds()
	entry := APICallLog{
		UserID:         project.UserID,
		ProjectID:      project.ID,
		Successful:     err == nil,
		ResponseTimeMs: elapsed,
	}
	if err == nil {
		entry.TokensUsed = llm.EstimateTokens(req.Question, answer.String())
	} else {
		log.Printf("projects: public chat stream failed for project %d: %v", project.ID, err)
	}
	go m.service.recordCall(key.ID, entry)
}

var websocketUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handlePublicChatSocket serves GET /v1/chat/ws. Each client text frame is a
// publicChatBody; the server answers with the stream events as JSON frames.
func (m *Module) handlePublicChatSocket(c *gin.Context) {
	key := c.MustGet(contextKeyAPIKey).(*APIKey)
	project := c.MustGet(contextKeyProject).(*Project)

	conn, err := websocketUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("projects: websocket upgrade: %v", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(websocketReadLimit)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(websocketPongWait))
		var body publicChatBody
		if err := conn.ReadJSON(&body); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("projects: websocket read: %v", err)
			}
			return
		}
		if strings.TrimSpace(body.Question) == "" {
			if err := writeSocketJSON(conn, chat.StreamEvent{Type: chat.EventError, Error: "question is required"}); err != nil {
				return
			}
			continue
		}
		m.answerSocketQuery(c.Request.Context(), conn, key, project, body)
	}
}

func (m *Module) answerSocketQuery(parent context.Context, conn *websocket.Conn, key *APIKey, project *Project, body publicChatBody) {
	ctx, cancel := context.WithTimeout(parent, publicQueryTimeout)
	defer cancel()

	started := time.Now()
	req := m.publicQueryRequest(project, body)

	timer := metrics.ObserveQuery("public_chat_ws")
	var answer strings.Builder
	err := m.chat.QueryStream(ctx, req, func(event chat.StreamEvent) error {
		if event.Type == chat.EventContent {
			answer.WriteString(event.Content)
		}
		return writeSocketJSON(conn, event)
	})
	timer.Done(err == nil)

	elapsed := time.Since(started).Milliseconds()
	entry := APICallLog{
		UserID:         project.UserID,
		ProjectID:      project.ID,
		Successful:     err == nil,
		ResponseTimeMs: elapsed,
	}
	if err == nil {
		entry.TokensUsed = llm.EstimateTokens(req.Question, answer.String())
	} else {
		log.Printf("projects: websocket query failed for project %d: %v", project.ID, err)
	}
	go m.service.recordCall(key.ID, entry)
}

func writeSocketJSON(conn *websocket.Conn, payload interface{}) error {
	_ = conn.SetWriteDeadline(time.Now().Add(websocketWriteWait))
	return conn.WriteJSON(payload)
}

func callTokens(usage *llm.ChatUsage, question, answer string) int64 {
	if usage != nil {
		if total := llm.TotalTokensUsed(usage); total > 0 {
			return total
		}
	}
	return llm.EstimateTokens(question, answer)
}
