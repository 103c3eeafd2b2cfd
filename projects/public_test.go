package projects

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Manvadariya/GPTStudio/chat"
	"github.com/Manvadariya/GPTStudio/knowledge"
	"github.com/Manvadariya/GPTStudio/llm"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubEmbedder struct{}

func (stubEmbedder) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	vectors := make([][]float32, len(inputs))
	for i := range inputs {
		vectors[i] = []float32{0.1}
	}
	return vectors, nil
}

func (stubEmbedder) EmbedQuery(ctx context.Context, input string) ([]float32, error) {
	return []float32{0.1}, nil
}

type stubVectorStore struct{}

func (stubVectorStore) UpsertPoints(ctx context.Context, points []knowledge.ChunkPoint) error {
	return nil
}

func (stubVectorStore) Search(ctx context.Context, vector []float32, limit int, filter map[string]interface{}) ([]knowledge.SearchHit, error) {
	return []knowledge.SearchHit{{ID: "hit-1", Score: 0.9, Text: "retrieved context"}}, nil
}

func (stubVectorStore) DeleteByFilter(ctx context.Context, filter map[string]interface{}) error {
	return nil
}

func publicTestModule(t *testing.T) (*Module, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload, _ := json.Marshal(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": "public answer"}},
			},
		})
		_, _ = w.Write(payload)
	}))
	t.Cleanup(backend.Close)

	registry := llm.NewRegistryWithLoader(func(name string) (llm.ProviderConfig, error) {
		return llm.ProviderConfig{
			Name:    name,
			BaseURL: backend.URL,
			APIKey:  "sk-test",
			ModelID: "test-model",
			Timeout: 5 * time.Second,
		}, nil
	})

	module := &Module{
		service: newTestProjectService(t),
		chat:    chat.NewService(stubEmbedder{}, stubVectorStore{}, registry),
	}

	router := gin.New()
	public := router.Group("/v1", module.keyAuth())
	public.POST("/chat", module.handlePublicChat)
	return module, router
}

func publicChatRequest(key string, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	return req
}

func TestPublicChatRequiresAPIKey(t *testing.T) {
	_, router := publicTestModule(t)

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, publicChatRequest("", `{"question":"hi"}`))
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)

	recorder = httptest.NewRecorder()
	router.ServeHTTP(recorder, publicChatRequest("not-a-platform-key", `{"question":"hi"}`))
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)

	recorder = httptest.NewRecorder()
	router.ServeHTTP(recorder, publicChatRequest(apiKeyPrefix+strings.Repeat("0", 48), `{"question":"hi"}`))
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
}

func TestPublicChatRejectsUndeployedProject(t *testing.T) {
	module, router := publicTestModule(t)

	project := createTestProject(t, module.service, 1)
	_, plaintext, err := module.service.GenerateKey(context.Background(), 1, project.ID, "production")
	require.NoError(t, err)

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, publicChatRequest(plaintext, `{"question":"hi"}`))
	assert.Equal(t, http.StatusForbidden, recorder.Code)
}

func TestPublicChatAnswersForDeployedProject(t *testing.T) {
	module, router := publicTestModule(t)

	project := createTestProject(t, module.service, 1)
	_, err := module.service.UpdateProject(context.Background(), 1, project.ID, ProjectInput{Status: StatusDeployed})
	require.NoError(t, err)
	_, plaintext, err := module.service.GenerateKey(context.Background(), 1, project.ID, "production")
	require.NoError(t, err)

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, publicChatRequest(plaintext, `{"question":"what is this about?"}`))
	require.Equal(t, http.StatusOK, recorder.Code, recorder.Body.String())

	var response struct {
		Answer    string `json:"answer"`
		ModelUsed string `json:"modelUsed"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	assert.Equal(t, "public answer", response.Answer)
	assert.Equal(t, llm.DefaultProvider, response.ModelUsed)
}

func TestPublicChatValidatesBody(t *testing.T) {
	module, router := publicTestModule(t)

	project := createTestProject(t, module.service, 1)
	_, err := module.service.UpdateProject(context.Background(), 1, project.ID, ProjectInput{Status: StatusDeployed})
	require.NoError(t, err)
	_, plaintext, err := module.service.GenerateKey(context.Background(), 1, project.ID, "production")
	require.NoError(t, err)

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, publicChatRequest(plaintext, `{"history":[]}`))
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "gk_abc", bearerToken("Bearer gk_abc"))
	assert.Equal(t, "gk_abc", bearerToken("bearer gk_abc"))
	assert.Equal(t, "", bearerToken("gk_abc"))
	assert.Equal(t, "", bearerToken("Basic dXNlcg=="))
	assert.Equal(t, "", bearerToken(""))
}

func TestCallTokens(t *testing.T) {
	usage := &llm.ChatUsage{PromptTokens: 12, CompletionTokens: 8}
	assert.Equal(t, int64(20), callTokens(usage, "q", "a"))

	q := strings.Repeat("q", 40)
	a := strings.Repeat("a", 40)
	assert.Equal(t, int64(20), callTokens(nil, q, a))
	assert.Equal(t, int64(20), callTokens(&llm.ChatUsage{}, q, a))
}
