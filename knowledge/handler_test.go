package knowledge

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/appleboy/gin-jwt/v2"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestUploadRouter(t *testing.T) (*gin.Engine, *Service, *fakeVectorStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	service, _, vectors := newTestService(t)
	module := &Module{service: service}

	router := gin.New()
	group := router.Group("/api/data")
	group.Use(func(c *gin.Context) {
		c.Set("JWT_PAYLOAD", jwt.MapClaims{claimUserIDKey: float64(7)})
	})
	group.POST("/upload", module.handleUpload)
	return router, service, vectors
}

func uploadRequest(t *testing.T, fileName string, content []byte) *http.Request {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", fileName)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/data/upload", body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func waitForDocumentStatus(t *testing.T, service *Service, docID uint64, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var doc SourceDocument
		if err := service.db.First(&doc, docID).Error; err == nil && doc.Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("document %d never reached status %s", docID, want)
}

func TestHandleUploadRespondsWithProcessingSnapshot(t *testing.T) {
	router, service, vectors := newTestUploadRouter(t)

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, uploadRequest(t, "notes.txt", []byte("a body of text long enough to chunk and index into the store.")))
	require.Equal(t, http.StatusAccepted, recorder.Code)

	var decoded struct {
		Document SourceDocument `json:"document"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &decoded))
	assert.Equal(t, StatusProcessing, decoded.Document.Status)
	assert.Equal(t, "notes.txt", decoded.Document.FileName)
	require.NotZero(t, decoded.Document.ID)

	waitForDocumentStatus(t, service, decoded.Document.ID, StatusReady)
	assert.NotEmpty(t, vectors.points)
}

func TestHandleUploadRejectsUnsupportedExtension(t *testing.T) {
	router, _, _ := newTestUploadRouter(t)

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, uploadRequest(t, "binary.exe", []byte("payload")))
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}
