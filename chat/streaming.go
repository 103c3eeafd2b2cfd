package chat

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
)

// wantsEventStream determines if the client requested a streaming response.
func wantsEventStream(c *gin.Context) bool {
	accept := strings.ToLower(strings.TrimSpace(c.GetHeader("Accept")))
	if strings.Contains(accept, "text/event-stream") {
		return true
	}
	if header := strings.TrimSpace(c.GetHeader("X-Stream")); header != "" {
		if strings.EqualFold(header, "1") || strings.EqualFold(header, "true") || strings.EqualFold(header, "yes") {
			return true
		}
	}
	if q := strings.TrimSpace(c.Query("stream")); q != "" {
		if strings.EqualFold(q, "1") || strings.EqualFold(q, "true") || strings.EqualFold(q, "yes") {
			return true
		}
	}
	return false
}

// streamEvent writes a single Server-Sent Event to the response writer.
func streamEvent(w gin.ResponseWriter, flusher http.Flusher, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

type safeSSEWriter struct {
	writer  gin.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

func newSafeSSEWriter(w gin.ResponseWriter, flusher http.Flusher) *safeSSEWriter {
	return &safeSSEWriter{writer: w, flusher: flusher}
}

func (w *safeSSEWriter) Send(event string, payload any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return streamEvent(w.writer, w.flusher, event, payload)
}

func sseHeaders(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache, no-transform")
	c.Writer.Header().Set("Connection", "keep-alive")
}
