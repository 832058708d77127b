package handlers

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/codebuildervaibhav/audio-pipeline/internal/queue"
)

// DefaultStreamInterval is how often a progress stream polls its job.
const DefaultStreamInterval = 500 * time.Millisecond

// StreamHandler pushes a job's state over a WebSocket whenever it changes and
// closes the connection once the job is terminal.
type StreamHandler struct {
	store    *queue.Store
	interval time.Duration
	logger   *zap.Logger
}

// NewStreamHandler creates a new stream handler
func NewStreamHandler(store *queue.Store, interval time.Duration, logger *zap.Logger) *StreamHandler {
	if interval <= 0 {
		interval = DefaultStreamInterval
	}
	return &StreamHandler{
		store:    store,
		interval: interval,
		logger:   logger.With(zap.String("component", "stream")),
	}
}

// Upgrade rejects plain HTTP requests on WebSocket routes.
func (h *StreamHandler) Upgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// Handle processes WebSocket connections
func (h *StreamHandler) Handle(c *websocket.Conn) {
	defer c.Close()
	jobID := c.Params("id")

	// The reader only notices the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	var last []byte
	for {
		frame, done := h.nextFrame(jobID, last)
		if frame != nil {
			if err := c.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.logger.Debug("WebSocket write failed", zap.String("job_id", jobID), zap.Error(err))
				return
			}
			last = frame
		}
		if done {
			return
		}

		select {
		case <-gone:
			return
		case <-ticker.C:
		}
	}
}

// nextFrame returns the frame to send for jobID, or nil when nothing changed
// since last. done reports that the stream should end after this frame.
func (h *StreamHandler) nextFrame(jobID string, last []byte) (frame []byte, done bool) {
	job, ok := h.store.Get(jobID)
	if !ok {
		frame, _ = json.Marshal(fiber.Map{"error": "Job not found", "code": "ERR_JOB_NOT_FOUND"})
		return frame, true
	}
	data, err := json.Marshal(job)
	if err != nil {
		h.logger.Error("Failed to encode job", zap.String("job_id", jobID), zap.Error(err))
		return nil, true
	}
	if bytes.Equal(data, last) {
		return nil, job.Status.IsTerminal()
	}
	return data, job.Status.IsTerminal()
}
