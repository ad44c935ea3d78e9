package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/kiranshivaraju/productlens/internal/api/response"
	"github.com/kiranshivaraju/productlens/internal/cache"
	"github.com/kiranshivaraju/productlens/internal/jobs"
	"github.com/kiranshivaraju/productlens/internal/store"
	"github.com/kiranshivaraju/productlens/pkg/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// JobReader loads a job on behalf of its owner.
type JobReader interface {
	Get(ctx context.Context, jobID, ownerID uuid.UUID) (*models.Job, error)
}

// Subscriber opens a live subscription on a pub/sub channel.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (cache.Subscription, error)
}

// LiveHandler relays progress events for one job over a WebSocket.
type LiveHandler struct {
	jobs     JobReader
	sub      Subscriber
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewLiveHandler creates the handler for GET /ws/jobs/{jobID}.
func NewLiveHandler(jobs JobReader, sub Subscriber, logger *slog.Logger) *LiveHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LiveHandler{
		jobs:   jobs,
		sub:    sub,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Callers authenticate with an API key, not a cookie.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP rejects unauthenticated and non-owning callers before upgrading.
// After the upgrade every message on the job channel is forwarded until a
// terminal message has been sent or the client goes away.
func (h *LiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_, userID, ok := caller(w, r)
	if !ok {
		return
	}
	jobID, ok := pathUUID(w, r, "jobID")
	if !ok {
		return
	}

	// Subscribe before reading the job: a terminal event published after the
	// read is then buffered on the subscription, and one published before it
	// shows up in the job status.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	sub, err := h.sub.Subscribe(ctx, cache.JobChannel(jobID))
	if err != nil {
		response.Error(w, http.StatusServiceUnavailable, "LIVE_UNAVAILABLE", "Live updates are unavailable", nil)
		return
	}
	defer sub.Close()

	job, err := h.jobs.Get(r.Context(), jobID, userID)
	if err != nil {
		_ = sub.Close()
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusForbidden, "FORBIDDEN", "Not allowed to watch this job", nil)
			return
		}
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load job", nil)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		h.logger.Debug("websocket upgrade failed", "job_id", jobID, "error", err)
		return
	}
	defer conn.Close()

	log := h.logger.With("job_id", jobID, "user_id", userID)
	log.Debug("live subscriber connected")

	go h.readPump(conn, cancel)

	if job.IsTerminal() {
		h.finish(conn, terminalMessage(job))
		return
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug("live subscriber disconnected")
			return
		case msg, open := <-sub.Messages():
			if !open {
				return
			}
			if isTerminal(msg) {
				h.finish(conn, msg)
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains client frames so pings and close frames are processed, and
// cancels the relay when the connection drops.
func (h *LiveHandler) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *LiveHandler) finish(conn *websocket.Conn, msg []byte) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		return
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished"),
		time.Now().Add(writeWait))
}

func isTerminal(msg []byte) bool {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(msg, &head); err != nil {
		return false
	}
	return models.IsTerminalEventType(head.Type)
}

// terminalMessage describes a job that finished before the subscriber connected.
func terminalMessage(job *models.Job) []byte {
	typ := models.EventTypeJobFailed
	switch job.Status {
	case models.JobStatusCompleted:
		typ = models.EventTypeJobComplete
	case models.JobStatusCancelled:
		typ = models.EventTypeJobCancelled
	}
	ts := job.UpdatedAt
	if job.CompletedAt != nil {
		ts = *job.CompletedAt
	}
	msg, _ := json.Marshal(models.ProgressEvent{
		Type:      typ,
		JobID:     job.ID,
		Data:      jobs.Details(job),
		Timestamp: ts,
	})
	return msg
}
