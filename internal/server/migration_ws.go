package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/CanuteTheGreat/horcrux-sub008/internal/domain"
)

// MigrationWatchHandler streams migration job snapshots over a websocket
// until the job reaches a terminal state.
type MigrationWatchHandler struct {
	server   *Server
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewMigrationWatchHandler creates a new watch handler.
func NewMigrationWatchHandler(s *Server) *MigrationWatchHandler {
	return &MigrationWatchHandler{
		server: s,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 4 * 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Allow all origins for development
				// In production, this should be restricted
				return true
			},
		},
		logger: s.logger.Named("migration-watch"),
	}
}

const (
	watchWriteTimeout = 10 * time.Second
	watchPingInterval = 30 * time.Second
)

// Serve upgrades the connection and streams snapshots of the given job.
// The first message is the current state; subsequent messages follow job
// mutations. The stream closes once the job is terminal.
func (h *MigrationWatchHandler) Serve(w http.ResponseWriter, r *http.Request, jobID string) {
	updates, unsubscribe, err := h.server.migrationManager.Watch(jobID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, domain.ErrNotFound) {
			status = http.StatusNotFound
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]string{
			"code":    "watch_failed",
			"message": err.Error(),
		})
		return
	}
	defer unsubscribe()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed",
			zap.String("job_id", jobID), zap.Error(err))
		return
	}
	defer conn.Close()

	h.logger.Info("Migration watch started",
		zap.String("job_id", jobID),
		zap.String("remote_addr", r.RemoteAddr),
	)

	// Reader goroutine: detect client disconnect and handle control frames.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	pingTicker := time.NewTicker(watchPingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case job, ok := <-updates:
			if !ok {
				// Job reached a terminal state and the stream closed.
				deadline := time.Now().Add(watchWriteTimeout)
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "migration finished"),
					deadline)
				return
			}
			conn.SetWriteDeadline(time.Now().Add(watchWriteTimeout))
			if err := conn.WriteJSON(job); err != nil {
				h.logger.Debug("Watch write failed",
					zap.String("job_id", jobID), zap.Error(err))
				return
			}
		case <-pingTicker.C:
			deadline := time.Now().Add(watchWriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-done:
			h.logger.Debug("Watch client disconnected", zap.String("job_id", jobID))
			return
		case <-r.Context().Done():
			return
		}
	}
}
