// Package server provides REST API handlers for migration operations.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/CanuteTheGreat/horcrux-sub008/internal/domain"
)

// MigrationRestHandler provides REST API endpoints for migration operations.
type MigrationRestHandler struct {
	server  *Server
	logger  *zap.Logger
	watcher *MigrationWatchHandler
}

// NewMigrationRestHandler creates a new migration REST handler.
func NewMigrationRestHandler(s *Server) *MigrationRestHandler {
	return &MigrationRestHandler{
		server:  s,
		logger:  s.logger.Named("migration-rest"),
		watcher: NewMigrationWatchHandler(s),
	}
}

// ServeHTTP handles REST API requests for migrations.
// Routes:
//   - POST /api/migrations - Submit a migration
//   - GET  /api/migrations - List migrations (?active=true, ?vm={id})
//   - GET  /api/migrations/{id} - Get a migration job
//   - GET  /api/migrations/{id}/stats - Get migration statistics
//   - POST /api/migrations/{id}/cancel - Request cancellation
//   - POST /api/migrations/{id}/rollback - Manually roll back a failed job
//   - GET  /api/migrations/{id}/rollback - Get the rollback record
//   - GET  /api/migrations/{id}/health - List health reports for a job
//   - GET  /api/migrations/{id}/health/summary - Aggregate health for a job
//   - GET  /api/migrations/{id}/watch - Websocket progress stream
//   - GET  /api/rollbacks - List all rollback records
//   - GET  /api/health-reports - List all health reports
//   - GET  /api/migration-policy - Get runtime migration policy
//   - PUT  /api/migration-policy - Update runtime migration policy
//   - GET  /api/nodes - List nodes with failover state
//   - POST /api/nodes/{id}/failover - Manually evacuate a node
func (h *MigrationRestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/api/migrations":
		h.handleCollection(w, r)
	case r.URL.Path == "/api/migration-policy":
		h.handlePolicy(w, r)
	case r.URL.Path == "/api/rollbacks":
		h.handleListRollbacks(w, r)
	case r.URL.Path == "/api/health-reports":
		h.handleListHealthReports(w, r)
	case r.URL.Path == "/api/nodes":
		h.handleListNodes(w, r)
	case strings.HasPrefix(r.URL.Path, "/api/nodes/"):
		h.handleNodeAction(w, r)
	case strings.HasPrefix(r.URL.Path, "/api/migrations/"):
		h.handleJob(w, r)
	default:
		h.writeError(w, http.StatusNotFound, "not_found", "Unknown path")
	}
}

// migrationRequest is the POST /api/migrations body.
type migrationRequest struct {
	VMID               string  `json:"vm_id"`
	TargetNode         string  `json:"target_node"`
	Type               string  `json:"type"`
	BandwidthLimitMBps *uint64 `json:"bandwidth_limit_mbps,omitempty"`
	Force              bool    `json:"force,omitempty"`
	WithLocalDisks     bool    `json:"with_local_disks,omitempty"`
}

func (h *MigrationRestHandler) handleCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handleCreate(w, r)
	case http.MethodGet:
		h.handleList(w, r)
	default:
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET and POST are allowed")
	}
}

func (h *MigrationRestHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req migrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_body", "Failed to parse request body")
		return
	}

	ctx := r.Context()

	// With multiple control-plane instances, serialize admission per VM
	// through etcd so the conflict check cannot race.
	if h.server.etcd != nil && req.VMID != "" {
		lock, err := h.server.etcd.AcquireVMLock(ctx, req.VMID, 10*time.Second)
		if err != nil {
			h.writeError(w, http.StatusServiceUnavailable, "lock_failed", "Could not acquire migration lock for VM")
			return
		}
		defer lock.Unlock(ctx)
	}

	job, err := h.server.migrationManager.Start(ctx, domain.MigrationConfig{
		VMID:               req.VMID,
		TargetNode:         req.TargetNode,
		Type:               domain.MigrationType(strings.ToUpper(req.Type)),
		BandwidthLimitMBps: req.BandwidthLimitMBps,
		Force:              req.Force,
		WithLocalDisks:     req.WithLocalDisks,
	})
	if err != nil {
		h.handleDomainError(w, err)
		return
	}

	h.publishEvent(r, "migration.created", job)
	h.writeJSON(w, http.StatusCreated, job)
}

func (h *MigrationRestHandler) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("active") == "true" {
		h.writeJSON(w, http.StatusOK, map[string]interface{}{
			"migrations": h.server.migrationManager.ListActive(),
		})
		return
	}
	if vmID := q.Get("vm"); vmID != "" {
		h.writeJSON(w, http.StatusOK, map[string]interface{}{
			"migrations": h.server.migrationManager.History(vmID),
		})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"migrations": h.server.migrationManager.ListJobs(),
	})
}

func (h *MigrationRestHandler) handleJob(w http.ResponseWriter, r *http.Request) {
	// Parse path: /api/migrations/{id}[/{action}[/{sub}]]
	path := strings.TrimPrefix(r.URL.Path, "/api/migrations/")
	parts := strings.Split(path, "/")

	jobID := parts[0]
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "missing_job_id", "Migration job ID is required")
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET is allowed")
			return
		}
		h.handleGetJob(w, r, jobID)
		return
	}

	action := parts[1]
	switch {
	case action == "stats" && r.Method == http.MethodGet:
		h.handleStats(w, r, jobID)
	case action == "cancel" && r.Method == http.MethodPost:
		h.handleCancel(w, r, jobID)
	case action == "rollback" && r.Method == http.MethodPost:
		h.handleManualRollback(w, r, jobID)
	case action == "rollback" && r.Method == http.MethodGet:
		h.handleGetRollback(w, r, jobID)
	case action == "health" && len(parts) >= 3 && parts[2] == "summary" && r.Method == http.MethodGet:
		h.handleHealthSummary(w, r, jobID)
	case action == "health" && r.Method == http.MethodGet:
		h.handleHealthReports(w, r, jobID)
	case action == "watch" && r.Method == http.MethodGet:
		h.watcher.Serve(w, r, jobID)
	default:
		h.writeError(w, http.StatusBadRequest, "unknown_action",
			"Unknown action. Supported: stats, cancel, rollback, health, watch")
	}
}

func (h *MigrationRestHandler) handleGetJob(w http.ResponseWriter, r *http.Request, jobID string) {
	ctx := r.Context()

	if h.server.cache != nil {
		if job, err := h.server.cache.GetJob(ctx, jobID); err == nil {
			h.writeJSON(w, http.StatusOK, job)
			return
		}
	}

	job, ok := h.server.migrationManager.Get(jobID)
	if !ok {
		h.writeError(w, http.StatusNotFound, "not_found", "Migration not found: "+jobID)
		return
	}

	if h.server.cache != nil {
		if err := h.server.cache.SetJob(ctx, job); err != nil {
			h.logger.Debug("Failed to cache migration job", zap.Error(err))
		}
	}

	h.writeJSON(w, http.StatusOK, job)
}

func (h *MigrationRestHandler) handleStats(w http.ResponseWriter, r *http.Request, jobID string) {
	stats, err := h.server.migrationManager.Statistics(jobID)
	if err != nil {
		h.handleDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

func (h *MigrationRestHandler) handleCancel(w http.ResponseWriter, r *http.Request, jobID string) {
	ctx := r.Context()
	if err := h.server.migrationManager.Cancel(ctx, jobID); err != nil {
		h.handleDomainError(w, err)
		return
	}

	if h.server.cache != nil {
		if err := h.server.cache.InvalidateJob(ctx, jobID); err != nil {
			h.logger.Debug("Failed to invalidate cached job", zap.Error(err))
		}
	}

	job, _ := h.server.migrationManager.Get(jobID)
	h.publishEvent(r, "migration.cancel_requested", job)

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"message":   "Cancellation requested",
		"migration": job,
	})
}

func (h *MigrationRestHandler) handleManualRollback(w http.ResponseWriter, r *http.Request, jobID string) {
	record, err := h.server.migrationManager.ManualRollback(r.Context(), jobID)
	if err != nil {
		if record != nil {
			// Rollback ran but some steps failed; return the record with
			// the error so the caller can see which steps need attention.
			h.writeJSON(w, http.StatusOK, map[string]interface{}{
				"success":  false,
				"message":  err.Error(),
				"rollback": record,
			})
			return
		}
		h.handleDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"message":  "Rollback completed",
		"rollback": record,
	})
}

func (h *MigrationRestHandler) handleGetRollback(w http.ResponseWriter, r *http.Request, jobID string) {
	record, err := h.server.migrationManager.Rollback(r.Context(), jobID)
	if err != nil {
		h.handleDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, record)
}

func (h *MigrationRestHandler) handleListRollbacks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET is allowed")
		return
	}
	records, err := h.server.migrationManager.ListRollbacks(r.Context())
	if err != nil {
		h.handleDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"rollbacks": records})
}

func (h *MigrationRestHandler) handleHealthReports(w http.ResponseWriter, r *http.Request, jobID string) {
	reports, err := h.server.migrationManager.HealthReports(r.Context(), jobID)
	if err != nil {
		h.handleDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"reports": reports})
}

func (h *MigrationRestHandler) handleHealthSummary(w http.ResponseWriter, r *http.Request, jobID string) {
	ctx := r.Context()

	if h.server.cache != nil {
		if summary, err := h.server.cache.GetHealthSummary(ctx, jobID); err == nil {
			h.writeJSON(w, http.StatusOK, summary)
			return
		}
	}

	summary, err := h.server.migrationManager.HealthSummary(ctx, jobID)
	if err != nil {
		h.handleDomainError(w, err)
		return
	}

	if h.server.cache != nil {
		if err := h.server.cache.SetHealthSummary(ctx, &summary); err != nil {
			h.logger.Debug("Failed to cache health summary", zap.Error(err))
		}
	}

	h.writeJSON(w, http.StatusOK, summary)
}

func (h *MigrationRestHandler) handleListHealthReports(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET is allowed")
		return
	}
	reports, err := h.server.migrationManager.ListHealthReports(r.Context())
	if err != nil {
		h.handleDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"reports": reports})
}

// policyRequest is the PUT /api/migration-policy body. Absent fields keep
// their current value.
type policyRequest struct {
	BandwidthLimitMBps *uint64 `json:"bandwidth_limit_mbps,omitempty"`
	MaxConcurrent      *int    `json:"max_concurrent,omitempty"`
	AutoRollback       *bool   `json:"auto_rollback,omitempty"`
	HealthChecks       *bool   `json:"health_checks,omitempty"`
}

func (h *MigrationRestHandler) handlePolicy(w http.ResponseWriter, r *http.Request) {
	mgr := h.server.migrationManager

	switch r.Method {
	case http.MethodGet:
		// fallthrough to response below
	case http.MethodPut:
		var req policyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_body", "Failed to parse request body")
			return
		}
		if req.BandwidthLimitMBps != nil {
			mgr.SetBandwidthLimit(req.BandwidthLimitMBps)
		}
		if req.MaxConcurrent != nil {
			mgr.SetMaxConcurrent(*req.MaxConcurrent)
		}
		if req.AutoRollback != nil {
			mgr.SetAutoRollback(*req.AutoRollback)
		}
		if req.HealthChecks != nil {
			mgr.SetHealthChecks(*req.HealthChecks)
		}
		h.logger.Info("Migration policy updated",
			zap.Uint64("bandwidth_limit_mbps", mgr.BandwidthLimit()),
			zap.Int("max_concurrent", mgr.MaxConcurrent()),
			zap.Bool("auto_rollback", mgr.IsAutoRollbackEnabled()),
			zap.Bool("health_checks", mgr.IsHealthCheckEnabled()),
		)
	default:
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET and PUT are allowed")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"bandwidth_limit_mbps": mgr.BandwidthLimit(),
		"max_concurrent":       mgr.MaxConcurrent(),
		"auto_rollback":        mgr.IsAutoRollbackEnabled(),
		"health_checks":        mgr.IsHealthCheckEnabled(),
	})
}

func (h *MigrationRestHandler) handleListNodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET is allowed")
		return
	}

	nodes, err := h.server.nodeRepo.List(r.Context())
	if err != nil {
		h.handleDomainError(w, err)
		return
	}

	states := h.server.haManager.GetAllNodeStates()
	out := make([]map[string]interface{}, 0, len(nodes))
	for _, node := range nodes {
		entry := map[string]interface{}{"node": node}
		if state, ok := states[node.ID]; ok {
			entry["failover_state"] = state
		}
		out = append(out, entry)
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"nodes": out})
}

func (h *MigrationRestHandler) handleNodeAction(w http.ResponseWriter, r *http.Request) {
	// Parse path: /api/nodes/{id}/{action}
	path := strings.TrimPrefix(r.URL.Path, "/api/nodes/")
	parts := strings.Split(path, "/")
	if len(parts) < 2 || parts[0] == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_path", "Expected /api/nodes/{id}/{action}")
		return
	}

	nodeID, action := parts[0], parts[1]
	if action != "failover" || r.Method != http.MethodPost {
		h.writeError(w, http.StatusBadRequest, "unknown_action", "Unknown action. Supported: failover")
		return
	}

	h.logger.Info("Manual failover requested", zap.String("node_id", nodeID))
	if err := h.server.haManager.ManualFailover(r.Context(), nodeID); err != nil {
		h.handleDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Node evacuation started",
	})
}

// publishEvent pushes a migration event to Redis pub/sub when caching is
// enabled. Failures are logged and ignored.
func (h *MigrationRestHandler) publishEvent(r *http.Request, eventType string, job *domain.MigrationJob) {
	if h.server.cache == nil {
		return
	}
	if err := h.server.cache.PublishMigrationEvent(r.Context(), eventType, job); err != nil {
		h.logger.Debug("Failed to publish migration event",
			zap.String("type", eventType), zap.Error(err))
	}
}

// handleDomainError maps domain sentinel errors to HTTP status codes.
func (h *MigrationRestHandler) handleDomainError(w http.ResponseWriter, err error) {
	var statusCode int
	var code string

	switch {
	case errors.Is(err, domain.ErrNotFound):
		statusCode = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, domain.ErrInvalidArgument):
		statusCode = http.StatusBadRequest
		code = "invalid_argument"
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrAlreadyExists):
		statusCode = http.StatusConflict
		code = "conflict"
	case errors.Is(err, domain.ErrResourceExhausted):
		statusCode = http.StatusTooManyRequests
		code = "resource_exhausted"
	case errors.Is(err, domain.ErrUnavailable):
		statusCode = http.StatusServiceUnavailable
		code = "unavailable"
	default:
		statusCode = http.StatusInternalServerError
		code = "internal"
	}

	h.writeError(w, statusCode, code, err.Error())
}

// writeJSON writes a JSON response.
func (h *MigrationRestHandler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to write JSON response", zap.Error(err))
	}
}

// writeError writes an error JSON response.
func (h *MigrationRestHandler) writeError(w http.ResponseWriter, status int, code, message string) {
	h.logger.Warn("API error",
		zap.Int("status", status),
		zap.String("code", code),
		zap.String("message", message),
	)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"code":    code,
		"message": message,
	})
}
