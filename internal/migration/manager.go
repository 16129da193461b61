// Package migration orchestrates live and offline VM migrations between
// cluster nodes: admission and validation, the per-job state machine,
// concurrency and bandwidth policy, destination health monitoring and
// rollback of failed attempts.
package migration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/CanuteTheGreat/horcrux-sub008/internal/config"
	"github.com/CanuteTheGreat/horcrux-sub008/internal/domain"
)

const progressSampleInterval = 2 * time.Second

// Manager owns the migration job registry and drives job execution.
type Manager struct {
	repo     Repository
	vmRepo   VMRepository
	nodeRepo NodeRepository
	hv       Hypervisor
	capacity CapacityChecker

	gate     *ConcurrencyGate
	throttle *BandwidthThrottle
	health   *HealthMonitor
	rollback *RollbackController

	maxSyncIterations int
	logger            *zap.Logger

	mu           sync.RWMutex
	jobs         map[string]*domain.MigrationJob
	cancels      map[string]context.CancelFunc
	sourceXML    map[string]string
	autoRollback bool
	healthChecks bool
	watchers     map[string][]chan *domain.MigrationJob
}

// NewManager creates a migration manager. capacity may be nil, in which case
// target capacity is not verified.
func NewManager(
	cfg config.MigrationConfig,
	repo Repository,
	vmRepo VMRepository,
	nodeRepo NodeRepository,
	hv Hypervisor,
	capacity CapacityChecker,
	logger *zap.Logger,
) *Manager {
	logger = logger.With(zap.String("component", "migration-manager"))
	return &Manager{
		repo:              repo,
		vmRepo:            vmRepo,
		nodeRepo:          nodeRepo,
		hv:                hv,
		capacity:          capacity,
		gate:              NewConcurrencyGate(cfg.MaxConcurrent),
		throttle:          NewBandwidthThrottle(cfg.BandwidthLimitMBps),
		health:            NewHealthMonitor(hv, nodeRepo, cfg.HealthCheckInterval, cfg.HealthFailureThreshold, logger),
		rollback:          NewRollbackController(hv, logger),
		maxSyncIterations: cfg.MaxSyncIterations,
		logger:            logger,
		jobs:              make(map[string]*domain.MigrationJob),
		cancels:           make(map[string]context.CancelFunc),
		sourceXML:         make(map[string]string),
		autoRollback:      cfg.AutoRollback,
		healthChecks:      cfg.HealthChecks,
		watchers:          make(map[string][]chan *domain.MigrationJob),
	}
}

// Recover loads persisted jobs after a restart. Jobs left non-terminal by a
// crash are marked failed; their real outcome is unknowable.
func (m *Manager) Recover(ctx context.Context) error {
	jobs, err := m.repo.ListJobs(ctx)
	if err != nil {
		return fmt.Errorf("load persisted jobs: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, job := range jobs {
		if !job.State.IsTerminal() {
			m.logger.Warn("marking interrupted migration as failed",
				zap.String("job_id", job.ID),
				zap.String("state", string(job.State)))
			job.State = domain.MigrationStateFailed
			job.Error = "interrupted by control plane restart"
			now := time.Now()
			job.CompletedAt = &now
			if err := m.repo.UpdateJob(ctx, job); err != nil {
				m.logger.Error("failed to persist recovery state",
					zap.String("job_id", job.ID), zap.Error(err))
			}
		}
		m.jobs[job.ID] = job
	}
	m.logger.Info("recovered migration history", zap.Int("jobs", len(jobs)))
	return nil
}

// ============================================================================
// Admission
// ============================================================================

// Start validates a migration request and, if admissible, creates a job and
// launches its runner. Validation failures never create a job. The job may
// still wait in PENDING for a concurrency slot.
func (m *Manager) Start(ctx context.Context, cfg domain.MigrationConfig) (*domain.MigrationJob, error) {
	logger := m.logger.With(
		zap.String("vm_id", cfg.VMID),
		zap.String("target_node", cfg.TargetNode),
		zap.String("type", string(cfg.Type)),
	)

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	vm, err := m.vmRepo.Get(ctx, cfg.VMID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: VM %s", domain.ErrNotFound, cfg.VMID)
		}
		return nil, err
	}

	if active := m.activeJobForVM(cfg.VMID); active != nil {
		return nil, fmt.Errorf("%w: VM %s already has migration %s in state %s",
			domain.ErrConflict, cfg.VMID, active.ID, active.State)
	}
	if stored, err := m.repo.ActiveJobByVM(ctx, cfg.VMID); err == nil && stored != nil {
		return nil, fmt.Errorf("%w: VM %s already has migration %s in state %s",
			domain.ErrConflict, cfg.VMID, stored.ID, stored.State)
	}

	target, err := m.nodeRepo.Get(ctx, cfg.TargetNode)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: target node %s not found", domain.ErrInvalidArgument, cfg.TargetNode)
		}
		return nil, err
	}

	var source *domain.Node
	if vm.Status.NodeID != "" {
		source, err = m.nodeRepo.Get(ctx, vm.Status.NodeID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
	}

	if err := checkTarget(source, target, vm, logger); err != nil {
		return nil, err
	}

	if m.capacity != nil {
		if err := m.capacity.VerifyCapacity(ctx, target, vm); err != nil {
			if !cfg.Force {
				return nil, fmt.Errorf("%w: target node %s: %v", domain.ErrResourceExhausted, target.ID, err)
			}
			logger.Warn("capacity check failed, continuing because force is set", zap.Error(err))
		}
	}

	if cfg.Type == domain.MigrationTypeOffline && vm.IsRunning() && !cfg.Force {
		logger.Info("offline migration will stop a running VM")
	}
	if (cfg.Type == domain.MigrationTypeLive || cfg.Type == domain.MigrationTypeOnline) && !vm.IsRunning() {
		return nil, fmt.Errorf("%w: %s migration requires a running VM, state is %s",
			domain.ErrInvalidArgument, cfg.Type, vm.Status.State)
	}

	job := &domain.MigrationJob{
		ID:               uuid.New().String(),
		Config:           cfg,
		SourceNode:       vm.Status.NodeID,
		State:            domain.MigrationStatePending,
		StartedAt:        time.Now(),
		SourceWasRunning: vm.IsRunning(),
	}

	if err := m.repo.SaveJob(ctx, job); err != nil {
		return nil, fmt.Errorf("persist migration job: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.jobs[job.ID] = job
	m.cancels[job.ID] = cancel
	m.mu.Unlock()

	logger.Info("migration admitted", zap.String("job_id", job.ID))
	go m.run(runCtx, job, vm)

	return cloneJob(job), nil
}

// ============================================================================
// Queries
// ============================================================================

// Get returns a snapshot of a job. An unknown id reports ok=false rather
// than an error.
func (m *Manager) Get(id string) (*domain.MigrationJob, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, false
	}
	return cloneJob(job), true
}

// ListJobs returns snapshots of every known job.
func (m *Manager) ListJobs() []*domain.MigrationJob {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*domain.MigrationJob, 0, len(m.jobs))
	for _, job := range m.jobs {
		out = append(out, cloneJob(job))
	}
	return out
}

// ListActive returns snapshots of jobs not yet terminal.
func (m *Manager) ListActive() []*domain.MigrationJob {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.MigrationJob
	for _, job := range m.jobs {
		if job.IsActive() {
			out = append(out, cloneJob(job))
		}
	}
	return out
}

// JobByVM returns the active job for a VM, if any.
func (m *Manager) JobByVM(vmID string) (*domain.MigrationJob, error) {
	if job := m.activeJobForVM(vmID); job != nil {
		return cloneJob(job), nil
	}
	return nil, fmt.Errorf("%w: no active migration for VM %s", domain.ErrNotFound, vmID)
}

// History returns every known job for a VM, newest first not guaranteed.
func (m *Manager) History(vmID string) []*domain.MigrationJob {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.MigrationJob
	for _, job := range m.jobs {
		if job.Config.VMID == vmID {
			out = append(out, cloneJob(job))
		}
	}
	return out
}

// Statistics returns the stats of a job. For active jobs the figures are the
// running totals so far.
func (m *Manager) Statistics(id string) (domain.MigrationStats, error) {
	job, ok := m.Get(id)
	if !ok {
		return domain.MigrationStats{}, fmt.Errorf("%w: migration %s", domain.ErrNotFound, id)
	}
	if job.State.IsTerminal() {
		return job.Stats, nil
	}
	return computeStats(job, time.Now()), nil
}

// HealthReports returns the report series of a job. A job with no samples,
// or an unknown id, yields an empty series.
func (m *Manager) HealthReports(ctx context.Context, id string) ([]*domain.HealthReport, error) {
	return m.repo.ListHealthReports(ctx, id)
}

// ListHealthReports returns reports across all jobs.
func (m *Manager) ListHealthReports(ctx context.Context) ([]*domain.HealthReport, error) {
	return m.repo.ListAllHealthReports(ctx)
}

// HealthSummary aggregates the health series of a job. No samples yield a
// zero-value summary.
func (m *Manager) HealthSummary(ctx context.Context, id string) (domain.HealthSummary, error) {
	reports, err := m.HealthReports(ctx, id)
	if err != nil {
		return domain.HealthSummary{}, err
	}
	summary, _ := Summarize(id, reports)
	summary.JobID = id
	return summary, nil
}

// Rollback returns the rollback record of a job, if one exists.
func (m *Manager) Rollback(ctx context.Context, jobID string) (*domain.RollbackRecord, error) {
	return m.repo.GetRollback(ctx, jobID)
}

// ListRollbacks returns every rollback record.
func (m *Manager) ListRollbacks(ctx context.Context) ([]*domain.RollbackRecord, error) {
	return m.repo.ListRollbacks(ctx)
}

// ============================================================================
// Policy
// ============================================================================

// SetBandwidthLimit replaces the global transfer-rate ceiling. Nil or zero
// means unlimited. In-flight transfers pick up the new rate on their next
// pacing step.
func (m *Manager) SetBandwidthLimit(mbps *uint64) {
	var v uint64
	if mbps != nil {
		v = *mbps
	}
	m.throttle.SetLimit(v)
	m.logger.Info("bandwidth limit updated", zap.Uint64("mbps", v))
}

// BandwidthLimit returns the global MB/s ceiling, zero meaning unlimited.
func (m *Manager) BandwidthLimit() uint64 { return m.throttle.Limit() }

// SetMaxConcurrent changes the concurrency gate limit. Running jobs are
// never preempted.
func (m *Manager) SetMaxConcurrent(n int) {
	m.gate.SetLimit(n)
	m.logger.Info("max concurrent migrations updated", zap.Int("limit", n))
}

// MaxConcurrent returns the gate limit.
func (m *Manager) MaxConcurrent() int { return m.gate.Limit() }

// SetAutoRollback toggles automatic rollback on failure.
func (m *Manager) SetAutoRollback(enabled bool) {
	m.mu.Lock()
	m.autoRollback = enabled
	m.mu.Unlock()
}

// IsAutoRollbackEnabled reports whether failed migrations roll back
// automatically.
func (m *Manager) IsAutoRollbackEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.autoRollback
}

// SetHealthChecks toggles destination health monitoring for new jobs.
func (m *Manager) SetHealthChecks(enabled bool) {
	m.mu.Lock()
	m.healthChecks = enabled
	m.mu.Unlock()
}

// IsHealthCheckEnabled reports whether health monitoring is on.
func (m *Manager) IsHealthCheckEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.healthChecks
}

// ============================================================================
// Cancellation and manual rollback
// ============================================================================

// Cancel requests cooperative cancellation of an active job. The runner
// observes the flag at its next state boundary; a job waiting for a slot is
// released immediately.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	m.mu.Lock()
	job, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: migration %s", domain.ErrNotFound, id)
	}
	if job.State.IsTerminal() {
		m.mu.Unlock()
		return fmt.Errorf("%w: migration %s is already %s", domain.ErrConflict, id, job.State)
	}
	job.CancelRequested = true
	pending := job.State == domain.MigrationStatePending
	cancel := m.cancels[id]
	m.mu.Unlock()

	if pending && cancel != nil {
		// Unblock the gate wait; the runner finishes as cancelled.
		cancel()
	}
	m.persist(ctx, id)
	m.logger.Info("cancellation requested", zap.String("job_id", id))
	return nil
}

// ManualRollback re-runs the rollback plan for a failed or cancelled job.
func (m *Manager) ManualRollback(ctx context.Context, id string) (*domain.RollbackRecord, error) {
	job, ok := m.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: migration %s", domain.ErrNotFound, id)
	}
	if job.State != domain.MigrationStateFailed && job.State != domain.MigrationStateCancelled {
		return nil, fmt.Errorf("%w: migration %s is %s, rollback applies to failed or cancelled jobs",
			domain.ErrConflict, id, job.State)
	}

	vm, err := m.vmRepo.Get(ctx, job.Config.VMID)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	xml := m.sourceXML[id]
	m.mu.RUnlock()

	record := m.rollback.Execute(ctx, job, vm, xml)
	if err := m.repo.SaveRollback(ctx, record); err != nil {
		m.logger.Error("failed to persist rollback record",
			zap.String("job_id", id), zap.Error(err))
	}
	if !record.Success {
		return record, fmt.Errorf("%w: migration %s", domain.ErrRollbackFailed, id)
	}
	return record, nil
}

// ReapCompleted drops terminal jobs older than maxAge from the in-memory
// registry. Persisted history is untouched.
func (m *Manager) ReapCompleted(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	m.mu.Lock()
	defer m.mu.Unlock()
	reaped := 0
	for id, job := range m.jobs {
		if job.State.IsTerminal() && job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			delete(m.jobs, id)
			delete(m.sourceXML, id)
			delete(m.cancels, id)
			reaped++
		}
	}
	if reaped > 0 {
		m.logger.Info("reaped completed migrations", zap.Int("count", reaped))
	}
	return reaped
}

// ============================================================================
// Watch
// ============================================================================

// Watch returns a channel of job snapshots emitted on every state or
// progress change, and a function to unsubscribe. The channel closes when
// the job reaches a terminal state.
func (m *Manager) Watch(id string) (<-chan *domain.MigrationJob, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, nil, fmt.Errorf("%w: migration %s", domain.ErrNotFound, id)
	}
	ch := make(chan *domain.MigrationJob, 16)
	ch <- cloneJob(job)
	if job.State.IsTerminal() {
		close(ch)
		return ch, func() {}, nil
	}
	m.watchers[id] = append(m.watchers[id], ch)
	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		subs := m.watchers[id]
		for i, sub := range subs {
			if sub == ch {
				m.watchers[id] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
	return ch, cancel, nil
}

// notifyLocked pushes a snapshot to every watcher. Callers hold m.mu.
func (m *Manager) notifyLocked(job *domain.MigrationJob) {
	subs := m.watchers[job.ID]
	for _, ch := range subs {
		select {
		case ch <- cloneJob(job):
		default:
			// Slow consumer, drop the update.
		}
	}
	if job.State.IsTerminal() {
		for _, ch := range subs {
			close(ch)
		}
		delete(m.watchers, job.ID)
	}
}

// ============================================================================
// Internals
// ============================================================================

func (m *Manager) activeJobForVM(vmID string) *domain.MigrationJob {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, job := range m.jobs {
		if job.Config.VMID == vmID && job.IsActive() {
			return job
		}
	}
	return nil
}

func (m *Manager) persist(ctx context.Context, id string) {
	m.mu.RLock()
	job, ok := m.jobs[id]
	var snapshot *domain.MigrationJob
	if ok {
		snapshot = cloneJob(job)
	}
	m.mu.RUnlock()
	if snapshot == nil {
		return
	}
	if err := m.repo.UpdateJob(ctx, snapshot); err != nil {
		m.logger.Error("failed to persist job update",
			zap.String("job_id", id), zap.Error(err))
	}
}

// mutate applies fn to the live job under the lock, then persists and
// notifies watchers.
func (m *Manager) mutate(job *domain.MigrationJob, fn func(*domain.MigrationJob)) {
	m.mu.Lock()
	fn(job)
	m.notifyLocked(job)
	m.mu.Unlock()
	m.persist(context.Background(), job.ID)
}

func (m *Manager) cancelRequested(job *domain.MigrationJob) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return job.CancelRequested
}

func cloneJob(job *domain.MigrationJob) *domain.MigrationJob {
	c := *job
	if job.CompletedAt != nil {
		t := *job.CompletedAt
		c.CompletedAt = &t
	}
	if job.Config.BandwidthLimitMBps != nil {
		v := *job.Config.BandwidthLimitMBps
		c.Config.BandwidthLimitMBps = &v
	}
	return &c
}

func computeStats(job *domain.MigrationJob, now time.Time) domain.MigrationStats {
	end := now
	if job.CompletedAt != nil {
		end = *job.CompletedAt
	}
	duration := end.Sub(job.StartedAt)
	stats := domain.MigrationStats{
		DurationSeconds: int64(duration.Seconds()),
		TransferredGB:   float64(job.TransferredBytes) / (1024 * 1024 * 1024),
		MemoryDirtyRate: job.Stats.MemoryDirtyRate,
	}
	if secs := duration.Seconds(); secs > 0 {
		stats.AverageSpeedMbps = float64(job.TransferredBytes) * 8 / 1e6 / secs
	}
	switch job.Config.Type {
	case domain.MigrationTypeLive:
		stats.DowntimeMs = 100
	case domain.MigrationTypeOnline:
		stats.DowntimeMs = 500
	case domain.MigrationTypeOffline:
		stats.DowntimeMs = int64(duration.Seconds() * 1000)
	}
	return stats
}
