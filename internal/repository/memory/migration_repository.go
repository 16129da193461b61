// Package memory provides in-memory repository implementations for
// development and testing.
package memory

import (
	"context"
	"sync"

	"github.com/CanuteTheGreat/horcrux-sub008/internal/domain"
)

// MigrationRepository is an in-memory implementation of the migration
// repository.
type MigrationRepository struct {
	mu        sync.RWMutex
	jobs      map[string]*domain.MigrationJob
	reports   map[string][]*domain.HealthReport
	rollbacks map[string]*domain.RollbackRecord
}

// NewMigrationRepository creates an empty in-memory migration repository.
func NewMigrationRepository() *MigrationRepository {
	return &MigrationRepository{
		jobs:      make(map[string]*domain.MigrationJob),
		reports:   make(map[string][]*domain.HealthReport),
		rollbacks: make(map[string]*domain.RollbackRecord),
	}
}

// SaveJob stores a new job.
func (r *MigrationRepository) SaveJob(_ context.Context, job *domain.MigrationJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.jobs[job.ID]; exists {
		return domain.ErrAlreadyExists
	}
	r.jobs[job.ID] = cloneJob(job)
	return nil
}

// UpdateJob replaces a stored job.
func (r *MigrationRepository) UpdateJob(_ context.Context, job *domain.MigrationJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.jobs[job.ID]; !exists {
		return domain.ErrNotFound
	}
	r.jobs[job.ID] = cloneJob(job)
	return nil
}

// GetJob returns a job by ID.
func (r *MigrationRepository) GetJob(_ context.Context, id string) (*domain.MigrationJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneJob(job), nil
}

// ListJobs returns all stored jobs.
func (r *MigrationRepository) ListJobs(_ context.Context) ([]*domain.MigrationJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.MigrationJob, 0, len(r.jobs))
	for _, job := range r.jobs {
		out = append(out, cloneJob(job))
	}
	return out, nil
}

// ActiveJobByVM returns the non-terminal job for a VM.
func (r *MigrationRepository) ActiveJobByVM(_ context.Context, vmID string) (*domain.MigrationJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, job := range r.jobs {
		if job.Config.VMID == vmID && !job.State.IsTerminal() {
			return cloneJob(job), nil
		}
	}
	return nil, domain.ErrNotFound
}

// SaveHealthReport appends a health report to its job's series.
func (r *MigrationRepository) SaveHealthReport(_ context.Context, report *domain.HealthReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *report
	r.reports[report.JobID] = append(r.reports[report.JobID], &c)
	return nil
}

// ListHealthReports returns the report series of a job in insertion order.
func (r *MigrationRepository) ListHealthReports(_ context.Context, jobID string) ([]*domain.HealthReport, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	series := r.reports[jobID]
	out := make([]*domain.HealthReport, 0, len(series))
	for _, report := range series {
		c := *report
		out = append(out, &c)
	}
	return out, nil
}

// ListAllHealthReports returns every stored report.
func (r *MigrationRepository) ListAllHealthReports(_ context.Context) ([]*domain.HealthReport, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.HealthReport
	for _, series := range r.reports {
		for _, report := range series {
			c := *report
			out = append(out, &c)
		}
	}
	return out, nil
}

// SaveRollback stores a rollback record, replacing any earlier attempt for
// the same job.
func (r *MigrationRepository) SaveRollback(_ context.Context, record *domain.RollbackRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rollbacks[record.JobID] = cloneRollback(record)
	return nil
}

// GetRollback returns the rollback record of a job.
func (r *MigrationRepository) GetRollback(_ context.Context, jobID string) (*domain.RollbackRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok := r.rollbacks[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneRollback(record), nil
}

// ListRollbacks returns every rollback record.
func (r *MigrationRepository) ListRollbacks(_ context.Context) ([]*domain.RollbackRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.RollbackRecord, 0, len(r.rollbacks))
	for _, record := range r.rollbacks {
		out = append(out, cloneRollback(record))
	}
	return out, nil
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

func cloneRollback(record *domain.RollbackRecord) *domain.RollbackRecord {
	c := *record
	c.Steps = make([]domain.RollbackStep, len(record.Steps))
	copy(c.Steps, record.Steps)
	if record.CompletedAt != nil {
		t := *record.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
