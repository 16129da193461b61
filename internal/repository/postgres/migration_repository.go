package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/CanuteTheGreat/horcrux-sub008/internal/domain"
	"github.com/CanuteTheGreat/horcrux-sub008/internal/migration"
)

// Ensure MigrationRepository implements migration.Repository
var _ migration.Repository = (*MigrationRepository)(nil)

// MigrationRepository implements migration.Repository using PostgreSQL.
// Config, stats and rollback steps live in JSONB columns; the fields queries
// filter on are real columns.
type MigrationRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewMigrationRepository creates a new PostgreSQL migration repository.
func NewMigrationRepository(db *DB, logger *zap.Logger) *MigrationRepository {
	return &MigrationRepository{
		db:     db,
		logger: logger.With(zap.String("repository", "migration")),
	}
}

// SaveJob stores a new migration job.
func (r *MigrationRepository) SaveJob(ctx context.Context, job *domain.MigrationJob) error {
	configJSON, err := json.Marshal(job.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	statsJSON, err := json.Marshal(job.Stats)
	if err != nil {
		return fmt.Errorf("failed to marshal stats: %w", err)
	}

	query := `
		INSERT INTO migration_jobs (
			id, vm_id, source_node, target_node, type, state, progress,
			config, stats, transferred_bytes, total_bytes, error,
			cancel_requested, source_was_running, started_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`
	_, err = r.db.pool.Exec(ctx, query,
		job.ID,
		job.Config.VMID,
		job.SourceNode,
		job.Config.TargetNode,
		string(job.Config.Type),
		string(job.State),
		job.Progress,
		configJSON,
		statsJSON,
		job.TransferredBytes,
		job.TotalBytes,
		job.Error,
		job.CancelRequested,
		job.SourceWasRunning,
		job.StartedAt,
		job.CompletedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("failed to insert migration job: %w", err)
	}
	return nil
}

// UpdateJob replaces the mutable columns of a stored job.
func (r *MigrationRepository) UpdateJob(ctx context.Context, job *domain.MigrationJob) error {
	statsJSON, err := json.Marshal(job.Stats)
	if err != nil {
		return fmt.Errorf("failed to marshal stats: %w", err)
	}

	query := `
		UPDATE migration_jobs
		SET state = $2, progress = $3, stats = $4, transferred_bytes = $5,
		    total_bytes = $6, error = $7, cancel_requested = $8,
		    completed_at = $9
		WHERE id = $1
	`
	tag, err := r.db.pool.Exec(ctx, query,
		job.ID,
		string(job.State),
		job.Progress,
		statsJSON,
		job.TransferredBytes,
		job.TotalBytes,
		job.Error,
		job.CancelRequested,
		job.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update migration job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetJob retrieves a migration job by ID.
func (r *MigrationRepository) GetJob(ctx context.Context, id string) (*domain.MigrationJob, error) {
	row := r.db.pool.QueryRow(ctx, selectJob+` WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get migration job: %w", err)
	}
	return job, nil
}

// ListJobs returns all migration jobs, newest first.
func (r *MigrationRepository) ListJobs(ctx context.Context) ([]*domain.MigrationJob, error) {
	rows, err := r.db.pool.Query(ctx, selectJob+` ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list migration jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.MigrationJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan migration job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ActiveJobByVM returns the non-terminal job for a VM.
func (r *MigrationRepository) ActiveJobByVM(ctx context.Context, vmID string) (*domain.MigrationJob, error) {
	query := selectJob + `
		WHERE vm_id = $1
		  AND state NOT IN ('COMPLETED', 'FAILED', 'CANCELLED')
		ORDER BY started_at DESC
		LIMIT 1
	`
	row := r.db.pool.QueryRow(ctx, query, vmID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active migration for VM: %w", err)
	}
	return job, nil
}

const selectJob = `
	SELECT id, source_node, state, progress, config, stats,
	       transferred_bytes, total_bytes, error, cancel_requested,
	       source_was_running, started_at, completed_at
	FROM migration_jobs
`

func scanJob(row pgx.Row) (*domain.MigrationJob, error) {
	job := &domain.MigrationJob{}
	var configJSON, statsJSON []byte
	var state string
	var completedAt *time.Time

	err := row.Scan(
		&job.ID,
		&job.SourceNode,
		&state,
		&job.Progress,
		&configJSON,
		&statsJSON,
		&job.TransferredBytes,
		&job.TotalBytes,
		&job.Error,
		&job.CancelRequested,
		&job.SourceWasRunning,
		&job.StartedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	job.State = domain.MigrationState(state)
	job.CompletedAt = completedAt
	if err := json.Unmarshal(configJSON, &job.Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := json.Unmarshal(statsJSON, &job.Stats); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stats: %w", err)
	}
	return job, nil
}

// SaveHealthReport appends a health report row.
func (r *MigrationRepository) SaveHealthReport(ctx context.Context, report *domain.HealthReport) error {
	query := `
		INSERT INTO health_reports (
			job_id, vm_id, target_node, status, message,
			consecutive_failures, sampled_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.pool.Exec(ctx, query,
		report.JobID,
		report.VMID,
		report.TargetNode,
		string(report.Status),
		report.Message,
		report.ConsecutiveFailures,
		report.SampledAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert health report: %w", err)
	}
	return nil
}

// ListHealthReports returns a job's report series in sample order.
func (r *MigrationRepository) ListHealthReports(ctx context.Context, jobID string) ([]*domain.HealthReport, error) {
	return r.queryHealthReports(ctx, selectHealth+` WHERE job_id = $1 ORDER BY sampled_at`, jobID)
}

// ListAllHealthReports returns every stored report.
func (r *MigrationRepository) ListAllHealthReports(ctx context.Context) ([]*domain.HealthReport, error) {
	return r.queryHealthReports(ctx, selectHealth+` ORDER BY sampled_at`)
}

const selectHealth = `
	SELECT job_id, vm_id, target_node, status, message,
	       consecutive_failures, sampled_at
	FROM health_reports
`

func (r *MigrationRepository) queryHealthReports(ctx context.Context, query string, args ...any) ([]*domain.HealthReport, error) {
	rows, err := r.db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list health reports: %w", err)
	}
	defer rows.Close()

	var reports []*domain.HealthReport
	for rows.Next() {
		report := &domain.HealthReport{}
		var status string
		if err := rows.Scan(
			&report.JobID,
			&report.VMID,
			&report.TargetNode,
			&status,
			&report.Message,
			&report.ConsecutiveFailures,
			&report.SampledAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan health report: %w", err)
		}
		report.Status = domain.HealthStatus(status)
		reports = append(reports, report)
	}
	return reports, rows.Err()
}

// SaveRollback stores a rollback record, replacing an earlier attempt for
// the same job.
func (r *MigrationRepository) SaveRollback(ctx context.Context, record *domain.RollbackRecord) error {
	stepsJSON, err := json.Marshal(record.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal rollback steps: %w", err)
	}

	query := `
		INSERT INTO rollback_records (
			job_id, vm_id, source_node, target_node, failed_phase,
			steps, success, started_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (job_id) DO UPDATE SET
			failed_phase = EXCLUDED.failed_phase,
			steps = EXCLUDED.steps,
			success = EXCLUDED.success,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at
	`
	_, err = r.db.pool.Exec(ctx, query,
		record.JobID,
		record.VMID,
		record.SourceNode,
		record.TargetNode,
		string(record.FailedPhase),
		stepsJSON,
		record.Success,
		record.StartedAt,
		record.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert rollback record: %w", err)
	}
	return nil
}

// GetRollback returns the rollback record of a job.
func (r *MigrationRepository) GetRollback(ctx context.Context, jobID string) (*domain.RollbackRecord, error) {
	row := r.db.pool.QueryRow(ctx, selectRollback+` WHERE job_id = $1`, jobID)
	record, err := scanRollback(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rollback record: %w", err)
	}
	return record, nil
}

// ListRollbacks returns every rollback record, newest first.
func (r *MigrationRepository) ListRollbacks(ctx context.Context) ([]*domain.RollbackRecord, error) {
	rows, err := r.db.pool.Query(ctx, selectRollback+` ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list rollback records: %w", err)
	}
	defer rows.Close()

	var records []*domain.RollbackRecord
	for rows.Next() {
		record, err := scanRollback(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rollback record: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

const selectRollback = `
	SELECT job_id, vm_id, source_node, target_node, failed_phase,
	       steps, success, started_at, completed_at
	FROM rollback_records
`

func scanRollback(row pgx.Row) (*domain.RollbackRecord, error) {
	record := &domain.RollbackRecord{}
	var stepsJSON []byte
	var failedPhase string
	var completedAt *time.Time

	err := row.Scan(
		&record.JobID,
		&record.VMID,
		&record.SourceNode,
		&record.TargetNode,
		&failedPhase,
		&stepsJSON,
		&record.Success,
		&record.StartedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	record.FailedPhase = domain.MigrationState(failedPhase)
	record.CompletedAt = completedAt
	if err := json.Unmarshal(stepsJSON, &record.Steps); err != nil {
		return nil, fmt.Errorf("failed to unmarshal rollback steps: %w", err)
	}
	return record, nil
}
