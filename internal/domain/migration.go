package domain

import (
	"time"
)

// MigrationType selects how a VM is moved between nodes.
type MigrationType string

const (
	// MigrationTypeLive moves a running VM with minimal downtime.
	MigrationTypeLive MigrationType = "LIVE"
	// MigrationTypeOffline stops the VM, copies its state, then starts it on
	// the target.
	MigrationTypeOffline MigrationType = "OFFLINE"
	// MigrationTypeOnline is a live migration with a brief pause during the
	// final sync.
	MigrationTypeOnline MigrationType = "ONLINE"
)

// MigrationState is the phase of a migration job. States only move forward
// along the happy path, or directly to a terminal state.
type MigrationState string

const (
	MigrationStatePending      MigrationState = "PENDING"
	MigrationStatePreparing    MigrationState = "PREPARING"
	MigrationStateTransferring MigrationState = "TRANSFERRING"
	MigrationStateSyncing      MigrationState = "SYNCING"
	MigrationStateFinalizing   MigrationState = "FINALIZING"
	MigrationStateCompleted    MigrationState = "COMPLETED"
	MigrationStateFailed       MigrationState = "FAILED"
	MigrationStateCancelled    MigrationState = "CANCELLED"
)

// IsTerminal returns true for states a job never leaves.
func (s MigrationState) IsTerminal() bool {
	return s == MigrationStateCompleted || s == MigrationStateFailed || s == MigrationStateCancelled
}

// MigrationConfig is a migration request. It is immutable once a job has been
// created from it.
type MigrationConfig struct {
	VMID       string        `json:"vm_id"`
	TargetNode string        `json:"target_node"`
	Type       MigrationType `json:"type"`
	// BandwidthLimitMBps overrides the global transfer-rate ceiling for this
	// job. Nil means "use the global limit".
	BandwidthLimitMBps *uint64 `json:"bandwidth_limit_mbps,omitempty"`
	// Force bypasses non-fatal validation warnings. It cannot bypass a true
	// architecture incompatibility.
	Force bool `json:"force"`
	// WithLocalDisks transfers node-local storage instead of relying on
	// shared storage.
	WithLocalDisks bool `json:"with_local_disks"`
}

// MigrationStats summarizes a migration attempt. Fields may be zero or
// partial for jobs that failed early.
type MigrationStats struct {
	DurationSeconds  int64   `json:"duration_seconds"`
	DowntimeMs       int64   `json:"downtime_ms"`
	TransferredGB    float64 `json:"transferred_gb"`
	AverageSpeedMbps float64 `json:"average_speed_mbps"`
	// MemoryDirtyRate is the rate at which guest memory changed during a live
	// transfer, in MB/s. The syncing phase uses it to judge convergence.
	MemoryDirtyRate float64 `json:"memory_dirty_rate"`
}

// MigrationJob is one migration attempt for a VM.
type MigrationJob struct {
	ID         string          `json:"id"`
	Config     MigrationConfig `json:"config"`
	SourceNode string          `json:"source_node"`
	State      MigrationState  `json:"state"`
	// Progress is 0-100.
	Progress float32 `json:"progress"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	TransferredBytes int64          `json:"transferred_bytes"`
	TotalBytes       int64          `json:"total_bytes"`
	Stats            MigrationStats `json:"stats"`

	Error string `json:"error,omitempty"`

	// CancelRequested is the cooperative cancellation flag; the running task
	// observes it at state-transition boundaries.
	CancelRequested bool `json:"cancel_requested"`

	// SourceWasRunning records whether the VM was running before the job
	// started, so rollback knows whether to restart it.
	SourceWasRunning bool `json:"source_was_running"`
}

// IsActive returns true while the job has not reached a terminal state.
func (j *MigrationJob) IsActive() bool {
	return !j.State.IsTerminal()
}

// HealthStatus is a destination health verdict.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "HEALTHY"
	HealthStatusDegraded  HealthStatus = "DEGRADED"
	HealthStatusUnhealthy HealthStatus = "UNHEALTHY"
)

// HealthReport is one destination-side health sample for an in-flight
// migration job.
type HealthReport struct {
	JobID      string       `json:"job_id"`
	VMID       string       `json:"vm_id"`
	TargetNode string       `json:"target_node"`
	Status     HealthStatus `json:"status"`
	Message    string       `json:"message,omitempty"`
	// ConsecutiveFailures is the unhealthy streak length as of this sample.
	ConsecutiveFailures int       `json:"consecutive_failures"`
	SampledAt           time.Time `json:"sampled_at"`
}

// HealthSummary aggregates the health report series of a job.
type HealthSummary struct {
	JobID          string       `json:"job_id"`
	Sampled        int          `json:"sampled"`
	Healthy        int          `json:"healthy"`
	Degraded       int          `json:"degraded"`
	Unhealthy      int          `json:"unhealthy"`
	LastStatus     HealthStatus `json:"last_status,omitempty"`
	OverallHealthy bool         `json:"overall_healthy"`
}

// RollbackAction identifies one reversal step.
type RollbackAction string

const (
	RollbackCleanupTargetDisks     RollbackAction = "CLEANUP_TARGET_DISKS"
	RollbackUnregisterTargetVM     RollbackAction = "UNREGISTER_TARGET_VM"
	RollbackReleaseTargetResources RollbackAction = "RELEASE_TARGET_RESOURCES"
	RollbackRestoreSourceConfig    RollbackAction = "RESTORE_SOURCE_CONFIG"
	RollbackRestoreNetworkConfig   RollbackAction = "RESTORE_NETWORK_CONFIG"
	RollbackRestartVMOnSource      RollbackAction = "RESTART_VM_ON_SOURCE"
)

// RollbackStep records the outcome of a single rollback action.
type RollbackStep struct {
	Action      RollbackAction `json:"action"`
	Description string         `json:"description"`
	Executed    bool           `json:"executed"`
	Success     bool           `json:"success"`
	Error       string         `json:"error,omitempty"`
	Timestamp   *time.Time     `json:"timestamp,omitempty"`
}

// RollbackRecord is one rollback attempt for a failed migration. Records are
// never mutated after completion.
type RollbackRecord struct {
	JobID       string         `json:"job_id"`
	VMID        string         `json:"vm_id"`
	SourceNode  string         `json:"source_node"`
	TargetNode  string         `json:"target_node"`
	FailedPhase MigrationState `json:"failed_phase"`
	Steps       []RollbackStep `json:"steps"`
	Success     bool           `json:"success"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}
