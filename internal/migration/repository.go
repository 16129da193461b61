package migration

import (
	"context"

	"github.com/CanuteTheGreat/horcrux-sub008/internal/domain"
	"github.com/CanuteTheGreat/horcrux-sub008/internal/hypervisor"
)

// Repository persists migration jobs, health reports and rollback records.
// History writes are best-effort; job rows are authoritative for crash
// recovery.
type Repository interface {
	SaveJob(ctx context.Context, job *domain.MigrationJob) error
	UpdateJob(ctx context.Context, job *domain.MigrationJob) error
	GetJob(ctx context.Context, id string) (*domain.MigrationJob, error)
	ListJobs(ctx context.Context) ([]*domain.MigrationJob, error)
	// ActiveJobByVM returns the non-terminal job for a VM, or
	// domain.ErrNotFound.
	ActiveJobByVM(ctx context.Context, vmID string) (*domain.MigrationJob, error)

	SaveHealthReport(ctx context.Context, report *domain.HealthReport) error
	ListHealthReports(ctx context.Context, jobID string) ([]*domain.HealthReport, error)
	ListAllHealthReports(ctx context.Context) ([]*domain.HealthReport, error)

	SaveRollback(ctx context.Context, record *domain.RollbackRecord) error
	GetRollback(ctx context.Context, jobID string) (*domain.RollbackRecord, error)
	ListRollbacks(ctx context.Context) ([]*domain.RollbackRecord, error)
}

// NodeRepository is the slice of the cluster membership registry the
// migration manager reads. Node records are owned elsewhere.
type NodeRepository interface {
	Get(ctx context.Context, id string) (*domain.Node, error)
	List(ctx context.Context) ([]*domain.Node, error)
}

// VMRepository is the slice of the VM inventory the migration manager needs.
type VMRepository interface {
	Get(ctx context.Context, id string) (*domain.VirtualMachine, error)
	ListByNode(ctx context.Context, nodeID string) ([]*domain.VirtualMachine, error)
	UpdateStatus(ctx context.Context, id string, status domain.VMStatus) error
}

// Hypervisor is the backend the manager drives on cluster nodes.
// hypervisor.Libvirt is the production implementation.
type Hypervisor interface {
	Ping(ctx context.Context, node string) error
	IsRunning(ctx context.Context, node, vmName string) (bool, error)
	DumpConfig(ctx context.Context, node, vmName string) (string, error)
	DefineVM(ctx context.Context, node, domainXML string) error
	UndefineVM(ctx context.Context, node, vmName string) error
	StartVM(ctx context.Context, node, vmName string) error
	ShutdownVM(ctx context.Context, node, vmName string) error
	DestroyVM(ctx context.Context, node, vmName string) error
	SuspendVM(ctx context.Context, node, vmName string) error
	ResumeVM(ctx context.Context, node, vmName string) error
	MigrateLive(ctx context.Context, source, target, vmName string, bandwidthMBps uint64) error
	ListDisks(ctx context.Context, node, vmName string) ([]string, error)
	TransferDisks(ctx context.Context, source, target, vmName string, diskPaths []string) error
	CleanupDisks(ctx context.Context, node, vmName string, diskPaths []string) error
	TransferJobProgress(ctx context.Context, node, vmName string) (hypervisor.TransferProgress, error)
}

// CapacityChecker verifies a node can host a VM. The scheduler implements it.
type CapacityChecker interface {
	VerifyCapacity(ctx context.Context, node *domain.Node, vm *domain.VirtualMachine) error
}
