package migration

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/CanuteTheGreat/horcrux-sub008/internal/config"
	"github.com/CanuteTheGreat/horcrux-sub008/internal/domain"
	"github.com/CanuteTheGreat/horcrux-sub008/internal/repository/memory"
)

type managerEnv struct {
	manager  *Manager
	repo     *memory.MigrationRepository
	nodeRepo *memory.NodeRepository
	vmRepo   *memory.VMRepository
	hv       *fakeHypervisor
}

func defaultTestConfig() config.MigrationConfig {
	return config.MigrationConfig{
		MaxConcurrent:          2,
		BandwidthLimitMBps:     0,
		AutoRollback:           true,
		HealthChecks:           false,
		HealthCheckInterval:    10 * time.Millisecond,
		HealthFailureThreshold: 3,
		MaxSyncIterations:      5,
	}
}

// newManagerEnv builds a manager over in-memory repositories with two online
// x86_64 nodes and one running VM on node-1.
func newManagerEnv(t *testing.T, cfg config.MigrationConfig, hv *fakeHypervisor) *managerEnv {
	t.Helper()
	ctx := context.Background()

	nodeRepo := memory.NewNodeRepository()
	for _, id := range []string{"node-1", "node-2"} {
		if _, err := nodeRepo.Create(ctx, onlineNode(id)); err != nil {
			t.Fatalf("seed node %s: %v", id, err)
		}
	}

	vmRepo := memory.NewVMRepository()
	if _, err := vmRepo.Create(ctx, runningTestVM("vm-1", "web-01")); err != nil {
		t.Fatalf("seed vm: %v", err)
	}

	repo := memory.NewMigrationRepository()
	mgr := NewManager(cfg, repo, vmRepo, nodeRepo, hv, nil, zap.NewNop())
	return &managerEnv{manager: mgr, repo: repo, nodeRepo: nodeRepo, vmRepo: vmRepo, hv: hv}
}

func runningTestVM(id, name string) *domain.VirtualMachine {
	return &domain.VirtualMachine{
		ID:           id,
		Name:         name,
		Architecture: domain.ArchX86_64,
		Spec: domain.VMSpec{
			CPUCores:    2,
			MemoryMiB:   2048,
			DiskSizeGiB: 20,
			LocalDisks:  []string{"/var/lib/horcrux/images/" + name + ".qcow2"},
		},
		Status: domain.VMStatus{State: domain.VMStateRunning, NodeID: "node-1"},
	}
}

// sourceStoppedTargetRunning models a healthy migration from the hypervisor's
// point of view: the guest is down on node-1 and up on node-2.
func sourceStoppedTargetRunning(node, _ string) (bool, error) {
	return node == "node-2", nil
}

func waitTerminal(t *testing.T, m *Manager, id string) *domain.MigrationJob {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, ok := m.Get(id)
		if !ok {
			t.Fatalf("Get(%s): job vanished", id)
		}
		if job.State.IsTerminal() {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("migration %s did not reach a terminal state", id)
	return nil
}

func waitLeftPending(t *testing.T, m *Manager, id string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		job, ok := m.Get(id)
		if !ok {
			t.Fatalf("Get(%s): job vanished", id)
		}
		if job.State != domain.MigrationStatePending {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("migration %s never left PENDING", id)
}

// waitVMOn polls for the VM status update that trails the job's terminal
// transition.
func waitVMOn(t *testing.T, repo *memory.VMRepository, vmID, nodeID string, state domain.VMState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var last domain.VMStatus
	for time.Now().Before(deadline) {
		vm, err := repo.Get(context.Background(), vmID)
		if err != nil {
			t.Fatalf("vmRepo.Get(%s): %v", vmID, err)
		}
		last = vm.Status
		if last.NodeID == nodeID && last.State == state {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("vm %s status = %s on %s, want %s on %s", vmID, last.State, last.NodeID, state, nodeID)
}

func TestManager_OfflineMigrationCompletes(t *testing.T) {
	hv := &fakeHypervisor{isRunningFn: sourceStoppedTargetRunning}
	env := newManagerEnv(t, defaultTestConfig(), hv)

	job, err := env.manager.Start(context.Background(), domain.MigrationConfig{
		VMID:           "vm-1",
		TargetNode:     "node-2",
		Type:           domain.MigrationTypeOffline,
		WithLocalDisks: true,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !job.SourceWasRunning {
		t.Error("expected SourceWasRunning for a running guest")
	}
	if job.SourceNode != "node-1" {
		t.Errorf("SourceNode = %s, want node-1", job.SourceNode)
	}

	final := waitTerminal(t, env.manager, job.ID)
	if final.State != domain.MigrationStateCompleted {
		t.Fatalf("state = %s (error %q), want COMPLETED", final.State, final.Error)
	}
	if final.Progress != 100 {
		t.Errorf("progress = %v, want 100", final.Progress)
	}
	if final.CompletedAt == nil {
		t.Error("expected CompletedAt to be set")
	}
	wantBytes := int64(20) * 1024 * 1024 * 1024
	if final.TotalBytes != wantBytes || final.TransferredBytes != wantBytes {
		t.Errorf("bytes = %d/%d, want %d/%d",
			final.TransferredBytes, final.TotalBytes, wantBytes, wantBytes)
	}

	for _, call := range []string{
		"Ping(node-2)",
		"DumpConfig(node-1,web-01)",
		"ShutdownVM(node-1,web-01)",
		"TransferDisks(node-1,node-2,web-01)",
		"DefineVM(node-2)",
		"StartVM(node-2,web-01)",
		"UndefineVM(node-1,web-01)",
	} {
		if !hv.called(call) {
			t.Errorf("expected hypervisor call %s, log: %v", call, hv.callLog())
		}
	}

	waitVMOn(t, env.vmRepo, "vm-1", "node-2", domain.VMStateRunning)

	persisted, err := env.repo.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("repo.GetJob: %v", err)
	}
	if persisted.State != domain.MigrationStateCompleted {
		t.Errorf("persisted state = %s, want COMPLETED", persisted.State)
	}
}

func TestManager_OfflineMigrationEnumeratesDisks(t *testing.T) {
	ctx := context.Background()
	hv := &fakeHypervisor{
		isRunningFn: sourceStoppedTargetRunning,
		listDisksFn: func(node, _ string) ([]string, error) {
			return []string{"/var/lib/horcrux/images/db-02.qcow2"}, nil
		},
	}
	env := newManagerEnv(t, defaultTestConfig(), hv)

	// The inventory carries no image paths for this guest.
	bare := runningTestVM("vm-bare", "db-02")
	bare.Spec.LocalDisks = nil
	if _, err := env.vmRepo.Create(ctx, bare); err != nil {
		t.Fatalf("seed vm: %v", err)
	}

	job, err := env.manager.Start(ctx, domain.MigrationConfig{
		VMID:           "vm-bare",
		TargetNode:     "node-2",
		Type:           domain.MigrationTypeOffline,
		WithLocalDisks: true,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	final := waitTerminal(t, env.manager, job.ID)
	if final.State != domain.MigrationStateCompleted {
		t.Fatalf("state = %s (error %q), want COMPLETED", final.State, final.Error)
	}
	if !hv.called("ListDisks(node-1,db-02)") {
		t.Errorf("expected a disk enumeration, log: %v", hv.callLog())
	}
	if !hv.called("TransferDisks(node-1,node-2,db-02)") {
		t.Errorf("expected the enumerated disk transferred, log: %v", hv.callLog())
	}
}

func TestManager_LiveMigrationCompletes(t *testing.T) {
	hv := &fakeHypervisor{}
	env := newManagerEnv(t, defaultTestConfig(), hv)

	job, err := env.manager.Start(context.Background(), domain.MigrationConfig{
		VMID:       "vm-1",
		TargetNode: "node-2",
		Type:       domain.MigrationTypeLive,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	final := waitTerminal(t, env.manager, job.ID)
	if final.State != domain.MigrationStateCompleted {
		t.Fatalf("state = %s (error %q), want COMPLETED", final.State, final.Error)
	}
	if final.Progress != 100 {
		t.Errorf("progress = %v, want 100", final.Progress)
	}
	if !hv.called("MigrateLive(node-1,node-2,web-01,") {
		t.Errorf("expected MigrateLive, log: %v", hv.callLog())
	}

	waitVMOn(t, env.vmRepo, "vm-1", "node-2", domain.VMStateRunning)

	stats, err := env.manager.Statistics(job.ID)
	if err != nil {
		t.Fatalf("Statistics: %v", err)
	}
	if stats.DowntimeMs != 100 {
		t.Errorf("downtime = %dms, want 100 for a live migration", stats.DowntimeMs)
	}
}

func TestManager_StartValidation(t *testing.T) {
	ctx := context.Background()

	hv := &fakeHypervisor{}
	env := newManagerEnv(t, defaultTestConfig(), hv)

	// Extra fixtures for the table: a stopped VM, an offline node, a node
	// whose architecture cannot run x86_64 guests.
	stopped := runningTestVM("vm-stopped", "db-01")
	stopped.Status.State = domain.VMStateStopped
	if _, err := env.vmRepo.Create(ctx, stopped); err != nil {
		t.Fatalf("seed stopped vm: %v", err)
	}
	down := onlineNode("node-down")
	down.Status = domain.NodeStatusOffline
	if _, err := env.nodeRepo.Create(ctx, down); err != nil {
		t.Fatalf("seed offline node: %v", err)
	}
	riscv := onlineNode("node-riscv")
	riscv.Architecture = domain.ArchRiscv64
	if _, err := env.nodeRepo.Create(ctx, riscv); err != nil {
		t.Fatalf("seed riscv node: %v", err)
	}

	tests := []struct {
		name    string
		cfg     domain.MigrationConfig
		wantErr error
	}{
		{
			name:    "missing vm id",
			cfg:     domain.MigrationConfig{TargetNode: "node-2", Type: domain.MigrationTypeLive},
			wantErr: domain.ErrInvalidArgument,
		},
		{
			name:    "missing target node",
			cfg:     domain.MigrationConfig{VMID: "vm-1", Type: domain.MigrationTypeLive},
			wantErr: domain.ErrInvalidArgument,
		},
		{
			name:    "unknown migration type",
			cfg:     domain.MigrationConfig{VMID: "vm-1", TargetNode: "node-2", Type: "WARM"},
			wantErr: domain.ErrInvalidArgument,
		},
		{
			name:    "vm does not exist",
			cfg:     domain.MigrationConfig{VMID: "vm-missing", TargetNode: "node-2", Type: domain.MigrationTypeLive},
			wantErr: domain.ErrNotFound,
		},
		{
			name:    "target node does not exist",
			cfg:     domain.MigrationConfig{VMID: "vm-1", TargetNode: "node-missing", Type: domain.MigrationTypeLive},
			wantErr: domain.ErrInvalidArgument,
		},
		{
			name:    "vm already on target",
			cfg:     domain.MigrationConfig{VMID: "vm-1", TargetNode: "node-1", Type: domain.MigrationTypeLive},
			wantErr: domain.ErrInvalidArgument,
		},
		{
			name:    "target offline",
			cfg:     domain.MigrationConfig{VMID: "vm-1", TargetNode: "node-down", Type: domain.MigrationTypeLive},
			wantErr: domain.ErrUnavailable,
		},
		{
			name:    "incompatible architecture even with force",
			cfg:     domain.MigrationConfig{VMID: "vm-1", TargetNode: "node-riscv", Type: domain.MigrationTypeOffline, Force: true},
			wantErr: domain.ErrInvalidArgument,
		},
		{
			name:    "live migration of a stopped vm",
			cfg:     domain.MigrationConfig{VMID: "vm-stopped", TargetNode: "node-2", Type: domain.MigrationTypeLive},
			wantErr: domain.ErrInvalidArgument,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.manager.Start(ctx, tt.cfg)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Start() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if jobs := env.manager.ListJobs(); len(jobs) != 0 {
		t.Errorf("validation failures must not create jobs, got %d", len(jobs))
	}
}

type fakeCapacity struct {
	err error
}

func (f *fakeCapacity) VerifyCapacity(_ context.Context, _ *domain.Node, _ *domain.VirtualMachine) error {
	return f.err
}

func TestManager_StartCapacityCheck(t *testing.T) {
	ctx := context.Background()
	hv := &fakeHypervisor{isRunningFn: sourceStoppedTargetRunning}
	env := newManagerEnv(t, defaultTestConfig(), hv)

	capacity := &fakeCapacity{err: errors.New("memory overcommitted")}
	env.manager.capacity = capacity

	_, err := env.manager.Start(ctx, domain.MigrationConfig{
		VMID:       "vm-1",
		TargetNode: "node-2",
		Type:       domain.MigrationTypeOffline,
	})
	if !errors.Is(err, domain.ErrResourceExhausted) {
		t.Fatalf("Start() error = %v, want ErrResourceExhausted", err)
	}

	// Force overrides a capacity shortfall, unlike an architecture mismatch.
	job, err := env.manager.Start(ctx, domain.MigrationConfig{
		VMID:       "vm-1",
		TargetNode: "node-2",
		Type:       domain.MigrationTypeOffline,
		Force:      true,
	})
	if err != nil {
		t.Fatalf("Start() with force: %v", err)
	}
	waitTerminal(t, env.manager, job.ID)
}

func TestManager_StartRejectsConcurrentJobForVM(t *testing.T) {
	ctx := context.Background()
	gate := make(chan struct{})
	hv := &fakeHypervisor{
		isRunningFn: sourceStoppedTargetRunning,
		pingFn: func(string) error {
			<-gate
			return nil
		},
	}
	env := newManagerEnv(t, defaultTestConfig(), hv)

	job, err := env.manager.Start(ctx, domain.MigrationConfig{
		VMID:       "vm-1",
		TargetNode: "node-2",
		Type:       domain.MigrationTypeOffline,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	_, err = env.manager.Start(ctx, domain.MigrationConfig{
		VMID:       "vm-1",
		TargetNode: "node-2",
		Type:       domain.MigrationTypeOffline,
	})
	if !errors.Is(err, domain.ErrConflict) {
		t.Errorf("second Start error = %v, want ErrConflict", err)
	}

	if _, err := env.manager.JobByVM("vm-1"); err != nil {
		t.Errorf("JobByVM during active migration: %v", err)
	}

	close(gate)
	waitTerminal(t, env.manager, job.ID)
	waitVMOn(t, env.vmRepo, "vm-1", "node-2", domain.VMStateRunning)

	// With the first job terminal a new one is admissible again. The guest
	// now lives on node-2, so the fake flips which node reports it running.
	hv.isRunningFn = func(node, _ string) (bool, error) {
		return node == "node-1", nil
	}
	job2, err := env.manager.Start(ctx, domain.MigrationConfig{
		VMID:       "vm-1",
		TargetNode: "node-1",
		Type:       domain.MigrationTypeOffline,
	})
	if err != nil {
		t.Fatalf("Start after completion: %v", err)
	}
	waitTerminal(t, env.manager, job2.ID)

	if history := env.manager.History("vm-1"); len(history) != 2 {
		t.Errorf("History = %d jobs, want 2", len(history))
	}
}

func TestManager_CancelPendingJob(t *testing.T) {
	ctx := context.Background()
	gate := make(chan struct{})
	hv := &fakeHypervisor{
		isRunningFn: sourceStoppedTargetRunning,
		pingFn: func(string) error {
			<-gate
			return nil
		},
	}
	cfg := defaultTestConfig()
	cfg.MaxConcurrent = 1
	env := newManagerEnv(t, cfg, hv)

	if _, err := env.vmRepo.Create(ctx, runningTestVM("vm-2", "cache-01")); err != nil {
		t.Fatalf("seed vm-2: %v", err)
	}

	first, err := env.manager.Start(ctx, domain.MigrationConfig{
		VMID: "vm-1", TargetNode: "node-2", Type: domain.MigrationTypeOffline,
	})
	if err != nil {
		t.Fatalf("Start first: %v", err)
	}
	// Let the first job claim the single slot so the second queues behind it.
	waitLeftPending(t, env.manager, first.ID)

	second, err := env.manager.Start(ctx, domain.MigrationConfig{
		VMID: "vm-2", TargetNode: "node-2", Type: domain.MigrationTypeOffline,
	})
	if err != nil {
		t.Fatalf("Start second: %v", err)
	}

	if err := env.manager.Cancel(ctx, second.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	cancelled := waitTerminal(t, env.manager, second.ID)
	if cancelled.State != domain.MigrationStateCancelled {
		t.Fatalf("state = %s, want CANCELLED", cancelled.State)
	}
	waitVMOn(t, env.vmRepo, "vm-2", "node-1", domain.VMStateRunning)

	close(gate)
	waitTerminal(t, env.manager, first.ID)
}

func TestManager_CancelDuringTransfer(t *testing.T) {
	ctx := context.Background()
	started := make(chan struct{})
	proceed := make(chan struct{})
	var once atomic.Bool
	hv := &fakeHypervisor{
		isRunningFn: sourceStoppedTargetRunning,
		transferFn: func(_ context.Context, _, _, _ string, _ []string) error {
			if once.CompareAndSwap(false, true) {
				close(started)
				<-proceed
			}
			return nil
		},
	}
	env := newManagerEnv(t, defaultTestConfig(), hv)

	twoDisk := runningTestVM("vm-2disk", "data-01")
	twoDisk.Spec.LocalDisks = []string{"disk-a.qcow2", "disk-b.qcow2"}
	if _, err := env.vmRepo.Create(ctx, twoDisk); err != nil {
		t.Fatalf("seed two-disk vm: %v", err)
	}

	job, err := env.manager.Start(ctx, domain.MigrationConfig{
		VMID:           "vm-2disk",
		TargetNode:     "node-2",
		Type:           domain.MigrationTypeOffline,
		WithLocalDisks: true,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	<-started
	if err := env.manager.Cancel(ctx, job.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	close(proceed)

	final := waitTerminal(t, env.manager, job.ID)
	if final.State != domain.MigrationStateCancelled {
		t.Fatalf("state = %s, want CANCELLED", final.State)
	}
	// The second disk must not be copied once cancellation is observed.
	count := 0
	for _, call := range hv.callLog() {
		if strings.HasPrefix(call, "TransferDisks(") {
			count++
		}
	}
	if count != 1 {
		t.Errorf("TransferDisks called %d times after cancel, want 1", count)
	}
}

func TestManager_CancelErrors(t *testing.T) {
	ctx := context.Background()
	hv := &fakeHypervisor{isRunningFn: sourceStoppedTargetRunning}
	env := newManagerEnv(t, defaultTestConfig(), hv)

	if err := env.manager.Cancel(ctx, "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Cancel(unknown) error = %v, want ErrNotFound", err)
	}

	job, err := env.manager.Start(ctx, domain.MigrationConfig{
		VMID: "vm-1", TargetNode: "node-2", Type: domain.MigrationTypeOffline,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitTerminal(t, env.manager, job.ID)

	if err := env.manager.Cancel(ctx, job.ID); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("Cancel(terminal) error = %v, want ErrConflict", err)
	}
}

func TestManager_LiveFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	hv := &fakeHypervisor{
		migrateFn: func(_ context.Context, _, _, _ string, _ uint64) error {
			return errors.New("qemu: connection reset by peer")
		},
		isRunningFn: func(node, _ string) (bool, error) {
			// Nothing came up on the target; the guest is still on the source.
			return node == "node-1", nil
		},
	}
	env := newManagerEnv(t, defaultTestConfig(), hv)

	job, err := env.manager.Start(ctx, domain.MigrationConfig{
		VMID:       "vm-1",
		TargetNode: "node-2",
		Type:       domain.MigrationTypeLive,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	final := waitTerminal(t, env.manager, job.ID)
	if final.State != domain.MigrationStateFailed {
		t.Fatalf("state = %s, want FAILED", final.State)
	}
	if !strings.Contains(final.Error, "connection reset") {
		t.Errorf("error = %q, want the hypervisor cause preserved", final.Error)
	}

	record, err := env.manager.Rollback(ctx, job.ID)
	if err != nil {
		t.Fatalf("Rollback record: %v", err)
	}
	if record.FailedPhase != domain.MigrationStateTransferring {
		t.Errorf("FailedPhase = %s, want TRANSFERRING", record.FailedPhase)
	}
	if !record.Success {
		t.Errorf("rollback should succeed against a clean fake, steps: %+v", record.Steps)
	}

	waitVMOn(t, env.vmRepo, "vm-1", "node-1", domain.VMStateRunning)
}

func TestManager_LiveFailureWithoutAutoRollback(t *testing.T) {
	ctx := context.Background()
	hv := &fakeHypervisor{
		migrateFn: func(_ context.Context, _, _, _ string, _ uint64) error {
			return errors.New("migration job aborted")
		},
	}
	cfg := defaultTestConfig()
	cfg.AutoRollback = false
	env := newManagerEnv(t, cfg, hv)

	job, err := env.manager.Start(ctx, domain.MigrationConfig{
		VMID: "vm-1", TargetNode: "node-2", Type: domain.MigrationTypeLive,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	final := waitTerminal(t, env.manager, job.ID)
	if final.State != domain.MigrationStateFailed {
		t.Fatalf("state = %s, want FAILED", final.State)
	}

	if _, err := env.manager.Rollback(ctx, job.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected no rollback record, got err %v", err)
	}
}

func TestManager_HealthAbortFailsMigration(t *testing.T) {
	ctx := context.Background()
	var pings atomic.Int32
	hv := &fakeHypervisor{
		pingFn: func(string) error {
			// The initial reachability check passes, every health sample
			// afterwards fails.
			if pings.Add(1) == 1 {
				return nil
			}
			return errors.New("connection refused")
		},
		migrateFn: func(ctx context.Context, _, _, _ string, _ uint64) error {
			<-ctx.Done()
			return ctx.Err()
		},
		isRunningFn: func(node, _ string) (bool, error) {
			return node == "node-1", nil
		},
	}
	cfg := defaultTestConfig()
	cfg.HealthChecks = true
	cfg.HealthCheckInterval = 10 * time.Millisecond
	cfg.HealthFailureThreshold = 2
	env := newManagerEnv(t, cfg, hv)

	job, err := env.manager.Start(ctx, domain.MigrationConfig{
		VMID: "vm-1", TargetNode: "node-2", Type: domain.MigrationTypeLive,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	final := waitTerminal(t, env.manager, job.ID)
	if final.State != domain.MigrationStateFailed {
		t.Fatalf("state = %s, want FAILED", final.State)
	}
	if !strings.Contains(final.Error, "health") {
		t.Errorf("error = %q, want a health-check cause", final.Error)
	}

	reports, err := env.manager.HealthReports(ctx, job.ID)
	if err != nil {
		t.Fatalf("HealthReports: %v", err)
	}
	if len(reports) < 2 {
		t.Errorf("persisted %d health reports, want at least the failure streak", len(reports))
	}
	summary, err := env.manager.HealthSummary(ctx, job.ID)
	if err != nil {
		t.Fatalf("HealthSummary: %v", err)
	}
	if summary.OverallHealthy {
		t.Error("summary reports healthy after an exhausted failure streak")
	}

	if _, err := env.manager.Rollback(ctx, job.ID); err != nil {
		t.Errorf("expected a rollback record after a health abort: %v", err)
	}
}

func TestManager_HealthAbortFailsOfflineMigration(t *testing.T) {
	ctx := context.Background()
	var pings atomic.Int32
	hv := &fakeHypervisor{
		pingFn: func(string) error {
			if pings.Add(1) == 1 {
				return nil
			}
			return errors.New("connection refused")
		},
		// Park the disk copy so the monitor gets its failure streak in.
		transferFn: func(ctx context.Context, _, _, _ string, _ []string) error {
			<-ctx.Done()
			return ctx.Err()
		},
		isRunningFn: func(node, _ string) (bool, error) {
			return false, nil
		},
	}
	cfg := defaultTestConfig()
	cfg.HealthChecks = true
	cfg.HealthCheckInterval = 10 * time.Millisecond
	cfg.HealthFailureThreshold = 2
	env := newManagerEnv(t, cfg, hv)

	job, err := env.manager.Start(ctx, domain.MigrationConfig{
		VMID:           "vm-1",
		TargetNode:     "node-2",
		Type:           domain.MigrationTypeOffline,
		WithLocalDisks: true,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	final := waitTerminal(t, env.manager, job.ID)
	if final.State != domain.MigrationStateFailed {
		t.Fatalf("state = %s (error %q), want FAILED", final.State, final.Error)
	}
	if !strings.Contains(final.Error, "health") {
		t.Errorf("error = %q, want a health-check cause", final.Error)
	}

	reports, err := env.manager.HealthReports(ctx, job.ID)
	if err != nil {
		t.Fatalf("HealthReports: %v", err)
	}
	if len(reports) < 2 {
		t.Errorf("persisted %d health reports, want at least the failure streak", len(reports))
	}

	if _, err := env.manager.Rollback(ctx, job.ID); err != nil {
		t.Errorf("expected a rollback record after a health abort: %v", err)
	}
}

func TestManager_ManualRollback(t *testing.T) {
	ctx := context.Background()
	hv := &fakeHypervisor{
		migrateFn: func(_ context.Context, _, _, _ string, _ uint64) error {
			return errors.New("stream closed")
		},
		isRunningFn: func(node, _ string) (bool, error) {
			return node == "node-1", nil
		},
	}
	env := newManagerEnv(t, defaultTestConfig(), hv)

	job, err := env.manager.Start(ctx, domain.MigrationConfig{
		VMID: "vm-1", TargetNode: "node-2", Type: domain.MigrationTypeLive,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	final := waitTerminal(t, env.manager, job.ID)
	if final.State != domain.MigrationStateFailed {
		t.Fatalf("state = %s, want FAILED", final.State)
	}

	record, err := env.manager.ManualRollback(ctx, job.ID)
	if err != nil {
		t.Fatalf("ManualRollback: %v", err)
	}
	if !record.Success {
		t.Errorf("manual rollback failed, steps: %+v", record.Steps)
	}
}

func TestManager_ManualRollbackRequiresTerminalFailure(t *testing.T) {
	ctx := context.Background()
	hv := &fakeHypervisor{isRunningFn: sourceStoppedTargetRunning}
	env := newManagerEnv(t, defaultTestConfig(), hv)

	job, err := env.manager.Start(ctx, domain.MigrationConfig{
		VMID: "vm-1", TargetNode: "node-2", Type: domain.MigrationTypeOffline,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitTerminal(t, env.manager, job.ID)

	if _, err := env.manager.ManualRollback(ctx, job.ID); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("ManualRollback(completed) error = %v, want ErrConflict", err)
	}
	if _, err := env.manager.ManualRollback(ctx, "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("ManualRollback(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestManager_RecoverMarksInterruptedJobsFailed(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewMigrationRepository()

	interrupted := &domain.MigrationJob{
		ID:         "job-interrupted",
		Config:     domain.MigrationConfig{VMID: "vm-1", TargetNode: "node-2", Type: domain.MigrationTypeLive},
		SourceNode: "node-1",
		State:      domain.MigrationStateTransferring,
		StartedAt:  time.Now().Add(-time.Minute),
	}
	done := time.Now().Add(-time.Hour)
	finished := &domain.MigrationJob{
		ID:          "job-finished",
		Config:      domain.MigrationConfig{VMID: "vm-1", TargetNode: "node-2", Type: domain.MigrationTypeOffline},
		SourceNode:  "node-1",
		State:       domain.MigrationStateCompleted,
		StartedAt:   done.Add(-time.Minute),
		CompletedAt: &done,
	}
	for _, job := range []*domain.MigrationJob{interrupted, finished} {
		if err := repo.SaveJob(ctx, job); err != nil {
			t.Fatalf("seed job %s: %v", job.ID, err)
		}
	}

	mgr := NewManager(defaultTestConfig(), repo, memory.NewVMRepository(),
		memory.NewNodeRepository(), &fakeHypervisor{}, nil, zap.NewNop())
	if err := mgr.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	job, ok := mgr.Get("job-interrupted")
	if !ok {
		t.Fatal("Get interrupted: not found")
	}
	if job.State != domain.MigrationStateFailed {
		t.Errorf("interrupted state = %s, want FAILED", job.State)
	}
	if job.Error != "interrupted by control plane restart" {
		t.Errorf("interrupted error = %q", job.Error)
	}
	if job.CompletedAt == nil {
		t.Error("interrupted job should be closed out")
	}

	untouched, ok := mgr.Get("job-finished")
	if !ok {
		t.Fatal("Get finished: not found")
	}
	if untouched.State != domain.MigrationStateCompleted {
		t.Errorf("finished state = %s, want COMPLETED untouched", untouched.State)
	}

	if active := mgr.ListActive(); len(active) != 0 {
		t.Errorf("ListActive after recovery = %d, want 0", len(active))
	}
}

func TestManager_WatchStreamsUntilTerminal(t *testing.T) {
	ctx := context.Background()
	gate := make(chan struct{})
	hv := &fakeHypervisor{
		isRunningFn: sourceStoppedTargetRunning,
		pingFn: func(string) error {
			<-gate
			return nil
		},
	}
	env := newManagerEnv(t, defaultTestConfig(), hv)

	job, err := env.manager.Start(ctx, domain.MigrationConfig{
		VMID: "vm-1", TargetNode: "node-2", Type: domain.MigrationTypeOffline,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	updates, unsubscribe, err := env.manager.Watch(job.ID)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer unsubscribe()

	close(gate)

	var last *domain.MigrationJob
	deadline := time.After(5 * time.Second)
	for {
		select {
		case snapshot, ok := <-updates:
			if !ok {
				if last == nil || !last.State.IsTerminal() {
					t.Fatalf("stream closed before a terminal snapshot, last: %+v", last)
				}
				if last.State != domain.MigrationStateCompleted {
					t.Errorf("final snapshot state = %s, want COMPLETED", last.State)
				}
				return
			}
			last = snapshot
		case <-deadline:
			t.Fatal("watch stream never closed")
		}
	}
}

func TestManager_WatchTerminalJobClosesImmediately(t *testing.T) {
	ctx := context.Background()
	hv := &fakeHypervisor{isRunningFn: sourceStoppedTargetRunning}
	env := newManagerEnv(t, defaultTestConfig(), hv)

	job, err := env.manager.Start(ctx, domain.MigrationConfig{
		VMID: "vm-1", TargetNode: "node-2", Type: domain.MigrationTypeOffline,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitTerminal(t, env.manager, job.ID)

	updates, unsubscribe, err := env.manager.Watch(job.ID)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer unsubscribe()

	snapshot, ok := <-updates
	if !ok || !snapshot.State.IsTerminal() {
		t.Fatalf("expected one terminal snapshot, got %+v (ok=%v)", snapshot, ok)
	}
	if _, ok := <-updates; ok {
		t.Error("stream should close after the terminal snapshot")
	}

	if _, _, err := env.manager.Watch("nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Watch(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestManager_PolicyUpdates(t *testing.T) {
	hv := &fakeHypervisor{}
	env := newManagerEnv(t, defaultTestConfig(), hv)
	m := env.manager

	limit := uint64(40)
	m.SetBandwidthLimit(&limit)
	if got := m.BandwidthLimit(); got != 40 {
		t.Errorf("BandwidthLimit = %d, want 40", got)
	}
	m.SetBandwidthLimit(nil)
	if got := m.BandwidthLimit(); got != 0 {
		t.Errorf("BandwidthLimit after nil = %d, want 0 (unlimited)", got)
	}

	m.SetMaxConcurrent(5)
	if got := m.MaxConcurrent(); got != 5 {
		t.Errorf("MaxConcurrent = %d, want 5", got)
	}

	m.SetAutoRollback(false)
	if m.IsAutoRollbackEnabled() {
		t.Error("auto rollback still enabled")
	}
	m.SetHealthChecks(true)
	if !m.IsHealthCheckEnabled() {
		t.Error("health checks still disabled")
	}
}

func TestManager_ReapCompleted(t *testing.T) {
	ctx := context.Background()
	hv := &fakeHypervisor{isRunningFn: sourceStoppedTargetRunning}
	env := newManagerEnv(t, defaultTestConfig(), hv)

	job, err := env.manager.Start(ctx, domain.MigrationConfig{
		VMID: "vm-1", TargetNode: "node-2", Type: domain.MigrationTypeOffline,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitTerminal(t, env.manager, job.ID)

	if n := env.manager.ReapCompleted(time.Hour); n != 0 {
		t.Errorf("reaped %d fresh jobs, want 0", n)
	}
	if n := env.manager.ReapCompleted(0); n != 1 {
		t.Errorf("reaped %d, want 1", n)
	}
	if _, ok := env.manager.Get(job.ID); ok {
		t.Error("Get still finds the job after reap")
	}

	// Persisted history survives the in-memory reap.
	if _, err := env.repo.GetJob(ctx, job.ID); err != nil {
		t.Errorf("persisted job lost after reap: %v", err)
	}
}

// Lookups on a job id that was never started stay quiet; only commands and
// stats complain.
func TestManager_UnknownJobQueryShapes(t *testing.T) {
	ctx := context.Background()
	env := newManagerEnv(t, defaultTestConfig(), &fakeHypervisor{})

	if _, ok := env.manager.Get("nope"); ok {
		t.Error("Get found a job that was never started")
	}
	reports, err := env.manager.HealthReports(ctx, "nope")
	if err != nil {
		t.Fatalf("HealthReports: %v", err)
	}
	if len(reports) != 0 {
		t.Errorf("HealthReports = %d entries, want none", len(reports))
	}
	summary, err := env.manager.HealthSummary(ctx, "nope")
	if err != nil {
		t.Fatalf("HealthSummary: %v", err)
	}
	if summary.Sampled != 0 || summary.OverallHealthy {
		t.Errorf("summary = %+v, want zero value", summary)
	}

	if _, err := env.manager.Statistics("nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Statistics error = %v, want ErrNotFound", err)
	}
	if _, err := env.manager.ManualRollback(ctx, "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("ManualRollback error = %v, want ErrNotFound", err)
	}
	if _, err := env.manager.Rollback(ctx, "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Rollback error = %v, want ErrNotFound", err)
	}
}
