package migration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/CanuteTheGreat/horcrux-sub008/internal/domain"
)

// run drives one admitted job to a terminal state. It owns all state
// transitions for the job; the rest of the manager only sets the
// cancellation flag.
func (m *Manager) run(ctx context.Context, job *domain.MigrationJob, vm *domain.VirtualMachine) {
	logger := m.logger.With(
		zap.String("job_id", job.ID),
		zap.String("vm_id", vm.ID),
		zap.String("type", string(job.Config.Type)),
	)

	if err := m.gate.Acquire(ctx); err != nil {
		logger.Info("migration cancelled while pending")
		m.finishCancelled(job)
		return
	}
	released := false
	release := func() {
		if !released {
			released = true
			m.gate.Release()
		}
	}
	defer release()

	if m.cancelRequested(job) {
		m.finishCancelled(job)
		return
	}

	m.vmStatus(vm, domain.VMStateMigrating, "migration in progress")

	// Target health is watched for every migration type and stays up
	// through finalization. An exhausted unhealthy streak cancels opCtx,
	// which unwinds whatever phase the job is in.
	opCtx, opCancel := context.WithCancel(ctx)
	defer opCancel()

	var abortOnce sync.Once
	var abortErr error
	abort := func(cause error) {
		abortOnce.Do(func() {
			abortErr = cause
			opCancel()
		})
	}

	healthCtx, healthCancel := context.WithCancel(ctx)
	healthDone := make(chan struct{})
	if m.IsHealthCheckEnabled() {
		go func() {
			defer close(healthDone)
			m.health.Watch(healthCtx, job, m.recordHealth, abort)
		}()
	} else {
		close(healthDone)
	}

	var err error
	switch job.Config.Type {
	case domain.MigrationTypeLive, domain.MigrationTypeOnline:
		err = m.runLive(opCtx, job, vm)
	case domain.MigrationTypeOffline:
		err = m.runOffline(opCtx, job, vm)
	}

	healthCancel()
	<-healthDone
	if abortErr != nil {
		// The monitor pulled the plug mid-flight; whatever error surfaced
		// from the cancelled phase, the destination is the real cause.
		err = fmt.Errorf("%w: destination health checks failed", abortErr)
	}

	switch {
	case err == nil:
		m.complete(job)
		m.vmStatusOn(vm, job.Config.TargetNode, domain.VMStateRunning, "migrated")
		logger.Info("migration completed",
			zap.Float64("transferred_gb", job.Stats.TransferredGB),
			zap.Int64("duration_seconds", job.Stats.DurationSeconds))
	case errors.Is(err, domain.ErrCancelled):
		m.finishCancelled(job)
		m.restoreSourceStatus(vm, job)
		logger.Info("migration cancelled")
	default:
		m.fail(ctx, job, vm, err)
		logger.Error("migration failed", zap.Error(err))
	}

	m.mu.Lock()
	delete(m.cancels, job.ID)
	m.mu.Unlock()
}

// ============================================================================
// Live and online
// ============================================================================

func (m *Manager) runLive(ctx context.Context, job *domain.MigrationJob, vm *domain.VirtualMachine) error {
	source := job.SourceNode
	target := job.Config.TargetNode

	// Preparing: reachability, source configuration snapshot, size estimate.
	if err := m.transition(job, domain.MigrationStatePreparing); err != nil {
		return err
	}
	if err := m.hv.Ping(ctx, target); err != nil {
		return fmt.Errorf("%w: target unreachable: %v", domain.ErrUnavailable, err)
	}
	xml, err := m.hv.DumpConfig(ctx, source, vm.Name)
	if err != nil {
		return fmt.Errorf("snapshot source configuration: %w", err)
	}
	m.mu.Lock()
	m.sourceXML[job.ID] = xml
	m.mu.Unlock()

	total := int64(vm.Spec.MemoryMiB) * 1024 * 1024
	if job.Config.WithLocalDisks {
		total += int64(vm.Spec.DiskSizeGiB) * 1024 * 1024 * 1024
	}
	m.mutate(job, func(j *domain.MigrationJob) { j.TotalBytes = total })

	// Transferring: hand off to libvirt and watch progress.
	if err := m.transition(job, domain.MigrationStateTransferring); err != nil {
		return err
	}

	transferCtx, transferCancel := context.WithCancel(ctx)
	defer transferCancel()

	bandwidth := m.throttle.EffectiveMBps(job.Config.BandwidthLimitMBps)
	migErr := make(chan error, 1)
	go func() {
		migErr <- m.hv.MigrateLive(transferCtx, source, target, vm.Name, bandwidth)
	}()

	// finish tears the transfer down and waits for virsh to come back.
	finish := func(cause error) error {
		transferCancel()
		<-migErr
		return cause
	}

	ticker := time.NewTicker(progressSampleInterval)
	defer ticker.Stop()

	syncing := false
	iterations := 0
	for {
		select {
		case err := <-migErr:
			if err != nil {
				return fmt.Errorf("%w: %v", domain.ErrTransferFailed, err)
			}
			// The hypervisor finished; the VM now lives on the target, so a
			// late cancellation request can no longer be honored.
			if !syncing {
				m.mutate(job, func(j *domain.MigrationJob) { j.State = domain.MigrationStateSyncing })
			}
			return m.finalizeLive(ctx, job, vm)
		case <-ticker.C:
			if m.cancelRequested(job) {
				return finish(domain.ErrCancelled)
			}
			m.sampleProgress(transferCtx, job, source, vm.Name)
			if !syncing && m.transferFraction(job) >= 0.9 {
				// Bulk copy is done; the remainder is dirty-page
				// convergence.
				syncing = true
				if err := m.transition(job, domain.MigrationStateSyncing); err != nil {
					return finish(err)
				}
			}
			if syncing {
				iterations++
				if iterations > m.maxSyncIterations {
					return finish(fmt.Errorf("%w: memory did not converge after %d sync iterations",
						domain.ErrTransferFailed, m.maxSyncIterations))
				}
				// Pace the next convergence pass against the configured
				// bandwidth.
				if err := m.throttle.Wait(transferCtx, job.Config.BandwidthLimitMBps, m.dirtyBytes(job)); err != nil {
					return finish(domain.ErrCancelled)
				}
			}
		case <-ctx.Done():
			return finish(domain.ErrCancelled)
		}
	}
}

func (m *Manager) dirtyBytes(job *domain.MigrationJob) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(job.Stats.MemoryDirtyRate * 1024 * 1024)
}

func (m *Manager) finalizeLive(ctx context.Context, job *domain.MigrationJob, vm *domain.VirtualMachine) error {
	target := job.Config.TargetNode

	// Past the point of no return; cancellation no longer applies.
	m.mutate(job, func(j *domain.MigrationJob) { j.State = domain.MigrationStateFinalizing })

	running, err := m.hv.IsRunning(ctx, target, vm.Name)
	if err != nil {
		return fmt.Errorf("verify target domain: %w", err)
	}
	if !running {
		return fmt.Errorf("%w: domain is not running on target after migration", domain.ErrOperationFailed)
	}

	m.mutate(job, func(j *domain.MigrationJob) {
		j.TransferredBytes = j.TotalBytes
		j.Progress = 100
	})
	return nil
}

// sampleProgress pulls libvirt job counters into the migration job.
func (m *Manager) sampleProgress(ctx context.Context, job *domain.MigrationJob, node, vmName string) {
	p, err := m.hv.TransferJobProgress(ctx, node, vmName)
	if err != nil {
		// The libvirt job may have just ended.
		return
	}
	m.mutate(job, func(j *domain.MigrationJob) {
		if p.ProcessedBytes > 0 {
			j.TransferredBytes = p.ProcessedBytes
		}
		if p.TotalBytes > 0 {
			j.TotalBytes = p.TotalBytes
		}
		j.Stats.MemoryDirtyRate = p.DirtyRateMBps
		if j.TotalBytes > 0 {
			f := float32(j.TransferredBytes) / float32(j.TotalBytes) * 100
			if f > 99 {
				f = 99
			}
			if f > j.Progress {
				j.Progress = f
			}
		}
	})
}

func (m *Manager) transferFraction(job *domain.MigrationJob) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if job.TotalBytes == 0 {
		return 0
	}
	return float64(job.TransferredBytes) / float64(job.TotalBytes)
}

// ============================================================================
// Offline
// ============================================================================

func (m *Manager) runOffline(ctx context.Context, job *domain.MigrationJob, vm *domain.VirtualMachine) error {
	source := job.SourceNode
	target := job.Config.TargetNode

	// Preparing: snapshot configuration, stop the VM on the source.
	if err := m.transition(job, domain.MigrationStatePreparing); err != nil {
		return err
	}
	if err := m.hv.Ping(ctx, target); err != nil {
		return fmt.Errorf("%w: target unreachable: %v", domain.ErrUnavailable, err)
	}
	xml, err := m.hv.DumpConfig(ctx, source, vm.Name)
	if err != nil {
		return fmt.Errorf("snapshot source configuration: %w", err)
	}
	m.mu.Lock()
	m.sourceXML[job.ID] = xml
	m.mu.Unlock()

	if job.SourceWasRunning {
		if err := m.stopSourceVM(ctx, source, vm.Name); err != nil {
			return err
		}
	}

	// Transferring: copy local disks when asked; shared storage needs none.
	if err := m.transition(job, domain.MigrationStateTransferring); err != nil {
		return err
	}
	if job.Config.WithLocalDisks {
		disks := vm.Spec.LocalDisks
		if len(disks) == 0 {
			// The inventory may not track image paths; ask libvirt.
			listed, err := m.hv.ListDisks(ctx, source, vm.Name)
			if err != nil {
				return fmt.Errorf("enumerate source disks: %w", err)
			}
			disks = listed
		}
		if len(disks) > 0 {
			total := int64(vm.Spec.DiskSizeGiB) * 1024 * 1024 * 1024
			m.mutate(job, func(j *domain.MigrationJob) { j.TotalBytes = total })

			perDisk := total / int64(len(disks))
			for i, disk := range disks {
				if m.cancelRequested(job) {
					return domain.ErrCancelled
				}
				if err := m.throttle.Wait(ctx, job.Config.BandwidthLimitMBps, perDisk); err != nil {
					return domain.ErrCancelled
				}
				if err := m.hv.TransferDisks(ctx, source, target, vm.Name, []string{disk}); err != nil {
					return fmt.Errorf("%w: %v", domain.ErrTransferFailed, err)
				}
				done := i + 1
				m.mutate(job, func(j *domain.MigrationJob) {
					j.TransferredBytes = perDisk * int64(done)
					j.Progress = float32(done) / float32(len(disks)) * 80
				})
			}
		}
	}

	// Syncing: register the domain on the target.
	if err := m.transition(job, domain.MigrationStateSyncing); err != nil {
		return err
	}
	if err := m.hv.DefineVM(ctx, target, xml); err != nil {
		return fmt.Errorf("define domain on target: %w", err)
	}

	// Finalizing: start on target when it was running, retire the source
	// definition.
	if err := m.transition(job, domain.MigrationStateFinalizing); err != nil {
		return err
	}
	if job.SourceWasRunning {
		if err := m.hv.StartVM(ctx, target, vm.Name); err != nil {
			return fmt.Errorf("%w: start domain on target: %v", domain.ErrOperationFailed, err)
		}
		running, err := m.hv.IsRunning(ctx, target, vm.Name)
		if err != nil || !running {
			return fmt.Errorf("%w: domain did not come up on target", domain.ErrOperationFailed)
		}
	}
	if err := m.hv.UndefineVM(ctx, source, vm.Name); err != nil && !isNoDomain(err) {
		return fmt.Errorf("undefine source domain: %w", err)
	}

	m.mutate(job, func(j *domain.MigrationJob) {
		if j.TotalBytes > 0 {
			j.TransferredBytes = j.TotalBytes
		}
		j.Progress = 100
	})
	return nil
}

// stopSourceVM shuts the guest down gracefully and falls back to destroy.
func (m *Manager) stopSourceVM(ctx context.Context, node, vmName string) error {
	if err := m.hv.ShutdownVM(ctx, node, vmName); err != nil {
		return fmt.Errorf("shutdown source domain: %w", err)
	}
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		running, err := m.hv.IsRunning(ctx, node, vmName)
		if err != nil {
			return fmt.Errorf("poll source domain state: %w", err)
		}
		if !running {
			return nil
		}
		select {
		case <-ctx.Done():
			return domain.ErrCancelled
		case <-time.After(2 * time.Second):
		}
	}
	m.logger.Warn("graceful shutdown timed out, destroying domain",
		zap.String("node", node), zap.String("vm", vmName))
	if err := m.hv.DestroyVM(ctx, node, vmName); err != nil {
		return fmt.Errorf("destroy source domain: %w", err)
	}
	return nil
}

// ============================================================================
// Terminal transitions
// ============================================================================

func (m *Manager) transition(job *domain.MigrationJob, state domain.MigrationState) error {
	if m.cancelRequested(job) {
		return domain.ErrCancelled
	}
	m.mutate(job, func(j *domain.MigrationJob) { j.State = state })
	m.logger.Debug("migration state changed",
		zap.String("job_id", job.ID),
		zap.String("state", string(state)))
	return nil
}

func (m *Manager) complete(job *domain.MigrationJob) {
	now := time.Now()
	m.mutate(job, func(j *domain.MigrationJob) {
		j.State = domain.MigrationStateCompleted
		j.CompletedAt = &now
		j.Progress = 100
		j.Stats = computeStats(j, now)
	})
}

func (m *Manager) finishCancelled(job *domain.MigrationJob) {
	now := time.Now()
	m.mutate(job, func(j *domain.MigrationJob) {
		j.State = domain.MigrationStateCancelled
		j.CompletedAt = &now
		j.Stats = computeStats(j, now)
	})
}

func (m *Manager) fail(ctx context.Context, job *domain.MigrationJob, vm *domain.VirtualMachine, cause error) {
	failedPhase := job.State
	now := time.Now()
	m.mutate(job, func(j *domain.MigrationJob) {
		j.State = domain.MigrationStateFailed
		j.CompletedAt = &now
		j.Error = cause.Error()
		j.Stats = computeStats(j, now)
	})

	// Rollback applies once the target may hold partial state.
	pastTransfer := failedPhase == domain.MigrationStateTransferring ||
		failedPhase == domain.MigrationStateSyncing ||
		failedPhase == domain.MigrationStateFinalizing
	if !pastTransfer || !m.IsAutoRollbackEnabled() {
		m.restoreSourceStatus(vm, job)
		return
	}

	m.mu.RLock()
	xml := m.sourceXML[job.ID]
	m.mu.RUnlock()

	failed := cloneJob(job)
	failed.State = failedPhase
	record := m.rollback.Execute(ctx, failed, vm, xml)
	if err := m.repo.SaveRollback(ctx, record); err != nil {
		m.logger.Error("failed to persist rollback record",
			zap.String("job_id", job.ID), zap.Error(err))
	}
	m.restoreSourceStatus(vm, job)
}

// recordHealth stores a health sample. Persistence failures only log.
func (m *Manager) recordHealth(report *domain.HealthReport) {
	if err := m.repo.SaveHealthReport(context.Background(), report); err != nil {
		m.logger.Error("failed to persist health report",
			zap.String("job_id", report.JobID), zap.Error(err))
	}
}

func (m *Manager) vmStatus(vm *domain.VirtualMachine, state domain.VMState, msg string) {
	m.vmStatusOn(vm, vm.Status.NodeID, state, msg)
}

func (m *Manager) vmStatusOn(vm *domain.VirtualMachine, nodeID string, state domain.VMState, msg string) {
	status := domain.VMStatus{State: state, NodeID: nodeID, Message: msg}
	if err := m.vmRepo.UpdateStatus(context.Background(), vm.ID, status); err != nil {
		m.logger.Error("failed to update VM status",
			zap.String("vm_id", vm.ID), zap.Error(err))
	}
}

func (m *Manager) restoreSourceStatus(vm *domain.VirtualMachine, job *domain.MigrationJob) {
	state := domain.VMStateStopped
	if job.SourceWasRunning {
		state = domain.VMStateRunning
	}
	m.vmStatusOn(vm, job.SourceNode, state, "migration did not complete")
}
