package migration

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/CanuteTheGreat/horcrux-sub008/internal/domain"
)

// RollbackController reverses the effects of a failed migration on the
// target node and restores the VM on the source. Steps run in a fixed order
// and are best-effort: a failed step is recorded and the next one still runs.
type RollbackController struct {
	hv     Hypervisor
	logger *zap.Logger
}

// NewRollbackController creates a rollback controller.
func NewRollbackController(hv Hypervisor, logger *zap.Logger) *RollbackController {
	return &RollbackController{
		hv:     hv,
		logger: logger.With(zap.String("component", "rollback")),
	}
}

// plan builds the ordered step list for a job. Steps that cannot apply are
// omitted rather than skipped at run time.
func (c *RollbackController) plan(job *domain.MigrationJob, vm *domain.VirtualMachine, sourceXML string) []domain.RollbackStep {
	steps := []domain.RollbackStep{}
	if job.Config.WithLocalDisks && len(vm.Spec.LocalDisks) > 0 {
		steps = append(steps, domain.RollbackStep{
			Action:      domain.RollbackCleanupTargetDisks,
			Description: "remove partially copied disk images from target",
		})
	}
	steps = append(steps,
		domain.RollbackStep{
			Action:      domain.RollbackUnregisterTargetVM,
			Description: "undefine VM on target node",
		},
		domain.RollbackStep{
			Action:      domain.RollbackReleaseTargetResources,
			Description: "force-stop any VM instance left on target",
		},
	)
	if sourceXML != "" {
		steps = append(steps, domain.RollbackStep{
			Action:      domain.RollbackRestoreSourceConfig,
			Description: "re-define VM on source from saved configuration",
		})
	}
	steps = append(steps, domain.RollbackStep{
		Action:      domain.RollbackRestoreNetworkConfig,
		Description: "verify source VM network configuration",
	})
	if job.SourceWasRunning {
		steps = append(steps, domain.RollbackStep{
			Action:      domain.RollbackRestartVMOnSource,
			Description: "restart VM on source node",
		})
	}
	return steps
}

// Execute runs the rollback plan for a failed job. The returned record is
// complete and must not be mutated afterwards.
func (c *RollbackController) Execute(ctx context.Context, job *domain.MigrationJob, vm *domain.VirtualMachine, sourceXML string) *domain.RollbackRecord {
	logger := c.logger.With(
		zap.String("job_id", job.ID),
		zap.String("vm_id", job.Config.VMID),
		zap.String("failed_phase", string(job.State)),
	)
	logger.Info("starting rollback")

	record := &domain.RollbackRecord{
		JobID:       job.ID,
		VMID:        job.Config.VMID,
		SourceNode:  job.SourceNode,
		TargetNode:  job.Config.TargetNode,
		FailedPhase: job.State,
		Steps:       c.plan(job, vm, sourceXML),
		StartedAt:   time.Now(),
	}

	allOK := true
	for i := range record.Steps {
		step := &record.Steps[i]
		err := c.runStep(ctx, step.Action, job, vm, sourceXML)
		now := time.Now()
		step.Executed = true
		step.Timestamp = &now
		if err != nil {
			step.Success = false
			step.Error = err.Error()
			allOK = false
			logger.Warn("rollback step failed",
				zap.String("action", string(step.Action)),
				zap.Error(err))
			continue
		}
		step.Success = true
		logger.Debug("rollback step completed", zap.String("action", string(step.Action)))
	}

	record.Success = allOK
	done := time.Now()
	record.CompletedAt = &done

	if allOK {
		logger.Info("rollback completed")
	} else {
		logger.Error("rollback finished with failed steps")
	}
	return record
}

func (c *RollbackController) runStep(ctx context.Context, action domain.RollbackAction, job *domain.MigrationJob, vm *domain.VirtualMachine, sourceXML string) error {
	target := job.Config.TargetNode
	source := job.SourceNode

	switch action {
	case domain.RollbackCleanupTargetDisks:
		return c.hv.CleanupDisks(ctx, target, vm.Name, vm.Spec.LocalDisks)
	case domain.RollbackUnregisterTargetVM:
		// The domain may never have been defined on the target; treat
		// "not found" as already clean.
		if err := c.hv.UndefineVM(ctx, target, vm.Name); err != nil && !isNoDomain(err) {
			return err
		}
		return nil
	case domain.RollbackReleaseTargetResources:
		if running, err := c.hv.IsRunning(ctx, target, vm.Name); err == nil && running {
			return c.hv.DestroyVM(ctx, target, vm.Name)
		}
		return nil
	case domain.RollbackRestoreSourceConfig:
		return c.hv.DefineVM(ctx, source, sourceXML)
	case domain.RollbackRestoreNetworkConfig:
		// Network attachments live in the domain XML restored above, so
		// this reduces to checking the source answers.
		return c.hv.Ping(ctx, source)
	case domain.RollbackRestartVMOnSource:
		if running, err := c.hv.IsRunning(ctx, source, vm.Name); err == nil && running {
			return nil
		}
		return c.hv.StartVM(ctx, source, vm.Name)
	}
	return nil
}
