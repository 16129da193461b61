package migration

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/CanuteTheGreat/horcrux-sub008/internal/domain"
)

func validateConfig(cfg domain.MigrationConfig) error {
	if cfg.VMID == "" {
		return fmt.Errorf("%w: vm_id is required", domain.ErrInvalidArgument)
	}
	if cfg.TargetNode == "" {
		return fmt.Errorf("%w: target_node is required", domain.ErrInvalidArgument)
	}
	switch cfg.Type {
	case domain.MigrationTypeLive, domain.MigrationTypeOffline, domain.MigrationTypeOnline:
	default:
		return fmt.Errorf("%w: unknown migration type %q", domain.ErrInvalidArgument, cfg.Type)
	}
	return nil
}

// checkTarget validates the destination node against the VM. Architecture
// incompatibility is always fatal; Force cannot override it. Running a guest
// under emulation is allowed with a warning.
func checkTarget(source, target *domain.Node, vm *domain.VirtualMachine, logger *zap.Logger) error {
	if source != nil && source.ID == target.ID {
		return fmt.Errorf("%w: VM is already on node %s", domain.ErrInvalidArgument, target.ID)
	}
	if !target.IsOnline() {
		return fmt.Errorf("%w: target node %s is %s", domain.ErrUnavailable, target.ID, target.Status)
	}
	if !target.Architecture.CanRun(vm.Architecture) {
		return fmt.Errorf("%w: target architecture %s cannot run %s guest",
			domain.ErrInvalidArgument, target.Architecture, vm.Architecture)
	}
	if !target.Architecture.IsNative(vm.Architecture) {
		logger.Warn("guest will run under emulation on target",
			zap.String("vm_id", vm.ID),
			zap.String("guest_arch", string(vm.Architecture)),
			zap.String("target_arch", string(target.Architecture)))
	}
	return nil
}

// isNoDomain reports whether a virsh error means the domain does not exist.
func isNoDomain(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "domain not found") ||
		strings.Contains(msg, "no domain with matching name") ||
		strings.Contains(msg, "nodomain")
}
