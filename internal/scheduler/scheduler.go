// Package scheduler implements VM placement logic: capacity verification for
// migration targets and best-node selection for HA evacuation.
package scheduler

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/CanuteTheGreat/horcrux-sub008/internal/domain"
)

// Scheduler decides which host can or should run a VM.
type Scheduler struct {
	nodeRepo NodeRepository
	vmRepo   VMRepository
	config   Config
	logger   *zap.Logger
}

// New creates a new Scheduler instance.
func New(nodeRepo NodeRepository, vmRepo VMRepository, config Config, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		nodeRepo: nodeRepo,
		vmRepo:   vmRepo,
		config:   config,
		logger:   logger.With(zap.String("component", "scheduler")),
	}
}

// ScheduleResult contains a placement decision.
type ScheduleResult struct {
	NodeID   string
	Hostname string
	Score    float64
	Reason   string
}

// VerifyCapacity checks that a specific node can host the VM. It applies the
// same hard constraints as placement, for a caller that already chose the
// node.
func (s *Scheduler) VerifyCapacity(ctx context.Context, node *domain.Node, vm *domain.VirtualMachine) error {
	if !node.IsOnline() {
		return fmt.Errorf("node %s is %s", node.ID, node.Status)
	}
	if !node.Architecture.CanRun(vm.Architecture) {
		return fmt.Errorf("node architecture %s cannot run %s guest", node.Architecture, vm.Architecture)
	}

	allocatableCPU := s.allocatableCPU(node)
	usedCPU := s.nodeCPUUsage(ctx, node.ID)
	if float64(vm.Spec.CPUCores) > allocatableCPU-usedCPU {
		return fmt.Errorf("insufficient CPU on node %s: need %d cores, %.1f available",
			node.ID, vm.Spec.CPUCores, allocatableCPU-usedCPU)
	}

	allocatableMem := s.allocatableMemoryMiB(node)
	usedMem := s.nodeMemoryUsageMiB(ctx, node.ID)
	if float64(vm.Spec.MemoryMiB) > allocatableMem-usedMem {
		return fmt.Errorf("insufficient memory on node %s: need %d MiB, %.0f MiB available",
			node.ID, vm.Spec.MemoryMiB, allocatableMem-usedMem)
	}

	return nil
}

// FindBestNode selects the best host for a VM, skipping the excluded node.
// Used for HA evacuation, where the failed node must not be considered.
func (s *Scheduler) FindBestNode(ctx context.Context, vm *domain.VirtualMachine, exclude string) (*ScheduleResult, error) {
	logger := s.logger.With(
		zap.String("vm_id", vm.ID),
		zap.String("exclude_node", exclude),
	)

	nodes, err := s.nodeRepo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}

	var feasible []*domain.Node
	for _, node := range nodes {
		if node.ID == exclude {
			continue
		}
		if err := s.VerifyCapacity(ctx, node, vm); err != nil {
			logger.Debug("node filtered out",
				zap.String("node_id", node.ID), zap.Error(err))
			continue
		}
		feasible = append(feasible, node)
	}
	if len(feasible) == 0 {
		return nil, fmt.Errorf("%w: no node can host VM %s", domain.ErrResourceExhausted, vm.ID)
	}

	type scoredNode struct {
		node  *domain.Node
		score float64
	}
	scored := make([]scoredNode, len(feasible))
	for i, node := range feasible {
		scored[i] = scoredNode{node: node, score: s.scoreNode(ctx, node, vm)}
	}
	sort.Slice(scored, func(i, j int) bool {
		return scored[i].score > scored[j].score
	})

	best := scored[0]
	logger.Info("selected node",
		zap.String("node_id", best.node.ID),
		zap.Float64("score", best.score),
		zap.Int("feasible_nodes", len(feasible)))

	return &ScheduleResult{
		NodeID:   best.node.ID,
		Hostname: best.node.Hostname,
		Score:    best.score,
		Reason:   fmt.Sprintf("best score using %s strategy", s.config.PlacementStrategy),
	}, nil
}

func (s *Scheduler) scoreNode(ctx context.Context, node *domain.Node, vm *domain.VirtualMachine) float64 {
	var score float64

	switch s.config.PlacementStrategy {
	case "spread":
		// Prefer nodes with fewer VMs.
		vmCount := s.nodeVMCount(ctx, node.ID)
		score = 100.0 - float64(vmCount)*5.0
		if score < 0 {
			score = 0
		}

	case "pack":
		// Prefer nodes with more VMs.
		vmCount := s.nodeVMCount(ctx, node.ID)
		score = float64(vmCount) * 10.0
		if score > 100 {
			score = 100
		}

	default:
		// Balance: consider remaining capacity.
		allocatableCPU := s.allocatableCPU(node)
		allocatableMem := s.allocatableMemoryMiB(node)
		cpuRemaining := allocatableCPU - s.nodeCPUUsage(ctx, node.ID)
		memRemaining := allocatableMem - s.nodeMemoryUsageMiB(ctx, node.ID)

		cpuScore := 0.0
		if allocatableCPU > 0 {
			cpuScore = (cpuRemaining / allocatableCPU) * 50
		}
		memScore := 0.0
		if allocatableMem > 0 {
			memScore = (memRemaining / allocatableMem) * 50
		}
		score = cpuScore + memScore
	}

	// Running the guest natively beats emulating it.
	if node.Architecture.IsNative(vm.Architecture) {
		score += 20.0
	}

	return score
}

func (s *Scheduler) allocatableCPU(node *domain.Node) float64 {
	return float64(node.CPUCores) * s.config.OvercommitCPU
}

func (s *Scheduler) allocatableMemoryMiB(node *domain.Node) float64 {
	return float64(node.MemoryTotalBytes) / (1024 * 1024) * s.config.OvercommitMemory
}

func (s *Scheduler) nodeCPUUsage(ctx context.Context, nodeID string) float64 {
	vms, err := s.vmRepo.ListByNode(ctx, nodeID)
	if err != nil {
		s.logger.Warn("failed to list VMs for node", zap.String("node_id", nodeID), zap.Error(err))
		return 0
	}
	var total float64
	for _, vm := range vms {
		if vm.Status.State == domain.VMStateRunning ||
			vm.Status.State == domain.VMStateStarting {
			total += float64(vm.Spec.CPUCores)
		}
	}
	return total
}

func (s *Scheduler) nodeMemoryUsageMiB(ctx context.Context, nodeID string) float64 {
	vms, err := s.vmRepo.ListByNode(ctx, nodeID)
	if err != nil {
		s.logger.Warn("failed to list VMs for node", zap.String("node_id", nodeID), zap.Error(err))
		return 0
	}
	var total float64
	for _, vm := range vms {
		if vm.Status.State == domain.VMStateRunning ||
			vm.Status.State == domain.VMStateStarting {
			total += float64(vm.Spec.MemoryMiB)
		}
	}
	return total
}

func (s *Scheduler) nodeVMCount(ctx context.Context, nodeID string) int {
	vms, err := s.vmRepo.ListByNode(ctx, nodeID)
	if err != nil {
		s.logger.Warn("failed to count VMs for node", zap.String("node_id", nodeID), zap.Error(err))
		return 0
	}
	return len(vms)
}
