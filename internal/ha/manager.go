// Package ha implements High Availability management: it watches node
// heartbeats and evacuates VMs from failed nodes by submitting ordinary
// migration requests.
package ha

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/CanuteTheGreat/horcrux-sub008/internal/config"
	"github.com/CanuteTheGreat/horcrux-sub008/internal/domain"
	"github.com/CanuteTheGreat/horcrux-sub008/internal/scheduler"
)

// NodeRepository defines the interface for node data access.
type NodeRepository interface {
	Get(ctx context.Context, id string) (*domain.Node, error)
	List(ctx context.Context) ([]*domain.Node, error)
	UpdateStatus(ctx context.Context, id string, status domain.NodeStatus) error
}

// VMRepository defines the interface for VM data access.
type VMRepository interface {
	ListByNode(ctx context.Context, nodeID string) ([]*domain.VirtualMachine, error)
}

// Migrator submits migrations. The HA manager is an ordinary caller: the
// migration manager's validation and conflict rules apply unchanged.
type Migrator interface {
	Start(ctx context.Context, cfg domain.MigrationConfig) (*domain.MigrationJob, error)
}

// Placer picks an evacuation target.
type Placer interface {
	FindBestNode(ctx context.Context, vm *domain.VirtualMachine, exclude string) (*scheduler.ScheduleResult, error)
}

// LeaderChecker checks if this instance is the leader.
type LeaderChecker interface {
	IsLeader() bool
}

// NodeState tracks the health state of a node.
type NodeState struct {
	NodeID        string
	Hostname      string
	LastHeartbeat time.Time
	FailedChecks  int
	Status        NodeHealthStatus
}

// NodeHealthStatus represents the health status of a node.
type NodeHealthStatus string

const (
	NodeHealthStatusHealthy NodeHealthStatus = "HEALTHY"
	NodeHealthStatusUnknown NodeHealthStatus = "UNKNOWN"
	NodeHealthStatusFailed  NodeHealthStatus = "FAILED"
)

// Manager monitors node heartbeats and evacuates VMs from failed nodes.
type Manager struct {
	config        config.HAConfig
	nodeRepo      NodeRepository
	vmRepo        VMRepository
	placer        Placer
	migrator      Migrator
	leaderChecker LeaderChecker
	logger        *zap.Logger

	mu         sync.RWMutex
	nodeStates map[string]*NodeState
	isRunning  bool
}

// NewManager creates a new HA manager.
func NewManager(
	cfg config.HAConfig,
	nodeRepo NodeRepository,
	vmRepo VMRepository,
	placer Placer,
	migrator Migrator,
	leaderChecker LeaderChecker,
	logger *zap.Logger,
) *Manager {
	return &Manager{
		config:        cfg,
		nodeRepo:      nodeRepo,
		vmRepo:        vmRepo,
		placer:        placer,
		migrator:      migrator,
		leaderChecker: leaderChecker,
		logger:        logger.With(zap.String("component", "ha")),
		nodeStates:    make(map[string]*NodeState),
	}
}

// Start begins the HA monitoring loop. It blocks until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	if !m.config.Enabled {
		m.logger.Info("HA manager disabled")
		return
	}

	m.mu.Lock()
	if m.isRunning {
		m.mu.Unlock()
		return
	}
	m.isRunning = true
	m.mu.Unlock()

	m.logger.Info("Starting HA manager",
		zap.Duration("check_interval", m.config.CheckInterval),
		zap.Int("failure_threshold", m.config.FailureThreshold),
	)

	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("HA manager stopped")
			m.mu.Lock()
			m.isRunning = false
			m.mu.Unlock()
			return
		case <-ticker.C:
			m.checkNodes(ctx)
		}
	}
}

// checkNodes monitors all nodes and triggers evacuation if needed.
func (m *Manager) checkNodes(ctx context.Context) {
	// Only run on leader
	if m.leaderChecker != nil && !m.leaderChecker.IsLeader() {
		return
	}

	nodes, err := m.nodeRepo.List(ctx)
	if err != nil {
		m.logger.Error("Failed to list nodes", zap.Error(err))
		return
	}

	for _, node := range nodes {
		if node.Status == domain.NodeStatusMaintenance {
			continue
		}
		m.checkNode(ctx, node)
	}
}

// checkNode checks a single node's heartbeat age. State mutations happen
// under m.mu; evacuation runs after the lock is released.
func (m *Manager) checkNode(ctx context.Context, node *domain.Node) {
	var heartbeatAge time.Duration
	if node.LastHeartbeat != nil {
		heartbeatAge = time.Since(*node.LastHeartbeat)
	} else {
		heartbeatAge = time.Hour * 24 // No heartbeat ever received
	}
	isHealthy := heartbeatAge < m.config.HeartbeatTimeout

	m.mu.Lock()
	state, exists := m.nodeStates[node.ID]
	if !exists {
		state = &NodeState{
			NodeID:   node.ID,
			Hostname: node.Hostname,
			Status:   NodeHealthStatusHealthy,
		}
		m.nodeStates[node.ID] = state
	}

	if isHealthy {
		recovered := state.Status != NodeHealthStatusHealthy
		if node.LastHeartbeat != nil {
			state.LastHeartbeat = *node.LastHeartbeat
		}
		state.FailedChecks = 0
		state.Status = NodeHealthStatusHealthy
		m.mu.Unlock()
		if recovered {
			m.logger.Info("Node recovered",
				zap.String("node_id", node.ID),
				zap.String("hostname", node.Hostname),
			)
		}
		return
	}

	state.FailedChecks++
	failedChecks := state.FailedChecks
	declareFailed := false
	if failedChecks < m.config.FailureThreshold {
		state.Status = NodeHealthStatusUnknown
	} else if state.Status != NodeHealthStatusFailed {
		state.Status = NodeHealthStatusFailed
		declareFailed = true
	}
	m.mu.Unlock()

	m.logger.Warn("Node heartbeat missing",
		zap.String("node_id", node.ID),
		zap.String("hostname", node.Hostname),
		zap.Duration("heartbeat_age", heartbeatAge),
		zap.Int("failed_checks", failedChecks),
	)

	if declareFailed {
		m.logger.Error("Node declared failed",
			zap.String("node_id", node.ID),
			zap.String("hostname", node.Hostname),
		)
		m.evacuate(ctx, node)
	}
}

// evacuate submits migrations for HA-enabled VMs on a failed node.
func (m *Manager) evacuate(ctx context.Context, failedNode *domain.Node) {
	m.logger.Info("Initiating HA evacuation",
		zap.String("failed_node_id", failedNode.ID),
		zap.String("failed_node_hostname", failedNode.Hostname),
	)

	vms, err := m.vmRepo.ListByNode(ctx, failedNode.ID)
	if err != nil {
		m.logger.Error("Failed to list VMs on failed node", zap.Error(err))
		return
	}

	var haVMs []*domain.VirtualMachine
	for _, vm := range vms {
		if vm.Spec.HAEnabled {
			haVMs = append(haVMs, vm)
		}
	}

	m.logger.Info("Found HA-enabled VMs to evacuate",
		zap.Int("total_vms", len(vms)),
		zap.Int("ha_vms", len(haVMs)),
	)

	// Lower RestartPriority evacuates first.
	sort.Slice(haVMs, func(i, j int) bool {
		return haVMs[i].Spec.RestartPriority < haVMs[j].Spec.RestartPriority
	})

	for _, vm := range haVMs {
		m.evacuateVM(ctx, vm, failedNode.ID)
	}

	if err := m.nodeRepo.UpdateStatus(ctx, failedNode.ID, domain.NodeStatusOffline); err != nil {
		m.logger.Error("Failed to update node status", zap.Error(err))
	}
}

// evacuateVM submits an offline migration for a single VM. The source
// hypervisor is down, so a live transfer is impossible.
func (m *Manager) evacuateVM(ctx context.Context, vm *domain.VirtualMachine, failedNodeID string) {
	logger := m.logger.With(
		zap.String("vm_id", vm.ID),
		zap.String("vm_name", vm.Name),
	)

	result, err := m.placer.FindBestNode(ctx, vm, failedNodeID)
	if err != nil {
		logger.Error("Failed to find evacuation target", zap.Error(err))
		return
	}

	job, err := m.migrator.Start(ctx, domain.MigrationConfig{
		VMID:       vm.ID,
		TargetNode: result.NodeID,
		Type:       domain.MigrationTypeOffline,
		Force:      true,
	})
	if err != nil {
		logger.Error("Failed to submit evacuation migration",
			zap.String("target_node_id", result.NodeID),
			zap.Error(err),
		)
		return
	}

	logger.Info("Evacuation migration submitted",
		zap.String("job_id", job.ID),
		zap.String("target_node_id", result.NodeID),
	)
}

// GetNodeState returns a snapshot of a node's health state.
func (m *Manager) GetNodeState(nodeID string) (*NodeState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, exists := m.nodeStates[nodeID]
	if !exists {
		return nil, false
	}
	c := *state
	return &c, true
}

// GetAllNodeStates returns snapshots of all node states. The monitoring loop
// keeps mutating the live entries, so callers get copies.
func (m *Manager) GetAllNodeStates() map[string]*NodeState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]*NodeState, len(m.nodeStates))
	for k, v := range m.nodeStates {
		c := *v
		result[k] = &c
	}
	return result
}

// IsRunning returns true if the HA manager is running.
func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isRunning
}

// ManualFailover manually declares a node failed and evacuates it.
func (m *Manager) ManualFailover(ctx context.Context, nodeID string) error {
	node, err := m.nodeRepo.Get(ctx, nodeID)
	if err != nil {
		return fmt.Errorf("node not found: %w", err)
	}

	m.logger.Info("Manual failover initiated", zap.String("node_id", nodeID))

	m.mu.Lock()
	state, exists := m.nodeStates[nodeID]
	if !exists {
		state = &NodeState{
			NodeID:   node.ID,
			Hostname: node.Hostname,
		}
		m.nodeStates[nodeID] = state
	}
	state.Status = NodeHealthStatusFailed
	state.FailedChecks = m.config.FailureThreshold
	m.mu.Unlock()

	m.evacuate(ctx, node)
	return nil
}
