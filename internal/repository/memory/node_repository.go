package memory

import (
	"context"
	"sync"
	"time"

	"github.com/CanuteTheGreat/horcrux-sub008/internal/domain"
)

// NodeRepository is an in-memory implementation of the node registry.
type NodeRepository struct {
	mu    sync.RWMutex
	nodes map[string]*domain.Node
}

// NewNodeRepository creates an empty in-memory node repository.
func NewNodeRepository() *NodeRepository {
	return &NodeRepository{nodes: make(map[string]*domain.Node)}
}

// Create stores a new node.
func (r *NodeRepository) Create(_ context.Context, node *domain.Node) (*domain.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.nodes[node.ID]; exists {
		return nil, domain.ErrAlreadyExists
	}
	now := time.Now()
	node.CreatedAt = now
	node.UpdatedAt = now
	r.nodes[node.ID] = cloneNode(node)
	return cloneNode(node), nil
}

// Get returns a node by ID.
func (r *NodeRepository) Get(_ context.Context, id string) (*domain.Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, ok := r.nodes[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneNode(node), nil
}

// List returns all nodes.
func (r *NodeRepository) List(_ context.Context) ([]*domain.Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.Node, 0, len(r.nodes))
	for _, node := range r.nodes {
		out = append(out, cloneNode(node))
	}
	return out, nil
}

// UpdateStatus sets the membership status of a node.
func (r *NodeRepository) UpdateStatus(_ context.Context, id string, status domain.NodeStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	node, ok := r.nodes[id]
	if !ok {
		return domain.ErrNotFound
	}
	node.Status = status
	node.UpdatedAt = time.Now()
	return nil
}

// Heartbeat records a heartbeat for a node.
func (r *NodeRepository) Heartbeat(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	node, ok := r.nodes[id]
	if !ok {
		return domain.ErrNotFound
	}
	now := time.Now()
	node.LastHeartbeat = &now
	node.UpdatedAt = now
	return nil
}

func cloneNode(node *domain.Node) *domain.Node {
	c := *node
	if node.LastHeartbeat != nil {
		t := *node.LastHeartbeat
		c.LastHeartbeat = &t
	}
	return &c
}
