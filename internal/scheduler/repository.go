package scheduler

import (
	"context"

	"github.com/CanuteTheGreat/horcrux-sub008/internal/domain"
)

// NodeRepository provides the node views the scheduler reads.
type NodeRepository interface {
	Get(ctx context.Context, id string) (*domain.Node, error)
	List(ctx context.Context) ([]*domain.Node, error)
}

// VMRepository provides the VM views the scheduler reads.
type VMRepository interface {
	ListByNode(ctx context.Context, nodeID string) ([]*domain.VirtualMachine, error)
}
