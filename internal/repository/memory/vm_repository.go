package memory

import (
	"context"
	"sync"
	"time"

	"github.com/CanuteTheGreat/horcrux-sub008/internal/domain"
)

// VMRepository is an in-memory implementation of the VM inventory.
type VMRepository struct {
	mu  sync.RWMutex
	vms map[string]*domain.VirtualMachine
}

// NewVMRepository creates an empty in-memory VM repository.
func NewVMRepository() *VMRepository {
	return &VMRepository{vms: make(map[string]*domain.VirtualMachine)}
}

// Create stores a new VM.
func (r *VMRepository) Create(_ context.Context, vm *domain.VirtualMachine) (*domain.VirtualMachine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.vms[vm.ID]; exists {
		return nil, domain.ErrAlreadyExists
	}
	now := time.Now()
	vm.CreatedAt = now
	vm.UpdatedAt = now
	r.vms[vm.ID] = cloneVM(vm)
	return cloneVM(vm), nil
}

// Get returns a VM by ID.
func (r *VMRepository) Get(_ context.Context, id string) (*domain.VirtualMachine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	vm, ok := r.vms[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneVM(vm), nil
}

// ListByNode returns the VMs placed on a node.
func (r *VMRepository) ListByNode(_ context.Context, nodeID string) ([]*domain.VirtualMachine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.VirtualMachine
	for _, vm := range r.vms {
		if vm.Status.NodeID == nodeID {
			out = append(out, cloneVM(vm))
		}
	}
	return out, nil
}

// UpdateStatus sets the runtime status of a VM.
func (r *VMRepository) UpdateStatus(_ context.Context, id string, status domain.VMStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	vm, ok := r.vms[id]
	if !ok {
		return domain.ErrNotFound
	}
	vm.Status = status
	vm.UpdatedAt = time.Now()
	return nil
}

func cloneVM(vm *domain.VirtualMachine) *domain.VirtualMachine {
	c := *vm
	c.Spec.LocalDisks = make([]string, len(vm.Spec.LocalDisks))
	copy(c.Spec.LocalDisks, vm.Spec.LocalDisks)
	return &c
}
