package domain

import (
	"time"
)

// VMState represents the power state of a virtual machine.
type VMState string

const (
	VMStatePending   VMState = "PENDING"
	VMStateStarting  VMState = "STARTING"
	VMStateRunning   VMState = "RUNNING"
	VMStateStopping  VMState = "STOPPING"
	VMStateStopped   VMState = "STOPPED"
	VMStatePaused    VMState = "PAUSED"
	VMStateMigrating VMState = "MIGRATING"
	VMStateError     VMState = "ERROR"
)

// VirtualMachine represents a virtual machine in the system. The migration
// orchestrator reads VM records; lifecycle mutations go through the
// hypervisor backend.
type VirtualMachine struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Architecture Architecture `json:"architecture"`

	Spec   VMSpec   `json:"spec"`
	Status VMStatus `json:"status"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// VMSpec represents the resource configuration of a virtual machine.
type VMSpec struct {
	CPUCores    int32 `json:"cpu_cores"`
	MemoryMiB   int64 `json:"memory_mib"`
	DiskSizeGiB int64 `json:"disk_size_gib"`
	// LocalDisks lists node-local disk image paths. Empty means all storage
	// is shared and migrations need no disk transfer.
	LocalDisks      []string `json:"local_disks,omitempty"`
	HAEnabled       bool     `json:"ha_enabled"`
	RestartPriority int32    `json:"restart_priority,omitempty"`
}

// VMStatus represents the current runtime status of a virtual machine.
type VMStatus struct {
	State   VMState `json:"state"`
	NodeID  string  `json:"node_id,omitempty"`
	Message string  `json:"message,omitempty"`
}

// IsRunning returns true if the VM is executing on a node.
func (vm *VirtualMachine) IsRunning() bool {
	return vm.Status.State == VMStateRunning
}
