package domain

import (
	"runtime"
	"time"
)

// Architecture identifies a CPU architecture.
type Architecture string

const (
	ArchX86_64  Architecture = "x86_64"
	ArchAarch64 Architecture = "aarch64"
	ArchRiscv64 Architecture = "riscv64"
	ArchPpc64le Architecture = "ppc64le"
	ArchUnknown Architecture = "unknown"
)

// DetectArchitecture returns the architecture of the local host.
func DetectArchitecture() Architecture {
	switch runtime.GOARCH {
	case "amd64":
		return ArchX86_64
	case "arm64":
		return ArchAarch64
	case "riscv64":
		return ArchRiscv64
	case "ppc64le":
		return ArchPpc64le
	default:
		return ArchUnknown
	}
}

// ParseArchitecture normalizes common aliases to a known architecture.
func ParseArchitecture(s string) Architecture {
	switch s {
	case "x86_64", "amd64", "x64":
		return ArchX86_64
	case "aarch64", "arm64", "armv8":
		return ArchAarch64
	case "riscv64", "rv64":
		return ArchRiscv64
	case "ppc64le", "powerpc64le":
		return ArchPpc64le
	default:
		return ArchUnknown
	}
}

// CanRun reports whether a host of this architecture can run a guest of the
// target architecture, natively or through QEMU emulation. x86_64 and aarch64
// hosts can emulate any guest; every other cross-architecture pair is
// incompatible.
func (a Architecture) CanRun(target Architecture) bool {
	if a == target {
		return true
	}
	return a == ArchX86_64 || a == ArchAarch64
}

// IsNative reports whether a guest of the target architecture runs without
// emulation on this host.
func (a Architecture) IsNative(target Architecture) bool {
	return a == target
}

// QEMUSystemBinary returns the qemu-system binary used to run guests of this
// architecture.
func (a Architecture) QEMUSystemBinary() string {
	switch a {
	case ArchAarch64:
		return "qemu-system-aarch64"
	case ArchRiscv64:
		return "qemu-system-riscv64"
	case ArchPpc64le:
		return "qemu-system-ppc64"
	default:
		return "qemu-system-x86_64"
	}
}

// NodeStatus represents the membership status of a node.
type NodeStatus string

const (
	NodeStatusOnline      NodeStatus = "ONLINE"
	NodeStatusOffline     NodeStatus = "OFFLINE"
	NodeStatusMaintenance NodeStatus = "MAINTENANCE"
	NodeStatusUnknown     NodeStatus = "UNKNOWN"
)

// Node represents a physical hypervisor host in the cluster. Nodes are owned
// by the cluster membership subsystem; the migration orchestrator only reads
// them.
type Node struct {
	ID               string       `json:"id"`
	Hostname         string       `json:"hostname"`
	Address          string       `json:"address"`
	Status           NodeStatus   `json:"status"`
	FailoverPriority int32        `json:"failover_priority"`
	Architecture     Architecture `json:"architecture"`
	CPUCores         int32        `json:"cpu_cores"`
	MemoryTotalBytes int64        `json:"memory_total_bytes"`
	IsLocal          bool         `json:"is_local"`

	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
}

// IsOnline returns true if the node is reachable and accepting work.
func (n *Node) IsOnline() bool {
	return n.Status == NodeStatusOnline
}
