package scheduler

// Config controls placement decisions.
type Config struct {
	// PlacementStrategy is "spread", "pack" or "balance".
	PlacementStrategy string
	// OvercommitCPU multiplies physical cores into allocatable cores.
	OvercommitCPU float64
	// OvercommitMemory multiplies physical memory into allocatable memory.
	OvercommitMemory float64
}

// DefaultConfig returns the placement defaults.
func DefaultConfig() Config {
	return Config{
		PlacementStrategy: "spread",
		OvercommitCPU:     2.0,
		OvercommitMemory:  1.5,
	}
}
