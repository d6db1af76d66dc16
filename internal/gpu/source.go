// Package gpu provides GPU enumeration and compute-process detection for the
// runtime adapter (spec §4.2). The core never imports this package directly
// — only the runtime adapter does, keeping the core free of NVML awareness.
package gpu

import "context"

// Slot is one physical device as reported by a Source.
type Slot struct {
	UUID      string
	Index     uint32
	Available bool // no compute process currently using the device
	Reason    string
}

// Source enumerates GPU devices and their compute-process occupancy. Calls
// may block on hardware/driver I/O, so they always take a context.
type Source interface {
	// Refresh returns the current slot list. An ExternalToolError-style
	// failure (NVML missing, driver not loaded) is reported as a nil slice
	// and a non-nil error; callers degrade to "no GPUs detected" rather than
	// treat it as fatal.
	Refresh(ctx context.Context) ([]Slot, error)
}
