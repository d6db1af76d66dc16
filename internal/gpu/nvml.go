package gpu

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/catalystcommunity/app-utils-go/logging"
)

// NVMLSource shells out to nvidia-smi rather than cgo-binding libnvidia-ml,
// so the daemon links cleanly on machines without the NVIDIA driver headers
// installed. It degrades to "no GPUs detected" (spec §7 ExternalToolError)
// the first time the binary is missing or fails, logging once rather than on
// every monitor tick.
type NVMLSource struct {
	mu          sync.Mutex
	warnedOnce  bool
}

// NewNVMLSource constructs an NVMLSource. Failures only surface at Refresh
// time, matching spec.md's "NVML handle is owned by the runtime and
// optional" design note.
func NewNVMLSource() *NVMLSource {
	return &NVMLSource{}
}

func (s *NVMLSource) Refresh(ctx context.Context) ([]Slot, error) {
	out, err := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=index,uuid,utilization.gpu", "--format=csv,noheader,nounits").Output()
	if err != nil {
		s.mu.Lock()
		if !s.warnedOnce {
			logging.Log.WithError(err).Warn("nvidia-smi unavailable, degrading to no GPUs detected")
			s.warnedOnce = true
		}
		s.mu.Unlock()
		return nil, fmt.Errorf("nvml: %w", err)
	}

	// A device with at least one compute process is reported unavailable.
	busy := make(map[string]bool)
	if apps, appsErr := exec.CommandContext(ctx, "nvidia-smi",
		"--query-compute-apps=gpu_uuid", "--format=csv,noheader").Output(); appsErr == nil {
		for _, line := range strings.Split(string(apps), "\n") {
			if u := strings.TrimSpace(line); u != "" {
				busy[u] = true
			}
		}
	}

	var slots []Slot
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) < 2 {
			continue
		}
		idx, convErr := strconv.ParseUint(strings.TrimSpace(fields[0]), 10, 32)
		if convErr != nil {
			continue
		}
		uuid := strings.TrimSpace(fields[1])
		slot := Slot{Index: uint32(idx), UUID: uuid, Available: !busy[uuid]}
		if busy[uuid] {
			slot.Reason = "compute process running"
		}
		slots = append(slots, slot)
	}
	return slots, nil
}
