package gpu

import (
	"context"
	"fmt"
)

// StaticSource reports a fixed device list, for hosts where only a device
// count needs to be declared (or for tests, where a real driver isn't
// available).
type StaticSource struct {
	slots []Slot
}

// NewStaticSource builds n fake, always-available devices with synthetic
// UUIDs.
func NewStaticSource(n int) *StaticSource {
	slots := make([]Slot, n)
	for i := 0; i < n; i++ {
		slots[i] = Slot{
			UUID:      fmt.Sprintf("GPU-static-%d", i),
			Index:     uint32(i),
			Available: true,
		}
	}
	return &StaticSource{slots: slots}
}

func (s *StaticSource) Refresh(ctx context.Context) ([]Slot, error) {
	out := make([]Slot, len(s.slots))
	copy(out, s.slots)
	return out, nil
}
