// Package events implements the scheduler's broadcast event bus (spec §4.3):
// a bounded-channel fan-out where slow subscribers are told they lagged
// rather than block the publisher. Events are hints that trigger idempotent
// work — schedule_jobs() is always safe to re-run — never the sole source
// of truth, so a dropped event is recoverable on the next periodic tick.
package events

import (
	"sync"
)

// Kind identifies the type of a SchedulerEvent.
type Kind string

const (
	JobSubmitted            Kind = "job_submitted"
	JobStateChanged         Kind = "job_state_changed"
	JobCompleted            Kind = "job_completed"
	JobTimedOut             Kind = "job_timed_out"
	ZombieJobDetected       Kind = "zombie_job_detected"
	GpuAvailabilityChanged  Kind = "gpu_availability_changed"
	MemoryAvailabilityChanged Kind = "memory_availability_changed"
	ReservationCreated      Kind = "reservation_created"
	ReservationCancelled    Kind = "reservation_cancelled"
	PeriodicHealthCheck     Kind = "periodic_health_check"
)

// Event is a single tagged scheduler notification. Only the fields
// relevant to Kind are populated; everything else is the zero value.
type Event struct {
	Kind Kind `json:"kind"`

	JobID      uint32   `json:"job_id,omitempty"`
	Submitter  string   `json:"submitter,omitempty"`
	OldState   string   `json:"old_state,omitempty"`
	NewState   string   `json:"new_state,omitempty"`
	RunName    string   `json:"run_name,omitempty"`
	GpuIDs     []uint32 `json:"gpu_ids,omitempty"`
	MemoryMB   int      `json:"memory_mb,omitempty"`

	GpuIndex     uint32 `json:"gpu_index,omitempty"`
	GpuAvailable bool   `json:"gpu_available,omitempty"`

	AvailableMemoryMB int `json:"available_memory_mb,omitempty"`

	ReservationID uint32 `json:"reservation_id,omitempty"`
}

// Lagged is delivered in place of an Event when a subscriber's buffer
// overflowed. Each overflow queues its own marker with N set to 1; markers
// are not merged, so N does not count how many events were lost. The
// subscriber should resume from current full-state, not try to replay.
type Lagged struct {
	N int
}

// subscriberBuffer is the default channel depth for new subscriptions.
const subscriberBuffer = 64

// Bus is a broadcast channel of Event values. The zero value is not usable;
// construct with NewBus.
type Bus struct {
	mu          sync.Mutex
	subscribers map[int]chan any
	nextID      int
}

// NewBus constructs an empty event bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[int]chan any)}
}

// Subscription is a handle returned by Subscribe. Call Close when the
// subscriber is done to release its channel.
type Subscription struct {
	id   int
	bus  *Bus
	C    <-chan any
}

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if ch, ok := s.bus.subscribers[s.id]; ok {
		delete(s.bus.subscribers, s.id)
		close(ch)
	}
}

// Subscribe registers a new subscriber and returns a handle whose channel
// delivers Event values and, on overflow, a *Lagged value.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan any, subscriberBuffer)
	id := b.nextID
	b.nextID++
	b.subscribers[id] = ch
	return &Subscription{id: id, bus: b, C: ch}
}

// Publish fans an event out to every live subscriber without blocking. For
// a subscriber whose buffer is full, its oldest pending item is discarded,
// ev is not delivered to it, and a Lagged marker is queued in the freed
// slot if there is still room; no lag count is carried to later sends.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			dropOldest(ch)
		}
	}
}

// dropOldest makes room in a full subscriber channel by discarding its
// oldest pending event and pushing a Lagged marker in its place.
func dropOldest(ch chan any) {
	// Try to find an existing Lagged marker at the tail; since channels
	// don't support peeking the last element, we instead drain one slot
	// (the oldest pending event) to make room, then push a Lagged count of
	// 1. Repeated overflows before the subscriber catches up will keep
	// doing this, so the subscriber always sees at least one Lagged entry
	// bounding how much it missed.
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- &Lagged{N: 1}:
	default:
	}
}
