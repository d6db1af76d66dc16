package models

import "time"

type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "pending"
	ReservationActive    ReservationStatus = "active"
	ReservationCompleted ReservationStatus = "completed"
	ReservationCancelled ReservationStatus = "cancelled"
)

// Reservation is a time-windowed GPU claim by a user (spec §3). Either
// RequestedCount or Indices is set, never both.
type Reservation struct {
	ID             uint32            `json:"id"`
	User           string            `json:"user"`
	RequestedCount *int              `json:"requested_count,omitempty"`
	Indices        []uint32          `json:"indices,omitempty"`
	Start          time.Time         `json:"start"`
	Duration       time.Duration     `json:"duration"`
	Status         ReservationStatus `json:"status"`
	CreatedAt      time.Time         `json:"created_at"`
	CancelledAt    *time.Time        `json:"cancelled_at,omitempty"`

	// ResolvedIndices is filled in the moment a RequestedCount-based
	// reservation transitions Pending->Active: the scheduler picks that many
	// free indices and holds them fixed for the rest of the window, so a
	// count-based reservation behaves exactly like an index-based one once
	// active.
	ResolvedIndices []uint32 `json:"resolved_indices,omitempty"`
}

// BlockedIndices returns the indices this reservation currently withholds
// from scheduling: Indices if set, else ResolvedIndices once activated, else
// none (a still-Pending count-based reservation blocks nothing yet).
func (r *Reservation) BlockedIndices() []uint32 {
	if len(r.Indices) > 0 {
		return r.Indices
	}
	return r.ResolvedIndices
}

// End returns the reservation's window end: start + duration.
func (r *Reservation) End() time.Time {
	return r.Start.Add(r.Duration)
}

// Overlaps reports whether the reservation's window overlaps [start, end).
func (r *Reservation) Overlaps(start, end time.Time) bool {
	return r.Start.Before(end) && start.Before(r.End())
}

// DeriveStatus computes Pending/Active/Completed from the current time,
// leaving a Cancelled status untouched (cancellation is sticky, spec §3).
func (r *Reservation) DeriveStatus(now time.Time) ReservationStatus {
	if r.Status == ReservationCancelled {
		return ReservationCancelled
	}
	switch {
	case now.Before(r.Start):
		return ReservationPending
	case now.Before(r.End()):
		return ReservationActive
	default:
		return ReservationCompleted
	}
}

// Clone returns a copy safe to hand outside the store's lock.
func (r *Reservation) Clone() *Reservation {
	c := *r
	if r.RequestedCount != nil {
		v := *r.RequestedCount
		c.RequestedCount = &v
	}
	if r.Indices != nil {
		c.Indices = append([]uint32(nil), r.Indices...)
	}
	if r.ResolvedIndices != nil {
		c.ResolvedIndices = append([]uint32(nil), r.ResolvedIndices...)
	}
	if r.CancelledAt != nil {
		v := *r.CancelledAt
		c.CancelledAt = &v
	}
	return &c
}
