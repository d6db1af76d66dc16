package scheduler

import (
	"fmt"
	"time"

	"github.com/gflowd/gflowd/internal/models"
)

// CreateReservation validates and inserts a time-windowed GPU reservation
// for user (spec §3). Exactly one of count or indices must be positive/set;
// indices, if given, must be known, allowed slots.
func (s *Store) CreateReservation(user string, count int, indices []uint32, start time.Time, duration time.Duration) (*models.Reservation, error) {
	if (count > 0) == (len(indices) > 0) {
		return nil, fmt.Errorf("%w: exactly one of count or indices must be set", ErrInvalidInput)
	}
	if duration <= 0 {
		return nil, fmt.Errorf("%w: duration must be positive", ErrInvalidInput)
	}
	if count > s.maxGpuCount() {
		return nil, fmt.Errorf("%w: requested %d, only %d indices available", ErrGpuCountUnsatisfiable, count, s.maxGpuCount())
	}
	for _, idx := range indices {
		if _, ok := s.gpuSlots[idx]; !ok {
			return nil, fmt.Errorf("%w: unknown GPU index %d", ErrInvalidInput, idx)
		}
		if s.allowedGPUIndices != nil && !containsUint32(*s.allowedGPUIndices, idx) {
			return nil, fmt.Errorf("%w: GPU index %d is not admin-allowed", ErrInvalidInput, idx)
		}
	}

	r := &models.Reservation{
		ID:        s.nextReservationID,
		User:      user,
		Start:     start,
		Duration:  duration,
		Status:    models.ReservationPending,
		CreatedAt: s.now(),
	}
	if count > 0 {
		c := count
		r.RequestedCount = &c
	} else {
		r.Indices = append([]uint32(nil), indices...)
	}
	r.Status = r.DeriveStatus(s.now())

	s.nextReservationID++
	s.reservations[r.ID] = r
	if s.reservationsByUser[user] == nil {
		s.reservationsByUser[user] = make(map[uint32]bool)
	}
	s.reservationsByUser[user][r.ID] = true
	s.dirty = true
	return r.Clone(), nil
}

// Reservation looks up a single reservation by id.
func (s *Store) Reservation(id uint32) (*models.Reservation, bool) {
	r, ok := s.reservations[id]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// ListReservations returns all reservations for user in ascending id order,
// or every reservation if user is empty.
func (s *Store) ListReservations(user string) []*models.Reservation {
	var ids map[uint32]bool
	if user != "" {
		ids = s.reservationsByUser[user]
	}
	var keys []uint32
	if ids != nil {
		for id := range ids {
			keys = append(keys, id)
		}
	} else {
		for id := range s.reservations {
			keys = append(keys, id)
		}
	}
	sortUint32s(keys)
	out := make([]*models.Reservation, 0, len(keys))
	for _, id := range keys {
		out = append(out, s.reservations[id].Clone())
	}
	return out
}

// CancelReservation marks a reservation Cancelled; cancellation is sticky
// and takes effect immediately regardless of the current window.
func (s *Store) CancelReservation(id uint32) (*models.Reservation, bool) {
	r, ok := s.reservations[id]
	if !ok || r.Status == models.ReservationCancelled || r.Status == models.ReservationCompleted {
		return nil, false
	}
	r.Status = models.ReservationCancelled
	now := s.now()
	r.CancelledAt = &now
	s.dirty = true
	return r.Clone(), true
}

// UpdateReservationStatuses recomputes every reservation's status against
// now, resolving RequestedCount-based reservations to concrete indices the
// moment they go Pending->Active. Returns the ids whose status changed, for
// the caller to publish ReservationCreated/ReservationCancelled-style
// notifications from (spec §4.4 reservation monitor).
func (s *Store) UpdateReservationStatuses(now time.Time) []uint32 {
	var changed []uint32
	for _, r := range s.reservations {
		next := r.DeriveStatus(now)
		if next == r.Status {
			continue
		}
		if r.Status == models.ReservationPending && next == models.ReservationActive && r.RequestedCount != nil {
			r.ResolvedIndices = s.pickFreeIndices(*r.RequestedCount, now)
		}
		r.Status = next
		changed = append(changed, r.ID)
		s.dirty = true
	}
	return changed
}

// pickFreeIndices chooses the lowest-indexed count GPUs not already claimed
// by a Running job or withheld by another already-active reservation, the
// same deterministic selection ScheduleJobs uses for job assignment.
func (s *Store) pickFreeIndices(count int, now time.Time) []uint32 {
	free := s.eligibleGpuIndices(now)
	if count > len(free) {
		return append([]uint32(nil), free...)
	}
	return append([]uint32(nil), free[:count]...)
}

// CleanupOldReservations removes Completed or Cancelled reservations whose
// window ended more than retention ago, bounding unbounded memory growth
// (spec §4.1 housekeeping).
func (s *Store) CleanupOldReservations(now time.Time, retention time.Duration) int {
	var removed int
	for id, r := range s.reservations {
		if r.Status != models.ReservationCompleted && r.Status != models.ReservationCancelled {
			continue
		}
		cutoff := r.End()
		if r.CancelledAt != nil && r.CancelledAt.Before(cutoff) {
			cutoff = *r.CancelledAt
		}
		if now.Sub(cutoff) > retention {
			delete(s.reservations, id)
			if m := s.reservationsByUser[r.User]; m != nil {
				delete(m, id)
			}
			removed++
		}
	}
	if removed > 0 {
		s.dirty = true
	}
	return removed
}
