package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReservationDeriveStatus(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	r := &Reservation{Start: start, Duration: time.Hour}

	assert.Equal(t, ReservationPending, r.DeriveStatus(start.Add(-time.Minute)))
	assert.Equal(t, ReservationActive, r.DeriveStatus(start.Add(30*time.Minute)))
	assert.Equal(t, ReservationCompleted, r.DeriveStatus(start.Add(2*time.Hour)))
}

func TestReservationDeriveStatusCancelledIsSticky(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	r := &Reservation{Start: start, Duration: time.Hour, Status: ReservationCancelled}
	assert.Equal(t, ReservationCancelled, r.DeriveStatus(start.Add(30*time.Minute)))
}

func TestReservationBlockedIndices(t *testing.T) {
	r := &Reservation{Indices: []uint32{2, 3}}
	assert.Equal(t, []uint32{2, 3}, r.BlockedIndices())

	count := 2
	r2 := &Reservation{RequestedCount: &count, ResolvedIndices: []uint32{5, 6}}
	assert.Equal(t, []uint32{5, 6}, r2.BlockedIndices())

	r3 := &Reservation{RequestedCount: &count}
	assert.Empty(t, r3.BlockedIndices())
}

func TestReservationOverlaps(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	r := &Reservation{Start: start, Duration: time.Hour}

	assert.True(t, r.Overlaps(start.Add(-30*time.Minute), start.Add(30*time.Minute)))
	assert.True(t, r.Overlaps(start.Add(30*time.Minute), start.Add(90*time.Minute)))
	assert.False(t, r.Overlaps(start.Add(-2*time.Hour), start.Add(-time.Hour)))
	assert.False(t, r.Overlaps(start.Add(2*time.Hour), start.Add(3*time.Hour)))
}
