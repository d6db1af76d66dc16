package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gflowd/gflowd/internal/models"
)

func TestCreateReservationRejectsBothCountAndIndices(t *testing.T) {
	s := newTestStore(8192, 4)
	_, err := s.CreateReservation("alice", 1, []uint32{0}, time.Now(), time.Hour)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestCreateReservationRejectsNeitherCountNorIndices(t *testing.T) {
	s := newTestStore(8192, 4)
	_, err := s.CreateReservation("alice", 0, nil, time.Now(), time.Hour)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestCreateReservationRejectsNonPositiveDuration(t *testing.T) {
	s := newTestStore(8192, 4)
	_, err := s.CreateReservation("alice", 1, nil, time.Now(), 0)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestCreateReservationRejectsUnknownIndex(t *testing.T) {
	s := newTestStore(8192, 2)
	_, err := s.CreateReservation("alice", 0, []uint32{9}, time.Now(), time.Hour)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestCreateReservationRejectsDisallowedIndex(t *testing.T) {
	s := newTestStore(8192, 4)
	s.SetAllowedGPUIndices([]uint32{0, 1})
	_, err := s.CreateReservation("alice", 0, []uint32{2}, time.Now(), time.Hour)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestUpdateReservationStatusesResolvesCountBasedReservation(t *testing.T) {
	s := newTestStore(8192, 4)
	start := time.Now().Add(time.Minute)
	res, err := s.CreateReservation("alice", 2, nil, start, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationPending, res.Status)
	assert.Empty(t, res.ResolvedIndices)

	changed := s.UpdateReservationStatuses(start.Add(time.Second))
	require.Contains(t, changed, res.ID)

	activated, ok := s.Reservation(res.ID)
	require.True(t, ok)
	assert.Equal(t, models.ReservationActive, activated.Status)
	assert.Len(t, activated.ResolvedIndices, 2)
}

func TestUpdateReservationStatusesCompletesAfterWindow(t *testing.T) {
	s := newTestStore(8192, 4)
	start := time.Now()
	res, err := s.CreateReservation("alice", 0, []uint32{0}, start, time.Minute)
	require.NoError(t, err)

	s.UpdateReservationStatuses(start.Add(2 * time.Minute))
	completed, ok := s.Reservation(res.ID)
	require.True(t, ok)
	assert.Equal(t, models.ReservationCompleted, completed.Status)
}

func TestCancelReservationIsSticky(t *testing.T) {
	s := newTestStore(8192, 4)
	res, err := s.CreateReservation("alice", 0, []uint32{0}, time.Now(), time.Hour)
	require.NoError(t, err)

	cancelled, ok := s.CancelReservation(res.ID)
	require.True(t, ok)
	assert.Equal(t, models.ReservationCancelled, cancelled.Status)

	s.UpdateReservationStatuses(time.Now().Add(2 * time.Hour))
	still, ok := s.Reservation(res.ID)
	require.True(t, ok)
	assert.Equal(t, models.ReservationCancelled, still.Status)
}

func TestCancelReservationRejectsAlreadyTerminal(t *testing.T) {
	s := newTestStore(8192, 4)
	res, err := s.CreateReservation("alice", 0, []uint32{0}, time.Now(), time.Hour)
	require.NoError(t, err)
	_, ok := s.CancelReservation(res.ID)
	require.True(t, ok)
	_, ok = s.CancelReservation(res.ID)
	assert.False(t, ok)
}

func TestReservationBlocksSchedulingOfThatIndex(t *testing.T) {
	s := newTestStore(8192, 1)
	_, err := s.CreateReservation("alice", 0, []uint32{0}, time.Now(), time.Hour)
	require.NoError(t, err)

	job := simpleJob("a")
	job.GPUs = 1
	_, err = s.SubmitJob(job)
	require.NoError(t, err)

	results := s.ScheduleJobs(&fakeExecutor{})
	assert.Empty(t, results, "the only GPU is withheld by an active reservation")
}

func TestCleanupOldReservationsRemovesOnlyExpiredTerminal(t *testing.T) {
	s := newTestStore(8192, 2)
	start := time.Now().Add(-2 * time.Hour)
	res, err := s.CreateReservation("alice", 0, []uint32{0}, start, time.Hour)
	require.NoError(t, err)
	s.UpdateReservationStatuses(time.Now())

	removed := s.CleanupOldReservations(time.Now(), time.Minute)
	assert.Equal(t, 1, removed)
	_, ok := s.Reservation(res.ID)
	assert.False(t, ok)
}

func TestCleanupOldReservationsKeepsActive(t *testing.T) {
	s := newTestStore(8192, 2)
	res, err := s.CreateReservation("alice", 0, []uint32{0}, time.Now(), time.Hour)
	require.NoError(t, err)

	removed := s.CleanupOldReservations(time.Now(), time.Minute)
	assert.Equal(t, 0, removed)
	_, ok := s.Reservation(res.ID)
	assert.True(t, ok)
}
