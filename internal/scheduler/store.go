// Package scheduler implements the scheduler core (spec §4.1): an
// in-memory store of jobs, reservations and GPU slots, the scheduling
// decision engine, and the synchronous mutation API the runtime adapter
// drives under its reader-writer lock. Nothing here performs I/O or blocks
// — it is pure, synchronous state manipulation, safe to call repeatedly
// (schedule_jobs in particular is always safe to re-run).
package scheduler

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gflowd/gflowd/internal/models"
)

// Executor is the capability the scheduling algorithm invokes to launch a
// job once resources are assigned (spec §6). Implementations must return
// quickly — Execute only has to get a detached session started, not wait
// for the job to finish.
type Executor interface {
	Execute(job *models.Job) error
}

// Store is the scheduler's exclusive owner of job, reservation and GPU slot
// records (spec §3 Ownership). The zero value is not usable; construct with
// New.
type Store struct {
	jobs map[uint32]*models.Job

	// secondary indices, kept consistent on every mutation
	jobsByState map[models.JobState]map[uint32]bool
	jobsByUser  map[string]map[uint32]bool
	dependents  map[uint32]map[uint32]bool // depID -> set of job IDs that list it

	reservations       map[uint32]*models.Reservation
	reservationsByUser map[string]map[uint32]bool

	gpuSlots      map[uint32]*models.GpuSlot // keyed by physical index
	gpuSlotUUIDs  map[string]uint32          // uuid -> index, for NVML refresh

	totalMemoryMB     int
	availableMemoryMB int

	groupRunning map[uuid.UUID]int

	nextJobID         uint32
	nextReservationID uint32

	allowedGPUIndices *[]uint32 // nil = all indices allowed

	dirty bool

	// now is swappable in tests; defaults to time.Now.
	now func() time.Time
}

// New constructs an empty Store with the given total memory budget and
// initial GPU slot inventory.
func New(totalMemoryMB int, slots []models.GpuSlot) *Store {
	s := &Store{
		jobs:               make(map[uint32]*models.Job),
		jobsByState:        make(map[models.JobState]map[uint32]bool),
		jobsByUser:         make(map[string]map[uint32]bool),
		dependents:         make(map[uint32]map[uint32]bool),
		reservations:       make(map[uint32]*models.Reservation),
		reservationsByUser: make(map[string]map[uint32]bool),
		gpuSlots:           make(map[uint32]*models.GpuSlot),
		gpuSlotUUIDs:       make(map[string]uint32),
		totalMemoryMB:      totalMemoryMB,
		availableMemoryMB:  totalMemoryMB,
		groupRunning:       make(map[uuid.UUID]int),
		nextJobID:          1,
		nextReservationID:  1,
		now:                time.Now,
	}
	for _, slot := range slots {
		cp := slot
		s.gpuSlots[slot.Index] = &cp
		s.gpuSlotUUIDs[slot.UUID] = slot.Index
	}
	return s
}

// SetClock overrides the wall clock used for timestamps; intended for tests.
func (s *Store) SetClock(fn func() time.Time) { s.now = fn }

// Dirty reports whether state has changed since the last ClearDirty call.
func (s *Store) Dirty() bool { return s.dirty }

// ClearDirty resets the dirty flag; called by the state-saver just before
// it takes the snapshot it writes (spec §4.5).
func (s *Store) ClearDirty() { s.dirty = false }

// NextJobID exposes the monotonic counter for persistence round-trips and
// for restoring it across restarts without ever decreasing it (spec §3).
func (s *Store) NextJobID() uint32 { return s.nextJobID }

// RestoreNextJobID sets the counter on load; the caller must ensure it is
// never lower than any id already present in the loaded jobs.
func (s *Store) RestoreNextJobID(id uint32) {
	if id > s.nextJobID {
		s.nextJobID = id
	}
}

// AllowedGPUIndices returns the current admin restriction, or nil for "all".
func (s *Store) AllowedGPUIndices() []uint32 {
	if s.allowedGPUIndices == nil {
		return nil
	}
	return append([]uint32(nil), *s.allowedGPUIndices...)
}

// SetAllowedGPUIndices applies an admin restriction; nil clears it.
func (s *Store) SetAllowedGPUIndices(indices []uint32) {
	if indices == nil {
		s.allowedGPUIndices = nil
		return
	}
	cp := append([]uint32(nil), indices...)
	s.allowedGPUIndices = &cp
	s.dirty = true
}

// GpuSlots returns a snapshot of all known GPU slots, ordered by index.
func (s *Store) GpuSlots() []models.GpuSlot {
	out := make([]models.GpuSlot, 0, len(s.gpuSlots))
	for _, slot := range s.gpuSlots {
		out = append(out, *slot)
	}
	sortGpuSlots(out)
	return out
}

// RefreshGpuSlot updates a slot's availability/reason, keyed by index and
// recording the UUID alongside, inserting it if the index wasn't previously
// known (NVML hot-plug). It
// returns true if the availability flag actually changed, which is the
// trigger condition for a GpuAvailabilityChanged event (spec §4.4).
func (s *Store) RefreshGpuSlot(uuidStr string, index uint32, available bool, reason string) (changed bool) {
	slot, ok := s.gpuSlots[index]
	if !ok {
		s.gpuSlots[index] = &models.GpuSlot{UUID: uuidStr, Index: index, Available: available, Reason: reason}
		s.gpuSlotUUIDs[uuidStr] = index
		return true
	}
	changed = slot.Available != available
	slot.Available = available
	slot.Reason = reason
	slot.UUID = uuidStr
	s.gpuSlotUUIDs[uuidStr] = index
	return changed
}

// TotalMemoryMB returns the configured total system memory budget.
func (s *Store) TotalMemoryMB() int { return s.totalMemoryMB }

// AvailableMemoryMB returns the cached available memory figure (spec §8
// testable property: total - sum(running jobs' memory_limit_mb)).
func (s *Store) AvailableMemoryMB() int { return s.availableMemoryMB }

// SetTotalMemoryMB adjusts the memory budget, shifting the cached available
// figure by the same delta (used when the operator reconfigures the host).
func (s *Store) SetTotalMemoryMB(mb int) {
	delta := mb - s.totalMemoryMB
	s.totalMemoryMB = mb
	s.availableMemoryMB += delta
	s.dirty = true
}

// Job looks up a single job by id.
func (s *Store) Job(id uint32) (*models.Job, bool) {
	j, ok := s.jobs[id]
	if !ok {
		return nil, false
	}
	return j.Clone(), true
}

// ListJobsFilter narrows ListJobs' results; zero values are "no filter".
type ListJobsFilter struct {
	State        models.JobState
	User         string
	CreatedAfter *time.Time
	Limit        int
	Offset       int
}

// ListJobs returns jobs matching filter, in ascending id order (spec §6).
func (s *Store) ListJobs(filter ListJobsFilter) []*models.Job {
	var candidates map[uint32]bool
	switch {
	case filter.State != "" && filter.User != "":
		candidates = intersect(s.jobsByState[filter.State], s.jobsByUser[filter.User])
	case filter.State != "":
		candidates = s.jobsByState[filter.State]
	case filter.User != "":
		candidates = s.jobsByUser[filter.User]
	}

	var ids []uint32
	if candidates != nil {
		for id := range candidates {
			ids = append(ids, id)
		}
	} else {
		for id := range s.jobs {
			ids = append(ids, id)
		}
	}
	sortUint32s(ids)

	out := make([]*models.Job, 0, len(ids))
	for _, id := range ids {
		job := s.jobs[id]
		if filter.CreatedAfter != nil && !job.SubmittedAt.After(*filter.CreatedAfter) {
			continue
		}
		out = append(out, job.Clone())
	}

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out
}

func intersect(a, b map[uint32]bool) map[uint32]bool {
	out := make(map[uint32]bool)
	small, big := a, b
	if len(b) < len(a) {
		small, big = b, a
	}
	for id := range small {
		if big[id] {
			out[id] = true
		}
	}
	return out
}

func (s *Store) insertJob(job *models.Job) {
	s.jobs[job.ID] = job
	s.indexState(job.ID, job.State)
	if s.jobsByUser[job.Submitter] == nil {
		s.jobsByUser[job.Submitter] = make(map[uint32]bool)
	}
	s.jobsByUser[job.Submitter][job.ID] = true
	for _, dep := range job.DependsOnIDs {
		if s.dependents[dep] == nil {
			s.dependents[dep] = make(map[uint32]bool)
		}
		s.dependents[dep][job.ID] = true
	}
}

// RestoreJob reinstalls a job loaded from a persisted snapshot, including
// the resource accounting a live Running job would otherwise only pick up
// by going through ScheduleJobs. Only called once, at startup, before any
// scheduling pass runs.
func (s *Store) RestoreJob(job *models.Job) {
	s.insertJob(job)
	if job.ID >= s.nextJobID {
		s.nextJobID = job.ID + 1
	}
	if job.State != models.StateRunning {
		return
	}
	if job.MemoryLimitMB != nil {
		s.availableMemoryMB -= *job.MemoryLimitMB
	}
	if job.GroupID != nil {
		s.groupRunning[*job.GroupID]++
	}
}

// RestoreReservation reinstalls a reservation loaded from a persisted
// snapshot.
func (s *Store) RestoreReservation(r *models.Reservation) {
	s.reservations[r.ID] = r
	if s.reservationsByUser[r.User] == nil {
		s.reservationsByUser[r.User] = make(map[uint32]bool)
	}
	s.reservationsByUser[r.User][r.ID] = true
	if r.ID >= s.nextReservationID {
		s.nextReservationID = r.ID + 1
	}
}

func (s *Store) indexState(id uint32, state models.JobState) {
	if s.jobsByState[state] == nil {
		s.jobsByState[state] = make(map[uint32]bool)
	}
	s.jobsByState[state][id] = true
}

func (s *Store) reindexState(id uint32, from, to models.JobState) {
	if m := s.jobsByState[from]; m != nil {
		delete(m, id)
	}
	s.indexState(id, to)
}

func (s *Store) reindexDependents(id uint32, oldDeps, newDeps []uint32) {
	for _, dep := range oldDeps {
		if m := s.dependents[dep]; m != nil {
			delete(m, id)
		}
	}
	for _, dep := range newDeps {
		if s.dependents[dep] == nil {
			s.dependents[dep] = make(map[uint32]bool)
		}
		s.dependents[dep][id] = true
	}
}

func sortUint32s(ids []uint32) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
}

func sortGpuSlots(slots []models.GpuSlot) {
	for i := 1; i < len(slots); i++ {
		for j := i; j > 0 && slots[j-1].Index > slots[j].Index; j-- {
			slots[j-1], slots[j] = slots[j], slots[j-1]
		}
	}
}

// debugState summarises the store's job, reservation and memory figures in
// one line for debugging; nothing in the package calls it.
func (s *Store) debugState() string {
	return fmt.Sprintf("jobs=%d reservations=%d availMemMB=%d", len(s.jobs), len(s.reservations), s.availableMemoryMB)
}
