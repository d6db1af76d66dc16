// Package runtime wraps the pure scheduler core with the concurrency,
// executor injection, and GPU introspection it needs to run as a live
// daemon (SPEC_FULL.md §4.2). The core itself does no I/O and holds no
// lock; Runtime owns a sync.RWMutex around it instead.
package runtime

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/google/uuid"

	"github.com/gflowd/gflowd/internal/events"
	"github.com/gflowd/gflowd/internal/executor"
	"github.com/gflowd/gflowd/internal/gpu"
	"github.com/gflowd/gflowd/internal/metrics"
	"github.com/gflowd/gflowd/internal/models"
	"github.com/gflowd/gflowd/internal/persistence"
	"github.com/gflowd/gflowd/internal/scheduler"
)

// Runtime is the daemon-facing handle on the scheduler core: every mutating
// call takes the write lock, every read call takes the read lock, and
// nothing holds the lock across I/O (executor.Execute is expected to launch
// and return quickly, per its own contract).
type Runtime struct {
	mu    sync.RWMutex
	core  *scheduler.Store
	exec  executor.Executor
	gpus  gpu.Source
	bus   *events.Bus
	clock func() time.Time
}

func New(core *scheduler.Store, exec executor.Executor, gpuSource gpu.Source, bus *events.Bus) *Runtime {
	return &Runtime{core: core, exec: exec, gpus: gpuSource, bus: bus, clock: time.Now}
}

// Dirty and ClearDirty satisfy persistence.Dirtyable, letting the state
// saver poll for pending changes without reaching into the core directly.
func (r *Runtime) Dirty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.core.Dirty()
}

func (r *Runtime) ClearDirty() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.core.ClearDirty()
}

func (r *Runtime) SetClock(fn func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clock = fn
	r.core.SetClock(fn)
}

// --- read-only queries (RLock) ---

func (r *Runtime) Job(id uint32) (*models.Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.core.Job(id)
}

func (r *Runtime) ListJobs(filter scheduler.ListJobsFilter) []*models.Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.core.ListJobs(filter)
}

func (r *Runtime) GpuSlots() []models.GpuSlot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.core.GpuSlots()
}

func (r *Runtime) TotalMemoryMB() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.core.TotalMemoryMB()
}

func (r *Runtime) AvailableMemoryMB() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.core.AvailableMemoryMB()
}

func (r *Runtime) Reservation(id uint32) (*models.Reservation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.core.Reservation(id)
}

func (r *Runtime) ListReservations(user string) []*models.Reservation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.core.ListReservations(user)
}

func (r *Runtime) AllowedGPUIndices() []uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.core.AllowedGPUIndices()
}

// --- mutating operations (Lock) ---

func (r *Runtime) SubmitJob(job *models.Job) (*models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out, err := r.core.SubmitJob(job)
	if err == nil {
		r.bus.Publish(events.Event{Kind: events.JobSubmitted, JobID: out.ID, Submitter: out.Submitter})
		metrics.JobsSubmitted.WithLabelValues(out.Submitter).Inc()
		r.refreshQueueDepthLocked()
	}
	return out, err
}

func (r *Runtime) SubmitJobsBatch(jobs []*models.Job) ([]*models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out, err := r.core.SubmitJobsBatch(jobs)
	if err == nil {
		for _, j := range out {
			r.bus.Publish(events.Event{Kind: events.JobSubmitted, JobID: j.ID, Submitter: j.Submitter})
			metrics.JobsSubmitted.WithLabelValues(j.Submitter).Inc()
		}
		r.refreshQueueDepthLocked()
	}
	return out, err
}

func (r *Runtime) UpdateJob(id uint32, patch scheduler.JobPatch) (*models.Job, []string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.core.UpdateJob(id, patch)
}

func (r *Runtime) FinishJob(id uint32) (*models.Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.core.FinishJob(id)
	if ok {
		r.bus.Publish(events.Event{Kind: events.JobCompleted, JobID: id, Submitter: job.Submitter, NewState: string(models.StateFinished)})
		recordTerminal(job)
		r.refreshQueueDepthLocked()
	}
	return job, ok
}

func (r *Runtime) FailJob(id uint32, reason string) (*models.Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.core.FailJob(id, reason)
	if ok {
		r.bus.Publish(events.Event{Kind: events.JobCompleted, JobID: id, Submitter: job.Submitter, NewState: string(models.StateFailed)})
		recordTerminal(job)
		r.refreshQueueDepthLocked()
	}
	return job, ok
}

// recordTerminal reports a job's wall time in Prometheus the moment it
// reaches a terminal state, matching spec.md §8's per-state duration
// histogram.
func recordTerminal(job *models.Job) {
	if job.StartedAt == nil || job.FinishedAt == nil {
		return
	}
	metrics.RecordJobTerminal(string(job.State), job.FinishedAt.Sub(*job.StartedAt).Seconds())
}

func (r *Runtime) CancelJob(id uint32) (*models.Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.core.CancelJob(id)
	if ok {
		r.bus.Publish(events.Event{Kind: events.JobStateChanged, JobID: id, Submitter: job.Submitter, NewState: string(models.StateCancelled)})
		recordTerminal(job)
		r.refreshQueueDepthLocked()
	}
	return job, ok
}

func (r *Runtime) HoldJob(id uint32) (*models.Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.core.HoldJob(id)
}

func (r *Runtime) ReleaseJob(id uint32) (*models.Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.core.ReleaseJob(id)
}

func (r *Runtime) ResolveDependency(user, shorthand string) (uint32, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.core.ResolveDependency(user, shorthand)
}

func (r *Runtime) CreateReservation(user string, count int, indices []uint32, start time.Time, duration time.Duration) (*models.Reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, err := r.core.CreateReservation(user, count, indices, start, duration)
	if err == nil {
		r.bus.Publish(events.Event{Kind: events.ReservationCreated, ReservationID: res.ID})
	}
	return res, err
}

func (r *Runtime) CancelReservation(id uint32) (*models.Reservation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.core.CancelReservation(id)
	if ok {
		r.bus.Publish(events.Event{Kind: events.ReservationCancelled, ReservationID: id})
	}
	return res, ok
}

func (r *Runtime) SetMaxConcurrent(groupID uuid.UUID, max int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.core.SetGroupMaxConcurrent(groupID, max)
}

// SetAllowedGPUs restricts scheduling to the given GPU indices (nil/empty
// means "no restriction"). The indices are stored as given; the POST /gpus
// handler checks them against the detected slots before calling this.
func (r *Runtime) SetAllowedGPUs(indices []uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.core.SetAllowedGPUIndices(indices)
}

// --- monitor-facing operations ---

// RefreshGpus polls the configured gpu.Source and applies any availability
// changes to the core, publishing GpuAvailabilityChanged for each index
// that flipped. Runtime, not the core, owns the NVML/static choice.
func (r *Runtime) RefreshGpus(ctx context.Context) {
	slots, err := r.gpus.Refresh(ctx)
	if err != nil {
		logging.Log.WithError(err).Warn("gpu refresh failed, leaving last-known availability in place")
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, slot := range slots {
		if r.core.RefreshGpuSlot(slot.UUID, slot.Index, slot.Available, slot.Reason) {
			r.bus.Publish(events.Event{Kind: events.GpuAvailabilityChanged, GpuIndex: slot.Index, GpuAvailable: slot.Available})
		}
		gauge := float64(0)
		if slot.Available {
			gauge = 1
		}
		metrics.GpuAvailable.WithLabelValues(strconv.Itoa(int(slot.Index))).Set(gauge)
	}
	metrics.AvailableMemoryMB.Set(float64(r.core.AvailableMemoryMB()))
}

// Tick runs one schedule_jobs() pass under the write lock and publishes a
// JobStateChanged event for each job it started; launch failures and
// dependency cascades in the pass publish no event. Safe to call at any
// cadence; the algorithm is always idempotent.
func (r *Runtime) Tick() []scheduler.ScheduleResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	results := r.core.ScheduleJobs(r.exec)
	started, failed := 0, 0
	for _, res := range results {
		if res.Ok {
			submitter := ""
			if job, ok := r.core.Job(res.JobID); ok {
				submitter = job.Submitter
			}
			r.bus.Publish(events.Event{Kind: events.JobStateChanged, JobID: res.JobID, Submitter: submitter, NewState: string(models.StateRunning)})
			started++
		} else {
			failed++
		}
	}
	metrics.RecordScheduleCycle(started, failed)
	r.refreshQueueDepthLocked()
	return results
}

// refreshQueueDepthLocked recomputes gflowd_queue_depth from the live job
// set. Called under the write lock after submit, finish, fail, cancel and
// every Tick; hold, release, timeout and zombie transitions are picked up by
// the next Tick, so the gauge never lags more than one Tick behind reality.
func (r *Runtime) refreshQueueDepthLocked() {
	counts := make(map[models.JobState]int)
	for _, job := range r.core.ListJobs(scheduler.ListJobsFilter{}) {
		counts[job.State]++
	}
	for _, state := range []models.JobState{
		models.StateQueued, models.StateHold, models.StateRunning,
		models.StateFinished, models.StateFailed, models.StateCancelled, models.StateTimeout,
	} {
		metrics.QueueDepth.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}

// UpdateReservations runs the reservation status sweep (Pending->Active,
// ->Completed) under the write lock, called by the reservation monitor.
func (r *Runtime) UpdateReservations(now time.Time) []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.core.UpdateReservationStatuses(now)
}

func (r *Runtime) CleanupOldReservations(now time.Time, retention time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.core.CleanupOldReservations(now, retention)
}

func (r *Runtime) MarkZombie(id uint32) (*models.Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.core.MarkZombie(id)
	if ok {
		r.bus.Publish(events.Event{Kind: events.ZombieJobDetected, JobID: id, Submitter: job.Submitter})
		metrics.ZombiesDetected.Inc()
	}
	return job, ok
}

func (r *Runtime) TimeoutJob(id uint32) (*models.Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.core.TimeoutJob(id)
	if ok {
		r.bus.Publish(events.Event{Kind: events.JobTimedOut, JobID: id, Submitter: job.Submitter})
		metrics.TimeoutsEnforced.Inc()
		recordTerminal(job)
	}
	return job, ok
}

// Snapshot returns the data persistence needs to save, taken under the
// read lock so a concurrent Tick can't observe a half-written state.
func (r *Runtime) Snapshot() persistence.Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return persistence.Snapshot{
		Version:           persistence.CurrentVersion,
		Jobs:              r.core.ListJobs(scheduler.ListJobsFilter{}),
		Reservations:      r.core.ListReservations(""),
		NextJobID:         r.core.NextJobID(),
		AllowedGPUIndices: r.core.AllowedGPUIndices(),
	}
}

// Restore reinstalls a previously saved snapshot into the core, used once
// at startup before the scheduler loop or monitors begin running.
func (r *Runtime) Restore(snap persistence.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.core.RestoreNextJobID(snap.NextJobID)
	r.core.SetAllowedGPUIndices(snap.AllowedGPUIndices)
	for _, job := range snap.Jobs {
		r.core.RestoreJob(job)
	}
	for _, res := range snap.Reservations {
		r.core.RestoreReservation(res)
	}
}
