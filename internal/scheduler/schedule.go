package scheduler

import (
	"time"

	"github.com/gflowd/gflowd/internal/models"
)

// ScheduleResult reports what happened to one job during a schedule_jobs
// pass: either it started Running or its launch failed outright.
type ScheduleResult struct {
	JobID uint32
	Ok    bool
	Err   error
}

// depCanNeverSucceed reports whether job's dependency set has, given its
// mode, proven the job can never reach Running: under All, any listed
// dependency in a disqualifying terminal state; under Any, every listed
// dependency in a disqualifying terminal state.
func (s *Store) depCanNeverSucceed(job *models.Job) bool {
	if len(job.DependsOnIDs) == 0 {
		return false
	}
	mode := job.DependencyMode
	if mode == "" {
		mode = models.DependencyAll
	}
	switch mode {
	case models.DependencyAny:
		for _, d := range job.DependsOnIDs {
			dep, ok := s.jobs[d]
			if !ok || !disqualifies(dep.State) {
				return false
			}
		}
		return true
	default: // All
		for _, d := range job.DependsOnIDs {
			dep, ok := s.jobs[d]
			if ok && disqualifies(dep.State) {
				return true
			}
		}
		return false
	}
}

// depsSatisfied reports whether job's dependencies are all resolved in its
// favor right now: All requires every listed dep Finished; Any requires at
// least one Finished.
func depsSatisfied(job *models.Job, jobs map[uint32]*models.Job) bool {
	if len(job.DependsOnIDs) == 0 {
		return true
	}
	mode := job.DependencyMode
	if mode == "" {
		mode = models.DependencyAll
	}
	if mode == models.DependencyAny {
		for _, d := range job.DependsOnIDs {
			if dep, ok := jobs[d]; ok && dep.State == models.StateFinished {
				return true
			}
		}
		return false
	}
	for _, d := range job.DependsOnIDs {
		dep, ok := jobs[d]
		if !ok || dep.State != models.StateFinished {
			return false
		}
	}
	return true
}

func disqualifies(st models.JobState) bool {
	return st == models.StateFailed || st == models.StateCancelled || st == models.StateTimeout
}

// autoCancelDependentJobs iteratively cancels every Queued job that opted
// into auto_cancel_on_dependency_failure and whose dependency mode now
// proves it can never run, starting from rootID and following the
// dependents graph outward (a cancellation can itself disqualify further
// jobs). Iterative by a work queue rather than function recursion, since
// the dependents graph can be arbitrarily deep.
func (s *Store) autoCancelDependentJobs(rootID uint32) []uint32 {
	var cancelled []uint32
	queue := []uint32{rootID}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for depID := range s.dependents[cur] {
			job, ok := s.jobs[depID]
			if !ok || job.State != models.StateQueued || !job.AutoCancelOnDepFailure {
				continue
			}
			if !s.depCanNeverSucceed(job) {
				continue
			}
			old := job.State
			job.State = models.StateCancelled
			now := s.now()
			job.FinishedAt = &now
			job.Reason = "dependency failed"
			s.reindexState(job.ID, old, models.StateCancelled)
			s.dirty = true
			cancelled = append(cancelled, job.ID)
			queue = append(queue, job.ID)
		}
	}
	return cancelled
}

// timeBonus gives time-limited jobs an edge within the same priority band,
// rewarding jobs that vacate a GPU sooner (spec §4.1). A job with no time
// limit gets a baseline of 100; one with a limit gets 200 plus a bonus that
// scales from +100 (near-zero limit) down to 0 (>=24h limit), so any
// time-limited job ranks ahead of an unlimited one and shorter limits rank
// higher.
func timeBonus(job *models.Job) float64 {
	if job.TimeLimit == nil {
		return 100
	}
	frac := job.TimeLimit.Seconds() / (24 * time.Hour).Seconds()
	if frac > 1 {
		frac = 1
	}
	if frac < 0 {
		frac = 0
	}
	return 200 + (1-frac)*100
}

// eligibleGpuIndices returns the ascending-sorted set of GPU indices the
// scheduler may hand to a Queued job right now: known to the host, within
// the admin allow-list (if any), reported available, not claimed by any
// Running job, and not withheld by an active reservation.
func (s *Store) eligibleGpuIndices(now time.Time) []uint32 {
	allowed := s.allowedGPUIndices

	claimed := make(map[uint32]bool)
	for _, j := range s.jobs {
		if j.State != models.StateRunning {
			continue
		}
		for _, idx := range j.GpuIDs {
			claimed[idx] = true
		}
	}

	reserved := make(map[uint32]bool)
	for _, r := range s.reservations {
		if r.DeriveStatus(now) != models.ReservationActive {
			continue
		}
		for _, idx := range r.BlockedIndices() {
			reserved[idx] = true
		}
	}

	var out []uint32
	for idx, slot := range s.gpuSlots {
		if allowed != nil && !containsUint32(*allowed, idx) {
			continue
		}
		if !slot.Available || claimed[idx] || reserved[idx] {
			continue
		}
		out = append(out, idx)
	}
	sortUint32s(out)
	return out
}

func containsUint32(xs []uint32, v uint32) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

// ScheduleJobs is the heart of the engine (spec §4.1). It is always safe to
// re-run: a pass that finds nothing to do is a no-op. Each call:
//  1. snapshots currently eligible GPU indices and available memory,
//  2. filters Queued jobs by dependency satisfaction, cascading
//     auto-cancellation for any that can now never run,
//  3. sorts the remaining eligible jobs by (priority desc, time-bonus desc,
//     id asc),
//  4. greedily assigns resources in that order and invokes exec.Execute,
//     transitioning each to Running on success or Failed on error,
//  5. returns one ScheduleResult per job that was actually attempted.
func (s *Store) ScheduleJobs(exec Executor) []ScheduleResult {
	now := s.now()
	available := s.eligibleGpuIndices(now)
	availableMem := s.availableMemoryMB

	queuedIDs := make([]uint32, 0, len(s.jobsByState[models.StateQueued]))
	for id := range s.jobsByState[models.StateQueued] {
		queuedIDs = append(queuedIDs, id)
	}
	sortUint32s(queuedIDs)

	eligible := make([]*models.Job, 0, len(queuedIDs))
	for _, id := range queuedIDs {
		job, ok := s.jobs[id]
		if !ok || job.State != models.StateQueued {
			continue // cancelled earlier in this same pass via cascade
		}
		if depsSatisfied(job, s.jobs) {
			eligible = append(eligible, job)
			continue
		}
		if s.depCanNeverSucceed(job) && job.AutoCancelOnDepFailure {
			old := job.State
			job.State = models.StateCancelled
			job.FinishedAt = &now
			job.Reason = "dependency failed"
			s.reindexState(job.ID, old, models.StateCancelled)
			s.dirty = true
			s.autoCancelDependentJobs(job.ID)
		}
	}

	sortEligible(eligible)

	var results []ScheduleResult
	for _, job := range eligible {
		if job.GPUs > len(available) {
			continue
		}
		if job.MemoryLimitMB != nil && *job.MemoryLimitMB > availableMem {
			continue
		}
		if job.GroupID != nil && job.MaxConcurrent != nil && s.groupRunning[*job.GroupID] >= *job.MaxConcurrent {
			continue
		}

		assigned := append([]uint32(nil), available[:job.GPUs]...)
		job.GpuIDs = assigned

		if err := exec.Execute(job); err != nil {
			job.GpuIDs = nil
			old := job.State
			job.State = models.StateFailed
			job.FinishedAt = &now
			job.Reason = err.Error()
			s.reindexState(job.ID, old, models.StateFailed)
			s.dirty = true
			s.autoCancelDependentJobs(job.ID)
			results = append(results, ScheduleResult{JobID: job.ID, Ok: false, Err: err})
			continue
		}

		old := job.State
		job.State = models.StateRunning
		job.StartedAt = &now
		s.reindexState(job.ID, old, models.StateRunning)

		available = available[job.GPUs:]
		if job.MemoryLimitMB != nil {
			availableMem -= *job.MemoryLimitMB
			s.availableMemoryMB -= *job.MemoryLimitMB
		}
		if job.GroupID != nil {
			s.groupRunning[*job.GroupID]++
		}
		s.dirty = true
		results = append(results, ScheduleResult{JobID: job.ID, Ok: true})
	}

	return results
}

// sortEligible orders jobs by descending priority, descending time-bonus,
// then ascending id — a stable insertion sort since batches are small enough
// that clarity beats asymptotics here.
func sortEligible(jobs []*models.Job) {
	less := func(a, b *models.Job) bool {
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		ba, bb := timeBonus(a), timeBonus(b)
		if ba != bb {
			return ba > bb
		}
		return a.ID < b.ID
	}
	for i := 1; i < len(jobs); i++ {
		for j := i; j > 0 && less(jobs[j], jobs[j-1]); j-- {
			jobs[j-1], jobs[j] = jobs[j], jobs[j-1]
		}
	}
}
