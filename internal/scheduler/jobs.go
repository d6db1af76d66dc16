package scheduler

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gflowd/gflowd/internal/models"
)

// maxGpuCount bounds a single job's GPU request against the admin
// allow-list when one is set, or the known slot inventory otherwise, so a
// job that could never be satisfiable is rejected at submission rather than
// queued forever.
func (s *Store) maxGpuCount() int {
	if s.allowedGPUIndices != nil {
		return len(*s.allowedGPUIndices)
	}
	return len(s.gpuSlots)
}

func (s *Store) validateJobSpec(job *models.Job) error {
	if job.UsesScript() == (job.Command != "") {
		return fmt.Errorf("%w: exactly one of script_path or command must be set", ErrInvalidInput)
	}
	if job.GPUs < 0 {
		return fmt.Errorf("%w: gpus must be >= 0", ErrInvalidInput)
	}
	if job.GPUs > s.maxGpuCount() {
		return fmt.Errorf("%w: requested %d, only %d indices available", ErrGpuCountUnsatisfiable, job.GPUs, s.maxGpuCount())
	}
	if job.DependencyMode != "" && job.DependencyMode != models.DependencyAll && job.DependencyMode != models.DependencyAny {
		return fmt.Errorf("%w: unknown dependency_mode %q", ErrInvalidInput, job.DependencyMode)
	}
	if job.MaxConcurrent != nil && job.GroupID == nil {
		return fmt.Errorf("%w: max_concurrent requires group_id", ErrInvalidInput)
	}
	return nil
}

func (s *Store) runNameConflicts(runName string, excludeID uint32) bool {
	if runName == "" {
		return false
	}
	for id, j := range s.jobs {
		if id == excludeID {
			continue
		}
		if j.RunName == runName && !j.State.IsTerminal() {
			return true
		}
	}
	return false
}

// SubmitJob validates and inserts a single job, assigning its id, default
// run_name and submitted_at. job is not retained; the caller's copy may be
// reused or discarded.
func (s *Store) SubmitJob(job *models.Job) (*models.Job, error) {
	jobs, err := s.SubmitJobsBatch([]*models.Job{job})
	if err != nil {
		return nil, err
	}
	return jobs[0], nil
}

// maxBatchSize bounds a single batch submission (spec §6 gflow submit-batch).
const maxBatchSize = 10000

// SubmitJobsBatch validates and inserts a set of jobs atomically: either all
// are accepted or none are, so dependencies within the batch (including
// forward references to later entries) can be validated against each other
// before anything is committed.
func (s *Store) SubmitJobsBatch(jobs []*models.Job) ([]*models.Job, error) {
	if len(jobs) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrInvalidInput)
	}
	if len(jobs) > maxBatchSize {
		return nil, ErrBatchTooLarge
	}

	tentativeIDs := make([]uint32, len(jobs))
	extra := make(map[uint32][]uint32, len(jobs))
	nextID := s.nextJobID
	for i, j := range jobs {
		if err := s.validateJobSpec(j); err != nil {
			return nil, err
		}
		tentativeIDs[i] = nextID
		extra[nextID] = j.DependsOnIDs
		nextID++
	}
	for i, j := range jobs {
		if missing, ok := s.depsExist(j.DependsOnIDs, extra); !ok {
			return nil, fmt.Errorf("%w: dependency %d does not exist", ErrInvalidDependency, missing)
		}
		if err := s.validateNoCircularDependency(tentativeIDs[i], j.DependsOnIDs, extra); err != nil {
			return nil, err
		}
		if j.RunName != "" && (s.runNameConflicts(j.RunName, 0) || batchRunNameConflicts(jobs, i, j.RunName)) {
			return nil, fmt.Errorf("%w: %q", ErrRunNameConflict, j.RunName)
		}
	}

	now := s.now()
	out := make([]*models.Job, len(jobs))
	for i, j := range jobs {
		j.ID = tentativeIDs[i]
		if j.RunName == "" {
			j.RunName = fmt.Sprintf("gflow-job-%d", j.ID)
		}
		if j.State == "" {
			j.State = models.StateQueued
		}
		if j.DependencyMode == "" {
			j.DependencyMode = models.DependencyAll
		}
		j.SubmittedAt = now
		s.insertJob(j)
		out[i] = j.Clone()
	}
	s.nextJobID = nextID
	s.dirty = true
	return out, nil
}

func batchRunNameConflicts(jobs []*models.Job, upTo int, runName string) bool {
	for i := 0; i < upTo; i++ {
		if jobs[i].RunName == runName {
			return true
		}
	}
	return false
}

// JobPatch is a field-level patch applied by UpdateJob; nil/zero fields are
// left untouched, matching PATCH semantics.
type JobPatch struct {
	Command                *string
	ScriptPath              *string
	Parameters              map[string]string
	CondaEnv                *string
	GPUs                    *int
	MemoryLimitMB           *int
	TimeLimit               *time.Duration
	Priority                *uint8
	DependsOnIDs            []uint32
	DependencyMode          *models.DependencyMode
	AutoCancelOnDepFailure  *bool
	GroupID                 *uuid.UUID
	MaxConcurrent           *int
	AutoCloseTmux           *bool
}

// UpdateJob applies patch to a Queued or Hold job, returning the updated job
// and the list of field names actually changed. Running and terminal jobs
// reject every patch with ErrIllegalTransition (spec §6 gflow update).
func (s *Store) UpdateJob(id uint32, patch JobPatch) (*models.Job, []string, error) {
	job, ok := s.jobs[id]
	if !ok {
		return nil, nil, ErrNotFound
	}
	if job.State != models.StateQueued && job.State != models.StateHold {
		return nil, nil, fmt.Errorf("%w: job %d is %s", ErrIllegalTransition, id, job.State)
	}

	var changed []string

	if patch.DependsOnIDs != nil {
		if missing, ok := s.depsExist(patch.DependsOnIDs, nil); !ok {
			return nil, nil, fmt.Errorf("%w: dependency %d does not exist", ErrInvalidDependency, missing)
		}
		if err := s.validateNoCircularDependency(id, patch.DependsOnIDs, nil); err != nil {
			return nil, nil, err
		}
		s.reindexDependents(id, job.DependsOnIDs, patch.DependsOnIDs)
		job.DependsOnIDs = patch.DependsOnIDs
		changed = append(changed, "depends_on_ids")
	}
	if patch.Command != nil {
		job.Command = *patch.Command
		job.ScriptPath = ""
		changed = append(changed, "command")
	}
	if patch.ScriptPath != nil {
		job.ScriptPath = *patch.ScriptPath
		job.Command = ""
		changed = append(changed, "script_path")
	}
	if patch.Parameters != nil {
		job.Parameters = patch.Parameters
		changed = append(changed, "parameters")
	}
	if patch.CondaEnv != nil {
		job.CondaEnv = *patch.CondaEnv
		changed = append(changed, "conda_env")
	}
	if patch.GPUs != nil {
		if *patch.GPUs < 0 || *patch.GPUs > s.maxGpuCount() {
			return nil, nil, fmt.Errorf("%w: requested %d, only %d indices available", ErrGpuCountUnsatisfiable, *patch.GPUs, s.maxGpuCount())
		}
		job.GPUs = *patch.GPUs
		changed = append(changed, "gpus")
	}
	if patch.MemoryLimitMB != nil {
		job.MemoryLimitMB = patch.MemoryLimitMB
		changed = append(changed, "memory_limit_mb")
	}
	if patch.TimeLimit != nil {
		job.TimeLimit = patch.TimeLimit
		changed = append(changed, "time_limit")
	}
	if patch.Priority != nil {
		job.Priority = *patch.Priority
		changed = append(changed, "priority")
	}
	if patch.DependencyMode != nil {
		job.DependencyMode = *patch.DependencyMode
		changed = append(changed, "dependency_mode")
	}
	if patch.AutoCancelOnDepFailure != nil {
		job.AutoCancelOnDepFailure = *patch.AutoCancelOnDepFailure
		changed = append(changed, "auto_cancel_on_dependency_failure")
	}
	if patch.GroupID != nil {
		job.GroupID = patch.GroupID
		changed = append(changed, "group_id")
	}
	if patch.MaxConcurrent != nil {
		job.MaxConcurrent = patch.MaxConcurrent
		changed = append(changed, "max_concurrent")
	}
	if patch.AutoCloseTmux != nil {
		job.AutoCloseTmux = *patch.AutoCloseTmux
		changed = append(changed, "auto_close_tmux")
	}

	if len(changed) > 0 {
		s.dirty = true
	}
	return job.Clone(), changed, nil
}

// transitionRunningToTerminal moves a Running job to one of the three
// terminal-from-running states, reclaiming its resources and cascading
// auto-cancellation to any dependents that can now never run.
func (s *Store) transitionRunningToTerminal(job *models.Job, newState models.JobState, reason string) {
	old := job.State
	job.State = newState
	now := s.now()
	job.FinishedAt = &now
	job.Reason = reason

	if job.MemoryLimitMB != nil {
		s.availableMemoryMB += *job.MemoryLimitMB
	}
	if job.GroupID != nil {
		s.groupRunning[*job.GroupID]--
	}
	job.GpuIDs = nil

	s.reindexState(job.ID, old, newState)
	s.dirty = true

	if newState == models.StateFailed || newState == models.StateCancelled || newState == models.StateTimeout {
		s.autoCancelDependentJobs(job.ID)
	}
}

// FinishJob marks a Running job Finished. Returns ok=false as a no-op if the
// job is unknown or not Running.
func (s *Store) FinishJob(id uint32) (*models.Job, bool) {
	job, ok := s.jobs[id]
	if !ok || !models.CanTransition(job.State, models.StateFinished) {
		return nil, false
	}
	s.transitionRunningToTerminal(job, models.StateFinished, "")
	return job.Clone(), true
}

// FailJob marks a Running job Failed with reason.
func (s *Store) FailJob(id uint32, reason string) (*models.Job, bool) {
	job, ok := s.jobs[id]
	if !ok || !models.CanTransition(job.State, models.StateFailed) {
		return nil, false
	}
	s.transitionRunningToTerminal(job, models.StateFailed, reason)
	return job.Clone(), true
}

// TimeoutJob marks a Running job Timeout; called by the timeout monitor.
func (s *Store) TimeoutJob(id uint32) (*models.Job, bool) {
	job, ok := s.jobs[id]
	if !ok || !models.CanTransition(job.State, models.StateTimeout) {
		return nil, false
	}
	s.transitionRunningToTerminal(job, models.StateTimeout, "time limit exceeded")
	return job.Clone(), true
}

// CancelJob cancels a job from any non-terminal state. Queued/Hold jobs
// transition directly; Running jobs transition and reclaim resources the
// same as any other Running->terminal move, leaving the caller (which holds
// the run_name from the returned job) responsible for actually signalling
// the session.
func (s *Store) CancelJob(id uint32) (*models.Job, bool) {
	job, ok := s.jobs[id]
	if !ok || !models.CanTransition(job.State, models.StateCancelled) {
		return nil, false
	}
	if job.State == models.StateRunning {
		s.transitionRunningToTerminal(job, models.StateCancelled, "cancelled by user")
		return job.Clone(), true
	}
	old := job.State
	job.State = models.StateCancelled
	now := s.now()
	job.FinishedAt = &now
	job.Reason = "cancelled by user"
	s.reindexState(id, old, models.StateCancelled)
	s.dirty = true
	s.autoCancelDependentJobs(id)
	return job.Clone(), true
}

// HoldJob moves a Queued job to Hold.
func (s *Store) HoldJob(id uint32) (*models.Job, bool) {
	job, ok := s.jobs[id]
	if !ok || !models.CanTransition(job.State, models.StateHold) {
		return nil, false
	}
	old := job.State
	job.State = models.StateHold
	s.reindexState(id, old, models.StateHold)
	s.dirty = true
	return job.Clone(), true
}

// ReleaseJob moves a Hold job back to Queued.
func (s *Store) ReleaseJob(id uint32) (*models.Job, bool) {
	job, ok := s.jobs[id]
	if !ok || !models.CanTransition(job.State, models.StateQueued) {
		return nil, false
	}
	old := job.State
	job.State = models.StateQueued
	s.reindexState(id, old, models.StateQueued)
	s.dirty = true
	return job.Clone(), true
}

// MarkZombie fails a Running job whose backing session has disappeared
// (spec §4.4 zombie monitor), tagging the reason accordingly.
func (s *Store) MarkZombie(id uint32) (*models.Job, bool) {
	return s.FailJob(id, "session disappeared")
}

// SetGroupMaxConcurrent applies a new cap to every job carrying group_id,
// matching spec.md's "POST /groups/:group_id/max_concurrent ... applies to
// all jobs in group". Already-terminal jobs are updated too; the field is
// inert for them but harmless, and a requeued (resubmitted) job with the
// same group_id should see the new cap without a second API call.
func (s *Store) SetGroupMaxConcurrent(groupID uuid.UUID, max int) {
	for _, job := range s.jobs {
		if job.GroupID != nil && *job.GroupID == groupID {
			job.MaxConcurrent = &max
		}
	}
	s.dirty = true
}
