package scheduler

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gflowd/gflowd/internal/models"
)

// fakeExecutor launches every job successfully unless its run_name is
// listed in fail, matching the contract scheduler.Executor expects: return
// quickly, never block.
type fakeExecutor struct {
	fail map[string]bool
}

func (f *fakeExecutor) Execute(job *models.Job) error {
	if f.fail[job.RunName] {
		return fmt.Errorf("launch failed for %s", job.RunName)
	}
	return nil
}

func newTestStore(totalMemMB int, gpuCount int) *Store {
	slots := make([]models.GpuSlot, gpuCount)
	for i := 0; i < gpuCount; i++ {
		slots[i] = models.GpuSlot{UUID: fmt.Sprintf("GPU-%d", i), Index: uint32(i), Available: true}
	}
	return New(totalMemMB, slots)
}

func simpleJob(command string) *models.Job {
	return &models.Job{Submitter: "alice", Command: command, WorkingDir: "/tmp"}
}

func TestSubmitJobAssignsIDAndDefaults(t *testing.T) {
	s := newTestStore(8192, 2)
	job, err := s.SubmitJob(simpleJob("echo hi"))
	require.NoError(t, err)
	assert.Equal(t, uint32(1), job.ID)
	assert.Equal(t, models.StateQueued, job.State)
	assert.Equal(t, models.DependencyAll, job.DependencyMode)
	assert.Equal(t, "gflow-job-1", job.RunName)
	assert.True(t, s.Dirty())
}

func TestSubmitJobRejectsBothCommandAndScript(t *testing.T) {
	s := newTestStore(8192, 1)
	job := simpleJob("echo hi")
	job.ScriptPath = "train.py"
	_, err := s.SubmitJob(job)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestSubmitJobRejectsNeitherCommandNorScript(t *testing.T) {
	s := newTestStore(8192, 1)
	job := &models.Job{Submitter: "alice"}
	_, err := s.SubmitJob(job)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestSubmitJobRejectsUnsatisfiableGpuCount(t *testing.T) {
	s := newTestStore(8192, 2)
	job := simpleJob("echo hi")
	job.GPUs = 4
	_, err := s.SubmitJob(job)
	assert.ErrorIs(t, err, ErrGpuCountUnsatisfiable)
}

func TestSubmitJobRejectsRunNameConflictWithActiveJob(t *testing.T) {
	s := newTestStore(8192, 2)
	first := simpleJob("echo hi")
	first.RunName = "nightly"
	_, err := s.SubmitJob(first)
	require.NoError(t, err)

	second := simpleJob("echo again")
	second.RunName = "nightly"
	_, err = s.SubmitJob(second)
	assert.ErrorIs(t, err, ErrRunNameConflict)
}

func TestSubmitJobAllowsRunNameReuseOnceTerminal(t *testing.T) {
	s := newTestStore(8192, 2)
	first := simpleJob("echo hi")
	first.RunName = "nightly"
	job, err := s.SubmitJob(first)
	require.NoError(t, err)
	_, ok := s.CancelJob(job.ID)
	require.True(t, ok)

	second := simpleJob("echo again")
	second.RunName = "nightly"
	_, err = s.SubmitJob(second)
	assert.NoError(t, err)
}

func TestSubmitJobsBatchAtomicRejectsAllOnOneInvalid(t *testing.T) {
	s := newTestStore(8192, 2)
	jobs := []*models.Job{simpleJob("a"), {Submitter: "bob", GPUs: -1}}
	_, err := s.SubmitJobsBatch(jobs)
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Empty(t, s.ListJobs(ListJobsFilter{}))
}

func TestSubmitJobsBatchAllowsForwardDependencyReferences(t *testing.T) {
	s := newTestStore(8192, 2)
	first := simpleJob("a")
	first.DependsOnIDs = []uint32{2}
	second := simpleJob("b")
	out, err := s.SubmitJobsBatch([]*models.Job{first, second})
	require.NoError(t, err)
	assert.Equal(t, uint32(1), out[0].ID)
	assert.Equal(t, uint32(2), out[1].ID)
}

func TestSubmitJobsBatchRejectsUnknownDependency(t *testing.T) {
	s := newTestStore(8192, 2)
	job := simpleJob("a")
	job.DependsOnIDs = []uint32{99}
	_, err := s.SubmitJobsBatch([]*models.Job{job})
	assert.ErrorIs(t, err, ErrInvalidDependency)
}

func TestSubmitJobsBatchRejectsCircularDependency(t *testing.T) {
	s := newTestStore(8192, 2)
	a := simpleJob("a")
	a.DependsOnIDs = []uint32{2}
	b := simpleJob("b")
	b.DependsOnIDs = []uint32{1}
	_, err := s.SubmitJobsBatch([]*models.Job{a, b})
	assert.ErrorIs(t, err, ErrCircularDependency)
}

func TestSubmitJobsBatchRejectsOversizeBatch(t *testing.T) {
	s := newTestStore(8192, 2)
	jobs := make([]*models.Job, maxBatchSize+1)
	for i := range jobs {
		jobs[i] = simpleJob("a")
	}
	_, err := s.SubmitJobsBatch(jobs)
	assert.ErrorIs(t, err, ErrBatchTooLarge)
}

func TestUpdateJobRejectsRunningJob(t *testing.T) {
	s := newTestStore(8192, 2)
	job, err := s.SubmitJob(simpleJob("a"))
	require.NoError(t, err)
	s.ScheduleJobs(&fakeExecutor{})
	running, ok := s.Job(job.ID)
	require.True(t, ok)
	require.Equal(t, models.StateRunning, running.State)

	newPriority := uint8(5)
	_, _, err = s.UpdateJob(job.ID, JobPatch{Priority: &newPriority})
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestUpdateJobAppliesPatchToQueuedJob(t *testing.T) {
	s := newTestStore(8192, 2)
	job, err := s.SubmitJob(simpleJob("a"))
	require.NoError(t, err)
	newPriority := uint8(9)
	updated, changed, err := s.UpdateJob(job.ID, JobPatch{Priority: &newPriority})
	require.NoError(t, err)
	assert.Equal(t, uint8(9), updated.Priority)
	assert.Contains(t, changed, "priority")
}

func TestHoldAndReleaseRoundTrip(t *testing.T) {
	s := newTestStore(8192, 2)
	job, err := s.SubmitJob(simpleJob("a"))
	require.NoError(t, err)

	held, ok := s.HoldJob(job.ID)
	require.True(t, ok)
	assert.Equal(t, models.StateHold, held.State)

	_, ok = s.HoldJob(job.ID)
	assert.False(t, ok, "holding an already-Hold job is a no-op")

	released, ok := s.ReleaseJob(job.ID)
	require.True(t, ok)
	assert.Equal(t, models.StateQueued, released.State)
}

func TestCancelQueuedJobCascadesToAutoCancelDependents(t *testing.T) {
	s := newTestStore(8192, 2)
	parent, err := s.SubmitJob(simpleJob("a"))
	require.NoError(t, err)

	child := simpleJob("b")
	child.DependsOnIDs = []uint32{parent.ID}
	child.AutoCancelOnDepFailure = true
	childJob, err := s.SubmitJob(child)
	require.NoError(t, err)

	_, ok := s.CancelJob(parent.ID)
	require.True(t, ok)

	got, ok := s.Job(childJob.ID)
	require.True(t, ok)
	assert.Equal(t, models.StateCancelled, got.State)
	assert.Equal(t, "dependency failed", got.Reason)
}

func TestCancelRunningJobReclaimsGpuAndMemory(t *testing.T) {
	s := newTestStore(4096, 1)
	job := simpleJob("a")
	job.GPUs = 1
	mem := 1024
	job.MemoryLimitMB = &mem
	submitted, err := s.SubmitJob(job)
	require.NoError(t, err)

	s.ScheduleJobs(&fakeExecutor{})
	running, ok := s.Job(submitted.ID)
	require.True(t, ok)
	require.Equal(t, models.StateRunning, running.State)
	assert.Equal(t, 4096-1024, s.AvailableMemoryMB())

	_, ok = s.CancelJob(submitted.ID)
	require.True(t, ok)
	assert.Equal(t, 4096, s.AvailableMemoryMB())

	slots := s.GpuSlots()
	require.Len(t, slots, 1)
	// cancelling doesn't change Available on the slot itself, just frees the
	// claim so eligibleGpuIndices can hand it to another job.
	assert.True(t, slots[0].Available)
	assert.Equal(t, []uint32{0}, s.eligibleGpuIndices(time.Now()))
}

func TestFinishFailTimeoutAreTerminalFromRunningOnly(t *testing.T) {
	s := newTestStore(8192, 2)
	job, err := s.SubmitJob(simpleJob("a"))
	require.NoError(t, err)

	_, ok := s.FinishJob(job.ID)
	assert.False(t, ok, "queued job cannot finish directly")
	_, ok = s.FailJob(job.ID, "boom")
	assert.False(t, ok, "queued job cannot fail directly")
	_, ok = s.TimeoutJob(job.ID)
	assert.False(t, ok, "queued job cannot time out directly")

	s.ScheduleJobs(&fakeExecutor{})
	finished, ok := s.FinishJob(job.ID)
	require.True(t, ok)
	assert.Equal(t, models.StateFinished, finished.State)
	assert.NotNil(t, finished.FinishedAt)
}

func TestScheduleJobsOrdersByPriorityThenTimeBonusThenID(t *testing.T) {
	s := newTestStore(8192, 3)
	low := simpleJob("low")
	low.Priority = 1
	high := simpleJob("high")
	high.Priority = 9
	mid := simpleJob("mid")
	mid.Priority = 1

	lowJob, err := s.SubmitJob(low)
	require.NoError(t, err)
	_, err = s.SubmitJob(high)
	require.NoError(t, err)
	midJob, err := s.SubmitJob(mid)
	require.NoError(t, err)

	results := s.ScheduleJobs(&fakeExecutor{})
	require.Len(t, results, 3)
	// high priority launches first regardless of submission order.
	assert.Equal(t, uint32(2), results[0].JobID)
	// the two priority-1 jobs break ties by ascending id.
	ids := []uint32{results[1].JobID, results[2].JobID}
	assert.Equal(t, []uint32{lowJob.ID, midJob.ID}, ids)
}

func TestScheduleJobsRespectsGpuExclusivity(t *testing.T) {
	s := newTestStore(8192, 1)
	a := simpleJob("a")
	a.GPUs = 1
	b := simpleJob("b")
	b.GPUs = 1

	jobA, err := s.SubmitJob(a)
	require.NoError(t, err)
	jobB, err := s.SubmitJob(b)
	require.NoError(t, err)

	results := s.ScheduleJobs(&fakeExecutor{})
	require.Len(t, results, 1, "only one GPU exists, only one job can start")
	assert.Equal(t, jobA.ID, results[0].JobID)

	stillQueued, ok := s.Job(jobB.ID)
	require.True(t, ok)
	assert.Equal(t, models.StateQueued, stillQueued.State)
}

func TestScheduleJobsRespectsMemoryBudget(t *testing.T) {
	s := newTestStore(1024, 2)
	mem := 1024
	a := simpleJob("a")
	a.MemoryLimitMB = &mem
	b := simpleJob("b")
	b.MemoryLimitMB = &mem

	_, err := s.SubmitJob(a)
	require.NoError(t, err)
	_, err = s.SubmitJob(b)
	require.NoError(t, err)

	results := s.ScheduleJobs(&fakeExecutor{})
	assert.Len(t, results, 1, "only 1024MB of budget exists for two 1024MB jobs")
	assert.Equal(t, 0, s.AvailableMemoryMB())
}

func TestScheduleJobsRespectsGroupMaxConcurrent(t *testing.T) {
	s := newTestStore(8192, 4)
	group := groupID(t)
	max := 1
	a := simpleJob("a")
	a.GroupID = &group
	a.MaxConcurrent = &max
	b := simpleJob("b")
	b.GroupID = &group
	b.MaxConcurrent = &max

	_, err := s.SubmitJob(a)
	require.NoError(t, err)
	_, err = s.SubmitJob(b)
	require.NoError(t, err)

	results := s.ScheduleJobs(&fakeExecutor{})
	assert.Len(t, results, 1, "group cap of 1 allows only one concurrent job")
}

func TestScheduleJobsFailsLaunchAndCascades(t *testing.T) {
	s := newTestStore(8192, 2)
	a := simpleJob("a")
	a.RunName = "will-fail"
	child := simpleJob("b")
	child.AutoCancelOnDepFailure = true

	jobA, err := s.SubmitJob(a)
	require.NoError(t, err)
	child.DependsOnIDs = []uint32{jobA.ID}
	childJob, err := s.SubmitJob(child)
	require.NoError(t, err)

	results := s.ScheduleJobs(&fakeExecutor{fail: map[string]bool{"will-fail": true}})
	require.Len(t, results, 1)
	assert.False(t, results[0].Ok)
	assert.Error(t, results[0].Err)

	failed, ok := s.Job(jobA.ID)
	require.True(t, ok)
	assert.Equal(t, models.StateFailed, failed.State)

	cascaded, ok := s.Job(childJob.ID)
	require.True(t, ok)
	assert.Equal(t, models.StateCancelled, cascaded.State)
}

func TestScheduleJobsIsIdempotentNoOp(t *testing.T) {
	s := newTestStore(8192, 2)
	results := s.ScheduleJobs(&fakeExecutor{})
	assert.Empty(t, results)
}

func TestScheduleJobsSkipsUnmetDependency(t *testing.T) {
	s := newTestStore(8192, 2)
	parent, err := s.SubmitJob(simpleJob("a"))
	require.NoError(t, err)
	child := simpleJob("b")
	child.DependsOnIDs = []uint32{parent.ID}
	childJob, err := s.SubmitJob(child)
	require.NoError(t, err)

	results := s.ScheduleJobs(&fakeExecutor{})
	require.Len(t, results, 1)
	assert.Equal(t, parent.ID, results[0].JobID)

	stillQueued, ok := s.Job(childJob.ID)
	require.True(t, ok)
	assert.Equal(t, models.StateQueued, stillQueued.State)
}

func TestScheduleJobsAnyDependencyModeStartsOnFirstSuccess(t *testing.T) {
	s := newTestStore(8192, 3)
	firstDep := simpleJob("a")
	secondDep := simpleJob("b")
	firstJob, err := s.SubmitJob(firstDep)
	require.NoError(t, err)
	secondJob, err := s.SubmitJob(secondDep)
	require.NoError(t, err)

	child := simpleJob("c")
	child.DependencyMode = models.DependencyAny
	child.DependsOnIDs = []uint32{firstJob.ID, secondJob.ID}
	childJob, err := s.SubmitJob(child)
	require.NoError(t, err)

	s.ScheduleJobs(&fakeExecutor{}) // starts both deps
	_, ok := s.FinishJob(firstJob.ID)
	require.True(t, ok)

	results := s.ScheduleJobs(&fakeExecutor{})
	var startedChild bool
	for _, r := range results {
		if r.JobID == childJob.ID {
			startedChild = true
		}
	}
	assert.True(t, startedChild, "child should start once any one dependency finishes")
}

func TestResolveDependencyShorthand(t *testing.T) {
	s := newTestStore(8192, 2)
	first, err := s.SubmitJob(simpleJob("a"))
	require.NoError(t, err)
	second, err := s.SubmitJob(simpleJob("b"))
	require.NoError(t, err)

	latest, err := s.ResolveDependency("alice", "@")
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest)

	prior, err := s.ResolveDependency("alice", "@~1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, prior)

	_, err = s.ResolveDependency("alice", "@~5")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.ResolveDependency("alice", "not-a-number")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestRefreshGpuSlotReportsChangeOnlyOnFlip(t *testing.T) {
	s := newTestStore(8192, 1)
	changed := s.RefreshGpuSlot("GPU-0", 0, true, "")
	assert.False(t, changed, "slot was already available, no flip")

	changed = s.RefreshGpuSlot("GPU-0", 0, false, "xid-error")
	assert.True(t, changed)

	changed = s.RefreshGpuSlot("GPU-0", 0, false, "xid-error")
	assert.False(t, changed, "no change, still unavailable")
}

func TestSetAllowedGPUIndicesRestrictsScheduling(t *testing.T) {
	s := newTestStore(8192, 2)
	s.SetAllowedGPUIndices([]uint32{1})

	job := simpleJob("a")
	job.GPUs = 1
	_, err := s.SubmitJob(job)
	require.NoError(t, err)

	results := s.ScheduleJobs(&fakeExecutor{})
	require.Len(t, results, 1)
	got, ok := s.Job(results[0].JobID)
	require.True(t, ok)
	assert.Equal(t, []uint32{1}, got.GpuIDs)
}

func TestSetAllowedGPUIndicesBoundsGpuCountValidation(t *testing.T) {
	s := newTestStore(8192, 4)
	s.SetAllowedGPUIndices([]uint32{0, 1})

	job := simpleJob("a")
	job.GPUs = 3
	_, err := s.SubmitJob(job)
	assert.ErrorIs(t, err, ErrGpuCountUnsatisfiable)
}

func groupID(t *testing.T) uuid.UUID {
	t.Helper()
	var id uuid.UUID
	// deterministic, not-the-nil-UUID value; scheduler only compares equality.
	id[0] = 1
	return id
}

func TestNotFoundErrorsAreSentinel(t *testing.T) {
	s := newTestStore(1024, 1)
	_, _, err := s.UpdateJob(999, JobPatch{})
	assert.True(t, errors.Is(err, ErrNotFound))
}
