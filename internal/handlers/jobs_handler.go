package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/gflowd/gflowd/internal/models"
	"github.com/gflowd/gflowd/internal/objectstore"
	"github.com/gflowd/gflowd/internal/runtime"
	"github.com/gflowd/gflowd/internal/scheduler"
	"github.com/gflowd/gflowd/internal/sessioncontrol"
)

// uuidString unmarshals a JSON string group_id into a uuid.UUID, giving a
// scheduler.ErrInvalidInput-mapped error on malformed input rather than a
// raw JSON decode failure.
type uuidString string

func (u *uuidString) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*u = uuidString(s)
	return nil
}

func (u uuidString) parse() (uuid.UUID, error) {
	id, err := uuid.Parse(string(u))
	if err != nil {
		return uuid.UUID{}, scheduler.ErrInvalidInput
	}
	return id, nil
}

// JobHandler serves every /jobs route (spec.md §6).
type JobHandler struct {
	BaseHandler
	rt      *runtime.Runtime
	sess    sessioncontrol.Controller
	objects objectstore.Store
}

func NewJobHandler(rt *runtime.Runtime, sess sessioncontrol.Controller, objects objectstore.Store) *JobHandler {
	return &JobHandler{rt: rt, sess: sess, objects: objects}
}

func writableOrReject(w http.ResponseWriter) bool {
	if GetMode() == ModeReadOnly {
		http.Error(w, `{"error":"read_only","message":"scheduler is in read-only mode"}`, http.StatusServiceUnavailable)
		return false
	}
	return true
}

// jobSpecRequest is the POST /jobs body: the submit-time subset of Job.
type jobSpecRequest struct {
	RunName                string                `json:"run_name,omitempty"`
	Submitter              string                `json:"submitter"`
	WorkingDir             string                `json:"working_dir"`
	ScriptPath             string                `json:"script_path,omitempty"`
	Command                string                `json:"command,omitempty"`
	Parameters             map[string]string     `json:"parameters,omitempty"`
	CondaEnv               string                `json:"conda_env,omitempty"`
	GPUs                   int                   `json:"gpus"`
	MemoryLimitMB          *int                  `json:"memory_limit_mb,omitempty"`
	TimeLimit              *time.Duration        `json:"time_limit,omitempty"`
	Priority               uint8                 `json:"priority"`
	DependsOnIDs           []uint32              `json:"depends_on_ids,omitempty"`
	DependencyMode         models.DependencyMode `json:"dependency_mode,omitempty"`
	AutoCancelOnDepFailure bool                  `json:"auto_cancel_on_dependency_failure"`
	GroupID                *uuidString           `json:"group_id,omitempty"`
	MaxConcurrent          *int                  `json:"max_concurrent,omitempty"`
	AutoCloseTmux          bool                  `json:"auto_close_tmux"`
	TaskID                 *int                  `json:"task_id,omitempty"`
}

func (req jobSpecRequest) toJob() (*models.Job, error) {
	job := &models.Job{
		RunName:                req.RunName,
		Submitter:              req.Submitter,
		WorkingDir:             req.WorkingDir,
		ScriptPath:             req.ScriptPath,
		Command:                req.Command,
		Parameters:             req.Parameters,
		CondaEnv:               req.CondaEnv,
		GPUs:                   req.GPUs,
		MemoryLimitMB:          req.MemoryLimitMB,
		TimeLimit:              req.TimeLimit,
		Priority:               req.Priority,
		DependsOnIDs:           req.DependsOnIDs,
		DependencyMode:         req.DependencyMode,
		AutoCancelOnDepFailure: req.AutoCancelOnDepFailure,
		MaxConcurrent:          req.MaxConcurrent,
		AutoCloseTmux:          req.AutoCloseTmux,
		TaskID:                 req.TaskID,
	}
	if req.GroupID != nil {
		id, err := req.GroupID.parse()
		if err != nil {
			return nil, err
		}
		job.GroupID = &id
	}
	return job, nil
}

// ListJobs handles GET /jobs?state=&user=&limit=&offset=&created_after=.
func (h *JobHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := scheduler.ListJobsFilter{
		State: models.JobState(q.Get("state")),
		User:  q.Get("user"),
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Offset = n
		}
	}
	if v := q.Get("created_after"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.CreatedAfter = &t
		}
	}
	jobs := h.rt.ListJobs(filter)
	h.respondWithJSON(w, http.StatusOK, jobs)
}

// CreateJob handles POST /jobs.
func (h *JobHandler) CreateJob(w http.ResponseWriter, r *http.Request) {
	if !writableOrReject(w) {
		return
	}
	var req jobSpecRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, scheduler.ErrInvalidInput)
		return
	}
	job, err := req.toJob()
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	out, err := h.rt.SubmitJob(job)
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusCreated, map[string]interface{}{"id": out.ID, "run_name": out.RunName})
}

// CreateJobsBatch handles POST /jobs/batch.
func (h *JobHandler) CreateJobsBatch(w http.ResponseWriter, r *http.Request) {
	if !writableOrReject(w) {
		return
	}
	var reqs []jobSpecRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		h.respondWithError(w, scheduler.ErrInvalidInput)
		return
	}
	jobs := make([]*models.Job, len(reqs))
	for i, req := range reqs {
		job, err := req.toJob()
		if err != nil {
			h.respondWithError(w, err)
			return
		}
		jobs[i] = job
	}
	out, err := h.rt.SubmitJobsBatch(jobs)
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	resp := make([]map[string]interface{}, len(out))
	for i, job := range out {
		resp[i] = map[string]interface{}{"id": job.ID, "run_name": job.RunName}
	}
	h.respondWithJSON(w, http.StatusCreated, resp)
}

// GetJob handles GET /jobs/:id.
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, err := h.jobID(r)
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	job, ok := h.rt.Job(id)
	if !ok {
		h.respondWithError(w, scheduler.ErrNotFound)
		return
	}
	h.respondWithJSON(w, http.StatusOK, job)
}

// UpdateJob handles PATCH /jobs/:id.
func (h *JobHandler) UpdateJob(w http.ResponseWriter, r *http.Request) {
	if !writableOrReject(w) {
		return
	}
	id, err := h.jobID(r)
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	var patch scheduler.JobPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		h.respondWithError(w, scheduler.ErrInvalidInput)
		return
	}
	job, changed, err := h.rt.UpdateJob(id, patch)
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{"job": job, "changed": changed})
}

// FinishJob handles POST /jobs/:id/finish (called by the executor's wrapper
// script on success, spec.md §6).
func (h *JobHandler) FinishJob(w http.ResponseWriter, r *http.Request) {
	id, err := h.jobID(r)
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	job, ok := h.rt.FinishJob(id)
	if !ok {
		h.respondWithError(w, scheduler.ErrNotFound)
		return
	}
	h.respondWithJSON(w, http.StatusOK, job)
}

// FailJob handles POST /jobs/:id/fail.
func (h *JobHandler) FailJob(w http.ResponseWriter, r *http.Request) {
	id, err := h.jobID(r)
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	json.NewDecoder(r.Body).Decode(&body)
	job, ok := h.rt.FailJob(id, body.Reason)
	if !ok {
		h.respondWithError(w, scheduler.ErrNotFound)
		return
	}
	h.respondWithJSON(w, http.StatusOK, job)
}

// CancelJob handles POST /jobs/:id/cancel: if Running, interrupt the session
// first (spec.md §5 — SIGINT, not SIGKILL), then transition.
func (h *JobHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id, err := h.jobID(r)
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	if job, ok := h.rt.Job(id); ok && job.State == models.StateRunning && h.sess != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		h.sess.SendInterrupt(ctx, job.RunName)
		cancel()
	}
	job, ok := h.rt.CancelJob(id)
	if !ok {
		h.respondWithError(w, scheduler.ErrIllegalTransition)
		return
	}
	h.respondWithJSON(w, http.StatusOK, job)
}

// HoldJob handles POST /jobs/:id/hold.
func (h *JobHandler) HoldJob(w http.ResponseWriter, r *http.Request) {
	id, err := h.jobID(r)
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	job, ok := h.rt.HoldJob(id)
	if !ok {
		h.respondWithError(w, scheduler.ErrIllegalTransition)
		return
	}
	h.respondWithJSON(w, http.StatusOK, job)
}

// ReleaseJob handles POST /jobs/:id/release.
func (h *JobHandler) ReleaseJob(w http.ResponseWriter, r *http.Request) {
	id, err := h.jobID(r)
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	job, ok := h.rt.ReleaseJob(id)
	if !ok {
		h.respondWithError(w, scheduler.ErrIllegalTransition)
		return
	}
	h.respondWithJSON(w, http.StatusOK, job)
}

// GetJobLog handles GET /jobs/:id/log: returns where captured output lives,
// 404 if the job has no log (capture was never enabled).
func (h *JobHandler) GetJobLog(w http.ResponseWriter, r *http.Request) {
	id, err := h.jobID(r)
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	if _, ok := h.rt.Job(id); !ok {
		h.respondWithError(w, scheduler.ErrNotFound)
		return
	}
	if h.objects == nil {
		h.respondWithError(w, scheduler.ErrNotFound)
		return
	}
	loc, err := h.objects.Locate(r.Context(), objectstore.JobLogKey(id))
	if err != nil {
		h.respondWithError(w, scheduler.ErrNotFound)
		return
	}
	h.respondWithJSON(w, http.StatusOK, map[string]string{"location": loc})
}

// ResolveDependency handles GET /resolve_dependency?username=&shorthand=.
func (h *JobHandler) ResolveDependency(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("username")
	shorthand := r.URL.Query().Get("shorthand")
	id, err := h.rt.ResolveDependency(user, shorthand)
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, map[string]uint32{"job_id": id})
}

func (h *JobHandler) jobID(r *http.Request) (uint32, error) {
	raw := h.getID(r, "job_id")
	n, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, scheduler.ErrInvalidInput
	}
	return uint32(n), nil
}
