// Package models holds the scheduler's data model: Job, Reservation and
// GpuSlot, plus the small set of enums and value types shared across the
// scheduler core, the runtime adapter and the HTTP handlers.
package models

import (
	"time"

	"github.com/google/uuid"
)

// JobState is a job's position in the state machine described in spec §3.
type JobState string

const (
	StateQueued    JobState = "queued"
	StateHold      JobState = "hold"
	StateRunning   JobState = "running"
	StateFinished  JobState = "finished"
	StateFailed    JobState = "failed"
	StateCancelled JobState = "cancelled"
	StateTimeout   JobState = "timeout"
)

// IsTerminal reports whether no further transition is legal from this state.
func (s JobState) IsTerminal() bool {
	switch s {
	case StateFinished, StateFailed, StateCancelled, StateTimeout:
		return true
	default:
		return false
	}
}

// DependencyMode controls how a job's depends_on_ids are evaluated.
type DependencyMode string

const (
	DependencyAll DependencyMode = "all"
	DependencyAny DependencyMode = "any"
)

// Job is the unit of scheduling. Spec fields are split into an immutable
// Spec portion (set at submission, patchable only while Queued/Hold) and a
// mutable Runtime portion the scheduler owns outright.
type Job struct {
	ID        uint32  `json:"id"`
	RunName   string  `json:"run_name"`
	RedoneFrom *uint32 `json:"redone_from,omitempty"`

	Submitter  string            `json:"submitter"`
	WorkingDir string            `json:"working_dir"`
	ScriptPath string            `json:"script_path,omitempty"`
	Command    string            `json:"command,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty"`
	CondaEnv   string            `json:"conda_env,omitempty"`

	GPUs              int            `json:"gpus"`
	MemoryLimitMB     *int           `json:"memory_limit_mb,omitempty"`
	TimeLimit         *time.Duration `json:"time_limit,omitempty"`
	Priority          uint8          `json:"priority"`
	DependsOnIDs      []uint32       `json:"depends_on_ids,omitempty"`
	DependencyMode    DependencyMode `json:"dependency_mode,omitempty"`
	AutoCancelOnDepFailure bool      `json:"auto_cancel_on_dependency_failure"`
	GroupID           *uuid.UUID     `json:"group_id,omitempty"`
	MaxConcurrent     *int           `json:"max_concurrent,omitempty"`
	AutoCloseTmux     bool           `json:"auto_close_tmux"`
	TaskID            *int           `json:"task_id,omitempty"`

	State       JobState   `json:"state"`
	GpuIDs      []uint32   `json:"gpu_ids,omitempty"`
	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Reason      string     `json:"reason,omitempty"`
}

// UsesScript reports whether this job runs a script file rather than an
// inline command. Spec requires exactly one of ScriptPath/Command be set.
func (j *Job) UsesScript() bool {
	return j.ScriptPath != ""
}

// Clone returns a deep-enough copy safe to hand to a caller outside the
// store's lock (slices and the group pointer are copied; nothing in the
// copy aliases scheduler-owned memory).
func (j *Job) Clone() *Job {
	c := *j
	if j.Parameters != nil {
		c.Parameters = make(map[string]string, len(j.Parameters))
		for k, v := range j.Parameters {
			c.Parameters[k] = v
		}
	}
	if j.DependsOnIDs != nil {
		c.DependsOnIDs = append([]uint32(nil), j.DependsOnIDs...)
	}
	if j.GpuIDs != nil {
		c.GpuIDs = append([]uint32(nil), j.GpuIDs...)
	}
	if j.GroupID != nil {
		id := *j.GroupID
		c.GroupID = &id
	}
	if j.MaxConcurrent != nil {
		v := *j.MaxConcurrent
		c.MaxConcurrent = &v
	}
	if j.MemoryLimitMB != nil {
		v := *j.MemoryLimitMB
		c.MemoryLimitMB = &v
	}
	if j.TimeLimit != nil {
		v := *j.TimeLimit
		c.TimeLimit = &v
	}
	if j.TaskID != nil {
		v := *j.TaskID
		c.TaskID = &v
	}
	if j.StartedAt != nil {
		v := *j.StartedAt
		c.StartedAt = &v
	}
	if j.FinishedAt != nil {
		v := *j.FinishedAt
		c.FinishedAt = &v
	}
	if j.RedoneFrom != nil {
		v := *j.RedoneFrom
		c.RedoneFrom = &v
	}
	return &c
}

// legalTransitions enumerates every (from, to) pair spec §3 allows.
var legalTransitions = map[JobState]map[JobState]bool{
	StateQueued: {
		StateRunning:   true,
		StateHold:      true,
		StateCancelled: true,
	},
	StateHold: {
		StateQueued:    true,
		StateCancelled: true,
	},
	StateRunning: {
		StateFinished:  true,
		StateFailed:    true,
		StateCancelled: true,
		StateTimeout:   true,
	},
}

// CanTransition reports whether moving from `from` to `to` is legal.
func CanTransition(from, to JobState) bool {
	next, ok := legalTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}
