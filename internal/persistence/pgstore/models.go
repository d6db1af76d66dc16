package pgstore

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/gflowd/gflowd/internal/models"
)

func toInt64Array(ids []uint32) pq.Int64Array {
	out := make(pq.Int64Array, len(ids))
	for i, id := range ids {
		out[i] = int64(id)
	}
	return out
}

func fromInt64Array(arr pq.Int64Array) []uint32 {
	if len(arr) == 0 {
		return nil
	}
	out := make([]uint32, len(arr))
	for i, v := range arr {
		out[i] = uint32(v)
	}
	return out
}

// jobRow is the normalized table representation of a models.Job, letting
// the optional Postgres backend be queried directly for operational
// dashboards (SPEC_FULL.md §4.5.2), unlike the file-backed store's single
// opaque blob. Integer id lists use native Postgres arrays (lib/pq) rather
// than JSON columns; Parameters, a string->string map, stays JSONB.
type jobRow struct {
	ID                     uint32 `gorm:"primaryKey"`
	RunName                string
	RedoneFrom             *uint32
	Submitter              string
	WorkingDir             string
	ScriptPath             string
	Command                string
	Parameters             json.RawMessage `gorm:"type:jsonb"`
	CondaEnv               string
	GPUs                   int
	MemoryLimitMB          *int
	TimeLimitNS            *int64
	Priority               uint8
	DependsOnIDs           pq.Int64Array `gorm:"type:bigint[]"`
	DependencyMode         string
	AutoCancelOnDepFailure bool `gorm:"column:auto_cancel_on_dep_failure"`
	GroupID                *uuid.UUID
	MaxConcurrent          *int
	AutoCloseTmux          bool
	TaskID                 *int
	State                  string
	GpuIDs                 pq.Int64Array `gorm:"type:bigint[]"`
	SubmittedAt            time.Time
	StartedAt              *time.Time
	FinishedAt             *time.Time
	Reason                 string
}

func (jobRow) TableName() string { return "jobs" }

func fromJob(j *models.Job) (jobRow, error) {
	params, err := json.Marshal(j.Parameters)
	if err != nil {
		return jobRow{}, err
	}
	var timeLimitNS *int64
	if j.TimeLimit != nil {
		ns := int64(*j.TimeLimit)
		timeLimitNS = &ns
	}
	return jobRow{
		ID:                     j.ID,
		RunName:                j.RunName,
		RedoneFrom:             j.RedoneFrom,
		Submitter:              j.Submitter,
		WorkingDir:             j.WorkingDir,
		ScriptPath:             j.ScriptPath,
		Command:                j.Command,
		Parameters:             params,
		CondaEnv:               j.CondaEnv,
		GPUs:                   j.GPUs,
		MemoryLimitMB:          j.MemoryLimitMB,
		TimeLimitNS:            timeLimitNS,
		Priority:               j.Priority,
		DependsOnIDs:           toInt64Array(j.DependsOnIDs),
		DependencyMode:         string(j.DependencyMode),
		AutoCancelOnDepFailure: j.AutoCancelOnDepFailure,
		GroupID:                j.GroupID,
		MaxConcurrent:          j.MaxConcurrent,
		AutoCloseTmux:          j.AutoCloseTmux,
		TaskID:                 j.TaskID,
		State:                  string(j.State),
		GpuIDs:                 toInt64Array(j.GpuIDs),
		SubmittedAt:            j.SubmittedAt,
		StartedAt:              j.StartedAt,
		FinishedAt:             j.FinishedAt,
		Reason:                 j.Reason,
	}, nil
}

func (r jobRow) toJob() (*models.Job, error) {
	var params map[string]string
	if len(r.Parameters) > 0 {
		if err := json.Unmarshal(r.Parameters, &params); err != nil {
			return nil, err
		}
	}
	var timeLimit *time.Duration
	if r.TimeLimitNS != nil {
		d := time.Duration(*r.TimeLimitNS)
		timeLimit = &d
	}
	return &models.Job{
		ID:                     r.ID,
		RunName:                r.RunName,
		RedoneFrom:             r.RedoneFrom,
		Submitter:              r.Submitter,
		WorkingDir:             r.WorkingDir,
		ScriptPath:             r.ScriptPath,
		Command:                r.Command,
		Parameters:             params,
		CondaEnv:               r.CondaEnv,
		GPUs:                   r.GPUs,
		MemoryLimitMB:          r.MemoryLimitMB,
		TimeLimit:              timeLimit,
		Priority:               r.Priority,
		DependsOnIDs:           fromInt64Array(r.DependsOnIDs),
		DependencyMode:         models.DependencyMode(r.DependencyMode),
		AutoCancelOnDepFailure: r.AutoCancelOnDepFailure,
		GroupID:                r.GroupID,
		MaxConcurrent:          r.MaxConcurrent,
		AutoCloseTmux:          r.AutoCloseTmux,
		TaskID:                 r.TaskID,
		State:                  models.JobState(r.State),
		GpuIDs:                 fromInt64Array(r.GpuIDs),
		SubmittedAt:            r.SubmittedAt,
		StartedAt:              r.StartedAt,
		FinishedAt:             r.FinishedAt,
		Reason:                 r.Reason,
	}, nil
}

type reservationRow struct {
	ID              uint32        `gorm:"primaryKey"`
	User            string        `gorm:"column:user"`
	RequestedCount  *int
	Indices         pq.Int64Array `gorm:"type:bigint[]"`
	ResolvedIndices pq.Int64Array `gorm:"type:bigint[]"`
	StartTime       time.Time
	DurationNS      int64
	Status          string
	CreatedAt       time.Time
}

func (reservationRow) TableName() string { return "reservations" }

func fromReservation(r *models.Reservation) (reservationRow, error) {
	return reservationRow{
		ID:              r.ID,
		User:            r.User,
		RequestedCount:  r.RequestedCount,
		Indices:         toInt64Array(r.Indices),
		ResolvedIndices: toInt64Array(r.ResolvedIndices),
		StartTime:       r.Start,
		DurationNS:      int64(r.Duration),
		Status:          string(r.Status),
		CreatedAt:       r.CreatedAt,
	}, nil
}

func (row reservationRow) toReservation() (*models.Reservation, error) {
	return &models.Reservation{
		ID:              row.ID,
		User:            row.User,
		RequestedCount:  row.RequestedCount,
		Indices:         fromInt64Array(row.Indices),
		ResolvedIndices: fromInt64Array(row.ResolvedIndices),
		Start:           row.StartTime,
		Duration:        time.Duration(row.DurationNS),
		Status:          models.ReservationStatus(row.Status),
		CreatedAt:       row.CreatedAt,
	}, nil
}

type schedulerMetaRow struct {
	ID                bool          `gorm:"primaryKey"`
	NextJobID         uint32
	AllowedGPUIndices pq.Int64Array `gorm:"type:bigint[]"`
}

func (schedulerMetaRow) TableName() string { return "scheduler_meta" }
