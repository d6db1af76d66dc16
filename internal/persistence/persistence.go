// Package persistence defines the Store interface the daemon saves and
// restores its state through (spec.md §4.5): a single persistable snapshot
// of {jobs, reservations, next_job_id, allowed_gpu_indices}, versioned for
// migration. internal/persistence/filestore is the default, file-backed
// implementation; internal/persistence/pgstore is the optional
// Postgres-backed alternative — both implement this same interface so the
// runtime adapter never knows which one it's talking to.
package persistence

import (
	"context"

	"github.com/gflowd/gflowd/internal/models"
)

// CurrentVersion is the schema version new snapshots are written at.
// Load() runs the migration chain up to this version and refuses to start
// if a loaded snapshot reports a version greater than this (never
// auto-downgrade, per spec.md §4.5).
const CurrentVersion = 1

// Snapshot is the full persistable state of the scheduler core.
type Snapshot struct {
	Version           int                   `json:"version"`
	Jobs              []*models.Job         `json:"jobs"`
	Reservations      []*models.Reservation `json:"reservations"`
	NextJobID         uint32                `json:"next_job_id"`
	AllowedGPUIndices []uint32              `json:"allowed_gpu_indices,omitempty"`
}

// Store persists and restores a Snapshot. Save must be atomic: a reader
// must never observe a partially written snapshot.
type Store interface {
	Load(ctx context.Context) (Snapshot, error)
	Save(ctx context.Context, snap Snapshot) error
	Close() error
}
