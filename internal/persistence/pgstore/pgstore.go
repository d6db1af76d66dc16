// Package pgstore implements persistence.Store against PostgreSQL, an
// optional alternative to filestore selected via
// GFLOWD_PERSISTENCE_BACKEND=postgres (SPEC_FULL.md §4.5.2). It uses
// gorm.io/gorm + gorm.io/driver/postgres for the connection and model
// mapping and pressly/goose/v3 for schema migrations.
package pgstore

import (
	"context"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/gflowd/gflowd/internal/persistence"
)

// PgStore persists the scheduler snapshot as normalized Postgres tables
// rather than the file-backed store's single opaque blob, so operators can
// query it directly for dashboards.
type PgStore struct {
	db *gorm.DB
}

// New opens a connection to dsn and returns a ready-to-use PgStore.
// Migrations are not run here; call RunMigrations (or `gflowd migrate`)
// first.
func New(ctx context.Context, dsn string) (*PgStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("pgstore: gorm open: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("pgstore: underlying sql.DB: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}
	return &PgStore{db: db}, nil
}

func (p *PgStore) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Load reads every job and reservation row plus scheduler_meta, assembling
// a full persistence.Snapshot the same shape filestore produces.
func (p *PgStore) Load(ctx context.Context) (persistence.Snapshot, error) {
	var jobRows []jobRow
	if err := p.db.WithContext(ctx).Find(&jobRows).Error; err != nil {
		return persistence.Snapshot{}, fmt.Errorf("pgstore: load jobs: %w", err)
	}
	var resRows []reservationRow
	if err := p.db.WithContext(ctx).Find(&resRows).Error; err != nil {
		return persistence.Snapshot{}, fmt.Errorf("pgstore: load reservations: %w", err)
	}
	var meta schedulerMetaRow
	if err := p.db.WithContext(ctx).First(&meta).Error; err != nil {
		return persistence.Snapshot{}, fmt.Errorf("pgstore: load scheduler_meta: %w", err)
	}

	snap := persistence.Snapshot{Version: persistence.CurrentVersion, NextJobID: meta.NextJobID}
	for _, row := range jobRows {
		job, err := row.toJob()
		if err != nil {
			return persistence.Snapshot{}, fmt.Errorf("pgstore: decode job %d: %w", row.ID, err)
		}
		snap.Jobs = append(snap.Jobs, job)
	}
	for _, row := range resRows {
		res, err := row.toReservation()
		if err != nil {
			return persistence.Snapshot{}, fmt.Errorf("pgstore: decode reservation %d: %w", row.ID, err)
		}
		snap.Reservations = append(snap.Reservations, res)
	}
	snap.AllowedGPUIndices = fromInt64Array(meta.AllowedGPUIndices)
	return snap, nil
}

// Save replaces the entire jobs/reservations/scheduler_meta state in a
// single transaction — simpler than diffing, and the snapshot is small
// enough (single-node job counts) that a full replace is cheap.
func (p *PgStore) Save(ctx context.Context, snap persistence.Snapshot) error {
	allowedIndices := toInt64Array(snap.AllowedGPUIndices)

	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("DELETE FROM jobs").Error; err != nil {
			return err
		}
		if err := tx.Exec("DELETE FROM reservations").Error; err != nil {
			return err
		}
		for _, job := range snap.Jobs {
			row, err := fromJob(job)
			if err != nil {
				return fmt.Errorf("encode job %d: %w", job.ID, err)
			}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("insert job %d: %w", job.ID, err)
			}
		}
		for _, res := range snap.Reservations {
			row, err := fromReservation(res)
			if err != nil {
				return fmt.Errorf("encode reservation %d: %w", res.ID, err)
			}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("insert reservation %d: %w", res.ID, err)
			}
		}
		return tx.Model(&schedulerMetaRow{}).Where("id = ?", true).
			Updates(map[string]any{"next_job_id": snap.NextJobID, "allowed_gpu_indices": allowedIndices}).Error
	})
}
