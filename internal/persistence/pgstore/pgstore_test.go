package pgstore

import (
	"context"
	"flag"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/gflowd/gflowd/internal/models"
	"github.com/gflowd/gflowd/internal/persistence"
)

var pgContainer *tcpostgres.PostgresContainer

// TestMain boots a disposable Postgres container once per test binary run
// and runs the goose migrations against it, matching the pack's
// testcontainers-go usage for pgstore's Load/Save round trip. Skipped
// entirely in -short mode since it needs Docker.
func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(0)
	}

	ctx := context.Background()
	var err error
	pgContainer, err = tcpostgres.Run(ctx,
		"postgres:17",
		tcpostgres.WithDatabase("gflowd_test"),
		tcpostgres.WithUsername("gflowd"),
		tcpostgres.WithPassword("gflowd"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		fmt.Printf("pgstore_test: failed to start postgres container: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()

	if err := pgContainer.Terminate(ctx); err != nil {
		fmt.Printf("pgstore_test: failed to terminate postgres container: %v\n", err)
	}
	os.Exit(code)
}

func dsnForTest(t *testing.T) string {
	t.Helper()
	dsn, err := pgContainer.ConnectionString(context.Background(), "sslmode=disable")
	require.NoError(t, err)
	return dsn
}

func runMigrations(t *testing.T, dsn string) {
	t.Helper()
	store, err := New(context.Background(), dsn)
	require.NoError(t, err)
	sqlDB, err := store.db.DB()
	require.NoError(t, err)
	goose.SetBaseFS(Migrations)
	require.NoError(t, goose.Up(sqlDB, "migrations"))
	require.NoError(t, store.Close())
}

func TestPgStoreSaveAndLoadRoundTrip(t *testing.T) {
	dsn := dsnForTest(t)
	runMigrations(t, dsn)

	store, err := New(context.Background(), dsn)
	require.NoError(t, err)
	defer store.Close()

	memLimit := 2048
	groupID := uuid.New()
	snap := persistence.Snapshot{
		Version:   persistence.CurrentVersion,
		NextJobID: 2,
		Jobs: []*models.Job{
			{
				ID:            1,
				RunName:       "gflow-job-1",
				Submitter:     "ada",
				WorkingDir:    "/home/ada",
				Command:       "python train.py",
				GPUs:          1,
				MemoryLimitMB: &memLimit,
				Priority:      5,
				GroupID:       &groupID,
				State:         models.StateQueued,
				SubmittedAt:   time.Now().UTC().Truncate(time.Second),
			},
		},
		AllowedGPUIndices: []uint32{0, 1},
	}

	require.NoError(t, store.Save(context.Background(), snap))

	loaded, err := store.Load(context.Background())
	require.NoError(t, err)

	require.Len(t, loaded.Jobs, 1)
	assert.Equal(t, snap.Jobs[0].RunName, loaded.Jobs[0].RunName)
	assert.Equal(t, snap.Jobs[0].Submitter, loaded.Jobs[0].Submitter)
	assert.Equal(t, snap.Jobs[0].GPUs, loaded.Jobs[0].GPUs)
	assert.Equal(t, *snap.Jobs[0].MemoryLimitMB, *loaded.Jobs[0].MemoryLimitMB)
	assert.Equal(t, snap.Jobs[0].GroupID.String(), loaded.Jobs[0].GroupID.String())
	assert.Equal(t, snap.NextJobID, loaded.NextJobID)
	assert.ElementsMatch(t, snap.AllowedGPUIndices, loaded.AllowedGPUIndices)
}

func TestPgStoreSaveReplacesPreviousState(t *testing.T) {
	dsn := dsnForTest(t)
	runMigrations(t, dsn)

	store, err := New(context.Background(), dsn)
	require.NoError(t, err)
	defer store.Close()

	first := persistence.Snapshot{
		Version:   persistence.CurrentVersion,
		NextJobID: 2,
		Jobs: []*models.Job{
			{ID: 1, RunName: "first", Submitter: "ada", WorkingDir: "/home/ada", Command: "echo hi",
				State: models.StateQueued, SubmittedAt: time.Now().UTC().Truncate(time.Second)},
		},
	}
	require.NoError(t, store.Save(context.Background(), first))

	second := persistence.Snapshot{Version: persistence.CurrentVersion, NextJobID: 1}
	require.NoError(t, store.Save(context.Background(), second))

	loaded, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, loaded.Jobs)
	assert.Equal(t, uint32(1), loaded.NextJobID)
}
