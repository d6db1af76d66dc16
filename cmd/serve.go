package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/urfave/cli/v2"

	"github.com/gflowd/gflowd/internal/config"
	"github.com/gflowd/gflowd/internal/events"
	"github.com/gflowd/gflowd/internal/executor"
	"github.com/gflowd/gflowd/internal/gpu"
	"github.com/gflowd/gflowd/internal/handlers"
	"github.com/gflowd/gflowd/internal/models"
	"github.com/gflowd/gflowd/internal/monitor"
	"github.com/gflowd/gflowd/internal/objectstore"
	"github.com/gflowd/gflowd/internal/persistence"
	"github.com/gflowd/gflowd/internal/persistence/filestore"
	"github.com/gflowd/gflowd/internal/persistence/pgstore"
	"github.com/gflowd/gflowd/internal/runtime"
	"github.com/gflowd/gflowd/internal/scheduler"
	"github.com/gflowd/gflowd/internal/sessioncontrol"
	"github.com/gflowd/gflowd/internal/webhook"
)

// Version is stamped at build time; left as a default for local runs.
var Version = "dev"

var ServeCommand = &cli.Command{
	Name:   "serve",
	Usage:  "Run the gflowd scheduler daemon",
	Action: func(ctx *cli.Context) error { return Serve() },
}

func Serve() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gpuSource := newGpuSource()
	detected, err := gpuSource.Refresh(ctx)
	if err != nil {
		logging.Log.WithError(err).Warn("initial GPU enumeration failed, starting with no GPUs detected")
	}
	initialSlots := make([]models.GpuSlot, len(detected))
	for i, slot := range detected {
		initialSlots[i] = models.GpuSlot{UUID: slot.UUID, Index: slot.Index, Available: slot.Available, Reason: slot.Reason}
	}

	totalMemoryMB := config.TotalMemoryMB
	if totalMemoryMB <= 0 {
		if vm, err := mem.VirtualMemory(); err == nil {
			totalMemoryMB = int(vm.Total / (1024 * 1024))
		}
	}

	core := scheduler.New(totalMemoryMB, initialSlots)
	bus := events.NewBus()

	exec, err := executor.NewFromConfig(executor.Config{
		Backend:                config.ExecutorBackend,
		FinishCallbackBaseURL:  fmt.Sprintf("http://127.0.0.1:%d", config.Port),
		DockerImage:            config.DockerImage,
		KubernetesNamespace:    config.KubernetesNamespace,
		KubernetesKubeconfig:   config.KubernetesKubeconfig,
	})
	if err != nil {
		return fmt.Errorf("gflowd: init executor: %w", err)
	}

	rt := runtime.New(core, exec, gpuSource, bus)

	store, mode := newPersistence(ctx)
	handlers.SetMode(mode)
	if mode != handlers.ModeReadOnly {
		if snap, err := store.Load(ctx); err != nil {
			logging.Log.WithError(err).Error("gflowd: state load failed, entering recovery mode")
			handlers.SetMode(handlers.ModeRecovery)
		} else {
			rt.Restore(snap)
			logging.Log.WithField("jobs", len(snap.Jobs)).Info("gflowd: state restored")
		}
	}
	defer store.Close()

	saver := persistence.NewSaver(store, rt,
		time.Duration(config.StateSaverDebounceMS)*time.Millisecond,
		time.Duration(config.StateSaverMaxDelayMS)*time.Millisecond)
	saver.Start(ctx)
	defer saver.Stop()

	sessions := sessioncontrol.New()
	objects := newObjectStore()

	monitors := []*monitor.Monitor{
		monitor.NewGpuMonitor(rt, time.Duration(config.GpuMonitorIntervalSec)*time.Second),
		monitor.NewZombieMonitor(rt, sessions, time.Duration(config.ZombieMonitorIntervalSec)*time.Second),
		monitor.NewTimeoutMonitor(rt, sessions, time.Duration(config.TimeoutMonitorIntervalSec)*time.Second),
		monitor.NewReservationMonitor(rt, time.Duration(config.ReservationRetentionDays)*24*time.Hour,
			time.Duration(config.ReservationMonitorIntervalSec)*time.Second),
	}
	for _, m := range monitors {
		m.Start(ctx)
	}
	defer func() {
		for _, m := range monitors {
			m.Stop()
		}
	}()

	go schedulerLoop(ctx, rt, bus)

	if targets := parseWebhookTargets(); len(targets) > 0 {
		notifier := webhook.New(bus, targets, config.WebhookConcurrency, hostname(), Version)
		go notifier.Run()
		defer notifier.Stop()
	}

	handler := handlers.NewRouter(rt, bus, sessions, objects, Version)
	srv := &http.Server{Addr: fmt.Sprintf(":%d", config.Port), Handler: handler}

	go func() {
		logging.Log.Infof("gflowd listening on :%d", config.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Log.WithError(err).Error("gflowd: ListenAndServe exited")
		}
	}()

	<-ctx.Done()
	logging.Log.Info("gflowd: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(config.ShutdownGraceSec)*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Log.WithError(err).Warn("gflowd: graceful shutdown timed out")
	}

	if err := store.Save(context.Background(), rt.Snapshot()); err != nil {
		logging.Log.WithError(err).Error("gflowd: final state save failed")
	}
	return nil
}

// schedulerLoop reacts to scheduling-relevant events (spec.md §4.3:
// JobSubmitted, JobCompleted, GpuAvailabilityChanged,
// MemoryAvailabilityChanged, ReservationCreated, ReservationCancelled,
// PeriodicHealthCheck) by re-running schedule_jobs() immediately, with a
// fixed-cadence ticker as a safety net in case an event is ever missed or
// coalesced away.
func schedulerLoop(ctx context.Context, rt *runtime.Runtime, bus *events.Bus) {
	sub := bus.Subscribe()
	defer sub.Close()

	ticker := time.NewTicker(time.Duration(config.SchedulerLoopTickSec) * time.Second)
	defer ticker.Stop()

	runTick := func() {
		for _, res := range rt.Tick() {
			if !res.Ok && res.Err != nil {
				logging.Log.WithError(res.Err).WithField("job_id", res.JobID).Warn("gflowd: job launch failed")
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runTick()
		case <-sub.C:
			runTick()
		}
	}
}

func newGpuSource() gpu.Source {
	if config.GpuSource == "static" {
		return gpu.NewStaticSource(config.StaticGpuCount)
	}
	return gpu.NewNVMLSource()
}

func newObjectStore() objectstore.Store {
	if config.ObjectStoreType == "s3" {
		store, err := objectstore.NewS3Store(objectstore.S3Config{
			Bucket: config.ObjectStoreBucket,
			Prefix: config.ObjectStorePrefix,
		})
		if err != nil {
			logging.Log.WithError(err).Warn("gflowd: S3 object store init failed, log retrieval unavailable")
			return nil
		}
		return store
	}
	basePath := config.DataDir
	return objectstore.NewFilesystemStore(basePath)
}

// newPersistence selects file or Postgres persistence per
// GFLOWD_PERSISTENCE_BACKEND, returning ModeReadOnly if the backend can't
// even be opened (spec.md §4.6/§7).
func newPersistence(ctx context.Context) (persistence.Store, handlers.Mode) {
	if config.PersistenceBackend == "postgres" {
		store, err := pgstore.New(ctx, config.PostgresDSN)
		if err != nil {
			logging.Log.WithError(err).Error("gflowd: postgres connect failed, entering read-only mode")
			return noopStore{}, handlers.ModeReadOnly
		}
		return store, handlers.ModeOK
	}
	store, err := filestore.New(config.DataDir, false)
	if err != nil {
		logging.Log.WithError(err).Error("gflowd: filestore init failed, entering read-only mode")
		return noopStore{}, handlers.ModeReadOnly
	}
	return store, handlers.ModeOK
}

// noopStore backs read-only mode: Load is never called with it (Serve
// checks mode before calling Load); Save discards the snapshot and reports
// success, so the saver's writes go nowhere durable; Close is a no-op.
type noopStore struct{}

func (noopStore) Load(ctx context.Context) (persistence.Snapshot, error) {
	return persistence.Snapshot{}, fmt.Errorf("gflowd: no persistence backend available")
}
func (noopStore) Save(ctx context.Context, snap persistence.Snapshot) error { return nil }
func (noopStore) Close() error                                             { return nil }

func parseWebhookTargets() []webhook.Target {
	if config.WebhookURLs == "" {
		return nil
	}
	var targets []webhook.Target
	for _, url := range splitAndTrim(config.WebhookURLs, ",") {
		targets = append(targets, webhook.Target{
			URL:        url,
			Timeout:    time.Duration(config.WebhookTimeoutSec) * time.Second,
			MaxRetries: uint64(config.WebhookMaxRetries),
		})
	}
	return targets
}

func splitAndTrim(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "gflowd"
	}
	return h
}
