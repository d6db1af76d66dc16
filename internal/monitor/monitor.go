// Package monitor implements the four independent background tasks from
// spec.md §4.4: GPU, zombie, timeout and reservation monitors. Each runs as
// its own goroutine on a ticker, with its own stop channel, and talks to
// the runtime adapter only.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/catalystcommunity/app-utils-go/logging"

	"github.com/gflowd/gflowd/internal/models"
	"github.com/gflowd/gflowd/internal/runtime"
	"github.com/gflowd/gflowd/internal/scheduler"
	"github.com/gflowd/gflowd/internal/sessioncontrol"
)

// Monitor is one independently-ticking background task.
type Monitor struct {
	name     string
	interval time.Duration
	tick     func(ctx context.Context)

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func newMonitor(name string, interval time.Duration, tick func(ctx context.Context)) *Monitor {
	return &Monitor{name: name, interval: interval, tick: tick, stopCh: make(chan struct{})}
}

func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.loop(ctx)
}

func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			func() {
				defer func() {
					if r := recover(); r != nil {
						logging.Log.WithField("monitor", m.name).Errorf("monitor panic: %v", r)
					}
				}()
				m.tick(ctx)
			}()
		}
	}
}

// NewGpuMonitor polls the runtime's gpu.Source on interval and lets Runtime
// publish GpuAvailabilityChanged for whatever flipped (spec.md §4.4).
func NewGpuMonitor(rt *runtime.Runtime, interval time.Duration) *Monitor {
	return newMonitor("gpu", interval, func(ctx context.Context) {
		rt.RefreshGpus(ctx)
	})
}

// NewZombieMonitor lists live session names once per tick and fails any
// Running job whose run_name is missing from that set.
func NewZombieMonitor(rt *runtime.Runtime, sessions sessioncontrol.Controller, interval time.Duration) *Monitor {
	return newMonitor("zombie", interval, func(ctx context.Context) {
		live, err := sessions.ListSessions(ctx)
		if err != nil {
			logging.Log.WithError(err).Warn("zombie monitor: failed to list sessions")
			return
		}
		for _, job := range rt.ListJobs(scheduler.ListJobsFilter{State: models.StateRunning}) {
			if !live[job.RunName] {
				rt.MarkZombie(job.ID)
			}
		}
	})
}

// NewTimeoutMonitor moves any Running job whose time_limit has elapsed to
// Timeout,
// sending SIGINT to its session first (spec.md §4.4/§6).
func NewTimeoutMonitor(rt *runtime.Runtime, sessions sessioncontrol.Controller, interval time.Duration) *Monitor {
	return newMonitor("timeout", interval, func(ctx context.Context) {
		now := time.Now()
		for _, job := range rt.ListJobs(scheduler.ListJobsFilter{State: models.StateRunning}) {
			if job.TimeLimit == nil || job.StartedAt == nil {
				continue
			}
			if now.Sub(*job.StartedAt) <= *job.TimeLimit {
				continue
			}
			if err := sessions.SendInterrupt(ctx, job.RunName); err != nil {
				logging.Log.WithError(err).WithField("job_id", job.ID).Warn("timeout monitor: failed to interrupt session")
			}
			rt.TimeoutJob(job.ID)
		}
	})
}

// NewReservationMonitor sweeps reservation statuses and garbage-collects
// old terminal reservations (spec.md §4.4: 7-day retention default).
func NewReservationMonitor(rt *runtime.Runtime, retention time.Duration, interval time.Duration) *Monitor {
	return newMonitor("reservation", interval, func(ctx context.Context) {
		now := time.Now()
		rt.UpdateReservations(now)
		rt.CleanupOldReservations(now, retention)
	})
}
