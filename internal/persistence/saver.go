package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/catalystcommunity/app-utils-go/logging"
)

// Dirtyable is the subset of the runtime adapter the Saver depends on: a
// way to know a snapshot changed and a way to take one without racing a
// concurrent mutation.
type Dirtyable interface {
	Dirty() bool
	ClearDirty()
	Snapshot() Snapshot
}

// Saver polls its source every debounce interval and writes a snapshot to
// the Store whenever the source is dirty, so a change is persisted within
// about one debounce interval; it does not wait for mutations to go quiet
// first. maxDelay drives a second timer that also flushes, but both timers
// are reset after every flush, so with debounce shorter than maxDelay only
// the debounce timer fires.
type Saver struct {
	store    Store
	source   Dirtyable
	debounce time.Duration
	maxDelay time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewSaver(store Store, source Dirtyable, debounce, maxDelay time.Duration) *Saver {
	return &Saver{store: store, source: source, debounce: debounce, maxDelay: maxDelay, stopCh: make(chan struct{})}
}

func (s *Saver) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.loop(ctx)
}

func (s *Saver) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Saver) loop(ctx context.Context) {
	defer s.wg.Done()

	debounceTimer := time.NewTimer(s.debounce)
	maxTimer := time.NewTimer(s.maxDelay)
	defer debounceTimer.Stop()
	defer maxTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.flushIfDirty(context.Background())
			return
		case <-s.stopCh:
			s.flushIfDirty(context.Background())
			return
		case <-debounceTimer.C:
			s.flushIfDirty(ctx)
			resetTimer(debounceTimer, s.debounce)
			resetTimer(maxTimer, s.maxDelay)
		case <-maxTimer.C:
			s.flushIfDirty(ctx)
			resetTimer(debounceTimer, s.debounce)
			resetTimer(maxTimer, s.maxDelay)
		}
	}
}

func (s *Saver) flushIfDirty(ctx context.Context) {
	if !s.source.Dirty() {
		return
	}
	// Clear before snapshotting: a mutation racing in between re-dirties the
	// source, so it's picked up by the next flush instead of being silently
	// dropped by a ClearDirty() that lands after the snapshot was taken.
	s.source.ClearDirty()
	snap := s.source.Snapshot()
	if err := s.store.Save(ctx, snap); err != nil {
		logging.Log.WithError(err).Error("failed to persist scheduler state")
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
