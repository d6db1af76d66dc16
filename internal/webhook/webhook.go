// Package webhook implements spec.md §6's webhook notifier: per-target JSON
// POST delivery with exponential backoff, delivery concurrency bounded by a
// worker pool via gammazero/workerpool, retried with cenkalti/backoff.
package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/gammazero/workerpool"

	"github.com/gflowd/gflowd/internal/events"
	"github.com/gflowd/gflowd/internal/metrics"
)

// Target is one configured webhook destination.
type Target struct {
	URL         string
	EventKinds  map[events.Kind]bool // empty/nil means "all kinds"
	Users       map[string]bool      // empty/nil means "all users"
	Headers     map[string]string
	Timeout     time.Duration
	MaxRetries  uint64
}

func (t Target) matches(ev events.Event, user string) bool {
	if len(t.EventKinds) > 0 && !t.EventKinds[ev.Kind] {
		return false
	}
	if len(t.Users) > 0 && user != "" && !t.Users[user] {
		return false
	}
	return true
}

// payload is the JSON body delivered to every target, matching spec.md
// §6's {event, timestamp, scheduler:{host,version}, job?, reservation?,
// gpu?} shape. Only the fields relevant to the event's kind are populated.
type payload struct {
	Event     events.Kind `json:"event"`
	Timestamp time.Time   `json:"timestamp"`
	Scheduler struct {
		Host    string `json:"host"`
		Version string `json:"version"`
	} `json:"scheduler"`
	Job         *events.Event `json:"job,omitempty"`
	Reservation *events.Event `json:"reservation,omitempty"`
	Gpu         *events.Event `json:"gpu,omitempty"`
}

// Notifier subscribes to the event bus and delivers matching events to
// every configured Target, bounding concurrency with a worker pool so a
// slow/unreachable endpoint never backs up event delivery for the rest.
type Notifier struct {
	bus       *events.Bus
	targets   []Target
	pool      *workerpool.WorkerPool
	host      string
	version   string
	client    *http.Client
	stopCh    chan struct{}
}

func New(bus *events.Bus, targets []Target, concurrency int, host, version string) *Notifier {
	return &Notifier{
		bus:     bus,
		targets: targets,
		pool:    workerpool.New(concurrency),
		host:    host,
		version: version,
		client:  &http.Client{},
		stopCh:  make(chan struct{}),
	}
}

// Run subscribes to the bus and delivers events to every matching target
// until Stop is called. Intended to run in its own goroutine.
func (n *Notifier) Run() {
	sub := n.bus.Subscribe()
	defer sub.Close()

	for {
		select {
		case <-n.stopCh:
			n.pool.StopWait()
			return
		case msg, ok := <-sub.C:
			if !ok {
				return
			}
			ev, ok := msg.(events.Event)
			if !ok {
				continue // a *Lagged value; the events it stands for are not redelivered
			}
			n.dispatch(ev)
		}
	}
}

func (n *Notifier) Stop() { close(n.stopCh) }

func (n *Notifier) dispatch(ev events.Event) {
	for _, target := range n.targets {
		if !target.matches(ev, ev.Submitter) {
			continue
		}
		target := target
		n.pool.Submit(func() {
			n.deliver(target, ev)
		})
	}
}

func (n *Notifier) deliver(target Target, ev events.Event) {
	body := n.buildPayload(ev)
	data, err := json.Marshal(body)
	if err != nil {
		logging.Log.WithError(err).Error("webhook: failed to encode payload")
		return
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	b.MaxInterval = 30 * time.Second
	retrier := backoff.WithMaxRetries(b, target.MaxRetries)

	err = backoff.Retry(func() error {
		return n.attempt(target, data)
	}, retrier)
	if err != nil {
		logging.Log.WithError(err).WithField("url", target.URL).Warn("webhook: delivery abandoned after retries")
	}
	metrics.WebhookDeliveries.WithLabelValues(target.URL, fmt.Sprint(err == nil)).Inc()
}

// attempt performs a single HTTP POST. A permanent error (any 4xx except
// 429, per spec.md §6) is wrapped in backoff.Permanent so the retrier gives
// up immediately instead of burning through its retry budget.
func (n *Notifier) attempt(target Target, data []byte) error {
	timeout := target.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	client := &http.Client{Timeout: timeout}

	req, err := http.NewRequest(http.MethodPost, target.URL, bytes.NewReader(data))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range target.Headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err // network error: retriable
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return backoff.Permanent(fmt.Errorf("webhook: non-retriable status %d", resp.StatusCode))
	}
	return fmt.Errorf("webhook: status %d", resp.StatusCode)
}

func (n *Notifier) buildPayload(ev events.Event) payload {
	p := payload{Event: ev.Kind, Timestamp: time.Now()}
	p.Scheduler.Host = n.host
	p.Scheduler.Version = n.version
	switch ev.Kind {
	case events.ReservationCreated, events.ReservationCancelled:
		p.Reservation = &ev
	case events.GpuAvailabilityChanged, events.MemoryAvailabilityChanged:
		p.Gpu = &ev
	default:
		p.Job = &ev
	}
	return p
}
