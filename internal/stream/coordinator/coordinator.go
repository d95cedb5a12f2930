// Package coordinator combines a snapshot endpoint and a live feed into one
// observable view.
//
// A Coordinator fetches an authoritative snapshot, subscribes to the live
// feed through a Hub, refetches the snapshot when a unit of work finishes,
// and polls while the feed is in fallback. Consumers never receive errors
// or panics; failures are reported in View.Err.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-pka/internal/audit"
	"github.com/kubilitics/kubilitics-pka/internal/metrics"
	"github.com/kubilitics/kubilitics-pka/internal/models"
	"github.com/kubilitics/kubilitics-pka/internal/stream/hub"
	"github.com/kubilitics/kubilitics-pka/internal/stream/normalizer"
	"github.com/kubilitics/kubilitics-pka/internal/stream/poller"
)

// ErrClosed is returned by Refetch after Close.
var ErrClosed = errors.New("coordinator closed")

// SnapshotFetchError wraps a failed snapshot fetch.
type SnapshotFetchError struct {
	Feed string
	Err  error
}

func (e *SnapshotFetchError) Error() string {
	return fmt.Sprintf("fetch %s snapshot: %v", e.Feed, e.Err)
}

func (e *SnapshotFetchError) Unwrap() error { return e.Err }

// FetchFunc loads the authoritative snapshot.
type FetchFunc[S any] func(ctx context.Context) (S, error)

// Hub is the part of hub.Hub a Coordinator uses.
type Hub interface {
	Acquire(endpoint string, sub hub.Subscriber) *hub.Subscription
}

// View is an immutable copy of the coordinator state.
type View[S any] struct {
	Snapshot    S
	HasSnapshot bool
	SnapshotAt  time.Time
	Events      []models.StreamEvent
	State       models.ConnectionState
	Loading     bool
	Err         error
}

// IsConnected is true only while the live feed is open.
func (v View[S]) IsConnected() bool {
	return v.State == models.StateConnected
}

// Retrying is true while the feed is down and being retried.
func (v View[S]) Retrying() bool {
	return v.State.Retrying()
}

// Failed is true when the last snapshot fetch failed.
func (v View[S]) Failed() bool {
	return v.Err != nil
}

// Options configures a Coordinator.
type Options struct {
	// Feed names the coordinator in logs and metrics.
	Feed       string
	Endpoint   string
	Hub        Hub
	Poller     poller.Options
	Normalizer normalizer.Options
	Logger     *zap.Logger
	Audit      audit.Logger
}

// Coordinator is safe for concurrent use.
type Coordinator[S any] struct {
	opts   Options
	fetch  FetchFunc[S]
	norm   *normalizer.Normalizer
	poller *poller.Poller
	logger *zap.Logger

	mu       sync.Mutex
	view     View[S]
	issued   uint64
	applied  uint64
	inFlight int
	started  bool
	closed   bool
	sub      *hub.Subscription
	ctx      context.Context
	cancel   context.CancelFunc
	updates  chan View[S]
	watchers map[uint64]chan View[S]
	nextID   uint64
	wg       sync.WaitGroup
}

// New creates an idle Coordinator.
func New[S any](fetch FetchFunc[S], opts Options) *Coordinator[S] {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Audit == nil {
		opts.Audit = audit.NewNopLogger()
	}
	logger := opts.Logger.Named("coordinator").With(zap.String("feed", opts.Feed))
	opts.Poller.Feed = opts.Feed
	if opts.Poller.Logger == nil {
		opts.Poller.Logger = opts.Logger
	}
	if opts.Normalizer.Logger == nil {
		opts.Normalizer.Logger = opts.Logger
	}

	c := &Coordinator[S]{
		opts:     opts,
		fetch:    fetch,
		norm:     normalizer.New(opts.Normalizer),
		logger:   logger,
		view:     View[S]{State: models.StateIdle},
		updates:  make(chan View[S], 1),
		watchers: make(map[uint64]chan View[S]),
	}
	c.poller = poller.New(func(ctx context.Context) { _ = c.refresh(ctx) }, opts.Poller)
	return c
}

// Start subscribes to the live feed and loads the initial snapshot. It
// returns once the first fetch finished; a fetch failure is reported in
// View.Err. ctx bounds the lifetime of background refreshes.
func (c *Coordinator[S]) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started || c.closed {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	sub := c.opts.Hub.Acquire(c.opts.Endpoint, c)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		sub.Release()
		return
	}
	c.sub = sub
	c.mu.Unlock()

	_ = c.refresh(ctx)
}

// Close releases the live feed and stops polling. The Updates channel is
// closed. Close is idempotent.
func (c *Coordinator[S]) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	sub := c.sub
	c.sub = nil
	if c.cancel != nil {
		c.cancel()
	}
	close(c.updates)
	for id, ch := range c.watchers {
		close(ch)
		delete(c.watchers, id)
	}
	c.mu.Unlock()

	sub.Release()
	c.poller.Stop()
	c.wg.Wait()
}

// View returns the current state.
func (c *Coordinator[S]) View() View[S] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view
}

// Updates delivers the latest View after every change. Slow readers only
// see the most recent one.
func (c *Coordinator[S]) Updates() <-chan View[S] {
	return c.updates
}

// Subscribe returns the current view and a private latest-wins channel of
// later views, for consumers that share one coordinator. The channel is
// closed by cancel or by Close. After Close the channel is already closed.
func (c *Coordinator[S]) Subscribe() (View[S], <-chan View[S], func()) {
	ch := make(chan View[S], 1)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(ch)
		return c.view, ch, func() {}
	}
	c.nextID++
	id := c.nextID
	c.watchers[id] = ch

	cancel := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if w, ok := c.watchers[id]; ok {
			delete(c.watchers, id)
			close(w)
		}
	}
	return c.view, ch, cancel
}

// IsConnected reports whether the live feed is open.
func (c *Coordinator[S]) IsConnected() bool {
	return c.View().IsConnected()
}

// Events returns the ordered event log.
func (c *Coordinator[S]) Events() []models.StreamEvent {
	return c.View().Events
}

// Refetch reloads the snapshot now.
func (c *Coordinator[S]) Refetch(ctx context.Context) error {
	return c.refresh(ctx)
}

// Polling reports whether the fallback poller is active.
func (c *Coordinator[S]) Polling() bool {
	return c.poller.Running()
}

// StateChanged implements hub.Subscriber.
func (c *Coordinator[S]) StateChanged(ch hub.StateChange) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.update(func(v *View[S]) { v.State = ch.State })
	ctx := c.ctx
	c.mu.Unlock()

	switch ch.State {
	case models.StateFallback:
		c.poller.Start(ctx)
		// Close may have run between the unlock and Start.
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			c.poller.Stop()
		}
	case models.StateConnected:
		c.poller.Stop()
	}
	if ch.Recovered {
		c.logger.Info("live feed recovered, refreshing snapshot")
		c.refreshAsync()
	}
}

// Frame implements hub.Subscriber.
func (c *Coordinator[S]) Frame(frame []byte) {
	added, err := c.norm.Ingest(frame)
	if err != nil || len(added) == 0 {
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	events := c.norm.Events()
	c.update(func(v *View[S]) { v.Events = events })
	c.mu.Unlock()

	for _, ev := range added {
		if ev.Type.Terminal() {
			c.logger.Debug("terminal event, refreshing snapshot", zap.String("type", string(ev.Type)))
			c.refreshAsync()
			return
		}
	}
}

func (c *Coordinator[S]) refreshAsync() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	ctx := c.ctx
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		_ = c.refresh(ctx)
	}()
}

// refresh fetches a snapshot. A result is dropped when a later-issued fetch
// already completed.
func (c *Coordinator[S]) refresh(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.issued++
	seq := c.issued
	c.inFlight++
	c.update(func(v *View[S]) { v.Loading = true })
	c.mu.Unlock()

	start := time.Now()
	snap, err := c.fetch(ctx)
	metrics.RecordSnapshotFetch(c.opts.Feed, time.Since(start).Seconds(), err)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight--
	if c.closed {
		return ErrClosed
	}
	if seq < c.applied {
		c.logger.Debug("dropping stale snapshot", zap.Uint64("seq", seq), zap.Uint64("applied", c.applied))
		c.update(func(v *View[S]) { v.Loading = c.inFlight > 0 })
		return nil
	}
	if err != nil && ctx.Err() != nil {
		// Cancelled by Stop or Close, not a backend failure.
		c.update(func(v *View[S]) { v.Loading = c.inFlight > 0 })
		return ctx.Err()
	}
	c.applied = seq

	if err != nil {
		fetchErr := &SnapshotFetchError{Feed: c.opts.Feed, Err: err}
		c.logger.Warn("snapshot fetch failed", zap.Error(err))
		_ = c.opts.Audit.LogSnapshotFailed(ctx, c.opts.Feed, err)
		c.update(func(v *View[S]) {
			v.Loading = c.inFlight > 0
			v.Err = fetchErr
		})
		return fetchErr
	}

	c.update(func(v *View[S]) {
		v.Snapshot = snap
		v.HasSnapshot = true
		v.SnapshotAt = time.Now()
		v.Loading = c.inFlight > 0
		v.Err = nil
	})
	return nil
}

// update is the single path that mutates the view. Callers hold c.mu.
func (c *Coordinator[S]) update(mutate func(*View[S])) {
	next := c.view
	mutate(&next)
	c.view = next
	c.publish()
}

// publish replaces any unread update with the current view on Updates and
// on every subscriber channel. Callers hold c.mu.
func (c *Coordinator[S]) publish() {
	if c.closed {
		return
	}
	offer(c.updates, c.view)
	for _, ch := range c.watchers {
		offer(ch, c.view)
	}
}

func offer[S any](ch chan View[S], v View[S]) {
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}
