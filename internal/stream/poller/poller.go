// Package poller refreshes a snapshot on a fixed, jittered interval while
// the live feed is unavailable.
package poller

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-pka/internal/metrics"
)

// PollFunc performs one poll. It should return promptly once ctx is done.
type PollFunc func(ctx context.Context)

// Options configures a Poller.
type Options struct {
	Interval time.Duration
	Jitter   float64
	// Feed labels metrics and logs.
	Feed   string
	Rand   func() float64
	Logger *zap.Logger
}

// DefaultOptions returns the default polling cadence.
func DefaultOptions() Options {
	return Options{
		Interval: 10 * time.Second,
		Jitter:   0.2,
	}
}

// Poller runs a PollFunc once on Start and then every interval until Stop.
// Polls never overlap: a slow poll delays the next one.
type Poller struct {
	poll   PollFunc
	opts   Options
	logger *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a stopped Poller.
func New(poll PollFunc, opts Options) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = DefaultOptions().Interval
	}
	if opts.Jitter < 0 || opts.Jitter >= 1 {
		opts.Jitter = 0
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Poller{
		poll:   poll,
		opts:   opts,
		logger: opts.Logger.Named("poller").With(zap.String("feed", opts.Feed)),
	}
}

// Start begins polling. It is a no-op while already running.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.cancel = cancel
	p.done = done

	p.logger.Info("fallback polling started", zap.Duration("interval", p.opts.Interval))
	go p.loop(ctx, done)
}

// Stop cancels any in-flight poll and returns once the poll loop exited.
// It is a no-op while stopped.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	p.logger.Info("fallback polling stopped")
}

// Running reports whether the poll loop is active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

func (p *Poller) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer p.exited(done)

	for {
		metrics.PollerPollsTotal.WithLabelValues(p.opts.Feed).Inc()
		p.poll(ctx)

		timer := time.NewTimer(p.next())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// exited clears the run state when the loop ends on its own because the
// parent context was cancelled. A run already cleared by Stop is left alone.
func (p *Poller) exited(done chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done != done {
		return
	}
	p.cancel()
	p.cancel, p.done = nil, nil
	p.logger.Info("fallback polling ended with its context")
}

// next returns the interval with jitter applied.
func (p *Poller) next() time.Duration {
	d := float64(p.opts.Interval)
	if p.opts.Jitter > 0 {
		d *= 1 + p.opts.Jitter*(2*p.opts.Rand()-1)
	}
	return time.Duration(d)
}
