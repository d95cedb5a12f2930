// Package reconnect decides when a live feed connects, retries and falls
// back to polling. It owns no goroutines or timers: every input returns a
// Decision that the caller executes.
package reconnect

import (
	"math"
	"math/rand"
	"time"

	"github.com/kubilitics/kubilitics-pka/internal/config"
	"github.com/kubilitics/kubilitics-pka/internal/models"
)

// Config holds the retry tuning of a Policy.
type Config struct {
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	Multiplier    float64
	Jitter        float64
	MaxFailures   int
	ProbeInterval time.Duration
}

// DefaultConfig returns the default retry tuning.
func DefaultConfig() Config {
	return Config{
		InitialDelay:  1 * time.Second,
		MaxDelay:      30 * time.Second,
		Multiplier:    2.0,
		Jitter:        0.2,
		MaxFailures:   5,
		ProbeInterval: 30 * time.Second,
	}
}

// FromConfig reads the retry tuning from the stream section of cfg.
func FromConfig(cfg *config.Config) Config {
	return Config{
		InitialDelay:  cfg.Stream.InitialDelay,
		MaxDelay:      cfg.Stream.MaxDelay,
		Multiplier:    cfg.Stream.Multiplier,
		Jitter:        cfg.Stream.Jitter,
		MaxFailures:   cfg.Stream.MaxFailures,
		ProbeInterval: cfg.Stream.ProbeInterval,
	}
}

// Decision tells the caller what to do after an input.
type Decision struct {
	// State is the policy state after the input.
	State models.ConnectionState
	// Changed is true when State differs from the state before the input.
	Changed bool
	// Connect asks for a connection attempt now.
	Connect bool
	// RetryAfter, when positive, asks for a connection attempt after the delay.
	RetryAfter time.Duration
	// EnteredFallback is true on the transition into Fallback.
	EnteredFallback bool
	// Recovered is true when a connection opened while in Fallback.
	Recovered bool
	// Failures is the consecutive failure count after the input.
	Failures int
}

// Option configures a Policy.
type Option func(*Policy)

// WithRand replaces the jitter source. f must return values in [0, 1).
func WithRand(f func() float64) Option {
	return func(p *Policy) { p.rand = f }
}

// Policy is the connection state machine of one live feed. It is not safe
// for concurrent use; a Hub link drives it from a single goroutine.
type Policy struct {
	cfg      Config
	state    models.ConnectionState
	failures int
	rand     func() float64
}

// New creates a Policy in the Idle state.
func New(cfg Config, opts ...Option) *Policy {
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}
	if cfg.MaxFailures < 1 {
		cfg.MaxFailures = 1
	}
	p := &Policy{
		cfg:   cfg,
		state: models.StateIdle,
		rand:  rand.Float64,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// State returns the current state.
func (p *Policy) State() models.ConnectionState { return p.state }

// Failures returns the consecutive failure count.
func (p *Policy) Failures() int { return p.failures }

// Start leaves Idle and asks for the first connection attempt.
func (p *Policy) Start() Decision {
	if p.state != models.StateIdle {
		return p.decision(p.state)
	}
	d := p.transition(models.StateConnecting)
	d.Connect = true
	return d
}

// Opened records a successful connection.
func (p *Policy) Opened() Decision {
	if p.state == models.StateIdle || p.state == models.StateConnected {
		return p.decision(p.state)
	}
	recovered := p.state == models.StateFallback
	p.failures = 0
	d := p.transition(models.StateConnected)
	d.Recovered = recovered
	return d
}

// Failed records a connection error or an unexpected close. It must be
// called at most once per connection.
func (p *Policy) Failed() Decision {
	switch p.state {
	case models.StateIdle:
		return p.decision(p.state)
	case models.StateFallback:
		d := p.decision(p.state)
		d.RetryAfter = p.cfg.ProbeInterval
		return d
	}

	p.failures++
	if p.failures >= p.cfg.MaxFailures {
		d := p.transition(models.StateFallback)
		d.EnteredFallback = true
		d.RetryAfter = p.cfg.ProbeInterval
		return d
	}
	d := p.transition(models.StateReconnecting)
	d.RetryAfter = p.Backoff(p.failures)
	return d
}

// Stop returns to Idle; any scheduled attempt must be abandoned.
func (p *Policy) Stop() Decision {
	p.failures = 0
	return p.transition(models.StateIdle)
}

// Backoff returns the jittered delay before retry number attempt (1-based).
func (p *Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(p.cfg.InitialDelay) * math.Pow(p.cfg.Multiplier, float64(attempt-1))
	if p.cfg.Jitter > 0 {
		base *= 1 + p.cfg.Jitter*(2*p.rand()-1)
	}
	if ceiling := float64(p.cfg.MaxDelay); base > ceiling {
		base = ceiling
	}
	if base < 0 {
		base = 0
	}
	return time.Duration(base)
}

func (p *Policy) transition(to models.ConnectionState) Decision {
	changed := p.state != to
	p.state = to
	d := p.decision(to)
	d.Changed = changed
	return d
}

func (p *Policy) decision(state models.ConnectionState) Decision {
	return Decision{State: state, Failures: p.failures}
}
