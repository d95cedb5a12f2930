// Package transporttest provides an in-memory Transport and a manual timer
// scheduler for deterministic tests of code built on live feeds.
package transporttest

import (
	"sync"
	"time"

	"github.com/kubilitics/kubilitics-pka/internal/stream/transport"
)

// Transport records every Connect call. Connections stay pending until the
// test drives them.
type Transport struct {
	mu    sync.Mutex
	conns []*Conn
}

// New returns an empty fake transport.
func New() *Transport {
	return &Transport{}
}

// Connect implements transport.Transport.
func (f *Transport) Connect(endpoint string, h transport.Handlers) transport.Teardown {
	c := &Conn{Endpoint: endpoint, handlers: h}
	f.mu.Lock()
	f.conns = append(f.conns, c)
	f.mu.Unlock()
	return c.Teardown
}

// Count returns the number of Connect calls so far.
func (f *Transport) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

// Conn returns the i-th connection (0-based), or nil.
func (f *Transport) Conn(i int) *Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i < 0 || i >= len(f.conns) {
		return nil
	}
	return f.conns[i]
}

// Last returns the most recent connection, or nil.
func (f *Transport) Last() *Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

// Live returns the connections that were not torn down.
func (f *Transport) Live() []*Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Conn
	for _, c := range f.conns {
		if !c.TornDown() {
			out = append(out, c)
		}
	}
	return out
}

// Conn is one fake connection.
type Conn struct {
	Endpoint string

	mu         sync.Mutex
	handlers   transport.Handlers
	torn       bool
	terminated bool
}

// Open reports a successful handshake.
func (c *Conn) Open() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.torn || c.terminated || c.handlers.OnOpen == nil {
		return
	}
	c.handlers.OnOpen()
}

// Message delivers one frame.
func (c *Conn) Message(frame string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.torn || c.terminated || c.handlers.OnMessage == nil {
		return
	}
	c.handlers.OnMessage([]byte(frame))
}

// Error reports a transport failure. It is the terminal callback.
func (c *Conn) Error(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.torn || c.terminated {
		return
	}
	c.terminated = true
	if c.handlers.OnError != nil {
		c.handlers.OnError(reason)
	}
}

// Close reports a clean server close. It is the terminal callback.
func (c *Conn) Close(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.torn || c.terminated {
		return
	}
	c.terminated = true
	if c.handlers.OnClose != nil {
		c.handlers.OnClose(reason)
	}
}

// Teardown detaches the handlers.
func (c *Conn) Teardown() {
	c.mu.Lock()
	c.torn = true
	c.mu.Unlock()
}

// TornDown reports whether Teardown was called.
func (c *Conn) TornDown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.torn
}

// Scheduler collects scheduled callbacks and runs them only when the test
// fires them.
type Scheduler struct {
	mu     sync.Mutex
	timers []*Timer
}

// Timer is one scheduled callback.
type Timer struct {
	Delay   time.Duration
	f       func()
	stopped bool
	fired   bool
}

// NewScheduler returns an empty manual scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{}
}

// Schedule matches the hub's scheduler signature.
func (s *Scheduler) Schedule(d time.Duration, f func()) func() bool {
	t := &Timer{Delay: d, f: f}
	s.mu.Lock()
	s.timers = append(s.timers, t)
	s.mu.Unlock()

	return func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		if t.stopped || t.fired {
			return false
		}
		t.stopped = true
		return true
	}
}

// Pending returns the timers that were neither stopped nor fired.
func (s *Scheduler) Pending() []*Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Timer
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

// Count returns the number of timers ever scheduled.
func (s *Scheduler) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Timer returns the i-th scheduled timer (0-based), or nil.
func (s *Scheduler) Timer(i int) *Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.timers) {
		return nil
	}
	return s.timers[i]
}

// FireNext runs the oldest pending timer. It returns false when none is pending.
func (s *Scheduler) FireNext() bool {
	s.mu.Lock()
	var next *Timer
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			next = t
			break
		}
	}
	if next != nil {
		next.fired = true
	}
	s.mu.Unlock()

	if next == nil {
		return false
	}
	next.f()
	return true
}

// Force runs t even if it was stopped, the way a real timer can fire
// concurrently with its Stop.
func (s *Scheduler) Force(t *Timer) {
	s.mu.Lock()
	t.fired = true
	s.mu.Unlock()
	t.f()
}
