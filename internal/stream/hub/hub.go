// Package hub shares live-feed connections between subscribers.
//
// A Hub keeps at most one connection per endpoint. The connection is opened
// when the first subscriber acquires the endpoint and closed when the last
// one releases it. Each endpoint is driven by a link: a single goroutine
// that consumes a mailbox of transport callbacks, timer firings and
// subscription commands, and feeds them to a reconnect.Policy.
//
// Connections and timers are tagged with generation numbers. A message from
// an older generation is dropped, so a retry timer that fires after its link
// was torn down never reopens a connection.
package hub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-pka/internal/audit"
	"github.com/kubilitics/kubilitics-pka/internal/metrics"
	"github.com/kubilitics/kubilitics-pka/internal/models"
	"github.com/kubilitics/kubilitics-pka/internal/stream/reconnect"
	"github.com/kubilitics/kubilitics-pka/internal/stream/transport"
)

// StateChange is delivered to subscribers when the link state changes and
// once, with Initial set, when they subscribe.
type StateChange struct {
	State    models.ConnectionState
	Previous models.ConnectionState
	Initial  bool
	// EnteredFallback is set on the transition into Fallback.
	EnteredFallback bool
	// Recovered is set when a probe from Fallback succeeded.
	Recovered bool
	Failures  int
}

// Subscriber receives the state and frames of one endpoint. Calls come from
// the link goroutine, one at a time, and must not block for long or call
// back into the Hub.
type Subscriber interface {
	StateChanged(StateChange)
	Frame(frame []byte)
}

// Scheduler runs f after d. The returned function cancels it and reports
// whether the call was prevented.
type Scheduler func(d time.Duration, f func()) (stop func() bool)

// RealScheduler uses time.AfterFunc.
func RealScheduler(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// Options configures a Hub.
type Options struct {
	Transport transport.Transport
	Policy    reconnect.Config
	Scheduler Scheduler
	// Rand is the jitter source for retry delays. Defaults to math/rand.
	Rand   func() float64
	Logger *zap.Logger
	Audit  audit.Logger
}

// Hub is a reference-counted pool of live-feed links.
type Hub struct {
	opts    Options
	logger  *zap.Logger
	session context.Context

	mu     sync.Mutex
	links  map[string]*link
	nextID uint64
}

// New creates a Hub.
func New(opts Options) *Hub {
	if opts.Scheduler == nil {
		opts.Scheduler = RealScheduler
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Audit == nil {
		opts.Audit = audit.NewNopLogger()
	}
	if opts.Policy == (reconnect.Config{}) {
		opts.Policy = reconnect.DefaultConfig()
	}

	return &Hub{
		opts:    opts,
		logger:  opts.Logger.Named("hub"),
		session: audit.WithCorrelationID(context.Background(), uuid.NewString()),
		links:   make(map[string]*link),
	}
}

// Subscription is the handle returned by Acquire.
type Subscription struct {
	hub      *Hub
	link     *link
	id       uint64
	released atomic.Bool
}

// Acquire subscribes sub to endpoint, opening the connection if this is the
// first subscriber. sub receives the current state before Acquire returns.
func (h *Hub) Acquire(endpoint string, sub Subscriber) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	l, ok := h.links[endpoint]
	if !ok {
		l = newLink(h, endpoint)
		h.links[endpoint] = l
		go l.run()
		h.logger.Debug("link created", zap.String("endpoint", endpoint))
	}

	h.nextID++
	s := &Subscription{hub: h, link: l, id: h.nextID}
	l.refs++

	ack := make(chan struct{})
	l.mailbox.post(message{kind: msgSubscribe, subID: s.id, sub: sub, ack: ack})
	<-ack
	return s
}

// Release unsubscribes. It is idempotent and synchronous: once it returns
// the subscriber is not called again. The connection is closed when the
// last subscriber of the endpoint releases. Release must not be called from
// a Subscriber callback.
func (s *Subscription) Release() {
	if s == nil || !s.released.CompareAndSwap(false, true) {
		return
	}
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	l := s.link
	if h.links[l.endpoint] != l {
		// The hub was closed underneath us.
		return
	}

	ack := make(chan struct{})
	l.mailbox.post(message{kind: msgUnsubscribe, subID: s.id, ack: ack})
	<-ack

	l.refs--
	if l.refs == 0 {
		delete(h.links, l.endpoint)
		l.stop()
		h.logger.Debug("link closed", zap.String("endpoint", l.endpoint))
	}
}

// State returns the connection state of endpoint, Idle when nobody
// subscribes to it.
func (h *Hub) State(endpoint string) models.ConnectionState {
	h.mu.Lock()
	l, ok := h.links[endpoint]
	h.mu.Unlock()
	if !ok {
		return models.StateIdle
	}
	return l.State()
}

// Endpoints returns the endpoints with an active link.
func (h *Hub) Endpoints() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.links))
	for ep := range h.links {
		out = append(out, ep)
	}
	return out
}

// Close stops every link. Outstanding subscriptions become no-ops.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ep, l := range h.links {
		l.stop()
		delete(h.links, ep)
	}
}

// link drives one endpoint. Every field below mailbox is owned by the link
// goroutine, except refs which is guarded by Hub.mu.
type link struct {
	hub      *Hub
	endpoint string
	logger   *zap.Logger
	mailbox  *mailbox
	done     chan struct{}
	state    atomic.Value // models.ConnectionState
	refs     int

	policy    *reconnect.Policy
	subs      map[uint64]Subscriber
	connGen   uint64
	teardown  transport.Teardown
	timerGen  uint64
	stopTimer func() bool
}

func newLink(h *Hub, endpoint string) *link {
	var opts []reconnect.Option
	if h.opts.Rand != nil {
		opts = append(opts, reconnect.WithRand(h.opts.Rand))
	}
	l := &link{
		hub:      h,
		endpoint: endpoint,
		logger:   h.logger.With(zap.String("endpoint", endpoint)),
		mailbox:  newMailbox(),
		done:     make(chan struct{}),
		policy:   reconnect.New(h.opts.Policy, opts...),
		subs:     make(map[uint64]Subscriber),
	}
	l.state.Store(models.StateIdle)
	return l
}

func (l *link) State() models.ConnectionState {
	return l.state.Load().(models.ConnectionState)
}

// stop posts a stop command and waits for the link goroutine to exit.
func (l *link) stop() {
	l.mailbox.post(message{kind: msgStop})
	<-l.done
}

func (l *link) run() {
	defer close(l.done)
	for range l.mailbox.signal {
		batch := l.mailbox.drain()
		for i, msg := range batch {
			if l.handle(msg) {
				for _, rest := range batch[i+1:] {
					if rest.ack != nil {
						close(rest.ack)
					}
				}
				return
			}
		}
	}
}

// handle processes one message and reports whether the link stopped.
func (l *link) handle(msg message) bool {
	switch msg.kind {
	case msgSubscribe:
		l.subs[msg.subID] = msg.sub
		metrics.StreamSubscribers.WithLabelValues(l.endpoint).Set(float64(len(l.subs)))
		state := l.policy.State()
		msg.sub.StateChanged(StateChange{
			State:    state,
			Previous: state,
			Initial:  true,
			Failures: l.policy.Failures(),
		})
		if state == models.StateIdle {
			l.apply(models.StateIdle, l.policy.Start())
		}
		close(msg.ack)

	case msgUnsubscribe:
		delete(l.subs, msg.subID)
		metrics.StreamSubscribers.WithLabelValues(l.endpoint).Set(float64(len(l.subs)))
		close(msg.ack)

	case msgOpen:
		if msg.gen != l.connGen {
			return false
		}
		l.apply(l.policy.State(), l.policy.Opened())

	case msgFrame:
		if msg.gen != l.connGen {
			return false
		}
		for _, sub := range l.subs {
			sub.Frame(msg.frame)
		}

	case msgClose, msgError:
		if msg.gen != l.connGen {
			return false
		}
		if msg.kind == msgError {
			l.logger.Warn("stream error", zap.String("reason", msg.reason))
		} else {
			l.logger.Info("stream closed by server", zap.String("reason", msg.reason))
		}
		l.closeConn()
		l.apply(l.policy.State(), l.policy.Failed())

	case msgTimer:
		if msg.gen != l.timerGen {
			return false
		}
		l.stopTimer = nil
		l.connect()

	case msgStop:
		l.cancelTimer()
		l.closeConn()
		l.apply(l.policy.State(), l.policy.Stop())
		metrics.StreamSubscribers.WithLabelValues(l.endpoint).Set(0)
		return true
	}
	return false
}

// apply executes a policy decision.
func (l *link) apply(prev models.ConnectionState, d reconnect.Decision) {
	if d.Changed {
		l.state.Store(d.State)
		metrics.SetConnectionState(l.endpoint, d.State)
		_ = l.hub.opts.Audit.LogStateChange(l.hub.session, l.endpoint, prev, d.State)
		l.logger.Info("connection state changed",
			zap.String("from", string(prev)),
			zap.String("to", string(d.State)),
			zap.Int("failures", d.Failures),
		)
	}
	if d.EnteredFallback {
		metrics.StreamFallbackActivations.WithLabelValues(l.endpoint).Inc()
		l.logger.Warn("live feed unavailable, falling back to polling",
			zap.Int("failures", d.Failures),
			zap.Duration("probe_interval", d.RetryAfter),
		)
	}
	if d.Changed || d.Recovered {
		change := StateChange{
			State:           d.State,
			Previous:        prev,
			EnteredFallback: d.EnteredFallback,
			Recovered:       d.Recovered,
			Failures:        d.Failures,
		}
		for _, sub := range l.subs {
			sub.StateChanged(change)
		}
	}
	if d.Connect {
		l.connect()
	}
	if d.RetryAfter > 0 {
		metrics.StreamReconnectsTotal.WithLabelValues(l.endpoint).Inc()
		l.schedule(d.RetryAfter)
	}
}

func (l *link) connect() {
	l.closeConn()
	l.connGen++
	gen := l.connGen
	post := l.mailbox.post

	l.teardown = l.hub.opts.Transport.Connect(l.endpoint, transport.Handlers{
		OnOpen: func() {
			post(message{kind: msgOpen, gen: gen})
		},
		OnMessage: func(frame []byte) {
			post(message{kind: msgFrame, gen: gen, frame: frame})
		},
		OnClose: func(reason string) {
			post(message{kind: msgClose, gen: gen, reason: reason})
		},
		OnError: func(reason string) {
			post(message{kind: msgError, gen: gen, reason: reason})
		},
	})
}

// closeConn tears down the current connection and invalidates its messages.
func (l *link) closeConn() {
	if l.teardown == nil {
		return
	}
	l.teardown()
	l.teardown = nil
	l.connGen++
}

func (l *link) schedule(d time.Duration) {
	l.cancelTimer()
	gen := l.timerGen
	post := l.mailbox.post
	l.stopTimer = l.hub.opts.Scheduler(d, func() {
		post(message{kind: msgTimer, gen: gen})
	})
}

// cancelTimer stops the pending retry timer. The generation bump makes a
// firing that already raced past Stop a no-op.
func (l *link) cancelTimer() {
	if l.stopTimer != nil {
		l.stopTimer()
		l.stopTimer = nil
	}
	l.timerGen++
}
