package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-pka/internal/models"
	"github.com/kubilitics/kubilitics-pka/internal/stream/hub"
	"github.com/kubilitics/kubilitics-pka/internal/stream/poller"
	"github.com/kubilitics/kubilitics-pka/internal/stream/reconnect"
	"github.com/kubilitics/kubilitics-pka/internal/stream/transport/transporttest"
)

const testEndpoint = "ws://backend.test/ws/ingestion"

type fakeAPI struct {
	mu        sync.Mutex
	calls     int
	status    models.StatusSnapshot
	incidents []models.IncidentRecord
	err       error
}

func (f *fakeAPI) FetchStatus(ctx context.Context) (models.StatusSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.status, f.err
}

func (f *fakeAPI) FetchIncidents(ctx context.Context) ([]models.IncidentRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return append([]models.IncidentRecord(nil), f.incidents...), f.err
}

func (f *fakeAPI) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeAPI) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

type fixture struct {
	hub       *hub.Hub
	transport *transporttest.Transport
	scheduler *transporttest.Scheduler
	policy    reconnect.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	policy := reconnect.DefaultConfig()
	policy.MaxFailures = 2
	tr := transporttest.New()
	sched := transporttest.NewScheduler()
	h := hub.New(hub.Options{
		Transport: tr,
		Policy:    policy,
		Scheduler: sched.Schedule,
		Rand:      func() float64 { return 0.5 },
	})
	t.Cleanup(h.Close)
	return &fixture{hub: h, transport: tr, scheduler: sched, policy: policy}
}

func (f *fixture) options() Options {
	return Options{
		Endpoint: testEndpoint,
		Hub:      f.hub,
		Poller:   poller.Options{Interval: time.Hour},
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}

func kinds(events []models.StreamEvent) []models.EventKind {
	out := make([]models.EventKind, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func TestStartFetchesSnapshotAndSubscribes(t *testing.T) {
	f := newFixture(t)
	api := &fakeAPI{status: models.StatusSnapshot{FilesProcessed: 12, QueueDepth: 3}}
	s := NewIngestionStream(api, f.options())
	defer s.Close()

	s.Start(context.Background())

	snap, ok := s.Snapshot()
	require.True(t, ok)
	assert.Equal(t, 12, snap.FilesProcessed)
	assert.Equal(t, 1, api.Calls())
	assert.Equal(t, 1, f.transport.Count())
	assert.False(t, s.IsConnected())
	assert.Equal(t, models.StateConnecting, s.View().State)

	f.transport.Last().Open()
	eventually(t, s.IsConnected, "connected after open")
}

func TestTransportErrorClearsIsConnected(t *testing.T) {
	f := newFixture(t)
	s := NewIngestionStream(&fakeAPI{}, f.options())
	defer s.Close()
	s.Start(context.Background())

	conn := f.transport.Last()
	conn.Open()
	eventually(t, s.IsConnected, "connected after open")

	require.NotPanics(t, func() { conn.Error("socket error") })
	eventually(t, func() bool { return !s.IsConnected() }, "disconnected after error")

	v := s.View()
	assert.True(t, v.Retrying())
	assert.Equal(t, models.StateReconnecting, v.State)
	assert.NoError(t, v.Err, "transport errors are not snapshot errors")
}

func TestTerminalEventTriggersRefetch(t *testing.T) {
	f := newFixture(t)
	api := &fakeAPI{}
	s := NewIngestionStream(api, f.options())
	defer s.Close()
	s.Start(context.Background())

	conn := f.transport.Last()
	conn.Open()
	conn.Message(`{"event":"file_processed","payload":{"path":"a.md"}}`)
	eventually(t, func() bool { return len(s.Events()) == 1 }, "event exposed")
	assert.Equal(t, 1, api.Calls(), "non-terminal events do not refetch")

	conn.Message(`{"event":"scan_completed","payload":{"files":1}}`)
	eventually(t, func() bool { return api.Calls() == 2 }, "refetch after terminal event")
}

func TestLateStartEventIsOrderedFirst(t *testing.T) {
	f := newFixture(t)
	s := NewIngestionStream(&fakeAPI{}, f.options())
	defer s.Close()
	s.Start(context.Background())

	conn := f.transport.Last()
	conn.Open()
	conn.Message(`{"event":"scan_completed","payload":{}}`)
	conn.Message(`{"event":"scan_started","payload":{"source":"manual"}}`)
	conn.Message(`{"event":"scan_started","payload":{"source":"manual"}}`)
	conn.Message(`garbage`)

	eventually(t, func() bool { return len(s.Events()) == 2 }, "events exposed")
	assert.Equal(t, []models.EventKind{models.EventScanStarted, models.EventScanCompleted}, kinds(s.Events()))
}

func TestFallbackActivatesPollerAndRecoveryRefetchesOnce(t *testing.T) {
	f := newFixture(t)
	api := &fakeAPI{}
	s := NewIngestionStream(api, f.options())
	defer s.Close()
	s.Start(context.Background())
	require.Equal(t, 1, api.Calls())

	for i := 1; i <= f.policy.MaxFailures; i++ {
		f.transport.Last().Error("connection refused")
		eventually(t, func() bool { return len(f.scheduler.Pending()) == 1 }, "retry scheduled")
		if i < f.policy.MaxFailures {
			require.True(t, f.scheduler.FireNext())
			eventually(t, func() bool { return f.transport.Count() == i+1 }, "retry connect")
		}
	}

	eventually(t, func() bool { return s.View().State == models.StateFallback }, "fallback entered")
	eventually(t, s.Polling, "poller active in fallback")
	eventually(t, func() bool { return api.Calls() == 2 }, "poller polls on activation")

	// Probe succeeds.
	require.True(t, f.scheduler.FireNext())
	eventually(t, func() bool { return f.transport.Count() == f.policy.MaxFailures+1 }, "probe connect")
	f.transport.Last().Open()

	eventually(t, s.IsConnected, "recovered")
	eventually(t, func() bool { return !s.Polling() }, "poller stopped after recovery")
	eventually(t, func() bool { return api.Calls() == 3 }, "one refetch after recovery")

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 3, api.Calls(), "exactly one refetch after recovery")
}

func TestSnapshotFetchErrorIsReported(t *testing.T) {
	f := newFixture(t)
	api := &fakeAPI{err: errors.New("status 503")}
	s := NewIngestionStream(api, f.options())
	defer s.Close()
	s.Start(context.Background())

	v := s.View()
	require.True(t, v.Failed())
	var fetchErr *SnapshotFetchError
	require.True(t, errors.As(v.Err, &fetchErr))
	assert.Equal(t, FeedIngestion, fetchErr.Feed)
	assert.False(t, v.HasSnapshot)
	assert.False(t, v.Loading)
	assert.Equal(t, 1, f.transport.Count(), "the live feed continues after a fetch failure")

	api.setErr(nil)
	require.NoError(t, s.Refetch(context.Background()))
	assert.NoError(t, s.View().Err)
	assert.True(t, s.View().HasSnapshot)
}

type gatedFetch struct {
	mu      sync.Mutex
	calls   int
	started chan int
	release map[int]chan struct{}
}

func (g *gatedFetch) fetch(ctx context.Context) (int, error) {
	g.mu.Lock()
	g.calls++
	n := g.calls
	gate := g.release[n]
	g.mu.Unlock()

	g.started <- n
	if gate != nil {
		<-gate
	}
	return n, nil
}

func TestEarlierFetchNeverOverwritesLater(t *testing.T) {
	f := newFixture(t)
	g := &gatedFetch{
		started: make(chan int, 2),
		release: map[int]chan struct{}{1: make(chan struct{})},
	}
	c := New[int](g.fetch, f.options())
	defer c.Close()

	done := make(chan struct{})
	go func() {
		_ = c.Refetch(context.Background())
		close(done)
	}()
	require.Equal(t, 1, <-g.started)

	require.NoError(t, c.Refetch(context.Background()))
	<-g.started
	assert.Equal(t, 2, c.View().Snapshot)
	assert.True(t, c.View().Loading, "first fetch still in flight")

	close(g.release[1])
	<-done

	v := c.View()
	assert.Equal(t, 2, v.Snapshot, "stale result dropped")
	assert.False(t, v.Loading)
}

func TestCloseReleasesFeed(t *testing.T) {
	f := newFixture(t)
	s := NewIngestionStream(&fakeAPI{}, f.options())
	s.Start(context.Background())
	conn := f.transport.Last()

	s.Close()
	s.Close()

	assert.True(t, conn.TornDown())
	assert.ErrorIs(t, s.Refetch(context.Background()), ErrClosed)
	_, open := <-drain(s.Updates())
	assert.False(t, open, "updates channel closed")
}

// drain discards buffered views and returns the channel.
func drain[S any](ch <-chan View[S]) <-chan View[S] {
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return ch
			}
		default:
			return ch
		}
	}
}

func TestUpdatesDeliverLatestView(t *testing.T) {
	f := newFixture(t)
	api := &fakeAPI{status: models.StatusSnapshot{FilesProcessed: 1}}
	s := NewIngestionStream(api, f.options())
	defer s.Close()
	s.Start(context.Background())

	f.transport.Last().Open()
	eventually(t, s.IsConnected, "connected")

	select {
	case v := <-s.Updates():
		assert.True(t, v.IsConnected())
		assert.True(t, v.HasSnapshot)
	case <-time.After(time.Second):
		t.Fatal("no update")
	}
}

func TestSubscribersShareOneConnection(t *testing.T) {
	f := newFixture(t)
	a := NewIngestionStream(&fakeAPI{}, f.options())
	b := NewIngestionStream(&fakeAPI{}, f.options())
	a.Start(context.Background())
	b.Start(context.Background())

	assert.Equal(t, 1, f.transport.Count())
	conn := f.transport.Last()
	conn.Open()
	conn.Message(`{"event":"scan_started","id":"s1","payload":{}}`)
	eventually(t, func() bool { return len(a.Events()) == 1 && len(b.Events()) == 1 }, "fan out")

	a.Close()
	assert.False(t, conn.TornDown())
	b.Close()
	assert.True(t, conn.TornDown())
}

func TestSubscribeSharesOneCoordinator(t *testing.T) {
	f := newFixture(t)
	api := &fakeAPI{status: models.StatusSnapshot{FilesProcessed: 4}}
	s := NewIngestionStream(api, f.options())
	defer s.Close()
	s.Start(context.Background())

	conn := f.transport.Last()
	conn.Open()
	conn.Message(`{"event":"scan_started","id":"s1","payload":{}}`)
	eventually(t, func() bool { return len(s.Events()) == 1 }, "event applied")

	current, views, cancel := s.Subscribe()
	defer cancel()
	assert.True(t, current.HasSnapshot)
	assert.Len(t, current.Events, 1, "a late subscriber starts from the existing log")

	other, otherViews, cancelOther := s.Subscribe()
	assert.Len(t, other.Events, 1)

	conn.Message(`{"event":"file_processed","id":"f1","payload":{"path":"/a.md"}}`)
	for _, ch := range []<-chan View[models.StatusSnapshot]{views, otherViews} {
		deadline := time.After(time.Second)
		for got := false; !got; {
			select {
			case v := <-ch:
				got = len(v.Events) == 2
			case <-deadline:
				t.Fatal("subscriber missed the update")
			}
		}
	}
	assert.Equal(t, 1, api.Calls(), "subscribing does not refetch")
	assert.Equal(t, 1, f.transport.Count())

	cancelOther()
	cancelOther()
	_, open := <-drain(otherViews)
	assert.False(t, open, "cancel closes the channel")
}

func TestCloseClosesSubscribers(t *testing.T) {
	f := newFixture(t)
	s := NewIngestionStream(&fakeAPI{}, f.options())
	s.Start(context.Background())
	_, views, cancel := s.Subscribe()

	s.Close()
	cancel()
	_, open := <-drain(views)
	assert.False(t, open)

	_, late, _ := s.Subscribe()
	_, open = <-late
	assert.False(t, open, "subscribing after Close yields a closed channel")
}

func TestPollerDoesNotOutliveClose(t *testing.T) {
	f := newFixture(t)
	api := &fakeAPI{}
	s := NewIngestionStream(api, f.options())
	s.Start(context.Background())

	s.Close()
	// A fallback transition racing with Close must not leave the poller on.
	s.StateChanged(hub.StateChange{State: models.StateFallback})
	assert.False(t, s.Polling())

	s.Coordinator.poller.Start(s.ctx)
	eventually(t, func() bool { return !s.Polling() }, "poll loop ends with the closed coordinator's context")
}
