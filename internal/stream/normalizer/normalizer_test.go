package normalizer

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/kubilitics/kubilitics-pka/internal/models"
)

// tickClock returns a clock that advances one millisecond per call.
func tickClock() func() time.Time {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	n := 0
	return func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Millisecond)
	}
}

func newTestNormalizer() *Normalizer {
	return New(Options{Now: tickClock()})
}

func kinds(events []models.StreamEvent) []models.EventKind {
	out := make([]models.EventKind, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func TestParse(t *testing.T) {
	now := time.Now()

	ev, err := Parse([]byte(`{"event":"file_processed","id":"e1","payload":{"path":"/notes/a.md"},"timestamp":"2026-01-01T10:00:00Z"}`), now)
	require.NoError(t, err)
	assert.Equal(t, models.EventFileProcessed, ev.Type)
	assert.Equal(t, "e1", ev.ID)
	assert.Equal(t, "/notes/a.md", ev.Payload["path"])
	assert.Equal(t, now, ev.ReceivedAt)
	assert.Equal(t, 2026, ev.SentAt.Year())

	ev, err = Parse([]byte(`{"event":"scan_started"}`), now)
	require.NoError(t, err)
	assert.NotNil(t, ev.Payload)
	assert.True(t, ev.SentAt.IsZero())
}

func TestParseLenientTimestamp(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name  string
		frame string
		zero  bool
	}{
		{"naive isoformat", `{"event":"scan_completed","timestamp":"2024-05-01T10:00:00.123456"}`, false},
		{"space separated", `{"event":"scan_started","timestamp":"2024-05-01 10:00:00"}`, false},
		{"unparseable", `{"event":"scan_completed","timestamp":"around ten"}`, true},
		{"not a string", `{"event":"scan_completed","timestamp":1714557600}`, true},
		{"null", `{"event":"scan_completed","timestamp":null}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Parse([]byte(tt.frame), now)
			require.NoError(t, err)
			assert.Equal(t, now, ev.ReceivedAt)
			if tt.zero {
				assert.True(t, ev.SentAt.IsZero())
			} else {
				want := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
				assert.True(t, want.Equal(ev.SentAt.Truncate(time.Second)), "got %v", ev.SentAt)
			}
		})
	}
}

func TestNaiveTimestampFrameIsExposed(t *testing.T) {
	n := newTestNormalizer()

	added, err := n.Ingest([]byte(`{"event":"scan_completed","id":"done-1","payload":{"processed":4},"timestamp":"2024-05-01T10:00:00.123456"}`))
	require.NoError(t, err)
	require.Len(t, added, 1)
	assert.Equal(t, models.EventScanCompleted, added[0].Type)
	assert.Equal(t, []models.EventKind{models.EventScanCompleted}, kinds(n.Events()))
}

func TestParseProtocolErrors(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{"malformed json", `{"event":`},
		{"missing event", `{"payload":{}}`},
		{"empty event", `{"event":"","payload":{}}`},
		{"payload not an object", `{"event":"scan_started","payload":[1,2]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.frame), time.Now())
			var perr *ProtocolError
			require.True(t, errors.As(err, &perr), "expected ProtocolError, got %v", err)
		})
	}
}

func TestMalformedFrameIsDropped(t *testing.T) {
	n := newTestNormalizer()

	_, err := n.Ingest([]byte(`not json`))
	require.Error(t, err)
	assert.Equal(t, 0, n.Len())

	// The session keeps working after a bad frame.
	added, err := n.Ingest([]byte(`{"event":"scan_started","payload":{"source":"manual"}}`))
	require.NoError(t, err)
	assert.Len(t, added, 1)
}

func TestLateStartIsPlacedBeforeCompletion(t *testing.T) {
	n := newTestNormalizer()

	_, err := n.Ingest([]byte(`{"event":"scan_completed","payload":{"files":3}}`))
	require.NoError(t, err)
	_, err = n.Ingest([]byte(`{"event":"scan_started","payload":{"source":"manual"}}`))
	require.NoError(t, err)

	assert.Equal(t, []models.EventKind{models.EventScanStarted, models.EventScanCompleted}, kinds(n.Events()))
}

func TestSameIDTwiceIsExposedOnce(t *testing.T) {
	n := newTestNormalizer()

	_, err := n.Ingest([]byte(`{"event":"file_processed","id":"evt-1","payload":{"path":"a"}}`))
	require.NoError(t, err)
	added, err := n.Ingest([]byte(`{"event":"file_processed","id":"evt-1","payload":{"path":"b"}}`))
	require.NoError(t, err)

	assert.Empty(t, added)
	assert.Equal(t, 1, n.Len())
}

func TestSignatureDedupWindow(t *testing.T) {
	n := New(Options{DedupWindow: 50 * time.Millisecond})

	frame := []byte(`{"event":"file_failed","payload":{"path":"a","error":"boom"}}`)
	_, err := n.Ingest(frame)
	require.NoError(t, err)

	// Same payload with keys in a different order is the same signature.
	added, err := n.Ingest([]byte(`{"event":"file_failed","payload":{"error":"boom","path":"a"}}`))
	require.NoError(t, err)
	assert.Empty(t, added)

	// Same payload under a different type is distinct.
	added, err = n.Ingest([]byte(`{"event":"file_skipped","payload":{"path":"a","error":"boom"}}`))
	require.NoError(t, err)
	assert.Len(t, added, 1)

	time.Sleep(100 * time.Millisecond)

	added, err = n.Ingest(frame)
	require.NoError(t, err)
	assert.Len(t, added, 1, "repeat outside the window is a new event")
	assert.Equal(t, 3, n.Len())
}

func TestUnknownKindRanksLast(t *testing.T) {
	n := newTestNormalizer()

	for _, frame := range []string{
		`{"event":"index_rebuilt","payload":{}}`,
		`{"event":"runtime_incident","payload":{"id":"i1"}}`,
		`{"event":"scan_started","payload":{}}`,
	} {
		_, err := n.Ingest([]byte(frame))
		require.NoError(t, err)
	}

	assert.Equal(t, []models.EventKind{
		models.EventScanStarted,
		models.EventRuntimeIncident,
		models.EventKind("index_rebuilt"),
	}, kinds(n.Events()))
}

func TestBatchFlush(t *testing.T) {
	n := newTestNormalizer()

	require.NoError(t, n.Stage([]byte(`{"event":"scan_completed","payload":{}}`)))
	require.NoError(t, n.Stage([]byte(`{"event":"file_processed","payload":{"path":"a"}}`)))
	require.NoError(t, n.Stage([]byte(`{"event":"scan_started","payload":{}}`)))
	assert.Equal(t, 0, n.Len(), "staged events are not exposed before Flush")

	added := n.Flush()
	assert.Equal(t, []models.EventKind{
		models.EventScanStarted,
		models.EventFileProcessed,
		models.EventScanCompleted,
	}, kinds(added))
	assert.Equal(t, kinds(added), kinds(n.Events()))
	assert.Empty(t, n.Flush())
}

func TestSameRankKeepsArrivalOrder(t *testing.T) {
	n := newTestNormalizer()

	for i := 0; i < 5; i++ {
		_, err := n.Ingest([]byte(fmt.Sprintf(`{"event":"file_processed","payload":{"path":"f%d"}}`, i)))
		require.NoError(t, err)
	}

	events := n.Events()
	require.Len(t, events, 5)
	for i, ev := range events {
		assert.Equal(t, fmt.Sprintf("f%d", i), ev.Payload["path"])
	}
}

func TestEventsReturnsCopy(t *testing.T) {
	n := newTestNormalizer()
	_, err := n.Ingest([]byte(`{"event":"scan_started","payload":{}}`))
	require.NoError(t, err)

	events := n.Events()
	events[0].Type = models.EventScanFailed
	assert.Equal(t, models.EventScanStarted, n.Events()[0].Type)
}

func TestAnyArrivalOrderYieldsCanonicalOrder(t *testing.T) {
	var frames []string
	for _, kind := range []models.EventKind{
		models.EventScanStarted,
		models.EventFileProcessed,
		models.EventFileProcessed,
		models.EventFileFailed,
		models.EventFileSkipped,
		models.EventScanCompleted,
		models.EventRuntimeIncident,
		models.EventKind("custom_kind"),
	} {
		frames = append(frames, fmt.Sprintf(`{"event":%q,"id":"%s-%d","payload":{"n":%d}}`, kind, kind, len(frames), len(frames)))
	}

	rapid.Check(t, func(t *rapid.T) {
		order := rapid.Permutation(frames).Draw(t, "order")
		batched := rapid.Bool().Draw(t, "batched")

		n := newTestNormalizer()
		for _, frame := range order {
			if batched {
				if err := n.Stage([]byte(frame)); err != nil {
					t.Fatalf("stage: %v", err)
				}
				continue
			}
			if _, err := n.Ingest([]byte(frame)); err != nil {
				t.Fatalf("ingest: %v", err)
			}
		}
		n.Flush()

		events := n.Events()
		if len(events) != len(frames) {
			t.Fatalf("expected %d events, got %d", len(frames), len(events))
		}
		for i := 1; i < len(events); i++ {
			prev, cur := events[i-1], events[i]
			if prev.Type.Rank() > cur.Type.Rank() {
				t.Fatalf("rank order violated at %d: %s before %s", i, prev.Type, cur.Type)
			}
			if prev.Type.Rank() == cur.Type.Rank() && cur.ReceivedAt.Before(prev.ReceivedAt) {
				t.Fatalf("arrival order violated at %d", i)
			}
		}
	})
}
