// Package normalizer turns raw live-feed frames into an ordered,
// de-duplicated event log.
//
// Events are staged in a pending batch and then inserted into the exposed
// log at the upper bound of their (rank, receivedAt) key. Exposed events
// keep their relative order forever; a late event of an earlier lifecycle
// kind is placed before them instead of being appended.
package normalizer

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-pka/internal/metrics"
	"github.com/kubilitics/kubilitics-pka/internal/models"
)

const (
	// DefaultDedupWindow is how long a (type, payload) signature suppresses repeats.
	DefaultDedupWindow = 5 * time.Second

	// DefaultDedupSize bounds the number of remembered signatures.
	DefaultDedupSize = 1024
)

// ProtocolError reports a frame that could not be turned into an event.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
	}
	return "protocol error: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// wireFrame is the JSON envelope sent by the backend.
type wireFrame struct {
	Event     string            `json:"event"`
	Payload   json.RawMessage   `json:"payload"`
	ID        string            `json:"id,omitempty"`
	Timestamp *models.Timestamp `json:"timestamp,omitempty"`
}

// Parse decodes one frame. It returns a *ProtocolError for malformed JSON,
// a missing event name or a payload that is not an object.
func Parse(frame []byte, receivedAt time.Time) (models.StreamEvent, error) {
	var wf wireFrame
	if err := json.Unmarshal(frame, &wf); err != nil {
		return models.StreamEvent{}, &ProtocolError{Reason: "malformed frame", Err: err}
	}
	if wf.Event == "" {
		return models.StreamEvent{}, &ProtocolError{Reason: "missing event name"}
	}

	payload := map[string]interface{}{}
	if len(wf.Payload) > 0 && string(wf.Payload) != "null" {
		if err := json.Unmarshal(wf.Payload, &payload); err != nil {
			return models.StreamEvent{}, &ProtocolError{Reason: "payload is not an object", Err: err}
		}
	}

	ev := models.StreamEvent{
		Type:       models.EventKind(wf.Event),
		ID:         wf.ID,
		Payload:    payload,
		ReceivedAt: receivedAt,
	}
	if wf.Timestamp != nil {
		ev.SentAt = wf.Timestamp.Time
	}
	return ev, nil
}

// Options configures a Normalizer.
type Options struct {
	DedupWindow time.Duration
	DedupSize   int
	// Now is the arrival clock. Defaults to time.Now.
	Now    func() time.Time
	Logger *zap.Logger
}

// Normalizer owns the event log of one session. It is safe for concurrent use.
type Normalizer struct {
	mu      sync.Mutex
	log     []models.StreamEvent
	pending []models.StreamEvent
	seenIDs map[string]struct{}
	recent  *expirable.LRU[string, struct{}]
	now     func() time.Time
	logger  *zap.Logger
}

// New creates an empty Normalizer.
func New(opts Options) *Normalizer {
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = DefaultDedupWindow
	}
	if opts.DedupSize <= 0 {
		opts.DedupSize = DefaultDedupSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Normalizer{
		seenIDs: make(map[string]struct{}),
		recent:  expirable.NewLRU[string, struct{}](opts.DedupSize, nil, opts.DedupWindow),
		now:     opts.Now,
		logger:  opts.Logger.Named("normalizer"),
	}
}

// Stage parses frame and adds it to the pending batch. A ProtocolError is
// logged and counted; the frame is dropped.
func (n *Normalizer) Stage(frame []byte) error {
	ev, err := Parse(frame, n.now())
	if err != nil {
		metrics.StreamFramesTotal.WithLabelValues("malformed").Inc()
		n.logger.Warn("dropping frame", zap.Error(err), zap.Int("bytes", len(frame)))
		return err
	}

	n.mu.Lock()
	n.pending = append(n.pending, ev)
	n.mu.Unlock()
	return nil
}

// Flush moves the pending batch into the log and returns the events that
// were exposed, in the order they were inserted.
func (n *Normalizer) Flush() []models.StreamEvent {
	n.mu.Lock()
	defer n.mu.Unlock()

	batch := n.pending
	n.pending = nil
	sort.SliceStable(batch, func(i, j int) bool { return less(batch[i], batch[j]) })

	var added []models.StreamEvent
	for _, ev := range batch {
		if n.duplicateLocked(ev) {
			metrics.StreamFramesTotal.WithLabelValues("duplicate").Inc()
			n.logger.Debug("dropping duplicate event",
				zap.String("type", string(ev.Type)),
				zap.String("id", ev.ID),
			)
			continue
		}
		if !ev.Type.Known() {
			n.logger.Debug("unknown event kind", zap.String("type", string(ev.Type)))
		}
		n.insertLocked(ev)
		metrics.StreamFramesTotal.WithLabelValues("accepted").Inc()
		added = append(added, ev)
	}
	return added
}

// Ingest stages a single frame and flushes it.
func (n *Normalizer) Ingest(frame []byte) ([]models.StreamEvent, error) {
	if err := n.Stage(frame); err != nil {
		return nil, err
	}
	return n.Flush(), nil
}

// Events returns a copy of the exposed log.
func (n *Normalizer) Events() []models.StreamEvent {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([]models.StreamEvent, len(n.log))
	copy(out, n.log)
	return out
}

// Len returns the number of exposed events.
func (n *Normalizer) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.log)
}

func (n *Normalizer) duplicateLocked(ev models.StreamEvent) bool {
	if ev.ID != "" {
		if _, ok := n.seenIDs[ev.ID]; ok {
			return true
		}
	}
	sig, err := signature(ev)
	if err != nil {
		// Unsignable payloads are only deduplicated by id.
		return false
	}
	if _, ok := n.recent.Get(sig); ok {
		return true
	}
	return false
}

func (n *Normalizer) insertLocked(ev models.StreamEvent) {
	if ev.ID != "" {
		n.seenIDs[ev.ID] = struct{}{}
	}
	if sig, err := signature(ev); err == nil {
		n.recent.Add(sig, struct{}{})
	}

	// Upper bound: first exposed event strictly greater than ev.
	i := sort.Search(len(n.log), func(i int) bool { return less(ev, n.log[i]) })
	n.log = append(n.log, models.StreamEvent{})
	copy(n.log[i+1:], n.log[i:])
	n.log[i] = ev
}

func less(a, b models.StreamEvent) bool {
	ra, rb := a.Type.Rank(), b.Type.Rank()
	if ra != rb {
		return ra < rb
	}
	return a.ReceivedAt.Before(b.ReceivedAt)
}

// signature is the type plus the canonical JSON of the payload. Map keys
// are sorted by encoding/json, so equal payloads encode identically.
func signature(ev models.StreamEvent) (string, error) {
	raw, err := json.Marshal(ev.Payload)
	if err != nil {
		return "", err
	}
	return string(ev.Type) + "\x00" + string(raw), nil
}
