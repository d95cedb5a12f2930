package audit

import "time"

// EventType represents the type of audit event
type EventType string

const (
	// Stream lifecycle events
	EventStreamConnecting      EventType = "stream.connecting"
	EventStreamConnected       EventType = "stream.connected"
	EventStreamReconnecting    EventType = "stream.reconnecting"
	EventStreamFallbackEntered EventType = "stream.fallback_entered"
	EventStreamRecovered       EventType = "stream.recovered"
	EventStreamClosed          EventType = "stream.closed"

	// Snapshot events
	EventSnapshotFailed EventType = "snapshot.failed"

	// User actions
	EventScanTriggered     EventType = "scan.triggered"
	EventIncidentDismissed EventType = "incident.dismissed"

	// System events
	EventServerStarted  EventType = "system.server_started"
	EventServerShutdown EventType = "system.server_shutdown"
	EventConfigReload   EventType = "config.reload"
)

// Result represents the outcome of an audited action
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
	ResultPending Result = "pending"
)

// Event represents a single audit event
type Event struct {
	// Core fields
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id"`
	EventType     EventType `json:"event_type"`
	Result        Result    `json:"result"`

	// Target information
	Endpoint string `json:"endpoint,omitempty"`
	Feed     string `json:"feed,omitempty"`
	Resource string `json:"resource,omitempty"`

	// Action details
	Description string                 `json:"description,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`

	// Error information
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`

	// Duration tracking
	DurationMs int64 `json:"duration_ms,omitempty"`
}

// NewEvent creates a new audit event with default values
func NewEvent(eventType EventType) *Event {
	return &Event{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Result:    ResultPending,
		Metadata:  make(map[string]interface{}),
	}
}

// WithCorrelationID sets the correlation ID for event tracking
func (e *Event) WithCorrelationID(id string) *Event {
	e.CorrelationID = id
	return e
}

// WithEndpoint sets the live feed endpoint the event concerns
func (e *Event) WithEndpoint(endpoint string) *Event {
	e.Endpoint = endpoint
	return e
}

// WithFeed sets the feed name (ingestion, incidents)
func (e *Event) WithFeed(feed string) *Event {
	e.Feed = feed
	return e
}

// WithResource sets the resource being acted upon
func (e *Event) WithResource(resource string) *Event {
	e.Resource = resource
	return e
}

// WithDescription sets a human-readable description
func (e *Event) WithDescription(desc string) *Event {
	e.Description = desc
	return e
}

// WithResult sets the result of the event
func (e *Event) WithResult(result Result) *Event {
	e.Result = result
	return e
}

// WithError sets error information
func (e *Event) WithError(err error, code string) *Event {
	if err != nil {
		e.Error = err.Error()
		e.ErrorCode = code
		e.Result = ResultFailure
	}
	return e
}

// WithDuration sets the duration in milliseconds
func (e *Event) WithDuration(duration time.Duration) *Event {
	e.DurationMs = duration.Milliseconds()
	return e
}

// WithMetadata adds metadata to the event
func (e *Event) WithMetadata(key string, value interface{}) *Event {
	e.Metadata[key] = value
	return e
}
