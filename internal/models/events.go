package models

import "time"

// EventKind is the type of a live-feed event.
type EventKind string

const (
	EventScanStarted     EventKind = "scan_started"
	EventFileProcessed   EventKind = "file_processed"
	EventFileFailed      EventKind = "file_failed"
	EventFileSkipped     EventKind = "file_skipped"
	EventScanCompleted   EventKind = "scan_completed"
	EventScanFailed      EventKind = "scan_failed"
	EventRuntimeIncident EventKind = "runtime_incident"
)

// kindRanks is the lifecycle position of each known kind.
var kindRanks = map[EventKind]int{
	EventScanStarted:     0,
	EventFileProcessed:   1,
	EventFileFailed:      2,
	EventFileSkipped:     3,
	EventScanCompleted:   4,
	EventScanFailed:      5,
	EventRuntimeIncident: 6,
}

// UnknownRank is assigned to kinds the client does not recognize. It sorts
// after every known kind.
const UnknownRank = 1 << 16

// Rank returns the canonical lifecycle rank of k.
func (k EventKind) Rank() int {
	if r, ok := kindRanks[k]; ok {
		return r
	}
	return UnknownRank
}

// Known reports whether k is part of the closed set of kinds.
func (k EventKind) Known() bool {
	_, ok := kindRanks[k]
	return ok
}

// Terminal reports whether k signals completion or failure of a unit of work.
func (k EventKind) Terminal() bool {
	return k == EventScanCompleted || k == EventScanFailed
}

// StreamEvent is one normalized live-feed event.
type StreamEvent struct {
	Type       EventKind              `json:"type"`
	ID         string                 `json:"id,omitempty"`
	Payload    map[string]interface{} `json:"payload"`
	ReceivedAt time.Time              `json:"received_at"`
	// SentAt is the backend timestamp, zero when the frame carried none.
	SentAt time.Time `json:"sent_at,omitempty"`
}
