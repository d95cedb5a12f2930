// Package models defines the data types shared by the stream client,
// the backend integration and the local gateway.
//
// StreamEvent values are immutable once created. StatusSnapshot is only
// ever replaced wholesale by a fresh fetch; the live stream never patches it.
package models

import (
	"encoding/json"
	"time"
)

// ConnectionState is the lifecycle state of one live connection.
type ConnectionState string

const (
	StateIdle         ConnectionState = "IDLE"
	StateConnecting   ConnectionState = "CONNECTING"
	StateConnected    ConnectionState = "CONNECTED"
	StateReconnecting ConnectionState = "RECONNECTING"
	StateFallback     ConnectionState = "FALLBACK"
)

// Retrying reports whether the state should show a "disconnected, retrying" indicator.
func (s ConnectionState) Retrying() bool {
	return s == StateReconnecting || s == StateFallback
}

// StatusSnapshot is the authoritative ingestion status returned by the snapshot endpoint.
type StatusSnapshot struct {
	FilesProcessed int        `json:"files_processed"`
	FilesFailed    int        `json:"files_failed"`
	FilesSkipped   int        `json:"files_skipped"`
	QueueDepth     int        `json:"queue_depth"`
	LastScanTime   *time.Time `json:"last_scan_time"`
}

// Severity classifies incident urgency.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Valid reports whether s is one of the known severities.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError:
		return true
	}
	return false
}

// IncidentRecord is a runtime incident reported by the backend. Unique by ID.
type IncidentRecord struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Subsystem string                 `json:"subsystem"`
	Operation string                 `json:"operation"`
	Reason    string                 `json:"reason"`
	Severity  Severity               `json:"severity"`
	Blocked   bool                   `json:"blocked"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// IncidentFromEvent decodes a runtime_incident event payload into an IncidentRecord.
// The event ID is used when the payload carries none.
func IncidentFromEvent(ev StreamEvent) (IncidentRecord, bool) {
	if ev.Type != EventRuntimeIncident {
		return IncidentRecord{}, false
	}
	raw, err := json.Marshal(ev.Payload)
	if err != nil {
		return IncidentRecord{}, false
	}
	var rec IncidentRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return IncidentRecord{}, false
	}
	if rec.ID == "" {
		rec.ID = ev.ID
	}
	if rec.ID == "" {
		return IncidentRecord{}, false
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = ev.ReceivedAt
	}
	if !rec.Severity.Valid() {
		rec.Severity = SeverityInfo
	}
	return rec, true
}

// ScanRequest asks the backend to start a manual ingestion scan.
type ScanRequest struct {
	Source string `json:"source"`
	Path   string `json:"path,omitempty"`
}

// ScanAccepted is the backend's reply to a scan trigger. The scan's
// lifecycle is then observed through the live feed.
type ScanAccepted struct {
	Status string `json:"status"`
	ScanID string `json:"scan_id,omitempty"`
}
