package models

import (
	"encoding/json"
	"strings"
	"time"
)

// timestampLayouts are tried in order. Values without a zone are UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// ParseTimestamp parses a backend time string. It accepts RFC 3339 and the
// zone-less forms produced by Python's isoformat and str(datetime).
func ParseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Timestamp decodes a JSON time string leniently. A value that is null, not
// a string or in no known layout decodes as the zero time; it never fails
// the enclosing document.
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	t.Time = time.Time{}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return nil
	}
	t.Time, _ = ParseTimestamp(s)
	return nil
}

// UnmarshalJSON decodes a snapshot; an unparseable last_scan_time reads as never.
func (s *StatusSnapshot) UnmarshalJSON(data []byte) error {
	type plain StatusSnapshot
	aux := struct {
		*plain
		LastScanTime *Timestamp `json:"last_scan_time"`
	}{plain: (*plain)(s)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	s.LastScanTime = nil
	if aux.LastScanTime != nil && !aux.LastScanTime.IsZero() {
		t := aux.LastScanTime.Time
		s.LastScanTime = &t
	}
	return nil
}

// UnmarshalJSON decodes an incident; an unparseable timestamp reads as zero.
func (r *IncidentRecord) UnmarshalJSON(data []byte) error {
	type plain IncidentRecord
	aux := struct {
		*plain
		Timestamp Timestamp `json:"timestamp"`
	}{plain: (*plain)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	r.Timestamp = aux.Timestamp.Time
	return nil
}
