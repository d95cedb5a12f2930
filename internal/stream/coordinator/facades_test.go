package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-pka/internal/models"
)

func incidentIDs(recs []models.IncidentRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}

func TestIncidentsMergeFetchedAndStreamed(t *testing.T) {
	f := newFixture(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	api := &fakeAPI{incidents: []models.IncidentRecord{
		{ID: "inc-1", Timestamp: base, Subsystem: "ingest", Reason: "parse failure", Severity: models.SeverityWarning},
		{ID: "inc-2", Timestamp: base.Add(time.Minute), Subsystem: "index", Reason: "disk full", Severity: models.SeverityError, Blocked: true},
	}}
	opts := f.options()
	opts.Endpoint = "ws://backend.test/ws/incidents"
	r := NewRuntimeIncidents(api, opts)
	defer r.Close()
	r.Start(context.Background())

	assert.Equal(t, []string{"inc-2", "inc-1"}, incidentIDs(r.Incidents()))
	assert.False(t, r.Loading())
	assert.NoError(t, r.Err())

	conn := f.transport.Last()
	conn.Open()
	conn.Message(`{"event":"runtime_incident","payload":{"id":"inc-3","timestamp":"2026-03-01T12:05:00Z","subsystem":"ingest","severity":"error","reason":"model unavailable"}}`)
	// Already fetched; the fetched record wins.
	conn.Message(`{"event":"runtime_incident","payload":{"id":"inc-1","timestamp":"2026-03-01T12:00:00Z","reason":"changed"}}`)

	eventually(t, func() bool { return len(r.Incidents()) == 3 }, "streamed incident merged")
	incidents := r.Incidents()
	assert.Equal(t, []string{"inc-3", "inc-2", "inc-1"}, incidentIDs(incidents))
	assert.Equal(t, "parse failure", incidents[2].Reason)
	assert.Equal(t, models.SeverityError, incidents[0].Severity)
}

func TestDismissIssuesNoRequest(t *testing.T) {
	f := newFixture(t)
	api := &fakeAPI{incidents: []models.IncidentRecord{
		{ID: "inc-1", Timestamp: time.Now()},
		{ID: "inc-2", Timestamp: time.Now().Add(time.Second)},
	}}
	r := NewRuntimeIncidents(api, f.options())
	defer r.Close()
	r.Start(context.Background())
	require.Equal(t, 1, api.Calls())
	connections := f.transport.Count()

	r.Dismiss("inc-1")
	r.Dismiss("inc-1")

	assert.Equal(t, []string{"inc-2"}, incidentIDs(r.Incidents()))
	assert.True(t, r.Dismissed("inc-1"))
	assert.Equal(t, 1, api.Calls(), "dismiss is view state only")
	assert.Equal(t, connections, f.transport.Count())

	// A refetch does not resurrect a dismissed incident.
	require.NoError(t, r.Refetch(context.Background()))
	assert.Equal(t, []string{"inc-2"}, incidentIDs(r.Incidents()))
}

func TestDismissPublishesUpdate(t *testing.T) {
	f := newFixture(t)
	r := NewRuntimeIncidents(&fakeAPI{incidents: []models.IncidentRecord{{ID: "inc-1"}}}, f.options())
	defer r.Close()
	r.Start(context.Background())

	for len(r.Updates()) > 0 {
		<-r.Updates()
	}
	r.Dismiss("inc-1")

	select {
	case <-r.Updates():
	case <-time.After(time.Second):
		t.Fatal("dismiss did not publish")
	}
	assert.Empty(t, r.Incidents())
}

func TestIncidentWithoutIDIsIgnored(t *testing.T) {
	f := newFixture(t)
	r := NewRuntimeIncidents(&fakeAPI{}, f.options())
	defer r.Close()
	r.Start(context.Background())

	conn := f.transport.Last()
	conn.Open()
	conn.Message(`{"event":"runtime_incident","payload":{"reason":"no id"}}`)
	conn.Message(`{"event":"runtime_incident","id":"evt-9","payload":{"reason":"frame id"}}`)

	eventually(t, func() bool { return len(r.Events()) == 2 }, "events exposed")
	assert.Equal(t, []string{"evt-9"}, incidentIDs(r.Incidents()))
}
