package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-pka/internal/config"
	"github.com/kubilitics/kubilitics-pka/internal/models"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL, opts...)
	require.NoError(t, err)
	return c
}

func TestFetchStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/ingestion/status", r.URL.Path)
		_, _ = io.WriteString(w, `{"files_processed":40,"files_failed":2,"files_skipped":5,"queue_depth":7,"last_scan_time":"2026-02-01T08:30:00Z"}`)
	})

	snap, err := c.FetchStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 40, snap.FilesProcessed)
	assert.Equal(t, 2, snap.FilesFailed)
	assert.Equal(t, 5, snap.FilesSkipped)
	assert.Equal(t, 7, snap.QueueDepth)
	require.NotNil(t, snap.LastScanTime)
	assert.Equal(t, 8, snap.LastScanTime.Hour())
}

func TestFetchStatusNullLastScan(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"files_processed":0,"files_failed":0,"files_skipped":0,"queue_depth":0,"last_scan_time":null}`)
	})

	snap, err := c.FetchStatus(context.Background())
	require.NoError(t, err)
	assert.Nil(t, snap.LastScanTime)
}

func TestFetchStatusNaiveLastScan(t *testing.T) {
	tests := []struct {
		name  string
		value string
		never bool
	}{
		{"isoformat without zone", `"2024-05-01T10:00:00.123456"`, false},
		{"space separated", `"2024-05-01 10:00:00"`, false},
		{"unparseable", `"pending"`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.WriteString(w, `{"files_processed":9,"files_failed":0,"files_skipped":0,"queue_depth":0,"last_scan_time":`+tt.value+`}`)
			})

			snap, err := c.FetchStatus(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 9, snap.FilesProcessed)
			if tt.never {
				assert.Nil(t, snap.LastScanTime)
				return
			}
			require.NotNil(t, snap.LastScanTime)
			assert.Equal(t, 10, snap.LastScanTime.Hour())
		})
	}
}

func TestFetchIncidentsNaiveTimestamp(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `[{"id":"a","timestamp":"2024-05-01T10:00:00.123456","severity":"error"},{"id":"b","timestamp":"later","severity":"info"}]`)
	})

	recs, err := c.FetchIncidents(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.True(t, time.Date(2024, 5, 1, 10, 0, 0, 123456000, time.UTC).Equal(recs[0].Timestamp))
	assert.True(t, recs[1].Timestamp.IsZero())
}

func TestAPIError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "backend overloaded", http.StatusServiceUnavailable)
	})

	_, err := c.FetchStatus(context.Background())
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "backend overloaded")
}

func TestFetchIncidentsFormats(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []string
	}{
		{"bare array", `[{"id":"a","severity":"error"},{"id":"b","severity":"warning"}]`, []string{"a", "b"}},
		{"envelope", `{"incidents":[{"id":"c","severity":"info"}]}`, []string{"c"}},
		{"empty array", `[]`, []string{}},
		{"null", `null`, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/api/incidents", r.URL.Path)
				_, _ = io.WriteString(w, tt.body)
			})

			incidents, err := c.FetchIncidents(context.Background())
			require.NoError(t, err)
			ids := make([]string, 0, len(incidents))
			for _, inc := range incidents {
				ids = append(ids, inc.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestFetchIncidentsNormalizesSeverity(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `[{"id":"a","severity":"catastrophic","blocked":true}]`)
	})

	incidents, err := c.FetchIncidents(context.Background())
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	assert.Equal(t, models.SeverityInfo, incidents[0].Severity)
	assert.True(t, incidents[0].Blocked)
}

func TestTriggerScan(t *testing.T) {
	var got models.ScanRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/ingestion/scan", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
		_, _ = io.WriteString(w, `{"status":"accepted","scan_id":"scan-42"}`)
	})

	accepted, err := c.TriggerScan(context.Background(), models.ScanRequest{Path: "/notes"})
	require.NoError(t, err)
	assert.Equal(t, "scan-42", accepted.ScanID)
	assert.Equal(t, "accepted", accepted.Status)
	assert.Equal(t, "manual", got.Source)
	assert.Equal(t, "/notes", got.Path)
}

func TestTriggerScanThrottled(t *testing.T) {
	calls := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusAccepted)
	}, WithScanInterval(time.Hour))

	accepted, err := c.TriggerScan(context.Background(), models.ScanRequest{})
	require.NoError(t, err)
	assert.Equal(t, "accepted", accepted.Status, "empty reply defaults to accepted")

	_, err = c.TriggerScan(context.Background(), models.ScanRequest{})
	assert.ErrorIs(t, err, ErrScanThrottled)
	assert.Equal(t, 1, calls, "throttled trigger makes no request")
}

func TestTriggerScanUnthrottled(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}, WithScanInterval(0))

	for i := 0; i < 3; i++ {
		_, err := c.TriggerScan(context.Background(), models.ScanRequest{})
		require.NoError(t, err)
	}
}

func TestStreamURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"http://localhost:8000", "ws://localhost:8000/ws/ingestion"},
		{"https://pka.example.com/", "wss://pka.example.com/ws/ingestion"},
		{"http://host/prefix", "ws://host/prefix/ws/ingestion"},
	}

	for _, tt := range tests {
		c, err := New(tt.base)
		require.NoError(t, err)
		assert.Equal(t, tt.want, c.IngestionStreamURL(), tt.base)
	}
}

func TestNewValidation(t *testing.T) {
	_, err := New("ftp://example.com")
	assert.Error(t, err)

	_, err = New("://bad")
	assert.Error(t, err)
}

func TestNewFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Stream.IncidentsPath = "/live/incidents"

	c, err := NewFromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8000", c.BaseURL())
	assert.Equal(t, "ws://localhost:8000/live/incidents", c.IncidentsStreamURL())
	assert.Equal(t, cfg.Backend.Timeout, c.httpClient.Timeout)
}

func TestContextCancellation(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.FetchStatus(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
