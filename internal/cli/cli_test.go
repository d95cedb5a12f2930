package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeBackend(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/ingestion/status", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"files_processed":12,"files_failed":1,"files_skipped":0,"queue_depth":4,"last_scan_time":null}`)
	})
	mux.HandleFunc("/api/incidents", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"incidents":[{"id":"inc-1","timestamp":"2026-03-01T12:00:00Z","subsystem":"index","operation":"embed","severity":"error","reason":"model unavailable","blocked":true}]}`)
	})
	mux.HandleFunc("/api/ingestion/scan", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["path"] == "/forbidden" {
			http.Error(w, "path outside vault", http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		_, _ = io.WriteString(w, `{"status":"accepted","scan_id":"scan-9"}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := NewRootCommandWithIO(strings.NewReader(""), &out, &errOut)
	missing := filepath.Join(t.TempDir(), "config.yaml")
	cmd.SetArgs(append([]string{"--config", missing}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestStatusCommand(t *testing.T) {
	srv := fakeBackend(t)

	out, err := run(t, "--backend", srv.URL, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "processed:  12")
	assert.Contains(t, out, "queued:     4")
	assert.Contains(t, out, "last scan:  never")
	assert.Contains(t, out, "Incidents (1)")
	assert.Contains(t, out, "index/embed: model unavailable [blocked]")
}

func TestStatusCommandJSON(t *testing.T) {
	srv := fakeBackend(t)

	out, err := run(t, "--backend", srv.URL, "status", "--json")
	require.NoError(t, err)

	var report statusReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, 12, report.Ingestion.FilesProcessed)
	require.Len(t, report.Incidents, 1)
	assert.Equal(t, "inc-1", report.Incidents[0].ID)
}

func TestScanCommand(t *testing.T) {
	srv := fakeBackend(t)

	out, err := run(t, "--backend", srv.URL, "scan", "--path", "/notes")
	require.NoError(t, err)
	assert.Equal(t, "scan scan-9: accepted\n", out)
}

func TestScanCommandRejected(t *testing.T) {
	srv := fakeBackend(t)

	_, err := run(t, "--backend", srv.URL, "scan", "--path", "/forbidden")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 400")
	assert.Contains(t, err.Error(), "path outside vault")
}

func TestInvalidBackendRejected(t *testing.T) {
	_, err := run(t, "--backend", "ftp://example.com", "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend.base_url")
}

func TestBackendUnreachable(t *testing.T) {
	srv := fakeBackend(t)
	url := srv.URL
	srv.Close()

	_, err := run(t, "--backend", url, "status")
	assert.Error(t, err)
}
