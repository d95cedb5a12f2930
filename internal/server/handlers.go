package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-pka/internal/integration/backend"
	"github.com/kubilitics/kubilitics-pka/internal/models"
	"github.com/kubilitics/kubilitics-pka/internal/stream/coordinator"
)

// viewResponse is the JSON form of a coordinator view.
type viewResponse struct {
	State      models.ConnectionState `json:"state"`
	Connected  bool                   `json:"connected"`
	Retrying   bool                   `json:"retrying"`
	Loading    bool                   `json:"loading"`
	Error      string                 `json:"error,omitempty"`
	SnapshotAt *time.Time             `json:"snapshot_at,omitempty"`
	Snapshot   any                    `json:"snapshot,omitempty"`
	Events     []models.StreamEvent   `json:"events"`
}

type incidentsResponse struct {
	viewResponse
	Incidents []models.IncidentRecord `json:"incidents"`
}

func newViewResponse[S any](v coordinator.View[S]) viewResponse {
	resp := viewResponse{
		State:     v.State,
		Connected: v.IsConnected(),
		Retrying:  v.Retrying(),
		Loading:   v.Loading,
		Events:    v.Events,
	}
	if resp.Events == nil {
		resp.Events = []models.StreamEvent{}
	}
	if v.Err != nil {
		resp.Error = v.Err.Error()
	}
	if v.HasSnapshot {
		at := v.SnapshotAt
		resp.SnapshotAt = &at
		resp.Snapshot = v.Snapshot
	}
	return resp
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"ingestion": s.deps.Ingestion.View().State,
		"incidents": s.deps.Incidents.View().State,
		"timestamp": time.Now(),
	})
}

func (s *Server) handleIngestion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, newViewResponse(s.deps.Ingestion.View()))
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req models.ScanRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	accepted, err := s.deps.API.TriggerScan(r.Context(), req)
	if err != nil {
		var apiErr *backend.APIError
		switch {
		case errors.Is(err, backend.ErrScanThrottled):
			writeError(w, http.StatusTooManyRequests, err.Error())
		case errors.As(err, &apiErr):
			writeError(w, http.StatusBadGateway, err.Error())
		case errors.Is(err, context.Canceled):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			s.logger.Warn("scan trigger failed", zap.Error(err))
			writeError(w, http.StatusBadGateway, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusAccepted, accepted)
}

func (s *Server) handleIncidents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.incidentsResponse())
}

func (s *Server) handleIncidentsRefetch(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Incidents.Refetch(r.Context()); errors.Is(err, coordinator.ErrClosed) {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	// Fetch failures are part of the view.
	writeJSON(w, http.StatusOK, s.incidentsResponse())
}

func (s *Server) handleIncidentDismiss(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id == "" {
		writeError(w, http.StatusBadRequest, "incident id required")
		return
	}
	s.deps.Incidents.Dismiss(id)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"dismissed": id,
	})
}

func (s *Server) incidentsResponse() incidentsResponse {
	resp := incidentsResponse{viewResponse: newViewResponse(s.deps.Incidents.View())}
	resp.Snapshot = nil
	resp.Incidents = s.deps.Incidents.Incidents()
	if resp.Incidents == nil {
		resp.Incidents = []models.IncidentRecord{}
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
