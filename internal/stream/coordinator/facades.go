package coordinator

import (
	"context"
	"sort"
	"sync"

	"github.com/kubilitics/kubilitics-pka/internal/models"
)

// Feed names.
const (
	FeedIngestion = "ingestion"
	FeedIncidents = "incidents"
)

// StatusFetcher loads the ingestion status snapshot.
type StatusFetcher interface {
	FetchStatus(ctx context.Context) (models.StatusSnapshot, error)
}

// IncidentFetcher loads the runtime incident list.
type IncidentFetcher interface {
	FetchIncidents(ctx context.Context) ([]models.IncidentRecord, error)
}

// IngestionStream is the live ingestion status feed.
type IngestionStream struct {
	*Coordinator[models.StatusSnapshot]
}

// NewIngestionStream creates an ingestion coordinator. opts.Feed is set
// to FeedIngestion.
func NewIngestionStream(api StatusFetcher, opts Options) *IngestionStream {
	opts.Feed = FeedIngestion
	return &IngestionStream{Coordinator: New[models.StatusSnapshot](api.FetchStatus, opts)}
}

// Snapshot returns the last fetched status and whether one was fetched yet.
func (s *IngestionStream) Snapshot() (models.StatusSnapshot, bool) {
	v := s.View()
	return v.Snapshot, v.HasSnapshot
}

// RuntimeIncidents is the live incident list. Dismissals are local view
// state and never reach the backend.
type RuntimeIncidents struct {
	*Coordinator[[]models.IncidentRecord]

	mu        sync.RWMutex
	dismissed map[string]struct{}
}

// NewRuntimeIncidents creates an incident coordinator. opts.Feed is set
// to FeedIncidents.
func NewRuntimeIncidents(api IncidentFetcher, opts Options) *RuntimeIncidents {
	opts.Feed = FeedIncidents
	return &RuntimeIncidents{
		Coordinator: New[[]models.IncidentRecord](api.FetchIncidents, opts),
		dismissed:   make(map[string]struct{}),
	}
}

// Incidents returns fetched and streamed incidents, unique by id, minus the
// dismissed ones, newest first.
func (r *RuntimeIncidents) Incidents() []models.IncidentRecord {
	return r.incidents(r.View())
}

// Loading reports whether a fetch is in flight.
func (r *RuntimeIncidents) Loading() bool {
	return r.View().Loading
}

// Err returns the last fetch error, nil after a successful fetch.
func (r *RuntimeIncidents) Err() error {
	return r.View().Err
}

// Dismiss hides an incident from Incidents. No request is made.
func (r *RuntimeIncidents) Dismiss(id string) {
	r.mu.Lock()
	_, already := r.dismissed[id]
	r.dismissed[id] = struct{}{}
	r.mu.Unlock()
	if already {
		return
	}

	_ = r.opts.Audit.LogIncidentDismissed(context.Background(), id)

	c := r.Coordinator
	c.mu.Lock()
	c.publish()
	c.mu.Unlock()
}

// Dismissed reports whether id was dismissed.
func (r *RuntimeIncidents) Dismissed(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.dismissed[id]
	return ok
}

func (r *RuntimeIncidents) incidents(v View[[]models.IncidentRecord]) []models.IncidentRecord {
	byID := make(map[string]models.IncidentRecord, len(v.Snapshot))
	for _, rec := range v.Snapshot {
		if rec.ID != "" {
			byID[rec.ID] = rec
		}
	}
	for _, ev := range v.Events {
		rec, ok := models.IncidentFromEvent(ev)
		if !ok {
			continue
		}
		if _, fetched := byID[rec.ID]; !fetched {
			byID[rec.ID] = rec
		}
	}

	r.mu.RLock()
	out := make([]models.IncidentRecord, 0, len(byID))
	for id, rec := range byID {
		if _, gone := r.dismissed[id]; !gone {
			out = append(out, rec)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
