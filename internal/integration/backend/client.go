// Package backend talks to the knowledge assistant's REST API: the ingestion
// status snapshot, the runtime incident list and the manual scan trigger.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kubilitics/kubilitics-pka/internal/audit"
	"github.com/kubilitics/kubilitics-pka/internal/config"
	"github.com/kubilitics/kubilitics-pka/internal/models"
)

// ErrScanThrottled is returned by TriggerScan when scans are requested
// faster than the configured minimum interval.
var ErrScanThrottled = errors.New("scan trigger throttled")

// APIError represents a non-2xx HTTP response.
type APIError struct {
	StatusCode int
	Body       string // first 512 bytes
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// Paths locates the REST and live-feed endpoints relative to the base URL.
type Paths struct {
	Status          string
	Incidents       string
	Scan            string
	IngestionStream string
	IncidentsStream string
}

// DefaultPaths returns the backend's standard routes.
func DefaultPaths() Paths {
	return Paths{
		Status:          "/api/ingestion/status",
		Incidents:       "/api/incidents",
		Scan:            "/api/ingestion/scan",
		IngestionStream: "/ws/ingestion",
		IncidentsStream: "/ws/incidents",
	}
}

// Client is the backend REST client. It is safe for concurrent use.
type Client struct {
	baseURL     string
	paths       Paths
	httpClient  *http.Client
	scanLimiter *rate.Limiter
	logger      *zap.Logger
	audit       audit.Logger
}

// Option configures Client behavior.
type Option func(*Client)

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithPaths overrides the endpoint paths.
func WithPaths(p Paths) Option {
	return func(c *Client) {
		c.paths = p
	}
}

// WithScanInterval sets the minimum interval between scan triggers. Zero
// disables throttling.
func WithScanInterval(d time.Duration) Option {
	return func(c *Client) {
		if d <= 0 {
			c.scanLimiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		c.scanLimiter = rate.NewLimiter(rate.Every(d), 1)
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// WithAudit records scan triggers in the audit trail.
func WithAudit(a audit.Logger) Option {
	return func(c *Client) {
		c.audit = a
	}
}

// New creates a Client for baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid backend base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid backend base url %q: scheme must be http or https", baseURL)
	}

	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		paths:       DefaultPaths(),
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		scanLimiter: rate.NewLimiter(rate.Every(5*time.Second), 1),
		logger:      zap.NewNop(),
		audit:       audit.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("backend")
	return c, nil
}

// NewFromConfig creates a Client from the backend and stream sections of cfg.
func NewFromConfig(cfg *config.Config, opts ...Option) (*Client, error) {
	base := []Option{
		WithTimeout(cfg.Backend.Timeout),
		WithScanInterval(cfg.Backend.ScanMinInterval),
		WithPaths(Paths{
			Status:          cfg.Backend.StatusPath,
			Incidents:       cfg.Backend.IncidentsPath,
			Scan:            cfg.Backend.ScanPath,
			IngestionStream: cfg.Stream.IngestionPath,
			IncidentsStream: cfg.Stream.IncidentsPath,
		}),
	}
	return New(cfg.Backend.BaseURL, append(base, opts...)...)
}

// BaseURL returns the normalized base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// FetchStatus loads the ingestion status snapshot.
func (c *Client) FetchStatus(ctx context.Context) (models.StatusSnapshot, error) {
	var snap models.StatusSnapshot
	if err := c.do(ctx, http.MethodGet, c.paths.Status, nil, &snap); err != nil {
		return models.StatusSnapshot{}, fmt.Errorf("fetch status: %w", err)
	}
	return snap, nil
}

// FetchIncidents loads the runtime incident list. Both a bare JSON array
// and an {"incidents": [...]} envelope are accepted.
func (c *Client) FetchIncidents(ctx context.Context) ([]models.IncidentRecord, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, c.paths.Incidents, nil, &raw); err != nil {
		return nil, fmt.Errorf("fetch incidents: %w", err)
	}

	var incidents []models.IncidentRecord
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return []models.IncidentRecord{}, nil
	}
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &incidents); err != nil {
			return nil, fmt.Errorf("decode incidents: %w", err)
		}
	} else {
		var envelope struct {
			Incidents []models.IncidentRecord `json:"incidents"`
		}
		if err := json.Unmarshal(trimmed, &envelope); err != nil {
			return nil, fmt.Errorf("decode incidents: %w", err)
		}
		incidents = envelope.Incidents
	}

	for i := range incidents {
		if !incidents[i].Severity.Valid() {
			incidents[i].Severity = models.SeverityInfo
		}
	}
	return incidents, nil
}

// TriggerScan asks the backend to start a manual scan. The scan's progress
// arrives over the live feed. Returns ErrScanThrottled when called again
// before the minimum interval elapsed.
func (c *Client) TriggerScan(ctx context.Context, req models.ScanRequest) (models.ScanAccepted, error) {
	if !c.scanLimiter.Allow() {
		return models.ScanAccepted{}, ErrScanThrottled
	}
	if req.Source == "" {
		req.Source = "manual"
	}

	var accepted models.ScanAccepted
	err := c.do(ctx, http.MethodPost, c.paths.Scan, req, &accepted)
	_ = c.audit.LogScanTriggered(ctx, accepted.ScanID, err)
	if err != nil {
		return models.ScanAccepted{}, fmt.Errorf("trigger scan: %w", err)
	}
	if accepted.Status == "" {
		accepted.Status = "accepted"
	}
	c.logger.Info("scan triggered", zap.String("scan_id", accepted.ScanID), zap.String("path", req.Path))
	return accepted, nil
}

// StreamURL maps path onto the base URL with the WebSocket scheme.
func (c *Client) StreamURL(path string) string {
	u, _ := url.Parse(c.baseURL)
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String()
}

// IngestionStreamURL is the live ingestion feed.
func (c *Client) IngestionStreamURL() string {
	return c.StreamURL(c.paths.IngestionStream)
}

// IncidentsStreamURL is the live incident feed.
func (c *Client) IncidentsStreamURL() string {
	return c.StreamURL(c.paths.IncidentsStream)
}

func (c *Client) do(ctx context.Context, method, path string, body, dest any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyStr := string(data)
		if len(bodyStr) > 512 {
			bodyStr = bodyStr[:512]
		}
		c.logger.Debug("backend returned error",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
		)
		return &APIError{StatusCode: resp.StatusCode, Body: bodyStr}
	}

	if dest == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	return json.Unmarshal(data, dest)
}
