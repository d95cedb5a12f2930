package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/kubilitics/kubilitics-pka/internal/logging"
	"github.com/kubilitics/kubilitics-pka/internal/models"
)

// Logger records the stream lifecycle trail of a session.
type Logger interface {
	// Log logs an audit event
	Log(ctx context.Context, event *Event) error

	// LogStateChange logs a connection state transition of a live feed
	LogStateChange(ctx context.Context, endpoint string, from, to models.ConnectionState) error

	// LogSnapshotFailed logs a failed snapshot fetch
	LogSnapshotFailed(ctx context.Context, feed string, err error) error

	// LogScanTriggered logs a manual scan request
	LogScanTriggered(ctx context.Context, scanID string, err error) error

	// LogIncidentDismissed logs a local incident dismissal
	LogIncidentDismissed(ctx context.Context, incidentID string) error

	// Sync flushes buffered log entries
	Sync() error

	// Close closes the audit logger
	Close() error
}

// Config represents audit logger configuration
type Config struct {
	// AuditLogPath is the path to the audit log file
	AuditLogPath string

	// MaxSize is the maximum size in megabytes before rotation
	MaxSize int

	// MaxBackups is the maximum number of old log files to retain
	MaxBackups int

	// MaxAge is the maximum number of days to retain old log files
	MaxAge int

	// Compress determines if rotated files should be compressed
	Compress bool
}

// DefaultConfig returns default audit logger configuration
func DefaultConfig() *Config {
	return &Config{
		AuditLogPath: "logs/audit.log",
		MaxSize:      20, // megabytes
		MaxBackups:   5,
		MaxAge:       14, // days
		Compress:     true,
	}
}

const flushThreshold = 100

// auditLogger implements the Logger interface
type auditLogger struct {
	auditLogger *zap.Logger
	appLogger   *zap.Logger
	rotator     *lumberjack.Logger
	mu          sync.Mutex
	buffer      []*Event
	flushTicker *time.Ticker
	stopCh      chan struct{}
	closeOnce   sync.Once
}

// NewLogger creates a new audit logger. appLogger receives marshal failures;
// it may be nil.
func NewLogger(config *Config, appLogger *zap.Logger) (Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.AuditLogPath == "" {
		return nil, fmt.Errorf("audit log path is required")
	}
	if appLogger == nil {
		appLogger = zap.NewNop()
	}

	auditRotator := &lumberjack.Logger{
		Filename:   config.AuditLogPath,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}

	auditCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(logging.EncoderConfig()),
		zapcore.AddSync(auditRotator),
		zapcore.InfoLevel, // Audit logs are always INFO level
	)

	logger := &auditLogger{
		auditLogger: zap.New(auditCore),
		appLogger:   appLogger.Named("audit"),
		rotator:     auditRotator,
		buffer:      make([]*Event, 0, flushThreshold),
		flushTicker: time.NewTicker(1 * time.Second),
		stopCh:      make(chan struct{}),
	}

	go logger.autoFlush()

	return logger, nil
}

// Log logs an audit event
func (l *auditLogger) Log(ctx context.Context, event *Event) error {
	if event.CorrelationID == "" {
		event.CorrelationID = GetCorrelationID(ctx)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.buffer = append(l.buffer, event)

	if len(l.buffer) >= flushThreshold {
		return l.flushLocked()
	}

	return nil
}

// flushLocked flushes the buffer (caller must hold lock)
func (l *auditLogger) flushLocked() error {
	if len(l.buffer) == 0 {
		return nil
	}

	for _, event := range l.buffer {
		eventJSON, err := json.Marshal(event)
		if err != nil {
			l.appLogger.Error("failed to marshal audit event",
				zap.Error(err),
				zap.String("event_type", string(event.EventType)),
			)
			continue
		}

		l.auditLogger.Info(string(eventJSON),
			zap.String("correlation_id", event.CorrelationID),
			zap.String("event_type", string(event.EventType)),
			zap.String("result", string(event.Result)),
		)
	}

	l.buffer = l.buffer[:0]

	return nil
}

// autoFlush periodically flushes the buffer
func (l *auditLogger) autoFlush() {
	for {
		select {
		case <-l.flushTicker.C:
			l.mu.Lock()
			_ = l.flushLocked()
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}

// LogStateChange logs a connection state transition
func (l *auditLogger) LogStateChange(ctx context.Context, endpoint string, from, to models.ConnectionState) error {
	return l.Log(ctx, stateChangeEvent(endpoint, from, to))
}

// LogSnapshotFailed logs a failed snapshot fetch
func (l *auditLogger) LogSnapshotFailed(ctx context.Context, feed string, err error) error {
	event := NewEvent(EventSnapshotFailed).
		WithFeed(feed).
		WithError(err, "snapshot_fetch_failed").
		WithDescription(fmt.Sprintf("Snapshot fetch for %s failed", feed))

	return l.Log(ctx, event)
}

// LogScanTriggered logs a manual scan request
func (l *auditLogger) LogScanTriggered(ctx context.Context, scanID string, err error) error {
	event := NewEvent(EventScanTriggered).
		WithResource(scanID).
		WithResult(ResultSuccess).
		WithError(err, "scan_trigger_failed").
		WithDescription("Manual scan requested")

	return l.Log(ctx, event)
}

// LogIncidentDismissed logs a local incident dismissal
func (l *auditLogger) LogIncidentDismissed(ctx context.Context, incidentID string) error {
	event := NewEvent(EventIncidentDismissed).
		WithResource(incidentID).
		WithResult(ResultSuccess).
		WithDescription(fmt.Sprintf("Incident %s dismissed locally", incidentID))

	return l.Log(ctx, event)
}

// Sync flushes buffered log entries
func (l *auditLogger) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.flushLocked(); err != nil {
		return err
	}

	return l.auditLogger.Sync()
}

// Close closes the audit logger
func (l *auditLogger) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.stopCh)
		l.flushTicker.Stop()

		if err = l.Sync(); err != nil {
			return
		}
		err = l.rotator.Close()
	})
	return err
}

func stateChangeEvent(endpoint string, from, to models.ConnectionState) *Event {
	var eventType EventType
	switch {
	case to == models.StateConnected && from.Retrying():
		eventType = EventStreamRecovered
	case to == models.StateConnected:
		eventType = EventStreamConnected
	case to == models.StateConnecting:
		eventType = EventStreamConnecting
	case to == models.StateReconnecting:
		eventType = EventStreamReconnecting
	case to == models.StateFallback:
		eventType = EventStreamFallbackEntered
	default:
		eventType = EventStreamClosed
	}

	result := ResultSuccess
	if to.Retrying() {
		result = ResultFailure
	}

	return NewEvent(eventType).
		WithEndpoint(endpoint).
		WithResult(result).
		WithMetadata("from", string(from)).
		WithMetadata("to", string(to)).
		WithDescription(fmt.Sprintf("Stream %s: %s -> %s", endpoint, from, to))
}

type correlationKey struct{}

// GetCorrelationID extracts correlation ID from context
func GetCorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(correlationKey{}).(string); ok {
		return id
	}
	return ""
}

// WithCorrelationID adds correlation ID to context
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// GenerateCorrelationID generates a new correlation ID
func GenerateCorrelationID() string {
	return uuid.NewString()
}
