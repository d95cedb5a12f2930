package audit

import (
	"context"

	"github.com/kubilitics/kubilitics-pka/internal/models"
)

type nopLogger struct{}

// NewNopLogger returns a Logger that discards every event.
func NewNopLogger() Logger { return nopLogger{} }

func (nopLogger) Log(context.Context, *Event) error { return nil }

func (nopLogger) LogStateChange(context.Context, string, models.ConnectionState, models.ConnectionState) error {
	return nil
}

func (nopLogger) LogSnapshotFailed(context.Context, string, error) error { return nil }

func (nopLogger) LogScanTriggered(context.Context, string, error) error { return nil }

func (nopLogger) LogIncidentDismissed(context.Context, string) error { return nil }

func (nopLogger) Sync() error { return nil }

func (nopLogger) Close() error { return nil }
