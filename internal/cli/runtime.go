package cli

import (
	"context"
	"io"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-pka/internal/audit"
	"github.com/kubilitics/kubilitics-pka/internal/config"
	"github.com/kubilitics/kubilitics-pka/internal/integration/backend"
	"github.com/kubilitics/kubilitics-pka/internal/logging"
	"github.com/kubilitics/kubilitics-pka/internal/stream/coordinator"
	"github.com/kubilitics/kubilitics-pka/internal/stream/hub"
	"github.com/kubilitics/kubilitics-pka/internal/stream/normalizer"
	"github.com/kubilitics/kubilitics-pka/internal/stream/poller"
	"github.com/kubilitics/kubilitics-pka/internal/stream/reconnect"
	"github.com/kubilitics/kubilitics-pka/internal/stream/transport"
)

// runtime holds the long-lived components shared by serve and watch.
type runtime struct {
	cfg     *config.Config
	logger  *logging.Logger
	audit   audit.Logger
	client  *backend.Client
	hub     *hub.Hub
	session context.Context
}

// newRuntime wires logging, audit, the backend client and the stream hub.
// logOut receives the application log; watch passes io.Discard so the
// terminal stays free for the dashboard.
func newRuntime(cfg *config.Config, logOut io.Writer) (*runtime, error) {
	logger, err := logging.New(*cfg, logOut)
	if err != nil {
		return nil, err
	}

	var auditLog audit.Logger = audit.NewNopLogger()
	if cfg.Audit.Path != "" {
		auditCfg := audit.DefaultConfig()
		auditCfg.AuditLogPath = cfg.Audit.Path
		auditLog, err = audit.NewLogger(auditCfg, logger.Logger)
		if err != nil {
			_ = logger.Close()
			return nil, err
		}
	}

	client, err := backend.NewFromConfig(cfg,
		backend.WithLogger(logger.Logger),
		backend.WithAudit(auditLog),
	)
	if err != nil {
		_ = auditLog.Close()
		_ = logger.Close()
		return nil, err
	}

	topts := transport.DefaultOptions()
	topts.Logger = logger.Logger
	h := hub.New(hub.Options{
		Transport: transport.New(topts),
		Policy:    reconnect.FromConfig(cfg),
		Logger:    logger.Logger,
		Audit:     auditLog,
	})

	return &runtime{
		cfg:     cfg,
		logger:  logger,
		audit:   auditLog,
		client:  client,
		hub:     h,
		session: audit.WithCorrelationID(context.Background(), audit.GenerateCorrelationID()),
	}, nil
}

// streamOptions builds coordinator options for one feed.
func (r *runtime) streamOptions(feed, endpoint string) coordinator.Options {
	return coordinator.Options{
		Feed:     feed,
		Endpoint: endpoint,
		Hub:      r.hub,
		Poller: poller.Options{
			Interval: r.cfg.Poller.Interval,
			Jitter:   r.cfg.Poller.Jitter,
		},
		Normalizer: normalizer.Options{
			DedupWindow: r.cfg.Stream.DedupWindow,
			Logger:      r.logger.Logger,
		},
		Logger: r.logger.Logger,
		Audit:  r.audit,
	}
}

func (r *runtime) ingestionOptions() coordinator.Options {
	return r.streamOptions(coordinator.FeedIngestion, r.client.IngestionStreamURL())
}

func (r *runtime) incidentOptions() coordinator.Options {
	return r.streamOptions(coordinator.FeedIncidents, r.client.IncidentsStreamURL())
}

// applyConfig reacts to a reloaded config file. Only the log level is
// applied live; other changes need a restart.
func (r *runtime) applyConfig(cfg config.Config) {
	r.logger.SetLevel(cfg.Logging.Level)
	r.logger.Info("configuration reloaded", zap.String("log_level", cfg.Logging.Level))
	_ = r.audit.Log(r.session, audit.NewEvent(audit.EventConfigReload).
		WithResult(audit.ResultSuccess).
		WithMetadata("log_level", cfg.Logging.Level))
}

func (r *runtime) Close() {
	r.hub.Close()
	_ = r.audit.Close()
	_ = r.logger.Close()
}
