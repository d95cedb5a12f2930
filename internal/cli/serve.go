package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kubilitics/kubilitics-pka/internal/audit"
	"github.com/kubilitics/kubilitics-pka/internal/server"
	"github.com/kubilitics/kubilitics-pka/internal/stream/coordinator"
)

func newServeCmd(a *app) *cobra.Command {
	var (
		host string
		port int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the local dashboard gateway",
		Long:  "serve follows both live feeds and exposes them over REST and WebSocket for the dashboard.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if host != "" {
				a.cfg.Server.Host = host
			}
			if port != 0 {
				a.cfg.Server.Port = port
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "listen host (overrides server.host)")
	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides server.port)")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	rt, err := newRuntime(a.cfg, a.stderr)
	if err != nil {
		return err
	}
	defer rt.Close()

	ingestion := coordinator.NewIngestionStream(rt.client, rt.ingestionOptions())
	incidents := coordinator.NewRuntimeIncidents(rt.client, rt.incidentOptions())
	defer ingestion.Close()
	defer incidents.Close()

	srv, err := server.New(server.Config{
		Host:              a.cfg.Server.Host,
		Port:              a.cfg.Server.Port,
		AllowedOrigins:    a.cfg.Server.AllowedOrigins,
		RequestsPerMinute: a.cfg.Server.RequestsPerMinute,
	}, server.Deps{
		API:       rt.client,
		Ingestion: ingestion,
		Incidents: incidents,
		Logger:    rt.logger.Logger,
		Audit:     rt.audit,
	})
	if err != nil {
		return err
	}

	rt.logger.Info("starting gateway",
		zap.String("backend", rt.client.BaseURL()),
		zap.String("host", a.cfg.Server.Host),
		zap.Int("port", a.cfg.Server.Port),
	)
	_ = rt.audit.Log(rt.session, audit.NewEvent(audit.EventServerStarted).
		WithEndpoint(rt.client.BaseURL()).
		WithResult(audit.ResultSuccess))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ingestion.Start(gctx)
		return nil
	})
	g.Go(func() error {
		incidents.Start(gctx)
		return nil
	})
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		updates := a.manager.Watch(gctx)
		for {
			select {
			case <-gctx.Done():
				return nil
			case cfg := <-updates:
				rt.applyConfig(cfg)
			}
		}
	})

	err = g.Wait()
	_ = rt.audit.Log(rt.session, audit.NewEvent(audit.EventServerShutdown).WithResult(audit.ResultSuccess))
	rt.logger.Info("gateway stopped")
	return err
}
