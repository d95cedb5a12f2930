package cli

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kubilitics/kubilitics-pka/internal/models"
	"github.com/kubilitics/kubilitics-pka/internal/stream/coordinator"
	"github.com/kubilitics/kubilitics-pka/internal/tui"
)

func newWatchCmd(a *app) *cobra.Command {
	var maxEvents int
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow ingestion and incidents in a terminal dashboard",
		Long:  "watch shows the live ingestion status and runtime incidents. Press s to trigger a scan, r to refresh, q to quit.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.watch(ctx, maxEvents)
		},
	}
	cmd.Flags().IntVar(&maxEvents, "max-events", 15, "number of recent events to show")
	return cmd
}

func (a *app) watch(ctx context.Context, maxEvents int) error {
	// The dashboard owns the terminal; logs only go to the configured file.
	rt, err := newRuntime(a.cfg, io.Discard)
	if err != nil {
		return err
	}
	defer rt.Close()

	ingestion := coordinator.NewIngestionStream(rt.client, rt.ingestionOptions())
	incidents := coordinator.NewRuntimeIncidents(rt.client, rt.incidentOptions())
	defer ingestion.Close()
	defer incidents.Close()

	ingestion.Start(ctx)
	incidents.Start(ctx)

	return tui.Run(ctx, tui.Options{
		Endpoint:         rt.client.IngestionStreamURL(),
		Initial:          ingestion.View(),
		Updates:          ingestion.Updates(),
		Incidents:        incidents.Incidents,
		IncidentsInitial: incidents.View(),
		IncidentUpdates:  incidents.Updates(),
		Scan: func(ctx context.Context) (models.ScanAccepted, error) {
			return rt.client.TriggerScan(ctx, models.ScanRequest{Source: "watch"})
		},
		Refetch: func(ctx context.Context) error {
			if err := incidents.Refetch(ctx); err != nil {
				return err
			}
			return ingestion.Refetch(ctx)
		},
		MaxEvents:        maxEvents,
	})
}
