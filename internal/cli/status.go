package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kubilitics/kubilitics-pka/internal/integration/backend"
	"github.com/kubilitics/kubilitics-pka/internal/models"
)

type statusReport struct {
	Ingestion models.StatusSnapshot   `json:"ingestion"`
	Incidents []models.IncidentRecord `json:"incidents"`
}

func newStatusCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the current ingestion status and incidents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := backend.NewFromConfig(a.cfg)
			if err != nil {
				return err
			}
			report, err := fetchStatus(cmd.Context(), client)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(a.stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			printStatus(a.stdout, report)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func fetchStatus(ctx context.Context, client *backend.Client) (statusReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var report statusReport
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		snap, err := client.FetchStatus(gctx)
		report.Ingestion = snap
		return err
	})
	g.Go(func() error {
		incidents, err := client.FetchIncidents(gctx)
		report.Incidents = incidents
		return err
	})
	if err := g.Wait(); err != nil {
		return statusReport{}, err
	}
	return report, nil
}

func printStatus(w io.Writer, r statusReport) {
	s := r.Ingestion
	fmt.Fprintf(w, "Ingestion\n")
	fmt.Fprintf(w, "  processed:  %d\n", s.FilesProcessed)
	fmt.Fprintf(w, "  failed:     %d\n", s.FilesFailed)
	fmt.Fprintf(w, "  skipped:    %d\n", s.FilesSkipped)
	fmt.Fprintf(w, "  queued:     %d\n", s.QueueDepth)
	last := "never"
	if s.LastScanTime != nil {
		last = s.LastScanTime.Local().Format(time.RFC3339)
	}
	fmt.Fprintf(w, "  last scan:  %s\n", last)

	fmt.Fprintf(w, "\nIncidents (%d)\n", len(r.Incidents))
	for _, inc := range r.Incidents {
		blocked := ""
		if inc.Blocked {
			blocked = " [blocked]"
		}
		fmt.Fprintf(w, "  %-7s %s  %s/%s: %s%s\n",
			inc.Severity, inc.Timestamp.Local().Format("2006-01-02 15:04:05"),
			inc.Subsystem, inc.Operation, inc.Reason, blocked)
	}
}
