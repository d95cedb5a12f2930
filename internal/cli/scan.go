package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kubilitics/kubilitics-pka/internal/integration/backend"
	"github.com/kubilitics/kubilitics-pka/internal/models"
)

func newScanCmd(a *app) *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Trigger a manual ingestion scan",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := backend.NewFromConfig(a.cfg)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			accepted, err := client.TriggerScan(ctx, models.ScanRequest{Source: "cli", Path: path})
			if err != nil {
				var apiErr *backend.APIError
				if errors.As(err, &apiErr) {
					return fmt.Errorf("backend rejected scan (HTTP %d): %s", apiErr.StatusCode, apiErr.Body)
				}
				return err
			}
			if accepted.ScanID != "" {
				fmt.Fprintf(a.stdout, "scan %s: %s\n", accepted.ScanID, accepted.Status)
			} else {
				fmt.Fprintf(a.stdout, "scan %s\n", accepted.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "limit the scan to a path")
	return cmd
}
