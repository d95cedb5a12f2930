// Package cli implements the pka command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kubilitics/kubilitics-pka/internal/config"
)

type app struct {
	configPath string
	backendURL string
	logLevel   string
	manager    config.ConfigManager
	cfg        *config.Config
	stdin      io.Reader
	stdout     io.Writer
	stderr     io.Writer
}

// NewRootCommand builds the pka command tree.
func NewRootCommand() *cobra.Command {
	return newRootCommand(os.Stdin, os.Stdout, os.Stderr)
}

// NewRootCommandWithIO builds the command tree with explicit streams.
func NewRootCommandWithIO(in io.Reader, out, errOut io.Writer) *cobra.Command {
	return newRootCommand(in, out, errOut)
}

func newRootCommand(in io.Reader, out, errOut io.Writer) *cobra.Command {
	a := &app{stdin: in, stdout: out, stderr: errOut}

	cmd := &cobra.Command{
		Use:           "pka",
		Short:         "Live status client for the personal knowledge assistant",
		Long:          "pka follows the assistant's ingestion and incident feeds, falls back to polling when the live feed is down, and serves a local dashboard gateway.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetIn(in)
	cmd.SetOut(out)
	cmd.SetErr(errOut)

	cmd.PersistentFlags().StringVar(&a.configPath, "config", "", "path to the config file (default "+config.DefaultConfigPath()+")")
	cmd.PersistentFlags().StringVar(&a.backendURL, "backend", "", "override the backend base URL")
	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override the log level (debug, info, warn, error)")

	cmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		return a.loadConfig(cmd.Context())
	}

	cmd.AddCommand(
		newServeCmd(a),
		newWatchCmd(a),
		newStatusCmd(a),
		newScanCmd(a),
	)
	return cmd
}

func (a *app) loadConfig(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	path := strings.TrimSpace(a.configPath)
	if path == "" {
		path = config.DefaultConfigPath()
	}
	mgr, err := config.NewConfigManager(path)
	if err != nil {
		return err
	}
	if err := mgr.Load(ctx); err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	cfg := mgr.Get(ctx)
	a.applyOverrides(cfg)
	if errs := cfg.Validate(); len(errs) > 0 {
		msgs := make([]string, 0, len(errs))
		for _, e := range errs {
			msgs = append(msgs, e.Error())
		}
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(msgs, "\n  - "))
	}

	a.manager = mgr
	a.cfg = cfg
	return nil
}

func (a *app) applyOverrides(cfg *config.Config) {
	if v := strings.TrimSpace(a.backendURL); v != "" {
		cfg.Backend.BaseURL = strings.TrimRight(v, "/")
	}
	if v := strings.TrimSpace(a.logLevel); v != "" {
		cfg.Logging.Level = v
	}
}
