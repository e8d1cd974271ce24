// Package cli implements the rota operator commands
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/arnavshah/rota-swap-go/pkg/app"
	"github.com/arnavshah/rota-swap-go/pkg/config"
	"github.com/arnavshah/rota-swap-go/pkg/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// RootOptions holds global flags for all commands
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
	Scopes  string
}

// ValidFormats defines the allowed output formats
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "rota",
		Short: "Operate the rota swap engine",
		Long:  "Run reconciliation passes, expiry sweeps and inspect sync history without the HTTP server.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			for _, f := range ValidFormats {
				if f == opts.Format {
					return nil
				}
			}
			return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.Scopes, "scopes", "", "scopes file (overrides ROTA_SCOPES_FILE)")

	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewSweepCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewInitDBCommand(opts))
	cmd.AddCommand(NewCheckConfigCommand(opts))

	return cmd
}

func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if opts.Scopes != "" {
		scopes, err := config.LoadScopes(opts.Scopes)
		if err != nil {
			return nil, err
		}
		cfg.ScopesFile = opts.Scopes
		cfg.Scopes = scopes
	}
	return cfg, nil
}

// open loads configuration and wires the app. Logs go to stderr so that
// JSON output stays parseable.
func open(ctx context.Context, opts *RootOptions) (*app.App, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	level := "warn"
	if opts.Verbose {
		level = "debug"
	}
	log, err := logging.New(level, false)
	if err != nil {
		return nil, err
	}
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	log.Debug("app ready", zap.Int("scopes", len(cfg.Scopes)))
	return a, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
