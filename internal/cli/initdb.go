package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewInitDBCommand creates the init-db command
func NewInitDBCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init-db",
		Short: "Create tables and the default admin user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.EnsureAdmin(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "database ready")
			return nil
		},
	}
}

// NewCheckConfigCommand creates the check-config command
func NewCheckConfigCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the scopes file and print the resolved scopes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}
			if rootOpts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), cfg.Scopes)
			}
			for _, s := range cfg.Scopes {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: source=%s tz=%s workers=%d calendar=%q\n",
					s.Name, s.Source.Kind, s.TimeZone, len(s.Workers), s.CalendarID)
			}
			return nil
		},
	}
}
