package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewSweepCommand creates the sweep command
func NewSweepCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire overdue open swap requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.Driver.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			if rootOpts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), map[string]int{"expired": n})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "expired %d swap request(s)\n", n)
			return nil
		},
	}
}
