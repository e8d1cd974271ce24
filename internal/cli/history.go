package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// NewHistoryCommand creates the history command
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		scope string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent reconciliation passes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			rows, err := a.History.Recent(cmd.Context(), scope, limit)
			if err != nil {
				return err
			}
			if rootOpts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), rows)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SYNCED\tSCOPE\tSTATUS\tINS\tUPD\tCAN\tFAIL\tTOOK")
			for _, r := range rows {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
					r.SyncedAt.Local().Format(time.DateTime), r.Scope, r.Status,
					r.Inserted, r.Updated, r.Cancelled, r.Failed+r.ProjectionFailed,
					time.Duration(r.DurationMS)*time.Millisecond)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "", "only show this scope")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of passes to show")
	return cmd
}
