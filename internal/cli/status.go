package cli

import (
	"fmt"
	"time"

	"github.com/arnavshah/rota-swap-go/pkg/ledger"
	"github.com/arnavshah/rota-swap-go/pkg/models"
	"github.com/spf13/cobra"
)

// ScopeStatus summarizes one scope for the status command
type ScopeStatus struct {
	Scope          string `json:"scope"`
	Source         string `json:"source"`
	UpcomingShifts int    `json:"upcoming_shifts"`
	OpenSwaps      int    `json:"open_swaps"`
	AcceptedSwaps  int    `json:"accepted_swaps"`
	LastSync       string `json:"last_sync,omitempty"`
	LastStatus     string `json:"last_status,omitempty"`
}

// NewStatusCommand creates the status command
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Summarize shifts, pending swaps and the last pass per scope",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := open(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			now := time.Now()
			out := make([]ScopeStatus, 0, len(a.Config.Scopes))
			for _, scope := range a.Config.Scopes {
				st := ScopeStatus{Scope: scope.Name, Source: scope.Source.Kind}

				shifts, err := a.Ledger.ListByExternalWindow(ctx, scope.Name, now, time.Time{})
				if err != nil {
					return err
				}
				for _, sh := range shifts {
					if sh.Status != models.StatusCancelled {
						st.UpcomingShifts++
					}
				}
				openSwaps, err := a.Swaps.List(ctx, ledger.SwapFilter{Scope: scope.Name, State: models.SwapOpen})
				if err != nil {
					return err
				}
				accepted, err := a.Swaps.List(ctx, ledger.SwapFilter{Scope: scope.Name, State: models.SwapAccepted})
				if err != nil {
					return err
				}
				st.OpenSwaps, st.AcceptedSwaps = len(openSwaps), len(accepted)

				hist, err := a.History.Recent(ctx, scope.Name, 1)
				if err != nil {
					return err
				}
				if len(hist) > 0 {
					st.LastSync = hist[0].SyncedAt.Format(time.RFC3339)
					st.LastStatus = hist[0].Status
				}
				out = append(out, st)
			}

			if rootOpts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), out)
			}
			for _, st := range out {
				fmt.Fprintf(cmd.OutOrStdout(), "%s (%s): %d upcoming shifts, %d open / %d accepted swaps, last sync %s %s\n",
					st.Scope, st.Source, st.UpcomingShifts, st.OpenSwaps, st.AcceptedSwaps, orNever(st.LastSync), st.LastStatus)
			}
			return nil
		},
	}
}

func orNever(s string) string {
	if s == "" {
		return "never"
	}
	return s
}
