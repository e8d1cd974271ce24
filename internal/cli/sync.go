package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/arnavshah/rota-swap-go/pkg/app"
	"github.com/arnavshah/rota-swap-go/pkg/config"
	"github.com/arnavshah/rota-swap-go/pkg/models"
	"github.com/arnavshah/rota-swap-go/pkg/source"
	"github.com/spf13/cobra"
)

// NewSyncCommand creates the sync command
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "sync [scope...]",
		Short: "Run a reconciliation pass",
		Long: `Run one reconciliation pass per scope against its configured source.

With --file, the snapshot is read from a JSON or CSV file instead and
applied to the single named scope.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := open(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			scopes, err := selectScopes(a, args)
			if err != nil {
				return err
			}
			if file != "" && len(scopes) != 1 {
				return fmt.Errorf("--file needs exactly one scope")
			}

			var reports []*models.ReconciliationReport
			for _, scope := range scopes {
				report, err := runSync(ctx, a, scope, file)
				if err != nil {
					return fmt.Errorf("scope %s: %w", scope.Name, err)
				}
				reports = append(reports, report)
			}
			if rootOpts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), reports)
			}
			for _, r := range reports {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d inserted, %d updated, %d cancelled, %d unchanged, %d failed, %d projected (%d failed)\n",
					r.Scope, r.Inserted, r.Updated, r.Cancelled, r.Unchanged, r.Failed, r.Projected, r.ProjectionFailed)
				for _, f := range r.Failures {
					fmt.Fprintf(cmd.OutOrStdout(), "  %s %s: %s\n", f.Kind, f.Key, f.Message)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "apply a snapshot file (.json or .csv)")
	return cmd
}

func selectScopes(a *app.App, names []string) ([]config.Scope, error) {
	if len(names) == 0 {
		if len(a.Config.Scopes) == 0 {
			return nil, fmt.Errorf("no scopes configured in %s", a.Config.ScopesFile)
		}
		return a.Config.Scopes, nil
	}
	out := make([]config.Scope, 0, len(names))
	for _, n := range names {
		s, err := a.Scope(n)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func runSync(ctx context.Context, a *app.App, scope config.Scope, file string) (*models.ReconciliationReport, error) {
	if file == "" {
		return a.Driver.TriggerPass(ctx, scope)
	}
	snap, err := readSnapshot(file, scope)
	if err != nil {
		return nil, err
	}
	return a.Driver.TriggerWith(ctx, scope, func(ctx context.Context) (*models.ReconciliationReport, error) {
		return a.Reconciler.Apply(ctx, scope, snap)
	})
}

func readSnapshot(path string, scope config.Scope) (models.Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return models.Snapshot{}, err
	}
	defer f.Close()

	if strings.EqualFold(filepath.Ext(path), ".csv") {
		records, err := source.ParseCSV(f, scope.Location(), scope.Department)
		if err != nil {
			return models.Snapshot{}, err
		}
		return models.Snapshot{Records: records}, nil
	}
	var snap models.Snapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return models.Snapshot{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return snap, nil
}
