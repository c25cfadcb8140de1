package commands

import (
	"context"
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/cyber-range/engine/internal/api/types"
	"github.com/cyber-range/engine/internal/app"
	appErr "github.com/cyber-range/engine/pkg/errors"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newDestroyCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "destroy <id>",
		Short: "Tear a deployment down and wait for it",
		Long: `Tear a deployment down. An active deployment ends destroyed or
error_destroying; a deployment that already failed or was destroyed is
cleaned up and its record removed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd, opts, func(ctx context.Context, a *app.App) error {
				if _, err := a.Service.DestroyDeployment(ctx, id); err != nil {
					return err
				}
				if err := a.Dispatcher.Shutdown(ctx); err != nil {
					return err
				}

				d, err := a.Service.GetDeployment(ctx, id)
				if appErr.IsCode(err, appErr.CodeNotFound) {
					fmt.Fprintf(cmd.OutOrStdout(), "Deployment %s removed\n", id)
					return nil
				}
				if err != nil {
					return err
				}
				return printDeployment(cmd, opts, d)
			})
		},
	}
}

func newStatusCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status <id>",
		Short: "Show a deployment and its outputs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd, opts, func(ctx context.Context, a *app.App) error {
				d, err := a.Service.GetDeployment(ctx, id)
				if err != nil {
					return err
				}
				return printDeployment(cmd, opts, d)
			})
		},
	}
}

func newListCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List deployments, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEngine(cmd, opts, func(ctx context.Context, a *app.App) error {
				items, err := a.Service.ListDeployments(ctx)
				if err != nil {
					return err
				}
				out := make([]types.DeploymentResponse, 0, len(items))
				for i := range items {
					out = append(out, types.NewDeploymentResponse(&items[i]))
				}
				if opts.jsonOutput {
					return printJSON(cmd.OutOrStdout(), out)
				}

				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tSCENARIO\tSTATUS\tCREATED")
				for _, d := range out {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", d.ID, d.Name, d.Scenario, d.Status, d.CreatedAt.Local().Format(time.DateTime))
				}
				return tw.Flush()
			})
		},
	}
}

func newWorkspacesCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "workspaces",
		Short: "List deployment workspaces on disk",
		Long: `List the per-deployment working directories under RUNS_DIR, whether
each holds tool state, and whether a matching record still exists. Orphans
are workspaces whose record is gone.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEngine(cmd, opts, func(ctx context.Context, a *app.App) error {
				if a.Workspaces == nil {
					fmt.Fprintln(cmd.ErrOrStderr(), "mock provisioner in use, no workspaces on disk")
					return nil
				}
				list, err := a.Workspaces.List()
				if err != nil {
					return err
				}

				type row struct {
					ID          string    `json:"id"`
					Path        string    `json:"path"`
					HasState    bool      `json:"has_state"`
					Initialized bool      `json:"initialized"`
					Status      string    `json:"status"`
					ModTime     time.Time `json:"modified"`
				}
				rows := make([]row, 0, len(list))
				for _, ws := range list {
					status := "orphan"
					if id, err := uuid.Parse(ws.ID); err == nil {
						if d, err := a.Service.GetDeployment(ctx, id); err == nil {
							status = string(d.Status)
						}
					}
					rows = append(rows, row{ws.ID, ws.Path, ws.HasState, ws.Initialized, status, ws.ModTime})
				}
				if opts.jsonOutput {
					return printJSON(cmd.OutOrStdout(), rows)
				}

				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tSTATE\tINIT\tRECORD\tMODIFIED")
				for _, r := range rows {
					fmt.Fprintf(tw, "%s\t%t\t%t\t%s\t%s\n", r.ID, r.HasState, r.Initialized, r.Status, r.ModTime.Local().Format(time.DateTime))
				}
				return tw.Flush()
			})
		},
	}
}

func newScenariosCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "scenarios",
		Short: "List available scenarios",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEngine(cmd, opts, func(ctx context.Context, a *app.App) error {
				names, err := a.Service.ListScenarios(ctx)
				if err != nil {
					return err
				}
				if opts.jsonOutput {
					return printJSON(cmd.OutOrStdout(), names)
				}
				for _, n := range names {
					def, err := a.Scenarios.Load(n)
					if err != nil {
						fmt.Fprintf(cmd.OutOrStdout(), "%s\t(invalid: %s)\n", n, appErr.MessageOf(err))
						continue
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d VMs\t%s\n", n, len(def.VMs), def.Description)
				}
				return nil
			})
		},
	}
}

func parseID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid deployment id %q: %w", raw, err)
	}
	return id, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
