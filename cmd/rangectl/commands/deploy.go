package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/cyber-range/engine/internal/api/types"
	"github.com/cyber-range/engine/internal/app"
	"github.com/cyber-range/engine/internal/models"
	"github.com/cyber-range/engine/internal/services"
	"github.com/spf13/cobra"
)

func newDeployCommand(opts *options) *cobra.Command {
	var (
		name string
		vars []string
	)

	cmd := &cobra.Command{
		Use:   "deploy <scenario>",
		Short: "Deploy a scenario and wait for it to finish",
		Long: `Deploy a scenario and block until the deployment is active or has failed.

The command exits non-zero when the deployment fails; the error recorded on
the deployment is printed.`,
		Example: `  rangectl deploy basic_pentest
  rangectl deploy advanced_multi_team --name red-vs-blue --var flag_value=CTF{x}`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			overrides, err := parseVars(vars)
			if err != nil {
				return err
			}
			return withEngine(cmd, opts, func(ctx context.Context, a *app.App) error {
				d, err := a.Service.CreateDeployment(ctx, &services.CreateDeploymentInput{
					Scenario:  args[0],
					Name:      name,
					Variables: overrides,
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "Deploying %s as %s (%s)\n", d.Scenario, d.FriendlyName, d.ID)

				// Draining the in-process queue waits for the deploy task.
				if err := a.Dispatcher.Shutdown(ctx); err != nil {
					return err
				}
				if d, err = a.Service.GetDeployment(ctx, d.ID); err != nil {
					return err
				}

				if err := printDeployment(cmd, opts, d); err != nil {
					return err
				}
				if d.Status != models.StatusActive {
					return fmt.Errorf("deployment %s ended %s", d.ID, d.Status)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", "", "display label (defaults to the scenario name)")
	cmd.Flags().StringArrayVar(&vars, "var", nil, "variable override as key=value (repeatable)")

	return cmd
}

func parseVars(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(raw))
	for _, kv := range raw {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid --var %q, expected key=value", kv)
		}
		out[strings.TrimSpace(k)] = v
	}
	return out, nil
}

func printDeployment(cmd *cobra.Command, opts *options, d *models.Deployment) error {
	resp := types.NewDeploymentResponse(d)
	if opts.jsonOutput {
		return printJSON(cmd.OutOrStdout(), resp)
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "ID:       %s\n", resp.ID)
	fmt.Fprintf(w, "Name:     %s\n", resp.Name)
	fmt.Fprintf(w, "Scenario: %s\n", resp.Scenario)
	fmt.Fprintf(w, "Status:   %s\n", resp.Status)
	if resp.Error != "" {
		fmt.Fprintf(w, "Error:\n%s\n", resp.Error)
	}
	if len(resp.Outputs) > 0 {
		fmt.Fprintln(w, "Outputs:")
		for _, k := range sortedKeys(resp.Outputs) {
			fmt.Fprintf(w, "  %s: %v\n", k, resp.Outputs[k])
		}
	}
	return nil
}
