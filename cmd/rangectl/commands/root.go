// Package commands implements rangectl, which drives the engine in-process
// without going through the HTTP API.
package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/cyber-range/engine/internal/app"
	"github.com/cyber-range/engine/pkg/config"
	"github.com/cyber-range/engine/pkg/logger"
	"github.com/spf13/cobra"
)

type options struct {
	jsonOutput bool
	timeout    time.Duration
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit string) error {
	return newRootCommand(version, commit).ExecuteContext(ctx)
}

func newRootCommand(version, commit string) *cobra.Command {
	opts := &options{}
	rootCmd := &cobra.Command{
		Use:   "rangectl",
		Short: "Deploy and tear down cyber range labs",
		Long: `rangectl runs cyber range deployments directly against the configured
database and IaC templates. Configuration is read from the environment and
.env files, exactly like the API server.`,
		Example: `  rangectl deploy basic_pentest --name lab1
  rangectl status 3f2c9a8e-1d2b-4c5d-9e8f-0a1b2c3d4e5f
  rangectl destroy 3f2c9a8e-1d2b-4c5d-9e8f-0a1b2c3d4e5f`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 0, "give up after this long (0 waits indefinitely)")

	rootCmd.AddCommand(newDeployCommand(opts))
	rootCmd.AddCommand(newDestroyCommand(opts))
	rootCmd.AddCommand(newStatusCommand(opts))
	rootCmd.AddCommand(newListCommand(opts))
	rootCmd.AddCommand(newWorkspacesCommand(opts))
	rootCmd.AddCommand(newScenariosCommand(opts))

	return rootCmd
}

// withEngine builds the engine with an in-process queue, runs fn, then drains
// the queue so every task fn started has settled before returning.
func withEngine(cmd *cobra.Command, opts *options, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	cfg.QueueBackend = "local"

	if _, err := logger.InitWriter(cfg.LogLevel, "console", cmd.ErrOrStderr()); err != nil {
		return err
	}
	defer logger.Sync()

	ctx := cmd.Context()
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	a, err := app.Build(ctx, cfg)
	if err != nil {
		return err
	}
	runErr := fn(ctx, a)

	// The queue drains under ctx; on interrupt, running tasks are cancelled
	// and still settle their records.
	if err := a.Shutdown(ctx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
