package provisioner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cyber-range/engine/internal/provisioner/compiler"
	"github.com/cyber-range/engine/internal/provisioner/outputs"
	"github.com/cyber-range/engine/internal/provisioner/terraform"
	"github.com/cyber-range/engine/internal/provisioner/workspace"
	appErr "github.com/cyber-range/engine/pkg/errors"
	"github.com/cyber-range/engine/pkg/logger"
	"github.com/cyber-range/engine/pkg/metrics"
	"github.com/cyber-range/engine/pkg/retry"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MetaTail is the AppError metadata key holding the tool's trailing output.
const MetaTail = "tail"

// Provisioner creates and removes the infrastructure of one deployment.
type Provisioner interface {
	// Apply provisions the deployment and returns its outputs.
	Apply(ctx context.Context, id uuid.UUID, vars map[string]string) (*Result, error)

	// Destroy tears the deployment down. A deployment with no workspace is
	// already gone and yields nil.
	Destroy(ctx context.Context, id uuid.UUID, vars map[string]string) error
}

type Result struct {
	Outputs map[string]any `json:"outputs"`
}

// ToolFactory binds a Tool to a workspace directory, sending its output to out.
type ToolFactory func(dir string, out io.Writer) (terraform.Tool, error)

// NewToolFactory returns a factory producing terraform-exec executors.
func NewToolFactory(binary, pluginCacheDir string) ToolFactory {
	return func(dir string, out io.Writer) (terraform.Tool, error) {
		return terraform.NewExecutor(dir, terraform.Options{
			Binary:         binary,
			PluginCacheDir: pluginCacheDir,
			Output:         out,
		})
	}
}

// Settings bound each phase of a tool run.
type Settings struct {
	InitAttempts   int
	InitBackoff    time.Duration
	InitTimeout    time.Duration
	ApplyTimeout   time.Duration
	DestroyTimeout time.Duration
	OutputTimeout  time.Duration
	TailLines      int
	StreamOutput   bool
}

// TerraformProvisioner implements Provisioner by running the IaC tool in an
// isolated workspace per deployment.
type TerraformProvisioner struct {
	workspaces *workspace.Manager
	newTool    ToolFactory
	settings   Settings
	metrics    *metrics.Metrics
	timer      backoff.Timer
}

func NewTerraformProvisioner(ws *workspace.Manager, newTool ToolFactory, settings Settings, m *metrics.Metrics) *TerraformProvisioner {
	if settings.InitAttempts < 1 {
		settings.InitAttempts = 1
	}
	return &TerraformProvisioner{
		workspaces: ws,
		newTool:    newTool,
		settings:   settings,
		metrics:    m,
	}
}

// WithTimer replaces the clock used between init attempts.
func (p *TerraformProvisioner) WithTimer(t backoff.Timer) *TerraformProvisioner {
	p.timer = t
	return p
}

// Workspaces exposes the workspace manager.
func (p *TerraformProvisioner) Workspaces() *workspace.Manager { return p.workspaces }

func (p *TerraformProvisioner) Apply(ctx context.Context, id uuid.UUID, vars map[string]string) (*Result, error) {
	log := logger.ForDeployment(id.String())

	path, err := p.workspaces.Prepare(id)
	if err != nil {
		return nil, err
	}
	log.Info("workspace prepared", zap.String("path", path))

	succeeded := false
	defer func() {
		if succeeded {
			return
		}
		if err := p.workspaces.Teardown(id); err != nil {
			log.Error("workspace cleanup failed", zap.Error(err))
		}
	}()

	if err := p.workspaces.WriteVariables(id, vars); err != nil {
		return nil, err
	}

	capture := p.newCapture(log)
	tool, err := p.newTool(path, capture)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInitFailed, "start tool")
	}

	if err := p.init(ctx, log, tool, capture); err != nil {
		return nil, err
	}

	applyCtx, cancel := context.WithTimeout(ctx, p.settings.ApplyTimeout)
	err = p.observe(applyCtx, "apply", func() error { return tool.Apply(applyCtx, vars) })
	timedOut := errors.Is(applyCtx.Err(), context.DeadlineExceeded)
	cancel()
	if err != nil {
		msg := "apply failed"
		if timedOut {
			msg = fmt.Sprintf("apply timed out after %s", p.settings.ApplyTimeout)
		}
		log.Error(msg, zap.Error(err))
		return nil, appErr.Wrap(err, appErr.CodeApplyFailed, msg).WithMeta(MetaTail, capture.Tail())
	}

	result := &Result{Outputs: p.readOutputs(ctx, log, tool)}
	succeeded = true
	log.Info("apply completed", zap.Int("outputs", len(result.Outputs)))
	return result, nil
}

func (p *TerraformProvisioner) Destroy(ctx context.Context, id uuid.UUID, vars map[string]string) error {
	log := logger.ForDeployment(id.String())

	if !p.workspaces.Exists(id) {
		log.Info("no workspace, nothing to destroy")
		return nil
	}
	defer func() {
		if err := p.workspaces.Teardown(id); err != nil {
			log.Error("workspace cleanup failed", zap.Error(err))
		}
	}()

	capture := p.newCapture(log)
	tool, err := p.newTool(p.workspaces.Path(id), capture)
	if err != nil {
		return appErr.Wrap(err, appErr.CodeDestroyFailed, "start tool")
	}

	// Workspaces that survived a restart may never have been initialized.
	if !p.workspaces.Initialized(id) {
		if err := p.init(ctx, log, tool, capture); err != nil {
			return appErr.Wrap(err, appErr.CodeDestroyFailed, "init before destroy failed").WithMeta(MetaTail, capture.Tail())
		}
	}

	destroyCtx, cancel := context.WithTimeout(ctx, p.settings.DestroyTimeout)
	err = p.observe(destroyCtx, "destroy", func() error { return tool.Destroy(destroyCtx, vars) })
	timedOut := errors.Is(destroyCtx.Err(), context.DeadlineExceeded)
	cancel()
	if err != nil {
		msg := "destroy failed"
		if timedOut {
			msg = fmt.Sprintf("destroy timed out after %s", p.settings.DestroyTimeout)
		}
		log.Error(msg, zap.Error(err))
		return appErr.Wrap(err, appErr.CodeDestroyFailed, msg).WithMeta(MetaTail, capture.Tail())
	}
	log.Info("destroy completed")
	return nil
}

// init runs the tool's init under the retry policy. Each attempt gets its own
// timeout; retries stop as soon as the parent context is done.
func (p *TerraformProvisioner) init(ctx context.Context, log *zap.Logger, tool terraform.Tool, capture *terraform.Capture) error {
	attempts := 0
	policy := retry.Policy{
		Attempts:  p.settings.InitAttempts,
		Backoff:   p.settings.InitBackoff,
		Timer:     p.timer,
		Retryable: func(error) bool { return ctx.Err() == nil },
		OnRetry: func(attempt int, err error, wait time.Duration) {
			p.metrics.InitRetried()
			log.Warn("init failed, retrying",
				zap.Int("attempt", attempt), zap.Int("max_attempts", p.settings.InitAttempts),
				zap.Duration("backoff", wait), zap.Error(err))
		},
	}

	err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		attempts = attempt
		attemptCtx, cancel := context.WithTimeout(ctx, p.settings.InitTimeout)
		defer cancel()

		err := p.observe(attemptCtx, "init", func() error { return tool.Init(attemptCtx) })
		if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("init attempt %d timed out after %s: %w", attempt, p.settings.InitTimeout, err)
		}
		return err
	})
	if err != nil {
		return appErr.Wrap(err, appErr.CodeInitFailed, fmt.Sprintf("init failed after %d attempt(s)", attempts)).
			WithMeta(MetaTail, capture.Tail())
	}
	return nil
}

func (p *TerraformProvisioner) readOutputs(ctx context.Context, log *zap.Logger, tool terraform.Tool) map[string]any {
	outCtx, cancel := context.WithTimeout(ctx, p.settings.OutputTimeout)
	defer cancel()

	var raw []byte
	err := p.observe(outCtx, "output", func() error {
		var err error
		raw, err = tool.Output(outCtx)
		return err
	})
	if err != nil {
		log.Warn("reading outputs failed", zap.Error(err))
		return map[string]any{}
	}
	parsed, err := outputs.ParseStrict(raw)
	if err != nil {
		log.Warn("parsing outputs failed", zap.Error(err))
		return map[string]any{}
	}
	return parsed
}

func (p *TerraformProvisioner) observe(ctx context.Context, command string, fn func() error) error {
	start := time.Now()
	err := fn()
	outcome := metrics.OutcomeSuccess
	switch {
	case err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded):
		outcome = metrics.OutcomeTimeout
	case err != nil:
		outcome = metrics.OutcomeFailure
	}
	p.metrics.ObserveTool(command, outcome, time.Since(start))
	return err
}

func (p *TerraformProvisioner) newCapture(log *zap.Logger) *terraform.Capture {
	var onLine func(string)
	if p.settings.StreamOutput {
		onLine = func(line string) {
			if line != "" {
				log.Info(line, zap.String("stream", "tool"))
			}
		}
	}
	return terraform.NewCapture(p.settings.TailLines, onLine)
}

// Detail renders err for storage on a deployment record: the message plus
// the tool output tail when one was captured, capped in length.
func Detail(err error) string {
	if err == nil {
		return ""
	}
	text := err.Error()
	var ae *appErr.AppError
	if errors.As(err, &ae) {
		text = ae.Message
		if ae.Err != nil {
			text += ": " + ae.Err.Error()
		}
		if tail, ok := ae.Meta[MetaTail].(string); ok && tail != "" {
			text += "\n" + tail
		}
	}
	return terraform.TruncateTail(text, terraform.MaxTailChars)
}

// ValidateOverrides rejects user variables whose names the tool cannot accept.
func ValidateOverrides(overrides map[string]string) error {
	for k := range overrides {
		if !compiler.ValidIdentifier(k) {
			return appErr.Newf(appErr.CodeInvalid, "invalid variable name %q", k)
		}
	}
	return nil
}
