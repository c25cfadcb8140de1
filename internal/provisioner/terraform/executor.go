package terraform

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/cyber-range/engine/pkg/logger"
	"github.com/hashicorp/terraform-exec/tfexec"
	"go.uber.org/zap"
)

// Tool is the subset of IaC tool commands the provisioner drives.
type Tool interface {
	Init(ctx context.Context) error
	Apply(ctx context.Context, vars map[string]string) error
	Destroy(ctx context.Context, vars map[string]string) error
	Output(ctx context.Context) ([]byte, error)
}

// Options configure an Executor.
type Options struct {
	// Binary is the executable name or path, e.g. "tofu" or "terraform".
	Binary string
	// PluginCacheDir is exported as TF_PLUGIN_CACHE_DIR when set.
	PluginCacheDir string
	// Output receives combined stdout and stderr of every command.
	Output io.Writer
}

// Executor wraps terraform-exec for running commands in one workspace.
type Executor struct {
	workingDir string
	tf         *tfexec.Terraform
}

var _ Tool = (*Executor)(nil)

// NewExecutor binds an executor to an existing working directory.
func NewExecutor(workingDir string, opts Options) (*Executor, error) {
	binary := opts.Binary
	if binary == "" {
		binary = "tofu"
	}
	execPath, err := exec.LookPath(binary)
	if err != nil {
		return nil, fmt.Errorf("%s not found in PATH: %w", binary, err)
	}

	tf, err := tfexec.NewTerraform(workingDir, execPath)
	if err != nil {
		return nil, fmt.Errorf("create terraform executor: %w", err)
	}
	if opts.Output != nil {
		tf.SetStdout(opts.Output)
		tf.SetStderr(opts.Output)
	}
	if err := tf.SetEnv(toolEnv(opts.PluginCacheDir)); err != nil {
		return nil, fmt.Errorf("set tool environment: %w", err)
	}

	return &Executor{workingDir: workingDir, tf: tf}, nil
}

// toolEnv is the process environment minus variables terraform-exec manages itself.
func toolEnv(pluginCacheDir string) map[string]string {
	env := map[string]string{}
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if ok && k != "" {
			env[k] = v
		}
	}
	for _, k := range tfexec.ProhibitedEnv(env) {
		delete(env, k)
	}
	if pluginCacheDir != "" {
		env["TF_PLUGIN_CACHE_DIR"] = pluginCacheDir
	}
	return env
}

// Init runs init -upgrade.
func (e *Executor) Init(ctx context.Context) error {
	logger.L().Info("running init", zap.String("working_dir", e.workingDir))
	if err := e.tf.Init(ctx, tfexec.Upgrade(true)); err != nil {
		return fmt.Errorf("init: %w", err)
	}
	return nil
}

// Apply runs apply -auto-approve with vars passed as -var flags.
func (e *Executor) Apply(ctx context.Context, vars map[string]string) error {
	logger.L().Info("running apply", zap.String("working_dir", e.workingDir), zap.Int("vars", len(vars)))

	opts := make([]tfexec.ApplyOption, 0, len(vars))
	for _, kv := range varFlags(vars) {
		opts = append(opts, tfexec.Var(kv))
	}
	if err := e.tf.Apply(ctx, opts...); err != nil {
		return fmt.Errorf("apply: %w", err)
	}
	return nil
}

// Destroy runs destroy -auto-approve with vars passed as -var flags.
func (e *Executor) Destroy(ctx context.Context, vars map[string]string) error {
	logger.L().Info("running destroy", zap.String("working_dir", e.workingDir))

	opts := make([]tfexec.DestroyOption, 0, len(vars))
	for _, kv := range varFlags(vars) {
		opts = append(opts, tfexec.Var(kv))
	}
	if err := e.tf.Destroy(ctx, opts...); err != nil {
		return fmt.Errorf("destroy: %w", err)
	}
	return nil
}

// Output runs output -json and returns the raw document.
func (e *Executor) Output(ctx context.Context) ([]byte, error) {
	outputs, err := e.tf.Output(ctx)
	if err != nil {
		return nil, fmt.Errorf("output: %w", err)
	}
	raw, err := json.Marshal(outputs)
	if err != nil {
		return nil, fmt.Errorf("encode outputs: %w", err)
	}
	return raw, nil
}

func varFlags(vars map[string]string) []string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+vars[k])
	}
	return out
}
