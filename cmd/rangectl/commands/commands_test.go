package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cyber-range/engine/internal/api/types"
	"github.com/cyber-range/engine/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mockEnv(t *testing.T) {
	t.Helper()
	t.Setenv("APP_ENV", "test")
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("PROVISIONER_MODE", "mock")
	t.Setenv("MOCK_DELAY", "1ms")
	t.Setenv("DATABASE_DRIVER", "sqlite")
	t.Setenv("DATABASE_URL", filepath.Join(t.TempDir(), "cli.db"))
	t.Setenv("SCENARIOS_DIR", "../../../templates")
	t.Setenv("METRICS_ENABLED", "false")
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand("test", "none")
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestDeployStatusDestroy(t *testing.T) {
	mockEnv(t)

	out, err := run(t, "deploy", "basic_pentest", "--name", "lab1", "--json")
	require.NoError(t, err)
	var d types.DeploymentResponse
	require.NoError(t, json.Unmarshal([]byte(out), &d))
	assert.Equal(t, models.StatusActive, d.Status)
	assert.Equal(t, "lab1", d.Name)
	assert.NotEmpty(t, d.Outputs["victim_ip"])

	out, err = run(t, "status", d.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "Status:   active")
	assert.Contains(t, out, "victim_ip:")

	out, err = run(t, "list")
	require.NoError(t, err)
	assert.Contains(t, out, d.ID)

	out, err = run(t, "destroy", d.ID, "--json")
	require.NoError(t, err)
	var destroyed types.DeploymentResponse
	require.NoError(t, json.Unmarshal([]byte(out), &destroyed))
	assert.Equal(t, models.StatusDestroyed, destroyed.Status)

	out, err = run(t, "destroy", d.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "removed")

	_, err = run(t, "status", d.ID)
	require.Error(t, err)
}

func TestDeployUnknownScenario(t *testing.T) {
	mockEnv(t)
	_, err := run(t, "deploy", "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scenario_not_found")
}

func TestScenariosAndWorkspaces(t *testing.T) {
	mockEnv(t)

	out, err := run(t, "scenarios", "--json")
	require.NoError(t, err)
	var names []string
	require.NoError(t, json.Unmarshal([]byte(out), &names))
	assert.Contains(t, names, "basic_pentest")

	out, err = run(t, "scenarios")
	require.NoError(t, err)
	assert.True(t, strings.Contains(out, "basic_pentest\t3 VMs"), out)

	out, err = run(t, "workspaces")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestParseVars(t *testing.T) {
	got, err := parseVars([]string{"flag_value=CTF{a=b}", " team = red"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"flag_value": "CTF{a=b}", "team": " red"}, got)

	_, err = parseVars([]string{"novalue"})
	assert.Error(t, err)
}

func TestInvalidID(t *testing.T) {
	mockEnv(t)
	_, err := run(t, "status", "lab1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid deployment id")
}
