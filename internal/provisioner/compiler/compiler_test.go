package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVariablesSortedAndEscaped(t *testing.T) {
	out, err := Variables(map[string]string{
		"vm_name":     "attack-1",
		"os_password": `p"a\ss${x}%{y}`,
		"motd":        "line1\nline2",
	})
	require.NoError(t, err)

	assert.Equal(t, "# Generated per deployment. Do not edit.\n"+
		"motd = \"line1\\nline2\"\n"+
		"os_password = \"p\\\"a\\\\ss$${x}%%{y}\"\n"+
		"vm_name = \"attack-1\"\n", out)
}

func TestVariablesRejectsBadNames(t *testing.T) {
	for _, name := range []string{"", "1abc", "a b", "a=b", "x\"y"} {
		_, err := Variables(map[string]string{name: "v"})
		assert.Error(t, err, name)
	}
}

func TestValidIdentifier(t *testing.T) {
	assert.True(t, ValidIdentifier("victim_image_name"))
	assert.True(t, ValidIdentifier("_x-1"))
	assert.False(t, ValidIdentifier("-x"))
}

func TestBackendOverride(t *testing.T) {
	assert.Contains(t, BackendOverride(), `backend "local"`)
	assert.Contains(t, BackendOverride(), `path = "terraform.tfstate"`)
}
