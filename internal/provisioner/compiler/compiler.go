package compiler

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Generated file names. Both sort after template files so their settings win.
const (
	BackendFile   = "backend_override.tf"
	VariablesFile = "deployment.auto.tfvars"
	StateFile     = "terraform.tfstate"
)

var identifierRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)

// ValidIdentifier reports whether name can be used as a variable name.
func ValidIdentifier(name string) bool {
	return identifierRE.MatchString(name)
}

// BackendOverride pins state to a local file inside the workspace.
func BackendOverride() string {
	return fmt.Sprintf(`terraform {
  backend "local" {
    path = "%s"
  }
}
`, StateFile)
}

// Variables renders vars as a tfvars document with keys in sorted order.
func Variables(vars map[string]string) (string, error) {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		if !ValidIdentifier(k) {
			return "", fmt.Errorf("invalid variable name %q", k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("# Generated per deployment. Do not edit.\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "%s = \"%s\"\n", k, Quote(vars[k]))
	}
	return b.String(), nil
}

var quoter = strings.NewReplacer(
	`\`, `\\`,
	`"`, `\"`,
	"\n", `\n`,
	"\r", `\r`,
	"\t", `\t`,
	"${", "$${",
	"%{", "%%{",
)

// Quote escapes s for use inside an HCL double-quoted string, including
// template interpolation sequences.
func Quote(s string) string {
	return quoter.Replace(s)
}
