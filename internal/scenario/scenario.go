// Package scenario loads lab scenario definitions and turns them into IaC variables.
package scenario

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	appErr "github.com/cyber-range/engine/pkg/errors"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const fileExt = ".yaml"

// Roles the IaC template knows how to provision.
const (
	RoleVictim   = "victim"
	RoleAttacker = "attacker"
	RoleMonitor  = "monitor"
)

var knownRoles = []string{RoleVictim, RoleAttacker, RoleMonitor}

// VM describes one machine in a scenario.
type VM struct {
	Role   string `yaml:"role" json:"role" validate:"required"`
	Name   string `yaml:"name" json:"name" validate:"required"`
	Image  string `yaml:"image" json:"image" validate:"required"`
	Flavor string `yaml:"flavor,omitempty" json:"flavor,omitempty"`
}

// Network is the optional private network block.
type Network struct {
	CIDR string `yaml:"cidr" json:"cidr" validate:"omitempty,cidr"`
}

// Definition is a parsed scenario file. It is read-only once loaded.
type Definition struct {
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	VMs         []VM     `yaml:"vms" json:"vms" validate:"required,min=1,dive"`
	Network     *Network `yaml:"network,omitempty" json:"network,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Loader resolves scenario names to files in a single directory.
type Loader struct {
	dir string
}

func NewLoader(dir string) *Loader {
	return &Loader{dir: dir}
}

// Dir returns the directory scenarios are read from.
func (l *Loader) Dir() string { return l.dir }

// Load reads and validates the named scenario. A trailing ".yaml" in name is accepted.
func (l *Loader) Load(name string) (*Definition, error) {
	path, err := l.resolve(name)
	if err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, appErr.Newf(appErr.CodeScenarioNotFound, "scenario %q not found", name)
		}
		return nil, appErr.Wrap(err, appErr.CodeInternal, "read scenario failed")
	}

	def, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	if def.Name == "" {
		def.Name = strings.TrimSuffix(name, fileExt)
	}
	return def, nil
}

// Exists reports whether name resolves to a readable scenario file.
func (l *Loader) Exists(name string) bool {
	path, err := l.resolve(name)
	if err != nil {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// List returns the names of all scenarios in the directory, sorted.
func (l *Loader) List() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("read scenarios dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileExt) {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), fileExt))
	}
	sort.Strings(names)
	return names, nil
}

func (l *Loader) resolve(name string) (string, error) {
	base := strings.TrimSuffix(name, fileExt)
	if base == "" || base == "." || strings.Contains(base, "..") || strings.ContainsAny(base, `/\`) {
		return "", appErr.Newf(appErr.CodeScenarioNotFound, "scenario %q not found", name)
	}
	return filepath.Join(l.dir, base+fileExt), nil
}

// Parse decodes and validates a scenario document. Unknown fields are rejected.
func Parse(raw []byte) (*Definition, error) {
	var def Definition
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, appErr.New(appErr.CodeScenarioInvalid, "scenario is empty")
		}
		return nil, appErr.Wrap(err, appErr.CodeScenarioInvalid, "scenario is not valid YAML")
	}
	if err := validate.Struct(&def); err != nil {
		return nil, appErr.Wrap(err, appErr.CodeScenarioInvalid, "scenario failed validation")
	}
	return &def, nil
}

// ExtractVariables maps a definition to IaC variables. For each known role the
// first VM wins; unknown roles are ignored. The result depends only on def.
func ExtractVariables(def *Definition) map[string]string {
	vars := map[string]string{}
	if def == nil {
		return vars
	}

	seen := map[string]bool{}
	for _, vm := range def.VMs {
		role := strings.ToLower(strings.TrimSpace(vm.Role))
		if !isKnownRole(role) || seen[role] {
			continue
		}
		seen[role] = true
		vars[role+"_image_name"] = vm.Image
		vars[role+"_display_name"] = vm.Name
		if vm.Flavor != "" {
			vars[role+"_flavor"] = vm.Flavor
		}
	}

	if def.Network != nil && def.Network.CIDR != "" {
		vars["private_cidr"] = def.Network.CIDR
	}
	return vars
}

func isKnownRole(role string) bool {
	for _, r := range knownRoles {
		if r == role {
			return true
		}
	}
	return false
}
