// Package workspace manages the per-deployment directories the IaC tool runs in.
//
// Each deployment gets <root>/<id>/, a full copy of the template tree plus a
// backend override that keeps state inside that directory. No two deployments
// share a state file.
package workspace

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cyber-range/engine/internal/provisioner/compiler"
	appErr "github.com/cyber-range/engine/pkg/errors"
	"github.com/google/uuid"
)

const (
	stagingPrefix = ".staging-"
	toolDir       = ".terraform"
)

// Status describes a workspace on disk.
type Status struct {
	ID          string    `json:"id"`
	Path        string    `json:"path"`
	Exists      bool      `json:"exists"`
	HasState    bool      `json:"has_state"`
	Initialized bool      `json:"initialized"`
	ModTime     time.Time `json:"mod_time,omitempty"`
}

// Manager creates and removes workspaces under root from a template directory.
type Manager struct {
	root     string
	template string
}

func NewManager(root, template string) *Manager {
	return &Manager{root: root, template: template}
}

// Root returns the directory holding all workspaces.
func (m *Manager) Root() string { return m.root }

// Path returns the workspace directory for id.
func (m *Manager) Path(id uuid.UUID) string {
	return filepath.Join(m.root, id.String())
}

// StatePath returns the state file path for id.
func (m *Manager) StatePath(id uuid.UUID) string {
	return filepath.Join(m.Path(id), compiler.StateFile)
}

// Prepare creates a fresh workspace for id, discarding any previous one.
// On failure nothing is left behind.
func (m *Manager) Prepare(id uuid.UUID) (string, error) {
	dst := m.Path(id)
	staging := filepath.Join(m.root, stagingPrefix+id.String())

	fail := func(err error, msg string) (string, error) {
		_ = os.RemoveAll(staging)
		return "", appErr.Wrap(err, appErr.CodeWorkspace, msg).WithMeta("deployment_id", id.String())
	}

	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return fail(err, "create runs root")
	}
	if err := os.RemoveAll(dst); err != nil {
		return fail(err, "remove stale workspace")
	}
	if err := os.RemoveAll(staging); err != nil {
		return fail(err, "remove stale staging dir")
	}

	if err := copyTree(m.template, staging); err != nil {
		return fail(err, "copy template")
	}
	if err := os.WriteFile(filepath.Join(staging, compiler.BackendFile), []byte(compiler.BackendOverride()), 0o644); err != nil {
		return fail(err, "write backend override")
	}
	if err := os.Rename(staging, dst); err != nil {
		return fail(err, "move workspace into place")
	}
	return dst, nil
}

// WriteVariables writes the generated tfvars file into an existing workspace.
func (m *Manager) WriteVariables(id uuid.UUID, vars map[string]string) error {
	body, err := compiler.Variables(vars)
	if err != nil {
		return appErr.Wrap(err, appErr.CodeInvalid, "render variables")
	}
	path := filepath.Join(m.Path(id), compiler.VariablesFile)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		return appErr.Wrap(err, appErr.CodeWorkspace, "write variables")
	}
	return nil
}

// Exists reports whether the workspace directory for id is present.
func (m *Manager) Exists(id uuid.UUID) bool {
	info, err := os.Stat(m.Path(id))
	return err == nil && info.IsDir()
}

// Initialized reports whether the tool has already been initialized in the workspace.
func (m *Manager) Initialized(id uuid.UUID) bool {
	info, err := os.Stat(filepath.Join(m.Path(id), toolDir))
	return err == nil && info.IsDir()
}

// Teardown removes the workspace. Missing workspaces are not an error.
func (m *Manager) Teardown(id uuid.UUID) error {
	if err := os.RemoveAll(m.Path(id)); err != nil {
		return fmt.Errorf("remove workspace %s: %w", id, err)
	}
	_ = os.RemoveAll(filepath.Join(m.root, stagingPrefix+id.String()))
	return nil
}

// Status inspects the workspace for id.
func (m *Manager) Status(id uuid.UUID) Status {
	return m.status(id.String())
}

func (m *Manager) status(name string) Status {
	path := filepath.Join(m.root, name)
	st := Status{ID: name, Path: path}
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return st
	}
	st.Exists = true
	st.ModTime = info.ModTime()
	if _, err := os.Stat(filepath.Join(path, compiler.StateFile)); err == nil {
		st.HasState = true
	}
	if info, err := os.Stat(filepath.Join(path, toolDir)); err == nil && info.IsDir() {
		st.Initialized = true
	}
	return st
}

// List returns every workspace under root, oldest first. Staging dirs and
// directories not named by a deployment id are skipped.
func (m *Manager) List() ([]Status, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []Status{}, nil
		}
		return nil, fmt.Errorf("read runs root: %w", err)
	}
	out := make([]Status, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if _, err := uuid.Parse(e.Name()); err != nil {
			continue
		}
		out = append(out, m.status(e.Name()))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModTime.Before(out[j].ModTime) })
	return out, nil
}

// skipEntry reports template entries that must never be copied: provider
// caches and state belong to the template author, not to a deployment.
func skipEntry(d fs.DirEntry) bool {
	if d.IsDir() && d.Name() == toolDir {
		return true
	}
	return !d.IsDir() && strings.HasPrefix(d.Name(), compiler.StateFile)
}

func copyTree(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("stat template: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("template %s is not a directory", src)
	}

	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel != "." && skipEntry(d) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		target := filepath.Join(dst, rel)

		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0o755)
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case d.Type().IsRegular():
			return copyFile(path, target)
		default:
			return nil
		}
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
