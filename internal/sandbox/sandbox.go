// Package sandbox confines every filesystem tool to a fixed workspace root.
// Path resolution fails closed before any I/O occurs: a violation never
// produces a partial write.
package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pocketbrain/pocketbrain/internal/gate"
)

// Workspace is the sandbox rooted at a fixed absolute directory
type Workspace struct {
	root string
}

// New creates the workspace root if needed and resolves it through symlinks
// so later containment checks compare canonical paths.
func New(root string) (*Workspace, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root must not be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}
	canonical, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize workspace root: %w", err)
	}
	return &Workspace{root: canonical}, nil
}

// Root returns the canonical workspace root
func (w *Workspace) Root() string {
	return w.root
}

// Resolve maps a tool-supplied path onto an absolute path that is guaranteed
// to be a descendant of the workspace root. Absolute inputs addressing
// outside the root fail with WORKSPACE_ESCAPE and `..` traversal that
// leaves the root fails with PATH_ESCAPE; symlinks that point outside fail
// with SYMLINK_ESCAPE.
func (w *Workspace) Resolve(path string) (string, error) {
	if path == "" {
		return "", gate.Unprocessable(gate.CodePathEscape, "empty path")
	}

	var candidate string
	if filepath.IsAbs(path) {
		candidate = filepath.Clean(path)
	} else {
		candidate = filepath.Clean(filepath.Join(w.root, path))
	}

	if !w.contains(candidate) {
		if filepath.IsAbs(path) {
			return "", gate.Forbidden(gate.CodeWorkspaceEscape,
				fmt.Sprintf("absolute path %q addresses outside the workspace", path))
		}
		return "", gate.Forbidden(gate.CodePathEscape,
			fmt.Sprintf("path %q resolves outside the workspace", path))
	}

	// Walk to the deepest existing ancestor and canonicalize it; a symlink
	// inside the workspace may still point outside.
	existing := candidate
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		existing = parent
	}
	canonical, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize %q: %w", existing, err)
	}
	if !w.contains(canonical) {
		return "", gate.Forbidden(gate.CodeSymlinkEscape,
			fmt.Sprintf("path %q traverses a symlink leaving the workspace", path))
	}

	return candidate, nil
}

func (w *Workspace) contains(abs string) bool {
	if abs == w.root {
		return true
	}
	return strings.HasPrefix(abs, w.root+string(filepath.Separator))
}

// Entry is one directory listing row
type Entry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
}

// List returns the entries of a directory inside the workspace
func (w *Workspace) List(path string) ([]Entry, error) {
	target, err := w.Resolve(path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(target)
	if err != nil {
		return nil, fmt.Errorf("failed to list %q: %w", path, err)
	}

	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Entry{Name: e.Name(), IsDir: e.IsDir(), Size: info.Size()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ReadFile returns the contents of a file inside the workspace
func (w *Workspace) ReadFile(path string) (string, error) {
	target, err := w.Resolve(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(target)
	if err != nil {
		return "", fmt.Errorf("failed to read %q: %w", path, err)
	}
	return string(data), nil
}

// WriteFile writes a file inside the workspace, creating parent directories
// as needed. Resolution happens before any I/O.
func (w *Workspace) WriteFile(path, content string) error {
	target, err := w.Resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create parent dirs for %q: %w", path, err)
	}
	if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write %q: %w", path, err)
	}
	return nil
}

// AppendFile appends to a file inside the workspace, creating it and its
// parent directories if needed.
func (w *Workspace) AppendFile(path, content string) error {
	target, err := w.Resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create parent dirs for %q: %w", path, err)
	}
	f, err := os.OpenFile(target, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %q for append: %w", path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("failed to append to %q: %w", path, err)
	}
	return nil
}

// DeleteFile removes a file inside the workspace
func (w *Workspace) DeleteFile(path string) error {
	target, err := w.Resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil {
		return fmt.Errorf("failed to delete %q: %w", path, err)
	}
	return nil
}
