package sandbox

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pocketbrain/pocketbrain/internal/gate"
)

func newWorkspace(t *testing.T) *Workspace {
	t.Helper()
	w, err := New(filepath.Join(t.TempDir(), "workspace"))
	require.NoError(t, err)
	return w
}

func TestResolveRelativePath(t *testing.T) {
	w := newWorkspace(t)

	resolved, err := w.Resolve("notes/today.md")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(w.Root(), "notes", "today.md"), resolved)
}

func TestResolveRejectsTraversal(t *testing.T) {
	w := newWorkspace(t)

	_, err := w.Resolve("../escape.txt")
	require.Error(t, err)
	ge, ok := gate.As(err)
	require.True(t, ok)
	assert.Equal(t, gate.CodePathEscape, ge.Code)

	// Traversal buried deeper in the path is caught too
	_, err = w.Resolve("a/b/../../../escape.txt")
	require.Error(t, err)
	ge, ok = gate.As(err)
	require.True(t, ok)
	assert.Equal(t, gate.CodePathEscape, ge.Code)
}

func TestResolveRejectsOutsideAbsolutePath(t *testing.T) {
	w := newWorkspace(t)

	_, err := w.Resolve("/etc/passwd")
	require.Error(t, err)
	ge, ok := gate.As(err)
	require.True(t, ok)
	assert.Equal(t, gate.CodeWorkspaceEscape, ge.Code)
}

func TestResolveRejectsEmptyPath(t *testing.T) {
	w := newWorkspace(t)

	_, err := w.Resolve("")
	require.Error(t, err)
	ge, ok := gate.As(err)
	require.True(t, ok)
	assert.Equal(t, gate.CodePathEscape, ge.Code)
	assert.Equal(t, 422, ge.Status)
}

func TestResolveRejectsSymlinkEscape(t *testing.T) {
	w := newWorkspace(t)

	outside := t.TempDir()
	require.NoError(t, os.Symlink(outside, filepath.Join(w.Root(), "sneaky")))

	_, err := w.Resolve("sneaky/file.txt")
	require.Error(t, err)
	ge, ok := gate.As(err)
	require.True(t, ok)
	assert.Equal(t, gate.CodeSymlinkEscape, ge.Code)
}

func TestWriteReadListDelete(t *testing.T) {
	w := newWorkspace(t)

	require.NoError(t, w.WriteFile("dir/file.txt", "hello"))

	content, err := w.ReadFile("dir/file.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", content)

	entries, err := w.List("dir")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "file.txt", entries[0].Name)
	assert.False(t, entries[0].IsDir)
	assert.Equal(t, int64(5), entries[0].Size)

	require.NoError(t, w.DeleteFile("dir/file.txt"))
	_, err = w.ReadFile("dir/file.txt")
	require.Error(t, err)
}

func TestAppendFileCreatesAndAppends(t *testing.T) {
	w := newWorkspace(t)

	require.NoError(t, w.AppendFile("memory/2026-08-31.md", "first\n"))
	require.NoError(t, w.AppendFile("memory/2026-08-31.md", "second\n"))

	content, err := w.ReadFile("memory/2026-08-31.md")
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond\n", content)
}

func TestWriteFailsBeforeIOOnViolation(t *testing.T) {
	w := newWorkspace(t)

	err := w.WriteFile("../outside.txt", "nope")
	require.Error(t, err)
	_, statErr := os.Stat(filepath.Join(filepath.Dir(w.Root()), "outside.txt"))
	assert.True(t, os.IsNotExist(statErr), "no partial write outside the workspace")
}
