//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package render

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRootKeepsLiveSiblings(t *testing.T) {
	parent := t.TempDir()

	a, n, err := AcquireRoot(parent)
	require.NoError(t, err)
	assert.Zero(t, n)
	ws, err := NewWorkspace(a.Dir(), "busy")
	require.NoError(t, err)

	b, n, err := AcquireRoot(parent)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NotEqual(t, a.Dir(), b.Dir())
	assert.DirExists(t, ws.Dir())

	require.NoError(t, b.Release())
	assert.NoDirExists(t, b.Dir())
	assert.DirExists(t, a.Dir())
	require.NoError(t, a.Release())
}

func TestAcquireRootSweepsDeadInstances(t *testing.T) {
	parent := t.TempDir()

	// An instance whose process exited keeps its lock file but nobody holds it.
	dead := filepath.Join(parent, instancePrefix+"dead")
	require.NoError(t, os.MkdirAll(filepath.Join(dead, "job-x-1"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dead, lockName), nil, 0o644))
	legacy := filepath.Join(parent, "job-legacy-2")
	require.NoError(t, os.MkdirAll(legacy, 0o755))

	root, n, err := AcquireRoot(parent)
	require.NoError(t, err)
	defer root.Release()
	assert.Equal(t, 2, n)
	assert.NoDirExists(t, dead)
	assert.NoDirExists(t, legacy)
	assert.DirExists(t, root.Dir())
}
