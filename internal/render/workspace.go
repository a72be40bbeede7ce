package render

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const workspacePrefix = "job-"

// Workspace is the scratch directory owned by one render. Remove it on every exit path.
type Workspace struct {
	dir string
}

// NewWorkspace creates a uniquely named directory under root.
func NewWorkspace(root, name string) (*Workspace, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}
	dir, err := os.MkdirTemp(root, workspacePrefix+name+"-")
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	return &Workspace{dir: dir}, nil
}

func (w *Workspace) Dir() string {
	return w.dir
}

func (w *Workspace) Path(name string) string {
	return filepath.Join(w.dir, name)
}

// Remove deletes the workspace and everything in it. It is safe to call twice.
func (w *Workspace) Remove() error {
	if err := os.RemoveAll(w.dir); err != nil {
		return fmt.Errorf("failed to remove workspace %s: %w", w.dir, err)
	}
	return nil
}

// SweepOrphans removes directories under root left by processes that are gone.
// A directory whose lock is held by a live process is kept.
func SweepOrphans(root string) (int, error) {
	entries, err := os.ReadDir(root)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to list workspace root: %w", err)
	}

	removed := 0
	var errs []error
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(root, e.Name())
		live, err := held(dir)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if live {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}
