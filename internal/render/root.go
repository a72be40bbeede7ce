package render

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	instancePrefix = "inst-"
	lockName       = ".lock"
	sweepLockName  = ".sweep.lock"
)

// Root is a workspace root owned by one running process. Processes that share a
// parent directory each get their own Root, and a Root is never swept while its
// owner holds the lock.
type Root struct {
	dir  string
	lock *os.File
}

// AcquireRoot creates a fresh instance directory under parent, locks it for the
// life of the process, and sweeps sibling instances whose owner is gone. The
// returned count is the number of directories removed. A sweep error is
// returned alongside a usable Root.
func AcquireRoot(parent string) (*Root, int, error) {
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return nil, 0, fmt.Errorf("failed to create workspace root: %w", err)
	}

	// Creation and sweep are serialized so a sweeper never sees an instance
	// directory before its lock is taken.
	guard, err := os.OpenFile(filepath.Join(parent, sweepLockName), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open sweep lock: %w", err)
	}
	defer guard.Close()
	if _, err := lockFile(guard, true); err != nil {
		return nil, 0, fmt.Errorf("failed to take sweep lock: %w", err)
	}

	dir, err := os.MkdirTemp(parent, instancePrefix)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create instance root: %w", err)
	}
	lock, err := os.OpenFile(filepath.Join(dir, lockName), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, 0, fmt.Errorf("failed to create instance lock: %w", err)
	}
	if ok, err := lockFile(lock, false); err != nil || !ok {
		lock.Close()
		_ = os.RemoveAll(dir)
		if err == nil {
			err = errors.New("lock already held")
		}
		return nil, 0, fmt.Errorf("failed to lock instance root: %w", err)
	}

	root := &Root{dir: dir, lock: lock}
	n, err := SweepOrphans(parent)
	return root, n, err
}

func (r *Root) Dir() string {
	return r.dir
}

// Release removes the instance directory and drops its lock. Workspaces still
// inside it are removed with it.
func (r *Root) Release() error {
	err := os.RemoveAll(r.dir)
	if cerr := r.lock.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to release workspace root %s: %w", r.dir, err)
	}
	return nil
}

// held reports whether a live process owns dir. A directory without a lock file
// belongs to nobody.
func held(dir string) (bool, error) {
	f, err := os.OpenFile(filepath.Join(dir, lockName), os.O_RDWR, 0)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer f.Close()
	return probeLock(f)
}
