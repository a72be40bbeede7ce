//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package render

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// lockFile takes an exclusive advisory lock on f. Without wait it reports false
// when another open file holds the lock. The lock is dropped when f is closed.
func lockFile(f *os.File, wait bool) (bool, error) {
	how := unix.LOCK_EX
	if !wait {
		how |= unix.LOCK_NB
	}
	for {
		err := unix.Flock(int(f.Fd()), how)
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EWOULDBLOCK):
			return false, nil
		default:
			return false, err
		}
	}
}

// probeLock reports whether another open file holds the lock on f.
func probeLock(f *os.File) (bool, error) {
	ok, err := lockFile(f, false)
	if err != nil {
		return false, err
	}
	return !ok, nil
}
