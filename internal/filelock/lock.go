// Package filelock implements advisory exclusive OS file locking
// (spec.md §4.3). The blocking flock(2) syscall is dispatched to a
// dedicated goroutine per call so that a caller running on a busy
// runtime is never itself blocked beyond a context cancellation or the
// lock's actual acquisition, following the pattern in
// grailbio-base/flock: a request/response channel pair around the
// syscall, selected against ctx.Done().
package filelock

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Lock acquires an exclusive advisory lock on f, blocking until
// acquired or ctx is done. Failure to dispatch the syscall (the
// dedicated goroutine could not be started, or the underlying fd is
// invalid) is surfaced as a generic I/O error.
func Lock(ctx context.Context, f *os.File) error {
	done := make(chan error, 1)
	go func() {
		done <- unix.Flock(int(f.Fd()), unix.LOCK_EX)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return errors.Wrap(err, "filelock: lock")
	}
}

// Unlock releases the lock on f. It is idempotent: unlocking a file
// that is not currently locked by this process is not an error.
func Unlock(f *os.File) error {
	done := make(chan error, 1)
	go func() {
		done <- unix.Flock(int(f.Fd()), unix.LOCK_UN)
	}()
	return errors.Wrap(<-done, "filelock: unlock")
}
