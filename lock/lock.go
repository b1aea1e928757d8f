// Package lock keeps a single fabricmon daemon per runtime directory.
//
// The lock is a flock(2) on {base}/.lock held for the daemon's
// lifetime. The holder's pid is written to the file so a second
// instance can say who it is waiting for.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jpillora/backoff"
)

// ErrLocked is returned by TryAcquire when another process holds the
// lock.
var ErrLocked = errors.New("lock is held by another process")

// Lock is a held instance lock.
type Lock struct {
	f    *os.File
	path string
}

// TryAcquire takes the lock at path without waiting.
func TryAcquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}

	l := &Lock{f: f, path: path}
	if err := l.writePID(); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

// Acquire takes the lock at path, retrying with exponential backoff
// until it succeeds or ctx is done.
func Acquire(ctx context.Context, path string) (*Lock, error) {
	b := &backoff.Backoff{
		Min:    25 * time.Millisecond,
		Max:    500 * time.Millisecond,
		Factor: 2,
	}
	for {
		l, err := TryAcquire(path)
		if err == nil {
			return l, nil
		}
		if !errors.Is(err, ErrLocked) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			if pid, ok := Holder(path); ok {
				return nil, fmt.Errorf("%w (pid %d): %w", ErrLocked, pid, ctx.Err())
			}
			return nil, fmt.Errorf("%w: %w", ErrLocked, ctx.Err())
		case <-time.After(b.Duration()):
		}
	}
}

// Holder returns the pid recorded in the lock file at path.
func Holder(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

func (l *Lock) writePID() error {
	if err := l.f.Truncate(0); err != nil {
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := l.f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		return fmt.Errorf("write lock file: %w", err)
	}
	return nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Close releases the lock. The file is left in place.
func (l *Lock) Close() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}
