package jsondb

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/time/rate"
)

var errLockHeld = errors.New("lock held by another process")

// fileLock is an OS advisory lock held on a dedicated lock file.
type fileLock struct {
	path string
	f    *os.File
}

// acquireLock takes a shared or exclusive advisory lock on path.
//
// Attempts are non-blocking and paced by a rate limiter; exhausting the attempt
// budget returns a *LockError.
func acquireLock(path string, exclusive bool, opts *Options) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, &LockError{Path: path, Attempts: 0, Err: err}
	}
	limiter := rate.NewLimiter(rate.Every(opts.LockRetryInterval), 1)
	attempts := max(opts.LockAttempts, 1)
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := limiter.Wait(context.Background()); err != nil {
			return nil, errors.Join(&LockError{Path: path, Attempts: attempt, Err: err}, f.Close())
		}
		ok, err := tryLock(f, exclusive)
		if err != nil {
			return nil, errors.Join(&LockError{Path: path, Attempts: attempt, Err: err}, f.Close())
		}
		if ok {
			return &fileLock{path: path, f: f}, nil
		}
	}
	lockFailures.Inc()
	return nil, errors.Join(&LockError{Path: path, Attempts: attempts, Err: errLockHeld}, f.Close())
}

// release unlocks and closes the lock file.
func (l *fileLock) release() error {
	if l == nil || l.f == nil {
		return nil
	}
	var errs []error
	if err := unlockFile(l.f); err != nil {
		errs = append(errs, fmt.Errorf("failed to unlock %s: %w", l.path, err))
	}
	if err := l.f.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close %s: %w", l.path, err))
	}
	l.f = nil
	return errors.Join(errs...)
}

// defaultLockRetryInterval paces lock attempts.
const defaultLockRetryInterval = 25 * time.Millisecond
