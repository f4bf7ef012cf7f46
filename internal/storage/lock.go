package storage

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/leeroybrun/edison-sub000/internal/errs"
)

// Backoff configures retry delays for contended lock acquisition.
type Backoff struct {
	InitialDelay time.Duration
	Factor       float64
	MaxDelay     time.Duration
	Jitter       bool
}

// DefaultBackoff keeps jitter off for determinism; enable it when many
// processes contend on the same streams.
func DefaultBackoff() Backoff {
	return Backoff{
		InitialDelay: 20 * time.Millisecond,
		Factor:       2.0,
		MaxDelay:     2 * time.Second,
		Jitter:       false,
	}
}

// DelayForAttempt computes the delay before retry attempt n (1-indexed):
// initial * factor^(n-1), capped, with optional deterministic jitter in
// [0.5x, 1.5x] seeded by jitterSeed.
func DelayForAttempt(attempt int, cfg Backoff, jitterSeed string) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if cfg.InitialDelay <= 0 {
		return 0
	}
	base := float64(cfg.InitialDelay) * math.Pow(cfg.Factor, float64(attempt-1))
	if cfg.MaxDelay > 0 {
		base = math.Min(base, float64(cfg.MaxDelay))
	}
	if cfg.Jitter {
		base *= 0.5 + jitterUnit(jitterSeed)
	}
	if base < 0 {
		base = 0
	}
	return time.Duration(base)
}

func jitterUnit(seed string) float64 {
	sum := sha256.Sum256([]byte(seed))
	u := binary.BigEndian.Uint64(sum[:8])
	return float64(u) / float64(^uint64(0))
}

// FileLock is an advisory flock held on a sibling ".lock" file. Locks are
// cross-process on a single host; they do not survive the owning process.
type FileLock struct {
	f    *os.File
	path string
}

func lockPath(target string) string {
	return target + ".lock"
}

func openLockFile(target string) (*os.File, error) {
	p := lockPath(target)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, &errs.IOError{Op: "mkdir", Path: filepath.Dir(p), Err: err}
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, &errs.IOError{Op: "open lock", Path: p, Err: err}
	}
	return f, nil
}

// Acquire blocks until the advisory lock for target is held.
func Acquire(target string) (*FileLock, error) {
	f, err := openLockFile(target)
	if err != nil {
		return nil, err
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		f.Close()
		return nil, &errs.IOError{Op: "flock", Path: lockPath(target), Err: err}
	}
	return &FileLock{f: f, path: lockPath(target)}, nil
}

// TryAcquire attempts the lock without blocking; it returns (nil, nil) when
// the lock is currently held elsewhere.
func TryAcquire(target string) (*FileLock, error) {
	f, err := openLockFile(target)
	if err != nil {
		return nil, err
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if err == syscall.EWOULDBLOCK {
			return nil, nil
		}
		return nil, &errs.IOError{Op: "flock", Path: lockPath(target), Err: err}
	}
	return &FileLock{f: f, path: lockPath(target)}, nil
}

// Release drops the lock. Safe to call once; the lock file itself is kept so
// concurrent openers never race on unlink.
func (l *FileLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	closeErr := l.f.Close()
	l.f = nil
	if err != nil {
		return &errs.IOError{Op: "funlock", Path: l.path, Err: err}
	}
	if closeErr != nil {
		return &errs.IOError{Op: "close lock", Path: l.path, Err: closeErr}
	}
	return nil
}

// WithLock runs fn while holding the advisory lock for target.
func WithLock(target string, fn func() error) error {
	lock, err := Acquire(target)
	if err != nil {
		return err
	}
	defer lock.Release()
	return fn()
}

// WithLockRetry acquires the lock with bounded non-blocking retries so a
// cancelled caller never sits in an uninterruptible flock wait.
func WithLockRetry(ctx context.Context, target string, cfg Backoff, maxAttempts int, fn func() error) error {
	if maxAttempts <= 0 {
		maxAttempts = 50
	}
	for attempt := 1; ; attempt++ {
		lock, err := TryAcquire(target)
		if err != nil {
			return err
		}
		if lock != nil {
			defer lock.Release()
			return fn()
		}
		if attempt >= maxAttempts {
			return &errs.IOError{Op: "lock", Path: lockPath(target),
				Err: fmt.Errorf("still contended after %d attempts", attempt)}
		}
		seed := fmt.Sprintf("%s:%d", target, attempt)
		select {
		case <-ctx.Done():
			return &errs.Cancelled{Op: "lock " + target}
		case <-time.After(DelayForAttempt(attempt, cfg, seed)):
		}
	}
}
