// Package redeemlock implements the cross-process redemption lock.
//
// Every process that may submit a redemption for the same wallet (the trading
// loop, the scheduled sweep, a manual redeem) shares one nonce sequence, so only
// one of them may be submitting at a time. The lock is an flock(2) advisory lock
// on a well-known file. The kernel drops it when the holder dies, so a crashed
// holder never leaves a permanent deadlock. The holder's PID is written into the
// file for diagnostics only.
package redeemlock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// DefaultRetryInterval is the pause between non-blocking lock attempts.
const DefaultRetryInterval = 500 * time.Millisecond

// ErrTimeout is returned when the lock could not be acquired before the timeout.
var ErrTimeout = errors.New("redeem lock acquire timed out")

// Config holds Locker configuration.
type Config struct {
	Path          string
	RetryInterval time.Duration
	// MaxHold is advisory. It only sets Handle.ExpiresBy for status reporting.
	MaxHold time.Duration
	Logger  *zap.Logger
}

// Locker acquires the named redemption lock.
type Locker struct {
	path          string
	retryInterval time.Duration
	maxHold       time.Duration
	logger        *zap.Logger
}

// Handle represents a held lock. Release is safe to call any number of times.
type Handle struct {
	Name       string
	HolderPID  int
	AcquiredAt time.Time
	ExpiresBy  time.Time

	mu     sync.Mutex
	file   *os.File
	logger *zap.Logger
}

// New creates a Locker for the lock file at cfg.Path.
func New(cfg *Config) (*Locker, error) {
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Path == "" {
		return nil, errors.New("lock path cannot be empty")
	}

	retryInterval := cfg.RetryInterval
	if retryInterval <= 0 {
		retryInterval = DefaultRetryInterval
	}

	maxHold := cfg.MaxHold
	if maxHold <= 0 {
		maxHold = 10 * time.Minute
	}

	return &Locker{
		path:          cfg.Path,
		retryInterval: retryInterval,
		maxHold:       maxHold,
		logger:        cfg.Logger,
	}, nil
}

// Path returns the lock file path.
func (l *Locker) Path() string {
	return l.path
}

// Acquire tries to take the lock until timeout elapses or ctx is done.
// It returns ErrTimeout when another holder kept the lock for the whole window.
func (l *Locker) Acquire(ctx context.Context, timeout time.Duration) (handle *Handle, err error) {
	start := time.Now()
	deadline := start.Add(timeout)

	err = os.MkdirAll(filepath.Dir(l.path), 0o755)
	if err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	file, err := os.OpenFile(l.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	ticker := time.NewTicker(l.retryInterval)
	defer ticker.Stop()

	for {
		err = unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}

		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			_ = file.Close()
			AcquisitionsTotal.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("flock: %w", err)
		}

		if !time.Now().Before(deadline) {
			_ = file.Close()
			AcquisitionsTotal.WithLabelValues("timeout").Inc()
			WaitSeconds.Observe(time.Since(start).Seconds())

			holder, _ := ReadHolder(l.path)
			l.logger.Warn("redeem-lock-timeout",
				zap.String("path", l.path),
				zap.Duration("timeout", timeout),
				zap.Int("holder-pid", holder))
			return nil, ErrTimeout
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			_ = file.Close()
			AcquisitionsTotal.WithLabelValues("cancelled").Inc()
			return nil, ctx.Err()
		}
	}

	now := time.Now()
	handle = &Handle{
		Name:       filepath.Base(l.path),
		HolderPID:  os.Getpid(),
		AcquiredAt: now,
		ExpiresBy:  now.Add(l.maxHold),
		file:       file,
		logger:     l.logger,
	}

	err = handle.stamp()
	if err != nil {
		// The lock is held even if the diagnostic stamp failed.
		l.logger.Warn("redeem-lock-stamp-failed", zap.Error(err))
	}

	AcquisitionsTotal.WithLabelValues("acquired").Inc()
	WaitSeconds.Observe(now.Sub(start).Seconds())
	Held.Set(1)

	l.logger.Debug("redeem-lock-acquired",
		zap.String("path", l.path),
		zap.Duration("waited", now.Sub(start)))

	return handle, nil
}

func (h *Handle) stamp() error {
	err := h.file.Truncate(0)
	if err != nil {
		return fmt.Errorf("truncate: %w", err)
	}

	_, err = h.file.WriteAt([]byte(fmt.Sprintf("%d\n%s\n", h.HolderPID, h.AcquiredAt.UTC().Format(time.RFC3339))), 0)
	if err != nil {
		return fmt.Errorf("write pid: %w", err)
	}

	return h.file.Sync()
}

// Held reports whether the handle still owns the lock.
func (h *Handle) Held() bool {
	if h == nil {
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	return h.file != nil
}

// Release drops the lock. Errors are logged, never returned.
func (h *Handle) Release() {
	if h == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.file == nil {
		return
	}

	err := unix.Flock(int(h.file.Fd()), unix.LOCK_UN)
	if err != nil {
		h.logger.Warn("redeem-lock-unlock-failed", zap.Error(err))
	}

	err = h.file.Close()
	if err != nil {
		h.logger.Warn("redeem-lock-close-failed", zap.Error(err))
	}

	h.file = nil
	Held.Set(0)
	h.logger.Debug("redeem-lock-released", zap.Duration("held", time.Since(h.AcquiredAt)))
}

// ReadHolder returns the PID recorded by the most recent holder of the lock at path.
// The PID may belong to a process that has since exited.
func ReadHolder(path string) (pid int, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read lock file: %w", err)
	}

	first, _, _ := strings.Cut(string(data), "\n")
	first = strings.TrimSpace(first)
	if first == "" {
		return 0, nil
	}

	pid, err = strconv.Atoi(first)
	if err != nil {
		return 0, fmt.Errorf("parse holder pid: %w", err)
	}

	return pid, nil
}
