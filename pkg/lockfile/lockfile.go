// Package lockfile guards a destination root against concurrent runs.
//
// The destination tree is owned exclusively by one run: a concurrent run
// would race on the metadata record and the data directory. The lock is a
// file in the destination root, refreshed by a background heartbeat; a lock
// that stopped updating is considered stale and taken over.
package lockfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/groupware-tools/gwbackup/pkg/runlog"
	"github.com/groupware-tools/gwbackup/pkg/util"
)

// LockFileName is the name of the lock file created in the destination root.
// The '~' prefix marks it as temporary.
const LockFileName = ".~gwbackup.lock"

// These are vars to allow modification during testing.
var (
	heartbeatInterval = 1 * time.Minute
	// staleTimeout is defined in relation to the heartbeat to ensure a safe margin.
	staleTimeout = 3 * heartbeatInterval
)

// LockContent defines the structure of the data written to the lock file.
type LockContent struct {
	PID        int64     `json:"pid"`
	LastUpdate time.Time `json:"lastUpdate"`
	AppID      string    `json:"appID"`
}

// ErrLockActive is a structured error returned when a lock is already held by another process.
type ErrLockActive struct {
	PID       int64
	AppID     string
	TimeSince time.Duration
}

// Error implements the error interface for ErrLockActive.
func (e *ErrLockActive) Error() string {
	// Truncate for cleaner output, e.g., "3m2s" instead of "3m2.123456789s".
	return fmt.Sprintf("lock is active, held by PID %d (App: %s), last updated %s ago", e.PID, e.AppID, e.TimeSince.Truncate(time.Second))
}

// Lock manages the state of the acquired lock file.
type Lock struct {
	path  string
	appID string
	log   *runlog.Logger
	// The context and cancel function are used to stop the background heartbeat goroutine.
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	// We keep track if we actually hold the lock to prevent double release
	held bool
}

// Acquire attempts to acquire the lock inside dirPath.
// It returns (nil, *ErrLockActive) if the lock is already held elsewhere.
func Acquire(ctx context.Context, dirPath, appID string, log *runlog.Logger) (*Lock, error) {
	absLockFilePath := filepath.Join(dirPath, LockFileName)

	// We will attempt to acquire multiple times in case of race conditions during cleanup.
	maxAttempts := 3

	for i := 0; i < maxAttempts; i++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		// --- 1. Attempt atomic acquisition ---
		lock, err := tryAcquire(absLockFilePath, appID, log)
		if err == nil {
			return lock, nil
		}

		// If error is NOT "file exists", it's a real filesystem error (permissions, disk full, etc).
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to access lock file: %w", err)
		}

		// --- 2. Lock is held, check for staleness ---
		content, readErr := readLockContentSafely(absLockFilePath)
		if readErr != nil {
			// It might be in the middle of an update; wait briefly and retry.
			time.Sleep(100 * time.Millisecond)
			continue
		}

		elapsed := time.Since(content.LastUpdate)
		if elapsed < staleTimeout {
			return nil, &ErrLockActive{
				PID:       content.PID,
				AppID:     content.AppID,
				TimeSince: elapsed,
			}
		}

		// --- 3. Lock is stale, attempt cleanup ---
		log.Warnw("Found stale lock", "pid", content.PID, "age", elapsed)
		if removeErr := os.Remove(absLockFilePath); removeErr != nil && !os.IsNotExist(removeErr) {
			return nil, fmt.Errorf("failed to remove stale lock: %w", removeErr)
		}
		log.Infow("Stale lock removed, retrying acquisition")
	}

	return nil, fmt.Errorf("failed to acquire lock after %d attempts (contention)", maxAttempts)
}

// tryAcquire attempts atomic creation using O_EXCL.
func tryAcquire(path, appID string, log *runlog.Logger) (*Lock, error) {
	// O_CREATE|O_EXCL guarantees we only succeed if the file doesn't exist.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, util.UserWritableFilePerms)
	if err != nil {
		return nil, err
	}
	f.Close() // Close immediately, content is written via updateContent.

	ctx, cancel := context.WithCancel(context.Background())
	l := &Lock{
		path:   path,
		appID:  appID,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
		held:   true,
	}

	// Write initial data immediately. If this fails, clean up the empty file.
	if err := l.updateContent(); err != nil {
		l.cleanup()
		cancel()
		return nil, err
	}

	go l.heartbeat()
	return l, nil
}

// Release stops the heartbeat and removes the lock file.
func (l *Lock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held {
		return
	}
	l.cancel()
	l.cleanup()
	l.held = false
}

func (l *Lock) cleanup() {
	if err := os.Remove(l.path); err != nil {
		if !os.IsNotExist(err) {
			l.log.Warnw("Failed to remove lock file", "path", l.path, "error", err)
		}
	}
}

func (l *Lock) heartbeat() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			if err := l.updateContent(); err != nil {
				l.log.Warnw("Heartbeat failed to update lock file", "error", err)
			}
		}
	}
}

// updateContent writes the current state to the lock file.
func (l *Lock) updateContent() error {
	content := LockContent{
		PID:        int64(os.Getpid()),
		LastUpdate: time.Now(),
		AppID:      l.appID,
	}
	data, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(l.path, data, util.UserWritableFilePerms)
}

// readLockContentSafely reads the lock file, handling the race where the
// file exists but is currently being truncated or rewritten.
func readLockContentSafely(path string) (LockContent, error) {
	var lastErr error

	for i := 0; i < 3; i++ {
		f, err := os.Open(path)
		if err != nil {
			return LockContent{}, err
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			lastErr = err
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if len(data) == 0 {
			lastErr = errors.New("lock file is empty")
			time.Sleep(50 * time.Millisecond)
			continue
		}

		var content LockContent
		if err := json.Unmarshal(data, &content); err != nil {
			lastErr = err
			time.Sleep(50 * time.Millisecond)
			continue
		}
		return content, nil
	}

	return LockContent{}, fmt.Errorf("failed to read valid lock content: %w", lastErr)
}
