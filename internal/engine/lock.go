package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"kistra/internal/logger"
)

// ErrLockHeld is returned when another live process owns the instance lock.
var ErrLockHeld = fmt.Errorf("instance lock held by another process")

// InstanceLock is the advisory single-instance lock at data/instance.lock.
// The file records owner pid and acquisition time; a lock older than the
// stale timeout may be reclaimed, which covers crashed processes that never
// released it.
type InstanceLock struct {
	path         string
	staleTimeout time.Duration
	held         bool
}

type lockPayload struct {
	PID        int    `json:"pid"`
	AcquiredAt string `json:"acquired_at"`
}

func NewInstanceLock(dir string, staleTimeout time.Duration) *InstanceLock {
	return &InstanceLock{
		path:         filepath.Join(dir, "instance.lock"),
		staleTimeout: staleTimeout,
	}
}

// Acquire takes the lock or returns ErrLockHeld. A stale lock file is
// reclaimed with a warning.
func (l *InstanceLock) Acquire() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			payload, _ := json.Marshal(lockPayload{
				PID:        os.Getpid(),
				AcquiredAt: time.Now().Format(time.RFC3339),
			})
			f.Write(payload)
			f.Close()
			l.held = true
			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("create lock file: %w", err)
		}

		age, ownerPID := l.existingLockAge()
		if age < l.staleTimeout {
			logger.Warnf("lock: held by pid=%d age=%s", ownerPID, age.Round(time.Second))
			return ErrLockHeld
		}
		logger.Warnf("lock: reclaiming stale lock pid=%d age=%s", ownerPID, age.Round(time.Second))
		if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove stale lock: %w", err)
		}
	}
	return ErrLockHeld
}

func (l *InstanceLock) existingLockAge() (time.Duration, int) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return 0, 0
	}
	var payload lockPayload
	if err := json.Unmarshal(data, &payload); err == nil && payload.AcquiredAt != "" {
		if at, perr := time.Parse(time.RFC3339, payload.AcquiredAt); perr == nil {
			return time.Since(at), payload.PID
		}
	}
	// Fall back to file mtime for lock files written by older builds.
	if info, err := os.Stat(l.path); err == nil {
		return time.Since(info.ModTime()), payload.PID
	}
	return 0, payload.PID
}

// Release removes the lock file. Safe to call when not held.
func (l *InstanceLock) Release() {
	if !l.held {
		return
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		logger.Warnf("lock: release failed err=%v", err)
	}
	l.held = false
}
