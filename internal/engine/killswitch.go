package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"kistra/internal/logger"

	"github.com/fsnotify/fsnotify"
)

// KillSwitch watches data/KILL_SWITCH. Presence of the file denies all new
// orders; reconciliation and exits remain allowed per the risk rules. The
// watcher keeps an atomic flag current so the hot path never touches the
// filesystem.
type KillSwitch struct {
	path    string
	engaged atomic.Bool
	watcher *fsnotify.Watcher
}

func NewKillSwitch(dir string) *KillSwitch {
	ks := &KillSwitch{path: filepath.Join(dir, "KILL_SWITCH")}
	ks.refresh()
	return ks
}

// Engaged reports the last observed state of the kill-switch file.
func (k *KillSwitch) Engaged() bool { return k.engaged.Load() }

// Path returns the watched file path.
func (k *KillSwitch) Path() string { return k.path }

func (k *KillSwitch) refresh() {
	_, err := os.Stat(k.path)
	was := k.engaged.Swap(err == nil)
	if was != (err == nil) {
		if err == nil {
			logger.Warnf("killswitch: engaged path=%s", k.path)
		} else {
			logger.Infof("killswitch: released path=%s", k.path)
		}
	}
}

// Engage creates the kill-switch file so the block survives restarts.
func (k *KillSwitch) Engage(reason string) error {
	if err := os.MkdirAll(filepath.Dir(k.path), 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	content := fmt.Sprintf("engaged_at=%s\nreason=%s\n", time.Now().Format(time.RFC3339), reason)
	if err := os.WriteFile(k.path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write kill switch: %w", err)
	}
	k.engaged.Store(true)
	logger.Errorf("killswitch: engaged reason=%s", reason)
	return nil
}

// Watch starts a filesystem watcher on the data directory so an operator
// touching or removing the file takes effect within the current cycle.
// Falls back to stat-per-check (via Engaged callers calling Refresh) when
// the watcher cannot start.
func (k *KillSwitch) Watch(done <-chan struct{}) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start killswitch watcher: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(k.path), 0o755); err != nil {
		w.Close()
		return fmt.Errorf("create data directory: %w", err)
	}
	if err := w.Add(filepath.Dir(k.path)); err != nil {
		w.Close()
		return fmt.Errorf("watch data directory: %w", err)
	}
	k.watcher = w

	go func() {
		defer w.Close()
		for {
			select {
			case <-done:
				return
			case evt, ok := <-w.Events:
				if !ok {
					return
				}
				if evt.Name == k.path {
					k.refresh()
				}
			case werr, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warnf("killswitch: watcher error err=%v", werr)
			}
		}
	}()
	return nil
}

// Refresh re-stats the file. Used as the fallback when Watch failed.
func (k *KillSwitch) Refresh() { k.refresh() }
