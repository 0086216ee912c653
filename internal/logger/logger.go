// Package logger is the process-wide leveled log used by every kistra
// package. It wraps slog's text handler behind printf-style helpers so call
// sites stay one line, and lets main redirect the stream to a file after
// flag parsing without touching the call sites.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	levelVar slog.LevelVar

	mu      sync.RWMutex
	current *slog.Logger = textLogger(os.Stdout)
)

func textLogger(w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: &levelVar}))
}

// SetOutput redirects all subsequent log lines to w. Safe to call while
// other goroutines are logging.
func SetOutput(w io.Writer) {
	mu.Lock()
	current = textLogger(w)
	mu.Unlock()
}

// SetLevel sets the threshold from its config spelling. Unknown values fall
// back to info.
func SetLevel(level string) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		levelVar.Set(slog.LevelDebug)
	case "warn", "warning":
		levelVar.Set(slog.LevelWarn)
	case "error":
		levelVar.Set(slog.LevelError)
	default:
		levelVar.Set(slog.LevelInfo)
	}
}

func active() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

func Debugf(format string, v ...any) { active().Debug(fmt.Sprintf(format, v...)) }
func Infof(format string, v ...any)  { active().Info(fmt.Sprintf(format, v...)) }
func Warnf(format string, v ...any)  { active().Warn(fmt.Sprintf(format, v...)) }
func Errorf(format string, v ...any) { active().Error(fmt.Sprintf(format, v...)) }
