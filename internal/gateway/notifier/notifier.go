package notifier

import (
	"fmt"
	"sort"
	"strings"

	"kistra/internal/logger"
)

type Severity string

const (
	SeverityInfo    Severity = "INFO"
	SeverityWarning Severity = "WARNING"
	SeverityError   Severity = "ERROR"
)

// Event is one structured operator notification.
type Event struct {
	Severity Severity
	Kind     string
	Payload  map[string]any
}

// Notifier delivers operator-facing events. It is intentionally small so
// components can depend on it without importing concrete implementations.
type Notifier interface {
	Notify(evt Event)
}

// Format renders an event as a single human-readable message.
func Format(evt Event) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("[%s] %s", evt.Severity, evt.Kind))
	if len(evt.Payload) > 0 {
		keys := make([]string, 0, len(evt.Payload))
		for k := range evt.Payload {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteString(fmt.Sprintf("\n%s: %v", k, evt.Payload[k]))
		}
	}
	return b.String()
}

// LogNotifier writes events to the process log. Used in DRY_RUN and as the
// fallback when telegram is not configured.
type LogNotifier struct{}

func (LogNotifier) Notify(evt Event) {
	msg := strings.ReplaceAll(Format(evt), "\n", " ")
	switch evt.Severity {
	case SeverityError:
		logger.Errorf("notify: %s", msg)
	case SeverityWarning:
		logger.Warnf("notify: %s", msg)
	default:
		logger.Infof("notify: %s", msg)
	}
}

var _ Notifier = LogNotifier{}
