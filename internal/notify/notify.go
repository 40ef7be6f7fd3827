package notify

import (
	"sort"
	"strings"
	"time"

	"converge/internal/logger"
)

// Event kinds emitted by the core. Formatting and delivery live behind Sink
// implementations; the core only states what happened.
const (
	KindRegimeChange    = "regime_change"
	KindReconcileFail   = "reconciliation_failure"
	KindEmergency       = "emergency_derisk"
	KindCycleSummary    = "cycle_summary"
	KindBrokerRejection = "broker_rejection"
	KindLeggingHedge    = "legging_hedge"
)

// Event is one structured telemetry record.
type Event struct {
	Kind   string
	At     time.Time
	Fields map[string]any
}

// Sink receives events. Implementations must be safe for concurrent use and
// must never block the trading path for long.
type Sink interface {
	Publish(ev Event)
}

// LogSink writes events to the process log. It is the default sink and the
// fallback when no external sink is configured.
type LogSink struct{}

func (LogSink) Publish(ev Event) {
	keys := make([]string, 0, len(ev.Fields))
	for k := range ev.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(" ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(toString(ev.Fields[k]))
	}
	logger.Infof("event kind=%s%s", ev.Kind, b.String())
}

// Multi fans one event out to several sinks.
type Multi []Sink

func (m Multi) Publish(ev Event) {
	for _, s := range m {
		if s != nil {
			s.Publish(ev)
		}
	}
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case time.Time:
		return t.Format(time.RFC3339)
	default:
		return strings.TrimSpace(strings.ReplaceAll(sprintAny(v), "\n", " "))
	}
}
