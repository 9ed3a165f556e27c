package taskengine

import (
	"sync/atomic"

	"github.com/rs/zerolog"
)

// LogSubscriber logs every event at a level appropriate to its type,
// adapted from the teacher's daemon.LogSubscriber.
type LogSubscriber struct {
	log zerolog.Logger
}

func NewLogSubscriber(log zerolog.Logger) *LogSubscriber {
	return &LogSubscriber{log: log}
}

func (l *LogSubscriber) Handle(e Event) {
	switch p := e.Payload.(type) {
	case TickPayload:
		l.log.Debug().Str("event", e.Type.String()).Int("live_scans", p.LiveScans).Dur("duration", p.Duration).Msg("reconciliation tick")
	case ScanTerminalPayload:
		l.log.Info().Str("event", e.Type.String()).Str("scan_id", p.ScanID).Str("state", string(p.State)).Msg("scan reached terminal state")
	case PluginSessionEventPayload:
		level := l.log.Debug()
		if e.Type == EventPluginSessionFailedLocally {
			level = l.log.Warn()
		}
		level.Str("event", e.Type.String()).Str("scan_id", p.ScanID).Str("plugin_session_id", p.PluginSessionID).Str("state", p.State).Str("reason", p.Reason).Msg("plugin session event")
	default:
		l.log.Debug().Str("event", e.Type.String()).Msg("event")
	}
}

// MetricsSubscriber accumulates simple counters with atomics, adapted from
// the teacher's daemon.MetricsSubscriber.
type MetricsSubscriber struct {
	Ticks               int64
	ScansFinished        int64
	ScansFailed          int64
	ScansStopped         int64
	PluginSessionsFailedLocally int64
}

func NewMetricsSubscriber() *MetricsSubscriber {
	return &MetricsSubscriber{}
}

func (m *MetricsSubscriber) Handle(e Event) {
	switch e.Type {
	case EventTickEnd:
		atomic.AddInt64(&m.Ticks, 1)
	case EventScanTerminal:
		p := e.Payload.(ScanTerminalPayload)
		switch p.State {
		case StateFinished:
			atomic.AddInt64(&m.ScansFinished, 1)
		case StateFailed:
			atomic.AddInt64(&m.ScansFailed, 1)
		case StateStopped:
			atomic.AddInt64(&m.ScansStopped, 1)
		}
	case EventPluginSessionFailedLocally:
		atomic.AddInt64(&m.PluginSessionsFailedLocally, 1)
	}
}

// Snapshot returns a point-in-time copy of the counters, served by the
// Task Engine's /metrics endpoint.
func (m *MetricsSubscriber) Snapshot() map[string]int64 {
	return map[string]int64{
		"ticks":                          atomic.LoadInt64(&m.Ticks),
		"scans_finished":                 atomic.LoadInt64(&m.ScansFinished),
		"scans_failed":                   atomic.LoadInt64(&m.ScansFailed),
		"scans_stopped":                  atomic.LoadInt64(&m.ScansStopped),
		"plugin_sessions_failed_locally": atomic.LoadInt64(&m.PluginSessionsFailedLocally),
	}
}
