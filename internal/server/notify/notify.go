// Package notify defines the alerting sink consumed from the notification
// collaborator, plus a logging implementation used by default.
package notify

import (
	"context"
	"time"

	"github.com/dmitrijs2005/docuvault/internal/logging"
)

// EventType enumerates the structured events the pipeline emits.
type EventType string

const (
	EventCriticalChange    EventType = "critical_change"
	EventVirusDetected     EventType = "virus_detected"
	EventQuarantineRelease EventType = "quarantine_release"
	EventScanFailed        EventType = "scan_failed"
)

// Event is a structured alert.
type Event struct {
	Type      EventType
	FileID    string
	Actor     string
	Detail    map[string]string
	Timestamp time.Time
}

// Sink accepts events. Implementations must not block the caller for long;
// delivery failures are the sink's problem, not the pipeline's.
type Sink interface {
	Notify(ctx context.Context, e Event)
}

// LogSink writes events to the structured log. It is the default sink when
// no external alerting collaborator is wired in.
type LogSink struct {
	logger logging.Logger
}

func NewLogSink(logger logging.Logger) *LogSink {
	return &LogSink{logger: logger.With("component", "notify")}
}

func (s *LogSink) Notify(ctx context.Context, e Event) {
	args := []any{"event", string(e.Type), "file_id", e.FileID, "actor", e.Actor}
	for k, v := range e.Detail {
		args = append(args, k, v)
	}
	if e.Type == EventVirusDetected {
		s.logger.Warn(ctx, "alert", args...)
		return
	}
	s.logger.Info(ctx, "alert", args...)
}
