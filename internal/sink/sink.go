// Package sink delivers change events to user-facing notification
// targets.
package sink

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pagewatch/pagewatch/internal/domain"
)

// Sink receives every change event as it is emitted. Delivery failures
// are reported to the caller but never block or fail a poll cycle.
type Sink interface {
	Deliver(ctx context.Context, event domain.Event) error
}

// EventText renders an event as a single human-readable line, shared by
// every sink that speaks plain text.
func EventText(event domain.Event) string {
	switch event.Type {
	case domain.EventTypeNewAlert:
		return fmt.Sprintf("New alert: %s [%s] on %s", event.Incident.Title, event.Incident.Urgency, event.Incident.ServiceName)
	case domain.EventTypeStatusChanged:
		return fmt.Sprintf("Alert %s is now %s: %s", event.Incident.ID, event.To, event.Incident.Title)
	case domain.EventTypeAlertCleared:
		return fmt.Sprintf("Alert %s cleared", event.IncidentID)
	case domain.EventTypeOnCallStarted:
		return "You are now on call"
	case domain.EventTypeOnCallEnded:
		return "You are no longer on call"
	}
	return string(event.Type)
}

// LogSink writes events as structured log lines. It is always wired so
// every emitted event leaves a trace even with no webhook configured.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a log sink. A nil logger falls back to the default.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Deliver(_ context.Context, event domain.Event) error {
	attrs := []any{
		"type", event.Type,
		"account_id", event.AccountID,
	}
	if event.Incident != nil {
		attrs = append(attrs, "incident_id", event.Incident.ID, "status", event.Incident.Status)
	} else if event.IncidentID != "" {
		attrs = append(attrs, "incident_id", event.IncidentID)
	}

	s.logger.Info("change event", attrs...)
	return nil
}
