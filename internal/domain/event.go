package domain

type EventType string

const (
	EventTypeNewAlert      EventType = "new_alert"
	EventTypeStatusChanged EventType = "status_changed"
	EventTypeAlertCleared  EventType = "alert_cleared"
	EventTypeOnCallStarted EventType = "oncall_started"
	EventTypeOnCallEnded   EventType = "oncall_ended"
)

// Event is a discrete change detected between two cycles of one account.
// Incident is set for new_alert and status_changed; IncidentID alone is
// set for alert_cleared (the incident body is no longer available from
// the provider). From/To are set for status_changed.
type Event struct {
	Type       EventType      `json:"type"`
	AccountID  string         `json:"account_id"`
	Incident   *Incident      `json:"incident,omitempty"`
	IncidentID string         `json:"incident_id,omitempty"`
	From       IncidentStatus `json:"from,omitempty"`
	To         IncidentStatus `json:"to,omitempty"`
}
