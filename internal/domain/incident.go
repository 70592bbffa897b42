package domain

import "time"

type IncidentStatus string

const (
	IncidentStatusTriggered    IncidentStatus = "triggered"
	IncidentStatusAcknowledged IncidentStatus = "acknowledged"
	IncidentStatusResolved     IncidentStatus = "resolved"
)

// Incident is a single unit of on-call work as reported by a provider.
// AccountID is stamped by the account client after fetch; providers never
// supply it. A value is immutable once produced for a fetch cycle.
type Incident struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Status      IncidentStatus `json:"status"`
	Urgency     string         `json:"urgency"`
	ServiceName string         `json:"service_name"`
	CreatedAt   time.Time      `json:"created_at"`
	AccountID   string         `json:"account_id"`
}
