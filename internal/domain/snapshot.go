package domain

import "time"

// OncallWindow is a time range during which a user is on call. A nil
// Start means the window has always been active, a nil End means it
// never expires. Windows are not retained beyond a single fetch cycle.
type OncallWindow struct {
	Start   *time.Time
	End     *time.Time
	OwnerID string
}

// Active reports whether the window covers the given instant
// (start <= now < end).
func (w OncallWindow) Active(now time.Time) bool {
	if w.Start != nil && now.Before(*w.Start) {
		return false
	}
	if w.End != nil && !now.Before(*w.End) {
		return false
	}
	return true
}

// AccountSnapshot is the result of one successful fetch for one account.
// It is ephemeral and overwritten each cycle.
type AccountSnapshot struct {
	AccountID           string     `json:"account_id"`
	AccountName         string     `json:"account_name"`
	TotalAlerts         int        `json:"total_alerts"`
	AcknowledgedCount   int        `json:"acknowledged_count"`
	UnacknowledgedCount int        `json:"unacknowledged_count"`
	IsOnCall            bool       `json:"is_on_call"`
	NextOnCallShift     *time.Time `json:"next_on_call_shift,omitempty"`
	Incidents           []Incident `json:"incidents"`
}

// AggregateSummary is the merged view across all enabled accounts for
// one cycle. TotalAlerts always equals AcknowledgedCount +
// UnacknowledgedCount; IsOnCall is true iff at least one account
// reports true.
type AggregateSummary struct {
	GeneratedAt         time.Time                   `json:"generated_at"`
	TotalAlerts         int                         `json:"total_alerts"`
	AcknowledgedCount   int                         `json:"acknowledged_count"`
	UnacknowledgedCount int                         `json:"unacknowledged_count"`
	IsOnCall            bool                        `json:"is_on_call"`
	NextOnCallShift     *time.Time                  `json:"next_on_call_shift,omitempty"`
	Incidents           []Incident                  `json:"incidents"`
	PerAccount          map[string]*AccountSnapshot `json:"per_account"`
	ConfigurationEmpty  bool                        `json:"configuration_empty"`
	Degraded            bool                        `json:"degraded"`
	LastError           string                      `json:"last_error,omitempty"`
}
