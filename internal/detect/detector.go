// Package detect computes change events between consecutive snapshots
// of one account.
package detect

import (
	"github.com/pagewatch/pagewatch/internal/domain"
)

// Apply diffs a new snapshot against the previous baseline and returns
// the updated baseline plus the events the transition produced. It is a
// pure function: neither argument is mutated.
//
// The first successful fetch for an account records the baseline and
// emits nothing, so pre-existing incidents do not flood notifications
// on cold start or right after an account is added.
func Apply(prev domain.ChangeState, snap *domain.AccountSnapshot) (domain.ChangeState, []domain.Event) {
	next := domain.ChangeState{
		PreviousStatus:         make(map[string]domain.IncidentStatus, len(snap.Incidents)),
		PreviousOnCall:         snap.IsOnCall,
		HasCompletedFirstFetch: true,
	}
	for _, inc := range snap.Incidents {
		next.PreviousStatus[inc.ID] = inc.Status
	}

	if !prev.HasCompletedFirstFetch {
		return next, nil
	}

	var events []domain.Event

	for i := range snap.Incidents {
		inc := snap.Incidents[i]
		old, seen := prev.PreviousStatus[inc.ID]
		switch {
		case !seen:
			events = append(events, domain.Event{
				Type:      domain.EventTypeNewAlert,
				AccountID: snap.AccountID,
				Incident:  &snap.Incidents[i],
			})
		case old != inc.Status:
			events = append(events, domain.Event{
				Type:      domain.EventTypeStatusChanged,
				AccountID: snap.AccountID,
				Incident:  &snap.Incidents[i],
				From:      old,
				To:        inc.Status,
			})
		}
	}

	for id := range prev.PreviousStatus {
		if _, still := next.PreviousStatus[id]; !still {
			events = append(events, domain.Event{
				Type:       domain.EventTypeAlertCleared,
				AccountID:  snap.AccountID,
				IncidentID: id,
			})
		}
	}

	if snap.IsOnCall != prev.PreviousOnCall {
		eventType := domain.EventTypeOnCallEnded
		if snap.IsOnCall {
			eventType = domain.EventTypeOnCallStarted
		}
		events = append(events, domain.Event{
			Type:      eventType,
			AccountID: snap.AccountID,
		})
	}

	return next, events
}
