package domain

// ChangeState is the per-account baseline used to compute deltas on the
// next cycle. It lives in memory only: created on the first successful
// fetch, reset when the account is removed and re-added.
type ChangeState struct {
	PreviousStatus         map[string]IncidentStatus
	PreviousOnCall         bool
	HasCompletedFirstFetch bool
}
