package domain

// ProviderType identifies the incident-management provider an account
// connects to.
type ProviderType string

const (
	ProviderTypePagerDuty ProviderType = "pagerduty"
)

// Account is one configured connection to an on-call provider. Its API
// token lives in the credential store under the account id, never here.
type Account struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	ProviderType ProviderType `json:"provider_type"`
	Enabled      bool         `json:"enabled"`
}
