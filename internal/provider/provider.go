// Package provider defines the per-account client surface an
// incident-management provider adapter must satisfy, and a constructor
// registry keyed by provider type. Adding a provider is a new package
// plus one Register call from its init.
package provider

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/pagewatch/pagewatch/internal/credstore"
	"github.com/pagewatch/pagewatch/internal/domain"
)

// Client talks to one account's provider API. Implementations are
// stateless except for a cached provider-side user identifier, and must
// be safe for use by one fetch at a time.
type Client interface {
	// FetchSnapshot resolves the account's open incidents and on-call
	// windows into a snapshot. Fails with an *APIError.
	FetchSnapshot(ctx context.Context) (*domain.AccountSnapshot, error)

	// Acknowledge marks an incident acknowledged on the provider side.
	// The caller must re-fetch to observe the result; no local state is
	// updated here.
	Acknowledge(ctx context.Context, incidentID string) error

	// TestConnection exercises the user-identity fetch only, with no
	// side effects on cached state.
	TestConnection(ctx context.Context) bool
}

// Config carries everything a client constructor needs.
type Config struct {
	Account    domain.Account
	Tokens     credstore.Store
	BaseURL    string        // empty selects the provider's default
	HTTPClient *http.Client  // nil selects a default client
	Timeout    time.Duration // per-request timeout for the default client
	RateLimit  float64       // requests per second, 0 means unlimited
}

// Constructor builds a Client for one account.
type Constructor func(Config) (Client, error)

var (
	mu           sync.RWMutex
	constructors = make(map[domain.ProviderType]Constructor)
)

// Register adds a provider constructor. Registering the same type twice
// is a programming error.
func Register(t domain.ProviderType, c Constructor) {
	mu.Lock()
	defer mu.Unlock()

	if _, exists := constructors[t]; exists {
		panic(fmt.Sprintf("provider: %q registered twice", t))
	}
	constructors[t] = c
}

// New builds a client for the account's provider type.
func New(t domain.ProviderType, cfg Config) (Client, error) {
	mu.RLock()
	constructor, ok := constructors[t]
	mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("provider: unknown provider type %q", t)
	}
	return constructor(cfg)
}

// Types lists registered provider types, sorted.
func Types() []domain.ProviderType {
	mu.RLock()
	defer mu.RUnlock()

	out := make([]domain.ProviderType, 0, len(constructors))
	for t := range constructors {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
