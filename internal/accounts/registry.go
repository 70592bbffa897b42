// Package accounts owns the set of configured accounts, persisted
// through the credential store.
package accounts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/pagewatch/pagewatch/internal/credstore"
	"github.com/pagewatch/pagewatch/internal/domain"
)

var (
	ErrAccountExists   = errors.New("account already exists")
	ErrAccountNotFound = errors.New("account not found")
)

// legacyAccountID is the deterministic id assigned to the account
// synthesized from a pre-multi-account credential. A fixed id keeps the
// migration convergent if it is interrupted and re-run.
const legacyAccountID = "default"

// Registry is the authoritative account list. The list is loaded once
// at construction and every mutation is persisted to the store before
// it becomes visible.
type Registry struct {
	store credstore.Store

	mu       sync.RWMutex
	accounts []domain.Account
}

// NewRegistry loads the persisted account list. A store with no list
// yields an empty registry.
func NewRegistry(ctx context.Context, store credstore.Store) (*Registry, error) {
	r := &Registry{store: store}

	raw, err := store.Get(ctx, credstore.KeyAccounts)
	if err != nil {
		if errors.Is(err, credstore.ErrNotFound) {
			return r, nil
		}
		return nil, fmt.Errorf("load account list: %w", err)
	}

	if err := json.Unmarshal([]byte(raw), &r.accounts); err != nil {
		return nil, fmt.Errorf("parse account list: %w", err)
	}
	return r, nil
}

// List returns a copy of all accounts.
func (r *Registry) List() []domain.Account {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Account, len(r.accounts))
	copy(out, r.accounts)
	return out
}

// Enabled returns a copy of the enabled accounts.
func (r *Registry) Enabled() []domain.Account {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Account, 0, len(r.accounts))
	for _, acc := range r.accounts {
		if acc.Enabled {
			out = append(out, acc)
		}
	}
	return out
}

// Get returns one account by id.
func (r *Registry) Get(id string) (domain.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, acc := range r.accounts {
		if acc.ID == id {
			return acc, nil
		}
	}
	return domain.Account{}, ErrAccountNotFound
}

// Add stores the account's token and appends it to the persisted list.
// An empty id is assigned a generated one. The token is written first;
// if persisting the list fails the token is removed again so no orphan
// credential is left behind.
func (r *Registry) Add(ctx context.Context, account domain.Account, token string) (domain.Account, error) {
	if account.ID == "" {
		account.ID = uuid.NewString()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, acc := range r.accounts {
		if acc.ID == account.ID {
			return domain.Account{}, ErrAccountExists
		}
	}

	if err := r.store.Set(ctx, credstore.TokenKey(account.ID), token); err != nil {
		return domain.Account{}, fmt.Errorf("store token: %w", err)
	}

	next := append(append([]domain.Account{}, r.accounts...), account)
	if err := r.persist(ctx, next); err != nil {
		if delErr := r.store.Delete(ctx, credstore.TokenKey(account.ID)); delErr != nil {
			slog.Error("failed to roll back token after list write failure",
				"account_id", account.ID,
				"error", delErr,
			)
		}
		return domain.Account{}, err
	}

	r.accounts = next
	slog.Info("account added",
		"account_id", account.ID,
		"provider_type", account.ProviderType,
	)
	return account, nil
}

// Update replaces the stored account with the same id.
func (r *Registry) Update(ctx context.Context, account domain.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := -1
	for i, acc := range r.accounts {
		if acc.ID == account.ID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrAccountNotFound
	}

	next := make([]domain.Account, len(r.accounts))
	copy(next, r.accounts)
	next[idx] = account

	if err := r.persist(ctx, next); err != nil {
		return err
	}
	r.accounts = next
	return nil
}

// SetEnabled flips the enabled flag for an account.
func (r *Registry) SetEnabled(ctx context.Context, id string, enabled bool) error {
	acc, err := r.Get(id)
	if err != nil {
		return err
	}
	acc.Enabled = enabled
	return r.Update(ctx, acc)
}

// Remove deletes the account's credential and drops it from the list.
// The credential goes first: a half-removed account must not keep a
// usable token around.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := -1
	for i, acc := range r.accounts {
		if acc.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrAccountNotFound
	}

	if err := r.store.Delete(ctx, credstore.TokenKey(id)); err != nil {
		return fmt.Errorf("delete token: %w", err)
	}

	next := append(append([]domain.Account{}, r.accounts[:idx]...), r.accounts[idx+1:]...)
	if err := r.persist(ctx, next); err != nil {
		return err
	}

	r.accounts = next
	slog.Info("account removed", "account_id", id)
	return nil
}

// MigrateLegacy converts a pre-multi-account single token into a
// default account, once. It is a no-op when an account list already
// exists or no legacy token is present, so re-running it cannot
// duplicate or lose credentials.
func (r *Registry) MigrateLegacy(ctx context.Context) ([]domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.store.Get(ctx, credstore.KeyAccounts); err == nil {
		return r.copyLocked(), nil
	} else if !errors.Is(err, credstore.ErrNotFound) {
		return nil, fmt.Errorf("check account list: %w", err)
	}

	token, err := r.store.Get(ctx, credstore.KeyLegacyToken)
	if err != nil {
		if errors.Is(err, credstore.ErrNotFound) {
			return r.copyLocked(), nil
		}
		return nil, fmt.Errorf("read legacy token: %w", err)
	}

	account := domain.Account{
		ID:           legacyAccountID,
		Name:         "PagerDuty",
		ProviderType: domain.ProviderTypePagerDuty,
		Enabled:      true,
	}

	if err := r.store.Set(ctx, credstore.TokenKey(account.ID), token); err != nil {
		return nil, fmt.Errorf("move legacy token: %w", err)
	}
	if err := r.persist(ctx, []domain.Account{account}); err != nil {
		return nil, err
	}
	if err := r.store.Delete(ctx, credstore.KeyLegacyToken); err != nil {
		return nil, fmt.Errorf("delete legacy token: %w", err)
	}

	r.accounts = []domain.Account{account}
	slog.Info("migrated legacy credential to default account", "account_id", account.ID)
	return r.copyLocked(), nil
}

func (r *Registry) persist(ctx context.Context, accounts []domain.Account) error {
	raw, err := json.Marshal(accounts)
	if err != nil {
		return fmt.Errorf("marshal account list: %w", err)
	}
	if err := r.store.Set(ctx, credstore.KeyAccounts, string(raw)); err != nil {
		return fmt.Errorf("persist account list: %w", err)
	}
	return nil
}

func (r *Registry) copyLocked() []domain.Account {
	out := make([]domain.Account, len(r.accounts))
	copy(out, r.accounts)
	return out
}
