// Package httpapi exposes the aggregator's consumer interface over a
// local HTTP control plane.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/pagewatch/pagewatch/internal/accounts"
	"github.com/pagewatch/pagewatch/internal/domain"
	"github.com/pagewatch/pagewatch/internal/pkg/httputil"
	"github.com/pagewatch/pagewatch/internal/provider"
)

// Service is the consumer-facing surface of the orchestrator.
type Service interface {
	Summary() *domain.AggregateSummary
	TriggerRefresh()
	Accounts() []domain.Account
	AddAccount(ctx context.Context, name string, providerType domain.ProviderType, token string) (domain.Account, error)
	UpdateAccount(ctx context.Context, account domain.Account) error
	RemoveAccount(ctx context.Context, id string) error
	SetEnabled(ctx context.Context, id string, enabled bool) error
	AcknowledgeIncident(ctx context.Context, accountID, incidentID string) error
	TestConnection(ctx context.Context, accountID string) bool
}

// Handler serves the control-plane API.
type Handler struct {
	service  Service
	validate *validator.Validate
}

// NewHandler creates a new API handler.
func NewHandler(service Service) *Handler {
	return &Handler{
		service:  service,
		validate: validator.New(),
	}
}

// RegisterRoutes mounts the API under the given router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/summary", h.GetSummary)
	r.Post("/refresh", h.TriggerRefresh)

	r.Route("/accounts", func(r chi.Router) {
		r.Get("/", h.ListAccounts)
		r.Post("/", h.AddAccount)
		r.Route("/{accountID}", func(r chi.Router) {
			r.Patch("/", h.UpdateAccount)
			r.Delete("/", h.RemoveAccount)
			r.Post("/test", h.TestConnection)
			r.Post("/incidents/{incidentID}/ack", h.AcknowledgeIncident)
		})
	})
}

// GetSummary returns the last published aggregate.
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	summary := h.service.Summary()
	if summary == nil {
		httputil.Error(w, http.StatusServiceUnavailable, "no cycle completed yet")
		return
	}
	httputil.Success(w, http.StatusOK, summary)
}

// TriggerRefresh requests a manual cycle. The request is accepted even
// when it ends up throttled or dropped.
func (h *Handler) TriggerRefresh(w http.ResponseWriter, r *http.Request) {
	h.service.TriggerRefresh()
	httputil.JSON(w, http.StatusAccepted, map[string]string{"status": "refresh requested"})
}

// ListAccounts returns all configured accounts.
func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	httputil.Success(w, http.StatusOK, h.service.Accounts())
}

type addAccountRequest struct {
	Name         string `json:"name" validate:"required,max=128"`
	ProviderType string `json:"provider_type" validate:"required"`
	Token        string `json:"token" validate:"required"`
}

// AddAccount creates an account from name, provider type and token.
func (h *Handler) AddAccount(w http.ResponseWriter, r *http.Request) {
	var req addAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}
	if !knownProviderType(req.ProviderType) {
		httputil.Error(w, http.StatusBadRequest, "unknown provider type: "+req.ProviderType)
		return
	}

	account, err := h.service.AddAccount(r.Context(), req.Name, domain.ProviderType(req.ProviderType), req.Token)
	if err != nil {
		h.handleError(r.Context(), w, err)
		return
	}
	httputil.Success(w, http.StatusCreated, account)
}

type updateAccountRequest struct {
	Name    *string `json:"name,omitempty" validate:"omitempty,min=1,max=128"`
	Enabled *bool   `json:"enabled,omitempty"`
}

// UpdateAccount renames and/or enables/disables an account.
func (h *Handler) UpdateAccount(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")

	var req updateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}
	if req.Name == nil && req.Enabled == nil {
		httputil.Error(w, http.StatusBadRequest, "nothing to update")
		return
	}

	account, err := h.findAccount(accountID)
	if err != nil {
		h.handleError(r.Context(), w, err)
		return
	}
	if req.Name != nil {
		account.Name = *req.Name
	}
	if req.Enabled != nil {
		account.Enabled = *req.Enabled
	}

	if err := h.service.UpdateAccount(r.Context(), account); err != nil {
		h.handleError(r.Context(), w, err)
		return
	}
	httputil.Success(w, http.StatusOK, account)
}

// RemoveAccount deletes an account, its credential and its change state.
func (h *Handler) RemoveAccount(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")

	if err := h.service.RemoveAccount(r.Context(), accountID); err != nil {
		h.handleError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TestConnection verifies the account's credential.
func (h *Handler) TestConnection(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")

	if _, err := h.findAccount(accountID); err != nil {
		h.handleError(r.Context(), w, err)
		return
	}

	ok := h.service.TestConnection(r.Context(), accountID)
	httputil.Success(w, http.StatusOK, map[string]bool{"ok": ok})
}

// AcknowledgeIncident acknowledges one incident through its account.
func (h *Handler) AcknowledgeIncident(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	incidentID := chi.URLParam(r, "incidentID")

	if err := h.service.AcknowledgeIncident(r.Context(), accountID, incidentID); err != nil {
		h.handleError(r.Context(), w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

func (h *Handler) findAccount(id string) (domain.Account, error) {
	for _, account := range h.service.Accounts() {
		if account.ID == id {
			return account, nil
		}
	}
	return domain.Account{}, accounts.ErrAccountNotFound
}

// handleError maps domain and provider errors to HTTP responses.
func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, err error) {
	var apiErr *provider.APIError
	if errors.As(err, &apiErr) {
		status := http.StatusBadGateway
		switch apiErr.Kind {
		case provider.ErrNoCredential:
			status = http.StatusConflict
		case provider.ErrUnauthorized:
			status = http.StatusBadGateway
		case provider.ErrRateLimited:
			status = http.StatusTooManyRequests
		}
		httputil.Error(w, status, apiErr.Error())
		return
	}

	httputil.HandleError(ctx, w, err, []httputil.ErrorMapping{
		{Error: accounts.ErrAccountNotFound, Status: http.StatusNotFound},
		{Error: accounts.ErrAccountExists, Status: http.StatusConflict},
	})
}

func knownProviderType(t string) bool {
	for _, known := range provider.Types() {
		if string(known) == t {
			return true
		}
	}
	return false
}
