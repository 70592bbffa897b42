package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagewatch/pagewatch/internal/accounts"
	"github.com/pagewatch/pagewatch/internal/domain"
	"github.com/pagewatch/pagewatch/internal/provider"

	_ "github.com/pagewatch/pagewatch/internal/provider/pagerduty"
)

// mockService records calls and returns canned values.
type mockService struct {
	summary      *domain.AggregateSummary
	accounts     []domain.Account
	refreshCalls int

	addErr      error
	updateErr   error
	removeErr   error
	enabledErr  error
	ackErr      error
	testOK      bool
	lastAckedID string
	lastRemoved string
	lastUpdated domain.Account
}

func (m *mockService) Summary() *domain.AggregateSummary { return m.summary }
func (m *mockService) TriggerRefresh()                   { m.refreshCalls++ }
func (m *mockService) Accounts() []domain.Account        { return m.accounts }

func (m *mockService) AddAccount(_ context.Context, name string, pt domain.ProviderType, _ string) (domain.Account, error) {
	if m.addErr != nil {
		return domain.Account{}, m.addErr
	}
	return domain.Account{ID: "new-id", Name: name, ProviderType: pt, Enabled: true}, nil
}

func (m *mockService) UpdateAccount(_ context.Context, account domain.Account) error {
	m.lastUpdated = account
	return m.updateErr
}

func (m *mockService) RemoveAccount(_ context.Context, id string) error {
	m.lastRemoved = id
	return m.removeErr
}

func (m *mockService) SetEnabled(_ context.Context, _ string, _ bool) error {
	return m.enabledErr
}

func (m *mockService) AcknowledgeIncident(_ context.Context, _, incidentID string) error {
	m.lastAckedID = incidentID
	return m.ackErr
}

func (m *mockService) TestConnection(_ context.Context, _ string) bool { return m.testOK }

func serve(t *testing.T, service Service, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	router := chi.NewRouter()
	NewHandler(service).RegisterRoutes(router)

	var reqBody *strings.Reader
	if body == "" {
		reqBody = strings.NewReader("")
	} else {
		reqBody = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reqBody)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestGetSummary(t *testing.T) {
	service := &mockService{
		summary: &domain.AggregateSummary{
			GeneratedAt: time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC),
			TotalAlerts: 2,
		},
	}

	rec := serve(t, service, http.MethodGet, "/summary", "")

	assert.Equal(t, http.StatusOK, rec.Code)

	var envelope struct {
		Data domain.AggregateSummary `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, 2, envelope.Data.TotalAlerts)
}

func TestGetSummary_NoCycleYet(t *testing.T) {
	rec := serve(t, &mockService{}, http.MethodGet, "/summary", "")

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "no cycle completed yet")
}

func TestTriggerRefresh(t *testing.T) {
	service := &mockService{}
	rec := serve(t, service, http.MethodPost, "/refresh", "")

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, service.refreshCalls)
}

func TestAddAccount(t *testing.T) {
	body := `{"name":"Primary","provider_type":"pagerduty","token":"tok-1"}`
	rec := serve(t, &mockService{}, http.MethodPost, "/accounts/", body)

	assert.Equal(t, http.StatusCreated, rec.Code)

	var envelope struct {
		Data domain.Account `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, "new-id", envelope.Data.ID)
	assert.Equal(t, "Primary", envelope.Data.Name)
	assert.NotContains(t, rec.Body.String(), "tok-1", "token never echoed back")
}

func TestAddAccount_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "missing name", body: `{"provider_type":"pagerduty","token":"t"}`},
		{name: "missing token", body: `{"name":"x","provider_type":"pagerduty"}`},
		{name: "malformed json", body: `{`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(t, &mockService{}, http.MethodPost, "/accounts/", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestAddAccount_UnknownProviderType(t *testing.T) {
	body := `{"name":"x","provider_type":"carrier-pigeon","token":"t"}`
	rec := serve(t, &mockService{}, http.MethodPost, "/accounts/", body)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "unknown provider type")
}

func TestAddAccount_Duplicate(t *testing.T) {
	service := &mockService{addErr: accounts.ErrAccountExists}
	body := `{"name":"x","provider_type":"pagerduty","token":"t"}`
	rec := serve(t, service, http.MethodPost, "/accounts/", body)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestUpdateAccount(t *testing.T) {
	service := &mockService{
		accounts: []domain.Account{{ID: "acc-1", Name: "Old", ProviderType: domain.ProviderTypePagerDuty, Enabled: true}},
	}

	rec := serve(t, service, http.MethodPatch, "/accounts/acc-1/", `{"name":"New","enabled":false}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "New", service.lastUpdated.Name)
	assert.False(t, service.lastUpdated.Enabled)
}

func TestUpdateAccount_NothingToUpdate(t *testing.T) {
	service := &mockService{
		accounts: []domain.Account{{ID: "acc-1", Name: "Old"}},
	}

	rec := serve(t, service, http.MethodPatch, "/accounts/acc-1/", `{}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "nothing to update")
}

func TestUpdateAccount_NotFound(t *testing.T) {
	rec := serve(t, &mockService{}, http.MethodPatch, "/accounts/missing/", `{"name":"x"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRemoveAccount(t *testing.T) {
	service := &mockService{}
	rec := serve(t, service, http.MethodDelete, "/accounts/acc-1/", "")

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "acc-1", service.lastRemoved)
}

func TestRemoveAccount_NotFound(t *testing.T) {
	service := &mockService{removeErr: accounts.ErrAccountNotFound}
	rec := serve(t, service, http.MethodDelete, "/accounts/missing/", "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTestConnection(t *testing.T) {
	service := &mockService{
		accounts: []domain.Account{{ID: "acc-1"}},
		testOK:   true,
	}

	rec := serve(t, service, http.MethodPost, "/accounts/acc-1/test", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok":true`)
}

func TestTestConnection_UnknownAccount(t *testing.T) {
	rec := serve(t, &mockService{}, http.MethodPost, "/accounts/missing/test", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAcknowledgeIncident(t *testing.T) {
	service := &mockService{}
	rec := serve(t, service, http.MethodPost, "/accounts/acc-1/incidents/I1/ack", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "I1", service.lastAckedID)
}

func TestAcknowledgeIncident_ProviderErrors(t *testing.T) {
	tests := []struct {
		name       string
		kind       provider.ErrorKind
		wantStatus int
	}{
		{name: "no credential", kind: provider.ErrNoCredential, wantStatus: http.StatusConflict},
		{name: "rate limited", kind: provider.ErrRateLimited, wantStatus: http.StatusTooManyRequests},
		{name: "unauthorized", kind: provider.ErrUnauthorized, wantStatus: http.StatusBadGateway},
		{name: "server error", kind: provider.ErrServerError, wantStatus: http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service := &mockService{ackErr: &provider.APIError{Kind: tt.kind, Message: "boom"}}
			rec := serve(t, service, http.MethodPost, "/accounts/acc-1/incidents/I1/ack", "")

			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestListAccounts(t *testing.T) {
	service := &mockService{
		accounts: []domain.Account{
			{ID: "acc-1", Name: "Primary"},
			{ID: "acc-2", Name: "Secondary"},
		},
	}

	rec := serve(t, service, http.MethodGet, "/accounts/", "")

	assert.Equal(t, http.StatusOK, rec.Code)

	var envelope struct {
		Data []domain.Account `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.Len(t, envelope.Data, 2)
	assert.Equal(t, "Primary", envelope.Data[0].Name)
}
