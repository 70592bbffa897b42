// Package pagerduty implements the provider client for the PagerDuty
// REST API.
package pagerduty

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/pagewatch/pagewatch/internal/credstore"
	"github.com/pagewatch/pagewatch/internal/domain"
	"github.com/pagewatch/pagewatch/internal/provider"
)

const (
	defaultBaseURL = "https://api.pagerduty.com"
	defaultTimeout = 10 * time.Second

	// incidentPageLimit caps one incident fetch; accounts with more
	// open incidents than this see the most recent page only.
	incidentPageLimit = 100

	// oncallLookahead is the horizon for on-call window queries.
	oncallLookahead = 30 * 24 * time.Hour
)

func init() {
	provider.Register(domain.ProviderTypePagerDuty, New)
}

// Client is a per-account PagerDuty adapter. It caches the account's
// provider-side user id after the first lookup and holds no other
// state; it never retries failed requests.
type Client struct {
	account    domain.Account
	tokens     credstore.Store
	httpClient *http.Client
	baseURL    string
	limiter    *rate.Limiter
	now        func() time.Time

	mu     sync.Mutex
	userID string
}

// New creates a PagerDuty client from provider config.
func New(cfg provider.Config) (provider.Client, error) {
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("pagerduty: token store is required")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}

	return &Client{
		account:    cfg.Account,
		tokens:     cfg.Tokens,
		httpClient: httpClient,
		baseURL:    baseURL,
		limiter:    rate.NewLimiter(limit, 1),
		now:        time.Now,
	}, nil
}

// FetchSnapshot fetches the account's open incidents and on-call
// windows and folds them into a snapshot. Every incident is stamped
// with this account's id.
func (c *Client) FetchSnapshot(ctx context.Context) (*domain.AccountSnapshot, error) {
	userID, err := c.currentUserID(ctx)
	if err != nil {
		return nil, err
	}

	incidents, err := c.fetchIncidents(ctx, userID)
	if err != nil {
		return nil, err
	}

	windows, err := c.fetchOncallWindows(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := c.now()
	snap := &domain.AccountSnapshot{
		AccountID:   c.account.ID,
		AccountName: c.account.Name,
		Incidents:   incidents,
		TotalAlerts: len(incidents),
	}

	for _, inc := range incidents {
		if inc.Status == domain.IncidentStatusAcknowledged {
			snap.AcknowledgedCount++
		} else {
			snap.UnacknowledgedCount++
		}
	}

	for _, w := range windows {
		if w.Active(now) {
			snap.IsOnCall = true
			continue
		}
		if w.Start != nil && w.Start.After(now) {
			if snap.NextOnCallShift == nil || w.Start.Before(*snap.NextOnCallShift) {
				start := *w.Start
				snap.NextOnCallShift = &start
			}
		}
	}

	return snap, nil
}

// Acknowledge marks the incident acknowledged on the provider side.
func (c *Client) Acknowledge(ctx context.Context, incidentID string) error {
	body, err := json.Marshal(acknowledgeRequest{
		Incident: incidentReference{
			Type:   "incident_reference",
			Status: string(domain.IncidentStatusAcknowledged),
		},
	})
	if err != nil {
		return &provider.APIError{Kind: provider.ErrAcknowledgmentFailed, Err: err}
	}

	resp, err := c.do(ctx, http.MethodPut, "/incidents/"+url.PathEscape(incidentID), bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if apiErr := classifyStatus(resp.StatusCode); apiErr != nil {
			return apiErr
		}
		return &provider.APIError{
			Kind:       provider.ErrAcknowledgmentFailed,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("acknowledge incident %s", incidentID),
		}
	}

	slog.Debug("incident acknowledged",
		"account_id", c.account.ID,
		"incident_id", incidentID,
	)
	return nil
}

// TestConnection exercises the user-identity endpoint without touching
// the cached user id.
func (c *Client) TestConnection(ctx context.Context) bool {
	_, err := c.fetchUserID(ctx)
	return err == nil
}

// currentUserID resolves and caches the provider-side user id.
func (c *Client) currentUserID(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.userID != "" {
		return c.userID, nil
	}

	id, err := c.fetchUserID(ctx)
	if err != nil {
		return "", err
	}
	c.userID = id
	return id, nil
}

func (c *Client) fetchUserID(ctx context.Context) (string, error) {
	var out userResponse
	if err := c.get(ctx, "/users/me", nil, &out); err != nil {
		return "", err
	}
	if out.User.ID == "" {
		return "", &provider.APIError{Kind: provider.ErrMalformedResponse, Message: "user response missing id"}
	}
	return out.User.ID, nil
}

func (c *Client) fetchIncidents(ctx context.Context, userID string) ([]domain.Incident, error) {
	query := url.Values{}
	query.Add("statuses[]", string(domain.IncidentStatusTriggered))
	query.Add("statuses[]", string(domain.IncidentStatusAcknowledged))
	query.Set("limit", strconv.Itoa(incidentPageLimit))
	query.Set("sort_by", "created_at:desc")
	query.Add("user_ids[]", userID)

	var out incidentsResponse
	if err := c.get(ctx, "/incidents", query, &out); err != nil {
		return nil, err
	}

	incidents := make([]domain.Incident, 0, len(out.Incidents))
	for _, wi := range out.Incidents {
		incidents = append(incidents, domain.Incident{
			ID:          wi.ID,
			Title:       wi.Title,
			Status:      domain.IncidentStatus(wi.Status),
			Urgency:     wi.Urgency,
			ServiceName: wi.Service.Summary,
			CreatedAt:   wi.CreatedAt,
			AccountID:   c.account.ID,
		})
	}
	return incidents, nil
}

func (c *Client) fetchOncallWindows(ctx context.Context, userID string) ([]domain.OncallWindow, error) {
	now := c.now()
	query := url.Values{}
	query.Add("include[]", "users")
	query.Add("include[]", "schedules")
	query.Set("since", now.Format(time.RFC3339))
	query.Set("until", now.Add(oncallLookahead).Format(time.RFC3339))
	query.Add("user_ids[]", userID)

	var out oncallsResponse
	if err := c.get(ctx, "/oncalls", query, &out); err != nil {
		return nil, err
	}

	windows := make([]domain.OncallWindow, 0, len(out.Oncalls))
	for _, wo := range out.Oncalls {
		windows = append(windows, domain.OncallWindow{
			Start:   wo.Start,
			End:     wo.End,
			OwnerID: wo.User.ID,
		})
	}
	return windows, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, target any) error {
	reqPath := path
	if len(query) > 0 {
		reqPath += "?" + query.Encode()
	}

	resp, err := c.do(ctx, http.MethodGet, reqPath, nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if apiErr := classifyStatus(resp.StatusCode); apiErr != nil {
		return apiErr
	}
	if resp.StatusCode != http.StatusOK {
		return &provider.APIError{
			Kind:       provider.ErrServerError,
			StatusCode: resp.StatusCode,
			Message:    "unexpected status",
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return &provider.APIError{Kind: provider.ErrMalformedResponse, Err: err}
	}
	return nil
}

// do resolves the account token, applies the rate limiter and executes
// one request. The token is read from the store on every call so a
// rotated credential takes effect without restarting the client.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	token, err := c.tokens.Get(ctx, credstore.TokenKey(c.account.ID))
	if err != nil {
		if errors.Is(err, credstore.ErrNotFound) {
			return nil, &provider.APIError{Kind: provider.ErrNoCredential, Message: "no token for account " + c.account.ID}
		}
		return nil, &provider.APIError{Kind: provider.ErrNoCredential, Err: err}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &provider.APIError{Kind: provider.ErrNetworkError, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, &provider.APIError{Kind: provider.ErrNetworkError, Err: err}
	}
	req.Header.Set("Authorization", "Token token="+token)
	req.Header.Set("Accept", "application/vnd.pagerduty+json;version=2")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &provider.APIError{Kind: provider.ErrNetworkError, Err: err}
	}
	return resp, nil
}

// classifyStatus maps a transport status to the error taxonomy.
// Returns nil for statuses the caller handles itself.
func classifyStatus(status int) *provider.APIError {
	switch {
	case status == http.StatusUnauthorized:
		return &provider.APIError{Kind: provider.ErrUnauthorized, StatusCode: status, Message: "invalid or expired token"}
	case status == http.StatusTooManyRequests:
		return &provider.APIError{Kind: provider.ErrRateLimited, StatusCode: status, Message: "rate limited"}
	case status >= 500:
		return &provider.APIError{Kind: provider.ErrServerError, StatusCode: status, Message: "server error"}
	}
	return nil
}

type userResponse struct {
	User struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"user"`
}

type incidentsResponse struct {
	Incidents []wireIncident `json:"incidents"`
}

type wireIncident struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Status  string `json:"status"`
	Urgency string `json:"urgency"`
	Service struct {
		Summary string `json:"summary"`
	} `json:"service"`
	CreatedAt time.Time `json:"created_at"`
}

type oncallsResponse struct {
	Oncalls []wireOncall `json:"oncalls"`
}

type wireOncall struct {
	Start *time.Time `json:"start"`
	End   *time.Time `json:"end"`
	User  struct {
		ID string `json:"id"`
	} `json:"user"`
}

type acknowledgeRequest struct {
	Incident incidentReference `json:"incident"`
}

type incidentReference struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}
