package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagewatch/pagewatch/internal/domain"
)

func newAlertEvent() domain.Event {
	return domain.Event{
		Type:      domain.EventTypeNewAlert,
		AccountID: "acc-1",
		Incident: &domain.Incident{
			ID:          "I1",
			Title:       "DB down",
			Urgency:     "high",
			ServiceName: "Postgres",
			Status:      domain.IncidentStatusTriggered,
			AccountID:   "acc-1",
		},
	}
}

func newTestSink(t *testing.T, handler http.HandlerFunc) *Sink {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	s, err := New(Config{URL: server.URL})
	require.NoError(t, err)
	return s
}

func TestNew_RequiresURL(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "URL is required")
}

func TestDeliver_PayloadContents(t *testing.T) {
	var payload webhookPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, &payload))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	s, err := New(Config{
		URL:     server.URL,
		IconURL: "https://example.com/icon.png",
	})
	require.NoError(t, err)

	require.NoError(t, s.Deliver(context.Background(), newAlertEvent()))

	assert.Equal(t, "New alert: DB down [high] on Postgres", payload.Text)
	assert.Equal(t, defaultUsername, payload.Username)
	assert.Equal(t, "https://example.com/icon.png", payload.IconURL)
}

func TestDeliver_NoContentIsSuccess(t *testing.T) {
	s := newTestSink(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	assert.NoError(t, s.Deliver(context.Background(), newAlertEvent()))
}

func TestDeliver_ErrorClassification(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		wantRetryable bool
	}{
		{name: "unauthorized is permanent", status: http.StatusUnauthorized, wantRetryable: false},
		{name: "forbidden is permanent", status: http.StatusForbidden, wantRetryable: false},
		{name: "not found is permanent", status: http.StatusNotFound, wantRetryable: false},
		{name: "bad request is permanent", status: http.StatusBadRequest, wantRetryable: false},
		{name: "too many requests is retryable", status: http.StatusTooManyRequests, wantRetryable: true},
		{name: "internal error is retryable", status: http.StatusInternalServerError, wantRetryable: true},
		{name: "bad gateway is retryable", status: http.StatusBadGateway, wantRetryable: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSink(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			})

			err := s.Deliver(context.Background(), newAlertEvent())
			require.Error(t, err)

			type retryable interface{ IsRetryable() bool }
			r, ok := err.(retryable)
			require.True(t, ok, "error must carry retryability")
			assert.Equal(t, tt.wantRetryable, r.IsRetryable())
		})
	}
}

func TestDeliver_TransportFailureIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	s, err := New(Config{URL: server.URL, Timeout: time.Second})
	require.NoError(t, err)
	server.Close()

	err = s.Deliver(context.Background(), newAlertEvent())
	require.Error(t, err)

	var retryErr *RetryableError
	assert.ErrorAs(t, err, &retryErr)
}

func TestMaskURL(t *testing.T) {
	long := "https://hooks.example.com/services/T000/B000/supersecretwebhooktoken"
	masked := maskURL(long)
	assert.NotEqual(t, long, masked)
	assert.Contains(t, masked, "...")

	short := "https://x.test/hook"
	assert.Equal(t, short, maskURL(short))
}
