// Package poller drives the polling cycle: it fans out to every
// enabled account concurrently, runs change detection on each result,
// merges the snapshots into one aggregate summary and publishes it.
package poller

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pagewatch/pagewatch/internal/accounts"
	"github.com/pagewatch/pagewatch/internal/detect"
	"github.com/pagewatch/pagewatch/internal/domain"
	"github.com/pagewatch/pagewatch/internal/pkg/metrics"
	"github.com/pagewatch/pagewatch/internal/provider"
	"github.com/pagewatch/pagewatch/internal/sink"
)

// Config contains orchestrator configuration.
type Config struct {
	// PollInterval is the periodic cycle interval.
	PollInterval time.Duration
	// MinRefreshInterval throttles manual refreshes, measured from the
	// last cycle's start regardless of its outcome.
	MinRefreshInterval time.Duration
	// FetchTimeout bounds one account's fetch within a cycle.
	FetchTimeout time.Duration
	// Backoff controls the global failure cooldown.
	Backoff BackoffConfig
}

// DefaultConfig returns default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval:       60 * time.Second,
		MinRefreshInterval: 10 * time.Second,
		FetchTimeout:       30 * time.Second,
		Backoff:            DefaultBackoffConfig(),
	}
}

// ClientFactory builds a provider client for one account. The
// orchestrator creates clients lazily and keeps them for the account's
// lifetime so cached user identifiers survive across cycles.
type ClientFactory func(account domain.Account) (provider.Client, error)

// SummaryFunc receives every published cycle result.
type SummaryFunc func(*domain.AggregateSummary)

// EventFunc receives change events as they are emitted.
type EventFunc func(domain.Event)

type trigger int

const (
	triggerTimer trigger = iota
	triggerManual
)

// accountRuntime is the per-account mutable state owned exclusively by
// the orchestrator: the provider client and the change-detection
// baseline. It is looked up by account id and never shared across
// concurrent fetches for different accounts.
type accountRuntime struct {
	client provider.Client
	state  domain.ChangeState
}

// Orchestrator owns the polling lifecycle and the consumer-facing API.
type Orchestrator struct {
	cfg      Config
	registry *accounts.Registry
	factory  ClientFactory
	sinks    []sink.Sink
	logger   *slog.Logger
	now      func() time.Time

	mu             sync.Mutex
	runtime        map[string]*accountRuntime
	subscribers    []SummaryFunc
	eventSubs      []EventFunc
	lastSummary    *domain.AggregateSummary
	lastCycleStart time.Time
	backoff        *backoff

	refreshCh chan struct{}
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// Option tweaks orchestrator construction.
type Option func(*Orchestrator)

// WithClock replaces the orchestrator's clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithLogger sets the orchestrator's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// New creates an orchestrator. The factory builds one provider client
// per account; sinks receive every emitted event.
func New(cfg Config, registry *accounts.Registry, factory ClientFactory, sinks []sink.Sink, opts ...Option) *Orchestrator {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MinRefreshInterval <= 0 {
		cfg.MinRefreshInterval = def.MinRefreshInterval
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = def.FetchTimeout
	}

	o := &Orchestrator{
		cfg:       cfg,
		registry:  registry,
		factory:   factory,
		sinks:     sinks,
		logger:    slog.Default(),
		now:       time.Now,
		runtime:   make(map[string]*accountRuntime),
		backoff:   newBackoff(cfg.Backoff),
		refreshCh: make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start launches the cycle loop. The first cycle runs immediately.
func (o *Orchestrator) Start(ctx context.Context) {
	o.logger.Info("starting poller",
		"poll_interval", o.cfg.PollInterval,
		"min_refresh_interval", o.cfg.MinRefreshInterval,
	)

	o.wg.Add(1)
	go o.run(ctx)
}

// Stop gracefully stops the cycle loop and waits for it to exit.
func (o *Orchestrator) Stop() {
	close(o.stopCh)
	o.wg.Wait()
	o.logger.Info("poller stopped")
}

func (o *Orchestrator) run(ctx context.Context) {
	defer o.wg.Done()

	o.runCycle(ctx, triggerTimer)

	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.runCycle(ctx, triggerTimer)
		case <-o.refreshCh:
			o.runCycle(ctx, triggerManual)
		}
	}
}

// Subscribe registers a callback for every published summary.
func (o *Orchestrator) Subscribe(fn SummaryFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.subscribers = append(o.subscribers, fn)
}

// OnEvent registers a callback for change events.
func (o *Orchestrator) OnEvent(fn EventFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.eventSubs = append(o.eventSubs, fn)
}

// TriggerRefresh requests a manual cycle. The request is dropped if one
// is already queued; throttling against MinRefreshInterval happens when
// the cycle runs.
func (o *Orchestrator) TriggerRefresh() {
	select {
	case o.refreshCh <- struct{}{}:
	default:
	}
}

// Summary returns the last published aggregate, or nil before the first
// cycle completes.
func (o *Orchestrator) Summary() *domain.AggregateSummary {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastSummary
}

// Accounts lists all configured accounts.
func (o *Orchestrator) Accounts() []domain.Account {
	return o.registry.List()
}

// AddAccount creates an account with its token and schedules a refresh
// so the new account shows up without waiting for the next tick.
func (o *Orchestrator) AddAccount(ctx context.Context, name string, providerType domain.ProviderType, token string) (domain.Account, error) {
	account, err := o.registry.Add(ctx, domain.Account{
		Name:         name,
		ProviderType: providerType,
		Enabled:      true,
	}, token)
	if err != nil {
		return domain.Account{}, err
	}

	o.TriggerRefresh()
	return account, nil
}

// RemoveAccount deletes the account, its credential and its
// change-detection state. Re-adding the account starts from a fresh
// baseline.
func (o *Orchestrator) RemoveAccount(ctx context.Context, id string) error {
	if err := o.registry.Remove(ctx, id); err != nil {
		return err
	}

	o.mu.Lock()
	delete(o.runtime, id)
	o.mu.Unlock()
	return nil
}

// UpdateAccount renames or re-flags an existing account.
func (o *Orchestrator) UpdateAccount(ctx context.Context, account domain.Account) error {
	return o.registry.Update(ctx, account)
}

// SetEnabled flips polling for one account. Disabling keeps the
// account's baseline so re-enabling does not replay old alerts.
func (o *Orchestrator) SetEnabled(ctx context.Context, id string, enabled bool) error {
	return o.registry.SetEnabled(ctx, id, enabled)
}

// AcknowledgeIncident acknowledges an incident through the owning
// account's client. Local state is untouched; the next cycle observes
// the provider-side result.
func (o *Orchestrator) AcknowledgeIncident(ctx context.Context, accountID, incidentID string) error {
	rt, err := o.runtimeFor(accountID)
	if err != nil {
		return err
	}
	return rt.client.Acknowledge(ctx, incidentID)
}

// TestConnection verifies the account's credential against the
// provider.
func (o *Orchestrator) TestConnection(ctx context.Context, accountID string) bool {
	rt, err := o.runtimeFor(accountID)
	if err != nil {
		return false
	}
	return rt.client.TestConnection(ctx)
}

// runtimeFor returns the per-account runtime, creating the client on
// first use.
func (o *Orchestrator) runtimeFor(accountID string) (*accountRuntime, error) {
	account, err := o.registry.Get(accountID)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if rt, ok := o.runtime[account.ID]; ok {
		return rt, nil
	}

	client, err := o.factory(account)
	if err != nil {
		return nil, err
	}
	rt := &accountRuntime{client: client}
	o.runtime[account.ID] = rt
	return rt, nil
}

type fetchResult struct {
	account domain.Account
	snap    *domain.AccountSnapshot
	err     error
}

// runCycle executes one full cycle: gate checks, concurrent fan-out,
// change detection, aggregation and publication. Cycles are serialized
// by the run loop; only one executes at a time.
func (o *Orchestrator) runCycle(ctx context.Context, trig trigger) {
	start := o.now()

	o.mu.Lock()
	if o.backoff.active(start) {
		o.mu.Unlock()
		o.logger.Debug("cycle skipped, in backoff cooldown")
		metrics.PollCycles.WithLabelValues("skipped_backoff").Inc()
		return
	}
	metrics.BackoffActive.Set(0)

	if trig == triggerManual && !o.lastCycleStart.IsZero() && start.Sub(o.lastCycleStart) < o.cfg.MinRefreshInterval {
		o.mu.Unlock()
		o.logger.Debug("manual refresh throttled")
		metrics.PollCycles.WithLabelValues("throttled").Inc()
		return
	}
	o.lastCycleStart = start
	o.mu.Unlock()

	enabled := o.registry.Enabled()
	if len(enabled) == 0 {
		summary := &domain.AggregateSummary{
			GeneratedAt:        start,
			Incidents:          []domain.Incident{},
			PerAccount:         map[string]*domain.AccountSnapshot{},
			ConfigurationEmpty: true,
		}
		o.publish(summary)
		metrics.PollCycles.WithLabelValues("empty").Inc()
		return
	}

	results := o.fanOut(ctx, enabled)
	summary, firstErr := o.aggregate(ctx, start, results)

	o.mu.Lock()
	if firstErr != nil {
		o.backoff.recordFailure(o.now())
	} else {
		o.backoff.recordSuccess()
	}
	metrics.ConsecutiveFailures.Set(float64(o.backoff.failures))
	if !o.backoff.until.IsZero() {
		metrics.BackoffActive.Set(1)
	}
	summary.Degraded = firstErr != nil || !o.backoff.until.IsZero()
	o.mu.Unlock()

	o.publish(summary)

	outcome := "success"
	if firstErr != nil {
		outcome = "error"
		o.logger.Warn("cycle completed with errors",
			"error", firstErr,
			"accounts", len(enabled),
		)
	}
	metrics.PollCycles.WithLabelValues(outcome).Inc()
	metrics.PollCycleDuration.Observe(o.now().Sub(start).Seconds())
}

// fanOut fetches every enabled account concurrently and waits for all
// of them. There is no early cancellation: a slow account is bounded by
// the fetch timeout, not by its siblings.
func (o *Orchestrator) fanOut(ctx context.Context, enabled []domain.Account) []fetchResult {
	results := make([]fetchResult, len(enabled))

	var wg sync.WaitGroup
	for i, account := range enabled {
		rt, err := o.runtimeFor(account.ID)
		if err != nil {
			results[i] = fetchResult{account: account, err: err}
			continue
		}

		wg.Add(1)
		go func(i int, account domain.Account, client provider.Client) {
			defer wg.Done()

			fetchCtx, cancel := context.WithTimeout(ctx, o.cfg.FetchTimeout)
			defer cancel()

			snap, err := client.FetchSnapshot(fetchCtx)
			results[i] = fetchResult{account: account, snap: snap, err: err}
		}(i, account, rt.client)
	}
	wg.Wait()

	return results
}

// aggregate runs change detection per account and merges the successful
// snapshots. Failures are contained to their account: the first error
// becomes the cycle's reported error, the rest are logged and dropped.
func (o *Orchestrator) aggregate(ctx context.Context, start time.Time, results []fetchResult) (*domain.AggregateSummary, error) {
	summary := &domain.AggregateSummary{
		GeneratedAt: start,
		Incidents:   []domain.Incident{},
		PerAccount:  make(map[string]*domain.AccountSnapshot, len(results)),
	}

	var firstErr error
	for _, res := range results {
		if res.err != nil {
			// Failed fetch: the account's baseline stays untouched.
			o.logger.Warn("account fetch failed",
				"account_id", res.account.ID,
				"error", res.err,
			)
			metrics.FetchErrors.WithLabelValues(res.account.ID, string(provider.KindOf(res.err))).Inc()
			if firstErr == nil {
				firstErr = res.err
			}
			continue
		}

		o.mu.Lock()
		rt, ok := o.runtime[res.account.ID]
		if !ok {
			// Account was removed while its fetch was in flight.
			o.mu.Unlock()
			continue
		}
		state, events := detect.Apply(rt.state, res.snap)
		rt.state = state
		o.mu.Unlock()

		// All of the cycle's events go out before the snapshot counts
		// as published.
		for _, event := range events {
			o.emit(ctx, event)
		}

		o.merge(summary, res.snap)
	}

	sort.Slice(summary.Incidents, func(i, j int) bool {
		a, b := summary.Incidents[i], summary.Incidents[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	if firstErr != nil {
		summary.LastError = firstErr.Error()
	}
	return summary, firstErr
}

func (o *Orchestrator) merge(summary *domain.AggregateSummary, snap *domain.AccountSnapshot) {
	summary.TotalAlerts += snap.TotalAlerts
	summary.AcknowledgedCount += snap.AcknowledgedCount
	summary.UnacknowledgedCount += snap.UnacknowledgedCount
	summary.IsOnCall = summary.IsOnCall || snap.IsOnCall
	summary.Incidents = append(summary.Incidents, snap.Incidents...)
	summary.PerAccount[snap.AccountID] = snap

	if snap.NextOnCallShift != nil {
		if summary.NextOnCallShift == nil || snap.NextOnCallShift.Before(*summary.NextOnCallShift) {
			next := *snap.NextOnCallShift
			summary.NextOnCallShift = &next
		}
	}
}

// emit forwards one event to every sink and event subscriber. Sink
// failures are logged and never fail the cycle.
func (o *Orchestrator) emit(ctx context.Context, event domain.Event) {
	metrics.EventsEmitted.WithLabelValues(string(event.Type)).Inc()

	for _, s := range o.sinks {
		if err := s.Deliver(ctx, event); err != nil {
			o.logger.Error("event delivery failed",
				"type", event.Type,
				"account_id", event.AccountID,
				"error", err,
			)
		}
	}

	o.mu.Lock()
	subs := make([]EventFunc, len(o.eventSubs))
	copy(subs, o.eventSubs)
	o.mu.Unlock()

	for _, fn := range subs {
		fn(event)
	}
}

// publish makes the fully built summary the current one and notifies
// subscribers. Subscribers never observe a partially merged summary.
func (o *Orchestrator) publish(summary *domain.AggregateSummary) {
	o.mu.Lock()
	o.lastSummary = summary
	subs := make([]SummaryFunc, len(o.subscribers))
	copy(subs, o.subscribers)
	o.mu.Unlock()

	for _, fn := range subs {
		fn(summary)
	}
}
