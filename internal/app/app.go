// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pagewatch/pagewatch/internal/accounts"
	"github.com/pagewatch/pagewatch/internal/config"
	"github.com/pagewatch/pagewatch/internal/credstore"
	credfile "github.com/pagewatch/pagewatch/internal/credstore/file"
	"github.com/pagewatch/pagewatch/internal/domain"
	"github.com/pagewatch/pagewatch/internal/httpapi"
	"github.com/pagewatch/pagewatch/internal/pkg/httputil"
	"github.com/pagewatch/pagewatch/internal/poller"
	"github.com/pagewatch/pagewatch/internal/provider"
	"github.com/pagewatch/pagewatch/internal/sink"
	"github.com/pagewatch/pagewatch/internal/sink/webhook"
	"github.com/pagewatch/pagewatch/internal/version"

	// Registers the PagerDuty provider constructor.
	_ "github.com/pagewatch/pagewatch/internal/provider/pagerduty"
)

// App represents the application instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	orchestrator  *poller.Orchestrator
	orchCancel    context.CancelFunc
	server        *http.Server
	metricsServer *http.Server
}

// New creates a new application instance: credential store, account
// registry (with legacy migration), orchestrator, sinks and HTTP
// servers.
func New(cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Log)
	slog.SetDefault(logger)

	key, err := cfg.Credentials.DecodeKey()
	if err != nil {
		return nil, err
	}
	store, err := credfile.New(credfile.Config{
		Path: cfg.Credentials.Path,
		Key:  key,
	})
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}

	setupCtx, setupCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer setupCancel()

	registry, err := accounts.NewRegistry(setupCtx, store)
	if err != nil {
		return nil, fmt.Errorf("load account registry: %w", err)
	}
	migrated, err := registry.MigrateLegacy(setupCtx)
	if err != nil {
		return nil, fmt.Errorf("migrate legacy account: %w", err)
	}
	logger.Info("account registry ready", "accounts", len(migrated))

	sinks := []sink.Sink{sink.NewLogSink(logger)}
	if cfg.Webhook.Enabled {
		webhookSink, err := webhook.New(webhook.Config{
			URL:       cfg.Webhook.URL,
			Username:  cfg.Webhook.Username,
			IconURL:   cfg.Webhook.IconURL,
			RateLimit: cfg.Webhook.RateLimit,
		})
		if err != nil {
			return nil, fmt.Errorf("create webhook sink: %w", err)
		}
		sinks = append(sinks, webhookSink)
	}

	orchestrator := poller.New(
		poller.Config{
			PollInterval:       cfg.Poll.Interval,
			MinRefreshInterval: cfg.Poll.MinRefreshInterval,
			FetchTimeout:       cfg.Poll.FetchTimeout,
			Backoff: poller.BackoffConfig{
				Base:      cfg.Poll.Backoff.Base,
				Cap:       cfg.Poll.Backoff.Cap,
				Threshold: cfg.Poll.Backoff.Threshold,
			},
		},
		registry,
		clientFactory(cfg, store),
		sinks,
		poller.WithLogger(logger),
	)

	app := &App{
		config:       cfg,
		logger:       logger,
		orchestrator: orchestrator,
	}

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           app.setupRouter(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	// Metrics server on separate port
	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	app.metricsServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return app, nil
}

// clientFactory builds provider clients wired to the shared credential
// store and the configured API parameters.
func clientFactory(cfg *config.Config, store credstore.Store) poller.ClientFactory {
	return func(account domain.Account) (provider.Client, error) {
		return provider.New(account.ProviderType, provider.Config{
			Account:   account,
			Tokens:    store,
			BaseURL:   cfg.Provider.BaseURL,
			Timeout:   cfg.Provider.RequestTimeout,
			RateLimit: cfg.Provider.RateLimit,
		})
	}
}

// Run starts the orchestrator and the HTTP servers.
func (a *App) Run() error {
	orchCtx, orchCancel := context.WithCancel(context.Background())
	a.orchCancel = orchCancel
	a.orchestrator.Start(orchCtx)

	// Start metrics server in background
	go func() {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	// Start main server
	a.logger.Info("starting server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
	)

	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the application.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	// Stop the poller first so no cycle publishes mid-shutdown.
	if a.orchCancel != nil {
		a.orchCancel()
	}
	a.orchestrator.Stop()

	// Shutdown both servers in parallel
	var wg sync.WaitGroup
	var errs []error
	var mu sync.Mutex

	wg.Add(2)

	go func() {
		defer wg.Done()
		if err := a.server.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown server: %w", err))
			mu.Unlock()
		}
	}()

	go func() {
		defer wg.Done()
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown metrics server: %w", err))
			mu.Unlock()
		}
	}()

	wg.Wait()

	return errors.Join(errs...)
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

// Orchestrator returns the orchestrator instance for in-process
// consumers that want callbacks instead of HTTP.
func (a *App) Orchestrator() *poller.Orchestrator {
	return a.orchestrator
}

func (a *App) setupRouter() *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	apiHandler := httpapi.NewHandler(a.orchestrator)
	r.Route("/api/v1", func(r chi.Router) {
		apiHandler.RegisterRoutes(r)
	})

	return r
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, _ *http.Request) {
	// Ready once the first cycle has published.
	if a.orchestrator.Summary() == nil {
		httputil.Text(w, http.StatusServiceUnavailable, "No cycle completed yet")
		return
	}
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string]string{
		"version":    version.Version,
		"commit":     version.GitCommit,
		"build_date": version.BuildDate,
	})
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
