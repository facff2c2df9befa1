// Package daemon orchestrates all the components of the schoolfront web frontend.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/al-bashkir/schoolfront/internal/backend"
	"github.com/al-bashkir/schoolfront/internal/config"
	"github.com/al-bashkir/schoolfront/internal/httpserver"
	"github.com/al-bashkir/schoolfront/internal/metrics"
	"github.com/al-bashkir/schoolfront/internal/session"
)

const shutdownTimeout = 30 * time.Second

// Daemon represents the main process that coordinates all components.
type Daemon struct {
	cfg        *config.Config
	clients    *backend.Clients
	metrics    *metrics.Metrics
	profiles   *session.ProfileCache
	flows      *session.FlowStore
	httpServer *httpserver.Server
}

// New creates a new daemon with all components initialized.
func New(cfg *config.Config, version string) (*Daemon, error) {
	// OIDC discovery happens here for the identity-provider variant
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	clients, err := backend.NewClients(ctx, cfg, m.ObserveBackend)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize backend: %w", err)
	}

	slog.Info("backend initialized",
		"kind", cfg.Backend.Kind,
		"base_url", cfg.Backend.BaseURL,
	)

	profileTTL := time.Duration(cfg.Auth.ProfileCacheTTL) * time.Second
	profiles := session.NewProfileCache(profileTTL, m)

	d := &Daemon{
		cfg:      cfg,
		clients:  clients,
		metrics:  m,
		profiles: profiles,
	}

	deps := httpserver.Deps{
		Auth:      clients.Auth,
		Requester: clients.Requester,
		Profiles:  profiles,
		Metrics:   m,
		Registry:  registry,
		Version:   version,
	}

	if sso := clients.SSO(cfg); sso != nil {
		flowTimeout := time.Duration(cfg.Auth.SSOFlowTimeout) * time.Second
		d.flows = session.NewFlowStore(flowTimeout, m)
		deps.SSO = sso
		deps.Flows = d.flows

		slog.Info("single sign-on enabled",
			"issuer", cfg.OIDC.Issuer,
			"client_id", cfg.OIDC.ClientID,
			"flow_timeout", flowTimeout,
		)
	}

	httpServer, err := httpserver.NewServer(cfg, deps)
	if err != nil {
		d.stopBackground()
		return nil, fmt.Errorf("failed to initialize HTTP server: %w", err)
	}
	d.httpServer = httpServer

	slog.Info("HTTP server initialized",
		"listen", cfg.Listen.HTTP,
		"tls", cfg.TLS.Enabled,
		"profile_cache_ttl", profileTTL,
	)

	return d, nil
}

// Run starts all daemon components and blocks until a shutdown signal is received.
func (d *Daemon) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return d.run(ctx)
}

// run serves until ctx is done or the HTTP server fails.
func (d *Daemon) run(ctx context.Context) error {
	slog.Info("starting schoolfront")

	// Start HTTP server in a goroutine (it blocks on ListenAndServe)
	httpErrCh := make(chan error, 1)
	go func() {
		if err := d.httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- err
		}
		close(httpErrCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-httpErrCh:
		if err != nil {
			slog.Error("HTTP server failed to start", "error", err)
			_ = d.httpServer.Shutdown(context.Background())
			d.stopBackground()
			return fmt.Errorf("HTTP server failed: %w", err)
		}
	}

	// Shutdown gracefully
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := d.httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("error stopping HTTP server", "error", err)
	}

	d.stopBackground()

	slog.Info("daemon shutdown complete")
	return nil
}

// stopBackground stops the cleanup goroutines of the cache and flow store.
func (d *Daemon) stopBackground() {
	d.profiles.Stop()
	if d.flows != nil {
		d.flows.Stop()
	}
}
