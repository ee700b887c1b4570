// Package gateway assembles the authentication gateway's HTTP surface:
// identity resolution, session coordination, the authorization guard, the
// interactive login flow, and the operational endpoints.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/quillcms/authgate/pkg/auth"
	"github.com/quillcms/authgate/pkg/auth/flow"
	"github.com/quillcms/authgate/pkg/auth/registry"
	"github.com/quillcms/authgate/pkg/auth/session"
	"github.com/quillcms/authgate/pkg/authz"
	"github.com/quillcms/authgate/pkg/config"
	"github.com/quillcms/authgate/pkg/logger"
	"github.com/quillcms/authgate/pkg/telemetry"
)

const (
	middlewareTimeout = 60 * time.Second
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// components holds everything the router mounts.
type components struct {
	opts       *config.Options
	verifier   *auth.Verifier
	store      *session.Store
	controller *flow.Controller
	guard      *authz.Guard
	metrics    *telemetry.Metrics
}

// build wires the gateway components from configuration. The session store
// must be closed by the caller.
func build(ctx context.Context, opts *config.Options, policyPath string) (*components, error) {
	keys, err := auth.NewKeyProvider(opts.Keys)
	if err != nil {
		return nil, err
	}

	metrics := telemetry.NewMetrics()

	reg, err := registry.New(opts, registry.WithMetrics(metrics))
	if err != nil {
		return nil, err
	}

	verifier, err := auth.NewVerifier(ctx, opts, keys, reg)
	if err != nil {
		return nil, err
	}

	store := session.NewStore(session.WithMaxLifetime(opts.SessionTTL))
	controller := flow.NewController(opts, reg, store, flow.WithMetrics(metrics))

	c := &components{
		opts:       opts,
		verifier:   verifier,
		store:      store,
		controller: controller,
		metrics:    metrics,
	}

	if policyPath != "" {
		policy, err := authz.LoadPolicy(policyPath)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		c.guard = authz.NewGuard(policy, opts.RoleClaim, authz.WithMetrics(metrics))
	}

	// In single-tenant mode the issuer is fixed; discover it now so a
	// misconfigured deployment fails at startup instead of per-request.
	if !opts.Multitenant() {
		if _, err := reg.GetOrCreate(ctx, "", ""); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("startup discovery failed: %w", err)
		}
	}

	return c, nil
}

// router builds the full middleware chain and route table. Identity
// resolution runs first, then the session coordinator, then the guard; the
// flow endpoints are mounted both at the root and under the tenant prefix.
func (c *components) router() chi.Router {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		middleware.Timeout(middlewareTimeout),
	)

	r.Use(auth.Middleware(c.verifier, c.opts))
	r.Use(session.Coordinator(c.store, c.controller))
	if c.guard != nil {
		r.Use(c.guard.Middleware)
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Handle("/metrics", c.metrics.Handler())

	r.Group(c.controller.Mount)
	r.Route("/{tenantId}/{channelType}", c.controller.Mount)

	return r
}

// Serve runs the gateway until the context is cancelled. The caller is
// expected to set up signal handling on the context.
func Serve(ctx context.Context, address string, opts *config.Options, policyPath string) error {
	c, err := build(ctx, opts, policyPath)
	if err != nil {
		return err
	}
	defer func() { _ = c.store.Close() }()

	srv := &http.Server{
		BaseContext:       func(net.Listener) context.Context { return ctx },
		Addr:              address,
		Handler:           c.router(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}

	logger.Infow("gateway listening",
		"address", address,
		"multitenant", opts.Multitenant(),
		"guard", c.guard != nil,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server stopped with error: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	logger.Info("gateway stopped")
	return nil
}
