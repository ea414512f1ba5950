// Package main is the entry point for the quota service API.
//
// It loads configuration, wires the quota store (PostgreSQL, or in-memory
// for local mode), builds the HTTP server with the core chassis, and starts
// listening. The entitlement reconcile loop runs alongside the server when
// enabled. Graceful shutdown is handled via OS signal interception.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/justice-rest/the-romy/internal/api/handlers"
	"github.com/justice-rest/the-romy/internal/config"
	"github.com/justice-rest/the-romy/internal/core"
	"github.com/justice-rest/the-romy/internal/db"
	"github.com/justice-rest/the-romy/internal/entitlement"
	"github.com/justice-rest/the-romy/internal/external"
	"github.com/justice-rest/the-romy/internal/quota"
	"github.com/justice-rest/the-romy/internal/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on
// error.
func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("quota service starting",
		"environment", cfg.Environment,
		"service", cfg.Service,
		"port", cfg.Server.Port,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Stripe price IDs map to tiers via configuration.
	priceMap, err := cfg.Billing.PriceMap()
	if err != nil {
		return fmt.Errorf("loading price map: %w", err)
	}
	for price, tier := range priceMap {
		external.PriceToTier[price] = tier
	}

	// Quota store: PostgreSQL when a DATABASE_URL is set, in-memory
	// otherwise (local mode only; the loader enforces that).
	var (
		store     quota.Store
		pool      *pgxpool.Pool
		userLists entitlement.UserLister
		customers external.CustomerLookup
	)
	if dbURL := cfg.Database.URL.Unmask(); dbURL != "" {
		pool, err = newPool(ctx, cfg, dbURL)
		if err != nil {
			return fmt.Errorf("connecting to database: %w", err)
		}
		defer pool.Close()
		repo := db.NewQuotaRepo(pool)
		store = repo
		userLists = repo
		customers = repo
	} else {
		logger.Warn("no DATABASE_URL configured, using in-memory quota store")
		store = db.NewMemoryStore()
	}

	// Wrap the store so a database outage fails fast instead of stalling
	// every request.
	resilient := db.NewResilientStore(store, "quota-store",
		db.WithStoreTimeout(cfg.Quota.StoreTimeout))

	policy := quota.NewStaticPolicy()
	enforcer := quota.NewEnforcer(resilient, policy, logger,
		quota.WithConflictRetries(cfg.Quota.ConflictRetries))
	incrementer := quota.NewIncrementer(resilient, logger)
	reporter := quota.NewReporter(resilient, policy)

	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	if pool != nil {
		srv.HealthProbes = append(srv.HealthProbes, core.HealthProbeFunc{
			ProbeName: "database",
			Fn:        pool.Ping,
		})
	}

	dispatcher := newDispatcher(cfg, logger)

	chatHandler := handlers.NewChatHandler(
		enforcer, incrementer, dispatcher, srv.Validator, cfg.Quota, logger)
	usageHandler := handlers.NewUsageHandler(reporter, logger)

	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars,
		chatHandler.RegisterRoutes,
		usageHandler.RegisterRoutes,
	)

	// Billing integration is optional; without a webhook secret the service
	// runs on whatever tier is already stamped on each record.
	var syncer *entitlement.Syncer
	if cfg.Billing.StripeWebhookSecret.Unmask() != "" {
		if customers == nil {
			customers = noCustomerLookup{}
		}
		stripeClient := external.NewStripeClient(
			&http.Client{Timeout: 20 * time.Second},
			customers,
			external.StripeClientConfig{
				SecretKey: cfg.Billing.StripeSecretKey.Unmask(),
				Logger:    logger,
			},
		)
		syncer = entitlement.NewSyncer(resilient, stripeClient, logger)

		webhookHandler := handlers.NewStripeWebhookHandler(
			&external.StripeVerifier{},
			syncer,
			cfg.Billing.StripeWebhookSecret.Unmask(),
			logger,
		)
		srv.V1RouteRegistrars = append(srv.V1RouteRegistrars, webhookHandler.RegisterRoutes)
	}

	srv.MountRoutes()

	g, gctx := errgroup.WithContext(ctx)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	g.Go(func() error {
		logger.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("initiating graceful shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", "error", err)
		}
		return srv.Shutdown(shutdownCtx)
	})

	if syncer != nil && cfg.Entitlement.SyncEnabled && userLists != nil {
		g.Go(func() error {
			err := syncer.Run(gctx, cfg.Entitlement.SyncInterval, userLists)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("server stopped cleanly")
	return nil
}

// newPool builds the pgx connection pool from configuration.
func newPool(ctx context.Context, cfg *config.Config, dbURL string) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.Database.MaxConns)
	poolCfg.MinConns = int32(cfg.Database.MinConns)
	poolCfg.MaxConnLifetime = cfg.Database.MaxConnLifetime
	poolCfg.HealthCheckPeriod = cfg.Database.HealthCheckPeriod

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}

// newDispatcher selects the chat backend: the configured upstream, or a
// loopback echo in local setups without one.
func newDispatcher(cfg *config.Config, logger *slog.Logger) handlers.Dispatcher {
	if cfg.Dispatch.ChatUpstreamURL == "" {
		logger.Warn("no CHAT_UPSTREAM_URL configured, using loopback dispatcher")
		return loopbackDispatcher{}
	}
	upstream := external.NewChatUpstream(
		&http.Client{Timeout: cfg.Dispatch.Timeout},
		cfg.Dispatch.ChatUpstreamURL,
		logger,
	)
	return upstreamDispatcher{upstream: upstream}
}

// upstreamDispatcher adapts external.ChatUpstream to the handler interface.
type upstreamDispatcher struct {
	upstream *external.ChatUpstream
}

func (d upstreamDispatcher) Dispatch(ctx context.Context, userID string, req *handlers.ChatMessageRequest) (*handlers.ChatMessageResult, error) {
	messageID, reply, err := d.upstream.Send(ctx, userID, req.Content, req.ModelClass)
	if err != nil {
		return nil, err
	}
	return &handlers.ChatMessageResult{MessageID: messageID, Reply: reply}, nil
}

// loopbackDispatcher echoes messages without an upstream. Local mode only.
type loopbackDispatcher struct{}

func (loopbackDispatcher) Dispatch(ctx context.Context, _ string, req *handlers.ChatMessageRequest) (*handlers.ChatMessageResult, error) {
	return &handlers.ChatMessageResult{
		MessageID: types.GetRequestID(ctx),
		Reply:     req.Content,
	}, nil
}

// noCustomerLookup is used with the in-memory store, which records no
// customer mapping. Webhook-driven sync still works because events carry the
// platform user ID in metadata; only the provider-initiated sweep needs the
// lookup.
type noCustomerLookup struct{}

func (noCustomerLookup) StripeCustomerID(_ context.Context, _ string) (string, error) {
	return "", nil
}

// newLogger creates a structured slog.Logger for the given log level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: lvl,
	})
	return slog.New(handler)
}
