package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/trove-shop/storefront/internal/cart"
	"github.com/trove-shop/storefront/internal/catalog"
	"github.com/trove-shop/storefront/internal/engine"
	"github.com/trove-shop/storefront/internal/remote"
	"github.com/trove-shop/storefront/internal/session"
	"github.com/trove-shop/storefront/pkg/config"
	"github.com/trove-shop/storefront/pkg/logger"
	"github.com/trove-shop/storefront/pkg/metrics"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "storefront"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "storefront",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	registry := prometheus.NewRegistry()
	cartMetrics := metrics.NewCartMetrics(registry)

	credentials, err := newCredentialStore(cfg)
	if err != nil {
		logg.Error(context.Background(), "failed to build credential store", err)
		os.Exit(1)
	}

	store := cart.NewStore()

	guard, err := session.NewGuard(session.GuardParams{
		Credentials: credentials,
		CartStore:   store,
		Logger:      logg,
		Metrics:     cartMetrics,
		OnSignOut: func() {
			logg.Warn(context.Background(), "session ended, sign in again to continue")
		},
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create session guard", err)
		os.Exit(1)
	}

	adapter, err := remote.NewHTTPAdapter(
		cfg.Remote.BaseURL,
		credentials,
		logg,
		remote.WithTimeout(cfg.Remote.Timeout),
	)
	if err != nil {
		logg.Error(context.Background(), "failed to create cart adapter", err)
		os.Exit(1)
	}

	guarded, err := session.NewGuardedAdapter(adapter, guard)
	if err != nil {
		logg.Error(context.Background(), "failed to wrap cart adapter", err)
		os.Exit(1)
	}

	products, err := remote.NewProductsClient(cfg.Remote.BaseURL, logg, cfg.Remote.Timeout)
	if err != nil {
		logg.Error(context.Background(), "failed to create products client", err)
		os.Exit(1)
	}

	loader, err := catalog.NewLoader(products, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to create catalog loader", err)
		os.Exit(1)
	}

	deliveryFee, err := cfg.Cart.DeliveryFeeAmount()
	if err != nil {
		logg.Error(context.Background(), "invalid delivery fee", err)
		os.Exit(1)
	}

	eng, err := engine.New(engine.Params{
		Adapter:     guarded,
		Store:       store,
		Catalog:     loader,
		Logger:      logg,
		Metrics:     cartMetrics,
		MaxPerLine:  cfg.Cart.MaxPerLine,
		DeliveryFee: deliveryFee,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create reconciliation engine", err)
		os.Exit(1)
	}

	ctx := logg.WithFields(context.Background(), map[string]any{
		"env":  cfg.App.Env,
		"base": cfg.Remote.BaseURL,
	})

	if err := loader.Load(ctx); err != nil {
		// The engine still serves the cart; totals report missing lines
		// until a reload succeeds.
		logg.Error(ctx, "initial catalog load failed", err)
	}
	if err := eng.Load(ctx); err != nil {
		logg.Error(ctx, "initial cart load failed", err)
	}

	addr := ":" + cfg.App.OpsPort
	logg.Info(logg.WithField(ctx, "addr", addr), "starting ops server")

	server := &http.Server{
		Addr:    addr,
		Handler: newOpsRouter(cfg, logg, eng, registry),
	}
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logg.Error(ctx, "ops server stopped unexpectedly", err)
		os.Exit(1)
	}
}

// newCredentialStore picks the localStorage analog: a file when a path is
// configured, otherwise an in-memory store seeded from the environment.
// Either way the token is checked for JWT expiry before use.
func newCredentialStore(cfg *config.Config) (session.CredentialStore, error) {
	var inner session.CredentialStore
	if cfg.Session.TokenPath != "" {
		fileStore, err := session.NewFileStore(cfg.Session.TokenPath)
		if err != nil {
			return nil, err
		}
		inner = fileStore
	} else {
		inner = session.NewMemoryStore(cfg.Session.Token)
	}
	return session.NewExpiryCheckedStore(inner)
}

func newOpsRouter(cfg *config.Config, logg *logger.Logger, eng *engine.Engine, registry *prometheus.Registry) http.Handler {
	router := chi.NewRouter()
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx := logg.WithFields(r.Context(), map[string]any{
			"env":  cfg.App.Env,
			"path": r.URL.Path,
		})
		logg.Info(ctx, "health.check")

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "ok",
			"state":  string(eng.State()),
			"lines":  len(eng.Lines()),
			"units":  eng.Count(),
		})
	})
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	return router
}
