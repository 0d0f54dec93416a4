package session

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"

	"github.com/trove-shop/storefront/internal/cart"
	"github.com/trove-shop/storefront/internal/remote"
	pkgerrors "github.com/trove-shop/storefront/pkg/errors"
	"github.com/trove-shop/storefront/pkg/logger"
	"github.com/trove-shop/storefront/pkg/metrics"
)

// Guard tears the local session down when the remote store rejects the
// credential: it clears the stored token, empties the cart store, and fires
// the navigation signal exactly once. Concurrent authorization failures
// collapse into a single teardown.
type Guard struct {
	creds   CredentialStore
	store   *cart.Store
	logg    *logger.Logger
	metrics *metrics.CartMetrics

	once        sync.Once
	invalidated atomic.Bool
	teardownErr error
	onSignOut   func()
}

// GuardParams groups the guard dependencies.
type GuardParams struct {
	Credentials CredentialStore
	CartStore   *cart.Store
	Logger      *logger.Logger
	Metrics     *metrics.CartMetrics
	// OnSignOut signals the navigation layer to present the login surface.
	OnSignOut func()
}

// NewGuard builds a session guard.
func NewGuard(params GuardParams) (*Guard, error) {
	if params.Credentials == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "credential store is required")
	}
	if params.CartStore == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "cart store is required")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "logger is required")
	}
	return &Guard{
		creds:     params.Credentials,
		store:     params.CartStore,
		logg:      params.Logger,
		metrics:   params.Metrics,
		onSignOut: params.OnSignOut,
	}, nil
}

// Invalidate performs the teardown. Safe to call from any number of
// goroutines; only the first call does the work.
func (g *Guard) Invalidate(ctx context.Context, cause error) error {
	g.once.Do(func() {
		g.invalidated.Store(true)
		g.logg.Warn(ctx, "session invalidated, tearing down local state")

		var err error
		if clearErr := g.creds.Clear(ctx); clearErr != nil {
			err = multierr.Append(err, clearErr)
		}
		g.store.Clear()
		g.metrics.IncTeardown()
		if g.onSignOut != nil {
			g.onSignOut()
		}
		if cause != nil {
			g.logg.Error(ctx, "teardown cause", cause)
		}
		g.teardownErr = err
	})
	return g.teardownErr
}

// Invalidated reports whether the session has been torn down.
func (g *Guard) Invalidated() bool {
	return g.invalidated.Load()
}

// GuardedAdapter wraps every remote cart call; an authorization failure
// triggers the guard before the error is re-surfaced, so callers never see
// an unauthorized response with local session state still in place.
type GuardedAdapter struct {
	inner remote.Adapter
	guard *Guard
}

// NewGuardedAdapter decorates the given adapter.
func NewGuardedAdapter(inner remote.Adapter, guard *Guard) (*GuardedAdapter, error) {
	if inner == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "remote adapter is required")
	}
	if guard == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "session guard is required")
	}
	return &GuardedAdapter{inner: inner, guard: guard}, nil
}

func (g *GuardedAdapter) List(ctx context.Context) (remote.ListResult, error) {
	result, err := g.inner.List(ctx)
	return result, g.intercept(ctx, err)
}

func (g *GuardedAdapter) Add(ctx context.Context, productID, size string, quantity int) (remote.AddResult, error) {
	result, err := g.inner.Add(ctx, productID, size, quantity)
	return result, g.intercept(ctx, err)
}

func (g *GuardedAdapter) Update(ctx context.Context, remoteLineID string, quantity int) error {
	return g.intercept(ctx, g.inner.Update(ctx, remoteLineID, quantity))
}

func (g *GuardedAdapter) Remove(ctx context.Context, remoteLineID string) error {
	return g.intercept(ctx, g.inner.Remove(ctx, remoteLineID))
}

func (g *GuardedAdapter) intercept(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if pkgerrors.CodeOf(err) == pkgerrors.CodeUnauthorized {
		_ = g.guard.Invalidate(ctx, err)
	}
	return err
}
