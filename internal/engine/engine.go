// Package engine reconciles the client-held cart mirror with the
// authoritative remote store: optimistic apply, remote confirm, exact
// rollback on rejection.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/trove-shop/storefront/internal/cart"
	"github.com/trove-shop/storefront/internal/catalog"
	"github.com/trove-shop/storefront/internal/remote"
	pkgerrors "github.com/trove-shop/storefront/pkg/errors"
	"github.com/trove-shop/storefront/pkg/logger"
	"github.com/trove-shop/storefront/pkg/metrics"
)

// State is the engine's session-wide lifecycle state. Mutations are
// per-line and may overlap; the session state only tracks load/auth
// lifecycle.
type State string

const (
	StateUninitialized   State = "uninitialized"
	StateLoading         State = "loading"
	StateSynced          State = "synced"
	StateError           State = "error"
	StateUnauthenticated State = "unauthenticated"
)

const (
	opAddOrUpdate = "add_or_update"
	opRemove      = "remove"
	opLoad        = "load"
	opRefresh     = "refresh"
)

// Params groups the engine dependencies.
type Params struct {
	Adapter     remote.Adapter
	Store       *cart.Store
	Catalog     *catalog.Loader
	Logger      *logger.Logger
	Metrics     *metrics.CartMetrics
	MaxPerLine  int
	DeliveryFee decimal.Decimal
}

// Engine owns the cart store and is the only component that both mutates
// it and talks to the remote adapter.
type Engine struct {
	adapter     remote.Adapter
	store       *cart.Store
	catalog     *catalog.Loader
	logg        *logger.Logger
	metrics     *metrics.CartMetrics
	maxPerLine  int
	deliveryFee decimal.Decimal

	// mu serializes the local apply section of each mutation intent and
	// guards the session state. Remote calls happen outside the lock so
	// intents on different lines (and newer intents on the same line)
	// proceed while a confirmation is outstanding.
	mu      sync.Mutex
	state   State
	loadErr error

	subMu       sync.Mutex
	subscribers []subscriber
	nextSubID   int
}

// New builds a reconciliation engine.
func New(params Params) (*Engine, error) {
	if params.Adapter == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "remote adapter is required")
	}
	if params.Store == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "cart store is required")
	}
	if params.Catalog == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "catalog loader is required")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "logger is required")
	}
	if params.MaxPerLine <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "max per line must be positive")
	}
	if params.DeliveryFee.IsNegative() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "delivery fee must be non-negative")
	}
	return &Engine{
		adapter:     params.Adapter,
		store:       params.Store,
		catalog:     params.Catalog,
		logg:        params.Logger,
		metrics:     params.Metrics,
		maxPerLine:  params.MaxPerLine,
		deliveryFee: params.DeliveryFee,
		state:       StateUninitialized,
	}, nil
}

// State returns the current session state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Err returns the retained load error while the engine is in StateError.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loadErr
}

// Lines returns the current cart contents.
func (e *Engine) Lines() []cart.Line {
	return e.store.Lines()
}

// Count returns the total units in the cart, for the navbar badge.
func (e *Engine) Count() int {
	return e.store.Count()
}

// Total recomputes the cart total against current catalog prices. The
// second return value lists lines whose product has vanished from the
// catalog; they contribute zero and need UI attention.
func (e *Engine) Total() (cart.Total, []cart.LineKey) {
	return e.computeTotal()
}

func (e *Engine) computeTotal() (cart.Total, []cart.LineKey) {
	return cart.ComputeTotal(e.store.Lines(), e.catalog.Index(), e.deliveryFee)
}

// Load fetches the remote cart and replaces the store wholesale.
func (e *Engine) Load(ctx context.Context) error {
	return e.sync(ctx, opLoad)
}

// Refresh re-issues the list fetch, trading a round trip for full
// consistency after operations whose server-side effect the optimistic
// model cannot capture.
func (e *Engine) Refresh(ctx context.Context) error {
	return e.sync(ctx, opRefresh)
}

func (e *Engine) sync(ctx context.Context, op string) error {
	e.mu.Lock()
	if e.state == StateUnauthenticated {
		e.mu.Unlock()
		return pkgerrors.New(pkgerrors.CodeStateConflict, "session is no longer valid")
	}
	if e.state == StateLoading {
		e.mu.Unlock()
		return pkgerrors.New(pkgerrors.CodeStateConflict, "cart load already in progress")
	}
	e.state = StateLoading
	e.mu.Unlock()

	ctx = e.logg.WithOperation(ctx, op)
	started := time.Now()
	result, err := e.adapter.List(ctx)
	e.metrics.ObserveLoadDuration(time.Since(started))

	if err != nil {
		if pkgerrors.CodeOf(err) == pkgerrors.CodeUnauthorized {
			e.enterUnauthenticated(ctx, err)
			return err
		}
		e.mu.Lock()
		e.state = StateError
		e.loadErr = err
		e.mu.Unlock()
		e.store.Clear()
		e.logg.Error(ctx, "cart load failed", err)
		e.publish(Event{Kind: EventError, Err: err})
		e.publishCartChanged()
		return err
	}

	e.store.Replace(mapRemoteLines(result.Lines))

	e.mu.Lock()
	e.state = StateSynced
	e.loadErr = nil
	e.mu.Unlock()

	e.logg.Info(e.logg.WithField(ctx, "lines", len(result.Lines)), "cart synced")
	e.publishCartChanged()
	return nil
}

// mapRemoteLines keys remote lines by (product id, size), retaining the
// remote id for later update/remove addressing.
func mapRemoteLines(lines []remote.Line) []cart.Line {
	mapped := make([]cart.Line, 0, len(lines))
	for _, line := range lines {
		mapped = append(mapped, cart.Line{
			Key:          cart.LineKey{ProductID: line.ProductID, Size: line.Size},
			Quantity:     line.Quantity,
			RemoteLineID: line.ID,
		})
	}
	return mapped
}

// Add increments the line's quantity by one, the storefront's add-to-cart
// button semantics.
func (e *Engine) Add(ctx context.Context, productID, size string) error {
	current := 0
	if line, ok := e.store.Get(cart.LineKey{ProductID: productID, Size: size}); ok {
		current = line.Quantity
	}
	return e.AddOrUpdate(ctx, productID, size, current+1)
}

// Remove deletes the line for the given product and size.
func (e *Engine) Remove(ctx context.Context, productID, size string) error {
	return e.mutate(ctx, opRemove, productID, size, 0)
}

// AddOrUpdate sets the line's quantity, inserting, overwriting, or (at
// zero) removing it. The store is updated optimistically before the remote
// call; a remote rejection restores the exact prior value.
func (e *Engine) AddOrUpdate(ctx context.Context, productID, size string, quantity int) error {
	return e.mutate(ctx, opAddOrUpdate, productID, size, quantity)
}

func (e *Engine) mutate(ctx context.Context, op, productID, size string, quantity int) error {
	ctx = e.logg.WithOperation(e.logg.WithLine(ctx, productID, size), op)

	// Validate and apply under the engine lock: the snapshot is the value
	// immediately before this specific intent, and intents on the same
	// line serialize in issue order.
	e.mu.Lock()
	if e.state != StateSynced {
		state := e.state
		e.mu.Unlock()
		e.metrics.IncMutation(op, "rejected")
		return pkgerrors.New(pkgerrors.CodeStateConflict, "cart is not synced").
			WithDetails(map[string]any{"state": string(state)})
	}

	input := mutationInput{ProductID: productID, Size: size, Quantity: quantity}
	if err := e.validateMutation(input, e.catalog.Index()); err != nil {
		e.mu.Unlock()
		e.metrics.IncMutation(op, "invalid")
		e.logg.Warn(ctx, "mutation rejected locally")
		return err
	}

	key := cart.LineKey{ProductID: productID, Size: size}
	prior := e.store.Upsert(key, quantity, "")
	e.mu.Unlock()

	if prior.Absent && quantity == 0 {
		// Removing a line that was never there; nothing changed locally
		// and there is no remote line to address.
		e.metrics.IncMutation(op, "noop")
		return nil
	}

	e.publishCartChanged()

	err := e.confirmRemote(ctx, key, prior, quantity)
	if err == nil {
		e.metrics.IncMutation(op, "success")
		return nil
	}

	if pkgerrors.CodeOf(err) == pkgerrors.CodeUnauthorized {
		// The guard has already torn local state down; a line-level
		// rollback would resurrect part of a dead session.
		e.metrics.IncMutation(op, "unauthorized")
		e.enterUnauthenticated(ctx, err)
		return err
	}

	e.store.Restore(key, prior)
	e.metrics.IncMutation(op, "rollback")
	e.metrics.IncRollback(op)
	e.logg.Warn(ctx, "remote rejected mutation, rolled back")
	e.publishCartChanged()
	e.publish(Event{Kind: EventError, Err: err})
	return err
}

// confirmRemote issues the remote call matching the optimistic change:
// update or remove when the line already exists remotely, add otherwise.
func (e *Engine) confirmRemote(ctx context.Context, key cart.LineKey, prior cart.Prior, quantity int) error {
	remoteLineID := ""
	if !prior.Absent {
		remoteLineID = prior.Line.RemoteLineID
	}

	switch {
	case quantity == 0:
		if remoteLineID == "" {
			// Line existed locally but was never confirmed remotely;
			// nothing to delete on the server.
			return nil
		}
		return e.adapter.Remove(ctx, remoteLineID)
	case remoteLineID != "":
		return e.adapter.Update(ctx, remoteLineID, quantity)
	default:
		result, err := e.adapter.Add(ctx, key.ProductID, key.Size, quantity)
		if err != nil {
			return err
		}
		// Metadata only: a newer mutation may have changed the quantity
		// while this confirmation was in flight, and the response must
		// not overwrite it.
		if !e.store.AttachRemoteID(key, result.RemoteLineID) {
			e.logg.Debug(e.logg.WithRemoteLineID(ctx, result.RemoteLineID), "confirmed line no longer present")
		}
		return nil
	}
}

func (e *Engine) enterUnauthenticated(ctx context.Context, cause error) {
	e.mu.Lock()
	already := e.state == StateUnauthenticated
	e.state = StateUnauthenticated
	e.loadErr = cause
	e.mu.Unlock()

	if already {
		return
	}
	e.logg.Warn(ctx, "session invalidated")
	e.publish(Event{Kind: EventSessionInvalidated, Err: cause})
}
