package engine

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/trove-shop/storefront/internal/cart"
	"github.com/trove-shop/storefront/internal/catalog"
	"github.com/trove-shop/storefront/internal/remote"
	pkgerrors "github.com/trove-shop/storefront/pkg/errors"
	"github.com/trove-shop/storefront/pkg/logger"
)

type fakeAdapter struct {
	mu         sync.Mutex
	listResult remote.ListResult
	listErr    error
	addErr     error
	updateErr  error
	removeErr  error
	nextAddID  int
	calls      []string
	gate       chan struct{}
}

func (f *fakeAdapter) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeAdapter) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeAdapter) waitGate() {
	if f.gate != nil {
		<-f.gate
	}
}

func (f *fakeAdapter) List(_ context.Context) (remote.ListResult, error) {
	f.record("list")
	if f.listErr != nil {
		return remote.ListResult{}, f.listErr
	}
	return f.listResult, nil
}

func (f *fakeAdapter) Add(_ context.Context, productID, size string, quantity int) (remote.AddResult, error) {
	f.record(fmt.Sprintf("add %s/%s q=%d", productID, size, quantity))
	f.waitGate()
	if f.addErr != nil {
		return remote.AddResult{}, f.addErr
	}
	f.mu.Lock()
	f.nextAddID++
	id := fmt.Sprintf("rl-%d", f.nextAddID)
	f.mu.Unlock()
	return remote.AddResult{RemoteLineID: id}, nil
}

func (f *fakeAdapter) Update(_ context.Context, remoteLineID string, quantity int) error {
	f.record(fmt.Sprintf("update %s q=%d", remoteLineID, quantity))
	f.waitGate()
	return f.updateErr
}

func (f *fakeAdapter) Remove(_ context.Context, remoteLineID string) error {
	f.record(fmt.Sprintf("remove %s", remoteLineID))
	f.waitGate()
	return f.removeErr
}

type staticCatalog struct {
	records []catalog.ProductRecord
}

func (s staticCatalog) GetAll(_ context.Context) ([]catalog.ProductRecord, error) {
	return s.records, nil
}

func price(value string) decimal.Decimal {
	return decimal.RequireFromString(value)
}

func testCatalog(t *testing.T) *catalog.Loader {
	t.Helper()
	source := staticCatalog{records: []catalog.ProductRecord{
		{ID: "P1", Name: "Tee", RegularPrice: price("20"), Sizes: []string{"S", "M", "L"}},
		{ID: "P2", Name: "Hoodie", RegularPrice: price("45"), Sizes: []string{"M", "L"}},
		{ID: "P3", Name: "Tote", RegularPrice: price("12")},
	}}
	loader, err := catalog.NewLoader(source, testLogger())
	if err != nil {
		t.Fatalf("catalog loader: %v", err)
	}
	if err := loader.Load(context.Background()); err != nil {
		t.Fatalf("catalog load: %v", err)
	}
	return loader
}

func testLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "test", Output: io.Discard})
}

func newTestEngine(t *testing.T, adapter remote.Adapter) (*Engine, *cart.Store) {
	t.Helper()
	store := cart.NewStore()
	eng, err := New(Params{
		Adapter:     adapter,
		Store:       store,
		Catalog:     testCatalog(t),
		Logger:      testLogger(),
		MaxPerLine:  10,
		DeliveryFee: price("10"),
	})
	if err != nil {
		t.Fatalf("engine constructor: %v", err)
	}
	return eng, store
}

func newSyncedEngine(t *testing.T, adapter *fakeAdapter) (*Engine, *cart.Store) {
	t.Helper()
	eng, store := newTestEngine(t, adapter)
	if err := eng.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	return eng, store
}

func TestLoadTransitionsToSynced(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{listResult: remote.ListResult{Lines: []remote.Line{
		{ID: "rl-1", ProductID: "P1", Size: "M", Quantity: 2, Price: price("20")},
	}}}
	eng, store := newTestEngine(t, adapter)

	if eng.State() != StateUninitialized {
		t.Fatalf("expected uninitialized, got %s", eng.State())
	}
	if err := eng.Load(context.Background()); err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if eng.State() != StateSynced {
		t.Fatalf("expected synced, got %s", eng.State())
	}

	line, ok := store.Get(cart.LineKey{ProductID: "P1", Size: "M"})
	if !ok || line.Quantity != 2 || line.RemoteLineID != "rl-1" {
		t.Fatalf("expected mapped line {2, rl-1}, got %+v ok=%v", line, ok)
	}
}

func TestLoadFailureRetainsErrorAndEmptiesStore(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{listErr: pkgerrors.New(pkgerrors.CodeNetwork, "down")}
	eng, store := newTestEngine(t, adapter)

	if err := eng.Load(context.Background()); err == nil {
		t.Fatal("expected load error")
	}
	if eng.State() != StateError {
		t.Fatalf("expected error state, got %s", eng.State())
	}
	if eng.Err() == nil {
		t.Fatal("expected retained load error")
	}
	if store.Len() != 0 {
		t.Fatal("store should be left empty after failed load")
	}

	// Recoverable: a later load may succeed.
	adapter.listErr = nil
	if err := eng.Load(context.Background()); err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	if eng.State() != StateSynced || eng.Err() != nil {
		t.Fatalf("expected synced with no retained error, got %s / %v", eng.State(), eng.Err())
	}
}

func TestLoadUnauthorizedIsTerminal(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{listErr: pkgerrors.New(pkgerrors.CodeUnauthorized, "expired")}
	eng, _ := newTestEngine(t, adapter)

	if err := eng.Load(context.Background()); pkgerrors.CodeOf(err) != pkgerrors.CodeUnauthorized {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if eng.State() != StateUnauthenticated {
		t.Fatalf("expected unauthenticated, got %s", eng.State())
	}

	err := eng.Load(context.Background())
	if pkgerrors.CodeOf(err) != pkgerrors.CodeStateConflict {
		t.Fatalf("unauthenticated must be terminal, got %v", err)
	}
	err = eng.AddOrUpdate(context.Background(), "P1", "M", 1)
	if pkgerrors.CodeOf(err) != pkgerrors.CodeStateConflict {
		t.Fatalf("mutations must be rejected after teardown, got %v", err)
	}
}

func TestMutationRejectedBeforeLoad(t *testing.T) {
	t.Parallel()

	eng, store := newTestEngine(t, &fakeAdapter{})
	err := eng.AddOrUpdate(context.Background(), "P1", "M", 1)
	if pkgerrors.CodeOf(err) != pkgerrors.CodeStateConflict {
		t.Fatalf("expected state conflict, got %v", err)
	}
	if store.Len() != 0 {
		t.Fatal("store must be untouched")
	}
}

// Scenario: empty cart, successful remote add.
func TestAddOrUpdateNewLineRecordsRemoteID(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{}
	eng, store := newSyncedEngine(t, adapter)

	if err := eng.AddOrUpdate(context.Background(), "P1", "M", 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	line, ok := store.Get(cart.LineKey{ProductID: "P1", Size: "M"})
	if !ok || line.Quantity != 1 {
		t.Fatalf("expected {P1,M,1}, got %+v ok=%v", line, ok)
	}
	if line.RemoteLineID != "rl-1" {
		t.Fatalf("expected remote line id recorded, got %q", line.RemoteLineID)
	}
	if calls := adapter.recorded(); calls[len(calls)-1] != "add P1/M q=1" {
		t.Fatalf("expected add call, got %v", calls)
	}
}

// Scenario: engine total with one priced line and the configured fee.
func TestEngineTotalUsesCatalogPrices(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{listResult: remote.ListResult{Lines: []remote.Line{
		{ID: "rl-1", ProductID: "P1", Size: "M", Quantity: 1, Price: price("20")},
	}}}
	eng, _ := newSyncedEngine(t, adapter)

	total, missing := eng.Total()
	if len(missing) != 0 {
		t.Fatalf("unexpected missing lines %+v", missing)
	}
	if !total.ItemTotal.Equal(price("20")) || !total.Delivery.Equal(price("10")) || !total.Total.Equal(price("30")) {
		t.Fatalf("expected {20, 10, 30}, got {%s, %s, %s}", total.ItemTotal, total.Delivery, total.Total)
	}
}

// Scenario: remote rejects with out-of-stock; store reverts exactly.
func TestOutOfStockRollsBackToPriorQuantity(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{listResult: remote.ListResult{Lines: []remote.Line{
		{ID: "rl-1", ProductID: "P1", Size: "M", Quantity: 2, Price: price("20")},
	}}}
	eng, store := newSyncedEngine(t, adapter)

	adapter.updateErr = pkgerrors.New(pkgerrors.CodeOutOfStock, "only 2 left")
	err := eng.AddOrUpdate(context.Background(), "P1", "M", 3)
	if pkgerrors.CodeOf(err) != pkgerrors.CodeOutOfStock {
		t.Fatalf("expected out of stock, got %v", err)
	}

	line, ok := store.Get(cart.LineKey{ProductID: "P1", Size: "M"})
	if !ok || line.Quantity != 2 {
		t.Fatalf("expected rollback to quantity 2, got %+v ok=%v", line, ok)
	}
	if eng.State() != StateSynced {
		t.Fatalf("non-auth failures keep the session synced, got %s", eng.State())
	}
}

// Scenario: missing required size is rejected locally.
func TestMissingSizeRejectedWithoutRemoteCall(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{}
	eng, store := newSyncedEngine(t, adapter)
	callsBefore := len(adapter.recorded())

	err := eng.AddOrUpdate(context.Background(), "P2", "", 1)
	if pkgerrors.CodeOf(err) != pkgerrors.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if store.Len() != 0 {
		t.Fatal("store must be unchanged")
	}
	if len(adapter.recorded()) != callsBefore {
		t.Fatal("no remote call may be made for a local validation failure")
	}
}

func TestUndeclaredSizeRejected(t *testing.T) {
	t.Parallel()

	eng, _ := newSyncedEngine(t, &fakeAdapter{})
	err := eng.AddOrUpdate(context.Background(), "P1", "XXL", 1)
	if pkgerrors.CodeOf(err) != pkgerrors.CodeValidation {
		t.Fatalf("expected validation error for undeclared size, got %v", err)
	}
}

func TestSizelessProductAcceptsEmptySize(t *testing.T) {
	t.Parallel()

	eng, store := newSyncedEngine(t, &fakeAdapter{})
	if err := eng.AddOrUpdate(context.Background(), "P3", "", 2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := store.Get(cart.LineKey{ProductID: "P3", Size: ""}); !ok {
		t.Fatal("expected sizeless line stored")
	}
}

func TestQuantityBounds(t *testing.T) {
	t.Parallel()

	eng, _ := newSyncedEngine(t, &fakeAdapter{})

	err := eng.AddOrUpdate(context.Background(), "P1", "M", 11)
	if pkgerrors.CodeOf(err) != pkgerrors.CodeValidation {
		t.Fatalf("expected validation error above max, got %v", err)
	}

	err = eng.AddOrUpdate(context.Background(), "P1", "M", -1)
	if pkgerrors.CodeOf(err) != pkgerrors.CodeValidation {
		t.Fatalf("expected validation error below zero, got %v", err)
	}

	if err := eng.AddOrUpdate(context.Background(), "P1", "M", 10); err != nil {
		t.Fatalf("max itself is allowed, got %v", err)
	}
}

// Rollback exactness: q -> q+1 failing with a network error restores q.
func TestNetworkFailureRollbackExactness(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{listResult: remote.ListResult{Lines: []remote.Line{
		{ID: "rl-1", ProductID: "P1", Size: "M", Quantity: 4, Price: price("20")},
	}}}
	eng, store := newSyncedEngine(t, adapter)

	adapter.updateErr = pkgerrors.New(pkgerrors.CodeNetwork, "timeout")
	err := eng.AddOrUpdate(context.Background(), "P1", "M", 5)
	if pkgerrors.CodeOf(err) != pkgerrors.CodeNetwork {
		t.Fatalf("expected network error, got %v", err)
	}

	line, ok := store.Get(cart.LineKey{ProductID: "P1", Size: "M"})
	if !ok {
		t.Fatal("line must not vanish on rollback")
	}
	if line.Quantity != 4 {
		t.Fatalf("expected exact rollback to 4, got %d", line.Quantity)
	}
}

func TestFailedRemoveRestoresLine(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{listResult: remote.ListResult{Lines: []remote.Line{
		{ID: "rl-1", ProductID: "P1", Size: "M", Quantity: 2, Price: price("20")},
	}}}
	eng, store := newSyncedEngine(t, adapter)

	adapter.removeErr = pkgerrors.New(pkgerrors.CodeNetwork, "timeout")
	if err := eng.Remove(context.Background(), "P1", "M"); err == nil {
		t.Fatal("expected remove failure")
	}

	line, ok := store.Get(cart.LineKey{ProductID: "P1", Size: "M"})
	if !ok || line.Quantity != 2 || line.RemoteLineID != "rl-1" {
		t.Fatalf("expected removed line restored exactly, got %+v ok=%v", line, ok)
	}
}

func TestRemoveIssuesRemoteDelete(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{listResult: remote.ListResult{Lines: []remote.Line{
		{ID: "rl-1", ProductID: "P1", Size: "M", Quantity: 2, Price: price("20")},
	}}}
	eng, store := newSyncedEngine(t, adapter)

	if err := eng.Remove(context.Background(), "P1", "M"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := store.Get(cart.LineKey{ProductID: "P1", Size: "M"}); ok {
		t.Fatal("line should be removed")
	}
	calls := adapter.recorded()
	if calls[len(calls)-1] != "remove rl-1" {
		t.Fatalf("expected remote remove, got %v", calls)
	}
}

func TestRemoveUnknownLineIsLocalNoop(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{}
	eng, _ := newSyncedEngine(t, adapter)
	callsBefore := len(adapter.recorded())

	if err := eng.Remove(context.Background(), "P1", "M"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(adapter.recorded()) != callsBefore {
		t.Fatal("no remote call for a line that never existed")
	}
}

func TestAddIncrementsAndCapsAtMax(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{}
	eng, store := newSyncedEngine(t, adapter)

	for i := 1; i <= 10; i++ {
		if err := eng.Add(context.Background(), "P1", "M"); err != nil {
			t.Fatalf("add %d failed: %v", i, err)
		}
	}
	if line, _ := store.Get(cart.LineKey{ProductID: "P1", Size: "M"}); line.Quantity != 10 {
		t.Fatalf("expected quantity 10, got %d", line.Quantity)
	}

	err := eng.Add(context.Background(), "P1", "M")
	if pkgerrors.CodeOf(err) != pkgerrors.CodeValidation {
		t.Fatalf("expected cap rejection, got %v", err)
	}
	if line, _ := store.Get(cart.LineKey{ProductID: "P1", Size: "M"}); line.Quantity != 10 {
		t.Fatalf("cap rejection must not change the store, got %d", line.Quantity)
	}
}

func TestUnauthorizedMutationSkipsRollback(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{listResult: remote.ListResult{Lines: []remote.Line{
		{ID: "rl-1", ProductID: "P1", Size: "M", Quantity: 2, Price: price("20")},
	}}}
	eng, store := newSyncedEngine(t, adapter)

	adapter.updateErr = pkgerrors.New(pkgerrors.CodeUnauthorized, "expired")
	err := eng.AddOrUpdate(context.Background(), "P1", "M", 3)
	if pkgerrors.CodeOf(err) != pkgerrors.CodeUnauthorized {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if eng.State() != StateUnauthenticated {
		t.Fatalf("expected unauthenticated, got %s", eng.State())
	}
	// No line-level rollback: the guard owns teardown; the optimistic
	// value is irrelevant once the session is gone.
	if line, ok := store.Get(cart.LineKey{ProductID: "P1", Size: "M"}); ok && line.Quantity == 2 {
		t.Fatal("unauthorized must not perform a line-level rollback")
	}
}

func TestRefreshReplacesStoreWholesale(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{listResult: remote.ListResult{Lines: []remote.Line{
		{ID: "rl-1", ProductID: "P1", Size: "M", Quantity: 2, Price: price("20")},
	}}}
	eng, store := newSyncedEngine(t, adapter)

	adapter.listResult = remote.ListResult{Lines: []remote.Line{
		{ID: "rl-2", ProductID: "P2", Size: "L", Quantity: 1, Price: price("45")},
	}}
	if err := eng.Refresh(context.Background()); err != nil {
		t.Fatalf("unexpected refresh error: %v", err)
	}

	if store.Len() != 1 {
		t.Fatalf("expected wholesale replace, got %d lines", store.Len())
	}
	if _, ok := store.Get(cart.LineKey{ProductID: "P2", Size: "L"}); !ok {
		t.Fatal("expected refreshed contents")
	}
}

// Overlapping mutations on the same line: a stale confirmation arriving
// after a newer optimistic write must not overwrite the newer quantity.
func TestStaleConfirmationNeverOverwritesNewerValue(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	adapter := &fakeAdapter{gate: gate}
	eng, store := newSyncedEngine(t, adapter)

	done := make(chan error, 1)
	go func() {
		done <- eng.AddOrUpdate(context.Background(), "P1", "M", 1)
	}()

	// Wait for the optimistic apply of the first intent, then issue a
	// second intent before the first remote call resolves.
	waitForQuantity(t, store, cart.LineKey{ProductID: "P1", Size: "M"}, 1)

	go func() {
		done <- eng.AddOrUpdate(context.Background(), "P1", "M", 2)
	}()
	waitForQuantity(t, store, cart.LineKey{ProductID: "P1", Size: "M"}, 2)

	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("first mutation failed: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("second mutation failed: %v", err)
	}

	line, _ := store.Get(cart.LineKey{ProductID: "P1", Size: "M"})
	if line.Quantity != 2 {
		t.Fatalf("stale confirmation overwrote newer quantity: got %d", line.Quantity)
	}
}

func waitForQuantity(t *testing.T, store *cart.Store, key cart.LineKey, want int) {
	t.Helper()
	for range 2000 {
		if line, ok := store.Get(key); ok && line.Quantity == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	line, ok := store.Get(key)
	t.Fatalf("quantity never reached %d; line=%+v ok=%v", want, line, ok)
}

func TestSubscribersObserveMutationEvents(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{}
	eng, _ := newSyncedEngine(t, adapter)

	events, cancel := eng.Subscribe()
	defer cancel()

	if err := eng.AddOrUpdate(context.Background(), "P1", "M", 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	kinds := drainEvents(events)
	if !containsKind(kinds, EventStoreUpdated) || !containsKind(kinds, EventTotalUpdated) {
		t.Fatalf("expected store and total events, got %v", kinds)
	}
}

func TestSubscribersObserveErrorOnRollback(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{addErr: pkgerrors.New(pkgerrors.CodeOutOfStock, "gone")}
	eng, _ := newSyncedEngine(t, adapter)

	events, cancel := eng.Subscribe()
	defer cancel()

	_ = eng.AddOrUpdate(context.Background(), "P1", "M", 1)

	kinds := drainEvents(events)
	if !containsKind(kinds, EventError) {
		t.Fatalf("expected error event, got %v", kinds)
	}
}

func TestSubscribersObserveSessionInvalidation(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{listErr: pkgerrors.New(pkgerrors.CodeUnauthorized, "expired")}
	eng, _ := newTestEngine(t, adapter)

	events, cancel := eng.Subscribe()
	defer cancel()

	_ = eng.Load(context.Background())

	kinds := drainEvents(events)
	if !containsKind(kinds, EventSessionInvalidated) {
		t.Fatalf("expected session invalidated event, got %v", kinds)
	}
}

func TestCancelledSubscriptionStopsDelivery(t *testing.T) {
	t.Parallel()

	eng, _ := newSyncedEngine(t, &fakeAdapter{})
	events, cancel := eng.Subscribe()
	cancel()

	if _, open := <-events; open {
		t.Fatal("cancel should close the channel")
	}
}

func drainEvents(events <-chan Event) []EventKind {
	var kinds []EventKind
	for {
		select {
		case event := <-events:
			kinds = append(kinds, event.Kind)
		default:
			return kinds
		}
	}
}

func containsKind(kinds []EventKind, want EventKind) bool {
	for _, kind := range kinds {
		if kind == want {
			return true
		}
	}
	return false
}
