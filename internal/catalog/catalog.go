// Package catalog holds the read-only product catalog the cart engine prices
// against. The catalog is owned by an external source; this package only
// fetches, indexes, and serves lookups.
package catalog

import (
	"context"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	pkgerrors "github.com/trove-shop/storefront/pkg/errors"
	"github.com/trove-shop/storefront/pkg/logger"
)

// ProductRecord mirrors one product as the catalog source exposes it.
// SalePrice, when set, takes precedence over RegularPrice.
type ProductRecord struct {
	ID           string
	Name         string
	Image        string
	SalePrice    *decimal.Decimal
	RegularPrice decimal.Decimal
	Sizes        []string
}

// EffectivePrice returns the unit price a cart line pays for this product.
func (p ProductRecord) EffectivePrice() decimal.Decimal {
	if p.SalePrice != nil {
		return *p.SalePrice
	}
	return p.RegularPrice
}

// HasSizes reports whether the product declares size variants. A product
// with variants requires a size on every cart mutation.
func (p ProductRecord) HasSizes() bool {
	return len(p.Sizes) > 0
}

// HasSize reports whether the given variant is one the product declares.
func (p ProductRecord) HasSize(size string) bool {
	for _, s := range p.Sizes {
		if strings.EqualFold(s, size) {
			return true
		}
	}
	return false
}

// Source fetches the full product list from the external catalog.
type Source interface {
	GetAll(ctx context.Context) ([]ProductRecord, error)
}

// Index is an immutable by-ID lookup over a catalog fetch.
type Index struct {
	byID map[string]ProductRecord
}

// NewIndex builds an index from the given records. Later duplicates of the
// same ID win, matching a full re-fetch replacing earlier state.
func NewIndex(records []ProductRecord) *Index {
	byID := make(map[string]ProductRecord, len(records))
	for _, record := range records {
		if record.ID == "" {
			continue
		}
		byID[record.ID] = record
	}
	return &Index{byID: byID}
}

// Lookup returns the product for the given ID.
func (i *Index) Lookup(productID string) (ProductRecord, bool) {
	if i == nil {
		return ProductRecord{}, false
	}
	record, ok := i.byID[productID]
	return record, ok
}

// Len reports the number of indexed products.
func (i *Index) Len() int {
	if i == nil {
		return 0
	}
	return len(i.byID)
}

// Loader fetches the catalog once per session and keeps the index current.
type Loader struct {
	source Source
	logg   *logger.Logger

	mu      sync.RWMutex
	index   *Index
	loadErr error
	loaded  bool
}

// NewLoader builds a catalog loader over the given source.
func NewLoader(source Source, logg *logger.Logger) (*Loader, error) {
	if source == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "catalog source is required")
	}
	if logg == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "logger is required")
	}
	return &Loader{source: source, logg: logg}, nil
}

// Load fetches and indexes the catalog, replacing any prior index. The
// previous index stays in place when the fetch fails, so cart totals keep
// pricing against the last good catalog.
func (l *Loader) Load(ctx context.Context) error {
	records, err := l.source.GetAll(ctx)
	if err != nil {
		wrapped := pkgerrors.Wrap(pkgerrors.CodeNetwork, err, "fetch product catalog")
		l.mu.Lock()
		l.loadErr = wrapped
		l.mu.Unlock()
		l.logg.Error(ctx, "catalog load failed", err)
		return wrapped
	}

	index := NewIndex(records)
	l.mu.Lock()
	l.index = index
	l.loadErr = nil
	l.loaded = true
	l.mu.Unlock()

	l.logg.Info(l.logg.WithField(ctx, "products", index.Len()), "catalog loaded")
	return nil
}

// Index returns the current catalog index, which may be nil before the
// first successful load.
func (l *Loader) Index() *Index {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.index
}

// Loaded reports whether at least one load has succeeded.
func (l *Loader) Loaded() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.loaded
}

// Err returns the most recent load failure, nil after a successful load.
func (l *Loader) Err() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.loadErr
}
