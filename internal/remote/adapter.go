// Package remote speaks to the authoritative cart store. The engine depends
// on the Adapter contract only; the HTTP implementation maps the wire shapes
// and failure statuses onto the client taxonomy.
package remote

import (
	"context"

	"github.com/shopspring/decimal"
)

// Line is the server-side representation of one cart line.
type Line struct {
	ID          string
	ProductID   string
	ProductName string
	Image       string
	Size        string
	Quantity    int
	Price       decimal.Decimal
}

// Totals carries the server-computed aggregate when the remote includes one.
type Totals struct {
	ItemTotal decimal.Decimal
	Delivery  decimal.Decimal
	Total     decimal.Decimal
}

// ListResult is the full remote cart as returned by List.
type ListResult struct {
	Lines  []Line
	Totals *Totals
}

// AddResult reports the id the remote store assigned to a new line.
type AddResult struct {
	RemoteLineID string
}

// Adapter is the narrow contract over the four remote cart operations.
// Implementations surface failures as pkg/errors codes: CodeUnauthorized,
// CodeOutOfStock, CodeValidation, CodeNotFound, or CodeNetwork.
type Adapter interface {
	List(ctx context.Context) (ListResult, error)
	Add(ctx context.Context, productID, size string, quantity int) (AddResult, error)
	Update(ctx context.Context, remoteLineID string, quantity int) error
	Remove(ctx context.Context, remoteLineID string) error
}
