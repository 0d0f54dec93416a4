package cart

import "github.com/shopspring/decimal"

// LineKey uniquely identifies a cart line. The remote store may key lines
// by its own UUID; that id is adapter-mapped metadata, never part of the
// local key.
type LineKey struct {
	ProductID string
	Size      string
}

// Line is one (product, size) entry with a positive quantity. RemoteLineID
// is empty until the remote store has confirmed the line.
type Line struct {
	Key          LineKey
	Quantity     int
	RemoteLineID string
}

// Total is the derived cart total. Always recomputed, never stored.
type Total struct {
	ItemTotal decimal.Decimal
	Delivery  decimal.Decimal
	Total     decimal.Decimal
}

// Prior captures the value of a line immediately before a mutation, for
// exact rollback. Absent means the line did not exist.
type Prior struct {
	Line   Line
	Absent bool
}
