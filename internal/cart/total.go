package cart

import (
	"github.com/shopspring/decimal"
	"github.com/trove-shop/storefront/internal/catalog"
)

// ComputeTotal derives the cart total from the given lines and catalog
// index. Pure: no side effects, safe to call on every state change.
//
// A line whose product is missing from the catalog contributes zero and is
// reported in the second return value so the UI can flag it; a product that
// disappeared from the catalog must not crash total computation.
func ComputeTotal(lines []Line, index *catalog.Index, deliveryFee decimal.Decimal) (Total, []LineKey) {
	itemTotal := decimal.Zero
	var missing []LineKey

	for _, line := range lines {
		product, ok := index.Lookup(line.Key.ProductID)
		if !ok {
			missing = append(missing, line.Key)
			continue
		}
		lineTotal := product.EffectivePrice().Mul(decimal.NewFromInt(int64(line.Quantity)))
		itemTotal = itemTotal.Add(lineTotal)
	}

	return Total{
		ItemTotal: itemTotal,
		Delivery:  deliveryFee,
		Total:     itemTotal.Add(deliveryFee),
	}, missing
}
