package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/trove-shop/storefront/internal/catalog"
	pkgerrors "github.com/trove-shop/storefront/pkg/errors"
	"github.com/trove-shop/storefront/pkg/logger"
)

// ProductsClient fetches the product catalog from the storefront API. The
// catalog endpoint is public, so unlike the cart adapter no bearer token is
// attached.
type ProductsClient struct {
	httpClient *http.Client
	baseURL    string
	logg       *logger.Logger
}

// NewProductsClient builds a catalog source over GET {base}/products/.
func NewProductsClient(baseURL string, logg *logger.Logger, timeout time.Duration) (*ProductsClient, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, errBaseURLRequired
	}
	if logg == nil {
		return nil, errLoggerRequired
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ProductsClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    trimmed,
		logg:       logg,
	}, nil
}

type productPayload struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	MainImage    string           `json:"mainimage"`
	SalePrice    *decimal.Decimal `json:"sale_price"`
	RegularPrice decimal.Decimal  `json:"regular_price"`
	Size         string           `json:"size"`
}

// GetAll implements catalog.Source.
func (c *ProductsClient) GetAll(ctx context.Context) ([]catalog.ProductRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/products/", nil)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "build products request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logg.Error(ctx, "products fetch failed", err)
		return nil, pkgerrors.Wrap(pkgerrors.CodeNetwork, err, "fetch products")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, pkgerrors.New(pkgerrors.CodeFromStatus(resp.StatusCode), "fetch products").
			WithDetails(map[string]any{"status": resp.StatusCode})
	}

	var payload []productPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeNetwork, err, "decode products")
	}

	records := make([]catalog.ProductRecord, 0, len(payload))
	for _, item := range payload {
		if strings.TrimSpace(item.ID) == "" {
			return nil, pkgerrors.New(pkgerrors.CodeNetwork, "product entry missing id")
		}
		record := catalog.ProductRecord{
			ID:           item.ID,
			Name:         item.Name,
			Image:        item.MainImage,
			SalePrice:    item.SalePrice,
			RegularPrice: item.RegularPrice,
		}
		if size := strings.TrimSpace(item.Size); size != "" {
			record.Sizes = []string{size}
		}
		records = append(records, record)
	}

	c.logg.Debug(c.logg.WithField(ctx, "count", len(records)), "products fetched")
	return records, nil
}
