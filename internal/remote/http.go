package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	pkgerrors "github.com/trove-shop/storefront/pkg/errors"
	"github.com/trove-shop/storefront/pkg/logger"
)

const errorBodyReadLimit int64 = 1024

var (
	errBaseURLRequired     = errors.New("remote cart base url is required")
	errTokenSourceRequired = errors.New("token source is required")
	errLoggerRequired      = errors.New("logger is required")
)

// TokenSource supplies the bearer token attached to every remote call.
// An empty token means no session is stored.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// HTTPAdapter implements Adapter over the storefront cart API.
type HTTPAdapter struct {
	httpClient *http.Client
	baseURL    string
	tokens     TokenSource
	logg       *logger.Logger
}

// Option configures optional adapter behavior.
type Option func(*HTTPAdapter)

// WithHTTPClient overrides the default HTTP client. The client's timeout is
// the adapter-owned bound on a remote call that never resolves.
func WithHTTPClient(client *http.Client) Option {
	return func(a *HTTPAdapter) {
		if client != nil {
			a.httpClient = client
		}
	}
}

// WithTimeout sets the timeout on the default HTTP client.
func WithTimeout(timeout time.Duration) Option {
	return func(a *HTTPAdapter) {
		if timeout > 0 && a.httpClient != nil {
			a.httpClient.Timeout = timeout
		}
	}
}

// NewHTTPAdapter builds the cart API adapter.
func NewHTTPAdapter(baseURL string, tokens TokenSource, logg *logger.Logger, opts ...Option) (*HTTPAdapter, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, errBaseURLRequired
	}
	if tokens == nil {
		return nil, errTokenSourceRequired
	}
	if logg == nil {
		return nil, errLoggerRequired
	}

	adapter := &HTTPAdapter{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    trimmed,
		tokens:     tokens,
		logg:       logg,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(adapter)
		}
	}
	return adapter, nil
}

type remoteLinePayload struct {
	ID      string `json:"id"`
	Product struct {
		ID        string `json:"id"`
		Name      string `json:"name"`
		MainImage string `json:"mainimage"`
	} `json:"product"`
	Size     string          `json:"size"`
	Quantity int             `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
}

type listPayload struct {
	CartItems []remoteLinePayload `json:"cart_items"`
	Totals    *struct {
		ItemTotal decimal.Decimal `json:"item_total"`
		Delivery  decimal.Decimal `json:"delivery"`
		Total     decimal.Decimal `json:"total"`
	} `json:"totals"`
}

// List fetches the full remote cart.
func (a *HTTPAdapter) List(ctx context.Context) (ListResult, error) {
	resp, err := a.do(ctx, http.MethodGet, "/cart/", nil)
	if err != nil {
		return ListResult{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return ListResult{}, a.statusError(resp, "list cart")
	}

	var payload listPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return ListResult{}, pkgerrors.Wrap(pkgerrors.CodeNetwork, err, "decode cart list")
	}

	result := ListResult{Lines: make([]Line, 0, len(payload.CartItems))}
	for _, item := range payload.CartItems {
		result.Lines = append(result.Lines, Line{
			ID:          item.ID,
			ProductID:   item.Product.ID,
			ProductName: item.Product.Name,
			Image:       item.Product.MainImage,
			Size:        item.Size,
			Quantity:    item.Quantity,
			Price:       item.Price,
		})
	}
	if payload.Totals != nil {
		result.Totals = &Totals{
			ItemTotal: payload.Totals.ItemTotal,
			Delivery:  payload.Totals.Delivery,
			Total:     payload.Totals.Total,
		}
	}
	return result, nil
}

// Add creates a new remote line and returns its assigned id.
func (a *HTTPAdapter) Add(ctx context.Context, productID, size string, quantity int) (AddResult, error) {
	body := map[string]any{
		"product_id": productID,
		"size":       size,
		"quantity":   quantity,
	}
	resp, err := a.do(ctx, http.MethodPost, "/cart/add/", body)
	if err != nil {
		return AddResult{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return AddResult{}, a.statusError(resp, "add cart line")
	}

	var payload struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return AddResult{}, pkgerrors.Wrap(pkgerrors.CodeNetwork, err, "decode add response")
	}
	if strings.TrimSpace(payload.ID) == "" {
		return AddResult{}, pkgerrors.New(pkgerrors.CodeNetwork, "add response missing line id")
	}
	return AddResult{RemoteLineID: payload.ID}, nil
}

// Update sets the quantity on an existing remote line.
func (a *HTTPAdapter) Update(ctx context.Context, remoteLineID string, quantity int) error {
	if strings.TrimSpace(remoteLineID) == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "remote line id is required")
	}
	path := fmt.Sprintf("/cart/update/%s/", url.PathEscape(remoteLineID))
	resp, err := a.do(ctx, http.MethodPut, path, map[string]any{"quantity": quantity})
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return a.statusError(resp, "update cart line")
	}
	return nil
}

// Remove deletes an existing remote line.
func (a *HTTPAdapter) Remove(ctx context.Context, remoteLineID string) error {
	if strings.TrimSpace(remoteLineID) == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "remote line id is required")
	}
	path := fmt.Sprintf("/cart/remove/%s/", url.PathEscape(remoteLineID))
	resp, err := a.do(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return a.statusError(resp, "remove cart line")
	}
	return nil
}

func (a *HTTPAdapter) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	token, err := a.tokens.Token(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "read access token")
	}
	if strings.TrimSpace(token) == "" {
		// No stored session; fail before the network the way the original
		// client redirected to login without issuing the request.
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "no access token stored")
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "marshal request body")
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "build request")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		a.logg.Error(ctx, "remote cart call failed", err)
		return nil, pkgerrors.Wrap(pkgerrors.CodeNetwork, err, fmt.Sprintf("%s %s", method, path))
	}
	a.logg.Debug(a.logg.WithFields(ctx, map[string]any{
		"method": method,
		"path":   path,
		"status": resp.StatusCode,
	}), "remote cart call")
	return resp, nil
}

func (a *HTTPAdapter) statusError(resp *http.Response, action string) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyReadLimit))

	message := strings.TrimSpace(string(raw))
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Error != "" {
		message = payload.Error
	}
	if message == "" {
		message = fmt.Sprintf("%s failed with status %d", action, resp.StatusCode)
	}

	code := pkgerrors.CodeFromStatus(resp.StatusCode)
	return pkgerrors.New(code, message).WithDetails(map[string]any{
		"status": resp.StatusCode,
		"action": action,
	})
}
