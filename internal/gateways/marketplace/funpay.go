package marketplace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/starbridge/api/internal/domain"
)

const defaultHTTPTimeout = 15 * time.Second

type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// FunPayClientConfig configures the FunPay bridge client.
type FunPayClientConfig struct {
	BaseURL   string
	AuthToken string
	// HTTPClient overrides the transport, primarily for tests.
	HTTPClient httpDoer
}

// FunPayClient implements Provider against the FunPay bridge HTTP API, a
// thin REST facade in front of the marketplace account.
type FunPayClient struct {
	baseURL string
	token   string
	http    httpDoer
}

// NewFunPayClient constructs a client for the bridge at cfg.BaseURL.
func NewFunPayClient(cfg FunPayClientConfig) (*FunPayClient, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("funpay client: base url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("funpay client: invalid base url: %w", err)
	}

	doer := cfg.HTTPClient
	if doer == nil {
		doer = &http.Client{Timeout: defaultHTTPTimeout}
	}

	return &FunPayClient{
		baseURL: base,
		token:   strings.TrimSpace(cfg.AuthToken),
		http:    doer,
	}, nil
}

type funpayOrder struct {
	OrderID       string    `json:"order_id"`
	OfferID       string    `json:"offer_id"`
	Quantity      int       `json:"quantity"`
	BuyerUsername string    `json:"buyer_username"`
	BuyerLogin    string    `json:"buyer_login"`
	TotalPrice    int64     `json:"total_price"`
	Currency      string    `json:"currency"`
	Recipient     string    `json:"recipient"`
	StarsAmount   int       `json:"stars_amount"`
	CreatedAt     time.Time `json:"created_at"`
}

type funpayOffer struct {
	OfferID     string `json:"offer_id"`
	Title       string `json:"title"`
	StarsAmount int    `json:"stars_amount"`
	Price       int64  `json:"price"`
	Currency    string `json:"currency"`
	Active      bool   `json:"active"`
}

type funpayPayment struct {
	Paid   bool       `json:"paid"`
	PaidAt *time.Time `json:"paid_at"`
	Method string     `json:"method"`
	TxID   string     `json:"tx_id"`
}

// GetOrder implements Provider.
func (c *FunPayClient) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	var payload funpayOrder
	if err := c.get(ctx, "/v1/orders/"+url.PathEscape(orderID), &payload); err != nil {
		return domain.Order{}, err
	}

	// StarsTotal from the marketplace is per-unit size x quantity; the
	// bridge reports the already-multiplied amount.
	return domain.Order{
		ID:              payload.OrderID,
		OfferID:         payload.OfferID,
		Quantity:        payload.Quantity,
		BuyerUsername:   payload.BuyerUsername,
		BuyerLogin:      payload.BuyerLogin,
		TotalPrice:      payload.TotalPrice,
		Currency:        payload.Currency,
		Status:          domain.OrderStatusNew,
		RecipientHandle: payload.Recipient,
		StarsTotal:      payload.StarsAmount,
		CreatedAt:       payload.CreatedAt,
	}, nil
}

// ListOffers implements Provider.
func (c *FunPayClient) ListOffers(ctx context.Context) ([]domain.Offer, error) {
	var payload struct {
		Offers []funpayOffer `json:"offers"`
	}
	if err := c.get(ctx, "/v1/offers", &payload); err != nil {
		return nil, err
	}

	offers := make([]domain.Offer, 0, len(payload.Offers))
	for _, o := range payload.Offers {
		offers = append(offers, domain.Offer{
			ID:          o.OfferID,
			Title:       o.Title,
			StarsAmount: o.StarsAmount,
			Price:       o.Price,
			Currency:    o.Currency,
			Active:      o.Active,
		})
	}
	return offers, nil
}

// VerifyPayment implements Provider.
func (c *FunPayClient) VerifyPayment(ctx context.Context, orderID string) (domain.PaymentConfirmation, error) {
	var payload funpayPayment
	if err := c.get(ctx, "/v1/orders/"+url.PathEscape(orderID)+"/payment", &payload); err != nil {
		return domain.PaymentConfirmation{}, err
	}
	return domain.PaymentConfirmation{
		Paid:   payload.Paid,
		PaidAt: payload.PaidAt,
		Method: payload.Method,
		TxID:   payload.TxID,
	}, nil
}

func (c *FunPayClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("funpay client: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("funpay client: %s: %w", path, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrOrderNotFound, path)
	case resp.StatusCode >= 400:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("funpay client: %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("funpay client: decode %s: %w", path, err)
	}
	return nil
}
