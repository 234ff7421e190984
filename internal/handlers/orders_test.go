package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/starbridge/api/internal/domain"
	"github.com/starbridge/api/internal/services"
)

// fakeEngine implements services.FulfillmentEngine with overridable funcs.
type fakeEngine struct {
	ProcessOrderFunc func(ctx context.Context, orderID string, chatID int64) error
	GetOrderFunc     func(ctx context.Context, orderID string) (domain.Order, *domain.Fulfillment, error)
	ListOffersFunc   func(ctx context.Context) ([]domain.Offer, error)
	GetBalanceFunc   func(ctx context.Context) (domain.Balance, error)
}

func (f *fakeEngine) ProcessOrder(ctx context.Context, orderID string, chatID int64) error {
	if f.ProcessOrderFunc != nil {
		return f.ProcessOrderFunc(ctx, orderID, chatID)
	}
	return nil
}

func (f *fakeEngine) GetOrder(ctx context.Context, orderID string) (domain.Order, *domain.Fulfillment, error) {
	if f.GetOrderFunc != nil {
		return f.GetOrderFunc(ctx, orderID)
	}
	return domain.Order{ID: orderID, Status: domain.OrderStatusFulfilled}, nil, nil
}

func (f *fakeEngine) ListOffers(ctx context.Context) ([]domain.Offer, error) {
	if f.ListOffersFunc != nil {
		return f.ListOffersFunc(ctx)
	}
	return nil, nil
}

func (f *fakeEngine) GetBalance(ctx context.Context) (domain.Balance, error) {
	if f.GetBalanceFunc != nil {
		return f.GetBalanceFunc(ctx)
	}
	return domain.Balance{}, nil
}

func newOrderRouter(engine services.FulfillmentEngine) http.Handler {
	orders := NewOrderHandlers(engine)
	catalog := NewCatalogHandlers(engine)
	return NewRouter(
		WithOrderRoutes(orders.Routes),
		WithCatalogRoutes(catalog.Routes),
	)
}

func TestProcessOrderEndpoint(t *testing.T) {
	var processed string
	var chat int64
	engine := &fakeEngine{
		ProcessOrderFunc: func(_ context.Context, orderID string, chatID int64) error {
			processed = orderID
			chat = chatID
			return nil
		},
		GetOrderFunc: func(_ context.Context, orderID string) (domain.Order, *domain.Fulfillment, error) {
			now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
			return domain.Order{
					ID:         orderID,
					Status:     domain.OrderStatusFulfilled,
					StarsTotal: 500,
					UpdatedAt:  now,
				}, &domain.Fulfillment{
					ID:         "ful_1",
					Status:     domain.FulfillmentStatusSuccess,
					StarsTotal: 500,
					Batches:    []domain.Batch{{Amount: 500, Status: domain.BatchStatusOK, TransferID: "tr_1"}},
					UpdatedAt:  now,
				}, nil
		},
	}

	router := newOrderRouter(engine)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders/ord_1/process", strings.NewReader(`{"chat_id": 42}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if processed != "ord_1" || chat != 42 {
		t.Errorf("engine called with order=%q chat=%d", processed, chat)
	}

	var payload orderPayload
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Status != "FULFILLED" || payload.Fulfillment == nil || payload.Fulfillment.StarsSent != 500 {
		t.Errorf("unexpected payload %+v", payload)
	}
}

func TestProcessOrderEndpointAcceptsEmptyBody(t *testing.T) {
	engine := &fakeEngine{}
	router := newOrderRouter(engine)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders/ord_2/process", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestProcessOrderEndpointNotFound(t *testing.T) {
	engine := &fakeEngine{
		ProcessOrderFunc: func(_ context.Context, orderID string, _ int64) error {
			return services.ErrOrderNotFound
		},
	}
	router := newOrderRouter(engine)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders/nope/process", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "order_not_found") {
		t.Errorf("body %s must carry the error code", rec.Body.String())
	}
}

func TestProcessOrderEndpointInternalError(t *testing.T) {
	engine := &fakeEngine{
		ProcessOrderFunc: func(context.Context, string, int64) error {
			return errors.New("delivery platform down")
		},
	}
	router := newOrderRouter(engine)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders/ord_3/process", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	// Upstream detail must not leak into the response body.
	if strings.Contains(rec.Body.String(), "delivery platform down") {
		t.Errorf("body %s leaks internal detail", rec.Body.String())
	}
}

func TestGetOrderEndpoint(t *testing.T) {
	engine := &fakeEngine{
		GetOrderFunc: func(_ context.Context, orderID string) (domain.Order, *domain.Fulfillment, error) {
			return domain.Order{ID: orderID, Status: domain.OrderStatusWaitingPayment, StarsTotal: 100}, nil, nil
		},
	}
	router := newOrderRouter(engine)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders/ord_4", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var payload orderPayload
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.ID != "ord_4" || payload.Status != "WAITING_PAYMENT" || payload.Fulfillment != nil {
		t.Errorf("unexpected payload %+v", payload)
	}
}

func TestListOffersEndpoint(t *testing.T) {
	engine := &fakeEngine{
		ListOffersFunc: func(context.Context) ([]domain.Offer, error) {
			return []domain.Offer{
				{ID: "off_1", Title: "100 stars", StarsAmount: 100, Price: 19900, Currency: "RUB", Active: true},
			}, nil
		},
	}
	router := newOrderRouter(engine)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/offers", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var payload struct {
		Items []offerPayload `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(payload.Items) != 1 || payload.Items[0].StarsAmount != 100 {
		t.Errorf("unexpected payload %+v", payload)
	}
}

func TestGetBalanceEndpoint(t *testing.T) {
	engine := &fakeEngine{
		GetBalanceFunc: func(context.Context) (domain.Balance, error) {
			return domain.Balance{Stars: 12345, DailyLimitLeft: 5000}, nil
		},
	}
	router := newOrderRouter(engine)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/balance", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var payload struct {
		Stars          int `json:"stars"`
		DailyLimitLeft int `json:"daily_limit_left"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Stars != 12345 || payload.DailyLimitLeft != 5000 {
		t.Errorf("unexpected payload %+v", payload)
	}
}

func TestUnknownRouteReturnsJSONError(t *testing.T) {
	router := newOrderRouter(&fakeEngine{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/unknown", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "route_not_found") {
		t.Errorf("body %s must carry the error code", rec.Body.String())
	}
}
