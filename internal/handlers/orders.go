package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/starbridge/api/internal/domain"
	"github.com/starbridge/api/internal/platform/httpx"
	"github.com/starbridge/api/internal/platform/requestctx"
	"github.com/starbridge/api/internal/services"
)

const maxProcessBodySize = 4 * 1024

type processOrderRequest struct {
	ChatID int64 `json:"chat_id"`
}

type batchPayload struct {
	Amount     int    `json:"amount"`
	TransferID string `json:"transfer_id,omitempty"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
}

type fulfillmentPayload struct {
	ID         string         `json:"id"`
	Status     string         `json:"status"`
	Recipient  string         `json:"recipient"`
	StarsTotal int            `json:"stars_total"`
	StarsSent  int            `json:"stars_sent"`
	Batches    []batchPayload `json:"batches,omitempty"`
	Notes      string         `json:"notes,omitempty"`
	UpdatedAt  string         `json:"updated_at"`
}

type orderPayload struct {
	ID          string              `json:"id"`
	Status      string              `json:"status"`
	Recipient   string              `json:"recipient,omitempty"`
	StarsTotal  int                 `json:"stars_total"`
	Currency    string              `json:"currency,omitempty"`
	TotalPrice  int64               `json:"total_price,omitempty"`
	CreatedAt   string              `json:"created_at,omitempty"`
	UpdatedAt   string              `json:"updated_at,omitempty"`
	Fulfillment *fulfillmentPayload `json:"fulfillment,omitempty"`
}

type offerPayload struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	StarsAmount int    `json:"stars_amount"`
	Price       int64  `json:"price"`
	Currency    string `json:"currency"`
	Active      bool   `json:"active"`
}

// OrderHandlers exposes the order processing and lookup endpoints.
type OrderHandlers struct {
	engine services.FulfillmentEngine
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(engine services.FulfillmentEngine) *OrderHandlers {
	return &OrderHandlers{engine: engine}
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/{orderID}/process", h.processOrder)
	r.Get("/{orderID}", h.getOrder)
}

func (h *OrderHandlers) processOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.engine == nil {
		httpx.WriteError(ctx, w, httpx.NewError("engine_unavailable", "fulfillment engine unavailable", http.StatusServiceUnavailable))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	// The body is optional; it only carries the buyer chat for notifications.
	var req processOrderRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxProcessBodySize))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unable to read request body", http.StatusBadRequest))
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
			return
		}
	}

	if err := h.engine.ProcessOrder(ctx, orderID, req.ChatID); err != nil {
		writeEngineError(w, r, err)
		return
	}

	order, fulfillment, err := h.engine.GetOrder(ctx, orderID)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toOrderPayload(order, fulfillment))
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.engine == nil {
		httpx.WriteError(ctx, w, httpx.NewError("engine_unavailable", "fulfillment engine unavailable", http.StatusServiceUnavailable))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	order, fulfillment, err := h.engine.GetOrder(ctx, orderID)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toOrderPayload(order, fulfillment))
}

// CatalogHandlers exposes the offer catalogue and delivery balance.
type CatalogHandlers struct {
	engine services.FulfillmentEngine
}

// NewCatalogHandlers constructs a new CatalogHandlers instance.
func NewCatalogHandlers(engine services.FulfillmentEngine) *CatalogHandlers {
	return &CatalogHandlers{engine: engine}
}

// Routes registers the top-level catalogue endpoints.
func (h *CatalogHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/offers", h.listOffers)
	r.Get("/balance", h.getBalance)
}

func (h *CatalogHandlers) listOffers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	offers, err := h.engine.ListOffers(ctx)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}

	items := make([]offerPayload, 0, len(offers))
	for _, offer := range offers {
		items = append(items, offerPayload{
			ID:          offer.ID,
			Title:       offer.Title,
			StarsAmount: offer.StarsAmount,
			Price:       offer.Price,
			Currency:    offer.Currency,
			Active:      offer.Active,
		})
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *CatalogHandlers) getBalance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	balance, err := h.engine.GetBalance(ctx)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"stars":            balance.Stars,
		"daily_limit_left": balance.DailyLimitLeft,
	})
}

func writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	if errors.Is(err, services.ErrOrderNotFound) {
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", err.Error(), http.StatusNotFound))
		return
	}
	requestctx.Logger(ctx).Error("order request failed", zap.Error(err))
	httpx.WriteError(ctx, w, httpx.NewError("internal_error", "order processing failed", http.StatusInternalServerError))
}

func toOrderPayload(order domain.Order, fulfillment *domain.Fulfillment) orderPayload {
	payload := orderPayload{
		ID:         order.ID,
		Status:     string(order.Status),
		Recipient:  order.RecipientHandle,
		StarsTotal: order.StarsTotal,
		Currency:   order.Currency,
		TotalPrice: order.TotalPrice,
	}
	if !order.CreatedAt.IsZero() {
		payload.CreatedAt = order.CreatedAt.UTC().Format(time.RFC3339)
	}
	if !order.UpdatedAt.IsZero() {
		payload.UpdatedAt = order.UpdatedAt.UTC().Format(time.RFC3339)
	}
	if fulfillment != nil {
		payload.Fulfillment = toFulfillmentPayload(*fulfillment)
	}
	return payload
}

func toFulfillmentPayload(fulfillment domain.Fulfillment) *fulfillmentPayload {
	batches := make([]batchPayload, 0, len(fulfillment.Batches))
	for _, batch := range fulfillment.Batches {
		batches = append(batches, batchPayload{
			Amount:     batch.Amount,
			TransferID: batch.TransferID,
			Status:     string(batch.Status),
			Error:      batch.Error,
		})
	}
	return &fulfillmentPayload{
		ID:         fulfillment.ID,
		Status:     string(fulfillment.Status),
		Recipient:  fulfillment.Recipient,
		StarsTotal: fulfillment.StarsTotal,
		StarsSent:  fulfillment.SentStars(),
		Batches:    batches,
		Notes:      fulfillment.Notes,
		UpdatedAt:  fulfillment.UpdatedAt.UTC().Format(time.RFC3339),
	}
}
