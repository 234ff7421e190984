package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/starbridge/api/internal/platform/config"
	"github.com/starbridge/api/internal/platform/httpx"
	"github.com/starbridge/api/internal/services"
)

const (
	maxWebhookBodySize = 64 * 1024

	defaultSignatureHeader = "X-Marketplace-Signature"
	defaultTimestampHeader = "X-Marketplace-Timestamp"
	defaultNonceHeader     = "X-Marketplace-Nonce"
	defaultClockSkew       = 5 * time.Minute
	defaultNonceTTL        = 10 * time.Minute

	eventOrderPaid = "order.paid"
)

type marketplaceEvent struct {
	Type    string `json:"type"`
	OrderID string `json:"order_id"`
	ChatID  int64  `json:"chat_id"`
}

// WebhookHandlers receives signed marketplace callbacks. A valid
// "order.paid" event triggers a processing run; everything else is
// acknowledged and dropped.
type WebhookHandlers struct {
	engine services.FulfillmentEngine
	logger *zap.Logger

	secret          []byte
	signatureHeader string
	timestampHeader string
	nonceHeader     string
	clockSkew       time.Duration
	nonceTTL        time.Duration

	clock  func() time.Time
	launch func(fn func())

	mu     sync.Mutex
	nonces map[string]time.Time
}

// WebhookOption customises the webhook handlers.
type WebhookOption func(*WebhookHandlers)

// WithWebhookClock overrides the time source. Test seam.
func WithWebhookClock(clock func() time.Time) WebhookOption {
	return func(h *WebhookHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// WithWebhookLauncher overrides how the processing run is dispatched. The
// default detaches a goroutine; tests run synchronously.
func WithWebhookLauncher(launch func(fn func())) WebhookOption {
	return func(h *WebhookHandlers) {
		if launch != nil {
			h.launch = launch
		}
	}
}

// NewWebhookHandlers constructs handlers enforcing the given signing config.
func NewWebhookHandlers(engine services.FulfillmentEngine, cfg config.WebhookConfig, logger *zap.Logger, opts ...WebhookOption) *WebhookHandlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &WebhookHandlers{
		engine:          engine,
		logger:          logger,
		secret:          []byte(cfg.Secret),
		signatureHeader: cfg.SignatureHeader,
		timestampHeader: cfg.TimestampHeader,
		nonceHeader:     cfg.NonceHeader,
		clockSkew:       cfg.ClockSkew,
		nonceTTL:        cfg.NonceTTL,
		clock:           func() time.Time { return time.Now().UTC() },
		launch:          func(fn func()) { go fn() },
		nonces:          make(map[string]time.Time),
	}
	if h.signatureHeader == "" {
		h.signatureHeader = defaultSignatureHeader
	}
	if h.timestampHeader == "" {
		h.timestampHeader = defaultTimestampHeader
	}
	if h.nonceHeader == "" {
		h.nonceHeader = defaultNonceHeader
	}
	if h.clockSkew <= 0 {
		h.clockSkew = defaultClockSkew
	}
	if h.nonceTTL <= 0 {
		h.nonceTTL = defaultNonceTTL
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes registers the /webhooks endpoints.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/marketplace", h.marketplace)
}

func (h *WebhookHandlers) marketplace(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if len(h.secret) == 0 {
		httpx.WriteError(ctx, w, httpx.NewError("webhooks_disabled", "webhook secret not configured", http.StatusServiceUnavailable))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodySize))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unable to read request body", http.StatusBadRequest))
		return
	}

	timestamp := strings.TrimSpace(r.Header.Get(h.timestampHeader))
	nonce := strings.TrimSpace(r.Header.Get(h.nonceHeader))
	signature := strings.TrimSpace(r.Header.Get(h.signatureHeader))
	if timestamp == "" || nonce == "" || signature == "" {
		httpx.WriteError(ctx, w, httpx.NewError("signature_required", "missing signature headers", http.StatusUnauthorized))
		return
	}

	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "timestamp must be a unix epoch", http.StatusUnauthorized))
		return
	}
	now := h.clock()
	sent := time.Unix(unix, 0)
	if sent.Before(now.Add(-h.clockSkew)) || sent.After(now.Add(h.clockSkew)) {
		httpx.WriteError(ctx, w, httpx.NewError("stale_signature", "timestamp outside the accepted window", http.StatusUnauthorized))
		return
	}

	if !h.validSignature(timestamp, nonce, body, signature) {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "signature mismatch", http.StatusUnauthorized))
		return
	}

	if !h.recordNonce(nonce, now) {
		httpx.WriteError(ctx, w, httpx.NewError("replayed_nonce", "nonce already used", http.StatusConflict))
		return
	}

	var event marketplaceEvent
	if err := json.Unmarshal(body, &event); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "event body must be valid JSON", http.StatusBadRequest))
		return
	}

	if event.Type != eventOrderPaid || strings.TrimSpace(event.OrderID) == "" {
		h.logger.Info("ignoring marketplace event", zap.String("type", event.Type))
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"status": "ignored"})
		return
	}

	// The run outlives the webhook request: the marketplace only needs an
	// ack, the fulfillment result reaches the buyer via notifications.
	runCtx := context.WithoutCancel(ctx)
	h.launch(func() {
		if err := h.engine.ProcessOrder(runCtx, event.OrderID, event.ChatID); err != nil {
			h.logger.Error("webhook-triggered processing failed",
				zap.String("order_id", event.OrderID),
				zap.Error(err),
			)
		}
	})

	httpx.WriteJSON(w, http.StatusAccepted, map[string]any{"status": "accepted"})
}

func (h *WebhookHandlers) validSignature(timestamp, nonce string, body []byte, signature string) bool {
	mac := hmac.New(sha256.New, h.secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write([]byte(nonce))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(signature)))
}

// recordNonce remembers the nonce for the TTL window and reports whether it
// was fresh. Expired entries are pruned on the way through.
func (h *WebhookHandlers) recordNonce(nonce string, now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	for existing, seenAt := range h.nonces {
		if now.Sub(seenAt) > h.nonceTTL {
			delete(h.nonces, existing)
		}
	}
	if _, seen := h.nonces[nonce]; seen {
		return false
	}
	h.nonces[nonce] = now
	return true
}
