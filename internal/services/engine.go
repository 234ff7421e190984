package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/starbridge/api/internal/domain"
	"github.com/starbridge/api/internal/gateways/delivery"
	"github.com/starbridge/api/internal/gateways/marketplace"
	"github.com/starbridge/api/internal/notify"
	"github.com/starbridge/api/internal/platform/jobs"
	"github.com/starbridge/api/internal/platform/locks"
	"github.com/starbridge/api/internal/platform/retry"
	"github.com/starbridge/api/internal/repositories"
)

const (
	defaultMinPerTransfer  = 50
	defaultMaxPerBatch     = 20000
	defaultInterBatchDelay = 1000 * time.Millisecond

	// exhaustedBatchError is the synthesized failure recorded when a batch
	// runs out of retry attempts on a retryable error code.
	exhaustedBatchError = "max retries exceeded"
)

// FulfillmentEngineDeps carries every collaborator the engine needs. All
// gateway and store fields are required; the rest default sensibly.
type FulfillmentEngineDeps struct {
	Orders       repositories.OrderRepository
	Fulfillments repositories.FulfillmentRepository
	Marketplace  marketplace.Provider
	Delivery     delivery.Provider
	Notifier     notify.Sink
	Events       OrderEventPublisher
	Guard        locks.Registry

	// VerifyRetry governs payment verification; every transport failure is
	// retried. TransferRetry governs transfers; only retryable result
	// codes are retried.
	VerifyRetry   retry.Policy
	TransferRetry retry.Policy

	MinPerTransfer  int
	MaxPerBatch     int
	InterBatchDelay time.Duration

	Clock       func() time.Time
	IDGenerator func() string
	Sleep       func(ctx context.Context, d time.Duration) error
	Logger      *zap.Logger
}

type fulfillmentEngine struct {
	orders       repositories.OrderRepository
	fulfillments repositories.FulfillmentRepository
	marketplace  marketplace.Provider
	delivery     delivery.Provider
	notifier     notify.Sink
	events       OrderEventPublisher
	guard        locks.Registry

	verifyRetry   retry.Policy
	transferRetry retry.Policy

	minPerTransfer  int
	maxPerBatch     int
	interBatchDelay time.Duration

	clock       func() time.Time
	idGenerator func() string
	sleep       func(ctx context.Context, d time.Duration) error
	logger      *zap.Logger
}

// NewFulfillmentEngine validates deps and constructs the engine.
func NewFulfillmentEngine(deps FulfillmentEngineDeps) (FulfillmentEngine, error) {
	if deps.Orders == nil {
		return nil, errors.New("fulfillment engine: order repository is required")
	}
	if deps.Fulfillments == nil {
		return nil, errors.New("fulfillment engine: fulfillment repository is required")
	}
	if deps.Marketplace == nil {
		return nil, errors.New("fulfillment engine: marketplace provider is required")
	}
	if deps.Delivery == nil {
		return nil, errors.New("fulfillment engine: delivery provider is required")
	}
	if deps.Notifier == nil {
		return nil, errors.New("fulfillment engine: notification sink is required")
	}
	if deps.Guard == nil {
		return nil, errors.New("fulfillment engine: single-flight guard is required")
	}

	engine := &fulfillmentEngine{
		orders:          deps.Orders,
		fulfillments:    deps.Fulfillments,
		marketplace:     deps.Marketplace,
		delivery:        deps.Delivery,
		notifier:        deps.Notifier,
		events:          deps.Events,
		guard:           deps.Guard,
		verifyRetry:     deps.VerifyRetry,
		transferRetry:   deps.TransferRetry,
		minPerTransfer:  deps.MinPerTransfer,
		maxPerBatch:     deps.MaxPerBatch,
		interBatchDelay: deps.InterBatchDelay,
		clock:           deps.Clock,
		idGenerator:     deps.IDGenerator,
		sleep:           deps.Sleep,
		logger:          deps.Logger,
	}

	if engine.verifyRetry.MaxAttempts <= 0 {
		engine.verifyRetry.MaxAttempts = 5
	}
	if engine.transferRetry.MaxAttempts <= 0 {
		engine.transferRetry.MaxAttempts = 5
	}
	if engine.minPerTransfer <= 0 {
		engine.minPerTransfer = defaultMinPerTransfer
	}
	if engine.maxPerBatch <= 0 {
		engine.maxPerBatch = defaultMaxPerBatch
	}
	if engine.interBatchDelay <= 0 {
		engine.interBatchDelay = defaultInterBatchDelay
	}
	if engine.clock == nil {
		engine.clock = func() time.Time { return time.Now().UTC() }
	}
	if engine.idGenerator == nil {
		engine.idGenerator = func() string { return "ful_" + ulid.Make().String() }
	}
	if engine.sleep == nil {
		engine.sleep = func(ctx context.Context, d time.Duration) error {
			if d <= 0 {
				return nil
			}
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		}
	}
	if engine.logger == nil {
		engine.logger = zap.NewNop()
	}

	return engine, nil
}

// ProcessOrder implements FulfillmentEngine.
func (e *fulfillmentEngine) ProcessOrder(ctx context.Context, orderID string, chatID int64) error {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return errors.New("fulfillment engine: order id is required")
	}

	acquired, release, err := e.guard.TryAcquire(ctx, orderID)
	if err != nil {
		return fmt.Errorf("fulfillment engine: acquire guard for %s: %w", orderID, err)
	}
	if !acquired {
		e.logger.Info("order already being processed", zap.String("order_id", orderID))
		return nil
	}
	defer release()

	if err := e.run(ctx, orderID, chatID); err != nil {
		e.logger.Error("order processing failed",
			zap.String("order_id", orderID),
			zap.Error(err),
		)
		if errors.Is(err, ErrOrderNotFound) {
			e.notifyUser(ctx, chatID, fmt.Sprintf("Order %s was not found. Please check the order id.", orderID))
			e.notifyAdmin(ctx, fmt.Sprintf("Order %s not found in store or marketplace.", orderID))
		} else {
			e.notifyUser(ctx, chatID, fmt.Sprintf("Order %s could not be processed right now. Please try again later.", orderID))
			e.notifyAdmin(ctx, fmt.Sprintf("Order %s processing error: %v", orderID, err))
		}
		return err
	}
	return nil
}

func (e *fulfillmentEngine) run(ctx context.Context, orderID string, chatID int64) error {
	order, err := e.loadOrder(ctx, orderID)
	if err != nil {
		return err
	}

	// Order-level idempotency: an order with a SUCCESS fulfillment only
	// replays its success notification.
	if existing, err := e.fulfillments.FindByOrder(ctx, order.ID); err == nil {
		if existing.Status == domain.FulfillmentStatusSuccess {
			e.replaySuccess(ctx, order, existing, chatID)
			return nil
		}
	} else if !repositories.IsNotFound(err) {
		return fmt.Errorf("load fulfillment for %s: %w", order.ID, err)
	}

	if !domain.ValidRecipient(order.RecipientHandle) {
		if err := e.setStatus(ctx, &order, domain.OrderStatusNeedsUsername); err != nil {
			return err
		}
		e.notifyUser(ctx, chatID, fmt.Sprintf("Order %s needs a valid Telegram username before stars can be sent.", order.ID))
		return nil
	}
	recipient := domain.NormalizeRecipient(order.RecipientHandle)

	confirmation, err := e.verifyPayment(ctx, order.ID)
	if err != nil {
		return err
	}
	if !confirmation.Paid {
		if err := e.setStatus(ctx, &order, domain.OrderStatusWaitingPayment); err != nil {
			return err
		}
		e.notifyUser(ctx, chatID, fmt.Sprintf("Order %s: payment not confirmed yet. Stars will be sent once the payment clears.", order.ID))
		return nil
	}
	// An order left in FULFILLING by an interrupted run resumes without
	// stepping back to PAID.
	if order.Status != domain.OrderStatusFulfilling {
		if err := e.setStatus(ctx, &order, domain.OrderStatusPaid); err != nil {
			return err
		}
	}

	balance, err := e.delivery.GetBalance(ctx)
	if err != nil {
		return fmt.Errorf("delivery balance: %w", err)
	}
	if balance.Stars < order.StarsTotal {
		if err := e.setStatus(ctx, &order, domain.OrderStatusNeedsBalance); err != nil {
			return err
		}
		e.notifyAdmin(ctx, fmt.Sprintf("Balance too low for order %s: need %d, have %d", order.ID, order.StarsTotal, balance.Stars))
		e.notifyUser(ctx, chatID, fmt.Sprintf("Order %s is paid and queued; delivery will start shortly.", order.ID))
		return nil
	}

	if order.StarsTotal < e.minPerTransfer {
		e.logger.Warn("order below minimum transfer amount",
			zap.String("order_id", order.ID),
			zap.Int("stars_total", order.StarsTotal),
			zap.Int("min_per_transfer", e.minPerTransfer),
		)
	}

	if err := e.setStatus(ctx, &order, domain.OrderStatusFulfilling); err != nil {
		return err
	}

	now := e.clock()
	fulfillment := domain.Fulfillment{
		ID:         e.idGenerator(),
		OrderID:    order.ID,
		Recipient:  recipient,
		StarsTotal: order.StarsTotal,
		Status:     domain.FulfillmentStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.fulfillments.Create(ctx, fulfillment); err != nil {
		return fmt.Errorf("create fulfillment for %s: %w", order.ID, err)
	}

	fulfillment.Batches = e.transferBatches(ctx, order.ID, recipient, order.StarsTotal)

	return e.finalize(ctx, &order, &fulfillment, chatID)
}

// loadOrder prefers the store; a miss falls through to the marketplace and
// persists the fetched order as NEW.
func (e *fulfillmentEngine) loadOrder(ctx context.Context, orderID string) (domain.Order, error) {
	order, err := e.orders.FindByID(ctx, orderID)
	if err == nil {
		return order, nil
	}
	if !repositories.IsNotFound(err) {
		return domain.Order{}, fmt.Errorf("load order %s: %w", orderID, err)
	}

	order, err = e.marketplace.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, marketplace.ErrOrderNotFound) {
			return domain.Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
		}
		return domain.Order{}, fmt.Errorf("marketplace order %s: %w", orderID, err)
	}

	now := e.clock()
	order.Status = domain.OrderStatusNew
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now
	if err := e.orders.Save(ctx, order); err != nil {
		return domain.Order{}, fmt.Errorf("save order %s: %w", orderID, err)
	}
	return order, nil
}

func (e *fulfillmentEngine) replaySuccess(ctx context.Context, order domain.Order, fulfillment domain.Fulfillment, chatID int64) {
	if normalized := domain.NormalizeRecipient(order.RecipientHandle); fulfillment.Recipient != normalized {
		e.logger.Warn("successful fulfillment recipient differs from order handle",
			zap.String("order_id", order.ID),
			zap.String("fulfillment_recipient", fulfillment.Recipient),
			zap.String("order_recipient", normalized),
		)
	}
	e.logger.Info("order already fulfilled, replaying success",
		zap.String("order_id", order.ID),
		zap.String("fulfillment_id", fulfillment.ID),
	)
	e.notifyUser(ctx, chatID, e.successText(order, fulfillment))
}

func (e *fulfillmentEngine) verifyPayment(ctx context.Context, orderID string) (domain.PaymentConfirmation, error) {
	var confirmation domain.PaymentConfirmation
	err := e.verifyRetry.Do(ctx, nil, func(ctx context.Context) error {
		var verifyErr error
		confirmation, verifyErr = e.marketplace.VerifyPayment(ctx, orderID)
		if verifyErr != nil {
			e.logger.Warn("payment verification attempt failed",
				zap.String("order_id", orderID),
				zap.Error(verifyErr),
			)
		}
		return verifyErr
	})
	if err != nil {
		return domain.PaymentConfirmation{}, fmt.Errorf("verify payment for %s: %w", orderID, err)
	}
	return confirmation, nil
}

// transferBatches executes the split sequentially. Only retryable result
// codes are retried; a transport error or fatal code fails the batch
// immediately. Batch outcomes are collected, never short-circuited, so the
// aggregation sees every batch.
func (e *fulfillmentEngine) transferBatches(ctx context.Context, orderID, recipient string, starsTotal int) []domain.Batch {
	amounts := domain.SplitStars(starsTotal, e.maxPerBatch)
	batches := make([]domain.Batch, 0, len(amounts))

	for i, amount := range amounts {
		batches = append(batches, e.transferOne(ctx, orderID, recipient, amount))
		if i < len(amounts)-1 {
			if err := e.sleep(ctx, e.interBatchDelay); err != nil {
				e.logger.Warn("inter-batch delay interrupted", zap.String("order_id", orderID), zap.Error(err))
			}
		}
	}
	return batches
}

func (e *fulfillmentEngine) transferOne(ctx context.Context, orderID, recipient string, amount int) domain.Batch {
	batch := domain.Batch{Amount: amount}
	key := domain.TransferKey(orderID, recipient, amount)

	attempts := e.transferRetry.MaxAttempts
	for attempt := 0; attempt < attempts; attempt++ {
		result, err := e.delivery.Transfer(ctx, recipient, amount, key)
		if err != nil {
			batch.Status = domain.BatchStatusFailed
			batch.Error = err.Error()
			e.logger.Error("transfer call failed",
				zap.String("order_id", orderID),
				zap.Int("amount", amount),
				zap.Error(err),
			)
			return batch
		}
		if result.OK {
			batch.Status = domain.BatchStatusOK
			batch.TransferID = result.TransferID
			return batch
		}
		if !domain.RetryableTransferError(result.ErrorCode) {
			batch.Status = domain.BatchStatusFailed
			batch.Error = fmt.Sprintf("%s: %s", result.ErrorCode, result.ErrorMessage)
			return batch
		}

		e.logger.Warn("retryable transfer failure",
			zap.String("order_id", orderID),
			zap.Int("amount", amount),
			zap.String("error_code", result.ErrorCode),
			zap.Int("attempt", attempt+1),
		)
		if attempt < attempts-1 {
			if err := e.transferRetry.Wait(ctx, attempt); err != nil {
				batch.Status = domain.BatchStatusFailed
				batch.Error = err.Error()
				return batch
			}
		}
	}

	batch.Status = domain.BatchStatusFailed
	batch.Error = exhaustedBatchError
	return batch
}

func (e *fulfillmentEngine) finalize(ctx context.Context, order *domain.Order, fulfillment *domain.Fulfillment, chatID int64) error {
	sent := fulfillment.SentStars()
	failed := 0
	var failureTexts []string
	for _, batch := range fulfillment.Batches {
		if batch.Status == domain.BatchStatusFailed {
			failed++
			failureTexts = append(failureTexts, fmt.Sprintf("%d stars: %s", batch.Amount, batch.Error))
		}
	}

	var orderStatus domain.OrderStatus
	switch {
	case failed == 0:
		fulfillment.Status = domain.FulfillmentStatusSuccess
		orderStatus = domain.OrderStatusFulfilled
	case sent > 0:
		fulfillment.Status = domain.FulfillmentStatusPartial
		orderStatus = domain.OrderStatusPartiallyFulfilled
		fulfillment.Notes = strings.Join(failureTexts, "; ")
	default:
		fulfillment.Status = domain.FulfillmentStatusFailed
		orderStatus = domain.OrderStatusFailed
		fulfillment.Notes = strings.Join(failureTexts, "; ")
	}
	fulfillment.UpdatedAt = e.clock()

	// The whole batch list and final status are persisted exactly once,
	// after aggregation.
	if err := e.fulfillments.Update(ctx, *fulfillment); err != nil {
		return fmt.Errorf("persist fulfillment %s: %w", fulfillment.ID, err)
	}
	if err := e.setStatus(ctx, order, orderStatus); err != nil {
		return err
	}

	switch fulfillment.Status {
	case domain.FulfillmentStatusSuccess:
		e.notifyUser(ctx, chatID, e.successText(*order, *fulfillment))
		e.publishEvent(ctx, jobs.OrderEventMessage{
			Type:          jobs.EventFulfillmentCompleted,
			OrderID:       order.ID,
			FulfillmentID: fulfillment.ID,
			Status:        string(order.Status),
			Recipient:     fulfillment.Recipient,
			StarsTotal:    int64(fulfillment.StarsTotal),
			StarsSent:     int64(sent),
			OccurredAt:    e.clock(),
		})
	case domain.FulfillmentStatusPartial:
		left := fulfillment.StarsTotal - sent
		e.notifyUser(ctx, chatID, fmt.Sprintf("Order %s partially delivered: %d stars sent, %d stars pending. We are on it.", order.ID, sent, left))
		e.notifyAdmin(ctx, fmt.Sprintf("Order %s PARTIAL: sent %d, left %d. Failures: %s", order.ID, sent, left, fulfillment.Notes))
	default:
		e.notifyUser(ctx, chatID, fmt.Sprintf("Order %s delivery failed. Support has been notified.", order.ID))
		e.notifyAdmin(ctx, fmt.Sprintf("Order %s FAILED: %s", order.ID, fulfillment.Notes))
	}
	return nil
}

func (e *fulfillmentEngine) successText(order domain.Order, fulfillment domain.Fulfillment) string {
	text := fmt.Sprintf("Order %s delivered: %d stars sent to %s.", order.ID, fulfillment.StarsTotal, fulfillment.Recipient)
	for _, batch := range fulfillment.Batches {
		if batch.Status == domain.BatchStatusOK && batch.TransferID != "" {
			text += " Transfer " + domain.MaskTransferID(batch.TransferID)
			break
		}
	}
	return text
}

// setStatus applies a guarded transition, persists it, and publishes the
// change. An impermissible transition is a programming error surfaced in
// logs, not applied.
func (e *fulfillmentEngine) setStatus(ctx context.Context, order *domain.Order, status domain.OrderStatus) error {
	if order.Status == status {
		return nil
	}
	if !domain.CanTransition(order.Status, status) {
		e.logger.Error("refusing impermissible status transition",
			zap.String("order_id", order.ID),
			zap.String("from", string(order.Status)),
			zap.String("to", string(status)),
		)
		return fmt.Errorf("fulfillment engine: transition %s -> %s not permitted for order %s", order.Status, status, order.ID)
	}

	now := e.clock()
	if err := e.orders.UpdateStatus(ctx, order.ID, status, now); err != nil {
		return fmt.Errorf("update order %s status to %s: %w", order.ID, status, err)
	}
	order.Status = status
	order.UpdatedAt = now

	e.logger.Info("order status changed",
		zap.String("order_id", order.ID),
		zap.String("status", string(status)),
	)
	e.publishEvent(ctx, jobs.OrderEventMessage{
		Type:       jobs.EventOrderStatusChanged,
		OrderID:    order.ID,
		Status:     string(status),
		OccurredAt: now,
	})
	return nil
}

func (e *fulfillmentEngine) publishEvent(ctx context.Context, message jobs.OrderEventMessage) {
	if e.events == nil {
		return
	}
	if _, err := e.events.PublishOrderEvent(ctx, message); err != nil {
		e.logger.Warn("order event not published",
			zap.String("order_id", message.OrderID),
			zap.String("type", message.Type),
			zap.Error(err),
		)
	}
}

func (e *fulfillmentEngine) notifyUser(ctx context.Context, chatID int64, text string) {
	if err := e.notifier.NotifyUser(ctx, chatID, text); err != nil {
		e.logger.Warn("user notification failed", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

func (e *fulfillmentEngine) notifyAdmin(ctx context.Context, text string) {
	if err := e.notifier.NotifyAdmin(ctx, text); err != nil {
		e.logger.Warn("admin notification failed", zap.Error(err))
	}
}

// GetOrder implements FulfillmentEngine.
func (e *fulfillmentEngine) GetOrder(ctx context.Context, orderID string) (domain.Order, *domain.Fulfillment, error) {
	order, err := e.orders.FindByID(ctx, orderID)
	if err != nil {
		if repositories.IsNotFound(err) {
			return domain.Order{}, nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
		}
		return domain.Order{}, nil, err
	}

	fulfillment, err := e.fulfillments.FindByOrder(ctx, orderID)
	if err != nil {
		if repositories.IsNotFound(err) {
			return order, nil, nil
		}
		return order, nil, err
	}
	return order, &fulfillment, nil
}

// ListOffers implements FulfillmentEngine.
func (e *fulfillmentEngine) ListOffers(ctx context.Context) ([]domain.Offer, error) {
	return e.marketplace.ListOffers(ctx)
}

// GetBalance implements FulfillmentEngine.
func (e *fulfillmentEngine) GetBalance(ctx context.Context) (domain.Balance, error) {
	return e.delivery.GetBalance(ctx)
}
