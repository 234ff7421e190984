package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/starbridge/api/internal/domain"
	"github.com/starbridge/api/internal/gateways/delivery"
	"github.com/starbridge/api/internal/gateways/marketplace"
	"github.com/starbridge/api/internal/platform/locks"
	"github.com/starbridge/api/internal/platform/retry"
	"github.com/starbridge/api/internal/repositories"
)

type noteSink struct {
	mu    sync.Mutex
	user  []string
	admin []string
}

func (s *noteSink) NotifyUser(_ context.Context, _ int64, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = append(s.user, text)
	return nil
}

func (s *noteSink) NotifyAdmin(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.admin = append(s.admin, text)
	return nil
}

func (s *noteSink) lastUser() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.user) == 0 {
		return ""
	}
	return s.user[len(s.user)-1]
}

func (s *noteSink) lastAdmin() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.admin) == 0 {
		return ""
	}
	return s.admin[len(s.admin)-1]
}

type engineFixture struct {
	registry *repositories.MemoryRegistry
	market   *marketplace.Simulated
	platform *delivery.Simulated
	sink     *noteSink
	guard    *locks.MemoryRegistry
	engine   FulfillmentEngine

	mu    sync.Mutex
	slept []time.Duration
}

func noSleep(context.Context, time.Duration) error { return nil }

func newFixture(t *testing.T, mutate ...func(*FulfillmentEngineDeps)) *engineFixture {
	t.Helper()

	f := &engineFixture{
		registry: repositories.NewMemoryRegistry(),
		market:   marketplace.NewSimulated(),
		platform: delivery.NewSimulated(100000, 100000),
		sink:     &noteSink{},
		guard:    locks.NewMemoryRegistry(),
	}

	deps := FulfillmentEngineDeps{
		Orders:        f.registry.Orders(),
		Fulfillments:  f.registry.Fulfillments(),
		Marketplace:   f.market,
		Delivery:      f.platform,
		Notifier:      f.sink,
		Guard:         f.guard,
		VerifyRetry:   retry.Policy{MaxAttempts: 3, Sleep: noSleep},
		TransferRetry: retry.Policy{MaxAttempts: 3, Sleep: noSleep},
		MaxPerBatch:   20000,
		Sleep: func(_ context.Context, d time.Duration) error {
			f.mu.Lock()
			f.slept = append(f.slept, d)
			f.mu.Unlock()
			return nil
		},
	}
	for _, m := range mutate {
		m(&deps)
	}

	engine, err := NewFulfillmentEngine(deps)
	if err != nil {
		t.Fatalf("NewFulfillmentEngine: %v", err)
	}
	f.engine = engine
	return f
}

func (f *engineFixture) seedOrder(id, recipient string, stars int) {
	f.market.SeedOrder(domain.Order{
		ID:              id,
		RecipientHandle: recipient,
		StarsTotal:      stars,
	})
}

func (f *engineFixture) orderStatus(t *testing.T, id string) domain.OrderStatus {
	t.Helper()
	order, err := f.registry.Orders().FindByID(context.Background(), id)
	if err != nil {
		t.Fatalf("FindByID %s: %v", id, err)
	}
	return order.Status
}

func (f *engineFixture) fulfillment(t *testing.T, orderID string) domain.Fulfillment {
	t.Helper()
	fulfillment, err := f.registry.Fulfillments().FindByOrder(context.Background(), orderID)
	if err != nil {
		t.Fatalf("FindByOrder %s: %v", orderID, err)
	}
	return fulfillment
}

func TestProcessOrderFulfillsSingleBatch(t *testing.T) {
	f := newFixture(t)
	f.seedOrder("ord_1", "alice_stars", 500)

	if err := f.engine.ProcessOrder(context.Background(), "ord_1", 42); err != nil {
		t.Fatalf("ProcessOrder: %v", err)
	}

	if got := f.orderStatus(t, "ord_1"); got != domain.OrderStatusFulfilled {
		t.Errorf("order status = %s, want FULFILLED", got)
	}
	fulfillment := f.fulfillment(t, "ord_1")
	if fulfillment.Status != domain.FulfillmentStatusSuccess {
		t.Errorf("fulfillment status = %s, want SUCCESS", fulfillment.Status)
	}
	if len(fulfillment.Batches) != 1 || fulfillment.Batches[0].Amount != 500 {
		t.Fatalf("unexpected batches %+v", fulfillment.Batches)
	}
	if fulfillment.Recipient != "@alice_stars" {
		t.Errorf("recipient = %q, want normalized handle", fulfillment.Recipient)
	}
	if f.platform.Balance() != 100000-500 {
		t.Errorf("balance = %d, want %d", f.platform.Balance(), 100000-500)
	}
	if msg := f.sink.lastUser(); !strings.Contains(msg, "delivered") || !strings.Contains(msg, "...") {
		t.Errorf("user message %q must mention delivery and a masked transfer id", msg)
	}
	if f.guard.Len() != 0 {
		t.Errorf("guard still holds %d keys after the run", f.guard.Len())
	}
}

func TestProcessOrderSplitsLargeOrder(t *testing.T) {
	f := newFixture(t)
	f.seedOrder("ord_2", "@bob_buys", 25000)

	if err := f.engine.ProcessOrder(context.Background(), "ord_2", 0); err != nil {
		t.Fatalf("ProcessOrder: %v", err)
	}

	fulfillment := f.fulfillment(t, "ord_2")
	if len(fulfillment.Batches) != 2 {
		t.Fatalf("expected 2 batches, got %+v", fulfillment.Batches)
	}
	if fulfillment.Batches[0].Amount != 20000 || fulfillment.Batches[1].Amount != 5000 {
		t.Errorf("batch amounts = [%d %d], want [20000 5000]",
			fulfillment.Batches[0].Amount, fulfillment.Batches[1].Amount)
	}
	if fulfillment.SentStars() != 25000 {
		t.Errorf("sent = %d, want 25000", fulfillment.SentStars())
	}
	// One pause between the two batches, none after the last.
	if len(f.slept) != 1 {
		t.Errorf("inter-batch sleeps = %d, want 1", len(f.slept))
	}
}

func TestProcessOrderInvalidRecipientNeedsUsername(t *testing.T) {
	f := newFixture(t)
	f.seedOrder("ord_3", "x!", 500)
	f.market.VerifyPaymentFunc = func(context.Context, string) (domain.PaymentConfirmation, error) {
		t.Error("payment must not be verified for an invalid recipient")
		return domain.PaymentConfirmation{}, nil
	}

	if err := f.engine.ProcessOrder(context.Background(), "ord_3", 7); err != nil {
		t.Fatalf("ProcessOrder: %v", err)
	}
	if got := f.orderStatus(t, "ord_3"); got != domain.OrderStatusNeedsUsername {
		t.Errorf("order status = %s, want NEEDS_USERNAME", got)
	}
	if msg := f.sink.lastUser(); !strings.Contains(msg, "username") {
		t.Errorf("user message %q must ask for a username", msg)
	}
}

type balanceTrap struct {
	delivery.Provider
	t *testing.T
}

func (b balanceTrap) GetBalance(context.Context) (domain.Balance, error) {
	b.t.Error("balance must not be checked before payment confirms")
	return domain.Balance{}, nil
}

func TestProcessOrderUnpaidWaitsForPayment(t *testing.T) {
	f := newFixture(t, func(deps *FulfillmentEngineDeps) {
		deps.Delivery = balanceTrap{Provider: deps.Delivery, t: t}
	})
	f.seedOrder("ord_4", "carol_fan", 500)
	f.market.SeedPayment("ord_4", domain.PaymentConfirmation{Paid: false})

	if err := f.engine.ProcessOrder(context.Background(), "ord_4", 9); err != nil {
		t.Fatalf("ProcessOrder: %v", err)
	}
	if got := f.orderStatus(t, "ord_4"); got != domain.OrderStatusWaitingPayment {
		t.Errorf("order status = %s, want WAITING_PAYMENT", got)
	}
}

func TestProcessOrderInsufficientBalance(t *testing.T) {
	f := newFixture(t, func(deps *FulfillmentEngineDeps) {
		deps.Delivery = delivery.NewSimulated(50, 50)
	})
	f.seedOrder("ord_5", "dave_gifts", 500)

	if err := f.engine.ProcessOrder(context.Background(), "ord_5", 0); err != nil {
		t.Fatalf("ProcessOrder: %v", err)
	}
	if got := f.orderStatus(t, "ord_5"); got != domain.OrderStatusNeedsBalance {
		t.Errorf("order status = %s, want NEEDS_BALANCE", got)
	}
	if msg := f.sink.lastAdmin(); !strings.Contains(msg, "need 500") || !strings.Contains(msg, "have 50") {
		t.Errorf("admin message %q must report the shortfall", msg)
	}
	// No fulfillment record is created when the balance gate stops the run.
	if _, err := f.registry.Fulfillments().FindByOrder(context.Background(), "ord_5"); !repositories.IsNotFound(err) {
		t.Errorf("expected no fulfillment, got err=%v", err)
	}
}

func TestProcessOrderPartialFulfillment(t *testing.T) {
	f := newFixture(t)
	f.seedOrder("ord_6", "erin_star", 25000)

	calls := 0
	f.platform.TransferFunc = func(_ context.Context, _ string, amount int, _ string) (domain.TransferResult, error) {
		calls++
		if calls == 1 {
			return domain.TransferResult{OK: true, TransferID: "tr_first"}, nil
		}
		return domain.TransferResult{
			OK:           false,
			ErrorCode:    "insufficient_balance",
			ErrorMessage: "out of stars",
		}, nil
	}

	if err := f.engine.ProcessOrder(context.Background(), "ord_6", 11); err != nil {
		t.Fatalf("ProcessOrder: %v", err)
	}
	if got := f.orderStatus(t, "ord_6"); got != domain.OrderStatusPartiallyFulfilled {
		t.Errorf("order status = %s, want PARTIALLY_FULFILLED", got)
	}
	fulfillment := f.fulfillment(t, "ord_6")
	if fulfillment.Status != domain.FulfillmentStatusPartial {
		t.Errorf("fulfillment status = %s, want PARTIAL", fulfillment.Status)
	}
	if fulfillment.SentStars() != 20000 {
		t.Errorf("sent = %d, want 20000", fulfillment.SentStars())
	}
	if !strings.Contains(fulfillment.Notes, "insufficient_balance") {
		t.Errorf("notes %q must name the failing code", fulfillment.Notes)
	}
	if msg := f.sink.lastUser(); !strings.Contains(msg, "20000") || !strings.Contains(msg, "5000") {
		t.Errorf("user message %q must report sent and pending counts", msg)
	}
	// A fatal code is not retried: exactly one call per batch.
	if calls != 2 {
		t.Errorf("transfer calls = %d, want 2", calls)
	}
}

func TestProcessOrderRetriesRateLimitedTransfers(t *testing.T) {
	f := newFixture(t)
	f.seedOrder("ord_7", "frank_tip", 500)

	calls := 0
	f.platform.TransferFunc = func(_ context.Context, _ string, _ int, _ string) (domain.TransferResult, error) {
		calls++
		if calls < 3 {
			return domain.TransferResult{OK: false, ErrorCode: domain.TransferErrRateLimited}, nil
		}
		return domain.TransferResult{OK: true, TransferID: "tr_third"}, nil
	}

	if err := f.engine.ProcessOrder(context.Background(), "ord_7", 0); err != nil {
		t.Fatalf("ProcessOrder: %v", err)
	}
	if got := f.orderStatus(t, "ord_7"); got != domain.OrderStatusFulfilled {
		t.Errorf("order status = %s, want FULFILLED", got)
	}
	if calls != 3 {
		t.Errorf("transfer calls = %d, want 3", calls)
	}
}

func TestProcessOrderExhaustsTransferRetries(t *testing.T) {
	f := newFixture(t)
	f.seedOrder("ord_8", "grace_buy", 500)

	calls := 0
	f.platform.TransferFunc = func(_ context.Context, _ string, _ int, _ string) (domain.TransferResult, error) {
		calls++
		return domain.TransferResult{OK: false, ErrorCode: domain.TransferErrDailyLimitExceeded}, nil
	}

	if err := f.engine.ProcessOrder(context.Background(), "ord_8", 0); err != nil {
		t.Fatalf("ProcessOrder: %v", err)
	}
	if got := f.orderStatus(t, "ord_8"); got != domain.OrderStatusFailed {
		t.Errorf("order status = %s, want FAILED", got)
	}
	fulfillment := f.fulfillment(t, "ord_8")
	if len(fulfillment.Batches) != 1 || fulfillment.Batches[0].Error != "max retries exceeded" {
		t.Errorf("unexpected batches %+v", fulfillment.Batches)
	}
	if calls != 3 {
		t.Errorf("transfer calls = %d, want MaxAttempts (3)", calls)
	}
}

func TestProcessOrderRetriesPaymentVerification(t *testing.T) {
	f := newFixture(t)
	f.seedOrder("ord_9", "henry_one", 500)

	calls := 0
	f.market.VerifyPaymentFunc = func(context.Context, string) (domain.PaymentConfirmation, error) {
		calls++
		if calls < 3 {
			return domain.PaymentConfirmation{}, errors.New("gateway timeout")
		}
		return domain.PaymentConfirmation{Paid: true}, nil
	}

	if err := f.engine.ProcessOrder(context.Background(), "ord_9", 0); err != nil {
		t.Fatalf("ProcessOrder: %v", err)
	}
	if got := f.orderStatus(t, "ord_9"); got != domain.OrderStatusFulfilled {
		t.Errorf("order status = %s, want FULFILLED", got)
	}
	if calls != 3 {
		t.Errorf("verify calls = %d, want 3", calls)
	}
}

func TestProcessOrderVerifyExhaustionEscapes(t *testing.T) {
	f := newFixture(t)
	f.seedOrder("ord_10", "irene_buy", 500)
	f.market.VerifyPaymentFunc = func(context.Context, string) (domain.PaymentConfirmation, error) {
		return domain.PaymentConfirmation{}, errors.New("gateway down")
	}

	err := f.engine.ProcessOrder(context.Background(), "ord_10", 13)
	if err == nil {
		t.Fatal("expected error after verification retries run out")
	}
	if !strings.Contains(f.sink.lastAdmin(), "ord_10") {
		t.Errorf("admin must be told about the failure, got %q", f.sink.lastAdmin())
	}
	if f.sink.lastUser() == "" {
		t.Error("user must get a generic failure message")
	}
	if f.guard.Len() != 0 {
		t.Error("guard must be released after a failed run")
	}
}

func TestProcessOrderSingleFlight(t *testing.T) {
	f := newFixture(t)
	f.seedOrder("ord_11", "kate_gift", 500)

	acquired, release, err := f.guard.TryAcquire(context.Background(), "ord_11")
	if err != nil || !acquired {
		t.Fatalf("TryAcquire: acquired=%v err=%v", acquired, err)
	}
	defer release()

	if err := f.engine.ProcessOrder(context.Background(), "ord_11", 0); err != nil {
		t.Fatalf("ProcessOrder while held must no-op, got %v", err)
	}
	// Nothing ran: the order was never persisted.
	if _, err := f.registry.Orders().FindByID(context.Background(), "ord_11"); !repositories.IsNotFound(err) {
		t.Errorf("expected no stored order, got err=%v", err)
	}
}

func TestProcessOrderReplaysSuccessWithoutTransferring(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	order := domain.Order{
		ID:              "ord_12",
		RecipientHandle: "leo_stars",
		StarsTotal:      500,
		Status:          domain.OrderStatusFulfilled,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := f.registry.Orders().Save(context.Background(), order); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := f.registry.Fulfillments().Create(context.Background(), domain.Fulfillment{
		ID:         "ful_done",
		OrderID:    "ord_12",
		Recipient:  "@another_handle",
		StarsTotal: 500,
		Status:     domain.FulfillmentStatusSuccess,
		Batches:    []domain.Batch{{Amount: 500, Status: domain.BatchStatusOK, TransferID: "tr_done"}},
		CreatedAt:  now,
		UpdatedAt:  now,
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	f.platform.TransferFunc = func(context.Context, string, int, string) (domain.TransferResult, error) {
		t.Error("a fulfilled order must not transfer again")
		return domain.TransferResult{}, nil
	}

	if err := f.engine.ProcessOrder(context.Background(), "ord_12", 21); err != nil {
		t.Fatalf("ProcessOrder: %v", err)
	}
	if got := f.orderStatus(t, "ord_12"); got != domain.OrderStatusFulfilled {
		t.Errorf("order status = %s, want FULFILLED unchanged", got)
	}
	if msg := f.sink.lastUser(); !strings.Contains(msg, "delivered") {
		t.Errorf("replay must re-send the success message, got %q", msg)
	}
}

func TestProcessOrderUnknownOrder(t *testing.T) {
	f := newFixture(t)

	err := f.engine.ProcessOrder(context.Background(), "ord_missing", 0)
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("err = %v, want ErrOrderNotFound", err)
	}
	if f.guard.Len() != 0 {
		t.Error("guard must be released after a not-found run")
	}
}

func TestGetOrderWithoutFulfillment(t *testing.T) {
	f := newFixture(t)
	if err := f.registry.Orders().Save(context.Background(), domain.Order{
		ID:     "ord_13",
		Status: domain.OrderStatusWaitingPayment,
	}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	order, fulfillment, err := f.engine.GetOrder(context.Background(), "ord_13")
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if order.ID != "ord_13" || fulfillment != nil {
		t.Errorf("got order=%+v fulfillment=%+v", order, fulfillment)
	}

	if _, _, err := f.engine.GetOrder(context.Background(), "nope"); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("err = %v, want ErrOrderNotFound", err)
	}
}
