package repositories

import (
	"context"
	"testing"
	"time"

	"github.com/starbridge/api/internal/domain"
)

func TestMemoryOrderRepositoryRoundTrip(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()

	order := domain.Order{
		ID:         "ord_1",
		OfferID:    "offer_1",
		Quantity:   1,
		StarsTotal: 500,
		Status:     domain.OrderStatusNew,
		CreatedAt:  time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC),
	}
	if err := reg.Orders().Save(ctx, order); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := reg.Orders().FindByID(ctx, "ord_1")
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if got.StarsTotal != 500 || got.Status != domain.OrderStatusNew {
		t.Errorf("unexpected order: %+v", got)
	}

	updatedAt := order.CreatedAt.Add(time.Minute)
	if err := reg.Orders().UpdateStatus(ctx, "ord_1", domain.OrderStatusFulfilled, updatedAt); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	got, _ = reg.Orders().FindByID(ctx, "ord_1")
	if got.Status != domain.OrderStatusFulfilled || !got.UpdatedAt.Equal(updatedAt) {
		t.Errorf("status update not applied: %+v", got)
	}
}

func TestMemoryOrderRepositoryNotFound(t *testing.T) {
	reg := NewMemoryRegistry()

	_, err := reg.Orders().FindByID(context.Background(), "missing")
	if !IsNotFound(err) {
		t.Errorf("expected not-found error, got %v", err)
	}
	if err := reg.Orders().UpdateStatus(context.Background(), "missing", domain.OrderStatusFailed, time.Now()); !IsNotFound(err) {
		t.Errorf("expected not-found error, got %v", err)
	}
}

func TestMemoryFulfillmentRepositoryLatestWins(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()
	base := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

	first := domain.Fulfillment{ID: "ful_1", OrderID: "ord_1", Status: domain.FulfillmentStatusFailed, CreatedAt: base}
	second := domain.Fulfillment{ID: "ful_2", OrderID: "ord_1", Status: domain.FulfillmentStatusSuccess, CreatedAt: base.Add(time.Hour)}

	if err := reg.Fulfillments().Create(ctx, first); err != nil {
		t.Fatalf("Create first: %v", err)
	}
	if err := reg.Fulfillments().Create(ctx, second); err != nil {
		t.Fatalf("Create second: %v", err)
	}

	latest, err := reg.Fulfillments().FindByOrder(ctx, "ord_1")
	if err != nil {
		t.Fatalf("FindByOrder: %v", err)
	}
	if latest.ID != "ful_2" {
		t.Errorf("latest fulfillment = %s, want ful_2", latest.ID)
	}

	if err := reg.Fulfillments().Create(ctx, first); !IsConflict(err) {
		t.Errorf("duplicate create should conflict, got %v", err)
	}

	second.Status = domain.FulfillmentStatusPartial
	if err := reg.Fulfillments().Update(ctx, second); err != nil {
		t.Fatalf("Update: %v", err)
	}
	latest, _ = reg.Fulfillments().FindByOrder(ctx, "ord_1")
	if latest.Status != domain.FulfillmentStatusPartial {
		t.Errorf("update not applied: %+v", latest)
	}

	if _, err := reg.Fulfillments().FindByOrder(ctx, "ord_none"); !IsNotFound(err) {
		t.Errorf("expected not-found, got %v", err)
	}
}
