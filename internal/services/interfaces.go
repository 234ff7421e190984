// Package services holds the order fulfillment engine: the state machine
// that drives one order from "payment unverified" to a terminal delivered,
// partially-delivered, or failed state.
package services

import (
	"context"
	"errors"

	"github.com/starbridge/api/internal/domain"
	"github.com/starbridge/api/internal/platform/jobs"
)

// ErrOrderNotFound means the order exists neither in the store nor on the
// marketplace. One of the two errors that escape a processing run.
var ErrOrderNotFound = errors.New("order: not found")

// FulfillmentEngine drives order processing end to end.
type FulfillmentEngine interface {
	// ProcessOrder runs one order through the full lifecycle. Safe to call
	// repeatedly and concurrently: a run already in flight for the same
	// order makes the call a no-op, and an order with a SUCCESS
	// fulfillment replays its success notification without transferring.
	ProcessOrder(ctx context.Context, orderID string, chatID int64) error
	// GetOrder returns the stored order with its latest fulfillment.
	GetOrder(ctx context.Context, orderID string) (domain.Order, *domain.Fulfillment, error)
	// ListOffers passes the marketplace catalogue through.
	ListOffers(ctx context.Context) ([]domain.Offer, error)
	// GetBalance passes the delivery platform balance through.
	GetBalance(ctx context.Context) (domain.Balance, error)
}

// OrderEventPublisher publishes lifecycle events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, message jobs.OrderEventMessage) (string, error)
}
