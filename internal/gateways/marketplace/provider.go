// Package marketplace talks to the selling side: order lookup, the offer
// catalogue, and payment verification.
package marketplace

import (
	"context"
	"errors"

	"github.com/starbridge/api/internal/domain"
)

// ErrOrderNotFound is returned when the marketplace has no such order.
var ErrOrderNotFound = errors.New("marketplace: order not found")

// Provider is the payment-side gateway consumed by the engine.
type Provider interface {
	// GetOrder fetches the marketplace's view of an order. Returns
	// ErrOrderNotFound (possibly wrapped) when the order does not exist.
	GetOrder(ctx context.Context, orderID string) (domain.Order, error)
	// ListOffers returns the active star-pack listings.
	ListOffers(ctx context.Context) ([]domain.Offer, error)
	// VerifyPayment asks whether the order has been paid. A Paid=false
	// answer is a legitimate result, not an error; errors mean the check
	// itself could not be performed.
	VerifyPayment(ctx context.Context, orderID string) (domain.PaymentConfirmation, error)
}
