package marketplace

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"

	"github.com/starbridge/api/internal/domain"
)

type stripeIntentAPI interface {
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

// StripeVerifierConfig configures the Stripe payment verifier.
type StripeVerifierConfig struct {
	APIKey string
	// ResolveIntent maps an order to its PaymentIntent id. Defaults to the
	// order id itself, the convention for direct-checkout orders.
	ResolveIntent func(order domain.Order) string
	// Intents overrides the API client, primarily for tests.
	Intents stripeIntentAPI
}

// StripeVerifier decorates a Provider: order lookup and the offer catalogue
// pass through, payment verification is answered by Stripe PaymentIntents.
// Used for direct card checkouts that bypass the marketplace.
type StripeVerifier struct {
	base    Provider
	intents stripeIntentAPI
	resolve func(order domain.Order) string
}

// NewStripeVerifier wraps base with Stripe-backed payment verification.
func NewStripeVerifier(base Provider, cfg StripeVerifierConfig) (*StripeVerifier, error) {
	if base == nil {
		return nil, errors.New("stripe verifier: base provider is required")
	}

	intents := cfg.Intents
	if intents == nil {
		if strings.TrimSpace(cfg.APIKey) == "" {
			return nil, errors.New("stripe verifier: api key is required")
		}
		sc := client.New(cfg.APIKey, nil)
		intents = sc.PaymentIntents
	}

	resolve := cfg.ResolveIntent
	if resolve == nil {
		resolve = func(order domain.Order) string { return order.ID }
	}

	return &StripeVerifier{
		base:    base,
		intents: intents,
		resolve: resolve,
	}, nil
}

// GetOrder implements Provider.
func (v *StripeVerifier) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	return v.base.GetOrder(ctx, orderID)
}

// ListOffers implements Provider.
func (v *StripeVerifier) ListOffers(ctx context.Context) ([]domain.Offer, error) {
	return v.base.ListOffers(ctx)
}

// VerifyPayment implements Provider. A PaymentIntent that has not succeeded
// yet is a Paid=false answer, not an error.
func (v *StripeVerifier) VerifyPayment(ctx context.Context, orderID string) (domain.PaymentConfirmation, error) {
	order, err := v.base.GetOrder(ctx, orderID)
	if err != nil {
		return domain.PaymentConfirmation{}, err
	}

	intentID := strings.TrimSpace(v.resolve(order))
	if intentID == "" {
		return domain.PaymentConfirmation{}, fmt.Errorf("stripe verifier: no payment intent for order %s", orderID)
	}

	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	intent, err := v.intents.Get(intentID, params)
	if err != nil {
		return domain.PaymentConfirmation{}, fmt.Errorf("stripe verifier: lookup intent %s: %w", intentID, err)
	}

	confirmation := domain.PaymentConfirmation{
		Method: "stripe",
		TxID:   intent.ID,
	}
	if intent.Status == stripe.PaymentIntentStatusSucceeded {
		confirmation.Paid = true
		if charge := intent.LatestCharge; charge != nil && charge.Created > 0 {
			paidAt := time.Unix(charge.Created, 0).UTC()
			confirmation.PaidAt = &paidAt
		}
	}
	return confirmation, nil
}
