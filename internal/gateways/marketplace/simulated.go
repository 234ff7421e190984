package marketplace

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/starbridge/api/internal/domain"
)

// Simulated is the in-memory marketplace used in local runs and tests.
// Behaviour can be overridden per call via the func fields.
type Simulated struct {
	mu     sync.RWMutex
	orders map[string]domain.Order
	paid   map[string]domain.PaymentConfirmation
	offers []domain.Offer

	// GetOrderFunc, when set, replaces the seeded-map lookup.
	GetOrderFunc func(ctx context.Context, orderID string) (domain.Order, error)
	// VerifyPaymentFunc, when set, replaces the seeded-map verification.
	VerifyPaymentFunc func(ctx context.Context, orderID string) (domain.PaymentConfirmation, error)
}

// NewSimulated constructs an empty simulated marketplace.
func NewSimulated() *Simulated {
	return &Simulated{
		orders: make(map[string]domain.Order),
		paid:   make(map[string]domain.PaymentConfirmation),
	}
}

// SeedOrder registers an order the simulated marketplace will return.
func (s *Simulated) SeedOrder(order domain.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[order.ID] = order
}

// SeedPayment registers the payment answer for an order.
func (s *Simulated) SeedPayment(orderID string, confirmation domain.PaymentConfirmation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paid[orderID] = confirmation
}

// SeedOffers replaces the offer catalogue.
func (s *Simulated) SeedOffers(offers []domain.Offer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offers = append([]domain.Offer(nil), offers...)
}

// GetOrder implements Provider.
func (s *Simulated) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	if s.GetOrderFunc != nil {
		return s.GetOrderFunc(ctx, orderID)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	order, ok := s.orders[orderID]
	if !ok {
		return domain.Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	return order, nil
}

// ListOffers implements Provider.
func (s *Simulated) ListOffers(context.Context) ([]domain.Offer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.Offer(nil), s.offers...), nil
}

// VerifyPayment implements Provider. Unseeded orders report paid so a fully
// simulated stack can run an order end to end without extra setup.
func (s *Simulated) VerifyPayment(ctx context.Context, orderID string) (domain.PaymentConfirmation, error) {
	if s.VerifyPaymentFunc != nil {
		return s.VerifyPaymentFunc(ctx, orderID)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if confirmation, ok := s.paid[orderID]; ok {
		return confirmation, nil
	}
	now := time.Now().UTC()
	return domain.PaymentConfirmation{Paid: true, PaidAt: &now, Method: "simulated"}, nil
}
