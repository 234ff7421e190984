// Package firestore implements the repository contracts on Cloud Firestore.
package firestore

import (
	"context"
	"errors"

	"github.com/starbridge/api/internal/platform/firestore"
	"github.com/starbridge/api/internal/repositories"
)

// Registry wires the Firestore-backed repositories over a shared provider.
type Registry struct {
	provider     *firestore.Provider
	orders       *OrderRepository
	fulfillments *FulfillmentRepository
	health       repositories.HealthRepository
}

// NewRegistry constructs the registry. The provider's client is dialed on
// first repository use, not here.
func NewRegistry(provider *firestore.Provider) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("firestore registry: provider is required")
	}

	orders, err := NewOrderRepository(provider)
	if err != nil {
		return nil, err
	}
	fulfillments, err := NewFulfillmentRepository(provider)
	if err != nil {
		return nil, err
	}
	health, err := repositories.NewDependencyHealthRepository([]repositories.DependencyCheck{
		{
			Name: "firestore",
			Check: func(ctx context.Context) error {
				_, err := orders.provider.Client(ctx)
				return err
			},
		},
	})
	if err != nil {
		return nil, err
	}

	return &Registry{
		provider:     provider,
		orders:       orders,
		fulfillments: fulfillments,
		health:       health,
	}, nil
}

// Close implements repositories.Registry.
func (r *Registry) Close(context.Context) error { return r.provider.Close() }

// Orders implements repositories.Registry.
func (r *Registry) Orders() repositories.OrderRepository { return r.orders }

// Fulfillments implements repositories.Registry.
func (r *Registry) Fulfillments() repositories.FulfillmentRepository { return r.fulfillments }

// Health implements repositories.Registry.
func (r *Registry) Health() repositories.HealthRepository { return r.health }
