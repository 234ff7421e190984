package repositories

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/starbridge/api/internal/domain"
)

// MemoryRegistry backs the repository contracts with in-process maps. Used
// in tests and when the service runs fully simulated.
type MemoryRegistry struct {
	orders       *memoryOrderRepository
	fulfillments *memoryFulfillmentRepository
	health       HealthRepository
}

// NewMemoryRegistry constructs an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		orders:       &memoryOrderRepository{orders: make(map[string]domain.Order)},
		fulfillments: &memoryFulfillmentRepository{byOrder: make(map[string][]domain.Fulfillment)},
		health:       staticHealth{},
	}
}

// Close implements Registry.
func (r *MemoryRegistry) Close(context.Context) error { return nil }

// Orders implements Registry.
func (r *MemoryRegistry) Orders() OrderRepository { return r.orders }

// Fulfillments implements Registry.
func (r *MemoryRegistry) Fulfillments() FulfillmentRepository { return r.fulfillments }

// Health implements Registry.
func (r *MemoryRegistry) Health() HealthRepository { return r.health }

type staticHealth struct{}

func (staticHealth) Collect(context.Context) (HealthReport, error) {
	now := time.Now().UTC()
	return HealthReport{
		Status: HealthStatusOK,
		Checks: map[string]HealthCheckResult{
			"memory": {Status: HealthStatusOK, CheckedAt: now},
		},
		GeneratedAt: now,
	}, nil
}

type memoryOrderRepository struct {
	mu     sync.RWMutex
	orders map[string]domain.Order
}

func (r *memoryOrderRepository) Save(_ context.Context, order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders[order.ID] = order
	return nil
}

func (r *memoryOrderRepository) FindByID(_ context.Context, orderID string) (domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	order, ok := r.orders[orderID]
	if !ok {
		return domain.Order{}, NewNotFound("orders.find", "order "+orderID+" not found")
	}
	return order, nil
}

func (r *memoryOrderRepository) UpdateStatus(_ context.Context, orderID string, status domain.OrderStatus, updatedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[orderID]
	if !ok {
		return NewNotFound("orders.update_status", "order "+orderID+" not found")
	}
	order.Status = status
	order.UpdatedAt = updatedAt
	r.orders[orderID] = order
	return nil
}

type memoryFulfillmentRepository struct {
	mu      sync.RWMutex
	byOrder map[string][]domain.Fulfillment
}

func (r *memoryFulfillmentRepository) Create(_ context.Context, fulfillment domain.Fulfillment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.byOrder[fulfillment.OrderID] {
		if existing.ID == fulfillment.ID {
			return NewConflict("fulfillments.create", "fulfillment "+fulfillment.ID+" already exists")
		}
	}
	r.byOrder[fulfillment.OrderID] = append(r.byOrder[fulfillment.OrderID], fulfillment)
	return nil
}

func (r *memoryFulfillmentRepository) Update(_ context.Context, fulfillment domain.Fulfillment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.byOrder[fulfillment.OrderID]
	for i, existing := range list {
		if existing.ID == fulfillment.ID {
			list[i] = fulfillment
			return nil
		}
	}
	return NewNotFound("fulfillments.update", "fulfillment "+fulfillment.ID+" not found")
}

func (r *memoryFulfillmentRepository) FindByOrder(_ context.Context, orderID string) (domain.Fulfillment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.byOrder[orderID]
	if len(list) == 0 {
		return domain.Fulfillment{}, NewNotFound("fulfillments.find_by_order", "no fulfillment for order "+orderID)
	}

	latest := make([]domain.Fulfillment, len(list))
	copy(latest, list)
	sort.SliceStable(latest, func(i, j int) bool {
		return latest[i].CreatedAt.Before(latest[j].CreatedAt)
	})
	return latest[len(latest)-1], nil
}
