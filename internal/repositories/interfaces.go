// Package repositories defines the persistence contracts consumed by the
// fulfillment engine and HTTP handlers. Implementations live in the
// firestore subpackage and, for tests and local runs, in memory.go.
package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/starbridge/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for
// dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	Fulfillments() FulfillmentRepository
	Health() HealthRepository
}

// RepositoryError categorises low-level persistence failures for services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// IsNotFound reports whether err carries the not-found category.
func IsNotFound(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

// IsConflict reports whether err carries the conflict category.
func IsConflict(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}

// IsUnavailable reports whether err carries the transient-outage category.
func IsUnavailable(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsUnavailable()
}

// OrderRepository persists order records. Orders are never deleted; they
// mutate only through status transitions.
type OrderRepository interface {
	Save(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	UpdateStatus(ctx context.Context, orderID string, status domain.OrderStatus, updatedAt time.Time) error
}

// FulfillmentRepository persists delivery-attempt records. At most one
// fulfillment per order is active; FindByOrder returns the latest.
type FulfillmentRepository interface {
	Create(ctx context.Context, fulfillment domain.Fulfillment) error
	Update(ctx context.Context, fulfillment domain.Fulfillment) error
	FindByOrder(ctx context.Context, orderID string) (domain.Fulfillment, error)
}

// HealthRepository evaluates dependency probes for the readiness endpoint.
type HealthRepository interface {
	Collect(ctx context.Context) (HealthReport, error)
}

// HealthStatus grades a dependency probe outcome.
type HealthStatus string

const (
	HealthStatusOK       HealthStatus = "ok"
	HealthStatusDegraded HealthStatus = "degraded"
	HealthStatusError    HealthStatus = "error"
)

// HealthCheckResult is one dependency's probe outcome.
type HealthCheckResult struct {
	Status    HealthStatus
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// HealthReport aggregates all dependency probes.
type HealthReport struct {
	Status      HealthStatus
	Checks      map[string]HealthCheckResult
	GeneratedAt time.Time
}
