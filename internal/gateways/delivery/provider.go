// Package delivery talks to the star transfer side: balance queries and
// idempotent transfers to a recipient handle.
package delivery

import (
	"context"

	"github.com/starbridge/api/internal/domain"
)

// Provider is the delivery-side gateway consumed by the engine.
type Provider interface {
	// GetBalance reports the account's available stars and remaining daily
	// transfer allowance.
	GetBalance(ctx context.Context) (domain.Balance, error)
	// Transfer sends amount stars to recipient. The idempotency key makes a
	// retried call safe: the platform de-duplicates on it. A failed
	// transfer comes back as a not-OK result with an error code, not as an
	// error value; errors mean the call itself could not be made.
	Transfer(ctx context.Context, recipient string, amount int, idempotencyKey string) (domain.TransferResult, error)
}
