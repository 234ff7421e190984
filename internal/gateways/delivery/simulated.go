package delivery

import (
	"context"
	"fmt"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/starbridge/api/internal/domain"
)

// Simulated is the in-memory delivery platform used in local runs and
// tests. Transfers are de-duplicated on the idempotency key the way the
// real platform is expected to.
type Simulated struct {
	mu        sync.Mutex
	balance   int
	dailyLeft int
	byKey     map[string]domain.TransferResult

	// TransferFunc, when set, replaces the built-in transfer behaviour.
	TransferFunc func(ctx context.Context, recipient string, amount int, idempotencyKey string) (domain.TransferResult, error)
}

// NewSimulated constructs a simulated platform holding the given balance.
func NewSimulated(balance, dailyLimit int) *Simulated {
	return &Simulated{
		balance:   balance,
		dailyLeft: dailyLimit,
		byKey:     make(map[string]domain.TransferResult),
	}
}

// GetBalance implements Provider.
func (s *Simulated) GetBalance(context.Context) (domain.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.Balance{Stars: s.balance, DailyLimitLeft: s.dailyLeft}, nil
}

// Transfer implements Provider. A repeated key replays the recorded result
// without moving stars again.
func (s *Simulated) Transfer(ctx context.Context, recipient string, amount int, idempotencyKey string) (domain.TransferResult, error) {
	if s.TransferFunc != nil {
		return s.TransferFunc(ctx, recipient, amount, idempotencyKey)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if result, ok := s.byKey[idempotencyKey]; ok {
		return result, nil
	}

	var result domain.TransferResult
	switch {
	case amount > s.dailyLeft:
		result = domain.TransferResult{
			OK:           false,
			ErrorCode:    domain.TransferErrDailyLimitExceeded,
			ErrorMessage: fmt.Sprintf("daily limit left %d, requested %d", s.dailyLeft, amount),
		}
	case amount > s.balance:
		result = domain.TransferResult{
			OK:           false,
			ErrorCode:    "insufficient_balance",
			ErrorMessage: fmt.Sprintf("balance %d, requested %d", s.balance, amount),
		}
	default:
		s.balance -= amount
		s.dailyLeft -= amount
		result = domain.TransferResult{
			OK:         true,
			TransferID: "tr_" + ulid.Make().String(),
		}
	}

	s.byKey[idempotencyKey] = result
	return result, nil
}

// Balance returns the remaining stars. Test helper.
func (s *Simulated) Balance() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance
}
