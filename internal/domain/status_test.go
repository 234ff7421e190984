package domain

import "testing"

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to OrderStatus
		want     bool
	}{
		{OrderStatusNew, OrderStatusPaid, true},
		{OrderStatusNew, OrderStatusNeedsUsername, true},
		{OrderStatusNew, OrderStatusFulfilled, false},
		{OrderStatusWaitingPayment, OrderStatusPaid, true},
		{OrderStatusPaid, OrderStatusFulfilling, true},
		{OrderStatusPaid, OrderStatusNeedsBalance, true},
		{OrderStatusPaid, OrderStatusNew, false},
		{OrderStatusFulfilling, OrderStatusFulfilled, true},
		{OrderStatusFulfilling, OrderStatusPartiallyFulfilled, true},
		{OrderStatusFulfilling, OrderStatusFailed, true},
		{OrderStatusFulfilled, OrderStatusPaid, false},
		{OrderStatusFulfilled, OrderStatusFailed, false},
		{OrderStatusFailed, OrderStatusPaid, true},
		{OrderStatusPartiallyFulfilled, OrderStatusWaitingPayment, true},
		{OrderStatusNeedsBalance, OrderStatusPaid, true},
		{OrderStatusPaid, OrderStatusPaid, true},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestFulfilledIsTerminal(t *testing.T) {
	for _, to := range []OrderStatus{
		OrderStatusNew, OrderStatusNeedsUsername, OrderStatusWaitingPayment,
		OrderStatusPaid, OrderStatusNeedsBalance, OrderStatusFulfilling,
		OrderStatusPartiallyFulfilled, OrderStatusFailed,
	} {
		if CanTransition(OrderStatusFulfilled, to) {
			t.Errorf("FULFILLED must not move to %s", to)
		}
	}
}
