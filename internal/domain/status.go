package domain

// orderTransitions lists the permitted forward moves of the order state
// machine. Re-entrant states (WAITING_PAYMENT, NEEDS_BALANCE, the partial
// and failed terminals) may advance again on the next externally triggered
// run; FULFILLED never moves.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusNew:                {OrderStatusNeedsUsername, OrderStatusWaitingPayment, OrderStatusPaid},
	OrderStatusNeedsUsername:      {OrderStatusWaitingPayment, OrderStatusPaid},
	OrderStatusWaitingPayment:     {OrderStatusNeedsUsername, OrderStatusPaid},
	OrderStatusPaid:               {OrderStatusNeedsBalance, OrderStatusFulfilling},
	OrderStatusNeedsBalance:       {OrderStatusNeedsUsername, OrderStatusWaitingPayment, OrderStatusPaid},
	OrderStatusFulfilling:         {OrderStatusFulfilled, OrderStatusPartiallyFulfilled, OrderStatusFailed},
	OrderStatusPartiallyFulfilled: {OrderStatusNeedsUsername, OrderStatusWaitingPayment, OrderStatusPaid},
	OrderStatusFailed:             {OrderStatusNeedsUsername, OrderStatusWaitingPayment, OrderStatusPaid},
}

// CanTransition reports whether moving from one order status to another is
// permitted. Setting the same status again is always permitted.
func CanTransition(from, to OrderStatus) bool {
	if from == to {
		return true
	}
	for _, allowed := range orderTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
