package domain

import "time"

// OrderStatus enumerates the order lifecycle states.
type OrderStatus string

const (
	// OrderStatusNew is set on first successful fetch from the marketplace.
	OrderStatusNew OrderStatus = "NEW"
	// OrderStatusNeedsUsername means the recipient handle is missing or invalid.
	OrderStatusNeedsUsername OrderStatus = "NEEDS_USERNAME"
	// OrderStatusWaitingPayment means the marketplace has not confirmed payment yet.
	OrderStatusWaitingPayment OrderStatus = "WAITING_PAYMENT"
	// OrderStatusPaid means payment is confirmed; the engine advances immediately.
	OrderStatusPaid OrderStatus = "PAID"
	// OrderStatusNeedsBalance means the delivery balance cannot cover the order.
	OrderStatusNeedsBalance OrderStatus = "NEEDS_BALANCE"
	// OrderStatusFulfilling means delivery is in progress.
	OrderStatusFulfilling OrderStatus = "FULFILLING"
	// OrderStatusFulfilled means every star has been delivered.
	OrderStatusFulfilled OrderStatus = "FULFILLED"
	// OrderStatusPartiallyFulfilled means some batches failed in the last run.
	OrderStatusPartiallyFulfilled OrderStatus = "PARTIALLY_FULFILLED"
	// OrderStatusFailed means no stars were delivered in the last run.
	OrderStatusFailed OrderStatus = "FAILED"
)

// FulfillmentStatus enumerates the delivery-attempt states.
type FulfillmentStatus string

const (
	FulfillmentStatusPending FulfillmentStatus = "PENDING"
	FulfillmentStatusSuccess FulfillmentStatus = "SUCCESS"
	FulfillmentStatusFailed  FulfillmentStatus = "FAILED"
	FulfillmentStatusPartial FulfillmentStatus = "PARTIAL"
)

// BatchStatus marks the outcome of a single transfer call.
type BatchStatus string

const (
	BatchStatusOK     BatchStatus = "ok"
	BatchStatusFailed BatchStatus = "failed"
)

// Order is one buyer purchase of a fixed quantity of stars.
type Order struct {
	ID              string
	OfferID         string
	Quantity        int
	BuyerUsername   string
	BuyerLogin      string
	TotalPrice      int64
	Currency        string
	Status          OrderStatus
	RecipientHandle string
	// StarsTotal is derived from offer size x quantity on first fetch and is
	// never recomputed after the order has been persisted.
	StarsTotal int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Fulfillment records one delivery attempt for an order. At most one
// fulfillment per order is active; earlier ones are historical.
type Fulfillment struct {
	ID         string
	OrderID    string
	Recipient  string
	StarsTotal int
	Batches    []Batch
	Status     FulfillmentStatus
	Notes      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Batch is one discrete transfer call bounded by the per-transfer maximum.
type Batch struct {
	Amount     int
	TransferID string
	Status     BatchStatus
	Error      string
}

// Offer is a marketplace listing for a fixed star pack.
type Offer struct {
	ID          string
	Title       string
	StarsAmount int
	Price       int64
	Currency    string
	Active      bool
}

// PaymentConfirmation is the marketplace's answer to a payment check. A
// Paid=false result is a legitimate outcome, not an error.
type PaymentConfirmation struct {
	Paid   bool
	PaidAt *time.Time
	Method string
	TxID   string
}

// Balance reports the delivery platform account state.
type Balance struct {
	Stars          int
	DailyLimitLeft int
}

// TransferResult is the delivery gateway's answer to one transfer call.
// A not-OK result carries a machine error code and human message instead
// of an error value so the engine can classify it for retries.
type TransferResult struct {
	OK           bool
	TransferID   string
	ErrorCode    string
	ErrorMessage string
}

// Transfer error codes the engine treats as retryable.
const (
	TransferErrRateLimited        = "rate_limited"
	TransferErrDailyLimitExceeded = "daily_limit_exceeded"
)

// RetryableTransferError reports whether a failed transfer may be retried.
func RetryableTransferError(code string) bool {
	switch code {
	case TransferErrRateLimited, TransferErrDailyLimitExceeded:
		return true
	default:
		return false
	}
}

// SentStars sums the amounts of the successful batches.
func (f Fulfillment) SentStars() int {
	total := 0
	for _, b := range f.Batches {
		if b.Status == BatchStatusOK {
			total += b.Amount
		}
	}
	return total
}

// Terminal reports whether the fulfillment has reached a final state.
func (s FulfillmentStatus) Terminal() bool {
	return s == FulfillmentStatusSuccess || s == FulfillmentStatusFailed || s == FulfillmentStatusPartial
}
