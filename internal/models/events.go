package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event types
const (
	EventTypePaymentConfirmed           = "PAYMENT_CONFIRMED"
	EventTypePaymentFailed              = "PAYMENT_FAILED"
	EventTypePaymentPendingVerification = "PAYMENT_PENDING_VERIFICATION"
	EventTypeOrderCancelled             = "ORDER_CANCELLED"
)

// PAYMENT_FAILED reasons for a provider-reported success that did not pay in full.
// Money may have been collected in these cases.
const (
	FailureAmountMismatch   = "amount_mismatch"
	FailureCurrencyMismatch = "currency_mismatch"
)

// PaidWithMismatch reports whether a failure reason means the provider took a payment
func PaidWithMismatch(reason string) bool {
	return reason == FailureAmountMismatch || reason == FailureCurrencyMismatch
}

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// PaymentEvent is published when a payment reaches a notable state
type PaymentEvent struct {
	BaseEvent
	OrderID       string          `json:"order_id"`
	OrderNumber   string          `json:"order_number"`
	PaymentMethod string          `json:"payment_method"`
	TransactionID string          `json:"transaction_id"`
	Amount        decimal.Decimal `json:"amount"`
	CustomerEmail string          `json:"customer_email,omitempty"`
	Reason        string          `json:"reason,omitempty"`
}

// OrderCancelledEvent is published after a customer cancels an order
type OrderCancelledEvent struct {
	BaseEvent
	OrderID        string          `json:"order_id"`
	OrderNumber    string          `json:"order_number"`
	UserID         string          `json:"user_id"`
	CustomerEmail  string          `json:"customer_email,omitempty"`
	Reason         string          `json:"reason"`
	RefundAmount   decimal.Decimal `json:"refund_amount"`
	WillBeRefunded bool            `json:"will_be_refunded"`
}
