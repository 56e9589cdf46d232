package models

import (
	"time"

	"github.com/jmoiron/sqlx/types"
	"github.com/shopspring/decimal"
)

// Order is the subset of the storefront order record the checkout service reads and writes
type Order struct {
	ID            string          `db:"id" json:"id"`
	OrderNumber   string          `db:"order_number" json:"order_number"`
	UserID        string          `db:"user_id" json:"user_id"`
	CustomerEmail string          `db:"customer_email" json:"customer_email"`
	Status        string          `db:"status" json:"status"`
	PaymentStatus string          `db:"payment_status" json:"payment_status"`
	PaymentMethod string          `db:"payment_method" json:"payment_method,omitempty"`
	TotalAmount   decimal.Decimal `db:"total_amount" json:"total_amount"`
	Notes         string          `db:"notes" json:"notes,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
}

// PaymentTransaction is one row of the payment log, keyed by the provider transaction id
type PaymentTransaction struct {
	ID              int64           `db:"id" json:"id"`
	OrderID         string          `db:"order_id" json:"order_id"`
	PaymentMethod   string          `db:"payment_method" json:"payment_method"`
	TransactionID   string          `db:"transaction_id" json:"transaction_id"`
	Amount          decimal.Decimal `db:"amount" json:"amount"`
	Status          string          `db:"status" json:"status"`
	GatewayResponse types.JSONText  `db:"gateway_response" json:"gateway_response,omitempty"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
}

// Order statuses
const (
	OrderStatusPending       = "pending"
	OrderStatusConfirmed     = "confirmed"
	OrderStatusProcessing    = "processing"
	OrderStatusShipped       = "shipped"
	OrderStatusDelivered     = "delivered"
	OrderStatusCancelled     = "cancelled"
	OrderStatusPaymentFailed = "payment_failed"
)

// Payment statuses, shared by orders.payment_status and payment_transactions.status
const (
	PaymentStatusPending             = "pending"
	PaymentStatusPendingVerification = "pending_verification"
	PaymentStatusCompleted           = "completed"
	PaymentStatusFailed              = "failed"
)

// OrderTransition is a conditional update of an order's payment state. It only
// applies while the order's status is one of FromStatuses and its payment status
// is none of ExcludePaymentStatuses. Empty Status/PaymentMethod leave the column as is.
type OrderTransition struct {
	OrderID                string
	FromStatuses           []string
	ExcludePaymentStatuses []string
	Status                 string
	PaymentStatus          string
	PaymentMethod          string
}

// IsTerminal reports whether no further lifecycle transition can leave status.
func IsTerminal(status string) bool {
	return status == OrderStatusDelivered || status == OrderStatusCancelled
}
