package payment

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrMalformedPayload = errors.New("malformed payload")
)

// Result messages the HTTP layer maps to their own status codes
const (
	MessageValidationFailed = "Payment validation failed"
	MessageOrderForbidden   = "You do not have access to this order"
)

// Status is the outcome state reported to the checkout caller
type Status string

const (
	StatusConfirmed           Status = "confirmed"
	StatusPending             Status = "pending"
	StatusPendingVerification Status = "pending_verification"
	StatusFailed              Status = "failed"
)

// Address is the shipping address captured at checkout
type Address struct {
	Street     string `json:"street"`
	City       string `json:"city"`
	Province   string `json:"province,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country,omitempty"`
}

// Request is a single checkout payment attempt
type Request struct {
	OrderID         string          `json:"order_id"`
	OrderNumber     string          `json:"order_number"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	MethodID        string          `json:"method_id"`
	CustomerEmail   string          `json:"customer_email"`
	CustomerPhone   string          `json:"customer_phone"`
	ShippingAddress Address         `json:"shipping_address"`
	UserID          string          `json:"-"`
	IdempotencyKey  string          `json:"-"`
}

// BankDetails tells the customer where to send a bank transfer
type BankDetails struct {
	AccountTitle  string `json:"account_title"`
	AccountNumber string `json:"account_number"`
	IBAN          string `json:"iban,omitempty"`
	BankName      string `json:"bank_name"`
	Branch        string `json:"branch,omitempty"`
	Reference     string `json:"reference"`
}

// Redirect is the signed form the browser posts to a wallet gateway
type Redirect struct {
	ActionURL string            `json:"action_url"`
	Method    string            `json:"method"`
	Fields    map[string]string `json:"fields"`
}

// Result is the normalized outcome of Dispatcher processing.
// Success=false always comes with Status=failed and at least one error.
type Result struct {
	Success        bool            `json:"success"`
	Status         Status          `json:"status"`
	TransactionID  string          `json:"transaction_id,omitempty"`
	Message        string          `json:"message"`
	Errors         []string        `json:"errors,omitempty"`
	Fee            decimal.Decimal `json:"fee"`
	Total          decimal.Decimal `json:"total"`
	RequiresAction bool            `json:"requires_action,omitempty"`
	ClientSecret   string          `json:"client_secret,omitempty"`
	BankDetails    *BankDetails    `json:"bank_details,omitempty"`
	Redirect       *Redirect       `json:"redirect,omitempty"`
}

// Failed builds a failed result. When errs is empty the message doubles as the error.
func Failed(message string, errs ...string) Result {
	if len(errs) == 0 {
		errs = []string{message}
	}
	return Result{
		Success: false,
		Status:  StatusFailed,
		Message: message,
		Errors:  errs,
	}
}

// ProviderError is a failure reported by (or while talking to) an external gateway.
// UserMessage is set only when the provider's text is safe to show a customer.
type ProviderError struct {
	Provider    string
	Code        string
	UserMessage string
	Err         error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s provider error (%s): %v", e.Provider, e.Code, e.Err)
	}
	return fmt.Sprintf("%s provider error (%s)", e.Provider, e.Code)
}

func (e *ProviderError) Unwrap() error { return e.Err }
