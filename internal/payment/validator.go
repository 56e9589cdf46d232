package payment

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	// +92 followed by exactly ten digits, no separators
	phonePattern = regexp.MustCompile(`^\+92\d{10}$`)
)

// Issue codes let callers tell a typo'd method id from a method that is
// merely unavailable for this amount.
const (
	IssueReferenceRequired  = "reference_required"
	IssueCurrency           = "unsupported_currency"
	IssueAmount             = "invalid_amount"
	IssueInvalidMethod      = "invalid_method"
	IssueMethodUnavailable  = "method_unavailable"
	IssueInvalidEmail       = "invalid_email"
	IssueInvalidPhoneNumber = "invalid_phone"
)

// Issue is one violated rule
type Issue struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationResult lists every violated rule, never just the first
type ValidationResult struct {
	IsValid bool     `json:"is_valid"`
	Errors  []string `json:"errors"`
	Issues  []Issue  `json:"issues"`
}

func (r *ValidationResult) add(field, code, message string) {
	r.IsValid = false
	r.Errors = append(r.Errors, message)
	r.Issues = append(r.Issues, Issue{Field: field, Code: code, Message: message})
}

// HasIssue reports whether a rule with the given code failed
func (r ValidationResult) HasIssue(code string) bool {
	for _, issue := range r.Issues {
		if issue.Code == code {
			return true
		}
	}
	return false
}

// Validator checks payment requests against global and per-method rules
type Validator struct {
	catalog *Catalog
}

// NewValidator creates a validator backed by catalog
func NewValidator(catalog *Catalog) *Validator {
	return &Validator{catalog: catalog}
}

// Validate runs every check independently and never panics on odd input.
func (v *Validator) Validate(req Request) ValidationResult {
	result := ValidationResult{IsValid: true, Errors: []string{}, Issues: []Issue{}}
	currency := v.catalog.Currency()

	if strings.TrimSpace(req.OrderID) == "" || strings.TrimSpace(req.OrderNumber) == "" {
		result.add("order_id", IssueReferenceRequired, "Order reference is required")
	}

	if req.Currency != currency {
		result.add("currency", IssueCurrency, fmt.Sprintf("Only %s currency is supported", currency))
	}

	amountOK := req.Amount.IsPositive()
	if !amountOK {
		result.add("amount", IssueAmount, "Amount must be greater than 0")
	}

	method, ok := v.catalog.GetMethod(req.MethodID, req.Amount)
	if !ok {
		result.add("method_id", IssueInvalidMethod, "Invalid payment method")
	}

	if !emailPattern.MatchString(req.CustomerEmail) {
		result.add("customer_email", IssueInvalidEmail, "Invalid email format")
	}

	if !phonePattern.MatchString(req.CustomerPhone) {
		result.add("customer_phone", IssueInvalidPhoneNumber, "Invalid Pakistani phone number format")
	}

	if ok && amountOK && !method.Available {
		result.add("method_id", IssueMethodUnavailable, method.UnavailableReason)
	}

	return result
}
