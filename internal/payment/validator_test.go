package payment

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func validRequest() Request {
	return Request{
		OrderID:       "7d7c3b1e-5a4f-4c1e-9c1a-2f6f5b0e8a11",
		OrderNumber:   "ORD-20261015-0001",
		Amount:        d("7050"),
		Currency:      "PKR",
		MethodID:      MethodJazzCash,
		CustomerEmail: "ayesha@example.pk",
		CustomerPhone: "+923001234567",
	}
}

func TestValidator_ValidRequest(t *testing.T) {
	v := NewValidator(testCatalog())

	result := v.Validate(validRequest())

	assert.True(t, result.IsValid)
	assert.Empty(t, result.Errors)
}

func TestValidator_ReportsEveryViolation(t *testing.T) {
	v := NewValidator(testCatalog())

	req := validRequest()
	req.CustomerEmail = "not-an-email"
	req.CustomerPhone = "03001234567"
	req.Amount = d("0")

	result := v.Validate(req)

	assert.False(t, result.IsValid)
	assert.ElementsMatch(t, []string{
		"Amount must be greater than 0",
		"Invalid email format",
		"Invalid Pakistani phone number format",
	}, result.Errors)
}

func TestValidator_Currency(t *testing.T) {
	v := NewValidator(testCatalog())

	req := validRequest()
	req.Currency = "USD"

	result := v.Validate(req)

	assert.False(t, result.IsValid)
	assert.Equal(t, []string{"Only PKR currency is supported"}, result.Errors)
}

func TestValidator_PhoneFormat(t *testing.T) {
	v := NewValidator(testCatalog())

	cases := map[string]bool{
		"+923001234567":   true,
		"+923451112223":   true,
		"923001234567":    false, // missing +
		"+92300123456":    false, // 9 digits
		"+9230012345678":  false, // 11 digits
		"+913001234567":   false, // wrong country code
		"3001234567":      false, // no country code
		"+92 3001234567":  false,
		"+92-300-1234567": false,
		"":                false,
	}

	for phone, valid := range cases {
		req := validRequest()
		req.CustomerPhone = phone

		result := v.Validate(req)
		assert.Equal(t, valid, result.IsValid, "phone %q", phone)
		assert.Equal(t, !valid, result.HasIssue(IssueInvalidPhoneNumber), "phone %q", phone)
	}
}

func TestValidator_EmailFormat(t *testing.T) {
	v := NewValidator(testCatalog())

	cases := map[string]bool{
		"a@b.co":          true,
		"first.last@x.pk": true,
		"no-at-sign.com":  false,
		"a@nodot":         false,
		"a b@c.com":       false,
		"":                false,
	}

	for email, valid := range cases {
		req := validRequest()
		req.CustomerEmail = email

		result := v.Validate(req)
		assert.Equal(t, valid, result.IsValid, "email %q", email)
	}
}

func TestValidator_InvalidMethod(t *testing.T) {
	v := NewValidator(testCatalog())

	req := validRequest()
	req.MethodID = "not-a-real-method"

	result := v.Validate(req)

	assert.False(t, result.IsValid)
	assert.Contains(t, result.Errors, "Invalid payment method")
	assert.True(t, result.HasIssue(IssueInvalidMethod))
	assert.False(t, result.HasIssue(IssueMethodUnavailable))
}

func TestValidator_MethodUnavailableIsDistinct(t *testing.T) {
	v := NewValidator(testCatalog())

	req := validRequest()
	req.MethodID = MethodCashOnDelivery
	req.Amount = d("75000")

	result := v.Validate(req)

	assert.False(t, result.IsValid)
	assert.Equal(t, []string{"Cash on Delivery is not available for orders above PKR 50000"}, result.Errors)
	assert.True(t, result.HasIssue(IssueMethodUnavailable))
	assert.False(t, result.HasIssue(IssueInvalidMethod))
}

func TestValidator_MissingOrderReference(t *testing.T) {
	v := NewValidator(testCatalog())

	req := validRequest()
	req.OrderNumber = ""

	result := v.Validate(req)

	assert.False(t, result.IsValid)
	assert.Equal(t, []string{"Order reference is required"}, result.Errors)
}
