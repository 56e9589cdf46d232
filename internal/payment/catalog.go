package payment

import (
	"fmt"

	"checkout-service/config"

	"github.com/shopspring/decimal"
)

// Method ids. These are the join key used by the validator, dispatcher and order records.
const (
	MethodCard           = "card"
	MethodJazzCash       = "jazzcash"
	MethodEasyPaisa      = "easypaisa"
	MethodCashOnDelivery = "cod"
	MethodBankTransfer   = "bank_transfer"
)

// Provider names
const (
	ProviderStripe    = "stripe"
	ProviderJazzCash  = "jazzcash"
	ProviderEasyPaisa = "easypaisa"
	ProviderCOD       = "cod"
	ProviderBank      = "bank"
)

// FeeFormula computes the unrounded fee for an amount
type FeeFormula interface {
	Fee(amount decimal.Decimal) decimal.Decimal
}

// PercentPlusFixed charges Rate*amount + Fixed, never less than Min
type PercentPlusFixed struct {
	Rate  decimal.Decimal
	Fixed decimal.Decimal
	Min   decimal.Decimal
}

func (f PercentPlusFixed) Fee(amount decimal.Decimal) decimal.Decimal {
	return decimal.Max(f.Min, amount.Mul(f.Rate).Add(f.Fixed))
}

// PercentWithFloor charges Rate*amount, never less than Min
type PercentWithFloor struct {
	Rate decimal.Decimal
	Min  decimal.Decimal
}

func (f PercentWithFloor) Fee(amount decimal.Decimal) decimal.Decimal {
	return decimal.Max(f.Min, amount.Mul(f.Rate))
}

// Flat charges the same fee regardless of amount
type Flat struct {
	Amount decimal.Decimal
}

func (f Flat) Fee(decimal.Decimal) decimal.Decimal {
	return f.Amount
}

// Flow is the provider-specific part of a method. Each variant carries only
// what its dispatch path needs.
type Flow interface {
	flow()
}

// CardFlow creates a payment intent that the client confirms later
type CardFlow struct{}

// WalletFlow hands the customer off to a mobile-wallet gateway
type WalletFlow struct {
	Gateway *WalletGateway
}

// CashOnDeliveryFlow confirms locally; money moves at delivery
type CashOnDeliveryFlow struct{}

// BankTransferFlow returns static account details for a manual transfer
type BankTransferFlow struct {
	Details BankDetails
}

func (CardFlow) flow()           {}
func (WalletFlow) flow()         {}
func (CashOnDeliveryFlow) flow() {}
func (BankTransferFlow) flow()   {}

// Method is a payment method priced for a particular order amount
type Method struct {
	ID                string          `json:"id"`
	Provider          string          `json:"provider"`
	DisplayName       string          `json:"display_name"`
	Description       string          `json:"description"`
	ProcessingTime    string          `json:"processing_time"`
	Fee               decimal.Decimal `json:"fee"`
	Total             decimal.Decimal `json:"total"`
	Available         bool            `json:"available"`
	UnavailableReason string          `json:"unavailable_reason,omitempty"`
	MinAmount         decimal.Decimal `json:"min_amount"`
	MaxAmount         decimal.Decimal `json:"max_amount"`
	Flow              Flow            `json:"-"`
}

type methodSpec struct {
	id             string
	provider       string
	displayName    string
	description    string
	processingTime string
	formula        FeeFormula
	minAmount      decimal.Decimal
	maxAmount      decimal.Decimal
	flow           Flow
}

// Catalog is the fixed set of supported payment methods
type Catalog struct {
	currency string
	places   int32
	specs    []methodSpec
}

// NewCatalog builds the catalog from configuration. Disabled methods are left out
// and resolve as unknown ids.
func NewCatalog(cfg config.PaymentConfig, bank BankDetails, jazzCash, easyPaisa *WalletGateway) *Catalog {
	c := &Catalog{
		currency: cfg.Currency,
		places:   cfg.RoundingPlaces,
	}

	if cfg.Card.Enabled {
		c.specs = append(c.specs, methodSpec{
			id:             MethodCard,
			provider:       ProviderStripe,
			displayName:    "Credit/Debit Card",
			description:    "Pay securely with Visa, Mastercard or UnionPay",
			processingTime: "Instant",
			formula:        PercentPlusFixed{Rate: cfg.Card.Rate, Fixed: cfg.Card.FixedFee, Min: cfg.Card.MinFee},
			minAmount:      cfg.Card.MinAmount,
			maxAmount:      cfg.Card.MaxAmount,
			flow:           CardFlow{},
		})
	}
	if cfg.JazzCash.Enabled && jazzCash != nil {
		c.specs = append(c.specs, methodSpec{
			id:             MethodJazzCash,
			provider:       ProviderJazzCash,
			displayName:    "JazzCash",
			description:    "Pay with your JazzCash mobile account",
			processingTime: "Instant",
			formula:        PercentWithFloor{Rate: cfg.JazzCash.Rate, Min: cfg.JazzCash.MinFee},
			minAmount:      cfg.JazzCash.MinAmount,
			maxAmount:      cfg.JazzCash.MaxAmount,
			flow:           WalletFlow{Gateway: jazzCash},
		})
	}
	if cfg.EasyPaisa.Enabled && easyPaisa != nil {
		c.specs = append(c.specs, methodSpec{
			id:             MethodEasyPaisa,
			provider:       ProviderEasyPaisa,
			displayName:    "EasyPaisa",
			description:    "Pay with your EasyPaisa mobile account",
			processingTime: "Instant",
			formula:        PercentWithFloor{Rate: cfg.EasyPaisa.Rate, Min: cfg.EasyPaisa.MinFee},
			minAmount:      cfg.EasyPaisa.MinAmount,
			maxAmount:      cfg.EasyPaisa.MaxAmount,
			flow:           WalletFlow{Gateway: easyPaisa},
		})
	}
	if cfg.COD.Enabled {
		c.specs = append(c.specs, methodSpec{
			id:             MethodCashOnDelivery,
			provider:       ProviderCOD,
			displayName:    "Cash on Delivery",
			description:    "Pay in cash when your order arrives",
			processingTime: "Pay when you receive",
			formula:        Flat{Amount: cfg.COD.FixedFee},
			minAmount:      cfg.COD.MinAmount,
			maxAmount:      cfg.COD.MaxAmount,
			flow:           CashOnDeliveryFlow{},
		})
	}
	if cfg.BankTransfer.Enabled {
		c.specs = append(c.specs, methodSpec{
			id:             MethodBankTransfer,
			provider:       ProviderBank,
			displayName:    "Bank Transfer",
			description:    "Transfer directly to our bank account",
			processingTime: "1-2 business days",
			formula:        Flat{Amount: cfg.BankTransfer.FixedFee},
			minAmount:      cfg.BankTransfer.MinAmount,
			maxAmount:      cfg.BankTransfer.MaxAmount,
			flow:           BankTransferFlow{Details: bank},
		})
	}

	return c
}

// Currency returns the single supported currency code
func (c *Catalog) Currency() string {
	return c.currency
}

// ListMethods returns every configured method priced for amount
func (c *Catalog) ListMethods(amount decimal.Decimal) []Method {
	methods := make([]Method, 0, len(c.specs))
	for _, spec := range c.specs {
		methods = append(methods, c.price(spec, amount))
	}
	return methods
}

// AvailableMethods returns the methods that can be used for amount
func (c *Catalog) AvailableMethods(amount decimal.Decimal) []Method {
	var methods []Method
	for _, m := range c.ListMethods(amount) {
		if m.Available {
			methods = append(methods, m)
		}
	}
	return methods
}

// GetMethod resolves a method id. ok is false for unknown ids.
func (c *Catalog) GetMethod(id string, amount decimal.Decimal) (Method, bool) {
	for _, spec := range c.specs {
		if spec.id == id {
			return c.price(spec, amount), true
		}
	}
	return Method{}, false
}

// Fee returns the rounded fee a method charges on amount
func (c *Catalog) Fee(id string, amount decimal.Decimal) (decimal.Decimal, bool) {
	m, ok := c.GetMethod(id, amount)
	if !ok {
		return decimal.Zero, false
	}
	return m.Fee, true
}

func (c *Catalog) price(spec methodSpec, amount decimal.Decimal) Method {
	fee := spec.formula.Fee(amount).Round(c.places)
	if fee.IsNegative() {
		fee = decimal.Zero
	}

	m := Method{
		ID:             spec.id,
		Provider:       spec.provider,
		DisplayName:    spec.displayName,
		Description:    spec.description,
		ProcessingTime: spec.processingTime,
		Fee:            fee,
		Total:          amount.Add(fee),
		Available:      true,
		MinAmount:      spec.minAmount,
		MaxAmount:      spec.maxAmount,
		Flow:           spec.flow,
	}

	if reason := c.limitViolation(spec, amount); reason != "" {
		m.Available = false
		m.UnavailableReason = reason
	}
	return m
}

func (c *Catalog) limitViolation(spec methodSpec, amount decimal.Decimal) string {
	if spec.minAmount.IsPositive() && amount.LessThan(spec.minAmount) {
		return fmt.Sprintf("Minimum amount for %s is %s %s", spec.displayName, c.currency, spec.minAmount.String())
	}
	if spec.maxAmount.IsPositive() && amount.GreaterThan(spec.maxAmount) {
		return fmt.Sprintf("%s is not available for orders above %s %s", spec.displayName, c.currency, spec.maxAmount.String())
	}
	return ""
}
