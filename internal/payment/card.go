package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"checkout-service/config"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
)

// IntentRequest carries what the card processor needs to open a payment intent
type IntentRequest struct {
	OrderID        string
	OrderNumber    string
	Amount         decimal.Decimal
	Currency       string
	CustomerEmail  string
	IdempotencyKey string
}

// Intent is a created, not yet confirmed, card payment
type Intent struct {
	ID           string
	ClientSecret string
	Status       string
}

// CardGateway creates card payment intents
type CardGateway interface {
	CreateIntent(ctx context.Context, req IntentRequest) (Intent, error)
}

// StripeGateway creates payment intents through the Stripe API
type StripeGateway struct {
	api *client.API
}

// NewStripeGateway creates a Stripe-backed card gateway
func NewStripeGateway(cfg config.CardConfig) *StripeGateway {
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(cfg.APIBaseURL),
		MaxNetworkRetries: stripe.Int64(0),
	})

	api := &client.API{}
	api.Init(cfg.SecretKey, &stripe.Backends{
		API:     backend,
		Connect: backend,
		Uploads: backend,
	})

	return &StripeGateway{api: api}
}

// CreateIntent opens a payment intent for the full charge. Amounts are sent in minor units.
func (g *StripeGateway) CreateIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:       stripe.Int64(ToMinorUnits(req.Amount)),
		Currency:     stripe.String(strings.ToLower(req.Currency)),
		ReceiptEmail: stripe.String(req.CustomerEmail),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	params.AddMetadata("order_id", req.OrderID)
	params.AddMetadata("order_number", req.OrderNumber)
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	pi, err := g.api.PaymentIntents.New(params)
	if err != nil {
		return Intent{}, stripeError(err)
	}

	return Intent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Status:       string(pi.Status),
	}, nil
}

func stripeError(err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		pe := &ProviderError{
			Provider: ProviderStripe,
			Code:     string(se.Code),
			Err:      err,
		}
		// card errors are written for the cardholder
		if se.Type == stripe.ErrorTypeCard {
			pe.UserMessage = se.Msg
		}
		return pe
	}
	return &ProviderError{Provider: ProviderStripe, Code: "transport", Err: err}
}

// MockCardGateway returns synthetic intents without any network call
type MockCardGateway struct{}

func (MockCardGateway) CreateIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	if err := ctx.Err(); err != nil {
		return Intent{}, err
	}
	id := "pi_mock_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:16]
	return Intent{
		ID:           id,
		ClientSecret: id + "_secret_" + uuid.New().String()[:8],
		Status:       "requires_payment_method",
	}, nil
}

// CardEvent is a verified card processor notification reduced to what reconciliation needs
type CardEvent struct {
	EventID       string
	Type          string
	TransactionID string
	OrderNumber   string
	Amount        decimal.Decimal
	Currency      string
	Raw           json.RawMessage
}

// CardEventVerifier authenticates and parses card webhook deliveries
type CardEventVerifier struct {
	secret    string
	tolerance time.Duration
}

// NewCardEventVerifier creates a verifier for the configured webhook secret
func NewCardEventVerifier(cfg config.CardConfig) *CardEventVerifier {
	return &CardEventVerifier{secret: cfg.WebhookSecret, tolerance: cfg.WebhookTolerance}
}

// Verify checks the signature header and extracts the payment intent.
func (v *CardEventVerifier) Verify(body []byte, signatureHeader string) (CardEvent, error) {
	if v.secret == "" || signatureHeader == "" {
		return CardEvent{}, ErrInvalidSignature
	}

	event, err := webhook.ConstructEventWithOptions(body, signatureHeader, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return CardEvent{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	if !strings.HasPrefix(string(event.Type), "payment_intent.") || event.Data == nil {
		return CardEvent{EventID: event.ID, Type: string(event.Type), Raw: body}, nil
	}

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return CardEvent{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if pi.ID == "" || pi.Metadata["order_number"] == "" {
		return CardEvent{}, fmt.Errorf("%w: payment intent without order reference", ErrMalformedPayload)
	}

	return CardEvent{
		EventID:       event.ID,
		Type:          string(event.Type),
		TransactionID: pi.ID,
		OrderNumber:   pi.Metadata["order_number"],
		Amount:        FromMinorUnits(pi.Amount),
		Currency:      strings.ToUpper(string(pi.Currency)),
		Raw:           body,
	}, nil
}

// ClassifyCardEvent maps a card event type onto the canonical outcome.
// ok is false for event types reconciliation ignores.
func ClassifyCardEvent(eventType string) (outcome Outcome, ok bool) {
	switch stripe.EventType(eventType) {
	case stripe.EventTypePaymentIntentSucceeded:
		return OutcomeSuccess, true
	case stripe.EventTypePaymentIntentProcessing:
		return OutcomePending, true
	case stripe.EventTypePaymentIntentPaymentFailed, stripe.EventTypePaymentIntentCanceled:
		return OutcomeFailure, true
	default:
		return OutcomeFailure, false
	}
}

// ToMinorUnits converts a major-unit amount to paisa
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

// FromMinorUnits converts paisa to a major-unit amount
func FromMinorUnits(minor int64) decimal.Decimal {
	return decimal.New(minor, -2)
}
