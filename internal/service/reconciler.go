package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"checkout-service/internal/models"
	"checkout-service/internal/payment"
	"checkout-service/internal/util"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Outcome reports what a reconciliation did with a delivery
type Outcome string

const (
	OutcomeApplied      Outcome = "applied"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeIgnored      Outcome = "ignored"
	OutcomeOrderMissing Outcome = "order_missing"
	OutcomeRejected     Outcome = "rejected"
	OutcomeError        Outcome = "error"
)

// Notification is a verified provider delivery reduced to what reconciliation needs
type Notification struct {
	Provider      string
	PaymentMethod string
	DeliveryID    string
	OrderNumber   string
	TransactionID string
	Amount        decimal.Decimal
	Currency      string
	Outcome       payment.Outcome
	Code          string
	Raw           json.RawMessage
}

type transition struct {
	from          []string
	status        string
	paymentStatus string
}

var transitions = map[payment.Outcome]transition{
	payment.OutcomeSuccess: {
		from:          []string{models.OrderStatusPending, models.OrderStatusPaymentFailed, models.OrderStatusConfirmed},
		status:        models.OrderStatusConfirmed,
		paymentStatus: models.PaymentStatusCompleted,
	},
	payment.OutcomePending: {
		from:          []string{models.OrderStatusPending, models.OrderStatusPaymentFailed},
		paymentStatus: models.PaymentStatusPending,
	},
	payment.OutcomeFailure: {
		from:          []string{models.OrderStatusPending},
		status:        models.OrderStatusPaymentFailed,
		paymentStatus: models.PaymentStatusFailed,
	},
}

// Reconciler applies asynchronous provider notifications to orders and the transaction log
type Reconciler struct {
	catalog    *payment.Catalog
	orders     OrderStore
	txns       TransactionStore
	deliveries DeliveryCache
	notifier   Notifier
	cards      *payment.CardEventVerifier
	wallets    map[string]*payment.WalletGateway
	logger     *zap.Logger
}

// NewReconciler creates a reconciler. deliveries and notifier may be nil.
func NewReconciler(
	catalog *payment.Catalog,
	orders OrderStore,
	txns TransactionStore,
	deliveries DeliveryCache,
	notifier Notifier,
	cards *payment.CardEventVerifier,
	wallets ...*payment.WalletGateway,
) *Reconciler {
	r := &Reconciler{
		catalog:    catalog,
		orders:     orders,
		txns:       txns,
		deliveries: deliveries,
		notifier:   notifier,
		cards:      cards,
		wallets:    make(map[string]*payment.WalletGateway),
		logger:     util.GetLogger(),
	}
	for _, w := range wallets {
		r.wallets[w.Provider] = w
	}
	return r
}

// ReconcileWallet verifies and applies a mobile-wallet callback
func (r *Reconciler) ReconcileWallet(ctx context.Context, provider string, fields map[string]string) (Outcome, error) {
	gw, ok := r.wallets[provider]
	if !ok {
		return r.reject(provider, "", fmt.Errorf("%w: unknown wallet provider %q", payment.ErrMalformedPayload, provider))
	}

	if err := gw.Verify(fields); err != nil {
		return r.reject(provider, fields[payment.FieldOrderID], err)
	}

	orderNumber := strings.TrimSpace(fields[payment.FieldOrderID])
	txnID := strings.TrimSpace(fields[payment.FieldTransactionID])
	if orderNumber == "" || txnID == "" {
		return r.reject(provider, orderNumber, fmt.Errorf("%w: missing order or transaction id", payment.ErrMalformedPayload))
	}

	amount, err := decimal.NewFromString(strings.TrimSpace(fields[payment.FieldAmount]))
	if err != nil {
		return r.reject(provider, orderNumber, fmt.Errorf("%w: bad amount: %v", payment.ErrMalformedPayload, err))
	}

	code := fields[payment.FieldResponseCode]
	outcome := gw.Classify(code, fields[payment.FieldStatus])
	if code == "" {
		code = fields[payment.FieldStatus]
	}

	return r.apply(ctx, Notification{
		Provider:      provider,
		PaymentMethod: provider,
		DeliveryID:    txnID + ":" + outcome.String() + ":" + code,
		OrderNumber:   orderNumber,
		TransactionID: txnID,
		Amount:        amount,
		Currency:      strings.TrimSpace(fields[payment.FieldCurrency]),
		Outcome:       outcome,
		Code:          code,
		Raw:           gatewayJSON(fields),
	})
}

// ReconcileCard verifies and applies a card processor event
func (r *Reconciler) ReconcileCard(ctx context.Context, body []byte, signatureHeader string) (Outcome, error) {
	event, err := r.cards.Verify(body, signatureHeader)
	if err != nil {
		return r.reject(payment.ProviderStripe, "", err)
	}

	outcome, ok := payment.ClassifyCardEvent(event.Type)
	if !ok {
		r.logger.Debug("Ignoring card event type", zap.String("event_type", event.Type))
		util.WebhookDeliveriesTotal.WithLabelValues(payment.ProviderStripe, string(OutcomeIgnored)).Inc()
		return OutcomeIgnored, nil
	}

	return r.apply(ctx, Notification{
		Provider:      payment.ProviderStripe,
		PaymentMethod: payment.MethodCard,
		DeliveryID:    event.EventID,
		OrderNumber:   event.OrderNumber,
		TransactionID: event.TransactionID,
		Amount:        event.Amount,
		Currency:      event.Currency,
		Outcome:       outcome,
		Code:          event.Type,
		Raw:           event.Raw,
	})
}

func (r *Reconciler) reject(provider, orderNumber string, err error) (Outcome, error) {
	r.logger.Warn("Rejected provider notification",
		zap.String("provider", provider),
		zap.String("order_number", orderNumber),
		zap.Error(err))
	util.WebhookDeliveriesTotal.WithLabelValues(provider, string(OutcomeRejected)).Inc()
	return OutcomeRejected, err
}

func (r *Reconciler) apply(ctx context.Context, n Notification) (Outcome, error) {
	ctx, span := util.StartSpan(ctx, "Reconciler.apply",
		attribute.String("provider", n.Provider),
		attribute.String("order_number", n.OrderNumber),
		attribute.String("outcome", n.Outcome.String()))
	defer span.End()

	outcome, err := r.applyNotification(ctx, n)
	if err != nil {
		util.SpanError(span, err)
		util.WebhookDeliveriesTotal.WithLabelValues(n.Provider, string(OutcomeError)).Inc()
		r.logger.Error("Reconciliation failed",
			zap.String("provider", n.Provider),
			zap.String("order_number", n.OrderNumber),
			zap.String("transaction_id", n.TransactionID),
			zap.Error(err))
		return OutcomeError, err
	}

	span.SetAttributes(attribute.String("result", string(outcome)))
	util.WebhookDeliveriesTotal.WithLabelValues(n.Provider, string(outcome)).Inc()
	return outcome, nil
}

func (r *Reconciler) applyNotification(ctx context.Context, n Notification) (Outcome, error) {
	logger := r.logger.With(
		zap.String("provider", n.Provider),
		zap.String("order_number", n.OrderNumber),
		zap.String("transaction_id", n.TransactionID),
		zap.String("code", n.Code))

	if r.deliveries != nil {
		seen, err := r.deliveries.IsDeliveryProcessed(ctx, n.Provider, n.DeliveryID)
		if err != nil {
			logger.Warn("Delivery marker lookup failed", zap.Error(err))
		} else if seen {
			logger.Info("Duplicate delivery")
			return OutcomeDuplicate, nil
		}
	}

	order, err := r.orders.GetOrderByNumber(ctx, n.OrderNumber)
	if errors.Is(err, ErrOrderNotFound) {
		logger.Warn("Notification for unknown order")
		return OutcomeOrderMissing, nil
	}
	if err != nil {
		return "", fmt.Errorf("look up order %s: %w", n.OrderNumber, err)
	}

	outcome := n.Outcome
	reason := n.Code
	if outcome == payment.OutcomeSuccess {
		if mismatch := r.checkPaid(n, order, logger); mismatch != "" {
			outcome = payment.OutcomeFailure
			reason = mismatch
		}
	}

	if order.PaymentStatus == models.PaymentStatusCompleted {
		if outcome != payment.OutcomeSuccess {
			logger.Warn("Ignoring notification for an already completed payment", zap.String("outcome", outcome.String()))
			r.markDelivered(ctx, n, logger)
			return OutcomeIgnored, nil
		}
		logger.Info("Payment already completed")
		r.markDelivered(ctx, n, logger)
		return OutcomeDuplicate, nil
	}

	t := transitions[outcome]
	applied, err := r.orders.TransitionOrder(ctx, models.OrderTransition{
		OrderID:                order.ID,
		FromStatuses:           t.from,
		ExcludePaymentStatuses: []string{models.PaymentStatusCompleted},
		Status:                 t.status,
		PaymentStatus:          t.paymentStatus,
		PaymentMethod:          n.PaymentMethod,
	})
	if err != nil {
		return "", fmt.Errorf("transition order %s: %w", order.OrderNumber, err)
	}

	// the log keeps what the provider reported even when the order could not move
	if err := r.txns.UpsertTransaction(ctx, &models.PaymentTransaction{
		OrderID:         order.ID,
		PaymentMethod:   n.PaymentMethod,
		TransactionID:   n.TransactionID,
		Amount:          n.Amount,
		Status:          t.paymentStatus,
		GatewayResponse: []byte(n.Raw),
	}); err != nil {
		return "", fmt.Errorf("record transaction %s: %w", n.TransactionID, err)
	}

	if !applied {
		return r.notApplied(ctx, n, order.ID, outcome, logger)
	}

	r.markDelivered(ctx, n, logger)

	if t.status != "" {
		util.OrderTransitionsTotal.WithLabelValues(t.status).Inc()
	}
	logger.Info("Notification applied",
		zap.String("outcome", outcome.String()),
		zap.String("payment_status", t.paymentStatus))

	event := &models.PaymentEvent{
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		PaymentMethod: n.PaymentMethod,
		TransactionID: n.TransactionID,
		Amount:        n.Amount,
		CustomerEmail: order.CustomerEmail,
	}
	switch outcome {
	case payment.OutcomeSuccess:
		r.notify(logger, func() error { return r.notifier.PublishPaymentConfirmed(ctx, event) })
	case payment.OutcomeFailure:
		event.Reason = reason
		r.notify(logger, func() error { return r.notifier.PublishPaymentFailed(ctx, event) })
	}

	return OutcomeApplied, nil
}

// checkPaid returns a failure code when a success notification did not pay
// the charged total in the store currency.
func (r *Reconciler) checkPaid(n Notification, order *models.Order, logger *zap.Logger) string {
	currency := r.catalog.Currency()
	if !strings.EqualFold(n.Currency, currency) {
		logger.Error("Paid currency does not match",
			zap.String("paid_currency", n.Currency),
			zap.String("currency", currency))
		return models.FailureCurrencyMismatch
	}

	charged := r.chargedTotal(n.PaymentMethod, order)
	if n.Amount.LessThan(charged) {
		logger.Error("Paid amount is below the charged total",
			zap.String("paid", n.Amount.String()),
			zap.String("charged", charged.String()),
			zap.String("order_total", order.TotalAmount.String()))
		return models.FailureAmountMismatch
	}
	return ""
}

// chargedTotal is the order total plus the fee of the method the provider collected for
func (r *Reconciler) chargedTotal(methodID string, order *models.Order) decimal.Decimal {
	m, ok := r.catalog.GetMethod(methodID, order.TotalAmount)
	if !ok {
		r.logger.Warn("Unknown payment method on notification, checking against order total",
			zap.String("method", methodID),
			zap.String("order_number", order.OrderNumber))
		return order.TotalAmount
	}
	return m.Total
}

// notApplied classifies a compare-and-set that matched no row
func (r *Reconciler) notApplied(ctx context.Context, n Notification, orderID string, outcome payment.Outcome, logger *zap.Logger) (Outcome, error) {
	current, err := r.orders.GetOrderByID(ctx, orderID)
	if err != nil {
		return "", fmt.Errorf("re-read order %s: %w", n.OrderNumber, err)
	}

	r.markDelivered(ctx, n, logger)

	if outcome == payment.OutcomeSuccess && current.PaymentStatus == models.PaymentStatusCompleted {
		logger.Info("Payment completed concurrently")
		return OutcomeDuplicate, nil
	}

	logger.Warn("Order not in a state that accepts this notification",
		zap.String("order_status", current.Status),
		zap.String("payment_status", current.PaymentStatus),
		zap.String("outcome", outcome.String()))
	return OutcomeIgnored, nil
}

func (r *Reconciler) markDelivered(ctx context.Context, n Notification, logger *zap.Logger) {
	if r.deliveries == nil {
		return
	}
	if err := r.deliveries.MarkDeliveryProcessed(ctx, n.Provider, n.DeliveryID); err != nil {
		logger.Warn("Failed to write delivery marker", zap.Error(err))
	}
}

func (r *Reconciler) notify(logger *zap.Logger, publish func() error) {
	if r.notifier == nil {
		return
	}
	if err := publish(); err != nil {
		logger.Error("Failed to publish payment event", zap.Error(err))
	}
}
