package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"checkout-service/config"
	"checkout-service/internal/models"
	"checkout-service/internal/payment"
	"checkout-service/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const genericProviderMessage = "Payment processing failed. Please try again or choose a different payment method."

// orders in these states may start (or retry) a payment
var payableStatuses = []string{models.OrderStatusPending, models.OrderStatusPaymentFailed}

// PaymentService dispatches validated checkout requests to the selected payment method
type PaymentService struct {
	cfg         config.PaymentConfig
	catalog     *payment.Catalog
	validator   *payment.Validator
	cards       payment.CardGateway
	orders      OrderStore
	txns        TransactionStore
	idempotency IdempotencyStore
	notifier    Notifier
	logger      *zap.Logger
	now         func() time.Time
}

// NewPaymentService creates a new payment service. idempotency may be nil.
func NewPaymentService(
	cfg config.PaymentConfig,
	catalog *payment.Catalog,
	cards payment.CardGateway,
	orders OrderStore,
	txns TransactionStore,
	idempotency IdempotencyStore,
	notifier Notifier,
) *PaymentService {
	return &PaymentService{
		cfg:         cfg,
		catalog:     catalog,
		validator:   payment.NewValidator(catalog),
		cards:       cards,
		orders:      orders,
		txns:        txns,
		idempotency: idempotency,
		notifier:    notifier,
		logger:      util.GetLogger(),
		now:         time.Now,
	}
}

// ListMethods returns the catalog priced for amount
func (s *PaymentService) ListMethods(amount decimal.Decimal) []payment.Method {
	return s.catalog.ListMethods(amount)
}

// Validate runs the request validator without dispatching
func (s *PaymentService) Validate(req payment.Request) payment.ValidationResult {
	return s.validator.Validate(req)
}

// Process validates req and hands it to the selected method's flow. It never
// returns an error: every failure is reported as a failed Result.
func (s *PaymentService) Process(ctx context.Context, req payment.Request) payment.Result {
	ctx, span := util.StartSpan(ctx, "PaymentService.Process",
		attribute.String("order_number", req.OrderNumber),
		attribute.String("method", req.MethodID))
	defer span.End()

	start := time.Now()
	defer func() {
		util.PaymentProcessingLatency.WithLabelValues(metricMethod(s.catalog, req.MethodID)).Observe(time.Since(start).Seconds())
	}()

	key := ""
	if req.IdempotencyKey != "" && s.idempotency != nil {
		key = req.UserID + ":" + req.OrderID + ":" + req.IdempotencyKey

		if cached, ok := s.cachedResult(ctx, key); ok {
			s.logger.Info("Returning cached checkout result",
				zap.String("order_id", req.OrderID),
				zap.String("idempotency_key", req.IdempotencyKey))
			return cached
		}

		lockKey, token := "checkout:"+key, uuid.New().String()
		acquired, err := s.idempotency.AcquireLock(ctx, lockKey, token, 2*s.cfg.ProviderTimeout)
		if err != nil {
			s.logger.Warn("Idempotency lock unavailable", zap.Error(err))
		} else if !acquired {
			return payment.Failed("A payment for this order is already being processed")
		} else {
			defer func() {
				released, err := s.idempotency.ReleaseLock(context.Background(), lockKey, token)
				if err != nil {
					s.logger.Warn("Failed to release idempotency lock", zap.Error(err))
				} else if !released {
					s.logger.Warn("Idempotency lock expired before checkout finished", zap.String("order_id", req.OrderID))
				}
			}()
		}
	}

	result := s.process(ctx, req)
	span.SetAttributes(attribute.String("status", string(result.Status)))

	util.PaymentResultsTotal.WithLabelValues(metricMethod(s.catalog, req.MethodID), string(result.Status)).Inc()

	if key != "" && result.Success {
		s.saveResult(ctx, key, result)
	}
	return result
}

func (s *PaymentService) process(ctx context.Context, req payment.Request) payment.Result {
	validation := s.validator.Validate(req)
	if !validation.IsValid {
		for _, issue := range validation.Issues {
			util.PaymentValidationFailedTotal.WithLabelValues(issue.Code).Inc()
		}
		s.logger.Info("Payment request rejected by validation",
			zap.String("order_number", req.OrderNumber),
			zap.Strings("errors", validation.Errors))
		return payment.Failed(payment.MessageValidationFailed, validation.Errors...)
	}

	util.PaymentAttemptsTotal.WithLabelValues(req.MethodID).Inc()

	method, _ := s.catalog.GetMethod(req.MethodID, req.Amount)

	order, failure := s.loadPayableOrder(ctx, req)
	if failure != nil {
		return *failure
	}

	s.logger.Info("Dispatching payment",
		zap.String("order_number", order.OrderNumber),
		zap.String("method", method.ID),
		zap.String("amount", req.Amount.String()),
		zap.String("fee", method.Fee.String()),
		zap.String("total", method.Total.String()))

	result := s.dispatch(ctx, req, order, method)
	result.Fee = method.Fee
	result.Total = method.Total
	return result
}

func (s *PaymentService) loadPayableOrder(ctx context.Context, req payment.Request) (*models.Order, *payment.Result) {
	fail := func(msg string) (*models.Order, *payment.Result) {
		r := payment.Failed(msg)
		return nil, &r
	}

	order, err := s.orders.GetOrderByID(ctx, req.OrderID)
	if errors.Is(err, ErrOrderNotFound) {
		return fail("Order not found")
	}
	if err != nil {
		s.logger.Error("Failed to load order for payment", zap.String("order_id", req.OrderID), zap.Error(err))
		return fail(genericProviderMessage)
	}

	switch {
	case order.UserID != req.UserID:
		s.logger.Warn("Payment attempted for another user's order",
			zap.String("order_id", order.ID),
			zap.String("user_id", req.UserID))
		return fail(payment.MessageOrderForbidden)
	case order.OrderNumber != req.OrderNumber:
		return fail("Order reference does not match")
	case !req.Amount.Equal(order.TotalAmount):
		return fail("Amount does not match the order total")
	case order.PaymentStatus == models.PaymentStatusCompleted:
		return fail("This order has already been paid")
	case !contains(payableStatuses, order.Status):
		return fail("This order is no longer awaiting payment")
	}
	return order, nil
}

func (s *PaymentService) dispatch(ctx context.Context, req payment.Request, order *models.Order, method payment.Method) (result payment.Result) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Recovered panic during payment dispatch",
				zap.String("order_number", order.OrderNumber),
				zap.String("method", method.ID),
				zap.Any("panic", r))
			result = payment.Failed(genericProviderMessage)
		}
	}()

	switch flow := method.Flow.(type) {
	case payment.CardFlow:
		return s.dispatchCard(ctx, req, order, method)
	case payment.WalletFlow:
		return s.dispatchWallet(ctx, req, order, method, flow.Gateway)
	case payment.CashOnDeliveryFlow:
		return s.dispatchCashOnDelivery(ctx, req, order, method)
	case payment.BankTransferFlow:
		return s.dispatchBankTransfer(ctx, req, order, method, flow.Details)
	default:
		return payment.Failed("Invalid payment method")
	}
}

func (s *PaymentService) dispatchCard(ctx context.Context, req payment.Request, order *models.Order, method payment.Method) payment.Result {
	ctx, span := util.StartSpan(ctx, "PaymentService.dispatchCard", attribute.String("provider", method.Provider))
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.ProviderTimeout)
	defer cancel()

	start := time.Now()
	intent, err := s.cards.CreateIntent(callCtx, payment.IntentRequest{
		OrderID:        order.ID,
		OrderNumber:    order.OrderNumber,
		Amount:         method.Total,
		Currency:       req.Currency,
		CustomerEmail:  req.CustomerEmail,
		IdempotencyKey: req.IdempotencyKey,
	})
	util.CardIntentLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		util.SpanError(span, err)
		s.logger.Error("Card payment intent failed",
			zap.String("order_number", order.OrderNumber),
			zap.String("provider", method.Provider),
			zap.Error(err))
		s.recordProviderFailure(ctx, req, order, method, err)
		return payment.Failed(providerMessage(err))
	}

	// the intent exists now; a failed local write is reconciled by the card webhook
	if err := s.recordAttempt(ctx, order, method, intent.ID, models.OrderStatusPending, models.PaymentStatusPending, map[string]string{
		"intent_id": intent.ID,
		"status":    intent.Status,
	}); err != nil {
		s.logger.Error("Failed to record card attempt", zap.String("order_number", order.OrderNumber), zap.Error(err))
	}

	return payment.Result{
		Success:        true,
		Status:         payment.StatusPending,
		TransactionID:  intent.ID,
		Message:        "Complete your card payment to confirm the order",
		RequiresAction: true,
		ClientSecret:   intent.ClientSecret,
	}
}

func (s *PaymentService) dispatchWallet(ctx context.Context, req payment.Request, order *models.Order, method payment.Method, gw *payment.WalletGateway) payment.Result {
	txnID := newTransactionID(gw.TransactionPrefix())
	redirect := gw.BuildRedirect(txnID, order.OrderNumber, method.Total, req.Currency, s.now())

	if err := s.recordAttempt(ctx, order, method, txnID, models.OrderStatusPending, models.PaymentStatusPending, redirect.Fields); err != nil {
		return s.persistenceFailure(order, method, err)
	}

	return payment.Result{
		Success:       true,
		Status:        payment.StatusPending,
		TransactionID: txnID,
		Message:       fmt.Sprintf("Payment initiated via %s", gw.DisplayName),
		Redirect:      &redirect,
	}
}

func (s *PaymentService) dispatchCashOnDelivery(ctx context.Context, req payment.Request, order *models.Order, method payment.Method) payment.Result {
	txnID := newTransactionID("COD")

	if err := s.recordAttempt(ctx, order, method, txnID, models.OrderStatusConfirmed, models.PaymentStatusPending, nil); err != nil {
		return s.persistenceFailure(order, method, err)
	}
	util.OrderTransitionsTotal.WithLabelValues(models.OrderStatusConfirmed).Inc()

	s.publish(ctx, models.EventTypePaymentConfirmed, &models.PaymentEvent{
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		PaymentMethod: method.ID,
		TransactionID: txnID,
		Amount:        method.Total,
		CustomerEmail: req.CustomerEmail,
	})

	return payment.Result{
		Success:       true,
		Status:        payment.StatusConfirmed,
		TransactionID: txnID,
		Message:       "Cash on Delivery order confirmed",
	}
}

func (s *PaymentService) dispatchBankTransfer(ctx context.Context, req payment.Request, order *models.Order, method payment.Method, details payment.BankDetails) payment.Result {
	txnID := newTransactionID("BT")
	details.Reference = order.OrderNumber

	if err := s.recordAttempt(ctx, order, method, txnID, models.OrderStatusPending, models.PaymentStatusPendingVerification, nil); err != nil {
		return s.persistenceFailure(order, method, err)
	}

	s.publish(ctx, models.EventTypePaymentPendingVerification, &models.PaymentEvent{
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		PaymentMethod: method.ID,
		TransactionID: txnID,
		Amount:        method.Total,
		CustomerEmail: req.CustomerEmail,
	})

	return payment.Result{
		Success:       true,
		Status:        payment.StatusPendingVerification,
		TransactionID: txnID,
		Message:       fmt.Sprintf("Order placed, pending bank transfer verification. Use %s as the transfer reference.", order.OrderNumber),
		BankDetails:   &details,
	}
}

var errNotPayable = errors.New("order is no longer awaiting payment")

// recordAttempt moves the order into its post-dispatch state with a single
// compare-and-set, then logs the transaction.
func (s *PaymentService) recordAttempt(ctx context.Context, order *models.Order, method payment.Method, txnID, status, paymentStatus string, gateway map[string]string) error {
	ok, err := s.orders.TransitionOrder(ctx, models.OrderTransition{
		OrderID:                order.ID,
		FromStatuses:           payableStatuses,
		ExcludePaymentStatuses: []string{models.PaymentStatusCompleted},
		Status:                 status,
		PaymentStatus:          paymentStatus,
		PaymentMethod:          method.ID,
	})
	if err != nil {
		return err
	}
	if !ok {
		return errNotPayable
	}

	return s.txns.UpsertTransaction(ctx, &models.PaymentTransaction{
		OrderID:         order.ID,
		PaymentMethod:   method.ID,
		TransactionID:   txnID,
		Amount:          method.Total,
		Status:          paymentStatus,
		GatewayResponse: gatewayJSON(gateway),
	})
}

func (s *PaymentService) recordProviderFailure(ctx context.Context, req payment.Request, order *models.Order, method payment.Method, cause error) {
	txnID := newTransactionID(strings.ToUpper(method.ID))

	ok, err := s.orders.TransitionOrder(ctx, models.OrderTransition{
		OrderID:                order.ID,
		FromStatuses:           []string{models.OrderStatusPending},
		ExcludePaymentStatuses: []string{models.PaymentStatusCompleted},
		Status:                 models.OrderStatusPaymentFailed,
		PaymentStatus:          models.PaymentStatusFailed,
		PaymentMethod:          method.ID,
	})
	if err != nil {
		s.logger.Error("Failed to mark order payment_failed", zap.String("order_number", order.OrderNumber), zap.Error(err))
		return
	}
	if ok {
		util.OrderTransitionsTotal.WithLabelValues(models.OrderStatusPaymentFailed).Inc()
	}

	code := "unknown"
	var pe *payment.ProviderError
	if errors.As(cause, &pe) {
		code = pe.Code
	} else if errors.Is(cause, context.DeadlineExceeded) {
		code = "timeout"
	}

	if err := s.txns.UpsertTransaction(ctx, &models.PaymentTransaction{
		OrderID:         order.ID,
		PaymentMethod:   method.ID,
		TransactionID:   txnID,
		Amount:          method.Total,
		Status:          models.PaymentStatusFailed,
		GatewayResponse: gatewayJSON(map[string]string{"error_code": code}),
	}); err != nil {
		s.logger.Error("Failed to record failed transaction", zap.String("order_number", order.OrderNumber), zap.Error(err))
	}

	s.publish(ctx, models.EventTypePaymentFailed, &models.PaymentEvent{
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		PaymentMethod: method.ID,
		TransactionID: txnID,
		Amount:        method.Total,
		CustomerEmail: req.CustomerEmail,
		Reason:        code,
	})
}

func (s *PaymentService) persistenceFailure(order *models.Order, method payment.Method, err error) payment.Result {
	if errors.Is(err, errNotPayable) {
		s.logger.Warn("Order changed state during dispatch", zap.String("order_number", order.OrderNumber))
		return payment.Failed("This order is no longer awaiting payment")
	}
	s.logger.Error("Failed to record payment attempt",
		zap.String("order_number", order.OrderNumber),
		zap.String("method", method.ID),
		zap.Error(err))
	return payment.Failed(genericProviderMessage)
}

func (s *PaymentService) publish(ctx context.Context, eventType string, event *models.PaymentEvent) {
	if s.notifier == nil {
		return
	}

	var err error
	switch eventType {
	case models.EventTypePaymentConfirmed:
		err = s.notifier.PublishPaymentConfirmed(ctx, event)
	case models.EventTypePaymentFailed:
		err = s.notifier.PublishPaymentFailed(ctx, event)
	case models.EventTypePaymentPendingVerification:
		err = s.notifier.PublishPaymentPendingVerification(ctx, event)
	}
	if err != nil {
		s.logger.Error("Failed to publish payment event",
			zap.String("event_type", eventType),
			zap.String("order_number", event.OrderNumber),
			zap.Error(err))
	}
}

func (s *PaymentService) cachedResult(ctx context.Context, key string) (payment.Result, bool) {
	data, err := s.idempotency.GetCheckoutResult(ctx, key)
	if err != nil {
		s.logger.Warn("Idempotency cache read failed", zap.Error(err))
		return payment.Result{}, false
	}
	if data == nil {
		return payment.Result{}, false
	}

	var result payment.Result
	if err := json.Unmarshal(data, &result); err != nil {
		s.logger.Warn("Discarding unreadable cached checkout result", zap.Error(err))
		return payment.Result{}, false
	}
	return result, true
}

func (s *PaymentService) saveResult(ctx context.Context, key string, result payment.Result) {
	data, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := s.idempotency.SaveCheckoutResult(ctx, key, data); err != nil {
		s.logger.Warn("Idempotency cache write failed", zap.Error(err))
	}
}

// providerMessage hides gateway detail unless the provider marked its text safe to show.
func providerMessage(err error) string {
	var pe *payment.ProviderError
	if errors.As(err, &pe) && pe.UserMessage != "" {
		return pe.UserMessage
	}
	return genericProviderMessage
}

func newTransactionID(prefix string) string {
	id := strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", ""))
	return prefix + "-" + id[:16]
}

func gatewayJSON(fields map[string]string) []byte {
	if len(fields) == 0 {
		return []byte("{}")
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return []byte("{}")
	}
	return b
}

func metricMethod(catalog *payment.Catalog, id string) string {
	if _, ok := catalog.GetMethod(id, decimal.Zero); ok {
		return id
	}
	return "unknown"
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
