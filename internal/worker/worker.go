package worker

import (
	"context"
	"fmt"
	"strings"

	"checkout-service/internal/broker"
	"checkout-service/internal/mailer"
	"checkout-service/internal/models"
	"checkout-service/internal/util"

	"go.uber.org/zap"
)

// Settings shape the emails the worker sends
type Settings struct {
	Currency    string
	FromAddress string
	SiteURL     string
}

// NotificationWorker turns payment and order events into customer email
type NotificationWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	mailer       mailer.Service
	fromName     string
	fromAddress  string
	currency     string
	siteURL      string
	logger       *zap.Logger
}

// NewNotificationWorker creates a new notification worker. consumer may be nil
// when only Handler is used.
func NewNotificationWorker(consumer *broker.Consumer, m mailer.Service, s Settings) *NotificationWorker {
	w := &NotificationWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		mailer:       m,
		fromName:     "Storefront Orders",
		fromAddress:  s.FromAddress,
		currency:     s.Currency,
		siteURL:      strings.TrimRight(s.SiteURL, "/"),
		logger:       util.GetLogger(),
	}

	w.eventHandler.OnPaymentEvent(models.EventTypePaymentConfirmed, w.handlePaymentConfirmed)
	w.eventHandler.OnPaymentEvent(models.EventTypePaymentFailed, w.handlePaymentFailed)
	w.eventHandler.OnPaymentEvent(models.EventTypePaymentPendingVerification, w.handlePendingVerification)
	w.eventHandler.OnOrderCancelled(w.handleOrderCancelled)

	return w
}

// Handler exposes the event router the worker consumes with
func (w *NotificationWorker) Handler() *broker.EventHandler {
	return w.eventHandler
}

// Start starts the worker
func (w *NotificationWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting notification worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *NotificationWorker) Stop() error {
	w.logger.Info("Stopping notification worker")
	return w.consumer.Close()
}

func (w *NotificationWorker) handlePaymentConfirmed(ctx context.Context, e *models.PaymentEvent) error {
	subject := fmt.Sprintf("Order %s confirmed", e.OrderNumber)
	body := fmt.Sprintf("Thank you for your order.\n\n"+
		"Order: %s\nPayment method: %s\nAmount: %s %s\n\n"+
		"You can follow your order at %s/orders/%s\n",
		e.OrderNumber, e.PaymentMethod, w.currency, e.Amount.StringFixed(2), w.siteURL, e.OrderNumber)
	return w.send(ctx, e.EventType, e.CustomerEmail, subject, body, e.OrderNumber)
}

func (w *NotificationWorker) handlePaymentFailed(ctx context.Context, e *models.PaymentEvent) error {
	if models.PaidWithMismatch(e.Reason) {
		subject := fmt.Sprintf("Payment for order %s needs review", e.OrderNumber)
		body := fmt.Sprintf("We received a payment of %s for order %s that did not match the amount due, "+
			"so the order has not been confirmed.\n\n"+
			"Our team will review it and refund the payment to your original payment method. "+
			"You can place the payment again at %s/checkout?order=%s\n",
			w.paidAmount(e), e.OrderNumber, w.siteURL, e.OrderNumber)
		return w.send(ctx, e.EventType, e.CustomerEmail, subject, body, e.OrderNumber)
	}

	subject := fmt.Sprintf("Payment for order %s did not go through", e.OrderNumber)
	body := fmt.Sprintf("We could not complete the payment for order %s.\n\n"+
		"No money has been taken. You can retry the payment or choose a different method at %s/checkout?order=%s\n",
		e.OrderNumber, w.siteURL, e.OrderNumber)
	return w.send(ctx, e.EventType, e.CustomerEmail, subject, body, e.OrderNumber)
}

// paidAmount omits the currency when the provider paid in a different one
func (w *NotificationWorker) paidAmount(e *models.PaymentEvent) string {
	if e.Reason == models.FailureCurrencyMismatch {
		return e.Amount.StringFixed(2)
	}
	return w.currency + " " + e.Amount.StringFixed(2)
}

func (w *NotificationWorker) handlePendingVerification(ctx context.Context, e *models.PaymentEvent) error {
	subject := fmt.Sprintf("Order %s is awaiting your bank transfer", e.OrderNumber)
	body := fmt.Sprintf("Your order %s has been placed.\n\n"+
		"Please transfer %s %s and use %s as the transfer reference. "+
		"We will confirm the order once the payment is verified.\n",
		e.OrderNumber, w.currency, e.Amount.StringFixed(2), e.OrderNumber)
	return w.send(ctx, e.EventType, e.CustomerEmail, subject, body, e.OrderNumber)
}

func (w *NotificationWorker) handleOrderCancelled(ctx context.Context, e *models.OrderCancelledEvent) error {
	subject := fmt.Sprintf("Order %s cancelled", e.OrderNumber)

	var b strings.Builder
	fmt.Fprintf(&b, "Your order %s has been cancelled.\n\nReason: %s\n", e.OrderNumber, e.Reason)
	if e.WillBeRefunded {
		fmt.Fprintf(&b, "\n%s %s will be refunded to your original payment method within 5-7 business days.\n",
			w.currency, e.RefundAmount.StringFixed(2))
	}
	return w.send(ctx, e.EventType, e.CustomerEmail, subject, b.String(), e.OrderNumber)
}

func (w *NotificationWorker) send(ctx context.Context, eventType, to, subject, body, orderNumber string) error {
	if strings.TrimSpace(to) == "" {
		w.logger.Debug("No customer email on event, skipping notification",
			zap.String("event_type", eventType),
			zap.String("order_number", orderNumber))
		util.NotificationsTotal.WithLabelValues(eventType, "skipped").Inc()
		return nil
	}

	err := w.mailer.Send(ctx, mailer.Email{
		FromName: w.fromName,
		From:     w.fromAddress,
		To:       []string{to},
		Subject:  subject,
		TextBody: body,
		Headers:  map[string]string{"X-Order-Number": orderNumber},
	})
	if err != nil {
		util.NotificationsTotal.WithLabelValues(eventType, "failed").Inc()
		return fmt.Errorf("send %s email for order %s: %w", eventType, orderNumber, err)
	}

	util.NotificationsTotal.WithLabelValues(eventType, "sent").Inc()
	w.logger.Info("Notification sent",
		zap.String("event_type", eventType),
		zap.String("order_number", orderNumber))
	return nil
}
