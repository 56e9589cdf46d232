package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"checkout-service/internal/models"
	"checkout-service/internal/util"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	defaultCancelReason = "No reason provided"
	refundTimeframe     = "5-7 business days"
	refundMethod        = "original payment method"
)

var cancellableStatuses = []string{models.OrderStatusPending, models.OrderStatusConfirmed}

// CancelError explains why an order in its current status cannot be cancelled
type CancelError struct {
	Status string
	Reason string
}

func (e *CancelError) Error() string {
	return e.Reason
}

// RefundInfo describes the refund a cancelled order is due
type RefundInfo struct {
	WillBeRefunded bool            `json:"will_be_refunded"`
	Amount         decimal.Decimal `json:"amount"`
	Timeframe      string          `json:"timeframe"`
	Method         string          `json:"method"`
}

// CancelResult is the cancelled order and its refund metadata
type CancelResult struct {
	Order      *models.Order `json:"order"`
	RefundInfo RefundInfo    `json:"refund_info"`
}

// OrderService guards customer-initiated order state changes
type OrderService struct {
	orders   OrderStore
	notifier Notifier
	logger   *zap.Logger
}

// NewOrderService creates a new order service
func NewOrderService(orders OrderStore, notifier Notifier) *OrderService {
	return &OrderService{
		orders:   orders,
		notifier: notifier,
		logger:   util.GetLogger(),
	}
}

// CanCancel reports whether the customer may still cancel order
func CanCancel(order *models.Order) bool {
	return order != nil && contains(cancellableStatuses, order.Status)
}

// CancellationReason explains why an order in status cannot be cancelled
func CancellationReason(status string) string {
	switch status {
	case models.OrderStatusProcessing:
		return "Order is being processed. Please contact support to cancel it."
	case models.OrderStatusShipped:
		return "Order has already been shipped. You can return it after delivery."
	case models.OrderStatusDelivered:
		return "Order has already been delivered. Please use our return policy."
	case models.OrderStatusCancelled:
		return "Order is already cancelled."
	case models.OrderStatusPaymentFailed:
		return "Order payment failed, so there is nothing to cancel. You can retry the payment or place a new order."
	default:
		return fmt.Sprintf("Order cannot be cancelled while it is %s.", status)
	}
}

// GetOrder returns the order if it belongs to userID
func (s *OrderService) GetOrder(ctx context.Context, orderID, userID string) (*models.Order, error) {
	order, err := s.orders.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, ErrForbidden
	}
	return order, nil
}

// Cancel cancels a customer's order. A status that does not allow cancellation
// yields a *CancelError and leaves the order untouched.
func (s *OrderService) Cancel(ctx context.Context, orderID, userID, reason string) (*CancelResult, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.Cancel", attribute.String("order_id", orderID))
	defer span.End()

	order, err := s.GetOrder(ctx, orderID, userID)
	if err != nil {
		outcome := "error"
		switch {
		case errors.Is(err, ErrOrderNotFound):
			outcome = "not_found"
		case errors.Is(err, ErrForbidden):
			outcome = "forbidden"
		}
		util.OrdersCancelledTotal.WithLabelValues(outcome).Inc()
		return nil, err
	}

	if !CanCancel(order) {
		util.OrdersCancelledTotal.WithLabelValues("rejected").Inc()
		return nil, &CancelError{Status: order.Status, Reason: CancellationReason(order.Status)}
	}

	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = defaultCancelReason
	}
	note := "Cancelled by customer: " + reason

	ok, err := s.orders.CancelOrder(ctx, order.ID, userID, note, cancellableStatuses)
	if err != nil {
		util.OrdersCancelledTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("cancel order %s: %w", order.ID, err)
	}

	updated, err := s.orders.GetOrderByID(ctx, order.ID)
	if err != nil {
		return nil, fmt.Errorf("re-read order %s: %w", order.ID, err)
	}

	if !ok {
		// the order moved between our read and the conditional update
		util.OrdersCancelledTotal.WithLabelValues("rejected").Inc()
		s.logger.Info("Order changed state before cancellation",
			zap.String("order_id", order.ID),
			zap.String("status", updated.Status))
		return nil, &CancelError{Status: updated.Status, Reason: CancellationReason(updated.Status)}
	}

	util.OrdersCancelledTotal.WithLabelValues("cancelled").Inc()
	util.OrderTransitionsTotal.WithLabelValues(models.OrderStatusCancelled).Inc()
	s.logger.Info("Order cancelled",
		zap.String("order_id", order.ID),
		zap.String("order_number", order.OrderNumber),
		zap.String("previous_status", order.Status))

	refund := RefundInfo{
		WillBeRefunded: updated.TotalAmount.IsPositive(),
		Amount:         updated.TotalAmount,
		Timeframe:      refundTimeframe,
		Method:         refundMethod,
	}

	if s.notifier != nil {
		if err := s.notifier.PublishOrderCancelled(ctx, &models.OrderCancelledEvent{
			OrderID:        updated.ID,
			OrderNumber:    updated.OrderNumber,
			UserID:         updated.UserID,
			CustomerEmail:  updated.CustomerEmail,
			Reason:         reason,
			RefundAmount:   refund.Amount,
			WillBeRefunded: refund.WillBeRefunded,
		}); err != nil {
			s.logger.Error("Failed to publish OrderCancelled event", zap.String("order_id", updated.ID), zap.Error(err))
		}
	}

	return &CancelResult{Order: updated, RefundInfo: refund}, nil
}
