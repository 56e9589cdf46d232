package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/util"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventWriter is the producer side EventPublisher writes through
type EventWriter interface {
	PublishEvent(ctx context.Context, key string, event interface{}) error
}

// EventPublisher handles publishing payment and order events
type EventPublisher struct {
	producer EventWriter
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer EventWriter) *EventPublisher {
	return &EventPublisher{producer: producer}
}

func newBaseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
	}
}

func orderKey(orderID string) string {
	return "order-" + orderID
}

// PublishPaymentConfirmed publishes PAYMENT_CONFIRMED
func (ep *EventPublisher) PublishPaymentConfirmed(ctx context.Context, event *models.PaymentEvent) error {
	event.BaseEvent = newBaseEvent(models.EventTypePaymentConfirmed)
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishPaymentFailed publishes PAYMENT_FAILED
func (ep *EventPublisher) PublishPaymentFailed(ctx context.Context, event *models.PaymentEvent) error {
	event.BaseEvent = newBaseEvent(models.EventTypePaymentFailed)
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishPaymentPendingVerification publishes PAYMENT_PENDING_VERIFICATION
func (ep *EventPublisher) PublishPaymentPendingVerification(ctx context.Context, event *models.PaymentEvent) error {
	event.BaseEvent = newBaseEvent(models.EventTypePaymentPendingVerification)
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishOrderCancelled publishes ORDER_CANCELLED
func (ep *EventPublisher) PublishOrderCancelled(ctx context.Context, event *models.OrderCancelledEvent) error {
	event.BaseEvent = newBaseEvent(models.EventTypeOrderCancelled)
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// EventHandler routes consumed events to registered callbacks
type EventHandler struct {
	onPayment        map[string]func(context.Context, *models.PaymentEvent) error
	onOrderCancelled func(context.Context, *models.OrderCancelledEvent) error
	logger           *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{
		onPayment: make(map[string]func(context.Context, *models.PaymentEvent) error),
		logger:    util.GetLogger(),
	}
}

// OnPaymentEvent registers a handler for one of the payment event types
func (eh *EventHandler) OnPaymentEvent(eventType string, handler func(context.Context, *models.PaymentEvent) error) {
	eh.onPayment[eventType] = handler
}

// OnOrderCancelled registers a handler for ORDER_CANCELLED events
func (eh *EventHandler) OnOrderCancelled(handler func(context.Context, *models.OrderCancelledEvent) error) {
	eh.onOrderCancelled = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	eh.logger.Debug("Handling event",
		zap.String("event_type", baseEvent.EventType),
		zap.String("event_id", baseEvent.EventID))

	if handler, ok := eh.onPayment[baseEvent.EventType]; ok {
		var event models.PaymentEvent
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			return fmt.Errorf("failed to unmarshal %s event: %w", baseEvent.EventType, err)
		}
		return handler(ctx, &event)
	}

	if baseEvent.EventType == models.EventTypeOrderCancelled && eh.onOrderCancelled != nil {
		var event models.OrderCancelledEvent
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			return fmt.Errorf("failed to unmarshal ORDER_CANCELLED event: %w", err)
		}
		return eh.onOrderCancelled(ctx, &event)
	}

	eh.logger.Debug("Unhandled event type", zap.String("event_type", baseEvent.EventType))
	return nil
}
