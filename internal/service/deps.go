package service

import (
	"context"
	"errors"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/store"
)

var (
	ErrOrderNotFound = store.ErrOrderNotFound
	ErrForbidden     = errors.New("order belongs to another user")
)

// OrderStore is the order persistence the services depend on
type OrderStore interface {
	GetOrderByID(ctx context.Context, id string) (*models.Order, error)
	GetOrderByNumber(ctx context.Context, orderNumber string) (*models.Order, error)
	TransitionOrder(ctx context.Context, t models.OrderTransition) (bool, error)
	CancelOrder(ctx context.Context, orderID, userID, note string, from []string) (bool, error)
}

// TransactionStore is the payment transaction log
type TransactionStore interface {
	UpsertTransaction(ctx context.Context, txn *models.PaymentTransaction) error
}

// Notifier publishes payment and order events for downstream consumers
type Notifier interface {
	PublishPaymentConfirmed(ctx context.Context, event *models.PaymentEvent) error
	PublishPaymentFailed(ctx context.Context, event *models.PaymentEvent) error
	PublishPaymentPendingVerification(ctx context.Context, event *models.PaymentEvent) error
	PublishOrderCancelled(ctx context.Context, event *models.OrderCancelledEvent) error
}

// IdempotencyStore caches checkout results by idempotency key
type IdempotencyStore interface {
	GetCheckoutResult(ctx context.Context, key string) ([]byte, error)
	SaveCheckoutResult(ctx context.Context, key string, data []byte) error
	AcquireLock(ctx context.Context, lockKey, token string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, lockKey, token string) (bool, error)
}

// DeliveryCache remembers provider deliveries that were already applied
type DeliveryCache interface {
	IsDeliveryProcessed(ctx context.Context, provider, deliveryID string) (bool, error)
	MarkDeliveryProcessed(ctx context.Context, provider, deliveryID string) error
}
