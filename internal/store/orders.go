package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"checkout-service/internal/models"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const orderColumns = `id, order_number, user_id, customer_email, status, payment_status,
	payment_method, total_amount, notes, created_at, updated_at`

// CreateOrder inserts an order. A missing ID is generated.
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	if order.ID == "" {
		order.ID = uuid.New().String()
	}
	if order.Status == "" {
		order.Status = models.OrderStatusPending
	}
	if order.PaymentStatus == "" {
		order.PaymentStatus = models.PaymentStatusPending
	}

	query := `
		INSERT INTO orders (id, order_number, user_id, customer_email, status, payment_status,
			payment_method, total_amount, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at`

	return s.db.QueryRowxContext(ctx, query,
		order.ID, order.OrderNumber, order.UserID, order.CustomerEmail, order.Status,
		order.PaymentStatus, order.PaymentMethod, order.TotalAmount, order.Notes,
	).Scan(&order.CreatedAt, &order.UpdatedAt)
}

// GetOrderByID retrieves an order by ID. Malformed IDs are reported as not found.
func (s *Store) GetOrderByID(ctx context.Context, id string) (*models.Order, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}

	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT "+orderColumns+" FROM orders WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderByNumber retrieves an order by its customer-facing number
func (s *Store) GetOrderByNumber(ctx context.Context, orderNumber string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT "+orderColumns+" FROM orders WHERE order_number = $1", orderNumber)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderNumber)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// TransitionOrder applies t as a single compare-and-set. It returns false when
// the order was not in an allowed state, leaving the row untouched.
func (s *Store) TransitionOrder(ctx context.Context, t models.OrderTransition) (bool, error) {
	exclude := t.ExcludePaymentStatuses
	if exclude == nil {
		exclude = []string{}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET
			status = COALESCE(NULLIF($2, ''), status),
			payment_status = $3,
			payment_method = COALESCE(NULLIF($4, ''), payment_method),
			updated_at = NOW()
		WHERE id = $1
		  AND status = ANY($5)
		  AND NOT (payment_status = ANY($6))`,
		t.OrderID, t.Status, t.PaymentStatus, t.PaymentMethod,
		pq.Array(t.FromStatuses), pq.Array(exclude))
	if err != nil {
		return false, fmt.Errorf("failed to transition order %s: %w", t.OrderID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CancelOrder marks an order owned by userID cancelled and appends note, but
// only while its status is one of from. It returns false when nothing changed.
func (s *Store) CancelOrder(ctx context.Context, orderID, userID, note string, from []string) (bool, error) {
	if _, err := uuid.Parse(orderID); err != nil {
		return false, nil
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET
			status = $4,
			notes = CASE WHEN notes = '' THEN $3 ELSE notes || E'\n' || $3 END,
			updated_at = NOW()
		WHERE id = $1 AND user_id = $2 AND status = ANY($5)`,
		orderID, userID, note, models.OrderStatusCancelled, pq.Array(from))
	if err != nil {
		return false, fmt.Errorf("failed to cancel order %s: %w", orderID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
