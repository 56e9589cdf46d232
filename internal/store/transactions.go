package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"checkout-service/internal/models"
)

// UpsertTransaction records a payment transaction. A second write for the same
// transaction_id updates status, amount and gateway response in place.
func (s *Store) UpsertTransaction(ctx context.Context, txn *models.PaymentTransaction) error {
	if len(txn.GatewayResponse) == 0 {
		txn.GatewayResponse = []byte("{}")
	}

	query := `
		INSERT INTO payment_transactions (order_id, payment_method, transaction_id, amount, status, gateway_response)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (transaction_id) DO UPDATE SET
			status = EXCLUDED.status,
			amount = EXCLUDED.amount,
			gateway_response = EXCLUDED.gateway_response,
			updated_at = NOW()
		RETURNING id, created_at, updated_at`

	err := s.db.QueryRowxContext(ctx, query,
		txn.OrderID, txn.PaymentMethod, txn.TransactionID, txn.Amount, txn.Status, txn.GatewayResponse,
	).Scan(&txn.ID, &txn.CreatedAt, &txn.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert transaction %s: %w", txn.TransactionID, err)
	}
	return nil
}

// GetTransaction retrieves a payment transaction by provider transaction id
func (s *Store) GetTransaction(ctx context.Context, transactionID string) (*models.PaymentTransaction, error) {
	var txn models.PaymentTransaction
	err := s.db.GetContext(ctx, &txn, "SELECT * FROM payment_transactions WHERE transaction_id = $1", transactionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, transactionID)
	}
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

// GetTransactionsByOrderID lists every transaction recorded for an order, newest first
func (s *Store) GetTransactionsByOrderID(ctx context.Context, orderID string) ([]models.PaymentTransaction, error) {
	var txns []models.PaymentTransaction
	err := s.db.SelectContext(ctx, &txns,
		"SELECT * FROM payment_transactions WHERE order_id = $1 ORDER BY created_at DESC", orderID)
	return txns, err
}
