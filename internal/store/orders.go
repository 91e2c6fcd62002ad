package store

import (
	"context"
	"database/sql"
	"fmt"

	"checkout-service/internal/models"
)

// CreateOrder inserts a new order row.
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO orders (id, tenant_id, user_id, status, total_amount, currency, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`

	return s.db.QueryRowxContext(ctx, query,
		order.ID, order.TenantID, order.UserID, order.Status,
		order.TotalAmount, order.Currency, order.IdempotencyKey).
		Scan(&order.CreatedAt, &order.UpdatedAt)
}

// GetOrder retrieves an order scoped by tenant.
func (s *Store) GetOrder(ctx context.Context, tenantID, orderID string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order,
		"SELECT * FROM orders WHERE tenant_id = $1 AND id = $2", tenantID, orderID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("order not found: %s", orderID)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// UpdateOrderStatusCAS moves an order between states only when it still holds
// the expected one. Returns false on a lost race, which the caller treats as
// a single-writer violation.
func (s *Store) UpdateOrderStatusCAS(ctx context.Context, orderID, expected, next string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3",
		next, orderID, expected)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// FailOrder forces a non-terminal order into FAILED for operator
// intervention.
func (s *Store) FailOrder(ctx context.Context, orderID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE orders SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status NOT IN ($3, $4, $5)`,
		models.OrderStatusFailed, orderID,
		models.OrderStatusConfirmed, models.OrderStatusCancelled, models.OrderStatusFailed)
	return err
}

// SetOrderCancelReason records why an order was cancelled.
func (s *Store) SetOrderCancelReason(ctx context.Context, orderID, reason string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE orders SET cancel_reason = $1, updated_at = NOW() WHERE id = $2",
		reason, orderID)
	return err
}

// SetOrderRefundPending flags an order whose refund needs manual retry.
func (s *Store) SetOrderRefundPending(ctx context.Context, orderID string, pending bool) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE orders SET refund_pending = $1, updated_at = NOW() WHERE id = $2",
		pending, orderID)
	return err
}

// CreateOrderItems inserts all lines of an order.
func (s *Store) CreateOrderItems(ctx context.Context, items []models.OrderItem) error {
	query := `
		INSERT INTO order_items (order_id, product_id, sku, quantity, unit_price)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`

	for i := range items {
		item := &items[i]
		if err := s.db.GetContext(ctx, &item.ID, query,
			item.OrderID, item.ProductID, item.SKU, item.Quantity, item.UnitPrice); err != nil {
			return fmt.Errorf("failed to create order item: %w", err)
		}
	}
	return nil
}

// GetOrderItems retrieves all lines for an order.
func (s *Store) GetOrderItems(ctx context.Context, orderID string) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := s.db.SelectContext(ctx, &items,
		"SELECT * FROM order_items WHERE order_id = $1 ORDER BY id", orderID)
	return items, err
}

// CreateReservations inserts the reservation records for an order.
func (s *Store) CreateReservations(ctx context.Context, records []models.ReservationRecord) error {
	query := `
		INSERT INTO reservation_records (order_id, product_id, sku, quantity_reserved, reservation_id, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`

	for i := range records {
		rec := &records[i]
		if err := s.db.GetContext(ctx, &rec.ID, query,
			rec.OrderID, rec.ProductID, rec.SKU, rec.QuantityReserved,
			rec.ReservationID, rec.ExpiresAt); err != nil {
			return fmt.Errorf("failed to create reservation record: %w", err)
		}
	}
	return nil
}

// GetReservations retrieves outstanding reservation records for an order.
func (s *Store) GetReservations(ctx context.Context, orderID string) ([]models.ReservationRecord, error) {
	var records []models.ReservationRecord
	err := s.db.SelectContext(ctx, &records,
		"SELECT * FROM reservation_records WHERE order_id = $1 ORDER BY id", orderID)
	return records, err
}

// DeleteReservations removes the records once the hold was released or
// converted by the inventory collaborator.
func (s *Store) DeleteReservations(ctx context.Context, orderID string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM reservation_records WHERE order_id = $1", orderID)
	return err
}

// CreatePaymentAttempt inserts a new charge attempt.
func (s *Store) CreatePaymentAttempt(ctx context.Context, attempt *models.PaymentAttempt) error {
	query := `
		INSERT INTO payment_attempts (attempt_id, order_id, amount, currency, status, provider_reference)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`

	return s.db.QueryRowxContext(ctx, query,
		attempt.AttemptID, attempt.OrderID, attempt.Amount, attempt.Currency,
		attempt.Status, attempt.ProviderReference).
		Scan(&attempt.CreatedAt, &attempt.UpdatedAt)
}

// UpdatePaymentAttempt moves an attempt to its outcome.
func (s *Store) UpdatePaymentAttempt(ctx context.Context, attemptID, status, providerReference string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE payment_attempts SET status = $1, provider_reference = $2, updated_at = NOW() WHERE attempt_id = $3",
		status, providerReference, attemptID)
	return err
}

// GetPaymentAttempts retrieves all attempts for an order, newest first.
func (s *Store) GetPaymentAttempts(ctx context.Context, orderID string) ([]models.PaymentAttempt, error) {
	var attempts []models.PaymentAttempt
	err := s.db.SelectContext(ctx, &attempts,
		"SELECT * FROM payment_attempts WHERE order_id = $1 ORDER BY created_at DESC", orderID)
	return attempts, err
}

// IsEventProcessed checks the consumer-side dedup ledger.
func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)", eventID)
	return exists, err
}

// MarkEventProcessed records a consumed event; redeliveries hit the conflict.
func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO processed_events (event_id, event_type) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING",
		eventID, eventType)
	return err
}
