package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order represents one checkout attempt and its lifecycle.
type Order struct {
	ID             string          `db:"id" json:"order_id"`
	TenantID       string          `db:"tenant_id" json:"tenant_id"`
	UserID         string          `db:"user_id" json:"user_id"`
	Status         string          `db:"status" json:"status"`
	TotalAmount    decimal.Decimal `db:"total_amount" json:"total_amount"`
	Currency       string          `db:"currency" json:"currency"`
	IdempotencyKey string          `db:"idempotency_key" json:"idempotency_key,omitempty"`
	CancelReason   string          `db:"cancel_reason" json:"cancel_reason,omitempty"`
	RefundPending  bool            `db:"refund_pending" json:"refund_pending,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
}

// OrderItem is one line of an order.
type OrderItem struct {
	ID        int64           `db:"id" json:"-"`
	OrderID   string          `db:"order_id" json:"order_id"`
	ProductID string          `db:"product_id" json:"product_id"`
	SKU       string          `db:"sku" json:"sku"`
	Quantity  int             `db:"quantity" json:"quantity"`
	UnitPrice decimal.Decimal `db:"unit_price" json:"unit_price"`
}

// ReservationRecord tracks inventory held against an order. Rows exist only
// while the order is between RESERVING and a terminal state; they are deleted
// on confirmation (the collaborator converts the hold) and on release.
type ReservationRecord struct {
	ID               int64     `db:"id" json:"-"`
	OrderID          string    `db:"order_id" json:"order_id"`
	ProductID        string    `db:"product_id" json:"product_id"`
	SKU              string    `db:"sku" json:"sku"`
	QuantityReserved int       `db:"quantity_reserved" json:"quantity_reserved"`
	ReservationID    string    `db:"reservation_id" json:"reservation_id"`
	ExpiresAt        time.Time `db:"expires_at" json:"expires_at"`
}

// PaymentAttempt is one charge attempt tied to an order. At most one attempt
// per order may be SUCCEEDED.
type PaymentAttempt struct {
	AttemptID         string          `db:"attempt_id" json:"attempt_id"`
	OrderID           string          `db:"order_id" json:"order_id"`
	Amount            decimal.Decimal `db:"amount" json:"amount"`
	Currency          string          `db:"currency" json:"currency"`
	Status            string          `db:"status" json:"status"`
	ProviderReference string          `db:"provider_reference" json:"provider_reference,omitempty"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updated_at"`
}

// Cart is the per-user mutable shopping state. The fast store holds the
// authoritative copy; the durable backup is recovery-only.
type Cart struct {
	TenantID  string          `json:"tenant_id"`
	UserID    string          `json:"user_id"`
	Items     []CartItem      `json:"items"`
	Subtotal  decimal.Decimal `json:"subtotal"`
	Tax       decimal.Decimal `json:"tax"`
	Total     decimal.Decimal `json:"total"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// CartItem is one merged product+sku line in a cart.
type CartItem struct {
	ProductID  string            `json:"product_id"`
	SKU        string            `json:"sku"`
	Quantity   int               `json:"quantity"`
	UnitPrice  decimal.Decimal   `json:"unit_price"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Order statuses
const (
	OrderStatusPending          = "PENDING"
	OrderStatusReserving        = "RESERVING"
	OrderStatusPaymentPending   = "PAYMENT_PENDING"
	OrderStatusPaymentVerifying = "PAYMENT_VERIFYING"
	OrderStatusCancelling       = "CANCELLING"
	OrderStatusConfirmed        = "CONFIRMED"
	OrderStatusCancelled        = "CANCELLED"
	OrderStatusFailed           = "FAILED"
)

// IsTerminalStatus reports whether an order status admits no further
// transitions.
func IsTerminalStatus(status string) bool {
	switch status {
	case OrderStatusConfirmed, OrderStatusCancelled, OrderStatusFailed:
		return true
	}
	return false
}

// Payment attempt statuses
const (
	PaymentStatusInitiated = "INITIATED"
	PaymentStatusSucceeded = "SUCCEEDED"
	PaymentStatusFailed    = "FAILED"
	PaymentStatusRefunded  = "REFUNDED"
)

// ProcessedEvent dedups redelivered bus messages on the consumer side.
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}
