package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event types
const (
	EventTypeOrderCreated      = "order-created"
	EventTypeOrderConfirmed    = "order-confirmed"
	EventTypeOrderCancelled    = "order-cancelled"
	EventTypePaymentSucceeded  = "payment-succeeded"
	EventTypePaymentFailed     = "payment-failed"
	EventTypeInventoryReserved = "inventory-reserved"
	EventTypeInventoryReleased = "inventory-released"
)

// Topics
const (
	TopicOrderEvents     = "order-events"
	TopicPaymentEvents   = "payment-events"
	TopicInventoryEvents = "inventory-events"
)

// EventEnvelope is the common wrapper around every published event. Consumers
// dedup on EventID and propagate CorrelationID into their own logs and
// downstream publishes.
type EventEnvelope struct {
	EventID       string    `json:"event_id"`
	EventType     string    `json:"event_type"`
	TenantID      string    `json:"tenant_id"`
	CorrelationID string    `json:"correlation_id"`
	Timestamp     time.Time `json:"timestamp"`
	OrderID       string    `json:"order_id,omitempty"`
}

// OrderCreatedEvent is published when a checkout persists a PENDING order.
type OrderCreatedEvent struct {
	EventEnvelope
	UserID      string          `json:"user_id"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Currency    string          `json:"currency"`
	Items       []OrderItemData `json:"items"`
}

// OrderConfirmedEvent is published when an order reaches CONFIRMED.
type OrderConfirmedEvent struct {
	EventEnvelope
	UserID      string          `json:"user_id"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Currency    string          `json:"currency"`
}

// OrderCancelledEvent is published when an order reaches CANCELLED, whether
// from a reservation failure or a payment compensation.
type OrderCancelledEvent struct {
	EventEnvelope
	UserID        string `json:"user_id"`
	Reason        string `json:"reason"`
	RefundPending bool   `json:"refund_pending,omitempty"`
}

// PaymentSucceededEvent is consumed from the payment collaborator; it
// resolves orders stuck in PAYMENT_VERIFYING.
type PaymentSucceededEvent struct {
	EventEnvelope
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Reference string          `json:"reference"`
}

// PaymentFailedEvent is consumed from the payment collaborator.
type PaymentFailedEvent struct {
	EventEnvelope
	Reason string `json:"reason"`
}

// InventoryReservedEvent notifies downstream services that stock was held.
type InventoryReservedEvent struct {
	EventEnvelope
	Items []OrderItemData `json:"items"`
}

// InventoryReleasedEvent notifies downstream services that a hold was undone.
type InventoryReleasedEvent struct {
	EventEnvelope
	ReservationIDs []string `json:"reservation_ids"`
}

// OrderItemData is the item shape carried inside events.
type OrderItemData struct {
	ProductID string          `json:"product_id"`
	SKU       string          `json:"sku"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}
