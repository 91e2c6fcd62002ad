package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// OrderRepository is the persistence surface the saga drives. Implemented by
// the Postgres store; tests substitute an in-memory fake.
type OrderRepository interface {
	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrder(ctx context.Context, tenantID, orderID string) (*models.Order, error)
	UpdateOrderStatusCAS(ctx context.Context, orderID, expected, next string) (bool, error)
	FailOrder(ctx context.Context, orderID string) error
	SetOrderCancelReason(ctx context.Context, orderID, reason string) error
	SetOrderRefundPending(ctx context.Context, orderID string, pending bool) error
	CreateOrderItems(ctx context.Context, items []models.OrderItem) error
	GetOrderItems(ctx context.Context, orderID string) ([]models.OrderItem, error)
	CreateReservations(ctx context.Context, records []models.ReservationRecord) error
	GetReservations(ctx context.Context, orderID string) ([]models.ReservationRecord, error)
	DeleteReservations(ctx context.Context, orderID string) error
	CreatePaymentAttempt(ctx context.Context, attempt *models.PaymentAttempt) error
	UpdatePaymentAttempt(ctx context.Context, attemptID, status, providerReference string) error
	GetPaymentAttempts(ctx context.Context, orderID string) ([]models.PaymentAttempt, error)
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

// Publisher is the event bus surface the saga publishes through.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, event interface{}, eventType, correlationID string) error
}

// Locker serializes event-driven resolution against any in-flight
// synchronous flow for the same order.
type Locker interface {
	AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, lockKey string) error
}

// CheckoutRequest enters the saga. The cart snapshot is taken by the caller;
// the coordinator clears the live cart only after confirmation.
type CheckoutRequest struct {
	TenantID       string
	UserID         string
	IdempotencyKey string
	Currency       string
	Cart           *models.Cart
}

// CheckoutResult is what callers receive and what the idempotency store
// caches: always a definitive terminal status, never a silent drop.
type CheckoutResult struct {
	OrderID       string `json:"order_id,omitempty"`
	Status        string `json:"status"`
	Reason        string `json:"reason,omitempty"`
	RefundPending bool   `json:"refund_pending,omitempty"`
}

// ResultStatusRejected marks checkouts refused before any order was created
// (inactive product, stale price). It is a result status, not an order
// state.
const ResultStatusRejected = "REJECTED"

// SagaCoordinator drives the order state machine:
//
//	PENDING -> RESERVING -> PAYMENT_PENDING -> CONFIRMED
//	                     \-> CANCELLED
//	PAYMENT_PENDING -> CANCELLING -> CANCELLED
//	PAYMENT_PENDING -> PAYMENT_VERIFYING -> CONFIRMED | CANCELLING
//	any non-terminal -> FAILED
//
// Transitions for one order are serialized: the synchronous flow owns the
// order it created, event-driven resolution takes a per-order lock, and
// every status write is a compare-and-set.
type SagaCoordinator struct {
	repo          OrderRepository
	idem          Idempotency
	inventory     InventoryAPI
	payment       PaymentAPI
	users         UserValidator
	products      ProductValidator
	carts         *CartManager
	publisher     Publisher
	locks         Locker
	lockTTL       time.Duration
	verifyBackoff []time.Duration
	logger        *zap.Logger
}

// NewSagaCoordinator wires the coordinator.
func NewSagaCoordinator(
	repo OrderRepository,
	idem Idempotency,
	inventory InventoryAPI,
	payment PaymentAPI,
	users UserValidator,
	products ProductValidator,
	carts *CartManager,
	publisher Publisher,
	locks Locker,
	lockTTL time.Duration,
) *SagaCoordinator {
	return &SagaCoordinator{
		repo:          repo,
		idem:          idem,
		inventory:     inventory,
		payment:       payment,
		users:         users,
		products:      products,
		carts:         carts,
		publisher:     publisher,
		locks:         locks,
		lockTTL:       lockTTL,
		verifyBackoff: []time.Duration{2 * time.Second, 8 * time.Second, 20 * time.Second},
		logger:        util.GetLogger(),
	}
}

// WithVerifyBackoff overrides the payment-verification poll schedule.
func (sc *SagaCoordinator) WithVerifyBackoff(schedule []time.Duration) *SagaCoordinator {
	sc.verifyBackoff = schedule
	return sc
}

// VerifySchedule builds the poll delays for n payment-verification attempts.
// The first three spread roughly half a minute; extra attempts keep the
// widest gap.
func VerifySchedule(attempts int) []time.Duration {
	base := []time.Duration{2 * time.Second, 8 * time.Second, 20 * time.Second}
	if attempts <= 0 || attempts == len(base) {
		return base
	}
	if attempts < len(base) {
		return base[:attempts]
	}
	schedule := append([]time.Duration(nil), base...)
	for i := len(base); i < attempts; i++ {
		schedule = append(schedule, base[len(base)-1])
	}
	return schedule
}

// Checkout is the saga entry point. It brackets the whole run with the
// idempotency store: duplicates are answered from cache or rejected with a
// retry-later signal, business outcomes complete the record, and unexpected
// failures abort it so a manual retry stays safe.
func (sc *SagaCoordinator) Checkout(ctx context.Context, req *CheckoutRequest) (*CheckoutResult, error) {
	ctx, span := util.StartSpan(ctx, "SagaCoordinator.Checkout")
	defer span.End()

	if err := validateCheckout(req); err != nil {
		return nil, err
	}

	state, cached, err := sc.idem.CheckOrBegin(ctx, req.TenantID, req.UserID, req.IdempotencyKey)
	if err != nil {
		return nil, transientError(err)
	}
	switch state {
	case StateInProgress:
		return nil, ErrConflict
	case StateCompleted:
		util.CheckoutDuplicatesTotal.Inc()
		var result CheckoutResult
		if err := json.Unmarshal(cached, &result); err != nil {
			return nil, fatalError("idempotency-cache", err)
		}
		sc.logger.Info("Duplicate checkout answered from cache",
			zap.String("tenant_id", req.TenantID),
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.String("order_id", result.OrderID))
		return &result, nil
	}

	result, err := sc.execute(ctx, req)
	if err != nil {
		if abortErr := sc.idem.Abort(ctx, req.TenantID, req.UserID, req.IdempotencyKey); abortErr != nil {
			sc.logger.Error("Failed to abort idempotency record",
				zap.String("idempotency_key", req.IdempotencyKey),
				zap.Error(abortErr))
		}
		return nil, err
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return nil, fatalError("result-marshal", err)
	}
	if err := sc.idem.Complete(ctx, req.TenantID, req.UserID, req.IdempotencyKey, payload); err != nil {
		sc.logger.Error("Failed to complete idempotency record",
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.Error(err))
	}

	util.CheckoutsTotal.WithLabelValues(result.Status).Inc()
	return result, nil
}

// validateCheckout covers only what identifies the request. Cart contents
// are checked inside execute, after the idempotency lookup: a confirmed run
// clears the cart, and a retry of that run must still get the cached result
// even though its cart snapshot is now empty.
func validateCheckout(req *CheckoutRequest) error {
	if req.TenantID == "" || req.UserID == "" {
		return validationError("tenant and user are required")
	}
	if req.IdempotencyKey == "" {
		return validationError("idempotency key is required")
	}
	if req.Currency == "" {
		req.Currency = "USD"
	}
	return nil
}

func validateCart(cart *models.Cart) error {
	if cart == nil || len(cart.Items) == 0 {
		return validationError("cart is empty")
	}
	for _, item := range cart.Items {
		if item.Quantity <= 0 {
			return validationError("quantity must be positive for product %s", item.ProductID)
		}
	}
	return nil
}

// execute runs the saga from validation to a terminal state. Errors mean the
// idempotency record must be aborted; results mean it completes.
func (sc *SagaCoordinator) execute(ctx context.Context, req *CheckoutRequest) (*CheckoutResult, error) {
	if err := validateCart(req.Cart); err != nil {
		return nil, err
	}

	valid, err := sc.users.ValidateUser(ctx, req.TenantID, req.UserID)
	if err != nil {
		return nil, err
	}
	if !valid {
		return nil, validationError("unknown user %s", req.UserID)
	}

	// Guard against stale cart prices before any money moves.
	for _, item := range req.Cart.Items {
		info, err := sc.products.ValidateProduct(ctx, req.TenantID, item.ProductID, item.SKU)
		if err != nil {
			return nil, err
		}
		if !info.Valid || !info.Active {
			return &CheckoutResult{
				Status: ResultStatusRejected,
				Reason: fmt.Sprintf("product %s is not available", item.ProductID),
			}, nil
		}
		if !info.CurrentPrice.Equal(item.UnitPrice) {
			return &CheckoutResult{
				Status: ResultStatusRejected,
				Reason: fmt.Sprintf("price changed for product %s", item.ProductID),
			}, nil
		}
	}

	correlationID := uuid.New().String()
	order := &models.Order{
		ID:             uuid.New().String(),
		TenantID:       req.TenantID,
		UserID:         req.UserID,
		Status:         models.OrderStatusPending,
		TotalAmount:    req.Cart.Total,
		Currency:       req.Currency,
		IdempotencyKey: req.IdempotencyKey,
	}

	if err := sc.repo.CreateOrder(ctx, order); err != nil {
		return nil, fatalError("create-order", err)
	}

	items := make([]models.OrderItem, 0, len(req.Cart.Items))
	eventItems := make([]models.OrderItemData, 0, len(req.Cart.Items))
	for _, line := range req.Cart.Items {
		items = append(items, models.OrderItem{
			OrderID:   order.ID,
			ProductID: line.ProductID,
			SKU:       line.SKU,
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
		})
		eventItems = append(eventItems, models.OrderItemData{
			ProductID: line.ProductID,
			SKU:       line.SKU,
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
		})
	}
	if err := sc.repo.CreateOrderItems(ctx, items); err != nil {
		return nil, sc.failSaga(ctx, order, "create-items", err)
	}

	// The order exists; from here the saga must reach a terminal state
	// even if the original caller goes away, because compensations still
	// have to run.
	ctx = context.WithoutCancel(ctx)

	sc.publish(ctx, models.TopicOrderEvents, &models.OrderCreatedEvent{
		EventEnvelope: sc.envelope(models.EventTypeOrderCreated, order, correlationID),
		UserID:        order.UserID,
		TotalAmount:   order.TotalAmount,
		Currency:      order.Currency,
		Items:         eventItems,
	}, models.EventTypeOrderCreated, correlationID, order.ID)

	sc.logger.Info("Order created",
		zap.String("order_id", order.ID),
		zap.String("tenant_id", order.TenantID),
		zap.String("correlation_id", correlationID))

	return sc.reserveAndPay(ctx, order, items, eventItems, correlationID)
}

func (sc *SagaCoordinator) reserveAndPay(ctx context.Context, order *models.Order, items []models.OrderItem, eventItems []models.OrderItemData, correlationID string) (*CheckoutResult, error) {
	if err := sc.transition(ctx, order, models.OrderStatusPending, models.OrderStatusReserving); err != nil {
		return nil, sc.failSaga(ctx, order, "to-reserving", err)
	}

	reservation, err := sc.inventory.Reserve(ctx, order.TenantID, order.ID, items)
	if err != nil {
		// Transient budget exhausted; the client guarantees no partial
		// holds remain, so there is nothing to compensate.
		return sc.cancelDirect(ctx, order, models.OrderStatusReserving, "inventory unavailable", correlationID)
	}
	if !reservation.Success {
		return sc.cancelDirect(ctx, order, models.OrderStatusReserving, reservation.FailureReason, correlationID)
	}

	if err := sc.repo.CreateReservations(ctx, reservation.Reservations); err != nil {
		sc.releaseReservations(ctx, order.TenantID, reservation.Reservations)
		return nil, sc.failSaga(ctx, order, "persist-reservations", err)
	}

	sc.publish(ctx, models.TopicInventoryEvents, &models.InventoryReservedEvent{
		EventEnvelope: sc.envelope(models.EventTypeInventoryReserved, order, correlationID),
		Items:         eventItems,
	}, models.EventTypeInventoryReserved, correlationID, order.ID)

	if err := sc.transition(ctx, order, models.OrderStatusReserving, models.OrderStatusPaymentPending); err != nil {
		return nil, sc.failSaga(ctx, order, "to-payment-pending", err)
	}

	attempt := &models.PaymentAttempt{
		AttemptID: uuid.New().String(),
		OrderID:   order.ID,
		Amount:    order.TotalAmount,
		Currency:  order.Currency,
		Status:    models.PaymentStatusInitiated,
	}
	if err := sc.repo.CreatePaymentAttempt(ctx, attempt); err != nil {
		return nil, sc.failSaga(ctx, order, "create-payment-attempt", err)
	}

	charge, err := sc.payment.Charge(ctx, order.TenantID, order.ID, order.TotalAmount, order.Currency)
	if err != nil || charge == nil {
		charge = &ChargeResult{Outcome: OutcomeUnknown, Reason: "charge call failed"}
	}

	switch charge.Outcome {
	case OutcomeSucceeded:
		if err := sc.repo.UpdatePaymentAttempt(ctx, attempt.AttemptID, models.PaymentStatusSucceeded, charge.Reference); err != nil {
			sc.logger.Error("Failed to record successful charge", zap.String("order_id", order.ID), zap.Error(err))
		}
		return sc.confirm(ctx, order, models.OrderStatusPaymentPending, correlationID)

	case OutcomeFailed:
		if err := sc.repo.UpdatePaymentAttempt(ctx, attempt.AttemptID, models.PaymentStatusFailed, charge.Reference); err != nil {
			sc.logger.Error("Failed to record declined charge", zap.String("order_id", order.ID), zap.Error(err))
		}
		return sc.cancelWithRelease(ctx, order, models.OrderStatusPaymentPending, charge.Reason, "", correlationID)

	default:
		// Hold the per-order lock for the whole verification window so
		// event-driven resolution cannot interleave with the polls. The
		// lock must outlive the full poll schedule.
		lockTTL := sc.lockTTL
		for _, delay := range sc.verifyBackoff {
			lockTTL += delay
		}
		acquired, err := sc.locks.AcquireLock(ctx, orderLockKey(order.ID), lockTTL)
		if err != nil {
			return nil, sc.failSaga(ctx, order, "verify-lock", err)
		}
		if !acquired {
			// An event handler is inspecting the order; it only holds
			// the lock briefly while we are still PAYMENT_PENDING.
			time.Sleep(100 * time.Millisecond)
			acquired, err = sc.locks.AcquireLock(ctx, orderLockKey(order.ID), lockTTL)
			if err != nil || !acquired {
				return nil, sc.failSaga(ctx, order, "verify-lock",
					fmt.Errorf("order %s is locked: %v", order.ID, err))
			}
		}
		defer func() {
			if err := sc.locks.ReleaseLock(ctx, orderLockKey(order.ID)); err != nil {
				sc.logger.Warn("Failed to release order lock",
					zap.String("order_id", order.ID),
					zap.Error(err))
			}
		}()

		if err := sc.transition(ctx, order, models.OrderStatusPaymentPending, models.OrderStatusPaymentVerifying); err != nil {
			return nil, sc.failSaga(ctx, order, "to-payment-verifying", err)
		}
		return sc.verifyPayment(ctx, order, attempt, correlationID)
	}
}

// verifyPayment resolves an unknown charge outcome by querying the provider
// with bounded backoff. A definitive answer confirms or cancels; exhausting
// the budget cancels defensively with a refund attempt, since the provider
// dedups refunds by order just as it dedups charges.
func (sc *SagaCoordinator) verifyPayment(ctx context.Context, order *models.Order, attempt *models.PaymentAttempt, correlationID string) (*CheckoutResult, error) {
	for _, delay := range sc.verifyBackoff {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, sc.failSaga(ctx, order, "verify-payment", ctx.Err())
		}

		status, err := sc.payment.QueryStatus(ctx, order.TenantID, order.ID)
		if err != nil {
			sc.logger.Warn("Payment status query failed",
				zap.String("order_id", order.ID),
				zap.Error(err))
			continue
		}

		switch status.Outcome {
		case OutcomeSucceeded:
			if err := sc.repo.UpdatePaymentAttempt(ctx, attempt.AttemptID, models.PaymentStatusSucceeded, status.Reference); err != nil {
				sc.logger.Error("Failed to record verified charge", zap.String("order_id", order.ID), zap.Error(err))
			}
			sc.logger.Info("Unknown charge resolved as succeeded",
				zap.String("order_id", order.ID))
			return sc.confirm(ctx, order, models.OrderStatusPaymentVerifying, correlationID)

		case OutcomeFailed, OutcomeAbsent:
			if err := sc.repo.UpdatePaymentAttempt(ctx, attempt.AttemptID, models.PaymentStatusFailed, status.Reference); err != nil {
				sc.logger.Error("Failed to record resolved charge", zap.String("order_id", order.ID), zap.Error(err))
			}
			reason := status.Reason
			if reason == "" {
				reason = "payment did not complete"
			}
			return sc.cancelWithRelease(ctx, order, models.OrderStatusPaymentVerifying, reason, "", correlationID)
		}
	}

	// Still unknown. Cancel and refund defensively; refunding an order the
	// provider never charged is a no-op on its side.
	sc.logger.Warn("Payment verification exhausted, cancelling defensively",
		zap.String("order_id", order.ID))
	return sc.cancelWithRelease(ctx, order, models.OrderStatusPaymentVerifying,
		"payment outcome unresolved", order.ID, correlationID)
}

// confirm drives a paid order to CONFIRMED: reservation records are removed
// (the collaborator converts the hold into a permanent decrement), the cart
// is cleared, and OrderConfirmed goes out.
func (sc *SagaCoordinator) confirm(ctx context.Context, order *models.Order, from, correlationID string) (*CheckoutResult, error) {
	if err := sc.repo.DeleteReservations(ctx, order.ID); err != nil {
		sc.logger.Error("Failed to clear reservation records",
			zap.String("order_id", order.ID),
			zap.Error(err))
	}

	if err := sc.transition(ctx, order, from, models.OrderStatusConfirmed); err != nil {
		if errors.Is(err, errStateRace) && from == models.OrderStatusPaymentVerifying {
			if result, ok := sc.settledResult(ctx, order); ok {
				return result, nil
			}
		}
		return nil, sc.failSaga(ctx, order, "to-confirmed", err)
	}

	if err := sc.carts.Delete(ctx, order.TenantID, order.UserID); err != nil {
		sc.logger.Warn("Failed to clear cart after confirmation",
			zap.String("order_id", order.ID),
			zap.Error(err))
	}

	sc.publish(ctx, models.TopicOrderEvents, &models.OrderConfirmedEvent{
		EventEnvelope: sc.envelope(models.EventTypeOrderConfirmed, order, correlationID),
		UserID:        order.UserID,
		TotalAmount:   order.TotalAmount,
		Currency:      order.Currency,
	}, models.EventTypeOrderConfirmed, correlationID, order.ID)

	sc.logger.Info("Order confirmed",
		zap.String("order_id", order.ID),
		zap.String("correlation_id", correlationID))

	return &CheckoutResult{OrderID: order.ID, Status: models.OrderStatusConfirmed}, nil
}

// cancelDirect handles failures before any reservation was persisted:
// nothing to compensate, straight to CANCELLED.
func (sc *SagaCoordinator) cancelDirect(ctx context.Context, order *models.Order, from, reason, correlationID string) (*CheckoutResult, error) {
	if err := sc.transition(ctx, order, from, models.OrderStatusCancelled); err != nil {
		return nil, sc.failSaga(ctx, order, "to-cancelled", err)
	}
	return sc.finishCancelled(ctx, order, reason, false, correlationID)
}

// cancelWithRelease runs the compensation path: CANCELLING, release the
// reservation, optionally refund, then CANCELLED. A failing refund never
// blocks the terminal state; the order is flagged for manual retry instead.
func (sc *SagaCoordinator) cancelWithRelease(ctx context.Context, order *models.Order, from, reason, refundOrderID, correlationID string) (*CheckoutResult, error) {
	if err := sc.transition(ctx, order, from, models.OrderStatusCancelling); err != nil {
		if errors.Is(err, errStateRace) && from == models.OrderStatusPaymentVerifying {
			if result, ok := sc.settledResult(ctx, order); ok {
				return result, nil
			}
		}
		return nil, sc.failSaga(ctx, order, "to-cancelling", err)
	}

	records, err := sc.repo.GetReservations(ctx, order.ID)
	if err != nil {
		return nil, sc.failSaga(ctx, order, "load-reservations", err)
	}
	sc.releaseReservations(ctx, order.TenantID, records)
	if err := sc.repo.DeleteReservations(ctx, order.ID); err != nil {
		sc.logger.Error("Failed to clear reservation records",
			zap.String("order_id", order.ID),
			zap.Error(err))
	}

	if len(records) > 0 {
		ids := make([]string, len(records))
		for i, rec := range records {
			ids[i] = rec.ReservationID
		}
		sc.publish(ctx, models.TopicInventoryEvents, &models.InventoryReleasedEvent{
			EventEnvelope:  sc.envelope(models.EventTypeInventoryReleased, order, correlationID),
			ReservationIDs: ids,
		}, models.EventTypeInventoryReleased, correlationID, order.ID)
	}

	refundPending := false
	if refundOrderID != "" {
		if err := sc.payment.Refund(ctx, order.TenantID, refundOrderID, ""); err != nil {
			refundPending = true
			util.RefundsPendingTotal.Inc()
			if err := sc.repo.SetOrderRefundPending(ctx, order.ID, true); err != nil {
				sc.logger.Error("Failed to flag pending refund",
					zap.String("order_id", order.ID),
					zap.Error(err))
			}
			sc.logger.Error("Refund failed, flagged for manual retry",
				zap.String("order_id", order.ID),
				zap.Error(err))
		}
	}

	if err := sc.transition(ctx, order, models.OrderStatusCancelling, models.OrderStatusCancelled); err != nil {
		return nil, sc.failSaga(ctx, order, "to-cancelled", err)
	}
	return sc.finishCancelled(ctx, order, reason, refundPending, correlationID)
}

func (sc *SagaCoordinator) finishCancelled(ctx context.Context, order *models.Order, reason string, refundPending bool, correlationID string) (*CheckoutResult, error) {
	if err := sc.repo.SetOrderCancelReason(ctx, order.ID, reason); err != nil {
		sc.logger.Error("Failed to record cancel reason",
			zap.String("order_id", order.ID),
			zap.Error(err))
	}

	sc.publish(ctx, models.TopicOrderEvents, &models.OrderCancelledEvent{
		EventEnvelope: sc.envelope(models.EventTypeOrderCancelled, order, correlationID),
		UserID:        order.UserID,
		Reason:        reason,
		RefundPending: refundPending,
	}, models.EventTypeOrderCancelled, correlationID, order.ID)

	sc.logger.Info("Order cancelled",
		zap.String("order_id", order.ID),
		zap.String("reason", reason),
		zap.Bool("refund_pending", refundPending))

	return &CheckoutResult{
		OrderID:       order.ID,
		Status:        models.OrderStatusCancelled,
		Reason:        reason,
		RefundPending: refundPending,
	}, nil
}

// HandlePaymentSucceeded resolves an order stuck in PAYMENT_VERIFYING when
// the provider's event arrives before (or instead of) a status-query answer.
// Redeliveries are deduped through the processed-event ledger.
func (sc *SagaCoordinator) HandlePaymentSucceeded(ctx context.Context, ev *models.PaymentSucceededEvent) error {
	return sc.resolveFromEvent(ctx, &ev.EventEnvelope, func(ctx context.Context, order *models.Order) error {
		sc.updateLatestAttempt(ctx, order.ID, models.PaymentStatusSucceeded, ev.Reference)
		result, err := sc.confirm(ctx, order, models.OrderStatusPaymentVerifying, ev.CorrelationID)
		if err != nil {
			return err
		}
		return sc.completeRecord(ctx, order, result)
	})
}

// HandlePaymentFailed compensates an order stuck in PAYMENT_VERIFYING.
func (sc *SagaCoordinator) HandlePaymentFailed(ctx context.Context, ev *models.PaymentFailedEvent) error {
	return sc.resolveFromEvent(ctx, &ev.EventEnvelope, func(ctx context.Context, order *models.Order) error {
		sc.updateLatestAttempt(ctx, order.ID, models.PaymentStatusFailed, "")
		reason := ev.Reason
		if reason == "" {
			reason = "payment failed"
		}
		result, err := sc.cancelWithRelease(ctx, order, models.OrderStatusPaymentVerifying, reason, "", ev.CorrelationID)
		if err != nil {
			return err
		}
		return sc.completeRecord(ctx, order, result)
	})
}

func (sc *SagaCoordinator) resolveFromEvent(ctx context.Context, env *models.EventEnvelope, resolve func(context.Context, *models.Order) error) error {
	processed, err := sc.repo.IsEventProcessed(ctx, env.EventID)
	if err != nil {
		return fmt.Errorf("failed to check event processed: %w", err)
	}
	if processed {
		util.EventsDedupedTotal.Inc()
		return nil
	}

	acquired, err := sc.locks.AcquireLock(ctx, orderLockKey(env.OrderID), sc.lockTTL)
	if err != nil {
		return fmt.Errorf("failed to acquire order lock: %w", err)
	}
	if !acquired {
		// Another writer holds the order; let redelivery try again.
		return fmt.Errorf("order %s is locked", env.OrderID)
	}
	defer func() {
		if err := sc.locks.ReleaseLock(ctx, orderLockKey(env.OrderID)); err != nil {
			sc.logger.Warn("Failed to release order lock",
				zap.String("order_id", env.OrderID),
				zap.Error(err))
		}
	}()

	order, err := sc.repo.GetOrder(ctx, env.TenantID, env.OrderID)
	if err != nil {
		// Unknown order; nothing to resolve but remember the event.
		sc.logger.Warn("Payment event for unknown order",
			zap.String("order_id", env.OrderID),
			zap.String("event_id", env.EventID))
		return sc.repo.MarkEventProcessed(ctx, env.EventID, env.EventType)
	}

	if order.Status == models.OrderStatusPaymentVerifying {
		if err := resolve(ctx, order); err != nil {
			return err
		}
	}

	return sc.repo.MarkEventProcessed(ctx, env.EventID, env.EventType)
}

func (sc *SagaCoordinator) completeRecord(ctx context.Context, order *models.Order, result *CheckoutResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return err
	}
	util.CheckoutsTotal.WithLabelValues(result.Status).Inc()
	return sc.idem.Complete(ctx, order.TenantID, order.UserID, order.IdempotencyKey, payload)
}

func (sc *SagaCoordinator) updateLatestAttempt(ctx context.Context, orderID, status, reference string) {
	attempts, err := sc.repo.GetPaymentAttempts(ctx, orderID)
	if err != nil || len(attempts) == 0 {
		sc.logger.Warn("No payment attempt to update",
			zap.String("order_id", orderID),
			zap.Error(err))
		return
	}
	if err := sc.repo.UpdatePaymentAttempt(ctx, attempts[0].AttemptID, status, reference); err != nil {
		sc.logger.Error("Failed to update payment attempt",
			zap.String("order_id", orderID),
			zap.Error(err))
	}
}

// GetOrder returns an order and its lines for the read API.
func (sc *SagaCoordinator) GetOrder(ctx context.Context, tenantID, orderID string) (*models.Order, []models.OrderItem, error) {
	order, err := sc.repo.GetOrder(ctx, tenantID, orderID)
	if err != nil {
		return nil, nil, err
	}
	items, err := sc.repo.GetOrderItems(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	return order, items, nil
}

// errStateRace marks a CAS miss: another writer moved the order first.
var errStateRace = errors.New("order status changed concurrently")

// transition is a CAS status move; a miss means another writer touched the
// order. Out of PAYMENT_VERIFYING the other writer is a payment event handler
// settling the same order, and callers recover its terminal result; anywhere
// else a miss violates single-writer discipline and is treated as fatal.
func (sc *SagaCoordinator) transition(ctx context.Context, order *models.Order, from, to string) error {
	ok, err := sc.repo.UpdateOrderStatusCAS(ctx, order.ID, from, to)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("status transition %s -> %s: %w", from, to, errStateRace)
	}
	order.Status = to
	return nil
}

// settledResult reloads an order after a lost PAYMENT_VERIFYING race and, if
// a concurrent resolver already settled it, returns the matching result so
// the idempotency record completes instead of aborting. A second charge would
// otherwise follow the abort on retry.
func (sc *SagaCoordinator) settledResult(ctx context.Context, order *models.Order) (*CheckoutResult, bool) {
	current, err := sc.repo.GetOrder(ctx, order.TenantID, order.ID)
	if err != nil {
		return nil, false
	}
	switch current.Status {
	case models.OrderStatusConfirmed:
		sc.logger.Info("Verification race resolved by event handler",
			zap.String("order_id", order.ID),
			zap.String("status", current.Status))
		return &CheckoutResult{OrderID: current.ID, Status: models.OrderStatusConfirmed}, true
	case models.OrderStatusCancelled:
		sc.logger.Info("Verification race resolved by event handler",
			zap.String("order_id", order.ID),
			zap.String("status", current.Status))
		return &CheckoutResult{
			OrderID:       current.ID,
			Status:        models.OrderStatusCancelled,
			Reason:        current.CancelReason,
			RefundPending: current.RefundPending,
		}, true
	default:
		return nil, false
	}
}

func orderLockKey(orderID string) string {
	return "order:" + orderID
}

func (sc *SagaCoordinator) releaseReservations(ctx context.Context, tenantID string, records []models.ReservationRecord) {
	if len(records) == 0 {
		return
	}
	ids := make([]string, len(records))
	for i, rec := range records {
		ids[i] = rec.ReservationID
	}
	if err := sc.inventory.Release(ctx, tenantID, ids); err != nil {
		sc.logger.Error("Failed to release reservations",
			zap.Strings("reservation_ids", ids),
			zap.Error(err))
	}
}

// failSaga moves the order to FAILED, raises the operator alert, and returns
// the fatal error that makes Checkout abort the idempotency record.
func (sc *SagaCoordinator) failSaga(ctx context.Context, order *models.Order, stage string, cause error) error {
	if err := sc.repo.FailOrder(ctx, order.ID); err != nil {
		sc.logger.Error("Failed to mark order FAILED",
			zap.String("order_id", order.ID),
			zap.Error(err))
	}
	util.SagaFailedTotal.WithLabelValues(stage).Inc()
	sc.logger.Error("Saga failed, operator intervention required",
		zap.String("order_id", order.ID),
		zap.String("stage", stage),
		zap.Bool("operator_alert", true),
		zap.Error(cause))
	return fatalError(stage, cause)
}

func (sc *SagaCoordinator) envelope(eventType string, order *models.Order, correlationID string) models.EventEnvelope {
	return models.EventEnvelope{
		EventID:       uuid.New().String(),
		EventType:     eventType,
		TenantID:      order.TenantID,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC(),
		OrderID:       order.ID,
	}
}

func (sc *SagaCoordinator) publish(ctx context.Context, topic string, event interface{}, eventType, correlationID, key string) {
	if err := sc.publisher.Publish(ctx, topic, key, event, eventType, correlationID); err != nil {
		sc.logger.Error("Failed to publish event",
			zap.String("topic", topic),
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}
