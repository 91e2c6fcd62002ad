package worker

import (
	"context"
	"encoding/json"
	"time"

	"checkout-service/internal/broker"
	"checkout-service/internal/models"
	"checkout-service/internal/service"
	"checkout-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// PaymentEventWorker feeds provider payment events into the saga so that
// orders parked in PAYMENT_VERIFYING resolve even when the synchronous
// verification polls never got an answer.
type PaymentEventWorker struct {
	registry *broker.Registry
	saga     *service.SagaCoordinator
	logger   *zap.Logger
}

// NewPaymentEventWorker registers the payment-event subscription.
func NewPaymentEventWorker(registry *broker.Registry, saga *service.SagaCoordinator) *PaymentEventWorker {
	w := &PaymentEventWorker{
		registry: registry,
		saga:     saga,
		logger:   util.GetLogger(),
	}
	registry.Subscribe(models.TopicPaymentEvents, w.handleMessage)
	return w
}

func (w *PaymentEventWorker) handleMessage(ctx context.Context, msg kafka.Message) error {
	var env models.EventEnvelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		w.logger.Error("Failed to unmarshal event envelope", zap.Error(err))
		// Poison message; do not ask for redelivery.
		return nil
	}

	switch env.EventType {
	case models.EventTypePaymentSucceeded:
		var event models.PaymentSucceededEvent
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			w.logger.Error("Failed to unmarshal payment-succeeded event",
				zap.String("event_id", env.EventID), zap.Error(err))
			return nil
		}
		return w.saga.HandlePaymentSucceeded(ctx, &event)

	case models.EventTypePaymentFailed:
		var event models.PaymentFailedEvent
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			w.logger.Error("Failed to unmarshal payment-failed event",
				zap.String("event_id", env.EventID), zap.Error(err))
			return nil
		}
		return w.saga.HandlePaymentFailed(ctx, &event)

	default:
		w.logger.Debug("Ignoring payment event",
			zap.String("event_type", env.EventType),
			zap.String("event_id", env.EventID))
		return nil
	}
}

// Start launches the registry's consumers.
func (w *PaymentEventWorker) Start(ctx context.Context) {
	w.logger.Info("Starting payment event worker",
		zap.Strings("topics", w.registry.Topics()))
	w.registry.Start(ctx)
}

// Stop closes the underlying consumers.
func (w *PaymentEventWorker) Stop() error {
	w.logger.Info("Stopping payment event worker")
	return w.registry.Close()
}

// CartReconcileWorker periodically syncs fast-store carts into the durable
// backup and purges stale backup rows.
type CartReconcileWorker struct {
	carts    *service.CartManager
	interval time.Duration
	logger   *zap.Logger
}

// NewCartReconcileWorker creates the reconciliation worker.
func NewCartReconcileWorker(carts *service.CartManager, interval time.Duration) *CartReconcileWorker {
	return &CartReconcileWorker{
		carts:    carts,
		interval: interval,
		logger:   util.GetLogger(),
	}
}

// Start runs the reconcile loop until ctx is cancelled.
func (w *CartReconcileWorker) Start(ctx context.Context) {
	w.logger.Info("Starting cart reconcile worker",
		zap.Duration("interval", w.interval))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Cart reconcile worker stopped")
			return
		case <-ticker.C:
			pushed, err := w.carts.Reconcile(ctx)
			if err != nil {
				w.logger.Error("Cart reconciliation failed", zap.Error(err))
				continue
			}
			w.logger.Info("Cart reconciliation complete", zap.Int("pushed", pushed))
		}
	}
}
