package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CheckoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkouts_total",
		Help: "Total number of checkout requests by terminal outcome",
	}, []string{"outcome"})

	CheckoutDuplicatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkout_duplicates_total",
		Help: "Total number of checkout requests answered from the idempotency cache",
	})

	SagaFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_failed_total",
		Help: "Total number of sagas ending in FAILED, by stage",
	}, []string{"stage"})

	InventoryReserveLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "inventory_reserve_latency_seconds",
		Help:    "Latency of inventory reservation calls",
		Buckets: prometheus.DefBuckets,
	})

	InventoryReservationsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inventory_reservations_failed_total",
		Help: "Total number of failed inventory reservations",
	}, []string{"reason"})

	PaymentChargesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_charges_total",
		Help: "Total number of charge calls by outcome",
	}, []string{"outcome"})

	PaymentChargeLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "payment_charge_latency_seconds",
		Help:    "Latency of payment charge calls",
		Buckets: prometheus.DefBuckets,
	})

	RefundsPendingTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "refunds_pending_total",
		Help: "Total number of refunds deferred to manual retry",
	})

	CartRecoveriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cart_recoveries_total",
		Help: "Total number of carts repopulated from the durable backup",
	})

	CartBackupFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cart_backup_failures_total",
		Help: "Total number of tolerated durable-backup write failures",
	})

	CartsReconciledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "carts_reconciled_total",
		Help: "Total number of carts pushed to backup by the reconciler",
	})

	EventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "events_published_total",
		Help: "Total number of events published to the bus",
	}, []string{"topic", "event_type"})

	EventsDedupedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "events_deduped_total",
		Help: "Total number of redelivered events skipped by the processed ledger",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
