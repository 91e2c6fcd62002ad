package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/resilience"
	"checkout-service/internal/util"

	"go.uber.org/zap"
)

// ReservationResult is the all-or-nothing outcome of a reserve call.
type ReservationResult struct {
	Success       bool
	Reservations  []models.ReservationRecord
	FailureReason string
}

// InventoryAPI is the inventory collaborator capability.
type InventoryAPI interface {
	Reserve(ctx context.Context, tenantID, orderID string, items []models.OrderItem) (*ReservationResult, error)
	Release(ctx context.Context, tenantID string, reservationIDs []string) error
}

// InventoryClient calls the inventory collaborator over HTTP. Reservations
// are made per line; because the collaborator may leave partial state, any
// line failure triggers an explicit release of the lines already acquired
// before the call returns.
type InventoryClient struct {
	baseURL string
	http    *http.Client
	retry   *resilience.Retry
	breaker *resilience.Breaker
	logger  *zap.Logger
}

// NewInventoryClient creates the client with the bounded per-call timeout.
func NewInventoryClient(baseURL string, timeout time.Duration, maxRetries uint64) *InventoryClient {
	return &InventoryClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		retry:   resilience.NewRetry(maxRetries),
		breaker: resilience.NewBreaker("inventory"),
		logger:  util.GetLogger(),
	}
}

type reserveLineRequest struct {
	TenantID  string `json:"tenant_id"`
	OrderID   string `json:"order_id"`
	ProductID string `json:"product_id"`
	SKU       string `json:"sku"`
	Quantity  int    `json:"quantity"`
}

type reserveLineResponse struct {
	ReservationID string    `json:"reservation_id"`
	ExpiresAt     time.Time `json:"expires_at"`
	Reason        string    `json:"reason,omitempty"`
}

type releaseRequest struct {
	TenantID       string   `json:"tenant_id"`
	ReservationIDs []string `json:"reservation_ids"`
}

// Reserve holds stock for every line or for none. A definitive rejection
// (insufficient stock) is returned as an unsuccessful result and never
// retried; transient failures are retried within the policy and surface as
// an error once the budget is exhausted. Either way no partial reservation
// is left outstanding.
func (c *InventoryClient) Reserve(ctx context.Context, tenantID, orderID string, items []models.OrderItem) (*ReservationResult, error) {
	ctx, span := util.StartSpan(ctx, "InventoryClient.Reserve")
	defer span.End()

	start := time.Now()
	defer func() {
		util.InventoryReserveLatency.Observe(time.Since(start).Seconds())
	}()

	acquired := make([]models.ReservationRecord, 0, len(items))

	for _, item := range items {
		line, err := c.reserveLine(ctx, tenantID, orderID, item)
		if err != nil {
			c.releaseAcquired(ctx, tenantID, acquired)
			if rejection := asRejection(err); rejection != "" {
				util.InventoryReservationsFailed.WithLabelValues("insufficient_stock").Inc()
				return &ReservationResult{Success: false, FailureReason: rejection}, nil
			}
			util.InventoryReservationsFailed.WithLabelValues("error").Inc()
			return nil, transientError(err)
		}

		acquired = append(acquired, models.ReservationRecord{
			OrderID:          orderID,
			ProductID:        item.ProductID,
			SKU:              item.SKU,
			QuantityReserved: item.Quantity,
			ReservationID:    line.ReservationID,
			ExpiresAt:        line.ExpiresAt,
		})
	}

	return &ReservationResult{Success: true, Reservations: acquired}, nil
}

// rejectionError carries a definitive insufficient-stock refusal through the
// retry machinery without being retried.
type rejectionError struct{ reason string }

func (e *rejectionError) Error() string { return e.reason }

func asRejection(err error) string {
	var r *rejectionError
	if errors.As(err, &r) {
		return r.reason
	}
	return ""
}

func (c *InventoryClient) reserveLine(ctx context.Context, tenantID, orderID string, item models.OrderItem) (*reserveLineResponse, error) {
	var line *reserveLineResponse

	err := c.retry.Do(ctx, func() error {
		return c.breaker.Execute(func() error {
			body, err := json.Marshal(reserveLineRequest{
				TenantID:  tenantID,
				OrderID:   orderID,
				ProductID: item.ProductID,
				SKU:       item.SKU,
				Quantity:  item.Quantity,
			})
			if err != nil {
				return resilience.Permanent(err)
			}

			req, err := http.NewRequestWithContext(ctx, http.MethodPost,
				c.baseURL+"/v1/reservations", bytes.NewReader(body))
			if err != nil {
				return resilience.Permanent(err)
			}
			req.Header.Set("Content-Type", "application/json")

			resp, err := c.http.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			switch {
			case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
				var out reserveLineResponse
				if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
					return resilience.Permanent(fmt.Errorf("decode reserve response: %w", err))
				}
				line = &out
				return nil
			case resp.StatusCode == http.StatusConflict:
				var out reserveLineResponse
				_ = json.NewDecoder(resp.Body).Decode(&out)
				reason := out.Reason
				if reason == "" {
					reason = fmt.Sprintf("insufficient stock for product %s", item.ProductID)
				}
				return resilience.Permanent(&rejectionError{reason: reason})
			case resp.StatusCode >= 500:
				io.Copy(io.Discard, resp.Body)
				return fmt.Errorf("inventory service returned %d", resp.StatusCode)
			default:
				io.Copy(io.Discard, resp.Body)
				return resilience.Permanent(fmt.Errorf("inventory service returned %d", resp.StatusCode))
			}
		})
	})
	if err != nil {
		return nil, err
	}
	return line, nil
}

// Release undoes reservations. Releasing an already-released or unknown
// reservation is a success, so the call is safe to retry.
func (c *InventoryClient) Release(ctx context.Context, tenantID string, reservationIDs []string) error {
	ctx, span := util.StartSpan(ctx, "InventoryClient.Release")
	defer span.End()

	if len(reservationIDs) == 0 {
		return nil
	}

	return c.retry.Do(ctx, func() error {
		return c.breaker.Execute(func() error {
			body, err := json.Marshal(releaseRequest{
				TenantID:       tenantID,
				ReservationIDs: reservationIDs,
			})
			if err != nil {
				return resilience.Permanent(err)
			}

			req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
				c.baseURL+"/v1/reservations", bytes.NewReader(body))
			if err != nil {
				return resilience.Permanent(err)
			}
			req.Header.Set("Content-Type", "application/json")

			resp, err := c.http.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			io.Copy(io.Discard, resp.Body)

			// 404 means the reservation is already gone, which is the
			// desired end state.
			if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent ||
				resp.StatusCode == http.StatusNotFound {
				return nil
			}
			if resp.StatusCode >= 500 {
				return fmt.Errorf("inventory service returned %d", resp.StatusCode)
			}
			return resilience.Permanent(fmt.Errorf("inventory service returned %d", resp.StatusCode))
		})
	})
}

func (c *InventoryClient) releaseAcquired(ctx context.Context, tenantID string, acquired []models.ReservationRecord) {
	if len(acquired) == 0 {
		return
	}
	ids := make([]string, len(acquired))
	for i, rec := range acquired {
		ids[i] = rec.ReservationID
	}
	if err := c.Release(ctx, tenantID, ids); err != nil {
		c.logger.Error("Failed to release partial reservations",
			zap.String("tenant_id", tenantID),
			zap.Strings("reservation_ids", ids),
			zap.Error(err))
	}
}
