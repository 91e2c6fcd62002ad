package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"checkout-service/internal/resilience"
	"checkout-service/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ChargeOutcome classifies a charge or status-query result.
type ChargeOutcome int

const (
	// OutcomeSucceeded means the provider confirmed the charge.
	OutcomeSucceeded ChargeOutcome = iota
	// OutcomeFailed means the provider definitively declined.
	OutcomeFailed
	// OutcomeUnknown means the call timed out or errored after the
	// request may have reached the provider; the charge must be verified
	// by a status query, never blindly retried.
	OutcomeUnknown
	// OutcomeAbsent means the provider has no charge for the order
	// (status queries only).
	OutcomeAbsent
)

// ChargeResult is the outcome of a charge or status query.
type ChargeResult struct {
	Outcome   ChargeOutcome
	Reference string
	Reason    string
}

// PaymentAPI is the payment collaborator capability.
type PaymentAPI interface {
	Charge(ctx context.Context, tenantID, orderID string, amount decimal.Decimal, currency string) (*ChargeResult, error)
	QueryStatus(ctx context.Context, tenantID, orderID string) (*ChargeResult, error)
	Refund(ctx context.Context, tenantID, orderID, reference string) error
}

// PaymentClient calls the payment collaborator over HTTP. Charges are
// idempotent keyed by order ID: the same order always presents the same
// idempotency key, so the provider deduplicates repeated submissions and a
// double charge is impossible even across retries of the whole saga.
type PaymentClient struct {
	baseURL string
	http    *http.Client
	retry   *resilience.Retry
	breaker *resilience.Breaker
	logger  *zap.Logger
}

// NewPaymentClient creates the client. timeout bounds the charge call;
// payments are slow, 15s is the recommended ceiling.
func NewPaymentClient(baseURL string, timeout time.Duration, maxRetries uint64) *PaymentClient {
	return &PaymentClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		retry:   resilience.NewRetry(maxRetries),
		breaker: resilience.NewBreaker("payment"),
		logger:  util.GetLogger(),
	}
}

type chargeRequest struct {
	TenantID string          `json:"tenant_id"`
	OrderID  string          `json:"order_id"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

type chargeResponse struct {
	Status    string `json:"status"`
	Reference string `json:"reference,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Charge submits the charge. Transport failures and 5xx responses yield
// OutcomeUnknown without an error: the caller owns the verification step.
// Charge is never retried here because it is not idempotent at this layer.
func (c *PaymentClient) Charge(ctx context.Context, tenantID, orderID string, amount decimal.Decimal, currency string) (*ChargeResult, error) {
	ctx, span := util.StartSpan(ctx, "PaymentClient.Charge")
	defer span.End()

	start := time.Now()
	defer func() {
		util.PaymentChargeLatency.Observe(time.Since(start).Seconds())
	}()

	body, err := json.Marshal(chargeRequest{
		TenantID: tenantID,
		OrderID:  orderID,
		Amount:   amount,
		Currency: currency,
	})
	if err != nil {
		return nil, err
	}

	var result *ChargeResult
	err = c.breaker.Execute(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.baseURL+"/v1/charges", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", orderID)

		resp, err := c.http.Do(req)
		if err != nil {
			// The provider may or may not have seen the request.
			result = &ChargeResult{Outcome: OutcomeUnknown, Reason: err.Error()}
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
			var out chargeResponse
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				result = &ChargeResult{Outcome: OutcomeUnknown, Reason: "unreadable charge response"}
				return err
			}
			if out.Status == "SUCCEEDED" {
				result = &ChargeResult{Outcome: OutcomeSucceeded, Reference: out.Reference}
			} else {
				result = &ChargeResult{Outcome: OutcomeFailed, Reference: out.Reference, Reason: out.Reason}
			}
			return nil
		case resp.StatusCode == http.StatusPaymentRequired || resp.StatusCode == http.StatusUnprocessableEntity:
			var out chargeResponse
			_ = json.NewDecoder(resp.Body).Decode(&out)
			reason := out.Reason
			if reason == "" {
				reason = "payment declined"
			}
			result = &ChargeResult{Outcome: OutcomeFailed, Reference: out.Reference, Reason: reason}
			return nil
		default:
			io.Copy(io.Discard, resp.Body)
			result = &ChargeResult{
				Outcome: OutcomeUnknown,
				Reason:  fmt.Sprintf("payment service returned %d", resp.StatusCode),
			}
			return fmt.Errorf("payment service returned %d", resp.StatusCode)
		}
	})

	if result == nil {
		// Breaker rejected the call before it went out; nothing was sent.
		result = &ChargeResult{Outcome: OutcomeUnknown, Reason: "payment circuit open"}
	}

	switch result.Outcome {
	case OutcomeSucceeded:
		util.PaymentChargesTotal.WithLabelValues("succeeded").Inc()
	case OutcomeFailed:
		util.PaymentChargesTotal.WithLabelValues("failed").Inc()
	default:
		util.PaymentChargesTotal.WithLabelValues("unknown").Inc()
		c.logger.Warn("Charge outcome unknown",
			zap.String("order_id", orderID),
			zap.String("reason", result.Reason),
			zap.NamedError("cause", err))
	}

	return result, nil
}

// QueryStatus asks the provider what became of the order's charge. Safe to
// retry; used by the verification step after an unknown outcome.
func (c *PaymentClient) QueryStatus(ctx context.Context, tenantID, orderID string) (*ChargeResult, error) {
	ctx, span := util.StartSpan(ctx, "PaymentClient.QueryStatus")
	defer span.End()

	var result *ChargeResult
	err := c.retry.Do(ctx, func() error {
		return c.breaker.Execute(func() error {
			endpoint := fmt.Sprintf("%s/v1/charges/%s?tenant_id=%s",
				c.baseURL, url.PathEscape(orderID), url.QueryEscape(tenantID))
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
			if err != nil {
				return resilience.Permanent(err)
			}

			resp, err := c.http.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			switch {
			case resp.StatusCode == http.StatusOK:
				var out chargeResponse
				if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
					return fmt.Errorf("decode status response: %w", err)
				}
				switch out.Status {
				case "SUCCEEDED":
					result = &ChargeResult{Outcome: OutcomeSucceeded, Reference: out.Reference}
				case "FAILED":
					result = &ChargeResult{Outcome: OutcomeFailed, Reference: out.Reference, Reason: out.Reason}
				default:
					result = &ChargeResult{Outcome: OutcomeUnknown, Reason: out.Status}
				}
				return nil
			case resp.StatusCode == http.StatusNotFound:
				io.Copy(io.Discard, resp.Body)
				result = &ChargeResult{Outcome: OutcomeAbsent}
				return nil
			case resp.StatusCode >= 500:
				io.Copy(io.Discard, resp.Body)
				return fmt.Errorf("payment service returned %d", resp.StatusCode)
			default:
				io.Copy(io.Discard, resp.Body)
				return resilience.Permanent(fmt.Errorf("payment service returned %d", resp.StatusCode))
			}
		})
	})
	if err != nil {
		return nil, transientError(err)
	}
	return result, nil
}

type refundRequest struct {
	TenantID  string `json:"tenant_id"`
	OrderID   string `json:"order_id"`
	Reference string `json:"reference"`
}

// Refund reverses a charge. Best-effort compensation: retried as idempotent,
// and the caller flags the order for manual retry when it still fails.
func (c *PaymentClient) Refund(ctx context.Context, tenantID, orderID, reference string) error {
	ctx, span := util.StartSpan(ctx, "PaymentClient.Refund")
	defer span.End()

	return c.retry.Do(ctx, func() error {
		return c.breaker.Execute(func() error {
			body, err := json.Marshal(refundRequest{
				TenantID:  tenantID,
				OrderID:   orderID,
				Reference: reference,
			})
			if err != nil {
				return resilience.Permanent(err)
			}

			req, err := http.NewRequestWithContext(ctx, http.MethodPost,
				c.baseURL+"/v1/refunds", bytes.NewReader(body))
			if err != nil {
				return resilience.Permanent(err)
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Idempotency-Key", "refund-"+orderID)

			resp, err := c.http.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			io.Copy(io.Discard, resp.Body)

			if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated ||
				resp.StatusCode == http.StatusNoContent {
				return nil
			}
			if resp.StatusCode >= 500 {
				return fmt.Errorf("payment service returned %d", resp.StatusCode)
			}
			return resilience.Permanent(fmt.Errorf("payment service returned %d", resp.StatusCode))
		})
	})
}
