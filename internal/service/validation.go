package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
)

// UserValidator is the user-validation collaborator capability, used only at
// checkout entry.
type UserValidator interface {
	ValidateUser(ctx context.Context, tenantID, userID string) (bool, error)
}

// ProductInfo is the product collaborator's view of one product+sku.
type ProductInfo struct {
	Valid        bool            `json:"valid"`
	Active       bool            `json:"active"`
	CurrentPrice decimal.Decimal `json:"current_price"`
}

// ProductValidator guards against stale cart prices before charging.
type ProductValidator interface {
	ValidateProduct(ctx context.Context, tenantID, productID, sku string) (*ProductInfo, error)
}

// HTTPUserValidator calls the user service.
type HTTPUserValidator struct {
	baseURL string
	http    *http.Client
}

func NewHTTPUserValidator(baseURL string, timeout time.Duration) *HTTPUserValidator {
	return &HTTPUserValidator{baseURL: baseURL, http: &http.Client{Timeout: timeout}}
}

func (v *HTTPUserValidator) ValidateUser(ctx context.Context, tenantID, userID string) (bool, error) {
	endpoint := fmt.Sprintf("%s/v1/users/%s/validate?tenant_id=%s",
		v.baseURL, url.PathEscape(userID), url.QueryEscape(tenantID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, err
	}

	resp, err := v.http.Do(req)
	if err != nil {
		return false, transientError(err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var out struct {
			Valid bool `json:"valid"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return false, fmt.Errorf("decode user response: %w", err)
		}
		return out.Valid, nil
	case http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return false, nil
	default:
		io.Copy(io.Discard, resp.Body)
		return false, transientError(fmt.Errorf("user service returned %d", resp.StatusCode))
	}
}

// HTTPProductValidator calls the product service.
type HTTPProductValidator struct {
	baseURL string
	http    *http.Client
}

func NewHTTPProductValidator(baseURL string, timeout time.Duration) *HTTPProductValidator {
	return &HTTPProductValidator{baseURL: baseURL, http: &http.Client{Timeout: timeout}}
}

func (v *HTTPProductValidator) ValidateProduct(ctx context.Context, tenantID, productID, sku string) (*ProductInfo, error) {
	endpoint := fmt.Sprintf("%s/v1/products/%s/validate?tenant_id=%s&sku=%s",
		v.baseURL, url.PathEscape(productID), url.QueryEscape(tenantID), url.QueryEscape(sku))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := v.http.Do(req)
	if err != nil {
		return nil, transientError(err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var out ProductInfo
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, fmt.Errorf("decode product response: %w", err)
		}
		return &out, nil
	case http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return &ProductInfo{Valid: false}, nil
	default:
		io.Copy(io.Discard, resp.Body)
		return nil, transientError(fmt.Errorf("product service returned %d", resp.StatusCode))
	}
}
