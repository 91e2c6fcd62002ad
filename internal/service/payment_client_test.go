package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPaymentChargeSucceeded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/charges", r.URL.Path)
		require.Equal(t, "o1", r.Header.Get("Idempotency-Key"))
		json.NewEncoder(w).Encode(map[string]string{"status": "SUCCEEDED", "reference": "ch-1"})
	}))
	defer srv.Close()

	client := NewPaymentClient(srv.URL, 5*time.Second, 2)
	result, err := client.Charge(context.Background(), "t1", "o1", decimal.NewFromInt(100), "USD")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, result.Outcome)
	assert.Equal(t, "ch-1", result.Reference)
}

func TestPaymentChargeDeclined(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		json.NewEncoder(w).Encode(map[string]string{"status": "FAILED", "reason": "card declined"})
	}))
	defer srv.Close()

	client := NewPaymentClient(srv.URL, 5*time.Second, 2)
	result, err := client.Charge(context.Background(), "t1", "o1", decimal.NewFromInt(100), "USD")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Equal(t, "card declined", result.Reason)
}

func TestPaymentChargeTimeoutIsUnknownAndNotRetried(t *testing.T) {
	var mu sync.Mutex
	var calls int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	client := NewPaymentClient(srv.URL, 50*time.Millisecond, 3)
	result, err := client.Charge(context.Background(), "t1", "o1", decimal.NewFromInt(100), "USD")
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnknown, result.Outcome)

	mu.Lock()
	defer mu.Unlock()
	// The ambiguous charge is never blindly re-submitted.
	assert.Equal(t, 1, calls)
}

func TestPaymentChargeServerErrorIsUnknown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewPaymentClient(srv.URL, 5*time.Second, 2)
	result, err := client.Charge(context.Background(), "t1", "o1", decimal.NewFromInt(100), "USD")
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnknown, result.Outcome)
}

func TestPaymentQueryStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/charges/o1", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]string{"status": "SUCCEEDED", "reference": "ch-2"})
	}))
	defer srv.Close()

	client := NewPaymentClient(srv.URL, 5*time.Second, 2)
	result, err := client.QueryStatus(context.Background(), "t1", "o1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, result.Outcome)
	assert.Equal(t, "ch-2", result.Reference)
}

func TestPaymentQueryStatusAbsent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewPaymentClient(srv.URL, 5*time.Second, 2)
	result, err := client.QueryStatus(context.Background(), "t1", "o1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAbsent, result.Outcome)
}

func TestPaymentQueryStatusRetriesServerErrors(t *testing.T) {
	var mu sync.Mutex
	var calls int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "FAILED", "reason": "card declined"})
	}))
	defer srv.Close()

	client := NewPaymentClient(srv.URL, 5*time.Second, 3)
	result, err := client.QueryStatus(context.Background(), "t1", "o1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Equal(t, 2, calls)
}

func TestPaymentRefundUsesDerivedIdempotencyKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/refunds", r.URL.Path)
		require.Equal(t, "refund-o1", r.Header.Get("Idempotency-Key"))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	client := NewPaymentClient(srv.URL, 5*time.Second, 2)
	assert.NoError(t, client.Refund(context.Background(), "t1", "o1", "ch-1"))
}

func TestPaymentRefundClientErrorNotRetried(t *testing.T) {
	var mu sync.Mutex
	var calls int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	client := NewPaymentClient(srv.URL, 5*time.Second, 3)
	err := client.Refund(context.Background(), "t1", "o1", "ch-1")
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
