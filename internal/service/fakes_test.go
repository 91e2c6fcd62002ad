package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"checkout-service/internal/models"

	"github.com/shopspring/decimal"
)

// In-memory collaborator fakes shared by the coordinator and cart tests.

type memFastStore struct {
	mu      sync.Mutex
	data    map[string][]byte
	failGet bool
	failSet bool
}

func newMemFastStore() *memFastStore {
	return &memFastStore{data: make(map[string][]byte)}
}

func fastKey(tenantID, userID string) string { return tenantID + ":" + userID }

func (s *memFastStore) GetCart(ctx context.Context, tenantID, userID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failGet {
		return nil, fmt.Errorf("fast store down")
	}
	return s.data[fastKey(tenantID, userID)], nil
}

func (s *memFastStore) SetCart(ctx context.Context, tenantID, userID string, payload []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSet {
		return fmt.Errorf("fast store down")
	}
	s.data[fastKey(tenantID, userID)] = payload
	return nil
}

func (s *memFastStore) DeleteCart(ctx context.Context, tenantID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, fastKey(tenantID, userID))
	return nil
}

func (s *memFastStore) ScanCartKeys(ctx context.Context, fn func(tenantID, userID string) error) error {
	s.mu.Lock()
	keys := make([]string, 0, len(s.data))
	for key := range s.data {
		keys = append(keys, key)
	}
	s.mu.Unlock()

	for _, key := range keys {
		parts := strings.SplitN(key, ":", 2)
		if len(parts) != 2 {
			continue
		}
		if err := fn(parts[0], parts[1]); err != nil {
			return err
		}
	}
	return nil
}

type memBackupStore struct {
	mu         sync.Mutex
	data       map[string][]byte
	failWrites bool
}

func newMemBackupStore() *memBackupStore {
	return &memBackupStore{data: make(map[string][]byte)}
}

func (s *memBackupStore) UpsertCartBackup(ctx context.Context, tenantID, userID string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites {
		return fmt.Errorf("backup store down")
	}
	s.data[fastKey(tenantID, userID)] = payload
	return nil
}

func (s *memBackupStore) GetCartBackup(ctx context.Context, tenantID, userID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data[fastKey(tenantID, userID)], nil
}

func (s *memBackupStore) DeleteCartBackup(ctx context.Context, tenantID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites {
		return fmt.Errorf("backup store down")
	}
	delete(s.data, fastKey(tenantID, userID))
	return nil
}

func (s *memBackupStore) PurgeStaleCartBackups(ctx context.Context, olderThan time.Time) (int64, error) {
	return 0, nil
}

type memRepo struct {
	mu            sync.Mutex
	orders        map[string]*models.Order
	statusHistory map[string][]string
	items         map[string][]models.OrderItem
	reservations  map[string][]models.ReservationRecord
	attempts      map[string][]models.PaymentAttempt
	processed     map[string]bool
}

func newMemRepo() *memRepo {
	return &memRepo{
		orders:        make(map[string]*models.Order),
		statusHistory: make(map[string][]string),
		items:         make(map[string][]models.OrderItem),
		reservations:  make(map[string][]models.ReservationRecord),
		attempts:      make(map[string][]models.PaymentAttempt),
		processed:     make(map[string]bool),
	}
}

func (r *memRepo) CreateOrder(ctx context.Context, order *models.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *order
	copied.CreatedAt = time.Now()
	copied.UpdatedAt = copied.CreatedAt
	r.orders[order.ID] = &copied
	r.statusHistory[order.ID] = []string{order.Status}
	return nil
}

func (r *memRepo) GetOrder(ctx context.Context, tenantID, orderID string) (*models.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[orderID]
	if !ok || order.TenantID != tenantID {
		return nil, fmt.Errorf("order not found: %s", orderID)
	}
	copied := *order
	return &copied, nil
}

func (r *memRepo) UpdateOrderStatusCAS(ctx context.Context, orderID, expected, next string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[orderID]
	if !ok || order.Status != expected {
		return false, nil
	}
	order.Status = next
	r.statusHistory[orderID] = append(r.statusHistory[orderID], next)
	return true, nil
}

func (r *memRepo) FailOrder(ctx context.Context, orderID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[orderID]
	if ok && !models.IsTerminalStatus(order.Status) {
		order.Status = models.OrderStatusFailed
		r.statusHistory[orderID] = append(r.statusHistory[orderID], models.OrderStatusFailed)
	}
	return nil
}

func (r *memRepo) SetOrderCancelReason(ctx context.Context, orderID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if order, ok := r.orders[orderID]; ok {
		order.CancelReason = reason
	}
	return nil
}

func (r *memRepo) SetOrderRefundPending(ctx context.Context, orderID string, pending bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if order, ok := r.orders[orderID]; ok {
		order.RefundPending = pending
	}
	return nil
}

func (r *memRepo) CreateOrderItems(ctx context.Context, items []models.OrderItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, item := range items {
		r.items[item.OrderID] = append(r.items[item.OrderID], item)
	}
	return nil
}

func (r *memRepo) GetOrderItems(ctx context.Context, orderID string) ([]models.OrderItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.OrderItem(nil), r.items[orderID]...), nil
}

func (r *memRepo) CreateReservations(ctx context.Context, records []models.ReservationRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range records {
		r.reservations[rec.OrderID] = append(r.reservations[rec.OrderID], rec)
	}
	return nil
}

func (r *memRepo) GetReservations(ctx context.Context, orderID string) ([]models.ReservationRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.ReservationRecord(nil), r.reservations[orderID]...), nil
}

func (r *memRepo) DeleteReservations(ctx context.Context, orderID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.reservations, orderID)
	return nil
}

func (r *memRepo) CreatePaymentAttempt(ctx context.Context, attempt *models.PaymentAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	attempt.CreatedAt = time.Now()
	attempt.UpdatedAt = attempt.CreatedAt
	r.attempts[attempt.OrderID] = append(r.attempts[attempt.OrderID], *attempt)
	return nil
}

func (r *memRepo) UpdatePaymentAttempt(ctx context.Context, attemptID, status, providerReference string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for orderID := range r.attempts {
		for i := range r.attempts[orderID] {
			if r.attempts[orderID][i].AttemptID == attemptID {
				r.attempts[orderID][i].Status = status
				r.attempts[orderID][i].ProviderReference = providerReference
				return nil
			}
		}
	}
	return fmt.Errorf("attempt not found: %s", attemptID)
}

func (r *memRepo) GetPaymentAttempts(ctx context.Context, orderID string) ([]models.PaymentAttempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	attempts := append([]models.PaymentAttempt(nil), r.attempts[orderID]...)
	// Newest first, matching the SQL ordering.
	for i, j := 0, len(attempts)-1; i < j; i, j = i+1, j-1 {
		attempts[i], attempts[j] = attempts[j], attempts[i]
	}
	return attempts, nil
}

func (r *memRepo) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.processed[eventID], nil
}

func (r *memRepo) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processed[eventID] = true
	return nil
}

// singleOrder returns the only order in the repo; fails when there is not
// exactly one.
func (r *memRepo) singleOrder() (*models.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.orders) != 1 {
		return nil, fmt.Errorf("expected 1 order, found %d", len(r.orders))
	}
	for _, order := range r.orders {
		copied := *order
		return &copied, nil
	}
	return nil, nil
}

type idemRecord struct {
	status  string
	payload []byte
}

type memIdem struct {
	mu      sync.Mutex
	records map[string]*idemRecord
}

func newMemIdem() *memIdem {
	return &memIdem{records: make(map[string]*idemRecord)}
}

func (m *memIdem) key(tenantID, scopeKey, key string) string {
	return tenantID + "/" + scopeKey + "/" + key
}

func (m *memIdem) CheckOrBegin(ctx context.Context, tenantID, scopeKey, key string) (BeginState, []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[m.key(tenantID, scopeKey, key)]
	if !ok {
		m.records[m.key(tenantID, scopeKey, key)] = &idemRecord{status: "PROCESSING"}
		return StateNew, nil, nil
	}
	if rec.status == "PROCESSING" {
		return StateInProgress, nil, nil
	}
	return StateCompleted, rec.payload, nil
}

func (m *memIdem) Complete(ctx context.Context, tenantID, scopeKey, key string, result []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[m.key(tenantID, scopeKey, key)] = &idemRecord{status: "COMPLETED", payload: result}
	return nil
}

func (m *memIdem) Abort(ctx context.Context, tenantID, scopeKey, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, m.key(tenantID, scopeKey, key))
	return nil
}

type fakeInventory struct {
	mu         sync.Mutex
	result     *ReservationResult
	reserveErr error
	reserves   int
	released   [][]string
}

func (f *fakeInventory) Reserve(ctx context.Context, tenantID, orderID string, items []models.OrderItem) (*ReservationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reserves++
	if f.reserveErr != nil {
		return nil, f.reserveErr
	}
	if f.result != nil {
		return f.result, nil
	}
	records := make([]models.ReservationRecord, 0, len(items))
	for i, item := range items {
		records = append(records, models.ReservationRecord{
			OrderID:          orderID,
			ProductID:        item.ProductID,
			SKU:              item.SKU,
			QuantityReserved: item.Quantity,
			ReservationID:    fmt.Sprintf("res-%d", i),
			ExpiresAt:        time.Now().Add(10 * time.Minute),
		})
	}
	return &ReservationResult{Success: true, Reservations: records}, nil
}

func (f *fakeInventory) Release(ctx context.Context, tenantID string, reservationIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, reservationIDs)
	return nil
}

type fakePayment struct {
	mu        sync.Mutex
	charge    *ChargeResult
	chargeErr error
	statuses  []*ChargeResult
	statusErr error
	refundErr error
	charges   int
	queries   int
	refunds   []string
	onQuery   func(query int)
}

func (f *fakePayment) Charge(ctx context.Context, tenantID, orderID string, amount decimal.Decimal, currency string) (*ChargeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.charges++
	if f.chargeErr != nil {
		return nil, f.chargeErr
	}
	if f.charge != nil {
		return f.charge, nil
	}
	return &ChargeResult{Outcome: OutcomeSucceeded, Reference: "ch-1"}, nil
}

func (f *fakePayment) QueryStatus(ctx context.Context, tenantID, orderID string) (*ChargeResult, error) {
	f.mu.Lock()
	f.queries++
	query := f.queries
	hook := f.onQuery
	f.mu.Unlock()
	if hook != nil {
		hook(query)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.statuses) == 0 {
		if f.statusErr != nil {
			return nil, f.statusErr
		}
		return &ChargeResult{Outcome: OutcomeUnknown}, nil
	}
	next := f.statuses[0]
	f.statuses = f.statuses[1:]
	return next, nil
}

func (f *fakePayment) Refund(ctx context.Context, tenantID, orderID, reference string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refunds = append(f.refunds, orderID)
	return f.refundErr
}

type fakeUsers struct{ valid bool }

func (f *fakeUsers) ValidateUser(ctx context.Context, tenantID, userID string) (bool, error) {
	return f.valid, nil
}

type fakeProducts struct {
	mu   sync.Mutex
	info map[string]ProductInfo
}

func (f *fakeProducts) set(productID string, info ProductInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.info == nil {
		f.info = make(map[string]ProductInfo)
	}
	f.info[productID] = info
}

func (f *fakeProducts) ValidateProduct(ctx context.Context, tenantID, productID, sku string) (*ProductInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if info, ok := f.info[productID]; ok {
		return &info, nil
	}
	return &ProductInfo{Valid: false}, nil
}

type publishedEvent struct {
	topic     string
	eventType string
	key       string
}

type fakePublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (f *fakePublisher) Publish(ctx context.Context, topic, key string, event interface{}, eventType, correlationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, publishedEvent{topic: topic, eventType: eventType, key: key})
	return nil
}

func (f *fakePublisher) eventTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	types := make([]string, len(f.events))
	for i, ev := range f.events {
		types[i] = ev.eventType
	}
	return types
}

type fakeLocker struct {
	mu          sync.Mutex
	held        map[string]bool
	refuse      bool
	alwaysGrant bool
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: make(map[string]bool)}
}

func (f *fakeLocker) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.alwaysGrant {
		f.held[lockKey] = true
		return true, nil
	}
	if f.refuse || f.held[lockKey] {
		return false, nil
	}
	f.held[lockKey] = true
	return true, nil
}

func (f *fakeLocker) ReleaseLock(ctx context.Context, lockKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.held, lockKey)
	return nil
}
