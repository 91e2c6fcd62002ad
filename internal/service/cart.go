package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// FastCartStore is the low-latency primary cart store.
type FastCartStore interface {
	GetCart(ctx context.Context, tenantID, userID string) ([]byte, error)
	SetCart(ctx context.Context, tenantID, userID string, payload []byte, ttl time.Duration) error
	DeleteCart(ctx context.Context, tenantID, userID string) error
	ScanCartKeys(ctx context.Context, fn func(tenantID, userID string) error) error
}

// CartBackupStore is the durable recovery-only copy.
type CartBackupStore interface {
	UpsertCartBackup(ctx context.Context, tenantID, userID string, payload []byte) error
	GetCartBackup(ctx context.Context, tenantID, userID string) ([]byte, error)
	DeleteCartBackup(ctx context.Context, tenantID, userID string) error
	PurgeStaleCartBackups(ctx context.Context, olderThan time.Time) (int64, error)
}

// PersistOutcome reports which of the two cart stores accepted a write. The
// mutation only fails when the primary write fails; a backup miss is
// tolerated and visible here instead of being swallowed.
type PersistOutcome struct {
	PrimaryOK bool
	BackupOK  bool
}

// CartManager keeps the dual-write cart state consistent: fast store
// authoritative for reads, durable backup synced best-effort on every
// mutation and used for recovery on a fast-store miss.
type CartManager struct {
	fast      FastCartStore
	backup    CartBackupStore
	taxRate   decimal.Decimal
	ttl       time.Duration
	retention time.Duration
	logger    *zap.Logger
}

// NewCartManager creates a cart manager. taxRate is a fraction ("0.1" for
// 10%); ttl bounds fast-store cart lifetime; retention bounds how long idle
// backup rows survive the reconciler.
func NewCartManager(fast FastCartStore, backup CartBackupStore, taxRate string, ttl, retention time.Duration) (*CartManager, error) {
	rate, err := decimal.NewFromString(taxRate)
	if err != nil {
		return nil, fmt.Errorf("invalid tax rate %q: %w", taxRate, err)
	}
	return &CartManager{
		fast:      fast,
		backup:    backup,
		taxRate:   rate,
		ttl:       ttl,
		retention: retention,
		logger:    util.GetLogger(),
	}, nil
}

// GetOrCreate returns the user's cart. Read path: fast store first; on miss
// the durable backup, repopulating the fast store when found; an empty cart
// when absent from both.
func (m *CartManager) GetOrCreate(ctx context.Context, tenantID, userID string) (*models.Cart, error) {
	payload, err := m.fast.GetCart(ctx, tenantID, userID)
	if err != nil {
		return nil, fmt.Errorf("cart fast-store read failed: %w", err)
	}
	if payload != nil {
		var cart models.Cart
		if err := json.Unmarshal(payload, &cart); err != nil {
			return nil, fmt.Errorf("cart payload corrupt: %w", err)
		}
		return &cart, nil
	}

	backup, err := m.backup.GetCartBackup(ctx, tenantID, userID)
	if err != nil {
		m.logger.Warn("Cart backup read failed, creating empty cart",
			zap.String("tenant_id", tenantID),
			zap.String("user_id", userID),
			zap.Error(err))
		backup = nil
	}
	if backup != nil {
		var cart models.Cart
		if err := json.Unmarshal(backup, &cart); err != nil {
			return nil, fmt.Errorf("cart backup payload corrupt: %w", err)
		}
		m.recompute(&cart)
		if err := m.writeFast(ctx, &cart); err != nil {
			return nil, err
		}
		util.CartRecoveriesTotal.Inc()
		m.logger.Info("Cart recovered from backup",
			zap.String("tenant_id", tenantID),
			zap.String("user_id", userID))
		return &cart, nil
	}

	return m.emptyCart(tenantID, userID), nil
}

// Mutate applies fn to the cart, recomputes totals, and persists both
// stores. A primary-store failure fails the call; a backup failure is
// logged, counted, and reported in the outcome only.
func (m *CartManager) Mutate(ctx context.Context, tenantID, userID string, fn func(*models.Cart) error) (*models.Cart, PersistOutcome, error) {
	cart, err := m.GetOrCreate(ctx, tenantID, userID)
	if err != nil {
		return nil, PersistOutcome{}, err
	}

	if err := fn(cart); err != nil {
		return nil, PersistOutcome{}, err
	}

	mergeLines(cart)
	for _, item := range cart.Items {
		if item.Quantity < 0 {
			return nil, PersistOutcome{}, validationError("negative quantity for product %s", item.ProductID)
		}
	}
	m.recompute(cart)

	outcome := PersistOutcome{}
	if err := m.writeFast(ctx, cart); err != nil {
		return nil, outcome, err
	}
	outcome.PrimaryOK = true

	payload, err := json.Marshal(cart)
	if err != nil {
		return nil, outcome, fmt.Errorf("cart marshal failed: %w", err)
	}
	if err := m.backup.UpsertCartBackup(ctx, tenantID, userID, payload); err != nil {
		util.CartBackupFailuresTotal.Inc()
		m.logger.Warn("Cart backup write failed, continuing",
			zap.String("tenant_id", tenantID),
			zap.String("user_id", userID),
			zap.Error(err))
	} else {
		outcome.BackupOK = true
	}

	return cart, outcome, nil
}

// AddItem merges an item line into the cart.
func (m *CartManager) AddItem(ctx context.Context, tenantID, userID string, item models.CartItem) (*models.Cart, PersistOutcome, error) {
	if item.Quantity <= 0 {
		return nil, PersistOutcome{}, validationError("quantity must be positive")
	}
	if item.ProductID == "" || item.SKU == "" {
		return nil, PersistOutcome{}, validationError("product id and sku are required")
	}
	return m.Mutate(ctx, tenantID, userID, func(cart *models.Cart) error {
		cart.Items = append(cart.Items, item)
		return nil
	})
}

// RemoveItem drops a product+sku line from the cart.
func (m *CartManager) RemoveItem(ctx context.Context, tenantID, userID, productID, sku string) (*models.Cart, PersistOutcome, error) {
	return m.Mutate(ctx, tenantID, userID, func(cart *models.Cart) error {
		kept := cart.Items[:0]
		for _, item := range cart.Items {
			if item.ProductID != productID || item.SKU != sku {
				kept = append(kept, item)
			}
		}
		cart.Items = kept
		return nil
	})
}

// Delete removes the cart from both stores.
func (m *CartManager) Delete(ctx context.Context, tenantID, userID string) error {
	if err := m.fast.DeleteCart(ctx, tenantID, userID); err != nil {
		return fmt.Errorf("cart fast-store delete failed: %w", err)
	}
	if err := m.backup.DeleteCartBackup(ctx, tenantID, userID); err != nil {
		util.CartBackupFailuresTotal.Inc()
		m.logger.Warn("Cart backup delete failed",
			zap.String("tenant_id", tenantID),
			zap.String("user_id", userID),
			zap.Error(err))
	}
	return nil
}

// Reconcile pushes fast-store carts into the durable backup, drops
// fast-store carts with no items, and purges backup rows idle past the
// retention window. Run periodically by the reconciliation worker.
func (m *CartManager) Reconcile(ctx context.Context) (pushed int, err error) {
	err = m.fast.ScanCartKeys(ctx, func(tenantID, userID string) error {
		payload, err := m.fast.GetCart(ctx, tenantID, userID)
		if err != nil || payload == nil {
			return nil
		}
		var cart models.Cart
		if err := json.Unmarshal(payload, &cart); err != nil {
			m.logger.Warn("Skipping corrupt cart during reconcile",
				zap.String("tenant_id", tenantID),
				zap.String("user_id", userID))
			return nil
		}
		if len(cart.Items) == 0 {
			return m.fast.DeleteCart(ctx, tenantID, userID)
		}
		if err := m.backup.UpsertCartBackup(ctx, tenantID, userID, payload); err != nil {
			util.CartBackupFailuresTotal.Inc()
			return nil
		}
		pushed++
		util.CartsReconciledTotal.Inc()
		return nil
	})
	if err != nil {
		return pushed, err
	}

	purged, err := m.backup.PurgeStaleCartBackups(ctx, time.Now().Add(-m.retention))
	if err != nil {
		return pushed, fmt.Errorf("backup purge failed: %w", err)
	}
	if purged > 0 {
		m.logger.Info("Purged stale cart backups", zap.Int64("count", purged))
	}
	return pushed, nil
}

func (m *CartManager) emptyCart(tenantID, userID string) *models.Cart {
	return &models.Cart{
		TenantID:  tenantID,
		UserID:    userID,
		Items:     []models.CartItem{},
		Subtotal:  decimal.Zero,
		Tax:       decimal.Zero,
		Total:     decimal.Zero,
		UpdatedAt: time.Now().UTC(),
	}
}

func (m *CartManager) writeFast(ctx context.Context, cart *models.Cart) error {
	payload, err := json.Marshal(cart)
	if err != nil {
		return fmt.Errorf("cart marshal failed: %w", err)
	}
	if err := m.fast.SetCart(ctx, cart.TenantID, cart.UserID, payload, m.ttl); err != nil {
		return fmt.Errorf("cart fast-store write failed: %w", err)
	}
	return nil
}

// recompute derives subtotal, tax, and total from the lines. Totals are
// derived state, so recomputing on every write keeps last-write-wins safe.
func (m *CartManager) recompute(cart *models.Cart) {
	subtotal := decimal.Zero
	for _, item := range cart.Items {
		subtotal = subtotal.Add(item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	cart.Subtotal = subtotal
	cart.Tax = subtotal.Mul(m.taxRate).Round(2)
	cart.Total = cart.Subtotal.Add(cart.Tax)
	cart.UpdatedAt = time.Now().UTC()
}

// mergeLines folds duplicate product+sku lines into one and drops lines
// whose quantity reached zero.
func mergeLines(cart *models.Cart) {
	type lineKey struct{ productID, sku string }

	merged := make([]models.CartItem, 0, len(cart.Items))
	index := make(map[lineKey]int, len(cart.Items))
	for _, item := range cart.Items {
		key := lineKey{item.ProductID, item.SKU}
		if i, ok := index[key]; ok {
			merged[i].Quantity += item.Quantity
			merged[i].UnitPrice = item.UnitPrice
			if item.Attributes != nil {
				merged[i].Attributes = item.Attributes
			}
			continue
		}
		index[key] = len(merged)
		merged = append(merged, item)
	}

	kept := merged[:0]
	for _, item := range merged {
		if item.Quantity != 0 {
			kept = append(kept, item)
		}
	}
	cart.Items = kept
}
