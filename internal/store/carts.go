package store

import (
	"context"
	"database/sql"
	"time"
)

// Cart durable backup. The fast store is authoritative; these rows exist so
// a cart survives a cache wipe. Payload is the JSON-encoded cart.

// UpsertCartBackup writes or refreshes the backup row for a cart.
func (s *Store) UpsertCartBackup(ctx context.Context, tenantID, userID string, payload []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cart_backups (tenant_id, user_id, payload, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (tenant_id, user_id)
		DO UPDATE SET payload = EXCLUDED.payload, updated_at = NOW()`,
		tenantID, userID, payload)
	return err
}

// GetCartBackup returns the backup payload, or nil when absent.
func (s *Store) GetCartBackup(ctx context.Context, tenantID, userID string) ([]byte, error) {
	var payload []byte
	err := s.db.GetContext(ctx, &payload,
		"SELECT payload FROM cart_backups WHERE tenant_id = $1 AND user_id = $2",
		tenantID, userID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// DeleteCartBackup removes the backup row.
func (s *Store) DeleteCartBackup(ctx context.Context, tenantID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM cart_backups WHERE tenant_id = $1 AND user_id = $2",
		tenantID, userID)
	return err
}

// PurgeStaleCartBackups removes rows untouched for longer than the retention
// window. Returns the number of rows removed.
func (s *Store) PurgeStaleCartBackups(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM cart_backups WHERE updated_at < $1", olderThan)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
