package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/hostbridge/hostbridge/internal/apikey"
)

// APIKeyRepository implements apikey.Repository
type APIKeyRepository struct {
	db *DB
}

// NewAPIKeyRepository creates a new api key repository
func NewAPIKeyRepository(db *DB) *APIKeyRepository {
	return &APIKeyRepository{db: db}
}

const keyColumns = `id, tenant_id, name, prefix, secret_hash, scope, created_at,
	last_used_at, expires_at, superseded_by, grace_deadline`

// Create inserts a key record
func (r *APIKeyRepository) Create(ctx context.Context, k *apikey.Key) error {
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO api_keys (id, tenant_id, name, prefix, secret_hash, scope, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, k.ID, k.TenantID, k.Name, k.Prefix, k.SecretHash, k.Scope, k.CreatedAt, k.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to create api key: %w", err)
	}
	return nil
}

// GetByID retrieves a key by id
func (r *APIKeyRepository) GetByID(ctx context.Context, id string) (*apikey.Key, error) {
	row := r.db.pool.QueryRow(ctx, `SELECT `+keyColumns+` FROM api_keys WHERE id = $1`, id)
	return scanKey(row)
}

// GetByPrefix retrieves the single key for a prefix, preferring the
// active one when a rotated-out sibling still lingers in its grace
// window.
func (r *APIKeyRepository) GetByPrefix(ctx context.Context, prefix string) (*apikey.Key, error) {
	row := r.db.pool.QueryRow(ctx, `
		SELECT `+keyColumns+` FROM api_keys
		WHERE prefix = $1
		ORDER BY (superseded_by IS NULL) DESC, created_at DESC
		LIMIT 1
	`, prefix)
	return scanKey(row)
}

// ListByTenant returns all keys of a tenant
func (r *APIKeyRepository) ListByTenant(ctx context.Context, tenantID string) ([]*apikey.Key, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT `+keyColumns+` FROM api_keys WHERE tenant_id = $1 ORDER BY created_at
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	defer rows.Close()

	var out []*apikey.Key
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// TouchLastUsed updates the last-used timestamp
func (r *APIKeyRepository) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.pool.Exec(ctx, `
		UPDATE api_keys SET last_used_at = $2 WHERE id = $1 AND (last_used_at IS NULL OR last_used_at < $2)
	`, id, at)
	if err != nil {
		return fmt.Errorf("failed to touch api key: %w", err)
	}
	return nil
}

// MarkSuperseded records a rotation with its grace deadline
func (r *APIKeyRepository) MarkSuperseded(ctx context.Context, id, supersededBy string, graceDeadline time.Time) error {
	result, err := r.db.pool.Exec(ctx, `
		UPDATE api_keys SET superseded_by = $2, grace_deadline = $3 WHERE id = $1
	`, id, supersededBy, graceDeadline)
	if err != nil {
		return fmt.Errorf("failed to mark api key superseded: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apikey.ErrKeyNotFound
	}
	return nil
}

// Delete removes a key
func (r *APIKeyRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.pool.Exec(ctx, `DELETE FROM api_keys WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete api key: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apikey.ErrKeyNotFound
	}
	return nil
}

func scanKey(row pgx.Row) (*apikey.Key, error) {
	var k apikey.Key
	err := row.Scan(
		&k.ID, &k.TenantID, &k.Name, &k.Prefix, &k.SecretHash, &k.Scope,
		&k.CreatedAt, &k.LastUsedAt, &k.ExpiresAt, &k.SupersededBy, &k.GraceDeadline,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apikey.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan api key: %w", err)
	}
	return &k, nil
}
