package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/hostbridge/hostbridge/internal/usage"
)

// UsageRepository implements usage.Repository
type UsageRepository struct {
	db *DB
}

// NewUsageRepository creates a new usage repository
func NewUsageRepository(db *DB) *UsageRepository {
	return &UsageRepository{db: db}
}

// Insert stores one usage record
func (r *UsageRepository) Insert(ctx context.Context, rec *usage.Record) error {
	var credID *string
	if rec.CredentialID != "" {
		credID = &rec.CredentialID
	}

	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO usage_records (id, tenant_id, credential_id, method, path, status_code, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, rec.ID, rec.TenantID, credID, rec.Method, rec.Path, rec.StatusCode, rec.Duration.Milliseconds(), rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert usage record: %w", err)
	}
	return nil
}

// ListByTenant returns recent usage for a tenant
func (r *UsageRepository) ListByTenant(ctx context.Context, tenantID string, since time.Time, limit int) ([]*usage.Record, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT id, tenant_id, COALESCE(credential_id::text, ''), method, path, status_code, duration_ms, created_at
		FROM usage_records
		WHERE tenant_id = $1 AND created_at >= $2
		ORDER BY created_at DESC
		LIMIT $3
	`, tenantID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage records: %w", err)
	}
	defer rows.Close()

	var out []*usage.Record
	for rows.Next() {
		var rec usage.Record
		var durationMS int64
		if err := rows.Scan(&rec.ID, &rec.TenantID, &rec.CredentialID, &rec.Method, &rec.Path, &rec.StatusCode, &durationMS, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// DeleteOlderThan prunes aged usage records
func (r *UsageRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.pool.Exec(ctx, `DELETE FROM usage_records WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune usage records: %w", err)
	}
	return result.RowsAffected(), nil
}
