package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/hostbridge/hostbridge/internal/tenant"
)

// TenantRepository implements tenant.Repository
type TenantRepository struct {
	db *DB
}

// NewTenantRepository creates a new tenant repository
func NewTenantRepository(db *DB) *TenantRepository {
	return &TenantRepository{db: db}
}

const tenantColumns = `id, routing_key, name, owner_id, state, port, engine_email, engine_password,
	created_at, updated_at, last_started_at, last_stopped_at, last_activity_at`

// Create inserts a tenant record
func (r *TenantRepository) Create(ctx context.Context, t *tenant.Tenant) error {
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO tenants (id, routing_key, name, owner_id, state, port, engine_email, engine_password, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, t.ID, t.RoutingKey, t.Name, t.OwnerID, t.State, t.Port, t.EngineEmail, t.EnginePassword, t.CreatedAt, t.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to create tenant: %w", err)
	}
	return nil
}

// GetByID retrieves a tenant by id
func (r *TenantRepository) GetByID(ctx context.Context, id string) (*tenant.Tenant, error) {
	row := r.db.pool.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id)
	return scanTenant(row)
}

// GetByRoutingKey retrieves a tenant by its routing key
func (r *TenantRepository) GetByRoutingKey(ctx context.Context, key string) (*tenant.Tenant, error) {
	row := r.db.pool.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE routing_key = $1`, key)
	return scanTenant(row)
}

// Update persists the mutable tenant fields
func (r *TenantRepository) Update(ctx context.Context, t *tenant.Tenant) error {
	result, err := r.db.pool.Exec(ctx, `
		UPDATE tenants
		SET name = $2, state = $3, port = $4, updated_at = now()
		WHERE id = $1
	`, t.ID, t.Name, t.State, t.Port)
	if err != nil {
		return fmt.Errorf("failed to update tenant: %w", err)
	}
	if result.RowsAffected() == 0 {
		return tenant.ErrTenantNotFound
	}
	return nil
}

// UpdateState persists a run-state transition. The lifecycle timestamps
// are maintained here so callers cannot forget them: reaching running
// stamps last_started_at, reaching stopped stamps last_stopped_at.
func (r *TenantRepository) UpdateState(ctx context.Context, id string, state tenant.State, port *int) error {
	result, err := r.db.pool.Exec(ctx, `
		UPDATE tenants
		SET state = $2,
		    port = $3,
		    updated_at = now(),
		    last_started_at = CASE WHEN $2 = 'running' THEN now() ELSE last_started_at END,
		    last_stopped_at = CASE WHEN $2 = 'stopped' THEN now() ELSE last_stopped_at END
		WHERE id = $1
	`, id, state, port)
	if err != nil {
		return fmt.Errorf("failed to update tenant state: %w", err)
	}
	if result.RowsAffected() == 0 {
		return tenant.ErrTenantNotFound
	}
	return nil
}

// TouchActivity records last activity for the idle sweep
func (r *TenantRepository) TouchActivity(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.pool.Exec(ctx, `
		UPDATE tenants SET last_activity_at = $2 WHERE id = $1 AND (last_activity_at IS NULL OR last_activity_at < $2)
	`, id, at)
	if err != nil {
		return fmt.Errorf("failed to touch tenant activity: %w", err)
	}
	return nil
}

// Delete removes a tenant; api keys and usage records cascade
func (r *TenantRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.pool.Exec(ctx, `DELETE FROM tenants WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete tenant: %w", err)
	}
	if result.RowsAffected() == 0 {
		return tenant.ErrTenantNotFound
	}
	return nil
}

// ListByOwner returns one owner's tenants ordered by creation time.
// Filtering happens in the query so pagination counts only rows the
// caller can see.
func (r *TenantRepository) ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]*tenant.Tenant, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT `+tenantColumns+` FROM tenants WHERE owner_id = $1 ORDER BY created_at LIMIT $2 OFFSET $3
	`, ownerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()
	return scanTenants(rows)
}

// ListIdleRunning returns running tenants whose last activity predates
// the cutoff. Tenants that never saw traffic fall back to the start
// timestamp so a woken-but-unused tenant still gets swept.
func (r *TenantRepository) ListIdleRunning(ctx context.Context, idleBefore time.Time) ([]*tenant.Tenant, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT `+tenantColumns+` FROM tenants
		WHERE state = 'running'
		  AND COALESCE(last_activity_at, last_started_at, created_at) < $1
	`, idleBefore)
	if err != nil {
		return nil, fmt.Errorf("failed to list idle tenants: %w", err)
	}
	defer rows.Close()
	return scanTenants(rows)
}

// ListActivePorts returns ports bound by starting or running tenants
func (r *TenantRepository) ListActivePorts(ctx context.Context) ([]int, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT port FROM tenants WHERE port IS NOT NULL AND state IN ('starting', 'running')
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active ports: %w", err)
	}
	defer rows.Close()

	var ports []int
	for rows.Next() {
		var p int
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("failed to scan port: %w", err)
		}
		ports = append(ports, p)
	}
	return ports, rows.Err()
}

func scanTenant(row pgx.Row) (*tenant.Tenant, error) {
	var t tenant.Tenant
	err := row.Scan(
		&t.ID, &t.RoutingKey, &t.Name, &t.OwnerID, &t.State, &t.Port,
		&t.EngineEmail, &t.EnginePassword,
		&t.CreatedAt, &t.UpdatedAt, &t.LastStartedAt, &t.LastStoppedAt, &t.LastActivityAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, tenant.ErrTenantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan tenant: %w", err)
	}
	return &t, nil
}

func scanTenants(rows pgx.Rows) ([]*tenant.Tenant, error) {
	var out []*tenant.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
