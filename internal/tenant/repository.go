package tenant

import (
	"context"
	"errors"
	"time"
)

var (
	ErrTenantNotFound  = errors.New("tenant not found")
	ErrRoutingKeyTaken = errors.New("routing key already in use")
)

// Repository defines the interface for tenant storage
type Repository interface {
	Create(ctx context.Context, tenant *Tenant) error
	GetByID(ctx context.Context, id string) (*Tenant, error)
	GetByRoutingKey(ctx context.Context, key string) (*Tenant, error)
	Update(ctx context.Context, tenant *Tenant) error
	UpdateState(ctx context.Context, id string, state State, port *int) error
	TouchActivity(ctx context.Context, id string, at time.Time) error
	Delete(ctx context.Context, id string) error
	ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]*Tenant, error)
	ListIdleRunning(ctx context.Context, idleBefore time.Time) ([]*Tenant, error)
	// ListActivePorts returns ports bound by tenants in starting or
	// running state, for conflict-free allocation.
	ListActivePorts(ctx context.Context) ([]int, error)
}
