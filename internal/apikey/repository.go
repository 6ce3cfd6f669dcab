package apikey

import (
	"context"
	"errors"
	"time"
)

var (
	ErrKeyNotFound = errors.New("api key not found")
	ErrKeyInvalid  = errors.New("api key invalid")
	ErrKeyExpired  = errors.New("api key expired")
)

// Repository defines the interface for api key storage
type Repository interface {
	Create(ctx context.Context, key *Key) error
	GetByID(ctx context.Context, id string) (*Key, error)
	// GetByPrefix returns the single active key carrying the prefix.
	// Storage guarantees at most one non-expired key per prefix.
	GetByPrefix(ctx context.Context, prefix string) (*Key, error)
	ListByTenant(ctx context.Context, tenantID string) ([]*Key, error)
	TouchLastUsed(ctx context.Context, id string, at time.Time) error
	MarkSuperseded(ctx context.Context, id, supersededBy string, graceDeadline time.Time) error
	Delete(ctx context.Context, id string) error
}
