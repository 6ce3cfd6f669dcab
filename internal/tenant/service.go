// Copyright 2026 The HostBridge Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tenant

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/hostbridge/hostbridge/internal/audit"
)

var routingKeyPattern = regexp.MustCompile(`^[a-z0-9](?:[a-z0-9-]{1,61}[a-z0-9])?$`)

// Service provides tenant management business logic
type Service struct {
	repo        Repository
	auditLogger audit.Logger
}

// NewService creates a new tenant service
func NewService(repo Repository, auditLogger audit.Logger) *Service {
	return &Service{
		repo:        repo,
		auditLogger: auditLogger,
	}
}

// CreateTenant provisions a new tenant record in the stopped state.
// The engine admin credential pair is generated here and handed to the
// engine process on first start.
func (s *Service) CreateTenant(ctx context.Context, ownerID, name, routingKey string) (*Tenant, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("owner id is required")
	}
	if name == "" {
		return nil, fmt.Errorf("tenant name is required")
	}
	if !routingKeyPattern.MatchString(routingKey) {
		return nil, fmt.Errorf("invalid routing key %q", routingKey)
	}

	if _, err := s.repo.GetByRoutingKey(ctx, routingKey); err == nil {
		return nil, ErrRoutingKeyTaken
	}

	password, err := randomSecret(24)
	if err != nil {
		return nil, fmt.Errorf("failed to generate engine password: %w", err)
	}

	now := time.Now()
	t := &Tenant{
		ID:             uuid.NewString(),
		RoutingKey:     routingKey,
		Name:           name,
		OwnerID:        ownerID,
		State:          StateStopped,
		EngineEmail:    fmt.Sprintf("admin@%s.internal", routingKey),
		EnginePassword: password,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.repo.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to create tenant: %w", err)
	}

	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeTenantCreated,
		TenantID: t.ID,
		ActorID:  ownerID,
		Resource: routingKey,
	})

	return t, nil
}

// GetTenant retrieves a tenant by ID
func (s *Service) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	return s.repo.GetByID(ctx, id)
}

// ResolveRoutingKey retrieves a tenant by its routing key (subdomain).
func (s *Service) ResolveRoutingKey(ctx context.Context, key string) (*Tenant, error) {
	return s.repo.GetByRoutingKey(ctx, key)
}

// ListTenants lists one owner's tenants with pagination
func (s *Service) ListTenants(ctx context.Context, ownerID string, limit, offset int) ([]*Tenant, error) {
	return s.repo.ListByOwner(ctx, ownerID, limit, offset)
}

// DeleteTenant removes a tenant record. API keys and usage records
// referencing it are removed by the store's cascade rules.
func (s *Service) DeleteTenant(ctx context.Context, actorID, id string) error {
	t, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if t.State.Active() {
		return fmt.Errorf("tenant %s is %s; stop it before deleting", id, t.State)
	}

	if err := s.repo.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete tenant: %w", err)
	}

	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeTenantDeleted,
		TenantID: id,
		ActorID:  actorID,
		Resource: t.RoutingKey,
	})

	return nil
}

func randomSecret(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
