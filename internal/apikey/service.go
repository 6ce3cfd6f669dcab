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

package apikey

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hostbridge/hostbridge/internal/audit"
	"github.com/hostbridge/hostbridge/internal/observability/logger"
)

// prefixLength is the number of leading token characters stored in the
// clear and used for lookup.
const prefixLength = 12

// Service provides admission control for presented credentials.
type Service struct {
	repo        Repository
	hasher      *SecretHasher
	auditLogger audit.Logger
	now         func() time.Time
}

// NewService creates a new api key service
func NewService(repo Repository, hasher *SecretHasher, auditLogger audit.Logger) *Service {
	return &Service{
		repo:        repo,
		hasher:      hasher,
		auditLogger: auditLogger,
		now:         time.Now,
	}
}

// Validate checks a presented plaintext token and returns the identity
// bound to it. The caller must still verify that Identity.TenantID
// matches the tenant the request is addressed to; a key for one tenant
// never admits a request routed to another.
func (s *Service) Validate(ctx context.Context, token string) (*Identity, error) {
	if len(token) < prefixLength {
		return nil, ErrKeyInvalid
	}

	key, err := s.repo.GetByPrefix(ctx, token[:prefixLength])
	if err != nil {
		return nil, ErrKeyNotFound
	}

	ok, err := s.hasher.Verify(token, key.SecretHash)
	if err != nil || !ok {
		return nil, ErrKeyInvalid
	}

	now := s.now()
	if key.ExpiresAt != nil && !now.Before(*key.ExpiresAt) {
		return nil, ErrKeyExpired
	}
	// A rotated-out key fails closed once its grace window has passed.
	if key.SupersededBy != nil && key.GraceDeadline != nil && !now.Before(*key.GraceDeadline) {
		return nil, ErrKeyExpired
	}

	// Last-used bookkeeping never blocks or fails the request path.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.repo.TouchLastUsed(ctx, key.ID, now); err != nil {
			slog.WarnContext(ctx, "failed to touch key last_used",
				logger.CredentialID(key.ID),
				logger.Error(err),
			)
		}
	}()

	return &Identity{
		TenantID:     key.TenantID,
		Scope:        key.Scope,
		CredentialID: key.ID,
	}, nil
}

// Mint creates a new key for a tenant and returns the stored record
// together with the plaintext token. The plaintext is not recoverable
// afterwards.
func (s *Service) Mint(ctx context.Context, tenantID, name string, scope Scope, expiresAt *time.Time) (*Key, string, error) {
	if tenantID == "" {
		return nil, "", fmt.Errorf("tenant id is required")
	}
	if scope != ScopeAdmin && scope != ScopeStandard {
		return nil, "", fmt.Errorf("invalid scope: %s", scope)
	}

	token, err := generateToken(scope)
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate token: %w", err)
	}

	hash, err := s.hasher.Hash(token)
	if err != nil {
		return nil, "", fmt.Errorf("failed to hash token: %w", err)
	}

	key := &Key{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		Name:       name,
		Prefix:     token[:prefixLength],
		SecretHash: hash,
		Scope:      scope,
		CreatedAt:  s.now(),
		ExpiresAt:  expiresAt,
	}

	if err := s.repo.Create(ctx, key); err != nil {
		return nil, "", fmt.Errorf("failed to store key: %w", err)
	}

	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeKeyMinted,
		TenantID: tenantID,
		Resource: key.Prefix,
		Metadata: map[string]any{"scope": string(scope), "key_id": key.ID},
	})

	return key, token, nil
}

// Rotate mints a replacement for an existing key and leaves the old one
// valid until the grace window closes.
func (s *Service) Rotate(ctx context.Context, keyID string, grace time.Duration) (*Key, string, error) {
	old, err := s.repo.GetByID(ctx, keyID)
	if err != nil {
		return nil, "", ErrKeyNotFound
	}
	if old.SupersededBy != nil {
		return nil, "", fmt.Errorf("key %s is already rotated", keyID)
	}

	replacement, token, err := s.Mint(ctx, old.TenantID, old.Name, old.Scope, old.ExpiresAt)
	if err != nil {
		return nil, "", err
	}

	deadline := s.now().Add(grace)
	if err := s.repo.MarkSuperseded(ctx, old.ID, replacement.ID, deadline); err != nil {
		return nil, "", fmt.Errorf("failed to supersede key: %w", err)
	}

	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeKeyRotated,
		TenantID: old.TenantID,
		Resource: old.Prefix,
		Metadata: map[string]any{"key_id": old.ID, "superseded_by": replacement.ID},
	})

	return replacement, token, nil
}

// Revoke deletes a key immediately.
func (s *Service) Revoke(ctx context.Context, keyID string) error {
	key, err := s.repo.GetByID(ctx, keyID)
	if err != nil {
		return ErrKeyNotFound
	}
	if err := s.repo.Delete(ctx, keyID); err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}

	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeKeyRevoked,
		TenantID: key.TenantID,
		Resource: key.Prefix,
		Metadata: map[string]any{"key_id": key.ID},
	})
	return nil
}

// ListByTenant returns all keys bound to a tenant.
func (s *Service) ListByTenant(ctx context.Context, tenantID string) ([]*Key, error) {
	return s.repo.ListByTenant(ctx, tenantID)
}

// generateToken produces a token of the form <scope>_<random>.
func generateToken(scope Scope) (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return scope.TokenPrefix() + "_" + base64.RawURLEncoding.EncodeToString(buf), nil
}
