package apikey

import (
	"time"
)

// Scope determines which routes a credential may reach.
type Scope string

const (
	// ScopeAdmin may reach engine collection-management routes in
	// addition to data routes. Admin traffic is not subject to the
	// per-key sliding window.
	ScopeAdmin Scope = "admin"
	// ScopeStandard is restricted to data routes and rate limited.
	ScopeStandard Scope = "standard"
)

// TokenPrefix returns the plaintext token prefix for the scope.
func (s Scope) TokenPrefix() string {
	if s == ScopeAdmin {
		return "adm"
	}
	return "std"
}

// Key is a stored admission credential bound to exactly one tenant.
// The plaintext secret is only available at mint time; storage holds
// the argon2id hash plus a displayable prefix used for lookup.
type Key struct {
	ID            string     `json:"id"`
	TenantID      string     `json:"tenant_id"`
	Name          string     `json:"name"`
	Prefix        string     `json:"prefix"`
	SecretHash    string     `json:"-"`
	Scope         Scope      `json:"scope"`
	CreatedAt     time.Time  `json:"created_at"`
	LastUsedAt    *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	SupersededBy  *string    `json:"superseded_by,omitempty"`
	GraceDeadline *time.Time `json:"grace_deadline,omitempty"`
}

// Identity is the result of a successful validation.
type Identity struct {
	TenantID     string
	Scope        Scope
	CredentialID string
}
