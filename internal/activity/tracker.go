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

// Package activity maintains the debounced per-tenant last-activity
// timestamp that feeds idle-pause decisions.
package activity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hostbridge/hostbridge/internal/observability/logger"
	"github.com/hostbridge/hostbridge/internal/tenant"
)

// Tracker coalesces activity touches so that a busy tenant produces at
// most one store write per debounce interval. Touch is fire-and-forget:
// persistence failures are logged and never surface to the request path.
type Tracker struct {
	repo     tenant.Repository
	debounce time.Duration

	mu       sync.Mutex
	lastSent map[string]time.Time
	now      func() time.Time
}

// NewTracker creates a tracker with the given debounce interval.
func NewTracker(repo tenant.Repository, debounce time.Duration) *Tracker {
	return &Tracker{
		repo:     repo,
		debounce: debounce,
		lastSent: make(map[string]time.Time),
		now:      time.Now,
	}
}

// Touch records activity for a tenant. The write is skipped while a
// previous write is still fresh.
func (t *Tracker) Touch(tenantID string) {
	now := t.now()

	t.mu.Lock()
	if last, ok := t.lastSent[tenantID]; ok && now.Sub(last) < t.debounce {
		t.mu.Unlock()
		return
	}
	t.lastSent[tenantID] = now
	t.mu.Unlock()

	go t.persist(tenantID, now)
}

// Flush forces pending bookkeeping to be dropped; called on shutdown so
// a restarted gateway starts from store state.
func (t *Tracker) Flush() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSent = make(map[string]time.Time)
}

func (t *Tracker) persist(tenantID string, at time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := t.repo.TouchActivity(ctx, tenantID, at); err != nil {
		slog.WarnContext(ctx, "failed to persist tenant activity",
			logger.TenantID(tenantID),
			logger.Error(err),
		)
		// Drop the debounce mark so the next touch retries the write.
		t.mu.Lock()
		if t.lastSent[tenantID].Equal(at) {
			delete(t.lastSent, tenantID)
		}
		t.mu.Unlock()
	}
}
