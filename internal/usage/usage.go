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

// Package usage records per-request usage for billing and dashboards.
// Recording is fire-and-forget; a lost record never fails a request.
package usage

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hostbridge/hostbridge/internal/observability/logger"
)

// Record is one proxied request.
type Record struct {
	ID           string        `json:"id"`
	TenantID     string        `json:"tenant_id"`
	CredentialID string        `json:"credential_id,omitempty"`
	Method       string        `json:"method"`
	Path         string        `json:"path"`
	StatusCode   int           `json:"status_code"`
	Duration     time.Duration `json:"duration"`
	CreatedAt    time.Time     `json:"created_at"`
}

// Repository defines the interface for usage storage
type Repository interface {
	Insert(ctx context.Context, rec *Record) error
	ListByTenant(ctx context.Context, tenantID string, since time.Time, limit int) ([]*Record, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Recorder writes usage records asynchronously.
type Recorder struct {
	repo Repository
}

// NewRecorder creates a usage recorder.
func NewRecorder(repo Repository) *Recorder {
	return &Recorder{repo: repo}
}

// Record dispatches one usage record without blocking the caller.
func (r *Recorder) Record(rec Record) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.repo.Insert(ctx, &rec); err != nil {
			slog.WarnContext(ctx, "failed to insert usage record",
				logger.TenantID(rec.TenantID),
				logger.Error(err),
			)
		}
	}()
}
