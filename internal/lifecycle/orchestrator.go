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

// Package lifecycle converges each tenant's actual process state to its
// desired run state: request-driven wake on the way up, explicit stops
// and the idle sweep on the way down.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hostbridge/hostbridge/internal/audit"
	"github.com/hostbridge/hostbridge/internal/observability/logger"
	"github.com/hostbridge/hostbridge/internal/supervisor"
	"github.com/hostbridge/hostbridge/internal/tenant"
)

// maxPortAttempts bounds how many fresh ports Start tries when spawns
// keep finding the chosen port occupied.
const maxPortAttempts = 5

// Orchestrator drives the per-tenant run-state machine. All transitions
// for one tenant are serialized behind a per-tenant lock; unrelated
// tenants never contend.
type Orchestrator struct {
	repo        tenant.Repository
	runner      supervisor.Runner
	ports       *PortAllocator
	auditLogger audit.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates an orchestrator.
func New(repo tenant.Repository, runner supervisor.Runner, ports *PortAllocator, auditLogger audit.Logger) *Orchestrator {
	return &Orchestrator{
		repo:        repo,
		runner:      runner,
		ports:       ports,
		auditLogger: auditLogger,
		locks:       make(map[string]*sync.Mutex),
	}
}

// Start brings a tenant's engine process up. Callers on the management
// path must have verified ownership first. Start recovers a tenant from
// the error state; Wake does not.
func (o *Orchestrator) Start(ctx context.Context, tenantID string) error {
	unlock := o.lock(tenantID)
	defer unlock()
	return o.startLocked(ctx, tenantID)
}

// Wake is the idempotent request-path variant of Start. It returns
// false instead of an error so the forwarder can fail fast. A tenant
// parked in the error state is not woken; only an explicit Start
// recovers it.
func (o *Orchestrator) Wake(ctx context.Context, tenantID string) bool {
	unlock := o.lock(tenantID)
	defer unlock()

	t, err := o.repo.GetByID(ctx, tenantID)
	if err != nil {
		return false
	}
	if t.State == tenant.StateError {
		return false
	}

	if err := o.startLocked(ctx, tenantID); err != nil {
		slog.WarnContext(ctx, "wake failed",
			logger.TenantID(tenantID),
			logger.Error(err),
		)
		return false
	}
	return true
}

// Stop brings a tenant's engine process down. A tenant that is already
// stopped, or whose process is gone, stops successfully: the job is to
// make reality match desired state, not to fail on redundant stops.
func (o *Orchestrator) Stop(ctx context.Context, tenantID string) error {
	unlock := o.lock(tenantID)
	defer unlock()

	if _, err := o.repo.GetByID(ctx, tenantID); err != nil {
		return err
	}

	if err := o.repo.UpdateState(ctx, tenantID, tenant.StateStopping, nil); err != nil {
		return fmt.Errorf("failed to persist stopping state: %w", err)
	}

	if err := o.runner.Terminate(ctx, tenantID); err != nil {
		if uerr := o.repo.UpdateState(ctx, tenantID, tenant.StateError, nil); uerr != nil {
			slog.ErrorContext(ctx, "failed to persist error state",
				logger.TenantID(tenantID),
				logger.Error(uerr),
			)
		}
		return fmt.Errorf("failed to terminate tenant %s: %w", tenantID, err)
	}

	if err := o.repo.UpdateState(ctx, tenantID, tenant.StateStopped, nil); err != nil {
		return fmt.Errorf("failed to persist stopped state: %w", err)
	}

	o.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeTenantStopped,
		TenantID: tenantID,
	})
	return nil
}

// SweepIdle stops running tenants whose last activity is older than the
// threshold and reports how many were stopped. It is the only
// spontaneous stop in the system; everything else is caller-initiated.
func (o *Orchestrator) SweepIdle(ctx context.Context, threshold time.Duration) int {
	idle, err := o.repo.ListIdleRunning(ctx, time.Now().Add(-threshold))
	if err != nil {
		slog.ErrorContext(ctx, "idle sweep query failed", logger.Error(err))
		return 0
	}

	swept := 0
	for _, t := range idle {
		if err := o.Stop(ctx, t.ID); err != nil {
			slog.WarnContext(ctx, "idle sweep failed to stop tenant",
				logger.TenantID(t.ID),
				logger.Error(err),
			)
			continue
		}
		swept++
		o.auditLogger.Log(ctx, audit.Event{
			Type:     audit.TypeIdleSwept,
			TenantID: t.ID,
			Metadata: map[string]any{"idle_threshold": threshold.String()},
		})
	}
	return swept
}

// startLocked converges one tenant to running. The caller holds the
// tenant's lock.
func (o *Orchestrator) startLocked(ctx context.Context, tenantID string) error {
	t, err := o.repo.GetByID(ctx, tenantID)
	if err != nil {
		return err
	}

	// If a process is already live this start has nothing to do beyond
	// reconciling the persisted state with reality.
	if status, serr := o.runner.Status(ctx, tenantID); serr == nil && status.Running {
		if t.State != tenant.StateRunning || t.Port == nil || *t.Port != status.Port {
			port := status.Port
			if uerr := o.repo.UpdateState(ctx, tenantID, tenant.StateRunning, &port); uerr != nil {
				return fmt.Errorf("failed to reconcile running state: %w", uerr)
			}
		}
		return nil
	}

	env := engineEnv(t)
	tried := make(map[int]bool)
	var lastErr error

	for attempt := 0; attempt < maxPortAttempts; attempt++ {
		port, aerr := o.ports.Allocate(ctx, tried)
		if aerr != nil {
			lastErr = aerr
			break
		}
		tried[port] = true

		if uerr := o.repo.UpdateState(ctx, tenantID, tenant.StateStarting, &port); uerr != nil {
			return fmt.Errorf("failed to persist starting state: %w", uerr)
		}

		serr := o.runner.Spawn(ctx, supervisor.SpawnSpec{TenantID: tenantID, Port: port, Env: env})
		switch {
		case serr == nil:
			if uerr := o.repo.UpdateState(ctx, tenantID, tenant.StateRunning, &port); uerr != nil {
				return fmt.Errorf("failed to persist running state: %w", uerr)
			}
			o.auditLogger.Log(ctx, audit.Event{
				Type:     audit.TypeTenantStarted,
				TenantID: tenantID,
				Metadata: map[string]any{"port": port},
			})
			return nil

		case errors.Is(serr, supervisor.ErrAlreadyRunning):
			// Someone started it between our status check and spawn.
			// Converge on the winner's result.
			if status, qerr := o.runner.Status(ctx, tenantID); qerr == nil && status.Running {
				p := status.Port
				if uerr := o.repo.UpdateState(ctx, tenantID, tenant.StateRunning, &p); uerr != nil {
					return fmt.Errorf("failed to reconcile running state: %w", uerr)
				}
				return nil
			}
			lastErr = serr

		case errors.Is(serr, supervisor.ErrPortInUse):
			// Stale occupant on the chosen port; retry with a fresh one.
			slog.InfoContext(ctx, "allocated port occupied, retrying",
				logger.TenantID(tenantID),
				logger.Port(port),
			)
			lastErr = serr

		default:
			if uerr := o.repo.UpdateState(ctx, tenantID, tenant.StateError, nil); uerr != nil {
				slog.ErrorContext(ctx, "failed to persist error state",
					logger.TenantID(tenantID),
					logger.Error(uerr),
				)
			}
			o.auditLogger.Log(ctx, audit.Event{
				Type:     audit.TypeTenantErrored,
				TenantID: tenantID,
				Metadata: map[string]any{"reason": serr.Error()},
			})
			return fmt.Errorf("failed to spawn tenant %s: %w", tenantID, serr)
		}
	}

	if uerr := o.repo.UpdateState(ctx, tenantID, tenant.StateError, nil); uerr != nil {
		slog.ErrorContext(ctx, "failed to persist error state",
			logger.TenantID(tenantID),
			logger.Error(uerr),
		)
	}
	return fmt.Errorf("failed to start tenant %s: %w", tenantID, lastErr)
}

// lock acquires the tenant's serialization mutex.
func (o *Orchestrator) lock(tenantID string) func() {
	o.mu.Lock()
	m, ok := o.locks[tenantID]
	if !ok {
		m = &sync.Mutex{}
		o.locks[tenantID] = m
	}
	o.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// engineEnv builds the environment handed to a freshly spawned engine
// so it can bootstrap its admin account.
func engineEnv(t *tenant.Tenant) map[string]string {
	return map[string]string{
		"HB_TENANT_ID":             t.ID,
		"HB_ENGINE_ADMIN_EMAIL":    t.EngineEmail,
		"HB_ENGINE_ADMIN_PASSWORD": t.EnginePassword,
	}
}
