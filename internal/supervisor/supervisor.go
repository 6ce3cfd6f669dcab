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

// Package supervisor owns the set of live per-tenant engine processes
// on one compute host. It enforces the single-handle-per-tenant
// invariant and proxies HTTP traffic to a tenant's local port. Restart
// policy is not its concern; a crashed process stays down until the
// orchestrator's wake path asks for it again.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hostbridge/hostbridge/internal/observability/logger"
)

var (
	ErrAlreadyRunning = errors.New("tenant process already running")
	ErrNotRunning     = errors.New("tenant process not running")
	ErrPortInUse      = errors.New("port already in use")
)

// Status reports the observed state of a tenant's process.
type Status struct {
	Running   bool      `json:"running"`
	Port      int       `json:"port,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
}

// SpawnSpec describes one process to start.
type SpawnSpec struct {
	TenantID string            `json:"tenant_id"`
	Port     int               `json:"port"`
	Env      map[string]string `json:"env,omitempty"`
}

// Runner is the supervisor contract consumed by the orchestrator and
// the gateway forwarder. Supervisor implements it in-process;
// Client implements it over the management protocol for split
// deployments.
type Runner interface {
	Spawn(ctx context.Context, spec SpawnSpec) error
	Terminate(ctx context.Context, tenantID string) error
	Status(ctx context.Context, tenantID string) (Status, error)
	Forward(ctx context.Context, tenantID string, r *http.Request) (*http.Response, error)
}

// handle is the in-memory record of one live process.
type handle struct {
	tenantID  string
	cmd       *exec.Cmd
	port      int
	startedAt time.Time
	done      chan struct{}
}

// Config holds supervisor process settings.
type Config struct {
	// EngineCommand is the engine invocation. Occurrences of {tenant},
	// {port} and {dir} are substituted per spawn.
	EngineCommand []string
	// DataRoot is the parent directory for per-tenant engine data.
	DataRoot string
	// StopGrace bounds how long Terminate waits between the graceful
	// signal and the kill.
	StopGrace time.Duration
}

// Supervisor maintains the process-handle map for one host.
type Supervisor struct {
	cfg Config

	mu      sync.Mutex
	handles map[string]*handle

	client *http.Client
}

// New creates a supervisor with an empty handle map.
func New(cfg Config) *Supervisor {
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 10 * time.Second
	}
	return &Supervisor{
		cfg:     cfg,
		handles: make(map[string]*handle),
		client: &http.Client{
			// Redirects from the engine are passed back to the caller
			// untouched rather than followed by the gateway.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Spawn starts the engine process for a tenant. It is rejected while a
// handle exists, which is what serializes racing wake calls: exactly
// one spawn wins and the losers see ErrAlreadyRunning.
func (s *Supervisor) Spawn(ctx context.Context, spec SpawnSpec) error {
	if spec.TenantID == "" {
		return fmt.Errorf("tenant id is required")
	}
	if spec.Port <= 0 {
		return fmt.Errorf("invalid port %d", spec.Port)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.handles[spec.TenantID]; exists {
		return ErrAlreadyRunning
	}

	// A stale process from a previous tenant or an unrelated service
	// may still hold the port. Probing here lets the orchestrator
	// retry with a fresh port instead of spawning a doomed process.
	if err := probePort(spec.Port); err != nil {
		return fmt.Errorf("%w: %d", ErrPortInUse, spec.Port)
	}

	cmd, err := s.buildCommand(spec)
	if err != nil {
		return err
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start engine for tenant %s: %w", spec.TenantID, err)
	}

	h := &handle{
		tenantID:  spec.TenantID,
		cmd:       cmd,
		port:      spec.Port,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	s.handles[spec.TenantID] = h

	go s.reap(h)

	slog.InfoContext(ctx, "engine process started",
		logger.TenantID(spec.TenantID),
		logger.Port(spec.Port),
		slog.Int("pid", cmd.Process.Pid),
	)
	return nil
}

// Terminate stops a tenant's process: graceful signal first, kill after
// the grace period. Terminating an absent handle is a no-op.
func (s *Supervisor) Terminate(ctx context.Context, tenantID string) error {
	s.mu.Lock()
	h, exists := s.handles[tenantID]
	s.mu.Unlock()
	if !exists {
		return nil
	}

	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Process already gone; the reaper removes the handle.
		return nil
	}

	select {
	case <-h.done:
	case <-time.After(s.cfg.StopGrace):
		slog.WarnContext(ctx, "engine ignored graceful stop, killing",
			logger.TenantID(tenantID),
			slog.Int("pid", h.cmd.Process.Pid),
		)
		_ = h.cmd.Process.Kill()
		<-h.done
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Status reports whether a tenant has a live handle.
func (s *Supervisor) Status(ctx context.Context, tenantID string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, exists := s.handles[tenantID]
	if !exists {
		return Status{Running: false}, nil
	}
	return Status{Running: true, Port: h.port, StartedAt: h.startedAt}, nil
}

// Shutdown terminates every live process; used when the host drains.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.handles))
	for id := range s.handles {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.Terminate(ctx, id); err != nil {
			slog.WarnContext(ctx, "failed to terminate engine during shutdown",
				logger.TenantID(id),
				logger.Error(err),
			)
		}
	}
}

// reap waits for process exit and removes the handle. Every exit path
// funnels through here, so the handle map never holds a dead process.
func (s *Supervisor) reap(h *handle) {
	err := h.cmd.Wait()

	s.mu.Lock()
	// Only remove our own handle; a replacement may already be spawned
	// after Terminate returned.
	if cur, ok := s.handles[h.tenantID]; ok && cur == h {
		delete(s.handles, h.tenantID)
	}
	s.mu.Unlock()
	close(h.done)

	slog.Info("engine process exited",
		logger.TenantID(h.tenantID),
		logger.Port(h.port),
		logger.Duration(time.Since(h.startedAt).Milliseconds()),
		logger.Error(err),
	)
}

func (s *Supervisor) buildCommand(spec SpawnSpec) (*exec.Cmd, error) {
	if len(s.cfg.EngineCommand) == 0 {
		return nil, fmt.Errorf("engine command is not configured")
	}

	replacer := strings.NewReplacer(
		"{tenant}", spec.TenantID,
		"{port}", strconv.Itoa(spec.Port),
		"{dir}", s.cfg.DataRoot+"/"+spec.TenantID,
	)

	args := make([]string, len(s.cfg.EngineCommand))
	for i, a := range s.cfg.EngineCommand {
		args[i] = replacer.Replace(a)
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	return cmd, nil
}

// probePort reports an error when the port cannot be bound locally.
func probePort(port int) error {
	l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return err
	}
	return l.Close()
}
