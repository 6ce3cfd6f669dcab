package lifecycle

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostbridge/hostbridge/internal/audit"
	"github.com/hostbridge/hostbridge/internal/supervisor"
	"github.com/hostbridge/hostbridge/internal/tenant"
)

// memRepo is an in-memory tenant.Repository.
type memRepo struct {
	mu      sync.Mutex
	tenants map[string]*tenant.Tenant
}

func newMemRepo(tenants ...*tenant.Tenant) *memRepo {
	r := &memRepo{tenants: make(map[string]*tenant.Tenant)}
	for _, t := range tenants {
		cp := *t
		r.tenants[t.ID] = &cp
	}
	return r
}

func (r *memRepo) Create(ctx context.Context, t *tenant.Tenant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tenants[t.ID] = t
	return nil
}

func (r *memRepo) GetByID(ctx context.Context, id string) (*tenant.Tenant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tenants[id]
	if !ok {
		return nil, tenant.ErrTenantNotFound
	}
	cp := *t
	return &cp, nil
}

func (r *memRepo) GetByRoutingKey(ctx context.Context, key string) (*tenant.Tenant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tenants {
		if t.RoutingKey == key {
			cp := *t
			return &cp, nil
		}
	}
	return nil, tenant.ErrTenantNotFound
}

func (r *memRepo) Update(ctx context.Context, t *tenant.Tenant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tenants[t.ID] = t
	return nil
}

func (r *memRepo) UpdateState(ctx context.Context, id string, state tenant.State, port *int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tenants[id]
	if !ok {
		return tenant.ErrTenantNotFound
	}
	now := time.Now()
	t.State = state
	t.Port = port
	switch state {
	case tenant.StateRunning:
		t.LastStartedAt = &now
	case tenant.StateStopped:
		t.LastStoppedAt = &now
	}
	return nil
}

func (r *memRepo) TouchActivity(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tenants[id]; ok {
		t.LastActivityAt = &at
	}
	return nil
}

func (r *memRepo) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tenants, id)
	return nil
}

func (r *memRepo) ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]*tenant.Tenant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*tenant.Tenant, 0, len(r.tenants))
	for _, t := range r.tenants {
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (r *memRepo) ListIdleRunning(ctx context.Context, before time.Time) ([]*tenant.Tenant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*tenant.Tenant
	for _, t := range r.tenants {
		if t.State == tenant.StateRunning && t.LastActivityAt != nil && t.LastActivityAt.Before(before) {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memRepo) ListActivePorts(ctx context.Context) ([]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int
	for _, t := range r.tenants {
		if t.State.Active() && t.Port != nil {
			out = append(out, *t.Port)
		}
	}
	return out, nil
}

func (r *memRepo) state(id string) tenant.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tenants[id].State
}

// memRunner is an in-memory supervisor.Runner enforcing the
// one-handle-per-tenant invariant like the real supervisor.
type memRunner struct {
	mu         sync.Mutex
	running    map[string]int
	spawnCalls int
	stopCalls  int
	occupied   map[int]bool
	spawnErr   error
}

func newMemRunner() *memRunner {
	return &memRunner{running: make(map[string]int), occupied: make(map[int]bool)}
}

func (m *memRunner) Spawn(ctx context.Context, spec supervisor.SpawnSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spawnCalls++
	if m.spawnErr != nil {
		return m.spawnErr
	}
	if _, ok := m.running[spec.TenantID]; ok {
		return supervisor.ErrAlreadyRunning
	}
	if m.occupied[spec.Port] {
		return supervisor.ErrPortInUse
	}
	m.running[spec.TenantID] = spec.Port
	return nil
}

func (m *memRunner) Terminate(ctx context.Context, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopCalls++
	delete(m.running, tenantID)
	return nil
}

func (m *memRunner) Status(ctx context.Context, tenantID string) (supervisor.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	port, ok := m.running[tenantID]
	return supervisor.Status{Running: ok, Port: port}, nil
}

func (m *memRunner) Forward(ctx context.Context, tenantID string, r *http.Request) (*http.Response, error) {
	return nil, supervisor.ErrNotRunning
}

func newOrchestrator(t *testing.T, repo *memRepo, runner supervisor.Runner) *Orchestrator {
	t.Helper()
	ports, err := NewPortAllocator(repo, 8100, 8110)
	require.NoError(t, err)
	return New(repo, runner, ports, audit.NewSlogLogger())
}

func stoppedTenant(id string) *tenant.Tenant {
	return &tenant.Tenant{
		ID:         id,
		RoutingKey: id,
		State:      tenant.StateStopped,
	}
}

// TestPurpose: Validates the stopped → starting → running transition
// with a conflict-free port.
// Scope: Unit Test
// Test Case ID: LC-01
func TestOrchestrator_Start(t *testing.T) {
	repo := newMemRepo(stoppedTenant("t1"))
	runner := newMemRunner()
	o := newOrchestrator(t, repo, runner)

	require.NoError(t, o.Start(context.Background(), "t1"))

	got, err := repo.GetByID(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, tenant.StateRunning, got.State)
	require.NotNil(t, got.Port)
	assert.Equal(t, 8100, *got.Port)
	assert.NotNil(t, got.LastStartedAt)
}

// TestPurpose: Validates that port allocation skips ports held by other
// tenants and retries past ports a stale process occupies.
// Scope: Unit Test
// Test Case ID: LC-02
func TestOrchestrator_StartRetriesOccupiedPort(t *testing.T) {
	other := stoppedTenant("t2")
	other.State = tenant.StateRunning
	p := 8100
	other.Port = &p

	repo := newMemRepo(stoppedTenant("t1"), other)
	runner := newMemRunner()
	runner.occupied[8101] = true // stale occupant unknown to the store
	o := newOrchestrator(t, repo, runner)

	require.NoError(t, o.Start(context.Background(), "t1"))

	got, _ := repo.GetByID(context.Background(), "t1")
	require.NotNil(t, got.Port)
	assert.Equal(t, 8102, *got.Port, "8100 held by t2, 8101 occupied")
}

// TestPurpose: Validates that concurrent wakes spawn exactly one
// process and every caller observes success.
// Scope: Unit Test (race)
// Test Case ID: LC-03
func TestOrchestrator_ConcurrentWakeSingleSpawn(t *testing.T) {
	repo := newMemRepo(stoppedTenant("t1"))
	runner := newMemRunner()
	o := newOrchestrator(t, repo, runner)

	const n = 20
	var wg sync.WaitGroup
	results := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = o.Wake(context.Background(), "t1")
		}(i)
	}
	wg.Wait()

	for i, ok := range results {
		assert.True(t, ok, "wake %d must observe the winner's result", i)
	}

	runner.mu.Lock()
	assert.Len(t, runner.running, 1)
	runner.mu.Unlock()
	assert.Equal(t, tenant.StateRunning, repo.state("t1"))
}

// TestPurpose: Validates that waking an already-running tenant is a
// cheap no-op that reconciles persisted state.
// Scope: Unit Test
// Test Case ID: LC-04
func TestOrchestrator_WakeIdempotent(t *testing.T) {
	repo := newMemRepo(stoppedTenant("t1"))
	runner := newMemRunner()
	o := newOrchestrator(t, repo, runner)

	require.True(t, o.Wake(context.Background(), "t1"))
	spawns := runner.spawnCalls
	require.True(t, o.Wake(context.Background(), "t1"))
	assert.Equal(t, spawns, runner.spawnCalls, "second wake must not spawn")
}

// TestPurpose: Validates that a tenant parked in the error state is not
// woken from the request path but recovers via explicit Start.
// Scope: Unit Test
// Test Case ID: LC-05
func TestOrchestrator_ErrorStateNeedsExplicitStart(t *testing.T) {
	errored := stoppedTenant("t1")
	errored.State = tenant.StateError
	repo := newMemRepo(errored)
	runner := newMemRunner()
	o := newOrchestrator(t, repo, runner)

	assert.False(t, o.Wake(context.Background(), "t1"))
	assert.Equal(t, 0, runner.spawnCalls)

	require.NoError(t, o.Start(context.Background(), "t1"))
	assert.Equal(t, tenant.StateRunning, repo.state("t1"))
}

// TestPurpose: Validates that an unrecoverable spawn failure parks the
// tenant in the error state and surfaces the cause.
// Scope: Unit Test
// Test Case ID: LC-06
func TestOrchestrator_SpawnFailureParksInError(t *testing.T) {
	repo := newMemRepo(stoppedTenant("t1"))
	runner := newMemRunner()
	runner.spawnErr = errors.New("binary missing")
	o := newOrchestrator(t, repo, runner)

	err := o.Start(context.Background(), "t1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "binary missing")
	assert.Equal(t, tenant.StateError, repo.state("t1"))

	assert.False(t, o.Wake(context.Background(), "t1"), "error state must not wake")
}

// TestPurpose: Validates that stop persists the stopped state and that
// stopping a tenant with no live process succeeds as a no-op.
// Scope: Unit Test
// Test Case ID: LC-07
func TestOrchestrator_StopIdempotent(t *testing.T) {
	repo := newMemRepo(stoppedTenant("t1"))
	runner := newMemRunner()
	o := newOrchestrator(t, repo, runner)

	require.NoError(t, o.Start(context.Background(), "t1"))
	require.NoError(t, o.Stop(context.Background(), "t1"))

	got, _ := repo.GetByID(context.Background(), "t1")
	assert.Equal(t, tenant.StateStopped, got.State)
	assert.Nil(t, got.Port)
	assert.NotNil(t, got.LastStoppedAt)

	// No handle anymore; stop again.
	assert.NoError(t, o.Stop(context.Background(), "t1"))
}

// TestPurpose: Validates that the idle sweep stops only running tenants
// inactive past the threshold.
// Scope: Unit Test
// Test Case ID: LC-08
func TestOrchestrator_SweepIdle(t *testing.T) {
	stale := time.Now().Add(-2 * time.Hour)
	fresh := time.Now()

	idle := stoppedTenant("idle")
	idle.State = tenant.StateRunning
	idle.LastActivityAt = &stale
	busy := stoppedTenant("busy")
	busy.State = tenant.StateRunning
	busy.LastActivityAt = &fresh

	repo := newMemRepo(idle, busy)
	runner := newMemRunner()
	runner.running["idle"] = 8100
	runner.running["busy"] = 8101
	o := newOrchestrator(t, repo, runner)

	swept := o.SweepIdle(context.Background(), time.Hour)

	assert.Equal(t, 1, swept)
	assert.Equal(t, tenant.StateStopped, repo.state("idle"))
	assert.Equal(t, tenant.StateRunning, repo.state("busy"))
}
