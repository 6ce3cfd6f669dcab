package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostbridge/hostbridge/internal/activity"
	"github.com/hostbridge/hostbridge/internal/apikey"
	"github.com/hostbridge/hostbridge/internal/audit"
	"github.com/hostbridge/hostbridge/internal/ratelimit"
	"github.com/hostbridge/hostbridge/internal/supervisor"
	"github.com/hostbridge/hostbridge/internal/tenant"
	"github.com/hostbridge/hostbridge/internal/usage"
)

const testBaseDomain = "hostbridge.test"

// memTenantRepo is an in-memory tenant.Repository.
type memTenantRepo struct {
	mu      sync.Mutex
	tenants map[string]*tenant.Tenant
}

func newMemTenantRepo(tenants ...*tenant.Tenant) *memTenantRepo {
	r := &memTenantRepo{tenants: make(map[string]*tenant.Tenant)}
	for _, t := range tenants {
		cp := *t
		r.tenants[t.ID] = &cp
	}
	return r
}

func (r *memTenantRepo) Create(ctx context.Context, t *tenant.Tenant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.tenants {
		if existing.RoutingKey == t.RoutingKey {
			return tenant.ErrRoutingKeyTaken
		}
	}
	cp := *t
	r.tenants[t.ID] = &cp
	return nil
}

func (r *memTenantRepo) GetByID(ctx context.Context, id string) (*tenant.Tenant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tenants[id]
	if !ok {
		return nil, tenant.ErrTenantNotFound
	}
	cp := *t
	return &cp, nil
}

func (r *memTenantRepo) GetByRoutingKey(ctx context.Context, key string) (*tenant.Tenant, error) {
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

func (r *memTenantRepo) Update(ctx context.Context, t *tenant.Tenant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *t
	r.tenants[t.ID] = &cp
	return nil
}

func (r *memTenantRepo) UpdateState(ctx context.Context, id string, state tenant.State, port *int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tenants[id]
	if !ok {
		return tenant.ErrTenantNotFound
	}
	t.State = state
	t.Port = port
	return nil
}

func (r *memTenantRepo) TouchActivity(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tenants[id]; ok {
		t.LastActivityAt = &at
	}
	return nil
}

func (r *memTenantRepo) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tenants, id)
	return nil
}

func (r *memTenantRepo) ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]*tenant.Tenant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*tenant.Tenant, 0, len(r.tenants))
	for _, t := range r.tenants {
		if t.OwnerID != ownerID {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memTenantRepo) ListIdleRunning(ctx context.Context, before time.Time) ([]*tenant.Tenant, error) {
	return nil, nil
}

func (r *memTenantRepo) ListActivePorts(ctx context.Context) ([]int, error) {
	return nil, nil
}

// memKeyRepo is an in-memory apikey.Repository.
type memKeyRepo struct {
	mu   sync.Mutex
	keys map[string]*apikey.Key
}

func newMemKeyRepo() *memKeyRepo {
	return &memKeyRepo{keys: make(map[string]*apikey.Key)}
}

func (r *memKeyRepo) Create(ctx context.Context, k *apikey.Key) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *k
	r.keys[k.ID] = &cp
	return nil
}

func (r *memKeyRepo) GetByID(ctx context.Context, id string) (*apikey.Key, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.keys[id]
	if !ok {
		return nil, apikey.ErrKeyNotFound
	}
	cp := *k
	return &cp, nil
}

func (r *memKeyRepo) GetByPrefix(ctx context.Context, prefix string) (*apikey.Key, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var newest *apikey.Key
	for _, k := range r.keys {
		if k.Prefix != prefix {
			continue
		}
		if newest == nil || (newest.SupersededBy != nil && k.SupersededBy == nil) {
			newest = k
		}
	}
	if newest == nil {
		return nil, apikey.ErrKeyNotFound
	}
	cp := *newest
	return &cp, nil
}

func (r *memKeyRepo) ListByTenant(ctx context.Context, tenantID string) ([]*apikey.Key, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*apikey.Key
	for _, k := range r.keys {
		if k.TenantID == tenantID {
			cp := *k
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memKeyRepo) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if k, ok := r.keys[id]; ok {
		k.LastUsedAt = &at
	}
	return nil
}

func (r *memKeyRepo) MarkSuperseded(ctx context.Context, id, supersededBy string, deadline time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.keys[id]
	if !ok {
		return apikey.ErrKeyNotFound
	}
	k.SupersededBy = &supersededBy
	k.GraceDeadline = &deadline
	return nil
}

func (r *memKeyRepo) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.keys, id)
	return nil
}

// fakeLifecycle counts wake calls and simulates the orchestrator
// flipping persisted state.
type fakeLifecycle struct {
	mu        sync.Mutex
	repo      *memTenantRepo
	wakeCalls int
	wakeOK    bool
	startErr  error
}

func newFakeLifecycle(repo *memTenantRepo) *fakeLifecycle {
	return &fakeLifecycle{repo: repo, wakeOK: true}
}

func (f *fakeLifecycle) Start(ctx context.Context, tenantID string) error {
	if f.startErr != nil {
		return f.startErr
	}
	p := 8100
	return f.repo.UpdateState(ctx, tenantID, tenant.StateRunning, &p)
}

func (f *fakeLifecycle) Stop(ctx context.Context, tenantID string) error {
	return f.repo.UpdateState(ctx, tenantID, tenant.StateStopped, nil)
}

func (f *fakeLifecycle) Wake(ctx context.Context, tenantID string) bool {
	f.mu.Lock()
	f.wakeCalls++
	ok := f.wakeOK
	f.mu.Unlock()
	if ok {
		p := 8100
		_ = f.repo.UpdateState(ctx, tenantID, tenant.StateRunning, &p)
	}
	return ok
}

func (f *fakeLifecycle) wakes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.wakeCalls
}

// scriptedRunner fails the first failBefore forwards with ErrNotRunning
// and then answers with a canned engine response.
type scriptedRunner struct {
	mu         sync.Mutex
	calls      int
	failBefore int
	status     int
	body       string
	lastReq    *http.Request
}

func (s *scriptedRunner) Spawn(ctx context.Context, spec supervisor.SpawnSpec) error {
	return nil
}

func (s *scriptedRunner) Terminate(ctx context.Context, tenantID string) error {
	return nil
}

func (s *scriptedRunner) Status(ctx context.Context, tenantID string) (supervisor.Status, error) {
	return supervisor.Status{}, nil
}

func (s *scriptedRunner) Forward(ctx context.Context, tenantID string, r *http.Request) (*http.Response, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.lastReq = r
	s.mu.Unlock()

	if call <= s.failBefore {
		return nil, supervisor.ErrNotRunning
	}

	rec := httptest.NewRecorder()
	rec.Header().Set("Content-Type", "application/json")
	rec.WriteHeader(s.status)
	_, _ = rec.WriteString(s.body)
	return rec.Result(), nil
}

func (s *scriptedRunner) forwardCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type gatewayFixture struct {
	handler    http.Handler
	tenantRepo *memTenantRepo
	keyRepo    *memKeyRepo
	keyService *apikey.Service
	lifecycle  *fakeLifecycle
	runner     *scriptedRunner
	usageRepo  *memUsageRepo
}

type memUsageRepo struct {
	mu      sync.Mutex
	records []*usage.Record
}

func (r *memUsageRepo) Insert(ctx context.Context, rec *usage.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *rec
	r.records = append(r.records, &cp)
	return nil
}

func (r *memUsageRepo) ListByTenant(ctx context.Context, tenantID string, since time.Time, limit int) ([]*usage.Record, error) {
	return nil, nil
}

func (r *memUsageRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (r *memUsageRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

func (r *memUsageRepo) last() *usage.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.records) == 0 {
		return nil
	}
	cp := *r.records[len(r.records)-1]
	return &cp
}

func newGateway(t *testing.T, tenants ...*tenant.Tenant) *gatewayFixture {
	t.Helper()

	tenantRepo := newMemTenantRepo(tenants...)
	keyRepo := newMemKeyRepo()
	auditLogger := audit.NewSlogLogger()

	hasher := apikey.NewSecretHasher(8, 1, 1, 8, 16)
	keyService := apikey.NewService(keyRepo, hasher, auditLogger)
	tenantService := tenant.NewService(tenantRepo, auditLogger)

	limiter := ratelimit.NewLimiter(time.Hour)
	t.Cleanup(limiter.Close)

	lc := newFakeLifecycle(tenantRepo)
	runner := &scriptedRunner{status: http.StatusOK, body: `{"ok":true}`}
	usageRepo := &memUsageRepo{}

	h := NewHandler(
		tenantService,
		keyService,
		limiter,
		lc,
		runner,
		activity.NewTracker(tenantRepo, time.Minute),
		usage.NewRecorder(usageRepo),
		GatewayConfig{
			BaseDomain:    testBaseDomain,
			JWTSecret:     "test-secret",
			KeyLimit:      100,
			KeyWindow:     time.Minute,
			CallTimeout:   time.Second,
			RotationGrace: time.Hour,
			Retry:         NewRetryPolicy(5, time.Millisecond),
		},
	)

	return &gatewayFixture{
		handler:    NewRouter(h, nil),
		tenantRepo: tenantRepo,
		keyRepo:    keyRepo,
		keyService: keyService,
		lifecycle:  lc,
		runner:     runner,
		usageRepo:  usageRepo,
	}
}

func runningTenant(id, key string) *tenant.Tenant {
	p := 8100
	return &tenant.Tenant{
		ID:         id,
		RoutingKey: key,
		Name:       key,
		OwnerID:    "user-1",
		State:      tenant.StateRunning,
		Port:       &p,
		CreatedAt:  time.Now(),
	}
}

func sleepingTenant(id, key string) *tenant.Tenant {
	t := runningTenant(id, key)
	t.State = tenant.StateStopped
	t.Port = nil
	return t
}

func dataRequest(method, key, path string) *http.Request {
	r := httptest.NewRequest(method, path, nil)
	r.Host = key + "." + testBaseDomain
	r.Header.Set("Origin", "https://app.example.com")
	return r
}

func decodeErrorCode(t *testing.T, body io.Reader) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(body).Decode(&envelope))
	return envelope.Error.Code
}

// TestPurpose: Validates that a request for a running tenant is proxied
// without any wake call and the engine response is relayed verbatim.
// Scope: Unit Test
// Test Case ID: FWD-01
func TestForward_RunningTenantNoWake(t *testing.T) {
	fx := newGateway(t, runningTenant("t1", "acme"))

	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, dataRequest(http.MethodGet, "acme", "/api/items"))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
	assert.Equal(t, 0, fx.lifecycle.wakes())
	assert.Equal(t, 1, fx.runner.forwardCalls())
}

// TestPurpose: Validates that a stopped tenant is woken exactly once
// before the first forward attempt.
// Scope: Unit Test
// Test Case ID: FWD-02
func TestForward_StoppedTenantWakesOnce(t *testing.T) {
	fx := newGateway(t, sleepingTenant("t1", "acme"))

	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, dataRequest(http.MethodGet, "acme", "/api/items"))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, fx.lifecycle.wakes())
	assert.Equal(t, 1, fx.runner.forwardCalls())
}

// TestPurpose: Validates that a failed wake short-circuits to 503 with
// no forward attempt made.
// Scope: Unit Test
// Test Case ID: FWD-03
func TestForward_WakeFailureFailsFast(t *testing.T) {
	fx := newGateway(t, sleepingTenant("t1", "acme"))
	fx.lifecycle.wakeOK = false

	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, dataRequest(http.MethodGet, "acme", "/api/items"))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, string(CodeInstanceUnavailable), decodeErrorCode(t, rec.Body))
	assert.Equal(t, 0, fx.runner.forwardCalls())
}

// TestPurpose: Validates the retry loop: not-running on attempts 1 and
// 2, success on attempt 3, with a re-wake before each retry.
// Scope: Unit Test
// Test Case ID: FWD-04
func TestForward_RetriesUntilEngineAnswers(t *testing.T) {
	fx := newGateway(t, runningTenant("t1", "acme"))
	fx.runner.failBefore = 2

	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, dataRequest(http.MethodGet, "acme", "/api/items"))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, fx.runner.forwardCalls())
	assert.Equal(t, 2, fx.lifecycle.wakes(), "one re-wake per retry")
}

// TestPurpose: Validates that exhausting every attempt yields a clean
// INSTANCE_UNAVAILABLE response rather than a panic or hang.
// Scope: Unit Test
// Test Case ID: FWD-05
func TestForward_ExhaustionReturnsUnavailable(t *testing.T) {
	fx := newGateway(t, runningTenant("t1", "acme"))
	fx.runner.failBefore = 100

	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, dataRequest(http.MethodGet, "acme", "/api/items"))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, string(CodeInstanceUnavailable), decodeErrorCode(t, rec.Body))
	assert.Equal(t, 5, fx.runner.forwardCalls())
	assert.Equal(t, 4, fx.lifecycle.wakes())
}

// TestPurpose: Validates that an engine error status terminates the
// retry loop immediately and is relayed untouched.
// Scope: Unit Test
// Test Case ID: FWD-06
func TestForward_EngineErrorIsTerminal(t *testing.T) {
	fx := newGateway(t, runningTenant("t1", "acme"))
	fx.runner.status = http.StatusUnprocessableEntity
	fx.runner.body = `{"message":"validation failed"}`

	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, dataRequest(http.MethodPost, "acme", "/api/items"))

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.JSONEq(t, `{"message":"validation failed"}`, rec.Body.String())
	assert.Equal(t, 1, fx.runner.forwardCalls())
}

// TestPurpose: Validates that a valid key bound to a different tenant
// is rejected as INVALID_API_KEY, whatever the host header says.
// Scope: Unit Test
// Test Case ID: FWD-07
func TestForward_CrossTenantKeyRejected(t *testing.T) {
	fx := newGateway(t, runningTenant("t1", "acme"), runningTenant("t2", "umbrella"))

	_, token, err := fx.keyService.Mint(context.Background(), "t2", "ci", apikey.ScopeStandard, nil)
	require.NoError(t, err)

	req := dataRequest(http.MethodGet, "acme", "/api/items")
	req.Header.Set(KeyHeader, token)

	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, string(CodeInvalidAPIKey), decodeErrorCode(t, rec.Body))
	assert.Equal(t, 0, fx.runner.forwardCalls())
}

// TestPurpose: Validates the per-key sliding window: the 101st request
// inside the window is rejected with Retry-After and rate headers.
// Scope: Unit Test
// Test Case ID: FWD-08
func TestForward_StandardKeyRateLimited(t *testing.T) {
	fx := newGateway(t, runningTenant("t1", "acme"))

	_, token, err := fx.keyService.Mint(context.Background(), "t1", "ci", apikey.ScopeStandard, nil)
	require.NoError(t, err)

	var rec *httptest.ResponseRecorder
	for i := 0; i < 101; i++ {
		req := dataRequest(http.MethodGet, "acme", "/api/items")
		req.Header.Set(KeyHeader, token)
		rec = httptest.NewRecorder()
		fx.handler.ServeHTTP(rec, req)
	}

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, string(CodeRateLimited), decodeErrorCode(t, rec.Body))
	assert.Equal(t, "100", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))
	assert.Equal(t, 100, fx.runner.forwardCalls(), "the rejected request must not reach the engine")
}

// TestPurpose: Validates that CORS headers are present on success and
// on every error path, echoing the request origin.
// Scope: Unit Test
// Test Case ID: FWD-09
func TestForward_CORSOnAllResponses(t *testing.T) {
	fx := newGateway(t, runningTenant("t1", "acme"))

	cases := []struct {
		name string
		req  *http.Request
	}{
		{"success", dataRequest(http.MethodGet, "acme", "/api/items")},
		{"unknown tenant", dataRequest(http.MethodGet, "ghost", "/api/items")},
		{"preflight", dataRequest(http.MethodOptions, "acme", "/api/items")},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			fx.handler.ServeHTTP(rec, tc.req)
			assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
			assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
			assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "DELETE")
		})
	}
}

// TestPurpose: Validates that collection-management paths demand an
// admin-scoped key and skip the retry loop.
// Scope: Unit Test
// Test Case ID: FWD-10
func TestForward_CollectionPathNeedsAdminKey(t *testing.T) {
	fx := newGateway(t, runningTenant("t1", "acme"))

	_, std, err := fx.keyService.Mint(context.Background(), "t1", "ci", apikey.ScopeStandard, nil)
	require.NoError(t, err)
	_, adm, err := fx.keyService.Mint(context.Background(), "t1", "ops", apikey.ScopeAdmin, nil)
	require.NoError(t, err)

	req := dataRequest(http.MethodPost, "acme", "/api/collections")
	req.Header.Set(KeyHeader, std)
	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 0, fx.runner.forwardCalls())

	req = dataRequest(http.MethodPost, "acme", "/api/collections")
	req.Header.Set(KeyHeader, adm)
	rec = httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, fx.runner.forwardCalls())
}

// TestPurpose: Validates that a rotated key is accepted during its
// grace window and rejected once the deadline passes.
// Scope: Unit Test
// Test Case ID: FWD-11
func TestForward_RotatedKeyGraceWindow(t *testing.T) {
	fx := newGateway(t, runningTenant("t1", "acme"))

	_, oldToken, err := fx.keyService.Mint(context.Background(), "t1", "ci", apikey.ScopeStandard, nil)
	require.NoError(t, err)

	keys, err := fx.keyService.ListByTenant(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, keys, 1)

	_, _, err = fx.keyService.Rotate(context.Background(), keys[0].ID, 50*time.Millisecond)
	require.NoError(t, err)

	req := dataRequest(http.MethodGet, "acme", "/api/items")
	req.Header.Set(KeyHeader, oldToken)
	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, "still inside grace")

	time.Sleep(60 * time.Millisecond)

	req = dataRequest(http.MethodGet, "acme", "/api/items")
	req.Header.Set(KeyHeader, oldToken)
	rec = httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "grace deadline passed")
}

// TestPurpose: Validates that the health path answers from tenant
// metadata without touching the supervisor.
// Scope: Unit Test
// Test Case ID: FWD-12
func TestForward_HealthShortCircuits(t *testing.T) {
	fx := newGateway(t, sleepingTenant("t1", "acme"))

	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, dataRequest(http.MethodGet, "acme", "/_health"))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"tenant_id":"t1"`)
	assert.Contains(t, rec.Body.String(), `"state":"stopped"`)
	assert.Equal(t, 0, fx.runner.forwardCalls())
	assert.Equal(t, 0, fx.lifecycle.wakes())
}

// TestPurpose: Validates that a successful forward eventually records a
// usage row and touches tenant activity.
// Scope: Unit Test
// Test Case ID: FWD-13
func TestForward_SideEffectsRecorded(t *testing.T) {
	fx := newGateway(t, runningTenant("t1", "acme"))

	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, dataRequest(http.MethodGet, "acme", "/api/items"))
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Eventually(t, func() bool {
		if fx.usageRepo.count() != 1 {
			return false
		}
		got, err := fx.tenantRepo.GetByID(context.Background(), "t1")
		return err == nil && got.LastActivityAt != nil
	}, 2*time.Second, 10*time.Millisecond)
}

// TestPurpose: Validates that request bodies survive retries: the body
// delivered on the successful attempt is the original payload.
// Scope: Unit Test
// Test Case ID: FWD-14
func TestForward_BodyReplayedAcrossRetries(t *testing.T) {
	fx := newGateway(t, runningTenant("t1", "acme"))
	fx.runner.failBefore = 1

	req := httptest.NewRequest(http.MethodPost, "/api/items", strings.NewReader(`{"name":"widget"}`))
	req.Host = "acme." + testBaseDomain

	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	fx.runner.mu.Lock()
	last := fx.runner.lastReq
	fx.runner.mu.Unlock()
	require.NotNil(t, last)
	body, err := io.ReadAll(last.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"widget"}`, string(body))
}

// TestPurpose: Validates that a request body over the replay buffer cap
// is rejected outright instead of being forwarded truncated.
// Scope: Unit Test
// Test Case ID: FWD-15
func TestForward_OversizedBodyRejected(t *testing.T) {
	fx := newGateway(t, runningTenant("t1", "acme"))

	payload := bytes.Repeat([]byte("a"), maxBufferedBody+1)
	req := httptest.NewRequest(http.MethodPost, "/api/items", bytes.NewReader(payload))
	req.Host = "acme." + testBaseDomain

	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, string(CodeBadRequest), decodeErrorCode(t, rec.Body))
	assert.Equal(t, 0, fx.runner.forwardCalls(), "nothing must reach the engine")
}

// TestPurpose: Validates that usage records carry the request duration.
// Scope: Unit Test
// Test Case ID: FWD-16
func TestForward_UsageRecordsDuration(t *testing.T) {
	fx := newGateway(t, runningTenant("t1", "acme"))

	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, dataRequest(http.MethodGet, "acme", "/api/items"))
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Eventually(t, func() bool {
		last := fx.usageRepo.last()
		return last != nil && last.Duration > 0
	}, 2*time.Second, 10*time.Millisecond, "usage row should record elapsed time")
}

// slowBodyRunner answers with headers immediately but delivers the body
// only after a delay, reading against the per-call context it was
// handed. Stands in for a large engine download.
type slowBodyRunner struct {
	payload string
	delay   time.Duration
}

func (s *slowBodyRunner) Spawn(ctx context.Context, spec supervisor.SpawnSpec) error { return nil }
func (s *slowBodyRunner) Terminate(ctx context.Context, tenantID string) error       { return nil }
func (s *slowBodyRunner) Status(ctx context.Context, tenantID string) (supervisor.Status, error) {
	return supervisor.Status{}, nil
}

func (s *slowBodyRunner) Forward(ctx context.Context, tenantID string, r *http.Request) (*http.Response, error) {
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     make(http.Header),
		Body:       &pacedBody{ctx: ctx, delay: s.delay, data: []byte(s.payload)},
	}, nil
}

type pacedBody struct {
	ctx   context.Context
	delay time.Duration
	data  []byte
	sent  bool
}

func (b *pacedBody) Read(p []byte) (int, error) {
	if b.sent {
		return 0, io.EOF
	}
	select {
	case <-b.ctx.Done():
		return 0, b.ctx.Err()
	case <-time.After(b.delay):
	}
	if err := b.ctx.Err(); err != nil {
		return 0, err
	}
	b.sent = true
	return copy(p, b.data), nil
}

func (b *pacedBody) Close() error { return nil }

// TestPurpose: Validates that a response body keeps streaming after the
// per-call timeout has elapsed: the timeout bounds time to headers, not
// time to last byte.
// Scope: Unit Test
// Test Case ID: FWD-17
func TestForward_ResponseBodyStreamsPastCallTimeout(t *testing.T) {
	tenantRepo := newMemTenantRepo(runningTenant("t1", "acme"))
	keyRepo := newMemKeyRepo()
	auditLogger := audit.NewSlogLogger()
	keyService := apikey.NewService(keyRepo, apikey.NewSecretHasher(8, 1, 1, 8, 16), auditLogger)
	tenantService := tenant.NewService(tenantRepo, auditLogger)
	limiter := ratelimit.NewLimiter(time.Hour)
	t.Cleanup(limiter.Close)

	runner := &slowBodyRunner{payload: `{"rows":"bulk"}`, delay: 60 * time.Millisecond}
	h := NewHandler(
		tenantService,
		keyService,
		limiter,
		newFakeLifecycle(tenantRepo),
		runner,
		activity.NewTracker(tenantRepo, time.Minute),
		usage.NewRecorder(&memUsageRepo{}),
		GatewayConfig{
			BaseDomain:    testBaseDomain,
			JWTSecret:     "test-secret",
			KeyLimit:      100,
			KeyWindow:     time.Minute,
			CallTimeout:   20 * time.Millisecond,
			RotationGrace: time.Hour,
			Retry:         NewRetryPolicy(2, time.Millisecond),
		},
	)

	rec := httptest.NewRecorder()
	NewRouter(h, nil).ServeHTTP(rec, dataRequest(http.MethodGet, "acme", "/api/export"))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `{"rows":"bulk"}`, rec.Body.String())
}

// TestPurpose: Validates the CORS header shape for callers without an
// Origin header: wildcard origin, no credentials flag.
// Scope: Unit Test
// Test Case ID: FWD-18
func TestForward_CORSWithoutOrigin(t *testing.T) {
	fx := newGateway(t, runningTenant("t1", "acme"))

	req := httptest.NewRequest(http.MethodGet, "/api/items", nil)
	req.Host = "acme." + testBaseDomain

	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Credentials"),
		"wildcard origin must not be paired with credentials")
}
