package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostbridge/hostbridge/internal/tenant"
)

func signToken(t *testing.T, subject, secret string) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func mgmtRequest(t *testing.T, method, path, body, userID string) *http.Request {
	t.Helper()
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	r.Host = testBaseDomain
	if userID != "" {
		r.Header.Set("Authorization", "Bearer "+signToken(t, userID, "test-secret"))
	}
	return r
}

// TestPurpose: Validates tenant creation, readback and the routing key
// uniqueness conflict.
// Scope: Unit Test
// Test Case ID: MGMT-01
func TestManagement_CreateAndGetTenant(t *testing.T) {
	fx := newGateway(t)

	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, mgmtRequest(t, http.MethodPost, "/v1/tenants", `{"name":"Acme","routing_key":"acme"}`, "user-1"))
	require.Equal(t, http.StatusCreated, rec.Code)

	var created tenantResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))
	assert.Equal(t, "acme", created.RoutingKey)
	assert.Equal(t, "stopped", created.State)
	assert.Nil(t, created.Port)

	rec = httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, mgmtRequest(t, http.MethodGet, "/v1/tenants/"+created.ID, "", "user-1"))
	assert.Equal(t, http.StatusOK, rec.Code)

	// Same routing key again.
	rec = httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, mgmtRequest(t, http.MethodPost, "/v1/tenants", `{"name":"Other","routing_key":"acme"}`, "user-1"))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

// TestPurpose: Validates that management endpoints reject missing and
// forged bearer tokens.
// Scope: Unit Test
// Test Case ID: MGMT-02
func TestManagement_RequiresValidToken(t *testing.T) {
	fx := newGateway(t)

	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, mgmtRequest(t, http.MethodGet, "/v1/tenants", "", ""))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := mgmtRequest(t, http.MethodGet, "/v1/tenants", "", "")
	req.Header.Set("Authorization", "Bearer "+signToken(t, "user-1", "wrong-secret"))
	rec = httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

// TestPurpose: Validates that one user cannot see or mutate another
// user's tenant; existence is not revealed.
// Scope: Unit Test
// Test Case ID: MGMT-03
func TestManagement_OwnershipEnforced(t *testing.T) {
	fx := newGateway(t, runningTenant("t1", "acme"))

	for _, req := range []*http.Request{
		mgmtRequest(t, http.MethodGet, "/v1/tenants/t1", "", "intruder"),
		mgmtRequest(t, http.MethodPost, "/v1/tenants/t1/stop", "", "intruder"),
		mgmtRequest(t, http.MethodPost, "/v1/tenants/t1/keys", `{"name":"x","scope":"standard"}`, "intruder"),
	} {
		rec := httptest.NewRecorder()
		fx.handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code, "%s %s", req.Method, req.URL.Path)
	}
}

// TestPurpose: Validates the start and stop endpoints drive the
// lifecycle and report the refreshed state.
// Scope: Unit Test
// Test Case ID: MGMT-04
func TestManagement_StartStopTenant(t *testing.T) {
	fx := newGateway(t, sleepingTenant("t1", "acme"))

	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, mgmtRequest(t, http.MethodPost, "/v1/tenants/t1/start", "", "user-1"))
	require.Equal(t, http.StatusOK, rec.Code)

	var started tenantResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&started))
	assert.Equal(t, "running", started.State)
	require.NotNil(t, started.Port)

	rec = httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, mgmtRequest(t, http.MethodPost, "/v1/tenants/t1/stop", "", "user-1"))
	require.Equal(t, http.StatusOK, rec.Code)

	var stopped tenantResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&stopped))
	assert.Equal(t, "stopped", stopped.State)
	assert.Nil(t, stopped.Port)
}

// TestPurpose: Validates the key lifecycle over HTTP: mint returns the
// plaintext once, list never does, rotate and revoke work end to end.
// Scope: Unit Test
// Test Case ID: MGMT-05
func TestManagement_KeyLifecycle(t *testing.T) {
	fx := newGateway(t, runningTenant("t1", "acme"))

	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, mgmtRequest(t, http.MethodPost, "/v1/tenants/t1/keys", `{"name":"ci","scope":"standard"}`, "user-1"))
	require.Equal(t, http.StatusCreated, rec.Code)

	var minted keyResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&minted))
	assert.True(t, strings.HasPrefix(minted.Token, "std_"))
	assert.Equal(t, minted.Token[:12], minted.Prefix)

	rec = httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, mgmtRequest(t, http.MethodGet, "/v1/tenants/t1/keys", "", "user-1"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), minted.Token)

	rec = httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, mgmtRequest(t, http.MethodPost, "/v1/tenants/t1/keys/"+minted.ID+"/rotate", "", "user-1"))
	require.Equal(t, http.StatusOK, rec.Code)

	var rotated keyResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&rotated))
	assert.NotEqual(t, minted.ID, rotated.ID)
	assert.NotEmpty(t, rotated.Token)

	rec = httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, mgmtRequest(t, http.MethodDelete, "/v1/tenants/t1/keys/"+rotated.ID, "", "user-1"))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

// TestPurpose: Validates that a rejected scope and malformed body fail
// with BAD_REQUEST.
// Scope: Unit Test
// Test Case ID: MGMT-06
func TestManagement_MintValidation(t *testing.T) {
	fx := newGateway(t, runningTenant("t1", "acme"))

	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, mgmtRequest(t, http.MethodPost, "/v1/tenants/t1/keys", `{"name":"x","scope":"root"}`, "user-1"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, mgmtRequest(t, http.MethodPost, "/v1/tenants/t1/keys", `{`, "user-1"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// TestPurpose: Validates that deleting a running tenant is refused
// until it is stopped.
// Scope: Unit Test
// Test Case ID: MGMT-07
func TestManagement_DeleteRefusedWhileRunning(t *testing.T) {
	fx := newGateway(t, runningTenant("t1", "acme"))

	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, mgmtRequest(t, http.MethodDelete, "/v1/tenants/t1", "", "user-1"))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, mgmtRequest(t, http.MethodPost, "/v1/tenants/t1/stop", "", "user-1"))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, mgmtRequest(t, http.MethodDelete, "/v1/tenants/t1", "", "user-1"))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

// TestPurpose: Validates that tenant listing filters by owner before
// pagination: another owner's tenants never shrink the caller's page.
// Scope: Unit Test
// Test Case ID: MGMT-08
func TestManagement_ListTenantsOwnerPagination(t *testing.T) {
	base := time.Now()
	mkTenant := func(id, key, owner string, i int) *tenant.Tenant {
		tn := runningTenant(id, key)
		tn.OwnerID = owner
		tn.CreatedAt = base.Add(time.Duration(i) * time.Second)
		return tn
	}
	fx := newGateway(t,
		mkTenant("a1", "acme-one", "user-1", 0),
		mkTenant("b1", "beta-one", "user-2", 1),
		mkTenant("a2", "acme-two", "user-1", 2),
		mkTenant("b2", "beta-two", "user-2", 3),
		mkTenant("a3", "acme-three", "user-1", 4),
	)

	listPage := func(query string) []tenantResponse {
		rec := httptest.NewRecorder()
		fx.handler.ServeHTTP(rec, mgmtRequest(t, http.MethodGet, "/v1/tenants"+query, "", "user-1"))
		require.Equal(t, http.StatusOK, rec.Code)
		var out struct {
			Tenants []tenantResponse `json:"tenants"`
		}
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
		return out.Tenants
	}

	page := listPage("?limit=2&offset=0")
	require.Len(t, page, 2, "a full page of the caller's tenants")
	assert.Equal(t, "a1", page[0].ID)
	assert.Equal(t, "a2", page[1].ID)

	page = listPage("?limit=2&offset=2")
	require.Len(t, page, 1)
	assert.Equal(t, "a3", page[0].ID)

	for _, tr := range append(listPage("?limit=2&offset=0"), listPage("?limit=2&offset=2")...) {
		assert.NotContains(t, []string{"b1", "b2"}, tr.ID)
	}
}
