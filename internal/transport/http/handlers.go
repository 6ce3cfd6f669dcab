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

package http

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/hostbridge/hostbridge/internal/activity"
	"github.com/hostbridge/hostbridge/internal/apikey"
	"github.com/hostbridge/hostbridge/internal/ratelimit"
	"github.com/hostbridge/hostbridge/internal/supervisor"
	"github.com/hostbridge/hostbridge/internal/tenant"
	"github.com/hostbridge/hostbridge/internal/usage"
)

// LifecycleManager is the slice of the orchestrator the gateway needs.
type LifecycleManager interface {
	Start(ctx context.Context, tenantID string) error
	Stop(ctx context.Context, tenantID string) error
	Wake(ctx context.Context, tenantID string) bool
}

// GatewayConfig holds the request-path tunables.
type GatewayConfig struct {
	BaseDomain    string
	JWTSecret     string
	KeyLimit      int
	KeyWindow     time.Duration
	CallTimeout   time.Duration
	RotationGrace time.Duration
	Retry         RetryPolicy
}

// Handler holds HTTP handlers and dependencies
type Handler struct {
	tenantService *tenant.Service
	keyService    *apikey.Service
	limiter       *ratelimit.Limiter
	lifecycle     LifecycleManager
	runner        supervisor.Runner
	tracker       *activity.Tracker
	usageRecorder *usage.Recorder

	baseDomain    string
	jwtSecret     string
	keyLimit      int
	keyWindow     time.Duration
	callTimeout   time.Duration
	rotationGrace time.Duration
	retry         RetryPolicy
}

// NewHandler creates a new HTTP handler
func NewHandler(
	tenantService *tenant.Service,
	keyService *apikey.Service,
	limiter *ratelimit.Limiter,
	lifecycle LifecycleManager,
	runner supervisor.Runner,
	tracker *activity.Tracker,
	usageRecorder *usage.Recorder,
	cfg GatewayConfig,
) *Handler {
	return &Handler{
		tenantService: tenantService,
		keyService:    keyService,
		limiter:       limiter,
		lifecycle:     lifecycle,
		runner:        runner,
		tracker:       tracker,
		usageRecorder: usageRecorder,
		baseDomain:    cfg.BaseDomain,
		jwtSecret:     cfg.JWTSecret,
		keyLimit:      cfg.KeyLimit,
		keyWindow:     cfg.KeyWindow,
		callTimeout:   cfg.CallTimeout,
		rotationGrace: cfg.RotationGrace,
		retry:         cfg.Retry,
	}
}

// NewRouter dispatches by host: the bare base domain (and its api
// subdomain) serves the management API, every other subdomain is
// data-plane traffic for the tenant the subdomain names.
func NewRouter(h *Handler, ipLimiter *IPRateLimiter) http.Handler {
	mgmt := h.managementRouter(ipLimiter)
	data := h.dataRouter()

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host := r.Host
		if hostOnly, _, err := net.SplitHostPort(host); err == nil {
			host = hostOnly
		}
		if host == h.baseDomain || host == "api."+h.baseDomain {
			mgmt.ServeHTTP(w, r)
			return
		}
		data.ServeHTTP(w, r)
	})
}

func (h *Handler) dataRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(func(handler http.Handler) http.Handler {
		return otelhttp.NewHandler(handler, "http_request",
			otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}),
		)
	})
	r.Use(LoggingMiddleware())
	r.Use(middleware.Recoverer)
	r.Use(CORSMiddleware)
	r.Use(h.ResolveTenantMiddleware)

	r.Get("/_health", h.HealthCheck)
	r.HandleFunc("/*", h.Forward)

	return r
}

func (h *Handler) managementRouter(ipLimiter *IPRateLimiter) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(LoggingMiddleware())
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(CORSMiddleware)
	if ipLimiter != nil {
		r.Use(IPRateLimitMiddleware(ipLimiter))
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(h.AuthMiddleware)

		r.Route("/tenants", func(r chi.Router) {
			r.Post("/", h.CreateTenant)
			r.Get("/", h.ListTenants)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetTenant)
				r.Delete("/", h.DeleteTenant)
				r.Post("/start", h.StartTenant)
				r.Post("/stop", h.StopTenant)
				r.Get("/status", h.TenantStatus)

				r.Route("/keys", func(r chi.Router) {
					r.Post("/", h.MintKey)
					r.Get("/", h.ListKeys)
					r.Post("/{keyID}/rotate", h.RotateKey)
					r.Delete("/{keyID}", h.RevokeKey)
				})
			})
		})
	})

	return r
}

type tenantResponse struct {
	ID             string     `json:"id"`
	RoutingKey     string     `json:"routing_key"`
	Name           string     `json:"name"`
	State          string     `json:"state"`
	Port           *int       `json:"port,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	LastStartedAt  *time.Time `json:"last_started_at,omitempty"`
	LastStoppedAt  *time.Time `json:"last_stopped_at,omitempty"`
	LastActivityAt *time.Time `json:"last_activity_at,omitempty"`
}

func toTenantResponse(t *tenant.Tenant) tenantResponse {
	return tenantResponse{
		ID:             t.ID,
		RoutingKey:     t.RoutingKey,
		Name:           t.Name,
		State:          string(t.State),
		Port:           t.Port,
		CreatedAt:      t.CreatedAt,
		LastStartedAt:  t.LastStartedAt,
		LastStoppedAt:  t.LastStoppedAt,
		LastActivityAt: t.LastActivityAt,
	}
}

type createTenantRequest struct {
	Name       string `json:"name"`
	RoutingKey string `json:"routing_key"`
}

// CreateTenant registers a new tenant in stopped state.
func (h *Handler) CreateTenant(w http.ResponseWriter, r *http.Request) {
	var req createTenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, CodeBadRequest, "invalid request body")
		return
	}

	t, err := h.tenantService.CreateTenant(r.Context(), GetUserID(r.Context()), req.Name, req.RoutingKey)
	if err != nil {
		if errors.Is(err, tenant.ErrRoutingKeyTaken) {
			respondError(w, http.StatusConflict, CodeBadRequest, "routing key already taken")
			return
		}
		respondError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}

	respondJSON(w, http.StatusCreated, toTenantResponse(t))
}

// ListTenants returns the caller's tenants.
func (h *Handler) ListTenants(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)

	tenants, err := h.tenantService.ListTenants(r.Context(), GetUserID(r.Context()), limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, CodeProxyError, "failed to list tenants")
		return
	}

	out := make([]tenantResponse, 0, len(tenants))
	for _, t := range tenants {
		out = append(out, toTenantResponse(t))
	}

	respondJSON(w, http.StatusOK, map[string]any{"tenants": out})
}

// GetTenant returns one tenant owned by the caller.
func (h *Handler) GetTenant(w http.ResponseWriter, r *http.Request) {
	t := h.requireOwner(w, r, chi.URLParam(r, "id"))
	if t == nil {
		return
	}
	respondJSON(w, http.StatusOK, toTenantResponse(t))
}

// DeleteTenant removes a stopped tenant and everything keyed to it.
func (h *Handler) DeleteTenant(w http.ResponseWriter, r *http.Request) {
	t := h.requireOwner(w, r, chi.URLParam(r, "id"))
	if t == nil {
		return
	}

	if err := h.tenantService.DeleteTenant(r.Context(), GetUserID(r.Context()), t.ID); err != nil {
		respondError(w, http.StatusConflict, CodeBadRequest, err.Error())
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// StartTenant brings the tenant's engine up. This is also the only way
// out of the error state.
func (h *Handler) StartTenant(w http.ResponseWriter, r *http.Request) {
	t := h.requireOwner(w, r, chi.URLParam(r, "id"))
	if t == nil {
		return
	}

	if err := h.lifecycle.Start(r.Context(), t.ID); err != nil {
		respondError(w, http.StatusServiceUnavailable, CodeInstanceUnavailable, err.Error())
		return
	}

	fresh, err := h.tenantService.GetTenant(r.Context(), t.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, CodeProxyError, "failed to reload tenant")
		return
	}
	respondJSON(w, http.StatusOK, toTenantResponse(fresh))
}

// StopTenant shuts the tenant's engine down. Stopping an already
// stopped tenant succeeds.
func (h *Handler) StopTenant(w http.ResponseWriter, r *http.Request) {
	t := h.requireOwner(w, r, chi.URLParam(r, "id"))
	if t == nil {
		return
	}

	if err := h.lifecycle.Stop(r.Context(), t.ID); err != nil {
		respondError(w, http.StatusInternalServerError, CodeProxyError, err.Error())
		return
	}

	fresh, err := h.tenantService.GetTenant(r.Context(), t.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, CodeProxyError, "failed to reload tenant")
		return
	}
	respondJSON(w, http.StatusOK, toTenantResponse(fresh))
}

// TenantStatus reports the live supervisor view next to the persisted
// state, which is how operators spot drift.
func (h *Handler) TenantStatus(w http.ResponseWriter, r *http.Request) {
	t := h.requireOwner(w, r, chi.URLParam(r, "id"))
	if t == nil {
		return
	}

	st, err := h.runner.Status(r.Context(), t.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, CodeProxyError, "failed to query supervisor")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"tenant_id":       t.ID,
		"persisted_state": string(t.State),
		"running":         st.Running,
		"port":            st.Port,
	})
}

type mintKeyRequest struct {
	Name      string     `json:"name"`
	Scope     string     `json:"scope"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type keyResponse struct {
	ID            string     `json:"id"`
	TenantID      string     `json:"tenant_id"`
	Name          string     `json:"name"`
	Prefix        string     `json:"prefix"`
	Scope         string     `json:"scope"`
	CreatedAt     time.Time  `json:"created_at"`
	LastUsedAt    *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	GraceDeadline *time.Time `json:"grace_deadline,omitempty"`
	Token         string     `json:"token,omitempty"`
}

func toKeyResponse(k *apikey.Key, token string) keyResponse {
	return keyResponse{
		ID:            k.ID,
		TenantID:      k.TenantID,
		Name:          k.Name,
		Prefix:        k.Prefix,
		Scope:         string(k.Scope),
		CreatedAt:     k.CreatedAt,
		LastUsedAt:    k.LastUsedAt,
		ExpiresAt:     k.ExpiresAt,
		GraceDeadline: k.GraceDeadline,
		Token:         token,
	}
}

// MintKey creates a key. The plaintext token appears in this response
// only and is never recoverable afterwards.
func (h *Handler) MintKey(w http.ResponseWriter, r *http.Request) {
	t := h.requireOwner(w, r, chi.URLParam(r, "id"))
	if t == nil {
		return
	}

	var req mintKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, CodeBadRequest, "invalid request body")
		return
	}

	scope := apikey.Scope(req.Scope)
	if scope != apikey.ScopeAdmin && scope != apikey.ScopeStandard {
		respondError(w, http.StatusBadRequest, CodeBadRequest, "scope must be admin or standard")
		return
	}

	k, token, err := h.keyService.Mint(r.Context(), t.ID, req.Name, scope, req.ExpiresAt)
	if err != nil {
		respondError(w, http.StatusInternalServerError, CodeProxyError, "failed to mint key")
		return
	}

	respondJSON(w, http.StatusCreated, toKeyResponse(k, token))
}

// ListKeys lists a tenant's keys, hashes excluded.
func (h *Handler) ListKeys(w http.ResponseWriter, r *http.Request) {
	t := h.requireOwner(w, r, chi.URLParam(r, "id"))
	if t == nil {
		return
	}

	keys, err := h.keyService.ListByTenant(r.Context(), t.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, CodeProxyError, "failed to list keys")
		return
	}

	out := make([]keyResponse, 0, len(keys))
	for _, k := range keys {
		out = append(out, toKeyResponse(k, ""))
	}
	respondJSON(w, http.StatusOK, map[string]any{"keys": out})
}

// RotateKey mints a replacement and leaves the old key valid until the
// grace deadline.
func (h *Handler) RotateKey(w http.ResponseWriter, r *http.Request) {
	t := h.requireOwner(w, r, chi.URLParam(r, "id"))
	if t == nil {
		return
	}

	keyID := chi.URLParam(r, "keyID")
	if !h.keyBelongsToTenant(r.Context(), keyID, t.ID) {
		respondError(w, http.StatusNotFound, CodeNotFound, "key not found")
		return
	}

	k, token, err := h.keyService.Rotate(r.Context(), keyID, h.rotationGrace)
	if err != nil {
		respondError(w, http.StatusInternalServerError, CodeProxyError, "failed to rotate key")
		return
	}

	respondJSON(w, http.StatusOK, toKeyResponse(k, token))
}

// RevokeKey deletes a key immediately, no grace period.
func (h *Handler) RevokeKey(w http.ResponseWriter, r *http.Request) {
	t := h.requireOwner(w, r, chi.URLParam(r, "id"))
	if t == nil {
		return
	}

	keyID := chi.URLParam(r, "keyID")
	if !h.keyBelongsToTenant(r.Context(), keyID, t.ID) {
		respondError(w, http.StatusNotFound, CodeNotFound, "key not found")
		return
	}

	if err := h.keyService.Revoke(r.Context(), keyID); err != nil {
		respondError(w, http.StatusInternalServerError, CodeProxyError, "failed to revoke key")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) keyBelongsToTenant(ctx context.Context, keyID, tenantID string) bool {
	keys, err := h.keyService.ListByTenant(ctx, tenantID)
	if err != nil {
		return false
	}
	for _, k := range keys {
		if k.ID == keyID {
			return true
		}
	}
	return false
}

func pagination(r *http.Request) (limit, offset int) {
	limit = 50
	offset = 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}
