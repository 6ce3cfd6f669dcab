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

package supervisor

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hostbridge/hostbridge/internal/observability/logger"
)

// SecretHeader authenticates the internal management protocol.
const SecretHeader = "X-Supervisor-Secret"

const (
	errorHeader = "X-Supervisor-Error"
	// errorNotRunning marks a 503 produced because no process holds a
	// handle for the tenant.
	errorNotRunning = "not_running"
	// errorUnreachable marks a 502 produced because the local engine
	// call itself failed, e.g. connection refused while the engine is
	// still binding its port. Both are supervisor-originated and must
	// stay distinguishable from engine responses with the same status.
	errorUnreachable = "engine_unreachable"
)

// API exposes the supervisor over the internal management protocol.
type API struct {
	sup    Runner
	secret string
}

// NewAPI creates the HTTP facade for a supervisor.
func NewAPI(sup Runner, secret string) *API {
	return &API{sup: sup, secret: secret}
}

// Router builds the supervisord route tree.
func (a *API) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(a.requireSecret)

	r.Route("/tenants/{id}", func(r chi.Router) {
		r.Post("/start", a.handleStart)
		r.Post("/stop", a.handleStop)
		r.Get("/status", a.handleStatus)
		r.Handle("/proxy/*", http.HandlerFunc(a.handleProxy))
	})
	return r
}

func (a *API) requireSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented := r.Header.Get(SecretHeader)
		if subtle.ConstantTimeCompare([]byte(presented), []byte(a.secret)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid supervisor secret"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type startRequest struct {
	Port int               `json:"port"`
	Env  map[string]string `json:"env,omitempty"`
}

func (a *API) handleStart(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "id")

	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	err := a.sup.Spawn(r.Context(), SpawnSpec{TenantID: tenantID, Port: req.Port, Env: req.Env})
	switch {
	case errors.Is(err, ErrAlreadyRunning):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, ErrPortInUse):
		writeJSON(w, http.StatusLocked, map[string]string{"error": err.Error()})
	case err != nil:
		slog.ErrorContext(r.Context(), "spawn failed",
			logger.TenantID(tenantID),
			logger.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"tenant_id": tenantID, "port": req.Port})
	}
}

func (a *API) handleStop(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "id")
	if err := a.sup.Terminate(r.Context(), tenantID); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"tenant_id": tenantID, "status": "stopped"})
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := a.sup.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleProxy forwards the wrapped request to the tenant engine and
// relays the raw upstream status, headers and body.
func (a *API) handleProxy(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "id")

	// Rewrite the path so the engine sees the request relative to its
	// own root, not the supervisor's /tenants/{id}/proxy mount.
	inner := r.Clone(r.Context())
	inner.URL.Path = "/" + strings.TrimPrefix(chi.URLParam(r, "*"), "/")
	inner.URL.RawPath = ""

	resp, err := a.sup.Forward(r.Context(), tenantID, inner)
	if errors.Is(err, ErrNotRunning) {
		// Marked so Client can tell this apart from an engine 503.
		w.Header().Set(errorHeader, errorNotRunning)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "tenant process not running"})
		return
	}
	if err != nil {
		slog.ErrorContext(r.Context(), "proxy forward failed",
			logger.TenantID(tenantID),
			logger.Error(err),
		)
		w.Header().Set(errorHeader, errorUnreachable)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	defer resp.Body.Close()

	for name, vals := range resp.Header {
		for _, v := range vals {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		slog.WarnContext(r.Context(), "proxy body copy interrupted",
			logger.TenantID(tenantID),
			logger.Error(err),
		)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
