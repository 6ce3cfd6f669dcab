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
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"

	"github.com/hostbridge/hostbridge/internal/observability/logger"
	"github.com/hostbridge/hostbridge/internal/tenant"
)

// LoggingMiddleware logs HTTP requests
func LoggingMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				slog.InfoContext(r.Context(), "http_request",
					logger.RequestID(middleware.GetReqID(r.Context())),
					logger.Method(r.Method),
					logger.Path(r.URL.Path),
					logger.RemoteAddr(r.RemoteAddr),
					logger.UserAgent(r.UserAgent()),
					logger.StatusCode(ww.Status()),
					logger.Duration(time.Since(start).Milliseconds()),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// ResolveTenantMiddleware derives the tenant from the request host's
// subdomain and stores it in context. The routing key is re-checked
// against the credential's tenant later; the host header alone is never
// trusted to authorize anything.
func (h *Handler) ResolveTenantMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := h.routingKeyFromHost(r.Host)
		if key == "" {
			respondError(w, http.StatusNotFound, CodeNotFound, "unknown host")
			return
		}

		t, err := h.tenantService.ResolveRoutingKey(r.Context(), key)
		if err != nil {
			respondError(w, http.StatusNotFound, CodeNotFound, "tenant not found")
			return
		}

		ctx := context.WithValue(r.Context(), tenantKey, t)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// routingKeyFromHost strips the port and the configured base domain.
func (h *Handler) routingKeyFromHost(host string) string {
	if hostOnly, _, err := net.SplitHostPort(host); err == nil {
		host = hostOnly
	}
	suffix := "." + h.baseDomain
	if !strings.HasSuffix(host, suffix) {
		return ""
	}
	key := strings.TrimSuffix(host, suffix)
	if key == "" || strings.Contains(key, ".") {
		return ""
	}
	return key
}

// AuthMiddleware validates the management bearer token. Session
// issuance lives in the external identity provider; the gateway only
// verifies the HS256 signature and extracts the subject.
func (h *Handler) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			respondError(w, http.StatusUnauthorized, CodeInvalidAPIKey, "not authenticated")
			return
		}

		claims := jwt.RegisteredClaims{}
		token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(h.jwtSecret), nil
		})
		if err != nil || !token.Valid || claims.Subject == "" {
			respondError(w, http.StatusUnauthorized, CodeInvalidAPIKey, "invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireOwner loads the tenant from the id route param and verifies
// the authenticated user owns it.
func (h *Handler) requireOwner(w http.ResponseWriter, r *http.Request, tenantID string) *tenant.Tenant {
	t, err := h.tenantService.GetTenant(r.Context(), tenantID)
	if err != nil {
		respondError(w, http.StatusNotFound, CodeNotFound, "tenant not found")
		return nil
	}
	if t.OwnerID != GetUserID(r.Context()) {
		// Do not reveal existence of other users' tenants.
		respondError(w, http.StatusNotFound, CodeNotFound, "tenant not found")
		return nil
	}
	return t
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// presentedAPIKey extracts the data-plane credential, if any.
func presentedAPIKey(r *http.Request) string {
	if key := r.Header.Get(KeyHeader); key != "" {
		return key
	}
	return bearerToken(r)
}

// getClientIP extracts IP from request (handling proxies)
func getClientIP(r *http.Request) string {
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded != "" {
		if i := strings.Index(forwarded, ","); i != -1 {
			return strings.TrimSpace(forwarded[:i])
		}
		return forwarded
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
