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
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hostbridge/hostbridge/internal/apikey"
	"github.com/hostbridge/hostbridge/internal/observability/logger"
	"github.com/hostbridge/hostbridge/internal/ratelimit"
	"github.com/hostbridge/hostbridge/internal/supervisor"
	"github.com/hostbridge/hostbridge/internal/tenant"
	"github.com/hostbridge/hostbridge/internal/usage"
)

// collectionAdminPrefix marks engine endpoints that mutate schema.
// Calls here need an admin-scoped key and skip the per-key limiter.
const collectionAdminPrefix = "/api/collections"

// maxBufferedBody bounds how much request body is held in memory for
// retry replays. Larger bodies are rejected rather than truncated.
const maxBufferedBody = 32 << 20

var errBodyTooLarge = errors.New("request body exceeds buffer limit")

// Forward is the data-plane entry point. It admits the request,
// ensures the tenant engine is up, proxies the call with bounded
// retries, and relays whatever the engine answered.
func (h *Handler) Forward(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	t := GetTenant(r.Context())
	if t == nil {
		respondError(w, http.StatusNotFound, CodeNotFound, "tenant not found")
		return
	}

	ident, ok := h.admit(w, r, t)
	if !ok {
		return
	}

	if strings.HasPrefix(r.URL.Path, collectionAdminPrefix) {
		if ident == nil || ident.Scope != apikey.ScopeAdmin {
			respondError(w, http.StatusUnauthorized, CodeInvalidAPIKey, "admin key required")
			return
		}
		h.forwardAdmin(w, r, t, ident)
		return
	}

	if ident != nil && ident.Scope == apikey.ScopeStandard {
		d := h.limiter.Allow("key:"+ident.CredentialID, h.keyLimit, h.keyWindow)
		writeRateHeaders(w, d)
		if !d.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(ceilSeconds(d.RetryAfter)))
			respondError(w, http.StatusTooManyRequests, CodeRateLimited, "rate limit exceeded")
			return
		}
	}

	if t.State != tenant.StateRunning {
		if !h.lifecycle.Wake(r.Context(), t.ID) {
			respondError(w, http.StatusServiceUnavailable, CodeInstanceUnavailable, "instance could not be started")
			return
		}
	}

	body, err := readBody(r)
	if err != nil {
		if errors.Is(err, errBodyTooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, CodeBadRequest, "request body too large")
			return
		}
		respondError(w, http.StatusBadRequest, CodeBadRequest, "failed to read request body")
		return
	}

	resp, release, err := h.forwardWithRetry(r, t, body)
	if err != nil {
		slog.ErrorContext(r.Context(), "forward attempts exhausted",
			logger.TenantID(t.ID),
			logger.Error(err),
		)
		respondError(w, http.StatusServiceUnavailable, CodeInstanceUnavailable, "instance unavailable")
		return
	}
	defer release()
	defer resp.Body.Close()

	h.finishRequest(r, t, ident, resp.StatusCode, time.Since(start))
	relayResponse(w, resp)
}

// forwardAdmin relays a collection-management call in a single pass.
// Schema mutations are not idempotent from the gateway's point of
// view, so they never enter the retry loop.
func (h *Handler) forwardAdmin(w http.ResponseWriter, r *http.Request, t *tenant.Tenant, ident *apikey.Identity) {
	start := time.Now()

	if t.State != tenant.StateRunning {
		if !h.lifecycle.Wake(r.Context(), t.ID) {
			respondError(w, http.StatusServiceUnavailable, CodeInstanceUnavailable, "instance could not be started")
			return
		}
	}

	callCtx, cancel := context.WithCancel(r.Context())
	defer cancel()
	timer := time.AfterFunc(h.callTimeout, cancel)

	resp, err := h.runner.Forward(callCtx, t.ID, r)
	timer.Stop()
	if err != nil {
		if errors.Is(err, supervisor.ErrNotRunning) {
			respondError(w, http.StatusServiceUnavailable, CodeInstanceUnavailable, "instance unavailable")
			return
		}
		slog.ErrorContext(r.Context(), "admin forward failed",
			logger.TenantID(t.ID),
			logger.Error(err),
		)
		respondError(w, http.StatusInternalServerError, CodeProxyError, "proxy error")
		return
	}
	defer resp.Body.Close()

	h.finishRequest(r, t, ident, resp.StatusCode, time.Since(start))
	relayResponse(w, resp)
}

// admit validates a presented credential against the resolved tenant.
// A request with no credential passes through with a nil identity; the
// engine applies its own rules to anonymous calls.
func (h *Handler) admit(w http.ResponseWriter, r *http.Request, t *tenant.Tenant) (*apikey.Identity, bool) {
	raw := presentedAPIKey(r)
	if raw == "" {
		return nil, true
	}

	ident, err := h.keyService.Validate(r.Context(), raw)
	if err != nil {
		respondError(w, http.StatusUnauthorized, CodeInvalidAPIKey, "invalid API key")
		return nil, false
	}

	// The host header routed us here; the credential decides whether
	// the caller belongs. A valid key for another tenant is rejected.
	if ident.TenantID != t.ID {
		respondError(w, http.StatusUnauthorized, CodeInvalidAPIKey, "invalid API key")
		return nil, false
	}

	return ident, true
}

// forwardWithRetry drives the attempt loop. A supervisor "not running"
// answer or a transport error is retryable, with a fresh wake before
// every retry. Any HTTP response from the engine, error status
// included, ends the loop. The returned release func disposes of the
// attempt's context and must be called after the body is consumed.
func (h *Handler) forwardWithRetry(r *http.Request, t *tenant.Tenant, body []byte) (*http.Response, context.CancelFunc, error) {
	var lastErr error

	for attempt := 1; attempt <= h.retry.MaxAttempts; attempt++ {
		if attempt > 1 {
			if !sleepCtx(r.Context(), h.retry.Delay(attempt)) {
				return nil, nil, r.Context().Err()
			}
			// The engine may have crashed since the last attempt.
			h.lifecycle.Wake(r.Context(), t.ID)
		}

		// The timeout covers the call up to response headers. It is
		// disarmed on success so the body can stream to the client
		// under the request's own context, however large.
		callCtx, cancel := context.WithCancel(r.Context())
		timer := time.AfterFunc(h.callTimeout, cancel)

		out := r.Clone(callCtx)
		out.Body = io.NopCloser(bytes.NewReader(body))
		out.ContentLength = int64(len(body))

		resp, err := h.runner.Forward(callCtx, t.ID, out)
		if err != nil {
			timer.Stop()
			cancel()
			lastErr = err
			if errors.Is(err, supervisor.ErrNotRunning) {
				slog.InfoContext(r.Context(), "engine not running, retrying",
					logger.TenantID(t.ID),
					logger.Attempt(attempt),
				)
			} else {
				slog.WarnContext(r.Context(), "forward attempt failed",
					logger.TenantID(t.ID),
					logger.Attempt(attempt),
					logger.Error(err),
				)
			}
			continue
		}

		timer.Stop()
		return resp, cancel, nil
	}

	if lastErr == nil {
		lastErr = supervisor.ErrNotRunning
	}
	return nil, nil, lastErr
}

// finishRequest dispatches the fire-and-forget side effects. Neither
// may delay or fail the response.
func (h *Handler) finishRequest(r *http.Request, t *tenant.Tenant, ident *apikey.Identity, status int, elapsed time.Duration) {
	h.tracker.Touch(t.ID)

	rec := usage.Record{
		TenantID:   t.ID,
		Method:     r.Method,
		Path:       r.URL.Path,
		StatusCode: status,
		Duration:   elapsed,
	}
	if ident != nil {
		rec.CredentialID = ident.CredentialID
	}
	h.usageRecorder.Record(rec)
}

// HealthCheck reports tenant metadata without touching the supervisor,
// so probes never consume retry budget.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	t := GetTenant(r.Context())
	if t == nil {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"tenant_id":   t.ID,
		"routing_key": t.RoutingKey,
		"state":       string(t.State),
	})
}

func relayResponse(w http.ResponseWriter, resp *http.Response) {
	for name, vals := range resp.Header {
		for _, v := range vals {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		slog.Warn("failed to relay engine response body", logger.Error(err))
	}
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	// Read one byte past the cap so truncation is detectable.
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBufferedBody+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxBufferedBody {
		return nil, errBodyTooLarge
	}
	return body, nil
}

func writeRateHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
}

func ceilSeconds(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
