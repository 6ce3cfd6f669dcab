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
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
)

// passthroughHeaders are the request headers forwarded to the engine.
// Everything else, hop-by-hop headers included, is dropped.
var passthroughHeaders = []string{
	"Content-Type",
	"Authorization",
	"Cookie",
	"User-Agent",
	"Referer",
	"Origin",
	"X-HostBridge-Key",
}

// passthroughPrefixes forwards header families such as Accept,
// Accept-Language and Accept-Encoding.
var passthroughPrefixes = []string{
	"Accept",
}

// strippedResponseHeaders are removed from the engine response before
// it is relayed. The body has already been transparently decoded by the
// transport, so passing these through would make clients double-decode
// or mistrust lengths.
var strippedResponseHeaders = []string{
	"Content-Encoding",
	"Content-Length",
	"Transfer-Encoding",
}

// Forward proxies one HTTP call to the tenant's local engine port.
// The returned response's Body is the caller's to close. An engine
// error response (4xx/5xx) is a successful forward, not an error.
func (s *Supervisor) Forward(ctx context.Context, tenantID string, r *http.Request) (*http.Response, error) {
	s.mu.Lock()
	h, exists := s.handles[tenantID]
	s.mu.Unlock()
	if !exists {
		return nil, ErrNotRunning
	}

	target := *r.URL
	target.Scheme = "http"
	target.Host = net.JoinHostPort("127.0.0.1", strconv.Itoa(h.port))

	out, err := http.NewRequestWithContext(ctx, r.Method, target.String(), r.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream request: %w", err)
	}
	out.Header = filterRequestHeaders(r.Header)
	if r.ContentLength > 0 {
		out.ContentLength = r.ContentLength
	}

	resp, err := s.client.Do(out)
	if err != nil {
		return nil, fmt.Errorf("engine call failed for tenant %s: %w", tenantID, err)
	}

	for _, name := range strippedResponseHeaders {
		resp.Header.Del(name)
	}
	return resp, nil
}

func filterRequestHeaders(in http.Header) http.Header {
	out := make(http.Header, len(passthroughHeaders))
	for _, name := range passthroughHeaders {
		if vals, ok := in[http.CanonicalHeaderKey(name)]; ok {
			out[http.CanonicalHeaderKey(name)] = vals
		}
	}
	for name, vals := range in {
		for _, prefix := range passthroughPrefixes {
			if strings.HasPrefix(name, prefix) {
				out[name] = vals
			}
		}
	}
	return out
}
