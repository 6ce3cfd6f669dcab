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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client speaks the management protocol to a remote supervisord,
// implementing Runner for deployments where the gateway and the
// compute host are separate processes.
type Client struct {
	baseURL string
	secret  string
	http    *http.Client
}

// NewClient creates a protocol client for one supervisord instance.
func NewClient(baseURL, secret string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		http: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Spawn asks the remote host to start a tenant process.
func (c *Client) Spawn(ctx context.Context, spec SpawnSpec) error {
	body, err := json.Marshal(startRequest{Port: spec.Port, Env: spec.Env})
	if err != nil {
		return err
	}

	resp, err := c.do(ctx, http.MethodPost, "/tenants/"+url.PathEscape(spec.TenantID)+"/start", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusConflict:
		return ErrAlreadyRunning
	case http.StatusLocked:
		return fmt.Errorf("%w: %d", ErrPortInUse, spec.Port)
	default:
		return fmt.Errorf("supervisor start returned %d", resp.StatusCode)
	}
}

// Terminate asks the remote host to stop a tenant process.
func (c *Client) Terminate(ctx context.Context, tenantID string) error {
	resp, err := c.do(ctx, http.MethodPost, "/tenants/"+url.PathEscape(tenantID)+"/stop", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("supervisor stop returned %d", resp.StatusCode)
	}
	return nil
}

// Status fetches the remote process status.
func (c *Client) Status(ctx context.Context, tenantID string) (Status, error) {
	resp, err := c.do(ctx, http.MethodGet, "/tenants/"+url.PathEscape(tenantID)+"/status", nil)
	if err != nil {
		return Status{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Status{}, fmt.Errorf("supervisor status returned %d", resp.StatusCode)
	}

	var status Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return Status{}, fmt.Errorf("failed to decode status: %w", err)
	}
	return status, nil
}

// Forward relays a request through the remote proxy route. The caller
// owns the returned Body.
func (c *Client) Forward(ctx context.Context, tenantID string, r *http.Request) (*http.Response, error) {
	path := "/tenants/" + url.PathEscape(tenantID) + "/proxy" + r.URL.EscapedPath()
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}

	out, err := http.NewRequestWithContext(ctx, r.Method, c.baseURL+path, r.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to build supervisor request: %w", err)
	}
	out.Header = filterRequestHeaders(r.Header)
	out.Header.Set(SecretHeader, c.secret)

	resp, err := c.http.Do(out)
	if err != nil {
		return nil, fmt.Errorf("supervisor proxy call failed: %w", err)
	}

	// Supervisor-originated failures come back as errors so the
	// caller's retry policy applies; only genuine engine responses are
	// returned as responses.
	switch resp.Header.Get(errorHeader) {
	case errorNotRunning:
		resp.Body.Close()
		return nil, ErrNotRunning
	case errorUnreachable:
		resp.Body.Close()
		return nil, fmt.Errorf("engine unreachable behind supervisor: %d", resp.StatusCode)
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(SecretHeader, c.secret)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("supervisor call failed: %w", err)
	}
	return resp, nil
}
