// Package client is a thin convenience wrapper for CLI tools to call the
// firewall daemon's operator API over a Unix-domain socket. It decodes
// responses into the DTOs from pkg/api and internal/store so callers get
// strongly-typed results instead of generic maps.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"

	"github.com/Vaidhanik/Firewall-sub000/internal/store"
	"github.com/Vaidhanik/Firewall-sub000/pkg/api"
)

// Client holds an http.Client wired to a Unix socket.
type Client struct {
	hc   *http.Client
	base string // dummy scheme+host for Request.URL (http://unix)
}

// New returns a Client that dials the given Unix-domain socket path.
func New(socketPath string) *Client {
	dial := func(ctx context.Context, _, _ string) (net.Conn, error) {
		return (&net.Dialer{}).DialContext(ctx, "unix", socketPath)
	}
	tr := &http.Transport{DialContext: dial}
	return &Client{hc: &http.Client{Transport: tr}, base: "http://unix"}
}

// Add sends a request to add a blocking rule for app against target,
// returning the new rule's id.
func (c *Client) Add(ctx context.Context, app, target string) (int64, error) {
	req := api.AddRequest{App: app, Target: target}
	var resp api.AddResponse
	if err := c.postJSON(ctx, "/v1/add", req, &resp); err != nil {
		return 0, err
	}
	return resp.RuleID, nil
}

// Remove sends a request to remove the rule with the given id.
func (c *Client) Remove(ctx context.Context, ruleID int64) error {
	req := api.RemoveRequest{RuleID: ruleID}
	return c.post(ctx, "/v1/remove", req)
}

// ListActive retrieves every active rule from the daemon.
func (c *Client) ListActive(ctx context.Context) ([]store.Rule, error) {
	var out []store.Rule
	err := c.get(ctx, "/v1/list_active", &out)
	return out, err
}

// Stats retrieves cumulative engine activity counters from the daemon.
func (c *Client) Stats(ctx context.Context) (api.StatsResponse, error) {
	var out api.StatsResponse
	err := c.get(ctx, "/v1/stats", &out)
	return out, err
}

// TailAttempts retrieves the n most recent attempt log entries, newest
// first.
func (c *Client) TailAttempts(ctx context.Context, n int) ([]store.AttemptLog, error) {
	var out []store.AttemptLog
	err := c.get(ctx, fmt.Sprintf("/v1/tail_attempts?n=%d", n), &out)
	return out, err
}

// Status retrieves the current status of the daemon.
func (c *Client) Status(ctx context.Context) (api.StatusResponse, error) {
	var out api.StatusResponse
	err := c.get(ctx, "/v1/status", &out)
	return out, err
}

func (c *Client) post(ctx context.Context, path string, payload any) error {
	return c.postJSON(ctx, path, payload, nil)
}

func (c *Client) postJSON(ctx context.Context, path string, payload, out any) error {
	buf, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("daemon returned %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) get(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("daemon returned %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
