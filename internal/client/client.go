// Package client provides an HTTP client for the ingest stub's admin API.
package client

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

	"github.com/wondertwin-ai/kitchensink/internal/ingeststub"
)

// AdminClient talks to the stub's /admin/* endpoints.
type AdminClient struct {
	base string
	http *http.Client
}

// New creates an AdminClient for the stub at baseURL with a 5-second timeout.
func New(baseURL string) *AdminClient {
	return &AdminClient{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: 5 * time.Second},
	}
}

// Health checks GET /admin/health. Returns (ok, response body or error message).
func (c *AdminClient) Health(ctx context.Context) (bool, string) {
	body, status, err := c.do(ctx, http.MethodGet, "/admin/health", nil)
	if err != nil {
		return false, err.Error()
	}
	if status == http.StatusOK {
		return true, strings.TrimSpace(string(body))
	}
	return false, fmt.Sprintf("status %d: %s", status, body)
}

// Reset calls POST /admin/reset, dropping every stored event and flag.
func (c *AdminClient) Reset(ctx context.Context) error {
	body, status, err := c.do(ctx, http.MethodPost, "/admin/reset", nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("reset returned status %d: %s", status, body)
	}
	return nil
}

// SetFlags replaces the stub's static flag table.
func (c *AdminClient) SetFlags(ctx context.Context, flags []ingeststub.FeatureFlag) error {
	data, err := json.Marshal(flags)
	if err != nil {
		return err
	}
	body, status, err := c.do(ctx, http.MethodPost, "/admin/feature-flags", data)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("set flags failed (status %d): %s", status, body)
	}
	return nil
}

// Events lists captured events. Empty filters match everything.
func (c *AdminClient) Events(ctx context.Context, event, distinctID string) ([]ingeststub.CapturedEvent, error) {
	q := url.Values{}
	if event != "" {
		q.Set("event", event)
	}
	if distinctID != "" {
		q.Set("distinct_id", distinctID)
	}
	path := "/admin/events"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	body, status, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("list events returned status %d: %s", status, body)
	}
	var out struct {
		Events []ingeststub.CapturedEvent `json:"events"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decoding events: %w", err)
	}
	return out.Events, nil
}

func (c *AdminClient) do(ctx context.Context, method, path string, payload []byte) ([]byte, int, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return nil, 0, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}
