// Package testutil provides an HTTP client, response assertions, and a
// recording capture transport for testing the kitchensink app.
package testutil

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

// AppClient is an HTTP client for driving the app in tests. It never follows
// redirects so tests can assert on navigation targets.
type AppClient struct {
	BaseURL    string
	HTTPClient *http.Client
	Headers    map[string]string
	t          *testing.T
}

// NewAppClient creates a client pointed at a test server.
func NewAppClient(t *testing.T, server *httptest.Server) *AppClient {
	hc := *server.Client()
	hc.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &AppClient{
		BaseURL:    server.URL,
		HTTPClient: &hc,
		Headers:    map[string]string{},
		t:          t,
	}
}

// Response wraps an HTTP response with helper methods.
type Response struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
	t          *testing.T
}

// JSON unmarshals the response body into v.
func (r *Response) JSON(v any) {
	r.t.Helper()
	if err := json.Unmarshal(r.Body, v); err != nil {
		r.t.Fatalf("failed to unmarshal response: %v\nbody: %s", err, string(r.Body))
	}
}

// JSONMap returns the response body as a map.
func (r *Response) JSONMap() map[string]any {
	r.t.Helper()
	var m map[string]any
	r.JSON(&m)
	return m
}

// AssertStatus asserts the response has the expected status code.
func (r *Response) AssertStatus(expected int) *Response {
	r.t.Helper()
	if r.StatusCode != expected {
		r.t.Errorf("expected status %d, got %d\nbody: %s", expected, r.StatusCode, string(r.Body))
	}
	return r
}

// AssertBodyContains asserts the response body contains the given substring.
func (r *Response) AssertBodyContains(substr string) *Response {
	r.t.Helper()
	if !strings.Contains(string(r.Body), substr) {
		r.t.Errorf("expected body to contain %q, got: %s", substr, string(r.Body))
	}
	return r
}

// AssertRedirect asserts a 303 to location.
func (r *Response) AssertRedirect(location string) *Response {
	r.t.Helper()
	if r.StatusCode != http.StatusSeeOther {
		r.t.Errorf("expected status 303, got %d", r.StatusCode)
	}
	if got := r.Headers.Get("Location"); got != location {
		r.t.Errorf("expected Location %q, got %q", location, got)
	}
	return r
}

// Get performs a GET request.
func (c *AppClient) Get(path string) *Response {
	c.t.Helper()
	req, err := http.NewRequest(http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		c.t.Fatalf("failed to create request: %v", err)
	}
	return c.doReq(req)
}

// Post performs a POST request with a JSON body.
func (c *AppClient) Post(path string, body any) *Response {
	c.t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			c.t.Fatalf("failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(http.MethodPost, c.BaseURL+path, reader)
	if err != nil {
		c.t.Fatalf("failed to create request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.doReq(req)
}

// PostForm performs a POST request with a form-encoded body.
func (c *AppClient) PostForm(path string, values map[string]string) *Response {
	c.t.Helper()
	form := url.Values{}
	for k, v := range values {
		form.Set(k, v)
	}
	req, err := http.NewRequest(http.MethodPost, c.BaseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		c.t.Fatalf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.doReq(req)
}

func (c *AppClient) doReq(req *http.Request) *Response {
	c.t.Helper()
	for k, v := range c.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		c.t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.t.Fatalf("failed to read response: %v", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Body:       respBody,
		Headers:    resp.Header,
		t:          c.t,
	}
}
