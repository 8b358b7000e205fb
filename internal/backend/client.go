// Package backend is the HTTP client for the AirScales web application: the
// bridge endpoints that receive telemetry, the settings endpoint that owns
// the auto-switch preference, and the firmware catalogue.
package backend

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

// DefaultDeviceType is the device type reported to the firmware and mesh
// endpoints.
const DefaultDeviceType = "ESP32"

// Options configures a Client.
type Options struct {
	BaseURL    string
	Token      string // sent as a bearer token when set
	UserID     string
	DeviceType string
	Timeout    time.Duration
}

// Client talks to the backend. Safe for concurrent use.
type Client struct {
	base       *url.URL
	token      string
	userID     string
	deviceType string
	http       *http.Client
}

// HTTPError is returned for non-2xx responses.
type HTTPError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("backend: %s %s: HTTP %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("backend: %s %s: HTTP %d", e.Method, e.Path, e.StatusCode)
}

// New creates a Client for the backend at opts.BaseURL.
func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("backend: base URL is required")
	}
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("backend: parse base URL: %w", err)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.DeviceType == "" {
		opts.DeviceType = DefaultDeviceType
	}
	return &Client{
		base:       base,
		token:      opts.Token,
		userID:     opts.UserID,
		deviceType: opts.DeviceType,
		http:       &http.Client{Timeout: opts.Timeout},
	}, nil
}

// resolve turns an absolute or base-relative reference into a URL.
func (c *Client) resolve(ref string) (string, error) {
	u, err := url.Parse(strings.TrimPrefix(ref, "/"))
	if err != nil {
		return "", fmt.Errorf("backend: parse URL %q: %w", ref, err)
	}
	return c.base.ResolveReference(u).String(), nil
}

func (c *Client) newRequest(ctx context.Context, method, ref string, body any) (*http.Request, error) {
	target, err := c.resolve(ref)
	if err != nil {
		return nil, err
	}
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("backend: encode %s body: %w", ref, err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, r)
	if err != nil {
		return nil, fmt.Errorf("backend: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// doJSON sends body as JSON and decodes a JSON response into out, if non-nil.
func (c *Client) doJSON(ctx context.Context, method, ref string, body, out any) error {
	req, err := c.newRequest(ctx, method, ref, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("backend: %s %s: %w", method, ref, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, method, ref); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("backend: decode %s response: %w", ref, err)
	}
	return nil
}

func checkStatus(resp *http.Response, method, ref string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &HTTPError{
		Method:     method,
		Path:       ref,
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(snippet)),
	}
}
