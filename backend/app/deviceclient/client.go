// Package deviceclient speaks the HTTP command API exposed by network devices.
package deviceclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client is one live handle to a device.
type Client interface {
	Ping(ctx context.Context) error
	Status(ctx context.Context) (*StatusReport, error)
	EnterPayloadMode(ctx context.Context) error
	WritePayload(ctx context.Context, script string) error
	Execute(ctx context.Context) (*ExecResult, error)
	Close() error
}

// StatusReport is the body of GET /api/status.
type StatusReport struct {
	Status         string   `json:"status"`
	BatteryLevel   *int     `json:"batteryLevel,omitempty"`
	SignalStrength *int     `json:"signalStrength,omitempty"`
	Errors         []string `json:"errors,omitempty"`
}

// ExecResult is the body of POST /api/execute.
type ExecResult struct {
	Success bool   `json:"success"`
	Output  string `json:"output"`
	Error   string `json:"error,omitempty"`
}

// StatusError is returned when the device answers with a non-2xx code.
type StatusError struct {
	Path string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("device %s returned %d: %s", e.Path, e.Code, e.Body)
}

type Timeouts struct {
	Ping   time.Duration
	Status time.Duration
	Write  time.Duration
}

func (t Timeouts) withDefaults() Timeouts {
	if t.Ping <= 0 {
		t.Ping = 5 * time.Second
	}
	if t.Status <= 0 {
		t.Status = 5 * time.Second
	}
	if t.Write <= 0 {
		t.Write = 15 * time.Second
	}
	return t
}

// HTTPClient talks to http://<address>/api/... with one keep-alive transport
// per device.
type HTTPClient struct {
	deviceID  string
	baseURL   string
	timeouts  Timeouts
	transport *http.Transport
	http      *http.Client
}

// Dialer builds clients for devices; it does not touch the network.
type Dialer struct {
	Timeouts Timeouts
}

func (d Dialer) Dial(ctx context.Context, deviceID, address string) (Client, error) {
	if strings.TrimSpace(address) == "" {
		return nil, fmt.Errorf("device %s has no network address", deviceID)
	}
	return NewHTTPClient(deviceID, address, d.Timeouts), nil
}

func NewHTTPClient(deviceID, address string, timeouts Timeouts) *HTTPClient {
	base := address
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	tr := &http.Transport{
		MaxIdleConns:        1,
		MaxIdleConnsPerHost: 1,
		IdleConnTimeout:     90 * time.Second,
	}
	return &HTTPClient{
		deviceID:  deviceID,
		baseURL:   strings.TrimRight(base, "/"),
		timeouts:  timeouts.withDefaults(),
		transport: tr,
		http:      &http.Client{Transport: tr},
	}
}

func (c *HTTPClient) Ping(ctx context.Context) error {
	return c.do(ctx, c.timeouts.Ping, http.MethodGet, "/api/ping", nil, "", nil)
}

func (c *HTTPClient) Status(ctx context.Context) (*StatusReport, error) {
	var out StatusReport
	if err := c.do(ctx, c.timeouts.Status, http.MethodGet, "/api/status", nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) EnterPayloadMode(ctx context.Context) error {
	body, _ := json.Marshal(map[string]string{"mode": "payload"})
	return c.do(ctx, c.timeouts.Status, http.MethodPost, "/api/mode", body, "application/json", nil)
}

func (c *HTTPClient) WritePayload(ctx context.Context, script string) error {
	return c.do(ctx, c.timeouts.Write, http.MethodPost, "/api/payload", []byte(script), "text/plain; charset=utf-8", nil)
}

func (c *HTTPClient) Execute(ctx context.Context) (*ExecResult, error) {
	var out ExecResult
	if err := c.do(ctx, c.timeouts.Write, http.MethodPost, "/api/execute", nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) Close() error {
	c.transport.CloseIdleConnections()
	return nil
}

func (c *HTTPClient) do(ctx context.Context, timeout time.Duration, method, path string, body []byte, contentType string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
