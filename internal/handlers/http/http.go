// Package http performs an outbound HTTP request for a task.
package http

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

const (
	DefaultTimeout = 30 * time.Second
	// MaxBody caps the response body kept in a task result.
	MaxBody = 1 << 20
)

type HTTP struct {
	Client *http.Client
}

type Request struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
	// Timeout is a Go duration string ("5s"). Empty means DefaultTimeout.
	Timeout string `json:"timeout,omitempty"`
}

type Response struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       string            `json:"body,omitempty"`
}

// Handle sends the request and returns the response. Status codes of 400 and
// above fail the task.
func (h HTTP) Handle(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("invalid HTTP request payload: %w", err)
	}
	if req.URL == "" {
		return nil, fmt.Errorf("url is required")
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	timeout := DefaultTimeout
	if s := strings.TrimSpace(req.Timeout); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid timeout %q", req.Timeout)
		}
		timeout = d
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(requestBody(req.Body))
	}
	httpReq, err := http.NewRequestWithContext(ctx, strings.ToUpper(req.Method), req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, MaxBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	out := Response{StatusCode: resp.StatusCode, Headers: map[string]string{}, Body: string(respBody)}
	for k := range resp.Header {
		out.Headers[k] = resp.Header.Get(k)
	}
	return json.Marshal(out)
}

// requestBody sends JSON strings as their raw text and anything else as JSON.
func requestBody(raw json.RawMessage) []byte {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []byte(s)
	}
	return raw
}
