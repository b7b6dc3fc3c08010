// Package faceapi is the HTTP client for the external face-recognition
// service. The gateway owns no embedding logic; it only proxies frames
// and interprets the narrow status/name/reason/latency surface.
package faceapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"
)

// Status is the remote service's verdict for one frame.
type Status string

const (
	StatusFound   Status = "found"
	StatusUnknown Status = "unknown"
	StatusError   Status = "error"
)

// IdentifyResult is the subset of the identify response the gateway
// cares about. Optional fields stay zero/nil when the service omits
// them.
type IdentifyResult struct {
	Status    Status   `json:"status"`
	Name      string   `json:"name,omitempty"`
	UserID    string   `json:"user_id,omitempty"`
	Reason    string   `json:"reason,omitempty"`
	LatencyMs *float64 `json:"latency_ms,omitempty"`
}

// EnrollResult is returned by the registration call.
type EnrollResult struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
}

const defaultTimeout = 10 * time.Second

// sessionHeader carries the scan-session correlation token upstream.
const sessionHeader = "X-Session-ID"

// Client talks to the face service over HTTP.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithAPIKey sets the upstream API key header.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// NewClient creates a client for the face service at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Identify posts one frame and returns the service's verdict. A
// transport or non-2xx failure is an error; an "unknown face" is not.
func (c *Client) Identify(ctx context.Context, frame []byte, sessionID string) (IdentifyResult, error) {
	var res IdentifyResult
	err := c.postImage(ctx, "/identify", frame, map[string]string{}, sessionID, &res)
	if err != nil {
		return IdentifyResult{}, err
	}
	return res, nil
}

// Enroll registers a new face under the given display name.
func (c *Client) Enroll(ctx context.Context, frame []byte, name string) (EnrollResult, error) {
	var res EnrollResult
	err := c.postImage(ctx, "/enroll", frame, map[string]string{"name": name}, "", &res)
	if err != nil {
		return EnrollResult{}, err
	}
	return res, nil
}

// Adapt feeds a freshly confirmed frame back so the service can refine
// its stored embedding for userID. Callers treat failure as advisory;
// the response body is ignored.
func (c *Client) Adapt(ctx context.Context, frame []byte, userID string) error {
	return c.postImage(ctx, "/adapt", frame, map[string]string{"user_id": userID}, "", nil)
}

func (c *Client) postImage(ctx context.Context, path string, frame []byte, fields map[string]string, sessionID string, out any) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	part, err := mw.CreateFormFile("image", "frame.jpg")
	if err != nil {
		return fmt.Errorf("building multipart body: %w", err)
	}
	if _, err := part.Write(frame); err != nil {
		return fmt.Errorf("building multipart body: %w", err)
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return fmt.Errorf("building multipart body: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("building multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if sessionID != "" {
		req.Header.Set(sessionHeader, sessionID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling face service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Read a little of the body for the log line, then drop it.
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("face service returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding face service response: %w", err)
	}
	return nil
}
