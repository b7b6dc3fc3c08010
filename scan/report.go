package scan

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPRecorder reports client-vantage observations to the gateway's
// metrics write endpoint. The endpoint always answers success-shaped,
// so the only errors seen here are transport failures, which the loop
// logs and drops.
type HTTPRecorder struct {
	url  string
	http *http.Client
}

// NewHTTPRecorder builds a recorder posting to url (the full
// /metrics/events endpoint).
func NewHTTPRecorder(url string) *HTTPRecorder {
	return &HTTPRecorder{
		url:  url,
		http: &http.Client{Timeout: 5 * time.Second},
	}
}

type clientEventBody struct {
	SessionID          string   `json:"session_id"`
	ClientRttMs        float64  `json:"client_rtt_ms"`
	ServerProcessingMs *float64 `json:"server_processing_ms,omitempty"`
	Status             string   `json:"status,omitempty"`
	Reason             string   `json:"reason,omitempty"`
}

// Record posts one observation. It never blocks the loop for long; the
// client carries a short timeout.
func (r *HTTPRecorder) Record(ctx context.Context, sessionID string, obs Observation) error {
	body, err := json.Marshal(clientEventBody{
		SessionID:          sessionID,
		ClientRttMs:        obs.ClientRttMs,
		ServerProcessingMs: obs.ServerProcessingMs,
		Status:             obs.Status,
		Reason:             obs.Reason,
	})
	if err != nil {
		return fmt.Errorf("encoding observation: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building report request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		return fmt.Errorf("posting observation: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("metrics endpoint returned %d", resp.StatusCode)
	}
	return nil
}
