package api

import "time"

// ErrorResponse is the JSON shape of every non-2xx response. Code is
// set when the caller can act on a machine-readable class, e.g. the
// aggregation-window input errors.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// IdentifyResponse is returned from POST /identify. It mirrors the
// upstream verdict; LatencyMs is the face service's self-measured
// processing time.
type IdentifyResponse struct {
	Status    string   `json:"status"`
	Name      string   `json:"name,omitempty"`
	UserID    string   `json:"user_id,omitempty"`
	Reason    string   `json:"reason,omitempty"`
	LatencyMs *float64 `json:"latency_ms,omitempty"`
}

// EnrollResponse is returned from POST /enroll.
type EnrollResponse struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
}

// ClientEventRequest is the JSON body for POST /metrics/events: the
// client-reported subset of a metric event. SessionID and ClientRttMs
// must be present in the body; their values are still normalized like
// any other observation (an out-of-range number becomes absent, the
// event persists regardless).
type ClientEventRequest struct {
	SessionID          string   `json:"session_id"`
	ClientRttMs        *float64 `json:"client_rtt_ms"`
	ServerProcessingMs *float64 `json:"server_processing_ms,omitempty"`
	Status             string   `json:"status,omitempty"`
	Reason             string   `json:"reason,omitempty"`
}

// ClientEventResponse is always success-shaped: the telemetry path
// must never surface as a user-facing failure.
type ClientEventResponse struct {
	OK bool `json:"ok"`
}

// ScanTuningResponse is returned from GET /scan/config: the scan
// loop's operating point. Clients fetch this at session start instead
// of hard-coding thresholds.
type ScanTuningResponse struct {
	DurationMs   int `json:"duration_ms"`
	WindowSize   int `json:"window_size"`
	ConfirmCount int `json:"confirm_count"`

	MinAreaFrac float64 `json:"min_area_frac"`
	CenterBand  float64 `json:"center_band"`
	MinBlurVar  float64 `json:"min_blur_var"`

	GateRetryDelayMs  int     `json:"gate_retry_delay_ms"`
	ErrorRetryDelayMs int     `json:"error_retry_delay_ms"`
	FastRttMs         int     `json:"fast_rtt_ms"`
	SlowRttMs         int     `json:"slow_rtt_ms"`
	FastDelayMs       int     `json:"fast_delay_ms"`
	MediumDelayMs     int     `json:"medium_delay_ms"`
	SlowDelayMs       int     `json:"slow_delay_ms"`
	JitterFrac        float64 `json:"jitter_frac"`

	MaxFrameDim   int `json:"max_frame_dim"`
	JpegQuality   int `json:"jpeg_quality"`
	MaxFrameBytes int `json:"max_frame_bytes"`
}

// SessionStatusResponse is returned from GET /sessions/{sessionID}.
type SessionStatusResponse struct {
	SessionID       string    `json:"session_id"`
	FirstSeen       time.Time `json:"first_seen"`
	LastSeen        time.Time `json:"last_seen"`
	Attempts        int       `json:"attempts"`
	LastStatus      string    `json:"last_status,omitempty"`
	LastReason      string    `json:"last_reason,omitempty"`
	ConfirmedUserID string    `json:"confirmed_user_id,omitempty"`
	ConfirmedName   string    `json:"confirmed_name,omitempty"`
}
