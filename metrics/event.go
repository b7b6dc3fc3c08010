// Package metrics persists recognition latency observations as an
// append-only event log and computes per-session funnel statistics
// from it at read time.
package metrics

import (
	"math"
	"strings"
	"time"
)

// Source identifies the vantage point that measured an observation.
type Source string

const (
	// SourceServer marks events measured by the gateway while proxying
	// an identify call.
	SourceServer Source = "server"
	// SourceClient marks events reported by the browser after it
	// measured its own round trip.
	SourceClient Source = "client"
)

// Status is the outcome of a single identify attempt.
type Status string

const (
	StatusFound   Status = "found"
	StatusUnknown Status = "unknown"
	StatusError   Status = "error"
)

// Common reason codes attached to non-found events. Reason is free
// text; these are the values the gateway itself produces.
const (
	ReasonNoFace     = "no_face"
	ReasonLowQuality = "low_quality"
	ReasonAmbiguous  = "ambiguous"
	ReasonProxyError = "proxy_error"
)

// Event is one persisted observation. Immutable once written; Seq and
// CreatedAt are assigned by the store, never by the caller, so event
// ordering cannot be skewed by client clocks.
type Event struct {
	Seq       uint64    `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
	SessionID string    `json:"session_id,omitempty"`
	Source    Source    `json:"source"`
	Status    Status    `json:"status,omitempty"`
	Reason    string    `json:"reason,omitempty"`

	// Timing fields are milliseconds; nil means the field was not
	// observed, which is distinct from zero.
	ServerProcessingMs  *float64 `json:"server_processing_ms,omitempty"`
	GatewayUpstreamMs   *float64 `json:"gateway_upstream_ms,omitempty"`
	ClientRttMs         *float64 `json:"client_rtt_ms,omitempty"`
	NetworkLatencyMsEst *float64 `json:"network_latency_ms_est,omitempty"`
}

// Observation is the caller-supplied portion of an Event.
type Observation struct {
	SessionID string
	Source    Source
	Status    Status
	Reason    string

	ServerProcessingMs  *float64
	GatewayUpstreamMs   *float64
	ClientRttMs         *float64
	NetworkLatencyMsEst *float64
}

// Normalize clamps an observation into the invariants the log
// guarantees: numeric fields are finite and non-negative or absent,
// strings are trimmed, and the network-latency estimate is derived
// from RTT minus server processing (floored at zero) when both are
// present. An out-of-range field becomes absent; the observation as a
// whole is never rejected.
func (o *Observation) Normalize() {
	o.SessionID = strings.TrimSpace(o.SessionID)
	o.Reason = strings.TrimSpace(o.Reason)

	if o.Source != SourceServer && o.Source != SourceClient {
		o.Source = SourceServer
	}
	switch o.Status {
	case StatusFound, StatusUnknown, StatusError, "":
	default:
		o.Status = ""
	}

	o.ServerProcessingMs = sanitizeMs(o.ServerProcessingMs)
	o.GatewayUpstreamMs = sanitizeMs(o.GatewayUpstreamMs)
	o.ClientRttMs = sanitizeMs(o.ClientRttMs)
	o.NetworkLatencyMsEst = sanitizeMs(o.NetworkLatencyMsEst)

	if o.NetworkLatencyMsEst == nil && o.ClientRttMs != nil && o.ServerProcessingMs != nil {
		est := math.Max(0, *o.ClientRttMs-*o.ServerProcessingMs)
		o.NetworkLatencyMsEst = &est
	}
}

// sanitizeMs returns nil for values that would break the log's numeric
// invariant (negative, NaN, Inf).
func sanitizeMs(v *float64) *float64 {
	if v == nil {
		return nil
	}
	if math.IsNaN(*v) || math.IsInf(*v, 0) || *v < 0 {
		return nil
	}
	return v
}

// Ms is a convenience for building optional timing fields.
func Ms(v float64) *float64 { return &v }
