// Package config defines the gateway configuration and its loading
// order: built-in defaults, then an optional YAML file, then
// environment overrides.
package config

import (
	"time"

	"github.com/visage/gateway/scan"
)

// Scan holds the recognition-loop tuning. Every value here is an
// operating point carried in config rather than a hard-coded constant;
// the loop only guarantees the policy shape around them.
type Scan struct {
	// DurationMs bounds a whole scan session.
	DurationMs int `koanf:"duration_ms"`
	// WindowSize is the recent-match window capacity.
	WindowSize int `koanf:"window_size"`
	// ConfirmCount is the temporal-confirmation threshold.
	ConfirmCount int `koanf:"confirm_count"`

	// Foreground gate thresholds.
	MinAreaFrac float64 `koanf:"min_area_frac"`
	CenterBand  float64 `koanf:"center_band"`
	MinBlurVar  float64 `koanf:"min_blur_var"`

	// Cadence policy: RTT band breakpoints and the matching delays.
	GateRetryDelayMs  int     `koanf:"gate_retry_delay_ms"`
	ErrorRetryDelayMs int     `koanf:"error_retry_delay_ms"`
	FastRTTMs         int     `koanf:"fast_rtt_ms"`
	SlowRTTMs         int     `koanf:"slow_rtt_ms"`
	FastDelayMs       int     `koanf:"fast_delay_ms"`
	MediumDelayMs     int     `koanf:"medium_delay_ms"`
	SlowDelayMs       int     `koanf:"slow_delay_ms"`
	JitterFrac        float64 `koanf:"jitter_frac"`

	// Frame capture bounds.
	MaxFrameDim   int `koanf:"max_frame_dim"`
	JPEGQuality   int `koanf:"jpeg_quality"`
	MaxFrameBytes int `koanf:"max_frame_bytes"`
}

// Config is the full process configuration.
type Config struct {
	// Addr is the HTTP listen address, e.g. ":8090".
	Addr string `koanf:"addr"`
	// DataDir holds the embedded metrics database.
	DataDir string `koanf:"data_dir"`

	// FaceServiceURL is the base URL of the external recognition service.
	FaceServiceURL string `koanf:"face_service_url"`
	// FaceServiceKey is the upstream bearer token, if any.
	FaceServiceKey string `koanf:"face_service_key"`
	// UpstreamTimeoutMs caps each proxied call to the face service.
	UpstreamTimeoutMs int `koanf:"upstream_timeout_ms"`

	// RetentionDays is how long metric events are kept.
	RetentionDays int `koanf:"retention_days"`
	// SessionCacheSize bounds the recent-session LRU.
	SessionCacheSize int `koanf:"session_cache_size"`

	Scan Scan `koanf:"scan"`
}

// New returns the built-in defaults. The scan block is derived from
// the engine's own defaults so the operating point has a single home.
func New() *Config {
	sc := scan.DefaultConfig()
	gt := scan.DefaultThresholds()
	return &Config{
		Addr:              ":8090",
		DataDir:           "./data",
		FaceServiceURL:    "http://localhost:8000",
		UpstreamTimeoutMs: 10_000,
		RetentionDays:     30,
		SessionCacheSize:  256,
		Scan: Scan{
			DurationMs:        asMs(sc.Duration),
			WindowSize:        sc.WindowSize,
			ConfirmCount:      sc.ConfirmCount,
			MinAreaFrac:       gt.MinAreaFrac,
			CenterBand:        gt.CenterBand,
			MinBlurVar:        gt.MinBlurVar,
			GateRetryDelayMs:  asMs(sc.GateRetryDelay),
			ErrorRetryDelayMs: asMs(sc.ErrorRetryDelay),
			FastRTTMs:         asMs(sc.FastRTT),
			SlowRTTMs:         asMs(sc.SlowRTT),
			FastDelayMs:       asMs(sc.FastDelay),
			MediumDelayMs:     asMs(sc.MediumDelay),
			SlowDelayMs:       asMs(sc.SlowDelay),
			JitterFrac:        sc.JitterFrac,
			MaxFrameDim:       sc.Capture.MaxDim,
			JPEGQuality:       sc.Capture.Quality,
			MaxFrameBytes:     sc.Capture.MaxBytes,
		},
	}
}

// ScanConfig converts the loaded scan block back into the engine's
// tuning struct.
func (c *Config) ScanConfig() scan.Config {
	s := c.Scan
	return scan.Config{
		Duration:        fromMs(s.DurationMs),
		WindowSize:      s.WindowSize,
		ConfirmCount:    s.ConfirmCount,
		GateRetryDelay:  fromMs(s.GateRetryDelayMs),
		ErrorRetryDelay: fromMs(s.ErrorRetryDelayMs),
		FastRTT:         fromMs(s.FastRTTMs),
		SlowRTT:         fromMs(s.SlowRTTMs),
		FastDelay:       fromMs(s.FastDelayMs),
		MediumDelay:     fromMs(s.MediumDelayMs),
		SlowDelay:       fromMs(s.SlowDelayMs),
		JitterFrac:      s.JitterFrac,
		Capture: scan.CaptureOptions{
			MaxDim:   s.MaxFrameDim,
			Quality:  s.JPEGQuality,
			MaxBytes: s.MaxFrameBytes,
		},
	}
}

// GateThresholds converts the loaded gate cutoffs.
func (c *Config) GateThresholds() scan.GateThresholds {
	return scan.GateThresholds{
		MinAreaFrac: c.Scan.MinAreaFrac,
		CenterBand:  c.Scan.CenterBand,
		MinBlurVar:  c.Scan.MinBlurVar,
	}
}

func asMs(d time.Duration) int {
	return int(d / time.Millisecond)
}

func fromMs(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// UpstreamTimeout returns the proxied-call timeout as a duration.
func (c *Config) UpstreamTimeout() time.Duration {
	return time.Duration(c.UpstreamTimeoutMs) * time.Millisecond
}

// Retention returns the metric retention window as a duration.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}
