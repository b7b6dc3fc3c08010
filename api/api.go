// Package api is the gateway's HTTP surface: the identify/enroll proxy
// to the external face service, the metric event write and read
// endpoints, and a bounded cache of recent scan sessions.
package api

import (
	"context"
	_ "embed"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/visage/gateway/faceapi"
	"github.com/visage/gateway/metrics"
	"github.com/visage/gateway/scan"
)

// FaceClient is the slice of the face-service client the gateway
// needs. The passive-adaptation call is client-side only and never
// proxied here.
type FaceClient interface {
	Identify(ctx context.Context, frame []byte, sessionID string) (faceapi.IdentifyResult, error)
	Enroll(ctx context.Context, frame []byte, name string) (faceapi.EnrollResult, error)
}

// API holds the dependencies needed by the REST handlers.
type API struct {
	store    metrics.EventStore
	face     FaceClient
	sessions *sessionCache
	logger   *slog.Logger
	stats    *promStats
	now      func() time.Time

	// Scan tuning served to clients; the loop's operating point is
	// owned by the gateway, not baked into each client build.
	scanCfg    scan.Config
	thresholds scan.GateThresholds
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger. If not set, a default JSON
// logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) { a.logger = logger }
}

// WithSessionCacheSize bounds the recent-session LRU.
func WithSessionCacheSize(n int) Option {
	return func(a *API) { a.sessions = newSessionCache(n) }
}

// WithClock overrides the time source used for upstream timing.
func WithClock(now func() time.Time) Option {
	return func(a *API) { a.now = now }
}

// WithScanTuning sets the scan operating point served to clients.
func WithScanTuning(cfg scan.Config, thresholds scan.GateThresholds) Option {
	return func(a *API) {
		a.scanCfg = cfg
		a.thresholds = thresholds
	}
}

// New creates a new API instance.
func New(store metrics.EventStore, face FaceClient, opts ...Option) *API {
	a := &API{
		store:      store,
		face:       face,
		stats:      newPromStats(),
		now:        time.Now,
		scanCfg:    scan.DefaultConfig(),
		thresholds: scan.DefaultThresholds(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	a.logger = a.logger.With("component", "gateway")
	if a.sessions == nil {
		a.sessions = newSessionCache(defaultSessionCacheSize)
	}
	return a
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	r.Post("/identify", a.Identify)
	r.Post("/enroll", a.Enroll)

	r.Post("/metrics/events", a.RecordClientEvent)
	r.Get("/metrics/summary", a.MetricsSummary)

	r.Get("/scan/config", a.ScanTuning)

	r.Get("/sessions/{sessionID}", a.SessionStatus)

	return r
}

// StatsMiddleware instruments requests with the prometheus collectors.
func (a *API) StatsMiddleware(next http.Handler) http.Handler {
	return a.stats.middleware(next)
}

// StatsHandler serves the prometheus exposition endpoint.
func (a *API) StatsHandler() http.Handler {
	return a.stats.handler()
}
