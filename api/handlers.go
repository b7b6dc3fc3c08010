package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/visage/gateway/faceapi"
	"github.com/visage/gateway/metrics"
)

// maxUploadBytes bounds frames accepted by the proxy endpoints. Frames
// are already downscaled client-side; anything bigger is misuse.
const maxUploadBytes = 4 << 20

// sessionIDHeader is the correlation header the scan loop sends.
const sessionIDHeader = "X-Session-ID"

// Identify proxies one frame to the face service. The metric event for
// the attempt is recorded after the response has been chosen; a
// telemetry failure can never change the status or body returned here.
func (a *API) Identify(w http.ResponseWriter, r *http.Request) {
	frame, ok := readFramePart(w, r)
	if !ok {
		return
	}
	sessionID := strings.TrimSpace(r.Header.Get(sessionIDHeader))
	if sessionID == "" {
		sessionID = strings.TrimSpace(r.FormValue("session_id"))
	}

	start := a.now()
	res, err := a.face.Identify(r.Context(), frame, sessionID)
	upstreamMs := durMs(a.now().Sub(start))

	if err != nil {
		a.logger.Warn("identify proxy failed", "session_id", sessionID, "error", err)
		writeJSON(w, http.StatusBadGateway, IdentifyResponse{
			Status: string(faceapi.StatusError),
			Reason: metrics.ReasonProxyError,
		})
		a.recordServerEvent(sessionID, metrics.StatusError, metrics.ReasonProxyError, nil, &upstreamMs)
		a.stats.identifyProxied.WithLabelValues(string(faceapi.StatusError)).Inc()
		return
	}

	writeJSON(w, http.StatusOK, IdentifyResponse{
		Status:    string(res.Status),
		Name:      res.Name,
		UserID:    res.UserID,
		Reason:    res.Reason,
		LatencyMs: res.LatencyMs,
	})

	a.recordServerEvent(sessionID, metrics.Status(res.Status), res.Reason, res.LatencyMs, &upstreamMs)
	a.stats.identifyProxied.WithLabelValues(string(res.Status)).Inc()
	if sessionID != "" {
		a.sessions.observe(sessionID, a.now(), string(res.Status), res.Reason, res.UserID, res.Name)
	}
}

// Enroll proxies a face registration call.
func (a *API) Enroll(w http.ResponseWriter, r *http.Request) {
	frame, ok := readFramePart(w, r)
	if !ok {
		return
	}
	name := strings.TrimSpace(r.FormValue("name"))
	if name == "" {
		writeError(w, http.StatusBadRequest, "missing name field")
		return
	}

	res, err := a.face.Enroll(r.Context(), frame, name)
	if err != nil {
		a.logger.Warn("enroll proxy failed", "name", name, "error", err)
		writeError(w, http.StatusBadGateway, "face service unavailable")
		return
	}
	writeJSON(w, http.StatusOK, EnrollResponse{UserID: res.UserID, Name: res.Name})
}

// RecordClientEvent ingests one browser-measured observation. The body
// must be JSON of the right shape; beyond that, persistence failures
// are logged and the response stays success-shaped.
func (a *API) RecordClientEvent(w http.ResponseWriter, r *http.Request) {
	var req ClientEventRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	if req.ClientRttMs == nil {
		writeError(w, http.StatusBadRequest, "client_rtt_ms is required")
		return
	}

	_, err := a.store.Append(metrics.Observation{
		SessionID:          req.SessionID,
		Source:             metrics.SourceClient,
		Status:             metrics.Status(req.Status),
		Reason:             req.Reason,
		ServerProcessingMs: req.ServerProcessingMs,
		ClientRttMs:        req.ClientRttMs,
	})
	if err != nil {
		a.logger.Error("client metric event not persisted", "session_id", req.SessionID, "error", err)
		a.stats.eventsDropped.Inc()
	} else {
		a.stats.eventsPersisted.Inc()
	}

	writeJSON(w, http.StatusOK, ClientEventResponse{OK: true})
}

// MetricsSummary computes the aggregation for an optional [from, to)
// window. Window input errors are reported distinctly; unlike the
// write path there is no primary flow to protect, so a store read
// failure surfaces as a 500.
func (a *API) MetricsSummary(w http.ResponseWriter, r *http.Request) {
	from, to, err := metrics.ResolveWindow(r.URL.Query().Get("from"), r.URL.Query().Get("to"))
	if err != nil {
		writeWindowError(w, err)
		return
	}

	events, err := a.store.InWindow(from, to)
	if err != nil {
		a.logger.Error("metric summary read failed", "error", err)
		writeError(w, http.StatusInternalServerError, "reading metric events failed")
		return
	}

	writeJSON(w, http.StatusOK, metrics.Summarize(events))
}

// ScanTuning serves the scan loop's operating point.
func (a *API) ScanTuning(w http.ResponseWriter, r *http.Request) {
	cfg, gt := a.scanCfg, a.thresholds
	writeJSON(w, http.StatusOK, ScanTuningResponse{
		DurationMs:        int(cfg.Duration / time.Millisecond),
		WindowSize:        cfg.WindowSize,
		ConfirmCount:      cfg.ConfirmCount,
		MinAreaFrac:       gt.MinAreaFrac,
		CenterBand:        gt.CenterBand,
		MinBlurVar:        gt.MinBlurVar,
		GateRetryDelayMs:  int(cfg.GateRetryDelay / time.Millisecond),
		ErrorRetryDelayMs: int(cfg.ErrorRetryDelay / time.Millisecond),
		FastRttMs:         int(cfg.FastRTT / time.Millisecond),
		SlowRttMs:         int(cfg.SlowRTT / time.Millisecond),
		FastDelayMs:       int(cfg.FastDelay / time.Millisecond),
		MediumDelayMs:     int(cfg.MediumDelay / time.Millisecond),
		SlowDelayMs:       int(cfg.SlowDelay / time.Millisecond),
		JitterFrac:        cfg.JitterFrac,
		MaxFrameDim:       cfg.Capture.MaxDim,
		JpegQuality:       cfg.Capture.Quality,
		MaxFrameBytes:     cfg.Capture.MaxBytes,
	})
}

// SessionStatus returns the cached view of a recent scan session.
func (a *API) SessionStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	entry, ok := a.sessions.get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown or evicted session")
		return
	}
	writeJSON(w, http.StatusOK, SessionStatusResponse{
		SessionID:       entry.sessionID,
		FirstSeen:       entry.firstSeen,
		LastSeen:        entry.lastSeen,
		Attempts:        entry.attempts,
		LastStatus:      entry.lastStatus,
		LastReason:      entry.lastReason,
		ConfirmedUserID: entry.confirmedUserID,
		ConfirmedName:   entry.confirmedName,
	})
}

// recordServerEvent appends one gateway-vantage metric event,
// fire-and-forget.
func (a *API) recordServerEvent(sessionID string, status metrics.Status, reason string, serverMs, upstreamMs *float64) {
	_, err := a.store.Append(metrics.Observation{
		SessionID:          sessionID,
		Source:             metrics.SourceServer,
		Status:             status,
		Reason:             reason,
		ServerProcessingMs: serverMs,
		GatewayUpstreamMs:  upstreamMs,
	})
	if err != nil {
		a.logger.Error("server metric event not persisted", "session_id", sessionID, "error", err)
		a.stats.eventsDropped.Inc()
		return
	}
	a.stats.eventsPersisted.Inc()
}

func readFramePart(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart body")
		return nil, false
	}
	file, _, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing image part")
		return nil, false
	}
	defer file.Close()

	frame, err := io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading image part failed")
		return nil, false
	}
	if len(frame) > maxUploadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "image too large")
		return nil, false
	}
	return frame, true
}

func durMs(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
