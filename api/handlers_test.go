package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visage/gateway/faceapi"
	"github.com/visage/gateway/metrics"
	"github.com/visage/gateway/scan"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

type stubFace struct {
	identifyRes faceapi.IdentifyResult
	identifyErr error
	enrollRes   faceapi.EnrollResult
	enrollErr   error

	identifyCalls int
	lastFrame     []byte
	lastSessionID string
	lastName      string
}

func (f *stubFace) Identify(ctx context.Context, frame []byte, sessionID string) (faceapi.IdentifyResult, error) {
	f.identifyCalls++
	f.lastFrame = frame
	f.lastSessionID = sessionID
	return f.identifyRes, f.identifyErr
}

func (f *stubFace) Enroll(ctx context.Context, frame []byte, name string) (faceapi.EnrollResult, error) {
	f.lastFrame = frame
	f.lastName = name
	return f.enrollRes, f.enrollErr
}

// failingStore rejects every append; reads are empty.
type failingStore struct{}

func (failingStore) Append(metrics.Observation) (metrics.Event, error) {
	return metrics.Event{}, fmt.Errorf("disk full")
}
func (failingStore) InWindow(from, to time.Time) ([]metrics.Event, error) { return nil, nil }
func (failingStore) Close() error                                         { return nil }

func newTestAPI(t *testing.T, face FaceClient) (*API, *metrics.MemoryStore) {
	t.Helper()
	store := metrics.NewMemoryStore()
	a := New(store, face)
	return a, store
}

// frameRequest builds a multipart request with an image part plus
// extra form fields.
func frameRequest(t *testing.T, target string, fields map[string]string) *http.Request {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("image", "frame.jpg")
	require.NoError(t, err)
	_, err = part.Write([]byte("jpeg-bytes"))
	require.NoError(t, err)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, target, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(out))
}

func ptr(v float64) *float64 { return &v }

// ---------------------------------------------------------------------------
// POST /identify
// ---------------------------------------------------------------------------

func TestIdentify_ProxiesVerdictAndRecordsEvent(t *testing.T) {
	face := &stubFace{identifyRes: faceapi.IdentifyResult{
		Status: faceapi.StatusFound, Name: "Ada", UserID: "u1", LatencyMs: ptr(42),
	}}
	a, store := newTestAPI(t, face)

	req := frameRequest(t, "/identify", nil)
	req.Header.Set("X-Session-ID", "s1")
	rec := httptest.NewRecorder()
	http.HandlerFunc(a.Identify).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp IdentifyResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, "found", resp.Status)
	assert.Equal(t, "u1", resp.UserID)
	assert.Equal(t, "Ada", resp.Name)
	assert.Equal(t, []byte("jpeg-bytes"), face.lastFrame)
	assert.Equal(t, "s1", face.lastSessionID)

	events, err := store.InWindow(time.Now().Add(-time.Minute), time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, metrics.SourceServer, events[0].Source)
	assert.Equal(t, metrics.StatusFound, events[0].Status)
	assert.Equal(t, "s1", events[0].SessionID)
	require.NotNil(t, events[0].ServerProcessingMs)
	assert.Equal(t, 42.0, *events[0].ServerProcessingMs)
	require.NotNil(t, events[0].GatewayUpstreamMs, "the gateway times its own upstream call")
}

func TestIdentify_SessionIDFallsBackToFormField(t *testing.T) {
	face := &stubFace{identifyRes: faceapi.IdentifyResult{Status: faceapi.StatusUnknown, Reason: "no_match"}}
	a, _ := newTestAPI(t, face)

	req := frameRequest(t, "/identify", map[string]string{"session_id": "s-form"})
	rec := httptest.NewRecorder()
	http.HandlerFunc(a.Identify).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "s-form", face.lastSessionID)
}

func TestIdentify_UpstreamFailureIsVerdictShaped(t *testing.T) {
	face := &stubFace{identifyErr: fmt.Errorf("connection refused")}
	a, store := newTestAPI(t, face)

	rec := httptest.NewRecorder()
	http.HandlerFunc(a.Identify).ServeHTTP(rec, frameRequest(t, "/identify", nil))

	require.Equal(t, http.StatusBadGateway, rec.Code)
	var resp IdentifyResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, "proxy_error", resp.Reason)

	events, err := store.InWindow(time.Now().Add(-time.Minute), time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, events, 1, "failed attempts are part of the funnel too")
	assert.Equal(t, metrics.StatusError, events[0].Status)
	assert.Equal(t, "proxy_error", events[0].Reason)
	assert.Nil(t, events[0].ServerProcessingMs)
}

func TestIdentify_MissingImagePart(t *testing.T) {
	a, _ := newTestAPI(t, &stubFace{})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("session_id", "s1"))
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, "/identify", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	rec := httptest.NewRecorder()
	http.HandlerFunc(a.Identify).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var resp ErrorResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, "missing image part", resp.Error)
}

func TestIdentify_PopulatesSessionCache(t *testing.T) {
	face := &stubFace{identifyRes: faceapi.IdentifyResult{
		Status: faceapi.StatusFound, Name: "Ada", UserID: "u1",
	}}
	a, _ := newTestAPI(t, face)

	for i := 0; i < 2; i++ {
		req := frameRequest(t, "/identify", nil)
		req.Header.Set("X-Session-ID", "s1")
		rec := httptest.NewRecorder()
		http.HandlerFunc(a.Identify).ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	entry, ok := a.sessions.get("s1")
	require.True(t, ok)
	assert.Equal(t, 2, entry.attempts)
	assert.Equal(t, "found", entry.lastStatus)
	assert.Equal(t, "u1", entry.confirmedUserID)
	assert.Equal(t, "Ada", entry.confirmedName)
}

// ---------------------------------------------------------------------------
// POST /enroll
// ---------------------------------------------------------------------------

func TestEnroll_ProxiesRegistration(t *testing.T) {
	face := &stubFace{enrollRes: faceapi.EnrollResult{UserID: "u9", Name: "Grace"}}
	a, _ := newTestAPI(t, face)

	rec := httptest.NewRecorder()
	http.HandlerFunc(a.Enroll).ServeHTTP(rec, frameRequest(t, "/enroll", map[string]string{"name": "Grace"}))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp EnrollResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, "u9", resp.UserID)
	assert.Equal(t, "Grace", resp.Name)
	assert.Equal(t, "Grace", face.lastName)
}

func TestEnroll_RequiresName(t *testing.T) {
	a, _ := newTestAPI(t, &stubFace{})

	rec := httptest.NewRecorder()
	http.HandlerFunc(a.Enroll).ServeHTTP(rec, frameRequest(t, "/enroll", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// ---------------------------------------------------------------------------
// POST /metrics/events
// ---------------------------------------------------------------------------

func TestRecordClientEvent_PersistsNormalized(t *testing.T) {
	a, store := newTestAPI(t, &stubFace{})

	body := `{"session_id":"s1","client_rtt_ms":-5,"status":"unknown","reason":"no_match"}`
	req := httptest.NewRequest(http.MethodPost, "/metrics/events", strings.NewReader(body))
	rec := httptest.NewRecorder()
	http.HandlerFunc(a.RecordClientEvent).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp ClientEventResponse
	decodeBody(t, rec, &resp)
	assert.True(t, resp.OK)

	events, err := store.InWindow(time.Now().Add(-time.Minute), time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, metrics.SourceClient, events[0].Source)
	assert.Equal(t, metrics.StatusUnknown, events[0].Status)
	assert.Nil(t, events[0].ClientRttMs, "a negative measurement persists as absent, not dropped")
}

func TestRecordClientEvent_ShapeErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `{"session_id"`},
		{"missing session id", `{"client_rtt_ms":10}`},
		{"missing rtt", `{"session_id":"s1"}`},
		{"blank session id", `{"session_id":"   ","client_rtt_ms":10}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			a, store := newTestAPI(t, &stubFace{})

			req := httptest.NewRequest(http.MethodPost, "/metrics/events", strings.NewReader(tc.body))
			rec := httptest.NewRecorder()
			http.HandlerFunc(a.RecordClientEvent).ServeHTTP(rec, req)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			events, err := store.InWindow(time.Now().Add(-time.Minute), time.Now().Add(time.Minute))
			require.NoError(t, err)
			assert.Empty(t, events)
		})
	}
}

func TestRecordClientEvent_StoreFailureStaysSuccessShaped(t *testing.T) {
	a := New(failingStore{}, &stubFace{})

	body := `{"session_id":"s1","client_rtt_ms":10}`
	req := httptest.NewRequest(http.MethodPost, "/metrics/events", strings.NewReader(body))
	rec := httptest.NewRecorder()
	http.HandlerFunc(a.RecordClientEvent).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp ClientEventResponse
	decodeBody(t, rec, &resp)
	assert.True(t, resp.OK, "telemetry loss never surfaces to the reporting client")
}

// ---------------------------------------------------------------------------
// GET /metrics/summary
// ---------------------------------------------------------------------------

func TestMetricsSummary_WindowErrorCodes(t *testing.T) {
	a, _ := newTestAPI(t, &stubFace{})

	tests := []struct {
		name  string
		query string
		code  string
	}{
		{"only from", "?from=2024-06-01", "partial_window"},
		{"only to", "?to=2024-06-02", "partial_window"},
		{"inverted", "?from=2024-06-02&to=2024-06-01", "inverted_window"},
		{"unparseable", "?from=yesterday&to=2024-06-02", "bad_timestamp"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/metrics/summary"+tc.query, nil)
			rec := httptest.NewRecorder()
			http.HandlerFunc(a.MetricsSummary).ServeHTTP(rec, req)

			require.Equal(t, http.StatusBadRequest, rec.Code)
			var resp ErrorResponse
			decodeBody(t, rec, &resp)
			assert.Equal(t, tc.code, resp.Code)
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestMetricsSummary_AggregatesStoredEvents(t *testing.T) {
	a, store := newTestAPI(t, &stubFace{})
	for i := 0; i < 3; i++ {
		_, err := store.Append(metrics.Observation{
			SessionID: "s1", Source: metrics.SourceServer,
			Status: metrics.StatusFound, ServerProcessingMs: ptr(50),
		})
		require.NoError(t, err)
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics/summary?from=2000-01-01&to=2100-01-01", nil)
	rec := httptest.NewRecorder()
	http.HandlerFunc(a.MetricsSummary).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var sum metrics.Summary
	decodeBody(t, rec, &sum)
	assert.Equal(t, 3, sum.Global.ServerEventCount)
	assert.Equal(t, 1, sum.Funnel.SessionCount)
	assert.Equal(t, 1.0, sum.Funnel.SuccessRate)
}

// ---------------------------------------------------------------------------
// GET /scan/config
// ---------------------------------------------------------------------------

func TestScanTuning_ServesConfiguredOperatingPoint(t *testing.T) {
	cfg := scan.DefaultConfig()
	cfg.ConfirmCount = 2
	cfg.FastDelay = 500 * time.Millisecond
	gt := scan.DefaultThresholds()
	gt.MinBlurVar = 120

	a := New(metrics.NewMemoryStore(), &stubFace{}, WithScanTuning(cfg, gt))
	r := a.Router()

	req := httptest.NewRequest(http.MethodGet, "/scan/config", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp ScanTuningResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, 2, resp.ConfirmCount)
	assert.Equal(t, 500, resp.FastDelayMs)
	assert.Equal(t, 120.0, resp.MinBlurVar)
	assert.Equal(t, cfg.WindowSize, resp.WindowSize)
	assert.Equal(t, cfg.Capture.MaxDim, resp.MaxFrameDim)
}

func TestScanTuning_DefaultsWithoutOption(t *testing.T) {
	a, _ := newTestAPI(t, &stubFace{})

	req := httptest.NewRequest(http.MethodGet, "/scan/config", nil)
	rec := httptest.NewRecorder()
	a.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp ScanTuningResponse
	decodeBody(t, rec, &resp)
	def := scan.DefaultConfig()
	assert.Equal(t, def.ConfirmCount, resp.ConfirmCount)
	assert.Equal(t, int(def.Duration/time.Millisecond), resp.DurationMs)
	assert.Equal(t, scan.DefaultThresholds().MinAreaFrac, resp.MinAreaFrac)
}

// ---------------------------------------------------------------------------
// GET /sessions/{sessionID}
// ---------------------------------------------------------------------------

func TestSessionStatus_UnknownIs404(t *testing.T) {
	a, _ := newTestAPI(t, &stubFace{})
	r := a.Router()

	req := httptest.NewRequest(http.MethodGet, "/sessions/nope", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionStatus_ReturnsCachedEntry(t *testing.T) {
	a, _ := newTestAPI(t, &stubFace{})
	at := time.Date(2024, 6, 15, 10, 0, 0, 0, time.UTC)
	a.sessions.observe("s1", at, "unknown", "no_match", "", "")
	a.sessions.observe("s1", at.Add(time.Second), "found", "", "u1", "Ada")
	r := a.Router()

	req := httptest.NewRequest(http.MethodGet, "/sessions/s1", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp SessionStatusResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, "s1", resp.SessionID)
	assert.Equal(t, 2, resp.Attempts)
	assert.Equal(t, "found", resp.LastStatus)
	assert.Equal(t, "u1", resp.ConfirmedUserID)
	assert.True(t, resp.LastSeen.After(resp.FirstSeen))
}

// ---------------------------------------------------------------------------
// Router surface
// ---------------------------------------------------------------------------

func TestRouter_ServesOpenAPISpec(t *testing.T) {
	a, _ := newTestAPI(t, &stubFace{})
	r := a.Router()

	req := httptest.NewRequest(http.MethodGet, "/openapi.yaml", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "openapi:")
}
