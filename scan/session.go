// Package scan drives the bounded recognition loop: gate a frame
// locally, send it to the remote identify service, and confirm an
// identity only after it repeats across a short window of frames.
package scan

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/visage/gateway/faceapi"
)

// State names the phases of a scan session. Confirmed, TimedOut,
// Cancelled and Failed are terminal; a session reaches exactly one of
// them.
type State string

const (
	StateScanning  State = "scanning"
	StateConfirmed State = "confirmed"
	StateTimedOut  State = "timed_out"
	StateCancelled State = "cancelled"
	StateFailed    State = "failed"
)

// ErrCameraDenied marks a frame-source failure that cannot be retried:
// without video there is no session. FrameSource implementations
// should wrap it when the user refuses camera access.
var ErrCameraDenied = errors.New("camera permission denied")

// Identifier is the remote recognition capability the loop needs:
// identify a frame, and optionally feed a confirmed frame back so the
// service can refine its stored embedding.
type Identifier interface {
	Identify(ctx context.Context, frame []byte, sessionID string) (faceapi.IdentifyResult, error)
	Adapt(ctx context.Context, frame []byte, userID string) error
}

// Observation is the client-vantage measurement of one remote tick.
type Observation struct {
	Status             string
	Reason             string
	ClientRttMs        float64
	ServerProcessingMs *float64
}

// Recorder receives one observation per completed remote call.
// Telemetry must never break the scan, so implementations should be
// cheap and errors are logged and dropped.
type Recorder interface {
	Record(ctx context.Context, sessionID string, obs Observation) error
}

// Config holds the loop's tuned timing parameters. These are operating
// points, not invariants; only the shape matters (a slower round trip
// must never shorten the next delay).
type Config struct {
	// Duration bounds the whole scan; the loop never runs a tick after
	// it elapses.
	Duration time.Duration
	// WindowSize is the capacity of the recent-match window.
	WindowSize int
	// ConfirmCount is how many times one identity must appear within
	// the window before it is accepted.
	ConfirmCount int

	// GateRetryDelay applies after a local gate rejection (no remote
	// call was made).
	GateRetryDelay time.Duration
	// ErrorRetryDelay applies after a capture or network failure.
	ErrorRetryDelay time.Duration

	// FastRTT/SlowRTT split observed round trips into three cadence
	// bands with FastDelay/MediumDelay/SlowDelay as the next poll
	// delay. Slowing down after slow responses is the loop's only
	// backpressure mechanism.
	FastRTT     time.Duration
	SlowRTT     time.Duration
	FastDelay   time.Duration
	MediumDelay time.Duration
	SlowDelay   time.Duration

	// JitterFrac spreads every delay by ±frac to avoid lockstep polling.
	JitterFrac float64

	Capture CaptureOptions
}

// DefaultConfig returns the shipped operating point.
func DefaultConfig() Config {
	return Config{
		Duration:        25 * time.Second,
		WindowSize:      5,
		ConfirmCount:    3,
		GateRetryDelay:  350 * time.Millisecond,
		ErrorRetryDelay: 1500 * time.Millisecond,
		FastRTT:         400 * time.Millisecond,
		SlowRTT:         1200 * time.Millisecond,
		FastDelay:       700 * time.Millisecond,
		MediumDelay:     1200 * time.Millisecond,
		SlowDelay:       2500 * time.Millisecond,
		JitterFrac:      0.2,
		Capture:         DefaultCaptureOptions(),
	}
}

// Outcome is the terminal result of a session.
type Outcome struct {
	State  State
	UserID string
	Name   string
	// Err is set only for StateFailed.
	Err error
}

// Session runs one recognition attempt. All ticks execute on a single
// goroutine; the next tick is scheduled only from the completion of
// the previous one, so ticks are never in flight concurrently.
type Session struct {
	id       string
	cfg      Config
	frames   FrameSource
	gate     *Gate
	identify Identifier
	recorder Recorder
	logger   *slog.Logger

	now   func() time.Time
	after func(time.Duration) <-chan time.Time
	rng   *rand.Rand

	cancel   context.CancelFunc
	stopOnce sync.Once
	done     chan Outcome

	mu        sync.Mutex
	state     State
	startedAt time.Time
	recent    []string // one entry per completed remote call; "" is no-match
	confirmed string
	adapted   map[string]bool
}

// Option configures a Session.
type Option func(*Session)

// WithConfig replaces the default Config.
func WithConfig(cfg Config) Option {
	return func(s *Session) { s.cfg = cfg }
}

// WithRecorder sets the telemetry sink for client-vantage observations.
func WithRecorder(r Recorder) Option {
	return func(s *Session) { s.recorder = r }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// WithSessionID overrides the generated session ID.
func WithSessionID(id string) Option {
	return func(s *Session) { s.id = id }
}

// WithClock replaces the time source and timer; tests use it to run
// the loop against a simulated clock.
func WithClock(now func() time.Time, after func(time.Duration) <-chan time.Time) Option {
	return func(s *Session) {
		s.now = now
		s.after = after
	}
}

// NewSession builds a session; it does not touch the camera until Start.
func NewSession(frames FrameSource, gate *Gate, identify Identifier, opts ...Option) *Session {
	s := &Session{
		id:       uuid.NewString(),
		cfg:      DefaultConfig(),
		frames:   frames,
		gate:     gate,
		identify: identify,
		now:      time.Now,
		after: func(d time.Duration) <-chan time.Time {
			return time.After(d)
		},
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		done:    make(chan Outcome, 1),
		state:   StateScanning,
		adapted: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	s.logger = s.logger.With("component", "scan", "scan_session_id", s.id)
	return s
}

// ID returns the correlation token shared with the metric event log.
func (s *Session) ID() string { return s.id }

// State returns the current phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Recent returns a copy of the bounded recent-match window.
func (s *Session) Recent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.recent...)
}

// Done yields the terminal outcome exactly once.
func (s *Session) Done() <-chan Outcome { return s.done }

// Start begins the scan loop. The returned context cancel is also
// reachable through Stop.
func (s *Session) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Lock()
	s.startedAt = s.now()
	s.mu.Unlock()
	go s.loop(ctx)
}

// Stop tears the session down: pending work is cancelled and the
// camera released. Safe to call at any time, from any goroutine, more
// than once. In-flight identify calls are allowed to resolve but their
// results are discarded.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.frames.Stop()
	})
}

func (s *Session) loop(ctx context.Context) {
	// Camera is released on every exit path, no exceptions.
	defer s.Stop()

	for {
		delay, terminal := s.safeTick(ctx)
		if terminal {
			return
		}
		select {
		case <-ctx.Done():
			s.finish(Outcome{State: StateCancelled})
			return
		case <-s.after(delay):
		}
		if ctx.Err() != nil {
			s.finish(Outcome{State: StateCancelled})
			return
		}
	}
}

// safeTick runs one tick and converts a panic into a negative tick; an
// unexpected failure must never abort the session outright.
func (s *Session) safeTick(ctx context.Context) (delay time.Duration, terminal bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scan tick panicked", "panic", r)
			s.appendMatch("")
			delay, terminal = s.jitter(s.cfg.ErrorRetryDelay), false
		}
	}()
	return s.tick(ctx)
}

func (s *Session) tick(ctx context.Context) (time.Duration, bool) {
	if s.elapsed() >= s.cfg.Duration {
		s.logger.Info("scan timed out", "elapsed", s.elapsed().String())
		s.finish(Outcome{State: StateTimedOut})
		return 0, true
	}

	frame, err := s.frames.Frame(ctx)
	if err != nil {
		if ctx.Err() != nil {
			s.finish(Outcome{State: StateCancelled})
			return 0, true
		}
		if errors.Is(err, ErrCameraDenied) {
			s.logger.Error("camera unavailable", "error", err)
			s.finish(Outcome{State: StateFailed, Err: err})
			return 0, true
		}
		s.logger.Warn("frame capture failed", "error", err)
		s.appendMatch("")
		return s.jitter(s.cfg.ErrorRetryDelay), false
	}

	ok, hint, err := s.gate.Check(frame)
	if err != nil {
		s.logger.Warn("foreground gate failed", "error", err)
		s.appendMatch("")
		return s.jitter(s.cfg.ErrorRetryDelay), false
	}
	if !ok {
		// No remote call was made; this does not consume a window slot.
		s.logger.Debug("frame gated", "hint", hint)
		return s.jitter(s.cfg.GateRetryDelay), false
	}

	jpeg, err := CaptureJPEG(frame, s.cfg.Capture)
	if err != nil {
		s.logger.Warn("frame encode failed", "error", err)
		s.appendMatch("")
		return s.jitter(s.cfg.ErrorRetryDelay), false
	}

	start := s.now()
	res, err := s.identify.Identify(ctx, jpeg, s.id)
	rtt := s.now().Sub(start)

	// The session may have been torn down while the call was in
	// flight; a late result must not resurrect anything.
	if ctx.Err() != nil {
		s.finish(Outcome{State: StateCancelled})
		return 0, true
	}

	if err != nil {
		s.logger.Warn("identify call failed", "error", err, "rtt", rtt.String())
		s.appendMatch("")
		s.record(ctx, Observation{
			Status:      string(faceapi.StatusError),
			Reason:      "proxy_error",
			ClientRttMs: durMs(rtt),
		})
		return s.jitter(s.cfg.ErrorRetryDelay), false
	}

	s.record(ctx, Observation{
		Status:             string(res.Status),
		Reason:             res.Reason,
		ClientRttMs:        durMs(rtt),
		ServerProcessingMs: res.LatencyMs,
	})

	if res.Status == faceapi.StatusFound && res.UserID != "" {
		if s.appendMatch(res.UserID) >= s.cfg.ConfirmCount {
			s.confirm(ctx, res.UserID, res.Name, jpeg)
			return 0, true
		}
	} else {
		s.appendMatch("")
	}

	return s.jitter(s.nextDelay(rtt)), false
}

// confirm transitions to the terminal Confirmed state and fires the
// best-effort passive-adaptation call, at most once per identity per
// session even if re-entered.
func (s *Session) confirm(ctx context.Context, userID, name string, frame []byte) {
	s.mu.Lock()
	if s.state != StateScanning {
		s.mu.Unlock()
		return
	}
	s.confirmed = userID
	alreadyAdapted := s.adapted[userID]
	s.adapted[userID] = true
	s.mu.Unlock()

	s.logger.Info("identity confirmed", "user_id", userID, "name", name)

	if !alreadyAdapted {
		if err := s.identify.Adapt(ctx, frame, userID); err != nil {
			s.logger.Warn("passive adaptation failed", "user_id", userID, "error", err)
		}
	}

	s.finish(Outcome{State: StateConfirmed, UserID: userID, Name: name})
}

// appendMatch appends one remote-call outcome to the bounded window
// (oldest evicted) and returns how often userID now appears in it.
func (s *Session) appendMatch(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.recent = append(s.recent, userID)
	if len(s.recent) > s.cfg.WindowSize {
		s.recent = s.recent[len(s.recent)-s.cfg.WindowSize:]
	}
	if userID == "" {
		return 0
	}
	n := 0
	for _, id := range s.recent {
		if id == userID {
			n++
		}
	}
	return n
}

func (s *Session) finish(o Outcome) {
	s.mu.Lock()
	if s.state != StateScanning {
		s.mu.Unlock()
		return
	}
	s.state = o.State
	s.mu.Unlock()

	select {
	case s.done <- o:
	default:
	}
}

func (s *Session) record(ctx context.Context, obs Observation) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.Record(ctx, s.id, obs); err != nil {
		s.logger.Warn("telemetry report failed", "error", err)
	}
}

func (s *Session) elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now().Sub(s.startedAt)
}

// nextDelay maps the observed round trip to the next poll delay.
// Monotone: a slower response never yields a shorter delay.
func (s *Session) nextDelay(rtt time.Duration) time.Duration {
	switch {
	case rtt <= s.cfg.FastRTT:
		return s.cfg.FastDelay
	case rtt <= s.cfg.SlowRTT:
		return s.cfg.MediumDelay
	default:
		return s.cfg.SlowDelay
	}
}

func (s *Session) jitter(d time.Duration) time.Duration {
	if s.cfg.JitterFrac <= 0 {
		return d
	}
	spread := (s.rng.Float64()*2 - 1) * s.cfg.JitterFrac
	return d + time.Duration(spread*float64(d))
}

func durMs(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
