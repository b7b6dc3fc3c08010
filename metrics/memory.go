package metrics

import (
	"sync"
	"time"
)

// MemoryStore is a thread-safe in-memory implementation of EventStore.
// Suitable for testing and single-process use.
type MemoryStore struct {
	mu        sync.RWMutex
	events    []Event
	nextSeq   uint64
	retention time.Duration
	closed    bool

	now func() time.Time
}

var _ EventStore = (*MemoryStore)(nil)

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryRetention overrides the default retention window.
func WithMemoryRetention(d time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		if d > 0 {
			s.retention = d
		}
	}
}

// WithMemoryClock overrides the store's time source.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		retention: DefaultRetention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Append(obs Observation) (Event, error) {
	obs.Normalize()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Event{}, ErrStoreClosed
	}

	now := s.now().UTC()
	s.nextSeq++
	evt := Event{
		Seq:                 s.nextSeq,
		CreatedAt:           now,
		SessionID:           obs.SessionID,
		Source:              obs.Source,
		Status:              obs.Status,
		Reason:              obs.Reason,
		ServerProcessingMs:  obs.ServerProcessingMs,
		GatewayUpstreamMs:   obs.GatewayUpstreamMs,
		ClientRttMs:         obs.ClientRttMs,
		NetworkLatencyMsEst: obs.NetworkLatencyMsEst,
	}
	s.events = append(s.events, evt)

	cutoff := now.Add(-s.retention)
	start := 0
	for start < len(s.events) && s.events[start].CreatedAt.Before(cutoff) {
		start++
	}
	s.events = s.events[start:]

	return evt, nil
}

func (s *MemoryStore) InWindow(from, to time.Time) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	var events []Event
	for _, evt := range s.events {
		if evt.CreatedAt.Before(from) || !evt.CreatedAt.Before(to) {
			continue
		}
		events = append(events, evt)
	}
	return events, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
