package metrics

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var eventsBucket = []byte("events")

// BoltStore implements EventStore backed by a BBolt database. Events
// are keyed by the bucket sequence (big-endian) so cursor order is
// insertion order.
type BoltStore struct {
	db        *bbolt.DB
	retention time.Duration

	// now is swappable for tests.
	now func() time.Time
}

var _ EventStore = (*BoltStore)(nil)

// BoltOption configures a BoltStore.
type BoltOption func(*BoltStore)

// WithRetention overrides the default 30-day retention window.
func WithRetention(d time.Duration) BoltOption {
	return func(s *BoltStore) {
		if d > 0 {
			s.retention = d
		}
	}
}

// WithClock overrides the store's time source.
func WithClock(now func() time.Time) BoltOption {
	return func(s *BoltStore) { s.now = now }
}

// NewBoltStore returns an EventStore backed by the given BBolt database.
func NewBoltStore(db *bbolt.DB, opts ...BoltOption) (*BoltStore, error) {
	s := &BoltStore{
		db:        db,
		retention: DefaultRetention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(eventsBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating events bucket: %w", err)
	}
	return s, nil
}

// NewBoltStoreFromFile opens a BBolt database at the given path and
// returns a store over it.
func NewBoltStoreFromFile(path string, options *bbolt.Options, opts ...BoltOption) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return NewBoltStore(db, opts...)
}

// Close closes the underlying BBolt database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func seqKey(seq uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], seq)
	return k[:]
}

// Append persists the observation and prunes expired rows in the same
// transaction. Pruning walks from the oldest key and stops at the
// first row inside the retention window; server-assigned timestamps
// make key order and time order agree.
func (s *BoltStore) Append(obs Observation) (Event, error) {
	obs.Normalize()
	now := s.now().UTC()

	evt := Event{
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

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(eventsBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		evt.Seq = seq
		data, err := json.Marshal(evt)
		if err != nil {
			return err
		}
		if err := b.Put(seqKey(seq), data); err != nil {
			return err
		}
		return pruneExpired(b, now.Add(-s.retention))
	})
	if err != nil {
		return Event{}, fmt.Errorf("appending metric event: %w", err)
	}
	return evt, nil
}

func pruneExpired(b *bbolt.Bucket, cutoff time.Time) error {
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var evt Event
		if err := json.Unmarshal(v, &evt); err != nil {
			// An undecodable row is unrecoverable; drop it.
			if err := c.Delete(); err != nil {
				return err
			}
			continue
		}
		if !evt.CreatedAt.Before(cutoff) {
			return nil
		}
		if err := c.Delete(); err != nil {
			return err
		}
	}
	return nil
}

// InWindow returns events with CreatedAt in [from, to) in insertion order.
func (s *BoltStore) InWindow(from, to time.Time) ([]Event, error) {
	var events []Event
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(eventsBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var evt Event
			if err := json.Unmarshal(v, &evt); err != nil {
				continue
			}
			if evt.CreatedAt.Before(from) || !evt.CreatedAt.Before(to) {
				continue
			}
			events = append(events, evt)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading metric events: %w", err)
	}
	return events, nil
}
