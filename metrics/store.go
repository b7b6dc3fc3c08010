package metrics

import (
	"errors"
	"time"
)

// DefaultRetention is how long events are kept before an append is
// allowed to prune them.
const DefaultRetention = 30 * 24 * time.Hour

// ErrStoreClosed is returned by operations on a closed store.
var ErrStoreClosed = errors.New("metrics store closed")

// EventStore is the append-only metric event log. Appends assign Seq
// and CreatedAt and opportunistically delete events older than the
// retention window; there is no separate maintenance job.
type EventStore interface {
	// Append normalizes and persists one observation, returning the
	// stored event.
	Append(obs Observation) (Event, error)
	// InWindow returns events with CreatedAt in [from, to), in
	// insertion order.
	InWindow(from, to time.Time) ([]Event, error)
	Close() error
}
