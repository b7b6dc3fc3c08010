package api

import (
	"container/list"
	"sync"
	"time"
)

const defaultSessionCacheSize = 256

// sessionEntry is the gateway's view of one scan session, built from
// the identify calls it proxied. It is a cache, not a record: the
// authoritative history lives in the metric event log, sessions here
// are evicted oldest-first when capacity is hit.
type sessionEntry struct {
	sessionID       string
	firstSeen       time.Time
	lastSeen        time.Time
	attempts        int
	lastStatus      string
	lastReason      string
	confirmedUserID string
	confirmedName   string
}

// sessionCache is a bounded LRU keyed by session ID. Reads and writes
// both refresh recency.
type sessionCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List // front = most recent, values are *sessionEntry
	byID     map[string]*list.Element
}

func newSessionCache(capacity int) *sessionCache {
	if capacity <= 0 {
		capacity = defaultSessionCacheSize
	}
	return &sessionCache{
		capacity: capacity,
		order:    list.New(),
		byID:     make(map[string]*list.Element),
	}
}

// observe folds one proxied identify result into the session's entry,
// creating it if needed and evicting the least recently used session
// when the cache is full.
func (c *sessionCache) observe(sessionID string, at time.Time, status, reason, userID, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.byID[sessionID]
	if !ok {
		entry := &sessionEntry{sessionID: sessionID, firstSeen: at}
		el = c.order.PushFront(entry)
		c.byID[sessionID] = el
		if c.order.Len() > c.capacity {
			oldest := c.order.Back()
			c.order.Remove(oldest)
			delete(c.byID, oldest.Value.(*sessionEntry).sessionID)
		}
	} else {
		c.order.MoveToFront(el)
	}

	entry := el.Value.(*sessionEntry)
	entry.lastSeen = at
	entry.attempts++
	entry.lastStatus = status
	entry.lastReason = reason
	if status == "found" && userID != "" {
		entry.confirmedUserID = userID
		entry.confirmedName = name
	}
}

// get returns a copy of the entry, refreshing its recency.
func (c *sessionCache) get(sessionID string) (sessionEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.byID[sessionID]
	if !ok {
		return sessionEntry{}, false
	}
	c.order.MoveToFront(el)
	return *el.Value.(*sessionEntry), true
}

func (c *sessionCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
