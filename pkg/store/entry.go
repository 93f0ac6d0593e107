package store

import (
	"fmt"
	"sync"
	"time"
)

type Version uint64

type Entry struct {
	Key       string                 `json:"key"`
	Value     interface{}            `json:"value"`
	Version   Version                `json:"version"`
	Timestamp time.Time              `json:"timestamp"`
	ExpiresAt time.Time              `json:"expiresAt,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

func (e *Entry) clone() *Entry {
	e2 := *e
	return &e2
}

type Lock struct {
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (l *Lock) Live(now time.Time) bool {
	return now.Before(l.ExpiresAt)
}

// record holds everything the store knows about a single key. Records are
// never removed from the index so that versions keep increasing when a key is
// deleted and written again.
type record struct {
	mu sync.Mutex

	entry       *Entry
	lastVersion Version
	history     []*Entry
	lock        *Lock
}

// expire drops the current entry if its TTL has passed and returns it so that
// the caller can notify subscribers once the record is unlocked.
func (r *record) expire(now time.Time) *Entry {
	if r.entry == nil || !r.entry.Expired(now) {
		return nil
	}

	entry := r.entry
	r.entry = nil

	return entry
}

func (r *record) liveLock(now time.Time) *Lock {
	if r.lock == nil {
		return nil
	}

	if !r.lock.Live(now) {
		r.lock = nil
		return nil
	}

	return r.lock
}

func (r *record) checkLock(key, owner string, now time.Time) error {
	lock := r.liveLock(now)
	if lock != nil && lock.Owner != owner {
		return fmt.Errorf("%w: key %q is locked by %q", ErrLocked, key, lock.Owner)
	}

	return nil
}

func (r *record) currentVersion() Version {
	if r.entry == nil {
		return 0
	}

	return r.entry.Version
}

func (r *record) appendHistory(entry *Entry, maxSize int) {
	r.history = append(r.history, entry)

	if n := len(r.history); n > maxSize {
		// Copy to release the evicted entries instead of keeping them alive
		// in the backing array.
		history := make([]*Entry, maxSize)
		copy(history, r.history[n-maxSize:])
		r.history = history
	}
}

func (r *record) historyEntry(version Version) *Entry {
	for i := len(r.history) - 1; i >= 0; i-- {
		if r.history[i].Version == version {
			return r.history[i]
		}
	}

	return nil
}
