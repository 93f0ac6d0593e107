package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrVersionConflict = errors.New("version conflict")
	ErrLocked          = errors.New("locked")
)

const (
	DefaultMaxHistory = 100
	DefaultLockTTL    = 30 * time.Second
	DefaultQueryLimit = 100
)

type StoreCfg struct {
	Logger Logger

	MaxHistory int
}

type Store struct {
	Cfg StoreCfg
	Log Logger

	records   map[string]*record
	recordsMu sync.RWMutex

	subscriptions   map[SubscriptionId]*Subscription
	subscriptionsMu sync.RWMutex

	wg sync.WaitGroup
}

type PutOptions struct {
	TTL      time.Duration
	Owner    string
	Metadata map[string]interface{}

	// Compare-and-swap: the write only happens if the current version is
	// ExpectedVersion (0 meaning that the key must not exist).
	CheckVersion    bool
	ExpectedVersion Version

	// Acquire a lock for Owner as part of the write.
	Lock    bool
	LockTTL time.Duration
}

type GetOptions struct {
	Version Version
}

type DeleteOptions struct {
	Owner string
	Force bool
}

type Stats struct {
	Keys          int `json:"keys"`
	Entries       int `json:"entries"`
	Locks         int `json:"locks"`
	Subscriptions int `json:"subscriptions"`
}

func NewStore(cfg StoreCfg) (*Store, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("missing logger")
	}

	if cfg.MaxHistory < 0 {
		return nil, fmt.Errorf("invalid negative history size")
	}

	if cfg.MaxHistory == 0 {
		cfg.MaxHistory = DefaultMaxHistory
	}

	s := &Store{
		Cfg: cfg,
		Log: cfg.Logger,

		records: make(map[string]*record),

		subscriptions: make(map[SubscriptionId]*Subscription),
	}

	return s, nil
}

func (s *Store) now() time.Time {
	return time.Now()
}

func (s *Store) record(key string, create bool) *record {
	s.recordsMu.RLock()
	r := s.records[key]
	s.recordsMu.RUnlock()

	if r != nil || !create {
		return r
	}

	s.recordsMu.Lock()
	defer s.recordsMu.Unlock()

	if r = s.records[key]; r == nil {
		r = &record{}
		s.records[key] = r
	}

	return r
}

// sortedRecords returns a snapshot of the index in key order.
func (s *Store) sortedRecords() ([]string, []*record) {
	s.recordsMu.RLock()
	keys := make([]string, 0, len(s.records))
	for key := range s.records {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	records := make([]*record, len(keys))
	for i, key := range keys {
		records[i] = s.records[key]
	}
	s.recordsMu.RUnlock()

	return keys, records
}

func (s *Store) Put(key string, value interface{}, opts *PutOptions) (Version, error) {
	if opts == nil {
		opts = &PutOptions{}
	}

	now := s.now()
	r := s.record(key, true)

	r.mu.Lock()

	expiredEntry := r.expire(now)

	if err := r.checkLock(key, opts.Owner, now); err != nil {
		r.mu.Unlock()
		s.notifyExpiration(expiredEntry)
		return 0, err
	}

	if opts.CheckVersion {
		if current := r.currentVersion(); current != opts.ExpectedVersion {
			r.mu.Unlock()
			s.notifyExpiration(expiredEntry)
			return 0, fmt.Errorf("%w: key %q is at version %d, expected %d",
				ErrVersionConflict, key, current, opts.ExpectedVersion)
		}
	}

	entry := &Entry{
		Key:       key,
		Value:     value,
		Version:   r.lastVersion + 1,
		Timestamp: now,
		Metadata:  opts.Metadata,
	}

	if opts.TTL > 0 {
		entry.ExpiresAt = now.Add(opts.TTL)
	}

	r.entry = entry
	r.lastVersion = entry.Version
	r.appendHistory(entry, s.Cfg.MaxHistory)

	if opts.Lock {
		owner := opts.Owner
		if owner == "" {
			owner = "system"
		}

		lockTTL := opts.LockTTL
		if lockTTL <= 0 {
			lockTTL = DefaultLockTTL
		}

		r.lock = &Lock{Owner: owner, ExpiresAt: now.Add(lockTTL)}
	}

	r.mu.Unlock()

	s.notifyExpiration(expiredEntry)
	s.notify(EventStore, entry)

	s.Log.Debug(2, "stored key %q with version %d", key, entry.Version)

	return entry.Version, nil
}

func (s *Store) Get(key string, opts *GetOptions) (*Entry, error) {
	if opts == nil {
		opts = &GetOptions{}
	}

	r := s.record(key, false)
	if r == nil {
		return nil, fmt.Errorf("%w: key %q", ErrNotFound, key)
	}

	now := s.now()

	r.mu.Lock()

	expiredEntry := r.expire(now)

	entry := r.entry
	if opts.Version != 0 && (entry == nil || entry.Version != opts.Version) {
		entry = r.historyEntry(opts.Version)
		if entry != nil && entry.Expired(now) {
			entry = nil
		}
	}

	if entry != nil {
		entry = entry.clone()
	}

	r.mu.Unlock()

	s.notifyExpiration(expiredEntry)

	if entry == nil {
		if opts.Version != 0 {
			return nil, fmt.Errorf("%w: version %d of key %q",
				ErrNotFound, opts.Version, key)
		}

		return nil, fmt.Errorf("%w: key %q", ErrNotFound, key)
	}

	return entry, nil
}

// Delete is idempotent: deleting a missing key is not an error.
func (s *Store) Delete(key string, opts *DeleteOptions) error {
	if opts == nil {
		opts = &DeleteOptions{}
	}

	r := s.record(key, false)
	if r == nil {
		return nil
	}

	now := s.now()

	r.mu.Lock()

	if !opts.Force {
		if err := r.checkLock(key, opts.Owner, now); err != nil {
			r.mu.Unlock()
			return err
		}
	}

	expiredEntry := r.expire(now)

	entry := r.entry
	r.entry = nil
	r.lock = nil

	r.mu.Unlock()

	s.notifyExpiration(expiredEntry)

	if entry != nil {
		s.notify(EventDelete, entry)
		s.Log.Debug(2, "deleted key %q", key)
	}

	return nil
}

func (s *Store) CompareAndSwap(key string, expectedVersion Version, value interface{}) (Version, error) {
	return s.Put(key, value, &PutOptions{
		CheckVersion:    true,
		ExpectedVersion: expectedVersion,
	})
}

func (s *Store) AcquireLock(key, owner string, ttl time.Duration) (*Lock, error) {
	if owner == "" {
		return nil, fmt.Errorf("missing or empty lock owner")
	}

	if ttl <= 0 {
		ttl = DefaultLockTTL
	}

	now := s.now()
	r := s.record(key, true)

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkLock(key, owner, now); err != nil {
		return nil, err
	}

	r.lock = &Lock{Owner: owner, ExpiresAt: now.Add(ttl)}
	lock := *r.lock

	return &lock, nil
}

// ReleaseLock returns true if the lock was held by owner and has been
// released.
func (s *Store) ReleaseLock(key, owner string) bool {
	r := s.record(key, false)
	if r == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	lock := r.liveLock(s.now())
	if lock == nil || lock.Owner != owner {
		return false
	}

	r.lock = nil
	return true
}

func (s *Store) LockInfo(key string) (*Lock, bool) {
	r := s.record(key, false)
	if r == nil {
		return nil, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	lock := r.liveLock(s.now())
	if lock == nil {
		return nil, false
	}

	lockCopy := *lock
	return &lockCopy, true
}

// Query scans the store in key order and returns at most limit live entries
// matching the predicate.
func (s *Store) Query(predicate func(*Entry) bool, limit int) []*Entry {
	if limit <= 0 {
		limit = DefaultQueryLimit
	}

	now := s.now()
	_, records := s.sortedRecords()

	var entries []*Entry

	for _, r := range records {
		r.mu.Lock()
		entry := r.entry
		if entry != nil && !entry.Expired(now) {
			entry = entry.clone()
		} else {
			entry = nil
		}
		r.mu.Unlock()

		if entry == nil || !predicate(entry) {
			continue
		}

		entries = append(entries, entry)
		if len(entries) >= limit {
			break
		}
	}

	return entries
}

func (s *Store) FindByPattern(pattern string, limit int) []*Entry {
	re := compilePattern(pattern)

	return s.Query(func(entry *Entry) bool {
		return re.MatchString(entry.Key)
	}, limit)
}

// Cleanup removes expired entries and locks and returns the number of
// entries removed.
func (s *Store) Cleanup() int {
	now := s.now()
	_, records := s.sortedRecords()

	nbExpired := 0

	for _, r := range records {
		r.mu.Lock()
		expiredEntry := r.expire(now)
		r.liveLock(now)
		r.mu.Unlock()

		if expiredEntry != nil {
			s.notifyExpiration(expiredEntry)
			nbExpired++
		}
	}

	if nbExpired > 0 {
		s.Log.Debug(1, "removed %d expired entries", nbExpired)
	}

	return nbExpired
}

func (s *Store) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			s.Cleanup()
		}
	}
}

func (s *Store) Stats() Stats {
	now := s.now()
	keys, records := s.sortedRecords()

	stats := Stats{Keys: len(keys)}

	for _, r := range records {
		r.mu.Lock()
		if r.entry != nil && !r.entry.Expired(now) {
			stats.Entries++
		}
		if r.lock != nil && r.lock.Live(now) {
			stats.Locks++
		}
		r.mu.Unlock()
	}

	s.subscriptionsMu.RLock()
	stats.Subscriptions = len(s.subscriptions)
	s.subscriptionsMu.RUnlock()

	return stats
}

func (s *Store) notifyExpiration(entry *Entry) {
	if entry == nil {
		return
	}

	s.Log.Debug(2, "key %q expired", entry.Key)
	s.notify(EventExpire, entry)
}
