package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type UpdateFunc func(*Entry) (interface{}, error)

// AtomicUpdate locks the key for owner, passes the current entry (nil if the
// key does not exist) to fn and writes the value it returns.
func (s *Store) AtomicUpdate(key, owner string, lockTTL time.Duration, fn UpdateFunc) (Version, error) {
	if _, err := s.AcquireLock(key, owner, lockTTL); err != nil {
		return 0, err
	}
	defer s.ReleaseLock(key, owner)

	entry, err := s.Get(key, nil)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return 0, err
	}

	value, err := fn(entry)
	if err != nil {
		return 0, fmt.Errorf("cannot update key %q: %w", key, err)
	}

	return s.Put(key, value, &PutOptions{Owner: owner})
}

type PutItem struct {
	Key     string
	Value   interface{}
	Options *PutOptions
}

type PutResult struct {
	Key     string
	Version Version
	Err     error
}

// PutMany writes items one by one; a failing item does not prevent the
// following ones from being written.
func (s *Store) PutMany(items []PutItem) []PutResult {
	results := make([]PutResult, len(items))

	for i, item := range items {
		version, err := s.Put(item.Key, item.Value, item.Options)
		results[i] = PutResult{Key: item.Key, Version: version, Err: err}
	}

	return results
}

// GetMany returns the live entries of the keys which exist.
func (s *Store) GetMany(keys []string) map[string]*Entry {
	entries := make(map[string]*Entry, len(keys))

	for _, key := range keys {
		if entry, err := s.Get(key, nil); err == nil {
			entries[key] = entry
		}
	}

	return entries
}

// WaitForVersion blocks until key reaches at least the given version or ctx
// is done.
func (s *Store) WaitForVersion(ctx context.Context, key string, version Version) (*Entry, error) {
	eventChan := make(chan struct{}, 1)

	subId := s.Subscribe(key, []EventType{EventStore}, func(ev Event) error {
		if ev.Key == key && ev.Version >= version {
			select {
			case eventChan <- struct{}{}:
			default:
			}
		}

		return nil
	})
	defer s.Unsubscribe(subId)

	for {
		entry, err := s.Get(key, nil)
		if err == nil && entry.Version >= version {
			return entry, nil
		} else if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("cannot wait for version %d of key %q: %w",
				version, key, ctx.Err())

		case <-eventChan:
		}
	}
}
