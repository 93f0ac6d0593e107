package store

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventStore  EventType = "store"
	EventDelete EventType = "delete"
	EventExpire EventType = "expire"
)

var AllEvents = []EventType{EventStore, EventDelete, EventExpire}

type Event struct {
	Key       string      `json:"key"`
	Type      EventType   `json:"type"`
	Value     interface{} `json:"value"`
	Version   Version     `json:"version"`
	Timestamp time.Time   `json:"timestamp"`
}

func (ev Event) String() string {
	return fmt.Sprintf("Event{key: %q, type: %s, version: %d}",
		ev.Key, ev.Type, ev.Version)
}

type Callback func(Event) error

type SubscriptionId string

type Subscription struct {
	Id      SubscriptionId
	Pattern string
	Events  map[EventType]bool

	callback Callback
	re       *regexp.Regexp
}

func (sub *Subscription) Matches(key string, event EventType) bool {
	return sub.Events[event] && sub.re.MatchString(key)
}

// compilePattern turns a glob pattern into an anchored regular expression.
// The only wildcard is "*", which matches any sequence of characters,
// including "/".
func compilePattern(pattern string) *regexp.Regexp {
	parts := strings.Split(pattern, "*")
	for i, part := range parts {
		parts[i] = regexp.QuoteMeta(part)
	}

	return regexp.MustCompile("^" + strings.Join(parts, ".*") + "$")
}

func MatchPattern(pattern, key string) bool {
	return compilePattern(pattern).MatchString(key)
}

func (s *Store) Subscribe(pattern string, events []EventType, callback Callback) SubscriptionId {
	if len(events) == 0 {
		events = AllEvents
	}

	eventSet := make(map[EventType]bool, len(events))
	for _, event := range events {
		eventSet[event] = true
	}

	sub := &Subscription{
		Id:      SubscriptionId(uuid.NewString()),
		Pattern: pattern,
		Events:  eventSet,

		callback: callback,
		re:       compilePattern(pattern),
	}

	s.subscriptionsMu.Lock()
	s.subscriptions[sub.Id] = sub
	s.subscriptionsMu.Unlock()

	s.Log.Debug(1, "subscription %s created for pattern %q", sub.Id, pattern)

	return sub.Id
}

func (s *Store) Unsubscribe(id SubscriptionId) bool {
	s.subscriptionsMu.Lock()
	_, found := s.subscriptions[id]
	delete(s.subscriptions, id)
	s.subscriptionsMu.Unlock()

	if found {
		s.Log.Debug(1, "subscription %s removed", id)
	}

	return found
}

// notify delivers the event to every matching subscription on its own
// goroutine; it never blocks the write which triggered it.
func (s *Store) notify(eventType EventType, entry *Entry) {
	event := Event{
		Key:       entry.Key,
		Type:      eventType,
		Value:     entry.Value,
		Version:   entry.Version,
		Timestamp: s.now(),
	}

	s.subscriptionsMu.RLock()
	var subs []*Subscription
	for _, sub := range s.subscriptions {
		if sub.Matches(entry.Key, eventType) {
			subs = append(subs, sub)
		}
	}
	s.subscriptionsMu.RUnlock()

	for _, sub := range subs {
		s.wg.Add(1)
		go s.deliver(sub, event)
	}
}

func (s *Store) deliver(sub *Subscription, event Event) {
	defer s.wg.Done()

	defer func() {
		if value := recover(); value != nil {
			s.Log.Error("panic in subscription %s for %v: %v",
				sub.Id, event, value)
		}
	}()

	if err := sub.callback(event); err != nil {
		s.Log.Error("subscription %s cannot process %v: %v",
			sub.Id, event, err)
	}
}

// Wait blocks until every notification sent so far has been delivered.
func (s *Store) Wait() {
	s.wg.Wait()
}
