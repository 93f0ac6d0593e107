package consensus

import (
	"errors"
	"fmt"
	"sync"
)

var ErrLogConflict = errors.New("conflicting log entry")

// LogStore is an append-only sequence of log entries. Indexes start at 1;
// index 0 means "no entry".
type LogStore struct {
	entries []LogEntry

	mu sync.RWMutex
}

func NewLogStore() *LogStore {
	return &LogStore{}
}

func (s *LogStore) LastIndex() LogIndex {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return LogIndex(len(s.entries))
}

func (s *LogStore) LastTerm() Term {
	s.mu.RLock()
	defer s.mu.RUnlock()

	nbEntries := len(s.entries)

	if nbEntries == 0 {
		return 0
	}

	return s.entries[nbEntries-1].Term
}

// Append creates a new entry at the next index.
func (s *LogStore) Append(term Term, proposalId ProposalId) LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := LogEntry{
		Term:       term,
		Index:      LogIndex(len(s.entries) + 1),
		ProposalId: proposalId,
	}

	s.entries = append(s.entries, entry)

	return entry
}

// AppendEntry stores a replicated entry. Slots are written once: an entry
// already present is ignored, a different entry at the same index is a
// conflict, and an entry leaving a gap in the log is rejected.
func (s *LogStore) AppendEntry(entry LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lastIndex := LogIndex(len(s.entries))

	if entry.Index < 1 {
		return fmt.Errorf("invalid entry index %d", entry.Index)
	}

	if entry.Index <= lastIndex {
		current := s.entries[entry.Index-1]
		if !sameEntry(current, entry) {
			return fmt.Errorf("%w: index %d holds proposal %s from term %d",
				ErrLogConflict, entry.Index, current.ProposalId, current.Term)
		}

		return nil
	}

	if entry.Index != lastIndex+1 {
		return fmt.Errorf("cannot append entry %d after entry %d",
			entry.Index, lastIndex)
	}

	// The commit flag is local to each log
	entry.Committed = false

	s.entries = append(s.entries, entry)

	return nil
}

// Matches returns true if the entry at index has the given term and
// proposal. Index 0 matches the empty log.
func (s *LogStore) Matches(index LogIndex, term Term, proposalId ProposalId) bool {
	if index == 0 {
		return true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if index < 0 || index > LogIndex(len(s.entries)) {
		return false
	}

	entry := s.entries[index-1]
	return entry.Term == term && entry.ProposalId == proposalId
}

// Adopt aligns the log on the entries of another log, starting at the first
// index of entries. Local entries which are not committed are replaced on
// divergence; a divergence on a committed entry is a conflict and leaves the
// log unchanged from that index. Local entries past the end of entries are
// kept.
func (s *LogStore) Adopt(entries []LogEntry) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nbAdopted := 0

	for _, entry := range entries {
		lastIndex := LogIndex(len(s.entries))

		if entry.Index < 1 || entry.Index > lastIndex+1 {
			return nbAdopted, fmt.Errorf("cannot adopt entry %d after "+
				"entry %d", entry.Index, lastIndex)
		}

		if entry.Index == lastIndex+1 {
			s.entries = append(s.entries, entry)
			nbAdopted++
			continue
		}

		current := &s.entries[entry.Index-1]

		if sameEntry(*current, entry) {
			if entry.Committed && !current.Committed {
				current.Committed = true
			}
			continue
		}

		for _, e := range s.entries[entry.Index-1:] {
			if e.Committed {
				return nbAdopted, fmt.Errorf("%w: index %d holds committed "+
					"proposal %s", ErrLogConflict, e.Index, e.ProposalId)
			}
		}

		s.entries = append(s.entries[:entry.Index-1], entry)
		nbAdopted++
	}

	return nbAdopted, nil
}

func sameEntry(e1, e2 LogEntry) bool {
	return e1.Index == e2.Index && e1.Term == e2.Term &&
		e1.ProposalId == e2.ProposalId
}

func (s *LogStore) Entry(index LogIndex) (LogEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if index < 1 || index > LogIndex(len(s.entries)) {
		return LogEntry{}, false
	}

	return s.entries[index-1], true
}

// EntriesFrom returns the entries between first and last, both included.
func (s *LogStore) EntriesFrom(first, last LogIndex) []LogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if first < 1 {
		first = 1
	}

	if last > LogIndex(len(s.entries)) {
		last = LogIndex(len(s.entries))
	}

	if first > last {
		return nil
	}

	entries := make([]LogEntry, last-first+1)
	copy(entries, s.entries[first-1:last])

	return entries
}

func (s *LogStore) Entries() []LogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]LogEntry, len(s.entries))
	copy(entries, s.entries)

	return entries
}

// Commit marks an entry as committed and returns true if it was not already.
func (s *LogStore) Commit(index LogIndex) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 1 || index > LogIndex(len(s.entries)) {
		return false
	}

	entry := &s.entries[index-1]
	if entry.Committed {
		return false
	}

	entry.Committed = true
	return true
}

// CommitEntry commits an entry only if the log still holds it at its index.
func (s *LogStore) CommitEntry(entry LogEntry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.Index < 1 || entry.Index > LogIndex(len(s.entries)) {
		return false
	}

	current := &s.entries[entry.Index-1]
	if !sameEntry(*current, entry) {
		return false
	}

	current.Committed = true
	return true
}

func (s *LogStore) NbCommitted() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, entry := range s.entries {
		if entry.Committed {
			n++
		}
	}

	return n
}
