package snapshot

import "sort"

// Entry is one timestamped observation of a subject's value.
type Entry struct {
	Timestamp int64
	Value     []byte
}

// Store keeps an ordered value history per subject and answers point-in-time
// queries with a floor lookup.
//
// Entries stay sorted ascending by timestamp even when set out of order, and a
// set at an already-stored timestamp overwrites in place, so a historical read
// observes the same result regardless of insertion order.
//
// Store is not safe for concurrent use.
type Store struct {
	entries map[string][]Entry
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{entries: make(map[string][]Entry)}
}

// Set records value for subject at timestamp. Appends are O(1) amortised for
// monotonic timestamps; an out-of-order arrival shift-inserts, which is
// acceptable because settlement traffic is infrequent and batched.
func (s *Store) Set(subject string, value []byte, timestamp int64) {
	history := s.entries[subject]
	idx := sort.Search(len(history), func(i int) bool {
		return history[i].Timestamp >= timestamp
	})
	stored := append([]byte(nil), value...)
	if idx < len(history) && history[idx].Timestamp == timestamp {
		history[idx].Value = stored
		return
	}
	history = append(history, Entry{})
	copy(history[idx+1:], history[idx:])
	history[idx] = Entry{Timestamp: timestamp, Value: stored}
	s.entries[subject] = history
}

// Get returns the value stored at the greatest timestamp <= asOf, or false if
// the subject has no entry at or before that instant.
func (s *Store) Get(subject string, asOf int64) ([]byte, bool) {
	history := s.entries[subject]
	idx := sort.Search(len(history), func(i int) bool {
		return history[i].Timestamp > asOf
	})
	if idx == 0 {
		return nil, false
	}
	return history[idx-1].Value, true
}

// Latest returns the most recent entry for subject.
func (s *Store) Latest(subject string) (Entry, bool) {
	history := s.entries[subject]
	if len(history) == 0 {
		return Entry{}, false
	}
	return history[len(history)-1], true
}

// Len reports the number of entries stored for subject.
func (s *Store) Len(subject string) int {
	return len(s.entries[subject])
}

// Clone returns an independent deep copy of the store.
func (s *Store) Clone() *Store {
	out := NewStore()
	for subject, history := range s.entries {
		copied := make([]Entry, len(history))
		for i, entry := range history {
			copied[i] = Entry{Timestamp: entry.Timestamp, Value: append([]byte(nil), entry.Value...)}
		}
		out.entries[subject] = copied
	}
	return out
}

// Entries returns the full ascending history for subject. The returned slice
// is a copy; mutating it does not affect the store.
func (s *Store) Entries(subject string) []Entry {
	history := s.entries[subject]
	out := make([]Entry, len(history))
	copy(out, history)
	return out
}
