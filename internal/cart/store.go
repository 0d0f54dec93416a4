package cart

import (
	"sort"
	"sync"
)

// Store holds the authoritative-for-UI set of cart lines. The engine is the
// only writer; reads may come from any goroutine. Every read observes a
// fully-formed state, and Upsert is the single mutation primitive the
// higher-level operations compose from.
type Store struct {
	mu    sync.Mutex
	lines map[LineKey]Line
}

// NewStore returns an empty cart store.
func NewStore() *Store {
	return &Store{lines: make(map[LineKey]Line)}
}

// Lines returns the current contents sorted by key for a stable UI order.
func (s *Store) Lines() []Line {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Get returns the line for the given key.
func (s *Store) Get(key LineKey) (Line, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	line, ok := s.lines[key]
	return line, ok
}

// Count returns the total number of units across all lines.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, line := range s.lines {
		total += line.Quantity
	}
	return total
}

// Len returns the number of distinct lines.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lines)
}

// Replace swaps the full contents, used after a remote list fetch or a
// wholesale rollback. Lines with non-positive quantities are dropped so the
// store never holds an invariant-violating entry.
func (s *Store) Replace(lines []Line) {
	next := make(map[LineKey]Line, len(lines))
	for _, line := range lines {
		if line.Quantity <= 0 {
			continue
		}
		next[line.Key] = line
	}
	s.mu.Lock()
	s.lines = next
	s.mu.Unlock()
}

// Clear empties the store, used by session teardown.
func (s *Store) Clear() {
	s.mu.Lock()
	s.lines = make(map[LineKey]Line)
	s.mu.Unlock()
}

// Upsert inserts or overwrites the line when quantity is positive and
// removes it otherwise. It returns the prior value of that exact line so
// callers can roll back. A retained remote line id survives a quantity
// overwrite unless the caller provides a new one.
func (s *Store) Upsert(key LineKey, quantity int, remoteLineID string) Prior {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.lines[key]
	prior := Prior{Line: existing, Absent: !ok}

	if quantity <= 0 {
		delete(s.lines, key)
		return prior
	}

	line := Line{Key: key, Quantity: quantity, RemoteLineID: remoteLineID}
	if line.RemoteLineID == "" {
		line.RemoteLineID = existing.RemoteLineID
	}
	s.lines[key] = line
	return prior
}

// Restore reapplies a prior value exactly, including re-adding a removed
// line or removing one that did not exist before the mutation.
func (s *Store) Restore(key LineKey, prior Prior) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prior.Absent {
		delete(s.lines, key)
		return
	}
	s.lines[key] = prior.Line
}

// AttachRemoteID records the remote store's id for a confirmed line. It
// touches metadata only; a confirmation arriving after a newer mutation
// must never overwrite the newer quantity.
func (s *Store) AttachRemoteID(key LineKey, remoteLineID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	line, ok := s.lines[key]
	if !ok {
		return false
	}
	line.RemoteLineID = remoteLineID
	s.lines[key] = line
	return true
}

func (s *Store) snapshotLocked() []Line {
	out := make([]Line, 0, len(s.lines))
	for _, line := range s.lines {
		out = append(out, line)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.ProductID != out[j].Key.ProductID {
			return out[i].Key.ProductID < out[j].Key.ProductID
		}
		return out[i].Key.Size < out[j].Key.Size
	})
	return out
}
