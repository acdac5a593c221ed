package ingest

import (
	"sync"
	"time"
)

// State is the per-session detection state. It is a plain value so the
// detection rules can be tested against synthetic sessions.
type State struct {
	ModelID    string
	Baseline   float64
	LastTotal  float64
	LastEmit   time.Time
	Sequence   uint64
	LastDigest [32]byte
	HasDigest  bool
}

type slot struct {
	mu      sync.Mutex
	state   State
	touched time.Time
	evicted bool
}

// SessionStore maps session ids to state slots. Each slot has its own mutex;
// the store-wide lock only guards slot lookup, so unrelated sessions never
// wait on each other.
type SessionStore struct {
	mu    sync.Mutex
	slots map[string]*slot
	now   func() time.Time
}

// NewSessionStore creates an empty store.
func NewSessionStore() *SessionStore {
	return &SessionStore{slots: make(map[string]*slot), now: time.Now}
}

func (s *SessionStore) get(id string) *slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[id]
	if !ok {
		sl = &slot{}
		s.slots[id] = sl
	}
	return sl
}

// With runs f with exclusive access to the session's state. Changes f makes
// to the state are kept.
func (s *SessionStore) With(id string, f func(*State) error) error {
	for {
		sl := s.get(id)
		sl.mu.Lock()
		if sl.evicted {
			sl.mu.Unlock()
			continue
		}
		err := f(&sl.state)
		sl.touched = s.now()
		sl.mu.Unlock()
		return err
	}
}

// Snapshot returns a copy of the session's state.
func (s *SessionStore) Snapshot(id string) (State, bool) {
	s.mu.Lock()
	sl, ok := s.slots[id]
	s.mu.Unlock()
	if !ok {
		return State{}, false
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.state, true
}

// Put replaces a session's state.
func (s *SessionStore) Put(id string, st State) {
	_ = s.With(id, func(cur *State) error {
		*cur = st
		return nil
	})
}

// EvictIdle drops sessions not touched within ttl and returns how many were
// removed. Slots currently in use are skipped.
func (s *SessionStore) EvictIdle(ttl time.Duration) int {
	cutoff := s.now().Add(-ttl)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, sl := range s.slots {
		if !sl.mu.TryLock() {
			continue
		}
		if sl.touched.Before(cutoff) {
			sl.evicted = true
			delete(s.slots, id)
			n++
		}
		sl.mu.Unlock()
	}
	return n
}

// Len returns the number of live sessions.
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}
