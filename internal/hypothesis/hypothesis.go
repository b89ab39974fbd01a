// Package hypothesis holds the session's evolving working answer.
//
// Refinement is an explicit action of sandboxed code, never a side effect of
// querying: Update is the only mutator, and nothing in the core calls it.
package hypothesis

import "sync"

// Store holds the current hypothesis and the append-only history of prior
// versions, oldest first. The initial value is the empty string sentinel.
type Store struct {
	mu      sync.Mutex
	current string
	history []string
}

// NewStore creates an empty hypothesis store.
func NewStore() *Store {
	return &Store{}
}

// Current returns the working hypothesis.
func (s *Store) Current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Update replaces the working hypothesis and appends the previous value to
// history. After N updates the history has exactly N entries.
func (s *Store) Update(value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, s.current)
	s.current = value
}

// History returns all previously-current values, oldest first.
func (s *Store) History() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.history))
	copy(out, s.history)
	return out
}

// Revised reports whether any update has occurred, distinguishing the empty
// sentinel from a genuinely empty answer.
func (s *Store) Revised() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history) > 0
}
