// Package ratelimit implements the per-identity request quota of the
// reporting API. The API allows RequestsPerWindow requests per identity key
// within each Window; the fetch loop tracks its own usage and sleeps before
// the remote side would start rejecting requests.
package ratelimit

import (
	"time"
)

// Quota imposed by the reporting API.
const (
	// RequestsPerWindow is the request allowance per identity key and window.
	RequestsPerWindow = 10

	// Window is the length of the quota window.
	Window = time.Second
)

// State is the quota bookkeeping of a single fetch run. Counters are kept
// per identity key while the window start is shared by every key.
//
// A State is not safe for concurrent use; a run issues its requests
// sequentially.
type State struct {
	remaining   map[string]int
	windowStart time.Time
}

// NewState creates an empty state whose window starts at start.
func NewState(start time.Time) *State {
	return &State{
		remaining:   make(map[string]int),
		windowStart: start,
	}
}

// Track registers key with a full allowance unless it was already seen.
func (s *State) Track(key string) {
	if _, ok := s.remaining[key]; !ok {
		s.remaining[key] = RequestsPerWindow
	}
}

// Consume records one request against key and returns what is left.
func (s *State) Consume(key string) int {
	s.Track(key)
	s.remaining[key]--
	return s.remaining[key]
}

// Remaining returns the allowance left for key. Unseen keys have a full
// allowance.
func (s *State) Remaining(key string) int {
	if n, ok := s.remaining[key]; ok {
		return n
	}
	return RequestsPerWindow
}

// Exhausted reports whether key has used exactly its whole allowance.
func (s *State) Exhausted(key string) bool {
	n, ok := s.remaining[key]
	return ok && n == 0
}

// WindowStart returns the start of the shared quota window.
func (s *State) WindowStart() time.Time {
	return s.windowStart
}

// Elapsed returns the time spent in the current window.
func (s *State) Elapsed(now time.Time) time.Duration {
	return now.Sub(s.windowStart)
}

// Reset gives key a full allowance and restarts the shared window at now.
func (s *State) Reset(key string, now time.Time) {
	s.remaining[key] = RequestsPerWindow
	s.windowStart = now
}

// Keys returns the number of identity keys seen.
func (s *State) Keys() int {
	return len(s.remaining)
}

// Clear forgets every key.
func (s *State) Clear() {
	for key := range s.remaining {
		delete(s.remaining, key)
	}
}
