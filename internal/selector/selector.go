// Package selector spreads outbound calls across credentials that are equally
// authorised to act for the same remote resource.
package selector

import (
	"errors"
	"sync"
)

// ErrNoCredentials is returned when no credential is eligible.
var ErrNoCredentials = errors.New("no eligible credentials")

// Selector keeps a round-robin cursor per resource id. State lives for the
// life of the process; a restart may repeat or skip one credential.
type Selector struct {
	mu   sync.Mutex
	last map[string]int
}

// New creates a selector with no history.
func New() *Selector {
	return &Selector{last: make(map[string]int)}
}

// Next returns the index into a list of n eligible credentials to use for
// resourceID. With a single candidate it returns 0 without recording state.
func (s *Selector) Next(resourceID string, n int) (int, error) {
	if n <= 0 {
		return 0, ErrNoCredentials
	}
	if n == 1 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	last, ok := s.last[resourceID]
	if !ok {
		last = -1
	}
	idx := (last + 1) % n
	s.last[resourceID] = idx
	return idx, nil
}

// Select picks the credential to use for resourceID from eligible.
func Select[T any](s *Selector, resourceID string, eligible []T) (T, error) {
	idx, err := s.Next(resourceID, len(eligible))
	if err != nil {
		var zero T
		return zero, err
	}
	return eligible[idx], nil
}

// Credentials maps resource ids to the ordered names of credentials allowed
// to act for them.
type Credentials map[string][]string

// Pick returns the credential name to use for resourceID, or ok=false when
// the resource has no mapping.
func (c Credentials) Pick(s *Selector, resourceID string) (name string, ok bool) {
	names := c[resourceID]
	if len(names) == 0 {
		return "", false
	}
	name, err := Select(s, resourceID, names)
	return name, err == nil
}
