// Package handoff provides a short-lived in-memory correlation store used to
// carry data between the start and callback legs of an OAuth flow.
package handoff

import (
	"sync"
	"time"
)

const (
	// DefaultTTL bounds how long a callback may trail its start request.
	DefaultTTL = 5 * time.Minute

	defaultSweepInterval = time.Minute
)

type entry[T any] struct {
	payload   T
	expiresAt time.Time
}

// Store maps opaque ids to payloads with read-and-delete consumption and
// lazy expiry. A background janitor sweeps entries that are never consumed.
// The store is process-local: a multi-instance deployment needs sticky
// routing or an external store with atomic get-and-delete.
type Store[T any] struct {
	mu      sync.Mutex
	entries map[string]entry[T]
	clock   func() time.Time
	done    chan struct{}
	once    sync.Once
}

// Option customizes store construction.
type Option[T any] func(*Store[T], *time.Duration)

// WithClock injects a clock, used by tests to control expiry.
func WithClock[T any](clock func() time.Time) Option[T] {
	return func(s *Store[T], _ *time.Duration) {
		s.clock = clock
	}
}

// WithSweepInterval overrides the janitor interval. A non-positive interval
// disables the janitor entirely; expiry on read still applies.
func WithSweepInterval[T any](interval time.Duration) Option[T] {
	return func(_ *Store[T], sweep *time.Duration) {
		*sweep = interval
	}
}

// New constructs a Store and starts its sweep janitor.
func New[T any](opts ...Option[T]) *Store[T] {
	store := &Store[T]{
		entries: make(map[string]entry[T]),
		clock:   time.Now,
		done:    make(chan struct{}),
	}
	sweep := defaultSweepInterval
	for _, opt := range opts {
		opt(store, &sweep)
	}
	if sweep > 0 {
		go store.janitor(sweep)
	}
	return store
}

// Put stores the payload under id for ttl. A non-positive ttl falls back to
// DefaultTTL. Re-putting an id replaces the previous payload and deadline.
func (s *Store[T]) Put(id string, payload T, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[id] = entry[T]{payload: payload, expiresAt: s.clock().Add(ttl)}
}

// Take returns the payload for id and deletes it in the same critical
// section, so at most one caller can ever consume a given id. Absent or
// expired entries return the zero payload and false.
func (s *Store[T]) Take(id string) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero T
	record, ok := s.entries[id]
	if !ok {
		return zero, false
	}
	delete(s.entries, id)
	if !s.clock().Before(record.expiresAt) {
		return zero, false
	}
	return record.payload, true
}

// Peek returns the payload for id without consuming it, applying the same
// expiry check as Take.
func (s *Store[T]) Peek(id string) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero T
	record, ok := s.entries[id]
	if !ok || !s.clock().Before(record.expiresAt) {
		return zero, false
	}
	return record.payload, true
}

// Len reports the number of stored entries, expired or not.
func (s *Store[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close stops the sweep janitor. Safe to call more than once.
func (s *Store[T]) Close() {
	s.once.Do(func() { close(s.done) })
}

func (s *Store[T]) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.done:
			return
		}
	}
}

func (s *Store[T]) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	for id, record := range s.entries {
		if !now.Before(record.expiresAt) {
			delete(s.entries, id)
		}
	}
}
