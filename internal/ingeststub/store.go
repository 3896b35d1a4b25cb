package ingeststub

import (
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"
)

// Store is a thread-safe, insertion-ordered, in-memory store of T keyed by
// generated IDs.
type Store[T any] struct {
	mu      sync.RWMutex
	items   map[string]T
	order   []string
	prefix  string
	counter atomic.Uint64
}

// NewStore creates a store whose IDs look like "{prefix}_{counter}".
func NewStore[T any](prefix string) *Store[T] {
	return &Store[T]{
		items:  make(map[string]T),
		order:  make([]string, 0),
		prefix: prefix,
	}
}

// NextID generates the next ID, e.g. "evt_000001".
func (s *Store[T]) NextID() string {
	n := s.counter.Add(1)
	return fmt.Sprintf("%s_%06d", s.prefix, n)
}

// Set stores item under id. Overwrites keep their original position.
func (s *Store[T]) Set(id string, item T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.items[id]; !exists {
		s.order = append(s.order, id)
	}
	s.items[id] = item
}

// Get retrieves an item by ID.
func (s *Store[T]) Get(id string) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[id]
	return item, ok
}

// List returns all items in insertion order.
func (s *Store[T]) List() []T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]T, 0, len(s.order))
	for _, id := range s.order {
		result = append(result, s.items[id])
	}
	return result
}

// Filter returns items matching predicate, in insertion order.
func (s *Store[T]) Filter(predicate func(item T) bool) []T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []T
	for _, id := range s.order {
		if predicate(s.items[id]) {
			result = append(result, s.items[id])
		}
	}
	return result
}

// Count returns the number of items in the store.
func (s *Store[T]) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Reset clears all items and the ID counter.
func (s *Store[T]) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[string]T)
	s.order = make([]string, 0)
	s.counter.Store(0)
}

// CapturedEvent is one event accepted by the stub.
type CapturedEvent struct {
	ID         string         `json:"id"`
	UUID       string         `json:"uuid,omitempty"`
	Type       string         `json:"type"`
	Event      string         `json:"event"`
	DistinctID string         `json:"distinct_id"`
	Properties map[string]any `json:"properties,omitempty"`
	Timestamp  string         `json:"timestamp"`
	ReceivedAt time.Time      `json:"received_at"`
	APIKey     string         `json:"-"`
}

// FeatureFlag is a static flag evaluation.
type FeatureFlag struct {
	Key     string `json:"key"`
	Enabled bool   `json:"enabled"`
	Variant string `json:"variant,omitempty"`
}

// Value is what an evaluation reports for the flag.
func (f FeatureFlag) Value() any {
	switch {
	case !f.Enabled:
		return false
	case f.Variant != "":
		return f.Variant
	default:
		return true
	}
}

// MemoryStore holds all stub state.
type MemoryStore struct {
	Events *Store[CapturedEvent]

	mu      sync.RWMutex
	flags   map[string]FeatureFlag
	decides int
}

// NewMemoryStore creates empty state.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		Events: NewStore[CapturedEvent]("evt"),
		flags:  make(map[string]FeatureFlag),
	}
}

// FeatureFlags returns a copy of all flags.
func (s *MemoryStore) FeatureFlags() map[string]FeatureFlag {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.flags)
}

// SetFeatureFlag sets or updates one flag.
func (s *MemoryStore) SetFeatureFlag(flag FeatureFlag) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags[flag.Key] = flag
}

// SetFeatureFlags replaces all flags.
func (s *MemoryStore) SetFeatureFlags(flags []FeatureFlag) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags = make(map[string]FeatureFlag, len(flags))
	for _, f := range flags {
		s.flags[f.Key] = f
	}
}

// Evaluate returns every flag's value.
func (s *MemoryStore) Evaluate() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decides++
	out := make(map[string]any, len(s.flags))
	for k, f := range s.flags {
		out[k] = f.Value()
	}
	return out
}

// Decides returns how many flag evaluations were served.
func (s *MemoryStore) Decides() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.decides
}

// Reset clears events and flags.
func (s *MemoryStore) Reset() {
	s.Events.Reset()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags = make(map[string]FeatureFlag)
	s.decides = 0
}
