package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/arcwire/relay/pkg/logger"
)

// MemoryStore is an in-process Store used by tests and single-node
// deployments. Expiry is evaluated lazily on access.
type MemoryStore struct {
	mu   sync.RWMutex
	vals map[string]memoryValue
	sets map[string]map[string]struct{}

	subMu sync.RWMutex
	subs  map[int]*memorySubscription
	next  int

	now func() time.Time
}

type memoryValue struct {
	data      string
	expiresAt time.Time // zero means no expiry
}

type memorySubscription struct {
	store   *MemoryStore
	id      int
	pattern string
	handler MessageHandler
}

func (s *memorySubscription) Close() error {
	s.store.subMu.Lock()
	defer s.store.subMu.Unlock()
	delete(s.store.subs, s.id)
	return nil
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		vals: make(map[string]memoryValue),
		sets: make(map[string]map[string]struct{}),
		subs: make(map[int]*memorySubscription),
		now:  time.Now,
	}
}

// SetClock overrides the time source. Intended for tests.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) expired(v memoryValue) bool {
	return !v.expiresAt.IsZero() && !s.now().Before(v.expiresAt)
}

// Get returns the value at key or ErrNotFound.
func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vals[key]
	if !ok {
		return "", ErrNotFound
	}
	if s.expired(v) {
		delete(s.vals, key)
		return "", ErrNotFound
	}
	return v.data, nil
}

// SetWithTTL stores value at key. A non-positive ttl means no expiry.
func (s *MemoryStore) SetWithTTL(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := memoryValue{data: value}
	if ttl > 0 {
		v.expiresAt = s.now().Add(ttl)
	}
	s.vals[key] = v
	return nil
}

// Delete removes key and any set stored under it.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.vals, key)
	delete(s.sets, key)
	return nil
}

// Expire resets the TTL on key. Missing keys are ignored.
func (s *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vals[key]
	if !ok || s.expired(v) {
		return nil
	}
	if ttl > 0 {
		v.expiresAt = s.now().Add(ttl)
	} else {
		v.expiresAt = time.Time{}
	}
	s.vals[key] = v
	return nil
}

// AddToSet adds member to the set at key.
func (s *MemoryStore) AddToSet(_ context.Context, key, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{})
		s.sets[key] = set
	}
	set[member] = struct{}{}
	return nil
}

// RemoveFromSet removes member from the set at key.
func (s *MemoryStore) RemoveFromSet(_ context.Context, key, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.sets[key]; ok {
		delete(set, member)
		if len(set) == 0 {
			delete(s.sets, key)
		}
	}
	return nil
}

// SetMembers returns all members of the set at key.
func (s *MemoryStore) SetMembers(_ context.Context, key string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.sets[key]
	members := make([]string, 0, len(set))
	for m := range set {
		members = append(members, m)
	}
	return members, nil
}

// KeysByPrefix returns all live value keys starting with prefix.
func (s *MemoryStore) KeysByPrefix(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k, v := range s.vals {
		if s.expired(v) {
			delete(s.vals, k)
			continue
		}
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Publish dispatches payload to all subscriptions whose pattern matches
// channel. Each handler runs on its own goroutine, mirroring the async
// delivery of a networked store.
func (s *MemoryStore) Publish(_ context.Context, channel string, payload []byte) error {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for _, sub := range s.subs {
		if !patternMatch(sub.pattern, channel) {
			continue
		}
		handler := sub.handler
		go func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Errorf("store: subscriber panic on %s: %v", channel, r)
				}
			}()
			handler(channel, payload)
		}()
	}
	return nil
}

// SubscribeByPattern registers handler for channels matching pattern. Only
// the trailing-star glob form used by this system is supported.
func (s *MemoryStore) SubscribeByPattern(_ context.Context, pattern string, handler MessageHandler) (Subscription, error) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.next++
	sub := &memorySubscription{store: s, id: s.next, pattern: pattern, handler: handler}
	s.subs[sub.id] = sub
	return sub, nil
}

func patternMatch(pattern, channel string) bool {
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(channel, prefix)
	}
	return pattern == channel
}
