package kv

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests and local runs without a
// redis instance. TTLs are honored lazily: an expired key is treated as
// absent the next time it is read.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]entry
	hashes map[string]map[string]string
	expiry map[string]time.Time
}

type entry struct {
	value string
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values: make(map[string]entry),
		hashes: make(map[string]map[string]string),
		expiry: make(map[string]time.Time),
	}
}

func (s *MemoryStore) expired(key string) bool {
	at, ok := s.expiry[key]
	return ok && time.Now().After(at)
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expired(key) {
		delete(s.values, key)
		delete(s.expiry, key)
		return "", ErrNotFound
	}
	e, ok := s.values[key]
	if !ok {
		return "", ErrNotFound
	}
	return e.value, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = entry{value: value}
	if ttl > 0 {
		s.expiry[key] = time.Now().Add(ttl)
	} else {
		delete(s.expiry, key)
	}
	return nil
}

func (s *MemoryStore) Del(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	delete(s.hashes, key)
	delete(s.expiry, key)
	return nil
}

func (s *MemoryStore) HGet(_ context.Context, key, field string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expired(key) {
		delete(s.hashes, key)
		delete(s.expiry, key)
		return "", ErrNotFound
	}
	h, ok := s.hashes[key]
	if !ok {
		return "", ErrNotFound
	}
	v, ok := h[field]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *MemoryStore) HSet(_ context.Context, key string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string)
		s.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	return nil
}

func (s *MemoryStore) HGetAll(_ context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string)
	if s.expired(key) {
		return out, nil
	}
	for k, v := range s.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) HLen(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expired(key) {
		return 0, nil
	}
	return int64(len(s.hashes[key])), nil
}

// HScan ignores count/cursor pagination (the whole hash fits in memory) and
// always returns a next cursor of 0, matching "scan complete" semantics.
func (s *MemoryStore) HScan(_ context.Context, key string, _ uint64, pattern string, _ int64) (map[string]string, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string)
	if s.expired(key) {
		return out, 0, nil
	}
	needle := strings.Trim(pattern, "*")
	for k, v := range s.hashes[key] {
		if needle == "" || strings.Contains(k, needle) {
			out[k] = v
		}
	}
	return out, 0, nil
}

func (s *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expiry[key] = time.Now().Add(ttl)
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// Keys returns all known top-level keys, sorted; used by tests only.
func (s *MemoryStore) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := make(map[string]struct{})
	for k := range s.values {
		set[k] = struct{}{}
	}
	for k := range s.hashes {
		set[k] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
