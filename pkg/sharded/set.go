// Package sharded provides a string set split across independently locked
// shards, so that concurrent writers on unrelated keys rarely contend.
package sharded

import (
	"strings"
	"sync"
)

type setShard struct {
	mu    sync.RWMutex
	items map[string]struct{}
}

// Set is a concurrency-safe set of strings.
type Set []*setShard

// NewSet creates a set with numShards shards. numShards must be a power of 2.
func NewSet(numShards int) *Set {
	if !isPowerOfTwo(numShards) {
		panic("num shards must be a power of 2")
	}
	s := make(Set, numShards)
	for i := range numShards {
		s[i] = &setShard{items: make(map[string]struct{})}
	}
	return &s
}

func (s *Set) getShard(key string) *setShard {
	return (*s)[getShardIndex(key, len(*s))]
}

// Store adds a key to the set.
func (s *Set) Store(key string) {
	shard := s.getShard(key)
	shard.mu.Lock()
	shard.items[key] = struct{}{}
	shard.mu.Unlock()
}

// Has checks only for the presence of a key.
func (s *Set) Has(key string) bool {
	shard := s.getShard(key)
	shard.mu.RLock()
	_, exists := shard.items[key]
	shard.mu.RUnlock()
	return exists
}

// LoadOrStore ensures a key is present in the set, returning true if it was already present.
// It returns false if the key was newly stored. This is an atomic operation.
func (s *Set) LoadOrStore(key string) (loaded bool) {
	shard := s.getShard(key)
	shard.mu.Lock()
	_, loaded = shard.items[key]
	if !loaded {
		shard.items[key] = struct{}{}
	}
	shard.mu.Unlock()
	return loaded
}

// Delete removes a key from the set.
func (s *Set) Delete(key string) {
	shard := s.getShard(key)
	shard.mu.Lock()
	delete(shard.items, key)
	shard.mu.Unlock()
}

// DeletePrefix removes every key that starts with prefix and returns the
// removed keys. The order of the result is not guaranteed.
func (s *Set) DeletePrefix(prefix string) []string {
	var removed []string
	for _, shard := range *s {
		shard.mu.Lock()
		for k := range shard.items {
			if strings.HasPrefix(k, prefix) {
				delete(shard.items, k)
				removed = append(removed, k)
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

// Count returns the total number of elements in the set.
func (s *Set) Count() int {
	count := 0
	for _, shard := range *s {
		shard.mu.RLock()
		count += len(shard.items)
		shard.mu.RUnlock()
	}
	return count
}

// Keys returns a slice of all keys in the set.
// The order of keys is not guaranteed.
func (s *Set) Keys() []string {
	keys := make([]string, 0, s.Count())
	for _, shard := range *s {
		shard.mu.RLock()
		for k := range shard.items {
			keys = append(keys, k)
		}
		shard.mu.RUnlock()
	}
	return keys
}
