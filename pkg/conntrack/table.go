// Package conntrack keeps per-flow and per-ICMP-conversation state in
// bounded tables with least-recently-used eviction.
package conntrack

import (
	"errors"
	"fmt"
	"hash/maphash"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	DefaultFlowCapacity = 65536
	DefaultICMPCapacity = 1024
)

var ErrCapacity = errors.New("table capacity must be positive")

// store is the subset of Table the trackers rely on.
type store[K comparable, V any] interface {
	InsertIfAbsent(key K, value V) bool
	Lookup(key K) (V, bool)
}

// Table is a bounded associative table split into independently locked
// LRU shards. Shard capacities sum to the requested capacity; with a single
// shard eviction order is exact LRU across the whole table.
type Table[K comparable, V any] struct {
	shards   []*lru.Cache[K, V]
	seed     maphash.Seed
	capacity int
}

// NewTable creates a table holding at most capacity entries.
func NewTable[K comparable, V any](capacity, shards int) (*Table[K, V], error) {
	if capacity <= 0 {
		return nil, ErrCapacity
	}
	if shards <= 0 {
		shards = 1
	}
	if shards > capacity {
		shards = capacity
	}

	t := &Table[K, V]{
		shards:   make([]*lru.Cache[K, V], shards),
		seed:     maphash.MakeSeed(),
		capacity: capacity,
	}
	base, extra := capacity/shards, capacity%shards
	for i := range t.shards {
		size := base
		if i < extra {
			size++
		}
		c, err := lru.New[K, V](size)
		if err != nil {
			return nil, fmt.Errorf("shard %d: %w", i, err)
		}
		t.shards[i] = c
	}
	return t, nil
}

func (t *Table[K, V]) shard(key K) *lru.Cache[K, V] {
	if len(t.shards) == 1 {
		return t.shards[0]
	}
	return t.shards[maphash.Comparable(t.seed, key)%uint64(len(t.shards))]
}

// InsertIfAbsent stores value under key only if the key is not present.
// It reports whether the insert happened. A full shard evicts its least
// recently used entry to make room.
func (t *Table[K, V]) InsertIfAbsent(key K, value V) bool {
	found, _ := t.shard(key).ContainsOrAdd(key, value)
	return !found
}

// Lookup returns the entry for key and marks it most recently used.
func (t *Table[K, V]) Lookup(key K) (V, bool) {
	return t.shard(key).Get(key)
}

// Peek returns the entry for key without touching recency.
func (t *Table[K, V]) Peek(key K) (V, bool) {
	return t.shard(key).Peek(key)
}

// Len returns the current number of entries.
func (t *Table[K, V]) Len() int {
	n := 0
	for _, s := range t.shards {
		n += s.Len()
	}
	return n
}

// Cap returns the configured capacity.
func (t *Table[K, V]) Cap() int {
	return t.capacity
}

// Range calls fn for every entry, oldest first within each shard, until fn
// returns false. Recency is not updated. Entries evicted concurrently are
// skipped.
func (t *Table[K, V]) Range(fn func(K, V) bool) {
	for _, s := range t.shards {
		for _, k := range s.Keys() {
			v, ok := s.Peek(k)
			if !ok {
				continue
			}
			if !fn(k, v) {
				return
			}
		}
	}
}

// Purge removes every entry.
func (t *Table[K, V]) Purge() {
	for _, s := range t.shards {
		s.Purge()
	}
}
