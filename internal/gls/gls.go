// File: internal/gls/gls.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Goroutine-local slot registry. The fiber runtime needs an ambient
// "current fiber" the way the original thread-based design used
// thread_local: hooks are called as plain functions deep inside user code
// and must find the fiber they are running under without any parameter
// threading. Each fiber runs on its own goroutine, so the goroutine id is
// the key.

package gls

import (
	"sync"

	"github.com/petermattis/goid"
)

// registry is sharded to keep the hot Get path off a single lock.
// One entry per goroutine currently backing a fiber (or promoted to a
// thread-main fiber).
const shardCount = 64

type shard struct {
	mu sync.RWMutex
	m  map[int64]any
}

var shards [shardCount]*shard

func init() {
	for i := range shards {
		shards[i] = &shard{m: make(map[int64]any)}
	}
}

func shardFor(id int64) *shard {
	return shards[uint64(id)%shardCount]
}

// Set binds v to the calling goroutine.
func Set(v any) {
	id := goid.Get()
	s := shardFor(id)
	s.mu.Lock()
	s.m[id] = v
	s.mu.Unlock()
}

// Get returns the value bound to the calling goroutine, or nil.
func Get() any {
	id := goid.Get()
	s := shardFor(id)
	s.mu.RLock()
	v := s.m[id]
	s.mu.RUnlock()
	return v
}

// Clear removes the calling goroutine's binding.
func Clear() {
	id := goid.Get()
	s := shardFor(id)
	s.mu.Lock()
	delete(s.m, id)
	s.mu.Unlock()
}
