// Package locking provides per-key mutual exclusion without a lock per
// live key. Trips and units each get their own Striped instance so one
// trip's read-modify-write never waits on an unrelated trip.
package locking

import (
	"hash/fnv"
	"sync"
)

const defaultStripes = 64

// Striped maps keys onto a fixed set of mutexes by hash. Two distinct
// keys may share a stripe; that costs contention, never correctness.
type Striped struct {
	stripes []sync.Mutex
}

func NewStriped(n int) *Striped {
	if n <= 0 {
		n = defaultStripes
	}
	return &Striped{stripes: make([]sync.Mutex, n)}
}

func (s *Striped) Lock(key string) {
	s.stripes[s.index(key)].Lock()
}

func (s *Striped) Unlock(key string) {
	s.stripes[s.index(key)].Unlock()
}

func (s *Striped) index(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(s.stripes)))
}
