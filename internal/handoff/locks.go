package handoff

import (
	"slices"
	"sync"
)

// keyedMutex hands out one mutex per key and frees it when unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refLock)}
}

// Lock acquires every key in sorted order and returns the matching unlock.
// Sorting keeps two callers locking overlapping key sets from deadlocking.
func (k *keyedMutex) Lock(keys ...string) func() {
	keys = slices.Clone(keys)
	slices.Sort(keys)
	keys = slices.Compact(keys)

	held := make([]*refLock, 0, len(keys))
	for _, key := range keys {
		l := k.acquire(key)
		l.Lock()
		held = append(held, l)
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
			k.release(keys[i])
		}
	}
}

func (k *keyedMutex) acquire(key string) *refLock {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	return l
}

func (k *keyedMutex) release(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l := k.locks[key]
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}
