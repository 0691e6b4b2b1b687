package scheduler

import (
	"sync"

	"github.com/leg100/jobq/internal/resource"
)

// keyedMutex provides a mutex per job, so that changes to a single job are
// serialized while changes to different jobs proceed concurrently.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[resource.ID]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[resource.ID]*refMutex)}
}

// lock the mutex for the given key, returning a func to unlock it.
func (k *keyedMutex) lock(key resource.ID) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()

		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
