package loader

import (
	"sync"
)

// lockToken identifies one logical call chain. Every public registry entry
// point mints a token and passes it down, so a chain that recurses back into
// the registry takes the lock again instead of deadlocking.
type lockToken struct {
	id uint64
}

type recursiveMutex struct {
	mu    sync.Mutex
	cond  sync.Cond
	owner *lockToken
	depth int
}

func (m *recursiveMutex) Lock(t *lockToken) {
	m.mu.Lock()
	if m.cond.L == nil {
		m.cond.L = &m.mu
	}
	for m.owner != nil && m.owner != t {
		m.cond.Wait()
	}
	m.owner = t
	m.depth++
	m.mu.Unlock()
}

func (m *recursiveMutex) Unlock(t *lockToken) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owner != t {
		panic("loader: unlock of registry lock not held by this call chain")
	}
	m.depth--
	if m.depth == 0 {
		m.owner = nil
		m.cond.Broadcast()
	}
}
