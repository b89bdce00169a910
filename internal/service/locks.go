package service

import (
	"sync"

	"github.com/google/uuid"
)

// LockRegistry serializes commit, upload and activation on the same
// campaign within this process. One registry is shared by every service
// that mutates campaign membership or status, so a commit and an
// activation on the same campaign never interleave. The database unique
// index remains the final authority against duplicate recipients across
// processes.
type LockRegistry struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

func NewLockRegistry() *LockRegistry {
	return &LockRegistry{locks: make(map[uuid.UUID]*sync.Mutex)}
}

func (l *LockRegistry) Lock(id uuid.UUID) func() {
	l.mu.Lock()
	m, ok := l.locks[id]
	if !ok {
		m = &sync.Mutex{}
		l.locks[id] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
