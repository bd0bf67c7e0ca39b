package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/campusfeed/notice-crawler/internal/pipeline"
)

type memoryEntry struct {
	token     string
	expiresAt time.Time
}

// MemoryManager implements pipeline.LockManager in-process for local
// development and tests, with the same semantics as the Redis manager.
type MemoryManager struct {
	mu    sync.Mutex
	locks map[string]memoryEntry
	idGen pipeline.IDGenerator
	clock pipeline.Clock
	ttl   time.Duration
}

// NewMemoryManager constructs a MemoryManager.
func NewMemoryManager(idGen pipeline.IDGenerator, clock pipeline.Clock, ttl time.Duration) *MemoryManager {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &MemoryManager{
		locks: make(map[string]memoryEntry),
		idGen: idGen,
		clock: clock,
		ttl:   ttl,
	}
}

// Acquire grants the lock unless a live entry exists.
func (m *MemoryManager) Acquire(_ context.Context, sourceCode string) (bool, string, error) {
	token, err := m.idGen.NewID()
	if err != nil {
		return false, "", fmt.Errorf("generate lock token: %w", err)
	}
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, held := m.locks[sourceCode]; held && entry.expiresAt.After(now) {
		return false, "", nil
	}
	m.locks[sourceCode] = memoryEntry{token: token, expiresAt: now.Add(m.ttl)}
	return true, token, nil
}

// Release deletes the lock only on a token match.
func (m *MemoryManager) Release(_ context.Context, sourceCode, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, held := m.locks[sourceCode]
	if !held || entry.token != token {
		return false, nil
	}
	delete(m.locks, sourceCode)
	return true, nil
}
