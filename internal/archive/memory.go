package archive

import (
	"context"
	"fmt"
	"sync"
)

// Memory keeps snapshots in-process. Development and test use only.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory creates an in-memory blob store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

// Put stores a copy of data under path and returns a memory:// URI.
func (m *Memory) Put(_ context.Context, path string, _ string, data []byte) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[path] = append([]byte(nil), data...)
	return "memory://" + path, nil
}

// Get returns the stored bytes for path, for test assertions.
func (m *Memory) Get(path string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.data[path]
	return data, ok
}

// Len reports how many objects are stored.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
