// Package state stores conversation state keyed by sender and page. The
// messenger pipeline only reads and writes whole state documents; their
// content belongs to the processing engine.
package state

import (
	"context"
	"maps"
	"sync"
)

type memoryKey struct {
	senderID string
	pageID   string
}

// Memory is an in-process state store for development and tests.
type Memory struct {
	mu     sync.RWMutex
	states map[memoryKey]map[string]any
}

func NewMemory() *Memory {
	return &Memory{states: map[memoryKey]map[string]any{}}
}

func (m *Memory) GetState(_ context.Context, senderID, pageID string) (map[string]any, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[memoryKey{senderID, pageID}]
	if !ok {
		return nil, false, nil
	}
	return maps.Clone(st), true, nil
}

func (m *Memory) SetState(_ context.Context, senderID, pageID string, st map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[memoryKey{senderID, pageID}] = maps.Clone(st)
	return nil
}
