// Package attachments caches Messenger attachment ids by source URL so
// reusable media is uploaded to the platform only once.
package attachments

import (
	"context"
	"sync"
)

// Memory is an in-process attachment cache. Concurrent writes for the same
// URL are last-write-wins.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]string
}

func NewMemory() *Memory {
	return &Memory{entries: map[string]string{}}
}

func (m *Memory) FindAttachmentByURL(_ context.Context, url string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entries[url], nil
}

func (m *Memory) SaveAttachmentID(_ context.Context, url, attachmentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[url] = attachmentID
	return nil
}
