package store

import (
	"context"
	"sync"
)

// MemoryBackend keeps documents in process memory. Useful for tests and for
// deployments that rely on the gateway's own credential storage only.
type MemoryBackend struct {
	mu   sync.Mutex
	docs map[string][]byte

	// SaveError, if set, is returned by Save.
	SaveError error
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{docs: make(map[string][]byte)}
}

func (m *MemoryBackend) Load(_ context.Context, identity string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.docs[identity]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), doc...), nil
}

func (m *MemoryBackend) Save(_ context.Context, identity string, doc []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SaveError != nil {
		return m.SaveError
	}
	m.docs[identity] = append([]byte(nil), doc...)
	return nil
}

// Put stores a raw document, bypassing encoding. Used to seed tests.
func (m *MemoryBackend) Put(identity string, doc []byte) {
	m.mu.Lock()
	m.docs[identity] = append([]byte(nil), doc...)
	m.mu.Unlock()
}

// Get returns the raw document for identity.
func (m *MemoryBackend) Get(identity string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[identity]
	return doc, ok
}

func (m *MemoryBackend) Close() error {
	return nil
}
