package anthropic

import (
	"context"
	"sync"
)

// MemoryTranscripts keeps transcripts in process memory.
type MemoryTranscripts struct {
	mu   sync.Mutex
	data map[string][]byte
}

// NewMemoryTranscripts creates an empty in-memory transcript store.
func NewMemoryTranscripts() *MemoryTranscripts {
	return &MemoryTranscripts{data: make(map[string][]byte)}
}

// SaveTranscript implements TranscriptStore.
func (m *MemoryTranscripts) SaveTranscript(_ context.Context, token, _ string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[token] = append([]byte(nil), data...)
	return nil
}

// LoadTranscript implements TranscriptStore.
func (m *MemoryTranscripts) LoadTranscript(_ context.Context, token string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if data, ok := m.data[token]; ok {
		return append([]byte(nil), data...), nil
	}
	return nil, nil
}
