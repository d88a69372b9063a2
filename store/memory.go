package store

import (
	"context"
	"sort"
	"sync"
)

// Memory is an in-process Backend. It backs the session tier and tests.
type Memory struct {
	mu         sync.RWMutex
	data       map[string]Record
	maxEntries int
	closed     bool
}

// MemoryOption configures a Memory backend.
type MemoryOption func(*Memory)

// WithMaxEntries caps the number of records; writes of new keys beyond the
// cap fail with ErrQuotaExceeded. Zero means unbounded.
func WithMaxEntries(n int) MemoryOption {
	return func(m *Memory) {
		m.maxEntries = n
	}
}

// NewMemory creates an empty Memory backend.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{data: make(map[string]Record)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get returns a copy of the record stored under key.
func (m *Memory) Get(ctx context.Context, key string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}
	rec, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneRecord(rec)
	return &out, nil
}

// Set stores a copy of rec. A new key beyond the entry cap fails with
// ErrQuotaExceeded.
func (m *Memory) Set(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.Key == "" {
		return ErrInvalidKey
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if _, exists := m.data[rec.Key]; !exists && m.maxEntries > 0 && len(m.data) >= m.maxEntries {
		return ErrQuotaExceeded
	}
	m.data[rec.Key] = cloneRecord(rec)
	return nil
}

// Delete removes key.
func (m *Memory) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	delete(m.data, key)
	return nil
}

// List returns copies of the records under prefix, sorted by key.
func (m *Memory) List(ctx context.Context, prefix string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}
	out := make([]Record, 0)
	for k, rec := range m.data {
		if HasPrefix(k, prefix) {
			out = append(out, cloneRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Len returns the number of records held.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// Ping implements Pinger.
func (m *Memory) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return ctx.Err()
}

// Close drops every record. A closed Memory rejects further operations.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = make(map[string]Record)
	m.closed = true
	return nil
}

func cloneRecord(r Record) Record {
	r.Value = append([]byte(nil), r.Value...)
	return r
}
