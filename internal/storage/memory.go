package storage

import (
	"context"
	"strconv"
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// Memory is the in-process ephemeral backend. Everything is lost on restart.
type Memory struct {
	mu      sync.RWMutex
	kv      map[string]memoryEntry
	streams map[string][][]byte
	closed  bool
	now     func() time.Time
}

// NewMemory creates an empty in-process backend
func NewMemory() *Memory {
	return &Memory{
		kv:      make(map[string]memoryEntry),
		streams: make(map[string][][]byte),
		now:     time.Now,
	}
}

func (m *Memory) Name() string { return "memory" }

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	e, ok := m.kv[key]
	if !ok || expired(e.expiresAt, m.now()) {
		return nil, ErrNotFound
	}
	return cloneBytes(e.value), nil
}

func (m *Memory) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	now := m.now()
	m.kv[key] = memoryEntry{value: cloneBytes(value), expiresAt: expiry(ttl, now)}
	return nil
}

func (m *Memory) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false, ErrClosed
	}

	now := m.now()
	if e, ok := m.kv[key]; ok && !expired(e.expiresAt, now) {
		return cloneBytes(e.value), false, nil
	}
	m.kv[key] = memoryEntry{value: cloneBytes(value), expiresAt: expiry(ttl, now)}
	return cloneBytes(value), true, nil
}

// Delete removes key. A missing key is not an error.
func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	delete(m.kv, key)
	return nil
}

func (m *Memory) Append(ctx context.Context, stream string, record []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrClosed
	}

	m.streams[stream] = append(m.streams[stream], cloneBytes(record))
	return strconv.Itoa(len(m.streams[stream])), nil
}

func (m *Memory) Query(ctx context.Context, stream string, match func([]byte) bool) ([][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	match = matchAll(match)
	var out [][]byte
	for _, rec := range m.streams[stream] {
		if match(rec) {
			out = append(out, cloneBytes(rec))
		}
	}
	return out, nil
}

func (m *Memory) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	m.kv = make(map[string]memoryEntry)
	m.streams = make(map[string][][]byte)
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
