package store

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryKV is an in-process KV with full CAS semantics, used in tests and
// single-node deployments.
type MemoryKV struct {
	mu      sync.Mutex
	entries map[string]memEntry
	clock   func() time.Time
}

type memEntry struct {
	value     []byte
	expiresAt time.Time // zero = no expiry
}

// NewMemoryKV creates an empty in-memory store.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{entries: make(map[string]memEntry), clock: time.Now}
}

// WithClock overrides the clock for deterministic TTL tests.
func (m *MemoryKV) WithClock(clock func() time.Time) *MemoryKV {
	m.clock = clock
	return m
}

func (m *MemoryKV) live(e memEntry) bool {
	return e.expiresAt.IsZero() || m.clock().Before(e.expiresAt)
}

func (m *MemoryKV) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || !m.live(e) {
		return nil, false, nil
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true, nil
}

func (m *MemoryKV) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = m.entry(value, ttl)
	return nil
}

func (m *MemoryKV) entry(value []byte, ttl time.Duration) memEntry {
	v := make([]byte, len(value))
	copy(v, value)
	e := memEntry{value: v}
	if ttl > 0 {
		e.expiresAt = m.clock().Add(ttl)
	}
	return e
}

func (m *MemoryKV) CompareAndSwap(_ context.Context, key string, expected, next []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, exists := m.entries[key]
	if exists && !m.live(cur) {
		delete(m.entries, key)
		exists = false
	}

	if expected == nil {
		if exists {
			return false, nil
		}
	} else {
		if !exists || !bytes.Equal(cur.value, expected) {
			return false, nil
		}
	}

	m.entries[key] = m.entry(next, ttl)
	return true, nil
}

func (m *MemoryKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *MemoryKV) ScanPrefix(_ context.Context, prefix string) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]byte)
	for k, e := range m.entries {
		if strings.HasPrefix(k, prefix) && m.live(e) {
			v := make([]byte, len(e.value))
			copy(v, e.value)
			out[k] = v
		}
	}
	return out, nil
}
