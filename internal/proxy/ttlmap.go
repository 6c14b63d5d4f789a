package proxy

import (
	"sync"
	"time"
)

// TTLMap is an in-memory map whose entries expire after a period of
// inactivity. Reading an entry restarts its timer with the TTL it was stored
// with; the timer is never extended beyond that TTL.
type TTLMap[V any] struct {
	mu    sync.Mutex
	items map[string]*ttlEntry[V]
	now   func() time.Time
}

type ttlEntry[V any] struct {
	value     V
	ttl       time.Duration
	expiresAt time.Time
	timer     *time.Timer
}

// NewTTLMap creates an empty map.
func NewTTLMap[V any]() *TTLMap[V] {
	return &TTLMap[V]{
		items: make(map[string]*ttlEntry[V]),
		now:   time.Now,
	}
}

// Set stores value under key, replacing any previous entry and its timer.
func (m *TTLMap[V]) Set(key string, value V, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.items[key]; ok {
		old.timer.Stop()
	}

	e := &ttlEntry[V]{
		value:     value,
		ttl:       ttl,
		expiresAt: m.now().Add(ttl),
	}
	e.timer = time.AfterFunc(ttl, func() { m.expire(key, e) })
	m.items[key] = e
}

// Get returns the value under key and restarts its inactivity timer.
func (m *TTLMap[V]) Get(key string) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var zero V
	e, ok := m.items[key]
	if !ok {
		return zero, false
	}

	now := m.now()
	if !now.Before(e.expiresAt) {
		// Timer fired but has not yet taken the lock.
		e.timer.Stop()
		delete(m.items, key)
		return zero, false
	}

	e.expiresAt = now.Add(e.ttl)
	e.timer.Reset(e.ttl)
	return e.value, true
}

// Delete removes key. Missing keys are ignored.
func (m *TTLMap[V]) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.items[key]; ok {
		e.timer.Stop()
		delete(m.items, key)
	}
}

// Len returns the number of live entries.
func (m *TTLMap[V]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Clear removes every entry and stops all timers.
func (m *TTLMap[V]) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, e := range m.items {
		e.timer.Stop()
		delete(m.items, key)
	}
}

func (m *TTLMap[V]) expire(key string, e *ttlEntry[V]) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// The entry may have been replaced or refreshed since the timer fired.
	if cur, ok := m.items[key]; ok && cur == e && !m.now().Before(e.expiresAt) {
		delete(m.items, key)
	}
}
