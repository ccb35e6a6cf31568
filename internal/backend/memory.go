package backend

import (
	"context"
	"sync"
)

type memObject struct {
	keys   []string
	values map[string][]string
}

// MemoryBackend keeps objects in memory in insertion order. The file backend
// loads into one; tests build policies with it directly.
type MemoryBackend struct {
	mu      sync.RWMutex
	order   map[ObjectType][]string
	objects map[ObjectType]map[string]*memObject
}

// NewMemoryBackend returns an empty store.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		order:   make(map[ObjectType][]string),
		objects: make(map[ObjectType]map[string]*memObject),
	}
}

func (m *MemoryBackend) object(typ ObjectType, name string) *memObject {
	byName, ok := m.objects[typ]
	if !ok {
		byName = make(map[string]*memObject)
		m.objects[typ] = byName
	}
	obj, ok := byName[name]
	if !ok {
		obj = &memObject{values: make(map[string][]string)}
		byName[name] = obj
		m.order[typ] = append(m.order[typ], name)
	}
	return obj
}

// Create registers an object without attributes.
func (m *MemoryBackend) Create(typ ObjectType, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.object(typ, name)
}

// Set replaces the values of key. Empty values are dropped.
func (m *MemoryBackend) Set(typ ObjectType, name, key string, values ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	obj := m.object(typ, name)
	kept := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			kept = append(kept, v)
		}
	}
	if _, exists := obj.values[key]; !exists {
		obj.keys = append(obj.keys, key)
	}
	obj.values[key] = kept
}

// Add appends values to key.
func (m *MemoryBackend) Add(typ ObjectType, name, key string, values ...string) {
	m.mu.Lock()
	cur := []string(nil)
	if byName, ok := m.objects[typ]; ok {
		if obj, ok := byName[name]; ok {
			cur = obj.values[key]
		}
	}
	m.mu.Unlock()
	m.Set(typ, name, key, append(append([]string(nil), cur...), values...)...)
}

// Ask implements Backend.
func (m *MemoryBackend) Ask(_ context.Context, typ ObjectType, name, key string, multi bool) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.objects[typ][name]
	if !ok {
		return nil, ErrNotFound
	}
	vals, ok := obj.values[key]
	if !ok || len(vals) == 0 {
		return nil, ErrNotFound
	}
	if !multi {
		return []string{vals[0]}, nil
	}
	return append([]string(nil), vals...), nil
}

// List implements Backend.
func (m *MemoryBackend) List(_ context.Context, typ ObjectType) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order[typ]...), nil
}

// Keys returns the attribute keys of an object in insertion order.
func (m *MemoryBackend) Keys(typ ObjectType, name string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if obj, ok := m.objects[typ][name]; ok {
		return append([]string(nil), obj.keys...)
	}
	return nil
}

// Close implements Backend.
func (m *MemoryBackend) Close() error { return nil }
