// Package store provides the secure key-value storage used to persist the
// paired-device credential and the relay identity.
//
// Stores are atomic per key. No operation spans more than one key except
// WriteBatch, which backends may use to persist several changes at once.
package store

import (
	"errors"
	"sync"
)

// ErrNotFound is returned by Get and Delete for missing keys.
var ErrNotFound = errors.New("key not found")

// KV is a string-keyed byte store.
type KV interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
}

// Change is one write in a batch. Delete removes the key and ignores Value.
type Change struct {
	Key    string
	Value  []byte
	Delete bool
}

// BatchWriter is implemented by stores that can persist several changes in
// one write.
type BatchWriter interface {
	WriteBatch(changes []Change) error
}

// Memory is an in-process KV. Values are copied on the way in and out.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory creates an empty memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

// Get returns a copy of the value for key.
func (m *Memory) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneBytes(v), nil
}

// Set stores a copy of value under key.
func (m *Memory) Set(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[key] = cloneBytes(value)
	return nil
}

// Delete removes key.
func (m *Memory) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.data[key]; !ok {
		return ErrNotFound
	}
	delete(m.data, key)
	return nil
}

// WriteBatch applies all changes under one lock.
func (m *Memory) WriteBatch(changes []Change) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range changes {
		if c.Delete {
			delete(m.data, c.Key)
			continue
		}
		m.data[c.Key] = cloneBytes(c.Value)
	}
	return nil
}

// Len returns the number of keys.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
