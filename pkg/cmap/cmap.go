// Package cmap provides a small typed concurrent map with insert-once
// semantics. Insert fails when the key is present; Find and Erase report
// absence with status.ErrEntryNotFound so callers can treat a lost race
// as an expected outcome rather than a defect.
package cmap

import (
	"sync"

	"frontdoor/pkg/status"
)

// Map is a concurrent mapping with unique keys. The zero value is ready
// to use.
type Map[K comparable, V any] struct {
	m sync.Map
}

// Insert stores v under k. It fails with status.ErrEntryExists when the
// key is already present and does not replace the existing value.
func (m *Map[K, V]) Insert(k K, v V) error {
	if _, loaded := m.m.LoadOrStore(k, v); loaded {
		return status.ErrEntryExists
	}
	return nil
}

// Find returns the value stored under k, or status.ErrEntryNotFound.
func (m *Map[K, V]) Find(k K) (V, error) {
	v, ok := m.m.Load(k)
	if !ok {
		var zero V
		return zero, status.ErrEntryNotFound
	}
	return v.(V), nil
}

// Erase atomically removes and returns the value stored under k. When
// the key is absent it returns status.ErrEntryNotFound. Concurrent
// callers racing on the same key are serialized by the underlying
// LoadAndDelete: exactly one observes the value, the rest observe
// absence.
func (m *Map[K, V]) Erase(k K) (V, error) {
	v, loaded := m.m.LoadAndDelete(k)
	if !loaded {
		var zero V
		return zero, status.ErrEntryNotFound
	}
	return v.(V), nil
}

// Range calls f for each entry until f returns false.
func (m *Map[K, V]) Range(f func(K, V) bool) {
	m.m.Range(func(k, v any) bool {
		return f(k.(K), v.(V))
	})
}

// Len counts the current entries. The count is a snapshot and may be
// stale by the time it returns.
func (m *Map[K, V]) Len() int {
	n := 0
	m.m.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
