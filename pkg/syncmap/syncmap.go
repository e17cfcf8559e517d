/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package syncmap provides a typed sync.Map.
package syncmap

import "sync"

// Map is a sync.Map restricted to one key and one value type. The zero Map is empty and ready to use.
type Map[K comparable, V any] struct {
	m sync.Map
}

func (m *Map[K, V]) Store(key K, value V) {
	m.m.Store(key, value)
}

func (m *Map[K, V]) Load(key K) (V, bool) {
	v, found := m.m.Load(key)
	return as[V](v), found
}

func (m *Map[K, V]) LoadOrStore(key K, value V) (V, bool) {
	actual, loaded := m.m.LoadOrStore(key, value)
	return as[V](actual), loaded
}

func (m *Map[K, V]) LoadAndDelete(key K) (V, bool) {
	v, found := m.m.LoadAndDelete(key)
	return as[V](v), found
}

func (m *Map[K, V]) Delete(key K) {
	m.m.Delete(key)
}

// Range calls f for each entry until f returns false. See sync.Map.Range for consistency guarantees.
func (m *Map[K, V]) Range(f func(key K, value V) bool) {
	m.m.Range(func(k, v any) bool {
		return f(k.(K), as[V](v))
	})
}

// as converts a stored value back to V. A stored nil interface or pointer comes back as the zero V.
func as[V any](v any) V {
	if v == nil {
		var zero V
		return zero
	}
	return v.(V)
}
