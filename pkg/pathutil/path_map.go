/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package pathutil

// Map is a map keyed by path identity. It remembers insertion order so iteration is deterministic.
// Map is not goroutine-safe.
type Map[V any] struct {
	entries map[string]*mapEntry[V]
	order   []string
}

type mapEntry[V any] struct {
	path  Path
	value V
}

func NewMap[V any]() *Map[V] {
	return &Map[V]{entries: make(map[string]*mapEntry[V])}
}

func (m *Map[V]) Get(p Path) (V, bool) {
	if e, found := m.entries[p.Key()]; found {
		return e.value, true
	}
	return *new(V), false
}

// Set stores the value. A path that is already present keeps its original position.
func (m *Map[V]) Set(p Path, value V) {
	if e, found := m.entries[p.Key()]; found {
		e.value = value
		return
	}
	m.entries[p.Key()] = &mapEntry[V]{path: p, value: value}
	m.order = append(m.order, p.Key())
}

func (m *Map[V]) Delete(p Path) {
	if _, found := m.entries[p.Key()]; !found {
		return
	}
	delete(m.entries, p.Key())
	for i, k := range m.order {
		if k == p.Key() {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

func (m *Map[V]) Len() int {
	return len(m.entries)
}

// Range calls f for each entry in insertion order until f returns false.
func (m *Map[V]) Range(f func(p Path, value V) bool) {
	for _, k := range m.order {
		e := m.entries[k]
		if !f(e.path, e.value) {
			return
		}
	}
}
