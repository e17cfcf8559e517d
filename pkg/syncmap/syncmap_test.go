/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package syncmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type frame struct{ name string }

func TestMapOperations(t *testing.T) {
	t.Parallel()

	var m Map[int, *frame]
	_, found := m.Load(1)
	assert.False(t, found)

	m.Store(1, &frame{"main"})
	m.Store(2, nil)

	f, found := m.Load(1)
	assert.True(t, found)
	assert.Equal(t, "main", f.name)

	f, found = m.Load(2)
	assert.True(t, found)
	assert.Nil(t, f)

	actual, loaded := m.LoadOrStore(1, &frame{"other"})
	assert.True(t, loaded)
	assert.Equal(t, "main", actual.name)

	keys := map[int]bool{}
	m.Range(func(k int, _ *frame) bool {
		keys[k] = true
		return true
	})
	assert.Equal(t, map[int]bool{1: true, 2: true}, keys)

	m.Delete(2)
	removed, found := m.LoadAndDelete(1)
	assert.True(t, found)
	assert.Equal(t, "main", removed.name)
	_, found = m.Load(1)
	assert.False(t, found)
}
