/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package concurrency

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextAwareLockGivesUpWhenContextIsDone(t *testing.T) {
	t.Parallel()

	lock := NewContextAwareLock()
	require.NoError(t, lock.Lock(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, lock.Lock(ctx), context.DeadlineExceeded)

	lock.Unlock()
	require.NoError(t, lock.Lock(context.Background()))
	lock.Unlock()
	lock.Unlock() // not held; no effect
}

func TestContextAwareLockRefusesDoneContext(t *testing.T) {
	t.Parallel()

	lock := NewContextAwareLock()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, lock.Lock(ctx), context.Canceled)
	require.NoError(t, lock.Lock(context.Background()), "a failed Lock must not hold the lock")
}

func TestContextAwareLockExcludes(t *testing.T) {
	t.Parallel()

	lock := NewContextAwareLock()
	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, lock.Lock(context.Background()))
			n := inside.Add(1)
			if n > maxInside.Load() {
				maxInside.Store(n)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			lock.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside.Load())
}

func TestOneTimeJobIsTakenOnce(t *testing.T) {
	t.Parallel()

	job := NewOneTimeJob[string]()
	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if job.TryTake() {
				winners.Add(1)
				job.Complete("done")
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
	select {
	case <-job.Done():
	default:
		t.Fatal("job not done")
	}
	assert.Equal(t, "done", job.Result())
}

func TestOneTimeJobCannotCompleteUntaken(t *testing.T) {
	t.Parallel()

	job := NewOneTimeJob[bool]()
	assert.Panics(t, func() { job.Complete(true) })
}
