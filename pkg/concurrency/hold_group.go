/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package concurrency

import (
	"context"
	"sync"
)

// HoldGroup is a counter of outstanding holds that callers can wait on.
// Unlike sync.WaitGroup, holds may be added while other goroutines are waiting,
// and waiting honors context cancellation.
// Wait() returns only at a moment when no holds are outstanding.
type HoldGroup struct {
	lock  sync.Mutex
	holds int
	// Closed when the hold count drops to zero; replaced when it goes up again.
	idle chan struct{}
}

func NewHoldGroup() *HoldGroup {
	idle := make(chan struct{})
	close(idle)
	return &HoldGroup{idle: idle}
}

// Hold adds a hold and returns the function that releases it.
// The release function may be called more than once; only the first call has effect.
func (hg *HoldGroup) Hold() func() {
	hg.lock.Lock()
	defer hg.lock.Unlock()

	if hg.holds == 0 {
		hg.idle = make(chan struct{})
	}
	hg.holds++

	var once sync.Once
	return func() {
		once.Do(hg.release)
	}
}

func (hg *HoldGroup) release() {
	hg.lock.Lock()
	defer hg.lock.Unlock()

	hg.holds--
	if hg.holds == 0 {
		close(hg.idle)
	}
}

func (hg *HoldGroup) Holds() int {
	hg.lock.Lock()
	defer hg.lock.Unlock()
	return hg.holds
}

// Wait blocks until there are no outstanding holds, or the context is done.
func (hg *HoldGroup) Wait(ctx context.Context) error {
	for {
		hg.lock.Lock()
		if hg.holds == 0 {
			hg.lock.Unlock()
			return nil
		}
		idle := hg.idle
		hg.lock.Unlock()

		select {
		case <-idle:
			// A new hold may have been added after the channel was closed; check again.
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
