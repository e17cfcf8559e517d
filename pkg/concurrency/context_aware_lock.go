/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package concurrency

import "context"

// ContextAwareLock is a mutex whose Lock gives up when the context is done.
// It is not reentrant.
type ContextAwareLock struct {
	token chan struct{}
}

func NewContextAwareLock() *ContextAwareLock {
	return &ContextAwareLock{token: make(chan struct{}, 1)}
}

// Lock acquires the lock, or returns the context error without holding it.
func (l *ContextAwareLock) Lock(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case l.token <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	// select picks randomly when both cases are ready.
	if err := ctx.Err(); err != nil {
		l.Unlock()
		return err
	}
	return nil
}

// Unlock releases the lock. Unlocking a lock that is not held does nothing.
func (l *ContextAwareLock) Unlock() {
	select {
	case <-l.token:
	default:
	}
}
