/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package concurrency

import "sync/atomic"

// OneTimeJob is work that must be done exactly once. Many goroutines may race for it:
// the one that wins TryTake() performs it and calls Complete(), the others wait on Done().
type OneTimeJob[T any] struct {
	taken  atomic.Bool
	done   chan struct{}
	result T
}

func NewOneTimeJob[T any]() *OneTimeJob[T] {
	return &OneTimeJob[T]{done: make(chan struct{})}
}

// TryTake returns true to exactly one caller.
func (j *OneTimeJob[T]) TryTake() bool {
	return j.taken.CompareAndSwap(false, true)
}

// Complete records the result. Only the caller that took the job may call it, and only once.
func (j *OneTimeJob[T]) Complete(result T) {
	if !j.taken.Load() {
		panic("OneTimeJob completed before it was taken")
	}
	j.result = result
	close(j.done)
}

func (j *OneTimeJob[T]) Done() <-chan struct{} {
	return j.done
}

// Result waits for the job to complete.
func (j *OneTimeJob[T]) Result() T {
	<-j.done
	return j.result
}
