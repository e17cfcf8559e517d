/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package concurrency

// AutoResetEvent coalesces signals: any number of Set() calls made while nobody waits
// wake exactly one receive from Wait(), after which the event is clear again.
type AutoResetEvent struct {
	signal chan struct{}
}

func NewAutoResetEvent(initiallySet bool) *AutoResetEvent {
	e := &AutoResetEvent{signal: make(chan struct{}, 1)}
	if initiallySet {
		e.Set()
	}
	return e
}

// Wait returns the channel that receives once per coalesced signal.
func (e *AutoResetEvent) Wait() <-chan struct{} {
	return e.signal
}

// Set signals the event. It never blocks.
func (e *AutoResetEvent) Set() {
	select {
	case e.signal <- struct{}{}:
	default:
	}
}

// Clear drops a pending signal, if any.
func (e *AutoResetEvent) Clear() {
	select {
	case <-e.signal:
	default:
	}
}
