/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package pubsub

import "sync"

type Listener[T any] func(T)

// Subscription is one listener registered with a SubscriptionSet.
type Subscription[T any] struct {
	owner *SubscriptionSet[T]

	lock     sync.Mutex
	listener Listener[T] // nil once cancelled
}

// Cancel stops delivery to the subscription. It is safe to call more than once,
// and safe to call from within the subscription's own listener.
func (s *Subscription[T]) Cancel() {
	if s == nil {
		return
	}
	s.lock.Lock()
	wasActive := s.listener != nil
	s.listener = nil
	s.lock.Unlock()

	if wasActive {
		s.owner.remove(s)
	}
}

func (s *Subscription[T]) Cancelled() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.listener == nil
}

// deliver runs the listener unless the subscription was cancelled. The lock is not held while the
// listener runs, so a listener can cancel subscriptions, its own included.
func (s *Subscription[T]) deliver(n T) {
	s.lock.Lock()
	listener := s.listener
	s.lock.Unlock()

	if listener != nil {
		listener(n)
	}
}
