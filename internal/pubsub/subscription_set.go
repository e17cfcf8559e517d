/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package pubsub provides ordered, synchronous listener sets: the way components in this module
// announce events such as a target list change or a closed session.
package pubsub

import (
	"slices"
	"sync"
)

// SubscriptionSet is owned by the component that emits a notification.
// Notify delivers on the calling goroutine, to every subscriber in subscription order.
type SubscriptionSet[T any] struct {
	lock sync.Mutex
	subs []*Subscription[T]
}

func NewSubscriptionSet[T any]() *SubscriptionSet[T] {
	return &SubscriptionSet[T]{}
}

func (ss *SubscriptionSet[T]) Subscribe(listener Listener[T]) *Subscription[T] {
	sub := &Subscription[T]{owner: ss, listener: listener}
	ss.lock.Lock()
	ss.subs = append(ss.subs, sub)
	ss.lock.Unlock()
	return sub
}

// Notify calls every current subscriber in subscription order.
// Subscriptions made during delivery do not receive the notification being delivered.
func (ss *SubscriptionSet[T]) Notify(n T) {
	ss.lock.Lock()
	snapshot := slices.Clone(ss.subs)
	ss.lock.Unlock()

	for _, sub := range snapshot {
		sub.deliver(n)
	}
}

func (ss *SubscriptionSet[T]) Len() int {
	ss.lock.Lock()
	defer ss.lock.Unlock()
	return len(ss.subs)
}

func (ss *SubscriptionSet[T]) CancelAll() {
	ss.lock.Lock()
	all := ss.subs
	ss.subs = nil
	ss.lock.Unlock()

	for _, sub := range all {
		sub.Cancel()
	}
}

func (ss *SubscriptionSet[T]) remove(sub *Subscription[T]) {
	ss.lock.Lock()
	defer ss.lock.Unlock()
	ss.subs = slices.DeleteFunc(ss.subs, func(s *Subscription[T]) bool { return s == sub })
}
