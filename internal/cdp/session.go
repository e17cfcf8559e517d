/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"github.com/smallnest/chanx"

	"github.com/microsoft/jsdap/internal/pubsub"
	"github.com/microsoft/jsdap/pkg/resiliency"
)

const initialQueueCapacity = 16

// Session is one logical channel multiplexed over a Connection.
// Frames routed to a session are queued and processed one at a time, in arrival order,
// on the session's own goroutine. Responses settle pending commands; events are delivered
// synchronously to the listeners registered for their method.
type Session struct {
	id   string
	conn *Connection
	log  logr.Logger

	lock      sync.Mutex
	pending   map[int64]*pendingCall
	listeners map[string]*pubsub.SubscriptionSet[json.RawMessage]
	closed    bool
	closeErr  error

	queue       *chanx.UnboundedChan[*message]
	cancelQueue context.CancelFunc
	done        chan struct{}
	onClosed    *pubsub.SubscriptionSet[error]
}

func newSession(conn *Connection, id string) *Session {
	queueCtx, cancelQueue := context.WithCancel(context.Background())
	s := &Session{
		id:          id,
		conn:        conn,
		log:         conn.log.WithValues("SessionID", id),
		pending:     make(map[int64]*pendingCall),
		listeners:   make(map[string]*pubsub.SubscriptionSet[json.RawMessage]),
		queue:       chanx.NewUnboundedChan[*message](queueCtx, initialQueueCapacity),
		cancelQueue: cancelQueue,
		done:        make(chan struct{}),
		onClosed:    pubsub.NewSubscriptionSet[error](),
	}
	go s.drain(queueCtx)
	return s
}

// ID returns the session ID. The root session has an empty ID.
func (s *Session) ID() string {
	return s.id
}

func (s *Session) Connection() *Connection {
	return s.conn
}

// Done is closed when the session closes.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) Closed() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.closed
}

// OnClosed registers a listener called once, with the close reason, when the session closes.
func (s *Session) OnClosed(listener func(error)) *pubsub.Subscription[error] {
	return s.onClosed.Subscribe(listener)
}

// SendAsync sends a command and returns its ID together with a channel that receives exactly one Result.
// A command sent on a closed session fails immediately and never reaches the transport.
// The session does not wait for the result to be read before processing later frames.
func (s *Session) SendAsync(method string, params any) (int64, <-chan Result, error) {
	call, err := s.send(method, params, false, nil)
	if err != nil {
		return 0, nil, err
	}
	return call.id, call.done, nil
}

// SendThen sends a command and calls then with its outcome, on the caller's goroutine.
// No later frame of this session is processed until then returns, so then observes the session
// exactly as it was when the response arrived. then must not wait for another command of this session.
// If ctx is done first, SendThen returns ctx.Err() without calling then.
func (s *Session) SendThen(ctx context.Context, method string, params any, then func(json.RawMessage, error) error) error {
	call, err := s.send(method, params, true, ctx.Done())
	if err != nil {
		return err
	}

	select {
	case r := <-call.done:
		defer call.handOff()
		if then == nil {
			return r.Err
		}
		return then(r.Value, r.Err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send sends a command and waits for its result.
// If ctx is done first, Send returns; the command stays outstanding and its response is discarded on arrival.
func (s *Session) Send(ctx context.Context, method string, params any) (json.RawMessage, error) {
	var value json.RawMessage
	err := s.SendThen(ctx, method, params, func(v json.RawMessage, err error) error {
		value = v
		return err
	})
	return value, err
}

// Invoke sends a command and decodes its result into result (which may be nil).
func (s *Session) Invoke(ctx context.Context, method string, params any, result any) error {
	return s.SendThen(ctx, method, params, func(raw json.RawMessage, err error) error {
		if err != nil {
			return err
		}
		return decodeResult(method, raw, result)
	})
}

func decodeResult(method string, raw json.RawMessage, result any) error {
	if result == nil || len(raw) == 0 {
		return nil
	}
	if unmarshalErr := json.Unmarshal(raw, result); unmarshalErr != nil {
		return fmt.Errorf("could not decode result of %s: %w", method, unmarshalErr)
	}
	return nil
}

// send registers and writes one command. With hold set, the session goroutine waits for the caller's
// hand-off after settling the response, or for abandoned to close (a nil abandoned never closes).
func (s *Session) send(method string, params any, hold bool, abandoned <-chan struct{}) (*pendingCall, error) {
	var rawParams json.RawMessage
	if params != nil {
		var marshalErr error
		if rawParams, marshalErr = json.Marshal(params); marshalErr != nil {
			return nil, fmt.Errorf("could not serialize parameters for %s: %w", method, marshalErr)
		}
	}

	s.lock.Lock()
	if s.closed {
		closeErr := s.closeErr
		s.lock.Unlock()
		return nil, fmt.Errorf("could not send %s: %w", method, errorsJoinClosed(closeErr))
	}
	id := s.conn.nextID()
	call := newPendingCall(id, method)
	if hold {
		call.handedOff = make(chan struct{})
		call.abandoned = abandoned
	}
	// Registered before writing so the response can never arrive for an unknown ID.
	s.pending[id] = call
	s.lock.Unlock()

	frame, marshalErr := json.Marshal(&message{ID: id, Method: method, Params: rawParams, SessionID: s.id})
	if marshalErr != nil {
		s.rejectPending(id, marshalErr)
		return call, nil
	}

	if writeErr := s.conn.write(frame); writeErr != nil {
		s.rejectPending(id, targetClosedError(method, writeErr))
	}

	return call, nil
}

// On registers a listener for events with the given method name.
// Listeners run on the session goroutine, in registration order.
func (s *Session) On(method string, listener func(json.RawMessage)) *pubsub.Subscription[json.RawMessage] {
	s.lock.Lock()
	ss, found := s.listeners[method]
	if !found {
		ss = pubsub.NewSubscriptionSet[json.RawMessage]()
		s.listeners[method] = ss
	}
	s.lock.Unlock()

	return ss.Subscribe(listener)
}

// Close closes the session, rejecting every outstanding command with a "target closed" error.
// Subsequent commands fail immediately.
func (s *Session) Close() {
	s.closeWithError(ErrTargetClosed)
}

func (s *Session) closeWithError(reason error) {
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return
	}
	s.closed = true
	s.closeErr = reason
	pending := s.pending
	s.pending = make(map[int64]*pendingCall)
	s.lock.Unlock()

	for _, call := range pending {
		call.settle(Result{Err: targetClosedError(call.method, reason)})
	}

	s.cancelQueue()
	close(s.done)
	s.conn.forgetSession(s)
	s.onClosed.Notify(reason)
	s.onClosed.CancelAll()
}

// enqueue hands a routed frame to the session goroutine. Frames for a closed session are dropped.
func (s *Session) enqueue(msg *message) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return
	}
	s.queue.In <- msg
}

func (s *Session) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, isOpen := <-s.queue.Out:
			if !isOpen {
				return
			}
			s.dispatch(msg)
		}
	}
}

func (s *Session) dispatch(msg *message) {
	defer func() {
		if panicErr := resiliency.MakePanicError(recover(), s.log); panicErr != nil {
			s.closeWithError(fmt.Errorf("%w: %w", ErrTargetClosed, panicErr))
		}
	}()

	switch {
	case msg.closeMarker != nil:
		s.closeWithError(msg.closeMarker)

	case msg.isResponse():
		s.lock.Lock()
		call, found := s.pending[msg.ID]
		delete(s.pending, msg.ID)
		s.lock.Unlock()

		if !found {
			desyncErr := fmt.Errorf("response with ID %d does not match any outstanding command: %w", msg.ID, ErrProtocolDesync)
			s.log.Error(desyncErr, "Closing session")
			s.conn.onSessionDesync(s, fmt.Errorf("%w: %w", ErrTargetClosed, desyncErr))
			return
		}

		if msg.Error != nil {
			protoErr := *msg.Error
			protoErr.Method = call.method
			call.settle(Result{Err: &protoErr})
		} else {
			call.settle(Result{Value: msg.Result})
		}
		s.awaitHandOff(call)

	case msg.Method != "":
		s.lock.Lock()
		ss := s.listeners[msg.Method]
		s.lock.Unlock()
		if ss != nil {
			ss.Notify(msg.Params)
		}

	default:
		s.log.V(1).Info("Ignoring frame with neither ID nor method")
	}
}

// awaitHandOff blocks the session goroutine until the caller of a settled command has consumed the result,
// stopped waiting, or the session has closed.
func (s *Session) awaitHandOff(call *pendingCall) {
	if call.handedOff == nil {
		return
	}
	select {
	case <-call.handedOff:
	case <-call.abandoned:
	case <-s.done:
	}
}

// rejectPending settles one outstanding command with an error, if it is still outstanding.
func (s *Session) rejectPending(id int64, err error) {
	s.lock.Lock()
	call, found := s.pending[id]
	delete(s.pending, id)
	s.lock.Unlock()

	if found {
		call.settle(Result{Err: err})
	}
}

func (s *Session) pendingCount() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.pending)
}

func errorsJoinClosed(closeErr error) error {
	if closeErr == nil {
		return ErrSessionClosed
	}
	return fmt.Errorf("%w: %w", ErrSessionClosed, closeErr)
}
