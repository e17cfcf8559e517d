/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"

	"github.com/microsoft/jsdap/internal/pubsub"
	"github.com/microsoft/jsdap/pkg/resiliency"
)

// Connection multiplexes any number of sessions over one Transport.
// Command IDs come from a single counter shared by all sessions, so IDs never collide across sessions.
type Connection struct {
	transport Transport
	log       logr.Logger

	lastID atomic.Int64

	lock     sync.Mutex
	sessions map[string]*Session
	root     *Session
	closed   bool
	closeErr error

	done           chan struct{}
	onClosed       *pubsub.SubscriptionSet[error]
	onDesyncDetect *pubsub.SubscriptionSet[error]
}

// NewConnection starts reading frames from the transport. The connection owns the transport from now on.
func NewConnection(transport Transport, log logr.Logger) *Connection {
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	c := &Connection{
		transport:      transport,
		log:            log.WithName("cdp"),
		sessions:       make(map[string]*Session),
		done:           make(chan struct{}),
		onClosed:       pubsub.NewSubscriptionSet[error](),
		onDesyncDetect: pubsub.NewSubscriptionSet[error](),
	}
	c.root = newSession(c, "")
	c.sessions[""] = c.root

	go c.readLoop()
	return c
}

// RootSession returns the session addressed by frames without a session ID.
func (c *Connection) RootSession() *Session {
	return c.root
}

// Session returns the open session with the given ID, or nil.
func (c *Connection) Session(id string) *Session {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.sessions[id]
}

// CreateSession returns the session with the given ID, creating it if needed.
// Sessions announced by Target.attachedToTarget are created automatically before the event is delivered.
func (c *Connection) CreateSession(id string) *Session {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.createSessionLocked(id)
}

func (c *Connection) createSessionLocked(id string) *Session {
	if s, found := c.sessions[id]; found {
		return s
	}
	s := newSession(c, id)
	if c.closed {
		// Keep the invariant that sessions of a closed connection are closed.
		go s.closeWithError(c.closeErr)
		return s
	}
	c.sessions[id] = s
	return s
}

// CloseSession closes the session with the given ID. Unknown IDs are ignored.
func (c *Connection) CloseSession(id string) {
	if s := c.Session(id); s != nil {
		s.Close()
	}
}

// Send sends a command on the given session. See Session.SendAsync.
func (c *Connection) Send(sessionID string, method string, params any) (int64, <-chan Result, error) {
	s := c.Session(sessionID)
	if s == nil {
		return 0, nil, fmt.Errorf("could not send %s: unknown session '%s': %w", method, sessionID, ErrSessionClosed)
	}
	return s.SendAsync(method, params)
}

// Done is closed when the connection is closed, either explicitly or because the transport failed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the connection closed, or nil if it is open.
func (c *Connection) Err() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.closeErr
}

func (c *Connection) OnClosed(listener func(error)) *pubsub.Subscription[error] {
	return c.onClosed.Subscribe(listener)
}

// OnProtocolDesync registers a listener for frames that could not be correlated.
func (c *Connection) OnProtocolDesync(listener func(error)) *pubsub.Subscription[error] {
	return c.onDesyncDetect.Subscribe(listener)
}

// Close closes every session, rejecting their outstanding commands, and closes the transport.
func (c *Connection) Close() error {
	return c.closeWithError(ErrTargetClosed)
}

func (c *Connection) closeWithError(reason error) error {
	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		return nil
	}
	c.closed = true
	c.closeErr = reason
	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.lock.Unlock()

	for _, s := range sessions {
		s.closeWithError(reason)
	}

	transportErr := c.transport.Close()
	close(c.done)
	c.onClosed.Notify(reason)
	c.onClosed.CancelAll()
	return transportErr
}

func (c *Connection) nextID() int64 {
	return c.lastID.Add(1)
}

func (c *Connection) write(frame []byte) error {
	c.lock.Lock()
	closed := c.closed
	c.lock.Unlock()
	if closed {
		return ErrConnectionClosed
	}

	if c.log.V(2).Enabled() {
		c.log.V(2).Info("Sending frame", "Frame", string(frame))
	}
	return c.transport.WriteMessage(frame)
}

func (c *Connection) forgetSession(s *Session) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.sessions[s.id] == s {
		delete(c.sessions, s.id)
	}
}

func (c *Connection) onSessionDesync(s *Session, reason error) {
	c.onDesyncDetect.Notify(reason)
	if s == c.root {
		// Nothing on this link can be trusted any more.
		_ = c.closeWithError(reason)
		return
	}
	s.closeWithError(reason)
}

func (c *Connection) readLoop() {
	defer func() {
		if panicErr := resiliency.MakePanicError(recover(), c.log); panicErr != nil {
			_ = c.closeWithError(fmt.Errorf("%w: %w", ErrTargetClosed, panicErr))
		}
	}()

	for {
		frame, readErr := c.transport.ReadMessage()
		if readErr != nil {
			if !errors.Is(readErr, ErrTransportClosed) {
				c.log.V(1).Info("Connection transport closed", "Error", readErr.Error())
			}
			_ = c.closeWithError(fmt.Errorf("%w: %w", ErrTargetClosed, readErr))
			return
		}

		c.onMessage(frame)
	}
}

// onMessage routes one raw frame to its session queue.
func (c *Connection) onMessage(frame []byte) {
	if c.log.V(2).Enabled() {
		c.log.V(2).Info("Received frame", "Frame", string(frame))
	}

	var msg message
	if unmarshalErr := json.Unmarshal(frame, &msg); unmarshalErr != nil {
		c.log.Error(unmarshalErr, "Dropping malformed frame")
		return
	}

	c.lock.Lock()
	s, found := c.sessions[msg.SessionID]
	if found && msg.Method == methodAttachedToTarget {
		// The new session must exist before any frame addressed to it is read.
		var attached struct {
			SessionID string `json:"sessionId"`
		}
		if json.Unmarshal(msg.Params, &attached) == nil && attached.SessionID != "" {
			c.createSessionLocked(attached.SessionID)
		}
	}
	var detached *Session
	if found && msg.Method == methodDetachedFromTarget {
		var detachedParams struct {
			SessionID string `json:"sessionId"`
		}
		if json.Unmarshal(msg.Params, &detachedParams) == nil && detachedParams.SessionID != "" {
			if child, childFound := c.sessions[detachedParams.SessionID]; childFound && child != c.root {
				detached = child
				delete(c.sessions, detachedParams.SessionID)
			}
		}
	}
	c.lock.Unlock()

	if !found {
		unknownErr := fmt.Errorf("frame addressed to unknown session '%s': %w", msg.SessionID, ErrProtocolDesync)
		c.log.Error(unknownErr, "Dropping frame", "Method", msg.Method, "ID", msg.ID)
		c.onDesyncDetect.Notify(unknownErr)
		return
	}

	if detached != nil {
		// Frames already queued for the detached session are processed before it closes.
		detached.enqueue(&message{closeMarker: ErrTargetClosed})
	}
	s.enqueue(&msg)
}

// Wait blocks until the connection closes or the context is done.
func (c *Connection) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
