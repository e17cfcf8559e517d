/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package cdptest provides a scripted, in-memory inspector protocol peer for tests.
package cdptest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/smallnest/chanx"

	"github.com/microsoft/jsdap/internal/cdp"
)

// Handler produces the result for one command. Returning NoResponse suppresses the reply.
type Handler func(call Call) (any, error)

// NoResponse is returned by a Handler to leave the command outstanding.
var NoResponse = errors.New("no response")

// Call is one command received by the backend.
type Call struct {
	ID        int64
	SessionID string
	Method    string
	Params    json.RawMessage
}

// Decode unmarshals the command parameters.
func (c Call) Decode(v any) error {
	return json.Unmarshal(c.Params, v)
}

type frame struct {
	ID        int64           `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    any             `json:"result,omitempty"`
	Error     *frameError     `json:"error,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

type frameError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Backend records every command it receives, in arrival order, and answers them with registered handlers.
// Commands without a handler get an empty result.
type Backend struct {
	lock     sync.Mutex
	handlers map[string]Handler
	calls    []Call
	changed  chan struct{}
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	out    *chanx.UnboundedChan[[]byte]
}

func NewBackend() *Backend {
	ctx, cancel := context.WithCancel(context.Background())
	return &Backend{
		handlers: make(map[string]Handler),
		changed:  make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		out:      chanx.NewUnboundedChan[[]byte](ctx, 16),
	}
}

// Handle registers the handler for a method, replacing any previous one.
func (b *Backend) Handle(method string, h Handler) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.handlers[method] = h
}

// Respond registers a handler that always returns the given result.
func (b *Backend) Respond(method string, result any) {
	b.Handle(method, func(Call) (any, error) { return result, nil })
}

// Emit sends an event to the client.
func (b *Backend) Emit(sessionID string, method string, params any) {
	raw, err := json.Marshal(params)
	if err != nil {
		panic(fmt.Sprintf("cannot serialize event parameters: %v", err))
	}
	b.send(&frame{Method: method, Params: raw, SessionID: sessionID})
}

// Reply sends a response for the given command ID, for commands that were left outstanding with NoResponse.
func (b *Backend) Reply(sessionID string, id int64, result any) {
	b.send(&frame{ID: id, Result: result, SessionID: sessionID})
}

// SendRaw sends a frame verbatim.
func (b *Backend) SendRaw(raw []byte) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if !b.closed {
		b.out.In <- raw
	}
}

func (b *Backend) send(f *frame) {
	raw, err := json.Marshal(f)
	if err != nil {
		panic(fmt.Sprintf("cannot serialize frame: %v", err))
	}
	b.SendRaw(raw)
}

// Calls returns the commands received so far, in arrival order.
func (b *Backend) Calls() []Call {
	b.lock.Lock()
	defer b.lock.Unlock()
	return append([]Call(nil), b.calls...)
}

// CallsTo returns the commands received so far for one method.
func (b *Backend) CallsTo(method string) []Call {
	var retval []Call
	for _, c := range b.Calls() {
		if c.Method == method {
			retval = append(retval, c)
		}
	}
	return retval
}

// Methods returns the method names of all commands received so far.
func (b *Backend) Methods() []string {
	var retval []string
	for _, c := range b.Calls() {
		retval = append(retval, c.Method)
	}
	return retval
}

// WaitForCalls waits until at least n commands for the method have been received.
func (b *Backend) WaitForCalls(ctx context.Context, method string, n int) ([]Call, error) {
	for {
		b.lock.Lock()
		var matching []Call
		for _, c := range b.calls {
			if c.Method == method {
				matching = append(matching, c)
			}
		}
		changed := b.changed
		b.lock.Unlock()

		if len(matching) >= n {
			return matching, nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return matching, fmt.Errorf("waiting for %d call(s) to %s: %w", n, method, ctx.Err())
		}
	}
}

// WaitForCall waits for the first command to the method.
func (b *Backend) WaitForCall(ctx context.Context, method string) (Call, error) {
	calls, err := b.WaitForCalls(ctx, method, 1)
	if err != nil {
		return Call{}, err
	}
	return calls[0], nil
}

// Close disconnects the client.
func (b *Backend) Close() {
	b.lock.Lock()
	if b.closed {
		b.lock.Unlock()
		return
	}
	b.closed = true
	b.lock.Unlock()
	b.cancel()
}

func (b *Backend) receive(raw []byte) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		panic(fmt.Sprintf("client sent malformed frame %q: %v", string(raw), err))
	}

	call := Call{ID: f.ID, SessionID: f.SessionID, Method: f.Method, Params: f.Params}
	b.lock.Lock()
	b.calls = append(b.calls, call)
	close(b.changed)
	b.changed = make(chan struct{})
	h := b.handlers[f.Method]
	b.lock.Unlock()

	var result any = struct{}{}
	var err error
	if h != nil {
		result, err = h(call)
	}

	switch {
	case errors.Is(err, NoResponse):
		return
	case err != nil:
		b.send(&frame{ID: f.ID, SessionID: f.SessionID, Error: &frameError{Code: -32000, Message: err.Error()}})
	default:
		if result == nil {
			result = struct{}{}
		}
		b.send(&frame{ID: f.ID, SessionID: f.SessionID, Result: result})
	}
}

// Transport returns the client end of an in-memory connection to the backend.
func (b *Backend) Transport() cdp.Transport {
	return &clientTransport{b: b}
}

type clientTransport struct {
	b *Backend
}

func (t *clientTransport) ReadMessage() ([]byte, error) {
	select {
	case raw, isOpen := <-t.b.out.Out:
		if !isOpen {
			return nil, cdp.ErrTransportClosed
		}
		return raw, nil
	case <-t.b.ctx.Done():
		return nil, cdp.ErrTransportClosed
	}
}

func (t *clientTransport) WriteMessage(raw []byte) error {
	if t.b.ctx.Err() != nil {
		return cdp.ErrTransportClosed
	}
	t.b.receive(raw)
	return nil
}

func (t *clientTransport) Close() error {
	t.b.Close()
	return nil
}

// ServeWebSocket upgrades the request and pumps frames between the websocket and the backend
// until either side closes.
func (b *Backend) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	go func() {
		for {
			select {
			case raw, isOpen := <-b.out.Out:
				if !isOpen {
					return
				}
				if conn.WriteMessage(websocket.TextMessage, raw) != nil {
					return
				}
			case <-b.ctx.Done():
				_ = conn.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(100*time.Millisecond),
				)
				_ = conn.Close()
				return
			}
		}
	}()

	for {
		_, raw, readErr := conn.ReadMessage()
		if readErr != nil {
			return
		}
		b.receive(raw)
	}
}
