/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package cdp

import (
	"encoding/json"
	"sync"
)

// message is the wire shape shared by commands, responses and events.
// Commands carry ID+Method+Params, responses carry ID+Result|Error, events carry Method+Params.
// Any of them may be tagged with a SessionID; the empty session ID is the root session.
type message struct {
	ID        int64           `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *ProtocolError  `json:"error,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`

	// Set on messages that are only used inside a session queue, never on the wire.
	closeMarker error
}

func (m *message) isResponse() bool {
	return m.ID != 0 && m.Method == ""
}

// Result is the outcome of one command.
type Result struct {
	Value json.RawMessage
	Err   error
}

// pendingCall is a command awaiting its response.
type pendingCall struct {
	id     int64
	method string
	// Buffered with capacity 1; written to exactly once.
	done chan Result

	// When handedOff is set, the session goroutine does not process the next frame until the caller
	// closes handedOff or closes abandoned.
	handedOff chan struct{}
	abandoned <-chan struct{}
	handOnce  sync.Once
}

func newPendingCall(id int64, method string) *pendingCall {
	return &pendingCall{
		id:     id,
		method: method,
		done:   make(chan Result, 1),
	}
}

func (pc *pendingCall) settle(r Result) {
	pc.done <- r
}

// handOff tells the session goroutine that the caller is done with the result.
func (pc *pendingCall) handOff() {
	if pc.handedOff != nil {
		pc.handOnce.Do(func() { close(pc.handedOff) })
	}
}

// Well-known methods the connection itself cares about.
const (
	methodAttachedToTarget   = "Target.attachedToTarget"
	methodDetachedFromTarget = "Target.detachedFromTarget"
)
