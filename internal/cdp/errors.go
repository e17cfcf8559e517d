/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package cdp

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrTargetClosed is the error every outstanding command receives when its session or connection closes.
	ErrTargetClosed = errors.New("target closed")

	// ErrSessionClosed is returned when a command is sent on a session that has already been closed.
	ErrSessionClosed = errors.New("session is closed")

	// ErrConnectionClosed is returned when writing to a connection whose transport has been closed.
	ErrConnectionClosed = errors.New("connection is closed")

	// ErrProtocolDesync means a frame could not be correlated with anything the connection knows about.
	ErrProtocolDesync = errors.New("protocol desync")

	// ErrTransportClosed is returned by transports that are read from or written to after Close().
	ErrTransportClosed = errors.New("transport is closed")
)

// ProtocolError is an error reply sent by the remote end for a specific command.
type ProtocolError struct {
	Method  string          `json:"-"`
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *ProtocolError) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("protocol error (%s): %s %s", e.Method, e.Message, string(e.Data))
	}
	return fmt.Sprintf("protocol error (%s): %s", e.Method, e.Message)
}

// IsTargetClosed returns true if the error means the command could not complete because its target went away.
func IsTargetClosed(err error) bool {
	return errors.Is(err, ErrTargetClosed) ||
		errors.Is(err, ErrSessionClosed) ||
		errors.Is(err, ErrConnectionClosed)
}

func targetClosedError(method string, reason error) error {
	return fmt.Errorf("protocol error (%s): %w", method, reason)
}
