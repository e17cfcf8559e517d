/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"
)

var (
	// ErrTransportClosed is returned when reading from or writing to a closed transport.
	ErrTransportClosed = errors.New("transport is closed")

	// ErrConnectionClosed is returned by Run after the connection has been shut down.
	ErrConnectionClosed = errors.New("connection is closed")
)

// Error identifiers sent in error responses. The IDE uses them only for telemetry grouping.
const (
	ErrorIDSilent        = 9222
	ErrorIDUser          = 9223
	ErrorIDThreadGone    = 9224
	ErrorIDNotFound      = 9225
	ErrorIDUnknownMethod = 9226
)

// Error is a front-protocol failure of a single request.
// ShowUser decides whether the IDE surfaces the message; silent errors are logged by the IDE only.
type Error struct {
	ID       int
	Format   string
	ShowUser bool
	cause    error
}

func (e *Error) Error() string {
	if e.cause != nil && e.cause.Error() != e.Format {
		return fmt.Sprintf("%s: %v", e.Format, e.cause)
	}
	return e.Format
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches errors with the same ID and message, so the package-level sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.ID == e.ID && t.Format == e.Format
}

// NewUserError returns an error the IDE shows to the user.
func NewUserError(format string, args ...any) *Error {
	return &Error{ID: ErrorIDUser, Format: fmt.Sprintf(format, args...), ShowUser: true}
}

// NewSilentError returns an error the IDE does not draw attention to.
func NewSilentError(format string, args ...any) *Error {
	return &Error{ID: ErrorIDSilent, Format: fmt.Sprintf(format, args...)}
}

// WithCause attaches the underlying error, keeping the message shown to the IDE unchanged.
func (e *Error) WithCause(cause error) *Error {
	return &Error{ID: e.ID, Format: e.Format, ShowUser: e.ShowUser, cause: cause}
}

var (
	// ErrThreadNotAvailable is returned for requests that target a thread that is gone,
	// including requests that were in flight when the thread was detached.
	ErrThreadNotAvailable = &Error{ID: ErrorIDThreadGone, Format: "Thread not available"}

	ErrSourceNotFound = &Error{ID: ErrorIDNotFound, Format: "Source not found"}

	ErrVariableNotFound = &Error{ID: ErrorIDNotFound, Format: "Variable not found"}

	ErrStackFrameNotFound = &Error{ID: ErrorIDNotFound, Format: "Stack frame not found"}

	ErrThreadNotPaused = &Error{ID: ErrorIDSilent, Format: "Thread is not paused"}
)

// AsError converts any error into a front-protocol Error. Errors that are not *Error become silent errors.
func AsError(err error) *Error {
	var dapErr *Error
	if errors.As(err, &dapErr) {
		return dapErr
	}
	return &Error{ID: ErrorIDSilent, Format: err.Error(), cause: err}
}

// errorResponseFor builds the error response for a failed request.
func errorResponseFor(req *dap.Request, err error) *dap.ErrorResponse {
	dapErr := AsError(err)
	return &dap.ErrorResponse{
		Response: dap.Response{
			ProtocolMessage: dap.ProtocolMessage{Type: "response"},
			Command:         req.Command,
			RequestSeq:      req.Seq,
			Success:         false,
			Message:         dapErr.Format,
		},
		Body: dap.ErrorResponseBody{
			Error: &dap.ErrorMessage{
				Id:       dapErr.ID,
				Format:   dapErr.Format,
				ShowUser: dapErr.ShowUser,
			},
		},
	}
}

// filterContextError filters out redundant context errors during shutdown.
// If the error is a context.Canceled or context.DeadlineExceeded and the
// context is already done, the error is logged at debug level and nil is returned.
// Otherwise, the original error is returned unchanged.
func filterContextError(err error, ctx context.Context, log logr.Logger) error {
	if err == nil {
		return nil
	}

	if ctx.Err() != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTransportClosed) {
			log.V(1).Info("Filtering redundant context error", "error", err)
			return nil
		}
	}

	return err
}
