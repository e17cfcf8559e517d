/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

/*
Package dap terminates the Debug Adapter Protocol for one IDE connection.

# Transports

The IDE connects over TCP (see AcceptTCP) or talks over the process's stdin and stdout.
Both use the Content-Length framing implemented by github.com/google/go-dap. Requests
whose command go-dap does not know are delivered as *CustomRequest with undecoded arguments.

# Dispatch

Connection reads requests and serves each one on its own goroutine with the Handler
installed through Connection.Handle. Responses and events share one outgoing queue that a
single writer drains, so the IDE sees messages in the order they were queued. Sequence
numbers are assigned when a message is written.

A callback registered with AfterResponse runs after the response to a given command is
queued; the debug adapter uses it to send the initialized event after the initialize response.

# Errors

Handlers return *Error values to control what the IDE shows:

  - NewUserError: shown to the user, e.g. a launch program that does not exist.
  - NewSilentError and the sentinels such as ErrThreadNotAvailable: reported without drawing attention.

Any other error becomes a silent error response carrying the error text.
*/
package dap
