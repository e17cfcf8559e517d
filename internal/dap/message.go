// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dap

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/go-dap"
)

// CustomRequest is a request whose command go-dap does not know, e.g. "enableCustomBreakpoints".
// Its arguments are kept undecoded.
type CustomRequest struct {
	dap.Request

	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// CustomResponse answers a CustomRequest.
type CustomResponse struct {
	dap.Response

	Body any `json:"body,omitempty"`
}

// decodeMessage decodes one message body. Requests and responses whose command go-dap does not know
// come back as *CustomRequest and *CustomResponse.
func decodeMessage(content []byte) (dap.Message, error) {
	msg, decodeErr := dap.DecodeProtocolMessage(content)
	if decodeErr == nil {
		return msg, nil
	}

	var fieldErr *dap.DecodeProtocolMessageFieldError
	if errors.As(decodeErr, &fieldErr) && fieldErr.FieldName == "command" {
		// go-dap names the message kind in SubType ("Request", "Response").
		switch {
		case strings.EqualFold(fieldErr.SubType, "request"):
			var custom CustomRequest
			if unmarshalErr := json.Unmarshal(content, &custom); unmarshalErr == nil && custom.Type == "request" && custom.Command != "" {
				return &custom, nil
			}
		case strings.EqualFold(fieldErr.SubType, "response"):
			var custom CustomResponse
			if unmarshalErr := json.Unmarshal(content, &custom); unmarshalErr == nil && custom.Type == "response" && custom.Command != "" {
				return &custom, nil
			}
		}
	}

	return nil, fmt.Errorf("failed to decode DAP message: %w", decodeErr)
}

// sequenceCounter provides thread-safe sequence number generation.
type sequenceCounter struct {
	mu  sync.Mutex
	seq int
}

// newSequenceCounter creates a new sequence counter starting at 0.
func newSequenceCounter() *sequenceCounter {
	return &sequenceCounter{seq: 0}
}

// Next returns the next sequence number.
func (c *sequenceCounter) Next() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return c.seq
}

// Current returns the current sequence number without incrementing.
func (c *sequenceCounter) Current() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// completeResponse fills in the protocol fields of a successful response to the request.
func completeResponse(resp dap.ResponseMessage, req *dap.Request) {
	r := resp.GetResponse()
	r.Type = "response"
	r.RequestSeq = req.Seq
	r.Command = req.Command
	r.Success = true
}

func completeEvent(ev dap.EventMessage, name string) {
	e := ev.GetEvent()
	e.Type = "event"
	if e.Event == "" {
		e.Event = name
	}
}

// eventName derives the protocol event name for the go-dap event types this package sends.
func eventName(ev dap.EventMessage) string {
	switch ev.(type) {
	case *dap.InitializedEvent:
		return "initialized"
	case *dap.StoppedEvent:
		return "stopped"
	case *dap.ContinuedEvent:
		return "continued"
	case *dap.ThreadEvent:
		return "thread"
	case *dap.OutputEvent:
		return "output"
	case *dap.LoadedSourceEvent:
		return "loadedSource"
	case *dap.BreakpointEvent:
		return "breakpoint"
	case *dap.TerminatedEvent:
		return "terminated"
	case *dap.ExitedEvent:
		return "exited"
	case *dap.InvalidatedEvent:
		return "invalidated"
	default:
		return ev.GetEvent().Event
	}
}

// emptyResponseFor returns the typed response for commands whose success response has no body.
func emptyResponseFor(command string) dap.ResponseMessage {
	switch command {
	case "launch":
		return &dap.LaunchResponse{}
	case "attach":
		return &dap.AttachResponse{}
	case "configurationDone":
		return &dap.ConfigurationDoneResponse{}
	case "disconnect":
		return &dap.DisconnectResponse{}
	case "terminate":
		return &dap.TerminateResponse{}
	case "restart":
		return &dap.RestartResponse{}
	case "continue":
		return &dap.ContinueResponse{}
	case "pause":
		return &dap.PauseResponse{}
	case "next":
		return &dap.NextResponse{}
	case "stepIn":
		return &dap.StepInResponse{}
	case "stepOut":
		return &dap.StepOutResponse{}
	case "restartFrame":
		return &dap.RestartFrameResponse{}
	case "setExceptionBreakpoints":
		return &dap.SetExceptionBreakpointsResponse{}
	default:
		return &CustomResponse{}
	}
}
