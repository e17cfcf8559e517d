/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/go-dap"
)

// MemoryTransport is a channel-backed Transport. Messages written to one end of a pair
// are read from the other end. Messages are passed by reference.
type MemoryTransport struct {
	readChan  chan dap.Message
	writeChan chan dap.Message
	done      chan struct{}
	closeOnce *sync.Once
}

// NewMemoryTransportPair returns two connected in-memory transports.
// Closing either end closes both.
func NewMemoryTransportPair() (*MemoryTransport, *MemoryTransport) {
	aToB := make(chan dap.Message, 100)
	bToA := make(chan dap.Message, 100)
	done := make(chan struct{})
	once := &sync.Once{}
	a := &MemoryTransport{readChan: bToA, writeChan: aToB, done: done, closeOnce: once}
	b := &MemoryTransport{readChan: aToB, writeChan: bToA, done: done, closeOnce: once}
	return a, b
}

func (t *MemoryTransport) ReadMessage() (dap.Message, error) {
	select {
	case msg := <-t.readChan:
		return msg, nil
	case <-t.done:
		return nil, ErrTransportClosed
	}
}

func (t *MemoryTransport) WriteMessage(msg dap.Message) error {
	select {
	case <-t.done:
		return ErrTransportClosed
	default:
	}

	select {
	case t.writeChan <- msg:
		return nil
	case <-t.done:
		return ErrTransportClosed
	}
}

func (t *MemoryTransport) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}

// Inject simulates receiving a message from the remote end.
func (t *MemoryTransport) Inject(msg dap.Message) {
	t.readChan <- msg
}

// Receive gets the next message written to this transport.
func (t *MemoryTransport) Receive(timeout time.Duration) (dap.Message, bool) {
	select {
	case msg := <-t.writeChan:
		return msg, true
	case <-time.After(timeout):
		return nil, false
	}
}

// TestClient is a DAP client for testing purposes.
// It provides helper methods for common DAP operations.
// Every event it receives is recorded, so tests can check event order.
type TestClient struct {
	transport Transport
	seq       *sequenceCounter

	// responseChans tracks pending requests waiting for responses
	responseChans map[int]chan dap.Message
	responseMu    sync.Mutex

	eventsMu     sync.Mutex
	events       []dap.EventMessage
	eventsCursor map[string]int
	eventsAdded  chan struct{}

	// ctx controls the client lifecycle
	ctx    context.Context
	cancel context.CancelFunc

	// wg tracks reader goroutine
	wg sync.WaitGroup
}

// NewTestClient creates a new DAP test client with the given transport.
func NewTestClient(transport Transport) *TestClient {
	ctx, cancel := context.WithCancel(context.Background())
	c := &TestClient{
		transport:     transport,
		seq:           newSequenceCounter(),
		responseChans: make(map[int]chan dap.Message),
		eventsCursor:  make(map[string]int),
		eventsAdded:   make(chan struct{}),
		ctx:           ctx,
		cancel:        cancel,
	}

	c.wg.Add(1)
	go c.readLoop()

	return c
}

// readLoop continuously reads messages from the transport and routes them.
func (c *TestClient) readLoop() {
	defer c.wg.Done()

	for {
		msg, readErr := c.transport.ReadMessage()
		if readErr != nil {
			return
		}

		switch m := msg.(type) {
		case dap.ResponseMessage:
			resp := m.GetResponse()
			c.responseMu.Lock()
			if ch, ok := c.responseChans[resp.RequestSeq]; ok {
				ch <- msg
				delete(c.responseChans, resp.RequestSeq)
			}
			c.responseMu.Unlock()

		case dap.EventMessage:
			c.eventsMu.Lock()
			c.events = append(c.events, m)
			close(c.eventsAdded)
			c.eventsAdded = make(chan struct{})
			c.eventsMu.Unlock()
		}
	}
}

// Send sends a request and waits for the response. Error responses are returned as *Error.
func (c *TestClient) Send(ctx context.Context, req dap.RequestMessage) (dap.ResponseMessage, error) {
	request := req.GetRequest()
	seq := c.seq.Next()
	request.Seq = seq
	request.Type = "request"

	respChan := make(chan dap.Message, 1)
	c.responseMu.Lock()
	c.responseChans[seq] = respChan
	c.responseMu.Unlock()

	if writeErr := c.transport.WriteMessage(req); writeErr != nil {
		c.responseMu.Lock()
		delete(c.responseChans, seq)
		c.responseMu.Unlock()
		return nil, fmt.Errorf("failed to send request: %w", writeErr)
	}

	select {
	case msg := <-respChan:
		if errResp, isErr := msg.(*dap.ErrorResponse); isErr {
			e := &Error{Format: errResp.Message}
			if errResp.Body.Error != nil {
				e.ID = errResp.Body.Error.Id
				e.Format = errResp.Body.Error.Format
				e.ShowUser = errResp.Body.Error.ShowUser
			}
			return nil, e
		}
		return msg.(dap.ResponseMessage), nil
	case <-ctx.Done():
		c.responseMu.Lock()
		delete(c.responseChans, seq)
		c.responseMu.Unlock()
		return nil, ctx.Err()
	}
}

func sendTyped[R dap.ResponseMessage](ctx context.Context, c *TestClient, req dap.RequestMessage) (R, error) {
	var zero R
	resp, err := c.Send(ctx, req)
	if err != nil {
		return zero, err
	}
	typed, ok := resp.(R)
	if !ok {
		return zero, fmt.Errorf("unexpected response type: %T", resp)
	}
	return typed, nil
}

func request(command string) dap.Request {
	return dap.Request{ProtocolMessage: dap.ProtocolMessage{Type: "request"}, Command: command}
}

// Initialize sends an initialize request and returns the capabilities.
func (c *TestClient) Initialize(ctx context.Context) (*dap.InitializeResponse, error) {
	return sendTyped[*dap.InitializeResponse](ctx, c, &dap.InitializeRequest{
		Request: request("initialize"),
		Arguments: dap.InitializeRequestArguments{
			ClientID:        "test-client",
			ClientName:      "DAP Test Client",
			AdapterID:       "jsdap",
			Locale:          "en-US",
			LinesStartAt1:   true,
			ColumnsStartAt1: true,
			PathFormat:      "path",
		},
	})
}

// Launch sends a launch request with the given arguments.
func (c *TestClient) Launch(ctx context.Context, args any) error {
	argsJSON, marshalErr := json.Marshal(args)
	if marshalErr != nil {
		return fmt.Errorf("failed to marshal launch arguments: %w", marshalErr)
	}
	_, err := sendTyped[*dap.LaunchResponse](ctx, c, &dap.LaunchRequest{Request: request("launch"), Arguments: argsJSON})
	return err
}

// Attach sends an attach request with the given arguments.
func (c *TestClient) Attach(ctx context.Context, args any) error {
	argsJSON, marshalErr := json.Marshal(args)
	if marshalErr != nil {
		return fmt.Errorf("failed to marshal attach arguments: %w", marshalErr)
	}
	_, err := sendTyped[*dap.AttachResponse](ctx, c, &dap.AttachRequest{Request: request("attach"), Arguments: argsJSON})
	return err
}

// SetBreakpoints sets breakpoints in the given file at the specified lines.
func (c *TestClient) SetBreakpoints(ctx context.Context, file string, lines []int) (*dap.SetBreakpointsResponse, error) {
	breakpoints := make([]dap.SourceBreakpoint, len(lines))
	for i, line := range lines {
		breakpoints[i] = dap.SourceBreakpoint{Line: line}
	}
	return sendTyped[*dap.SetBreakpointsResponse](ctx, c, &dap.SetBreakpointsRequest{
		Request: request("setBreakpoints"),
		Arguments: dap.SetBreakpointsArguments{
			Source:      dap.Source{Path: file},
			Breakpoints: breakpoints,
		},
	})
}

// SetExceptionBreakpoints selects the exception filters.
func (c *TestClient) SetExceptionBreakpoints(ctx context.Context, filters ...string) error {
	_, err := sendTyped[*dap.SetExceptionBreakpointsResponse](ctx, c, &dap.SetExceptionBreakpointsRequest{
		Request:   request("setExceptionBreakpoints"),
		Arguments: dap.SetExceptionBreakpointsArguments{Filters: filters},
	})
	return err
}

// ConfigurationDone signals that configuration is complete.
func (c *TestClient) ConfigurationDone(ctx context.Context) error {
	_, err := sendTyped[*dap.ConfigurationDoneResponse](ctx, c, &dap.ConfigurationDoneRequest{Request: request("configurationDone")})
	return err
}

// Threads lists the threads.
func (c *TestClient) Threads(ctx context.Context) ([]dap.Thread, error) {
	resp, err := sendTyped[*dap.ThreadsResponse](ctx, c, &dap.ThreadsRequest{Request: request("threads")})
	if err != nil {
		return nil, err
	}
	return resp.Body.Threads, nil
}

// Continue resumes execution of the thread.
func (c *TestClient) Continue(ctx context.Context, threadID int) error {
	_, err := sendTyped[*dap.ContinueResponse](ctx, c, &dap.ContinueRequest{
		Request:   request("continue"),
		Arguments: dap.ContinueArguments{ThreadId: threadID},
	})
	return err
}

// StackTrace returns the stack of a paused thread.
func (c *TestClient) StackTrace(ctx context.Context, threadID int) (*dap.StackTraceResponse, error) {
	return sendTyped[*dap.StackTraceResponse](ctx, c, &dap.StackTraceRequest{
		Request:   request("stackTrace"),
		Arguments: dap.StackTraceArguments{ThreadId: threadID},
	})
}

// Scopes returns the scopes of a stack frame.
func (c *TestClient) Scopes(ctx context.Context, frameID int) ([]dap.Scope, error) {
	resp, err := sendTyped[*dap.ScopesResponse](ctx, c, &dap.ScopesRequest{
		Request:   request("scopes"),
		Arguments: dap.ScopesArguments{FrameId: frameID},
	})
	if err != nil {
		return nil, err
	}
	return resp.Body.Scopes, nil
}

// Variables expands a variables reference.
func (c *TestClient) Variables(ctx context.Context, variablesReference int) ([]dap.Variable, error) {
	resp, err := sendTyped[*dap.VariablesResponse](ctx, c, &dap.VariablesRequest{
		Request:   request("variables"),
		Arguments: dap.VariablesArguments{VariablesReference: variablesReference},
	})
	if err != nil {
		return nil, err
	}
	return resp.Body.Variables, nil
}

// Evaluate evaluates an expression, optionally in a stack frame.
func (c *TestClient) Evaluate(ctx context.Context, expression string, frameID int, evalContext string) (*dap.EvaluateResponse, error) {
	return sendTyped[*dap.EvaluateResponse](ctx, c, &dap.EvaluateRequest{
		Request:   request("evaluate"),
		Arguments: dap.EvaluateArguments{Expression: expression, FrameId: frameID, Context: evalContext},
	})
}

// Disconnect sends a disconnect request to terminate the debug session.
func (c *TestClient) Disconnect(ctx context.Context, terminateDebuggee bool) error {
	_, err := sendTyped[*dap.DisconnectResponse](ctx, c, &dap.DisconnectRequest{
		Request:   request("disconnect"),
		Arguments: &dap.DisconnectArguments{TerminateDebuggee: terminateDebuggee},
	})
	return err
}

// Events returns every event received so far, in arrival order.
func (c *TestClient) Events() []dap.EventMessage {
	c.eventsMu.Lock()
	defer c.eventsMu.Unlock()
	return append([]dap.EventMessage(nil), c.events...)
}

// EventNames returns the names of every event received so far, in arrival order.
func (c *TestClient) EventNames() []string {
	var names []string
	for _, ev := range c.Events() {
		names = append(names, ev.GetEvent().Event)
	}
	return names
}

// WaitForEvent returns the next event with the given name that an earlier WaitForEvent call
// has not returned yet.
func (c *TestClient) WaitForEvent(ctx context.Context, name string) (dap.EventMessage, error) {
	for {
		c.eventsMu.Lock()
		cursor := c.eventsCursor[name]
		for i := cursor; i < len(c.events); i++ {
			if c.events[i].GetEvent().Event == name {
				c.eventsCursor[name] = i + 1
				ev := c.events[i]
				c.eventsMu.Unlock()
				return ev, nil
			}
		}
		c.eventsCursor[name] = len(c.events)
		added := c.eventsAdded
		c.eventsMu.Unlock()

		select {
		case <-added:
		case <-ctx.Done():
			return nil, fmt.Errorf("timeout waiting for event %q: %w", name, ctx.Err())
		case <-c.ctx.Done():
			return nil, c.ctx.Err()
		}
	}
}

// WaitForStoppedEvent waits for the next stopped event.
func (c *TestClient) WaitForStoppedEvent(ctx context.Context) (*dap.StoppedEvent, error) {
	msg, waitErr := c.WaitForEvent(ctx, "stopped")
	if waitErr != nil {
		return nil, waitErr
	}

	stoppedEvent, ok := msg.(*dap.StoppedEvent)
	if !ok {
		return nil, fmt.Errorf("unexpected event type: %T", msg)
	}

	return stoppedEvent, nil
}

// Close closes the client and its transport.
func (c *TestClient) Close() error {
	c.cancel()
	closeErr := c.transport.Close()
	c.wg.Wait()
	return closeErr
}
