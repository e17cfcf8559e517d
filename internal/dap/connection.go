/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"
	"github.com/smallnest/chanx"

	"github.com/microsoft/jsdap/pkg/resiliency"
)

// Handler serves one front-protocol request. The returned response only needs its body filled in;
// the connection sets the protocol fields. A nil response produces an empty successful response.
type Handler func(ctx context.Context, req dap.RequestMessage) (dap.ResponseMessage, error)

// Connection terminates the front protocol for one IDE.
// Every request is served on its own goroutine, so a request that waits on the debuggee
// never holds up unrelated requests. Outgoing messages are written by a single writer
// in the order they were queued, and sequence numbers are assigned at write time.
type Connection struct {
	transport Transport
	log       logr.Logger
	seq       *sequenceCounter

	lock          sync.Mutex
	handler       Handler
	afterResponse map[string][]func()
	outgoing      *chanx.UnboundedChan[dap.Message]
	closed        bool

	inflight    sync.WaitGroup
	writerDone  chan struct{}
	writerCtx   context.Context
	writerClose context.CancelFunc
}

func NewConnection(transport Transport, log logr.Logger) *Connection {
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	writerCtx, writerClose := context.WithCancel(context.Background())
	return &Connection{
		transport:     transport,
		log:           log,
		seq:           newSequenceCounter(),
		afterResponse: make(map[string][]func()),
		outgoing:      chanx.NewUnboundedChan[dap.Message](writerCtx, 16),
		writerDone:    make(chan struct{}),
		writerCtx:     writerCtx,
		writerClose:   writerClose,
	}
}

// Handle sets the request handler. It must be called before Run.
func (c *Connection) Handle(h Handler) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.handler = h
}

// AfterResponse registers a one-shot callback that runs right after the response to the next
// request with the given command has been queued. Messages queued by the callback follow the response.
func (c *Connection) AfterResponse(command string, f func()) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.afterResponse[command] = append(c.afterResponse[command], f)
}

// SendEvent queues an event for the IDE. Events sent after the connection is closed are dropped.
func (c *Connection) SendEvent(ev dap.EventMessage) {
	completeEvent(ev, eventName(ev))
	c.enqueue(ev)
}

func (c *Connection) enqueue(msg dap.Message) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.closed {
		c.log.V(1).Info("Dropping message queued after connection close", "message", msg)
		return
	}
	c.outgoing.In <- msg
}

// Run reads requests until the IDE disconnects or the context is cancelled.
// Before returning it waits for in-flight requests, flushes queued messages, and closes the transport.
func (c *Connection) Run(ctx context.Context) error {
	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		return ErrConnectionClosed
	}
	handler := c.handler
	c.lock.Unlock()

	requestCtx, cancelRequests := context.WithCancel(ctx)
	defer cancelRequests()

	go c.writeLoop()

	stopWatch := context.AfterFunc(ctx, func() {
		_ = c.transport.Close()
	})
	defer stopWatch()

	var readErr error
	for {
		msg, err := c.transport.ReadMessage()
		if err != nil {
			readErr = err
			break
		}

		req, isRequest := msg.(dap.RequestMessage)
		if !isRequest {
			c.log.V(1).Info("Ignoring message that is not a request", "message", msg)
			continue
		}

		c.inflight.Add(1)
		go c.serve(requestCtx, handler, req)
	}

	cancelRequests()
	c.inflight.Wait()
	c.shutdown()

	if errors.Is(readErr, io.EOF) {
		c.log.Info("IDE closed the front-protocol connection")
		return nil
	}
	return filterContextError(readErr, ctx, c.log)
}

func (c *Connection) serve(ctx context.Context, handler Handler, req dap.RequestMessage) {
	defer c.inflight.Done()
	request := req.GetRequest()
	log := c.log.WithValues("Command", request.Command, "Seq", request.Seq)
	log.V(1).Info("Serving request")

	var resp dap.ResponseMessage
	var handlerErr error
	func() {
		defer resiliency.RecoverInto(&handlerErr, log)
		if handler == nil {
			handlerErr = &Error{ID: ErrorIDUnknownMethod, Format: "Unrecognized request: " + request.Command}
			return
		}
		resp, handlerErr = handler(ctx, req)
	}()

	if handlerErr != nil {
		dapErr := AsError(handlerErr)
		if dapErr.ShowUser {
			log.Info("Request failed", "Error", dapErr.Error())
		} else {
			log.V(1).Info("Request failed", "Error", dapErr.Error())
		}
		c.enqueue(errorResponseFor(request, handlerErr))
		return
	}

	if resp == nil {
		resp = emptyResponseFor(request.Command)
	}
	completeResponse(resp, request)
	c.enqueue(resp)

	c.lock.Lock()
	callbacks := c.afterResponse[request.Command]
	delete(c.afterResponse, request.Command)
	c.lock.Unlock()
	for _, f := range callbacks {
		f()
	}
}

func (c *Connection) writeLoop() {
	defer close(c.writerDone)
	for msg := range c.outgoing.Out {
		setSeq(msg, c.seq.Next())
		if writeErr := c.transport.WriteMessage(msg); writeErr != nil {
			c.log.V(1).Info("Could not write front-protocol message", "Error", writeErr.Error())
		}
	}
}

// shutdown stops accepting messages, lets the writer flush what is queued, and closes the transport.
func (c *Connection) shutdown() {
	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		return
	}
	c.closed = true
	close(c.outgoing.In)
	c.lock.Unlock()

	<-c.writerDone
	c.writerClose()
	if closeErr := c.transport.Close(); closeErr != nil {
		c.log.V(1).Info("Error closing front-protocol transport", "Error", closeErr.Error())
	}
}

func setSeq(msg dap.Message, seq int) {
	switch m := msg.(type) {
	case dap.ResponseMessage:
		m.GetResponse().Seq = seq
	case dap.EventMessage:
		m.GetEvent().Seq = seq
	case dap.RequestMessage:
		m.GetRequest().Seq = seq
	}
}
