// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dap

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/go-dap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microsoft/jsdap/pkg/testutil"
)

const defaultTestTimeout = 10 * time.Second

func startConnection(t *testing.T, handler Handler) (*Connection, *TestClient, context.Context) {
	ctx, cancel := testutil.GetTestContext(t, defaultTestTimeout)
	t.Cleanup(cancel)

	serverEnd, clientEnd := NewMemoryTransportPair()
	conn := NewConnection(serverEnd, testutil.NewLogForTesting(t.Name()))
	conn.Handle(handler)

	runDone := make(chan error, 1)
	go func() { runDone <- conn.Run(ctx) }()

	client := NewTestClient(clientEnd)
	t.Cleanup(func() {
		_ = client.Close()
		<-runDone
	})
	return conn, client, ctx
}

func TestConnectionCompletesResponseFields(t *testing.T) {
	t.Parallel()

	_, client, ctx := startConnection(t, func(_ context.Context, req dap.RequestMessage) (dap.ResponseMessage, error) {
		return &dap.ThreadsResponse{Body: dap.ThreadsResponseBody{Threads: []dap.Thread{{Id: 1, Name: "main"}}}}, nil
	})

	threads, err := client.Threads(ctx)
	require.NoError(t, err)
	assert.Equal(t, []dap.Thread{{Id: 1, Name: "main"}}, threads)
}

func TestConnectionErrorResponses(t *testing.T) {
	t.Parallel()

	_, client, ctx := startConnection(t, func(_ context.Context, req dap.RequestMessage) (dap.ResponseMessage, error) {
		switch req.GetRequest().Command {
		case "launch":
			return nil, NewUserError("Cannot find program %q", "app.js")
		case "continue":
			return nil, ErrThreadNotAvailable
		default:
			return nil, errors.New("boom")
		}
	})

	launchErr := client.Launch(ctx, map[string]any{"program": "app.js"})
	var dapErr *Error
	require.ErrorAs(t, launchErr, &dapErr)
	assert.True(t, dapErr.ShowUser)
	assert.Equal(t, `Cannot find program "app.js"`, dapErr.Format)

	continueErr := client.Continue(ctx, 1)
	assert.ErrorIs(t, continueErr, ErrThreadNotAvailable)
	require.ErrorAs(t, continueErr, &dapErr)
	assert.False(t, dapErr.ShowUser)

	_, threadsErr := client.Threads(ctx)
	require.ErrorAs(t, threadsErr, &dapErr)
	assert.Equal(t, "boom", dapErr.Format)
	assert.Equal(t, ErrorIDSilent, dapErr.ID)
}

func TestConnectionRecoversHandlerPanic(t *testing.T) {
	t.Parallel()

	_, client, ctx := startConnection(t, func(_ context.Context, req dap.RequestMessage) (dap.ResponseMessage, error) {
		if req.GetRequest().Command == "threads" {
			panic("handler bug")
		}
		return nil, nil
	})

	_, err := client.Threads(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handler bug")

	// The connection keeps serving requests after a panic.
	require.NoError(t, client.ConfigurationDone(ctx))
}

func TestConnectionServesRequestsConcurrently(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	_, client, ctx := startConnection(t, func(ctx context.Context, req dap.RequestMessage) (dap.ResponseMessage, error) {
		if req.GetRequest().Command == "continue" {
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return nil, nil
	})

	continueDone := make(chan error, 1)
	go func() { continueDone <- client.Continue(ctx, 1) }()

	// A blocked request does not hold up others.
	require.NoError(t, client.ConfigurationDone(ctx))
	close(release)
	require.NoError(t, <-continueDone)
}

func TestAfterResponseEventFollowsResponse(t *testing.T) {
	t.Parallel()

	var conn *Connection
	var once sync.Once
	var initialized bool
	conn, client, ctx := startConnection(t, func(_ context.Context, req dap.RequestMessage) (dap.ResponseMessage, error) {
		if req.GetRequest().Command == "initialize" {
			once.Do(func() {
				conn.AfterResponse("initialize", func() {
					initialized = true
					conn.SendEvent(&dap.InitializedEvent{})
				})
			})
			return &dap.InitializeResponse{Body: dap.Capabilities{SupportsConfigurationDoneRequest: true}}, nil
		}
		return nil, nil
	})

	resp, err := client.Initialize(ctx)
	require.NoError(t, err)
	assert.True(t, resp.Body.SupportsConfigurationDoneRequest)

	ev, err := client.WaitForEvent(ctx, "initialized")
	require.NoError(t, err)
	assert.Greater(t, ev.GetSeq(), resp.Seq, "initialized event must be written after the initialize response")
	assert.True(t, initialized)
}

func TestEventsKeepQueueOrderAndSequenceNumbers(t *testing.T) {
	t.Parallel()

	conn, client, ctx := startConnection(t, func(context.Context, dap.RequestMessage) (dap.ResponseMessage, error) {
		return nil, nil
	})

	for i := 0; i < 20; i++ {
		conn.SendEvent(&dap.OutputEvent{Body: dap.OutputEventBody{Output: string(rune('a' + i))}})
	}

	prevSeq := 0
	for i := 0; i < 20; i++ {
		ev, err := client.WaitForEvent(ctx, "output")
		require.NoError(t, err)
		assert.Equal(t, string(rune('a'+i)), ev.(*dap.OutputEvent).Body.Output)
		assert.Greater(t, ev.GetSeq(), prevSeq)
		prevSeq = ev.GetSeq()
	}
}

func TestRunReturnsWhenIDEDisconnects(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, defaultTestTimeout)
	defer cancel()

	serverEnd, clientEnd := net.Pipe()
	conn := NewConnection(NewTCPTransport(serverEnd), testutil.NewLogForTesting(t.Name()))
	conn.Handle(func(context.Context, dap.RequestMessage) (dap.ResponseMessage, error) { return nil, nil })

	runDone := make(chan error, 1)
	go func() { runDone <- conn.Run(ctx) }()

	client := NewTestClient(NewTCPTransport(clientEnd))
	require.NoError(t, client.ConfigurationDone(ctx))
	require.NoError(t, client.Close())

	select {
	case err := <-runDone:
		assert.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("Run did not return after the IDE disconnected")
	}
}

func TestStreamTransportDecodesCustomRequests(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	body := `{"seq":3,"type":"request","command":"enableCustomBreakpoints","arguments":{"ids":["listener:click"]}}`
	buf.WriteString("Content-Length: ")
	buf.WriteString(strconv.Itoa(len(body)))
	buf.WriteString("\r\n\r\n")
	buf.WriteString(body)

	msg, err := dap.ReadBaseMessage(bufio.NewReader(&buf))
	require.NoError(t, err)
	decoded, err := decodeMessage(msg)
	require.NoError(t, err)

	custom, ok := decoded.(*CustomRequest)
	require.True(t, ok, "expected *CustomRequest, got %T", decoded)
	assert.Equal(t, "enableCustomBreakpoints", custom.Command)
	assert.Equal(t, 3, custom.Seq)

	var args struct {
		IDs []string `json:"ids"`
	}
	require.NoError(t, json.Unmarshal(custom.Arguments, &args))
	assert.Equal(t, []string{"listener:click"}, args.IDs)
}

func TestStreamTransportDecodesCustomResponses(t *testing.T) {
	t.Parallel()

	decoded, err := decodeMessage([]byte(`{"seq":4,"type":"response","request_seq":3,"command":"enableCustomBreakpoints","success":true}`))
	require.NoError(t, err)
	custom, ok := decoded.(*CustomResponse)
	require.True(t, ok, "expected *CustomResponse, got %T", decoded)
	assert.Equal(t, 3, custom.RequestSeq)
	assert.True(t, custom.Success)
}

func TestCustomRequestOverStreamKeepsSessionAlive(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, defaultTestTimeout)
	defer cancel()

	serverSide, clientSide := net.Pipe()
	conn := NewConnection(NewTCPTransport(serverSide), testutil.NewLogForTesting(t.Name()))
	var lock sync.Mutex
	var enabled []string
	conn.Handle(func(_ context.Context, req dap.RequestMessage) (dap.ResponseMessage, error) {
		switch r := req.(type) {
		case *CustomRequest:
			var args struct {
				IDs []string `json:"ids"`
			}
			if err := json.Unmarshal(r.Arguments, &args); err != nil {
				return nil, err
			}
			lock.Lock()
			enabled = append(enabled, args.IDs...)
			lock.Unlock()
			return &CustomResponse{}, nil
		case *dap.ThreadsRequest:
			return &dap.ThreadsResponse{Body: dap.ThreadsResponseBody{Threads: []dap.Thread{}}}, nil
		default:
			return nil, errors.New("unexpected request")
		}
	})

	runDone := make(chan error, 1)
	go func() { runDone <- conn.Run(ctx) }()
	client := NewTestClient(NewTCPTransport(clientSide))

	args, err := json.Marshal(map[string]any{"ids": []string{"listener:click"}})
	require.NoError(t, err)
	resp, err := client.Send(ctx, &CustomRequest{Request: dap.Request{Command: "enableCustomBreakpoints"}, Arguments: args})
	require.NoError(t, err)
	assert.IsType(t, &CustomResponse{}, resp)
	assert.Equal(t, "enableCustomBreakpoints", resp.GetResponse().Command)

	lock.Lock()
	assert.Equal(t, []string{"listener:click"}, enabled)
	lock.Unlock()

	// The session is still being served.
	threads, err := client.Threads(ctx)
	require.NoError(t, err)
	assert.Empty(t, threads)

	require.NoError(t, client.Close())
	select {
	case <-runDone:
	case <-ctx.Done():
		t.Fatal("connection did not end after the client went away")
	}
}

func TestStreamTransportDecodesKnownRequests(t *testing.T) {
	t.Parallel()

	decoded, err := decodeMessage([]byte(`{"seq":1,"type":"request","command":"threads"}`))
	require.NoError(t, err)
	assert.IsType(t, &dap.ThreadsRequest{}, decoded)

	_, err = decodeMessage([]byte(`{"seq":1,"type":"bogus"}`))
	assert.Error(t, err)
}
