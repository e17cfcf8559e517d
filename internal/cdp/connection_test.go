/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package cdp_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microsoft/jsdap/internal/cdp"
	"github.com/microsoft/jsdap/internal/cdp/cdptest"
	"github.com/microsoft/jsdap/pkg/testutil"
)

const defaultTestTimeout = 10 * time.Second

func newTestConnection(t *testing.T) (*cdp.Connection, *cdptest.Backend) {
	backend := cdptest.NewBackend()
	conn := cdp.NewConnection(backend.Transport(), testutil.NewLogForTesting(t.Name()))
	t.Cleanup(func() { _ = conn.Close() })
	return conn, backend
}

func attachChild(t *testing.T, ctx context.Context, conn *cdp.Connection, backend *cdptest.Backend, sessionID string) *cdp.Session {
	attached := make(chan *cdp.AttachedToTargetEvent, 1)
	sub := conn.RootSession().Target().OnAttachedToTarget(func(e *cdp.AttachedToTargetEvent) {
		attached <- e
	})
	defer sub.Cancel()

	backend.Emit("", "Target.attachedToTarget", cdp.AttachedToTargetEvent{
		SessionID:  sessionID,
		TargetInfo: cdp.TargetInfo{TargetID: cdp.TargetID("target-" + sessionID), Type: "page"},
	})

	select {
	case e := <-attached:
		require.Equal(t, sessionID, e.SessionID)
	case <-ctx.Done():
		t.Fatal("attachedToTarget was not delivered")
	}

	child := conn.Session(sessionID)
	require.NotNil(t, child, "session should be registered before the event is delivered")
	return child
}

func TestCommandIDsAreGlobalAcrossSessions(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, defaultTestTimeout)
	defer cancel()

	conn, backend := newTestConnection(t)
	child := attachChild(t, ctx, conn, backend, "child-1")

	backend.Handle("Runtime.evaluate", func(c cdptest.Call) (any, error) {
		return map[string]any{"result": map[string]any{"type": "string", "value": c.SessionID}}, nil
	})

	var wg sync.WaitGroup
	results := make(chan string, 20)
	for i := 0; i < 10; i++ {
		for _, s := range []*cdp.Session{conn.RootSession(), child} {
			wg.Add(1)
			go func(s *cdp.Session) {
				defer wg.Done()
				res, err := s.Runtime().Evaluate(ctx, &cdp.EvaluateParams{Expression: "1"})
				if assert.NoError(t, err) {
					var v string
					require.NoError(t, json.Unmarshal(res.Result.Value, &v))
					// Each response must come back to the session that sent the command.
					assert.Equal(t, s.ID(), v)
					results <- v
				}
			}(s)
		}
	}
	wg.Wait()
	close(results)
	assert.Len(t, results, 20)

	seen := map[int64]bool{}
	for _, c := range backend.CallsTo("Runtime.evaluate") {
		assert.False(t, seen[c.ID], "command ID %d was reused", c.ID)
		seen[c.ID] = true
	}
	assert.Len(t, seen, 20)
}

func TestProtocolErrorReply(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, defaultTestTimeout)
	defer cancel()

	conn, backend := newTestConnection(t)
	backend.Handle("Debugger.setBreakpointByUrl", func(cdptest.Call) (any, error) {
		return nil, errors.New("Breakpoint at specified location already exists.")
	})

	_, err := conn.RootSession().Debugger().SetBreakpointByURL(ctx, &cdp.SetBreakpointByURLParams{URL: "file:///a.js", LineNumber: 1})
	var protoErr *cdp.ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, "Debugger.setBreakpointByUrl", protoErr.Method)
	assert.Equal(t, -32000, protoErr.Code)
	assert.Contains(t, err.Error(), "already exists")
}

func TestClosingSessionRejectsPendingCommandsOnce(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, defaultTestTimeout)
	defer cancel()

	conn, backend := newTestConnection(t)
	child := attachChild(t, ctx, conn, backend, "child-1")
	backend.Handle("Debugger.pause", func(cdptest.Call) (any, error) { return nil, cdptest.NoResponse })

	const n = 5
	channels := make([]<-chan cdp.Result, 0, n)
	for i := 0; i < n; i++ {
		_, ch, err := child.SendAsync("Debugger.pause", nil)
		require.NoError(t, err)
		channels = append(channels, ch)
	}

	child.Close()
	child.Close() // closing twice is harmless

	for _, ch := range channels {
		select {
		case r := <-ch:
			assert.ErrorIs(t, r.Err, cdp.ErrTargetClosed)
			assert.Contains(t, r.Err.Error(), "Debugger.pause")
		case <-ctx.Done():
			t.Fatal("pending command was not rejected")
		}
		select {
		case <-ch:
			t.Fatal("pending command was settled twice")
		default:
		}
	}

	callsBefore := len(backend.Calls())
	_, _, err := child.SendAsync("Debugger.resume", nil)
	require.ErrorIs(t, err, cdp.ErrSessionClosed)
	assert.Len(t, backend.Calls(), callsBefore, "a closed session must not write to the transport")
	assert.Nil(t, conn.Session("child-1"))

	// The root session is unaffected.
	require.NoError(t, conn.RootSession().Runtime().Enable(ctx))
}

func TestUnknownResponseIDClosesSession(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, defaultTestTimeout)
	defer cancel()

	conn, backend := newTestConnection(t)
	child := attachChild(t, ctx, conn, backend, "child-1")

	desyncs := make(chan error, 1)
	conn.OnProtocolDesync(func(err error) { desyncs <- err })

	backend.Handle("Debugger.pause", func(cdptest.Call) (any, error) { return nil, cdptest.NoResponse })
	_, pending, err := child.SendAsync("Debugger.pause", nil)
	require.NoError(t, err)

	backend.Reply("child-1", 999999, struct{}{})

	select {
	case r := <-pending:
		assert.ErrorIs(t, r.Err, cdp.ErrProtocolDesync)
		assert.ErrorIs(t, r.Err, cdp.ErrTargetClosed)
	case <-ctx.Done():
		t.Fatal("pending command was not rejected after protocol desync")
	}

	select {
	case err := <-desyncs:
		assert.ErrorIs(t, err, cdp.ErrProtocolDesync)
	case <-ctx.Done():
		t.Fatal("desync was not reported")
	}
	<-child.Done()

	require.NoError(t, conn.RootSession().Runtime().Enable(ctx), "other sessions keep working")
}

func TestFrameForUnknownSessionIsDropped(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, defaultTestTimeout)
	defer cancel()

	conn, backend := newTestConnection(t)
	desyncs := make(chan error, 1)
	conn.OnProtocolDesync(func(err error) { desyncs <- err })

	backend.Emit("no-such-session", "Debugger.resumed", struct{}{})

	select {
	case err := <-desyncs:
		assert.ErrorIs(t, err, cdp.ErrProtocolDesync)
		assert.Contains(t, err.Error(), "no-such-session")
	case <-ctx.Done():
		t.Fatal("unknown session was not reported")
	}
	require.NoError(t, conn.RootSession().Runtime().Enable(ctx))
}

func TestEventsAreDeliveredInArrivalOrder(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, defaultTestTimeout)
	defer cancel()

	conn, backend := newTestConnection(t)

	const n = 200
	var got []int
	done := make(chan struct{})
	conn.RootSession().On("Test.tick", func(raw json.RawMessage) {
		var p struct{ N int }
		require.NoError(t, json.Unmarshal(raw, &p))
		got = append(got, p.N)
		if p.N == n-1 {
			close(done)
		}
	})

	for i := 0; i < n; i++ {
		backend.Emit("", "Test.tick", map[string]int{"N": i})
	}

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("events were not delivered")
	}
	for i := range got {
		require.Equal(t, i, got[i])
	}
}

func TestResponseContinuationRunsBeforeLaterEvents(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, defaultTestTimeout)
	defer cancel()

	conn, backend := newTestConnection(t)
	root := conn.RootSession()

	// The backend answers the command and then immediately reports a pause.
	backend.Handle("Debugger.stepOver", func(c cdptest.Call) (any, error) {
		backend.Reply("", c.ID, struct{}{})
		backend.Emit("", "Debugger.paused", cdp.PausedEvent{Reason: "other"})
		return nil, cdptest.NoResponse
	})

	var lock sync.Mutex
	var order []string
	record := func(entry string) {
		lock.Lock()
		defer lock.Unlock()
		order = append(order, entry)
	}
	paused := make(chan struct{}, 1)
	root.Debugger().OnPaused(func(*cdp.PausedEvent) {
		record("paused")
		paused <- struct{}{}
	})

	for i := 0; i < 200; i++ {
		lock.Lock()
		order = nil
		lock.Unlock()

		err := root.SendThen(ctx, "Debugger.stepOver", nil, func(_ json.RawMessage, err error) error {
			if i%10 == 0 {
				time.Sleep(time.Millisecond)
			}
			record("response")
			return err
		})
		require.NoError(t, err)

		select {
		case <-paused:
		case <-ctx.Done():
			t.Fatal("pause event was not delivered")
		}
		lock.Lock()
		require.Equal(t, []string{"response", "paused"}, order, "iteration %d", i)
		lock.Unlock()
	}
}

func TestEvaluateThenRunsBeforeLaterEvents(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, defaultTestTimeout)
	defer cancel()

	conn, backend := newTestConnection(t)
	root := conn.RootSession()

	backend.Handle("Runtime.evaluate", func(c cdptest.Call) (any, error) {
		backend.Reply("", c.ID, cdp.EvaluateResult{Result: cdp.RemoteObject{Type: "number", Description: "7"}})
		backend.Emit("", "Debugger.resumed", struct{}{})
		return nil, cdptest.NoResponse
	})

	var minted sync.Map
	resumed := make(chan bool, 1)
	root.Debugger().OnResumed(func(*struct{}) {
		_, found := minted.Load("7")
		resumed <- found
	})

	err := root.Runtime().EvaluateThen(ctx, &cdp.EvaluateParams{Expression: "7"}, func(r *cdp.EvaluateResult) error {
		minted.Store(r.Result.Description, true)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, <-resumed)
}

func TestAbandonedCommandDoesNotStallLaterFrames(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, defaultTestTimeout)
	defer cancel()

	conn, backend := newTestConnection(t)
	root := conn.RootSession()

	calls := make(chan cdptest.Call, 1)
	backend.Handle("Debugger.pause", func(c cdptest.Call) (any, error) {
		calls <- c
		return nil, cdptest.NoResponse
	})
	paused := make(chan struct{}, 1)
	root.Debugger().OnPaused(func(*cdp.PausedEvent) { paused <- struct{}{} })

	sendCtx, sendCancel := context.WithCancel(ctx)
	sendErr := make(chan error, 1)
	go func() {
		_, err := root.Send(sendCtx, "Debugger.pause", nil)
		sendErr <- err
	}()
	call := <-calls
	sendCancel()
	require.ErrorIs(t, <-sendErr, context.Canceled)

	// The caller is gone: neither its late response nor an unread SendAsync result may hold up the queue.
	_, _, err := root.SendAsync("Debugger.pause", nil)
	require.NoError(t, err)
	unread := <-calls
	backend.Reply("", call.ID, struct{}{})
	backend.Reply("", unread.ID, struct{}{})
	backend.Emit("", "Debugger.paused", cdp.PausedEvent{Reason: "other"})

	select {
	case <-paused:
	case <-ctx.Done():
		t.Fatal("pause event was stalled behind an abandoned response")
	}
}

func TestDetachedSessionProcessesQueuedFramesThenCloses(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, defaultTestTimeout)
	defer cancel()

	conn, backend := newTestConnection(t)
	child := attachChild(t, ctx, conn, backend, "child-1")

	var lastEvent string
	child.On("Runtime.consoleAPICalled", func(json.RawMessage) { lastEvent = "console" })

	backend.Emit("child-1", "Runtime.consoleAPICalled", cdp.ConsoleAPICalledEvent{Type: "log"})
	backend.Emit("", "Target.detachedFromTarget", cdp.DetachedFromTargetEvent{SessionID: "child-1"})

	select {
	case <-child.Done():
	case <-ctx.Done():
		t.Fatal("detached session was not closed")
	}
	assert.Equal(t, "console", lastEvent)
	assert.Nil(t, conn.Session("child-1"))
}

func TestClosingConnectionRejectsEverything(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, defaultTestTimeout)
	defer cancel()

	conn, backend := newTestConnection(t)
	child := attachChild(t, ctx, conn, backend, "child-1")
	backend.Handle("Debugger.pause", func(cdptest.Call) (any, error) { return nil, cdptest.NoResponse })

	_, rootPending, err := conn.RootSession().SendAsync("Debugger.pause", nil)
	require.NoError(t, err)
	_, childPending, err := child.SendAsync("Debugger.pause", nil)
	require.NoError(t, err)

	closedReasons := make(chan error, 1)
	conn.OnClosed(func(err error) { closedReasons <- err })

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())

	for _, ch := range []<-chan cdp.Result{rootPending, childPending} {
		r := <-ch
		assert.ErrorIs(t, r.Err, cdp.ErrTargetClosed)
		assert.True(t, cdp.IsTargetClosed(r.Err))
	}
	<-conn.Done()
	assert.ErrorIs(t, <-closedReasons, cdp.ErrTargetClosed)

	_, _, err = conn.Send("", "Runtime.enable", nil)
	assert.ErrorIs(t, err, cdp.ErrSessionClosed)
}

func TestRemoteDisconnectClosesConnection(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, defaultTestTimeout)
	defer cancel()

	conn, backend := newTestConnection(t)
	backend.Close()

	require.NoError(t, func() error {
		select {
		case <-conn.Done():
			return nil
		case <-ctx.Done():
			return fmt.Errorf("connection did not notice the remote end went away")
		}
	}())
	assert.ErrorIs(t, conn.Err(), cdp.ErrTargetClosed)
}

func TestSendHonorsContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, defaultTestTimeout)
	defer cancel()

	conn, backend := newTestConnection(t)
	backend.Handle("Debugger.pause", func(cdptest.Call) (any, error) { return nil, cdptest.NoResponse })

	shortCtx, shortCancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer shortCancel()
	err := conn.RootSession().Debugger().Pause(shortCtx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The late response is not a desync: the command is still known to the session.
	call, callErr := backend.WaitForCall(ctx, "Debugger.pause")
	require.NoError(t, callErr)
	backend.Reply("", call.ID, struct{}{})
	require.NoError(t, conn.RootSession().Runtime().Enable(ctx))
	assert.Nil(t, conn.Err())
}
