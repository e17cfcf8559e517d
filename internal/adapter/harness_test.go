/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package adapter

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-dap"
	"github.com/stretchr/testify/require"

	"github.com/microsoft/jsdap/internal/cdp"
	"github.com/microsoft/jsdap/internal/cdp/cdptest"
	jsdap "github.com/microsoft/jsdap/internal/dap"
	"github.com/microsoft/jsdap/pkg/testutil"
)

const defaultTestTimeout = 20 * time.Second

type testDelegate struct {
	stopOnEntry bool
	fileRoot    string
	baseURL     string
}

func (d testDelegate) StopOnEntry() bool { return d.stopOnEntry }
func (d testDelegate) FileRoot() string  { return d.fileRoot }
func (d testDelegate) BaseURL() string   { return d.baseURL }

// testSession is a debug adapter served over an in-memory front-protocol connection.
type testSession struct {
	t      *testing.T
	da     *DebugAdapter
	client *jsdap.TestClient
}

func newTestSession(t *testing.T) (*testSession, context.Context) {
	ctx, cancel := testutil.GetTestContext(t, defaultTestTimeout)
	log := testutil.NewLogForTesting(t.Name())

	serverEnd, clientEnd := jsdap.NewMemoryTransportPair()
	conn := jsdap.NewConnection(serverEnd, log)
	da := New(conn, Options{Log: log})

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = conn.Run(ctx)
	}()
	client := jsdap.NewTestClient(clientEnd)

	t.Cleanup(func() {
		da.Dispose()
		_ = client.Close()
		cancel()
		<-runDone
	})
	return &testSession{t: t, da: da, client: client}, ctx
}

// newBackend returns a scripted debuggee and the root session of a connection to it.
func (ts *testSession) newBackend() (*cdptest.Backend, *cdp.Session) {
	backend := cdptest.NewBackend()
	conn := cdp.NewConnection(backend.Transport(), testutil.NewLogForTesting(ts.t.Name()))
	ts.t.Cleanup(func() {
		_ = conn.Close()
		backend.Close()
	})
	return backend, conn.RootSession()
}

// newThread attaches a thread to a fresh backend and waits until the thread is configured
// and registered for breakpoints.
func (ts *testSession) newThread(ctx context.Context, name string, delegate ThreadDelegate) (*Thread, *cdptest.Backend) {
	backend, session := ts.newBackend()
	thread := ts.da.CreateThread(name, session, delegate)
	require.Eventually(ts.t, func() bool {
		bm := ts.da.breakpoints
		bm.lock.Lock()
		defer bm.lock.Unlock()
		_, registered := bm.threads[thread.ID()]
		return registered
	}, defaultTestTimeout, 10*time.Millisecond)
	return thread, backend
}

func (ts *testSession) configurationDone(ctx context.Context) {
	require.NoError(ts.t, ts.client.ConfigurationDone(ctx))
}

func (ts *testSession) stackTrace(ctx context.Context, threadID int) []dap.StackFrame {
	resp, err := ts.client.StackTrace(ctx, threadID)
	require.NoError(ts.t, err)
	return resp.Body.StackFrames
}

func (ts *testSession) waitForStopped(ctx context.Context) *dap.StoppedEvent {
	ev, err := ts.client.WaitForStoppedEvent(ctx)
	require.NoError(ts.t, err)
	return ev
}

func (ts *testSession) waitForEvent(ctx context.Context, name string) dap.EventMessage {
	ev, err := ts.client.WaitForEvent(ctx, name)
	require.NoError(ts.t, err)
	return ev
}

func numberObject(n int) *cdp.RemoteObject {
	raw, _ := json.Marshal(n)
	return &cdp.RemoteObject{Type: "number", Value: raw, Description: string(raw)}
}

func stringObject(s string) cdp.RemoteObject {
	raw, _ := json.Marshal(s)
	return cdp.RemoteObject{Type: "string", Value: raw}
}

// pausedIn builds a pause with a single frame whose local scope is the object with the given id.
func pausedIn(callFrameID string, scopeObjectID string) cdp.PausedEvent {
	return cdp.PausedEvent{
		Reason: cdp.PauseReasonOther,
		CallFrames: []cdp.CallFrame{{
			CallFrameID:  cdp.CallFrameID(callFrameID),
			FunctionName: "main",
			Location:     cdp.Location{ScriptID: "1", LineNumber: 2},
			ScopeChain: []cdp.Scope{
				{Type: "local", Object: cdp.RemoteObject{Type: "object", ObjectID: cdp.RemoteObjectID(scopeObjectID)}},
				{Type: "global", Object: cdp.RemoteObject{Type: "object", ObjectID: "global"}},
			},
			This: cdp.RemoteObject{Type: "undefined"},
		}},
	}
}

func eventsForThread(events []dap.EventMessage, threadID int) []string {
	var retval []string
	for _, ev := range events {
		switch e := ev.(type) {
		case *dap.ThreadEvent:
			if e.Body.ThreadId == threadID {
				retval = append(retval, "thread:"+e.Body.Reason)
			}
		case *dap.StoppedEvent:
			if e.Body.ThreadId == threadID {
				retval = append(retval, "stopped:"+e.Body.Reason)
			}
		case *dap.ContinuedEvent:
			if e.Body.ThreadId == threadID {
				retval = append(retval, "continued")
			}
		}
	}
	return retval
}
