/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package binder

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-dap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microsoft/jsdap/internal/adapter"
	"github.com/microsoft/jsdap/internal/cdp"
	"github.com/microsoft/jsdap/internal/cdp/cdptest"
	"github.com/microsoft/jsdap/internal/config"
	jsdap "github.com/microsoft/jsdap/internal/dap"
	"github.com/microsoft/jsdap/internal/pubsub"
	"github.com/microsoft/jsdap/internal/targets"
	"github.com/microsoft/jsdap/pkg/testutil"
)

const defaultTestTimeout = 20 * time.Second

type fakeTarget struct {
	id          string
	session     *cdp.Session
	attachErr   error
	detachable  bool
	attaches    atomic.Int32
	detaches    atomic.Int32
	stops       atomic.Int32
	nameChanged *pubsub.SubscriptionSet[string]

	lock sync.Mutex
	name string
}

func (ft *fakeTarget) ID() string { return ft.id }

func (ft *fakeTarget) Name() string {
	ft.lock.Lock()
	defer ft.lock.Unlock()
	return ft.name
}

func (ft *fakeTarget) rename(name string) {
	ft.lock.Lock()
	ft.name = name
	ft.lock.Unlock()
	ft.nameChanged.Notify(name)
}

func (ft *fakeTarget) OnNameChanged(listener func(string)) *pubsub.Subscription[string] {
	return ft.nameChanged.Subscribe(listener)
}

func (ft *fakeTarget) WaitingForDebugger() bool { return true }
func (ft *fakeTarget) CanAttach() bool          { return true }

func (ft *fakeTarget) Attach(_ context.Context) (*cdp.Session, error) {
	ft.attaches.Add(1)
	if ft.attachErr != nil {
		return nil, ft.attachErr
	}
	return ft.session, nil
}

func (ft *fakeTarget) CanDetach() bool                 { return ft.detachable }
func (ft *fakeTarget) Detach(_ context.Context) error  { ft.detaches.Add(1); return nil }
func (ft *fakeTarget) CanStop() bool                   { return true }
func (ft *fakeTarget) Stop(_ context.Context) error    { ft.stops.Add(1); return nil }
func (ft *fakeTarget) CanRestart() bool                { return false }
func (ft *fakeTarget) Restart(_ context.Context) error { return nil }
func (ft *fakeTarget) FileRoot() string                { return "" }
func (ft *fakeTarget) BaseURL() string                 { return "" }
func (ft *fakeTarget) StopOnEntry() bool               { return false }

type fakeLauncher struct {
	result    targets.LaunchResult
	launchErr error
	// Targets published when the launcher is asked to launch.
	onLaunch []targets.Target

	terminateCalls  atomic.Int32
	disconnectCalls atomic.Int32
	restartCalls    atomic.Int32
	disposed        atomic.Bool

	listChanged *pubsub.SubscriptionSet[struct{}]
	terminated  *pubsub.SubscriptionSet[struct{}]

	lock    sync.Mutex
	targets []targets.Target
}

func newFakeLauncher(blockTermination bool, onLaunch ...targets.Target) *fakeLauncher {
	return &fakeLauncher{
		result:      targets.LaunchResult{BlockSessionTermination: blockTermination},
		onLaunch:    onLaunch,
		listChanged: pubsub.NewSubscriptionSet[struct{}](),
		terminated:  pubsub.NewSubscriptionSet[struct{}](),
	}
}

func (fl *fakeLauncher) Launch(_ context.Context, _ *config.LaunchParams, origin string) (targets.LaunchResult, error) {
	if origin == "" {
		return targets.LaunchResult{}, errors.New("launch origin is missing")
	}
	if fl.launchErr != nil {
		return targets.LaunchResult{}, fl.launchErr
	}
	if len(fl.onLaunch) > 0 {
		fl.setTargets(fl.onLaunch...)
	}
	return fl.result, nil
}

func (fl *fakeLauncher) setTargets(list ...targets.Target) {
	fl.lock.Lock()
	fl.targets = list
	fl.lock.Unlock()
	fl.listChanged.Notify(struct{}{})
}

func (fl *fakeLauncher) Targets() []targets.Target {
	fl.lock.Lock()
	defer fl.lock.Unlock()
	return slices.Clone(fl.targets)
}

func (fl *fakeLauncher) Terminate(_ context.Context) error  { fl.terminateCalls.Add(1); return nil }
func (fl *fakeLauncher) Disconnect(_ context.Context) error { fl.disconnectCalls.Add(1); return nil }
func (fl *fakeLauncher) Restart(_ context.Context) error    { fl.restartCalls.Add(1); return nil }

func (fl *fakeLauncher) OnTargetListChanged(listener func(struct{})) *pubsub.Subscription[struct{}] {
	return fl.listChanged.Subscribe(listener)
}

func (fl *fakeLauncher) OnTerminated(listener func(struct{})) *pubsub.Subscription[struct{}] {
	return fl.terminated.Subscribe(listener)
}

func (fl *fakeLauncher) Dispose() { fl.disposed.Store(true) }

type ideSession struct {
	da     *adapter.DebugAdapter
	client *jsdap.TestClient
}

// newIDESession serves a debug adapter over an in-memory front-protocol connection.
func newIDESession(t *testing.T, ctx context.Context) *ideSession {
	log := testutil.NewLogForTesting(t.Name())
	serverEnd, clientEnd := jsdap.NewMemoryTransportPair()
	conn := jsdap.NewConnection(serverEnd, log)
	da := adapter.New(conn, adapter.Options{Log: log})

	runCtx, cancel := context.WithCancel(ctx)
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = conn.Run(runCtx)
	}()
	client := jsdap.NewTestClient(clientEnd)

	t.Cleanup(func() {
		da.Dispose()
		_ = client.Close()
		cancel()
		<-runDone
	})
	return &ideSession{da: da, client: client}
}

type fixture struct {
	*ideSession
	binder *Binder
}

func newFixture(t *testing.T, delegate Delegate, launchers ...*fakeLauncher) (*fixture, context.Context) {
	ctx, cancel := testutil.GetTestContext(t, defaultTestTimeout)
	t.Cleanup(cancel)

	ide := newIDESession(t, ctx)
	factory := func(_ *config.LaunchParams) []targets.Launcher {
		retval := make([]targets.Launcher, 0, len(launchers))
		for _, l := range launchers {
			retval = append(retval, l)
		}
		return retval
	}
	b := New(ide.da, factory, Options{Log: testutil.NewLogForTesting(t.Name()), Delegate: delegate})
	t.Cleanup(b.Dispose)
	return &fixture{ideSession: ide, binder: b}, ctx
}

// configure runs the IDE side of session start, up to but excluding the launch request.
func (f *fixture) configure(t *testing.T, ctx context.Context) {
	_, err := f.client.Initialize(ctx)
	require.NoError(t, err)
	require.NoError(t, f.client.ConfigurationDone(ctx))
}

func (f *fixture) launch(t *testing.T, ctx context.Context) {
	require.NoError(t, f.client.Launch(ctx, map[string]any{"program": "app.js"}))
}

func (f *fixture) waitForThread(t *testing.T, target targets.Target) *adapter.Thread {
	var thread *adapter.Thread
	require.Eventually(t, func() bool {
		thread = f.binder.Thread(target)
		return thread != nil
	}, defaultTestTimeout, 10*time.Millisecond)
	return thread
}

func newTarget(t *testing.T, id string) (*fakeTarget, *cdptest.Backend) {
	backend := cdptest.NewBackend()
	conn := cdp.NewConnection(backend.Transport(), testutil.NewLogForTesting(t.Name()))
	t.Cleanup(func() {
		_ = conn.Close()
		backend.Close()
	})
	return &fakeTarget{
		id:          id,
		name:        id,
		session:     conn.RootSession(),
		nameChanged: pubsub.NewSubscriptionSet[string](),
	}, backend
}

func TestTargetRunsOnlyAfterBreakpointsAreInstalled(t *testing.T) {
	t.Parallel()

	target, backend := newTarget(t, "main")
	launcher := newFakeLauncher(true, target)
	f, ctx := newFixture(t, nil, launcher)

	_, err := f.client.Initialize(ctx)
	require.NoError(t, err)
	_, err = f.client.SetBreakpoints(ctx, filepath.Join(t.TempDir(), "app.js"), []int{3})
	require.NoError(t, err)
	require.NoError(t, f.client.ConfigurationDone(ctx))
	f.launch(t, ctx)

	_, err = backend.WaitForCall(ctx, "Runtime.runIfWaitingForDebugger")
	require.NoError(t, err)

	methods := backend.Methods()
	setAt := slices.Index(methods, "Debugger.setBreakpointByUrl")
	runAt := slices.Index(methods, "Runtime.runIfWaitingForDebugger")
	require.NotEqual(t, -1, setAt, "breakpoints should be installed: %v", methods)
	assert.Less(t, setAt, runAt)

	threads, err := f.client.Threads(ctx)
	require.NoError(t, err)
	require.Len(t, threads, 1)
	assert.Equal(t, "main", threads[0].Name)
}

func TestLaunchWaitsForConfigurationDone(t *testing.T) {
	t.Parallel()

	target, _ := newTarget(t, "main")
	launcher := newFakeLauncher(true, target)
	f, ctx := newFixture(t, nil, launcher)

	_, err := f.client.Initialize(ctx)
	require.NoError(t, err)

	launchDone := make(chan error, 1)
	go func() {
		launchDone <- f.client.Launch(ctx, map[string]any{"program": "app.js"})
	}()

	select {
	case <-launchDone:
		t.Fatal("launch completed before configuration was done")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Zero(t, target.attaches.Load())

	require.NoError(t, f.client.ConfigurationDone(ctx))
	require.NoError(t, <-launchDone)
	f.waitForThread(t, target)
}

func TestThreadNameFollowsTarget(t *testing.T) {
	t.Parallel()

	target, _ := newTarget(t, "worker")
	f, ctx := newFixture(t, nil, newFakeLauncher(true, target))
	f.configure(t, ctx)
	f.launch(t, ctx)
	thread := f.waitForThread(t, target)

	target.rename("worker [renamed]")
	assert.Equal(t, "worker [renamed]", thread.Name())

	threads, err := f.client.Threads(ctx)
	require.NoError(t, err)
	require.Len(t, threads, 1)
	assert.Equal(t, "worker [renamed]", threads[0].Name)
}

func TestTargetsThatGoAwayAreDetached(t *testing.T) {
	t.Parallel()

	first, _ := newTarget(t, "first")
	second, _ := newTarget(t, "second")
	launcher := newFakeLauncher(true, first, second)
	f, ctx := newFixture(t, nil, launcher)
	f.configure(t, ctx)
	f.launch(t, ctx)
	firstThread := f.waitForThread(t, first)
	secondThread := f.waitForThread(t, second)

	launcher.setTargets(second)
	require.Eventually(t, firstThread.Disposed, defaultTestTimeout, 10*time.Millisecond)
	require.NoError(t, f.binder.Reconcile(ctx))

	assert.Nil(t, f.binder.Thread(first))
	assert.Same(t, secondThread, f.binder.Thread(second))
	assert.False(t, secondThread.Disposed())

	threads, err := f.client.Threads(ctx)
	require.NoError(t, err)
	require.Len(t, threads, 1)
	assert.Equal(t, secondThread.ID(), threads[0].Id)
}

func TestFailedAttachLeavesTargetUnbound(t *testing.T) {
	t.Parallel()

	gone, _ := newTarget(t, "gone")
	gone.attachErr = targets.ErrTargetGone
	good, _ := newTarget(t, "good")
	f, ctx := newFixture(t, nil, newFakeLauncher(true, gone, good))
	f.configure(t, ctx)
	f.launch(t, ctx)
	f.waitForThread(t, good)

	require.NoError(t, f.binder.Reconcile(ctx))
	assert.Nil(t, f.binder.Thread(gone))
	assert.GreaterOrEqual(t, gone.attaches.Load(), int32(1))
	assert.Equal(t, int32(1), good.attaches.Load(), "a bound target must not be attached again")
}

func TestTerminatedIsSentOnceAfterAllBlockingLaunchersEnd(t *testing.T) {
	t.Parallel()

	firstTarget, _ := newTarget(t, "first")
	secondTarget, _ := newTarget(t, "second")
	first := newFakeLauncher(true, firstTarget)
	second := newFakeLauncher(true, secondTarget)
	nonBlocking := newFakeLauncher(false)
	f, ctx := newFixture(t, nil, first, second, nonBlocking)
	f.configure(t, ctx)
	f.launch(t, ctx)
	f.waitForThread(t, firstTarget)
	secondThread := f.waitForThread(t, secondTarget)

	first.terminated.Notify(struct{}{})
	require.Eventually(t, func() bool { return f.binder.Thread(firstTarget) == nil }, defaultTestTimeout, 10*time.Millisecond)
	assert.NotContains(t, f.client.EventNames(), "terminated")
	assert.False(t, secondThread.Disposed())

	second.terminated.Notify(struct{}{})
	second.terminated.Notify(struct{}{})
	_, err := f.client.WaitForEvent(ctx, "terminated")
	require.NoError(t, err)
	assert.True(t, secondThread.Disposed(), "threads are detached before the session ends")

	// The listener was removed with the launcher.
	second.terminated.Notify(struct{}{})
	_, err = f.client.Threads(ctx)
	require.NoError(t, err)

	terminatedEvents := 0
	for _, name := range f.client.EventNames() {
		if name == "terminated" {
			terminatedEvents++
		}
	}
	assert.Equal(t, 1, terminatedEvents)
}

func TestSessionRequestsAreSentToEveryLauncher(t *testing.T) {
	t.Parallel()

	first := newFakeLauncher(true)
	second := newFakeLauncher(false)
	f, ctx := newFixture(t, nil, first, second)
	f.configure(t, ctx)
	f.launch(t, ctx)

	_, err := f.client.Send(ctx, &dap.TerminateRequest{Request: dap.Request{Command: "terminate"}})
	require.NoError(t, err)
	_, err = f.client.Send(ctx, &dap.RestartRequest{Request: dap.Request{Command: "restart"}})
	require.NoError(t, err)
	require.NoError(t, f.client.Disconnect(ctx, false))

	for _, l := range []*fakeLauncher{first, second} {
		assert.Equal(t, int32(1), l.terminateCalls.Load())
		assert.Equal(t, int32(1), l.restartCalls.Load())
		assert.Equal(t, int32(1), l.disconnectCalls.Load())
	}
}

func TestLaunchFailures(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name        string
		launchErr   error
		expectError bool
	}{
		{"user error is reported", jsdap.NewUserError("Cannot find program 'app.js'"), true},
		{"internal error is only logged", errors.New("socket closed"), false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			failing := newFakeLauncher(true)
			failing.launchErr = tc.launchErr
			f, ctx := newFixture(t, nil, failing, newFakeLauncher(false))
			f.configure(t, ctx)

			err := f.client.Launch(ctx, map[string]any{"program": "app.js"})
			if !tc.expectError {
				require.NoError(t, err)
				return
			}
			var dapErr *jsdap.Error
			require.ErrorAs(t, err, &dapErr)
			assert.True(t, dapErr.ShowUser)
			assert.Contains(t, dapErr.Format, "Cannot find program")
		})
	}
}

func TestDisposeEndsLaunchersAndThreads(t *testing.T) {
	t.Parallel()

	target, _ := newTarget(t, "main")
	launcher := newFakeLauncher(true, target)
	f, ctx := newFixture(t, nil, launcher)
	f.configure(t, ctx)
	f.launch(t, ctx)
	thread := f.waitForThread(t, target)

	f.binder.Dispose()
	assert.True(t, launcher.disposed.Load())
	assert.True(t, thread.Disposed())
	assert.Nil(t, f.binder.Thread(target))
	assert.Empty(t, f.binder.Targets())
	f.binder.Dispose()
}

// sessionPerTarget gives every target its own IDE session.
type sessionPerTarget struct {
	t   *testing.T
	ctx context.Context

	lock     sync.Mutex
	sessions map[targets.Target]*ideSession
	released []targets.Target
}

func (d *sessionPerTarget) AcquireDebugAdapter(_ context.Context, target targets.Target) (*adapter.DebugAdapter, error) {
	ide := newIDESession(d.t, d.ctx)
	d.lock.Lock()
	defer d.lock.Unlock()
	d.sessions[target] = ide
	return ide.da, nil
}

func (d *sessionPerTarget) ReleaseDebugAdapter(target targets.Target, _ *adapter.DebugAdapter) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.released = append(d.released, target)
}

func (d *sessionPerTarget) session(target targets.Target) *ideSession {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.sessions[target]
}

func (d *sessionPerTarget) isReleased(target targets.Target) bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	return slices.Contains(d.released, target)
}

func TestDelegateSessionsConfigureBeforeTargetRuns(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, defaultTestTimeout)
	defer cancel()
	delegate := &sessionPerTarget{t: t, ctx: ctx, sessions: make(map[targets.Target]*ideSession)}

	target, backend := newTarget(t, "child")
	launcher := newFakeLauncher(true, target)
	f, ctx := newFixture(t, delegate, launcher)
	f.configure(t, ctx)
	f.launch(t, ctx)

	var child *ideSession
	require.Eventually(t, func() bool {
		child = delegate.session(target)
		return child != nil
	}, defaultTestTimeout, 10*time.Millisecond)
	assert.Empty(t, backend.CallsTo("Runtime.runIfWaitingForDebugger"))

	_, err := child.client.Initialize(ctx)
	require.NoError(t, err)
	require.NoError(t, child.client.ConfigurationDone(ctx))
	_, err = backend.WaitForCall(ctx, "Runtime.runIfWaitingForDebugger")
	require.NoError(t, err)

	threads, err := child.client.Threads(ctx)
	require.NoError(t, err)
	require.Len(t, threads, 1)
	assert.Equal(t, "child", threads[0].Name)

	parentThreads, err := f.client.Threads(ctx)
	require.NoError(t, err)
	assert.Empty(t, parentThreads)

	// A child session stops its own target.
	_, err = child.client.Send(ctx, &dap.TerminateRequest{Request: dap.Request{Command: "terminate"}})
	require.NoError(t, err)
	assert.Equal(t, int32(1), target.stops.Load())
	assert.Zero(t, launcher.terminateCalls.Load())

	launcher.setTargets()
	require.Eventually(t, func() bool { return delegate.isReleased(target) }, defaultTestTimeout, 10*time.Millisecond)
}

// noAdapters cannot supply a debug adapter for any target.
type noAdapters struct{}

func (noAdapters) AcquireDebugAdapter(_ context.Context, _ targets.Target) (*adapter.DebugAdapter, error) {
	return nil, errors.New("no IDE session available")
}

func (noAdapters) ReleaseDebugAdapter(_ targets.Target, _ *adapter.DebugAdapter) {}

func TestTargetWithoutDebugAdapterIsLeftRunning(t *testing.T) {
	t.Parallel()

	target, backend := newTarget(t, "orphan")
	target.detachable = true
	f, ctx := newFixture(t, noAdapters{}, newFakeLauncher(true, target))
	f.configure(t, ctx)
	f.launch(t, ctx)

	_, err := backend.WaitForCall(ctx, "Runtime.runIfWaitingForDebugger")
	require.NoError(t, err, "a target that cannot be debugged must not stay paused at entry")
	require.Eventually(t, func() bool { return target.detaches.Load() >= 1 }, defaultTestTimeout, 10*time.Millisecond)
	assert.Nil(t, f.binder.Thread(target))
}
