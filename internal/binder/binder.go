/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package binder keeps the threads of a debug session in step with the targets reported by launchers.
package binder

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/microsoft/jsdap/internal/adapter"
	"github.com/microsoft/jsdap/internal/cdp"
	"github.com/microsoft/jsdap/internal/config"
	jsdap "github.com/microsoft/jsdap/internal/dap"
	"github.com/microsoft/jsdap/internal/pubsub"
	"github.com/microsoft/jsdap/internal/targets"
	"github.com/microsoft/jsdap/pkg/concurrency"
)

const abandonTimeout = 5 * time.Second

// Delegate supplies the debug adapter a target is attached to. Sessions that show every target
// in one IDE session have no delegate; all threads then live in the default debug adapter.
type Delegate interface {
	AcquireDebugAdapter(ctx context.Context, target targets.Target) (*adapter.DebugAdapter, error)
	ReleaseDebugAdapter(target targets.Target, da *adapter.DebugAdapter)
}

// LauncherFactory creates the launchers that will serve a launch or attach request.
type LauncherFactory func(params *config.LaunchParams) []targets.Launcher

type Options struct {
	Log      logr.Logger
	Delegate Delegate
}

type binding struct {
	thread  *adapter.Thread
	da      *adapter.DebugAdapter
	nameSub *pubsub.Subscription[string]
}

type launcherEntry struct {
	launcher      targets.Launcher
	listSub       *pubsub.Subscription[struct{}]
	terminatedSub *pubsub.Subscription[struct{}]
}

// Binder attaches a thread to every target that waits for a debugger and detaches threads whose
// target is gone. It serves the session-level requests of the default debug adapter.
type Binder struct {
	log       logr.Logger
	da        *adapter.DebugAdapter
	delegate  Delegate
	factory   LauncherFactory
	origin    string
	lifetime  context.Context
	cancel    context.CancelFunc
	reconcile *concurrency.AutoResetEvent
	// Reconciliation passes never overlap.
	passLock *concurrency.ContextAwareLock
	loopDone chan struct{}

	lock              sync.Mutex
	launchers         []*launcherEntry
	bindings          map[targets.Target]*binding
	blockingLaunchers int
	terminatedSent    bool
	disposed          bool
	targetListChanged *pubsub.SubscriptionSet[struct{}]
	launchersCreated  bool
}

// New creates a binder for the default debug adapter and installs it as the adapter's lifecycle.
// Launchers are created by factory on the first launch or attach request.
func New(da *adapter.DebugAdapter, factory LauncherFactory, opts Options) *Binder {
	log := opts.Log
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	lifetime, cancel := context.WithCancel(context.Background())
	b := &Binder{
		log:               log,
		da:                da,
		delegate:          opts.Delegate,
		factory:           factory,
		origin:            uuid.NewString(),
		lifetime:          lifetime,
		cancel:            cancel,
		reconcile:         concurrency.NewAutoResetEvent(false),
		passLock:          concurrency.NewContextAwareLock(),
		loopDone:          make(chan struct{}),
		bindings:          make(map[targets.Target]*binding),
		targetListChanged: pubsub.NewSubscriptionSet[struct{}](),
	}
	da.SetLifecycle(b)
	go b.reconcileLoop()
	return b
}

// Origin identifies launches made by this binder, so launchers can tell their own debuggees apart.
func (b *Binder) Origin() string {
	return b.origin
}

// OnTargetListChanged notifies the listener after every reconciliation pass.
func (b *Binder) OnTargetListChanged(listener func(struct{})) *pubsub.Subscription[struct{}] {
	return b.targetListChanged.Subscribe(listener)
}

// Targets returns the targets of all launchers, in launcher order.
func (b *Binder) Targets() []targets.Target {
	b.lock.Lock()
	entries := slices.Clone(b.launchers)
	b.lock.Unlock()

	var retval []targets.Target
	for _, e := range entries {
		retval = append(retval, e.launcher.Targets()...)
	}
	return retval
}

// Thread returns the thread bound to the target, or nil.
func (b *Binder) Thread(target targets.Target) *adapter.Thread {
	b.lock.Lock()
	defer b.lock.Unlock()
	if bnd, found := b.bindings[target]; found {
		return bnd.thread
	}
	return nil
}

func (b *Binder) reconcileLoop() {
	defer close(b.loopDone)
	for {
		select {
		case <-b.lifetime.Done():
			return
		case <-b.reconcile.Wait():
			if err := b.Reconcile(b.lifetime); err != nil && !errors.Is(err, context.Canceled) {
				b.log.Error(err, "Target reconciliation failed")
			}
		}
	}
}

// Reconcile runs one reconciliation pass: every target waiting for a debugger is attached,
// and every thread whose target is no longer listed is detached.
func (b *Binder) Reconcile(ctx context.Context) error {
	if err := b.passLock.Lock(ctx); err != nil {
		return err
	}
	defer b.passLock.Unlock()

	current := b.Targets()

	b.lock.Lock()
	var toAttach []targets.Target
	for _, t := range current {
		if _, bound := b.bindings[t]; !bound && t.WaitingForDebugger() {
			toAttach = append(toAttach, t)
		}
	}
	var orphans []targets.Target
	for t := range b.bindings {
		if !slices.Contains(current, t) {
			orphans = append(orphans, t)
		}
	}
	b.lock.Unlock()

	eg, egCtx := errgroup.WithContext(ctx)
	for _, t := range toAttach {
		eg.Go(func() error {
			b.attach(egCtx, t)
			return nil
		})
	}
	_ = eg.Wait()

	for _, t := range orphans {
		b.unbind(t)
	}

	b.targetListChanged.Notify(struct{}{})
	return ctx.Err()
}

// attach binds a thread to the target and lets the target run once the thread is fully configured.
// Failures are logged; the target stays unbound.
func (b *Binder) attach(ctx context.Context, target targets.Target) {
	if !target.CanAttach() {
		return
	}
	log := b.log.WithValues("Target", target.ID(), "Name", target.Name())

	session, err := target.Attach(ctx)
	if err != nil {
		if errors.Is(err, targets.ErrTargetGone) {
			log.V(1).Info("Target went away before it could be attached")
		} else {
			log.Error(err, "Could not attach to target")
		}
		return
	}

	da, err := b.acquire(ctx, target)
	if err != nil {
		log.Error(err, "Could not obtain a debug adapter for target")
		b.abandon(ctx, target, session, log)
		return
	}
	if da != b.da {
		// A dedicated IDE session configures its breakpoints before the target may run.
		if blockErr := da.LaunchBlocker(ctx); blockErr != nil {
			b.release(target, da)
			b.abandon(ctx, target, session, log)
			return
		}
	}

	thread := da.CreateThread(target.Name(), session, target)
	bnd := &binding{
		thread:  thread,
		da:      da,
		nameSub: target.OnNameChanged(thread.SetName),
	}

	b.lock.Lock()
	if b.disposed {
		b.lock.Unlock()
		bnd.nameSub.Cancel()
		thread.Dispose()
		b.release(target, da)
		b.abandon(ctx, target, session, log)
		return
	}
	b.bindings[target] = bnd
	b.lock.Unlock()
	log.Info("Target attached", "Thread", thread.ID())

	if blockErr := da.LaunchBlocker(ctx); blockErr != nil {
		log.V(1).Info("Target left waiting for the debugger", "Reason", blockErr.Error())
		return
	}
	if runErr := session.Runtime().RunIfWaitingForDebugger(ctx); runErr != nil {
		log.V(1).Info("Could not let target run", "Error", runErr.Error())
	}
}

// abandon lets an attached target that will not get a thread run undebugged, and detaches from it
// when the target allows that. Otherwise it would stay paused waiting for the debugger.
func (b *Binder) abandon(ctx context.Context, target targets.Target, session *cdp.Session, log logr.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abandonTimeout)
	defer cancel()

	if runErr := session.Runtime().RunIfWaitingForDebugger(ctx); runErr != nil {
		log.V(1).Info("Could not let abandoned target run", "Error", runErr.Error())
	}
	if target.CanDetach() {
		if detachErr := target.Detach(ctx); detachErr != nil {
			log.V(1).Info("Could not detach from abandoned target", "Error", detachErr.Error())
		}
	}
	log.Info("Target left running without a debugger")
}

func (b *Binder) acquire(ctx context.Context, target targets.Target) (*adapter.DebugAdapter, error) {
	if b.delegate == nil {
		return b.da, nil
	}
	da, err := b.delegate.AcquireDebugAdapter(ctx, target)
	if err != nil {
		return nil, err
	}
	if da != b.da {
		da.SetLifecycle(&targetLifecycle{b: b, target: target})
	}
	return da, nil
}

func (b *Binder) release(target targets.Target, da *adapter.DebugAdapter) {
	if b.delegate != nil && da != b.da {
		b.delegate.ReleaseDebugAdapter(target, da)
	}
}

func (b *Binder) unbind(target targets.Target) {
	b.lock.Lock()
	bnd, found := b.bindings[target]
	delete(b.bindings, target)
	b.lock.Unlock()
	if !found {
		return
	}

	bnd.nameSub.Cancel()
	bnd.thread.Dispose()
	b.release(target, bnd.da)
	b.log.Info("Target detached", "Target", target.ID(), "Thread", bnd.thread.ID())
}

// Detach ends debugging of one target without stopping it.
func (b *Binder) Detach(ctx context.Context, target targets.Target) error {
	var err error
	if target.CanDetach() {
		err = target.Detach(ctx)
	}
	b.unbind(target)
	return err
}

func (b *Binder) ensureLaunchers(params *config.LaunchParams) []*launcherEntry {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.launchersCreated || b.disposed {
		return slices.Clone(b.launchers)
	}
	b.launchersCreated = true

	for _, l := range b.factory(params) {
		e := &launcherEntry{launcher: l}
		e.listSub = l.OnTargetListChanged(func(struct{}) { b.reconcile.Set() })
		b.launchers = append(b.launchers, e)
	}
	return slices.Clone(b.launchers)
}

// Launch waits for the IDE to finish configuration, then offers the request to every launcher.
// Errors meant for the user are returned; other launcher failures are only logged.
func (b *Binder) Launch(ctx context.Context, params *config.LaunchParams) error {
	entries := b.ensureLaunchers(params)

	if err := b.da.LaunchBlocker(ctx); err != nil {
		return err
	}

	var eg errgroup.Group
	for _, e := range entries {
		eg.Go(func() error {
			res, err := e.launcher.Launch(ctx, params, b.origin)
			if err != nil {
				var dapErr *jsdap.Error
				if errors.As(err, &dapErr) && dapErr.ShowUser {
					return err
				}
				b.log.Error(err, "Launcher failed")
				return nil
			}
			if res.BlockSessionTermination {
				b.blockTermination(e)
			}
			return nil
		})
	}
	err := eg.Wait()
	b.reconcile.Set()
	return err
}

// blockTermination keeps the session alive until the launcher reports that it terminated.
func (b *Binder) blockTermination(e *launcherEntry) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if e.terminatedSub != nil {
		return
	}
	b.blockingLaunchers++
	var once sync.Once
	e.terminatedSub = e.launcher.OnTerminated(func(struct{}) {
		once.Do(func() { go b.launcherTerminated(e) })
	})
}

func (b *Binder) launcherTerminated(e *launcherEntry) {
	b.lock.Lock()
	b.launchers = slices.DeleteFunc(b.launchers, func(other *launcherEntry) bool { return other == e })
	b.lock.Unlock()
	e.listSub.Cancel()
	e.terminatedSub.Cancel()

	// Threads of the terminated launcher's targets go away before the session may end.
	if err := b.Reconcile(b.lifetime); err != nil {
		b.log.V(1).Info("Reconciliation after launcher termination did not complete", "Error", err.Error())
	}

	b.lock.Lock()
	b.blockingLaunchers--
	sendTerminated := b.blockingLaunchers == 0 && !b.terminatedSent
	if sendTerminated {
		b.terminatedSent = true
	}
	b.lock.Unlock()

	if sendTerminated {
		b.log.Info("All launchers terminated, ending the debug session")
		b.da.SendEvent(&dap.TerminatedEvent{})
	}
}

type launcherOp func(l targets.Launcher, ctx context.Context) error

func (b *Binder) broadcast(ctx context.Context, name string, op launcherOp) error {
	b.lock.Lock()
	entries := slices.Clone(b.launchers)
	b.lock.Unlock()

	var eg errgroup.Group
	for _, e := range entries {
		eg.Go(func() error {
			if err := op(e.launcher, ctx); err != nil {
				b.log.Error(err, "Launcher request failed", "Request", name)
			}
			return nil
		})
	}
	return eg.Wait()
}

func (b *Binder) Terminate(ctx context.Context) error {
	return b.broadcast(ctx, "terminate", targets.Launcher.Terminate)
}

func (b *Binder) Disconnect(ctx context.Context) error {
	return b.broadcast(ctx, "disconnect", targets.Launcher.Disconnect)
}

func (b *Binder) Restart(ctx context.Context) error {
	return b.broadcast(ctx, "restart", targets.Launcher.Restart)
}

// Dispose stops reconciliation, disposes every launcher, and detaches every thread.
func (b *Binder) Dispose() {
	b.lock.Lock()
	if b.disposed {
		b.lock.Unlock()
		return
	}
	b.disposed = true
	entries := b.launchers
	b.launchers = nil
	b.lock.Unlock()

	b.cancel()
	<-b.loopDone

	for _, e := range entries {
		e.listSub.Cancel()
		if e.terminatedSub != nil {
			e.terminatedSub.Cancel()
		}
		e.launcher.Dispose()
	}

	b.lock.Lock()
	bound := make([]targets.Target, 0, len(b.bindings))
	for t := range b.bindings {
		bound = append(bound, t)
	}
	b.lock.Unlock()
	for _, t := range bound {
		b.unbind(t)
	}
	b.targetListChanged.CancelAll()
}

// targetLifecycle serves the session-level requests of a debug adapter dedicated to one target.
type targetLifecycle struct {
	b      *Binder
	target targets.Target
}

func (tl *targetLifecycle) Launch(_ context.Context, _ *config.LaunchParams) error {
	return jsdap.NewUserError("A child session cannot launch a debuggee")
}

func (tl *targetLifecycle) Terminate(ctx context.Context) error {
	if tl.target.CanStop() {
		return tl.target.Stop(ctx)
	}
	return tl.b.Terminate(ctx)
}

func (tl *targetLifecycle) Disconnect(ctx context.Context) error {
	return tl.b.Detach(ctx, tl.target)
}

func (tl *targetLifecycle) Restart(ctx context.Context) error {
	if tl.target.CanRestart() {
		return tl.target.Restart(ctx)
	}
	return tl.b.Restart(ctx)
}

var _ adapter.Lifecycle = (*Binder)(nil)
var _ adapter.Lifecycle = (*targetLifecycle)(nil)
