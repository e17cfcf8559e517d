/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"
	"golang.org/x/sync/errgroup"

	"github.com/microsoft/jsdap/internal/cdp"
	"github.com/microsoft/jsdap/internal/config"
	jsdap "github.com/microsoft/jsdap/internal/dap"
	"github.com/microsoft/jsdap/pkg/syncmap"
)

const (
	customBreakpointListener        = "listener"
	customBreakpointInstrumentation = "instrumentation"

	exceptionFilterCaught   = "caught"
	exceptionFilterUncaught = "uncaught"
)

// idCounter hands out front-protocol ids (frames, variables references) unique for the adapter lifetime.
type idCounter struct {
	last atomic.Int64
}

func (c *idCounter) Next() int {
	return int(c.last.Add(1))
}

// protocolErrorToSilent turns a back-protocol error reply into a silent front-protocol error with the same text.
func protocolErrorToSilent(err error) error {
	var pe *cdp.ProtocolError
	if errors.As(err, &pe) {
		return jsdap.NewSilentError("%s", pe.Message).WithCause(err)
	}
	return err
}

// Lifecycle receives the session-level requests the debug adapter cannot serve by itself.
type Lifecycle interface {
	Launch(ctx context.Context, params *config.LaunchParams) error
	Terminate(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Restart(ctx context.Context) error
}

type Options struct {
	Log logr.Logger
	// Defaults for mapping script URLs to local files, used for threads whose target does not supply them.
	WebRoot string
	BaseURL string
}

// DebugAdapter serves the front protocol for one IDE session. It owns the threads of every target
// attached to the session, together with the sources and breakpoints they share.
type DebugAdapter struct {
	conn *jsdap.Connection
	log  logr.Logger

	ids         *idCounter
	sources     *SourceContainer
	breakpoints *BreakpointManager
	frames      syncmap.Map[int, *stackFrame]

	lock              sync.Mutex
	threads           map[int]*Thread
	lastThreadID      int
	lifecycle         Lifecycle
	pauseOnExceptions string
	customBreakpoints []string
	releaseConfig     func()

	reveal revealState
}

// New creates the debug adapter and installs it as the connection's request handler.
// Launch gating starts immediately: LaunchBlocker does not return before configurationDone.
func New(conn *jsdap.Connection, opts Options) *DebugAdapter {
	log := opts.Log
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	da := &DebugAdapter{
		conn:              conn,
		log:               log,
		ids:               &idCounter{},
		threads:           make(map[int]*Thread),
		pauseOnExceptions: cdp.PauseOnExceptionsNone,
	}
	da.sources = newSourceContainer(log, da.SendEvent, opts.WebRoot, opts.BaseURL)
	da.breakpoints = newBreakpointManager(log, da.SendEvent, da.sources)
	da.releaseConfig = da.breakpoints.Hold()
	conn.Handle(da.Handle)
	return da
}

func (da *DebugAdapter) SetLifecycle(lc Lifecycle) {
	da.lock.Lock()
	defer da.lock.Unlock()
	da.lifecycle = lc
}

func (da *DebugAdapter) BreakpointManager() *BreakpointManager {
	return da.breakpoints
}

func (da *DebugAdapter) Sources() *SourceContainer {
	return da.sources
}

func (da *DebugAdapter) SendEvent(ev dap.EventMessage) {
	da.conn.SendEvent(ev)
}

// LaunchBlocker waits until configuration is done and every declared breakpoint is installed in every thread.
func (da *DebugAdapter) LaunchBlocker(ctx context.Context) error {
	return da.breakpoints.LaunchBlocker(ctx)
}

func (da *DebugAdapter) PauseOnExceptions() string {
	da.lock.Lock()
	defer da.lock.Unlock()
	return da.pauseOnExceptions
}

func (da *DebugAdapter) CustomBreakpoints() []string {
	da.lock.Lock()
	defer da.lock.Unlock()
	return slices.Clone(da.customBreakpoints)
}

// CreateThread binds a new thread to a back-protocol session. The thread enables debugging, applies
// the exception policy and custom breakpoints, and replays every source breakpoint in the background;
// LaunchBlocker covers that work from the moment CreateThread returns.
func (da *DebugAdapter) CreateThread(name string, session *cdp.Session, delegate ThreadDelegate) *Thread {
	release := da.breakpoints.Hold()

	da.lock.Lock()
	da.lastThreadID++
	t := newThread(da, da.lastThreadID, name, session, delegate)
	da.threads[t.id] = t
	da.lock.Unlock()

	da.SendEvent(&dap.ThreadEvent{Body: dap.ThreadEventBody{Reason: "started", ThreadId: t.id}})
	t.log.Info("Thread created", "Name", name)

	go func() {
		defer release()
		t.initialize(t.ctx)
		da.breakpoints.AddThread(t.ctx, t)
	}()
	return t
}

func (da *DebugAdapter) removeThread(t *Thread) {
	da.lock.Lock()
	delete(da.threads, t.id)
	da.lock.Unlock()

	da.breakpoints.RemoveThread(t)
	da.sources.RemoveThread(t)
}

func (da *DebugAdapter) thread(id int) *Thread {
	da.lock.Lock()
	defer da.lock.Unlock()
	return da.threads[id]
}

func (da *DebugAdapter) threadList() []*Thread {
	da.lock.Lock()
	defer da.lock.Unlock()
	retval := make([]*Thread, 0, len(da.threads))
	for _, t := range da.threads {
		retval = append(retval, t)
	}
	slices.SortFunc(retval, func(a, b *Thread) int { return a.id - b.id })
	return retval
}

// Dispose ends every thread and any reveal in progress.
func (da *DebugAdapter) Dispose() {
	for _, t := range da.threadList() {
		t.Dispose()
	}
	da.cancelReveal()
}

// run calls f with a context that is cancelled when the thread is disposed.
// Requests that lose their thread, before or while they run, fail with ErrThreadNotAvailable.
func (t *Thread) run(ctx context.Context, f func(ctx context.Context) error) error {
	if t == nil {
		return jsdap.ErrThreadNotAvailable
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(t.ctx, cancel)
	defer stop()

	err := f(runCtx)
	if t.ctx.Err() != nil {
		return jsdap.ErrThreadNotAvailable
	}
	if err != nil && cdp.IsTargetClosed(err) {
		return jsdap.ErrThreadNotAvailable.WithCause(err)
	}
	return err
}

func (da *DebugAdapter) withThread(ctx context.Context, threadID int, f func(t *Thread, ctx context.Context) error) error {
	t := da.thread(threadID)
	if t == nil {
		return jsdap.ErrThreadNotAvailable
	}
	return t.run(ctx, func(ctx context.Context) error { return f(t, ctx) })
}

func (da *DebugAdapter) withFrame(ctx context.Context, frameID int, f func(ctx context.Context, frame *stackFrame) error) error {
	frame, found := da.frames.Load(frameID)
	if !found {
		return jsdap.ErrStackFrameNotFound
	}
	return frame.thread.run(ctx, func(ctx context.Context) error { return f(ctx, frame) })
}

// threadForReference finds the thread whose variable stores issued the reference.
func (da *DebugAdapter) threadForReference(ref int) *Thread {
	for _, t := range da.threadList() {
		if t.storeFor(ref) != nil {
			return t
		}
	}
	return nil
}

// Handle serves one front-protocol request.
func (da *DebugAdapter) Handle(ctx context.Context, req dap.RequestMessage) (dap.ResponseMessage, error) {
	switch r := req.(type) {
	case *dap.InitializeRequest:
		return da.onInitialize()
	case *dap.LaunchRequest:
		return &dap.LaunchResponse{}, da.onLaunch(ctx, config.RequestLaunch, r.Arguments)
	case *dap.AttachRequest:
		return &dap.AttachResponse{}, da.onLaunch(ctx, config.RequestAttach, r.Arguments)
	case *dap.ConfigurationDoneRequest:
		da.releaseConfig()
		return &dap.ConfigurationDoneResponse{}, nil
	case *dap.TerminateRequest:
		return &dap.TerminateResponse{}, da.withLifecycle(func(lc Lifecycle) error { return lc.Terminate(ctx) })
	case *dap.DisconnectRequest:
		return &dap.DisconnectResponse{}, da.withLifecycle(func(lc Lifecycle) error { return lc.Disconnect(ctx) })
	case *dap.RestartRequest:
		return &dap.RestartResponse{}, da.withLifecycle(func(lc Lifecycle) error { return lc.Restart(ctx) })

	case *dap.ThreadsRequest:
		return da.onThreads(), nil
	case *dap.ContinueRequest:
		return da.onContinue(ctx, r.Arguments.ThreadId)
	case *dap.PauseRequest:
		return &dap.PauseResponse{}, da.withThread(ctx, r.Arguments.ThreadId, (*Thread).Pause)
	case *dap.NextRequest:
		return &dap.NextResponse{}, da.withThread(ctx, r.Arguments.ThreadId, (*Thread).StepOver)
	case *dap.StepInRequest:
		return &dap.StepInResponse{}, da.withThread(ctx, r.Arguments.ThreadId, (*Thread).StepInto)
	case *dap.StepOutRequest:
		return &dap.StepOutResponse{}, da.withThread(ctx, r.Arguments.ThreadId, (*Thread).StepOut)
	case *dap.RestartFrameRequest:
		return &dap.RestartFrameResponse{}, da.withFrame(ctx, r.Arguments.FrameId, func(ctx context.Context, frame *stackFrame) error {
			return frame.thread.RestartFrame(ctx, frame)
		})

	case *dap.StackTraceRequest:
		return da.onStackTrace(ctx, &r.Arguments)
	case *dap.ScopesRequest:
		return da.onScopes(ctx, r.Arguments.FrameId)
	case *dap.VariablesRequest:
		return da.onVariables(ctx, &r.Arguments)
	case *dap.SetVariableRequest:
		return da.onSetVariable(ctx, &r.Arguments)
	case *dap.EvaluateRequest:
		return da.onEvaluate(ctx, &r.Arguments)
	case *dap.CompletionsRequest:
		return da.onCompletions(ctx, &r.Arguments)
	case *dap.ExceptionInfoRequest:
		return da.onExceptionInfo(ctx, r.Arguments.ThreadId)

	case *dap.SetBreakpointsRequest:
		bps, err := da.breakpoints.SetBreakpoints(ctx, &r.Arguments)
		if err != nil {
			return nil, err
		}
		return &dap.SetBreakpointsResponse{Body: dap.SetBreakpointsResponseBody{Breakpoints: bps}}, nil
	case *dap.SetExceptionBreakpointsRequest:
		return &dap.SetExceptionBreakpointsResponse{}, da.onSetExceptionBreakpoints(ctx, r.Arguments.Filters)
	case *dap.LoadedSourcesRequest:
		return &dap.LoadedSourcesResponse{Body: dap.LoadedSourcesResponseBody{Sources: da.sources.LoadedSources()}}, nil
	case *dap.SourceRequest:
		return da.onSource(ctx, &r.Arguments)

	case *jsdap.CustomRequest:
		return da.onCustomRequest(ctx, r)
	default:
		command := req.GetRequest().Command
		return nil, &jsdap.Error{ID: jsdap.ErrorIDUnknownMethod, Format: "Unrecognized request: " + command}
	}
}

func (da *DebugAdapter) onInitialize() (dap.ResponseMessage, error) {
	da.conn.AfterResponse("initialize", func() {
		da.SendEvent(&dap.InitializedEvent{})
	})
	return &dap.InitializeResponse{Body: capabilities()}, nil
}

func capabilities() dap.Capabilities {
	return dap.Capabilities{
		SupportsConfigurationDoneRequest: true,
		SupportsConditionalBreakpoints:   true,
		SupportsLogPoints:                true,
		SupportsEvaluateForHovers:        true,
		SupportsStepBack:                 false,
		SupportsSetVariable:              true,
		SupportsRestartFrame:             true,
		SupportsCompletionsRequest:       true,
		CompletionTriggerCharacters:      []string{".", "[", `"`, "'"},
		SupportsLoadedSourcesRequest:     true,
		SupportsExceptionInfoRequest:     true,
		SupportsDelayedStackTraceLoading: true,
		SupportsTerminateRequest:         true,
		SupportsRestartRequest:           true,
		ExceptionBreakpointFilters: []dap.ExceptionBreakpointsFilter{
			{Filter: exceptionFilterCaught, Label: "Caught Exceptions", Default: false},
			{Filter: exceptionFilterUncaught, Label: "Uncaught Exceptions", Default: false},
		},
	}
}

func (da *DebugAdapter) withLifecycle(f func(lc Lifecycle) error) error {
	da.lock.Lock()
	lc := da.lifecycle
	da.lock.Unlock()
	if lc == nil {
		return nil
	}
	return f(lc)
}

func (da *DebugAdapter) onLaunch(ctx context.Context, kind config.RequestKind, raw json.RawMessage) error {
	params, err := config.DecodeLaunchParams(kind, raw)
	if err != nil {
		return jsdap.NewUserError("%s", err.Error()).WithCause(err)
	}

	da.lock.Lock()
	lc := da.lifecycle
	da.lock.Unlock()
	if lc == nil {
		return jsdap.NewUserError("This session cannot %s a debuggee", string(kind))
	}
	return lc.Launch(ctx, params)
}

func (da *DebugAdapter) onThreads() *dap.ThreadsResponse {
	threads := da.threadList()
	body := make([]dap.Thread, 0, len(threads)+1)
	for _, t := range threads {
		body = append(body, dap.Thread{Id: t.id, Name: t.Name()})
	}
	if da.revealActive() {
		body = append(body, dap.Thread{Id: revealThreadID, Name: revealThreadName})
	}
	return &dap.ThreadsResponse{Body: dap.ThreadsResponseBody{Threads: body}}
}

func (da *DebugAdapter) onContinue(ctx context.Context, threadID int) (dap.ResponseMessage, error) {
	if threadID == revealThreadID {
		da.completeReveal()
		return &dap.ContinueResponse{}, nil
	}
	return &dap.ContinueResponse{}, da.withThread(ctx, threadID, (*Thread).Resume)
}

func (da *DebugAdapter) onStackTrace(ctx context.Context, args *dap.StackTraceArguments) (dap.ResponseMessage, error) {
	if args.ThreadId == revealThreadID {
		body, err := da.revealStackTrace(args)
		if err != nil {
			return nil, err
		}
		return &dap.StackTraceResponse{Body: *body}, nil
	}

	var body *dap.StackTraceResponseBody
	err := da.withThread(ctx, args.ThreadId, func(t *Thread, _ context.Context) error {
		var stErr error
		body, stErr = t.StackTrace(args)
		return stErr
	})
	if err != nil {
		return nil, err
	}
	return &dap.StackTraceResponse{Body: *body}, nil
}

func (da *DebugAdapter) onScopes(ctx context.Context, frameID int) (dap.ResponseMessage, error) {
	if da.isRevealFrame(frameID) {
		return &dap.ScopesResponse{Body: dap.ScopesResponseBody{Scopes: []dap.Scope{}}}, nil
	}

	var scopes []dap.Scope
	err := da.withFrame(ctx, frameID, func(_ context.Context, frame *stackFrame) error {
		var scopesErr error
		scopes, scopesErr = frame.thread.Scopes(frame)
		return scopesErr
	})
	if err != nil {
		return nil, err
	}
	return &dap.ScopesResponse{Body: dap.ScopesResponseBody{Scopes: scopes}}, nil
}

func (da *DebugAdapter) onVariables(ctx context.Context, args *dap.VariablesArguments) (dap.ResponseMessage, error) {
	t := da.threadForReference(args.VariablesReference)
	if t == nil {
		// Stale reference from before a resume.
		return &dap.VariablesResponse{Body: dap.VariablesResponseBody{Variables: []dap.Variable{}}}, nil
	}

	var vars []dap.Variable
	err := t.run(ctx, func(ctx context.Context) error {
		var varsErr error
		vars, varsErr = t.Variables(ctx, args)
		return varsErr
	})
	if err != nil {
		return nil, err
	}
	return &dap.VariablesResponse{Body: dap.VariablesResponseBody{Variables: vars}}, nil
}

func (da *DebugAdapter) onSetVariable(ctx context.Context, args *dap.SetVariableArguments) (dap.ResponseMessage, error) {
	t := da.threadForReference(args.VariablesReference)
	if t == nil {
		return nil, jsdap.ErrVariableNotFound
	}

	var body *dap.SetVariableResponseBody
	err := t.run(ctx, func(ctx context.Context) error {
		var setErr error
		body, setErr = t.SetVariable(ctx, args)
		return setErr
	})
	if err != nil {
		return nil, err
	}
	return &dap.SetVariableResponse{Body: *body}, nil
}

// targetFor returns the thread and frame a frame-scoped request applies to.
// Without a frame the request goes to the thread with the lowest id.
func (da *DebugAdapter) targetFor(frameID int) (*Thread, *stackFrame, error) {
	if frameID != 0 {
		frame, found := da.frames.Load(frameID)
		if !found {
			return nil, nil, jsdap.ErrStackFrameNotFound
		}
		return frame.thread, frame, nil
	}
	threads := da.threadList()
	if len(threads) == 0 {
		return nil, nil, jsdap.ErrThreadNotAvailable
	}
	return threads[0], nil, nil
}

func (da *DebugAdapter) onEvaluate(ctx context.Context, args *dap.EvaluateArguments) (dap.ResponseMessage, error) {
	t, frame, err := da.targetFor(args.FrameId)
	if err != nil {
		return nil, err
	}

	var body *dap.EvaluateResponseBody
	err = t.run(ctx, func(ctx context.Context) error {
		var evalErr error
		body, evalErr = t.Evaluate(ctx, frame, args)
		return evalErr
	})
	if err != nil {
		return nil, err
	}
	return &dap.EvaluateResponse{Body: *body}, nil
}

func (da *DebugAdapter) onCompletions(ctx context.Context, args *dap.CompletionsArguments) (dap.ResponseMessage, error) {
	t, frame, err := da.targetFor(args.FrameId)
	if err != nil {
		if errors.Is(err, jsdap.ErrThreadNotAvailable) {
			return &dap.CompletionsResponse{Body: dap.CompletionsResponseBody{Targets: []dap.CompletionItem{}}}, nil
		}
		return nil, err
	}

	var items []dap.CompletionItem
	err = t.run(ctx, func(ctx context.Context) error {
		var complErr error
		items, complErr = t.Completions(ctx, frame, args)
		return complErr
	})
	if err != nil {
		return nil, err
	}
	return &dap.CompletionsResponse{Body: dap.CompletionsResponseBody{Targets: items}}, nil
}

func (da *DebugAdapter) onExceptionInfo(ctx context.Context, threadID int) (dap.ResponseMessage, error) {
	var body *dap.ExceptionInfoResponseBody
	err := da.withThread(ctx, threadID, func(t *Thread, _ context.Context) error {
		var infoErr error
		body, infoErr = t.ExceptionInfo()
		return infoErr
	})
	if err != nil {
		return nil, err
	}
	return &dap.ExceptionInfoResponse{Body: *body}, nil
}

// onSetExceptionBreakpoints maps the filters to a pause-on-exceptions state and applies it to every thread.
// Threads attached later pick the state up in initialize.
func (da *DebugAdapter) onSetExceptionBreakpoints(ctx context.Context, filters []string) error {
	state := cdp.PauseOnExceptionsNone
	switch {
	case slices.Contains(filters, exceptionFilterCaught):
		state = cdp.PauseOnExceptionsAll
	case slices.Contains(filters, exceptionFilterUncaught):
		state = cdp.PauseOnExceptionsUncaught
	}

	da.lock.Lock()
	da.pauseOnExceptions = state
	da.lock.Unlock()

	eg, egCtx := errgroup.WithContext(ctx)
	for _, t := range da.threadList() {
		t := t
		eg.Go(func() error {
			err := t.run(egCtx, func(ctx context.Context) error { return t.setPauseOnExceptions(ctx, state) })
			if err != nil {
				t.log.V(1).Info("Could not set pause on exceptions", "Error", err.Error())
			}
			return nil
		})
	}
	return eg.Wait()
}

func (da *DebugAdapter) onSource(ctx context.Context, args *dap.SourceArguments) (dap.ResponseMessage, error) {
	lookup := args.Source
	if lookup == nil {
		lookup = &dap.Source{SourceReference: args.SourceReference}
	} else if lookup.SourceReference == 0 && args.SourceReference > 0 {
		lookup = &dap.Source{SourceReference: args.SourceReference, Path: lookup.Path}
	}

	src := da.sources.Lookup(lookup)
	if src == nil {
		return nil, jsdap.ErrSourceNotFound
	}
	da.confirmRevealSource(src)

	content, err := da.sources.Content(ctx, src)
	if err != nil {
		return nil, err
	}
	return &dap.SourceResponse{Body: dap.SourceResponseBody{Content: content, MimeType: "text/javascript"}}, nil
}

type customBreakpointsArgs struct {
	IDs []string `json:"ids"`
}

// onCustomRequest serves enableCustomBreakpoints and disableCustomBreakpoints.
func (da *DebugAdapter) onCustomRequest(ctx context.Context, r *jsdap.CustomRequest) (dap.ResponseMessage, error) {
	var enable bool
	switch r.Command {
	case "enableCustomBreakpoints":
		enable = true
	case "disableCustomBreakpoints":
	default:
		return nil, &jsdap.Error{ID: jsdap.ErrorIDUnknownMethod, Format: "Unrecognized request: " + r.Command}
	}

	var args customBreakpointsArgs
	if len(r.Arguments) > 0 {
		if err := json.Unmarshal(r.Arguments, &args); err != nil {
			return nil, jsdap.NewSilentError("Invalid arguments for %s: %v", r.Command, err)
		}
	}
	for _, id := range args.IDs {
		kind, name, _ := strings.Cut(id, ":")
		if name == "" || (kind != customBreakpointListener && kind != customBreakpointInstrumentation) {
			return nil, jsdap.NewSilentError("Unknown custom breakpoint %q", id)
		}
	}

	da.lock.Lock()
	var changed []string
	for _, id := range args.IDs {
		present := slices.Contains(da.customBreakpoints, id)
		switch {
		case enable && !present:
			da.customBreakpoints = append(da.customBreakpoints, id)
			changed = append(changed, id)
		case !enable && present:
			da.customBreakpoints = slices.DeleteFunc(da.customBreakpoints, func(s string) bool { return s == id })
			changed = append(changed, id)
		}
	}
	da.lock.Unlock()

	for _, t := range da.threadList() {
		for _, id := range changed {
			err := t.run(ctx, func(ctx context.Context) error { return t.setCustomBreakpoint(ctx, id, enable) })
			if err != nil {
				t.log.V(1).Info("Could not update custom breakpoint", "ID", id, "Error", err.Error())
			}
		}
	}
	return &jsdap.CustomResponse{}, nil
}
