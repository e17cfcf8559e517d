/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package adapter

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"

	"github.com/microsoft/jsdap/internal/cdp"
	jsdap "github.com/microsoft/jsdap/internal/dap"
	"github.com/microsoft/jsdap/internal/pubsub"
)

// ThreadDelegate supplies the target-specific settings a thread needs. targets.Target satisfies it.
type ThreadDelegate interface {
	StopOnEntry() bool
	FileRoot() string
	BaseURL() string
}

// Stopped event reasons.
const (
	stopReasonEntry      = "entry"
	stopReasonStep       = "step"
	stopReasonBreakpoint = "breakpoint"
	stopReasonException  = "exception"
	stopReasonPause      = "pause"
	stopReasonGoto       = "goto"
)

// PausedDetails is the snapshot taken when the debuggee pauses. It is valid until the next resume.
type PausedDetails struct {
	reason         string
	description    string
	text           string
	callFrames     []cdp.CallFrame
	asyncTrace     *cdp.StackTrace
	exception      *cdp.RemoteObject
	hitBreakpoints []int

	// Built on the first stackTrace request so frame ids stay stable across paged requests.
	frames []*stackFrame
}

type stackFrame struct {
	id     int
	thread *Thread
	paused *PausedDetails
	// Nil for async frames and labels, which cannot be inspected.
	callFrame *cdp.CallFrame
	dap       dap.StackFrame
}

// Thread is the execution state of one attached target.
// It is running until the target reports a pause; commands never change the state by themselves.
type Thread struct {
	da       *DebugAdapter
	id       int
	session  *cdp.Session
	delegate ThreadDelegate
	log      logr.Logger

	ctx    context.Context
	cancel context.CancelFunc

	lock           sync.Mutex
	name           string
	paused         *PausedDetails
	expectingStep  bool
	expectingPause bool
	disposed       bool

	pausedVars *VariableStore
	replVars   *VariableStore

	subscriptions []*pubsub.Subscription[json.RawMessage]
	closedSub     *pubsub.Subscription[error]
	disposeOnce   sync.Once
}

func newThread(da *DebugAdapter, id int, name string, session *cdp.Session, delegate ThreadDelegate) *Thread {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Thread{
		da:         da,
		id:         id,
		name:       name,
		session:    session,
		delegate:   delegate,
		log:        da.log.WithValues("ThreadID", id),
		ctx:        ctx,
		cancel:     cancel,
		pausedVars: newVariableStore(session, da.ids),
		replVars:   newVariableStore(session, da.ids),
	}

	// Listeners are in place before any domain is enabled so no event is missed.
	debugger, runtime := session.Debugger(), session.Runtime()
	t.subscriptions = []*pubsub.Subscription[json.RawMessage]{
		debugger.OnPaused(t.onPaused),
		debugger.OnResumed(func(*struct{}) { t.onResumed() }),
		debugger.OnScriptParsed(func(ev *cdp.ScriptParsedEvent) { da.sources.AddScript(t, ev) }),
		debugger.OnBreakpointResolved(func(ev *cdp.BreakpointResolvedEvent) { da.breakpoints.OnBreakpointResolved(t, ev) }),
		runtime.OnConsoleAPICalled(t.onConsoleAPICalled),
		runtime.OnExceptionThrown(t.onExceptionThrown),
		runtime.OnInspectRequested(t.onInspectRequested),
		runtime.OnExecutionContextsCleared(func(*struct{}) { t.replVars.Clear() }),
	}
	t.closedSub = session.OnClosed(func(error) {
		// Dispose takes locks the session goroutine must not wait on.
		go t.Dispose()
	})
	return t
}

func (t *Thread) ID() int {
	return t.id
}

func (t *Thread) Name() string {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.name
}

func (t *Thread) SetName(name string) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.name = name
}

func (t *Thread) Session() *cdp.Session {
	return t.session
}

// initialize enables the debugging domains and applies the adapter-wide pause settings.
// Failures are logged: a thread that could not be fully configured is still usable for inspection.
func (t *Thread) initialize(ctx context.Context) {
	if err := t.session.Runtime().Enable(ctx); err != nil {
		t.log.Error(err, "Could not enable runtime domain")
	}
	if err := t.session.Debugger().Enable(ctx); err != nil {
		t.log.Error(err, "Could not enable debugger domain")
	}
	if err := t.session.Debugger().SetPauseOnExceptions(ctx, t.da.PauseOnExceptions()); err != nil {
		t.log.V(1).Info("Could not set pause on exceptions", "Error", err.Error())
	}
	for _, id := range t.da.CustomBreakpoints() {
		if err := t.setCustomBreakpoint(ctx, id, true); err != nil {
			t.log.V(1).Info("Could not enable custom breakpoint", "ID", id, "Error", err.Error())
		}
	}
}

func (t *Thread) setPauseOnExceptions(ctx context.Context, state string) error {
	return t.session.Debugger().SetPauseOnExceptions(ctx, state)
}

// setCustomBreakpoint toggles a breakpoint that is not tied to a source line.
// ids are "listener:<event name>" or "instrumentation:<name>".
func (t *Thread) setCustomBreakpoint(ctx context.Context, id string, enabled bool) error {
	kind, name, _ := strings.Cut(id, ":")
	dom := t.session.DOMDebugger()
	switch {
	case kind == customBreakpointListener && enabled:
		return dom.SetEventListenerBreakpoint(ctx, name)
	case kind == customBreakpointListener:
		return dom.RemoveEventListenerBreakpoint(ctx, name)
	case kind == customBreakpointInstrumentation && enabled:
		return dom.SetInstrumentationBreakpoint(ctx, name)
	case kind == customBreakpointInstrumentation:
		return dom.RemoveInstrumentationBreakpoint(ctx, name)
	default:
		return jsdap.NewSilentError("Unknown custom breakpoint %q", id)
	}
}

// Dispose ends the thread. Requests in flight against it fail with ErrThreadNotAvailable.
func (t *Thread) Dispose() {
	t.disposeOnce.Do(func() {
		t.lock.Lock()
		t.disposed = true
		paused := t.paused
		t.paused = nil
		t.lock.Unlock()

		t.cancel()
		for _, sub := range t.subscriptions {
			sub.Cancel()
		}
		t.closedSub.Cancel()

		t.forgetFrames(paused)
		t.pausedVars.Clear()
		t.replVars.Clear()
		t.da.removeThread(t)
		t.da.SendEvent(&dap.ThreadEvent{Body: dap.ThreadEventBody{Reason: "exited", ThreadId: t.id}})
		t.log.Info("Thread disposed")
	})
}

func (t *Thread) Disposed() bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.disposed
}

// pausedDetails returns the current pause snapshot, or nil while running.
func (t *Thread) pausedDetails() *PausedDetails {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.paused
}

func (t *Thread) onPaused(ev *cdp.PausedEvent) {
	t.lock.Lock()
	if t.disposed {
		t.lock.Unlock()
		return
	}

	details := &PausedDetails{
		callFrames: ev.CallFrames,
		asyncTrace: ev.AsyncStackTrace,
	}

	switch {
	case ev.Reason == cdp.PauseReasonException || ev.Reason == cdp.PauseReasonPromiseRejection:
		details.reason = stopReasonException
		var exception cdp.RemoteObject
		if len(ev.Data) > 0 && json.Unmarshal(ev.Data, &exception) == nil && exception.Type != "" {
			details.exception = &exception
			details.text = firstLine(exception.Description)
		}
		if ev.Reason == cdp.PauseReasonPromiseRejection {
			details.description = "Paused on promise rejection"
		} else {
			details.description = "Paused on exception"
		}
	case len(ev.HitBreakpoints) > 0:
		details.reason = stopReasonBreakpoint
		details.description = "Paused on breakpoint"
		details.hitBreakpoints = t.da.breakpoints.HitBreakpointIDs(t, ev.HitBreakpoints)
	case t.expectingStep:
		details.reason = stopReasonStep
	case t.expectingPause:
		details.reason = stopReasonPause
	case ev.Reason == cdp.PauseReasonEventListener || ev.Reason == cdp.PauseReasonInstrumentation || ev.Reason == cdp.PauseReasonDOM:
		details.reason = stopReasonBreakpoint
		details.description = "Paused on " + customBreakpointDescription(ev.Reason, ev.Data)
	case ev.Reason == cdp.PauseReasonBreakOnStart:
		if t.delegate == nil || !t.delegate.StopOnEntry() {
			t.lock.Unlock()
			t.log.V(1).Info("Resuming past entry pause")
			go func() {
				if err := t.session.Debugger().Resume(t.ctx); err != nil {
					t.log.V(1).Info("Could not resume past entry pause", "Error", err.Error())
				}
			}()
			return
		}
		details.reason = stopReasonEntry
	default:
		details.reason = stopReasonPause
	}

	t.expectingStep = false
	t.expectingPause = false
	previous := t.paused
	t.paused = details
	t.lock.Unlock()

	t.forgetFrames(previous)
	t.pausedVars.Clear()
	t.sendStopped(details)
}

func customBreakpointDescription(reason string, data json.RawMessage) string {
	var d struct {
		EventName string `json:"eventName"`
		Type      string `json:"type"`
	}
	_ = json.Unmarshal(data, &d)
	switch {
	case d.EventName != "":
		return strings.TrimPrefix(strings.TrimPrefix(d.EventName, "listener:"), "instrumentation:") + " event"
	case d.Type != "":
		return d.Type
	default:
		return reason
	}
}

func (t *Thread) sendStopped(details *PausedDetails) {
	t.da.SendEvent(&dap.StoppedEvent{Body: dap.StoppedEventBody{
		Reason:           details.reason,
		Description:      details.description,
		Text:             details.text,
		ThreadId:         t.id,
		HitBreakpointIds: details.hitBreakpoints,
	}})
}

// resendStopped repeats the stopped event of a paused thread, so the IDE focuses it again.
func (t *Thread) resendStopped() {
	if details := t.pausedDetails(); details != nil {
		t.sendStopped(details)
	}
}

func (t *Thread) onResumed() {
	t.lock.Lock()
	previous := t.paused
	t.paused = nil
	disposed := t.disposed
	t.lock.Unlock()

	if previous == nil || disposed {
		return
	}
	t.forgetFrames(previous)
	t.pausedVars.Clear()
	t.replVars.Clear()
	t.da.SendEvent(&dap.ContinuedEvent{Body: dap.ContinuedEventBody{ThreadId: t.id}})
}

func (t *Thread) forgetFrames(details *PausedDetails) {
	if details == nil {
		return
	}
	t.lock.Lock()
	frames := details.frames
	t.lock.Unlock()
	for _, f := range frames {
		t.da.frames.Delete(f.id)
	}
}

// Execution control.

func (t *Thread) requirePaused() error {
	if t.pausedDetails() == nil {
		return jsdap.ErrThreadNotPaused
	}
	return nil
}

func (t *Thread) Resume(ctx context.Context) error {
	if err := t.requirePaused(); err != nil {
		return err
	}
	return t.session.Debugger().Resume(ctx)
}

// Pause is the one control request served while running. Pausing a paused thread does nothing.
func (t *Thread) Pause(ctx context.Context) error {
	t.lock.Lock()
	if t.paused != nil {
		t.lock.Unlock()
		return nil
	}
	t.expectingPause = true
	t.lock.Unlock()
	return t.session.Debugger().Pause(ctx)
}

func (t *Thread) step(ctx context.Context, command func(context.Context) error) error {
	t.lock.Lock()
	if t.paused == nil {
		t.lock.Unlock()
		return jsdap.ErrThreadNotPaused
	}
	t.expectingStep = true
	t.lock.Unlock()

	if err := command(ctx); err != nil {
		t.lock.Lock()
		t.expectingStep = false
		t.lock.Unlock()
		return err
	}
	return nil
}

func (t *Thread) StepOver(ctx context.Context) error {
	return t.step(ctx, t.session.Debugger().StepOver)
}

func (t *Thread) StepInto(ctx context.Context) error {
	return t.step(ctx, t.session.Debugger().StepInto)
}

func (t *Thread) StepOut(ctx context.Context) error {
	return t.step(ctx, t.session.Debugger().StepOut)
}

// RestartFrame reruns a frame from its start; the debuggee pauses again at the frame entry.
func (t *Thread) RestartFrame(ctx context.Context, frame *stackFrame) error {
	if frame.callFrame == nil {
		return jsdap.NewSilentError("Cannot restart asynchronous frame")
	}
	return t.step(ctx, func(ctx context.Context) error {
		return t.session.Debugger().RestartFrame(ctx, frame.callFrame.CallFrameID)
	})
}

// Inspection.

// StackTrace returns a page of the paused call stack. Asynchronous frames follow a label frame
// naming the async boundary, and cannot be restarted or inspected.
func (t *Thread) StackTrace(args *dap.StackTraceArguments) (*dap.StackTraceResponseBody, error) {
	details := t.pausedDetails()
	if details == nil {
		return nil, jsdap.ErrThreadNotPaused
	}

	frames := t.framesFor(details)
	total := len(frames)
	start := args.StartFrame
	if start > total {
		start = total
	}
	end := total
	if args.Levels > 0 && start+args.Levels < total {
		end = start + args.Levels
	}

	retval := make([]dap.StackFrame, 0, end-start)
	for _, f := range frames[start:end] {
		retval = append(retval, f.dap)
	}
	return &dap.StackTraceResponseBody{StackFrames: retval, TotalFrames: total}, nil
}

func (t *Thread) framesFor(details *PausedDetails) []*stackFrame {
	t.lock.Lock()
	if details.frames != nil {
		defer t.lock.Unlock()
		return details.frames
	}
	t.lock.Unlock()

	var frames []*stackFrame
	for i := range details.callFrames {
		cf := &details.callFrames[i]
		f := &stackFrame{id: t.da.ids.Next(), thread: t, paused: details, callFrame: cf}
		f.dap = dap.StackFrame{
			Id:         f.id,
			Name:       functionName(cf.FunctionName),
			Line:       cf.Location.LineNumber + 1,
			Column:     cf.Location.ColumnNumber + 1,
			CanRestart: true,
		}
		if src := t.da.sources.SourceForScript(t, cf.Location.ScriptID); src != nil {
			s := src.ToDAP()
			f.dap.Source = &s
		}
		frames = append(frames, f)
	}

	for trace := details.asyncTrace; trace != nil; trace = trace.Parent {
		label := &stackFrame{id: t.da.ids.Next(), thread: t, paused: details}
		label.dap = dap.StackFrame{Id: label.id, Name: asyncLabel(trace.Description), PresentationHint: "label"}
		frames = append(frames, label)
		for _, rf := range trace.CallFrames {
			f := &stackFrame{id: t.da.ids.Next(), thread: t, paused: details}
			f.dap = dap.StackFrame{
				Id:               f.id,
				Name:             functionName(rf.FunctionName),
				Line:             rf.LineNumber + 1,
				Column:           rf.ColumnNumber + 1,
				PresentationHint: "subtle",
			}
			if src := t.da.sources.SourceForScript(t, rf.ScriptID); src != nil {
				s := src.ToDAP()
				f.dap.Source = &s
			}
			frames = append(frames, f)
		}
	}

	t.lock.Lock()
	defer t.lock.Unlock()
	if details.frames != nil {
		// Built concurrently by another request.
		return details.frames
	}
	if t.paused != details {
		// Resumed meanwhile: hand out the frames but never register them.
		return frames
	}
	if frames == nil {
		frames = []*stackFrame{}
	}
	details.frames = frames
	for _, f := range frames {
		t.da.frames.Store(f.id, f)
	}
	return frames
}

func functionName(name string) string {
	if name == "" {
		return "<anonymous>"
	}
	return name
}

func asyncLabel(description string) string {
	if description == "" {
		return "async"
	}
	return description
}

var scopeNames = map[string]string{
	"local":   "Local",
	"closure": "Closure",
	"global":  "Global",
	"block":   "Block",
	"catch":   "Catch",
	"with":    "With",
	"script":  "Script",
	"module":  "Module",
	"eval":    "Eval",
}

func scopeName(scope *cdp.Scope) string {
	name, found := scopeNames[scope.Type]
	if !found {
		name = scope.Type
	}
	if scope.Name != "" && scope.Type != "global" {
		name += ": " + scope.Name
	}
	return name
}

// livePausedFrame returns the call frame if it belongs to the current pause.
func (t *Thread) livePausedFrame(frame *stackFrame) (*cdp.CallFrame, error) {
	details := t.pausedDetails()
	if details == nil {
		return nil, jsdap.ErrThreadNotPaused
	}
	if frame.paused != details || frame.callFrame == nil {
		return nil, jsdap.ErrStackFrameNotFound
	}
	return frame.callFrame, nil
}

func (t *Thread) Scopes(frame *stackFrame) ([]dap.Scope, error) {
	cf, err := t.livePausedFrame(frame)
	if err != nil {
		return nil, err
	}

	retval := make([]dap.Scope, 0, len(cf.ScopeChain))
	for i := range cf.ScopeChain {
		scope := &cf.ScopeChain[i]
		var extras []namedObject
		if i == 0 {
			if cf.ReturnValue != nil {
				extras = append(extras, namedObject{name: "Return value", object: *cf.ReturnValue})
			}
			if cf.This.Type != "" && cf.This.Type != "undefined" {
				extras = append(extras, namedObject{name: "this", object: cf.This})
			}
		}
		retval = append(retval, dap.Scope{
			Name:               scopeName(scope),
			VariablesReference: t.pausedVars.CreateScopeReference(scope, cf.CallFrameID, i, extras),
			Expensive:          scope.Type == "global",
		})
	}
	return retval, nil
}

// storeFor returns the store that owns a variables reference, or nil if neither does.
func (t *Thread) storeFor(ref int) *VariableStore {
	switch {
	case t.pausedVars.Has(ref):
		return t.pausedVars
	case t.replVars.Has(ref):
		return t.replVars
	default:
		return nil
	}
}

func (t *Thread) Variables(ctx context.Context, args *dap.VariablesArguments) ([]dap.Variable, error) {
	store := t.storeFor(args.VariablesReference)
	if store == nil {
		return []dap.Variable{}, nil
	}
	return store.Variables(ctx, args)
}

func (t *Thread) SetVariable(ctx context.Context, args *dap.SetVariableArguments) (*dap.SetVariableResponseBody, error) {
	store := t.storeFor(args.VariablesReference)
	if store == nil {
		return nil, jsdap.ErrVariableNotFound
	}
	return store.SetVariable(ctx, args)
}

// Evaluate runs an expression on a paused frame, or globally when frame is nil.
func (t *Thread) Evaluate(ctx context.Context, frame *stackFrame, args *dap.EvaluateArguments) (*dap.EvaluateResponseBody, error) {
	expression := args.Expression
	if args.Context != "repl" {
		expression = wrapObjectLiteral(expression)
	}

	store := t.replVars
	var callFrameID cdp.CallFrameID
	var body *dap.EvaluateResponseBody
	// Runs before a later resume can clear the store, so the reference is minted in the current pause.
	mint := func(res *cdp.EvaluateResult) error {
		if res.ExceptionDetails != nil {
			return jsdap.NewSilentError("%s", res.ExceptionDetails.Message())
		}
		v := store.Variable("", &res.Result, callFrameID, previewContextFor(args.Context))
		body = &dap.EvaluateResponseBody{
			Result:             v.Value,
			Type:               v.Type,
			VariablesReference: v.VariablesReference,
		}
		return nil
	}

	var err error
	if frame != nil {
		cf, frameErr := t.livePausedFrame(frame)
		if frameErr != nil {
			return nil, frameErr
		}
		callFrameID = cf.CallFrameID
		if args.Context != "repl" {
			store = t.pausedVars
		}
		err = t.session.Debugger().EvaluateOnCallFrameThen(ctx, &cdp.EvaluateOnCallFrameParams{
			CallFrameID:           cf.CallFrameID,
			Expression:            expression,
			IncludeCommandLineAPI: args.Context == "repl",
			Silent:                args.Context != "repl",
			GeneratePreview:       true,
		}, mint)
	} else {
		err = t.session.Runtime().EvaluateThen(ctx, &cdp.EvaluateParams{
			Expression:            expression,
			IncludeCommandLineAPI: args.Context == "repl",
			Silent:                args.Context != "repl",
			GeneratePreview:       true,
		}, mint)
	}
	if err != nil {
		return nil, protocolErrorToSilent(err)
	}
	return body, nil
}

func (t *Thread) ExceptionInfo() (*dap.ExceptionInfoResponseBody, error) {
	details := t.pausedDetails()
	if details == nil || details.reason != stopReasonException {
		return nil, jsdap.NewSilentError("Thread is not paused on an exception")
	}

	breakMode := "unhandled"
	if t.da.PauseOnExceptions() == cdp.PauseOnExceptionsAll {
		breakMode = "always"
	}
	body := &dap.ExceptionInfoResponseBody{
		ExceptionId: "Error",
		BreakMode:   dap.ExceptionBreakMode(breakMode),
	}
	if ex := details.exception; ex != nil {
		if ex.ClassName != "" {
			body.ExceptionId = ex.ClassName
		}
		body.Description = firstLine(previewRemoteObject(ex, previewRepl))
		body.Details = &dap.ExceptionDetails{
			Message:    firstLine(ex.Description),
			TypeName:   ex.ClassName,
			StackTrace: ex.Description,
		}
	}
	return body, nil
}

// Events.

func (t *Thread) onConsoleAPICalled(ev *cdp.ConsoleAPICalledEvent) {
	category := "stdout"
	switch ev.Type {
	case "error", "warning", "assert":
		category = "stderr"
	case "endGroup", "clear":
		return
	}

	message := formatConsoleMessage(ev.Args)
	if ev.Type == "assert" {
		message = "Assertion failed: " + message
	}
	out := dap.OutputEventBody{Category: category, Output: message + "\n"}
	if len(ev.Args) == 1 && ev.Args[0].ObjectID != "" {
		out.VariablesReference = t.replVars.CreateVariableReference(&ev.Args[0], "")
	}
	if ev.StackTrace != nil && len(ev.StackTrace.CallFrames) > 0 {
		top := ev.StackTrace.CallFrames[0]
		if src := t.da.sources.SourceForScript(t, top.ScriptID); src != nil {
			s := src.ToDAP()
			out.Source = &s
			out.Line = top.LineNumber + 1
			out.Column = top.ColumnNumber + 1
		}
	}
	t.da.SendEvent(&dap.OutputEvent{Body: out})
}

func (t *Thread) onExceptionThrown(ev *cdp.ExceptionThrownEvent) {
	t.da.SendEvent(&dap.OutputEvent{Body: dap.OutputEventBody{
		Category: "stderr",
		Output:   "Uncaught " + ev.ExceptionDetails.Message() + "\n",
	}})
}

// onInspectRequested reveals the location of a function passed to the console's inspect().
func (t *Thread) onInspectRequested(ev *cdp.InspectRequestedEvent) {
	if ev.Object.Type != "function" || ev.Object.ObjectID == "" {
		return
	}
	objectID := ev.Object.ObjectID
	go func() {
		props, err := t.session.Runtime().GetProperties(t.ctx, &cdp.GetPropertiesParams{ObjectID: objectID, OwnProperties: true})
		if err != nil {
			t.log.V(1).Info("Could not get function location", "Error", err.Error())
			return
		}
		for _, p := range props.InternalProperties {
			if p.Name != "[[FunctionLocation]]" || p.Value == nil {
				continue
			}
			var loc cdp.Location
			if json.Unmarshal(p.Value.Value, &loc) != nil {
				return
			}
			src := t.da.sources.SourceForScript(t, loc.ScriptID)
			if src == nil {
				return
			}
			if revealErr := t.da.RevealLocation(t.ctx, UILocation{Source: src, Line: loc.LineNumber + 1, Column: loc.ColumnNumber + 1}); revealErr != nil {
				t.log.V(1).Info("Could not reveal function location", "Error", revealErr.Error())
			}
			return
		}
	}()
}
