/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package cdp

import (
	"context"
	"encoding/json"

	"github.com/microsoft/jsdap/internal/pubsub"
)

type CallFrameID string
type BreakpointID string

// Location is a zero-based position in a script.
type Location struct {
	ScriptID     ScriptID `json:"scriptId"`
	LineNumber   int      `json:"lineNumber"`
	ColumnNumber int      `json:"columnNumber"`
}

type Scope struct {
	Type          string       `json:"type"`
	Object        RemoteObject `json:"object"`
	Name          string       `json:"name,omitempty"`
	StartLocation *Location    `json:"startLocation,omitempty"`
	EndLocation   *Location    `json:"endLocation,omitempty"`
}

type CallFrame struct {
	CallFrameID      CallFrameID   `json:"callFrameId"`
	FunctionName     string        `json:"functionName"`
	FunctionLocation *Location     `json:"functionLocation,omitempty"`
	Location         Location      `json:"location"`
	URL              string        `json:"url"`
	ScopeChain       []Scope       `json:"scopeChain"`
	This             RemoteObject  `json:"this"`
	ReturnValue      *RemoteObject `json:"returnValue,omitempty"`
}

// Pause reasons reported by Debugger.paused.
const (
	PauseReasonAmbiguous        = "ambiguous"
	PauseReasonException        = "exception"
	PauseReasonPromiseRejection = "promiseRejection"
	PauseReasonOther            = "other"
	PauseReasonInstrumentation  = "instrumentation"
	PauseReasonDOM              = "DOM"
	PauseReasonEventListener    = "EventListener"
	PauseReasonBreakOnStart     = "Break on start"
)

type PausedEvent struct {
	CallFrames      []CallFrame     `json:"callFrames"`
	Reason          string          `json:"reason"`
	Data            json.RawMessage `json:"data,omitempty"`
	HitBreakpoints  []BreakpointID  `json:"hitBreakpoints,omitempty"`
	AsyncStackTrace *StackTrace     `json:"asyncStackTrace,omitempty"`
}

type ScriptParsedEvent struct {
	ScriptID           ScriptID           `json:"scriptId"`
	URL                string             `json:"url"`
	StartLine          int                `json:"startLine"`
	StartColumn        int                `json:"startColumn"`
	EndLine            int                `json:"endLine"`
	EndColumn          int                `json:"endColumn"`
	ExecutionContextID ExecutionContextID `json:"executionContextId"`
	Hash               string             `json:"hash"`
	SourceMapURL       string             `json:"sourceMapURL,omitempty"`
	HasSourceURL       bool               `json:"hasSourceURL,omitempty"`
	IsModule           bool               `json:"isModule,omitempty"`
	Length             int                `json:"length,omitempty"`
}

type BreakpointResolvedEvent struct {
	BreakpointID BreakpointID `json:"breakpointId"`
	Location     Location     `json:"location"`
}

type SetBreakpointByURLParams struct {
	LineNumber   int    `json:"lineNumber"`
	URL          string `json:"url,omitempty"`
	URLRegex     string `json:"urlRegex,omitempty"`
	ColumnNumber *int   `json:"columnNumber,omitempty"`
	Condition    string `json:"condition,omitempty"`
}

type SetBreakpointByURLResult struct {
	BreakpointID BreakpointID `json:"breakpointId"`
	Locations    []Location   `json:"locations"`
}

type EvaluateOnCallFrameParams struct {
	CallFrameID           CallFrameID `json:"callFrameId"`
	Expression            string      `json:"expression"`
	ObjectGroup           string      `json:"objectGroup,omitempty"`
	IncludeCommandLineAPI bool        `json:"includeCommandLineAPI,omitempty"`
	Silent                bool        `json:"silent,omitempty"`
	ReturnByValue         bool        `json:"returnByValue,omitempty"`
	GeneratePreview       bool        `json:"generatePreview,omitempty"`
}

type SetVariableValueParams struct {
	ScopeNumber  int          `json:"scopeNumber"`
	VariableName string       `json:"variableName"`
	NewValue     CallArgument `json:"newValue"`
	CallFrameID  CallFrameID  `json:"callFrameId"`
}

// Pause-on-exceptions states.
const (
	PauseOnExceptionsNone     = "none"
	PauseOnExceptionsUncaught = "uncaught"
	PauseOnExceptionsAll      = "all"
)

type DebuggerDomain struct {
	s *Session
}

func (d DebuggerDomain) Enable(ctx context.Context) error {
	return d.s.Invoke(ctx, "Debugger.enable", nil, nil)
}

func (d DebuggerDomain) SetPauseOnExceptions(ctx context.Context, state string) error {
	return d.s.Invoke(ctx, "Debugger.setPauseOnExceptions", map[string]string{"state": state}, nil)
}

func (d DebuggerDomain) Resume(ctx context.Context) error {
	return d.s.Invoke(ctx, "Debugger.resume", nil, nil)
}

func (d DebuggerDomain) Pause(ctx context.Context) error {
	return d.s.Invoke(ctx, "Debugger.pause", nil, nil)
}

func (d DebuggerDomain) StepOver(ctx context.Context) error {
	return d.s.Invoke(ctx, "Debugger.stepOver", nil, nil)
}

func (d DebuggerDomain) StepInto(ctx context.Context) error {
	return d.s.Invoke(ctx, "Debugger.stepInto", map[string]bool{"breakOnAsyncCall": true}, nil)
}

func (d DebuggerDomain) StepOut(ctx context.Context) error {
	return d.s.Invoke(ctx, "Debugger.stepOut", nil, nil)
}

func (d DebuggerDomain) RestartFrame(ctx context.Context, callFrameID CallFrameID) error {
	return d.s.Invoke(ctx, "Debugger.restartFrame", map[string]any{"callFrameId": callFrameID, "mode": "StepInto"}, nil)
}

func (d DebuggerDomain) SetBreakpointByURL(ctx context.Context, params *SetBreakpointByURLParams) (*SetBreakpointByURLResult, error) {
	return invoke[SetBreakpointByURLResult](ctx, d.s, "Debugger.setBreakpointByUrl", params)
}

func (d DebuggerDomain) RemoveBreakpoint(ctx context.Context, id BreakpointID) error {
	return d.s.Invoke(ctx, "Debugger.removeBreakpoint", map[string]BreakpointID{"breakpointId": id}, nil)
}

func (d DebuggerDomain) EvaluateOnCallFrame(ctx context.Context, params *EvaluateOnCallFrameParams) (*EvaluateResult, error) {
	return invoke[EvaluateResult](ctx, d.s, "Debugger.evaluateOnCallFrame", params)
}

func (d DebuggerDomain) EvaluateOnCallFrameThen(ctx context.Context, params *EvaluateOnCallFrameParams, then func(*EvaluateResult) error) error {
	return invokeThen(ctx, d.s, "Debugger.evaluateOnCallFrame", params, then)
}

func (d DebuggerDomain) SetVariableValue(ctx context.Context, params *SetVariableValueParams) error {
	return d.s.Invoke(ctx, "Debugger.setVariableValue", params, nil)
}

func (d DebuggerDomain) GetScriptSource(ctx context.Context, scriptID ScriptID) (string, error) {
	var result struct {
		ScriptSource string `json:"scriptSource"`
	}
	if err := d.s.Invoke(ctx, "Debugger.getScriptSource", map[string]ScriptID{"scriptId": scriptID}, &result); err != nil {
		return "", err
	}
	return result.ScriptSource, nil
}

func (d DebuggerDomain) OnPaused(listener func(*PausedEvent)) *pubsub.Subscription[json.RawMessage] {
	return onEvent(d.s, "Debugger.paused", listener)
}

func (d DebuggerDomain) OnResumed(listener func(*struct{})) *pubsub.Subscription[json.RawMessage] {
	return onEvent(d.s, "Debugger.resumed", listener)
}

func (d DebuggerDomain) OnScriptParsed(listener func(*ScriptParsedEvent)) *pubsub.Subscription[json.RawMessage] {
	return onEvent(d.s, "Debugger.scriptParsed", listener)
}

func (d DebuggerDomain) OnBreakpointResolved(listener func(*BreakpointResolvedEvent)) *pubsub.Subscription[json.RawMessage] {
	return onEvent(d.s, "Debugger.breakpointResolved", listener)
}
