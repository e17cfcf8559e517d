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

type RemoteObjectID string
type ScriptID string
type ExecutionContextID int

type RemoteObject struct {
	Type                string          `json:"type"`
	Subtype             string          `json:"subtype,omitempty"`
	ClassName           string          `json:"className,omitempty"`
	Value               json.RawMessage `json:"value,omitempty"`
	UnserializableValue string          `json:"unserializableValue,omitempty"`
	Description         string          `json:"description,omitempty"`
	ObjectID            RemoteObjectID  `json:"objectId,omitempty"`
	Preview             *ObjectPreview  `json:"preview,omitempty"`
}

type ObjectPreview struct {
	Type        string            `json:"type"`
	Subtype     string            `json:"subtype,omitempty"`
	Description string            `json:"description,omitempty"`
	Overflow    bool              `json:"overflow"`
	Properties  []PropertyPreview `json:"properties"`
	Entries     []EntryPreview    `json:"entries,omitempty"`
}

type PropertyPreview struct {
	Name         string         `json:"name"`
	Type         string         `json:"type"`
	Value        string         `json:"value,omitempty"`
	ValuePreview *ObjectPreview `json:"valuePreview,omitempty"`
	Subtype      string         `json:"subtype,omitempty"`
}

type EntryPreview struct {
	Key   *ObjectPreview `json:"key,omitempty"`
	Value ObjectPreview  `json:"value"`
}

type PropertyDescriptor struct {
	Name         string        `json:"name"`
	Value        *RemoteObject `json:"value,omitempty"`
	Writable     bool          `json:"writable,omitempty"`
	Get          *RemoteObject `json:"get,omitempty"`
	Set          *RemoteObject `json:"set,omitempty"`
	Configurable bool          `json:"configurable"`
	Enumerable   bool          `json:"enumerable"`
	WasThrown    bool          `json:"wasThrown,omitempty"`
	IsOwn        bool          `json:"isOwn,omitempty"`
	Symbol       *RemoteObject `json:"symbol,omitempty"`
}

type InternalPropertyDescriptor struct {
	Name  string        `json:"name"`
	Value *RemoteObject `json:"value,omitempty"`
}

type CallArgument struct {
	Value               json.RawMessage `json:"value,omitempty"`
	UnserializableValue string          `json:"unserializableValue,omitempty"`
	ObjectID            RemoteObjectID  `json:"objectId,omitempty"`
}

// CallArgumentFor returns the argument that passes the given remote object by reference or by value.
func CallArgumentFor(obj *RemoteObject) CallArgument {
	switch {
	case obj.ObjectID != "":
		return CallArgument{ObjectID: obj.ObjectID}
	case obj.UnserializableValue != "":
		return CallArgument{UnserializableValue: obj.UnserializableValue}
	case obj.Type == "undefined":
		return CallArgument{}
	default:
		return CallArgument{Value: obj.Value}
	}
}

type RuntimeCallFrame struct {
	FunctionName string   `json:"functionName"`
	ScriptID     ScriptID `json:"scriptId"`
	URL          string   `json:"url"`
	LineNumber   int      `json:"lineNumber"`
	ColumnNumber int      `json:"columnNumber"`
}

type StackTrace struct {
	Description string             `json:"description,omitempty"`
	CallFrames  []RuntimeCallFrame `json:"callFrames"`
	Parent      *StackTrace        `json:"parent,omitempty"`
}

type ExceptionDetails struct {
	ExceptionID  int           `json:"exceptionId"`
	Text         string        `json:"text"`
	LineNumber   int           `json:"lineNumber"`
	ColumnNumber int           `json:"columnNumber"`
	ScriptID     ScriptID      `json:"scriptId,omitempty"`
	URL          string        `json:"url,omitempty"`
	StackTrace   *StackTrace   `json:"stackTrace,omitempty"`
	Exception    *RemoteObject `json:"exception,omitempty"`
}

// Message returns the best available one-line description of the exception.
func (d *ExceptionDetails) Message() string {
	if d.Exception != nil && d.Exception.Description != "" {
		return d.Exception.Description
	}
	if d.Exception != nil && len(d.Exception.Value) > 0 {
		return string(d.Exception.Value)
	}
	return d.Text
}

type EvaluateParams struct {
	Expression            string             `json:"expression"`
	ObjectGroup           string             `json:"objectGroup,omitempty"`
	IncludeCommandLineAPI bool               `json:"includeCommandLineAPI,omitempty"`
	Silent                bool               `json:"silent,omitempty"`
	ContextID             ExecutionContextID `json:"contextId,omitempty"`
	ReturnByValue         bool               `json:"returnByValue,omitempty"`
	GeneratePreview       bool               `json:"generatePreview,omitempty"`
	AwaitPromise          bool               `json:"awaitPromise,omitempty"`
}

// EvaluateResult is shared by every command that evaluates code and returns a remote object.
type EvaluateResult struct {
	Result           RemoteObject      `json:"result"`
	ExceptionDetails *ExceptionDetails `json:"exceptionDetails,omitempty"`
}

type GetPropertiesParams struct {
	ObjectID               RemoteObjectID `json:"objectId"`
	OwnProperties          bool           `json:"ownProperties,omitempty"`
	AccessorPropertiesOnly bool           `json:"accessorPropertiesOnly,omitempty"`
	GeneratePreview        bool           `json:"generatePreview,omitempty"`
}

type GetPropertiesResult struct {
	Result             []PropertyDescriptor         `json:"result"`
	InternalProperties []InternalPropertyDescriptor `json:"internalProperties,omitempty"`
	ExceptionDetails   *ExceptionDetails            `json:"exceptionDetails,omitempty"`
}

type CallFunctionOnParams struct {
	FunctionDeclaration string         `json:"functionDeclaration"`
	ObjectID            RemoteObjectID `json:"objectId,omitempty"`
	Arguments           []CallArgument `json:"arguments,omitempty"`
	Silent              bool           `json:"silent,omitempty"`
	ReturnByValue       bool           `json:"returnByValue,omitempty"`
	GeneratePreview     bool           `json:"generatePreview,omitempty"`
	ObjectGroup         string         `json:"objectGroup,omitempty"`
}

type ConsoleAPICalledEvent struct {
	Type               string             `json:"type"`
	Args               []RemoteObject     `json:"args"`
	ExecutionContextID ExecutionContextID `json:"executionContextId"`
	Timestamp          float64            `json:"timestamp"`
	StackTrace         *StackTrace        `json:"stackTrace,omitempty"`
}

type ExceptionThrownEvent struct {
	Timestamp        float64          `json:"timestamp"`
	ExceptionDetails ExceptionDetails `json:"exceptionDetails"`
}

type InspectRequestedEvent struct {
	Object RemoteObject    `json:"object"`
	Hints  json.RawMessage `json:"hints,omitempty"`
}

type RuntimeDomain struct {
	s *Session
}

func (r RuntimeDomain) Enable(ctx context.Context) error {
	return r.s.Invoke(ctx, "Runtime.enable", nil, nil)
}

func (r RuntimeDomain) RunIfWaitingForDebugger(ctx context.Context) error {
	return r.s.Invoke(ctx, "Runtime.runIfWaitingForDebugger", nil, nil)
}

func (r RuntimeDomain) Evaluate(ctx context.Context, params *EvaluateParams) (*EvaluateResult, error) {
	return invoke[EvaluateResult](ctx, r.s, "Runtime.evaluate", params)
}

// EvaluateThen evaluates and hands the result to then before any later event of the session is delivered.
func (r RuntimeDomain) EvaluateThen(ctx context.Context, params *EvaluateParams, then func(*EvaluateResult) error) error {
	return invokeThen(ctx, r.s, "Runtime.evaluate", params, then)
}

func (r RuntimeDomain) GetProperties(ctx context.Context, params *GetPropertiesParams) (*GetPropertiesResult, error) {
	return invoke[GetPropertiesResult](ctx, r.s, "Runtime.getProperties", params)
}

func (r RuntimeDomain) CallFunctionOn(ctx context.Context, params *CallFunctionOnParams) (*EvaluateResult, error) {
	return invoke[EvaluateResult](ctx, r.s, "Runtime.callFunctionOn", params)
}

func (r RuntimeDomain) ReleaseObjectGroup(ctx context.Context, objectGroup string) error {
	return r.s.Invoke(ctx, "Runtime.releaseObjectGroup", map[string]string{"objectGroup": objectGroup}, nil)
}

func (r RuntimeDomain) GlobalLexicalScopeNames(ctx context.Context) ([]string, error) {
	var result struct {
		Names []string `json:"names"`
	}
	if err := r.s.Invoke(ctx, "Runtime.globalLexicalScopeNames", nil, &result); err != nil {
		return nil, err
	}
	return result.Names, nil
}

func (r RuntimeDomain) OnConsoleAPICalled(listener func(*ConsoleAPICalledEvent)) *pubsub.Subscription[json.RawMessage] {
	return onEvent(r.s, "Runtime.consoleAPICalled", listener)
}

func (r RuntimeDomain) OnExceptionThrown(listener func(*ExceptionThrownEvent)) *pubsub.Subscription[json.RawMessage] {
	return onEvent(r.s, "Runtime.exceptionThrown", listener)
}

func (r RuntimeDomain) OnInspectRequested(listener func(*InspectRequestedEvent)) *pubsub.Subscription[json.RawMessage] {
	return onEvent(r.s, "Runtime.inspectRequested", listener)
}

func (r RuntimeDomain) OnExecutionContextsCleared(listener func(*struct{})) *pubsub.Subscription[json.RawMessage] {
	return onEvent(r.s, "Runtime.executionContextsCleared", listener)
}
