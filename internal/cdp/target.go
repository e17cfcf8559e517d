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

type TargetID string

type TargetInfo struct {
	TargetID         TargetID `json:"targetId"`
	Type             string   `json:"type"`
	Title            string   `json:"title"`
	URL              string   `json:"url"`
	Attached         bool     `json:"attached"`
	OpenerID         TargetID `json:"openerId,omitempty"`
	BrowserContextID string   `json:"browserContextId,omitempty"`
}

type AttachedToTargetEvent struct {
	SessionID          string     `json:"sessionId"`
	TargetInfo         TargetInfo `json:"targetInfo"`
	WaitingForDebugger bool       `json:"waitingForDebugger"`
}

type DetachedFromTargetEvent struct {
	SessionID string   `json:"sessionId"`
	TargetID  TargetID `json:"targetId,omitempty"`
}

type TargetInfoEvent struct {
	TargetInfo TargetInfo `json:"targetInfo"`
}

type TargetDestroyedEvent struct {
	TargetID TargetID `json:"targetId"`
}

type SetAutoAttachParams struct {
	AutoAttach             bool `json:"autoAttach"`
	WaitForDebuggerOnStart bool `json:"waitForDebuggerOnStart"`
	Flatten                bool `json:"flatten"`
}

type TargetDomain struct {
	s *Session
}

func (t TargetDomain) SetDiscoverTargets(ctx context.Context, discover bool) error {
	return t.s.Invoke(ctx, "Target.setDiscoverTargets", map[string]bool{"discover": discover}, nil)
}

func (t TargetDomain) SetAutoAttach(ctx context.Context, params *SetAutoAttachParams) error {
	return t.s.Invoke(ctx, "Target.setAutoAttach", params, nil)
}

// AttachToTarget attaches in flat mode and returns the new session ID.
func (t TargetDomain) AttachToTarget(ctx context.Context, targetID TargetID) (string, error) {
	var result struct {
		SessionID string `json:"sessionId"`
	}
	params := map[string]any{"targetId": targetID, "flatten": true}
	if err := t.s.Invoke(ctx, "Target.attachToTarget", params, &result); err != nil {
		return "", err
	}
	return result.SessionID, nil
}

func (t TargetDomain) DetachFromTarget(ctx context.Context, sessionID string) error {
	return t.s.Invoke(ctx, "Target.detachFromTarget", map[string]string{"sessionId": sessionID}, nil)
}

func (t TargetDomain) CloseTarget(ctx context.Context, targetID TargetID) error {
	return t.s.Invoke(ctx, "Target.closeTarget", map[string]TargetID{"targetId": targetID}, nil)
}

func (t TargetDomain) OnAttachedToTarget(listener func(*AttachedToTargetEvent)) *pubsub.Subscription[json.RawMessage] {
	return onEvent(t.s, methodAttachedToTarget, listener)
}

func (t TargetDomain) OnDetachedFromTarget(listener func(*DetachedFromTargetEvent)) *pubsub.Subscription[json.RawMessage] {
	return onEvent(t.s, methodDetachedFromTarget, listener)
}

func (t TargetDomain) OnTargetCreated(listener func(*TargetInfoEvent)) *pubsub.Subscription[json.RawMessage] {
	return onEvent(t.s, "Target.targetCreated", listener)
}

func (t TargetDomain) OnTargetInfoChanged(listener func(*TargetInfoEvent)) *pubsub.Subscription[json.RawMessage] {
	return onEvent(t.s, "Target.targetInfoChanged", listener)
}

func (t TargetDomain) OnTargetDestroyed(listener func(*TargetDestroyedEvent)) *pubsub.Subscription[json.RawMessage] {
	return onEvent(t.s, "Target.targetDestroyed", listener)
}

type DOMDebuggerDomain struct {
	s *Session
}

func (d DOMDebuggerDomain) SetEventListenerBreakpoint(ctx context.Context, eventName string) error {
	return d.s.Invoke(ctx, "DOMDebugger.setEventListenerBreakpoint", map[string]string{"eventName": eventName}, nil)
}

func (d DOMDebuggerDomain) RemoveEventListenerBreakpoint(ctx context.Context, eventName string) error {
	return d.s.Invoke(ctx, "DOMDebugger.removeEventListenerBreakpoint", map[string]string{"eventName": eventName}, nil)
}

func (d DOMDebuggerDomain) SetInstrumentationBreakpoint(ctx context.Context, eventName string) error {
	return d.s.Invoke(ctx, "DOMDebugger.setInstrumentationBreakpoint", map[string]string{"eventName": eventName}, nil)
}

func (d DOMDebuggerDomain) RemoveInstrumentationBreakpoint(ctx context.Context, eventName string) error {
	return d.s.Invoke(ctx, "DOMDebugger.removeInstrumentationBreakpoint", map[string]string{"eventName": eventName}, nil)
}
