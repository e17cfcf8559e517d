/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package attach

import (
	"context"
	"errors"
	"sync"

	"github.com/microsoft/jsdap/internal/cdp"
	"github.com/microsoft/jsdap/internal/config"
	"github.com/microsoft/jsdap/internal/pubsub"
	"github.com/microsoft/jsdap/internal/targets"
)

var errRestartNotSupported = errors.New("an attached target cannot be restarted")

// Target is a process, page, or worker reached through an inspector endpoint.
// The root target of a single-target endpoint has no session ID.
type Target struct {
	conn        *cdp.Connection
	sessionID   string
	params      *config.LaunchParams
	nameChanged *pubsub.SubscriptionSet[string]

	lock     sync.Mutex
	info     cdp.TargetInfo
	attached bool
	gone     bool
}

func newTarget(conn *cdp.Connection, sessionID string, info cdp.TargetInfo, params *config.LaunchParams) *Target {
	return &Target{
		conn:        conn,
		sessionID:   sessionID,
		params:      params,
		info:        info,
		nameChanged: pubsub.NewSubscriptionSet[string](),
	}
}

func (t *Target) ID() string {
	t.lock.Lock()
	defer t.lock.Unlock()
	return string(t.info.TargetID)
}

func (t *Target) Name() string {
	t.lock.Lock()
	defer t.lock.Unlock()
	return nameOf(t.info)
}

func nameOf(info cdp.TargetInfo) string {
	if info.Title != "" {
		return info.Title
	}
	if info.URL != "" {
		return info.URL
	}
	return info.Type
}

func (t *Target) OnNameChanged(listener func(string)) *pubsub.Subscription[string] {
	return t.nameChanged.Subscribe(listener)
}

// updateInfo records new target information and reports a name change, if any.
func (t *Target) updateInfo(info cdp.TargetInfo) {
	t.lock.Lock()
	oldName := nameOf(t.info)
	t.info = info
	newName := nameOf(info)
	t.lock.Unlock()

	if newName != oldName {
		t.nameChanged.Notify(newName)
	}
}

func (t *Target) markGone() {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.gone = true
}

func (t *Target) WaitingForDebugger() bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return !t.attached && !t.gone
}

func (t *Target) CanAttach() bool {
	return t.WaitingForDebugger()
}

func (t *Target) Attach(_ context.Context) (*cdp.Session, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.gone {
		return nil, targets.ErrTargetGone
	}

	var session *cdp.Session
	if t.sessionID == "" {
		session = t.conn.RootSession()
	} else {
		session = t.conn.Session(t.sessionID)
	}
	if session == nil || session.Closed() {
		return nil, targets.ErrTargetGone
	}
	t.attached = true
	return session, nil
}

func (t *Target) CanDetach() bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.attached && t.sessionID != ""
}

func (t *Target) Detach(ctx context.Context) error {
	return t.conn.RootSession().Target().DetachFromTarget(ctx, t.sessionID)
}

// CanStop is true for pages: closing a page ends it. Other targets are left running.
func (t *Target) CanStop() bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.sessionID != "" && t.info.Type == "page"
}

func (t *Target) Stop(ctx context.Context) error {
	return t.conn.RootSession().Target().CloseTarget(ctx, cdp.TargetID(t.ID()))
}

func (t *Target) CanRestart() bool {
	return false
}

func (t *Target) Restart(_ context.Context) error {
	return errRestartNotSupported
}

func (t *Target) FileRoot() string {
	if t.params.WebRoot != "" {
		return t.params.WebRoot
	}
	return t.params.Cwd
}

func (t *Target) BaseURL() string {
	return t.params.BaseURL
}

func (t *Target) StopOnEntry() bool {
	return t.params.StopOnEntry
}

var _ targets.Target = (*Target)(nil)
