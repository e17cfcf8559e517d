/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package node

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/microsoft/jsdap/internal/cdp"
	"github.com/microsoft/jsdap/internal/config"
	"github.com/microsoft/jsdap/internal/pubsub"
	"github.com/microsoft/jsdap/internal/targets"
)

// Target is the main context of a launched program. It waits for the debugger at the first statement.
type Target struct {
	launcher    *Launcher
	program     *program
	name        string
	fileRoot    string
	stopOnEntry bool
	nameChanged *pubsub.SubscriptionSet[string]

	lock     sync.Mutex
	attached bool
}

func newTarget(l *Launcher, p *program, params *config.LaunchParams) *Target {
	fileRoot := params.Cwd
	if fileRoot == "" {
		fileRoot = filepath.Dir(params.Program)
	}
	return &Target{
		launcher:    l,
		program:     p,
		name:        fmt.Sprintf("%s [%d]", filepath.Base(params.Program), p.cmd.Process.Pid),
		fileRoot:    fileRoot,
		stopOnEntry: params.StopOnEntry,
		nameChanged: pubsub.NewSubscriptionSet[string](),
	}
}

func (t *Target) ID() string {
	return strconv.Itoa(t.program.cmd.Process.Pid)
}

func (t *Target) Name() string {
	return t.name
}

// OnNameChanged never fires: a process keeps its name.
func (t *Target) OnNameChanged(listener func(string)) *pubsub.Subscription[string] {
	return t.nameChanged.Subscribe(listener)
}

func (t *Target) WaitingForDebugger() bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return !t.attached
}

func (t *Target) CanAttach() bool {
	return t.WaitingForDebugger()
}

func (t *Target) Attach(_ context.Context) (*cdp.Session, error) {
	select {
	case <-t.program.conn.Done():
		return nil, targets.ErrTargetGone
	default:
	}

	t.lock.Lock()
	defer t.lock.Unlock()
	t.attached = true
	return t.program.conn.RootSession(), nil
}

func (t *Target) CanDetach() bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.attached
}

// Detach closes the inspector connection. The program keeps running.
func (t *Target) Detach(_ context.Context) error {
	return t.program.conn.Close()
}

func (t *Target) CanStop() bool {
	return true
}

func (t *Target) Stop(ctx context.Context) error {
	return t.launcher.Terminate(ctx)
}

func (t *Target) CanRestart() bool {
	return true
}

func (t *Target) Restart(ctx context.Context) error {
	return t.launcher.Restart(ctx)
}

func (t *Target) FileRoot() string {
	return t.fileRoot
}

func (t *Target) BaseURL() string {
	return ""
}

func (t *Target) StopOnEntry() bool {
	return t.stopOnEntry
}

var _ targets.Target = (*Target)(nil)
