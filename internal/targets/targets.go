/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package targets defines the contracts between the binder and the launchers that produce debuggable targets.
package targets

import (
	"context"
	"errors"

	"github.com/microsoft/jsdap/internal/cdp"
	"github.com/microsoft/jsdap/internal/config"
	"github.com/microsoft/jsdap/internal/pubsub"
)

// ErrTargetGone is returned by Attach when the target went away before a session could be opened.
var ErrTargetGone = errors.New("target is gone")

// Target is one debuggable execution context: a process, a page, or a worker.
// Targets are created and destroyed by their Launcher; other components only reference them.
type Target interface {
	// ID is unique among the targets of one launcher.
	ID() string
	Name() string
	OnNameChanged(listener func(string)) *pubsub.Subscription[string]

	// WaitingForDebugger is true while the target is paused at entry, waiting for a debugger to attach.
	WaitingForDebugger() bool

	CanAttach() bool
	// Attach opens the back-protocol session used to debug the target.
	Attach(ctx context.Context) (*cdp.Session, error)

	CanDetach() bool
	Detach(ctx context.Context) error

	CanStop() bool
	Stop(ctx context.Context) error

	CanRestart() bool
	Restart(ctx context.Context) error

	// FileRoot and BaseURL map script URLs to local paths for this target.
	FileRoot() string
	BaseURL() string

	// StopOnEntry reports whether the IDE asked to stop at the first statement.
	StopOnEntry() bool
}

type LaunchResult struct {
	// BlockSessionTermination is true when the debug session must stay alive until the launcher terminates.
	BlockSessionTermination bool
}

// Launcher discovers or produces targets for one runtime family.
type Launcher interface {
	// Launch starts (or attaches to) the debuggee. A launcher that does not handle the given
	// parameters returns a zero LaunchResult and no error. The context bounds the launch itself,
	// not the lifetime of the debuggee.
	Launch(ctx context.Context, params *config.LaunchParams, origin string) (LaunchResult, error)
	Terminate(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Restart(ctx context.Context) error

	// Targets returns the current target list. It is safe to call from any goroutine.
	Targets() []Target
	OnTargetListChanged(listener func(struct{})) *pubsub.Subscription[struct{}]
	OnTerminated(listener func(struct{})) *pubsub.Subscription[struct{}]

	// Dispose releases launcher resources without waiting for the debuggee.
	Dispose()
}
