/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package adapter

import (
	"context"
	"sync"

	"github.com/google/go-dap"

	jsdap "github.com/microsoft/jsdap/internal/dap"
	"github.com/microsoft/jsdap/pkg/concurrency"
)

// The IDE has no request for opening a source at a location, so a reveal shows a synthetic
// thread paused at the location and waits until the IDE has fetched what it needs to display it.
const (
	revealThreadID   = 999999999
	revealThreadName = "Revealing source"
)

// UILocation is a 1-based position in a source.
type UILocation struct {
	Source *Source
	Line   int
	Column int
}

type pendingReveal struct {
	location UILocation
	frameID  int
	// Completed with true when the IDE confirms it has shown the location.
	job *concurrency.OneTimeJob[bool]
}

func (pr *pendingReveal) finish(confirmed bool) {
	if pr.job.TryTake() {
		pr.job.Complete(confirmed)
	}
}

type revealState struct {
	once sync.Once
	// One reveal at a time; the synthetic thread cannot show two locations.
	serial *concurrency.ContextAwareLock

	lock    sync.Mutex
	pending *pendingReveal
}

func (rs *revealState) serialLock() *concurrency.ContextAwareLock {
	rs.once.Do(func() { rs.serial = concurrency.NewContextAwareLock() })
	return rs.serial
}

// RevealLocation asks the IDE to show a location. It returns when the IDE has fetched the location's
// stack frame (sources backed by a local file) or the source content (other sources), or when ctx is done.
func (da *DebugAdapter) RevealLocation(ctx context.Context, loc UILocation) error {
	if loc.Source == nil {
		return jsdap.ErrSourceNotFound
	}
	serial := da.reveal.serialLock()
	if err := serial.Lock(ctx); err != nil {
		return err
	}
	defer serial.Unlock()

	pr := &pendingReveal{location: loc, frameID: da.ids.Next(), job: concurrency.NewOneTimeJob[bool]()}
	da.reveal.lock.Lock()
	da.reveal.pending = pr
	da.reveal.lock.Unlock()

	da.SendEvent(&dap.ThreadEvent{Body: dap.ThreadEventBody{Reason: "started", ThreadId: revealThreadID}})
	da.SendEvent(&dap.StoppedEvent{Body: dap.StoppedEventBody{
		Reason:      stopReasonGoto,
		Description: "Revealing location",
		ThreadId:    revealThreadID,
	}})

	var err error
	select {
	case <-pr.job.Done():
	case <-ctx.Done():
		err = ctx.Err()
		pr.finish(false)
	}

	da.reveal.lock.Lock()
	da.reveal.pending = nil
	da.reveal.lock.Unlock()

	da.SendEvent(&dap.ContinuedEvent{Body: dap.ContinuedEventBody{ThreadId: revealThreadID}})
	da.SendEvent(&dap.ThreadEvent{Body: dap.ThreadEventBody{Reason: "exited", ThreadId: revealThreadID}})

	// The IDE moved its focus to the synthetic thread; give it back to threads that are still paused.
	for _, t := range da.threadList() {
		t.resendStopped()
	}
	return err
}

func (da *DebugAdapter) pendingReveal() *pendingReveal {
	da.reveal.lock.Lock()
	defer da.reveal.lock.Unlock()
	return da.reveal.pending
}

func (da *DebugAdapter) revealActive() bool {
	return da.pendingReveal() != nil
}

func (da *DebugAdapter) isRevealFrame(frameID int) bool {
	pr := da.pendingReveal()
	return pr != nil && pr.frameID == frameID
}

func (da *DebugAdapter) revealStackTrace(args *dap.StackTraceArguments) (*dap.StackTraceResponseBody, error) {
	pr := da.pendingReveal()
	if pr == nil {
		return nil, jsdap.ErrThreadNotAvailable
	}
	if args.StartFrame > 0 {
		return &dap.StackTraceResponseBody{StackFrames: []dap.StackFrame{}, TotalFrames: 1}, nil
	}

	source := pr.location.Source.ToDAP()
	frame := dap.StackFrame{
		Id:     pr.frameID,
		Name:   "Revealing",
		Source: &source,
		Line:   pr.location.Line,
		Column: pr.location.Column,
	}
	if pr.location.Source.Reference() == 0 {
		pr.finish(true)
	}
	return &dap.StackTraceResponseBody{StackFrames: []dap.StackFrame{frame}, TotalFrames: 1}, nil
}

// confirmRevealSource completes a reveal of a source without a local file once the IDE fetches its content.
func (da *DebugAdapter) confirmRevealSource(src *Source) {
	if pr := da.pendingReveal(); pr != nil && pr.location.Source == src {
		pr.finish(true)
	}
}

func (da *DebugAdapter) completeReveal() {
	if pr := da.pendingReveal(); pr != nil {
		pr.finish(true)
	}
}

func (da *DebugAdapter) cancelReveal() {
	if pr := da.pendingReveal(); pr != nil {
		pr.finish(false)
	}
}
