/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package adapter

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"unicode"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"
	"golang.org/x/sync/errgroup"

	"github.com/microsoft/jsdap/internal/cdp"
	"github.com/microsoft/jsdap/pkg/concurrency"
	"github.com/microsoft/jsdap/pkg/pathutil"
)

// breakpointSpec is a breakpoint as the IDE declares it. Line and column are 1-based; column 0 means "any".
type breakpointSpec struct {
	line       int
	column     int
	condition  string
	logMessage string
}

// Breakpoint is one IDE breakpoint and the back-protocol breakpoints installed for it, one per thread.
type Breakpoint struct {
	id   int
	spec breakpointSpec

	// Guarded by the manager lock.
	cdpIDs   map[int]cdp.BreakpointID
	verified bool
	line     int
	column   int
	reported bool
}

func (bp *Breakpoint) toDAP(source dap.Source) dap.Breakpoint {
	retval := dap.Breakpoint{Id: bp.id, Verified: bp.verified, Source: &source, Line: bp.spec.line, Column: bp.spec.column}
	if bp.verified {
		retval.Line = bp.line
		retval.Column = bp.column
	}
	return retval
}

// sourceBreakpoints is the committed breakpoint set of one source.
type sourceBreakpoints struct {
	key    string
	source dap.Source
	path   pathutil.Path
	// Only for sources without a local file.
	url         string
	breakpoints []*Breakpoint
}

type threadBreakpoints struct {
	thread *Thread
	// Serializes reconciliation of this thread's back-protocol breakpoints.
	lock      *concurrency.ContextAwareLock
	installed map[string]map[*Breakpoint]cdp.BreakpointID
}

type cdpBreakpointKey struct {
	threadID int
	id       cdp.BreakpointID
}

// BreakpointManager materializes the IDE's source breakpoints in every thread and gates
// the debuggee's execution until they are installed.
type BreakpointManager struct {
	log       logr.Logger
	sendEvent func(dap.EventMessage)
	sources   *SourceContainer

	// Holds are taken for every setBreakpoints request and every thread replay in progress.
	blocker *concurrency.HoldGroup

	lock    sync.Mutex
	nextID  int
	sets    []*sourceBreakpoints
	threads map[int]*threadBreakpoints
	byCDPID map[cdpBreakpointKey]*Breakpoint
}

func newBreakpointManager(log logr.Logger, sendEvent func(dap.EventMessage), sources *SourceContainer) *BreakpointManager {
	return &BreakpointManager{
		log:       log,
		sendEvent: sendEvent,
		sources:   sources,
		blocker:   concurrency.NewHoldGroup(),
		nextID:    1,
		threads:   make(map[int]*threadBreakpoints),
		byCDPID:   make(map[cdpBreakpointKey]*Breakpoint),
	}
}

// Hold delays LaunchBlocker until the returned function is called.
func (bm *BreakpointManager) Hold() func() {
	return bm.blocker.Hold()
}

// LaunchBlocker waits until every breakpoint declared so far is installed in every thread known so far.
func (bm *BreakpointManager) LaunchBlocker(ctx context.Context) error {
	return bm.blocker.Wait(ctx)
}

func sourceKey(src *dap.Source, known *Source) (key string, p pathutil.Path, url string, ok bool) {
	if src.SourceReference > 0 {
		if known == nil {
			return "", pathutil.Path{}, "", false
		}
		if !known.Path().IsEmpty() {
			return "path:" + known.Path().Key(), known.Path(), "", true
		}
		return "url:" + known.URL(), pathutil.Path{}, known.URL(), true
	}
	if src.Path == "" {
		return "", pathutil.Path{}, "", false
	}
	if known != nil && known.Path().IsEmpty() {
		return "url:" + known.URL(), pathutil.Path{}, known.URL(), true
	}
	p = pathutil.New(src.Path)
	return "path:" + p.Key(), p, "", true
}

// SetBreakpoints replaces the breakpoints of one source and installs them in every thread.
func (bm *BreakpointManager) SetBreakpoints(ctx context.Context, args *dap.SetBreakpointsArguments) ([]dap.Breakpoint, error) {
	release := bm.blocker.Hold()
	defer release()

	specs := make([]breakpointSpec, 0, len(args.Breakpoints))
	for _, b := range args.Breakpoints {
		specs = append(specs, breakpointSpec{line: b.Line, column: b.Column, condition: b.Condition, logMessage: b.LogMessage})
	}
	if len(specs) == 0 && len(args.Lines) > 0 {
		for _, line := range args.Lines {
			specs = append(specs, breakpointSpec{line: line})
		}
	}

	key, p, url, ok := sourceKey(&args.Source, bm.sources.Lookup(&args.Source))
	if !ok {
		retval := make([]dap.Breakpoint, 0, len(specs))
		for _, spec := range specs {
			retval = append(retval, dap.Breakpoint{Verified: false, Line: spec.line, Message: "Source not found"})
		}
		return retval, nil
	}

	bm.lock.Lock()
	var set *sourceBreakpoints
	for _, s := range bm.sets {
		if s.key == key {
			set = s
			break
		}
	}
	if set == nil {
		set = &sourceBreakpoints{key: key, path: p, url: url}
		bm.sets = append(bm.sets, set)
	}
	set.source = args.Source

	existing := set.breakpoints
	set.breakpoints = make([]*Breakpoint, 0, len(specs))
	for _, spec := range specs {
		var bp *Breakpoint
		for i, old := range existing {
			if old != nil && old.spec == spec {
				bp = old
				existing[i] = nil
				break
			}
		}
		if bp == nil {
			bp = &Breakpoint{id: bm.nextID, spec: spec, cdpIDs: make(map[int]cdp.BreakpointID)}
			bm.nextID++
		}
		set.breakpoints = append(set.breakpoints, bp)
	}
	threads := bm.threadListLocked()
	bm.lock.Unlock()

	eg, egCtx := errgroup.WithContext(ctx)
	for _, tb := range threads {
		tb := tb
		eg.Go(func() error {
			bm.reconcile(egCtx, tb, set)
			return nil
		})
	}
	_ = eg.Wait()

	bm.lock.Lock()
	defer bm.lock.Unlock()
	retval := make([]dap.Breakpoint, 0, len(set.breakpoints))
	for _, bp := range set.breakpoints {
		bp.reported = true
		retval = append(retval, bp.toDAP(set.source))
	}
	return retval, nil
}

func (bm *BreakpointManager) threadListLocked() []*threadBreakpoints {
	retval := make([]*threadBreakpoints, 0, len(bm.threads))
	for _, tb := range bm.threads {
		retval = append(retval, tb)
	}
	return retval
}

// AddThread replays every committed breakpoint set, in the order the sets were first declared, to a new thread.
// Callers take a Hold before the thread can run and release it after AddThread returns.
func (bm *BreakpointManager) AddThread(ctx context.Context, t *Thread) {
	tb := &threadBreakpoints{
		thread:    t,
		lock:      concurrency.NewContextAwareLock(),
		installed: make(map[string]map[*Breakpoint]cdp.BreakpointID),
	}

	bm.lock.Lock()
	bm.threads[t.id] = tb
	sets := append([]*sourceBreakpoints(nil), bm.sets...)
	bm.lock.Unlock()

	for _, set := range sets {
		if ctx.Err() != nil {
			return
		}
		bm.reconcile(ctx, tb, set)
	}
}

// RemoveThread forgets the back-protocol breakpoints of a disposed thread.
func (bm *BreakpointManager) RemoveThread(t *Thread) {
	bm.lock.Lock()
	defer bm.lock.Unlock()

	tb, found := bm.threads[t.id]
	if !found {
		return
	}
	delete(bm.threads, t.id)
	for _, installed := range tb.installed {
		for bp, id := range installed {
			delete(bp.cdpIDs, t.id)
			delete(bm.byCDPID, cdpBreakpointKey{threadID: t.id, id: id})
		}
	}
}

// reconcile makes the thread's back-protocol breakpoints for one source match the committed set.
func (bm *BreakpointManager) reconcile(ctx context.Context, tb *threadBreakpoints, set *sourceBreakpoints) {
	if err := tb.lock.Lock(ctx); err != nil {
		return
	}
	defer tb.lock.Unlock()

	t := tb.thread
	debugger := t.session.Debugger()

	bm.lock.Lock()
	if _, stillAttached := bm.threads[t.id]; !stillAttached {
		bm.lock.Unlock()
		return
	}
	desired := append([]*Breakpoint(nil), set.breakpoints...)
	installed := tb.installed[set.key]
	if installed == nil {
		installed = make(map[*Breakpoint]cdp.BreakpointID)
		tb.installed[set.key] = installed
	}
	var stale []*Breakpoint
	for bp := range installed {
		if !containsBreakpoint(desired, bp) {
			stale = append(stale, bp)
		}
	}
	bm.lock.Unlock()

	for _, bp := range stale {
		bm.lock.Lock()
		id := installed[bp]
		delete(installed, bp)
		delete(bp.cdpIDs, t.id)
		delete(bm.byCDPID, cdpBreakpointKey{threadID: t.id, id: id})
		bm.lock.Unlock()

		if err := debugger.RemoveBreakpoint(ctx, id); err != nil {
			bm.log.V(1).Info("Could not remove breakpoint", "ThreadID", t.id, "BreakpointID", id, "Error", err.Error())
		}
	}

	var urlRegex string
	if !set.path.IsEmpty() {
		urlRegex = urlRegexFor(bm.sources.CandidateURLs(t, set.path))
	}

	for _, bp := range desired {
		bm.lock.Lock()
		_, done := installed[bp]
		bm.lock.Unlock()
		if done {
			continue
		}

		params := &cdp.SetBreakpointByURLParams{
			LineNumber: bp.spec.line - 1,
			Condition:  breakpointCondition(bp.spec),
		}
		if urlRegex != "" {
			params.URLRegex = urlRegex
		} else {
			params.URL = set.url
		}
		if bp.spec.column > 0 {
			column := bp.spec.column - 1
			params.ColumnNumber = &column
		}

		result, err := debugger.SetBreakpointByURL(ctx, params)
		if err != nil {
			bm.log.V(1).Info("Could not set breakpoint", "ThreadID", t.id, "Line", bp.spec.line, "Error", err.Error())
			if ctx.Err() != nil || cdp.IsTargetClosed(err) {
				return
			}
			continue
		}

		bm.lock.Lock()
		installed[bp] = result.BreakpointID
		bp.cdpIDs[t.id] = result.BreakpointID
		bm.byCDPID[cdpBreakpointKey{threadID: t.id, id: result.BreakpointID}] = bp
		bm.lock.Unlock()

		if len(result.Locations) > 0 {
			bm.setVerified(bp, set, result.Locations[0])
		}
	}
}

func containsBreakpoint(list []*Breakpoint, bp *Breakpoint) bool {
	for _, b := range list {
		if b == bp {
			return true
		}
	}
	return false
}

// OnBreakpointResolved marks the IDE breakpoint behind a back-protocol breakpoint as verified.
func (bm *BreakpointManager) OnBreakpointResolved(t *Thread, ev *cdp.BreakpointResolvedEvent) {
	bm.lock.Lock()
	bp := bm.byCDPID[cdpBreakpointKey{threadID: t.id, id: ev.BreakpointID}]
	var set *sourceBreakpoints
	if bp != nil {
		set = bm.setOfLocked(bp)
	}
	bm.lock.Unlock()

	if bp != nil && set != nil {
		bm.setVerified(bp, set, ev.Location)
	}
}

func (bm *BreakpointManager) setOfLocked(bp *Breakpoint) *sourceBreakpoints {
	for _, set := range bm.sets {
		if containsBreakpoint(set.breakpoints, bp) {
			return set
		}
	}
	return nil
}

func (bm *BreakpointManager) setVerified(bp *Breakpoint, set *sourceBreakpoints, loc cdp.Location) {
	bm.lock.Lock()
	if bp.verified {
		bm.lock.Unlock()
		return
	}
	bp.verified = true
	bp.line = loc.LineNumber + 1
	bp.column = loc.ColumnNumber + 1
	notify := bp.reported
	body := bp.toDAP(set.source)
	bm.lock.Unlock()

	if notify {
		bm.sendEvent(&dap.BreakpointEvent{Body: dap.BreakpointEventBody{Reason: "changed", Breakpoint: body}})
	}
}

// HitBreakpointIDs translates the back-protocol breakpoints reported by a pause into IDE breakpoint ids.
func (bm *BreakpointManager) HitBreakpointIDs(t *Thread, ids []cdp.BreakpointID) []int {
	bm.lock.Lock()
	defer bm.lock.Unlock()

	var retval []int
	for _, id := range ids {
		if bp, found := bm.byCDPID[cdpBreakpointKey{threadID: t.id, id: id}]; found {
			retval = append(retval, bp.id)
		}
	}
	return retval
}

// urlRegexFor matches any of the given URLs exactly. On platforms with case-insensitive file systems
// letters match in either case.
func urlRegexFor(urls []string) string {
	alternatives := make([]string, 0, len(urls))
	for _, u := range urls {
		quoted := regexp.QuoteMeta(u)
		if pathutil.IsCaseInsensitive() {
			quoted = caseInsensitivePattern(quoted)
		}
		alternatives = append(alternatives, quoted)
	}
	return "^(" + strings.Join(alternatives, "|") + ")$"
}

// caseInsensitivePattern spells each letter as a character class; the back end's regex dialect has no inline flags.
func caseInsensitivePattern(pattern string) string {
	var b strings.Builder
	for _, r := range pattern {
		lower, upper := unicode.ToLower(r), unicode.ToUpper(r)
		if lower == upper {
			b.WriteRune(r)
			continue
		}
		b.WriteByte('[')
		b.WriteRune(lower)
		b.WriteRune(upper)
		b.WriteByte(']')
	}
	return b.String()
}

// breakpointCondition turns a log message into a condition that prints and never pauses.
func breakpointCondition(spec breakpointSpec) string {
	if spec.logMessage == "" {
		return spec.condition
	}
	logExpr := "console.log(" + logMessageTemplate(spec.logMessage) + ")"
	if spec.condition == "" {
		return "(" + logExpr + ", false)"
	}
	return "(" + spec.condition + ") && (" + logExpr + ", false)"
}

// logMessageTemplate converts "x is {x}" into the template literal `x is ${x}`.
func logMessageTemplate(message string) string {
	var b strings.Builder
	b.WriteByte('`')
	depth := 0
	for _, r := range message {
		switch {
		case r == '{':
			if depth == 0 {
				b.WriteString("${")
			} else {
				b.WriteRune(r)
			}
			depth++
		case r == '}' && depth > 0:
			depth--
			b.WriteRune(r)
		case depth == 0 && (r == '`' || r == '\\' || r == '$'):
			b.WriteByte('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	for ; depth > 0; depth-- {
		b.WriteByte('}')
	}
	b.WriteByte('`')
	return b.String()
}
