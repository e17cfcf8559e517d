/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package adapter

import (
	"context"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"

	"github.com/microsoft/jsdap/internal/cdp"
	jsdap "github.com/microsoft/jsdap/internal/dap"
	"github.com/microsoft/jsdap/pkg/pathutil"
)

type scriptKey struct {
	threadID int
	scriptID cdp.ScriptID
}

type scriptRef struct {
	thread   *Thread
	scriptID cdp.ScriptID
}

// Source is one logical source file. It is backed by a local file when the script URL maps to a path,
// and by script content fetched from the debuggee (a source reference) otherwise.
// Several scripts, possibly in different threads, may share one Source.
type Source struct {
	ref  int
	path pathutil.Path
	url  string
	name string

	scripts []scriptRef
}

func (s *Source) Path() pathutil.Path {
	return s.path
}

func (s *Source) URL() string {
	return s.url
}

// Reference returns the source reference, or 0 for sources backed by a local file.
func (s *Source) Reference() int {
	return s.ref
}

func (s *Source) ToDAP() dap.Source {
	if !s.path.IsEmpty() {
		return dap.Source{Name: s.name, Path: s.path.String()}
	}
	return dap.Source{Name: s.name, Path: s.url, SourceReference: s.ref}
}

// SourceContainer tracks the scripts parsed by every thread of one debug adapter and maps them to sources.
type SourceContainer struct {
	log       logr.Logger
	sendEvent func(dap.EventMessage)
	webRoot   string
	baseURL   string

	lock     sync.Mutex
	nextRef  int
	byRef    map[int]*Source
	byURL    map[string]*Source
	byPath   *pathutil.Map[*Source]
	byScript map[scriptKey]*Source
	ordered  []*Source
}

func newSourceContainer(log logr.Logger, sendEvent func(dap.EventMessage), webRoot, baseURL string) *SourceContainer {
	return &SourceContainer{
		log:       log,
		sendEvent: sendEvent,
		webRoot:   webRoot,
		baseURL:   baseURL,
		nextRef:   1,
		byRef:     make(map[int]*Source),
		byURL:     make(map[string]*Source),
		byPath:    pathutil.NewMap[*Source](),
		byScript:  make(map[scriptKey]*Source),
	}
}

// pathForURL maps a script URL to a local file, using the thread's web root and base URL when it has them.
func (sc *SourceContainer) pathForURL(url string, webRoot, baseURL string) (pathutil.Path, bool) {
	if p, isFileURL := pathutil.FromURL(url); isFileURL {
		return p, true
	}
	if pathutil.LooksLikePath(url) {
		return pathutil.New(url), true
	}

	if webRoot == "" {
		webRoot = sc.webRoot
	}
	if baseURL == "" {
		baseURL = sc.baseURL
	}
	if webRoot == "" || baseURL == "" || !strings.HasPrefix(url, baseURL) {
		return pathutil.Path{}, false
	}

	relative := strings.TrimPrefix(url, baseURL)
	if i := strings.IndexAny(relative, "?#"); i >= 0 {
		relative = relative[:i]
	}
	relative = strings.TrimPrefix(path.Clean("/"+relative), "/")
	if relative == "" {
		return pathutil.Path{}, false
	}
	return pathutil.New(filepath.Join(webRoot, filepath.FromSlash(relative))), true
}

func sourceName(url string, p pathutil.Path) string {
	if !p.IsEmpty() {
		return filepath.Base(p.String())
	}
	trimmed := url
	if i := strings.IndexAny(trimmed, "?#"); i >= 0 {
		trimmed = trimmed[:i]
	}
	if name := path.Base(trimmed); name != "." && name != "/" && name != "" {
		return name
	}
	return url
}

// AddScript records a parsed script and returns its source. Scripts without a URL (eval code) are not tracked.
func (sc *SourceContainer) AddScript(t *Thread, ev *cdp.ScriptParsedEvent) *Source {
	if ev.URL == "" {
		return nil
	}

	webRoot, baseURL := "", ""
	if t.delegate != nil {
		webRoot, baseURL = t.delegate.FileRoot(), t.delegate.BaseURL()
	}
	p, hasPath := sc.pathForURL(ev.URL, webRoot, baseURL)

	sc.lock.Lock()
	src, isNew := sc.sourceLocked(ev.URL, p, hasPath)
	key := scriptKey{threadID: t.id, scriptID: ev.ScriptID}
	if _, known := sc.byScript[key]; !known {
		sc.byScript[key] = src
		src.scripts = append(src.scripts, scriptRef{thread: t, scriptID: ev.ScriptID})
	}
	sc.lock.Unlock()

	if isNew {
		sc.sendEvent(&dap.LoadedSourceEvent{Body: dap.LoadedSourceEventBody{Reason: "new", Source: src.ToDAP()}})
	}
	return src
}

func (sc *SourceContainer) sourceLocked(url string, p pathutil.Path, hasPath bool) (*Source, bool) {
	if hasPath {
		if src, found := sc.byPath.Get(p); found {
			sc.byURL[url] = src
			return src, false
		}
	} else if src, found := sc.byURL[url]; found {
		return src, false
	}

	src := &Source{url: url, name: sourceName(url, p)}
	if hasPath {
		src.path = p
		sc.byPath.Set(p, src)
	} else {
		src.ref = sc.nextRef
		sc.nextRef++
		sc.byRef[src.ref] = src
	}
	sc.byURL[url] = src
	sc.ordered = append(sc.ordered, src)
	return src, true
}

// RemoveThread forgets the scripts of a thread. Sources left without scripts are reported as removed,
// except those backed by a local file, which the IDE may still hold breakpoints for.
func (sc *SourceContainer) RemoveThread(t *Thread) {
	var removed []*Source

	sc.lock.Lock()
	for key, src := range sc.byScript {
		if key.threadID != t.id {
			continue
		}
		delete(sc.byScript, key)
		src.scripts = slicesDeleteThread(src.scripts, t)
		if len(src.scripts) == 0 && src.path.IsEmpty() {
			delete(sc.byRef, src.ref)
			delete(sc.byURL, src.url)
			removed = append(removed, src)
		}
	}
	if len(removed) > 0 {
		kept := sc.ordered[:0]
		for _, src := range sc.ordered {
			if _, present := sc.byRef[src.ref]; src.path.IsEmpty() && !present {
				continue
			}
			kept = append(kept, src)
		}
		sc.ordered = kept
	}
	sc.lock.Unlock()

	for _, src := range removed {
		sc.sendEvent(&dap.LoadedSourceEvent{Body: dap.LoadedSourceEventBody{Reason: "removed", Source: src.ToDAP()}})
	}
}

func slicesDeleteThread(scripts []scriptRef, t *Thread) []scriptRef {
	kept := scripts[:0]
	for _, s := range scripts {
		if s.thread != t {
			kept = append(kept, s)
		}
	}
	return kept
}

// Lookup finds the source the IDE refers to, by reference or by path.
func (sc *SourceContainer) Lookup(s *dap.Source) *Source {
	if s == nil {
		return nil
	}
	sc.lock.Lock()
	defer sc.lock.Unlock()

	if s.SourceReference > 0 {
		return sc.byRef[s.SourceReference]
	}
	if s.Path == "" {
		return nil
	}
	if src, found := sc.byPath.Get(pathutil.New(s.Path)); found {
		return src
	}
	return sc.byURL[s.Path]
}

// SourceForScript returns the source of a script parsed by the thread.
func (sc *SourceContainer) SourceForScript(t *Thread, scriptID cdp.ScriptID) *Source {
	sc.lock.Lock()
	defer sc.lock.Unlock()
	return sc.byScript[scriptKey{threadID: t.id, scriptID: scriptID}]
}

// SourceForURL returns the source for a script URL, whether or not a thread has parsed it yet.
func (sc *SourceContainer) SourceForURL(t *Thread, url string) *Source {
	sc.lock.Lock()
	src, found := sc.byURL[url]
	sc.lock.Unlock()
	if found {
		return src
	}

	webRoot, baseURL := "", ""
	if t != nil && t.delegate != nil {
		webRoot, baseURL = t.delegate.FileRoot(), t.delegate.BaseURL()
	}
	p, hasPath := sc.pathForURL(url, webRoot, baseURL)
	if !hasPath {
		return nil
	}
	return &Source{url: url, path: p, name: sourceName(url, p)}
}

// CandidateURLs returns every URL under which the thread may load the given file: the file URL,
// the raw path, the URL under the thread's base URL, and any other URL already seen for the file.
func (sc *SourceContainer) CandidateURLs(t *Thread, p pathutil.Path) []string {
	candidates := []string{p.URL(), filepath.ToSlash(p.String())}
	if filepath.Separator != '/' {
		candidates = append(candidates, p.String())
	}

	webRoot, baseURL := sc.webRoot, sc.baseURL
	if t != nil && t.delegate != nil {
		if root := t.delegate.FileRoot(); root != "" {
			webRoot = root
		}
		if base := t.delegate.BaseURL(); base != "" {
			baseURL = base
		}
	}
	if webRoot != "" && baseURL != "" {
		if rel, err := filepath.Rel(webRoot, p.String()); err == nil && !strings.HasPrefix(rel, "..") {
			candidates = append(candidates, strings.TrimSuffix(baseURL, "/")+"/"+filepath.ToSlash(rel))
		}
	}

	sc.lock.Lock()
	for url, src := range sc.byURL {
		if src.path.Equal(p) {
			candidates = append(candidates, url)
		}
	}
	sc.lock.Unlock()

	slices.Sort(candidates)
	return slices.Compact(candidates)
}

func (sc *SourceContainer) LoadedSources() []dap.Source {
	sc.lock.Lock()
	defer sc.lock.Unlock()

	retval := make([]dap.Source, 0, len(sc.ordered))
	for _, src := range sc.ordered {
		retval = append(retval, src.ToDAP())
	}
	return retval
}

// Content returns the text of a source as the debuggee sees it.
func (sc *SourceContainer) Content(ctx context.Context, src *Source) (string, error) {
	sc.lock.Lock()
	scripts := append([]scriptRef(nil), src.scripts...)
	sc.lock.Unlock()

	var lastErr error = jsdap.ErrSourceNotFound
	for _, s := range scripts {
		content, err := s.thread.session.Debugger().GetScriptSource(ctx, s.scriptID)
		if err == nil {
			return content, nil
		}
		sc.log.V(1).Info("Could not fetch script source", "ScriptID", s.scriptID, "Error", err.Error())
		lastErr = jsdap.ErrSourceNotFound.WithCause(err)
	}
	return "", lastErr
}
