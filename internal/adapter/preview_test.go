/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package adapter

import (
	"encoding/json"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microsoft/jsdap/internal/cdp"
	"github.com/microsoft/jsdap/pkg/pathutil"
)

func TestPreviewRemoteObject(t *testing.T) {
	t.Parallel()

	arrayPreview := &cdp.ObjectPreview{
		Type:        "object",
		Subtype:     "array",
		Description: "Array(3)",
		Properties: []cdp.PropertyPreview{
			{Name: "0", Type: "number", Value: "1"},
			{Name: "1", Type: "number", Value: "2"},
			{Name: "2", Type: "number", Value: "3"},
		},
	}
	objectPreview := &cdp.ObjectPreview{
		Type:        "object",
		Description: "Object",
		Properties: []cdp.PropertyPreview{
			{Name: "name", Type: "string", Value: "cart"},
			{Name: "items", Type: "object", Subtype: "array", ValuePreview: &cdp.ObjectPreview{Subtype: "array", Description: "Array(2)"}},
			{Name: "nothing", Type: "object", Subtype: "null", Value: "null"},
		},
		Overflow: true,
	}

	testCases := []struct {
		name     string
		obj      cdp.RemoteObject
		pc       previewContext
		expected string
	}{
		{"undefined", cdp.RemoteObject{Type: "undefined"}, previewVariables, "undefined"},
		{"quoted string", stringObject("hi"), previewVariables, `"hi"`},
		{"output string", stringObject("hi"), previewOutput, "hi"},
		{"number", *numberObject(7), previewVariables, "7"},
		{"unserializable", cdp.RemoteObject{Type: "number", UnserializableValue: "-Infinity"}, previewVariables, "-Infinity"},
		{"null", cdp.RemoteObject{Type: "object", Subtype: "null"}, previewVariables, "null"},
		{"function", cdp.RemoteObject{Type: "function", Description: "function add(a, b) { return a + b; }"}, previewVariables, "ƒ add(a, b)"},
		{"class", cdp.RemoteObject{Type: "function", Description: "class Cart { }"}, previewVariables, "class Cart { }"},
		{"error", cdp.RemoteObject{Type: "object", Subtype: "error", Description: "Error: boom\n    at f"}, previewVariables, "Error: boom"},
		{"array", cdp.RemoteObject{Type: "object", Subtype: "array", Preview: arrayPreview}, previewVariables, "Array(3) [1, 2, 3]"},
		{"object", cdp.RemoteObject{Type: "object", Preview: objectPreview}, previewVariables, `{name: "cart", items: Array(2), nothing: null, …}`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.expected, previewRemoteObject(&tc.obj, tc.pc))
		})
	}
}

func TestPreviewRespectsBudget(t *testing.T) {
	t.Parallel()

	long := stringObject(strings.Repeat("x", 500))
	preview := previewRemoteObject(&long, previewVariables)
	assert.Equal(t, maxVariablePreviewLength, len([]rune(preview)))
	assert.True(t, strings.HasSuffix(preview, "…"))

	hover := previewRemoteObject(&long, previewHover)
	assert.Equal(t, 502, len([]rune(hover)))
}

func TestFormatConsoleMessage(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		args     []cdp.RemoteObject
		expected string
	}{
		{"no arguments", nil, ""},
		{"plain", []cdp.RemoteObject{stringObject("hello"), *numberObject(1)}, "hello 1"},
		{"substitutions", []cdp.RemoteObject{stringObject("%s=%i"), stringObject("x"), *numberObject(4)}, "x=4"},
		{"css dropped", []cdp.RemoteObject{stringObject("%cred"), stringObject("color: red")}, "red"},
		{"missing argument", []cdp.RemoteObject{stringObject("%d%%")}, "%d%"},
		{"not a number", []cdp.RemoteObject{stringObject("%d"), stringObject("x")}, "NaN"},
		{"extra arguments", []cdp.RemoteObject{stringObject("%s"), stringObject("a"), stringObject("b")}, "a b"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.expected, formatConsoleMessage(tc.args))
		})
	}
}

func TestWrapObjectLiteral(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "({a: 1})", wrapObjectLiteral(" {a: 1} "))
	assert.Equal(t, "a + 1", wrapObjectLiteral("a + 1"))
}

func TestLogPointCondition(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "x > 1", breakpointCondition(breakpointSpec{condition: "x > 1"}))
	assert.Equal(t, "(console.log(`x is ${x}`), false)", breakpointCondition(breakpointSpec{logMessage: "x is {x}"}))
	assert.Equal(t,
		"(ok) && (console.log(`${a.b} costs \\$5 in \\`cash\\``), false)",
		breakpointCondition(breakpointSpec{condition: "ok", logMessage: "{a.b} costs $5 in `cash`"}))
	assert.Equal(t, "`${{a: 1}.a}`", logMessageTemplate("{{a: 1}.a}"))
}

func TestURLRegexMatchesOnlyListedURLs(t *testing.T) {
	t.Parallel()

	pattern := urlRegexFor([]string{"file:///app/main.js", "http://localhost:8080/main.js?v=1"})
	re := regexp.MustCompile(pattern)
	assert.True(t, re.MatchString("file:///app/main.js"))
	assert.True(t, re.MatchString("http://localhost:8080/main.js?v=1"))
	assert.False(t, re.MatchString("file:///app/main.jsx"))
	assert.False(t, re.MatchString("file:///app/mainXjs"))
	assert.Equal(t, pathutil.IsCaseInsensitive(), re.MatchString("FILE:///APP/MAIN.JS"))
}

func TestCaseInsensitivePattern(t *testing.T) {
	t.Parallel()

	assert.Equal(t, `[aA]/[bB]\.[jJ][sS]`, caseInsensitivePattern(`a/B\.js`))
}

func TestSourceMapping(t *testing.T) {
	t.Parallel()

	webRoot := filepath.Join(t.TempDir(), "www")
	var events []dap.EventMessage
	sc := newSourceContainer(logr.Discard(), func(ev dap.EventMessage) { events = append(events, ev) }, webRoot, "http://localhost:8080/")

	p, found := sc.pathForURL("http://localhost:8080/js/app.js?v=2", "", "")
	require.True(t, found)
	assert.True(t, p.Equal(pathutil.New(filepath.Join(webRoot, "js", "app.js"))))

	_, found = sc.pathForURL("https://cdn.example.com/lib.js", "", "")
	assert.False(t, found)

	// Paths cannot climb out of the web root.
	p, found = sc.pathForURL("http://localhost:8080/../../etc/passwd", "", "")
	require.True(t, found)
	assert.True(t, p.Equal(pathutil.New(filepath.Join(webRoot, "etc", "passwd"))))

	thread := &Thread{id: 1}
	local := sc.AddScript(thread, &cdp.ScriptParsedEvent{ScriptID: "1", URL: "http://localhost:8080/js/app.js"})
	remote := sc.AddScript(thread, &cdp.ScriptParsedEvent{ScriptID: "2", URL: "https://cdn.example.com/lib.js"})
	assert.Nil(t, sc.AddScript(thread, &cdp.ScriptParsedEvent{ScriptID: "3"}))
	require.NotNil(t, local)
	require.NotNil(t, remote)
	assert.Zero(t, local.Reference())
	assert.NotZero(t, remote.Reference())
	assert.Len(t, events, 2)

	// The same file loaded again under another URL is the same source.
	again := sc.AddScript(thread, &cdp.ScriptParsedEvent{ScriptID: "4", URL: pathutil.New(filepath.Join(webRoot, "js", "app.js")).URL()})
	assert.Same(t, local, again)
	assert.Len(t, events, 2)

	candidates := sc.CandidateURLs(thread, local.Path())
	assert.Contains(t, candidates, "http://localhost:8080/js/app.js")
	assert.Contains(t, candidates, local.Path().URL())

	assert.Same(t, remote, sc.Lookup(&dap.Source{SourceReference: remote.Reference()}))
	assert.Same(t, local, sc.Lookup(&dap.Source{Path: local.Path().String()}))

	sc.RemoveThread(thread)
	require.Len(t, events, 3)
	removed := events[2].(*dap.LoadedSourceEvent)
	assert.Equal(t, "removed", removed.Body.Reason)
	assert.Nil(t, sc.Lookup(&dap.Source{SourceReference: remote.Reference()}))
	assert.Same(t, local, sc.Lookup(&dap.Source{Path: local.Path().String()}))
}

func TestVariablesPaging(t *testing.T) {
	t.Parallel()

	vars := []dap.Variable{{Name: "0"}, {Name: "1"}, {Name: "2"}, {Name: "3"}}
	assert.Equal(t, vars[1:3], page(vars, 1, 2))
	assert.Equal(t, vars[2:], page(vars, 2, 0))
	assert.Empty(t, page(vars, 9, 1))
}

func TestCustomBreakpointDescription(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(map[string]string{"eventName": "listener:click"})
	require.NoError(t, err)
	assert.Equal(t, "click event", customBreakpointDescription(cdp.PauseReasonEventListener, data))
	assert.Equal(t, cdp.PauseReasonDOM, customBreakpointDescription(cdp.PauseReasonDOM, nil))
}
