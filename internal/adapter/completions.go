/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package adapter

import (
	"context"
	"encoding/json"
	"regexp"
	"slices"
	"strings"

	"github.com/google/go-dap"

	"github.com/microsoft/jsdap/internal/cdp"
)

// Matches "obj.prop.pre" at the end of the text: group 1 is the object expression, group 2 the partial name.
var completionPattern = regexp.MustCompile(`(?:([\p{L}\p{N}_$][\p{L}\p{N}_$.]*)\.)?([\p{L}\p{N}_$]*)$`)

const propertyNamesFunction = `function() {
	const names = new Set();
	for (let o = this; o; o = Object.getPrototypeOf(o)) {
		for (const name of Object.getOwnPropertyNames(o)) names.add(name);
	}
	return [...names];
}`

// Completions suggests names for the identifier under the cursor: properties after a dot,
// otherwise variables in scope at the frame, or globals when there is no frame.
func (t *Thread) Completions(ctx context.Context, frame *stackFrame, args *dap.CompletionsArguments) ([]dap.CompletionItem, error) {
	lines := strings.Split(args.Text, "\n")
	lineIndex := 0
	if args.Line > 1 && args.Line <= len(lines) {
		lineIndex = args.Line - 1
	}
	runes := []rune(lines[lineIndex])
	column := args.Column - 1
	if column < 0 || column > len(runes) {
		column = len(runes)
	}
	prefix := string(runes[:column])

	m := completionPattern.FindStringSubmatch(prefix)
	objectExpr, word := "", ""
	if m != nil {
		objectExpr, word = m[1], m[2]
	}

	var cf *cdp.CallFrame
	if frame != nil {
		if live, err := t.livePausedFrame(frame); err == nil {
			cf = live
		}
	}

	var names []string
	itemType := "variable"
	if objectExpr != "" {
		itemType = "property"
		names = t.propertyNames(ctx, cf, objectExpr)
	} else {
		names = t.scopeVariableNames(ctx, cf)
	}

	var filtered []string
	for _, name := range names {
		if strings.HasPrefix(name, word) {
			filtered = append(filtered, name)
		}
	}
	slices.Sort(filtered)
	filtered = slices.Compact(filtered)

	items := make([]dap.CompletionItem, 0, len(filtered))
	for _, name := range filtered {
		items = append(items, dap.CompletionItem{Label: name, Type: dap.CompletionItemType(itemType)})
	}
	return items, nil
}

func (t *Thread) propertyNames(ctx context.Context, cf *cdp.CallFrame, expression string) []string {
	var callFrameID cdp.CallFrameID
	if cf != nil {
		callFrameID = cf.CallFrameID
	}
	obj, err := t.replVars.evaluate(ctx, expression, callFrameID)
	if err != nil || obj.ObjectID == "" {
		return nil
	}
	return t.namesOf(ctx, obj.ObjectID)
}

func (t *Thread) namesOf(ctx context.Context, objectID cdp.RemoteObjectID) []string {
	res, err := t.session.Runtime().CallFunctionOn(ctx, &cdp.CallFunctionOnParams{
		FunctionDeclaration: propertyNamesFunction,
		ObjectID:            objectID,
		Silent:              true,
		ReturnByValue:       true,
	})
	if err != nil || res.ExceptionDetails != nil {
		return nil
	}
	var names []string
	if json.Unmarshal(res.Result.Value, &names) != nil {
		return nil
	}
	return names
}

func (t *Thread) scopeVariableNames(ctx context.Context, cf *cdp.CallFrame) []string {
	var names []string
	if cf != nil {
		for _, scope := range cf.ScopeChain {
			if scope.Type == "global" || scope.Object.ObjectID == "" {
				continue
			}
			props, err := t.session.Runtime().GetProperties(ctx, &cdp.GetPropertiesParams{ObjectID: scope.Object.ObjectID, OwnProperties: true})
			if err != nil {
				continue
			}
			for _, p := range props.Result {
				names = append(names, p.Name)
			}
		}
	}

	if lexical, err := t.session.Runtime().GlobalLexicalScopeNames(ctx); err == nil {
		names = append(names, lexical...)
	}
	if global, err := t.replVars.evaluate(ctx, "globalThis", ""); err == nil && global.ObjectID != "" {
		names = append(names, t.namesOf(ctx, global.ObjectID)...)
	}
	return names
}
