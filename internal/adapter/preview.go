/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package adapter

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/microsoft/jsdap/internal/cdp"
	"github.com/microsoft/jsdap/pkg/budget"
)

// Character budgets for rendered values.
const (
	maxVariablePreviewLength = 100
	maxHoverPreviewLength    = 1000
	maxReplPreviewLength     = 10000
	maxPropertyPreviewLength = 50
)

// previewContext selects how much of a value is rendered and whether strings are quoted.
type previewContext string

const (
	previewVariables previewContext = "variables"
	previewRepl      previewContext = "repl"
	previewHover     previewContext = "hover"
	previewOutput    previewContext = "output"
)

func (c previewContext) budget() int {
	switch c {
	case previewRepl, previewOutput:
		return maxReplPreviewLength
	case previewHover:
		return maxHoverPreviewLength
	default:
		return maxVariablePreviewLength
	}
}

func previewContextFor(evaluateContext string) previewContext {
	switch evaluateContext {
	case "repl", "clipboard":
		return previewRepl
	case "hover":
		return previewHover
	default:
		return previewVariables
	}
}

// previewRemoteObject renders a remote object the way the IDE shows it in a single line.
func previewRemoteObject(obj *cdp.RemoteObject, pc previewContext) string {
	limit := pc.budget()
	switch obj.Type {
	case "undefined":
		return "undefined"
	case "string":
		s := stringValue(obj)
		if pc == previewOutput {
			return budget.TrimEnd(s, limit)
		}
		return budget.TrimEnd(strconv.Quote(s), limit)
	case "number", "boolean", "bigint":
		if obj.UnserializableValue != "" {
			return obj.UnserializableValue
		}
		if obj.Description != "" {
			return obj.Description
		}
		return string(obj.Value)
	case "symbol":
		return obj.Description
	case "function":
		return previewFunction(obj.Description, limit)
	case "object":
		if obj.Subtype == "null" {
			return "null"
		}
		if obj.Preview != nil && obj.Subtype != "error" && obj.Subtype != "regexp" && obj.Subtype != "date" {
			return renderObjectPreview(obj.Preview, limit)
		}
		return budget.TrimEnd(firstLine(obj.Description), limit)
	default:
		return budget.TrimEnd(obj.Description, limit)
	}
}

func stringValue(obj *cdp.RemoteObject) string {
	var s string
	if len(obj.Value) > 0 && json.Unmarshal(obj.Value, &s) == nil {
		return s
	}
	return obj.Description
}

func firstLine(text string) string {
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		return text[:i]
	}
	return text
}

// previewFunction renders "ƒ name(args)" from the function source text.
func previewFunction(description string, limit int) string {
	text := strings.TrimSpace(description)
	text = strings.TrimPrefix(text, "async ")
	text = strings.TrimPrefix(text, "function")
	text = strings.TrimPrefix(text, "*")
	text = strings.TrimSpace(text)
	if i := strings.IndexByte(text, ')'); i >= 0 {
		text = text[:i+1]
	} else {
		text = firstLine(text)
	}
	if strings.HasPrefix(text, "class ") {
		return budget.TrimEnd(text, limit)
	}
	return budget.TrimEnd("ƒ "+text, limit)
}

func renderObjectPreview(p *cdp.ObjectPreview, limit int) string {
	isArray := p.Subtype == "array" || p.Subtype == "typedarray"
	b := budget.NewStringBuilder(limit)

	prefix := p.Description
	if !isArray && (prefix == "Object" || prefix == "") {
		prefix = ""
	}
	if prefix != "" {
		b.AppendCanTrim(prefix + " ")
	}

	openBracket, closeBracket := "{", "}"
	if isArray {
		openBracket, closeBracket = "[", "]"
	}
	b.ForceAppend(openBracket)

	items := budget.NewStringBuilder(b.Budget() - 1)
	if len(p.Entries) > 0 {
		for _, e := range p.Entries {
			if !items.HasBudget() {
				break
			}
			entry := renderPropertyValue(&e.Value)
			if e.Key != nil {
				entry = renderPropertyValue(e.Key) + " => " + entry
			}
			items.AppendCanSkip(entry)
		}
	}
	for _, prop := range p.Properties {
		if !items.HasBudget() {
			break
		}
		value := renderPropertyPreview(&prop)
		if isArray && isArrayIndex(prop.Name) {
			items.AppendCanSkip(value)
		} else {
			items.AppendCanSkip(prop.Name + ": " + value)
		}
	}
	if p.Overflow {
		items.AppendEllipsis()
	}

	b.ForceAppend(items.Build(", "))
	b.ForceAppend(closeBracket)
	return b.Build("")
}

func renderPropertyPreview(prop *cdp.PropertyPreview) string {
	if prop.ValuePreview != nil {
		if prop.ValuePreview.Subtype == "array" {
			return budget.TrimEnd(prop.ValuePreview.Description, maxPropertyPreviewLength)
		}
		return "{…}"
	}
	switch prop.Type {
	case "string":
		return strconv.Quote(budget.TrimEnd(prop.Value, maxPropertyPreviewLength))
	case "function":
		return "ƒ"
	case "object":
		if prop.Subtype == "null" {
			return "null"
		}
		return budget.TrimEnd(prop.Value, maxPropertyPreviewLength)
	default:
		return budget.TrimEnd(prop.Value, maxPropertyPreviewLength)
	}
}

func renderPropertyValue(p *cdp.ObjectPreview) string {
	switch p.Type {
	case "string":
		return strconv.Quote(budget.TrimEnd(p.Description, maxPropertyPreviewLength))
	case "object":
		if p.Subtype == "null" {
			return "null"
		}
		if p.Description != "" && p.Description != "Object" {
			return budget.TrimEnd(p.Description, maxPropertyPreviewLength)
		}
		return "{…}"
	default:
		return budget.TrimEnd(p.Description, maxPropertyPreviewLength)
	}
}

func isArrayIndex(name string) bool {
	if name == "" {
		return false
	}
	n, err := strconv.ParseUint(name, 10, 32)
	return err == nil && strconv.FormatUint(n, 10) == name
}

// typeOf returns the type name shown next to a variable.
func typeOf(obj *cdp.RemoteObject) string {
	if obj.Type == "object" && obj.Subtype != "" {
		return obj.Subtype
	}
	return obj.Type
}

// formatConsoleMessage renders console API arguments, applying printf-style substitutions
// (%s, %d, %i, %f, %o, %O, %c) in a leading format string.
func formatConsoleMessage(args []cdp.RemoteObject) string {
	if len(args) == 0 {
		return ""
	}

	var out strings.Builder
	rest := args
	if args[0].Type == "string" {
		format := stringValue(&args[0])
		rest = args[1:]
		for i := 0; i < len(format); i++ {
			c := format[i]
			if c != '%' || i+1 >= len(format) {
				out.WriteByte(c)
				continue
			}
			verb := format[i+1]
			switch verb {
			case '%':
				out.WriteByte('%')
				i++
				continue
			case 's', 'd', 'i', 'f', 'o', 'O', 'c':
			default:
				out.WriteByte(c)
				continue
			}
			i++
			if verb == 'c' {
				// CSS styling has no meaning in plain text output.
				if len(rest) > 0 {
					rest = rest[1:]
				}
				continue
			}
			if len(rest) == 0 {
				out.WriteByte('%')
				out.WriteByte(verb)
				continue
			}
			arg := rest[0]
			rest = rest[1:]
			out.WriteString(formatConsoleArg(&arg, verb))
		}
	}

	for i := range rest {
		if out.Len() > 0 {
			out.WriteByte(' ')
		}
		out.WriteString(previewRemoteObject(&rest[i], previewOutput))
	}
	return out.String()
}

func formatConsoleArg(arg *cdp.RemoteObject, verb byte) string {
	switch verb {
	case 'd', 'i':
		if arg.Type == "number" {
			var f float64
			if json.Unmarshal(arg.Value, &f) == nil {
				return strconv.FormatInt(int64(f), 10)
			}
		}
		return "NaN"
	case 'f':
		if arg.Type == "number" {
			return previewRemoteObject(arg, previewOutput)
		}
		return "NaN"
	case 's':
		if arg.Type == "string" {
			return stringValue(arg)
		}
		return previewRemoteObject(arg, previewOutput)
	default:
		return previewRemoteObject(arg, previewOutput)
	}
}

// wrapObjectLiteral makes "{a: 1}" parse as an expression instead of a block.
func wrapObjectLiteral(expression string) string {
	trimmed := strings.TrimSpace(expression)
	if strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}") {
		return fmt.Sprintf("(%s)", trimmed)
	}
	return trimmed
}
