/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package budget implements a string builder that stops growing after a character budget is spent.
// It is used for one-line previews of objects and arrays, where output past the budget is elided with an ellipsis.
package budget

import (
	"strings"
	"unicode/utf8"
)

const Ellipsis = "…"

type StringBuilder struct {
	tokens []string
	budget int
}

func NewStringBuilder(budget int) *StringBuilder {
	return &StringBuilder{budget: budget}
}

// AppendCanSkip appends text only if it fits into the remaining budget whole.
// Otherwise the budget is exhausted and an ellipsis is appended instead.
func (b *StringBuilder) AppendCanSkip(text string) {
	if !b.HasBudget() {
		return
	}
	n := utf8.RuneCountInString(text)
	if n < b.budget {
		b.tokens = append(b.tokens, text)
		b.budget -= n
	} else {
		b.budget = 0
		b.AppendEllipsis()
	}
}

// AppendCanTrim appends as much of text as the budget allows, marking a cut with an ellipsis.
func (b *StringBuilder) AppendCanTrim(text string) {
	if !b.HasBudget() {
		return
	}
	trimmed := TrimEnd(text, b.budget)
	b.tokens = append(b.tokens, trimmed)
	b.budget = max(0, b.budget-utf8.RuneCountInString(trimmed))
}

// ForceAppend appends text regardless of the budget. Used for closing brackets.
func (b *StringBuilder) ForceAppend(text string) {
	b.tokens = append(b.tokens, text)
	b.budget = max(0, b.budget-utf8.RuneCountInString(text))
}

func (b *StringBuilder) AppendEllipsis() {
	if len(b.tokens) == 0 || !strings.HasSuffix(b.tokens[len(b.tokens)-1], Ellipsis) {
		b.tokens = append(b.tokens, Ellipsis)
	}
}

// HasBudget reports whether anything more can be appended. Asking after the budget is spent records the ellipsis.
func (b *StringBuilder) HasBudget() bool {
	if b.budget <= 0 {
		b.AppendEllipsis()
	}
	return b.budget > 0
}

func (b *StringBuilder) Budget() int {
	return b.budget
}

func (b *StringBuilder) IsEmpty() bool {
	return len(b.tokens) == 0
}

func (b *StringBuilder) Build(sep string) string {
	return strings.Join(b.tokens, sep)
}

// TrimEnd shortens text to at most limit characters, the last one being an ellipsis.
func TrimEnd(text string, limit int) string {
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	if limit <= 1 {
		return Ellipsis
	}
	runes := []rune(text)
	return string(runes[:limit-1]) + Ellipsis
}
