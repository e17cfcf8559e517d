/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package pathutil provides a path identity value whose equality follows the case sensitivity
// of the file system the path came from.
package pathutil

import (
	"net/url"
	"path/filepath"
	"runtime"
	"strings"
)

// Path is a file system path paired with its lookup key.
// Two Paths are the same file if their keys are equal; compare Paths with Equal or use Key() as a map key.
type Path struct {
	original string
	key      string
}

var caseInsensitive = runtime.GOOS == "windows" || runtime.GOOS == "darwin"

// IsCaseInsensitive reports whether paths on this platform are compared without regard to case.
func IsCaseInsensitive() bool {
	return caseInsensitive
}

// New returns the identity of an absolute or relative file path, cleaned and normalized for the current platform.
func New(p string) Path {
	return newPath(p, caseInsensitive)
}

// NewWithCase is New with explicit control over case folding.
func NewWithCase(p string, foldCase bool) Path {
	return newPath(p, foldCase)
}

func newPath(p string, foldCase bool) Path {
	if p == "" {
		return Path{}
	}

	cleaned := filepath.Clean(filepath.FromSlash(p))
	key := filepath.ToSlash(cleaned)
	if foldCase {
		key = strings.ToLower(key)
	}

	return Path{original: cleaned, key: key}
}

// String returns the path as given, cleaned.
func (p Path) String() string {
	return p.original
}

// Key returns the value that identifies the file. Keys of paths naming the same file are equal.
func (p Path) Key() string {
	return p.key
}

func (p Path) IsEmpty() bool {
	return p.key == ""
}

func (p Path) Equal(other Path) bool {
	return p.key == other.key
}

// URL returns the file:// URL for the path.
func (p Path) URL() string {
	if p.IsEmpty() {
		return ""
	}
	slashed := filepath.ToSlash(p.original)
	if !strings.HasPrefix(slashed, "/") {
		// Windows drive path, e.g. C:/src/app.js
		slashed = "/" + slashed
	}
	u := url.URL{Scheme: "file", Path: slashed}
	return u.String()
}

// FromURL converts a file:// URL to a Path. The second return value is false if the URL is not a file URL.
func FromURL(rawURL string) (Path, bool) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme != "file" {
		return Path{}, false
	}

	p := u.Path
	if len(p) >= 3 && p[0] == '/' && p[2] == ':' {
		// /C:/src/app.js
		p = p[1:]
	}
	return New(p), true
}

// LooksLikePath reports whether s is an absolute path in either POSIX or Windows form.
// Older JavaScript runtimes report script locations this way instead of as file URLs.
func LooksLikePath(s string) bool {
	if strings.HasPrefix(s, "/") {
		return true
	}
	if len(s) >= 3 && s[1] == ':' && (s[2] == '\\' || s[2] == '/') {
		c := s[0] | 0x20
		return c >= 'a' && c <= 'z'
	}
	return false
}
