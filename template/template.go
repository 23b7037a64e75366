// Copyright (c) 2024 The rob-script developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package template resolves the $NAME placeholders of a policy template.
//
// Substitution is single pass: a substituted value is never scanned again, so
// a value that itself contains a placeholder does not cascade.
package template

import (
	"fmt"
	"strings"
)

func isNameStart(c byte) bool {
	return c == '_' || c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z'
}

func isNameChar(c byte) bool {
	return isNameStart(c) || c >= '0' && c <= '9'
}

// nameAt returns the placeholder name that follows the '$' at tmpl[i], or
// the empty string if no name follows it.
func nameAt(tmpl string, i int) string {
	start := i + 1
	if start >= len(tmpl) || !isNameStart(tmpl[start]) {
		return ""
	}
	end := start + 1
	for end < len(tmpl) && isNameChar(tmpl[end]) {
		end++
	}
	return tmpl[start:end]
}

// Resolve replaces every $NAME token of tmpl that has a value in vars. A name
// extends as far as name characters go, so $MY_KEY never matches a var named
// MY. Tokens without a value are left untouched, detecting them is up to the
// caller.
func Resolve(tmpl string, vars map[string]string) string {
	var b strings.Builder
	b.Grow(len(tmpl))

	for i := 0; i < len(tmpl); i++ {
		if tmpl[i] != '$' {
			b.WriteByte(tmpl[i])
			continue
		}

		name := nameAt(tmpl, i)
		value, ok := vars[name]
		if name == "" || !ok {
			b.WriteByte('$')
			continue
		}
		b.WriteString(value)
		i += len(name)
	}
	return b.String()
}

// Placeholders returns the names referenced by tmpl in order of first use.
func Placeholders(tmpl string) []string {
	var names []string
	seen := make(map[string]struct{})
	for i := 0; i < len(tmpl); i++ {
		if tmpl[i] != '$' {
			continue
		}
		name := nameAt(tmpl, i)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; !ok {
			seen[name] = struct{}{}
			names = append(names, name)
		}
		i += len(name)
	}
	return names
}

// CheckResolved returns an ErrUnresolvedPlaceholder error naming the first
// placeholder left in s.
func CheckResolved(s string) error {
	names := Placeholders(s)
	if len(names) == 0 {
		return nil
	}
	str := fmt.Sprintf("unresolved placeholder $%s in %q", names[0], s)
	return templateError(ErrUnresolvedPlaceholder, str)
}
