// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package macro expands ${NAME} placeholders in command templates.
package macro

import (
	"regexp"
	"sort"
)

var macroRegexp = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Bindings maps macro names (without "${" and "}") to their values.
type Bindings map[string]string

// Expand returns template with every ${NAME} replaced by its value
// in b. Names that are not bound expand to the empty string. Text
// that merely looks like a shell variable ($HOME, $QC/bin) is left
// alone.
func Expand(template string, b Bindings) string {
	return macroRegexp.ReplaceAllStringFunc(template, func(m string) string {
		return b[m[2:len(m)-1]]
	})
}

// Missing returns the sorted, de-duplicated names used in template
// that have no binding in b.
func Missing(template string, b Bindings) []string {
	seen := map[string]bool{}
	var missing []string
	for _, m := range macroRegexp.FindAllStringSubmatch(template, -1) {
		name := m[1]
		if _, ok := b[name]; ok || seen[name] {
			continue
		}
		seen[name] = true
		missing = append(missing, name)
	}
	sort.Strings(missing)
	return missing
}

// Merge returns a new Bindings with the entries of all given
// bindings. Later entries override earlier ones.
func Merge(bs ...Bindings) Bindings {
	merged := Bindings{}
	for _, b := range bs {
		for k, v := range b {
			merged[k] = v
		}
	}
	return merged
}
