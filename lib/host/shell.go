// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package host

import (
	"strings"
)

// ShellQuote returns s quoted for a POSIX shell. Words made only of
// safe characters are returned as they are. A leading "~/" is left
// outside the quotes so the remote shell still expands it.
func ShellQuote(s string) string {
	prefix := ""
	if s == "~" {
		return s
	}
	if strings.HasPrefix(s, "~/") {
		prefix, s = "~/", s[2:]
	}
	if s != "" && strings.Trim(s, shellSafe) == "" {
		return prefix + s
	}
	return prefix + `'` + strings.Replace(s, `'`, `'\''`, -1) + `'`
}

const shellSafe = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789@%+=:,./_-"

// existsCommand returns a shell command that prints "exists" if
// path exists and satisfies flags.
func existsCommand(path string, flags Flags) string {
	q := ShellQuote(path)
	if flags&Executable != 0 && flags&Directory == 0 && !strings.Contains(path, "/") {
		return "/usr/bin/which " + q + " && echo exists"
	}
	cmd := "test -f " + q
	if flags&Directory != 0 {
		cmd = "test -d " + q
	}
	if flags&Readable != 0 {
		cmd += " && test -r " + q
	}
	if flags&Writable != 0 {
		cmd += " && test -w " + q
	}
	if flags&Executable != 0 {
		cmd += " && test -x " + q
	}
	return cmd + " && echo exists"
}

// fatalLine returns the line two after the first line containing
// "fatal", or the last line of the file if there are fewer, like
// "grep -m 1 -A2 fatal | tail -1".
func fatalLine(text string) string {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	for i, line := range lines {
		if strings.Contains(line, "fatal") {
			j := i + 2
			if j >= len(lines) {
				j = len(lines) - 1
			}
			return lines[j]
		}
	}
	return ""
}

// grepLines returns the lines of text that contain pattern,
// ignoring case.
func grepLines(text, pattern string) string {
	pattern = strings.ToLower(pattern)
	var matched []string
	for _, line := range strings.Split(text, "\n") {
		if strings.Contains(strings.ToLower(line), pattern) {
			matched = append(matched, line)
		}
	}
	return strings.Join(matched, "\n")
}
