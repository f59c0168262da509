// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package qjob

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseElapsed converts a time token as printed by ps, qstat and
// friends ("201", "03:21", "00:03:21", "1-00:03:21", optionally with
// a fractional part) to seconds. It returns -1 if the token is empty
// or cannot be parsed.
func ParseElapsed(s string) int {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		s = s[:i]
	}
	if s == "" {
		return -1
	}
	days := 0
	if i := strings.IndexByte(s, '-'); i >= 0 {
		d, err := strconv.Atoi(s[:i])
		if err != nil || d < 0 {
			return -1
		}
		days, s = d, s[i+1:]
	}
	fields := strings.Split(s, ":")
	if len(fields) > 3 {
		return -1
	}
	seconds := 0
	mult := 1
	for i := len(fields) - 1; i >= 0; i-- {
		n, err := strconv.Atoi(fields[i])
		if err != nil || n < 0 {
			return -1
		}
		seconds += n * mult
		mult *= 60
	}
	return days*86400 + seconds
}

// FormatElapsed formats seconds as hh:mm:ss.
func FormatElapsed(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d:%02d", seconds/3600, seconds/60%60, seconds%60)
}

// timer accumulates wall clock time while running.
type timer struct {
	base    time.Duration
	started time.Time
	running bool
}

func (t *timer) start(now time.Time) {
	if !t.running {
		t.started = now
		t.running = true
	}
}

func (t *timer) stop(now time.Time) {
	if t.running {
		t.base += now.Sub(t.started)
		t.running = false
	}
}

// reset sets the accumulated time, keeping the running state.
func (t *timer) reset(d time.Duration, now time.Time) {
	t.base = d
	if t.running {
		t.started = now
	}
}

func (t *timer) elapsed(now time.Time) time.Duration {
	if t.running {
		return t.base + now.Sub(t.started)
	}
	return t.base
}
