// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package qjob

import (
	"errors"
	"fmt"
)

// Status is the lifecycle state of a Process.
type Status int

const (
	NotRunning Status = iota
	Queued
	Running
	Suspended
	Killed
	Error
	Finished
	Copying
	Unknown
)

var ErrInvalidTransition = errors.New("invalid status transition")

var statusNames = map[Status]string{
	NotRunning: "Not Running",
	Queued:     "Queued",
	Running:    "Running",
	Suspended:  "Suspended",
	Killed:     "Killed",
	Error:      "Error",
	Finished:   "Finished",
	Copying:    "Copying",
	Unknown:    "Unknown",
}

// String implements fmt.Stringer.
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "Unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	for st, name := range statusNames {
		if name == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", text)
}

// Active returns true if a process in this state is still the
// responsibility of its server's watch list.
func (s Status) Active() bool {
	switch s {
	case Queued, Running, Suspended, Unknown:
		return true
	}
	return false
}

// Terminal returns true for Killed, Error and Finished.
func (s Status) Terminal() bool {
	switch s {
	case Killed, Error, Finished:
		return true
	}
	return false
}

var transitions = map[Status][]Status{
	NotRunning: {Queued, Running},
	Queued:     {Running, Suspended, Killed, Unknown, Error},
	Running:    {Suspended, Finished, Killed, Unknown, Error},
	Suspended:  {Running, Queued, Killed, Unknown, Error},
	Unknown:    {Queued, Running, Suspended, Finished, Killed, Error},
}

// CanTransition returns true if a process may move from one status
// to the other. Staying in the same status is always allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
