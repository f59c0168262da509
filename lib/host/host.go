// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package host provides the transports used to run commands and move
// files on a compute server: the local machine, a remote machine
// reached over SSH, and a web service reached through CGI scripts.
package host

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"git.iqmol.org/qjobs.git/lib/config"
	"github.com/sirupsen/logrus"
)

// Flags qualify an Exists check.
type Flags int

const (
	Directory Flags = 1 << iota
	Readable
	Writable
	Executable
	// Create asks the caller to create the directory if it is
	// missing. Exists itself never creates anything.
	Create
)

func (f Flags) String() string {
	var s []string
	for _, x := range []struct {
		flag Flags
		name string
	}{{Directory, "Directory"}, {Readable, "Readable"}, {Writable, "Writable"}, {Executable, "Executable"}, {Create, "Create"}} {
		if f&x.flag != 0 {
			s = append(s, x.name)
		}
	}
	if len(s) == 0 {
		return "File"
	}
	return strings.Join(s, "|")
}

// ErrCancelled is returned when the user declines to supply a
// credential.
var ErrCancelled = errors.New("cancelled by user")

// A Host runs commands and moves files on behalf of a server. All
// methods that may block take a context; cancelling it aborts the
// operation in flight.
type Host interface {
	Connect(ctx context.Context) error
	Disconnect()
	Connected() bool

	Execute(ctx context.Context, command string) (string, error)
	Exists(ctx context.Context, path string, flags Flags) (bool, error)
	MakeDirectory(ctx context.Context, path string) error
	// Push copies a local file to the server. For a Web host,
	// source is the literal file content.
	Push(ctx context.Context, source, dest string) error
	// Pull copies a file from the server to a local path.
	Pull(ctx context.Context, source, dest string) error
	Rename(ctx context.Context, source, dest string) error
	Remove(ctx context.Context, path string) error
	// Grep returns the lines of the file that contain the pattern
	// (case insensitive), or "" if there are none.
	Grep(ctx context.Context, pattern, path string) (string, error)
	// CheckOutputForErrors returns a diagnostic found in a job's
	// output file, or "" if there is none.
	CheckOutputForErrors(ctx context.Context, path string) (string, error)

	// WorkingDirectory returns the default directory for a job
	// with the given base name.
	WorkingDirectory(baseName string) string
}

// A Prompter asks the user for secrets. ok is false if the user
// cancelled.
type Prompter interface {
	Secret(ctx context.Context, server, prompt string) (secret string, ok bool)
}

// A ConnectionError is returned by Connect. It is distinct from the
// errors returned by ordinary operations.
type ConnectionError struct {
	Server string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("Connection to server %s failed: %s", e.Server, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// A CommandError is returned when a command runs but exits non-zero.
type CommandError struct {
	Command    string
	ExitStatus int
	Stderr     string
}

func (e *CommandError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("command %q exited %d", e.Command, e.ExitStatus)
	}
	return fmt.Sprintf("command %q exited %d (%q)", e.Command, e.ExitStatus, strings.TrimSpace(e.Stderr))
}

// ExitStatus returns the exit status of a failed command, or -1 if
// err is not a CommandError.
func ExitStatus(err error) int {
	var cerr *CommandError
	if errors.As(err, &cerr) {
		return cerr.ExitStatus
	}
	return -1
}

// Options are the dependencies a Host may need besides its server
// config.
type Options struct {
	Logger     logrus.FieldLogger
	Prompter   Prompter
	Vault      *config.Vault
	Passphrase *PassphraseCache
}

// New returns the Host for the given server config.
func New(srv config.Server, opts Options) (Host, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	logger := opts.Logger.WithField("Server", srv.Name)
	switch srv.Host {
	case config.Local:
		return NewLocal(srv, logger), nil
	case config.Remote:
		return NewRemote(srv, logger, opts.Prompter, opts.Vault, opts.Passphrase), nil
	case config.Web:
		return NewWeb(srv, logger), nil
	}
	return nil, fmt.Errorf("server %q: unknown host kind %q", srv.Name, srv.Host)
}

func joinDir(dir, baseName string) string {
	dir = strings.TrimRight(dir, "/")
	if dir == "" {
		return baseName
	}
	if dir == "~" {
		return "~/" + baseName
	}
	return dir + "/" + baseName
}
