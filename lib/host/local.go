// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package host

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"git.iqmol.org/qjobs.git/lib/config"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Local runs commands on this machine. File operations are done
// directly; commands run under /bin/sh in their own process group,
// so cancelling one kills everything it started.
type Local struct {
	logger           logrus.FieldLogger
	workingDirectory string

	mtx      sync.Mutex
	children map[int]*exec.Cmd
}

// NewLocal returns a Local host.
func NewLocal(srv config.Server, logger logrus.FieldLogger) *Local {
	return &Local{
		logger:           logger,
		workingDirectory: expandHome(srv.WorkingDirectory),
		children:         map[int]*exec.Cmd{},
	}
}

func (*Local) Connect(context.Context) error { return nil }
func (*Local) Disconnect()                   {}
func (*Local) Connected() bool               { return true }

func (l *Local) WorkingDirectory(baseName string) string {
	return joinDir(l.workingDirectory, baseName)
}

// Execute runs command with /bin/sh and returns its stdout.
func (l *Local) Execute(ctx context.Context, command string) (string, error) {
	l.logger.WithField("Command", command).Debug("execute")
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if ctx.Err() != nil {
		return string(out), ctx.Err()
	}
	var exiterr *exec.ExitError
	if errors.As(err, &exiterr) {
		return string(out), &CommandError{Command: command, ExitStatus: exiterr.ExitCode(), Stderr: stderr.String()}
	}
	return string(out), err
}

func (l *Local) Exists(ctx context.Context, path string, flags Flags) (bool, error) {
	path = expandHome(path)
	if flags&Executable != 0 && flags&Directory == 0 && !strings.Contains(path, "/") {
		_, err := exec.LookPath(path)
		return err == nil, nil
	}
	fi, err := os.Stat(path)
	if err != nil {
		return false, nil
	}
	if (flags&Directory != 0) != fi.IsDir() {
		return false, nil
	}
	var mode uint32
	if flags&Readable != 0 {
		mode |= unix.R_OK
	}
	if flags&Writable != 0 {
		mode |= unix.W_OK
	}
	if flags&Executable != 0 {
		mode |= unix.X_OK
	}
	if mode != 0 && unix.Access(path, mode) != nil {
		return false, nil
	}
	return true, nil
}

func (l *Local) MakeDirectory(ctx context.Context, path string) error {
	return os.MkdirAll(expandHome(path), 0755)
}

func (l *Local) Push(ctx context.Context, source, dest string) error {
	return copyFile(ctx, expandHome(source), expandHome(dest))
}

func (l *Local) Pull(ctx context.Context, source, dest string) error {
	return copyFile(ctx, expandHome(source), expandHome(dest))
}

func (l *Local) Rename(ctx context.Context, source, dest string) error {
	return os.Rename(expandHome(source), expandHome(dest))
}

func (l *Local) Remove(ctx context.Context, path string) error {
	return os.Remove(expandHome(path))
}

func (l *Local) Grep(ctx context.Context, pattern, path string) (string, error) {
	buf, err := os.ReadFile(expandHome(path))
	if err != nil {
		return "", err
	}
	return grepLines(string(buf), pattern), nil
}

func (l *Local) CheckOutputForErrors(ctx context.Context, path string) (string, error) {
	buf, err := os.ReadFile(expandHome(path))
	if err != nil {
		return "", err
	}
	return fatalLine(string(buf)), nil
}

// Spawn starts command with /bin/sh in dir, with stdout and stderr
// appended to logFile, and returns its pid. Unlike Execute, the
// child is not tied to any context: it keeps running until it exits
// or is killed.
func (l *Local) Spawn(dir, command, logFile string) (int, error) {
	dir = expandHome(dir)
	f, err := os.OpenFile(filepath.Join(dir, logFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return 0, err
	}
	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Dir = dir
	cmd.Stdout = f
	cmd.Stderr = f
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	err = cmd.Start()
	if err != nil {
		f.Close()
		return 0, err
	}
	pid := cmd.Process.Pid
	l.logger.WithFields(logrus.Fields{"Command": command, "PID": pid}).Info("spawned")
	l.mtx.Lock()
	l.children[pid] = cmd
	l.mtx.Unlock()
	go func() {
		err := cmd.Wait()
		f.Close()
		l.logger.WithField("PID", pid).WithError(err).Info("child exited")
		l.mtx.Lock()
		delete(l.children, pid)
		l.mtx.Unlock()
	}()
	return pid, nil
}

// FindDescendant returns the pid of a process whose command name
// contains name and whose ancestry includes pid, or "" if there is
// none.
func (l *Local) FindDescendant(ctx context.Context, pid int, name string) (string, error) {
	out, err := l.Execute(ctx, "/bin/ps -A -o pid= -o ppid= -o comm=")
	if err != nil {
		return "", err
	}
	return findDescendant(out, pid, name), nil
}

func findDescendant(psOutput string, pid int, name string) string {
	type proc struct {
		ppid int
		comm string
	}
	procs := map[int]proc{}
	for _, line := range strings.Split(psOutput, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		child, err1 := strconv.Atoi(fields[0])
		parent, err2 := strconv.Atoi(fields[1])
		if err1 != nil || err2 != nil {
			continue
		}
		procs[child] = proc{ppid: parent, comm: strings.Join(fields[2:], " ")}
	}
	for child, p := range procs {
		if child == pid || !strings.Contains(p.comm, name) {
			continue
		}
		// Walk up the ancestry, guarding against cycles.
		for anc, hops := p.ppid, 0; anc > 1 && hops < len(procs); anc, hops = procs[anc].ppid, hops+1 {
			if anc == pid {
				return strconv.Itoa(child)
			}
		}
	}
	return ""
}

// KillAll sends SIGTERM to the process groups of all children
// started by Spawn.
func (l *Local) KillAll() {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	for pid := range l.children {
		unix.Kill(-pid, unix.SIGTERM)
	}
}

func copyFile(ctx context.Context, source, dest string) error {
	if source == dest {
		return nil
	}
	src, err := os.Open(source)
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	_, err = io.Copy(dst, &ctxReader{ctx: ctx, r: src})
	if err != nil {
		dst.Close()
		return fmt.Errorf("copy %s to %s: %w", source, dest, err)
	}
	return dst.Close()
}

// ctxReader fails reads after its context is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *ctxReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return home + path[1:]
}
