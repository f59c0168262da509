// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package queue translates job actions (submit, kill, query, clean
// up, copy results) into the commands understood by a particular
// queueing system, and runs them through a host.Host.
package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"git.iqmol.org/qjobs.git/lib/config"
	"git.iqmol.org/qjobs.git/lib/host"
	"git.iqmol.org/qjobs.git/lib/macro"
	"git.iqmol.org/qjobs.git/sdk/go/qjob"
	"github.com/sirupsen/logrus"
)

// ErrDirectoryExists is returned by Setup when the job's working
// directory already exists and the job asks to be prompted before
// overwriting.
var ErrDirectoryExists = errors.New("Working directory exists")

// An Adapter runs job actions against one server. Methods block
// until the action is done or ctx is cancelled.
type Adapter interface {
	// TestConfiguration checks that the server is usable, creating
	// missing working directories, and refreshes the list of
	// queues where the queueing system has them.
	TestConfiguration(ctx context.Context) error
	// ConfigureJob fills in and checks the job's queue resources.
	ConfigureJob(p *qjob.Process) error
	// Setup creates the job's working directory and copies the
	// input there.
	Setup(ctx context.Context, p *qjob.Process) error
	// Submit starts the job, or queues it, and returns a message
	// for the user.
	Submit(ctx context.Context, p *qjob.Process) (string, error)
	Kill(ctx context.Context, p *qjob.Process) error
	// Query asks the server about the job and returns the status
	// it reports along with the raw output. It may update the
	// process's timer and comment, but never its status. An error
	// means the server could not be asked.
	Query(ctx context.Context, p *qjob.Process) (qjob.Status, string, error)
	// CleanUp moves a job that is no longer known to the server
	// to Finished or Error.
	CleanUp(ctx context.Context, p *qjob.Process) error
	// CopyResults copies the job's files to its local working
	// directory.
	CopyResults(ctx context.Context, p *qjob.Process) error
	// Release tells the adapter the process is no longer watched.
	Release(p *qjob.Process)
	Queues() []Queue
}

// New returns the Adapter for srv's queue type.
func New(srv config.Server, h host.Host, logger logrus.FieldLogger) (Adapter, error) {
	b := &base{srv: srv, host: h, logger: logger.WithField("Server", srv.Name)}
	switch srv.Type {
	case config.Basic, config.Custom:
		return newBasic(b), nil
	case config.PBS:
		return &pbs{base: b}, nil
	case config.SGE:
		return &sge{base: b}, nil
	case config.HTTP:
		req, ok := h.(Requester)
		if !ok {
			return nil, fmt.Errorf("server %q: HTTP queue type needs a web host", srv.Name)
		}
		return &httpAdapter{base: b, req: req, final: map[string]httpFinal{}}, nil
	}
	return nil, fmt.Errorf("server %q: unknown queue type %q", srv.Name, srv.Type)
}

// Queue describes one scheduler queue and its resource limits.
// Memory and Jobfs are in MB. Zero means not reported.
type Queue struct {
	Name            string
	DefaultWalltime string
	MaxWalltime     string
	MinMemory       int
	MaxMemory       int
	DefaultMemory   int
	MinJobfs        int
	MaxJobfs        int
	DefaultJobfs    int
	MinCpus         int
	MaxCpus         int
	DefaultCpus     int
}

// base holds what all adapters share: the server config, the host,
// and the common command sequences.
type base struct {
	srv    config.Server
	host   host.Host
	logger logrus.FieldLogger

	mtx    sync.Mutex
	queues []Queue
}

func (b *base) Queues() []Queue {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return append([]Queue(nil), b.queues...)
}

func (b *base) setQueues(queues []Queue) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.queues = queues
}

func (b *base) Release(*qjob.Process) {}

func (b *base) ConfigureJob(*qjob.Process) error { return nil }

// bindings returns the macro values for p, or only the server's
// values if p is nil.
func (b *base) bindings(p *qjob.Process) macro.Bindings {
	mb := macro.Bindings{
		"QC":       b.srv.QChemEnvironment,
		"EXE_NAME": b.srv.ExecutableName,
		"USER":     b.srv.UserName,
		"CGI_ROOT": b.srv.CgiRoot,
	}
	if c, ok := b.host.(interface{ Cookie() string }); ok {
		mb["COOKIE"] = c.Cookie()
	}
	if p == nil {
		return mb
	}
	ji := p.JobInfo()
	mb["JOB_ID"] = p.ID()
	mb["JOB_NAME"] = ji.BaseName
	mb["JOB_DIR"] = b.workingDirectory(&ji)
	mb["QUEUE"] = ji.Queue
	mb["WALLTIME"] = ji.Walltime
	mb["MEMORY"] = itoa(ji.Memory)
	mb["JOBFS"] = itoa(ji.Jobfs)
	mb["NCPUS"] = itoa(ji.Ncpus)
	return mb
}

func itoa(n int) string {
	if n == 0 {
		return ""
	}
	return strconv.Itoa(n)
}

// expand substitutes macros in tmpl. Unbound macros expand to ""
// and are logged.
func (b *base) expand(tmpl string, p *qjob.Process) string {
	mb := b.bindings(p)
	if missing := macro.Missing(tmpl, mb); len(missing) > 0 {
		b.logger.WithField("Template", tmpl).Warnf("unmatched macros %s", strings.Join(missing, ", "))
	}
	return macro.Expand(tmpl, mb)
}

func (b *base) workingDirectory(ji *qjob.JobInfo) string {
	if ji.RemoteWorkingDirectory != "" {
		return ji.RemoteWorkingDirectory
	}
	return b.host.WorkingDirectory(ji.BaseName)
}

func (b *base) remotePath(ji *qjob.JobInfo, kind qjob.FileKind) string {
	return joinPath(b.workingDirectory(ji), ji.FileName(kind))
}

func joinPath(dir, name string) string {
	if dir == "" {
		return name
	}
	return strings.TrimRight(dir, "/") + "/" + name
}

// queryOutput runs a query command. A command that runs but exits
// non-zero is not an error here: schedulers report unknown jobs that
// way, so stderr is appended to the output for the parser.
func (b *base) queryOutput(ctx context.Context, cmd string) (string, error) {
	out, err := b.host.Execute(ctx, cmd)
	var cerr *host.CommandError
	if errors.As(err, &cerr) {
		return out + cerr.Stderr, nil
	}
	return out, err
}

type fileTest struct {
	path  string
	flags host.Flags
}

// testFiles checks the given paths, creating missing directories.
// Problems are collected into one error.
func (b *base) testFiles(ctx context.Context, tests []fileTest) error {
	var msg strings.Builder
	for _, t := range tests {
		if ctx.Err() != nil {
			msg.WriteString("Terminated")
			break
		}
		b.logger.WithFields(logrus.Fields{"Path": t.path, "Flags": t.flags}).Debug("checking")
		ok, err := b.host.Exists(ctx, t.path, t.flags)
		if err != nil && ctx.Err() == nil {
			return err
		}
		if ok {
			continue
		}
		switch {
		case t.flags&(host.Directory|host.Create) != 0:
			if b.host.MakeDirectory(ctx, t.path) != nil {
				fmt.Fprintf(&msg, "Could not create directory: %s\n", t.path)
			}
		case t.flags&host.Executable != 0:
			fmt.Fprintf(&msg, "Could not find command: %s\n", t.path)
		default:
			fmt.Fprintf(&msg, "Could not access file: %s\n", t.path)
		}
	}
	if msg.Len() > 0 {
		return errors.New(msg.String())
	}
	return nil
}

// standardTests returns the checks made by TestConfiguration for a
// server running jobs through a shell.
func (b *base) standardTests() []fileTest {
	var tests []fileTest
	if qc := b.srv.QChemEnvironment; qc != "" {
		tests = append(tests,
			fileTest{qc, host.Directory | host.Readable},
			fileTest{joinPath(qc, "exe/"+b.srv.ExecutableName), host.Executable})
	}
	if b.srv.WorkingDirectory != "" {
		tests = append(tests, fileTest{b.srv.WorkingDirectory, host.Directory | host.Writable | host.Create})
	}
	return tests
}

// queueInfo runs the server's QueueInfo command and reports a
// missing command the way a user would expect.
func (b *base) queueInfo(ctx context.Context) (string, error) {
	cmd := b.expand(b.srv.QueueInfo, nil)
	out, err := b.host.Execute(ctx, cmd)
	if host.ExitStatus(err) == 127 || strings.Contains(out, "Command not found") || strings.Contains(out, "command not found") {
		name := strings.Fields(cmd + " ?")[0]
		return "", fmt.Errorf("Could not find %s command on server %s", name, b.srv.Name)
	}
	return out, err
}

// setup creates the job's working directory and pushes the input
// file.
func (b *base) setup(ctx context.Context, p *qjob.Process) error {
	ji := p.JobInfo()
	dir := b.workingDirectory(&ji)
	p.UpdateJobInfo(func(ji *qjob.JobInfo) { ji.RemoteWorkingDirectory = dir })
	exists, err := b.host.Exists(ctx, dir, host.Directory)
	if err != nil {
		return err
	}
	if exists {
		if ji.PromptOnOverwrite {
			return ErrDirectoryExists
		}
		// Stale results from a previous run would be mistaken
		// for this run's.
		b.host.Remove(ctx, joinPath(dir, ji.FileName(qjob.OutputFile)))
		b.host.Remove(ctx, joinPath(dir, ji.FileName(qjob.AuxFile)))
	} else if err := b.host.MakeDirectory(ctx, dir); err != nil {
		b.logger.WithError(err).WithField("Directory", dir).Warn("mkdir failed")
		return fmt.Errorf("Could not create working directory %s on server", dir)
	}
	if err := b.pushContent(ctx, ji.InputString, joinPath(dir, ji.FileName(qjob.InputFile))); err != nil {
		b.logger.WithError(err).Warn("input push failed")
		return errors.New("Failed to copy input file to server")
	}
	return nil
}

// pushContent writes content to a temporary file and pushes it to
// dest.
func (b *base) pushContent(ctx context.Context, content, dest string) error {
	tmp, err := os.CreateTemp("", "qjobs-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	_, err = tmp.WriteString(content)
	if err == nil {
		err = tmp.Close()
	} else {
		tmp.Close()
	}
	if err != nil {
		return err
	}
	return b.host.Push(ctx, tmp.Name(), dest)
}

// createRunFile writes the expanded run file template to the job's
// working directory.
func (b *base) createRunFile(ctx context.Context, p *qjob.Process) error {
	ji := p.JobInfo()
	contents := b.expand(b.srv.RunFileTemplate+"\n", p)
	if err := b.pushContent(ctx, contents, b.remotePath(&ji, qjob.RunFile)); err != nil {
		b.logger.WithError(err).Warn("run file push failed")
		return errors.New("Failed to copy run file to server")
	}
	return nil
}

// submitCommand returns the server's submit command, run in the
// job's working directory.
func (b *base) submitCommand(p *qjob.Process) string {
	ji := p.JobInfo()
	return "cd " + host.ShellQuote(b.workingDirectory(&ji)) + " && " + b.expand(b.srv.SubmitCommand, p)
}

func (b *base) Kill(ctx context.Context, p *qjob.Process) error {
	cmd := b.expand(b.srv.KillCommand, p)
	b.logger.WithFields(logrus.Fields{"Process": p.Key(), "Command": cmd}).Info("kill")
	_, err := b.host.Execute(ctx, cmd)
	return err
}

// CleanUp renames the aux file, works out the run time, and decides
// whether the job succeeded by looking at its output. It does
// nothing to a process that is already done.
func (b *base) CleanUp(ctx context.Context, p *qjob.Process) error {
	if p.Status().Terminal() {
		return nil
	}
	ji := p.JobInfo()
	errFile := b.remotePath(&ji, qjob.ErrorFile)
	outFile := b.remotePath(&ji, qjob.OutputFile)

	b.host.Rename(ctx, joinPath(b.workingDirectory(&ji), "Test.FChk"), b.remotePath(&ji, qjob.AuxFile))

	seconds := -1
	if line := b.grep(ctx, "elapsed time", errFile); line != "" {
		fields := strings.Fields(line)
		seconds = qjob.ParseElapsed(fields[len(fields)-1])
	}
	if seconds <= 0 {
		seconds = sumWallTimes(b.grep(ctx, "Total job time:", outFile))
	}

	runTimeError, err := b.host.CheckOutputForErrors(ctx, outFile)
	if err != nil {
		runTimeError = ""
	}
	if runTimeError == "" && b.grep(ctx, "Have a nice day.", outFile) == "" {
		runTimeError = "Job failed to finish"
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if s := p.Status(); s == qjob.Queued || s == qjob.Suspended {
		// Finished and Error are only reachable from Running
		// or Unknown.
		p.SetStatus(qjob.Unknown)
	}
	if seconds > 0 {
		p.ResetTimer(seconds)
	}
	if runTimeError != "" {
		return p.Fail(runTimeError)
	}
	return p.SetStatus(qjob.Finished)
}

// grep returns matching lines, or "" if there are none or the file
// cannot be read.
func (b *base) grep(ctx context.Context, pattern, path string) string {
	out, err := b.host.Grep(ctx, pattern, path)
	if err != nil {
		b.logger.WithError(err).WithField("Path", path).Debug("grep failed")
		return ""
	}
	return strings.TrimSpace(out)
}

// sumWallTimes adds up the wall times on "Total job time:" lines,
// e.g. "Total job time:  12.34s(wall), 10.00s(cpu)".
func sumWallTimes(lines string) int {
	total := 0
	for _, line := range strings.Split(lines, "\n") {
		for _, tok := range strings.Fields(line) {
			if !strings.Contains(tok, "(wall)") {
				continue
			}
			s, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSuffix(tok, ","), "s(wall)"), 64)
			if err == nil {
				total += int(s)
			}
			break
		}
	}
	return total
}
