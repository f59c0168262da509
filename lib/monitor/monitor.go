// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package monitor coordinates job submission and keeps the list of
// processes the user has submitted.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"git.iqmol.org/qjobs.git/lib/config"
	"git.iqmol.org/qjobs.git/lib/queue"
	"git.iqmol.org/qjobs.git/lib/server"
	"git.iqmol.org/qjobs.git/lib/task"
	"git.iqmol.org/qjobs.git/sdk/go/qjob"
	"github.com/sirupsen/logrus"
)

var (
	ErrSubmissionPending   = errors.New("Job submission pending, cannot submit additional jobs")
	ErrInvalidServer       = errors.New("Invalid server")
	ErrSubmissionCancelled = errors.New("Job submission cancelled")
	ErrProcessNotFound     = errors.New("Process not found")
)

type Options struct {
	Registry *server.Registry
	Listener Listener
	Chooser  Chooser
	Logger   logrus.FieldLogger

	// File where the process list is kept. If empty, the list
	// is not persisted.
	ProcessList string
	// Local parent directory for the results of jobs that do not
	// name a local working directory.
	ResultsDirectory string
	// Interval between local refreshes. Default 1s.
	RefreshInterval time.Duration
}

// A Coordinator submits jobs through the servers in a registry and
// keeps the list of submitted processes.
type Coordinator struct {
	reg         *server.Registry
	listener    Listener
	chooser     Chooser
	logger      logrus.FieldLogger
	processList string
	resultsDir  string
	refresh     time.Duration

	mtx      sync.Mutex
	pending  bool
	procs    []*qjob.Process
	finished map[string]bool

	saveMtx sync.Mutex
}

func New(opts Options) *Coordinator {
	c := &Coordinator{
		reg:         opts.Registry,
		listener:    opts.Listener,
		chooser:     opts.Chooser,
		logger:      opts.Logger,
		processList: opts.ProcessList,
		resultsDir:  opts.ResultsDirectory,
		refresh:     opts.RefreshInterval,
		finished:    map[string]bool{},
	}
	if c.listener == nil {
		c.listener = nopListener{}
	}
	if c.chooser == nil {
		c.chooser = AutoChooser{}
	}
	if c.logger == nil {
		c.logger = logrus.StandardLogger()
	}
	if c.refresh <= 0 {
		c.refresh = time.Second
	}
	return c
}

// SubmitJob starts submitting a job. Only one submission may be in
// flight at a time. Connecting to the server happens before SubmitJob
// returns, and may prompt for credentials; the rest happens in the
// returned task, whose error is a message for the user. ctx bounds
// the whole submission.
//
// On success the process is added to the list and watched. On any
// error nothing is kept, and the job can be submitted again.
func (c *Coordinator) SubmitJob(ctx context.Context, ji qjob.JobInfo) (*task.Task, error) {
	c.mtx.Lock()
	if c.pending {
		c.mtx.Unlock()
		return nil, ErrSubmissionPending
	}
	c.pending = true
	c.mtx.Unlock()

	if err := ji.Validate(); err != nil {
		c.clearPending()
		return nil, err
	}
	srv, ok := c.reg.Get(ji.ServerName)
	if !ok {
		c.clearPending()
		return nil, ErrInvalidServer
	}
	if !srv.Connected() {
		c.listener.StatusMessage("Connecting to server...")
		if err := srv.Connect(ctx); err != nil {
			c.clearPending()
			return nil, fmt.Errorf("Failed to connect to server %s:\n%s", srv.Name(), err)
		}
		c.listener.StatusMessage("Testing configuration...")
	}

	p := qjob.NewProcess(ji)
	t := task.New("submit "+ji.BaseName, func(ctx context.Context) (string, error) {
		defer c.clearPending()
		return c.submit(ctx, srv, p)
	})
	t.OnDone(func(res task.Result) {
		c.clearPending()
		if res.Err != nil {
			c.logger.WithField("Job", ji.BaseName).WithError(res.Err).Info("submission failed")
		}
	})
	t.Start(ctx)
	return t, nil
}

// ProcessList returns the file where the process list is kept.
func (c *Coordinator) ProcessList() string {
	return c.processList
}

// Pending returns true while a submission is in flight.
func (c *Coordinator) Pending() bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.pending
}

func (c *Coordinator) clearPending() {
	c.mtx.Lock()
	c.pending = false
	c.mtx.Unlock()
}

func (c *Coordinator) submit(ctx context.Context, srv *server.Server, p *qjob.Process) (string, error) {
	res := srv.TestConfiguration().Wait(ctx)
	if res.Outcome == task.Killed {
		return "", task.ErrCancelled
	}
	if res.Err != nil {
		return "", errors.New("Problem submitting job:\n" + res.Err.Error())
	}

	c.listener.StatusMessage("Determining working directory...")
	if err := c.chooseDirectory(ctx, srv, p); err != nil {
		return "", err
	}
	for {
		res = srv.Setup(p).Wait(ctx)
		if res.Outcome == task.Killed {
			return "", task.ErrCancelled
		}
		if !errors.Is(res.Err, queue.ErrDirectoryExists) {
			break
		}
		dir := p.JobInfo().RemoteWorkingDirectory
		if c.chooser.Overwrite(ctx, srv.Name(), dir) {
			p.UpdateJobInfo(func(ji *qjob.JobInfo) { ji.PromptOnOverwrite = false })
			continue
		}
		if err := c.chooseDirectory(ctx, srv, p); err != nil {
			return "", err
		}
		if p.JobInfo().RemoteWorkingDirectory == dir {
			return "", fmt.Errorf("Problem setting up Job:\nDirectory %s exists", dir)
		}
	}
	if res.Err != nil {
		return "", errors.New("Problem setting up Job:\n" + res.Err.Error())
	}

	c.listener.StatusMessage("Configuring options...")
	if err := srv.ConfigureJob(p); err != nil {
		return "", errors.New("Problem configuring Job:\n" + err.Error())
	}

	c.listener.StatusMessage("Submitting job...")
	res = srv.Submit(p).Wait(ctx)
	if res.Outcome == task.Killed {
		c.withdraw(ctx, srv, p)
		return "", task.ErrCancelled
	}
	if res.Err != nil {
		return "", errors.New("Problem submitting Job:\n" + res.Err.Error())
	}
	c.accept(srv, p)
	return res.Output, nil
}

// chooseDirectory asks for the job's working directory and renames
// the job after it. Web servers name the directory themselves.
func (c *Coordinator) chooseDirectory(ctx context.Context, srv *server.Server, p *qjob.Process) error {
	kind := srv.Config().Host
	if kind == config.Web {
		return nil
	}
	ji := p.JobInfo()
	def := ji.RemoteWorkingDirectory
	if kind == config.Local && ji.LocalWorkingDirectory != "" {
		def = ji.LocalWorkingDirectory
	}
	if def == "" {
		def = srv.Host().WorkingDirectory(ji.BaseName)
	}
	dir, ok := c.chooser.WorkingDirectory(ctx, srv.Name(), def)
	dir = strings.TrimRight(strings.TrimSpace(dir), `/\`)
	if !ok || dir == "" {
		return ErrSubmissionCancelled
	}
	name := path.Base(dir)
	if strings.Contains(name, " ") {
		return errors.New("Directory name cannot contain spaces")
	}
	p.UpdateJobInfo(func(ji *qjob.JobInfo) {
		ji.RemoteWorkingDirectory = dir
		if kind == config.Local {
			ji.LocalWorkingDirectory = dir
			ji.BaseName = name
			return
		}
		ji.BaseName = strings.TrimSuffix(name, path.Ext(name))
		if ji.LocalWorkingDirectory == "" && c.resultsDir != "" {
			ji.LocalWorkingDirectory = filepath.Join(c.resultsDir, ji.BaseName)
		}
	})
	return nil
}

// withdraw kills a job whose submission was cancelled after the
// server had already taken it, and gives back its slot.
func (c *Coordinator) withdraw(ctx context.Context, srv *server.Server, p *qjob.Process) {
	if !p.Status().Active() {
		return
	}
	logger := c.logger.WithField("Process", p.Key())
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer cancel()
	if err := srv.Adapter().Kill(ctx, p); err != nil {
		logger.WithError(err).Warn("kill after cancelled submission failed")
	}
	if err := p.SetStatus(qjob.Killed); err != nil {
		logger.WithError(err).Debug("status not updated")
	}
	srv.Adapter().Release(p)
	logger.Info("cancelled submission withdrawn")
}

func (c *Coordinator) accept(srv *server.Server, p *qjob.Process) {
	c.listener.JobAccepted(p)
	srv.Watch(p)
	c.add(p)
	if err := c.Save(); err != nil {
		c.logger.WithError(err).Warn("saving process list failed")
	}
}

func (c *Coordinator) add(p *qjob.Process) {
	c.mtx.Lock()
	c.procs = append(c.procs, p)
	if p.Status().Terminal() {
		c.finished[p.Key()] = true
	}
	c.mtx.Unlock()
	p.OnChange(c.changed)
}

func (c *Coordinator) changed(p *qjob.Process) {
	c.listener.ProcessUpdated(p)
	if p.Status().Terminal() {
		c.mtx.Lock()
		first := !c.finished[p.Key()]
		c.finished[p.Key()] = true
		c.mtx.Unlock()
		if first {
			c.listener.ProcessFinished(p)
			if ji := p.JobInfo(); p.Status() == qjob.Finished && ji.LocalFilesExist {
				c.listener.ResultsAvailable(ji)
			}
		}
	}
	if err := c.Save(); err != nil {
		c.logger.WithError(err).Warn("saving process list failed")
	}
}

// Processes returns the listed processes in the order they were
// added.
func (c *Coordinator) Processes() []*qjob.Process {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return append([]*qjob.Process(nil), c.procs...)
}

// Process returns the listed process with the given key.
func (c *Coordinator) Process(key string) (*qjob.Process, bool) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	for _, p := range c.procs {
		if p.Key() == key {
			return p, true
		}
	}
	return nil, false
}

// server returns p's server, connected.
func (c *Coordinator) server(ctx context.Context, p *qjob.Process) (*server.Server, error) {
	srv, ok := c.reg.Get(p.ServerName())
	if !ok {
		return nil, errors.New("Server not found")
	}
	if err := srv.Connect(ctx); err != nil {
		return nil, fmt.Errorf("Failed to connect to server %s:\n%s", srv.Name(), err)
	}
	return srv, nil
}

// follow returns a started task that waits for t and prefixes its
// error. If t succeeds with no output, the result has output def.
func follow(ctx context.Context, t *task.Task, prefix, def string, after func(task.Result)) *task.Task {
	f := task.New(t.Name(), func(ctx context.Context) (string, error) {
		res := t.Wait(ctx)
		if after != nil {
			after(res)
		}
		switch {
		case res.Outcome == task.Killed:
			return res.Output, task.ErrCancelled
		case res.Err != nil:
			return res.Output, errors.New(prefix + res.Err.Error())
		case res.Output == "":
			return def, nil
		}
		return res.Output, nil
	})
	f.Start(ctx)
	return f
}

// KillProcess starts killing p, or removing it from its queue.
func (c *Coordinator) KillProcess(ctx context.Context, p *qjob.Process) (*task.Task, error) {
	if !p.Status().Active() {
		return nil, fmt.Errorf("Process %s is not active", p.BaseName())
	}
	srv, err := c.server(ctx, p)
	if err != nil {
		return nil, err
	}
	t, err := srv.Kill(ctx, p)
	if err != nil {
		return nil, err
	}
	return follow(ctx, t, fmt.Sprintf("Failed to kill job %s\n", p.BaseName()), "", nil), nil
}

// QueryProcess returns a task whose output describes p. Only queued,
// running and suspended processes are asked about; for the others
// the task is already done.
func (c *Coordinator) QueryProcess(ctx context.Context, p *qjob.Process) (*task.Task, error) {
	ji := p.JobInfo()
	var msg string
	switch p.DisplayStatus() {
	case qjob.NotRunning:
		msg = "Process not yet started"
	case qjob.Queued, qjob.Running, qjob.Suspended:
		if _, ok := c.reg.Get(p.ServerName()); !ok {
			msg = "Server not found"
			break
		}
		srv, err := c.server(ctx, p)
		if err != nil {
			return nil, err
		}
		if !srv.IsWatched(p) {
			srv.Watch(p)
		}
		t, err := srv.Query(ctx, p)
		if err != nil {
			return nil, err
		}
		return follow(ctx, t, "", "No information available", nil), nil
	case qjob.Copying:
		msg = "Copying files from server"
	case qjob.Killed:
		msg = "Process killed. R.I.P."
	case qjob.Error:
		msg = "Job failed:\n" + p.Comment()
	case qjob.Finished:
		if ji.LocalFilesExist {
			msg = "Job finished.  Results are in\n" + ji.LocalWorkingDirectory
		} else {
			msg = "Job finished.  Results not yet copied from server"
		}
	case qjob.Unknown:
		msg = "Status unknown, possibly due to a timeout on the server"
	}
	return task.Nop("query "+ji.BaseName, msg), nil
}

// CopyResults starts copying p's files to its local working
// directory, unless they are there already or on their way.
func (c *Coordinator) CopyResults(ctx context.Context, p *qjob.Process) (*task.Task, error) {
	ji := p.JobInfo()
	if ji.LocalFilesExist {
		return task.Nop("copy "+ji.BaseName, "Results are in the directory:\n"+ji.LocalWorkingDirectory), nil
	}
	if p.DisplayStatus() == qjob.Copying {
		return task.Nop("copy "+ji.BaseName, "Results are already being transfered.\nBe patient..."), nil
	}
	if ji.LocalWorkingDirectory == "" {
		if c.resultsDir == "" {
			return nil, errors.New("No local directory for results")
		}
		ji.LocalWorkingDirectory = filepath.Join(c.resultsDir, ji.BaseName)
		p.UpdateJobInfo(func(j *qjob.JobInfo) { j.LocalWorkingDirectory = ji.LocalWorkingDirectory })
	}
	if err := os.MkdirAll(ji.LocalWorkingDirectory, 0755); err != nil {
		return nil, err
	}
	srv, err := c.server(ctx, p)
	if err != nil {
		return nil, err
	}
	t, err := srv.CopyResults(ctx, p)
	if err != nil {
		return nil, err
	}
	prefix := fmt.Sprintf("Problem copying files for job %s from server %s:\n", ji.BaseName, srv.Name())
	return follow(ctx, t, prefix, "", func(res task.Result) {
		if res.Outcome == task.Finished && res.Err == nil {
			c.listener.ResultsAvailable(p.JobInfo())
		}
	}), nil
}

// RemoveProcess drops p from the list and from its server's watch
// list. The job itself is not touched.
func (c *Coordinator) RemoveProcess(p *qjob.Process) error {
	c.mtx.Lock()
	i := c.index(p)
	if i < 0 {
		c.mtx.Unlock()
		return ErrProcessNotFound
	}
	c.procs = append(c.procs[:i], c.procs[i+1:]...)
	delete(c.finished, p.Key())
	c.mtx.Unlock()
	c.release(p)
	return c.Save()
}

func (c *Coordinator) index(p *qjob.Process) int {
	for i, q := range c.procs {
		if q == p {
			return i
		}
	}
	return -1
}

func (c *Coordinator) release(p *qjob.Process) {
	p.OnChange(nil)
	if srv, ok := c.reg.Get(p.ServerName()); ok {
		srv.Unwatch(p)
	}
}

// ClearProcessList removes processes from the list: only the killed,
// failed and finished ones if finishedOnly is true. Running jobs are
// not stopped. It returns the number removed.
func (c *Coordinator) ClearProcessList(finishedOnly bool) (int, error) {
	c.mtx.Lock()
	var keep, removed []*qjob.Process
	for _, p := range c.procs {
		if finishedOnly && !p.Status().Terminal() {
			keep = append(keep, p)
			continue
		}
		removed = append(removed, p)
		delete(c.finished, p.Key())
	}
	c.procs = keep
	c.mtx.Unlock()
	for _, p := range removed {
		c.release(p)
	}
	return len(removed), c.Save()
}

// ReconnectServers connects the servers of processes whose status is
// Queued or Unknown, typically after Load, and queries them.
func (c *Coordinator) ReconnectServers(ctx context.Context) error {
	names := map[string]bool{}
	for _, p := range c.Processes() {
		if s := p.Status(); s == qjob.Queued || s == qjob.Unknown {
			names[p.ServerName()] = true
		}
	}
	var errs []error
	for _, name := range sortedKeys(names) {
		srv, ok := c.reg.Get(name)
		if !ok {
			continue
		}
		logger := c.logger.WithField("Server", name)
		logger.Info("reconnecting")
		if err := srv.Connect(ctx); err != nil {
			logger.WithError(err).Warn("reconnect failed")
			errs = append(errs, fmt.Errorf("Failed to reconnect to server: %s:\n%s", name, err))
			continue
		}
		srv.Update(ctx)
	}
	return errors.Join(errs...)
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Run refreshes running processes until ctx is done. Status queries
// are made by the registry, not here.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.refresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, p := range c.Processes() {
				if s := p.DisplayStatus(); s == qjob.Running || s == qjob.Copying {
					c.listener.ProcessUpdated(p)
				}
			}
		}
	}
}
