// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"git.iqmol.org/qjobs.git/lib/host"
	"git.iqmol.org/qjobs.git/sdk/go/qjob"
	"github.com/sirupsen/logrus"
)

// spawner is implemented by hosts that can start detached local
// children, i.e., *host.Local.
type spawner interface {
	Spawn(dir, command, logFile string) (int, error)
	FindDescendant(ctx context.Context, pid int, name string) (string, error)
}

type queuedJob struct {
	ctx context.Context
	p   *qjob.Process
}

// basic runs jobs directly, without a scheduler. Submitted jobs wait
// in a client-side FIFO queue until fewer than jobLimit admitted
// jobs are still being watched.
type basic struct {
	*base

	// pid discovery after a local spawn
	pidRetries  int
	pidInterval time.Duration

	qmtx     sync.Mutex
	jobLimit int
	waiting  []queuedJob
	admitted map[string]bool
}

func newBasic(b *base) *basic {
	return &basic{
		base:        b,
		pidRetries:  5,
		pidInterval: time.Second,
		jobLimit:    b.srv.JobLimit,
		admitted:    map[string]bool{},
	}
}

func (a *basic) TestConfiguration(ctx context.Context) error {
	return a.testFiles(ctx, a.standardTests())
}

func (a *basic) Setup(ctx context.Context, p *qjob.Process) error {
	return a.setup(ctx, p)
}

// JobLimit returns the maximum number of admitted jobs, 0 meaning
// no limit.
func (a *basic) JobLimit() int {
	a.qmtx.Lock()
	defer a.qmtx.Unlock()
	return a.jobLimit
}

// SetJobLimit changes the job limit and admits waiting jobs if the
// limit went up.
func (a *basic) SetJobLimit(limit int) {
	a.qmtx.Lock()
	a.jobLimit = limit
	a.qmtx.Unlock()
	a.runQueue()
}

// Submit queues the job and runs the admission loop. The job itself
// is started in the background once admitted, detached from ctx's
// cancellation.
func (a *basic) Submit(ctx context.Context, p *qjob.Process) (string, error) {
	if err := p.SetStatus(qjob.Queued); err != nil {
		return "", err
	}
	a.qmtx.Lock()
	a.waiting = append(a.waiting, queuedJob{ctx: context.WithoutCancel(ctx), p: p})
	a.qmtx.Unlock()
	msg := fmt.Sprintf("%s submitted to server %s", p.BaseName(), a.srv.Name)
	a.logger.WithField("Process", p.Key()).Info(msg)
	a.runQueue()
	return msg, nil
}

// Release frees p's slot, if it had one, and admits the next job.
func (a *basic) Release(p *qjob.Process) {
	a.qmtx.Lock()
	delete(a.admitted, p.Key())
	a.qmtx.Unlock()
	a.runQueue()
}

// runQueue admits waiting jobs in submission order while there is
// room under the job limit.
func (a *basic) runQueue() {
	var admit []queuedJob
	a.qmtx.Lock()
	for len(a.waiting) > 0 && (a.jobLimit <= 0 || len(a.admitted) < a.jobLimit) {
		job := a.waiting[0]
		a.waiting = a.waiting[1:]
		a.admitted[job.p.Key()] = true
		admit = append(admit, job)
	}
	a.qmtx.Unlock()
	for _, job := range admit {
		go a.start(job.ctx, job.p)
	}
}

// position returns p's 1-based position in the client-side queue
// and the queue length, or 0 if p is not waiting.
func (a *basic) position(p *qjob.Process) (int, int) {
	a.qmtx.Lock()
	defer a.qmtx.Unlock()
	for i, job := range a.waiting {
		if job.p == p {
			return i + 1, len(a.waiting)
		}
	}
	return 0, len(a.waiting)
}

// isAdmitted reports whether p holds a slot. Processes restored
// from a saved list never do, so they are queried like running ones.
func (a *basic) isAdmitted(p *qjob.Process) bool {
	a.qmtx.Lock()
	defer a.qmtx.Unlock()
	return a.admitted[p.Key()]
}

// dequeue removes p from the client-side queue, reporting whether
// it was there.
func (a *basic) dequeue(p *qjob.Process) bool {
	a.qmtx.Lock()
	defer a.qmtx.Unlock()
	for i, job := range a.waiting {
		if job.p == p {
			a.waiting = append(a.waiting[:i:i], a.waiting[i+1:]...)
			return true
		}
	}
	return false
}

// start does the real submission of an admitted job.
func (a *basic) start(ctx context.Context, p *qjob.Process) {
	logger := a.logger.WithField("Process", p.Key())
	if p.Status() != qjob.Queued {
		// killed while waiting for admission
		a.Release(p)
		return
	}
	err := a.createRunFile(ctx, p)
	if err == nil {
		if sp, ok := a.host.(spawner); ok {
			err = a.startLocal(ctx, p, sp)
		} else {
			err = a.startRemote(ctx, p)
		}
	}
	if err != nil {
		logger.WithError(err).Warn("job submission failed")
		if p.Status() == qjob.Queued {
			p.Fail(err.Error())
		} else {
			p.SetComment(err.Error())
		}
		return
	}
	logger.WithField("JobID", p.ID()).Info("job started")
}

// startLocal spawns the submit command and then looks for the
// executable among its descendants, since the direct child is
// usually a wrapper script. If none is found the id stays "0", and
// the next query finds nothing and cleans up.
func (a *basic) startLocal(ctx context.Context, p *qjob.Process, sp spawner) error {
	ji := p.JobInfo()
	dir := a.workingDirectory(&ji)
	if _, err := a.host.Execute(ctx, "cd "+host.ShellQuote(dir)+" && chmod +x "+host.ShellQuote(ji.FileName(qjob.RunFile))); err != nil {
		return err
	}
	p.UpdateJobInfo(func(ji *qjob.JobInfo) { ji.LocalFilesExist = true })
	pid, err := sp.Spawn(dir, a.expand(a.srv.SubmitCommand, p), ji.FileName(qjob.ErrorFile))
	if err != nil {
		return err
	}
	p.SetID("0")
	if err := p.SetStatus(qjob.Running); err != nil {
		return err
	}
	for i := 0; i < a.pidRetries; i++ {
		select {
		case <-time.After(a.pidInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
		id, err := sp.FindDescendant(ctx, pid, a.srv.ExecutableName)
		if err != nil {
			a.logger.WithError(err).Debug("pid lookup failed")
		}
		if id != "" {
			p.SetID(id)
			break
		}
	}
	return nil
}

// startRemote runs the submit command in the background on the
// server, then the query command, and takes the newest matching
// process as the job.
func (a *basic) startRemote(ctx context.Context, p *qjob.Process) error {
	ji := p.JobInfo()
	dir := a.workingDirectory(&ji)
	// the run file must be executable
	a.host.Execute(ctx, "cd "+host.ShellQuote(dir)+" && chmod +x "+host.ShellQuote(ji.FileName(qjob.RunFile)))
	out, err := a.host.Execute(ctx, a.submitCommand(p)+" && sleep 1 && "+a.expand(a.srv.QueryCommand, p))
	if err != nil && host.ExitStatus(err) < 0 {
		return err
	}
	p.SetID("0")
	id, found := newestProcess(out, 5)
	if found {
		p.SetID(id)
	}
	// Assume it started; a later query will find out if it has
	// already finished.
	if err := p.SetStatus(qjob.Running); err != nil {
		return err
	}
	if !found {
		return errors.New("Process not found")
	}
	return nil
}

// newestProcess finds, among "command pid time" lines, the pid of the
// process with the smallest elapsed time below maxSeconds.
func newestProcess(psOutput string, maxSeconds int) (string, bool) {
	id, found := "", false
	tmin := maxSeconds
	for _, line := range strings.Split(psOutput, "\n") {
		fields := strings.Fields(line)
		if len(fields) != 3 {
			continue
		}
		if t := qjob.ParseElapsed(fields[2]); t >= 0 && t < tmin {
			tmin, id, found = t, fields[1], true
		}
	}
	return id, found
}

func (a *basic) Kill(ctx context.Context, p *qjob.Process) error {
	if a.dequeue(p) {
		a.logger.WithField("Process", p.Key()).Info("removed from client-side queue")
		return nil
	}
	return a.base.Kill(ctx, p)
}

// Query reports a job still in the client-side queue without
// contacting the server.
func (a *basic) Query(ctx context.Context, p *qjob.Process) (qjob.Status, string, error) {
	if i, n := a.position(p); i > 0 {
		return qjob.Queued, fmt.Sprintf("Process %d of %d in queue", i, n), nil
	}
	if p.Status() == qjob.Queued && a.isAdmitted(p) {
		// submission in progress
		return qjob.Queued, "Submitting", nil
	}
	out, err := a.queryOutput(ctx, a.expand(a.srv.QueryCommand, p))
	if err != nil {
		return qjob.Unknown, "", err
	}
	status, seconds := parseBasic(out, a.srv.ExecutableName, p.ID())
	if seconds >= 0 {
		p.ResetTimer(seconds)
	}
	a.logger.WithFields(logrus.Fields{"Process": p.Key(), "Status": status}).Debug("queried")
	return status, out, nil
}

// parseBasic looks for a line naming the executable and the job's
// pid, as printed by "ps -o command=,pid=,time=". It returns Running
// and the elapsed time from the line's last field, or Unknown and -1.
func parseBasic(out, exe, id string) (qjob.Status, int) {
	if id == "" {
		return qjob.Unknown, -1
	}
	for _, line := range strings.Split(out, "\n") {
		if !strings.Contains(line, exe) || !strings.Contains(" "+line+" ", " "+id+" ") {
			continue
		}
		fields := strings.Fields(line)
		return qjob.Running, qjob.ParseElapsed(fields[len(fields)-1])
	}
	return qjob.Unknown, -1
}
