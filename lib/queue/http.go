// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package queue

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"git.iqmol.org/qjobs.git/sdk/go/qjob"
	"github.com/sirupsen/logrus"
)

// A Requester calls a CGI script with arguments and returns the
// response body, i.e., *host.Web.
type Requester interface {
	Request(ctx context.Context, script string, vals url.Values) (string, error)
}

// httpFinal is how the server last reported a job that is no longer
// queued or running.
type httpFinal struct {
	ok      bool
	message string
}

// httpAdapter drives a server that runs jobs itself and exposes them
// through CGI scripts. The server assigns the job id when the input
// is uploaded, and queues the job at once.
type httpAdapter struct {
	*base
	req Requester

	limits map[string]string
	final  map[string]httpFinal
}

// TestConfiguration fetches the server's limits, e.g.,
// "ncpus=4 memory=2048 walltime=24:00:00".
func (a *httpAdapter) TestConfiguration(ctx context.Context) error {
	if a.srv.QueueInfo == "" {
		return nil
	}
	out, err := a.host.Execute(ctx, a.expand(a.srv.QueueInfo, nil))
	if err != nil {
		return err
	}
	limits := a.parseLimits(out)
	a.mtx.Lock()
	a.limits = limits
	a.mtx.Unlock()
	return nil
}

// Limits returns the limits last reported by the server.
func (a *httpAdapter) Limits() map[string]string {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	limits := make(map[string]string, len(a.limits))
	for k, v := range a.limits {
		limits[k] = v
	}
	return limits
}

func (a *httpAdapter) parseLimits(out string) map[string]string {
	limits := map[string]string{}
	for _, tok := range strings.Fields(out) {
		k, v, ok := strings.Cut(tok, "=")
		if !ok || k == "" || v == "" {
			a.logger.WithField("Token", tok).Debug("invalid limit format")
			continue
		}
		limits[k] = v
	}
	return limits
}

// ConfigureJob checks the job against the server's limits.
func (a *httpAdapter) ConfigureJob(p *qjob.Process) error {
	limits := a.Limits()
	ji := p.JobInfo()
	for _, check := range []struct {
		key string
		n   int
	}{{"ncpus", ji.Ncpus}, {"memory", ji.Memory}, {"jobfs", ji.Jobfs}} {
		max, err := strconv.Atoi(limits[check.key])
		if err != nil || check.n == 0 {
			continue
		}
		if check.n > max {
			return fmt.Errorf("%s %d exceeds the server limit of %d", check.key, check.n, max)
		}
	}
	if max := qjob.ParseElapsed(limits["walltime"]); max >= 0 && ji.Walltime != "" && qjob.ParseElapsed(ji.Walltime) > max {
		return fmt.Errorf("walltime %s exceeds the server limit of %s", ji.Walltime, limits["walltime"])
	}
	return nil
}

// Setup uploads the input. The reply carries the id the server gave
// the job, which also names the job's directory on the server.
func (a *httpAdapter) Setup(ctx context.Context, p *qjob.Process) error {
	ji := p.JobInfo()
	reply, err := a.req.Request(ctx, "push.cgi", url.Values{
		"content": {ji.InputString},
		"name":    {ji.BaseName},
	})
	if err != nil {
		return errors.New("Failed to copy input to server:\n" + err.Error())
	}
	id, err := parseJobID(reply)
	if err != nil {
		return errors.New("Failed to copy input to server:\n" + err.Error())
	}
	p.SetID(id)
	p.UpdateJobInfo(func(ji *qjob.JobInfo) { ji.RemoteWorkingDirectory = id })
	a.logger.WithFields(logrus.Fields{"Process": p.Key(), "JobID": id}).Info("input uploaded")
	return nil
}

func parseJobID(reply string) (string, error) {
	for _, tok := range strings.Fields(reply) {
		v, ok := strings.CutPrefix(tok, "jobID=")
		if !ok {
			continue
		}
		if _, err := strconv.Atoi(v); err != nil {
			return "", fmt.Errorf("Invalid jobID %q", v)
		}
		return v, nil
	}
	return "", fmt.Errorf("Invalid jobID: no jobID in %q", strings.TrimSpace(reply))
}

// Submit only marks the job Queued: the server queued it when the
// input was uploaded.
func (a *httpAdapter) Submit(ctx context.Context, p *qjob.Process) (string, error) {
	if err := p.SetStatus(qjob.Queued); err != nil {
		return "", err
	}
	msg := fmt.Sprintf("%s submitted to server %s", p.BaseName(), a.srv.Name)
	a.logger.WithField("Process", p.Key()).Info(msg)
	return msg, nil
}

func (a *httpAdapter) Query(ctx context.Context, p *qjob.Process) (qjob.Status, string, error) {
	out, err := a.host.Execute(ctx, a.expand(a.srv.QueryCommand, p))
	if err != nil {
		return qjob.Unknown, "", err
	}
	status, final := a.parse(out, p)
	if final != nil {
		a.mtx.Lock()
		a.final[p.Key()] = *final
		a.mtx.Unlock()
	}
	return status, out, nil
}

// parse understands "status=QUEUED|RUNNING|DONE|ERROR" replies, with
// an optional "message=..." token, and otherwise looks for a ps-style
// line naming the executable and the job id. Finished jobs are
// reported Unknown along with how they finished.
func (a *httpAdapter) parse(out string, p *qjob.Process) (qjob.Status, *httpFinal) {
	var state, message string
	for _, tok := range strings.Fields(out) {
		if v, ok := strings.CutPrefix(tok, "status="); ok {
			state = strings.ToUpper(v)
		} else if v, ok := strings.CutPrefix(tok, "message="); ok {
			if m, err := url.QueryUnescape(v); err == nil {
				message = m
			} else {
				message = v
			}
		}
	}
	switch state {
	case "QUEUED":
		return qjob.Queued, nil
	case "RUNNING":
		return qjob.Running, nil
	case "DONE":
		return qjob.Unknown, &httpFinal{ok: true}
	case "ERROR":
		if message == "" {
			message = "Job failed"
		}
		return qjob.Unknown, &httpFinal{message: message}
	}
	status, seconds := parseBasic(out, a.srv.ExecutableName, p.ID())
	p.ResetTimer(seconds)
	return status, nil
}

// CleanUp uses what the server last reported about the job. Without
// that, the output is inspected the usual way.
func (a *httpAdapter) CleanUp(ctx context.Context, p *qjob.Process) error {
	a.mtx.Lock()
	final, ok := a.final[p.Key()]
	delete(a.final, p.Key())
	a.mtx.Unlock()
	if !ok {
		return a.base.CleanUp(ctx, p)
	}
	if p.Status().Terminal() {
		return nil
	}
	if s := p.Status(); s == qjob.Queued || s == qjob.Suspended {
		p.SetStatus(qjob.Unknown)
	}
	if !final.ok {
		return p.Fail(final.message)
	}
	return p.SetStatus(qjob.Finished)
}

// CopyResults copies the standard files and any ResultFiles matches
// found by the server's listing script. Sizes are not available, so
// no progress is reported.
func (a *httpAdapter) CopyResults(ctx context.Context, p *qjob.Process) error {
	listing := ""
	if len(a.srv.ResultFiles) > 0 && a.srv.JobFileList != "" {
		out, err := a.host.Execute(ctx, a.expand(a.srv.JobFileList, p))
		if err != nil {
			a.logger.WithError(err).Warn("listing job files failed")
		}
		listing = out
	}
	ji := p.JobInfo()
	return a.copyFiles(ctx, p, a.resultFiles(&ji, listing), false)
}

func (a *httpAdapter) Release(p *qjob.Process) {
	a.mtx.Lock()
	delete(a.final, p.Key())
	a.mtx.Unlock()
}
