// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"git.iqmol.org/qjobs.git/sdk/go/qjob"
	"github.com/dustin/go-humanize"
)

// pbs submits jobs to a PBS/Torque server with qsub and follows them
// with "qstat -f".
type pbs struct {
	*base
}

func (a *pbs) TestConfiguration(ctx context.Context) error {
	if err := a.testFiles(ctx, a.standardTests()); err != nil {
		return err
	}
	if a.srv.QueueInfo == "" {
		return nil
	}
	out, err := a.queueInfo(ctx)
	if err != nil {
		return err
	}
	queues := parsePBSQueues(out)
	a.logger.WithField("Queues", len(queues)).Info("PBS queues found")
	a.setQueues(queues)
	return nil
}

func (a *pbs) ConfigureJob(p *qjob.Process) error {
	queues := a.Queues()
	if len(queues) == 0 {
		return errors.New("No PBS queues found")
	}
	return configureFromQueues(p, queues)
}

func (a *pbs) Setup(ctx context.Context, p *qjob.Process) error {
	return a.setup(ctx, p)
}

// Submit writes the run file and calls qsub, whose reply is the job
// id, e.g., "12345.server".
func (a *pbs) Submit(ctx context.Context, p *qjob.Process) (string, error) {
	if err := a.createRunFile(ctx, p); err != nil {
		return "", err
	}
	out, err := a.host.Execute(ctx, a.submitCommand(p))
	id := strings.TrimSpace(out)
	if err != nil || id == "" {
		if err != nil {
			a.logger.WithError(err).Warn("qsub failed")
		}
		return "", errors.New("Failed to submit job to PBS server")
	}
	p.SetID(id)
	if err := p.SetStatus(qjob.Queued); err != nil {
		return "", err
	}
	return fmt.Sprintf("Job %s submitted to server %s", id, a.srv.Name), nil
}

func (a *pbs) Query(ctx context.Context, p *qjob.Process) (qjob.Status, string, error) {
	out, err := a.queryOutput(ctx, a.expand(a.srv.QueryCommand, p))
	if err != nil {
		return qjob.Unknown, "", err
	}
	return parsePBS(out, p), out, nil
}

// parsePBS reads "qstat -f" output. A job the server has forgotten,
// or reports as finished, is Unknown so that it gets cleaned up.
func parsePBS(out string, p *qjob.Process) qjob.Status {
	status := qjob.Unknown
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		switch {
		case strings.Contains(line, "job_state ="):
			if len(fields) < 3 {
				continue
			}
			switch fields[2] {
			case "R", "E":
				status = qjob.Running
			case "S", "H":
				status = qjob.Suspended
			case "Q", "W":
				status = qjob.Queued
			}
		case strings.Contains(line, "resources_used.walltime ="):
			p.ResetTimer(qjob.ParseElapsed(fields[len(fields)-1]))
		case strings.Contains(line, "comment ="):
			_, comment, _ := strings.Cut(line, "comment =")
			p.SetComment(strings.TrimSpace(comment))
		}
	}
	return status
}

// parsePBSQueues reads "qstat -fQ" output.
func parsePBSQueues(out string) []Queue {
	var queues []Queue
	var q *Queue
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if strings.Contains(line, "Queue: ") && len(fields) > 1 {
			queues = append(queues, Queue{Name: fields[1]})
			q = &queues[len(queues)-1]
			continue
		}
		if q == nil || len(fields) < 3 {
			continue
		}
		value := fields[2]
		switch fields[0] {
		case "resources_max.walltime":
			q.MaxWalltime = value
		case "resources_default.walltime":
			q.DefaultWalltime = value
		case "resources_max.vmem", "resources_max.mem":
			q.MaxMemory = parseResource(value)
		case "resources_min.vmem", "resources_min.mem":
			q.MinMemory = parseResource(value)
		case "resources_default.vmem", "resources_default.mem":
			q.DefaultMemory = parseResource(value)
		case "resources_max.jobfs":
			q.MaxJobfs = parseResource(value)
		case "resources_min.jobfs":
			q.MinJobfs = parseResource(value)
		case "resources_default.jobfs":
			q.DefaultJobfs = parseResource(value)
		case "resources_max.ncpus":
			q.MaxCpus, _ = strconv.Atoi(value)
		case "resources_min.ncpus":
			q.MinCpus, _ = strconv.Atoi(value)
		case "resources_default.ncpus":
			q.DefaultCpus, _ = strconv.Atoi(value)
		}
	}
	return queues
}

// parseResource converts a PBS size like "2gb" or "512mb" to MB.
// PBS units are binary. It returns 0 if the size cannot be parsed.
func parseResource(s string) int {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, unit := range []string{"tb", "gb", "mb", "kb"} {
		if strings.HasSuffix(s, unit) {
			s = strings.TrimSuffix(s, "b") + "ib"
			break
		}
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0
	}
	return int(n >> 20)
}

// configureFromQueues picks the job's queue (the one it names, else
// the first), fills in the queue's defaults for resources the job
// leaves unset, and checks the request against the queue's limits.
func configureFromQueues(p *qjob.Process, queues []Queue) error {
	ji := p.JobInfo()
	var q *Queue
	if ji.Queue == "" {
		q = &queues[0]
	} else {
		for i := range queues {
			if queues[i].Name == ji.Queue {
				q = &queues[i]
				break
			}
		}
		if q == nil {
			return fmt.Errorf("Queue %s not found on server %s", ji.Queue, ji.ServerName)
		}
	}
	if ji.Walltime == "" {
		ji.Walltime = q.DefaultWalltime
	}
	if ji.Memory == 0 {
		ji.Memory = q.DefaultMemory
	}
	if ji.Jobfs == 0 {
		ji.Jobfs = q.DefaultJobfs
	}
	if ji.Ncpus == 0 {
		ji.Ncpus = q.DefaultCpus
	}
	if q.MaxWalltime != "" && ji.Walltime != "" {
		if max, req := qjob.ParseElapsed(q.MaxWalltime), qjob.ParseElapsed(ji.Walltime); max >= 0 && req > max {
			return fmt.Errorf("Walltime %s exceeds the maximum of %s for queue %s", ji.Walltime, q.MaxWalltime, q.Name)
		}
	}
	if err := checkLimit("Memory", ji.Memory, q.MinMemory, q.MaxMemory, q.Name); err != nil {
		return err
	}
	if err := checkLimit("Jobfs", ji.Jobfs, q.MinJobfs, q.MaxJobfs, q.Name); err != nil {
		return err
	}
	if err := checkLimit("Ncpus", ji.Ncpus, q.MinCpus, q.MaxCpus, q.Name); err != nil {
		return err
	}
	p.UpdateJobInfo(func(dst *qjob.JobInfo) {
		dst.Queue = q.Name
		dst.Walltime = ji.Walltime
		dst.Memory = ji.Memory
		dst.Jobfs = ji.Jobfs
		dst.Ncpus = ji.Ncpus
	})
	return nil
}

func checkLimit(what string, n, min, max int, queue string) error {
	if n == 0 {
		return nil
	}
	if min > 0 && n < min {
		return fmt.Errorf("%s %d is below the minimum of %d for queue %s", what, n, min, queue)
	}
	if max > 0 && n > max {
		return fmt.Errorf("%s %d exceeds the maximum of %d for queue %s", what, n, max, queue)
	}
	return nil
}
