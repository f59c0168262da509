// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package queue

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"git.iqmol.org/qjobs.git/lib/host"
	"git.iqmol.org/qjobs.git/sdk/go/qjob"
)

// sge submits jobs to a Sun/Univa Grid Engine server.
type sge struct {
	*base
}

var sgeCPU = regexp.MustCompile(`cpu=([\d:]+)`)

// SGE servers often have no Q-Chem environment visible from the
// login node, so only the working directory is checked.
func (a *sge) TestConfiguration(ctx context.Context) error {
	var tests []fileTest
	if a.srv.WorkingDirectory != "" {
		tests = append(tests, fileTest{a.srv.WorkingDirectory, host.Directory | host.Writable | host.Create})
	}
	if err := a.testFiles(ctx, tests); err != nil {
		return err
	}
	if a.srv.QueueInfo == "" {
		return nil
	}
	out, err := a.queueInfo(ctx)
	if err != nil {
		return err
	}
	queues := parseSGEQueues(out)
	a.logger.WithField("Queues", len(queues)).Info("SGE queues found")
	a.setQueues(queues)
	return nil
}

func (a *sge) ConfigureJob(p *qjob.Process) error {
	queues := a.Queues()
	if len(queues) == 0 {
		return errors.New("No queues found")
	}
	return configureFromQueues(p, queues)
}

func (a *sge) Setup(ctx context.Context, p *qjob.Process) error {
	return a.setup(ctx, p)
}

// Submit writes the run file and calls qsub, which answers e.g.
// `Your job 2834 ("test.sh") has been submitted`.
func (a *sge) Submit(ctx context.Context, p *qjob.Process) (string, error) {
	if err := a.createRunFile(ctx, p); err != nil {
		return "", err
	}
	out, err := a.host.Execute(ctx, a.submitCommand(p))
	if err != nil {
		a.logger.WithError(err).Warn("qsub failed")
	}
	fields := strings.Fields(out)
	if !strings.Contains(out, "has been submitted") || len(fields) < 3 {
		return "", errors.New("Failed to submit job to SGE server:\n" + strings.TrimSpace(out))
	}
	id := fields[2]
	p.SetID(id)
	if err := p.SetStatus(qjob.Queued); err != nil {
		return "", err
	}
	return fmt.Sprintf("Job %s submitted to server %s", id, a.srv.Name), nil
}

func (a *sge) Query(ctx context.Context, p *qjob.Process) (qjob.Status, string, error) {
	out, err := a.queryOutput(ctx, a.expand(a.srv.QueryCommand, p))
	if err != nil {
		return qjob.Unknown, "", err
	}
	return parseSGE(out, p), out, nil
}

// parseSGE reads qstat output. The job's line has its state in the
// fifth column, e.g., "qw", "r", "s"; "qstat -j" adds a usage line
// with the cpu time used so far.
func parseSGE(out string, p *qjob.Process) qjob.Status {
	status := qjob.Unknown
	if strings.TrimSpace(out) == "" || strings.Contains(out, "not exist") {
		return status
	}
	id := p.ID()
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		switch {
		case len(fields) >= 5 && id != "" && strings.Contains(fields[0], id):
			state := fields[4]
			switch {
			case strings.Contains(state, "q"):
				status = qjob.Queued
			case strings.ContainsAny(state, "sS"):
				status = qjob.Suspended
			case strings.Contains(state, "r"):
				status = qjob.Running
			}
		case len(fields) > 1 && strings.Contains(strings.ToLower(fields[0]), "usage"):
			if m := sgeCPU.FindStringSubmatch(line); m != nil {
				p.ResetTimer(qjob.ParseElapsed(m[1]))
			}
		}
	}
	return status
}

// parseSGEQueues reads "qstat -g c" output: one queue per line after
// the dashed header.
func parseSGEQueues(out string) []Queue {
	var queues []Queue
	header := true
	for _, line := range strings.Split(out, "\n") {
		if header {
			header = !strings.HasPrefix(strings.TrimSpace(line), "--------------------")
			continue
		}
		if fields := strings.Fields(line); len(fields) > 1 {
			queues = append(queues, Queue{Name: fields[0]})
		}
	}
	return queues
}
