// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cli

import (
	"git.iqmol.org/qjobs.git/sdk/go/qjob"
	"github.com/sirupsen/logrus"
)

// logListener reports coordinator events in the service log.
type logListener struct {
	logger logrus.FieldLogger
}

func (l logListener) fields(p *qjob.Process) logrus.FieldLogger {
	return l.logger.WithFields(logrus.Fields{
		"Process": p.Key(),
		"Server":  p.ServerName(),
		"Job":     p.BaseName(),
		"JobID":   p.ID(),
	})
}

func (l logListener) JobAccepted(p *qjob.Process) {
	l.fields(p).Info("job accepted")
}

func (l logListener) ResultsAvailable(ji qjob.JobInfo) {
	l.logger.WithFields(logrus.Fields{
		"Server":    ji.ServerName,
		"Job":       ji.BaseName,
		"Directory": ji.LocalWorkingDirectory,
	}).Info("results available")
}

func (l logListener) StatusMessage(msg string) {
	l.logger.WithField("Status", msg).Debug("submission progress")
}

func (l logListener) ProcessUpdated(p *qjob.Process) {
	l.fields(p).WithField("Status", p.DisplayStatus()).Debug("process updated")
}

func (l logListener) ProcessFinished(p *qjob.Process) {
	lgr := l.fields(p).WithField("Status", p.Status())
	if c := p.Comment(); c != "" {
		lgr = lgr.WithField("Comment", c)
	}
	lgr.Info("process finished")
}
