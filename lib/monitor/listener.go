// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package monitor

import (
	"context"

	"git.iqmol.org/qjobs.git/sdk/go/qjob"
)

// A Listener is told what the coordinator is doing. Methods are
// called from task goroutines and must not block.
type Listener interface {
	// JobAccepted is called when a submission succeeds.
	JobAccepted(p *qjob.Process)
	// ResultsAvailable is called when a finished job's files are
	// in its local working directory.
	ResultsAvailable(ji qjob.JobInfo)
	// StatusMessage narrates the stages of a submission.
	StatusMessage(msg string)
	ProcessUpdated(p *qjob.Process)
	// ProcessFinished is called once, when a process reaches
	// Killed, Error or Finished.
	ProcessFinished(p *qjob.Process)
}

// A Chooser makes the choices a submission needs from the user.
type Chooser interface {
	// WorkingDirectory returns the directory to use for a job on
	// the named server, offering def. ok is false if the user
	// cancelled.
	WorkingDirectory(ctx context.Context, server, def string) (dir string, ok bool)
	// Overwrite returns true if an existing working directory may
	// be reused.
	Overwrite(ctx context.Context, server, dir string) bool
}

// AutoChooser accepts every default without asking.
type AutoChooser struct {
	// Overwrite existing working directories.
	AllowOverwrite bool
}

func (ac AutoChooser) WorkingDirectory(ctx context.Context, server, def string) (string, bool) {
	return def, def != ""
}

func (ac AutoChooser) Overwrite(ctx context.Context, server, dir string) bool {
	return ac.AllowOverwrite
}

// nopListener is used when no listener is given.
type nopListener struct{}

func (nopListener) JobAccepted(*qjob.Process)     {}
func (nopListener) ResultsAvailable(qjob.JobInfo) {}
func (nopListener) StatusMessage(string)          {}
func (nopListener) ProcessUpdated(*qjob.Process)  {}
func (nopListener) ProcessFinished(*qjob.Process) {}
