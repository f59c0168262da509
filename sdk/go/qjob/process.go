// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package qjob

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// A Process is the record of one submitted calculation. It is safe
// for concurrent use.
type Process struct {
	key string

	mtx          sync.Mutex
	jobInfo      JobInfo
	id           string
	status       Status
	comment      string
	submitTime   time.Time
	timer        timer
	copyActive   bool
	copyProgress int64
	copyTarget   int64
	onChange     func(*Process)

	// for testing
	now func() time.Time
}

// NewProcess returns a NotRunning process for the given job.
func NewProcess(ji JobInfo) *Process {
	return &Process{
		key:     uuid.New().String(),
		jobInfo: ji,
		status:  NotRunning,
		now:     time.Now,
	}
}

// Key returns a handle that identifies the process locally. Unlike
// ID it is assigned at creation and never changes.
func (p *Process) Key() string {
	return p.key
}

// OnChange registers a func to be called (without any locks held)
// after the process's status, comment, id or copy state changes.
func (p *Process) OnChange(fn func(*Process)) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.onChange = fn
}

func (p *Process) changed() {
	p.mtx.Lock()
	fn := p.onChange
	p.mtx.Unlock()
	if fn != nil {
		fn(p)
	}
}

// ID returns the backend-assigned identifier (a pid or scheduler
// job id). It is only meaningful once the process has left
// NotRunning.
func (p *Process) ID() string {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.id
}

func (p *Process) SetID(id string) {
	p.mtx.Lock()
	p.id = id
	p.mtx.Unlock()
	p.changed()
}

func (p *Process) ServerName() string {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.jobInfo.ServerName
}

func (p *Process) BaseName() string {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.jobInfo.BaseName
}

// JobInfo returns a copy of the process's job description.
func (p *Process) JobInfo() JobInfo {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.jobInfo
}

// UpdateJobInfo calls fn with the process's job description, which
// fn may modify.
func (p *Process) UpdateJobInfo(fn func(*JobInfo)) {
	p.mtx.Lock()
	fn(&p.jobInfo)
	p.mtx.Unlock()
	p.changed()
}

func (p *Process) Status() Status {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.status
}

// DisplayStatus returns Copying while results are being transferred,
// otherwise the same as Status.
func (p *Process) DisplayStatus() Status {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if p.copyActive {
		return Copying
	}
	return p.status
}

// SetStatus moves the process to a new status. It returns
// ErrInvalidTransition, and leaves the process unchanged, if the
// transition is not allowed.
func (p *Process) SetStatus(s Status) error {
	p.mtx.Lock()
	err := p.setStatus(s)
	p.mtx.Unlock()
	if err == nil {
		p.changed()
	}
	return err
}

// Fail moves the process to Error with the given comment.
func (p *Process) Fail(comment string) error {
	if comment == "" {
		comment = "Job failed"
	}
	p.mtx.Lock()
	err := p.setStatus(Error)
	if err == nil {
		p.comment = comment
	}
	p.mtx.Unlock()
	if err == nil {
		p.changed()
	}
	return err
}

func (p *Process) setStatus(s Status) error {
	if s == Copying {
		return fmt.Errorf("%w: use SetCopyActive to mark a transfer", ErrInvalidTransition)
	}
	if !CanTransition(p.status, s) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.status, s)
	}
	if p.status == s {
		return nil
	}
	now := p.now()
	switch s {
	case Queued:
		if p.submitTime.IsZero() {
			p.submitTime = now
		}
	case Running:
		if p.submitTime.IsZero() {
			p.submitTime = now
		}
		p.timer.start(now)
	case Suspended, Killed, Unknown, Error, Finished:
		p.timer.stop(now)
	}
	if s == Error && p.comment == "" {
		p.comment = "Job failed"
	}
	p.status = s
	return nil
}

func (p *Process) Comment() string {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.comment
}

func (p *Process) SetComment(comment string) {
	p.mtx.Lock()
	p.comment = comment
	p.mtx.Unlock()
	p.changed()
}

func (p *Process) SubmitTime() time.Time {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.submitTime
}

// ResetTimer sets the elapsed run time, typically to a value
// reported by the backend. Negative values are ignored.
func (p *Process) ResetTimer(seconds int) {
	if seconds < 0 {
		return
	}
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.timer.reset(time.Duration(seconds)*time.Second, p.now())
}

// RunTime returns the elapsed run time in whole seconds.
func (p *Process) RunTime() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return int(p.timer.elapsed(p.now()) / time.Second)
}

// SetCopyActive marks the start or end of a result transfer.
// Starting a transfer resets the progress counters.
func (p *Process) SetCopyActive(active bool) {
	p.mtx.Lock()
	p.copyActive = active
	if active {
		p.copyProgress, p.copyTarget = 0, 0
	}
	p.mtx.Unlock()
	p.changed()
}

func (p *Process) CopyActive() bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.copyActive
}

// SetCopyTarget sets the total size (KiB) of the transfer.
func (p *Process) SetCopyTarget(kb int64) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.copyTarget = kb
}

// AddCopyProgress records kb more KiB transferred, never exceeding
// the target.
func (p *Process) AddCopyProgress(kb int64) {
	p.mtx.Lock()
	p.copyProgress += kb
	if p.copyProgress > p.copyTarget {
		p.copyProgress = p.copyTarget
	}
	p.mtx.Unlock()
	p.changed()
}

// CopyProgress returns the transferred and total KiB.
func (p *Process) CopyProgress() (int64, int64) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.copyProgress, p.copyTarget
}

// ProcessSummary is a point-in-time view of a process, suitable for
// display and for the management API.
type ProcessSummary struct {
	Key                    string    `json:"key"`
	ID                     string    `json:"id"`
	BaseName               string    `json:"base_name"`
	ServerName             string    `json:"server_name"`
	Status                 Status    `json:"status"`
	Display                string    `json:"display"`
	Comment                string    `json:"comment,omitempty"`
	SubmitTime             time.Time `json:"submit_time"`
	RunTime                string    `json:"run_time"`
	LocalWorkingDirectory  string    `json:"local_working_directory"`
	RemoteWorkingDirectory string    `json:"remote_working_directory"`
	LocalFilesExist        bool      `json:"local_files_exist"`
}

// Summary returns a ProcessSummary for p.
func (p *Process) Summary() ProcessSummary {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	display := p.status.String()
	if p.copyActive {
		pct := 0
		if p.copyTarget > 0 {
			pct = int(100 * p.copyProgress / p.copyTarget)
		}
		display = fmt.Sprintf("Copying: %d%%", pct)
	}
	return ProcessSummary{
		Key:                    p.key,
		ID:                     p.id,
		BaseName:               p.jobInfo.BaseName,
		ServerName:             p.jobInfo.ServerName,
		Status:                 p.status,
		Display:                display,
		Comment:                p.comment,
		SubmitTime:             p.submitTime,
		RunTime:                FormatElapsed(int(p.timer.elapsed(p.now()) / time.Second)),
		LocalWorkingDirectory:  p.jobInfo.LocalWorkingDirectory,
		RemoteWorkingDirectory: p.jobInfo.RemoteWorkingDirectory,
		LocalFilesExist:        p.jobInfo.LocalFilesExist,
	}
}
