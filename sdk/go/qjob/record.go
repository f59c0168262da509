// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package qjob

import (
	"encoding/json"
	"fmt"
	"time"
)

// Entry is the persisted form of a Process.
type Entry struct {
	Job        []interface{} `json:"job"`
	Status     Status        `json:"status"`
	Comment    string        `json:"comment,omitempty"`
	ID         string        `json:"id"`
	SubmitTime time.Time     `json:"submit_time"`
	RunTime    int           `json:"run_time"`
}

// Entry returns the persisted form of p.
func (p *Process) Entry() Entry {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return Entry{
		Job:        p.jobInfo.Record(),
		Status:     p.status,
		Comment:    p.comment,
		ID:         p.id,
		SubmitTime: p.submitTime,
		RunTime:    int(p.timer.elapsed(p.now()) / time.Second),
	}
}

// ProcessFromEntry restores a process from its persisted form. The
// restored process's timer is stopped.
func ProcessFromEntry(e Entry) (*Process, error) {
	ji, err := JobInfoFromRecord(e.Job)
	if err != nil {
		return nil, err
	}
	if e.Status == Copying {
		e.Status = Finished
	}
	if _, ok := statusNames[e.Status]; !ok {
		return nil, fmt.Errorf("invalid status %d", e.Status)
	}
	p := NewProcess(ji)
	p.status = e.Status
	p.comment = e.Comment
	p.id = e.ID
	p.submitTime = e.SubmitTime
	if e.RunTime > 0 {
		p.timer.base = time.Duration(e.RunTime) * time.Second
	}
	return p, nil
}

// MarshalProcessList returns the persisted form of a list of
// processes.
func MarshalProcessList(procs []*Process) ([]byte, error) {
	entries := make([]Entry, 0, len(procs))
	for _, p := range procs {
		entries = append(entries, p.Entry())
	}
	return json.MarshalIndent(entries, "", "  ")
}

// UnmarshalProcessList parses a persisted process list. Malformed
// entries are skipped; the returned errors describe them. An error
// is returned only if data is not a list at all.
func UnmarshalProcessList(data []byte) ([]*Process, []error, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, nil, err
	}
	var procs []*Process
	var skipped []error
	for i, msg := range raw {
		var e Entry
		if err := json.Unmarshal(msg, &e); err != nil {
			skipped = append(skipped, fmt.Errorf("entry %d: %w", i, err))
			continue
		}
		p, err := ProcessFromEntry(e)
		if err != nil {
			skipped = append(skipped, fmt.Errorf("entry %d: %w", i, err))
			continue
		}
		procs = append(procs, p)
	}
	return procs, skipped, nil
}
