// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package task runs one-shot operations on their own goroutine. A
// Task can be stopped while it runs; it always ends with exactly one
// Result, whose Outcome is Finished or Killed.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"git.iqmol.org/qjobs.git/sdk/go/ctxlog"
)

// ErrCancelled is the error of every Killed result.
var ErrCancelled = errors.New("Terminated")

type Outcome int

const (
	Pending Outcome = iota
	Finished
	Killed
)

func (o Outcome) String() string {
	switch o {
	case Finished:
		return "finished"
	case Killed:
		return "killed"
	}
	return "pending"
}

// Result is the single terminal value of a Task. Err is nil on
// success.
type Result struct {
	Outcome Outcome
	Output  string
	Err     error
}

// Func is the body of a Task. It should return promptly, with
// ctx.Err() or any other error, after ctx is done.
type Func func(ctx context.Context) (string, error)

// A Task runs a Func at most once.
type Task struct {
	name string
	fn   Func

	mtx     sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
	result  Result
	onDone  []func(Result)
}

// New returns a Task that will run fn when started.
func New(name string, fn Func) *Task {
	return &Task{name: name, fn: fn, done: make(chan struct{})}
}

// Nop returns a Task that is already finished with the given
// output, for operations that have nothing to do.
func Nop(name, output string) *Task {
	t := New(name, nil)
	t.started = true
	t.finish(Result{Outcome: Finished, Output: output})
	return t
}

func (t *Task) Name() string { return t.name }

// Start runs the body on a new goroutine. The body's context is
// derived from ctx. Start has no effect if the task was already
// started. If Stop was called first, the body never runs and the
// task ends Killed.
func (t *Task) Start(ctx context.Context) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	if t.started {
		return
	}
	t.started = true
	if t.stopped {
		go t.finish(Result{Outcome: Killed, Err: ErrCancelled})
		return
	}
	ctx, t.cancel = context.WithCancel(ctx)
	go t.run(ctx)
}

func (t *Task) run(ctx context.Context) {
	defer t.cancel()
	logger := ctxlog.FromContext(ctx).WithField("Task", t.name)
	var out string
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				logger.WithField("Panic", r).Error("task panicked")
				err = fmt.Errorf("%s: %v", t.name, r)
			}
		}()
		out, err = t.fn(ctx)
	}()
	t.mtx.Lock()
	stopped := t.stopped
	t.mtx.Unlock()
	res := Result{Outcome: Finished, Output: out, Err: err}
	if stopped || ctx.Err() != nil {
		res.Outcome, res.Err = Killed, ErrCancelled
	}
	logger.WithField("Outcome", res.Outcome).WithError(res.Err).Debug("task done")
	t.finish(res)
}

func (t *Task) finish(res Result) {
	t.mtx.Lock()
	t.result = res
	callbacks := t.onDone
	t.onDone = nil
	close(t.done)
	t.mtx.Unlock()
	for _, fn := range callbacks {
		fn(res)
	}
}

// Stop asks the task to stop. The body's context is cancelled; the
// task still ends, with a Killed result, once the body returns.
// Stop has no effect on a task that is already done.
func (t *Task) Stop() {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	select {
	case <-t.done:
		return
	default:
	}
	t.stopped = true
	if t.cancel != nil {
		t.cancel()
	}
}

// Done returns a channel that is closed when the task has a result.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Result returns the task's result, or a zero Result with Outcome
// Pending if it is not done yet.
func (t *Task) Result() Result {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return t.result
}

// OnDone arranges for fn to be called with the result when the task
// is done. If it is done already, fn is called right away.
func (t *Task) OnDone(fn func(Result)) {
	t.mtx.Lock()
	select {
	case <-t.done:
		res := t.result
		t.mtx.Unlock()
		fn(res)
	default:
		t.onDone = append(t.onDone, fn)
		t.mtx.Unlock()
	}
}

// Wait starts the task if needed and blocks until it is done. If ctx
// is done first, the task is stopped and Wait still waits for its
// result.
func (t *Task) Wait(ctx context.Context) Result {
	t.Start(ctx)
	select {
	case <-t.done:
	case <-ctx.Done():
		t.Stop()
		<-t.done
	}
	return t.Result()
}

// Run is shorthand for New(name, fn).Wait(ctx).
func Run(ctx context.Context, name string, fn Func) Result {
	return New(name, fn).Wait(ctx)
}

// Then returns a task that runs first and, only if first finishes
// without error, runs next. The chain's result is that of the last
// link that ran. Stopping the chain stops the link in flight and
// prevents later links from starting.
func Then(first, next *Task) *Task {
	chain := New(first.name+" > "+next.name, nil)
	chain.fn = func(ctx context.Context) (string, error) {
		for _, link := range []*Task{first, next} {
			if ctx.Err() != nil {
				link.Stop()
				return "", ErrCancelled
			}
			res := link.Wait(ctx)
			if res.Outcome == Killed {
				return res.Output, ErrCancelled
			}
			if res.Err != nil || link == next {
				return res.Output, res.Err
			}
		}
		return "", nil
	}
	return chain
}

// Sequence chains tasks in order with Then.
func Sequence(tasks ...*Task) *Task {
	if len(tasks) == 0 {
		return Nop("empty", "")
	}
	chain := tasks[0]
	for _, t := range tasks[1:] {
		chain = Then(chain, t)
	}
	return chain
}
