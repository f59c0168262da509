// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package task

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&TaskSuite{})

type TaskSuite struct{}

func (s *TaskSuite) TestFinished(c *check.C) {
	t := New("echo", func(context.Context) (string, error) { return "hi", nil })
	c.Check(t.Result().Outcome, check.Equals, Pending)
	res := t.Wait(context.Background())
	c.Check(res.Outcome, check.Equals, Finished)
	c.Check(res.Output, check.Equals, "hi")
	c.Check(res.Err, check.IsNil)
}

func (s *TaskSuite) TestError(c *check.C) {
	res := Run(context.Background(), "fail", func(context.Context) (string, error) { return "partial", errors.New("oops") })
	c.Check(res.Outcome, check.Equals, Finished)
	c.Check(res.Output, check.Equals, "partial")
	c.Check(res.Err, check.ErrorMatches, "oops")
}

func (s *TaskSuite) TestPanic(c *check.C) {
	res := Run(context.Background(), "boom", func(context.Context) (string, error) { panic("kaboom") })
	c.Check(res.Outcome, check.Equals, Finished)
	c.Check(res.Err, check.ErrorMatches, "boom: kaboom")
}

func (s *TaskSuite) TestStopRunning(c *check.C) {
	started := make(chan bool)
	t := New("sleep", func(ctx context.Context) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	})
	t.Start(context.Background())
	<-started
	t.Stop()
	select {
	case <-t.Done():
	case <-time.After(5 * time.Second):
		c.Fatal("timed out")
	}
	c.Check(t.Result().Outcome, check.Equals, Killed)
	c.Check(t.Result().Err, check.Equals, ErrCancelled)
}

func (s *TaskSuite) TestStopBeforeStart(c *check.C) {
	var ran int32
	t := New("never", func(context.Context) (string, error) {
		atomic.AddInt32(&ran, 1)
		return "", nil
	})
	t.Stop()
	res := t.Wait(context.Background())
	c.Check(res.Outcome, check.Equals, Killed)
	c.Check(atomic.LoadInt32(&ran), check.Equals, int32(0))
}

func (s *TaskSuite) TestStopAfterDone(c *check.C) {
	t := New("quick", func(context.Context) (string, error) { return "ok", nil })
	t.Wait(context.Background())
	t.Stop()
	c.Check(t.Result().Outcome, check.Equals, Finished)
}

func (s *TaskSuite) TestOnDone(c *check.C) {
	release := make(chan bool)
	t := New("gated", func(context.Context) (string, error) {
		<-release
		return "out", nil
	})
	got := make(chan Result, 2)
	t.OnDone(func(r Result) { got <- r })
	t.Start(context.Background())
	close(release)
	r := <-got
	c.Check(r.Output, check.Equals, "out")
	// registering after completion calls back immediately
	t.OnDone(func(r Result) { got <- r })
	c.Check(len(got), check.Equals, 1)
}

func (s *TaskSuite) TestWaitContextDone(c *check.C) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res := Run(ctx, "slow", func(ctx context.Context) (string, error) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(10 * time.Second):
			return "done", nil
		}
	})
	c.Check(res.Outcome, check.Equals, Killed)
}

func (s *TaskSuite) TestChain(c *check.C) {
	var order []string
	step := func(name string, err error) *Task {
		return New(name, func(context.Context) (string, error) {
			order = append(order, name)
			return name + " output", err
		})
	}
	res := Sequence(step("test", nil), step("setup", nil), step("submit", nil)).Wait(context.Background())
	c.Check(res.Outcome, check.Equals, Finished)
	c.Check(res.Err, check.IsNil)
	c.Check(res.Output, check.Equals, "submit output")
	c.Check(order, check.DeepEquals, []string{"test", "setup", "submit"})

	order = nil
	res = Sequence(step("test", nil), step("setup", errors.New("no space")), step("submit", nil)).Wait(context.Background())
	c.Check(res.Err, check.ErrorMatches, "no space")
	c.Check(res.Output, check.Equals, "setup output")
	c.Check(order, check.DeepEquals, []string{"test", "setup"})
}

func (s *TaskSuite) TestStopChain(c *check.C) {
	started := make(chan bool)
	var secondRan int32
	first := New("first", func(ctx context.Context) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	})
	second := New("second", func(context.Context) (string, error) {
		atomic.AddInt32(&secondRan, 1)
		return "", nil
	})
	chain := Then(first, second)
	chain.Start(context.Background())
	<-started
	chain.Stop()
	<-chain.Done()
	c.Check(chain.Result().Outcome, check.Equals, Killed)
	c.Check(first.Result().Outcome, check.Equals, Killed)
	c.Check(atomic.LoadInt32(&secondRan), check.Equals, int32(0))
}

func (s *TaskSuite) TestNop(c *check.C) {
	t := Nop("mkdir", "not supported")
	select {
	case <-t.Done():
	default:
		c.Fatal("Nop task not done")
	}
	c.Check(t.Result(), check.DeepEquals, Result{Outcome: Finished, Output: "not supported"})
}
