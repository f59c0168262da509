// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package server pairs a host with a queue adapter and keeps track of
// the processes each server is responsible for.
package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"git.iqmol.org/qjobs.git/lib/config"
	"git.iqmol.org/qjobs.git/lib/host"
	"git.iqmol.org/qjobs.git/lib/queue"
	"git.iqmol.org/qjobs.git/lib/task"
	"git.iqmol.org/qjobs.git/sdk/go/qjob"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

var (
	// ErrBusy is returned when an operation is requested for a
	// process that already has one in flight.
	ErrBusy = errors.New("Another operation is in progress for this process")

	ErrNotConnected = errors.New("Server not connected")
	ErrNotWatched   = errors.New("Process is not on the server's watch list")
)

const defaultUpdateInterval = 10 * time.Second

// Options are the dependencies shared by the servers in a registry.
type Options struct {
	Logger     logrus.FieldLogger
	Prompter   host.Prompter
	Vault      *config.Vault
	Passphrase *host.PassphraseCache
	Metrics    *Metrics

	// QueryRate is the maximum number of status queries per
	// second sent to one server. Default 2.
	QueryRate float64
}

// A Server is a configured compute endpoint: its host, its queue
// adapter and the processes it watches.
type Server struct {
	name    string
	host    host.Host
	adapter queue.Adapter
	logger  logrus.FieldLogger
	metrics *Metrics
	limiter *rate.Limiter

	mtx        sync.Mutex
	cfg        config.Server
	watched    map[string]*qjob.Process
	busy       map[string]*task.Task
	lastUpdate time.Time
	updating   bool
}

// New returns a Server for cfg with the host and adapter its Host and
// Type call for. It does not connect.
func New(cfg config.Server, opts Options) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	h, err := host.New(cfg, host.Options{
		Logger:     opts.Logger,
		Prompter:   opts.Prompter,
		Vault:      opts.Vault,
		Passphrase: opts.Passphrase,
	})
	if err != nil {
		return nil, err
	}
	a, err := queue.New(cfg, h, opts.Logger)
	if err != nil {
		return nil, err
	}
	return NewWith(cfg, h, a, opts), nil
}

// NewWith returns a Server that uses the given host and adapter.
func NewWith(cfg config.Server, h host.Host, a queue.Adapter, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	qps := opts.QueryRate
	if qps <= 0 {
		qps = 2
	}
	return &Server{
		name:    cfg.Name,
		host:    h,
		adapter: a,
		logger:  opts.Logger.WithField("Server", cfg.Name),
		metrics: opts.Metrics,
		limiter: rate.NewLimiter(rate.Limit(qps), 1),
		cfg:     cfg.Clone(),
		watched: map[string]*qjob.Process{},
		busy:    map[string]*task.Task{},
	}
}

func (s *Server) Name() string { return s.name }

// Config returns a copy of the server's configuration.
func (s *Server) Config() config.Server {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.cfg.Clone()
}

func (s *Server) Host() host.Host { return s.host }

func (s *Server) Adapter() queue.Adapter { return s.adapter }

// Connect connects the host if it is not connected already. It may
// prompt for credentials.
func (s *Server) Connect(ctx context.Context) error {
	if s.host.Connected() {
		return nil
	}
	err := s.host.Connect(ctx)
	s.metrics.setConnected(s.name, err == nil)
	if err != nil {
		return err
	}
	s.logger.Info("connected")
	return nil
}

func (s *Server) Connected() bool {
	return s.host.Connected()
}

// Disconnect stops all tasks in flight and disconnects the host. The
// watch list is kept.
func (s *Server) Disconnect() {
	s.mtx.Lock()
	busy := make([]*task.Task, 0, len(s.busy))
	for _, t := range s.busy {
		busy = append(busy, t)
	}
	s.mtx.Unlock()
	for _, t := range busy {
		t.Stop()
	}
	s.host.Disconnect()
	s.metrics.setConnected(s.name, false)
}

// SetJobLimit changes the number of jobs a Basic server runs at once.
// It returns false if the server's queue type has no job limit.
func (s *Server) SetJobLimit(n int) bool {
	jl, ok := s.adapter.(interface{ SetJobLimit(int) })
	if !ok {
		return false
	}
	s.mtx.Lock()
	s.cfg.JobLimit = n
	s.mtx.Unlock()
	jl.SetJobLimit(n)
	return true
}

// TestConfiguration returns an unstarted task that checks the server
// is usable.
func (s *Server) TestConfiguration() *task.Task {
	return task.New(s.name+" testConfiguration", func(ctx context.Context) (string, error) {
		return "", s.adapter.TestConfiguration(ctx)
	})
}

// ConfigureJob fills in and checks p's queue resources.
func (s *Server) ConfigureJob(p *qjob.Process) error {
	return s.adapter.ConfigureJob(p)
}

// Setup returns an unstarted task that creates p's working directory
// and copies its input.
func (s *Server) Setup(p *qjob.Process) *task.Task {
	return task.New(s.name+" setup", func(ctx context.Context) (string, error) {
		return "", s.adapter.Setup(ctx, p)
	})
}

// Submit returns an unstarted task that submits p. Its output is a
// message for the user.
func (s *Server) Submit(p *qjob.Process) *task.Task {
	return task.New(s.name+" submit", func(ctx context.Context) (string, error) {
		return s.adapter.Submit(ctx, p)
	})
}

// startFor starts a task for p unless p already has one in flight.
func (s *Server) startFor(ctx context.Context, p *qjob.Process, op string, fn task.Func) (*task.Task, error) {
	key := p.Key()
	t := task.New(s.name+" "+op, fn)
	s.mtx.Lock()
	if _, ok := s.busy[key]; ok {
		s.mtx.Unlock()
		return nil, ErrBusy
	}
	s.busy[key] = t
	s.metrics.setTasks(s.name, len(s.busy))
	s.mtx.Unlock()
	t.OnDone(func(task.Result) {
		s.mtx.Lock()
		if s.busy[key] == t {
			delete(s.busy, key)
		}
		s.metrics.setTasks(s.name, len(s.busy))
		s.mtx.Unlock()
	})
	t.Start(ctx)
	return t, nil
}

// Busy returns true if p has a task in flight.
func (s *Server) Busy(p *qjob.Process) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	_, ok := s.busy[p.Key()]
	return ok
}

// Kill starts a task that kills p. If the kill command succeeds, p
// is marked Killed and no longer watched.
func (s *Server) Kill(ctx context.Context, p *qjob.Process) (*task.Task, error) {
	return s.startFor(ctx, p, "kill", func(ctx context.Context) (string, error) {
		if err := s.adapter.Kill(ctx, p); err != nil {
			return "", err
		}
		if err := p.SetStatus(qjob.Killed); err != nil {
			return "", err
		}
		s.metrics.transition(s.name, qjob.Killed.String())
		s.Unwatch(p)
		return "Process killed", nil
	})
}

// Query starts a task that asks the server about p and updates p's
// status from the answer. p must be watched. The task's output is the
// raw query output.
func (s *Server) Query(ctx context.Context, p *qjob.Process) (*task.Task, error) {
	if !s.IsWatched(p) {
		s.logger.WithField("Process", p.Key()).Warn("query of unwatched process")
		return nil, ErrNotWatched
	}
	if !s.host.Connected() {
		return nil, ErrNotConnected
	}
	return s.startFor(ctx, p, "query", func(ctx context.Context) (string, error) {
		return s.query(ctx, p)
	})
}

func (s *Server) query(ctx context.Context, p *qjob.Process) (string, error) {
	logger := s.logger.WithField("Process", p.Key())
	old := p.Status()
	status, out, err := s.adapter.Query(ctx, p)
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	s.metrics.query(s.name, err)
	if err != nil {
		logger.WithError(err).Warn("query failed")
		s.setStatus(p, qjob.Unknown)
		p.SetComment(err.Error())
		return "", err
	}
	if !old.Active() {
		s.Unwatch(p)
		return out, nil
	}
	switch status {
	case qjob.Unknown:
		// The server no longer knows about the job, so it has
		// finished one way or another.
		s.setStatus(p, qjob.Unknown)
		if err := s.adapter.CleanUp(ctx, p); err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			if !p.Status().Terminal() {
				s.setStatus(p, qjob.Unknown)
				p.Fail(err.Error())
			}
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		s.metrics.transition(s.name, p.Status().String())
		s.Unwatch(p)
	case qjob.Queued, qjob.Running, qjob.Suspended:
		s.setStatus(p, status)
	default:
		logger.WithField("Status", status).Warn("Inactive process")
		s.setStatus(p, status)
		s.Unwatch(p)
	}
	return out, nil
}

func (s *Server) setStatus(p *qjob.Process, status qjob.Status) {
	old := p.Status()
	if err := p.SetStatus(status); err != nil {
		s.logger.WithField("Process", p.Key()).WithError(err).Debug("status not updated")
		return
	}
	if old != status {
		s.metrics.transition(s.name, status.String())
	}
}

// CleanUp starts a task that decides whether p finished or failed.
func (s *Server) CleanUp(ctx context.Context, p *qjob.Process) (*task.Task, error) {
	return s.startFor(ctx, p, "cleanUp", func(ctx context.Context) (string, error) {
		return "", s.adapter.CleanUp(ctx, p)
	})
}

// CopyResults starts a task that copies p's files to its local
// working directory.
func (s *Server) CopyResults(ctx context.Context, p *qjob.Process) (*task.Task, error) {
	if !s.host.Connected() {
		return nil, ErrNotConnected
	}
	return s.startFor(ctx, p, "copyResults", func(ctx context.Context) (string, error) {
		if err := s.adapter.CopyResults(ctx, p); err != nil {
			return "", err
		}
		ji := p.JobInfo()
		return fmt.Sprintf("Results copied to %s", ji.LocalWorkingDirectory), nil
	})
}

// Watch adds p to the watch list.
func (s *Server) Watch(p *qjob.Process) {
	s.mtx.Lock()
	s.watched[p.Key()] = p
	n := len(s.watched)
	s.mtx.Unlock()
	s.metrics.setWatched(s.name, n)
}

// Unwatch removes p from the watch list and tells the adapter, which
// may start the next job waiting for a slot.
func (s *Server) Unwatch(p *qjob.Process) {
	s.mtx.Lock()
	_, ok := s.watched[p.Key()]
	delete(s.watched, p.Key())
	n := len(s.watched)
	s.mtx.Unlock()
	if !ok {
		return
	}
	s.metrics.setWatched(s.name, n)
	s.adapter.Release(p)
}

func (s *Server) IsWatched(p *qjob.Process) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	_, ok := s.watched[p.Key()]
	return ok
}

// Watched returns the watched processes, oldest submission first.
func (s *Server) Watched() []*qjob.Process {
	s.mtx.Lock()
	procs := make([]*qjob.Process, 0, len(s.watched))
	for _, p := range s.watched {
		procs = append(procs, p)
	}
	s.mtx.Unlock()
	sort.Slice(procs, func(i, j int) bool {
		ti, tj := procs[i].SubmitTime(), procs[j].SubmitTime()
		if ti.Equal(tj) {
			return procs[i].Key() < procs[j].Key()
		}
		return ti.Before(tj)
	})
	return procs
}

// Update starts a query for each watched process that has nothing in
// flight, pacing them with the server's rate limiter. It returns the
// tasks it started. Nothing is done while the host is disconnected.
func (s *Server) Update(ctx context.Context) []*task.Task {
	if !s.host.Connected() {
		return nil
	}
	var started []*task.Task
	for _, p := range s.Watched() {
		if s.Busy(p) {
			continue
		}
		if err := s.limiter.Wait(ctx); err != nil {
			break
		}
		t, err := s.Query(ctx, p)
		if err != nil {
			if !errors.Is(err, ErrBusy) && !errors.Is(err, ErrNotWatched) {
				s.logger.WithError(err).Debug("update stopped")
				break
			}
			continue
		}
		started = append(started, t)
	}
	return started
}

func (s *Server) updateInterval() time.Duration {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if d := s.cfg.UpdateInterval.Duration(); d > 0 {
		return d
	}
	return defaultUpdateInterval
}

// Tick runs Update in the background if the server's update interval
// has passed since the last one and the last one is done.
func (s *Server) Tick(ctx context.Context, now time.Time) {
	interval := s.updateInterval()
	s.mtx.Lock()
	if s.updating || now.Sub(s.lastUpdate) < interval || len(s.watched) == 0 {
		s.mtx.Unlock()
		return
	}
	s.updating = true
	s.lastUpdate = now
	s.mtx.Unlock()
	go func() {
		defer func() {
			s.mtx.Lock()
			s.updating = false
			s.mtx.Unlock()
		}()
		s.Update(ctx)
	}()
}
