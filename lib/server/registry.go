// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package server

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"git.iqmol.org/qjobs.git/lib/config"
)

// A Registry holds the configured servers by name. It is created at
// startup and passed to whatever needs to look servers up.
type Registry struct {
	opts Options

	mtx     sync.RWMutex
	servers map[string]*Server
}

func NewRegistry(opts Options) *Registry {
	return &Registry{opts: opts, servers: map[string]*Server{}}
}

// Configure brings the registry in line with cfg. New servers are
// added, job limits of existing servers are updated, and servers
// missing from cfg are removed unless they still watch processes.
// Other changes to an existing server take effect after a restart.
func (r *Registry) Configure(cfg *config.Config) error {
	var errs []string
	for _, name := range cfg.ServerNames() {
		srv, _ := cfg.Server(name)
		if s, ok := r.Get(name); ok {
			if s.Config().JobLimit != srv.JobLimit && s.SetJobLimit(srv.JobLimit) {
				s.logger.WithField("JobLimit", srv.JobLimit).Info("job limit changed")
			}
			continue
		}
		s, err := New(srv, r.opts)
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		r.Add(s)
	}
	for _, s := range r.Servers() {
		if _, ok := cfg.Servers[s.Name()]; ok {
			continue
		}
		if len(s.Watched()) > 0 {
			s.logger.Warn("server removed from config but still has watched processes")
			continue
		}
		r.Remove(s.Name())
	}
	if len(errs) > 0 {
		return fmt.Errorf("%d servers not configured: %v", len(errs), errs)
	}
	return nil
}

// Add adds s, replacing any server with the same name.
func (r *Registry) Add(s *Server) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.servers[s.Name()] = s
}

func (r *Registry) Get(name string) (*Server, bool) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	s, ok := r.servers[name]
	return s, ok
}

// Servers returns all servers sorted by name.
func (r *Registry) Servers() []*Server {
	r.mtx.RLock()
	servers := make([]*Server, 0, len(r.servers))
	for _, s := range r.servers {
		servers = append(servers, s)
	}
	r.mtx.RUnlock()
	sort.Slice(servers, func(i, j int) bool { return servers[i].Name() < servers[j].Name() })
	return servers
}

// Remove disconnects and removes the named server.
func (r *Registry) Remove(name string) {
	r.mtx.Lock()
	s, ok := r.servers[name]
	delete(r.servers, name)
	r.mtx.Unlock()
	if ok {
		s.Disconnect()
	}
}

// Run ticks every server once a second until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, s := range r.Servers() {
				s.Tick(ctx, now)
			}
		}
	}
}

// Close disconnects every server.
func (r *Registry) Close() {
	for _, s := range r.Servers() {
		s.Disconnect()
	}
}
