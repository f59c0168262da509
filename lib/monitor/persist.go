// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package monitor

import (
	"context"
	"os"
	"path/filepath"

	"git.iqmol.org/qjobs.git/lib/config"
	"git.iqmol.org/qjobs.git/lib/server"
	"git.iqmol.org/qjobs.git/sdk/go/qjob"
)

// Save writes the process list to the ProcessList file.
func (c *Coordinator) Save() error {
	if c.processList == "" {
		return nil
	}
	buf, err := qjob.MarshalProcessList(c.Processes())
	if err != nil {
		return err
	}
	c.saveMtx.Lock()
	defer c.saveMtx.Unlock()
	dir := filepath.Dir(c.processList)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".processes-*")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())
	_, err = f.Write(buf)
	if err == nil {
		err = f.Close()
	} else {
		f.Close()
	}
	if err != nil {
		return err
	}
	return os.Rename(f.Name(), c.processList)
}

// Load reads the process list saved by a previous run. Malformed
// records are logged and skipped.
//
// Processes that were still active are watched again. Those that
// were queued, running or suspended become Unknown until their server
// confirms their status. Local servers are connected and queried
// right away; the names of other servers with active processes are
// returned so the caller can offer ReconnectServers. ctx is used by
// the queries started here and should live as long as c.
func (c *Coordinator) Load(ctx context.Context) ([]string, error) {
	if c.processList == "" {
		return nil, nil
	}
	buf, err := os.ReadFile(c.processList)
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	procs, skipped, err := qjob.UnmarshalProcessList(buf)
	if err != nil {
		return nil, err
	}
	for _, err := range skipped {
		c.logger.WithError(err).Warn("dropping malformed process record")
	}

	locals := map[string]*server.Server{}
	remotes := map[string]bool{}
	for _, p := range procs {
		status := p.Status()
		switch status {
		case qjob.Queued, qjob.Running, qjob.Suspended:
			p.SetStatus(qjob.Unknown)
		}
		c.add(p)
		if !status.Active() {
			continue
		}
		srv, ok := c.reg.Get(p.ServerName())
		if !ok {
			c.logger.WithField("Server", p.ServerName()).Warn("unable to find server for existing process")
			continue
		}
		srv.Watch(p)
		if srv.Config().Host == config.Local {
			locals[srv.Name()] = srv
		} else {
			remotes[srv.Name()] = true
		}
	}
	for _, srv := range locals {
		if err := srv.Connect(ctx); err != nil {
			c.logger.WithField("Server", srv.Name()).WithError(err).Warn("connect failed")
			continue
		}
		srv.Update(ctx)
	}
	c.logger.WithField("Processes", len(procs)).Info("process list loaded")
	return sortedKeys(remotes), nil
}
