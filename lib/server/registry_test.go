// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package server

import (
	"bytes"

	"git.iqmol.org/qjobs.git/lib/config"
	"git.iqmol.org/qjobs.git/sdk/go/ctxlog"
	"git.iqmol.org/qjobs.git/sdk/go/qjob"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&RegistrySuite{})

type RegistrySuite struct{}

func (s *RegistrySuite) load(c *check.C, yaml string) *config.Config {
	cfg, err := config.Load(bytes.NewBufferString(yaml), ctxlog.TestLogger(c))
	c.Assert(err, check.IsNil)
	return cfg
}

func (s *RegistrySuite) TestConfigure(c *check.C) {
	reg := NewRegistry(Options{Logger: ctxlog.TestLogger(c)})
	err := reg.Configure(s.load(c, `
Servers:
  local:
    Host: Local
    JobLimit: 2
  hpc:
    Host: Remote
    Type: PBS
    HostAddress: hpc.example.edu
`))
	c.Assert(err, check.IsNil)
	servers := reg.Servers()
	c.Assert(servers, check.HasLen, 2)
	c.Check(servers[0].Name(), check.Equals, "hpc")
	c.Check(servers[1].Name(), check.Equals, "local")
	local, ok := reg.Get("local")
	c.Assert(ok, check.Equals, true)
	c.Check(local.Config().JobLimit, check.Equals, 2)
	c.Check(local.Connected(), check.Equals, true)
	hpc, _ := reg.Get("hpc")
	c.Check(hpc.Connected(), check.Equals, false)

	// Reloading changes the job limit in place and drops
	// servers that are gone.
	err = reg.Configure(s.load(c, "Servers:\n  local:\n    Host: Local\n    JobLimit: 3\n"))
	c.Assert(err, check.IsNil)
	same, _ := reg.Get("local")
	c.Check(same, check.Equals, local)
	c.Check(local.Config().JobLimit, check.Equals, 3)
	_, ok = reg.Get("hpc")
	c.Check(ok, check.Equals, false)

	// A server that still watches processes is kept.
	p := qjob.NewProcess(qjob.JobInfo{BaseName: "h2o", ServerName: "local"})
	c.Assert(p.SetStatus(qjob.Running), check.IsNil)
	local.Watch(p)
	err = reg.Configure(s.load(c, "Servers:\n  other:\n    Host: Local\n"))
	c.Assert(err, check.IsNil)
	_, ok = reg.Get("local")
	c.Check(ok, check.Equals, true)
	_, ok = reg.Get("other")
	c.Check(ok, check.Equals, true)

	reg.Remove("local")
	_, ok = reg.Get("local")
	c.Check(ok, check.Equals, false)
	reg.Close()
}

func (s *RegistrySuite) TestNewRejectsInvalidServer(c *check.C) {
	srv := config.DefaultServer(config.Remote, config.PBS)
	srv.Name = "nowhere"
	_, err := New(srv, Options{Logger: ctxlog.TestLogger(c)})
	c.Check(err, check.ErrorMatches, `server "nowhere": HostAddress is required.*`)
}
