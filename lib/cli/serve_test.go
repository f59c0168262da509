// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"git.iqmol.org/qjobs.git/lib/config"
	"git.iqmol.org/qjobs.git/sdk/go/ctxlog"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ServeSuite{})

type ServeSuite struct {
	dir     string
	cfgPath string
}

const serveConfig = `
Monitor:
  Listen: "127.0.0.1:0"
  ManagementToken: xyzzy
  ProcessList: %s
  RefreshInterval: 1s
Servers:
  local:
    Host: Local
    Type: Basic
    JobLimit: %d
`

func (s *ServeSuite) SetUpTest(c *check.C) {
	s.dir = c.MkDir()
	s.cfgPath = filepath.Join(s.dir, "config.yml")
	s.writeConfig(c, 2)
}

func (s *ServeSuite) writeConfig(c *check.C, jobLimit int) {
	buf := fmt.Sprintf(serveConfig, filepath.Join(s.dir, "processes.json"), jobLimit)
	c.Assert(os.WriteFile(s.cfgPath, []byte(buf), 0600), check.IsNil)
}

func (s *ServeSuite) newService(c *check.C) *service {
	logger := ctxlog.TestLogger(c)
	cfg, err := config.NewLoader(s.cfgPath, logger).Load()
	c.Assert(err, check.IsNil)
	svc, err := newService(cfg, s.cfgPath, logger)
	c.Assert(err, check.IsNil)
	return svc
}

func (s *ServeSuite) TestRunAndShutdown(c *check.C) {
	svc := s.newService(c)
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() { done <- svc.run(ctx, ready) }()

	var addr string
	select {
	case addr = <-ready:
	case err := <-done:
		c.Fatalf("run returned early: %v", err)
	case <-time.After(10 * time.Second):
		c.Fatal("timed out waiting for listener")
	}

	req, err := http.NewRequest("GET", "http://"+addr+"/_health/ping", nil)
	c.Assert(err, check.IsNil)
	req.Header.Set("Authorization", "Bearer xyzzy")
	resp, err := http.DefaultClient.Do(req)
	c.Assert(err, check.IsNil)
	defer resp.Body.Close()
	c.Check(resp.StatusCode, check.Equals, http.StatusOK)
	var health struct{ Health string }
	c.Check(json.NewDecoder(resp.Body).Decode(&health), check.IsNil)
	c.Check(health.Health, check.Equals, "OK")

	cancel()
	select {
	case err := <-done:
		c.Check(err, check.IsNil)
	case <-time.After(20 * time.Second):
		c.Fatal("timed out waiting for shutdown")
	}
	_, err = os.Stat(filepath.Join(s.dir, "processes.json"))
	c.Check(err, check.IsNil)
	c.Check(svc.ctx.Err(), check.Equals, context.Canceled)
}

func (s *ServeSuite) TestRunStopsAtParentDeadline(c *check.C) {
	svc := s.newService(c)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- svc.run(ctx, nil) }()
	select {
	case err := <-done:
		c.Check(err, check.IsNil)
	case <-time.After(20 * time.Second):
		c.Fatal("run did not return after its parent context expired")
	}
	c.Check(svc.ctx.Err(), check.Equals, context.Canceled)
}

func (s *ServeSuite) TestReload(c *check.C) {
	svc := s.newService(c)
	srv, ok := svc.registry.Get("local")
	c.Assert(ok, check.Equals, true)
	c.Check(srv.Config().JobLimit, check.Equals, 2)

	s.writeConfig(c, 5)
	svc.reload()
	c.Check(srv.Config().JobLimit, check.Equals, 5)

	// A broken config leaves the running one in place.
	c.Assert(os.WriteFile(s.cfgPath, []byte("Servers: {}\n"), 0600), check.IsNil)
	svc.reload()
	c.Check(srv.Config().JobLimit, check.Equals, 5)
	c.Check(svc.registry.Servers(), check.HasLen, 1)
}

func (s *ServeSuite) TestCommandBadConfig(c *check.C) {
	var stderr bytes.Buffer
	code := Serve.RunCommand("qjobs serve", []string{"-config", filepath.Join(s.dir, "missing.yml")}, strings.NewReader(""), &bytes.Buffer{}, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*missing.yml.*`)
}
