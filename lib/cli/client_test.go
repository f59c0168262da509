// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"bytes"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ClientSuite{})

type ClientSuite struct {
	api      APISuite
	srv      *httptest.Server
	oldToken string
	input    string
}

func (s *ClientSuite) SetUpTest(c *check.C) {
	s.api.SetUpTest(c)
	s.srv = httptest.NewServer(s.api.handler)
	s.oldToken = os.Getenv("QJOBS_API_TOKEN")
	os.Setenv("QJOBS_API_TOKEN", testToken)
	s.input = filepath.Join(c.MkDir(), "h2o.inp")
	c.Assert(os.WriteFile(s.input, []byte(s.api.job().InputString), 0644), check.IsNil)
}

func (s *ClientSuite) TearDownTest(c *check.C) {
	os.Setenv("QJOBS_API_TOKEN", s.oldToken)
	s.srv.Close()
	s.api.TearDownTest(c)
}

// runCmd runs a client command against the test API.
func (s *ClientSuite) runCmd(c *check.C, cc clientCommand, name string, args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	args = append([]string{"-H", s.srv.URL}, args...)
	code := cc.RunCommand("qjobs "+name, args, strings.NewReader(""), &stdout, &stderr)
	c.Logf("qjobs %s %q => %d\nstdout: %s\nstderr: %s", name, args, code, stdout.String(), stderr.String())
	return code, stdout.String(), stderr.String()
}

func (s *ClientSuite) TestSubmitListKill(c *check.C) {
	code, stdout, _ := s.runCmd(c, Submit, "submit", "--server", "hpc", s.input)
	c.Assert(code, check.Equals, 0)
	c.Check(stdout, check.Equals, "Job 7 submitted to server hpc\n")
	procs := s.api.coord.Processes()
	c.Assert(procs, check.HasLen, 1)
	c.Check(procs[0].BaseName(), check.Equals, "h2o")
	key := procs[0].Key()

	code, stdout, _ = s.runCmd(c, List, "list", "-f", "text")
	c.Check(code, check.Equals, 0)
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	c.Assert(lines, check.HasLen, 2)
	c.Check(lines[0], check.Matches, `KEY +JOB +SERVER +ID +STATUS +SUBMITTED +RUN TIME`)
	c.Check(lines[1], check.Matches, key+` +h2o +hpc +7 +Queued .*`)

	code, stdout, _ = s.runCmd(c, List, "list", "-s")
	c.Check(code, check.Equals, 0)
	c.Check(stdout, check.Equals, key+"\n")

	code, stdout, _ = s.runCmd(c, Show, "show", key[:8])
	c.Check(code, check.Equals, 0)
	c.Check(stdout, check.Matches, `(?ms).*"base_name": "h2o".*`)

	code, stdout, _ = s.runCmd(c, Kill, "kill", "h2o")
	c.Check(code, check.Equals, 0)
	c.Check(stdout, check.Equals, "Process killed\n")

	code, _, stderr := s.runCmd(c, Kill, "kill", "h2o")
	c.Check(code, check.Equals, 1)
	c.Check(stderr, check.Matches, `(?ms).*Process h2o is not active.*`)

	code, stdout, _ = s.runCmd(c, Query, "query", key)
	c.Check(code, check.Equals, 0)
	c.Check(stdout, check.Equals, "Process killed. R.I.P.\n")

	code, stdout, _ = s.runCmd(c, Clear, "clear", "--finished")
	c.Check(code, check.Equals, 0)
	c.Check(stdout, check.Equals, "1 process(es) removed\n")
}

func (s *ClientSuite) TestSubmitFromStdin(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := Submit.RunCommand("qjobs submit", []string{"-H", s.srv.URL, "-S", "hpc", "-n", "water", "--multiplicity", "3", "-"}, strings.NewReader("$molecule\n$end\n"), &stdout, &stderr)
	c.Check(stderr.String(), check.Equals, "")
	c.Assert(code, check.Equals, 0)
	procs := s.api.coord.Processes()
	c.Assert(procs, check.HasLen, 1)
	ji := procs[0].JobInfo()
	c.Check(ji.BaseName, check.Equals, "water")
	c.Check(ji.Multiplicity, check.Equals, 3)
	c.Check(ji.InputString, check.Equals, "$molecule\n$end\n")
}

func (s *ClientSuite) TestSubmitUsage(c *check.C) {
	code, _, stderr := s.runCmd(c, Submit, "submit", s.input)
	c.Check(code, check.Equals, 1)
	c.Check(stderr, check.Equals, "--server is required\n")

	code, _, _ = s.runCmd(c, Submit, "submit", "--server", "hpc")
	c.Check(code, check.Equals, 2)

	code, _, stderr = s.runCmd(c, Submit, "submit", "-S", "hpc", "-")
	c.Check(code, check.Equals, 1)
	c.Check(stderr, check.Equals, "--name is required when the input is read from stdin\n")

	code, _, stderr = s.runCmd(c, Submit, "submit", "-S", "nowhere", s.input)
	c.Check(code, check.Equals, 1)
	c.Check(stderr, check.Matches, `.*400 Bad Request: Invalid server\n`)

	code, _, _ = s.runCmd(c, List, "list", "-f", "xml")
	c.Check(code, check.Equals, 2)
}

func (s *ClientSuite) TestAmbiguousName(c *check.C) {
	for i := 0; i < 2; i++ {
		code, _, _ := s.runCmd(c, Submit, "submit", "--server", "hpc", "--overwrite", s.input)
		c.Assert(code, check.Equals, 0)
	}
	code, _, stderr := s.runCmd(c, Kill, "kill", "h2o")
	c.Check(code, check.Equals, 1)
	c.Check(stderr, check.Matches, `"h2o" is ambiguous: .*\n`)

	code, _, stderr = s.runCmd(c, Remove, "remove", "nothing")
	c.Check(code, check.Equals, 1)
	c.Check(stderr, check.Equals, "no process matches \"nothing\"\n")

	key := s.api.coord.Processes()[0].Key()
	code, stdout, _ := s.runCmd(c, Remove, "remove", key)
	c.Check(code, check.Equals, 0)
	c.Check(stdout, check.Equals, key+"\n")
	c.Check(s.api.coord.Processes(), check.HasLen, 1)
}

func (s *ClientSuite) TestServers(c *check.C) {
	code, stdout, _ := s.runCmd(c, Servers, "servers", "-f", "yaml")
	c.Check(code, check.Equals, 0)
	c.Check(stdout, check.Matches, `(?ms).*- address: hpc.example.edu\n.*  name: hpc\n.*`)

	code, stdout, _ = s.runCmd(c, Servers, "servers", "-f", "text")
	c.Check(code, check.Equals, 0)
	c.Check(stdout, check.Matches, `(?ms)NAME .*\nhpc +Remote +PBS +hpc.example.edu +false +0 +-\n`)

	code, stdout, _ = s.runCmd(c, Reconnect, "reconnect")
	c.Check(code, check.Equals, 0)
	c.Check(stdout, check.Equals, "Servers reconnected\n")
}

func (s *ClientSuite) TestBadToken(c *check.C) {
	os.Setenv("QJOBS_API_TOKEN", "pwn")
	code, _, stderr := s.runCmd(c, List, "list")
	c.Check(code, check.Equals, 1)
	c.Check(stderr, check.Matches, `request failed: GET .*/processes: 403 Forbidden.*\n`)
}
