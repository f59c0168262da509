// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&CommandSuite{})

type CommandSuite struct{}

func (s *CommandSuite) TestBadArg(c *check.C) {
	var stderr bytes.Buffer
	code := DumpCommand.RunCommand("qjobs dump-config", []string{"-badarg"}, bytes.NewBuffer(nil), bytes.NewBuffer(nil), &stderr)
	c.Check(code, check.Equals, 2)
	c.Check(stderr.String(), check.Matches, `error parsing command line arguments: .*-badarg.*\(try -help\)\n`)
}

func (s *CommandSuite) TestHelp(c *check.C) {
	var stderr bytes.Buffer
	code := DumpCommand.RunCommand("qjobs dump-config", []string{"-help"}, bytes.NewBuffer(nil), bytes.NewBuffer(nil), &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stderr.String(), check.Matches, `(?ms)Usage of qjobs dump-config:\n.*-config file.*`)
}

func (s *CommandSuite) TestEmptyInput(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := DumpCommand.RunCommand("qjobs dump-config", []string{"-config", "-"}, &bytes.Buffer{}, &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `config does not define any servers\n`)
}

func (s *CommandSuite) TestUnknownKeyAndDefaults(c *check.C) {
	var stdout, stderr bytes.Buffer
	in := `
Servers:
  hpc:
    Host: Remote
    Type: SGE
    HostAddress: hpc.example.edu
    UnknownKey: foobar
Monitor:
  ManagementToken: secret
`
	code := DumpCommand.RunCommand("qjobs dump-config", []string{"-config", "-"}, bytes.NewBufferString(in), &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stdout.String(), check.Matches, `(?ms).*Servers:\n  hpc:\n.*`)
	c.Check(stdout.String(), check.Matches, `(?ms).*\n *ManagementToken: secret\n.*`)
	c.Check(stdout.String(), check.Matches, `(?ms).*\n *SubmitCommand: qsub .*`)
	c.Check(stdout.String(), check.Not(check.Matches), `(?ms).*UnknownKey.*`)
}

func (s *CommandSuite) TestCheckUnknownMacro(c *check.C) {
	var stdout, stderr bytes.Buffer
	in := "Servers:\n  x:\n    Host: Local\n    QueryCommand: ps ${PID}\n"
	code := CheckCommand.RunCommand("qjobs check-config", []string{"-config", "-"}, bytes.NewBufferString(in), &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stdout.String(), check.Equals, `server "x": QueryCommand uses unknown macro(s) PID`+"\n")
}
