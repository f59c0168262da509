// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package host

import (
	"context"
	"net/url"
	"os"
	"path/filepath"

	"git.iqmol.org/qjobs.git/lib/config"
	"git.iqmol.org/qjobs.git/lib/host/hosttest"
	"git.iqmol.org/qjobs.git/sdk/go/ctxlog"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&WebSuite{})

type WebSuite struct {
	stub *hosttest.CGIStub
	web  *Web
}

func (s *WebSuite) SetUpTest(c *check.C) {
	s.stub = &hosttest.CGIStub{
		Root: "cgi-bin/qchem",
		Scripts: map[string]hosttest.CGIScript{
			"handshake.cgi": func(q url.Values) string {
				if q.Get("cookie") == "" {
					return "account=new cookie=abc123\n"
				}
				return "account=valid cookie=" + q.Get("cookie") + "\n"
			},
			"push.cgi": func(q url.Values) string {
				if q.Get("content") == "" {
					return "ERROR: no content\n"
				}
				return "jobID=42\n"
			},
			"download.cgi": func(q url.Values) string {
				return "contents of " + q.Get("file")
			},
			"status.cgi": func(q url.Values) string {
				return "status=RUNNING jobID=" + q.Get("jobID")
			},
		},
	}
	s.stub.Start()
	h, port := s.stub.HostPort()
	srv := config.DefaultServer(config.Web, config.HTTP)
	srv.Name = "web"
	srv.HostAddress = h
	srv.Port = port
	srv.UserName = "alice"
	s.web = NewWeb(srv, ctxlog.TestLogger(c))
}

func (s *WebSuite) TearDownTest(c *check.C) {
	s.stub.Close()
}

func (s *WebSuite) TestHandshake(c *check.C) {
	ctx := context.Background()
	c.Check(s.web.Connected(), check.Equals, false)
	c.Assert(s.web.Connect(ctx), check.IsNil)
	c.Check(s.web.Connected(), check.Equals, true)
	c.Check(s.web.Cookie(), check.Equals, "abc123")

	// reconnecting presents the old cookie
	c.Assert(s.web.Connect(ctx), check.IsNil)
	reqs := s.stub.Requests()
	c.Assert(reqs, check.HasLen, 2)
	c.Check(reqs[1].Path, check.Equals, "/cgi-bin/qchem/handshake.cgi")
	c.Check(reqs[1].Query().Get("cookie"), check.Equals, "abc123")
	c.Check(reqs[1].Query().Get("user"), check.Equals, "alice")

	s.web.Disconnect()
	c.Check(s.web.Connected(), check.Equals, false)
}

func (s *WebSuite) TestConnectFailure(c *check.C) {
	s.stub.Scripts["handshake.cgi"] = func(url.Values) string { return "go away" }
	err := s.web.Connect(context.Background())
	c.Check(err, check.FitsTypeOf, &ConnectionError{})
	c.Check(s.web.Connected(), check.Equals, false)
}

func (s *WebSuite) TestExecute(c *check.C) {
	ctx := context.Background()
	c.Assert(s.web.Connect(ctx), check.IsNil)
	out, err := s.web.Execute(ctx, "status.cgi jobID=42")
	c.Check(err, check.IsNil)
	c.Check(out, check.Equals, "status=RUNNING jobID=42")
	reqs := s.stub.Requests()
	c.Check(reqs[len(reqs)-1].RawQuery, check.Equals, "cookie=abc123&jobID=42")

	_, err = s.web.Execute(ctx, "nosuch.cgi")
	c.Check(err, check.ErrorMatches, `nosuch.cgi: 404 Not Found`)

	_, err = s.web.Execute(ctx, "")
	c.Check(err, check.NotNil)
}

func (s *WebSuite) TestPushPull(c *check.C) {
	ctx := context.Background()
	c.Assert(s.web.Connect(ctx), check.IsNil)
	out, err := s.web.Request(ctx, "push.cgi", url.Values{"content": {"$molecule\n0 1\nHe\n$end\n"}})
	c.Check(err, check.IsNil)
	c.Check(out, check.Equals, "jobID=42\n")
	reqs := s.stub.Requests()
	c.Check(reqs[len(reqs)-1].Query().Get("content"), check.Equals, "$molecule\n0 1\nHe\n$end\n")

	c.Check(s.web.Push(ctx, "", "ignored"), check.ErrorMatches, `ERROR: no content`)

	dest := filepath.Join(c.MkDir(), "he.out")
	c.Check(s.web.Pull(ctx, "42/he.out", dest), check.IsNil)
	buf, err := os.ReadFile(dest)
	c.Check(err, check.IsNil)
	c.Check(string(buf), check.Equals, "contents of 42/he.out")
}

func (s *WebSuite) TestUnsupported(c *check.C) {
	ctx := context.Background()
	ok, err := s.web.Exists(ctx, "/x", Directory)
	c.Check(ok, check.Equals, true)
	c.Check(err, check.IsNil)
	c.Check(s.web.MakeDirectory(ctx, "/x"), check.IsNil)
	c.Check(s.web.Rename(ctx, "/x", "/y"), check.IsNil)
	c.Check(s.web.Remove(ctx, "/x"), check.IsNil)
	out, err := s.web.Grep(ctx, "x", "/x")
	c.Check(out, check.Equals, "")
	c.Check(err, check.IsNil)
	out, err = s.web.CheckOutputForErrors(ctx, "/x")
	c.Check(out, check.Equals, "")
	c.Check(err, check.IsNil)
	c.Check(s.stub.Requests(), check.HasLen, 0)
}
