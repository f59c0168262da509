// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package qjob

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ClientSuite{})

type ClientSuite struct {
	srv      *httptest.Server
	handler  http.HandlerFunc
	requests int32
}

func (s *ClientSuite) SetUpTest(c *check.C) {
	atomic.StoreInt32(&s.requests, 0)
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&s.requests, 1)
		s.handler(w, r)
	}))
}

func (s *ClientSuite) TearDownTest(c *check.C) {
	s.srv.Close()
}

func (s *ClientSuite) client() *Client {
	return &Client{APIHost: s.srv.URL, AuthToken: "xyzzy", RetryMax: 1}
}

func (s *ClientSuite) TestSubmit(c *check.C) {
	s.handler = func(w http.ResponseWriter, r *http.Request) {
		c.Check(r.Method, check.Equals, http.MethodPost)
		c.Check(r.URL.Path, check.Equals, "/processes")
		c.Check(r.Header.Get("Authorization"), check.Equals, "Bearer xyzzy")
		var ji JobInfo
		c.Check(json.NewDecoder(r.Body).Decode(&ji), check.IsNil)
		c.Check(ji.BaseName, check.Equals, "h2o")
		c.Check(ji.ServerName, check.Equals, "hpc")
		json.NewEncoder(w).Encode(TaskResponse{Outcome: "finished", Output: "Job 7 submitted to server hpc"})
	}
	tr, err := s.client().Submit(context.Background(), JobInfo{BaseName: "h2o", ServerName: "hpc", Multiplicity: 1})
	c.Assert(err, check.IsNil)
	c.Check(tr.Outcome, check.Equals, "finished")
	c.Check(tr.Output, check.Equals, "Job 7 submitted to server hpc")
}

func (s *ClientSuite) TestActionPaths(c *check.C) {
	var paths []string
	s.handler = func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.RequestURI())
		switch {
		case r.Method == http.MethodDelete && r.URL.Path == "/processes":
			json.NewEncoder(w).Encode(ClearResponse{Removed: 2})
		case r.Method == http.MethodGet && r.URL.Path == "/processes":
			json.NewEncoder(w).Encode([]ProcessSummary{{Key: "k1", Status: Running}})
		default:
			json.NewEncoder(w).Encode(TaskResponse{Outcome: "finished"})
		}
	}
	ctx := context.Background()
	cl := s.client()
	procs, err := cl.Processes(ctx)
	c.Assert(err, check.IsNil)
	c.Check(procs, check.HasLen, 1)
	c.Check(procs[0].Status, check.Equals, Running)
	_, err = cl.Kill(ctx, "k1")
	c.Check(err, check.IsNil)
	_, err = cl.Query(ctx, "k1")
	c.Check(err, check.IsNil)
	_, err = cl.CopyResults(ctx, "k1")
	c.Check(err, check.IsNil)
	c.Check(cl.Remove(ctx, "k1"), check.IsNil)
	n, err := cl.Clear(ctx, true)
	c.Check(err, check.IsNil)
	c.Check(n, check.Equals, 2)
	c.Check(paths, check.DeepEquals, []string{
		"GET /processes",
		"POST /processes/k1/kill",
		"POST /processes/k1/query",
		"POST /processes/k1/copy",
		"DELETE /processes/k1",
		"DELETE /processes?finished=true",
	})
}

func (s *ClientSuite) TestErrorResponse(c *check.C) {
	s.handler = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(ErrorResponse{Errors: []string{"Process not found"}})
	}
	_, err := s.client().Process(context.Background(), "nope")
	var terr *TransactionError
	c.Assert(errors.As(err, &terr), check.Equals, true)
	c.Check(terr.StatusCode, check.Equals, http.StatusNotFound)
	c.Check(terr.Errors, check.DeepEquals, []string{"Process not found"})
	c.Check(err, check.ErrorMatches, `request failed: GET .*/processes/nope: 404 Not Found: Process not found`)
}

func (s *ClientSuite) TestRetryOnlyGet(c *check.C) {
	s.handler = func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "try later", http.StatusServiceUnavailable)
	}
	_, err := s.client().Kill(context.Background(), "k1")
	c.Check(err, check.ErrorMatches, `.*503 Service Unavailable: try later`)
	c.Check(atomic.LoadInt32(&s.requests), check.Equals, int32(1))

	atomic.StoreInt32(&s.requests, 0)
	_, err = s.client().Servers(context.Background())
	c.Check(err, check.NotNil)
	c.Check(atomic.LoadInt32(&s.requests), check.Equals, int32(2))
}

func (s *ClientSuite) TestNoHost(c *check.C) {
	cl := NewClientFromEnv()
	cl.APIHost = ""
	_, err := cl.Processes(context.Background())
	c.Check(err, check.ErrorMatches, `QJOBS_API_HOST.*not set`)
	_, err = (&Client{}).Processes(context.Background())
	c.Check(err, check.ErrorMatches, `.*APIHost is not set`)
	c.Check(strings.HasPrefix((&Client{APIHost: "localhost:9012"}).apiURL("/servers", nil), "http://localhost:9012/servers"), check.Equals, true)
}
