// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package hosttest

import (
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path"
	"strconv"
	"sync"
)

// A CGIScript returns the response body for one request.
type CGIScript func(query url.Values) string

// A CGIStub serves CGI-style scripts under Root. Requests for unknown
// scripts get 404.
type CGIStub struct {
	Root    string
	Scripts map[string]CGIScript

	mtx      sync.Mutex
	requests []*url.URL
	srv      *httptest.Server
}

// Start starts the server.
func (cs *CGIStub) Start() {
	cs.srv = httptest.NewServer(http.HandlerFunc(cs.serve))
}

// Close shuts down the server.
func (cs *CGIStub) Close() {
	cs.srv.Close()
}

// HostPort returns the address and port the server listens on.
func (cs *CGIStub) HostPort() (string, int) {
	u, _ := url.Parse(cs.srv.URL)
	h, p, _ := net.SplitHostPort(u.Host)
	port, _ := strconv.Atoi(p)
	return h, port
}

// Requests returns the URLs requested so far.
func (cs *CGIStub) Requests() []*url.URL {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()
	return append([]*url.URL(nil), cs.requests...)
}

func (cs *CGIStub) serve(w http.ResponseWriter, req *http.Request) {
	cs.mtx.Lock()
	cs.requests = append(cs.requests, req.URL)
	cs.mtx.Unlock()
	dir, script := path.Split(req.URL.Path)
	if path.Clean(dir) != path.Clean("/"+cs.Root) {
		http.NotFound(w, req)
		return
	}
	fn, ok := cs.Scripts[script]
	if !ok {
		http.NotFound(w, req)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte(fn(req.URL.Query())))
}
