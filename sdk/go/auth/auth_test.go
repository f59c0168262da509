// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&AuthSuite{})

type AuthSuite struct {
	served int
}

func (s *AuthSuite) SetUpTest(c *check.C) {
	s.served = 0
}

func (s *AuthSuite) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.served++
}

func (s *AuthSuite) TestTokens(c *check.C) {
	c.Check(Tokens(httptest.NewRequest("GET", "/processes?qjobs_token=xyzzy", nil)), check.DeepEquals, []string{"xyzzy"})
	c.Check(Tokens(httptest.NewRequest("GET", "/processes", nil)), check.HasLen, 0)

	for _, scheme := range []string{"Bearer", "OAuth2"} {
		req := httptest.NewRequest("GET", "/processes", nil)
		req.Header.Set("Authorization", scheme+" xyzzy")
		c.Check(Tokens(req), check.DeepEquals, []string{"xyzzy"}, check.Commentf("%s", scheme))
	}
	req := httptest.NewRequest("GET", "/processes", nil)
	req.Header.Set("Authorization", "Negotiate xyzzy")
	c.Check(Tokens(req), check.HasLen, 0)
}

// Leading and trailing spaces, newlines, etc. are ignored in case a
// user added them during copy/paste.
func (s *AuthSuite) TestTrimSpace(c *check.C) {
	c.Check(Tokens(httptest.NewRequest("GET", "/processes?qjobs_token=%20xyzzy%0a", nil)), check.DeepEquals, []string{"xyzzy"})

	req := httptest.NewRequest("GET", "/processes", nil)
	req.SetBasicAuth("username", "\txyzzy\n")
	c.Check(Tokens(req), check.DeepEquals, []string{"xyzzy"})
}

func (s *AuthSuite) TestRequire(c *check.C) {
	handler := Require("xyzzy", s)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/processes?qjobs_token=abcdef", nil))
	c.Check(s.served, check.Equals, 0)
	c.Check(w.Code, check.Equals, http.StatusForbidden)
	c.Check(w.Body.String(), check.Equals, `{"errors":["Forbidden"]}`+"\n")

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/processes", nil))
	c.Check(s.served, check.Equals, 0)
	c.Check(w.Code, check.Equals, http.StatusUnauthorized)
	c.Check(w.Header().Get("WWW-Authenticate"), check.Equals, `Bearer realm="qjobs"`)

	// Any one matching token is enough.
	req := httptest.NewRequest("GET", "/processes?qjobs_token=xyzzy", nil)
	req.Header.Set("Authorization", "Bearer stale")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	c.Check(s.served, check.Equals, 1)
	c.Check(w.Code, check.Equals, http.StatusOK)
}

func (s *AuthSuite) TestRequireUnconfigured(c *check.C) {
	handler := Require("", s)
	for _, target := range []string{"/processes", "/processes?qjobs_token="} {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest("GET", target, nil))
		c.Check(w.Code, check.Equals, http.StatusForbidden)
		c.Check(w.Body.String(), check.Matches, `.*authentication is not configured.*\n`)
	}
	c.Check(s.served, check.Equals, 0)
}
