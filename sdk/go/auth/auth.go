// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package auth checks the management token on API requests.
package auth

import (
	"crypto/subtle"
	"net/http"
	"net/url"
	"strings"

	"git.iqmol.org/qjobs.git/sdk/go/httpserver"
)

// TokenQueryParam is the query string parameter that may carry a
// token, for clients that cannot set headers.
const TokenQueryParam = "qjobs_token"

// Tokens returns every token r carries: a bearer token ("OAuth2" is
// accepted for older scripts), the password of basic auth as sent by
// curl -u x:token, and TokenQueryParam values. Whitespace picked up
// by copy and paste is trimmed.
func Tokens(r *http.Request) []string {
	var tokens []string
	if scheme, tok, ok := strings.Cut(r.Header.Get("Authorization"), " "); ok && (scheme == "Bearer" || scheme == "OAuth2") {
		tokens = append(tokens, strings.TrimSpace(tok))
	}
	if _, password, ok := r.BasicAuth(); ok {
		tokens = append(tokens, strings.TrimSpace(password))
	}
	// ParseQuery returns whatever it could decode even on error.
	qvalues, _ := url.ParseQuery(r.URL.RawQuery)
	for _, tok := range qvalues[TokenQueryParam] {
		tokens = append(tokens, strings.TrimSpace(tok))
	}
	return tokens
}

// Require returns a handler that passes only requests carrying token
// on to next. A request with no token gets 401 and a bearer
// challenge, one with the wrong token gets 403. If token is empty,
// no request is accepted.
func Require(token string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token == "" {
			httpserver.Error(w, "Management API authentication is not configured", http.StatusForbidden)
			return
		}
		tokens := Tokens(r)
		if len(tokens) == 0 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="qjobs"`)
			httpserver.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		for _, t := range tokens {
			if subtle.ConstantTimeCompare([]byte(t), []byte(token)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
		}
		httpserver.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
	})
}
