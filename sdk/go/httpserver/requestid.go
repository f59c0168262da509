// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const maxRequestIDLength = 64

// NewRequestID returns a new "req-" id.
func NewRequestID() string {
	return "req-" + strings.Replace(uuid.NewString(), "-", "", -1)
}

// AddRequestIDs wraps h, giving each request a new X-Request-Id
// unless the client sent a usable one, and echoing it in the
// response.
func AddRequestIDs(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		id := req.Header.Get("X-Request-Id")
		if id == "" || len(id) > maxRequestIDLength || strings.ContainsAny(id, " \t\r\n") {
			id = NewRequestID()
			req.Header.Set("X-Request-Id", id)
		}
		w.Header().Set("X-Request-Id", id)
		h.ServeHTTP(w, req)
	})
}
