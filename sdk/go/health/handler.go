// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package health serves authenticated health checks as JSON.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Func is a health-check function: it returns nil when healthy, an
// error when not.
type Func func(ctx context.Context) error

// Routes is a map of check name to health-check function.
type Routes map[string]Func

// Handler is an http.Handler that responds to authenticated
// health-check requests with JSON responses like {"health":"OK"} or
// {"health":"ERROR","error":"error text"}.
//
// A request for "{Prefix}all" runs every check and reports each one
// under "checks". The overall health is ERROR if any check fails.
//
// Fields of a Handler should not be changed after the Handler is
// first used.
type Handler struct {
	setupOnce sync.Once
	mux       *http.ServeMux

	// Authentication token. If empty, all requests will return 404.
	Token string

	// Route prefix, typically "/_health/".
	Prefix string

	// Map of check names to health-check Func. Routes["foo"] is
	// the check invoked by a request to "{Prefix}foo".
	//
	// If "ping" is not listed here, it will be added
	// automatically and will always return a "healthy" response.
	Routes Routes

	// Time limit for each check. Default 10s.
	Timeout time.Duration

	// If non-nil, Log is called after handling each request. The
	// error argument is nil if the request was successfully
	// authenticated and served, even if the health check itself
	// failed.
	Log func(*http.Request, error)
}

// Response is the body of a health-check response.
type Response struct {
	Health string              `json:"health"`
	Error  string              `json:"error,omitempty"`
	Checks map[string]Response `json:"checks,omitempty"`
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.setupOnce.Do(h.setup)
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) setup() {
	h.mux = http.NewServeMux()
	prefix := h.Prefix
	if !strings.HasSuffix(prefix, "/") {
		prefix = prefix + "/"
	}
	routes := Routes{"ping": func(context.Context) error { return nil }}
	for name, fn := range h.Routes {
		routes[name] = fn
	}
	for name, fn := range routes {
		fn := fn
		h.mux.Handle(prefix+name, h.healthJSON(func(ctx context.Context) Response {
			return h.check(ctx, fn)
		}))
	}
	if _, ok := routes["all"]; !ok {
		h.mux.Handle(prefix+"all", h.healthJSON(func(ctx context.Context) Response {
			return h.checkAll(ctx, routes)
		}))
	}
}

func (h *Handler) check(ctx context.Context, fn Func) Response {
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		return Response{Health: "ERROR", Error: err.Error()}
	}
	return Response{Health: "OK"}
}

func (h *Handler) checkAll(ctx context.Context, routes Routes) Response {
	resp := Response{Health: "OK", Checks: map[string]Response{}}
	var mtx sync.Mutex
	var wg sync.WaitGroup
	for name, fn := range routes {
		name, fn := name, fn
		wg.Add(1)
		go func() {
			defer wg.Done()
			result := h.check(ctx, fn)
			mtx.Lock()
			defer mtx.Unlock()
			resp.Checks[name] = result
		}()
	}
	wg.Wait()
	var failed []string
	for name, result := range resp.Checks {
		if result.Health != "OK" {
			failed = append(failed, name)
		}
	}
	if len(failed) > 0 {
		sort.Strings(failed)
		resp.Health = "ERROR"
		resp.Error = "failed checks: " + strings.Join(failed, ", ")
	}
	return resp
}

var (
	errNotFound     = errors.New(http.StatusText(http.StatusNotFound))
	errUnauthorized = errors.New(http.StatusText(http.StatusUnauthorized))
	errForbidden    = errors.New(http.StatusText(http.StatusForbidden))
)

func (h *Handler) healthJSON(run func(context.Context) Response) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer func() {
			if h.Log != nil {
				h.Log(r, err)
			}
		}()
		if h.Token == "" {
			http.Error(w, "disabled", http.StatusNotFound)
			err = errNotFound
		} else if ah := r.Header.Get("Authorization"); ah == "" {
			http.Error(w, "authorization required", http.StatusUnauthorized)
			err = errUnauthorized
		} else if ah != "Bearer "+h.Token {
			http.Error(w, "authorization error", http.StatusForbidden)
			err = errForbidden
		} else {
			w.Header().Set("Content-Type", "application/json")
			err = json.NewEncoder(w).Encode(run(r.Context()))
		}
	})
}
