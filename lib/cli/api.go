// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"git.iqmol.org/qjobs.git/lib/monitor"
	"git.iqmol.org/qjobs.git/lib/server"
	"git.iqmol.org/qjobs.git/lib/task"
	"git.iqmol.org/qjobs.git/sdk/go/auth"
	"git.iqmol.org/qjobs.git/sdk/go/ctxlog"
	"git.iqmol.org/qjobs.git/sdk/go/health"
	"git.iqmol.org/qjobs.git/sdk/go/httpserver"
	"git.iqmol.org/qjobs.git/sdk/go/qjob"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Largest accepted submission body. Input files are small text
// files, but EFP fragments can be large.
const maxSubmitBytes = 16 << 20

type APIOptions struct {
	Coordinator *monitor.Coordinator
	Registry    *server.Registry
	Metrics     *prometheus.Registry
	Logger      logrus.FieldLogger

	// Token required for every request. If empty, every request
	// is refused.
	Token string

	// Operations started by requests run in this context, so
	// they are not cancelled when a client goes away.
	Context context.Context

	// Time a request waits for its operation before answering
	// "pending". Default 2 minutes.
	Wait time.Duration
}

type api struct {
	APIOptions
}

// NewAPI returns the management API handler: process and server
// endpoints, /metrics and /_health/.
func NewAPI(opts APIOptions) http.Handler {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = prometheus.NewRegistry()
	}
	if opts.Context == nil {
		opts.Context = context.Background()
	}
	if opts.Wait <= 0 {
		opts.Wait = 2 * time.Minute
	}
	a := &api{APIOptions: opts}
	h := auth.Require(opts.Token, a.router())
	h = httpserver.Instrument(opts.Metrics, h)
	h = httpserver.LogRequests(opts.Logger, h)
	return httpserver.AddRequestIDs(h)
}

func (a *api) router() http.Handler {
	mux := httprouter.New()
	metrics := promhttp.HandlerFor(a.Metrics, promhttp.HandlerOpts{
		ErrorLog: a.Logger,
	})
	mux.Handler("GET", "/metrics", metrics)
	mux.Handler("GET", "/metrics.json", metrics)
	mux.Handler("GET", "/_health/:check", &health.Handler{
		Token:  a.Token,
		Prefix: "/_health/",
		Routes: health.Routes{
			"servers":     a.checkServers,
			"processlist": a.checkProcessList,
		},
	})
	mux.GET(qjob.PathProcesses, a.listProcesses)
	mux.POST(qjob.PathProcesses, a.submit)
	mux.DELETE(qjob.PathProcesses, a.clear)
	mux.GET(qjob.PathProcesses+"/:key", a.showProcess)
	mux.DELETE(qjob.PathProcesses+"/:key", a.removeProcess)
	mux.POST(qjob.PathProcesses+"/:key/:action", a.processAction)
	mux.GET(qjob.PathServers, a.listServers)
	mux.POST(qjob.PathReconnect, a.reconnect)
	mux.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpserver.Error(w, "Not found", http.StatusNotFound)
	})
	mux.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpserver.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})
	return mux
}

func (a *api) sendJSON(w http.ResponseWriter, r *http.Request, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		ctxlog.FromContext(r.Context()).WithError(err).Warn("error writing response")
	}
}

func (a *api) sendError(w http.ResponseWriter, r *http.Request, err error) {
	code := httpserver.StatusOf(err, http.StatusUnprocessableEntity)
	switch {
	case errors.Is(err, monitor.ErrProcessNotFound):
		code = http.StatusNotFound
	case errors.Is(err, monitor.ErrSubmissionPending), errors.Is(err, server.ErrBusy):
		code = http.StatusConflict
	case errors.Is(err, monitor.ErrInvalidServer):
		code = http.StatusBadRequest
	case strings.HasPrefix(err.Error(), "Failed to connect to server"):
		code = http.StatusBadGateway
	}
	ctxlog.FromContext(r.Context()).WithError(err).Debug("request failed")
	httpserver.Error(w, err.Error(), code)
}

// sendTask waits for t and reports its result. If t takes longer
// than a.Wait, the response says it is still pending and t carries
// on.
func (a *api) sendTask(w http.ResponseWriter, r *http.Request, t *task.Task) {
	timer := time.NewTimer(a.Wait)
	defer timer.Stop()
	select {
	case <-t.Done():
		res := t.Result()
		tr := qjob.TaskResponse{Outcome: res.Outcome.String(), Output: res.Output}
		if res.Err != nil {
			tr.Error = res.Err.Error()
		}
		a.sendJSON(w, r, http.StatusOK, tr)
	case <-timer.C:
		a.sendJSON(w, r, http.StatusAccepted, qjob.TaskResponse{Outcome: task.Pending.String()})
	case <-r.Context().Done():
	}
}

func (a *api) process(params httprouter.Params) (*qjob.Process, error) {
	p, ok := a.Coordinator.Process(params.ByName("key"))
	if !ok {
		return nil, monitor.ErrProcessNotFound
	}
	return p, nil
}

func (a *api) listProcesses(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	procs := a.Coordinator.Processes()
	list := make([]qjob.ProcessSummary, 0, len(procs))
	for _, p := range procs {
		list = append(list, p.Summary())
	}
	a.sendJSON(w, r, http.StatusOK, list)
}

func (a *api) showProcess(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	p, err := a.process(params)
	if err != nil {
		a.sendError(w, r, err)
		return
	}
	a.sendJSON(w, r, http.StatusOK, p.Summary())
}

func (a *api) submit(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var ji qjob.JobInfo
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmitBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&ji); err != nil {
		a.sendError(w, r, httpserver.Errorf(http.StatusBadRequest, "error decoding job: %s", err))
		return
	}
	ctxlog.FromContext(r.Context()).WithFields(logrus.Fields{
		"Server": ji.ServerName,
		"Job":    ji.BaseName,
	}).Info("submitting job")
	t, err := a.Coordinator.SubmitJob(a.Context, ji)
	if err != nil {
		a.sendError(w, r, err)
		return
	}
	a.sendTask(w, r, t)
}

func (a *api) processAction(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	p, err := a.process(params)
	if err != nil {
		a.sendError(w, r, err)
		return
	}
	var t *task.Task
	switch params.ByName("action") {
	case "kill":
		t, err = a.Coordinator.KillProcess(a.Context, p)
	case "query":
		t, err = a.Coordinator.QueryProcess(a.Context, p)
	case "copy":
		t, err = a.Coordinator.CopyResults(a.Context, p)
	default:
		err = httpserver.Errorf(http.StatusNotFound, "Unknown action %q", params.ByName("action"))
	}
	if err != nil {
		a.sendError(w, r, err)
		return
	}
	a.sendTask(w, r, t)
}

func (a *api) removeProcess(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	p, err := a.process(params)
	if err == nil {
		err = a.Coordinator.RemoveProcess(p)
	}
	if err != nil {
		a.sendError(w, r, err)
		return
	}
	a.sendJSON(w, r, http.StatusOK, p.Summary())
}

func (a *api) clear(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	finishedOnly := r.URL.Query().Get("finished") == "true"
	n, err := a.Coordinator.ClearProcessList(finishedOnly)
	if err != nil {
		a.sendError(w, r, err)
		return
	}
	a.sendJSON(w, r, http.StatusOK, qjob.ClearResponse{Removed: n})
}

func (a *api) listServers(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	srvs := a.Registry.Servers()
	list := make([]qjob.ServerSummary, 0, len(srvs))
	for _, srv := range srvs {
		cfg := srv.Config()
		list = append(list, qjob.ServerSummary{
			Name:      srv.Name(),
			Host:      string(cfg.Host),
			Type:      string(cfg.Type),
			Address:   cfg.HostAddress,
			Connected: srv.Connected(),
			Watched:   len(srv.Watched()),
			JobLimit:  cfg.JobLimit,
		})
	}
	a.sendJSON(w, r, http.StatusOK, list)
}

func (a *api) reconnect(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	t := task.New("reconnect", func(ctx context.Context) (string, error) {
		if err := a.Coordinator.ReconnectServers(ctx); err != nil {
			return "", err
		}
		return "Servers reconnected", nil
	})
	t.Start(a.Context)
	a.sendTask(w, r, t)
}

// checkServers fails if a server with watched processes is not
// connected.
func (a *api) checkServers(ctx context.Context) error {
	var down []string
	for _, srv := range a.Registry.Servers() {
		if len(srv.Watched()) > 0 && !srv.Connected() {
			down = append(down, srv.Name())
		}
	}
	if len(down) > 0 {
		return fmt.Errorf("servers with watched processes are not connected: %s", strings.Join(down, ", "))
	}
	return nil
}

// checkProcessList fails if the process list cannot be saved.
func (a *api) checkProcessList(ctx context.Context) error {
	path := a.Coordinator.ProcessList()
	if path == "" {
		return nil
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".health-*")
	if err != nil {
		return err
	}
	f.Close()
	return os.Remove(f.Name())
}
