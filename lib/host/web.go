// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"git.iqmol.org/qjobs.git/lib/config"
	"github.com/google/shlex"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

const webTimeout = 5 * time.Second

// Web runs commands by calling CGI scripts on an HTTP server. Every
// request carries the session cookie obtained by Connect.
//
// A command has the form "script.cgi k1=v1 k2=v2", which becomes
// GET /<CgiRoot>/script.cgi?cookie=<cookie>&k1=v1&k2=v2.
type Web struct {
	srv    config.Server
	logger logrus.FieldLogger
	client *retryablehttp.Client

	mtx       sync.Mutex
	cookie    string
	connected bool
}

// NewWeb returns a Web host for srv.
func NewWeb(srv config.Server, logger logrus.FieldLogger) *Web {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = time.Second
	client.HTTPClient.Timeout = webTimeout
	client.Logger = leveledLogger{logger}
	return &Web{srv: srv, logger: logger, client: client}
}

func (w *Web) WorkingDirectory(baseName string) string {
	return joinDir(w.srv.WorkingDirectory, baseName)
}

// Cookie returns the current session cookie.
func (w *Web) Cookie() string {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	return w.cookie
}

// Connect performs the handshake, presenting the previous cookie (if
// any) and storing the one issued by the server.
func (w *Web) Connect(ctx context.Context) error {
	w.mtx.Lock()
	old := w.cookie
	w.mtx.Unlock()
	vals := url.Values{"user": {w.srv.UserName}}
	body, err := w.get(ctx, "handshake.cgi", old, vals)
	if err == nil && !strings.Contains(body, "cookie") {
		err = fmt.Errorf("unexpected handshake response %q", strings.TrimSpace(body))
	}
	if err != nil {
		return &ConnectionError{Server: w.srv.Name, Err: err}
	}
	cookie := ""
	for _, tok := range strings.Fields(body) {
		k, v, ok := strings.Cut(tok, "=")
		if !ok {
			continue
		}
		switch {
		case k == "cookie":
			cookie = v
		case v == "valid":
			w.logger.Info("account valid")
		case v == "expired":
			w.logger.Warn("account expired, new account token issued")
		}
	}
	if cookie == "" {
		return &ConnectionError{Server: w.srv.Name, Err: errors.New("no cookie issued")}
	}
	if cookie != old {
		w.logger.WithField("Cookie", cookie).Info("new account token issued")
	}
	w.mtx.Lock()
	w.cookie, w.connected = cookie, true
	w.mtx.Unlock()
	return nil
}

func (w *Web) Disconnect() {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	w.connected = false
}

func (w *Web) Connected() bool {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	return w.connected
}

// Execute splits command into a script name and key=value
// arguments and calls the script.
func (w *Web) Execute(ctx context.Context, command string) (string, error) {
	args, err := shlex.Split(command)
	if err != nil {
		return "", err
	}
	if len(args) == 0 {
		return "", errors.New("empty command")
	}
	vals := url.Values{}
	for _, arg := range args[1:] {
		k, v, _ := strings.Cut(arg, "=")
		vals.Add(k, v)
	}
	return w.Request(ctx, args[0], vals)
}

// Request calls script with the given arguments and returns the
// response body. A response containing "ERROR:" is returned along
// with an error.
func (w *Web) Request(ctx context.Context, script string, vals url.Values) (string, error) {
	return w.get(ctx, script, w.Cookie(), vals)
}

func (w *Web) get(ctx context.Context, script, cookie string, vals url.Values) (string, error) {
	u := w.scriptURL(script, cookie, vals)
	w.logger.WithField("URL", u).Debug("request")
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	body := string(buf)
	if resp.StatusCode != http.StatusOK {
		return body, fmt.Errorf("%s: %s", script, resp.Status)
	}
	if strings.Contains(body, "ERROR:") {
		return body, errors.New(strings.TrimSpace(body))
	}
	return body, nil
}

// scriptURL keeps the cookie as the first query parameter.
func (w *Web) scriptURL(script, cookie string, vals url.Values) string {
	port := w.srv.Port
	if port == 0 {
		port = 80
	}
	u := url.URL{
		Scheme:   "http",
		Host:     net.JoinHostPort(w.srv.HostAddress, strconv.Itoa(port)),
		Path:     "/" + strings.Trim(w.srv.CgiRoot, "/") + "/" + script,
		RawQuery: "cookie=" + url.QueryEscape(cookie),
	}
	if extra := vals.Encode(); extra != "" {
		u.RawQuery += "&" + extra
	}
	return u.String()
}

// Push uploads content, which is the literal file content rather
// than a path.
func (w *Web) Push(ctx context.Context, content, dest string) error {
	_, err := w.Request(ctx, "push.cgi", url.Values{"content": {content}})
	return err
}

// Pull downloads source through download.cgi into a local file.
func (w *Web) Pull(ctx context.Context, source, dest string) error {
	body, err := w.Request(ctx, "download.cgi", url.Values{"file": {source}})
	if err != nil {
		return err
	}
	return os.WriteFile(expandHome(dest), []byte(body), 0644)
}

func (w *Web) unsupported(op string) {
	w.logger.WithField("Operation", op).Warn("operation not supported by web host, ignoring")
}

func (w *Web) Exists(ctx context.Context, path string, flags Flags) (bool, error) {
	w.unsupported("exists")
	return true, nil
}

func (w *Web) MakeDirectory(ctx context.Context, path string) error {
	w.unsupported("mkdir")
	return nil
}

func (w *Web) Rename(ctx context.Context, source, dest string) error {
	w.unsupported("rename")
	return nil
}

func (w *Web) Remove(ctx context.Context, path string) error {
	w.unsupported("remove")
	return nil
}

func (w *Web) Grep(ctx context.Context, pattern, path string) (string, error) {
	w.unsupported("grep")
	return "", nil
}

func (w *Web) CheckOutputForErrors(ctx context.Context, path string) (string, error) {
	w.unsupported("checkOutputForErrors")
	return "", nil
}

// leveledLogger adapts a logrus logger to retryablehttp.
type leveledLogger struct {
	logger logrus.FieldLogger
}

func (l leveledLogger) fields(kv []interface{}) logrus.FieldLogger {
	logger := l.logger
	for i := 0; i+1 < len(kv); i += 2 {
		logger = logger.WithField(fmt.Sprint(kv[i]), kv[i+1])
	}
	return logger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.fields(kv).Error(msg) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.fields(kv).Debug(msg) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.fields(kv).Debug(msg) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.fields(kv).Warn(msg) }
