// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"git.iqmol.org/qjobs.git/sdk/go/ctxlog"
	"github.com/sirupsen/logrus"
)

// LogRequests wraps an http.Handler, logging each request and
// response via logger. The request logger is available to h through
// ctxlog.FromContext(req.Context()). Query parameters named
// *_token are logged as "xxxxx".
func LogRequests(logger logrus.FieldLogger, h http.Handler) http.Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return http.HandlerFunc(func(wrapped http.ResponseWriter, req *http.Request) {
		w := &responseRecorder{ResponseWriter: wrapped}
		tStart := time.Now()
		lgr := logger.WithFields(logrus.Fields{
			"RequestID":       req.Header.Get("X-Request-Id"),
			"remoteAddr":      req.RemoteAddr,
			"reqForwardedFor": req.Header.Get("X-Forwarded-For"),
			"reqMethod":       req.Method,
			"reqPath":         req.URL.Path,
			"reqQuery":        redactQuery(req.URL.RawQuery),
			"reqBytes":        req.ContentLength,
		})
		req = req.WithContext(ctxlog.Context(req.Context(), lgr))
		lgr.Debug("request")
		defer func() {
			respCode := w.status
			if respCode == 0 {
				respCode = http.StatusOK
			}
			lgr = lgr.WithFields(logrus.Fields{
				"timeTotal":      time.Since(tStart).Seconds(),
				"respStatusCode": respCode,
				"respStatus":     http.StatusText(respCode),
				"respBytes":      w.bytes,
			})
			if respCode >= 500 {
				lgr.Warn("response")
			} else {
				lgr.Info("response")
			}
		}()
		h.ServeHTTP(w, req)
	})
}

func redactQuery(raw string) string {
	if !strings.Contains(raw, "_token=") {
		return raw
	}
	q, err := url.ParseQuery(raw)
	if err != nil {
		return "(unparseable)"
	}
	for k, v := range q {
		if strings.HasSuffix(k, "_token") {
			for i := range v {
				v[i] = "xxxxx"
			}
		}
	}
	return q.Encode()
}

// responseRecorder remembers the status and body size sent.
type responseRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *responseRecorder) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseRecorder) Write(data []byte) (int, error) {
	if w.status == 0 {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(data)
	w.bytes += n
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *responseRecorder) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
