// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package qjob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// A Client talks to the management API of a running qjobs server.
type Client struct {
	// Address of the API, e.g., "127.0.0.1:9012" or
	// "http://127.0.0.1:9012".
	APIHost   string
	AuthToken string

	// Time limit for each request, including the time a
	// submission spends on the server. Default 5 minutes.
	Timeout time.Duration

	// Retries for requests that fail to connect or get a 5xx
	// response. Only GET requests are retried after a response.
	RetryMax int

	loadedFromEnv bool
	client        *retryablehttp.Client
}

// NewClientFromEnv returns a Client configured from QJOBS_API_HOST
// and QJOBS_API_TOKEN.
func NewClientFromEnv() *Client {
	return &Client{
		APIHost:       os.Getenv("QJOBS_API_HOST"),
		AuthToken:     os.Getenv("QJOBS_API_TOKEN"),
		Timeout:       5 * time.Minute,
		RetryMax:      3,
		loadedFromEnv: true,
	}
}

// TransactionError is returned when the API responds with a non-2xx
// status.
type TransactionError struct {
	Method     string
	URL        string
	StatusCode int
	Status     string
	Errors     []string
}

func (e *TransactionError) Error() string {
	s := fmt.Sprintf("request failed: %s %s", e.Method, e.URL)
	if e.Status != "" {
		s = s + ": " + e.Status
	}
	if len(e.Errors) > 0 {
		s = s + ": " + strings.Join(e.Errors, "; ")
	}
	return s
}

func (c *Client) httpClient() *retryablehttp.Client {
	if c.client != nil {
		return c.client
	}
	client := retryablehttp.NewClient()
	client.RetryMax = c.RetryMax
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.Logger = nil
	client.HTTPClient.Timeout = c.Timeout
	if client.HTTPClient.Timeout <= 0 {
		client.HTTPClient.Timeout = 5 * time.Minute
	}
	client.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if resp != nil && resp.Request != nil && resp.Request.Method != http.MethodGet {
			// The server may have acted on it.
			return false, nil
		}
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	c.client = client
	return client
}

func (c *Client) apiURL(path string, params url.Values) string {
	base := c.APIHost
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	u := strings.TrimSuffix(base, "/") + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return u
}

// RequestAndDecode sends a request with body (if not nil) encoded as
// JSON, and decodes the JSON response into dst (if not nil).
func (c *Client) RequestAndDecode(ctx context.Context, dst interface{}, method, path string, params url.Values, body interface{}) error {
	if c.APIHost == "" {
		if c.loadedFromEnv {
			return errors.New("QJOBS_API_HOST and/or QJOBS_API_TOKEN environment variables are not set")
		}
		return errors.New("qjob.Client cannot perform request: APIHost is not set")
	}
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	u := c.apiURL(path, params)
	req, err := retryablehttp.NewRequestWithContext(ctx, method, u, raw)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.AuthToken)
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		terr := &TransactionError{
			Method:     method,
			URL:        u,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
		}
		var er ErrorResponse
		if json.Unmarshal(buf, &er) == nil {
			terr.Errors = er.Errors
		} else if msg := strings.TrimSpace(string(buf)); msg != "" {
			terr.Errors = []string{msg}
		}
		return terr
	}
	if dst == nil {
		return nil
	}
	return json.NewDecoder(bytes.NewReader(buf)).Decode(dst)
}

func processPath(key string, action ...string) string {
	return strings.Join(append([]string{PathProcesses, url.PathEscape(key)}, action...), "/")
}

// Processes returns the process list.
func (c *Client) Processes(ctx context.Context) ([]ProcessSummary, error) {
	var procs []ProcessSummary
	err := c.RequestAndDecode(ctx, &procs, http.MethodGet, PathProcesses, nil, nil)
	return procs, err
}

// Process returns the process with the given key.
func (c *Client) Process(ctx context.Context, key string) (ProcessSummary, error) {
	var ps ProcessSummary
	err := c.RequestAndDecode(ctx, &ps, http.MethodGet, processPath(key), nil, nil)
	return ps, err
}

// Submit submits a job and waits for the submission to finish.
func (c *Client) Submit(ctx context.Context, ji JobInfo) (TaskResponse, error) {
	var tr TaskResponse
	err := c.RequestAndDecode(ctx, &tr, http.MethodPost, PathProcesses, nil, ji)
	return tr, err
}

// Kill kills the process with the given key.
func (c *Client) Kill(ctx context.Context, key string) (TaskResponse, error) {
	return c.action(ctx, key, "kill")
}

// Query asks the process's server for its current status.
func (c *Client) Query(ctx context.Context, key string) (TaskResponse, error) {
	return c.action(ctx, key, "query")
}

// CopyResults copies a finished process's results to its local
// working directory on the API host.
func (c *Client) CopyResults(ctx context.Context, key string) (TaskResponse, error) {
	return c.action(ctx, key, "copy")
}

func (c *Client) action(ctx context.Context, key, action string) (TaskResponse, error) {
	var tr TaskResponse
	err := c.RequestAndDecode(ctx, &tr, http.MethodPost, processPath(key, action), nil, nil)
	return tr, err
}

// Remove removes a process from the list.
func (c *Client) Remove(ctx context.Context, key string) error {
	return c.RequestAndDecode(ctx, nil, http.MethodDelete, processPath(key), nil, nil)
}

// Clear removes every process from the list, or only the finished
// ones.
func (c *Client) Clear(ctx context.Context, finishedOnly bool) (int, error) {
	var cr ClearResponse
	params := url.Values{}
	if finishedOnly {
		params.Set("finished", "true")
	}
	err := c.RequestAndDecode(ctx, &cr, http.MethodDelete, PathProcesses, params, nil)
	return cr.Removed, err
}

// Servers returns the configured servers.
func (c *Client) Servers(ctx context.Context) ([]ServerSummary, error) {
	var srvs []ServerSummary
	err := c.RequestAndDecode(ctx, &srvs, http.MethodGet, PathServers, nil, nil)
	return srvs, err
}

// Reconnect reconnects the servers of processes left queued or
// unknown by a restart, and queries those processes.
func (c *Client) Reconnect(ctx context.Context) (TaskResponse, error) {
	var tr TaskResponse
	err := c.RequestAndDecode(ctx, &tr, http.MethodPost, PathReconnect, nil, nil)
	return tr, err
}
