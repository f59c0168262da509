// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package qjob

// Paths served by the management API.
const (
	PathProcesses = "/processes"
	PathServers   = "/servers"
	PathReconnect = "/servers/reconnect"
)

// TaskResponse reports how an operation on a process ended.
type TaskResponse struct {
	// "finished" if the operation ran to completion, "killed" if
	// it was stopped, "pending" if it was still running when the
	// request returned.
	Outcome string `json:"outcome"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ServerSummary is a point-in-time view of a configured server.
type ServerSummary struct {
	Name      string `json:"name"`
	Host      string `json:"host"`
	Type      string `json:"type"`
	Address   string `json:"address,omitempty"`
	Connected bool   `json:"connected"`
	Watched   int    `json:"watched"`
	JobLimit  int    `json:"job_limit,omitempty"`
}

// ClearResponse is returned when the process list is cleared.
type ClearResponse struct {
	Removed int `json:"removed"`
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Errors []string `json:"errors"`
}
