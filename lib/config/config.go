// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// HostKind selects the transport used to reach a server.
type HostKind string

const (
	Local  HostKind = "Local"
	Remote HostKind = "Remote"
	Web    HostKind = "Web"
)

// QueueType selects the queueing system adapter.
type QueueType string

const (
	Basic  QueueType = "Basic"
	PBS    QueueType = "PBS"
	SGE    QueueType = "SGE"
	HTTP   QueueType = "HTTP"
	Custom QueueType = "Custom"
)

// AuthMethod selects how the Remote transport authenticates.
type AuthMethod string

const (
	AuthNone                AuthMethod = "None"
	AuthAgent               AuthMethod = "Agent"
	AuthPublicKey           AuthMethod = "PublicKey"
	AuthHostBased           AuthMethod = "HostBased"
	AuthKeyboardInteractive AuthMethod = "KeyboardInteractive"
	AuthVault               AuthMethod = "Vault"
	AuthPrompt              AuthMethod = "Prompt"
)

// Duration is time.Duration but looks like "12s" in JSON/YAML,
// rather than a number of nanoseconds.
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler
func (d *Duration) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		dur, err := time.ParseDuration(string(data[1 : len(data)-1]))
		*d = Duration(dur)
		return err
	}
	return fmt.Errorf("duration must be given as a string like \"10s\" or \"1m30s\"")
}

// MarshalJSON implements json.Marshaler
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// String implements fmt.Stringer
func (d Duration) String() string {
	return time.Duration(d).String()
}

// Duration returns a time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Config is the top level configuration.
type Config struct {
	Servers    map[string]Server
	Monitor    Monitor
	SystemLogs SystemLogs
}

type SystemLogs struct {
	Format string
	Level  string
}

type Monitor struct {
	// File where the process list is persisted.
	ProcessList string
	// Interval between local refreshes of the process table.
	RefreshInterval Duration
	// Address for the management API, e.g., "127.0.0.1:9012".
	Listen string
	// Bearer token required by the management API. If empty,
	// the management API refuses all requests.
	ManagementToken string
	// YAML file mapping server names to stored passwords.
	VaultFile string
	// Local directory where results are copied when a job does
	// not specify one.
	ResultsDirectory string
}

// Server is the static configuration of one compute endpoint.
type Server struct {
	Name string `json:"-"`

	Host             HostKind
	Type             QueueType
	HostAddress      string
	Port             int
	UserName         string
	Authentication   AuthMethod
	KeyFile          string
	KnownHostsFile   string
	ExecutableName   string
	QChemEnvironment string
	WorkingDirectory string
	CgiRoot          string

	SubmitCommand   string
	QueryCommand    string
	KillCommand     string
	QueueInfo       string
	JobFileList     string
	RunFileTemplate string

	// Extra result files (glob patterns relative to the job's
	// remote directory) copied back along with the input, output
	// and aux files.
	ResultFiles []string

	// Maximum number of jobs running at once through a Basic
	// server's client-side queue. 0 means unlimited.
	JobLimit int

	UpdateInterval Duration
}

// Clone returns a deep copy of srv.
func (srv Server) Clone() Server {
	srv.ResultFiles = append([]string(nil), srv.ResultFiles...)
	return srv
}

// Validate returns an error if srv cannot be used.
func (srv *Server) Validate() error {
	switch srv.Host {
	case Local:
	case Remote, Web:
		if srv.HostAddress == "" {
			return fmt.Errorf("server %q: HostAddress is required for %s host", srv.Name, srv.Host)
		}
	default:
		return fmt.Errorf("server %q: unknown Host %q", srv.Name, srv.Host)
	}
	switch srv.Type {
	case Basic, PBS, SGE, Custom:
		if srv.Host == Web {
			return fmt.Errorf("server %q: %s queue type cannot be used with a Web host", srv.Name, srv.Type)
		}
	case HTTP:
		if srv.Host != Web {
			return fmt.Errorf("server %q: HTTP queue type requires a Web host", srv.Name)
		}
	default:
		return fmt.Errorf("server %q: unknown Type %q", srv.Name, srv.Type)
	}
	if srv.Host == Remote {
		switch srv.Authentication {
		case AuthNone, AuthAgent, AuthPublicKey, AuthHostBased, AuthKeyboardInteractive, AuthVault, AuthPrompt:
		default:
			return fmt.Errorf("server %q: unknown Authentication %q", srv.Name, srv.Authentication)
		}
	}
	if srv.JobLimit < 0 {
		return fmt.Errorf("server %q: JobLimit must not be negative", srv.Name)
	}
	if srv.Port < 0 || srv.Port > 65535 {
		return fmt.Errorf("server %q: invalid Port %d", srv.Name, srv.Port)
	}
	return nil
}
