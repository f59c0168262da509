// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"dario.cat/mergo"
	"github.com/ghodss/yaml"
	"github.com/sirupsen/logrus"
)

// DefaultPath is the config file used when none is given.
var DefaultPath = "/etc/qjobs/config.yml"

// A Loader reads a config file and applies defaults.
type Loader struct {
	Logger logrus.FieldLogger
	Path   string
}

// NewLoader returns a Loader that reads path (or DefaultPath if
// path is empty).
func NewLoader(path string, logger logrus.FieldLogger) *Loader {
	if path == "" {
		path = DefaultPath
	}
	return &Loader{Logger: logger, Path: path}
}

// Load reads and parses the config file.
func (ldr *Loader) Load() (*Config, error) {
	f, err := os.Open(ldr.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f, ldr.Logger)
}

// Load parses a YAML config. Each server's defaults are chosen by
// its Host and Type, then overridden by the values given in the
// config.
func Load(rdr io.Reader, logger logrus.FieldLogger) (*Config, error) {
	buf, err := io.ReadAll(rdr)
	if err != nil {
		return nil, err
	}

	// Load the server kinds first, so we know which defaults to
	// apply to each server.
	var kinds struct {
		Servers map[string]struct {
			Host HostKind
			Type QueueType
		}
	}
	err = yaml.Unmarshal(buf, &kinds)
	if err != nil {
		return nil, err
	}
	if len(kinds.Servers) == 0 {
		return nil, errors.New("config does not define any servers")
	}

	var cfg Config
	err = yaml.Unmarshal(buf, &cfg)
	if err != nil {
		return nil, err
	}
	mon := defaultMonitor()
	if err := mergo.Merge(&cfg.Monitor, mon); err != nil {
		return nil, err
	}
	if cfg.SystemLogs.Format == "" {
		cfg.SystemLogs.Format = "json"
	}
	if cfg.SystemLogs.Level == "" {
		cfg.SystemLogs.Level = "info"
	}
	if f := cfg.SystemLogs.Format; f != "json" && f != "text" {
		return nil, fmt.Errorf("SystemLogs: unknown Format %q", f)
	}
	if _, err := logrus.ParseLevel(cfg.SystemLogs.Level); err != nil {
		return nil, fmt.Errorf("SystemLogs: %w", err)
	}

	names := make([]string, 0, len(cfg.Servers))
	for name := range cfg.Servers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		srv := cfg.Servers[name]
		kind := kinds.Servers[name]
		if kind.Host == "" {
			kind.Host = Local
		}
		if err := mergo.Merge(&srv, DefaultServer(kind.Host, kind.Type)); err != nil {
			return nil, fmt.Errorf("server %q: %w", name, err)
		}
		srv.Name = name
		if err := srv.Validate(); err != nil {
			return nil, err
		}
		if srv.Host == Remote && srv.Authentication == AuthHostBased && logger != nil {
			logger.WithField("Server", name).Warn("host-based authentication is not supported; connections will fail")
		}
		cfg.Servers[name] = srv
	}
	return &cfg, nil
}

// Server returns the named server's config.
func (cfg *Config) Server(name string) (Server, bool) {
	srv, ok := cfg.Servers[name]
	return srv, ok
}

// ServerNames returns the configured server names in sorted order.
func (cfg *Config) ServerNames() []string {
	names := make([]string, 0, len(cfg.Servers))
	for name := range cfg.Servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
