// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"fmt"
	"os"
	"sync"

	"github.com/ghodss/yaml"
)

// A Vault holds stored passwords, keyed by server name. It is safe
// for concurrent use.
type Vault struct {
	mtx       sync.Mutex
	passwords map[string]string
}

// LoadVault reads a YAML file of the form
//
//	hpc: s3cret
//	cluster2: hunter2
//
// The file must not be readable by group or others. An empty path
// returns an empty Vault.
func LoadVault(path string) (*Vault, error) {
	v := &Vault{passwords: map[string]string{}}
	if path == "" {
		return v, nil
	}
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if fi.Mode().Perm()&0077 != 0 {
		return nil, fmt.Errorf("vault file %s has mode %v, must not be accessible by group or others", path, fi.Mode().Perm())
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	err = yaml.Unmarshal(buf, &v.passwords)
	if err != nil {
		return nil, fmt.Errorf("vault file %s: %w", path, err)
	}
	return v, nil
}

// Password returns the stored password for the named server.
func (v *Vault) Password(server string) (string, bool) {
	v.mtx.Lock()
	defer v.mtx.Unlock()
	pw, ok := v.passwords[server]
	return pw, ok
}

// SetPassword stores a password in memory.
func (v *Vault) SetPassword(server, password string) {
	v.mtx.Lock()
	defer v.mtx.Unlock()
	if v.passwords == nil {
		v.passwords = map[string]string{}
	}
	v.passwords[server] = password
}
