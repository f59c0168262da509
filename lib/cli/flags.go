// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"flag"
	"time"

	"git.iqmol.org/qjobs.git/lib/cmd"
	"git.iqmol.org/qjobs.git/sdk/go/qjob"
	"rsc.io/getopt"
)

// ClientFlagValues are the flags shared by the API client commands.
type ClientFlagValues struct {
	APIHost string
	Format  string
	Short   bool
	Timeout time.Duration
}

// Client returns an API client for the flag values. The token always
// comes from QJOBS_API_TOKEN.
func (v *ClientFlagValues) Client() *qjob.Client {
	client := qjob.NewClientFromEnv()
	if v.APIHost != "" {
		client.APIHost = v.APIHost
	}
	if v.Timeout > 0 {
		client.Timeout = v.Timeout
	}
	return client
}

func (v *ClientFlagValues) format() string {
	if v.Short {
		return "key"
	}
	return v.Format
}

// ClientFlagSet returns a getopt flag set with the shared client
// flags. Commands add their own flags to it.
func ClientFlagSet() (*getopt.FlagSet, *ClientFlagValues) {
	values := &ClientFlagValues{Format: "json"}
	flags := getopt.NewFlagSet("", flag.ContinueOnError)
	flags.StringVar(&values.APIHost, "api-host", "", "API `address`, default $QJOBS_API_HOST")
	flags.Alias("H", "api-host")
	flags.StringVar(&values.Format, "format", values.Format, "Output format: json, yaml, text, or key")
	flags.Alias("f", "format")
	flags.BoolVar(&values.Short, "short", false, "Print only process keys (equivalent to --format=key)")
	flags.Alias("s", "short")
	flags.DurationVar(&values.Timeout, "timeout", 0, "Give up on a request after this long")
	return flags, values
}

var _ cmd.FlagSet = (*getopt.FlagSet)(nil)
