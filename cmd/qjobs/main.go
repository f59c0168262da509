// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"os"

	"git.iqmol.org/qjobs.git/lib/cli"
	"git.iqmol.org/qjobs.git/lib/cmd"
	"git.iqmol.org/qjobs.git/lib/config"
)

var handler = cmd.Multi(map[string]cmd.Handler{
	"version": cmd.Version,

	"serve":        cli.Serve,
	"check-config": config.CheckCommand,
	"dump-config":  config.DumpCommand,

	"submit":    cli.Submit,
	"list":      cli.List,
	"show":      cli.Show,
	"kill":      cli.Kill,
	"query":     cli.Query,
	"copy":      cli.Copy,
	"remove":    cli.Remove,
	"clear":     cli.Clear,
	"servers":   cli.Servers,
	"reconnect": cli.Reconnect,
})

func main() {
	os.Exit(handler.RunCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
