// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"git.iqmol.org/qjobs.git/lib/cmd"
	"git.iqmol.org/qjobs.git/lib/macro"
	"git.iqmol.org/qjobs.git/sdk/go/ctxlog"
	"github.com/ghodss/yaml"
	"github.com/sirupsen/logrus"
)

// KnownMacros lists the macro names that are bound when a server's
// command templates are expanded.
var KnownMacros = []string{
	"QC", "EXE_NAME", "USER", "CGI_ROOT", "COOKIE",
	"JOB_ID", "JOB_NAME", "JOB_DIR",
	"QUEUE", "WALLTIME", "MEMORY", "JOBFS", "NCPUS",
}

var DumpCommand dumpCommand

type dumpCommand struct{}

func (dumpCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()

	flags := flag.NewFlagSet("", flag.ContinueOnError)
	configFile := flags.String("config", DefaultPath, "configuration `file` (\"-\" for stdin)")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	}
	logger := ctxlog.New(stderr, "text", "info")
	cfg, err := loadFileOrStdin(*configFile, stdin, logger)
	if err != nil {
		return 1
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return 1
	}
	_, err = stdout.Write(out)
	if err != nil {
		return 1
	}
	return 0
}

var CheckCommand checkCommand

type checkCommand struct{}

func (checkCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()

	flags := flag.NewFlagSet("", flag.ContinueOnError)
	configFile := flags.String("config", DefaultPath, "configuration `file` (\"-\" for stdin)")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	}
	logger := ctxlog.New(stderr, "text", "info")
	cfg, err := loadFileOrStdin(*configFile, stdin, logger)
	if err != nil {
		return 1
	}
	problems := CheckMacros(cfg)
	for _, p := range problems {
		fmt.Fprintln(stdout, p)
	}
	if len(problems) > 0 {
		return 1
	}
	fmt.Fprintf(stdout, "%d server(s) configured: %s\n", len(cfg.Servers), strings.Join(cfg.ServerNames(), ", "))
	return 0
}

// CheckMacros returns a description of each command template that
// uses a macro name that will never be bound. Such macros expand to
// the empty string.
func CheckMacros(cfg *Config) []string {
	known := macro.Bindings{}
	for _, name := range KnownMacros {
		known[name] = ""
	}
	var problems []string
	for _, name := range cfg.ServerNames() {
		srv := cfg.Servers[name]
		for _, tmpl := range []struct {
			field, value string
		}{
			{"SubmitCommand", srv.SubmitCommand},
			{"QueryCommand", srv.QueryCommand},
			{"KillCommand", srv.KillCommand},
			{"QueueInfo", srv.QueueInfo},
			{"JobFileList", srv.JobFileList},
			{"RunFileTemplate", srv.RunFileTemplate},
		} {
			if missing := macro.Missing(tmpl.value, known); len(missing) > 0 {
				problems = append(problems, fmt.Sprintf("server %q: %s uses unknown macro(s) %s", name, tmpl.field, strings.Join(missing, ", ")))
			}
		}
	}
	return problems
}

func loadFileOrStdin(path string, stdin io.Reader, logger logrus.FieldLogger) (*Config, error) {
	if path == "-" {
		return Load(stdin, logger)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f, logger)
}
