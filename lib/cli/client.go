// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"git.iqmol.org/qjobs.git/lib/cmd"
	"git.iqmol.org/qjobs.git/sdk/go/qjob"
	"rsc.io/getopt"
)

var (
	Submit    = clientCommand{positional: "input-file", nargs: 1, flags: submitFlags, run: runSubmit}
	List      = clientCommand{run: runList}
	Show      = clientCommand{positional: "process", nargs: 1, run: runShow}
	Kill      = clientCommand{positional: "process", nargs: 1, run: processTask((*qjob.Client).Kill)}
	Query     = clientCommand{positional: "process", nargs: 1, run: processTask((*qjob.Client).Query)}
	Copy      = clientCommand{positional: "process", nargs: 1, run: processTask((*qjob.Client).CopyResults)}
	Remove    = clientCommand{positional: "process", nargs: 1, run: runRemove}
	Clear     = clientCommand{flags: clearFlags, run: runClear}
	Servers   = clientCommand{run: runServers}
	Reconnect = clientCommand{run: runReconnect}
)

// clientInvocation is what a client command's run func gets.
type clientInvocation struct {
	ctx    context.Context
	client *qjob.Client
	values *ClientFlagValues
	extra  interface{}
	args   []string
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

// A clientCommand calls the management API of a running "serve".
type clientCommand struct {
	positional string
	nargs      int
	// flags adds command-specific flags and returns a value
	// passed to run as inv.extra.
	flags func(*getopt.FlagSet) interface{}
	run   func(inv clientInvocation) error
}

func (cc clientCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", strings.TrimRight(err.Error(), "\n"))
		}
	}()

	flags, values := ClientFlagSet()
	var extra interface{}
	if cc.flags != nil {
		extra = cc.flags(flags)
	}
	if ok, code := cmd.ParseFlagsN(flags, prog, args, cc.positional, cc.nargs, stderr); !ok {
		return code
	}
	switch values.format() {
	case "json", "yaml", "text", "key":
	default:
		err = fmt.Errorf("unsupported output format %q", values.Format)
		return 2
	}
	err = cc.run(clientInvocation{
		ctx:    context.Background(),
		client: values.Client(),
		values: values,
		extra:  extra,
		args:   flags.Args(),
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
	})
	if errors.Is(err, errTaskFailed) {
		err = nil
		return 1
	} else if err != nil {
		return 1
	}
	return 0
}

// errTaskFailed means the task's error has already been printed.
var errTaskFailed = errors.New("task failed")

func (inv clientInvocation) print(obj interface{}) error {
	return printObject(inv.stdout, inv.values.format(), obj)
}

func (inv clientInvocation) printTask(tr qjob.TaskResponse) error {
	if !printTask(inv.stdout, inv.stderr, tr) {
		return errTaskFailed
	}
	return nil
}

// resolve finds the process a user means: a key, a unique key
// prefix, or a unique job name.
func (inv clientInvocation) resolve(arg string) (string, error) {
	procs, err := inv.client.Processes(inv.ctx)
	if err != nil {
		return "", err
	}
	var byPrefix, byName []string
	for _, ps := range procs {
		if ps.Key == arg {
			return ps.Key, nil
		}
		if strings.HasPrefix(ps.Key, arg) {
			byPrefix = append(byPrefix, ps.Key)
		}
		if ps.BaseName == arg {
			byName = append(byName, ps.Key)
		}
	}
	for _, matches := range [][]string{byPrefix, byName} {
		switch len(matches) {
		case 0:
			continue
		case 1:
			return matches[0], nil
		default:
			return "", fmt.Errorf("%q is ambiguous: %s", arg, strings.Join(matches, ", "))
		}
	}
	return "", fmt.Errorf("no process matches %q", arg)
}

type submitOptions struct {
	ji        qjob.JobInfo
	overwrite bool
}

func submitFlags(flags *getopt.FlagSet) interface{} {
	opts := &submitOptions{}
	flags.StringVar(&opts.ji.ServerName, "server", "", "submit to the named `server` (required)")
	flags.Alias("S", "server")
	flags.StringVar(&opts.ji.BaseName, "name", "", "job `name`, default is the input file name without extension")
	flags.Alias("n", "name")
	flags.IntVar(&opts.ji.Charge, "charge", 0, "molecular `charge`")
	flags.IntVar(&opts.ji.Multiplicity, "multiplicity", 1, "spin `multiplicity`")
	flags.StringVar(&opts.ji.Queue, "queue", "", "scheduler `queue`")
	flags.StringVar(&opts.ji.Walltime, "walltime", "", "wall time limit, `hh:mm:ss`")
	flags.IntVar(&opts.ji.Memory, "memory", 0, "memory limit in `MB`")
	flags.IntVar(&opts.ji.Jobfs, "jobfs", 0, "scratch space in `MB`")
	flags.IntVar(&opts.ji.Ncpus, "ncpus", 0, "number of `cpus`")
	flags.StringVar(&opts.ji.LocalWorkingDirectory, "dir", "", "local `directory` for results")
	flags.BoolVar(&opts.overwrite, "overwrite", false, "reuse the working directory if it already exists")
	flags.BoolVar(&opts.ji.EfpOnlyJob, "efp-only", false, "the input contains only EFP fragments")
	return opts
}

func runSubmit(inv clientInvocation) error {
	opts := inv.extra.(*submitOptions)
	ji := opts.ji
	path := inv.args[0]
	var buf []byte
	var err error
	if path == "-" {
		buf, err = io.ReadAll(inv.stdin)
	} else {
		buf, err = os.ReadFile(path)
	}
	if err != nil {
		return err
	}
	if ji.BaseName == "" {
		if path == "-" {
			return errors.New("--name is required when the input is read from stdin")
		}
		base := filepath.Base(path)
		ji.BaseName = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if ji.ServerName == "" {
		return errors.New("--server is required")
	}
	ji.InputString = string(buf)
	ji.PromptOnOverwrite = !opts.overwrite
	if err := ji.Validate(); err != nil {
		return err
	}
	tr, err := inv.client.Submit(inv.ctx, ji)
	if err != nil {
		return err
	}
	return inv.printTask(tr)
}

func runList(inv clientInvocation) error {
	procs, err := inv.client.Processes(inv.ctx)
	if err != nil {
		return err
	}
	return inv.print(procs)
}

func runShow(inv clientInvocation) error {
	key, err := inv.resolve(inv.args[0])
	if err != nil {
		return err
	}
	ps, err := inv.client.Process(inv.ctx, key)
	if err != nil {
		return err
	}
	return inv.print(ps)
}

func processTask(fn func(*qjob.Client, context.Context, string) (qjob.TaskResponse, error)) func(clientInvocation) error {
	return func(inv clientInvocation) error {
		key, err := inv.resolve(inv.args[0])
		if err != nil {
			return err
		}
		tr, err := fn(inv.client, inv.ctx, key)
		if err != nil {
			return err
		}
		return inv.printTask(tr)
	}
}

func runRemove(inv clientInvocation) error {
	key, err := inv.resolve(inv.args[0])
	if err != nil {
		return err
	}
	if err := inv.client.Remove(inv.ctx, key); err != nil {
		return err
	}
	fmt.Fprintln(inv.stdout, key)
	return nil
}

func clearFlags(flags *getopt.FlagSet) interface{} {
	finished := new(bool)
	flags.BoolVar(finished, "finished", false, "remove only killed, failed and finished processes")
	return finished
}

func runClear(inv clientInvocation) error {
	n, err := inv.client.Clear(inv.ctx, *inv.extra.(*bool))
	if err != nil {
		return err
	}
	fmt.Fprintf(inv.stdout, "%d process(es) removed\n", n)
	return nil
}

func runServers(inv clientInvocation) error {
	srvs, err := inv.client.Servers(inv.ctx)
	if err != nil {
		return err
	}
	return inv.print(srvs)
}

func runReconnect(inv clientInvocation) error {
	tr, err := inv.client.Reconnect(inv.ctx)
	if err != nil {
		return err
	}
	return inv.printTask(tr)
}
