// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"flag"
	"fmt"
	"io"
)

// ParseFlags calls f.Parse(args) and prints appropriate error/help
// messages to stderr.
//
// The positional argument is "" if no positional arguments are
// accepted, otherwise a string to print with the usage message,
// "Usage: {prog} [options] {positional}".
//
// The first return value, ok, is true if the program should continue
// running normally, or false if it should exit now.
//
// If ok is false, the second return value is an appropriate exit
// code: 0 if "-help" was given, 2 if there was a usage error.
func ParseFlags(f FlagSet, prog string, args []string, positional string, stderr io.Writer) (ok bool, exitCode int) {
	f.Init(prog, flag.ContinueOnError)
	f.SetOutput(io.Discard)
	err := f.Parse(args)
	switch err {
	case nil:
		if f.NArg() > 0 && positional == "" {
			fmt.Fprintf(stderr, "unrecognized command line arguments: %v (try -help)\n", f.Args())
			return false, 2
		}
		return true, 0
	case flag.ErrHelp:
		usage(f, prog, positional, stderr)
		return false, 0
	default:
		fmt.Fprintf(stderr, "error parsing command line arguments: %s (try -help)\n", err)
		return false, 2
	}
}

// ParseFlagsN is like ParseFlags, but also fails (with exit code 2)
// unless exactly n positional arguments are given.
func ParseFlagsN(f FlagSet, prog string, args []string, positional string, n int, stderr io.Writer) (ok bool, exitCode int) {
	ok, code := ParseFlags(f, prog, args, positional, stderr)
	if ok && f.NArg() != n {
		fmt.Fprintf(stderr, "expected %d argument(s), got %d\n", n, f.NArg())
		usage(f, prog, positional, stderr)
		return false, 2
	}
	return ok, code
}

func usage(f FlagSet, prog, positional string, stderr io.Writer) {
	if f, ok := f.(*flag.FlagSet); ok && f.Usage != nil {
		f.SetOutput(stderr)
		f.Usage()
		return
	}
	fmt.Fprintf(stderr, "Usage: %s [options] %s\n", prog, positional)
	f.SetOutput(stderr)
	f.PrintDefaults()
}
