// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"git.iqmol.org/qjobs.git/sdk/go/qjob"
	"github.com/dustin/go-humanize"
	"github.com/ghodss/yaml"
)

// printObject writes obj to stdout in the given format. The "key"
// and "text" formats apply only to process and server summaries.
func printObject(stdout io.Writer, format string, obj interface{}) error {
	switch format {
	case "yaml":
		buf, err := yaml.Marshal(obj)
		if err != nil {
			return err
		}
		_, err = stdout.Write(buf)
		return err
	case "json", "":
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(obj)
	}
	switch obj := obj.(type) {
	case []qjob.ProcessSummary:
		return printProcesses(stdout, format, obj)
	case qjob.ProcessSummary:
		return printProcesses(stdout, format, []qjob.ProcessSummary{obj})
	case []qjob.ServerSummary:
		return printServers(stdout, format, obj)
	}
	return fmt.Errorf("unsupported output format %q", format)
}

func printProcesses(stdout io.Writer, format string, procs []qjob.ProcessSummary) error {
	if format == "key" {
		for _, ps := range procs {
			fmt.Fprintln(stdout, ps.Key)
		}
		return nil
	}
	if format != "text" {
		return fmt.Errorf("unsupported output format %q", format)
	}
	tw := tabwriter.NewWriter(stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tJOB\tSERVER\tID\tSTATUS\tSUBMITTED\tRUN TIME")
	for _, ps := range procs {
		submitted := ""
		if !ps.SubmitTime.IsZero() {
			submitted = humanize.Time(ps.SubmitTime)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", ps.Key, ps.BaseName, ps.ServerName, ps.ID, ps.Display, submitted, ps.RunTime)
	}
	return tw.Flush()
}

func printServers(stdout io.Writer, format string, srvs []qjob.ServerSummary) error {
	if format == "key" {
		for _, ss := range srvs {
			fmt.Fprintln(stdout, ss.Name)
		}
		return nil
	}
	if format != "text" {
		return fmt.Errorf("unsupported output format %q", format)
	}
	tw := tabwriter.NewWriter(stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tHOST\tTYPE\tADDRESS\tCONNECTED\tWATCHED\tJOB LIMIT")
	for _, ss := range srvs {
		limit := "-"
		if ss.JobLimit > 0 {
			limit = fmt.Sprint(ss.JobLimit)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%v\t%d\t%s\n", ss.Name, ss.Host, ss.Type, ss.Address, ss.Connected, ss.Watched, limit)
	}
	return tw.Flush()
}

// printTask writes a task's output, or its error to stderr. It
// returns false if the task failed.
func printTask(stdout, stderr io.Writer, tr qjob.TaskResponse) bool {
	if tr.Output != "" {
		fmt.Fprintln(stdout, strings.TrimRight(tr.Output, "\n"))
	}
	switch {
	case tr.Error != "":
		fmt.Fprintln(stderr, strings.TrimRight(tr.Error, "\n"))
		return false
	case tr.Outcome == "pending":
		fmt.Fprintln(stderr, "Still in progress on the server; check the process list later.")
	case tr.Outcome == "killed":
		fmt.Fprintln(stderr, "Cancelled.")
		return false
	}
	return true
}
