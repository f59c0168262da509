// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package queue

import (
	"context"
	"errors"
	"os"
	"sort"
	"strconv"
	"strings"

	"git.iqmol.org/qjobs.git/lib/host"
	"git.iqmol.org/qjobs.git/sdk/go/qjob"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// resultFiles returns the names, relative to the job's working
// directory, of the files to copy back: input, output and aux, then
// whatever else in listing matches the server's ResultFiles
// patterns.
func (b *base) resultFiles(ji *qjob.JobInfo, listing string) []string {
	files := []string{ji.FileName(qjob.InputFile), ji.FileName(qjob.OutputFile), ji.FileName(qjob.AuxFile)}
	if len(b.srv.ResultFiles) == 0 {
		return files
	}
	seen := map[string]bool{}
	for _, f := range files {
		seen[f] = true
	}
	var extra []string
	for _, name := range strings.Fields(listing) {
		name = strings.TrimPrefix(name, "./")
		if seen[name] {
			continue
		}
		for _, pattern := range b.srv.ResultFiles {
			pattern = b.expandJobName(pattern, ji)
			if ok, err := doublestar.Match(pattern, name); err != nil {
				b.logger.WithError(err).WithField("Pattern", pattern).Warn("bad ResultFiles pattern")
			} else if ok {
				seen[name] = true
				extra = append(extra, name)
				break
			}
		}
	}
	sort.Strings(extra)
	return append(files, extra...)
}

// expandJobName substitutes only ${JOB_NAME}, so patterns like
// "${JOB_NAME}.*" select the job's own files.
func (b *base) expandJobName(pattern string, ji *qjob.JobInfo) string {
	return strings.Replace(pattern, "${JOB_NAME}", ji.BaseName, -1)
}

// listing returns the output of the server's JobFileList command,
// or "" if there are no ResultFiles patterns to match against it.
func (b *base) listing(ctx context.Context, p *qjob.Process) string {
	if len(b.srv.ResultFiles) == 0 || b.srv.JobFileList == "" {
		return ""
	}
	ji := p.JobInfo()
	out, err := b.host.Execute(ctx, "cd "+host.ShellQuote(b.workingDirectory(&ji))+" && "+b.expand(b.srv.JobFileList, p))
	if err != nil {
		b.logger.WithError(err).Warn("listing job files failed")
	}
	return out
}

// fileSizeKB returns the size of a remote file in KiB, or -1 if it
// cannot be determined.
func (b *base) fileSizeKB(ctx context.Context, path string) int64 {
	out, err := b.host.Execute(ctx, "du -k "+host.ShellQuote(path)+" | awk '{print $1}'")
	if err != nil {
		return -1
	}
	kb, err := strconv.ParseInt(strings.TrimSpace(out), 10, 64)
	if err != nil {
		return -1
	}
	return kb
}

// copyFiles pulls the named files from the job's working directory
// to its local working directory. It keeps going after a failure and
// returns all the failures together. If sized is true, remote sizes
// are looked up first so progress can be reported.
func (b *base) copyFiles(ctx context.Context, p *qjob.Process, files []string, sized bool) error {
	p.SetCopyActive(true)
	defer p.SetCopyActive(false)
	ji := p.JobInfo()
	remoteDir := b.workingDirectory(&ji)
	localDir := ji.LocalWorkingDirectory
	if localDir == "" {
		localDir = remoteDir
	}
	if err := os.MkdirAll(expandHome(localDir), 0755); err != nil {
		return err
	}

	sizes := make([]int64, len(files))
	if sized {
		var total int64
		allOK := true
		for i, f := range files {
			sizes[i] = b.fileSizeKB(ctx, joinPath(remoteDir, f))
			if sizes[i] < 0 {
				allOK = false
				sizes[i] = 0
			}
			total += sizes[i]
		}
		if allOK {
			p.SetCopyTarget(total)
		}
		b.logger.WithFields(logrus.Fields{"Process": p.Key(), "Size": humanize.IBytes(uint64(total) * 1024)}).Info("copying results")
	}

	var msg strings.Builder
	for i, f := range files {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := b.host.Pull(ctx, joinPath(remoteDir, f), joinPath(localDir, f))
		if err != nil {
			b.logger.WithError(err).WithField("File", f).Warn("file copy failed")
			msg.WriteString("Failed to copy file from server\n" + f + "\n")
			continue
		}
		p.AddCopyProgress(sizes[i])
	}
	ok := msg.Len() == 0
	p.UpdateJobInfo(func(ji *qjob.JobInfo) {
		ji.LocalWorkingDirectory = localDir
		ji.LocalFilesExist = ok
	})
	if !ok {
		return errors.New(msg.String())
	}
	return nil
}

// CopyResults copies the standard result files plus any ResultFiles
// matches.
func (b *base) CopyResults(ctx context.Context, p *qjob.Process) error {
	ji := p.JobInfo()
	return b.copyFiles(ctx, p, b.resultFiles(&ji, b.listing(ctx, p)), true)
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return home + path[1:]
}
