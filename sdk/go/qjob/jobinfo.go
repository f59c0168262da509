// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package qjob

import (
	"encoding/json"
	"fmt"
	"path"
	"strconv"
)

// FileKind identifies one of the files that belong to a job.
type FileKind int

const (
	InputFile FileKind = iota
	OutputFile
	AuxFile
	RunFile
	ErrorFile
	EspFile
	MoFile
	DensityFile
)

var fileExtensions = map[FileKind]string{
	InputFile:   ".inp",
	OutputFile:  ".out",
	AuxFile:     ".FChk",
	RunFile:     ".run",
	ErrorFile:   ".err",
	EspFile:     ".esp",
	MoFile:      ".mo",
	DensityFile: ".hf",
}

// JobInfo describes a calculation to be submitted. It is supplied by
// the caller; the server side only fills in RemoteWorkingDirectory
// and LocalFilesExist.
type JobInfo struct {
	BaseName               string `json:"base_name"`
	ServerName             string `json:"server_name"`
	LocalWorkingDirectory  string `json:"local_working_directory"`
	RemoteWorkingDirectory string `json:"remote_working_directory"`
	InputString            string `json:"input_string"`
	Charge                 int    `json:"charge"`
	Multiplicity           int    `json:"multiplicity"`
	LocalFilesExist        bool   `json:"local_files_exist"`

	Queue    string `json:"queue,omitempty"`
	Walltime string `json:"walltime,omitempty"`
	Memory   int    `json:"memory,omitempty"`
	Jobfs    int    `json:"jobfs,omitempty"`
	Ncpus    int    `json:"ncpus,omitempty"`

	PromptOnOverwrite bool `json:"prompt_on_overwrite,omitempty"`
	EfpOnlyJob        bool `json:"efp_only_job,omitempty"`
}

// FileName returns the bare name of one of the job's files, e.g.,
// "h2o.inp".
func (ji *JobInfo) FileName(kind FileKind) string {
	return ji.BaseName + fileExtensions[kind]
}

// RemoteFilePath returns the path of one of the job's files in the
// remote working directory.
func (ji *JobInfo) RemoteFilePath(kind FileKind) string {
	return path.Join(ji.RemoteWorkingDirectory, ji.FileName(kind))
}

// LocalFilePath returns the path of one of the job's files in the
// local working directory.
func (ji *JobInfo) LocalFilePath(kind FileKind) string {
	return path.Join(ji.LocalWorkingDirectory, ji.FileName(kind))
}

// Validate returns an error if the job cannot be submitted as is.
func (ji *JobInfo) Validate() error {
	if ji.BaseName == "" {
		return fmt.Errorf("job has no base name")
	}
	if ji.ServerName == "" {
		return fmt.Errorf("job %s has no server", ji.BaseName)
	}
	if ji.Multiplicity < 0 {
		return fmt.Errorf("job %s has invalid multiplicity %d", ji.BaseName, ji.Multiplicity)
	}
	return nil
}

// Record returns the persisted form of the job: exactly 8 fields in
// a fixed order.
func (ji *JobInfo) Record() []interface{} {
	return []interface{}{
		ji.BaseName,
		ji.ServerName,
		ji.LocalWorkingDirectory,
		ji.RemoteWorkingDirectory,
		ji.InputString,
		ji.Charge,
		ji.Multiplicity,
		ji.LocalFilesExist,
	}
}

// JobInfoFromRecord is the inverse of Record. It returns an error if
// the record does not have exactly 8 fields or a field cannot be
// converted to the expected type.
func JobInfoFromRecord(rec []interface{}) (JobInfo, error) {
	var ji JobInfo
	if len(rec) != 8 {
		return ji, fmt.Errorf("job record has %d fields, expected 8", len(rec))
	}
	strs := []*string{&ji.BaseName, &ji.ServerName, &ji.LocalWorkingDirectory, &ji.RemoteWorkingDirectory, &ji.InputString}
	for i, dst := range strs {
		s, ok := rec[i].(string)
		if !ok {
			return ji, fmt.Errorf("job record field %d: expected string, got %T", i, rec[i])
		}
		*dst = s
	}
	var err error
	if ji.Charge, err = recordInt(rec[5]); err != nil {
		return ji, fmt.Errorf("job record field 5: %w", err)
	}
	if ji.Multiplicity, err = recordInt(rec[6]); err != nil {
		return ji, fmt.Errorf("job record field 6: %w", err)
	}
	if ji.LocalFilesExist, err = recordBool(rec[7]); err != nil {
		return ji, fmt.Errorf("job record field 7: %w", err)
	}
	return ji, nil
}

func recordInt(v interface{}) (int, error) {
	switch v := v.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v != float64(int(v)) {
			return 0, fmt.Errorf("expected integer, got %v", v)
		}
		return int(v), nil
	case json.Number:
		n, err := v.Int64()
		return int(n), err
	case string:
		return strconv.Atoi(v)
	}
	return 0, fmt.Errorf("expected integer, got %T", v)
}

func recordBool(v interface{}) (bool, error) {
	switch v := v.(type) {
	case bool:
		return v, nil
	case string:
		return strconv.ParseBool(v)
	case float64:
		if v == 0 || v == 1 {
			return v == 1, nil
		}
	case int:
		if v == 0 || v == 1 {
			return v == 1, nil
		}
	}
	return false, fmt.Errorf("expected boolean, got %v", v)
}
