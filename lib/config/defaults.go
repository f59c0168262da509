// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"os"
	"strings"
	"time"
)

const defaultExecutable = "qcprog.exe"

const basicRunFile = "#! /bin/csh\nsource ~/.cshrc\nqchem ${JOB_NAME}.inp ${JOB_NAME}.out"

var pbsRunFile = strings.Join([]string{
	"#! /bin/csh",
	"#PBS -q ${QUEUE}",
	"#PBS -l walltime=${WALLTIME}",
	"#PBS -l vmem=${MEMORY}Mb",
	"#PBS -l jobfs=${JOBFS}Mb",
	"#PBS -l ncpus=${NCPUS}",
	"#PBS -j oe",
	"#PBS -o ${JOB_NAME}.err",
	"#PBS -wd",
	"",
	"setenv QCSCRATCH $PBS_JOBFS",
	"qchem ${JOB_NAME}.inp ${JOB_NAME}.out",
	"pbs_rusage $PBS_JOBID >> ${JOB_NAME}.out",
}, "\n")

var sgeRunFile = strings.Join([]string{
	"#! /bin/csh",
	"#$ -S /bin/csh",
	"#$ -q ${QUEUE}",
	"#$ -l h_rt=${WALLTIME}",
	"#$ -l h_vmem=${MEMORY}M",
	"#$ -l scr_free=${JOBFS}M",
	"#$ -pe mpi ${NCPUS}",
	"#$ -j yes",
	"#$ -o ${JOB_NAME}.err",
	"#$ -cwd",
	"",
	"setenv QCSCRATCH $TMPDIR",
	"qchem ${JOB_NAME}.inp ${JOB_NAME}.out",
}, "\n")

// DefaultServer returns the default configuration for a server of
// the given host kind and queue type. Values given explicitly in a
// config file override these.
func DefaultServer(host HostKind, typ QueueType) Server {
	var srv Server
	switch host {
	case Local:
		srv = Server{
			Host:             Local,
			Type:             Basic,
			QChemEnvironment: os.Getenv("QC"),
			HostAddress:      "localhost",
			UserName:         os.Getenv("USER"),
			Authentication:   AuthNone,
			WorkingDirectory: os.Getenv("HOME"),
			ExecutableName:   defaultExecutable,
			UpdateInterval:   Duration(10 * time.Second),
		}
	case Remote:
		srv = Server{
			Host:             Remote,
			Type:             Basic,
			UserName:         os.Getenv("USER"),
			Authentication:   AuthAgent,
			Port:             22,
			WorkingDirectory: "~/",
			ExecutableName:   defaultExecutable,
			UpdateInterval:   Duration(20 * time.Second),
		}
	case Web:
		srv = Server{
			Host:           Web,
			Type:           HTTP,
			UserName:       os.Getenv("USER"),
			Authentication: AuthNone,
			Port:           80,
			CgiRoot:        "cgi-bin/qchem",
			ExecutableName: defaultExecutable,
			UpdateInterval: Duration(20 * time.Second),
		}
	default:
		srv.Host = host
	}
	if typ == "" {
		typ = srv.Type
	}
	srv.Type = typ

	switch typ {
	case Basic:
		srv.QueueInfo = "(not used)"
		srv.KillCommand = "/bin/kill -TERM ${JOB_ID}"
		srv.QueryCommand = "/bin/ps xc -S -o command=,pid=,time= ${JOB_ID}"
		srv.RunFileTemplate = basicRunFile
		srv.JobFileList = "find . -type f"
		if host == Local {
			srv.SubmitCommand = "./${JOB_NAME}.run"
		} else {
			srv.SubmitCommand = "nohup ./${JOB_NAME}.run < /dev/null >& ${JOB_NAME}.err"
			srv.RunFileTemplate += " &"
		}
	case PBS:
		srv.SubmitCommand = "qsub ${JOB_NAME}.run"
		srv.QueryCommand = "qstat -f ${JOB_ID}"
		srv.QueueInfo = "qstat -fQ"
		srv.KillCommand = "qdel ${JOB_ID}"
		srv.JobFileList = "find . -type f"
		srv.RunFileTemplate = pbsRunFile
	case SGE:
		srv.SubmitCommand = "qsub ${JOB_NAME}.run"
		// qstat -j does not report the state, so ask for both
		srv.QueryCommand = "qstat && qstat -j ${JOB_ID}"
		srv.QueueInfo = "qstat -g c"
		srv.KillCommand = "qdel ${JOB_ID}"
		srv.JobFileList = "find . -type f"
		srv.RunFileTemplate = sgeRunFile
	case HTTP:
		srv.QueryCommand = "status.cgi jobID=${JOB_ID}"
		srv.KillCommand = "delete.cgi jobID=${JOB_ID}"
		srv.QueueInfo = "limits.cgi"
		srv.JobFileList = "list.cgi jobID=${JOB_ID}"
	}
	return srv
}

func defaultMonitor() Monitor {
	home, _ := os.UserHomeDir()
	return Monitor{
		ProcessList:      home + "/.qjobs/processes.json",
		RefreshInterval:  Duration(time.Second),
		Listen:           "127.0.0.1:9012",
		ResultsDirectory: home,
	}
}
