// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package macro

import (
	"testing"

	check "gopkg.in/check.v1"
)

func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&suite{})

type suite struct{}

func (s *suite) TestExpand(c *check.C) {
	b := Bindings{"JOB_ID": "12345", "JOB_NAME": "h2o", "QUEUE": "workq"}
	for _, trial := range []struct {
		in, out string
	}{
		{"qdel ${JOB_ID}", "qdel 12345"},
		{"#PBS -q ${QUEUE}\nqchem ${JOB_NAME}.inp ${JOB_NAME}.out", "#PBS -q workq\nqchem h2o.inp h2o.out"},
		{"setenv QCAUX $QC/aux", "setenv QCAUX $QC/aux"},
		{"${QUEUE_INFO} -fQ", " -fQ"},
		{"${}", "${}"},
		{"${JOB_ID", "${JOB_ID"},
		{"", ""},
	} {
		c.Check(Expand(trial.in, b), check.Equals, trial.out, check.Commentf("%q", trial.in))
	}
}

func (s *suite) TestMissing(c *check.C) {
	b := Bindings{"JOB_ID": "1"}
	c.Check(Missing("${USER} ${JOB_ID} ${CGI_ROOT} ${USER}", b), check.DeepEquals, []string{"CGI_ROOT", "USER"})
	c.Check(Missing("kill ${JOB_ID}", b), check.HasLen, 0)
}

func (s *suite) TestMerge(c *check.C) {
	m := Merge(Bindings{"A": "1", "B": "2"}, Bindings{"B": "3"}, nil)
	c.Check(m, check.DeepEquals, Bindings{"A": "1", "B": "3"})
}
