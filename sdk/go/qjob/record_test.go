// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package qjob

import (
	"encoding/json"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&RecordSuite{})

type RecordSuite struct{}

func (s *RecordSuite) TestJobInfoRecordRoundTrip(c *check.C) {
	ji := JobInfo{
		BaseName:              "h2o_opt",
		ServerName:            "local",
		LocalWorkingDirectory: "/tmp/j1",
		InputString:           "$molecule\n0 1\nO\nH 1 0.96\nH 1 0.96 2 104.5\n$end\n",
		Charge:                0,
		Multiplicity:          1,
	}
	rec := ji.Record()
	c.Check(rec, check.HasLen, 8)

	// through JSON, so numbers come back as float64
	buf, err := json.Marshal(rec)
	c.Assert(err, check.IsNil)
	var decoded []interface{}
	c.Assert(json.Unmarshal(buf, &decoded), check.IsNil)
	got, err := JobInfoFromRecord(decoded)
	c.Assert(err, check.IsNil)
	c.Check(got.Record(), check.DeepEquals, rec)
}

func (s *RecordSuite) TestJobInfoRecordValidation(c *check.C) {
	_, err := JobInfoFromRecord([]interface{}{"a", "b"})
	c.Check(err, check.ErrorMatches, `job record has 2 fields, expected 8`)
	_, err = JobInfoFromRecord([]interface{}{"a", "b", "c", "d", "e", "zero", 1.0, false})
	c.Check(err, check.ErrorMatches, `job record field 5: .*`)
	_, err = JobInfoFromRecord([]interface{}{"a", "b", "c", "d", 5.0, 0.0, 1.0, false})
	c.Check(err, check.ErrorMatches, `job record field 4: expected string.*`)
	_, err = JobInfoFromRecord([]interface{}{"a", "b", "c", "d", "e", 0.0, 1.5, false})
	c.Check(err, check.ErrorMatches, `job record field 6: .*`)
	ji, err := JobInfoFromRecord([]interface{}{"a", "b", "c", "d", "e", "-1", 2.0, "true"})
	c.Check(err, check.IsNil)
	c.Check(ji.Charge, check.Equals, -1)
	c.Check(ji.LocalFilesExist, check.Equals, true)
}

func (s *RecordSuite) TestProcessList(c *check.C) {
	p := NewProcess(JobInfo{BaseName: "h2o", ServerName: "hpc", Multiplicity: 1})
	c.Assert(p.SetStatus(Queued), check.IsNil)
	p.SetID("12345.server")
	p.SetComment("waiting")
	buf, err := MarshalProcessList([]*Process{p})
	c.Assert(err, check.IsNil)

	// append one malformed record and one record with the wrong
	// field count; both are dropped, the good one survives
	var raw []json.RawMessage
	c.Assert(json.Unmarshal(buf, &raw), check.IsNil)
	raw = append(raw, json.RawMessage(`{"job":["x"],"status":"Queued"}`), json.RawMessage(`"garbage"`))
	buf, err = json.Marshal(raw)
	c.Assert(err, check.IsNil)

	procs, skipped, err := UnmarshalProcessList(buf)
	c.Assert(err, check.IsNil)
	c.Check(skipped, check.HasLen, 2)
	c.Assert(procs, check.HasLen, 1)
	c.Check(procs[0].ID(), check.Equals, "12345.server")
	c.Check(procs[0].Status(), check.Equals, Queued)
	c.Check(procs[0].Comment(), check.Equals, "waiting")
	c.Check(procs[0].JobInfo().ServerName, check.Equals, "hpc")

	_, _, err = UnmarshalProcessList([]byte(`{}`))
	c.Check(err, check.NotNil)
}

func (s *RecordSuite) TestFileNames(c *check.C) {
	ji := JobInfo{BaseName: "h2o", RemoteWorkingDirectory: "/scratch/h2o", LocalWorkingDirectory: "/home/u/h2o"}
	c.Check(ji.FileName(AuxFile), check.Equals, "h2o.FChk")
	c.Check(ji.RemoteFilePath(RunFile), check.Equals, "/scratch/h2o/h2o.run")
	c.Check(ji.LocalFilePath(OutputFile), check.Equals, "/home/u/h2o/h2o.out")
}
