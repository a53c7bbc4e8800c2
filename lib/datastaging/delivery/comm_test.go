// Copyright (C) The GridStage Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"bytes"
	"io"
	"testing"
	"time"

	"git.gridstage.org/gridstage.git/lib/datastaging/dtr"
	_ "git.gridstage.org/gridstage.git/lib/datastaging/test"
	"git.gridstage.org/gridstage.git/sdk/go/gridstage"
	check "gopkg.in/check.v1"
)

func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&CommSuite{})

type CommSuite struct{}

func (s *CommSuite) TestRecordRoundTrip(c *check.C) {
	var buf bytes.Buffer
	rec := Record{
		CommStatus:    uint32(CommNoError),
		Status:        uint32(dtr.StatusTransferring),
		ErrorKind:     uint32(dtr.TemporaryRemoteError),
		ErrorLocation: uint32(dtr.ErrorSource),
		Streams:       1,
		Transferred:   12345,
		Size:          99999,
		TransferTime:  uint64(3 * time.Second),
		Speed:         4115,
	}
	rec.SetErrorDesc("connection reset by peer")
	rec.SetChecksum("md5:0123456789abcdef")
	c.Assert(WriteRecord(&buf, &rec), check.IsNil)
	c.Check(buf.Len(), check.Equals, RecordSize)

	got, err := ReadRecord(&buf)
	c.Assert(err, check.IsNil)
	c.Check(got.CommStatus, check.Equals, uint32(CommNoError))
	c.Check(got.Transferred, check.Equals, uint64(12345))
	c.Check(got.Size, check.Equals, uint64(99999))
	c.Check(got.GetErrorDesc(), check.Equals, "connection reset by peer")
	c.Check(got.GetChecksum(), check.Equals, "md5:0123456789abcdef")
	c.Check(got.Timestamp > 0, check.Equals, true)

	_, err = ReadRecord(&buf)
	c.Check(err, check.Equals, io.EOF)
}

func (s *CommSuite) TestRecordShortRead(c *check.C) {
	var buf bytes.Buffer
	c.Assert(WriteRecord(&buf, &Record{}), check.IsNil)
	buf.Truncate(buf.Len() - 1)
	_, err := ReadRecord(&buf)
	c.Check(err, check.Equals, io.ErrUnexpectedEOF)
}

func (s *CommSuite) TestErrorDescTruncation(c *check.C) {
	var rec Record
	long := make([]byte, 1000)
	for i := range long {
		long[i] = 'x'
	}
	rec.SetErrorDesc(string(long))
	c.Check(len(rec.GetErrorDesc()), check.Equals, len(rec.ErrorDesc))
}

func (s *CommSuite) TestApply(c *check.C) {
	cred := &gridstage.Credential{DN: "/CN=test", Expires: time.Now().Add(time.Hour)}
	d, err := dtr.New("stub://src/f", "stub://dst/f", cred, dtr.Options{})
	c.Assert(err, check.IsNil)

	rec := Record{Transferred: 500, Size: 1000}
	rec.SetChecksum("adler32:deadbeef")
	rec.Apply(d)
	c.Check(d.BytesTransferred(), check.Equals, int64(500))
	c.Check(d.Size(), check.Equals, int64(1000))
	c.Check(d.Checksum(), check.Equals, "adler32:deadbeef")
	c.Check(d.Failed(), check.Equals, false)

	fail := Record{
		ErrorKind:     uint32(dtr.TransferSpeedError),
		ErrorLocation: uint32(dtr.ErrorTransfer),
	}
	fail.SetErrorDesc("transfer too slow")
	fail.Apply(d)
	c.Check(d.Failed(), check.Equals, true)
	c.Check(d.ErrorStatus().Kind, check.Equals, dtr.TransferSpeedError)
	c.Check(d.ErrorStatus().Location, check.Equals, dtr.ErrorTransfer)
	c.Check(d.ErrorStatus().Desc, check.Equals, "transfer too slow")
}
