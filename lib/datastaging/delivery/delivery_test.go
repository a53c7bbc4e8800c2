// Copyright (C) The GridStage Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"context"
	"time"

	"git.gridstage.org/gridstage.git/lib/datastaging/dtr"
	"git.gridstage.org/gridstage.git/sdk/go/ctxlog"
	"git.gridstage.org/gridstage.git/sdk/go/gridstage"
	"github.com/prometheus/client_golang/prometheus"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&DeliverySuite{})

type DeliverySuite struct{}

// lateComm is a closed comm whose final record only becomes
// available on the second pull, like a record landing between the
// poll loop's PullStatus and CommStatus calls.
type lateComm struct {
	rec    *Record
	pulls  int
	closed bool
}

func (lc *lateComm) PullStatus() *Record {
	lc.pulls++
	if lc.pulls == 1 {
		return nil
	}
	rec := lc.rec
	lc.rec = nil
	return rec
}
func (lc *lateComm) CommStatus() CommStatus { return CommClosed }
func (lc *lateComm) Cancel() error          { return nil }
func (lc *lateComm) Close()                 { lc.closed = true }

func (s *DeliverySuite) TestFinalizeDrainsLateRecord(c *check.C) {
	cred := &gridstage.Credential{DN: "/CN=test", Expires: time.Now().Add(time.Hour)}
	d, err := dtr.New("stub://src/f", "stub://dst/f", cred, dtr.Options{Logger: ctxlog.TestLogger(c)})
	c.Assert(err, check.IsNil)
	rec := &Record{
		CommStatus:    uint32(CommClosed),
		Transferred:   1000,
		Size:          1000,
		ErrorKind:     uint32(dtr.TransferSpeedError),
		ErrorLocation: uint32(dtr.ErrorTransfer),
	}
	rec.SetErrorDesc("transfer too slow")
	lc := &lateComm{rec: rec}
	returnc := make(chan *dtr.DTR, 1)
	ctx := ctxlog.Context(context.Background(), ctxlog.TestLogger(c))
	dl := New(ctx, gridstage.StagingConfig{}, nil, returnc, prometheus.NewRegistry())
	dl.finalize(&transfer{d: d, comm: lc, started: time.Now()})
	c.Assert(<-returnc, check.Equals, d)
	c.Check(d.Status(), check.Equals, dtr.StatusTransferred)
	c.Check(d.Failed(), check.Equals, true)
	c.Check(d.BytesTransferred(), check.Equals, int64(1000))
	c.Check(lc.closed, check.Equals, true)
}
