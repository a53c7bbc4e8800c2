// Copyright (C) The GridStage Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package datastaging

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"git.gridstage.org/gridstage.git/lib/datastaging/test"
	"git.gridstage.org/gridstage.git/sdk/go/ctxlog"
	"git.gridstage.org/gridstage.git/sdk/go/gridstage"
	"github.com/prometheus/client_golang/prometheus"
	check "gopkg.in/check.v1"
)

func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&DispatcherSuite{})

type DispatcherSuite struct {
	ctx    context.Context
	cancel context.CancelFunc
	disp   *Dispatcher
}

func (s *DispatcherSuite) SetUpTest(c *check.C) {
	test.Reset()
	s.ctx, s.cancel = context.WithCancel(ctxlog.Context(context.Background(), ctxlog.TestLogger(c)))
	cfg := &gridstage.Config{
		ManagementToken: "s3cr3t",
		Staging: gridstage.StagingConfig{
			Shares: gridstage.SharesConfig{
				ShareType:       "dn",
				ReferenceShares: map[string]int{"_default": 50},
			},
		}.WithDefaults(),
	}
	s.disp = NewHandler(s.ctx, cfg, prometheus.NewRegistry()).(*Dispatcher)
}

func (s *DispatcherSuite) TearDownTest(c *check.C) {
	s.cancel()
}

func (s *DispatcherSuite) request(c *check.C, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	var rdr *bytes.Reader
	if raw, ok := body.(string); ok {
		rdr = bytes.NewReader([]byte(raw))
	} else if body != nil {
		buf, err := json.Marshal(body)
		c.Assert(err, check.IsNil)
		rdr = bytes.NewReader(buf)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rdr)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp := httptest.NewRecorder()
	s.disp.ServeHTTP(resp, req)
	return resp
}

// submit posts a transfer whose source is rigged to fail resolution,
// so it terminates in preprocessing instead of spawning a real
// transfer child.
func (s *DispatcherSuite) submit(c *check.C) gridstage.Transfer {
	resp := s.request(c, "POST", "/gridstage/v1/transfers", "s3cr3t", gridstage.TransferRequest{
		Source:      "stub://src/f1?failresolve=1",
		Destination: "stub://dst/f1",
	})
	c.Assert(resp.Code, check.Equals, http.StatusCreated)
	var tr gridstage.Transfer
	c.Assert(json.NewDecoder(resp.Body).Decode(&tr), check.IsNil)
	return tr
}

func (s *DispatcherSuite) TestCheckHealth(c *check.C) {
	c.Check(s.disp.CheckHealth(), check.IsNil)
}

func (s *DispatcherSuite) TestAuth(c *check.C) {
	resp := s.request(c, "GET", "/gridstage/v1/transfers", "", nil)
	c.Check(resp.Code, check.Equals, http.StatusUnauthorized)
	resp = s.request(c, "GET", "/gridstage/v1/transfers", "wrong", nil)
	c.Check(resp.Code, check.Equals, http.StatusUnauthorized)
	resp = s.request(c, "GET", "/gridstage/v1/transfers", "s3cr3t", nil)
	c.Check(resp.Code, check.Equals, http.StatusOK)
}

func (s *DispatcherSuite) TestAuthDisabled(c *check.C) {
	s.disp.Config.ManagementToken = ""
	resp := s.request(c, "GET", "/gridstage/v1/transfers", "", nil)
	c.Check(resp.Code, check.Equals, http.StatusOK)
}

func (s *DispatcherSuite) TestSubmitAndGet(c *check.C) {
	tr := s.submit(c)
	c.Check(tr.ID, check.Not(check.Equals), "")
	c.Check(tr.Source, check.Equals, "stub://src/f1?failresolve=1")
	c.Check(tr.Destination, check.Equals, "stub://dst/f1")
	c.Check(tr.State, check.Equals, "NEW")
	c.Check(tr.TransferShare, check.Equals, "_default")
	c.Check(tr.CreatedAt.IsZero(), check.Equals, false)

	resp := s.request(c, "GET", "/gridstage/v1/transfers/"+tr.ID, "s3cr3t", nil)
	c.Assert(resp.Code, check.Equals, http.StatusOK)
	var got gridstage.Transfer
	c.Assert(json.NewDecoder(resp.Body).Decode(&got), check.IsNil)
	c.Check(got.ID, check.Equals, tr.ID)
}

func (s *DispatcherSuite) TestSubmitBadJSON(c *check.C) {
	resp := s.request(c, "POST", "/gridstage/v1/transfers", "s3cr3t", "{not json")
	c.Check(resp.Code, check.Equals, http.StatusBadRequest)
	c.Check(resp.Body.String(), check.Matches, `(?s).*decoding request.*`)
}

func (s *DispatcherSuite) TestSubmitUnsupportedScheme(c *check.C) {
	resp := s.request(c, "POST", "/gridstage/v1/transfers", "s3cr3t", gridstage.TransferRequest{
		Source:      "gopher://src/f",
		Destination: "stub://dst/f",
	})
	c.Check(resp.Code, check.Equals, http.StatusBadRequest)
}

func (s *DispatcherSuite) TestList(c *check.C) {
	tr := s.submit(c)
	resp := s.request(c, "GET", "/gridstage/v1/transfers", "s3cr3t", nil)
	c.Assert(resp.Code, check.Equals, http.StatusOK)
	var list gridstage.TransferList
	c.Assert(json.NewDecoder(resp.Body).Decode(&list), check.IsNil)
	c.Assert(list.Items, check.HasLen, 1)
	c.Check(list.Items[0].ID, check.Equals, tr.ID)
}

func (s *DispatcherSuite) TestGetUnknown(c *check.C) {
	resp := s.request(c, "GET", "/gridstage/v1/transfers/nope", "s3cr3t", nil)
	c.Check(resp.Code, check.Equals, http.StatusNotFound)
}

func (s *DispatcherSuite) TestCancel(c *check.C) {
	tr := s.submit(c)
	resp := s.request(c, "POST", "/gridstage/v1/transfers/"+tr.ID+"/cancel", "s3cr3t", nil)
	c.Check(resp.Code, check.Equals, http.StatusAccepted)
	resp = s.request(c, "POST", "/gridstage/v1/transfers/nope/cancel", "s3cr3t", nil)
	c.Check(resp.Code, check.Equals, http.StatusNotFound)
}

func (s *DispatcherSuite) TestCancelJob(c *check.C) {
	resp := s.request(c, "POST", "/gridstage/v1/jobs/job-1/cancel", "s3cr3t", nil)
	c.Check(resp.Code, check.Equals, http.StatusAccepted)
}

func (s *DispatcherSuite) TestMetrics(c *check.C) {
	s.submit(c)
	// metrics are not behind the management token
	resp := s.request(c, "GET", "/metrics", "", nil)
	c.Assert(resp.Code, check.Equals, http.StatusOK)
	c.Check(resp.Header().Get("Content-Type"), check.Matches, `text/plain.*`)
}
