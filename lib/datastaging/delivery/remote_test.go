// Copyright (C) The GridStage Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"context"
	"encoding/xml"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"net/url"
	"time"

	"git.gridstage.org/gridstage.git/lib/datastaging/dtr"
	"git.gridstage.org/gridstage.git/sdk/go/gridstage"
	"github.com/sirupsen/logrus"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&RemoteSuite{})

type RemoteSuite struct {
	srv      *httptest.Server
	svc      url.URL
	requests []requestSeen
	reply    func(root string, req dtrRequest) deliveryResult
}

type requestSeen struct {
	root string
	dtr  dtrRequest
}

func (s *RemoteSuite) SetUpTest(c *check.C) {
	s.requests = nil
	s.reply = nil
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := ioutil.ReadAll(r.Body)
		c.Assert(err, check.IsNil)
		var env struct {
			XMLName xml.Name
			DTR     dtrRequest `xml:"DTR"`
		}
		c.Assert(xml.Unmarshal(raw, &env), check.IsNil)
		s.requests = append(s.requests, requestSeen{env.XMLName.Local, env.DTR})
		result := deliveryResult{ID: env.DTR.ID, ResultCode: resultOK}
		if s.reply != nil {
			result = s.reply(env.XMLName.Local, env.DTR)
		}
		var resp struct {
			XMLName xml.Name       `xml:"DataDeliveryResponse"`
			Result  deliveryResult `xml:"Result"`
		}
		resp.Result = result
		w.Header().Set("Content-Type", "text/xml")
		w.Write([]byte(xml.Header))
		xml.NewEncoder(w).Encode(resp)
	}))
	u, err := url.Parse(s.srv.URL)
	c.Assert(err, check.IsNil)
	s.svc = *u
}

func (s *RemoteSuite) TearDownTest(c *check.C) {
	s.srv.Close()
}

func (s *RemoteSuite) TestPing(c *check.C) {
	s.reply = func(root string, req dtrRequest) deliveryResult {
		c.Check(root, check.Equals, "DataDeliveryPing")
		return deliveryResult{ResultCode: resultOK, AllowedDirs: []string{"/data", "/scratch"}}
	}
	dirs, err := Ping(context.Background(), s.svc)
	c.Assert(err, check.IsNil)
	c.Check(dirs, check.DeepEquals, []string{"/data", "/scratch"})
}

func (s *RemoteSuite) TestPingServiceError(c *check.C) {
	s.reply = func(root string, req dtrRequest) deliveryResult {
		return deliveryResult{ResultCode: resultServiceError, ErrorDescription: "shutting down"}
	}
	_, err := Ping(context.Background(), s.svc)
	c.Check(err, check.ErrorMatches, "ping: SERVICE_ERROR: shutting down")
}

func (s *RemoteSuite) TestStartRemote(c *check.C) {
	cred := &gridstage.Credential{DN: "/CN=test", Token: "v2/secret", Expires: time.Now().Add(time.Hour)}
	d, err := dtr.New("stub://src/f", "stub://dst/f", cred, dtr.Options{})
	c.Assert(err, check.IsNil)
	cfg := gridstage.StagingConfig{
		MinTransferSpeed:     100,
		MinTransferSpeedTime: gridstage.Duration(30 * time.Second),
		MaxInactivityTime:    gridstage.Duration(5 * time.Minute),
	}
	comm, err := startRemote(d, cfg, s.svc, nil, logrus.StandardLogger())
	c.Assert(err, check.IsNil)
	defer comm.Close()

	c.Assert(s.requests, check.HasLen, 1)
	seen := s.requests[0]
	c.Check(seen.root, check.Equals, "DataDeliveryStart")
	c.Check(seen.dtr.ID, check.Equals, d.ID())
	c.Check(seen.dtr.Source, check.Equals, "stub://src/f")
	c.Check(seen.dtr.Destination, check.Equals, "stub://dst/f")
	c.Check(seen.dtr.MinCurrentSpeed, check.Equals, int64(100))
	c.Check(seen.dtr.MinCurrentTime, check.Equals, int64(30))
	c.Check(seen.dtr.MaxInactivityTime, check.Equals, int64(300))
	// Without a host credential the user's token is delegated.
	c.Check(seen.dtr.CredentialType, check.Equals, "token")
	c.Check(seen.dtr.Credential, check.Equals, "v2/secret")

	c.Check(comm.CommStatus(), check.Equals, CommInit)
}

func (s *RemoteSuite) TestStartRemoteRefused(c *check.C) {
	s.reply = func(root string, req dtrRequest) deliveryResult {
		return deliveryResult{ResultCode: resultServiceError, ErrorDescription: "no free slots"}
	}
	cred := &gridstage.Credential{DN: "/CN=test", Expires: time.Now().Add(time.Hour)}
	d, err := dtr.New("stub://src/f", "stub://dst/f", cred, dtr.Options{})
	c.Assert(err, check.IsNil)
	_, err = startRemote(d, gridstage.StagingConfig{}, s.svc, nil, logrus.StandardLogger())
	c.Check(err, check.ErrorMatches, "delivery service refused transfer: SERVICE_ERROR: no free slots")
}

func (s *RemoteSuite) TestCancel(c *check.C) {
	cred := &gridstage.Credential{DN: "/CN=test", Expires: time.Now().Add(time.Hour)}
	d, err := dtr.New("stub://src/f", "stub://dst/f", cred, dtr.Options{})
	c.Assert(err, check.IsNil)
	comm, err := startRemote(d, gridstage.StagingConfig{}, s.svc, nil, logrus.StandardLogger())
	c.Assert(err, check.IsNil)
	defer comm.Close()

	c.Check(comm.Cancel(), check.IsNil)
	last := s.requests[len(s.requests)-1]
	c.Check(last.root, check.Equals, "DataDeliveryCancel")
	c.Check(last.dtr.ID, check.Equals, d.ID())
}
