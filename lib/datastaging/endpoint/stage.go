// Copyright (C) The GridStage Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package endpoint

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"git.gridstage.org/gridstage.git/sdk/go/gridstage"
	"github.com/hashicorp/go-retryablehttp"
)

func init() {
	Register("stage", newStageEndpoint)
}

// stageEndpoint is a file on nearline storage fronted by a staging
// service. Reads must be brought online with PrepareReading before a
// transfer URL exists; writes reserve space with PrepareWriting. The
// staging service speaks JSON over HTTP:
//
//	POST /v1/stagein  {"path": ...}   => {"ready": bool, "wait": sec, "transfer_url": ...}
//	POST /v1/stageout {"path": ...}   => same
//	POST /v1/release  {"path": ..., "aborted": bool}
type stageEndpoint struct {
	Base
	cred   *gridstage.Credential
	client *retryablehttp.Client
	token  string
}

func newStageEndpoint(u *url.URL, cred *gridstage.Credential) (Endpoint, error) {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = time.Second
	client.RetryWaitMax = 10 * time.Second
	client.Logger = nil
	ep := &stageEndpoint{cred: cred, client: client}
	ep.Self = u
	return ep, nil
}

func (ep *stageEndpoint) Stageable() bool { return true }
func (ep *stageEndpoint) Cacheable() bool { return true }

type stageReply struct {
	Ready       bool   `json:"ready"`
	Wait        int    `json:"wait"`
	TransferURL string `json:"transfer_url"`
	Token       string `json:"token"`
}

func (ep *stageEndpoint) call(ctx context.Context, op string, body interface{}, out interface{}) error {
	u := url.URL{Scheme: "https", Host: ep.Self.Host, Path: "/v1/" + op}
	if ep.Self.Query().Get("insecure") == "true" {
		u.Scheme = "http"
	}
	buf, err := jsonMarshal(body)
	if err != nil {
		return Permanent(op, err)
	}
	req, err := retryablehttp.NewRequest("POST", u.String(), buf)
	if err != nil {
		return Permanent(op, err)
	}
	req = req.WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")
	if ep.cred != nil && ep.cred.Token != "" {
		req.Header.Set("Authorization", "Bearer "+ep.cred.Token)
	}
	resp, err := ep.client.Do(req)
	if err != nil {
		return Temporary(op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		err := fmt.Errorf("staging service returned %s", resp.Status)
		if resp.StatusCode >= 500 {
			return Temporary(op, err)
		}
		return Permanent(op, err)
	}
	if out != nil {
		if err := jsonDecode(resp.Body, out); err != nil {
			return Temporary(op, err)
		}
	}
	return nil
}

func (ep *stageEndpoint) prepare(ctx context.Context, op string) (time.Duration, []*url.URL, error) {
	var reply stageReply
	err := ep.call(ctx, op, map[string]string{"path": ep.Self.Path, "token": ep.token}, &reply)
	if err != nil {
		return 0, nil, err
	}
	ep.token = reply.Token
	if !reply.Ready {
		wait := time.Duration(reply.Wait) * time.Second
		if wait <= 0 {
			wait = 30 * time.Second
		}
		return wait, nil, nil
	}
	tu, err := url.Parse(reply.TransferURL)
	if err != nil {
		return 0, nil, Permanent(op, fmt.Errorf("bad transfer URL %q: %s", reply.TransferURL, err))
	}
	ep.SetStaged(tu)
	return 0, []*url.URL{tu}, nil
}

func (ep *stageEndpoint) PrepareReading(ctx context.Context) (time.Duration, []*url.URL, error) {
	return ep.prepare(ctx, "stagein")
}

func (ep *stageEndpoint) PrepareWriting(ctx context.Context) (time.Duration, []*url.URL, error) {
	return ep.prepare(ctx, "stageout")
}

func (ep *stageEndpoint) release(ctx context.Context, aborted bool) error {
	return ep.call(ctx, "release", map[string]interface{}{"path": ep.Self.Path, "token": ep.token, "aborted": aborted}, nil)
}

func (ep *stageEndpoint) FinishReading(ctx context.Context, aborted bool) error {
	return ep.release(ctx, aborted)
}

func (ep *stageEndpoint) FinishWriting(ctx context.Context, aborted bool) error {
	return ep.release(ctx, aborted)
}
