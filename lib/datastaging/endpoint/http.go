// Copyright (C) The GridStage Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package endpoint

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"git.gridstage.org/gridstage.git/sdk/go/gridstage"
	"github.com/hashicorp/go-retryablehttp"
)

func init() {
	Register("http", newHTTPEndpoint)
	Register("https", newHTTPEndpoint)
}

// httpEndpoint is a file behind a plain HTTP(S) server.
type httpEndpoint struct {
	Base
	cred   *gridstage.Credential
	client *retryablehttp.Client
}

func newHTTPEndpoint(u *url.URL, cred *gridstage.Credential) (Endpoint, error) {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = time.Second
	client.RetryWaitMax = 10 * time.Second
	client.Logger = nil
	ep := &httpEndpoint{cred: cred, client: client}
	ep.Self = u
	return ep, nil
}

func (ep *httpEndpoint) Cacheable() bool { return true }

func (ep *httpEndpoint) do(ctx context.Context, method string, u *url.URL) (*http.Response, error) {
	req, err := retryablehttp.NewRequest(method, u.String(), nil)
	if err != nil {
		return nil, Permanent(method, err)
	}
	req = req.WithContext(ctx)
	if ep.cred != nil && ep.cred.Token != "" {
		req.Header.Set("Authorization", "Bearer "+ep.cred.Token)
	}
	resp, err := ep.client.Do(req)
	if err != nil {
		return nil, Temporary(method, err)
	}
	return resp, nil
}

func classify(op string, resp *http.Response) error {
	resp.Body.Close()
	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusForbidden, resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusGone:
		return Permanent(op, fmt.Errorf("server returned %s", resp.Status))
	default:
		return Temporary(op, fmt.Errorf("server returned %s", resp.Status))
	}
}

func (ep *httpEndpoint) Stat(ctx context.Context) (FileInfo, error) {
	u := ep.CurrentLocation()
	if u == nil {
		u = ep.Self
	}
	resp, err := ep.do(ctx, "HEAD", u)
	if err != nil {
		return FileInfo{}, err
	}
	if err := classify("stat", resp); err != nil {
		return FileInfo{}, err
	}
	info := FileInfo{Size: resp.ContentLength}
	if t, err := http.ParseTime(resp.Header.Get("Last-Modified")); err == nil {
		info.Modified = t
	}
	ep.SetMeta(info)
	return info, nil
}

func (ep *httpEndpoint) Check(ctx context.Context) error {
	_, err := ep.Stat(ctx)
	return err
}

func (ep *httpEndpoint) Remove(ctx context.Context) error {
	u := ep.CurrentLocation()
	if u == nil {
		u = ep.Self
	}
	resp, err := ep.do(ctx, "DELETE", u)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil
	}
	return classify("remove", resp)
}
