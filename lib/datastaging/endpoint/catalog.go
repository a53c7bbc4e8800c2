// Copyright (C) The GridStage Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package endpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"git.gridstage.org/gridstage.git/sdk/go/gridstage"
	"github.com/hashicorp/go-retryablehttp"
)

func init() {
	Register("catalog", newCatalogEndpoint)
}

// catalogEndpoint is a logical file name in a replica catalog
// service. The catalog speaks JSON over HTTP:
//
//	GET    /v1/files/{name}                resolve replicas
//	POST   /v1/resolve                     bulk resolve
//	POST   /v1/files/{name}/locate         choose a write location
//	POST   /v1/files/{name}/replicas       pre-register a replica
//	PUT    /v1/files/{name}/replicas       commit a replica
//	DELETE /v1/files/{name}/replicas       unregister a replica
type catalogEndpoint struct {
	Base
	cred   *gridstage.Credential
	client *retryablehttp.Client

	// replica being written, recorded by PreRegister so
	// PostRegister/PreUnregister refer to the same entry
	pending *url.URL
}

func newCatalogEndpoint(u *url.URL, cred *gridstage.Credential) (Endpoint, error) {
	if u.Path == "" || u.Path == "/" {
		return nil, fmt.Errorf("catalog URL %q has no logical file name", u)
	}
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = time.Second
	client.RetryWaitMax = 10 * time.Second
	client.Logger = nil
	ep := &catalogEndpoint{cred: cred, client: client}
	ep.Self = u
	return ep, nil
}

func (ep *catalogEndpoint) IsIndex() bool { return true }

// Cacheable: replicas of a catalog entry are immutable, so caching by
// logical name is safe.
func (ep *catalogEndpoint) Cacheable() bool { return true }

func (ep *catalogEndpoint) name() string {
	return strings.TrimPrefix(ep.Self.Path, "/")
}

func (ep *catalogEndpoint) apiURL(elem ...string) string {
	u := url.URL{Scheme: "https", Host: ep.Self.Host}
	if ep.Self.Query().Get("insecure") == "true" {
		u.Scheme = "http"
	}
	u.Path = path.Join(append([]string{"/v1"}, elem...)...)
	return u.String()
}

func (ep *catalogEndpoint) do(ctx context.Context, method, url string, body, out interface{}) error {
	var rdr *bytes.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return Permanent(method, err)
		}
		rdr = bytes.NewReader(buf)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := retryablehttp.NewRequest(method, url, rdr)
	if err != nil {
		return Permanent(method, err)
	}
	req = req.WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")
	if ep.cred != nil && ep.cred.Token != "" {
		req.Header.Set("Authorization", "Bearer "+ep.cred.Token)
	}
	resp, err := ep.client.Do(req)
	if err != nil {
		return Temporary(method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		err := fmt.Errorf("catalog returned %s", resp.Status)
		if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusForbidden {
			return Permanent(method, err)
		}
		return Temporary(method, err)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return Temporary(method, err)
		}
	}
	return nil
}

type catalogEntry struct {
	Replicas []string `json:"replicas"`
	Size     int64    `json:"size"`
	Checksum string   `json:"checksum"`
}

func (e catalogEntry) checksumType() string {
	if i := strings.IndexByte(e.Checksum, ':'); i > 0 {
		return e.Checksum[:i]
	}
	return ""
}

func (ep *catalogEndpoint) Resolve(ctx context.Context, source bool) error {
	if !source {
		return ep.locate(ctx)
	}
	var entry catalogEntry
	if err := ep.do(ctx, "GET", ep.apiURL("files", ep.name()), nil, &entry); err != nil {
		return err
	}
	return ep.applyEntry(entry)
}

// locate chooses where a new replica of this entry gets written. A
// replica URL in the query string overrides the catalog's choice.
func (ep *catalogEndpoint) locate(ctx context.Context) error {
	if r := ep.Self.Query().Get("replica"); r != "" {
		u, err := url.Parse(r)
		if err != nil {
			return Permanent("locate", fmt.Errorf("bad replica URL %q: %s", r, err))
		}
		return ep.AddLocation(u)
	}
	var out struct {
		URL string `json:"url"`
	}
	if err := ep.do(ctx, "POST", ep.apiURL("files", ep.name(), "locate"), nil, &out); err != nil {
		return err
	}
	u, err := url.Parse(out.URL)
	if out.URL == "" || err != nil {
		return Permanent("locate", fmt.Errorf("catalog returned unusable write location %q", out.URL))
	}
	return ep.AddLocation(u)
}

func (ep *catalogEndpoint) applyEntry(entry catalogEntry) error {
	if len(entry.Replicas) == 0 {
		return Permanent("resolve", fmt.Errorf("no replicas registered for %s", ep.name()))
	}
	for _, r := range entry.Replicas {
		u, err := url.Parse(r)
		if err != nil {
			continue
		}
		ep.AddLocation(u)
	}
	if ep.CurrentLocation() == nil {
		return Permanent("resolve", fmt.Errorf("no usable replicas for %s", ep.name()))
	}
	ep.SetMeta(FileInfo{Size: entry.Size, Checksum: entry.Checksum, ChecksumType: entry.checksumType()})
	return nil
}

// BulkResolve resolves several entries of the same catalog in one
// request.
func (ep *catalogEndpoint) BulkResolve(ctx context.Context, eps []Endpoint, source bool) error {
	if !source {
		return nil
	}
	byName := map[string]*catalogEndpoint{}
	var names []string
	for _, e := range eps {
		ce, ok := e.(*catalogEndpoint)
		if !ok || ce.Self.Host != ep.Self.Host {
			return Permanent("bulk resolve", fmt.Errorf("mixed catalogs in bulk request"))
		}
		byName[ce.name()] = ce
		names = append(names, ce.name())
	}
	var out struct {
		Files map[string]catalogEntry `json:"files"`
	}
	err := ep.do(ctx, "POST", ep.apiURL("resolve"), map[string][]string{"names": names}, &out)
	if err != nil {
		return err
	}
	for name, ce := range byName {
		entry, ok := out.Files[name]
		if !ok {
			return Permanent("resolve", fmt.Errorf("no catalog entry for %s", name))
		}
		if err := ce.applyEntry(entry); err != nil {
			return err
		}
	}
	return nil
}

type replicaReq struct {
	URL   string `json:"url"`
	State string `json:"state"`
	Force bool   `json:"force,omitempty"`
}

func (ep *catalogEndpoint) PreRegister(ctx context.Context, replication, force bool) error {
	loc := ep.CurrentLocation()
	if loc == nil {
		return Permanent("preregister", fmt.Errorf("no location chosen for new replica"))
	}
	ep.pending = loc
	return ep.do(ctx, "POST", ep.apiURL("files", ep.name(), "replicas"),
		replicaReq{URL: loc.String(), State: "precommitted", Force: force}, nil)
}

func (ep *catalogEndpoint) PostRegister(ctx context.Context, replication bool) error {
	if ep.pending == nil {
		return Permanent("postregister", fmt.Errorf("no pre-registered replica"))
	}
	return ep.do(ctx, "PUT", ep.apiURL("files", ep.name(), "replicas"),
		replicaReq{URL: ep.pending.String(), State: "committed"}, nil)
}

func (ep *catalogEndpoint) PreUnregister(ctx context.Context, replication bool) error {
	if ep.pending == nil {
		return nil
	}
	return ep.do(ctx, "DELETE", ep.apiURL("files", ep.name(), "replicas")+"?url="+url.QueryEscape(ep.pending.String()), nil, nil)
}

func (ep *catalogEndpoint) Unregister(ctx context.Context, all bool) error {
	if all {
		return ep.do(ctx, "DELETE", ep.apiURL("files", ep.name()), nil, nil)
	}
	loc := ep.CurrentLocation()
	if loc == nil {
		return Permanent("unregister", fmt.Errorf("no current replica"))
	}
	return ep.do(ctx, "DELETE", ep.apiURL("files", ep.name(), "replicas")+"?url="+url.QueryEscape(loc.String()), nil, nil)
}
