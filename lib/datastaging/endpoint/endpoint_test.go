// Copyright (C) The GridStage Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package endpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"git.gridstage.org/gridstage.git/sdk/go/gridstage"
	check "gopkg.in/check.v1"
)

func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&EndpointSuite{})

type EndpointSuite struct{}

func mustParse(c *check.C, rawurl string) *url.URL {
	u, err := url.Parse(rawurl)
	c.Assert(err, check.IsNil)
	return u
}

func (s *EndpointSuite) TestRegistry(c *check.C) {
	c.Check(Supported("file"), check.Equals, true)
	c.Check(Supported("http"), check.Equals, true)
	c.Check(Supported("https"), check.Equals, true)
	c.Check(Supported("catalog"), check.Equals, true)
	c.Check(Supported("stage"), check.Equals, true)
	c.Check(Supported("gopher"), check.Equals, false)

	_, err := New("gopher://example/f", nil)
	c.Check(err, check.ErrorMatches, `unsupported URL scheme "gopher" .*`)

	_, err = New("://", nil)
	c.Check(err, check.ErrorMatches, `invalid URL .*`)

	ep, err := New("file:///tmp/f", nil)
	c.Assert(err, check.IsNil)
	c.Check(ep.Local(), check.Equals, true)
	c.Check(ep.IsIndex(), check.Equals, false)
}

func (s *EndpointSuite) TestErrorClassification(c *check.C) {
	temp := Temporary("stat", errors.New("timed out"))
	perm := Permanent("stat", errors.New("no such file"))
	c.Check(temp.Error(), check.Equals, "stat: timed out")
	c.Check(IsRetryable(temp), check.Equals, true)
	c.Check(IsRetryable(perm), check.Equals, false)
	c.Check(IsRetryable(errors.New("unclassified")), check.Equals, false)
	c.Check(IsRetryable(nil), check.Equals, false)

	// classification survives wrapping
	c.Check(IsRetryable(fmt.Errorf("resolving source: %w", temp)), check.Equals, true)
	c.Check(IsRetryable(fmt.Errorf("resolving source: %w", perm)), check.Equals, false)
	c.Check(errors.Is(Permanent("check", ErrNotSupported), ErrNotSupported), check.Equals, true)
}

func (s *EndpointSuite) TestLocationWalk(c *check.C) {
	var b Base
	b.Self = mustParse(c, "catalog://idx/name")
	c.Check(b.CurrentLocation(), check.IsNil)
	c.Check(b.LastLocation(), check.Equals, true)
	c.Check(b.TransferURL(), check.Equals, b.Self)

	u1 := mustParse(c, "http://r1/f")
	u2 := mustParse(c, "http://r2/f")
	u3 := mustParse(c, "http://r3/f")
	c.Assert(b.AddLocation(u1), check.IsNil)
	c.Assert(b.AddLocation(u2), check.IsNil)
	c.Assert(b.AddLocation(u3), check.IsNil)

	c.Check(b.CurrentLocation(), check.Equals, u1)
	c.Check(b.TransferURL(), check.Equals, u1)
	c.Check(b.LastLocation(), check.Equals, false)
	c.Check(b.NextLocation(), check.Equals, true)
	c.Check(b.CurrentLocation(), check.Equals, u2)
	c.Check(b.NextLocation(), check.Equals, true)
	c.Check(b.CurrentLocation(), check.Equals, u3)
	c.Check(b.LastLocation(), check.Equals, true)
	c.Check(b.NextLocation(), check.Equals, false)
	c.Check(b.CurrentLocation(), check.IsNil)

	b.ResetLocations()
	c.Check(b.CurrentLocation(), check.IsNil)
	c.Assert(b.Resolve(context.Background(), true), check.IsNil)
	c.Check(b.CurrentLocation(), check.Equals, b.Self)
}

func (s *EndpointSuite) TestRemoveLocation(c *check.C) {
	var b Base
	b.Self = mustParse(c, "catalog://idx/name")
	u1 := mustParse(c, "http://r1/f")
	u2 := mustParse(c, "http://r2/f")
	b.AddLocation(u1)
	b.AddLocation(u2)
	c.Assert(b.RemoveLocation(), check.IsNil)
	c.Check(b.CurrentLocation(), check.Equals, u2)
	c.Assert(b.RemoveLocation(), check.IsNil)
	c.Check(b.CurrentLocation(), check.IsNil)
	c.Check(b.RemoveLocation(), check.NotNil)
}

func (s *EndpointSuite) TestSortLocations(c *check.C) {
	var b Base
	b.Self = mustParse(c, "catalog://idx/name")
	far := mustParse(c, "http://far.example/f")
	near := mustParse(c, "http://near.local/f")
	b.AddLocation(far)
	b.AddLocation(near)
	b.SortLocations(".local")
	c.Check(b.CurrentLocation(), check.Equals, near)
	// empty pattern leaves order alone
	b.SortLocations("")
	c.Check(b.CurrentLocation(), check.Equals, near)
}

func (s *EndpointSuite) TestTransferURLPrefersStaged(c *check.C) {
	var b Base
	b.Self = mustParse(c, "stage://tape/data/f")
	loc := mustParse(c, "http://pool1/data/f")
	b.AddLocation(loc)
	c.Check(b.TransferURL(), check.Equals, loc)
	staged := mustParse(c, "http://pool1/staged/f")
	b.SetStaged(staged)
	c.Check(b.TransferURL(), check.Equals, staged)
	b.ResetLocations()
	c.Check(b.TransferURL(), check.Equals, b.Self)
}

func (s *EndpointSuite) TestSetMetaMerges(c *check.C) {
	var b Base
	b.SetMeta(FileInfo{Size: 100})
	b.SetMeta(FileInfo{Checksum: "md5:abc", ChecksumType: "md5"})
	b.SetMeta(FileInfo{Size: 0}) // zero size does not clobber
	fi := b.Meta()
	c.Check(fi.Size, check.Equals, int64(100))
	c.Check(fi.Checksum, check.Equals, "md5:abc")
	c.Check(fi.ChecksumType, check.Equals, "md5")
	mod := time.Now().Add(-time.Hour).Truncate(time.Second)
	b.SetMeta(FileInfo{Modified: mod})
	c.Check(b.Meta().Modified.Equal(mod), check.Equals, true)
	c.Check(b.Meta().Size, check.Equals, int64(100))
}

func (s *EndpointSuite) TestFileEndpoint(c *check.C) {
	ctx := context.Background()
	dir := c.MkDir()
	path := filepath.Join(dir, "sub", "f.dat")
	ep, err := New("file://"+path, nil)
	c.Assert(err, check.IsNil)

	_, err = ep.Stat(ctx)
	c.Check(err, check.NotNil)
	c.Check(IsRetryable(err), check.Equals, false)

	c.Assert(ep.CreateDirectories(ctx), check.IsNil)
	c.Assert(os.WriteFile(path, []byte("hello"), 0644), check.IsNil)

	fi, err := ep.Stat(ctx)
	c.Assert(err, check.IsNil)
	c.Check(fi.Size, check.Equals, int64(5))
	c.Check(ep.Meta().Size, check.Equals, int64(5))
	c.Check(ep.Check(ctx), check.IsNil)

	c.Check(ep.Remove(ctx), check.IsNil)
	_, err = os.Stat(path)
	c.Check(os.IsNotExist(err), check.Equals, true)
	// removing an already-missing file is not an error
	c.Check(ep.Remove(ctx), check.IsNil)
}

func (s *EndpointSuite) TestHTTPEndpoint(c *check.C) {
	ctx := context.Background()
	var lastAuth string
	mod := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lastAuth = r.Header.Get("Authorization")
		switch {
		case r.URL.Path == "/data/f" && r.Method == "HEAD":
			w.Header().Set("Last-Modified", mod.Format(http.TimeFormat))
			w.Header().Set("Content-Length", "42")
		case r.URL.Path == "/data/f" && r.Method == "DELETE":
			w.WriteHeader(http.StatusNoContent)
		case r.Method == "DELETE":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	ep, err := New(srv.URL+"/data/f", &gridstage.Credential{Token: "tok"})
	c.Assert(err, check.IsNil)
	c.Check(ep.Cacheable(), check.Equals, true)

	fi, err := ep.Stat(ctx)
	c.Assert(err, check.IsNil)
	c.Check(fi.Size, check.Equals, int64(42))
	c.Check(fi.Modified.Equal(mod), check.Equals, true)
	c.Check(lastAuth, check.Equals, "Bearer tok")
	c.Check(ep.Remove(ctx), check.IsNil)

	missing, err := New(srv.URL+"/data/missing", nil)
	c.Assert(err, check.IsNil)
	err = missing.Check(ctx)
	c.Check(err, check.ErrorMatches, `stat: server returned 404.*`)
	c.Check(IsRetryable(err), check.Equals, false)
	// DELETE of a missing file is tolerated
	c.Check(missing.Remove(ctx), check.IsNil)
}

// catalogServer is a minimal replica catalog for exercising the
// catalog endpoint against real HTTP.
type catalogServer struct {
	srv      *httptest.Server
	entries  map[string]catalogEntry
	writeURL string
	requests []string // "METHOD /path"
	lastBody map[string]interface{}
	lastAuth string
}

func newCatalogServer(c *check.C) *catalogServer {
	cs := &catalogServer{entries: map[string]catalogEntry{}}
	cs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cs.requests = append(cs.requests, r.Method+" "+r.URL.String())
		cs.lastAuth = r.Header.Get("Authorization")
		cs.lastBody = nil
		if buf, _ := io.ReadAll(r.Body); len(buf) > 0 {
			json.Unmarshal(buf, &cs.lastBody)
		}
		switch {
		case r.Method == "GET" && strings.HasPrefix(r.URL.Path, "/v1/files/"):
			name := strings.TrimPrefix(r.URL.Path, "/v1/files/")
			entry, ok := cs.entries[name]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			json.NewEncoder(w).Encode(entry)
		case r.Method == "POST" && r.URL.Path == "/v1/resolve":
			out := map[string]map[string]catalogEntry{"files": {}}
			if names, ok := cs.lastBody["names"].([]interface{}); ok {
				for _, n := range names {
					if entry, ok := cs.entries[n.(string)]; ok {
						out["files"][n.(string)] = entry
					}
				}
			}
			json.NewEncoder(w).Encode(out)
		case r.Method == "POST" && strings.HasSuffix(r.URL.Path, "/locate"):
			if cs.writeURL == "" {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			json.NewEncoder(w).Encode(map[string]string{"url": cs.writeURL})
		default:
			// registration operations just need a 2xx
			w.WriteHeader(http.StatusOK)
		}
	}))
	return cs
}

func (cs *catalogServer) endpoint(c *check.C, name string, cred *gridstage.Credential) Endpoint {
	host := strings.TrimPrefix(cs.srv.URL, "http://")
	ep, err := New("catalog://"+host+"/"+name+"?insecure=true", cred)
	c.Assert(err, check.IsNil)
	return ep
}

func (s *EndpointSuite) TestCatalogResolveSource(c *check.C) {
	ctx := context.Background()
	cs := newCatalogServer(c)
	defer cs.srv.Close()
	cs.entries["lfn1"] = catalogEntry{
		Replicas: []string{"http://r1/f", "http://r2/f"},
		Size:     1234,
		Checksum: "adler32:09f80179",
	}

	ep := cs.endpoint(c, "lfn1", &gridstage.Credential{Token: "sekrit"})
	c.Check(ep.IsIndex(), check.Equals, true)
	c.Check(ep.Cacheable(), check.Equals, true)
	c.Assert(ep.Resolve(ctx, true), check.IsNil)
	c.Check(cs.lastAuth, check.Equals, "Bearer sekrit")
	c.Check(ep.CurrentLocation().String(), check.Equals, "http://r1/f")
	c.Check(ep.NextLocation(), check.Equals, true)
	c.Check(ep.CurrentLocation().String(), check.Equals, "http://r2/f")
	fi := ep.Meta()
	c.Check(fi.Size, check.Equals, int64(1234))
	c.Check(fi.Checksum, check.Equals, "adler32:09f80179")
	c.Check(fi.ChecksumType, check.Equals, "adler32")
}

func (s *EndpointSuite) TestCatalogResolveMissing(c *check.C) {
	ctx := context.Background()
	cs := newCatalogServer(c)
	defer cs.srv.Close()

	ep := cs.endpoint(c, "nosuch", nil)
	err := ep.Resolve(ctx, true)
	c.Assert(err, check.NotNil)
	c.Check(IsRetryable(err), check.Equals, false)
}

func (s *EndpointSuite) TestCatalogResolveNoReplicas(c *check.C) {
	ctx := context.Background()
	cs := newCatalogServer(c)
	defer cs.srv.Close()
	cs.entries["empty"] = catalogEntry{}

	ep := cs.endpoint(c, "empty", nil)
	err := ep.Resolve(ctx, true)
	c.Check(err, check.ErrorMatches, `resolve: no replicas registered for empty`)
	c.Check(IsRetryable(err), check.Equals, false)
}

func (s *EndpointSuite) TestCatalogLocate(c *check.C) {
	ctx := context.Background()
	cs := newCatalogServer(c)
	defer cs.srv.Close()
	cs.writeURL = "http://pool3/data/lfn2"

	ep := cs.endpoint(c, "lfn2", nil)
	c.Assert(ep.Resolve(ctx, false), check.IsNil)
	c.Check(ep.CurrentLocation().String(), check.Equals, "http://pool3/data/lfn2")
	c.Check(cs.requests[len(cs.requests)-1], check.Equals, "POST /v1/files/lfn2/locate")
}

func (s *EndpointSuite) TestCatalogLocateOverride(c *check.C) {
	ctx := context.Background()
	cs := newCatalogServer(c)
	defer cs.srv.Close()

	host := strings.TrimPrefix(cs.srv.URL, "http://")
	ep, err := New("catalog://"+host+"/lfn3?insecure=true&replica="+url.QueryEscape("http://chosen/data/lfn3"), nil)
	c.Assert(err, check.IsNil)
	c.Assert(ep.Resolve(ctx, false), check.IsNil)
	c.Check(ep.CurrentLocation().String(), check.Equals, "http://chosen/data/lfn3")
	// no round trip needed when the caller chose the location
	c.Check(cs.requests, check.HasLen, 0)
}

func (s *EndpointSuite) TestCatalogRegistration(c *check.C) {
	ctx := context.Background()
	cs := newCatalogServer(c)
	defer cs.srv.Close()
	cs.writeURL = "http://pool1/data/newfile"

	ep := cs.endpoint(c, "newfile", nil)
	c.Assert(ep.Resolve(ctx, false), check.IsNil)
	c.Assert(ep.PreRegister(ctx, false, true), check.IsNil)
	c.Check(cs.lastBody["url"], check.Equals, "http://pool1/data/newfile")
	c.Check(cs.lastBody["state"], check.Equals, "precommitted")
	c.Check(cs.lastBody["force"], check.Equals, true)

	c.Assert(ep.PostRegister(ctx, false), check.IsNil)
	c.Check(cs.requests[len(cs.requests)-1], check.Equals, "PUT /v1/files/newfile/replicas")
	c.Check(cs.lastBody["state"], check.Equals, "committed")
}

func (s *EndpointSuite) TestCatalogPreUnregister(c *check.C) {
	ctx := context.Background()
	cs := newCatalogServer(c)
	defer cs.srv.Close()
	cs.writeURL = "http://pool1/data/halfdone"

	ep := cs.endpoint(c, "halfdone", nil)
	// nothing pre-registered yet, so nothing to roll back
	c.Assert(ep.PreUnregister(ctx, false), check.IsNil)
	c.Check(cs.requests, check.HasLen, 0)

	c.Assert(ep.Resolve(ctx, false), check.IsNil)
	c.Assert(ep.PreRegister(ctx, false, false), check.IsNil)
	c.Assert(ep.PreUnregister(ctx, false), check.IsNil)
	last := cs.requests[len(cs.requests)-1]
	c.Check(last, check.Equals, "DELETE /v1/files/halfdone/replicas?url="+url.QueryEscape("http://pool1/data/halfdone"))
}

func (s *EndpointSuite) TestCatalogPostRegisterWithoutPre(c *check.C) {
	cs := newCatalogServer(c)
	defer cs.srv.Close()
	ep := cs.endpoint(c, "orphan", nil)
	err := ep.PostRegister(context.Background(), false)
	c.Check(err, check.ErrorMatches, `postregister: no pre-registered replica`)
	c.Check(IsRetryable(err), check.Equals, false)
}

func (s *EndpointSuite) TestCatalogUnregister(c *check.C) {
	ctx := context.Background()
	cs := newCatalogServer(c)
	defer cs.srv.Close()
	cs.entries["doomed"] = catalogEntry{Replicas: []string{"http://r1/f"}}

	ep := cs.endpoint(c, "doomed", nil)
	c.Assert(ep.Resolve(ctx, true), check.IsNil)
	c.Assert(ep.Unregister(ctx, false), check.IsNil)
	last := cs.requests[len(cs.requests)-1]
	c.Check(last, check.Equals, "DELETE /v1/files/doomed/replicas?url="+url.QueryEscape("http://r1/f"))

	c.Assert(ep.Unregister(ctx, true), check.IsNil)
	c.Check(cs.requests[len(cs.requests)-1], check.Equals, "DELETE /v1/files/doomed")
}

func (s *EndpointSuite) TestCatalogBulkResolve(c *check.C) {
	ctx := context.Background()
	cs := newCatalogServer(c)
	defer cs.srv.Close()
	cs.entries["a"] = catalogEntry{Replicas: []string{"http://r1/a"}, Size: 1}
	cs.entries["b"] = catalogEntry{Replicas: []string{"http://r1/b"}, Size: 2}

	epa := cs.endpoint(c, "a", nil)
	epb := cs.endpoint(c, "b", nil)
	br, ok := epa.(BulkResolver)
	c.Assert(ok, check.Equals, true)
	c.Assert(br.BulkResolve(ctx, []Endpoint{epa, epb}, true), check.IsNil)
	c.Check(cs.requests, check.HasLen, 1)
	c.Check(epa.CurrentLocation().String(), check.Equals, "http://r1/a")
	c.Check(epb.CurrentLocation().String(), check.Equals, "http://r1/b")
	c.Check(epa.Meta().Size, check.Equals, int64(1))
	c.Check(epb.Meta().Size, check.Equals, int64(2))
}

func (s *EndpointSuite) TestCatalogBulkResolveMixed(c *check.C) {
	cs := newCatalogServer(c)
	defer cs.srv.Close()
	epa := cs.endpoint(c, "a", nil)
	other, err := New("catalog://other.example/b", nil)
	c.Assert(err, check.IsNil)
	br := epa.(BulkResolver)
	err = br.BulkResolve(context.Background(), []Endpoint{epa, other}, true)
	c.Check(err, check.ErrorMatches, `bulk resolve: mixed catalogs in bulk request`)
}

func (s *EndpointSuite) TestCatalogBulkResolveMissingEntry(c *check.C) {
	cs := newCatalogServer(c)
	defer cs.srv.Close()
	cs.entries["a"] = catalogEntry{Replicas: []string{"http://r1/a"}}
	epa := cs.endpoint(c, "a", nil)
	epb := cs.endpoint(c, "b", nil)
	err := epa.(BulkResolver).BulkResolve(context.Background(), []Endpoint{epa, epb}, true)
	c.Check(err, check.ErrorMatches, `resolve: no catalog entry for b`)
}

func (s *EndpointSuite) TestCatalogRejectsBareName(c *check.C) {
	_, err := New("catalog://idx.example", nil)
	c.Check(err, check.ErrorMatches, `catalog URL .* has no logical file name`)
}

// stageServer fakes a staging service that needs one poll before the
// file is online.
type stageServer struct {
	srv      *httptest.Server
	calls    []string
	bodies   []map[string]interface{}
	ready    bool
	wait     int
	transfer string
	token    string
}

func newStageServer(c *check.C) *stageServer {
	ss := &stageServer{}
	ss.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		op := strings.TrimPrefix(r.URL.Path, "/v1/")
		ss.calls = append(ss.calls, op)
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		ss.bodies = append(ss.bodies, body)
		if op == "release" {
			w.WriteHeader(http.StatusOK)
			return
		}
		json.NewEncoder(w).Encode(stageReply{
			Ready:       ss.ready,
			Wait:        ss.wait,
			TransferURL: ss.transfer,
			Token:       ss.token,
		})
	}))
	return ss
}

func (ss *stageServer) endpoint(c *check.C, path string) Endpoint {
	host := strings.TrimPrefix(ss.srv.URL, "http://")
	ep, err := New("stage://"+host+path+"?insecure=true", nil)
	c.Assert(err, check.IsNil)
	return ep
}

func (s *EndpointSuite) TestStagePrepareReading(c *check.C) {
	ctx := context.Background()
	ss := newStageServer(c)
	defer ss.srv.Close()
	ss.wait = 42
	ss.token = "req-1"

	ep := ss.endpoint(c, "/tape/f1")
	c.Check(ep.Stageable(), check.Equals, true)

	wait, urls, err := ep.PrepareReading(ctx)
	c.Assert(err, check.IsNil)
	c.Check(wait, check.Equals, 42*time.Second)
	c.Check(urls, check.IsNil)
	c.Check(ss.calls, check.DeepEquals, []string{"stagein"})
	c.Check(ss.bodies[0]["path"], check.Equals, "/tape/f1")

	ss.ready = true
	ss.transfer = "http://disk1/staged/f1"
	wait, urls, err = ep.PrepareReading(ctx)
	c.Assert(err, check.IsNil)
	c.Check(wait, check.Equals, time.Duration(0))
	c.Assert(urls, check.HasLen, 1)
	c.Check(urls[0].String(), check.Equals, "http://disk1/staged/f1")
	c.Check(ep.TransferURL().String(), check.Equals, "http://disk1/staged/f1")
	// second poll carries the token from the first reply
	c.Check(ss.bodies[1]["token"], check.Equals, "req-1")

	c.Assert(ep.FinishReading(ctx, true), check.IsNil)
	c.Check(ss.calls[len(ss.calls)-1], check.Equals, "release")
	rel := ss.bodies[len(ss.bodies)-1]
	c.Check(rel["aborted"], check.Equals, true)
	c.Check(rel["token"], check.Equals, "req-1")
}

func (s *EndpointSuite) TestStagePrepareWriting(c *check.C) {
	ctx := context.Background()
	ss := newStageServer(c)
	defer ss.srv.Close()
	ss.ready = true
	ss.transfer = "http://disk1/incoming/f2"

	ep := ss.endpoint(c, "/tape/f2")
	wait, urls, err := ep.PrepareWriting(ctx)
	c.Assert(err, check.IsNil)
	c.Check(wait, check.Equals, time.Duration(0))
	c.Assert(urls, check.HasLen, 1)
	c.Check(ss.calls, check.DeepEquals, []string{"stageout"})

	c.Assert(ep.FinishWriting(ctx, false), check.IsNil)
	c.Check(ss.bodies[len(ss.bodies)-1]["aborted"], check.Equals, false)
}

func (s *EndpointSuite) TestStageDefaultWait(c *check.C) {
	ss := newStageServer(c)
	defer ss.srv.Close()
	// service gave no wait hint
	ep := ss.endpoint(c, "/tape/f3")
	wait, _, err := ep.PrepareReading(context.Background())
	c.Assert(err, check.IsNil)
	c.Check(wait, check.Equals, 30*time.Second)
}

func (s *EndpointSuite) TestStageDenied(c *check.C) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()
	host := strings.TrimPrefix(srv.URL, "http://")
	ep, err := New("stage://"+host+"/tape/f?insecure=true", nil)
	c.Assert(err, check.IsNil)
	_, _, err = ep.PrepareReading(context.Background())
	c.Check(err, check.ErrorMatches, `stagein: staging service returned 403.*`)
	c.Check(IsRetryable(err), check.Equals, false)
}
