// Copyright (C) The GridStage Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package endpoint abstracts the remote ends of a transfer. An
// Endpoint wraps one URL and knows how to resolve, stat, clean,
// stage and register it. Protocol support is a registry of
// constructors keyed by URL scheme.
package endpoint

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"git.gridstage.org/gridstage.git/sdk/go/gridstage"
)

// FileInfo is the metadata an endpoint knows about its file.
type FileInfo struct {
	Size         int64
	Modified     time.Time
	Checksum     string
	ChecksumType string
}

// Endpoint is one end of a transfer.
//
// Index endpoints (catalogs) hold an ordered list of physical
// replicas; Resolve fills the list and the scheduler walks it with
// NextLocation when retrying. Non-index endpoints are their own
// single location.
type Endpoint interface {
	// URL returns the endpoint's own URL.
	URL() *url.URL

	// IsIndex reports whether this is a logical name in an index
	// service, with physical replicas found via Resolve.
	IsIndex() bool
	// Local reports whether I/O happens on this host's filesystem.
	Local() bool
	// Stageable reports whether the endpoint needs
	// PrepareReading/PrepareWriting before transfer.
	Stageable() bool
	// Cacheable reports whether files read from here may be cached.
	Cacheable() bool

	// Meta returns the currently known file metadata.
	Meta() FileInfo
	// SetMeta records file metadata learned elsewhere (e.g. from
	// the job description, or from the peer endpoint).
	SetMeta(FileInfo)

	// CurrentLocation returns the replica the next operation
	// applies to, or nil if the list is exhausted.
	CurrentLocation() *url.URL
	// NextLocation advances to the next replica and reports
	// whether one is available.
	NextLocation() bool
	// LastLocation reports whether no further replicas remain
	// after the current one.
	LastLocation() bool
	// AddLocation adds a physical replica (destination side of
	// registration).
	AddLocation(*url.URL) error
	// RemoveLocation drops the current replica from the list.
	RemoveLocation() error
	// SortLocations orders replicas so that URLs matching pattern
	// come first. An empty pattern is a no-op.
	SortLocations(pattern string)
	// ResetLocations forgets resolved replicas and staging state,
	// e.g. before retrying from scratch.
	ResetLocations()

	// Resolve looks up replicas (source) or chooses a place to
	// put a new replica (destination). Non-index endpoints
	// resolve to themselves.
	Resolve(ctx context.Context, source bool) error
	// Stat returns current metadata for the current location.
	Stat(ctx context.Context) (FileInfo, error)
	// Check verifies the file is accessible with the endpoint's
	// credential.
	Check(ctx context.Context) error
	// Remove deletes the current location's file.
	Remove(ctx context.Context) error
	// CreateDirectories makes any missing parent directories.
	CreateDirectories(ctx context.Context) error

	// PreRegister advertises an intention to write a new replica
	// in the index. force overwrites a half-registered entry left
	// by an earlier failed attempt.
	PreRegister(ctx context.Context, replication, force bool) error
	// PostRegister finalizes the replica entry after a successful
	// transfer.
	PostRegister(ctx context.Context, replication bool) error
	// PreUnregister removes the advertisement left by
	// PreRegister after a failed or cancelled transfer.
	PreUnregister(ctx context.Context, replication bool) error
	// Unregister removes the current replica (or, if all, the
	// whole logical entry) from the index.
	Unregister(ctx context.Context, all bool) error

	// PrepareReading asks a staging system to bring the file
	// online. If the returned wait is nonzero the caller should
	// poll again after that long.
	PrepareReading(ctx context.Context) (wait time.Duration, transferURLs []*url.URL, err error)
	// PrepareWriting asks a staging system for a writable
	// transfer URL.
	PrepareWriting(ctx context.Context) (wait time.Duration, transferURLs []*url.URL, err error)
	// FinishReading releases stage-in resources. aborted is true
	// if the transfer failed or was cancelled.
	FinishReading(ctx context.Context, aborted bool) error
	// FinishWriting releases stage-out resources.
	FinishWriting(ctx context.Context, aborted bool) error

	// TransferURL is the URL the delivery layer should move bytes
	// to/from: the staged transfer URL if any, else the current
	// location, else the endpoint URL itself.
	TransferURL() *url.URL
}

// BulkResolver is implemented by index endpoints that can resolve
// many logical names in one round trip.
type BulkResolver interface {
	BulkResolve(ctx context.Context, eps []Endpoint, source bool) error
}

// Constructor makes an Endpoint for one URL.
type Constructor func(*url.URL, *gridstage.Credential) (Endpoint, error)

var (
	registryMtx sync.Mutex
	registry    = map[string]Constructor{}
)

// Register installs a constructor for a URL scheme. Typically called
// from a protocol package's init().
func Register(scheme string, fn Constructor) {
	registryMtx.Lock()
	defer registryMtx.Unlock()
	registry[scheme] = fn
}

// New returns an Endpoint for rawurl, or an error if the URL is
// malformed or its scheme is not supported.
func New(rawurl string, cred *gridstage.Credential) (Endpoint, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, fmt.Errorf("invalid URL %q: %s", rawurl, err)
	}
	registryMtx.Lock()
	fn, ok := registry[u.Scheme]
	registryMtx.Unlock()
	if !ok {
		return nil, fmt.Errorf("unsupported URL scheme %q in %q", u.Scheme, rawurl)
	}
	return fn(u, cred)
}

// Supported reports whether a scheme has a registered constructor.
func Supported(scheme string) bool {
	registryMtx.Lock()
	defer registryMtx.Unlock()
	_, ok := registry[scheme]
	return ok
}
