// Copyright (C) The GridStage Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package endpoint

import (
	"context"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

// Base provides the location list, metadata bookkeeping and
// not-supported defaults shared by endpoint implementations. Embed it
// and override what the protocol actually supports.
type Base struct {
	Self *url.URL

	mtx       sync.Mutex
	meta      FileInfo
	locations []*url.URL
	current   int
	staged    *url.URL
}

func (b *Base) URL() *url.URL { return b.Self }

func (b *Base) IsIndex() bool   { return false }
func (b *Base) Local() bool     { return false }
func (b *Base) Stageable() bool { return false }
func (b *Base) Cacheable() bool { return false }

func (b *Base) Meta() FileInfo {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.meta
}

func (b *Base) SetMeta(fi FileInfo) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if fi.Size > 0 {
		b.meta.Size = fi.Size
	}
	if !fi.Modified.IsZero() {
		b.meta.Modified = fi.Modified
	}
	if fi.Checksum != "" {
		b.meta.Checksum = fi.Checksum
		b.meta.ChecksumType = fi.ChecksumType
	}
}

func (b *Base) CurrentLocation() *url.URL {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if b.current >= len(b.locations) {
		return nil
	}
	return b.locations[b.current]
}

func (b *Base) NextLocation() bool {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if b.current < len(b.locations) {
		b.current++
	}
	return b.current < len(b.locations)
}

func (b *Base) LastLocation() bool {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.current >= len(b.locations)-1
}

func (b *Base) AddLocation(u *url.URL) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.locations = append(b.locations, u)
	return nil
}

func (b *Base) RemoveLocation() error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if b.current >= len(b.locations) {
		return ErrNotSupported
	}
	b.locations = append(b.locations[:b.current], b.locations[b.current+1:]...)
	return nil
}

func (b *Base) SortLocations(pattern string) {
	if pattern == "" {
		return
	}
	b.mtx.Lock()
	defer b.mtx.Unlock()
	sort.SliceStable(b.locations, func(i, j int) bool {
		mi := strings.Contains(b.locations[i].Host, pattern)
		mj := strings.Contains(b.locations[j].Host, pattern)
		return mi && !mj
	})
}

// ResetLocations clears the replica list, e.g. before a retry.
func (b *Base) ResetLocations() {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.locations = nil
	b.current = 0
	b.staged = nil
}

// SetStaged records the transfer URL returned by a staging system.
func (b *Base) SetStaged(u *url.URL) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.staged = u
}

func (b *Base) TransferURL() *url.URL {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if b.staged != nil {
		return b.staged
	}
	if b.current < len(b.locations) {
		return b.locations[b.current]
	}
	return b.Self
}

// Resolve on a non-index endpoint adds itself as the only location.
func (b *Base) Resolve(ctx context.Context, source bool) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if len(b.locations) == 0 {
		b.locations = []*url.URL{b.Self}
	}
	return nil
}

func (b *Base) Stat(ctx context.Context) (FileInfo, error) {
	return FileInfo{}, Permanent("stat", ErrNotSupported)
}

func (b *Base) Check(ctx context.Context) error {
	return Permanent("check", ErrNotSupported)
}

func (b *Base) Remove(ctx context.Context) error {
	return Permanent("remove", ErrNotSupported)
}

func (b *Base) CreateDirectories(ctx context.Context) error {
	return nil
}

func (b *Base) PreRegister(ctx context.Context, replication, force bool) error {
	return nil
}

func (b *Base) PostRegister(ctx context.Context, replication bool) error {
	return nil
}

func (b *Base) PreUnregister(ctx context.Context, replication bool) error {
	return nil
}

func (b *Base) Unregister(ctx context.Context, all bool) error {
	return nil
}

func (b *Base) PrepareReading(ctx context.Context) (time.Duration, []*url.URL, error) {
	return 0, nil, nil
}

func (b *Base) PrepareWriting(ctx context.Context) (time.Duration, []*url.URL, error) {
	return 0, nil, nil
}

func (b *Base) FinishReading(ctx context.Context, aborted bool) error {
	return nil
}

func (b *Base) FinishWriting(ctx context.Context, aborted bool) error {
	return nil
}
