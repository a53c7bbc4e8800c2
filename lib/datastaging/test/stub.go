// Copyright (C) The GridStage Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package test provides stub endpoints for testing the staging
// pipeline without talking to real storage. The "stub" URL scheme is
// registered here; its behavior is steered by query parameters
// (index=1, stage=1, cache=1, remote=1, failresolve=1) and by error
// injection on the created endpoint.
package test

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"

	"git.gridstage.org/gridstage.git/lib/datastaging/endpoint"
	"git.gridstage.org/gridstage.git/sdk/go/gridstage"
)

var (
	createdMtx sync.Mutex
	created    = map[string]*StubEndpoint{}
)

func init() {
	endpoint.Register("stub", func(u *url.URL, cred *gridstage.Credential) (endpoint.Endpoint, error) {
		ep := &StubEndpoint{
			Base:   endpoint.Base{Self: u},
			index:  u.Query().Get("index") != "",
			stage:  u.Query().Get("stage") != "",
			cache:  u.Query().Get("cache") != "",
			local:  u.Query().Get("remote") == "",
			Errors: map[string]error{},
		}
		if u.Query().Get("failresolve") != "" {
			ep.Errors["resolve"] = endpoint.Permanent("resolve", errors.New("stub configured to fail"))
		}
		createdMtx.Lock()
		created[u.String()] = ep
		createdMtx.Unlock()
		return ep, nil
	})
}

// Get returns the most recently created stub endpoint for a URL.
func Get(rawurl string) *StubEndpoint {
	createdMtx.Lock()
	defer createdMtx.Unlock()
	return created[rawurl]
}

// Reset forgets all created stub endpoints.
func Reset() {
	createdMtx.Lock()
	defer createdMtx.Unlock()
	created = map[string]*StubEndpoint{}
}

// StubEndpoint is a controllable endpoint. Operations succeed by
// default; SetError makes one operation fail until cleared.
type StubEndpoint struct {
	endpoint.Base

	index bool
	stage bool
	cache bool
	local bool

	// Replicas is what Resolve returns for an index stub.
	Replicas []*url.URL
	// Info is what Stat returns.
	Info endpoint.FileInfo
	// StageWait makes the first PrepareReading/PrepareWriting
	// report "not ready, poll again in StageWait".
	StageWait time.Duration

	mtx    sync.Mutex
	calls  []string
	Errors map[string]error
	waited bool
}

func (ep *StubEndpoint) IsIndex() bool   { return ep.index }
func (ep *StubEndpoint) Local() bool     { return ep.local }
func (ep *StubEndpoint) Stageable() bool { return ep.stage }
func (ep *StubEndpoint) Cacheable() bool { return ep.cache }

// SetError injects an error for the named operation ("resolve",
// "stat", "remove", "preregister", "postregister", "preparereading",
// "preparewriting"). A nil error clears it.
func (ep *StubEndpoint) SetError(op string, err error) {
	ep.mtx.Lock()
	defer ep.mtx.Unlock()
	if err == nil {
		delete(ep.Errors, op)
	} else {
		ep.Errors[op] = err
	}
}

// Calls lists the operations performed on this endpoint, in order.
func (ep *StubEndpoint) Calls() []string {
	ep.mtx.Lock()
	defer ep.mtx.Unlock()
	return append([]string(nil), ep.calls...)
}

func (ep *StubEndpoint) op(name string) error {
	ep.mtx.Lock()
	defer ep.mtx.Unlock()
	ep.calls = append(ep.calls, name)
	return ep.Errors[name]
}

func (ep *StubEndpoint) Resolve(ctx context.Context, source bool) error {
	if err := ep.op("resolve"); err != nil {
		return err
	}
	if !ep.index {
		return ep.Base.Resolve(ctx, source)
	}
	for _, u := range ep.Replicas {
		ep.AddLocation(u)
	}
	if len(ep.Replicas) == 0 {
		ep.AddLocation(ep.Self)
	}
	return nil
}

func (ep *StubEndpoint) Stat(ctx context.Context) (endpoint.FileInfo, error) {
	if err := ep.op("stat"); err != nil {
		return endpoint.FileInfo{}, err
	}
	return ep.Info, nil
}

func (ep *StubEndpoint) Check(ctx context.Context) error {
	return ep.op("check")
}

func (ep *StubEndpoint) Remove(ctx context.Context) error {
	return ep.op("remove")
}

func (ep *StubEndpoint) CreateDirectories(ctx context.Context) error {
	return ep.op("createdirectories")
}

func (ep *StubEndpoint) PreRegister(ctx context.Context, replication, force bool) error {
	return ep.op("preregister")
}

func (ep *StubEndpoint) PostRegister(ctx context.Context, replication bool) error {
	return ep.op("postregister")
}

func (ep *StubEndpoint) PreUnregister(ctx context.Context, replication bool) error {
	return ep.op("preunregister")
}

func (ep *StubEndpoint) Unregister(ctx context.Context, all bool) error {
	return ep.op("unregister")
}

func (ep *StubEndpoint) PrepareReading(ctx context.Context) (time.Duration, []*url.URL, error) {
	if err := ep.op("preparereading"); err != nil {
		return 0, nil, err
	}
	return ep.stageWait(), nil, nil
}

func (ep *StubEndpoint) PrepareWriting(ctx context.Context) (time.Duration, []*url.URL, error) {
	if err := ep.op("preparewriting"); err != nil {
		return 0, nil, err
	}
	return ep.stageWait(), nil, nil
}

func (ep *StubEndpoint) stageWait() time.Duration {
	ep.mtx.Lock()
	defer ep.mtx.Unlock()
	if ep.StageWait > 0 && !ep.waited {
		ep.waited = true
		return ep.StageWait
	}
	return 0
}

func (ep *StubEndpoint) FinishReading(ctx context.Context, aborted bool) error {
	return ep.op("finishreading")
}

func (ep *StubEndpoint) FinishWriting(ctx context.Context, aborted bool) error {
	return ep.op("finishwriting")
}
