// Copyright (C) The GridStage Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package endpoint

import (
	"context"
	"net/url"
	"os"
	"path/filepath"

	"git.gridstage.org/gridstage.git/sdk/go/gridstage"
)

func init() {
	Register("file", newFileEndpoint)
}

// fileEndpoint is a file on the local filesystem.
type fileEndpoint struct {
	Base
}

func newFileEndpoint(u *url.URL, cred *gridstage.Credential) (Endpoint, error) {
	ep := &fileEndpoint{}
	ep.Self = u
	return ep, nil
}

func (ep *fileEndpoint) Local() bool { return true }

func (ep *fileEndpoint) Stat(ctx context.Context) (FileInfo, error) {
	fi, err := os.Stat(ep.Self.Path)
	if err != nil {
		return FileInfo{}, Permanent("stat", err)
	}
	info := FileInfo{Size: fi.Size(), Modified: fi.ModTime()}
	ep.SetMeta(info)
	return info, nil
}

func (ep *fileEndpoint) Check(ctx context.Context) error {
	f, err := os.Open(ep.Self.Path)
	if err != nil {
		return Permanent("check", err)
	}
	return f.Close()
}

func (ep *fileEndpoint) Remove(ctx context.Context) error {
	err := os.Remove(ep.Self.Path)
	if err != nil && !os.IsNotExist(err) {
		return Permanent("remove", err)
	}
	return nil
}

func (ep *fileEndpoint) CreateDirectories(ctx context.Context) error {
	err := os.MkdirAll(filepath.Dir(ep.Self.Path), 0777)
	if err != nil {
		return Permanent("mkdir", err)
	}
	return nil
}
