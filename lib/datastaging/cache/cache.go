// Copyright (C) The GridStage Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package cache keeps downloaded files for reuse between jobs. Files
// are keyed by a hash of the source URL. Writers hold an advisory
// lock file so concurrent transfers of the same source wait instead
// of downloading twice.
package cache

import (
	"crypto/sha1"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"git.gridstage.org/gridstage.git/sdk/go/gridstage"
	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"
)

type Cache struct {
	dirs   []gridstage.CacheDirConfig
	logger logrus.FieldLogger

	mtx   sync.Mutex
	locks map[string]*flock.Flock
}

// New returns a cache over the configured directories, or nil if none
// are configured (caching disabled).
func New(dirs []gridstage.CacheDirConfig, logger logrus.FieldLogger) *Cache {
	if len(dirs) == 0 {
		return nil
	}
	return &Cache{dirs: dirs, logger: logger, locks: map[string]*flock.Flock{}}
}

// File returns the cache path a source URL maps to. The hash spreads
// files over the configured directories; draining directories still
// serve existing files but receive no new ones.
func (c *Cache) File(sourceURL string) string {
	sum := sha1.Sum([]byte(sourceURL))
	hash := fmt.Sprintf("%x", sum)
	dir := c.dirs[int(sum[0])%len(c.dirs)]
	if dir.Draining {
		for _, d := range c.dirs {
			if !d.Draining {
				dir = d
				break
			}
		}
	}
	return filepath.Join(dir.Path, "data", hash[:2], hash[2:])
}

// Start prepares the cache entry for a source URL. It reports whether
// a finished cached copy is already available, or whether another
// transfer holds the write lock. When neither is true the caller owns
// the write lock and should download to the returned path.
func (c *Cache) Start(sourceURL string) (path string, available, locked bool, err error) {
	path = c.File(sourceURL)
	if _, err := os.Stat(path); err == nil {
		return path, true, false, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return "", false, false, fmt.Errorf("creating cache dir: %s", err)
	}
	lock := flock.New(path + ".lock")
	ok, err := lock.TryLock()
	if err != nil {
		return "", false, false, fmt.Errorf("locking cache file: %s", err)
	}
	if !ok {
		return path, false, true, nil
	}
	// Lock acquired; the file may have appeared while we waited.
	if _, err := os.Stat(path); err == nil {
		lock.Unlock()
		return path, true, false, nil
	}
	c.mtx.Lock()
	c.locks[path] = lock
	c.mtx.Unlock()
	return path, false, false, nil
}

func (c *Cache) release(path string) *flock.Flock {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	lock := c.locks[path]
	delete(c.locks, path)
	return lock
}

// Stop releases the write lock after a successful download.
func (c *Cache) Stop(path string) {
	if lock := c.release(path); lock != nil {
		lock.Unlock()
		os.Remove(path + ".lock")
	}
}

// StopAndDelete releases the write lock and removes the (incomplete
// or invalid) cache file.
func (c *Cache) StopAndDelete(path string) {
	if lock := c.release(path); lock != nil {
		os.Remove(path)
		lock.Unlock()
		os.Remove(path + ".lock")
	}
}

// Link makes the cached file visible at dest, preferring a hard link
// and falling back to a copy across filesystems.
func (c *Cache) Link(path, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0777); err != nil {
		return fmt.Errorf("creating destination dir: %s", err)
	}
	if err := os.Link(path, dest); err == nil {
		return nil
	}
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening cache file: %s", err)
	}
	defer src.Close()
	dst, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return fmt.Errorf("creating %s: %s", dest, err)
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		os.Remove(dest)
		return fmt.Errorf("copying cache file: %s", err)
	}
	return dst.Close()
}
