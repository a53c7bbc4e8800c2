// Copyright (C) The GridStage Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package deliver

import (
	"bufio"
	"context"
	"crypto/md5"
	"crypto/sha1"
	"errors"
	"fmt"
	"hash"
	"hash/adler32"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"git.gridstage.org/gridstage.git/lib/datastaging/delivery"
	"git.gridstage.org/gridstage.git/lib/datastaging/dtr"
	"git.gridstage.org/gridstage.git/sdk/go/gridstage"
	"github.com/sirupsen/logrus"
)

type mover struct {
	source      string
	destination string
	cred        *gridstage.Credential
	size        int64
	cstype      string
	csvalue     string
	limits      limits
	out         *bufio.Writer
	logger      logrus.FieldLogger

	transferred int64 // atomic
	started     time.Time
	calculated  string // checksum computed during copy
}

// transferError carries the DTR error classification out of the copy
// loop so the final status record can report it.
type transferError struct {
	kind     dtr.ErrorKind
	location dtr.ErrorLocation
	desc     string
}

func (e *transferError) Error() string { return e.desc }

func terr(kind dtr.ErrorKind, location dtr.ErrorLocation, format string, args ...interface{}) error {
	return &transferError{kind: kind, location: location, desc: fmt.Sprintf(format, args...)}
}

func (m *mover) run(ctx context.Context) error {
	m.started = time.Now()
	m.report(delivery.CommNoError, dtr.StatusTransferring, nil)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// reporter writes one status record per second and enforces
	// the transfer limits.
	limErr := make(chan error, 1)
	reporterDone := make(chan struct{})
	go func() {
		defer close(reporterDone)
		if err := m.reporter(ctx); err != nil {
			limErr <- err
			cancel()
		}
	}()

	err := m.copy(ctx)
	cancel()
	<-reporterDone
	// A limit violation cancels the copy; report the violation,
	// not the resulting "context canceled".
	select {
	case lerr := <-limErr:
		err = lerr
	default:
	}
	if err == nil && ctx.Err() != nil {
		err = terr(dtr.InternalProcessError, dtr.ErrorTransfer, "transfer cancelled")
	}

	m.report(delivery.CommClosed, dtr.StatusTransferred, err)
	m.out.Flush()
	return err
}

// report writes one status record to stdout.
func (m *mover) report(cs delivery.CommStatus, status dtr.Status, err error) {
	rec := &delivery.Record{
		CommStatus:   uint32(cs),
		Status:       uint32(status),
		Streams:      1,
		Transferred:  uint64(atomic.LoadInt64(&m.transferred)),
		Size:         uint64(m.size),
		TransferTime: uint64(time.Since(m.started)),
	}
	if elapsed := time.Since(m.started).Seconds(); elapsed > 0 {
		rec.Speed = uint64(float64(rec.Transferred) / elapsed)
	}
	if m.calculated != "" {
		rec.SetChecksum(m.cstype + ":" + m.calculated)
	} else if m.csvalue != "" {
		rec.SetChecksum(m.cstype + ":" + m.csvalue)
	}
	var te *transferError
	if errors.As(err, &te) {
		rec.ErrorKind = uint32(te.kind)
		rec.ErrorLocation = uint32(te.location)
		rec.SetErrorDesc(te.desc)
	} else if err != nil {
		rec.ErrorKind = uint32(dtr.InternalProcessError)
		rec.ErrorLocation = uint32(dtr.ErrorTransfer)
		rec.SetErrorDesc(err.Error())
	}
	if werr := delivery.WriteRecord(m.out, rec); werr == nil {
		m.out.Flush()
	}
}

// reporter emits progress once per second and aborts the transfer
// when a speed or inactivity limit is broken.
func (m *mover) reporter(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	var last int64
	lastActivity := time.Now()
	var belowSince time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		cur := atomic.LoadInt64(&m.transferred)
		delta := cur - last
		last = cur
		now := time.Now()
		if delta > 0 {
			lastActivity = now
		}
		if m.limits.maxInactive > 0 && now.Sub(lastActivity) > m.limits.maxInactive {
			return terr(dtr.TransferSpeedError, dtr.ErrorTransfer,
				"transfer inactive for more than %s", m.limits.maxInactive)
		}
		if m.limits.minSpeed > 0 && m.limits.minSpeedTime > 0 {
			if delta >= m.limits.minSpeed {
				belowSince = time.Time{}
			} else if belowSince.IsZero() {
				belowSince = now
			} else if now.Sub(belowSince) > m.limits.minSpeedTime {
				return terr(dtr.TransferSpeedError, dtr.ErrorTransfer,
					"transfer speed below %d bytes/s for more than %s", m.limits.minSpeed, m.limits.minSpeedTime)
			}
		}
		if m.limits.minAvgSpeed > 0 && m.limits.avgTime > 0 {
			if elapsed := now.Sub(m.started); elapsed > m.limits.avgTime {
				if avg := int64(float64(cur) / elapsed.Seconds()); avg < m.limits.minAvgSpeed {
					return terr(dtr.TransferSpeedError, dtr.ErrorTransfer,
						"average transfer speed %d bytes/s below required %d bytes/s", avg, m.limits.minAvgSpeed)
				}
			}
		}
		m.report(delivery.CommNoError, dtr.StatusTransferring, nil)
	}
}

// copy moves the bytes and verifies size and checksum.
func (m *mover) copy(ctx context.Context) error {
	src, err := m.openSource(ctx)
	if err != nil {
		return err
	}
	defer src.Close()
	dst, commit, err := m.openDestination(ctx)
	if err != nil {
		return err
	}

	var sum hash.Hash
	w := io.Writer(dst)
	switch strings.ToLower(m.cstype) {
	case "md5":
		sum = md5.New()
	case "sha1":
		sum = sha1.New()
	case "adler32":
		sum = adler32.New()
	}
	if sum != nil {
		w = io.MultiWriter(dst, sum)
	}

	buf := make([]byte, 64*1024)
	for {
		if ctx.Err() != nil {
			dst.Close()
			return terr(dtr.InternalProcessError, dtr.ErrorTransfer, "transfer cancelled")
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				dst.Close()
				return terr(dtr.PermanentRemoteError, dtr.ErrorDestination, "writing destination: %s", werr)
			}
			atomic.AddInt64(&m.transferred, int64(n))
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			dst.Close()
			return terr(dtr.TemporaryRemoteError, dtr.ErrorSource, "reading source: %s", rerr)
		}
	}
	if err := dst.Close(); err != nil {
		return terr(dtr.PermanentRemoteError, dtr.ErrorDestination, "closing destination: %s", err)
	}
	if commit != nil {
		if err := commit(); err != nil {
			return err
		}
	}

	got := atomic.LoadInt64(&m.transferred)
	if m.size > 0 && got != m.size {
		return terr(dtr.PermanentRemoteError, dtr.ErrorTransfer,
			"transferred %d bytes but expected %d", got, m.size)
	}
	if sum != nil {
		m.calculated = fmt.Sprintf("%x", sum.Sum(nil))
		if m.csvalue != "" && !strings.EqualFold(m.calculated, m.csvalue) {
			return terr(dtr.PermanentRemoteError, dtr.ErrorTransfer,
				"checksum mismatch: calculated %s:%s but expected %s", m.cstype, m.calculated, m.csvalue)
		}
	}
	return nil
}

func (m *mover) openSource(ctx context.Context) (io.ReadCloser, error) {
	u, err := url.Parse(m.source)
	if err != nil {
		return nil, terr(dtr.PermanentRemoteError, dtr.ErrorSource, "bad source URL: %s", err)
	}
	switch u.Scheme {
	case "file", "":
		f, err := os.Open(u.Path)
		if err != nil {
			return nil, terr(dtr.LocalFileError, dtr.ErrorSource, "opening source: %s", err)
		}
		return f, nil
	case "http", "https":
		req, err := http.NewRequestWithContext(ctx, "GET", m.source, nil)
		if err != nil {
			return nil, terr(dtr.PermanentRemoteError, dtr.ErrorSource, "bad source request: %s", err)
		}
		if m.cred != nil && m.cred.Token != "" {
			req.Header.Set("Authorization", "Bearer "+m.cred.Token)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return nil, terr(dtr.TemporaryRemoteError, dtr.ErrorSource, "connecting to source: %s", err)
		}
		if resp.StatusCode >= 300 {
			resp.Body.Close()
			kind := dtr.TemporaryRemoteError
			if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusForbidden {
				kind = dtr.PermanentRemoteError
			}
			return nil, terr(kind, dtr.ErrorSource, "source returned %s", resp.Status)
		}
		if m.size == 0 && resp.ContentLength > 0 {
			m.size = resp.ContentLength
		}
		return resp.Body, nil
	}
	return nil, terr(dtr.PermanentRemoteError, dtr.ErrorSource, "unsupported source scheme %q", u.Scheme)
}

// openDestination returns a writer for the destination, plus an
// optional commit func run after a successful close.
func (m *mover) openDestination(ctx context.Context) (io.WriteCloser, func() error, error) {
	u, err := url.Parse(m.destination)
	if err != nil {
		return nil, nil, terr(dtr.PermanentRemoteError, dtr.ErrorDestination, "bad destination URL: %s", err)
	}
	switch u.Scheme {
	case "file", "":
		if err := os.MkdirAll(filepath.Dir(u.Path), 0777); err != nil {
			return nil, nil, terr(dtr.LocalFileError, dtr.ErrorDestination, "creating destination directory: %s", err)
		}
		f, err := os.OpenFile(u.Path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
		if err != nil {
			return nil, nil, terr(dtr.LocalFileError, dtr.ErrorDestination, "opening destination: %s", err)
		}
		return f, nil, nil
	case "http", "https":
		pr, pw := io.Pipe()
		req, err := http.NewRequestWithContext(ctx, "PUT", m.destination, pr)
		if err != nil {
			return nil, nil, terr(dtr.PermanentRemoteError, dtr.ErrorDestination, "bad destination request: %s", err)
		}
		if m.size > 0 {
			req.ContentLength = m.size
		}
		if m.cred != nil && m.cred.Token != "" {
			req.Header.Set("Authorization", "Bearer "+m.cred.Token)
		}
		result := make(chan error, 1)
		go func() {
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				pr.CloseWithError(err)
				result <- terr(dtr.TemporaryRemoteError, dtr.ErrorDestination, "uploading to destination: %s", err)
				return
			}
			resp.Body.Close()
			if resp.StatusCode >= 300 {
				pr.CloseWithError(fmt.Errorf("destination returned %s", resp.Status))
				result <- terr(dtr.PermanentRemoteError, dtr.ErrorDestination, "destination returned %s", resp.Status)
				return
			}
			result <- nil
		}()
		commit := func() error { return <-result }
		return pw, commit, nil
	}
	return nil, nil, terr(dtr.PermanentRemoteError, dtr.ErrorDestination, "unsupported destination scheme %q", u.Scheme)
}
