// Copyright (C) The GridStage Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"math/rand"
	"net/http"
	"time"

	"git.gridstage.org/gridstage.git/sdk/go/ctxlog"
	"github.com/sirupsen/logrus"
)

const HeaderRequestID = "X-Request-Id"

// LogRequests wraps an http.Handler, logging each request and
// response with a request ID attached to the request context.
func LogRequests(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		reqid := req.Header.Get(HeaderRequestID)
		if reqid == "" {
			reqid = newRequestID()
		}
		w.Header().Set(HeaderRequestID, reqid)

		lgr := ctxlog.FromContext(req.Context()).WithFields(logrus.Fields{
			"RequestID":       reqid,
			"remoteAddr":      req.RemoteAddr,
			"reqMethod":       req.Method,
			"reqPath":         req.URL.Path[1:],
			"reqBytes":        req.ContentLength,
			"reqForwardedFor": req.Header.Get("X-Forwarded-For"),
		})
		ctx := ctxlog.Context(req.Context(), lgr)
		req = req.WithContext(ctx)

		lgr.Info("request")
		t0 := time.Now()
		ww := &statusWriter{ResponseWriter: w}
		h.ServeHTTP(ww, req)
		status := ww.status
		if status == 0 {
			status = http.StatusOK
		}
		lgr.WithFields(logrus.Fields{
			"respStatus": status,
			"respBytes":  ww.bytes,
			"timeTotal":  time.Since(t0).Seconds(),
		}).Info("response")
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	n, err := w.ResponseWriter.Write(p)
	w.bytes += int64(n)
	return n, err
}

const reqidChars = "0123456789abcdefghijklmnopqrstuv"

func newRequestID() string {
	id := make([]byte, 0, 24)
	id = append(id, "req-"...)
	for len(id) < cap(id) {
		id = append(id, reqidChars[rand.Intn(len(reqidChars))])
	}
	return string(id)
}
