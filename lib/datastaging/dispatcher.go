// Copyright (C) The GridStage Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package datastaging wires the scheduler into a runnable service
// with a JSON management API.
package datastaging

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"sync"

	"git.gridstage.org/gridstage.git/lib/datastaging/dtr"
	"git.gridstage.org/gridstage.git/lib/datastaging/scheduler"
	"git.gridstage.org/gridstage.git/lib/service"
	"git.gridstage.org/gridstage.git/sdk/go/ctxlog"
	"git.gridstage.org/gridstage.git/sdk/go/gridstage"
	"git.gridstage.org/gridstage.git/sdk/go/httpserver"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// finishedBacklog is how many terminal transfers the API still
// reports after they leave the scheduler.
const finishedBacklog = 1000

// Dispatcher is the data-staging service: it accepts transfer
// requests over the management API, feeds them to the scheduler, and
// reports their progress and final outcome.
type Dispatcher struct {
	Config *gridstage.Config

	ctx      context.Context
	logger   logrus.FieldLogger
	registry *prometheus.Registry
	sched    *scheduler.Scheduler
	router   *httprouter.Router

	mtx      sync.Mutex
	finished map[string]gridstage.Transfer
	order    []string

	setupOnce sync.Once
	setupErr  error
}

// NewHandler returns the data-staging service handler. The scheduler
// is started on first use.
func NewHandler(ctx context.Context, cfg *gridstage.Config, reg *prometheus.Registry) service.Handler {
	return &Dispatcher{
		Config:   cfg,
		ctx:      ctx,
		logger:   ctxlog.FromContext(ctx),
		registry: reg,
		finished: map[string]gridstage.Transfer{},
	}
}

func (disp *Dispatcher) CheckHealth() error {
	disp.setupOnce.Do(disp.setup)
	return disp.setupErr
}

func (disp *Dispatcher) Done() <-chan struct{} { return nil }

func (disp *Dispatcher) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	disp.setupOnce.Do(disp.setup)
	if disp.setupErr != nil {
		httpserver.Error(w, disp.setupErr.Error(), http.StatusInternalServerError)
		return
	}
	disp.router.ServeHTTP(w, req)
}

func (disp *Dispatcher) setup() {
	disp.sched = scheduler.New(disp.ctx, disp.Config.Staging, disp.hostCredential(), disp.record, disp.registry)
	disp.sched.Start()

	router := httprouter.New()
	router.POST("/gridstage/v1/transfers", disp.auth(disp.submit))
	router.GET("/gridstage/v1/transfers", disp.auth(disp.list))
	router.GET("/gridstage/v1/transfers/:id", disp.auth(disp.get))
	router.POST("/gridstage/v1/transfers/:id/cancel", disp.auth(disp.cancelTransfer))
	router.POST("/gridstage/v1/jobs/:id/cancel", disp.auth(disp.cancelJob))
	if disp.registry != nil {
		metrics := promhttp.HandlerFor(disp.registry, promhttp.HandlerOpts{ErrorLog: disp.logger})
		router.Handler("GET", "/metrics", metrics)
	}
	disp.router = router
}

// hostCredential loads the host certificate used towards remote
// delivery services in place of per-transfer credentials.
func (disp *Dispatcher) hostCredential() *gridstage.Credential {
	cfg := disp.Config.Staging
	if cfg.HostCertificateFile == "" {
		return nil
	}
	cert, err := os.ReadFile(cfg.HostCertificateFile)
	if err != nil {
		disp.logger.WithError(err).Warn("cannot read host certificate, using per-transfer credentials")
		return nil
	}
	pem := cert
	if cfg.HostKeyFile != "" && cfg.HostKeyFile != cfg.HostCertificateFile {
		key, err := os.ReadFile(cfg.HostKeyFile)
		if err != nil {
			disp.logger.WithError(err).Warn("cannot read host key, using per-transfer credentials")
			return nil
		}
		pem = append(pem, key...)
	}
	return &gridstage.Credential{PEM: string(pem)}
}

// auth wraps a route with the management token check. An empty
// configured token leaves the API open, for test setups.
func (disp *Dispatcher) auth(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, p httprouter.Params) {
		if token := disp.Config.ManagementToken; token != "" {
			if req.Header.Get("Authorization") != "Bearer "+token {
				httpserver.Error(w, "management token required", http.StatusUnauthorized)
				return
			}
		}
		next(w, req, p)
	}
}

// record keeps a terminal DTR visible through the API after the
// scheduler forgets it.
func (disp *Dispatcher) record(d *dtr.DTR) {
	disp.mtx.Lock()
	defer disp.mtx.Unlock()
	disp.finished[d.ID()] = toTransfer(d)
	disp.order = append(disp.order, d.ID())
	for len(disp.order) > finishedBacklog {
		delete(disp.finished, disp.order[0])
		disp.order = disp.order[1:]
	}
}

func toTransfer(d *dtr.DTR) gridstage.Transfer {
	tr := gridstage.Transfer{
		ID:               d.ID(),
		Source:           d.Source().URL().String(),
		Destination:      d.Destination().URL().String(),
		State:            d.Status().String(),
		TransferShare:    d.TransferShare(),
		Priority:         d.Priority(),
		BytesTransferred: d.BytesTransferred(),
		Size:             d.Size(),
		CreatedAt:        d.CreatedAt(),
	}
	if d.Failed() {
		tr.Error = d.ErrorStatus().Error()
	}
	if !d.DeliveryLocal() {
		svc := d.DeliveryService()
		tr.DeliveryService = svc.String()
	}
	return tr
}

func (disp *Dispatcher) submit(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	var treq gridstage.TransferRequest
	if err := json.NewDecoder(req.Body).Decode(&treq); err != nil {
		httpserver.Error(w, "decoding request: "+err.Error(), http.StatusBadRequest)
		return
	}
	d, err := dtr.New(treq.Source, treq.Destination, &treq.Credential, dtr.Options{
		JobID:       treq.JobID,
		JobPriority: treq.Priority,
		SubShare:    treq.SubShare,
		Tries:       disp.Config.Staging.Tries,
		Logger:      disp.logger,
	})
	if err != nil {
		httpserver.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := disp.sched.Submit(d); err != nil {
		httpserver.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(toTransfer(d))
}

func (disp *Dispatcher) list(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	var list gridstage.TransferList
	for _, d := range disp.sched.All() {
		list.Items = append(list.Items, toTransfer(d))
	}
	disp.mtx.Lock()
	for _, id := range disp.order {
		list.Items = append(list.Items, disp.finished[id])
	}
	disp.mtx.Unlock()
	json.NewEncoder(w).Encode(list)
}

func (disp *Dispatcher) get(w http.ResponseWriter, req *http.Request, p httprouter.Params) {
	id := p.ByName("id")
	if d := disp.sched.Get(id); d != nil {
		json.NewEncoder(w).Encode(toTransfer(d))
		return
	}
	disp.mtx.Lock()
	tr, ok := disp.finished[id]
	disp.mtx.Unlock()
	if !ok {
		httpserver.Error(w, "no such transfer", http.StatusNotFound)
		return
	}
	json.NewEncoder(w).Encode(tr)
}

func (disp *Dispatcher) cancelTransfer(w http.ResponseWriter, req *http.Request, p httprouter.Params) {
	id := p.ByName("id")
	if !disp.sched.Cancel(id) {
		disp.mtx.Lock()
		_, done := disp.finished[id]
		disp.mtx.Unlock()
		if !done {
			httpserver.Error(w, "no such transfer", http.StatusNotFound)
			return
		}
	}
	w.WriteHeader(http.StatusAccepted)
}

func (disp *Dispatcher) cancelJob(w http.ResponseWriter, req *http.Request, p httprouter.Params) {
	disp.sched.CancelJob(p.ByName("id"))
	w.WriteHeader(http.StatusAccepted)
}
