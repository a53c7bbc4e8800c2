// Copyright (C) The GridStage Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"context"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"git.gridstage.org/gridstage.git/lib/datastaging/dtr"
	"git.gridstage.org/gridstage.git/sdk/go/ctxlog"
	"git.gridstage.org/gridstage.git/sdk/go/gridstage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// How often a delivery service is pinged at most.
const serviceProbeInterval = 5 * time.Minute

const pollInterval = 500 * time.Millisecond

type transfer struct {
	d       *dtr.DTR
	comm    Comm
	started time.Time
}

type serviceInfo struct {
	allowedDirs []string
	lastChecked time.Time
	usable      bool
}

// Delivery runs TRANSFER-state DTRs, locally or on remote delivery
// services, and returns them to the scheduler as TRANSFERRED.
type Delivery struct {
	cfg      gridstage.StagingConfig
	logger   logrus.FieldLogger
	returnc  chan<- *dtr.DTR
	hostCred *gridstage.Credential

	ctx    context.Context
	cancel context.CancelFunc

	mtx      sync.Mutex
	active   map[string]*transfer
	services map[string]*serviceInfo

	mActive prometheus.Gauge

	runOnce  sync.Once
	stopOnce sync.Once
	stopped  chan struct{}
}

// New returns a Delivery manager sending finished DTRs to returnc.
func New(ctx context.Context, cfg gridstage.StagingConfig, hostCred *gridstage.Credential, returnc chan<- *dtr.DTR, reg *prometheus.Registry) *Delivery {
	ctx, cancel := context.WithCancel(ctx)
	dl := &Delivery{
		cfg:      cfg,
		logger:   ctxlog.FromContext(ctx),
		returnc:  returnc,
		hostCred: hostCred,
		ctx:      ctx,
		cancel:   cancel,
		active:   map[string]*transfer{},
		services: map[string]*serviceInfo{},
		stopped:  make(chan struct{}),
		mActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gridstage",
			Subsystem: "delivery",
			Name:      "transfers_running",
			Help:      "Number of transfers currently running.",
		}),
	}
	for _, svc := range cfg.DeliveryServices {
		dl.services[svc.URL] = &serviceInfo{}
	}
	if reg != nil {
		reg.MustRegister(dl.mActive)
	}
	return dl
}

// Start launches the status polling loop.
func (dl *Delivery) Start() {
	dl.runOnce.Do(func() {
		go dl.run()
	})
}

// Stop cancels running transfers and stops the polling loop.
func (dl *Delivery) Stop() {
	dl.stopOnce.Do(func() {
		dl.mtx.Lock()
		for _, tr := range dl.active {
			tr.comm.Close()
		}
		dl.mtx.Unlock()
		dl.cancel()
	})
	<-dl.stopped
}

// ActiveTransfers returns the number of transfers currently running.
func (dl *Delivery) ActiveTransfers() int {
	dl.mtx.Lock()
	defer dl.mtx.Unlock()
	return len(dl.active)
}

// ReceiveDTR starts the transfer for a TRANSFER-state DTR. Errors
// starting it are reported through the DTR's error status; the DTR
// always comes back to the scheduler, immediately on failure or as
// TRANSFERRED when the transfer ends.
func (dl *Delivery) ReceiveDTR(d *dtr.DTR) {
	if d.Status() != dtr.StatusTransfer {
		d.SetError(dtr.InternalLogicError, dtr.ErrorUnknown, "DTR sent to delivery in state "+d.Status().String())
		dl.returnc <- d
		return
	}
	d.SetStatus(dtr.StatusTransferring)
	var comm Comm
	var err error
	if d.DeliveryLocal() {
		comm, err = startLocal(d, dl.cfg, d.Logger())
	} else {
		comm, err = startRemote(d, dl.cfg, d.DeliveryService(), dl.hostCred, d.Logger())
	}
	if err != nil {
		if !d.DeliveryLocal() {
			// Remember the broken service and let the
			// scheduler try another one.
			d.AddProblematicService(d.DeliveryService())
			dl.markUnusable(d.DeliveryService())
		}
		d.SetError(dtr.TemporaryRemoteError, dtr.ErrorTransfer, "starting transfer: "+err.Error())
		d.SetStatus(dtr.StatusTransferred)
		dl.returnc <- d
		return
	}
	dl.mtx.Lock()
	dl.active[d.ID()] = &transfer{d: d, comm: comm, started: time.Now()}
	dl.mActive.Set(float64(len(dl.active)))
	dl.mtx.Unlock()
}

// Cancel aborts a running transfer. The DTR comes back to the
// scheduler once the transfer process has stopped.
func (dl *Delivery) Cancel(d *dtr.DTR) {
	dl.mtx.Lock()
	tr := dl.active[d.ID()]
	dl.mtx.Unlock()
	if tr == nil {
		// Not running here (not started yet, or already
		// finished); nothing to abort.
		return
	}
	tr.d.SetStatus(dtr.StatusTransferringCancel)
	if err := tr.comm.Cancel(); err != nil {
		tr.d.Logger().WithError(err).Warn("cancelling transfer failed")
	}
}

// run polls all running transfers, copying progress into the DTRs
// and finalizing transfers whose comm has ended.
func (dl *Delivery) run() {
	defer close(dl.stopped)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-dl.ctx.Done():
			return
		case <-ticker.C:
		}
		dl.mtx.Lock()
		var finished []*transfer
		for id, tr := range dl.active {
			if rec := tr.comm.PullStatus(); rec != nil {
				rec.Apply(tr.d)
			}
			switch tr.comm.CommStatus() {
			case CommClosed, CommExited, CommFailed:
				finished = append(finished, tr)
				delete(dl.active, id)
			}
		}
		dl.mActive.Set(float64(len(dl.active)))
		dl.mtx.Unlock()
		for _, tr := range finished {
			dl.finalize(tr)
		}
	}
}

// finalize interprets how the comm ended and hands the DTR back.
func (dl *Delivery) finalize(tr *transfer) {
	d := tr.d
	// The final record can land between the poll's PullStatus and
	// CommStatus calls, so pull once more before interpreting how
	// the comm ended.
	if rec := tr.comm.PullStatus(); rec != nil {
		rec.Apply(d)
	}
	switch tr.comm.CommStatus() {
	case CommClosed:
		// Error status, if any, already applied from the final
		// record.
	case CommExited:
		d.SetError(dtr.TemporaryRemoteError, dtr.ErrorTransfer, "transfer process exited without final report")
	case CommFailed:
		d.SetError(dtr.TemporaryRemoteError, dtr.ErrorTransfer, "transfer process failed")
	}
	tr.comm.Close()
	if d.Failed() && !d.DeliveryLocal() {
		d.AddProblematicService(d.DeliveryService())
	}
	d.Logger().WithFields(logrus.Fields{
		"Transferred": d.BytesTransferred(),
		"Duration":    time.Since(tr.started),
	}).Info("transfer finished")
	d.SetStatus(dtr.StatusTransferred)
	dl.returnc <- d
}

func (dl *Delivery) markUnusable(svc url.URL) {
	dl.mtx.Lock()
	defer dl.mtx.Unlock()
	if info := dl.services[svc.String()]; info != nil {
		info.usable = false
		info.lastChecked = time.Now()
	}
}

// ChooseService picks the delivery service for a DTR: a random
// usable remote service whose allowed directories cover the local
// side of the transfer, or local delivery. Services that already
// failed this DTR are avoided; small transfers always stay local.
func (dl *Delivery) ChooseService(d *dtr.DTR) url.URL {
	if len(dl.services) == 0 {
		return dtr.LocalDelivery
	}
	if limit := dl.cfg.RemoteSizeLimit; limit > 0 && d.Size() > 0 && d.Size() < limit {
		return dtr.LocalDelivery
	}
	localPath := ""
	if d.Source().Local() {
		localPath = d.Source().URL().Path
	} else if d.Destination().Local() {
		localPath = d.Destination().URL().Path
	}
	dl.probeServices()
	tried := map[string]bool{}
	for _, svc := range d.ProblematicServices() {
		tried[svc.String()] = true
	}
	dl.mtx.Lock()
	var candidates []url.URL
	for raw, info := range dl.services {
		if !info.usable || tried[raw] {
			continue
		}
		if localPath != "" && !dirAllowed(info.allowedDirs, localPath) {
			continue
		}
		if u, err := url.Parse(raw); err == nil {
			candidates = append(candidates, *u)
		}
	}
	dl.mtx.Unlock()
	if len(candidates) == 0 {
		return dtr.LocalDelivery
	}
	return candidates[rand.Intn(len(candidates))]
}

// probeServices pings configured services whose last probe is stale.
func (dl *Delivery) probeServices() {
	dl.mtx.Lock()
	var stale []string
	for raw, info := range dl.services {
		if time.Since(info.lastChecked) >= serviceProbeInterval {
			info.lastChecked = time.Now()
			stale = append(stale, raw)
		}
	}
	dl.mtx.Unlock()
	for _, raw := range stale {
		u, err := url.Parse(raw)
		if err != nil {
			continue
		}
		ctx, cancel := context.WithTimeout(dl.ctx, 30*time.Second)
		dirs, err := Ping(ctx, *u)
		cancel()
		dl.mtx.Lock()
		info := dl.services[raw]
		if err != nil {
			dl.logger.WithField("DeliveryService", raw).WithError(err).Warn("delivery service unusable")
			info.usable = false
		} else {
			info.usable = true
			info.allowedDirs = dirs
		}
		dl.mtx.Unlock()
	}
}

func dirAllowed(dirs []string, path string) bool {
	for _, dir := range dirs {
		if strings.HasPrefix(path, strings.TrimSuffix(dir, "/")+"/") {
			return true
		}
	}
	return false
}
