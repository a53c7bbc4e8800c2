// Copyright (C) The GridStage Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package scheduler is the authoritative owner of all DTRs. A single
// control loop routes each DTR through its state machine, delegating
// blocking work to the processor and delivery components and getting
// the DTR back over a shared return channel. The loop itself never
// blocks on external calls.
package scheduler

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"git.gridstage.org/gridstage.git/lib/datastaging/cache"
	"git.gridstage.org/gridstage.git/lib/datastaging/delivery"
	"git.gridstage.org/gridstage.git/lib/datastaging/dtr"
	"git.gridstage.org/gridstage.git/lib/datastaging/processor"
	"git.gridstage.org/gridstage.git/lib/datastaging/shares"
	"git.gridstage.org/gridstage.git/sdk/go/ctxlog"
	"git.gridstage.org/gridstage.git/sdk/go/gridstage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	cycleInterval = 100 * time.Millisecond
	dumpInterval  = time.Second
)

// taskRunner is the processor as the scheduler sees it.
type taskRunner interface {
	Start()
	Stop()
	ReceiveDTR(*dtr.DTR)
}

// deliverer is the delivery manager as the scheduler sees it.
type deliverer interface {
	Start()
	Stop()
	ReceiveDTR(*dtr.DTR)
	Cancel(*dtr.DTR)
	ChooseService(*dtr.DTR) url.URL
}

// entry is the scheduler's bookkeeping for one DTR. dispatched marks
// the DTR as owned by a worker; a dispatched DTR is never dispatched
// again until it comes back over the return channel.
type entry struct {
	d          *dtr.DTR
	dispatched bool

	lastStatus dtr.Status
	lastChange time.Time

	// Cleanup owed before the DTR may finish.
	staged        bool // a stage request was issued
	preRegistered bool // a replica was pre-registered in the index

	completed  bool // the transfer itself finished without error
	boosted    bool
	cancelSent bool // delivery.Cancel already called
	tries0     int  // attempts configured at submission
}

// Scheduler routes DTRs from submission to a terminal state.
type Scheduler struct {
	cfg      gridstage.StagingConfig
	logger   logrus.FieldLogger
	conf     shares.Conf
	finished func(*dtr.DTR)

	ctx    context.Context
	cancel context.CancelFunc

	fileCache *cache.Cache
	proc      taskRunner
	deliv     deliverer
	returnc   chan *dtr.DTR

	mtx        sync.Mutex
	entries    map[string]*entry
	cancelJobs map[string]bool

	master   *shares.Shares // all DTRs in the system, per share
	lastDump time.Time

	mDTRs     *prometheus.GaugeVec
	mShares   *prometheus.GaugeVec
	mFinished *prometheus.CounterVec

	runOnce  sync.Once
	stopOnce sync.Once
	stopped  chan struct{}
}

// New builds a scheduler plus its processor and delivery components.
// finished is called, from the scheduler's loop, with every DTR that
// reaches DONE, ERROR, CANCELLED or CANCELLED_FINISHED; it must not
// block.
func New(ctx context.Context, cfg gridstage.StagingConfig, hostCred *gridstage.Credential, finished func(*dtr.DTR), reg *prometheus.Registry) *Scheduler {
	ctx, cancel := context.WithCancel(ctx)
	logger := ctxlog.FromContext(ctx)
	var fileCache *cache.Cache
	if len(cfg.CacheDirs) > 0 {
		fileCache = cache.New(cfg.CacheDirs, logger)
	}
	returnc := make(chan *dtr.DTR, 1000)
	conf := shares.NewConf(cfg.Shares)
	sch := &Scheduler{
		cfg:        cfg,
		logger:     logger,
		conf:       conf,
		finished:   finished,
		ctx:        ctx,
		cancel:     cancel,
		fileCache:  fileCache,
		proc:       processor.New(ctx, cfg, fileCache, returnc, reg),
		deliv:      delivery.New(ctx, cfg, hostCred, returnc, reg),
		returnc:    returnc,
		entries:    map[string]*entry{},
		cancelJobs: map[string]bool{},
		master:     shares.New(conf),
		stopped:    make(chan struct{}),
		mDTRs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gridstage",
			Subsystem: "scheduler",
			Name:      "dtrs",
			Help:      "Number of DTRs per state.",
		}, []string{"state"}),
		mShares: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gridstage",
			Subsystem: "scheduler",
			Name:      "share_dtrs",
			Help:      "Number of DTRs in the system per transfer share.",
		}, []string{"share"}),
		mFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gridstage",
			Subsystem: "scheduler",
			Name:      "dtrs_finished_total",
			Help:      "Number of DTRs finished, by outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(sch.mDTRs, sch.mShares, sch.mFinished)
	}
	return sch
}

// Start launches the processor, delivery and scheduler loops.
func (sch *Scheduler) Start() {
	sch.runOnce.Do(func() {
		sch.proc.Start()
		sch.deliv.Start()
		go sch.run()
	})
}

// Stop shuts everything down. In-flight DTRs are abandoned; callers
// wanting clean terminal states should cancel and drain first.
func (sch *Scheduler) Stop() {
	sch.stopOnce.Do(func() {
		sch.cancel()
		<-sch.stopped
		sch.deliv.Stop()
		sch.proc.Stop()
	})
}

// Submit accepts a NEW DTR. The share and priority are assigned here
// so they are fixed for the DTR's whole life.
func (sch *Scheduler) Submit(d *dtr.DTR) error {
	if d.Status() != dtr.StatusNew {
		return fmt.Errorf("cannot submit DTR in state %s", d.Status())
	}
	share := sch.conf.ShareName(d.Credential())
	d.SetTransferShare(share)
	d.CalculatePriority(sch.conf.Priority(d.TransferShare()))
	now := time.Now()
	sch.mtx.Lock()
	defer sch.mtx.Unlock()
	if _, dup := sch.entries[d.ID()]; dup {
		return fmt.Errorf("DTR %s already submitted", d.ID())
	}
	sch.entries[d.ID()] = &entry{
		d:          d,
		lastStatus: dtr.StatusNew,
		lastChange: now,
		tries0:     d.TriesLeft(),
	}
	sch.master.Increase(d.TransferShare())
	d.Logger().WithFields(logrus.Fields{
		"Share":    d.TransferShare(),
		"Priority": d.Priority(),
	}).Info("DTR accepted")
	return nil
}

// CancelJob marks every DTR of a job for cancellation. Unknown job
// IDs are a no-op, which also makes repeated cancels harmless.
func (sch *Scheduler) CancelJob(jobID string) {
	sch.mtx.Lock()
	defer sch.mtx.Unlock()
	sch.cancelJobs[jobID] = true
}

// Cancel marks a single DTR for cancellation.
func (sch *Scheduler) Cancel(id string) bool {
	sch.mtx.Lock()
	e := sch.entries[id]
	sch.mtx.Unlock()
	if e == nil {
		return false
	}
	return e.d.RequestCancel()
}

// Get returns one active DTR by ID.
func (sch *Scheduler) Get(id string) *dtr.DTR {
	sch.mtx.Lock()
	defer sch.mtx.Unlock()
	if e := sch.entries[id]; e != nil {
		return e.d
	}
	return nil
}

// All returns the active DTRs, newest last.
func (sch *Scheduler) All() []*dtr.DTR {
	sch.mtx.Lock()
	defer sch.mtx.Unlock()
	all := make([]*dtr.DTR, 0, len(sch.entries))
	for _, e := range sch.entries {
		all = append(all, e.d)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt().Before(all[j].CreatedAt()) })
	return all
}

func (sch *Scheduler) run() {
	defer close(sch.stopped)
	ticker := time.NewTicker(cycleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sch.ctx.Done():
			return
		case d := <-sch.returnc:
			sch.receive(d)
		case <-ticker.C:
			sch.cycle()
		}
	}
}

// receive takes back ownership of a DTR a worker has finished with.
func (sch *Scheduler) receive(d *dtr.DTR) {
	sch.mtx.Lock()
	defer sch.mtx.Unlock()
	if e := sch.entries[d.ID()]; e != nil {
		e.dispatched = false
	}
}

// cycle is one pass of the control loop.
func (sch *Scheduler) cycle() {
	sch.drainReturns()
	sch.sweepCancelled()
	sch.mapStates()
	sch.recoverStuck()
	sch.reviseQueues()
	sch.updateMetrics()
	sch.maybeDump()
}

func (sch *Scheduler) drainReturns() {
	for {
		select {
		case d := <-sch.returnc:
			sch.receive(d)
		default:
			return
		}
	}
}

// sweepCancelled propagates job cancellations to their DTRs.
func (sch *Scheduler) sweepCancelled() {
	sch.mtx.Lock()
	jobs := sch.cancelJobs
	sch.cancelJobs = map[string]bool{}
	var targets []*entry
	if len(jobs) > 0 {
		for _, e := range sch.entries {
			if jobs[e.d.JobID()] {
				targets = append(targets, e)
			}
		}
	}
	sch.mtx.Unlock()
	for _, e := range targets {
		e.d.RequestCancel()
	}
}

// snapshot returns the current entries without holding the lock
// while they are processed.
func (sch *Scheduler) snapshot() []*entry {
	sch.mtx.Lock()
	defer sch.mtx.Unlock()
	all := make([]*entry, 0, len(sch.entries))
	for _, e := range sch.entries {
		all = append(all, e)
	}
	return all
}

// mapStates runs the state-mapping function on every DTR the
// scheduler currently owns. Pure bookkeeping transitions chain
// within one cycle so a DTR doesn't pay a cycle of latency per hop.
func (sch *Scheduler) mapStates() {
	now := time.Now()
	for _, e := range sch.snapshot() {
		if e.dispatched {
			continue
		}
		for mappedState(e.d.Status()) && !e.d.ProcessTime().After(now) {
			before := e.d.Status()
			sch.mapState(e)
			if e.d.Status() == before {
				break
			}
		}
		if s := e.d.Status(); s.Final() {
			sch.finalize(e)
		} else if s != e.lastStatus {
			e.lastStatus = s
			e.lastChange = now
		}
	}
}

// finalize hands a terminal DTR back to the generator and forgets it.
func (sch *Scheduler) finalize(e *entry) {
	d := e.d
	sch.mtx.Lock()
	delete(sch.entries, d.ID())
	sch.mtx.Unlock()
	sch.master.Decrease(d.TransferShare())
	outcome := "done"
	switch d.Status() {
	case dtr.StatusError:
		outcome = "error"
	case dtr.StatusCancelled, dtr.StatusCancelledFinished:
		outcome = "cancelled"
	}
	sch.mFinished.WithLabelValues(outcome).Inc()
	logger := d.Logger().WithField("Status", d.Status().String())
	if d.Failed() {
		logger = logger.WithField("Error", d.ErrorStatus().Error())
	}
	logger.Info("DTR finished")
	if sch.finished != nil {
		sch.finished(d)
	}
}

// recoverStuck deals with DTRs whose worker seems to have lost them.
// A pre/post-processing task past the processor wait time is treated
// as failed and force-advanced; its pool slot is considered lost. A
// transfer past the transfer wait time is cancelled through delivery
// (which kills the subprocess) and comes back the normal way.
func (sch *Scheduler) recoverStuck() {
	now := time.Now()
	for _, e := range sch.snapshot() {
		s := e.d.Status()
		if s != e.lastStatus {
			e.lastStatus = s
			e.lastChange = now
			continue
		}
		switch s.Owner() {
		case dtr.OwnerPreProcessor, dtr.OwnerPostProcessor:
			if now.Sub(e.lastChange) > sch.cfg.ProcessorWaitTime.Duration() {
				e.d.SetError(dtr.InternalProcessError, dtr.ErrorUnknown,
					"processor task stuck in "+s.String())
				e.d.SetStatus(stuckAdvance(s))
				e.dispatched = false
				e.lastChange = now
			}
		case dtr.OwnerDelivery:
			if !e.cancelSent && now.Sub(e.lastChange) > sch.cfg.TransferWaitTime.Duration() {
				e.d.Logger().Warn("transfer taking too long, cancelling it")
				e.cancelSent = true
				sch.deliv.Cancel(e.d)
			}
		}
	}
}

// queueSpec describes one worker queue for queue revision.
type queueSpec struct {
	queued  []dtr.Status
	running []dtr.Status
	slots   int
	deliver bool
}

func inStates(s dtr.Status, states []dtr.Status) bool {
	for _, q := range states {
		if s == q {
			return true
		}
	}
	return false
}

// reviseQueues partitions queued DTRs per worker queue and admits as
// many as share budgets and pool slots allow.
func (sch *Scheduler) reviseQueues() {
	all := sch.snapshot()
	sch.reviseQueue(all, queueSpec{
		queued:  []dtr.Status{dtr.StatusCheckCache, dtr.StatusResolve, dtr.StatusQueryReplica, dtr.StatusPreClean, dtr.StatusStagePrepare},
		running: []dtr.Status{dtr.StatusCheckingCache, dtr.StatusResolving, dtr.StatusQueryingReplica, dtr.StatusPreCleaning, dtr.StatusStagingPreparing},
		slots:   sch.cfg.PreProcessorSlots,
	})
	sch.reviseQueue(all, queueSpec{
		queued:  []dtr.Status{dtr.StatusReleaseRequest, dtr.StatusRegisterReplica, dtr.StatusProcessCache},
		running: []dtr.Status{dtr.StatusReleasingRequest, dtr.StatusRegisteringReplica, dtr.StatusProcessingCache},
		slots:   sch.cfg.PostProcessorSlots,
	})
	sch.reviseQueue(all, queueSpec{
		queued:  []dtr.Status{dtr.StatusTransfer},
		running: []dtr.Status{dtr.StatusTransferring, dtr.StatusTransferringCancel},
		slots:   sch.cfg.DeliverySlots,
		deliver: true,
	})
}

func (sch *Scheduler) reviseQueue(all []*entry, q queueSpec) {
	now := time.Now()
	running := map[string]int{}
	totalRunning := 0
	var queued []*entry
	for _, e := range all {
		s := e.d.Status()
		switch {
		case inStates(s, q.running):
			running[e.d.TransferShare()]++
			totalRunning++
		case inStates(s, q.queued) && !e.dispatched:
			if e.d.CancelRequested() {
				// Route straight to cleanup instead of
				// starting work that will be thrown away.
				sch.routeCancelled(e)
				continue
			}
			if e.d.ProcessTime().After(now) {
				continue
			}
			queued = append(queued, e)
		}
	}
	if len(queued) == 0 {
		return
	}

	tsh := shares.New(sch.conf)
	for _, e := range queued {
		tsh.Increase(e.d.TransferShare())
	}
	tsh.CalculateShares(q.slots)
	for share, n := range running {
		for i := 0; i < n; i++ {
			tsh.DecreaseNumberOfSlots(share)
		}
	}
	sort.SliceStable(queued, func(i, j int) bool {
		return queued[i].d.Priority() > queued[j].d.Priority()
	})

	capacity := q.slots - totalRunning
	emergency := sch.cfg.EmergencySlots
	started := map[string]int{}
	var admitted []*entry
	for _, e := range queued {
		share := e.d.TransferShare()
		switch {
		case capacity > 0 && tsh.CanStart(share):
			capacity--
		case emergency > 0 && running[share] == 0 && started[share] == 0:
			// All slots taken by other shares: one emergency
			// slot keeps a newly active share from starving.
			emergency--
		default:
			sch.maybeBoost(e, now)
			continue
		}
		if e.d.Status() == dtr.StatusStagePrepare && sch.stagedCount(all) >= sch.cfg.StagedPreparedSlots {
			// Too many files pinned online already.
			sch.maybeBoost(e, now)
			continue
		}
		tsh.DecreaseNumberOfSlots(share)
		started[share]++
		admitted = append(admitted, e)
	}
	sch.dispatch(admitted, q.deliver)
}

// stagedCount counts DTRs holding (or about to hold) a staged file
// online.
func (sch *Scheduler) stagedCount(all []*entry) int {
	n := 0
	for _, e := range all {
		switch e.d.Status() {
		case dtr.StatusStagingPreparing, dtr.StatusStagingPreparingWait, dtr.StatusStagedPrepared,
			dtr.StatusTransfer, dtr.StatusTransferring, dtr.StatusTransferringCancel, dtr.StatusTransferred:
			n++
		}
	}
	return n
}

// maybeBoost raises the priority of a DTR passed over for so long
// that its staged copy risks expiring before it gets a slot.
func (sch *Scheduler) maybeBoost(e *entry, now time.Time) {
	if e.boosted || !e.staged {
		return
	}
	if now.Sub(e.lastChange) > sch.cfg.StagingTimeout.Duration()/2 {
		e.d.Logger().Info("boosting priority of long-queued staged transfer")
		e.d.Boost()
		e.boosted = true
	}
}

// dispatch hands admitted DTRs to their worker. Consecutive RESOLVE
// DTRs of the same job against an index source go out as one bulk
// batch so the catalog is asked once.
func (sch *Scheduler) dispatch(admitted []*entry, deliver bool) {
	if deliver {
		for _, e := range admitted {
			e.d.SetDeliveryService(sch.deliv.ChooseService(e.d))
			e.dispatched = true
			e.lastChange = time.Now()
			sch.deliv.ReceiveDTR(e.d)
		}
		return
	}
	var batch []*entry
	flush := func() {
		// Flags are rewritten on every dispatch so a stale
		// marker from an earlier failed batch cannot park the
		// DTR in the processor's bulk buffer.
		for i, e := range batch {
			e.d.SetBulkStart(len(batch) > 1 && i == 0)
			e.d.SetBulkEnd(len(batch) > 1 && i == len(batch)-1)
			e.dispatched = true
			e.lastChange = time.Now()
			sch.proc.ReceiveDTR(e.d)
		}
		batch = nil
	}
	for _, e := range admitted {
		if e.d.Status() != dtr.StatusResolve || !e.d.Source().IsIndex() {
			flush()
			e.d.SetBulkStart(false)
			e.d.SetBulkEnd(false)
			e.dispatched = true
			e.lastChange = time.Now()
			sch.proc.ReceiveDTR(e.d)
			continue
		}
		if len(batch) > 0 && batch[0].d.JobID() != e.d.JobID() {
			flush()
		}
		batch = append(batch, e)
	}
	flush()
}

func (sch *Scheduler) updateMetrics() {
	counts := map[dtr.Status]int{}
	for _, e := range sch.snapshot() {
		counts[e.d.Status()]++
	}
	sch.mDTRs.Reset()
	for s, n := range counts {
		sch.mDTRs.WithLabelValues(s.String()).Set(float64(n))
	}
	sch.mShares.Reset()
	for share, n := range sch.master.Counts() {
		sch.mShares.WithLabelValues(share).Set(float64(n))
	}
}
