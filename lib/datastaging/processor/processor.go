// Copyright (C) The GridStage Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package processor runs the quick, non-transfer tasks around a
// transfer: cache checks, replica resolution, metadata queries,
// destination cleanup, staging requests, request release, replica
// registration and cache finalization. Tasks run on two bounded
// worker pools, one for pre-transfer and one for post-transfer
// states, and every DTR goes back to the scheduler when its task
// ends.
package processor

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"git.gridstage.org/gridstage.git/lib/datastaging/cache"
	"git.gridstage.org/gridstage.git/lib/datastaging/dtr"
	"git.gridstage.org/gridstage.git/sdk/go/ctxlog"
	"git.gridstage.org/gridstage.git/sdk/go/gridstage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const queueDepth = 1000

type Processor struct {
	cfg     gridstage.StagingConfig
	cache   *cache.Cache
	logger  logrus.FieldLogger
	returnc chan<- *dtr.DTR

	prec  chan *dtr.DTR
	postc chan *dtr.DTR
	bulkc chan []*dtr.DTR

	// consecutive bulk-flagged DTRs are collected here until the
	// end of the batch arrives
	bulkMtx sync.Mutex
	bulk    []*dtr.DTR

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	mTasks   *prometheus.CounterVec
	runOnce  sync.Once
	stopOnce sync.Once
}

// New returns a Processor that sends finished DTRs to returnc.
func New(ctx context.Context, cfg gridstage.StagingConfig, fileCache *cache.Cache, returnc chan<- *dtr.DTR, reg *prometheus.Registry) *Processor {
	ctx, cancel := context.WithCancel(ctx)
	p := &Processor{
		cfg:     cfg,
		cache:   fileCache,
		logger:  ctxlog.FromContext(ctx),
		returnc: returnc,
		prec:    make(chan *dtr.DTR, queueDepth),
		postc:   make(chan *dtr.DTR, queueDepth),
		bulkc:   make(chan []*dtr.DTR, queueDepth),
		ctx:     ctx,
		cancel:  cancel,
		mTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gridstage",
			Subsystem: "processor",
			Name:      "tasks_total",
			Help:      "Number of processor tasks run, by task type.",
		}, []string{"task"}),
	}
	if reg != nil {
		reg.MustRegister(p.mTasks)
	}
	return p
}

// Start launches the worker pools.
func (p *Processor) Start() {
	p.runOnce.Do(func() {
		for i := 0; i < p.cfg.PreProcessorSlots; i++ {
			p.wg.Add(1)
			go p.worker(p.prec, p.bulkc)
		}
		for i := 0; i < p.cfg.PostProcessorSlots; i++ {
			p.wg.Add(1)
			go p.worker(p.postc, nil)
		}
	})
}

// Stop interrupts running tasks and waits for the workers to exit.
func (p *Processor) Stop() {
	p.stopOnce.Do(func() {
		p.cancel()
		close(p.prec)
		close(p.postc)
	})
	p.wg.Wait()
}

// ReceiveDTR queues a DTR for the task its current state calls for.
// Consecutive bulk-flagged DTRs are held back and run as one batch.
func (p *Processor) ReceiveDTR(d *dtr.DTR) {
	switch d.Status() {
	case dtr.StatusCheckCache, dtr.StatusPreClean, dtr.StatusStagePrepare:
		p.prec <- d
	case dtr.StatusResolve, dtr.StatusQueryReplica:
		if d.BulkStart() || p.inBulk() {
			p.addToBulk(d)
			return
		}
		p.prec <- d
	case dtr.StatusReleaseRequest, dtr.StatusRegisterReplica, dtr.StatusProcessCache:
		p.postc <- d
	default:
		d.SetError(dtr.InternalLogicError, dtr.ErrorUnknown, "DTR sent to processor in unprocessable state "+d.Status().String())
		p.returnc <- d
	}
}

func (p *Processor) inBulk() bool {
	p.bulkMtx.Lock()
	defer p.bulkMtx.Unlock()
	return len(p.bulk) > 0
}

func (p *Processor) addToBulk(d *dtr.DTR) {
	p.bulkMtx.Lock()
	p.bulk = append(p.bulk, d)
	var batch []*dtr.DTR
	if d.BulkEnd() {
		batch = p.bulk
		p.bulk = nil
	}
	p.bulkMtx.Unlock()
	if batch != nil {
		p.bulkc <- batch
	}
}

func (p *Processor) worker(queue <-chan *dtr.DTR, bulkc <-chan []*dtr.DTR) {
	defer p.wg.Done()
	for {
		select {
		case d, ok := <-queue:
			if !ok {
				return
			}
			p.runTask(d)
		case batch := <-bulkc:
			p.runBulk(batch)
		}
	}
}

func (p *Processor) runTask(d *dtr.DTR) {
	switch d.Status() {
	case dtr.StatusCheckCache:
		p.mTasks.WithLabelValues("check_cache").Inc()
		p.processCheckCache(d)
	case dtr.StatusResolve:
		p.mTasks.WithLabelValues("resolve").Inc()
		p.processResolve(d)
	case dtr.StatusQueryReplica:
		p.mTasks.WithLabelValues("query_replica").Inc()
		p.processQueryReplica(d)
	case dtr.StatusPreClean:
		p.mTasks.WithLabelValues("pre_clean").Inc()
		p.processPreClean(d)
	case dtr.StatusStagePrepare:
		p.mTasks.WithLabelValues("stage_prepare").Inc()
		p.processStagePrepare(d)
	case dtr.StatusReleaseRequest:
		p.mTasks.WithLabelValues("release_request").Inc()
		p.processReleaseRequest(d)
	case dtr.StatusRegisterReplica:
		p.mTasks.WithLabelValues("register_replica").Inc()
		p.processRegisterReplica(d)
	case dtr.StatusProcessCache:
		p.mTasks.WithLabelValues("process_cache").Inc()
		p.processProcessCache(d)
	}
	p.returnc <- d
}

// cacheWaitDelay returns the randomized pause before rechecking a
// locked cache file, roughly ten seconds so that waiters don't
// hammer in lockstep.
func cacheWaitDelay() time.Duration {
	return 5*time.Second + time.Duration(rand.Int63n(int64(10*time.Second)))
}
