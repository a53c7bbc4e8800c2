// Copyright (C) The GridStage Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"time"

	"git.gridstage.org/gridstage.git/lib/datastaging/dtr"
)

// mappedState reports whether the scheduler itself moves a DTR out
// of status s. To-process states are handled by queue revision,
// in-process states by the worker owning them.
func mappedState(s dtr.Status) bool {
	switch s {
	case dtr.StatusNew, dtr.StatusCacheWait, dtr.StatusCacheChecked,
		dtr.StatusResolved, dtr.StatusReplicaQueried, dtr.StatusPreCleaned,
		dtr.StatusStagingPreparingWait, dtr.StatusStagedPrepared,
		dtr.StatusTransferred, dtr.StatusRequestReleased,
		dtr.StatusReplicaRegistered, dtr.StatusCacheProcessed:
		return true
	}
	return false
}

// mapState decides the next status for a DTR in a scheduler-handled
// state, from its current status and error/cancel flags.
func (sch *Scheduler) mapState(e *entry) {
	switch e.d.Status() {
	case dtr.StatusNew:
		sch.processNew(e)
	case dtr.StatusCacheWait:
		sch.processCacheWait(e)
	case dtr.StatusCacheChecked:
		sch.processCacheChecked(e)
	case dtr.StatusResolved:
		sch.processResolved(e)
	case dtr.StatusReplicaQueried:
		sch.processReplicaQueried(e)
	case dtr.StatusPreCleaned:
		sch.processPreCleaned(e)
	case dtr.StatusStagingPreparingWait:
		sch.processStagingPreparingWait(e)
	case dtr.StatusStagedPrepared:
		sch.processStagedPrepared(e)
	case dtr.StatusTransferred:
		sch.processTransferred(e)
	case dtr.StatusRequestReleased:
		sch.processRequestReleased(e)
	case dtr.StatusReplicaRegistered:
		sch.processReplicaRegistered(e)
	case dtr.StatusCacheProcessed:
		sch.processCacheProcessed(e)
	}
}

// nextCleanup returns the earliest cleanup still owed before the DTR
// may finish: releasing stage requests, removing a pre-registered
// replica, releasing the cache lock. Cancellation and errors route
// through here so no cleanup is ever skipped.
func (sch *Scheduler) nextCleanup(e *entry) dtr.Status {
	d := e.d
	if e.staged && (d.Source().Stageable() || d.Destination().Stageable()) {
		return dtr.StatusReleaseRequest
	}
	if e.preRegistered && d.Destination().IsIndex() {
		return dtr.StatusRegisterReplica
	}
	switch d.CacheState() {
	case dtr.CacheDownloaded, dtr.CacheAlreadyPresent:
		return dtr.StatusProcessCache
	}
	return dtr.StatusCacheProcessed
}

// routeCancelled moves a cancelled, still-queued DTR to its cleanup
// path without doing the work it was queued for.
func (sch *Scheduler) routeCancelled(e *entry) {
	e.d.SetStatus(sch.nextCleanup(e))
}

func (sch *Scheduler) processNew(e *entry) {
	d := e.d
	if d.CancelRequested() {
		sch.routeCancelled(e)
		return
	}
	if cred := d.Credential(); cred != nil {
		if err := cred.Valid(); err != nil {
			d.SetError(dtr.InternalLogicError, dtr.ErrorUnknown, "credential expired, cannot start transfer")
			d.SetStatus(dtr.StatusCacheProcessed)
			return
		}
	}
	if sch.fileCache != nil && d.CacheState() == dtr.Cacheable && d.Source().Cacheable() && d.Destination().Local() {
		d.SetStatus(dtr.StatusCheckCache)
		return
	}
	d.SetCacheState(dtr.CacheNotUsed)
	d.SetStatus(dtr.StatusCacheChecked)
}

func (sch *Scheduler) processCacheWait(e *entry) {
	d := e.d
	if d.CancelRequested() {
		sch.routeCancelled(e)
		return
	}
	if time.Since(d.CreatedAt()) > sch.cfg.CacheCheckTimeout.Duration() {
		// Waited so long for the lock that caching isn't worth
		// it any more; transfer without the cache.
		d.Logger().Warn("timed out waiting for cache lock, skipping cache")
		d.SetCacheState(dtr.CacheSkip)
		d.SetStatus(dtr.StatusCacheChecked)
		return
	}
	d.SetStatus(dtr.StatusCheckCache)
}

func (sch *Scheduler) processCacheChecked(e *entry) {
	d := e.d
	if d.CancelRequested() {
		sch.routeCancelled(e)
		return
	}
	if d.CacheState() == dtr.CacheAlreadyPresent {
		// Cache hit: no transfer needed, just link into place.
		d.SetStatus(dtr.StatusProcessCache)
		return
	}
	if d.Source().IsIndex() || d.Destination().IsIndex() {
		d.SetStatus(dtr.StatusResolve)
		return
	}
	d.SetStatus(dtr.StatusResolved)
}

func (sch *Scheduler) processResolved(e *entry) {
	d := e.d
	if d.Destination().IsIndex() {
		// Resolution pre-registers the new replica; remember to
		// clean it up if the transfer never completes.
		e.preRegistered = true
	}
	if d.CancelRequested() || d.Failed() {
		d.SetStatus(sch.nextCleanup(e))
		return
	}
	d.SetStatus(dtr.StatusQueryReplica)
}

func (sch *Scheduler) processReplicaQueried(e *entry) {
	d := e.d
	if d.CancelRequested() {
		sch.routeCancelled(e)
		return
	}
	if d.Failed() {
		if nextReplica(d) {
			d.ResetError()
			d.SetStatus(dtr.StatusQueryReplica)
			return
		}
		d.SetStatus(sch.nextCleanup(e))
		return
	}
	d.SetStatus(dtr.StatusPreClean)
}

// nextReplica advances to the next candidate replica of whichever
// endpoint the error blames, and reports whether one was available.
// Without a blamed side the index-service side is advanced; if both
// or neither side is an index, the source. (The source default
// mirrors long-standing behavior and is not obviously principled.)
func nextReplica(d *dtr.DTR) bool {
	src, dst := d.Source(), d.Destination()
	var ep = src
	switch d.ErrorStatus().Location {
	case dtr.ErrorSource:
		ep = src
	case dtr.ErrorDestination:
		ep = dst
	default:
		if dst.IsIndex() && !src.IsIndex() {
			ep = dst
		}
	}
	if !ep.NextLocation() {
		return false
	}
	d.Logger().WithField("Replica", ep.CurrentLocation().String()).Info("trying next replica")
	return true
}

func (sch *Scheduler) processPreCleaned(e *entry) {
	d := e.d
	if d.CancelRequested() || d.Failed() {
		d.SetStatus(sch.nextCleanup(e))
		return
	}
	if d.Source().Stageable() || d.Destination().Stageable() {
		e.staged = true
		d.SetStatus(dtr.StatusStagePrepare)
		return
	}
	d.SetStatus(dtr.StatusStagedPrepared)
}

func (sch *Scheduler) processStagingPreparingWait(e *entry) {
	d := e.d
	if d.CancelRequested() {
		d.SetStatus(sch.nextCleanup(e))
		return
	}
	if time.Since(d.CreatedAt()) > sch.cfg.StagingTimeout.Duration() {
		loc := dtr.ErrorSource
		if !d.Source().Stageable() {
			loc = dtr.ErrorDestination
		}
		d.SetError(dtr.StagingTimeoutError, loc, "timed out waiting for file to come online")
		d.SetStatus(sch.nextCleanup(e))
		return
	}
	d.SetStatus(dtr.StatusStagePrepare)
}

func (sch *Scheduler) processStagedPrepared(e *entry) {
	d := e.d
	if d.CancelRequested() || d.Failed() {
		d.SetStatus(sch.nextCleanup(e))
		return
	}
	d.SetStatus(dtr.StatusTransfer)
}

func (sch *Scheduler) processTransferred(e *entry) {
	d := e.d
	if !d.Failed() && !d.CancelRequested() {
		e.completed = true
	}
	d.SetStatus(sch.nextCleanup(e))
}

func (sch *Scheduler) processRequestReleased(e *entry) {
	e.staged = false
	e.d.SetStatus(sch.nextCleanup(e))
}

func (sch *Scheduler) processReplicaRegistered(e *entry) {
	e.preRegistered = false
	e.d.SetStatus(sch.nextCleanup(e))
}

// processCacheProcessed is the single retry/termination decision
// point. All error and cancellation paths funnel through here after
// their cleanup is done.
func (sch *Scheduler) processCacheProcessed(e *entry) {
	d := e.d
	if d.CancelRequested() {
		if e.completed {
			d.SetStatus(dtr.StatusCancelledFinished)
		} else {
			d.SetStatus(dtr.StatusCancelled)
		}
		return
	}
	if !d.Failed() {
		d.SetStatus(dtr.StatusDone)
		return
	}
	errStatus := d.ErrorStatus()
	if errStatus.Kind == dtr.CacheError {
		// A cache-processing hiccup is not the transfer's fault;
		// retry shortly without using up an attempt.
		d.Logger().Info("cache processing failed, retrying transfer")
		d.Reset()
		d.SetStatus(dtr.StatusNew)
		d.SetProcessTime(10 * time.Second)
		return
	}
	d.DecreaseTries()
	if retryable(errStatus.Kind) && d.TriesLeft() > 0 {
		delay := retryDelay(e.tries0 - d.TriesLeft())
		d.Logger().WithField("Delay", delay).Info("retrying failed transfer")
		d.Reset()
		d.SetStatus(dtr.StatusNew)
		d.SetProcessTime(delay)
		return
	}
	d.SetStatus(dtr.StatusError)
}

// retryable includes lost-worker errors on top of the kinds the
// error itself declares retryable.
func retryable(kind dtr.ErrorKind) bool {
	return kind.Retryable() || kind == dtr.InternalProcessError
}

// retryDelay is the exponential backoff before attempt n+1 (n = 1
// after the first failure), capped at five minutes.
func retryDelay(n int) time.Duration {
	delay := 10 * time.Second
	for ; n > 1 && delay < 5*time.Minute; n-- {
		delay *= 2
	}
	if delay > 5*time.Minute {
		delay = 5 * time.Minute
	}
	return delay
}

// stuckAdvance maps an in-process state to the post-process state a
// lost worker task would have reached, so the normal error routing
// takes over.
func stuckAdvance(s dtr.Status) dtr.Status {
	switch s {
	case dtr.StatusCheckingCache:
		return dtr.StatusCacheChecked
	case dtr.StatusResolving:
		return dtr.StatusResolved
	case dtr.StatusQueryingReplica:
		return dtr.StatusReplicaQueried
	case dtr.StatusPreCleaning:
		return dtr.StatusPreCleaned
	case dtr.StatusStagingPreparing:
		return dtr.StatusStagedPrepared
	case dtr.StatusReleasingRequest:
		return dtr.StatusRequestReleased
	case dtr.StatusRegisteringReplica:
		return dtr.StatusReplicaRegistered
	case dtr.StatusProcessingCache:
		return dtr.StatusCacheProcessed
	}
	return s
}
