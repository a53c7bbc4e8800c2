// Copyright (C) The GridStage Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package processor

import (
	"fmt"
	"time"

	"git.gridstage.org/gridstage.git/lib/datastaging/dtr"
	"git.gridstage.org/gridstage.git/lib/datastaging/endpoint"
	"golang.org/x/sync/errgroup"
)

// remoteKind classifies an endpoint error for the DTR error status.
func remoteKind(err error) dtr.ErrorKind {
	if endpoint.IsRetryable(err) {
		return dtr.TemporaryRemoteError
	}
	return dtr.PermanentRemoteError
}

// processCheckCache decides whether the source can be served from or
// downloaded into the cache. A cache file locked by another transfer
// parks the DTR in CACHE_WAIT.
func (p *Processor) processCheckCache(d *dtr.DTR) {
	d.SetStatus(dtr.StatusCheckingCache)
	if d.CancelRequested() {
		d.SetStatus(dtr.StatusCacheChecked)
		return
	}
	if p.cache == nil || d.CacheState() != dtr.Cacheable || !d.Source().Cacheable() || !d.Destination().Local() {
		d.SetCacheState(dtr.CacheNotUsed)
		d.SetStatus(dtr.StatusCacheChecked)
		return
	}
	path, available, locked, err := p.cache.Start(d.Source().URL().String())
	switch {
	case err != nil:
		// A broken cache is not fatal, the transfer just skips it.
		d.Logger().WithError(err).Warn("cache unusable, skipping cache")
		d.SetCacheState(dtr.CacheSkip)
		d.SetStatus(dtr.StatusCacheChecked)
	case available:
		d.SetCacheFile(path)
		d.SetCacheState(dtr.CacheAlreadyPresent)
		d.SetStatus(dtr.StatusCacheChecked)
	case locked:
		// Another transfer is filling the cache file; come back
		// in a little while.
		d.SetCacheState(dtr.CacheLocked)
		d.SetProcessTime(cacheWaitDelay())
		d.SetStatus(dtr.StatusCacheWait)
	default:
		d.SetCacheFile(path)
		d.SetCacheState(dtr.CacheDownloaded)
		d.SetStatus(dtr.StatusCacheChecked)
	}
}

// processResolve resolves replicas on both sides and pre-registers
// the new replica in the destination index.
func (p *Processor) processResolve(d *dtr.DTR) {
	d.SetStatus(dtr.StatusResolving)
	defer d.SetStatus(dtr.StatusResolved)
	if d.CancelRequested() {
		return
	}
	p.resolve(d)
}

func (p *Processor) resolve(d *dtr.DTR) {
	src, dst := d.Source(), d.Destination()
	if src.IsIndex() && dst.IsIndex() && src.URL().String() == dst.URL().String() {
		d.SetError(dtr.SelfReplicationError, dtr.ErrorUnknown, "cannot replicate a file to itself")
		return
	}
	if err := src.Resolve(p.ctx, true); err != nil {
		d.SetError(remoteKind(err), dtr.ErrorSource, fmt.Sprintf("resolving source: %s", err))
		return
	}
	src.SortLocations(d.PreferredPattern())
	if err := dst.Resolve(p.ctx, false); err != nil {
		d.SetError(remoteKind(err), dtr.ErrorDestination, fmt.Sprintf("resolving destination: %s", err))
		return
	}
	if d.Replication() && src.IsIndex() {
		// Replicating within one catalog: the chosen source
		// replica must not be the replica we are about to
		// create.
		if cur := src.CurrentLocation(); cur != nil && dst.TransferURL() != nil && cur.String() == dst.TransferURL().String() {
			d.SetError(dtr.SelfReplicationError, dtr.ErrorUnknown, "source replica is the destination of the replication")
			return
		}
	}
	if dst.IsIndex() {
		if err := dst.PreRegister(p.ctx, d.Replication(), d.ForceRegistration()); err != nil {
			d.SetError(remoteKind(err), dtr.ErrorDestination, fmt.Sprintf("pre-registering destination: %s", err))
		}
	}
}

// runBulk resolves a batch of DTRs against the same catalog in one
// round trip, falling back to one-by-one resolution when the
// endpoints can't do bulk.
func (p *Processor) runBulk(batch []*dtr.DTR) {
	p.mTasks.WithLabelValues("bulk_resolve").Inc()
	var eps []endpoint.Endpoint
	for _, d := range batch {
		d.SetStatus(dtr.StatusResolving)
		if !d.CancelRequested() {
			eps = append(eps, d.Source())
		}
	}
	br, ok := batch[0].Source().(endpoint.BulkResolver)
	if ok && len(eps) > 1 {
		if err := br.BulkResolve(p.ctx, eps, true); err != nil {
			for _, d := range batch {
				if !d.CancelRequested() {
					d.SetError(remoteKind(err), dtr.ErrorSource, fmt.Sprintf("bulk resolving source: %s", err))
				}
			}
		}
		// Destination side still resolves per DTR.
		var wg errgroup.Group
		for _, d := range batch {
			d := d
			wg.Go(func() error {
				if d.CancelRequested() || d.Failed() {
					return nil
				}
				d.Source().SortLocations(d.PreferredPattern())
				if err := d.Destination().Resolve(p.ctx, false); err != nil {
					d.SetError(remoteKind(err), dtr.ErrorDestination, fmt.Sprintf("resolving destination: %s", err))
					return nil
				}
				if d.Destination().IsIndex() {
					if err := d.Destination().PreRegister(p.ctx, d.Replication(), d.ForceRegistration()); err != nil {
						d.SetError(remoteKind(err), dtr.ErrorDestination, fmt.Sprintf("pre-registering destination: %s", err))
					}
				}
				return nil
			})
		}
		wg.Wait()
	} else {
		var wg errgroup.Group
		for _, d := range batch {
			d := d
			wg.Go(func() error {
				if !d.CancelRequested() {
					p.resolve(d)
				}
				return nil
			})
		}
		wg.Wait()
	}
	for _, d := range batch {
		d.SetStatus(dtr.StatusResolved)
		p.returnc <- d
	}
}

// processQueryReplica checks that the chosen source replica exists
// and matches the metadata the catalog (or job description) claims.
func (p *Processor) processQueryReplica(d *dtr.DTR) {
	d.SetStatus(dtr.StatusQueryingReplica)
	defer d.SetStatus(dtr.StatusReplicaQueried)
	if d.CancelRequested() {
		return
	}
	src := d.Source()
	known := src.Meta()
	info, err := src.Stat(p.ctx)
	if err != nil {
		d.SetError(remoteKind(err), dtr.ErrorSource, fmt.Sprintf("querying source replica: %s", err))
		return
	}
	if known.Size > 0 && info.Size > 0 && known.Size != info.Size {
		d.SetError(dtr.PermanentRemoteError, dtr.ErrorSource,
			fmt.Sprintf("replica size %d does not match expected size %d", info.Size, known.Size))
		return
	}
	if info.Size > 0 {
		d.SetSize(info.Size)
	} else if known.Size > 0 {
		d.SetSize(known.Size)
	}
	// Carry source metadata over for post-transfer validation.
	d.Destination().SetMeta(src.Meta())
}

// processPreClean removes any existing file at a non-index
// destination so the transfer starts clean.
func (p *Processor) processPreClean(d *dtr.DTR) {
	d.SetStatus(dtr.StatusPreCleaning)
	defer d.SetStatus(dtr.StatusPreCleaned)
	if d.CancelRequested() {
		return
	}
	dst := d.Destination()
	if dst.IsIndex() && !d.ForceRegistration() {
		return
	}
	if dst.IsIndex() {
		// Forced overwrite of an index entry: drop the stale
		// replicas first.
		if err := dst.Unregister(p.ctx, true); err != nil {
			d.SetError(remoteKind(err), dtr.ErrorDestination, fmt.Sprintf("unregistering stale replicas: %s", err))
		}
		return
	}
	if err := dst.Remove(p.ctx); err != nil {
		d.SetError(remoteKind(err), dtr.ErrorDestination, fmt.Sprintf("pre-cleaning destination: %s", err))
	}
}

// processStagePrepare asks the staging systems on either side to
// bring files online. A "not ready yet" reply parks the DTR in
// STAGING_PREPARING_WAIT until the suggested poll time.
func (p *Processor) processStagePrepare(d *dtr.DTR) {
	d.SetStatus(dtr.StatusStagingPreparing)
	if d.CancelRequested() {
		d.SetStatus(dtr.StatusStagedPrepared)
		return
	}
	var maxWait time.Duration
	if d.Source().Stageable() {
		wait, _, err := d.Source().PrepareReading(p.ctx)
		if err != nil {
			d.SetError(remoteKind(err), dtr.ErrorSource, fmt.Sprintf("staging source: %s", err))
			d.SetStatus(dtr.StatusStagedPrepared)
			return
		}
		if wait > maxWait {
			maxWait = wait
		}
	}
	if d.Destination().Stageable() {
		wait, _, err := d.Destination().PrepareWriting(p.ctx)
		if err != nil {
			d.SetError(remoteKind(err), dtr.ErrorDestination, fmt.Sprintf("staging destination: %s", err))
			d.SetStatus(dtr.StatusStagedPrepared)
			return
		}
		if wait > maxWait {
			maxWait = wait
		}
	}
	if maxWait > 0 {
		d.SetProcessTime(maxWait)
		d.SetStatus(dtr.StatusStagingPreparingWait)
		return
	}
	d.SetStatus(dtr.StatusStagedPrepared)
}

// processReleaseRequest tells the staging systems the transfer is
// over, successfully or not.
func (p *Processor) processReleaseRequest(d *dtr.DTR) {
	d.SetStatus(dtr.StatusReleasingRequest)
	defer d.SetStatus(dtr.StatusRequestReleased)
	aborted := d.Failed() || d.CancelRequested()
	if d.Source().Stageable() {
		if err := d.Source().FinishReading(p.ctx, aborted); err != nil {
			d.Logger().WithError(err).Warn("releasing source staging request failed")
		}
	}
	if d.Destination().Stageable() {
		if err := d.Destination().FinishWriting(p.ctx, aborted); err != nil {
			d.Logger().WithError(err).Warn("releasing destination staging request failed")
		}
	}
}

// processRegisterReplica finalizes (or rolls back) the destination
// index entry.
func (p *Processor) processRegisterReplica(d *dtr.DTR) {
	d.SetStatus(dtr.StatusRegisteringReplica)
	defer d.SetStatus(dtr.StatusReplicaRegistered)
	dst := d.Destination()
	if !dst.IsIndex() {
		return
	}
	if d.Failed() || d.CancelRequested() {
		if err := dst.PreUnregister(p.ctx, d.Replication()); err != nil {
			d.Logger().WithError(err).Warn("removing pre-registered replica failed; a stale entry may remain")
		}
		return
	}
	if err := dst.PostRegister(p.ctx, d.Replication()); err != nil {
		d.SetError(remoteKind(err), dtr.ErrorDestination, fmt.Sprintf("registering replica: %s", err))
		// Roll back so the half-registered entry doesn't block
		// a retry.
		if err := dst.PreUnregister(p.ctx, d.Replication()); err != nil {
			d.Logger().WithError(err).Warn("removing pre-registered replica failed; a stale entry may remain")
		}
	}
}

// processProcessCache releases the cache lock and links the cached
// file into place.
func (p *Processor) processProcessCache(d *dtr.DTR) {
	d.SetStatus(dtr.StatusProcessingCache)
	defer d.SetStatus(dtr.StatusCacheProcessed)
	if p.cache == nil {
		return
	}
	path := d.CacheFile()
	switch d.CacheState() {
	case dtr.CacheDownloaded:
		if d.Failed() || d.CancelRequested() {
			p.cache.StopAndDelete(path)
			return
		}
		p.cache.Stop(path)
		fallthrough
	case dtr.CacheAlreadyPresent:
		if d.Failed() || d.CancelRequested() {
			return
		}
		if err := p.cache.Link(path, d.Destination().URL().Path); err != nil {
			d.SetError(dtr.CacheError, dtr.ErrorDestination, fmt.Sprintf("linking cache file: %s", err))
		}
	}
}
