// Copyright (C) The GridStage Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package dtr defines the Data Transfer Request, the unit of work
// passed between the scheduler, the processors and the delivery
// layer. A DTR wraps one source/destination pair with its state,
// error status, priority, share and retry bookkeeping. All accessors
// are safe to call from any goroutine.
package dtr

import (
	"fmt"
	"net/url"
	"sync"
	"time"

	"git.gridstage.org/gridstage.git/lib/datastaging/endpoint"
	"git.gridstage.org/gridstage.git/sdk/go/gridstage"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// LocalDelivery is the delivery service URL meaning "transfer with a
// local subprocess".
var LocalDelivery = url.URL{Scheme: "local", Host: "local"}

// CacheState tracks what the cache layer decided about a DTR.
type CacheState int

const (
	Cacheable CacheState = iota
	NonCacheable
	CacheAlreadyPresent
	CacheDownloaded
	CacheLocked
	CacheSkip
	CacheNotUsed
)

var cacheStateNames = map[CacheState]string{
	Cacheable:           "CACHEABLE",
	NonCacheable:        "NON_CACHEABLE",
	CacheAlreadyPresent: "CACHE_ALREADY_PRESENT",
	CacheDownloaded:     "CACHE_DOWNLOADED",
	CacheLocked:         "CACHE_LOCKED",
	CacheSkip:           "CACHE_SKIP",
	CacheNotUsed:        "CACHE_NOT_USED",
}

func (cs CacheState) String() string {
	if name, ok := cacheStateNames[cs]; ok {
		return name
	}
	return "UNKNOWN"
}

// Options are the optional attributes of a new DTR.
type Options struct {
	JobID             string
	JobPriority       int
	SubShare          string
	Tries             int
	Replication       bool
	ForceRegistration bool
	MappedSource      string
	PreferredPattern  string
	Logger            logrus.FieldLogger
}

// DTR is one data transfer request.
type DTR struct {
	id          string
	source      endpoint.Endpoint
	destination endpoint.Endpoint
	credential  *gridstage.Credential
	jobID       string
	subShare    string
	created     time.Time
	logger      logrus.FieldLogger

	replication       bool
	forceRegistration bool
	mappedSource      string
	preferredPattern  string

	mtx              sync.Mutex
	status           Status
	errStatus        ErrorStatus
	priority         int
	jobPriority      int
	transferShare    string
	triesLeft        int
	processTime      time.Time
	cancelRequested  bool
	bulkStart        bool
	bulkEnd          bool
	bytesTransferred int64
	size             int64
	checksum         string
	cacheFile        string
	cacheState       CacheState
	deliveryService  url.URL
	triedServices    []url.URL
}

// New validates a source/destination pair and returns a ready-to-run
// DTR in state NEW. The ID is only assigned once everything else
// checks out: a DTR without an ID is invalid.
func New(source, destination string, cred *gridstage.Credential, opts Options) (*DTR, error) {
	if source == destination {
		return nil, fmt.Errorf("cannot replicate %s to itself", source)
	}
	if err := cred.Valid(); err != nil {
		return nil, err
	}
	srcEp, err := endpoint.New(source, cred)
	if err != nil {
		return nil, fmt.Errorf("source: %s", err)
	}
	dstEp, err := endpoint.New(destination, cred)
	if err != nil {
		return nil, fmt.Errorf("destination: %s", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	tries := opts.Tries
	if tries < 1 {
		tries = 1
	}
	jobPriority := opts.JobPriority
	if jobPriority <= 0 {
		jobPriority = 50
	}
	d := &DTR{
		source:            srcEp,
		destination:       dstEp,
		credential:        cred,
		jobID:             opts.JobID,
		subShare:          opts.SubShare,
		created:           time.Now(),
		replication:       opts.Replication,
		forceRegistration: opts.ForceRegistration,
		mappedSource:      opts.MappedSource,
		preferredPattern:  opts.PreferredPattern,
		status:            StatusNew,
		priority:          0,
		jobPriority:       jobPriority,
		triesLeft:         tries,
		processTime:       time.Now(),
		cacheState:        NonCacheable,
		deliveryService:   LocalDelivery,
	}
	if srcEp.Cacheable() && !opts.Replication {
		d.cacheState = Cacheable
	}
	d.id = uuid.New().String()
	d.logger = logger.WithField("DTR", d.ShortID())
	return d, nil
}

func (d *DTR) ID() string { return d.id }

// ShortID is the first and last four characters of the ID, for logs.
func (d *DTR) ShortID() string {
	if len(d.id) < 8 {
		return d.id
	}
	return d.id[:4] + "..." + d.id[len(d.id)-4:]
}

// Source is the endpoint bytes are read from.
func (d *DTR) Source() endpoint.Endpoint { return d.source }

// Destination is the endpoint bytes are written to.
func (d *DTR) Destination() endpoint.Endpoint { return d.destination }

func (d *DTR) Credential() *gridstage.Credential { return d.credential }
func (d *DTR) JobID() string                     { return d.jobID }
func (d *DTR) SubShare() string                  { return d.subShare }
func (d *DTR) CreatedAt() time.Time              { return d.created }
func (d *DTR) Replication() bool                 { return d.replication }
func (d *DTR) ForceRegistration() bool           { return d.forceRegistration }
func (d *DTR) MappedSource() string              { return d.mappedSource }
func (d *DTR) PreferredPattern() string          { return d.preferredPattern }

// Logger returns the DTR's logger, already annotated with the short
// ID.
func (d *DTR) Logger() logrus.FieldLogger { return d.logger }

// Status returns the current state.
func (d *DTR) Status() Status {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.status
}

// SetStatus moves the DTR to a new state.
func (d *DTR) SetStatus(s Status) {
	d.mtx.Lock()
	old := d.status
	d.status = s
	d.mtx.Unlock()
	if old != s {
		d.logger.WithFields(logrus.Fields{"from": old.String(), "to": s.String()}).Debug("state change")
	}
}

// InFinalState reports whether the DTR has finished, for better or
// worse.
func (d *DTR) InFinalState() bool {
	return d.Status().Final()
}

// ErrorStatus returns the current error state.
func (d *DTR) ErrorStatus() ErrorStatus {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.errStatus
}

// SetError records an error, remembering the state it happened in.
func (d *DTR) SetError(kind ErrorKind, location ErrorLocation, desc string) {
	d.mtx.Lock()
	d.errStatus = ErrorStatus{Kind: kind, Location: location, LastState: d.status, Desc: desc}
	d.mtx.Unlock()
	d.logger.WithFields(logrus.Fields{
		"kind":     kind.String(),
		"location": location.String(),
	}).Error(desc)
}

// ResetError clears the error state, e.g. before a retry.
func (d *DTR) ResetError() {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.errStatus = ErrorStatus{}
}

// Failed reports whether an error is currently recorded.
func (d *DTR) Failed() bool {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.errStatus.Kind != NoneError
}

// Priority returns the scheduling priority, higher first.
func (d *DTR) Priority() int {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.priority
}

// SetPriority clamps p into 1..100 and stores it.
func (d *DTR) SetPriority(p int) {
	if p <= 0 {
		p = 1
	}
	if p > 100 {
		p = 100
	}
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.priority = p
}

// CalculatePriority sets the priority from share and job priorities.
func (d *DTR) CalculatePriority(sharePriority int) {
	d.mtx.Lock()
	jobPriority := d.jobPriority
	d.mtx.Unlock()
	d.SetPriority(sharePriority * jobPriority / 100)
}

// Boost raises the priority past the normal cap, used when a DTR has
// been stuck so long that it should jump every queue.
func (d *DTR) Boost() {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.priority += 100
}

// JobPriority returns the priority of the job this DTR belongs to.
func (d *DTR) JobPriority() int {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.jobPriority
}

// TransferShare returns the share this DTR is accounted under.
func (d *DTR) TransferShare() string {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.transferShare
}

// SetTransferShare records the share name, with the sub-share suffix
// if one was requested.
func (d *DTR) SetTransferShare(share string) {
	if d.subShare != "" {
		share = share + "-" + d.subShare
	}
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.transferShare = share
}

// TriesLeft returns how many attempts remain.
func (d *DTR) TriesLeft() int {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.triesLeft
}

// DecreaseTries uses up one attempt.
func (d *DTR) DecreaseTries() {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if d.triesLeft > 0 {
		d.triesLeft--
	}
}

// ProcessTime is the earliest time the scheduler should act on this
// DTR again.
func (d *DTR) ProcessTime() time.Time {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.processTime
}

// SetProcessTime delays the next scheduler action by delay.
func (d *DTR) SetProcessTime(delay time.Duration) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.processTime = time.Now().Add(delay)
}

// RequestCancel asks for the DTR to be cancelled. It is idempotent;
// the first call also makes the DTR eligible for immediate
// processing. Cancellation is refused once the DTR is already being
// finalized (post-processing) or finished.
func (d *DTR) RequestCancel() bool {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if d.status.Final() {
		return false
	}
	if !d.cancelRequested {
		d.cancelRequested = true
		d.processTime = time.Now()
	}
	return true
}

// CancelRequested reports whether cancellation has been asked for.
func (d *DTR) CancelRequested() bool {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.cancelRequested
}

// SetBulkStart/SetBulkEnd mark this DTR's position in a bulk batch.
func (d *DTR) SetBulkStart(v bool) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.bulkStart = v
}

func (d *DTR) SetBulkEnd(v bool) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.bulkEnd = v
}

func (d *DTR) BulkStart() bool {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.bulkStart
}

func (d *DTR) BulkEnd() bool {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.bulkEnd
}

// BytesTransferred returns the transfer progress in bytes.
func (d *DTR) BytesTransferred() int64 {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.bytesTransferred
}

func (d *DTR) SetBytesTransferred(n int64) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.bytesTransferred = n
}

// Size returns the expected file size, or 0 if unknown.
func (d *DTR) Size() int64 {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.size
}

func (d *DTR) SetSize(n int64) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.size = n
}

func (d *DTR) Checksum() string {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.checksum
}

func (d *DTR) SetChecksum(sum string) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.checksum = sum
}

// CacheFile is the cache path the source maps to, if caching is in
// use.
func (d *DTR) CacheFile() string {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.cacheFile
}

func (d *DTR) SetCacheFile(path string) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.cacheFile = path
}

func (d *DTR) CacheState() CacheState {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.cacheState
}

func (d *DTR) SetCacheState(cs CacheState) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.cacheState = cs
}

// DeliveryService is the delivery endpoint chosen for the transfer,
// LocalDelivery by default.
func (d *DTR) DeliveryService() url.URL {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.deliveryService
}

func (d *DTR) SetDeliveryService(u url.URL) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.deliveryService = u
}

// DeliveryLocal reports whether the transfer runs in a local
// subprocess rather than on a remote delivery service.
func (d *DTR) DeliveryLocal() bool {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.deliveryService == LocalDelivery
}

// AddProblematicService records a delivery service that failed this
// DTR, so retries avoid it.
func (d *DTR) AddProblematicService(u url.URL) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.triedServices = append(d.triedServices, u)
}

// ProblematicServices lists delivery services that already failed
// this DTR.
func (d *DTR) ProblematicServices() []url.URL {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return append([]url.URL(nil), d.triedServices...)
}

// Reset clears per-attempt state before the DTR goes back to NEW for
// a retry: resolved replicas, cache decisions, progress and the error
// status.
func (d *DTR) Reset() {
	d.source.ResetLocations()
	d.destination.ResetLocations()
	d.mtx.Lock()
	d.bytesTransferred = 0
	d.cacheFile = ""
	if d.cacheState != NonCacheable {
		d.cacheState = Cacheable
	}
	d.deliveryService = LocalDelivery
	d.bulkStart = false
	d.bulkEnd = false
	d.errStatus = ErrorStatus{}
	d.mtx.Unlock()
}
