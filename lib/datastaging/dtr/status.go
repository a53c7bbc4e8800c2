// Copyright (C) The GridStage Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package dtr

// Status is the position of a DTR in its state machine. Passive
// states (CHECK_CACHE, RESOLVE, ...) mean the DTR is queued for the
// named action; the corresponding in-process states (CHECKING_CACHE,
// RESOLVING, ...) mean a processor or delivery task is working on it.
type Status int

const (
	StatusNew Status = iota
	StatusCheckCache
	StatusCheckingCache
	StatusCacheWait
	StatusCacheChecked
	StatusResolve
	StatusResolving
	StatusResolved
	StatusQueryReplica
	StatusQueryingReplica
	StatusReplicaQueried
	StatusPreClean
	StatusPreCleaning
	StatusPreCleaned
	StatusStagePrepare
	StatusStagingPreparing
	StatusStagingPreparingWait
	StatusStagedPrepared
	StatusTransfer
	StatusTransferring
	StatusTransferringCancel
	StatusTransferWait
	StatusTransferred
	StatusReleaseRequest
	StatusReleasingRequest
	StatusRequestReleased
	StatusRegisterReplica
	StatusRegisteringReplica
	StatusReplicaRegistered
	StatusProcessCache
	StatusProcessingCache
	StatusCacheProcessed
	StatusDone
	StatusCancelled
	StatusCancelledFinished
	StatusError
	StatusNull
)

var statusNames = map[Status]string{
	StatusNew:                  "NEW",
	StatusCheckCache:           "CHECK_CACHE",
	StatusCheckingCache:        "CHECKING_CACHE",
	StatusCacheWait:            "CACHE_WAIT",
	StatusCacheChecked:         "CACHE_CHECKED",
	StatusResolve:              "RESOLVE",
	StatusResolving:            "RESOLVING",
	StatusResolved:             "RESOLVED",
	StatusQueryReplica:         "QUERY_REPLICA",
	StatusQueryingReplica:      "QUERYING_REPLICA",
	StatusReplicaQueried:       "REPLICA_QUERIED",
	StatusPreClean:             "PRE_CLEAN",
	StatusPreCleaning:          "PRE_CLEANING",
	StatusPreCleaned:           "PRE_CLEANED",
	StatusStagePrepare:         "STAGE_PREPARE",
	StatusStagingPreparing:     "STAGING_PREPARING",
	StatusStagingPreparingWait: "STAGING_PREPARING_WAIT",
	StatusStagedPrepared:       "STAGED_PREPARED",
	StatusTransfer:             "TRANSFER",
	StatusTransferring:         "TRANSFERRING",
	StatusTransferringCancel:   "TRANSFERRING_CANCEL",
	StatusTransferWait:         "TRANSFER_WAIT",
	StatusTransferred:          "TRANSFERRED",
	StatusReleaseRequest:       "RELEASE_REQUEST",
	StatusReleasingRequest:     "RELEASING_REQUEST",
	StatusRequestReleased:      "REQUEST_RELEASED",
	StatusRegisterReplica:      "REGISTER_REPLICA",
	StatusRegisteringReplica:   "REGISTERING_REPLICA",
	StatusReplicaRegistered:    "REPLICA_REGISTERED",
	StatusProcessCache:         "PROCESS_CACHE",
	StatusProcessingCache:      "PROCESSING_CACHE",
	StatusCacheProcessed:       "CACHE_PROCESSED",
	StatusDone:                 "DONE",
	StatusCancelled:            "CANCELLED",
	StatusCancelledFinished:    "CANCELLED_FINISHED",
	StatusError:                "ERROR",
	StatusNull:                 "NULL",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// Final reports whether s is a terminal state.
func (s Status) Final() bool {
	switch s {
	case StatusDone, StatusCancelled, StatusCancelledFinished, StatusError:
		return true
	}
	return false
}

// Owner identifies which component is responsible for moving a DTR
// out of its current state.
type Owner int

const (
	OwnerScheduler Owner = iota
	OwnerPreProcessor
	OwnerPostProcessor
	OwnerDelivery
	OwnerGenerator
)

var ownerNames = map[Owner]string{
	OwnerScheduler:     "SCHEDULER",
	OwnerPreProcessor:  "PRE-PROCESSOR",
	OwnerPostProcessor: "POST-PROCESSOR",
	OwnerDelivery:      "DELIVERY",
	OwnerGenerator:     "GENERATOR",
}

func (o Owner) String() string {
	if name, ok := ownerNames[o]; ok {
		return name
	}
	return "UNKNOWN"
}

// Owner returns the component responsible for a DTR in state s.
// In-process states belong to the component doing the work; passive
// states belong to the scheduler; terminal states belong to the
// generator.
func (s Status) Owner() Owner {
	switch s {
	case StatusCheckingCache, StatusResolving, StatusQueryingReplica, StatusPreCleaning, StatusStagingPreparing:
		return OwnerPreProcessor
	case StatusReleasingRequest, StatusRegisteringReplica, StatusProcessingCache:
		return OwnerPostProcessor
	case StatusTransferring, StatusTransferringCancel:
		return OwnerDelivery
	case StatusDone, StatusCancelled, StatusCancelledFinished, StatusError:
		return OwnerGenerator
	}
	return OwnerScheduler
}
