// Copyright (C) The GridStage Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package dtr

// ErrorKind classifies a DTR failure. The kind decides retry policy:
// temporary remote errors are retried on another replica or after a
// delay, everything else is fatal for the DTR.
type ErrorKind int

const (
	NoneError ErrorKind = iota
	InternalLogicError
	InternalProcessError
	SelfReplicationError
	CacheError
	TemporaryRemoteError
	PermanentRemoteError
	LocalFileError
	TransferSpeedError
	StagingTimeoutError
)

var errorKindNames = map[ErrorKind]string{
	NoneError:            "NONE_ERROR",
	InternalLogicError:   "INTERNAL_LOGIC_ERROR",
	InternalProcessError: "INTERNAL_PROCESS_ERROR",
	SelfReplicationError: "SELF_REPLICATION_ERROR",
	CacheError:           "CACHE_ERROR",
	TemporaryRemoteError: "TEMPORARY_REMOTE_ERROR",
	PermanentRemoteError: "PERMANENT_REMOTE_ERROR",
	LocalFileError:       "LOCAL_FILE_ERROR",
	TransferSpeedError:   "TRANSFER_SPEED_ERROR",
	StagingTimeoutError:  "STAGING_TIMEOUT_ERROR",
}

func (k ErrorKind) String() string {
	if name, ok := errorKindNames[k]; ok {
		return name
	}
	return "UNKNOWN"
}

// Retryable reports whether an error of this kind may succeed on a
// later attempt or another replica.
func (k ErrorKind) Retryable() bool {
	switch k {
	case TemporaryRemoteError, TransferSpeedError, StagingTimeoutError:
		return true
	}
	return false
}

// ErrorLocation says which end of the transfer produced the error.
type ErrorLocation int

const (
	NoErrorLocation ErrorLocation = iota
	ErrorSource
	ErrorDestination
	ErrorTransfer
	ErrorUnknown
)

var errorLocationNames = map[ErrorLocation]string{
	NoErrorLocation:  "NO_ERROR_LOCATION",
	ErrorSource:      "ERROR_SOURCE",
	ErrorDestination: "ERROR_DESTINATION",
	ErrorTransfer:    "ERROR_TRANSFER",
	ErrorUnknown:     "ERROR_UNKNOWN",
}

func (l ErrorLocation) String() string {
	if name, ok := errorLocationNames[l]; ok {
		return name
	}
	return "UNKNOWN"
}

// ErrorStatus is the full error state of a DTR: what went wrong,
// where, and in which state.
type ErrorStatus struct {
	Kind      ErrorKind
	Location  ErrorLocation
	LastState Status
	Desc      string
}

func (e ErrorStatus) Error() string {
	if e.Kind == NoneError {
		return "no error"
	}
	return e.Kind.String() + " (" + e.Location.String() + "): " + e.Desc
}
