// Copyright (C) The GridStage Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package endpoint

import "errors"

// Error wraps a failed endpoint operation with a retryability hint.
type Error struct {
	Op    string
	Err   error
	Retry bool
}

func (e *Error) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Temporary wraps err as an error worth retrying on another replica
// or after a delay.
func Temporary(op string, err error) error {
	return &Error{Op: op, Err: err, Retry: true}
}

// Permanent wraps err as an error that will not go away by itself.
func Permanent(op string, err error) error {
	return &Error{Op: op, Err: err, Retry: false}
}

// IsRetryable reports whether err (or anything it wraps) is marked
// temporary. Unclassified errors are treated as permanent.
func IsRetryable(err error) bool {
	var ep *Error
	if errors.As(err, &ep) {
		return ep.Retry
	}
	return false
}

// ErrNotSupported is returned by operations an endpoint type does not
// implement (e.g. staging on a plain file).
var ErrNotSupported = errors.New("operation not supported by endpoint")
