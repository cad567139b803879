// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package driver dispatches one command to a selected server: checkout,
// send/receive, error interpretation, and the single retry a retryable
// error is entitled to (SPEC_FULL.md §4.7, §7).
package driver

import (
	"errors"
	"fmt"
)

// Kind classifies a dispatch failure so callers (and the retry loop) can
// decide what, if anything, to do about it without string-matching
// errmsg.
type Kind int

const (
	KindNetwork Kind = iota
	KindTimeout
	KindServerSelection
	KindPoolCleared
	KindSystemOverloaded
	KindProtocol
	KindAuth
	KindServer
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	case KindServerSelection:
		return "server selection"
	case KindPoolCleared:
		return "pool cleared"
	case KindSystemOverloaded:
		return "system overloaded"
	case KindProtocol:
		return "protocol"
	case KindAuth:
		return "auth"
	case KindServer:
		return "server"
	default:
		return "unknown"
	}
}

// Error wraps every failure this package returns to a caller with enough
// structure to classify retryability without parsing error text
// (SPEC_FULL.md §7).
type Error struct {
	Kind    Kind
	Code    int32
	Labels  []string
	Wrapped error
}

func (e *Error) Error() string {
	if e.Kind == KindServer {
		return fmt.Sprintf("driver: server error (code %d): %s", e.Code, e.Wrapped)
	}
	return fmt.Sprintf("driver: %s: %s", e.Kind, e.Wrapped)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// HasLabel reports whether label is attached to e.
func (e *Error) HasLabel(label string) bool {
	for _, l := range e.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// Error labels a server reply may carry, used to decide retryability
// independent of the numeric code (SPEC_FULL.md §4.7).
const (
	RetryableWriteError    = "RetryableWriteError"
	TransientTransactionError = "TransientTransactionError"
	NetworkErrorLabel      = "NetworkError"
)

// reauthenticationRequired is the server error code that means the
// connection's credentials have gone stale and must be refreshed before
// the same command is retried on the same connection, rather than
// selecting a new server (SPEC_FULL.md §4.7). Mirrors auth's own
// unexported constant of the same value; not worth an import of auth
// for a single numeric literal.
const reauthenticationRequired int32 = 391

// retryableCodes is the set of server error codes the retryable reads/writes
// specification requires treating as retryable regardless of label
// (network timeouts, not-primary, node-is-recovering, and friends).
var retryableCodes = map[int32]bool{
	6:     true, // HostUnreachable
	7:     true, // HostNotFound
	89:    true, // NetworkTimeout
	91:    true, // ShutdownInProgress
	189:   true, // PrimarySteppedDown
	9001:  true, // SocketException
	10107: true, // NotWritablePrimary
	11600: true, // InterruptedAtShutdown
	11602: true, // InterruptedDueToReplStateChange
	13435: true, // NotPrimaryNoSecondaryOk
	13436: true, // NotPrimaryOrSecondary
	63:    true, // StaleShardVersion
	150:   true, // StaleEpoch
	13388: true, // StaleConfig
	234:   true, // RetryChangeStream
	133:   true, // FailedToSatisfyReadPreference
}

// IsRetryable reports whether err is eligible for the single dispatch
// retry: a network-kind error, a pool-cleared error, a SystemOverloaded
// error, or a server error carrying a retryable code or the
// RetryableWriteError/TransientTransactionError label. A timeout is not
// retryable.
func IsRetryable(err error) bool {
	var de *Error
	if !errors.As(err, &de) {
		return false
	}
	switch de.Kind {
	case KindNetwork, KindPoolCleared, KindSystemOverloaded:
		return true
	case KindServer:
		if retryableCodes[de.Code] {
			return true
		}
		return de.HasLabel(RetryableWriteError) || de.HasLabel(TransientTransactionError)
	default:
		return false
	}
}

func wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Wrapped: err}
}

// SystemOverloadedError and RetryableError are the labels a SystemOverloaded
// error carries (SPEC_FULL.md §4.3, §7).
const (
	SystemOverloadedErrorLabel = "SystemOverloadedError"
	RetryableErrorLabel        = "RetryableError"
)

func wrapOverloaded(err error) error {
	return &Error{Kind: KindSystemOverloaded, Labels: []string{SystemOverloadedErrorLabel, RetryableErrorLabel}, Wrapped: err}
}

func wrapServer(code int32, labels []string, err error) error {
	return &Error{Kind: KindServer, Code: code, Labels: labels, Wrapped: err}
}
