// Copyright (C) MongoDB, Inc. 2022-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package csot centralizes the client-side-operation-timeout context
// helpers used by the Command Dispatcher and Server Selector to derive
// effective deadlines (SPEC_FULL.md §4.7 step 1).
package csot

import (
	"context"
	"time"
)

type timeoutKey struct{}

// MakeTimeoutContext returns a new context carrying a Timeout of the given
// duration. A zero duration means "no operation-level timeout"; the
// context is still marked so downstream code can distinguish "CSOT applies,
// no deadline" from "CSOT was never engaged".
func MakeTimeoutContext(ctx context.Context, to time.Duration) (context.Context, context.CancelFunc) {
	cancelFunc := func() {}
	if to != 0 {
		ctx, cancelFunc = context.WithTimeout(ctx, to)
	}
	return context.WithValue(ctx, timeoutKey{}, true), cancelFunc
}

// IsTimeoutContext reports whether ctx was produced by MakeTimeoutContext.
func IsTimeoutContext(ctx context.Context) bool {
	return ctx.Value(timeoutKey{}) != nil
}

type skipMaxTime struct{}

// NewSkipMaxTimeContext marks ctx so operation construction omits maxTimeMS
// regardless of the context deadline. Monitor heartbeats use this: a
// streaming hello's maxAwaitTimeMS is computed explicitly from
// heartbeatFrequencyMS, not derived from the monitor goroutine's own
// context deadline.
func NewSkipMaxTimeContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, skipMaxTime{}, true)
}

// IsSkipMaxTimeContext reports whether ctx was marked by
// NewSkipMaxTimeContext.
func IsSkipMaxTimeContext(ctx context.Context) bool {
	return ctx.Value(skipMaxTime{}) != nil
}

// WithServerSelectionTimeout derives a context whose deadline is the
// minimum of the parent's existing deadline (if any) and
// serverSelectionTimeout. Non-positive values of serverSelectionTimeout are
// treated as "unset" per SPEC_FULL.md §4.7 step 1's 30s default being a
// fallback, not a floor.
func WithServerSelectionTimeout(
	parent context.Context,
	serverSelectionTimeout time.Duration,
) (context.Context, context.CancelFunc) {
	var timeout time.Duration

	deadline, ok := parent.Deadline()
	if ok {
		timeout = time.Until(deadline)
	}

	if !ok && serverSelectionTimeout <= 0 {
		return parent, func() {}
	}

	if !ok {
		timeout = serverSelectionTimeout
	} else if serverSelectionTimeout > 0 && serverSelectionTimeout < timeout {
		timeout = serverSelectionTimeout
	}

	return context.WithTimeout(parent, timeout)
}

// RemainingOrMax returns the time remaining until ctx's deadline, or max if
// ctx carries no deadline. Backoff computations use this to ensure a retry
// delay never exceeds the operation's remaining budget (SPEC_FULL.md §7).
func RemainingOrMax(ctx context.Context, max time.Duration) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return max
	}
	remaining := time.Until(deadline)
	if remaining < max {
		return remaining
	}
	return max
}
