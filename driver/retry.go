// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"math/rand"
	"time"
)

// backoffBase and backoffJitter parameterize the single retry's delay:
// base * 1.5^(attempt-1) * U(1-jitter, 1+jitter), saturating at
// backoffMax and clamped to whatever of the operation's deadline remains
// (SPEC_FULL.md §4.7).
const (
	backoffBase   = 5 * time.Millisecond
	backoffFactor = 1.5
	backoffJitter = 0.5
	backoffMax    = 500 * time.Millisecond
)

// backoffDelay returns how long to wait before the given retry attempt
// (1-indexed: attempt 1 is the first retry), never exceeding remaining.
func backoffDelay(attempt int, remaining time.Duration) time.Duration {
	d := float64(backoffBase)
	for i := 1; i < attempt; i++ {
		d *= backoffFactor
	}
	jitter := 1 - backoffJitter + rand.Float64()*(2*backoffJitter)
	delay := time.Duration(d * jitter)
	if delay > backoffMax {
		delay = backoffMax
	}
	if delay > remaining {
		return remaining
	}
	if delay < 0 {
		return 0
	}
	return delay
}
