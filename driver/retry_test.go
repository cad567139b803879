// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"testing"
	"time"
)

func TestBackoffDelayWithinJitterBounds(t *testing.T) {
	for i := 0; i < 50; i++ {
		d := backoffDelay(1, time.Second)
		min := time.Duration(float64(backoffBase) * (1 - backoffJitter))
		max := time.Duration(float64(backoffBase) * (1 + backoffJitter))
		if d < min || d > max {
			t.Fatalf("delay %v outside [%v, %v]", d, min, max)
		}
	}
}

func TestBackoffDelayClampedToRemaining(t *testing.T) {
	d := backoffDelay(1, time.Millisecond)
	if d > time.Millisecond {
		t.Fatalf("delay %v exceeds remaining budget of 1ms", d)
	}
}

func TestBackoffDelayGrowsWithAttempt(t *testing.T) {
	// Jitter makes any single pair noisy, so compare averages over several
	// draws instead of individual samples.
	var sum1, sum3 time.Duration
	const n = 200
	for i := 0; i < n; i++ {
		sum1 += backoffDelay(1, time.Hour)
		sum3 += backoffDelay(3, time.Hour)
	}
	if sum3 <= sum1 {
		t.Fatalf("expected attempt 3's average delay (%v) to exceed attempt 1's (%v)", sum3/n, sum1/n)
	}
}
