// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package oidc

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mongocore/go-driver-core/internal/clock"
	"github.com/mongocore/go-driver-core/options"
)

func TestGetTokenCachesUntilInvalidated(t *testing.T) {
	var calls int32
	cb := func(ctx context.Context, args *options.OIDCArgs) (*options.OIDCCredential, error) {
		n := atomic.AddInt32(&calls, 1)
		return &options.OIDCCredential{AccessToken: "t" + string(rune('0'+n))}, nil
	}
	c := New(cb)

	tok1, cached1, err := c.GetToken(context.Background())
	if err != nil || cached1 || tok1 != "t1" {
		t.Fatalf("first call: tok=%q cached=%v err=%v", tok1, cached1, err)
	}

	tok2, cached2, err := c.GetToken(context.Background())
	if err != nil || !cached2 || tok2 != "t1" {
		t.Fatalf("second call should hit cache: tok=%q cached=%v err=%v", tok2, cached2, err)
	}

	c.Invalidate(tok1)

	tok3, cached3, err := c.GetToken(context.Background())
	if err != nil || cached3 || tok3 != "t2" {
		t.Fatalf("after invalidate: tok=%q cached=%v err=%v", tok3, cached3, err)
	}
}

func TestInvalidateIgnoresStaleToken(t *testing.T) {
	c := New(func(ctx context.Context, args *options.OIDCArgs) (*options.OIDCCredential, error) {
		return &options.OIDCCredential{AccessToken: "t1"}, nil
	})
	if _, _, err := c.GetToken(context.Background()); err != nil {
		t.Fatal(err)
	}

	// A thread invalidating a token it remembers using ("stale") must not
	// clobber a cache that has since moved on to a different value.
	c.mu.Lock()
	c.cachedToken = "t2"
	c.mu.Unlock()

	c.Invalidate("t1")

	c.mu.Lock()
	got := c.cachedToken
	c.mu.Unlock()
	if got != "t2" {
		t.Fatalf("invalidate with stale token cleared a fresher one: got %q", got)
	}
}

func TestConcurrentGetTokenSingleFlights(t *testing.T) {
	var calls int32
	block := make(chan struct{})
	var once sync.Once
	cb := func(ctx context.Context, args *options.OIDCArgs) (*options.OIDCCredential, error) {
		atomic.AddInt32(&calls, 1)
		once.Do(func() { close(block) })
		<-block
		return &options.OIDCCredential{AccessToken: "t1"}, nil
	}
	c := New(cb)

	const n = 8
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			if _, _, err := c.GetToken(context.Background()); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("callback invoked %d times, want 1 (single-flighted)", got)
	}
}

func TestGetTokenEnforcesMinimumCallSpacing(t *testing.T) {
	stub := clock.NewStub(time.Unix(0, 0))
	var callTimes []time.Time
	cb := func(ctx context.Context, args *options.OIDCArgs) (*options.OIDCCredential, error) {
		callTimes = append(callTimes, stub.Now())
		return &options.OIDCCredential{AccessToken: "t"}, nil
	}
	c := NewWithClock(cb, stub)

	tok, _, err := c.GetToken(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	c.Invalidate(tok)

	done := make(chan error, 1)
	go func() {
		_, _, err := c.GetToken(context.Background())
		done <- err
	}()

	// Give the goroutine a moment to block on the spacing timer, then
	// advance the stub clock past the 100ms floor.
	time.Sleep(20 * time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("second call returned before spacing elapsed (err=%v)", err)
	default:
	}

	stub.Advance(minCallSpacing)
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	if len(callTimes) != 2 {
		t.Fatalf("expected 2 callback invocations, got %d", len(callTimes))
	}
	if gap := callTimes[1].Sub(callTimes[0]); gap < minCallSpacing {
		t.Fatalf("spacing between calls was %s, want >= %s", gap, minCallSpacing)
	}
}

func TestCallbackFailureLeavesCacheEmpty(t *testing.T) {
	wantErr := errors.New("idp unreachable")
	c := New(func(ctx context.Context, args *options.OIDCArgs) (*options.OIDCCredential, error) {
		return nil, wantErr
	})

	_, _, err := c.GetToken(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	var cbErr *ErrCallbackFailed
	if !errors.As(err, &cbErr) {
		t.Fatalf("expected ErrCallbackFailed, got %T: %v", err, err)
	}

	c.mu.Lock()
	got := c.cachedToken
	c.mu.Unlock()
	if got != "" {
		t.Fatalf("cache should remain empty after callback failure, got %q", got)
	}
}
