// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package oidc implements the process-wide MONGODB-OIDC token cache
// (SPEC_FULL.md §4.8): a single-flighted callback with a minimum call
// spacing and token-keyed invalidation for reauthentication.
package oidc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mongocore/go-driver-core/internal/clock"
	"github.com/mongocore/go-driver-core/options"
)

// minCallSpacing is the floor on how often the callback may be invoked,
// preventing a thundering herd of reauthenticating connections from
// hammering the identity provider (SPEC_FULL.md §4.8).
const minCallSpacing = 100 * time.Millisecond

// maxCallbackTimeout bounds a single callback invocation even if the
// caller's deadline is further out.
const maxCallbackTimeout = 60 * time.Second

// apiVersion is the only OIDC callback API version this core speaks.
const apiVersion = 1

// Cache is a process-wide (one per distinct credential, in practice one
// per Client) token cache. The zero value is not usable; construct with
// New.
type Cache struct {
	callback options.OIDCCallback
	clock    clock.Clock

	mu           sync.Mutex
	cachedToken  string
	refreshToken *string
	idpInfo      *options.IDPServerInfo
	lastCallTime time.Time
	haveCalled   bool

	group singleflight.Group
}

// New returns a Cache that invokes cb to mint tokens.
func New(cb options.OIDCCallback) *Cache {
	return &Cache{callback: cb, clock: clock.Default}
}

// NewWithClock is New with an injectable clock, for tests asserting the
// 100ms minimum call spacing without a real sleep.
func NewWithClock(cb options.OIDCCallback, c clock.Clock) *Cache {
	return &Cache{callback: cb, clock: c}
}

// SetIDPInfo records the identity provider descriptor returned by the
// server's saslStart reply, passed to the callback on subsequent calls.
func (c *Cache) SetIDPInfo(info *options.IDPServerInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.idpInfo = info
}

// ErrCallbackFailed wraps any error returned by the configured callback.
type ErrCallbackFailed struct{ Wrapped error }

func (e *ErrCallbackFailed) Error() string { return fmt.Sprintf("oidc: callback failed: %s", e.Wrapped) }
func (e *ErrCallbackFailed) Unwrap() error  { return e.Wrapped }

// GetToken returns the cached token if one is present, otherwise invokes
// the callback (deduplicating concurrent callers into a single in-flight
// call) and caches the result. wasCached reports which path was taken.
func (c *Cache) GetToken(ctx context.Context) (token string, wasCached bool, err error) {
	c.mu.Lock()
	if c.cachedToken != "" {
		tok := c.cachedToken
		c.mu.Unlock()
		return tok, true, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do("get-token", func() (interface{}, error) {
		return c.callCallback(ctx)
	})
	if err != nil {
		return "", false, err
	}
	return v.(string), false, nil
}

func (c *Cache) callCallback(ctx context.Context) (string, error) {
	// Re-check under the lock: another singleflight generation may have
	// populated the cache between our first check and winning the race to
	// call the callback.
	c.mu.Lock()
	if c.cachedToken != "" {
		tok := c.cachedToken
		c.mu.Unlock()
		return tok, nil
	}

	if c.haveCalled {
		if wait := minCallSpacing - c.clock.Now().Sub(c.lastCallTime); wait > 0 {
			c.mu.Unlock()
			timer := c.clock.NewTimer(wait)
			select {
			case <-timer.C():
			case <-ctx.Done():
				timer.Stop()
				return "", ctx.Err()
			}
			c.mu.Lock()
		}
	}
	c.mu.Unlock()

	callCtx := ctx
	var cancel context.CancelFunc
	if deadline, ok := ctx.Deadline(); !ok || c.clock.Now().Add(maxCallbackTimeout).Before(deadline) {
		callCtx, cancel = context.WithTimeout(ctx, maxCallbackTimeout)
		defer cancel()
	}

	c.mu.Lock()
	args := &options.OIDCArgs{Version: apiVersion, IDPInfo: c.idpInfo, RefreshToken: c.refreshToken}
	c.mu.Unlock()

	cred, err := c.callback(callCtx, args)

	c.mu.Lock()
	c.lastCallTime = c.clock.Now()
	c.haveCalled = true
	if err != nil {
		c.mu.Unlock()
		return "", &ErrCallbackFailed{Wrapped: err}
	}
	c.cachedToken = cred.AccessToken
	c.refreshToken = cred.RefreshToken
	c.mu.Unlock()

	return cred.AccessToken, nil
}

// PeekToken returns a cached token without invoking the callback,
// letting a caller that can tolerate skipping authentication entirely
// when no token is cached yet (e.g. the handshake's speculative
// authentication path) avoid forcing a callback invocation just to
// populate a first hello (SPEC_FULL.md §4.2).
func (c *Cache) PeekToken() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cachedToken, c.cachedToken != ""
}

// Invalidate clears the cached token if it still equals token, keyed by
// value so a thread invalidating a token it just used can't clobber
// another thread's fresher one (SPEC_FULL.md §4.8).
func (c *Cache) Invalidate(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cachedToken == token {
		c.cachedToken = ""
	}
}
