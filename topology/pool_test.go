// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/mongocore/go-driver-core/address"
)

// listenLoopback starts a TCP listener that accepts and holds connections
// open (never reading or writing), enough for dialConnection to succeed
// without a real mongod on the other end. The pool tests below configure
// Handshake: nil, so no hello round trip is attempted.
func listenLoopback(t *testing.T) (address.Address, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening on loopback: %v", err)
	}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() { _ = c }() // held open until the listener closes it
		}
	}()
	return address.Address(ln.Addr().String()), func() { ln.Close() }
}

func TestPoolCheckOutReusesIdleConnection(t *testing.T) {
	addr, cleanup := listenLoopback(t)
	defer cleanup()

	p := newPool(poolConfig{Address: addr, MaxPoolSize: 2})
	p.ready()
	defer p.close(context.Background())

	ctx := context.Background()
	c1, err := p.checkOut(ctx)
	if err != nil {
		t.Fatalf("checkOut: %v", err)
	}
	p.checkIn(c1)

	c2, err := p.checkOut(ctx)
	if err != nil {
		t.Fatalf("checkOut: %v", err)
	}
	if c2 != c1 {
		t.Fatal("expected the second checkout to reuse the checked-in connection")
	}
	p.checkIn(c2)
}

func TestPoolCheckOutBlocksAtMaxPoolSize(t *testing.T) {
	addr, cleanup := listenLoopback(t)
	defer cleanup()

	p := newPool(poolConfig{Address: addr, MaxPoolSize: 1})
	p.ready()
	defer p.close(context.Background())

	c1, err := p.checkOut(context.Background())
	if err != nil {
		t.Fatalf("checkOut: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := p.checkOut(ctx); err == nil {
		t.Fatal("expected checkOut to block and time out with the single connection already checked out")
	}

	p.checkIn(c1)
}

func TestPoolClearInvalidatesCheckedOutConnection(t *testing.T) {
	addr, cleanup := listenLoopback(t)
	defer cleanup()

	p := newPool(poolConfig{Address: addr, MaxPoolSize: 2})
	p.ready()
	defer p.close(context.Background())

	c1, err := p.checkOut(context.Background())
	if err != nil {
		t.Fatalf("checkOut: %v", err)
	}
	gen := c1.Generation()

	p.clear(nil)

	if !c1.Stale(p.currentGeneration()) {
		t.Fatal("expected the pre-clear connection to be stale against the bumped generation")
	}
	if p.currentGeneration() == gen {
		t.Fatal("expected clear to bump the pool generation")
	}

	// Checking in a stale connection discards it rather than returning it
	// to the idle set.
	p.checkIn(c1)
	total, idle := p.stats()
	if idle != 0 {
		t.Fatalf("expected 0 idle connections after checking in a stale one, got %d", idle)
	}
	_ = total
}

// TestPoolCheckOutFailsFastWhenAdmissionQueueSaturated drives enough
// concurrent checkouts against a near-zero ingress rate that the admission
// queue (capped at 1 here) is certain to already be full when a later
// caller arrives, and expects ErrSystemOverloaded rather than a block.
func TestPoolCheckOutFailsFastWhenAdmissionQueueSaturated(t *testing.T) {
	addr, cleanup := listenLoopback(t)
	defer cleanup()

	p := newPool(poolConfig{
		Address:              addr,
		MaxPoolSize:          10,
		MaxIngressRate:       0.001, // effectively one token per 1000s
		IngressMaxQueueDepth: 1,
	})
	p.ready()
	defer p.close(context.Background())

	// Burst is MaxIngressRate+1 == 1, so the very first Reserve() succeeds
	// immediately and consumes the only token; everything after queues.
	first := make(chan struct{})
	go func() {
		defer close(first)
		ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
		defer cancel()
		if _, err := p.checkOut(ctx); err != nil {
			t.Errorf("first checkOut: unexpected error %v", err)
		}
	}()
	<-time.After(20 * time.Millisecond) // let the first caller consume the only token and release its admission slot

	second := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
		defer cancel()
		_, err := p.checkOut(ctx)
		second <- err
	}()
	<-time.After(20 * time.Millisecond) // second caller now occupies the depth-1 admission queue

	if _, err := p.checkOut(context.Background()); err != ErrSystemOverloaded {
		t.Fatalf("expected ErrSystemOverloaded once the admission queue is saturated, got %v", err)
	}

	<-first
	<-second
}

// TestPoolCheckIdleLivenessDropsClosedPeerConnection checks that an idle
// connection whose peer has closed its half of the socket is dropped by
// checkIdleLiveness rather than being handed out on the next checkout.
func TestPoolCheckIdleLivenessDropsClosedPeerConnection(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	addr := address.Address(ln.Addr().String())
	p := newPool(poolConfig{Address: addr, MaxPoolSize: 2})
	p.ready()
	defer p.close(context.Background())

	c1, err := p.checkOut(context.Background())
	if err != nil {
		t.Fatalf("checkOut: %v", err)
	}
	p.checkIn(c1)

	peer := <-accepted
	peer.Close() // simulate the server closing its side while the connection sits idle

	// Give the FIN a moment to land locally before probing.
	<-time.After(50 * time.Millisecond)
	p.checkIdleLiveness()

	_, idle := p.stats()
	if idle != 0 {
		t.Fatalf("expected checkIdleLiveness to drop the dead idle connection, got %d idle", idle)
	}
}

func TestPoolCheckOutAfterCloseFails(t *testing.T) {
	addr, cleanup := listenLoopback(t)
	defer cleanup()

	p := newPool(poolConfig{Address: addr, MaxPoolSize: 1})
	p.ready()
	p.close(context.Background())

	if _, err := p.checkOut(context.Background()); err != ErrPoolClosed {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}
}
