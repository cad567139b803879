// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"testing"

	"github.com/mongocore/go-driver-core/bsoncore"
	"github.com/mongocore/go-driver-core/description"
)

func TestDialConnectionAgainstLoopbackListener(t *testing.T) {
	addr, cleanup := listenLoopback(t)
	defer cleanup()

	c, err := dialConnection(context.Background(), 1, addr, 0, nil, 0)
	if err != nil {
		t.Fatalf("dialConnection: %v", err)
	}
	defer c.close()

	if c.Generation() != 0 {
		t.Fatalf("expected generation 0, got %d", c.Generation())
	}
	if c.Stale(1) == false {
		t.Fatal("expected a generation-0 connection to be stale against generation 1")
	}
	if c.Stale(0) {
		t.Fatal("expected a generation-0 connection to not be stale against generation 0")
	}
}

func TestDialConnectionFailsAgainstClosedPort(t *testing.T) {
	addr, cleanup := listenLoopback(t)
	cleanup() // close it immediately, nothing is listening anymore

	if _, err := dialConnection(context.Background(), 1, addr, 0, nil, 0); err == nil {
		t.Fatal("expected an error dialing a closed listener")
	}
}

func TestConnectionPinUnpin(t *testing.T) {
	addr, cleanup := listenLoopback(t)
	defer cleanup()
	c, err := dialConnection(context.Background(), 1, addr, 0, nil, 0)
	if err != nil {
		t.Fatalf("dialConnection: %v", err)
	}
	defer c.close()

	if c.Pinned() {
		t.Fatal("expected a fresh connection to be unpinned")
	}
	c.Pin()
	if !c.Pinned() {
		t.Fatal("expected Pin to mark the connection pinned")
	}
	c.Unpin()
	if c.Pinned() {
		t.Fatal("expected Unpin to clear the pin")
	}
}

func TestConnectionDescriptionDefaultsToZeroValue(t *testing.T) {
	addr, cleanup := listenLoopback(t)
	defer cleanup()
	c, err := dialConnection(context.Background(), 1, addr, 0, nil, 0)
	if err != nil {
		t.Fatalf("dialConnection: %v", err)
	}
	defer c.close()

	if c.Description().Kind != description.Unknown {
		t.Fatalf("expected Unknown before any handshake sets a description, got %v", c.Description().Kind)
	}

	srv := description.Server{Addr: addr, Kind: description.Standalone}
	c.setDescription(srv)
	if c.Description().Kind != description.Standalone {
		t.Fatal("expected setDescription to be observable via Description")
	}
}

func TestConnectionLastUsedOIDCToken(t *testing.T) {
	addr, cleanup := listenLoopback(t)
	defer cleanup()
	c, err := dialConnection(context.Background(), 1, addr, 0, nil, 0)
	if err != nil {
		t.Fatalf("dialConnection: %v", err)
	}
	defer c.close()

	if c.LastUsedOIDCToken() != "" {
		t.Fatal("expected no token before any OIDC auth")
	}
	c.SetLastUsedOIDCToken("tok-1")
	if c.LastUsedOIDCToken() != "tok-1" {
		t.Fatalf("expected tok-1, got %q", c.LastUsedOIDCToken())
	}
}

func TestConnectionIDIncludesAddressGenerationAndID(t *testing.T) {
	addr, cleanup := listenLoopback(t)
	defer cleanup()
	c, err := dialConnection(context.Background(), 7, addr, 3, nil, 0)
	if err != nil {
		t.Fatalf("dialConnection: %v", err)
	}
	defer c.close()

	id := c.ID()
	want := string(addr) + "[-3-7]"
	if id != want {
		t.Fatalf("got %q, want %q", id, want)
	}
}

func TestConnectionWriteCommandThenCloseErrorsOnReuse(t *testing.T) {
	addr, cleanup := listenLoopback(t)
	defer cleanup()
	c, err := dialConnection(context.Background(), 1, addr, 0, nil, 0)
	if err != nil {
		t.Fatalf("dialConnection: %v", err)
	}

	if err := c.close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	// Closing twice must not panic or double-close the underlying fd.
	if err := c.close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	cmd := bsoncore.NewDocumentBuilder().AppendInt32("ping", 1).Build()
	if _, err := c.WriteCommand(context.Background(), "ping", cmd, nil); err == nil {
		t.Fatal("expected writing to a closed connection to fail")
	}
}
