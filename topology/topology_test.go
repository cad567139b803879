// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"testing"
	"time"

	"github.com/mongocore/go-driver-core/address"
	"github.com/mongocore/go-driver-core/description"
	"github.com/mongocore/go-driver-core/options"
)

func TestNewResolvesDirectKind(t *testing.T) {
	cfg, err := options.Client().SetHosts([]string{"a:27017"}).SetDirect(true).ArgsSetters()
	if err != nil {
		t.Fatal(err)
	}
	topo, err := New(cfg)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if topo.Description().Kind != description.Single {
		t.Fatalf("expected Single, got %v", topo.Description().Kind)
	}
}

func TestNewResolvesReplicaSetKind(t *testing.T) {
	cfg, err := options.Client().SetHosts([]string{"a:27017", "b:27017"}).SetReplicaSet("rs0").ArgsSetters()
	if err != nil {
		t.Fatal(err)
	}
	topo, err := New(cfg)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if topo.Description().Kind != description.ReplicaSetNoPrimary {
		t.Fatalf("expected ReplicaSetNoPrimary, got %v", topo.Description().Kind)
	}
}

func TestNewRejectsEmptyHosts(t *testing.T) {
	cfg, err := options.Client().ArgsSetters()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := New(cfg); err == nil {
		t.Fatal("expected New to reject a ClientOptions with no hosts")
	}
}

func TestNewSeedsOneServerPerHost(t *testing.T) {
	cfg, err := options.Client().SetHosts([]string{"a:27017", "b:27017"}).SetReplicaSet("rs0").ArgsSetters()
	if err != nil {
		t.Fatal(err)
	}
	topo, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if len(topo.servers) != 2 {
		t.Fatalf("expected 2 seeded servers, got %d", len(topo.servers))
	}
}

// driveRun starts the writer goroutine directly (bypassing Connect, so no
// real per-server monitor dials anything) and feeds it synthetic
// description.Server updates, the way every monitor's callback would.
func driveRun(t *testing.T, topo *Topology) {
	t.Helper()
	go topo.run()
	t.Cleanup(func() { close(topo.done) })
}

func TestApplyDiscoversPrimaryAndPublishes(t *testing.T) {
	cfg, err := options.Client().SetHosts([]string{"a:27017"}).SetReplicaSet("rs0").ArgsSetters()
	if err != nil {
		t.Fatal(err)
	}
	topo, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	driveRun(t, topo)

	sub := topo.Subscribe()
	defer sub.Unsubscribe()
	<-sub.C // drain the initial snapshot pushed at Subscribe time

	topo.updates <- description.Server{
		Addr:       "a:27017",
		Kind:       description.RSPrimary,
		SetName:    "rs0",
		SetVersion: 1,
		Hosts:      []address.Address{"a:27017", "b:27017"},
	}

	select {
	case desc := <-sub.C:
		if desc.Kind != description.ReplicaSetWithPrimary {
			t.Fatalf("expected ReplicaSetWithPrimary, got %v", desc.Kind)
		}
		if _, ok := desc.Servers["b:27017"]; !ok {
			t.Fatal("expected the primary's host list to discover b:27017")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the topology update to publish")
	}

	// reconcileServers should have registered a Server for the newly
	// discovered host.
	if topo.FindServer("b:27017") == nil {
		t.Fatal("expected a Server to be registered for the newly discovered host")
	}
}

func TestSubscribeDeliversCurrentSnapshotImmediately(t *testing.T) {
	cfg, err := options.Client().SetHosts([]string{"a:27017"}).SetDirect(true).ArgsSetters()
	if err != nil {
		t.Fatal(err)
	}
	topo, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}

	sub := topo.Subscribe()
	defer sub.Unsubscribe()
	select {
	case desc := <-sub.C:
		if desc.Kind != description.Single {
			t.Fatalf("expected the pre-seeded Single snapshot, got %v", desc.Kind)
		}
	default:
		t.Fatal("expected Subscribe to pre-populate the channel with the current snapshot")
	}
}
