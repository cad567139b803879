// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

import (
	"fmt"

	"github.com/mongocore/go-driver-core/address"
)

// Topology is an immutable snapshot of every known server and the
// cluster's overall kind (SPEC_FULL.md §3). A Topology is never mutated in
// place; Apply returns a new value built from the previous one plus one
// incoming Server update. The topology package's single writer goroutine is
// the only caller of Apply; everyone else reads snapshots.
type Topology struct {
	Kind    TopologyKind
	Servers map[address.Address]Server

	SetName string

	MaxElectionID  string
	MaxSetVersion  uint32

	SessionTimeoutMinutes *int64

	CompatibilityErr error
}

// New constructs the initial Topology for the given seed list and starting
// kind (Single for directConnection, ReplicaSetNoPrimary/Unknown
// otherwise, decided by the caller per the URI options it parsed).
func New(kind TopologyKind, setName string, seeds ...address.Address) Topology {
	servers := make(map[address.Address]Server, len(seeds))
	for _, a := range seeds {
		servers[a] = NewDefaultServer(a)
	}
	return Topology{Kind: kind, Servers: servers, SetName: setName}
}

// Clone returns a shallow copy of t suitable as the basis for Apply; the
// Servers map is copied so the original snapshot remains untouched.
func (t Topology) Clone() Topology {
	servers := make(map[address.Address]Server, len(t.Servers))
	for k, v := range t.Servers {
		servers[k] = v
	}
	t.Servers = servers
	return t
}

// HasServer reports whether addr is known to t.
func (t Topology) HasServer(addr address.Address) bool {
	_, ok := t.Servers[addr]
	return ok
}

// Primary returns the address of the current primary and true, or the
// zero address and false if there is none.
func (t Topology) Primary() (address.Address, bool) {
	for addr, s := range t.Servers {
		if s.Kind == RSPrimary {
			return addr, true
		}
	}
	return "", false
}

// Apply folds one incoming Server description into t, returning the new
// Topology snapshot per the SDAM transition rules (SPEC_FULL.md §4.5). It
// is a pure function: the same (t, srv) pair always yields the same
// result, which is what lets the topology writer goroutine be the sole
// mutator while still being simple to unit test.
func Apply(t Topology, srv Server) Topology {
	if !t.HasServer(srv.Addr) {
		// The server was already removed (e.g. not in the primary's host
		// list); a late-arriving update for it is discarded.
		return t
	}

	if existing := t.Servers[srv.Addr]; existing.TopologyVersion != nil && srv.TopologyVersion != nil {
		if CompareTopologyVersion(existing.TopologyVersion, srv.TopologyVersion) > 0 {
			// Stale update; monotonicity invariant (SPEC_FULL.md §5).
			return t
		}
	}

	next := t.Clone()

	switch t.Kind {
	case LoadBalanced:
		// SDAM does not apply behind a load balancer; the one "server" is
		// always considered selectable.
		next.Servers[srv.Addr] = srv
		return next
	case Single:
		next.Servers[srv.Addr] = srv
		return next
	case TopologyKindUnknown:
		return applyToUnknown(next, srv)
	case Sharded:
		return applyToSharded(next, srv)
	case ReplicaSetNoPrimary:
		return applyToRSNoPrimary(next, srv)
	case ReplicaSetWithPrimary:
		return applyToRSWithPrimary(next, srv)
	default:
		next.Servers[srv.Addr] = srv
		return next
	}
}

func applyToUnknown(t Topology, srv Server) Topology {
	switch srv.Kind {
	case Standalone:
		if len(t.Servers) == 1 {
			t.Kind = Single
			t.Servers[srv.Addr] = srv
			return t
		}
		delete(t.Servers, srv.Addr)
		return t
	case Mongos:
		t.Kind = Sharded
		t.Servers[srv.Addr] = srv
		return t
	case RSPrimary:
		t.Servers[srv.Addr] = srv
		return updateRSFromPrimary(t, srv)
	case RSSecondary, RSArbiter, RSOther:
		t.Kind = ReplicaSetNoPrimary
		t.Servers[srv.Addr] = srv
		return updateRSWithoutPrimary(t, srv)
	default:
		t.Servers[srv.Addr] = srv
		return t
	}
}

func applyToSharded(t Topology, srv Server) Topology {
	switch srv.Kind {
	case Mongos, Unknown:
		t.Servers[srv.Addr] = srv
		return t
	default:
		delete(t.Servers, srv.Addr)
		return t
	}
}

func applyToRSNoPrimary(t Topology, srv Server) Topology {
	switch srv.Kind {
	case Standalone, Mongos:
		delete(t.Servers, srv.Addr)
		return t
	case RSPrimary:
		t.Servers[srv.Addr] = srv
		t.Kind = ReplicaSetWithPrimary
		return updateRSFromPrimary(t, srv)
	case RSSecondary, RSArbiter, RSOther:
		t.Servers[srv.Addr] = srv
		return updateRSWithoutPrimary(t, srv)
	default:
		t.Servers[srv.Addr] = srv
		return t
	}
}

func applyToRSWithPrimary(t Topology, srv Server) Topology {
	switch srv.Kind {
	case Standalone, Mongos:
		delete(t.Servers, srv.Addr)
		return checkHasPrimary(t)
	case RSPrimary:
		if isStalePrimary(t, srv) {
			// A second primary claims an election/setVersion pair that is
			// not newer than what we've already recorded: demote it
			// instead of believing it.
			unknown := NewServerFromError(srv.Addr, fmt.Errorf("stale primary election"), srv.TopologyVersion)
			t.Servers[srv.Addr] = unknown
			return checkHasPrimary(t)
		}
		t.Servers[srv.Addr] = srv
		return updateRSFromPrimary(t, srv)
	case RSSecondary, RSArbiter, RSOther:
		t.Servers[srv.Addr] = srv
		return checkHasPrimary(t)
	default:
		t.Servers[srv.Addr] = srv
		return checkHasPrimary(t)
	}
}

// isStalePrimary reports whether srv's (setVersion, electionId) pair is not
// newer than the topology's recorded maximum (SPEC_FULL.md §4.5).
func isStalePrimary(t Topology, srv Server) bool {
	if t.MaxSetVersion == 0 && t.MaxElectionID == "" {
		return false
	}
	if srv.SetVersion < t.MaxSetVersion {
		return true
	}
	if srv.SetVersion == t.MaxSetVersion && srv.ElectionID != "" && srv.ElectionID < t.MaxElectionID {
		return true
	}
	return false
}

// updateRSFromPrimary installs the topology's set name, records the
// primary's (setVersion, electionId) as the new maximum, demotes any
// other server currently marked RSPrimary, and removes any known server
// absent from the primary's host list (SPEC_FULL.md §4.5).
func updateRSFromPrimary(t Topology, primary Server) Topology {
	if t.SetName == "" {
		t.SetName = primary.SetName
	} else if t.SetName != primary.SetName {
		delete(t.Servers, primary.Addr)
		return checkHasPrimary(t)
	}

	if primary.SetVersion > t.MaxSetVersion ||
		(primary.SetVersion == t.MaxSetVersion && primary.ElectionID > t.MaxElectionID) {
		t.MaxSetVersion = primary.SetVersion
		t.MaxElectionID = primary.ElectionID
	}

	for addr, s := range t.Servers {
		if addr == primary.Addr {
			continue
		}
		if s.Kind == RSPrimary {
			t.Servers[addr] = NewServerFromError(addr, fmt.Errorf("more recent primary elected"), s.TopologyVersion)
		}
	}

	known := make(map[address.Address]struct{})
	for _, h := range primary.Hosts {
		known[h] = struct{}{}
	}
	for _, h := range primary.Passives {
		known[h] = struct{}{}
	}
	for _, h := range primary.Arbiters {
		known[h] = struct{}{}
	}
	for addr := range t.Servers {
		if addr == primary.Addr {
			continue
		}
		if _, ok := known[addr]; !ok && len(known) > 0 {
			delete(t.Servers, addr)
		}
	}
	for h := range known {
		if _, ok := t.Servers[h]; !ok {
			t.Servers[h] = NewDefaultServer(h)
		}
	}

	return checkHasPrimary(t)
}

// updateRSWithoutPrimary adopts the reporting secondary/arbiter/other's set
// name if the topology doesn't have one yet, and discovers any hosts it
// lists that aren't yet known.
func updateRSWithoutPrimary(t Topology, srv Server) Topology {
	if t.SetName == "" {
		t.SetName = srv.SetName
	} else if t.SetName != srv.SetName {
		delete(t.Servers, srv.Addr)
		return t
	}

	for _, h := range srv.Hosts {
		if _, ok := t.Servers[h]; !ok {
			t.Servers[h] = NewDefaultServer(h)
		}
	}
	return t
}

func checkHasPrimary(t Topology) Topology {
	if _, ok := t.Primary(); ok {
		t.Kind = ReplicaSetWithPrimary
	} else {
		t.Kind = ReplicaSetNoPrimary
	}
	return t
}

// CheckCompatibility recomputes CompatibilityErr from the current server
// set: any known (non-Unknown) server whose wire-version range doesn't
// overlap SupportedWireVersions makes the whole topology unusable
// (SPEC_FULL.md §4.5).
func CheckCompatibility(t Topology) Topology {
	t.CompatibilityErr = nil
	for _, s := range t.Servers {
		if s.Kind == Unknown || s.WireVersion == nil {
			continue
		}
		if s.WireVersion.Max < SupportedWireVersions.Min {
			t.CompatibilityErr = fmt.Errorf(
				"server at %s reports wire version max %d, but this client requires at least %d (server too old)",
				s.Addr, s.WireVersion.Max, SupportedWireVersions.Min)
			return t
		}
		if s.WireVersion.Min > SupportedWireVersions.Max {
			t.CompatibilityErr = fmt.Errorf(
				"server at %s reports wire version min %d, but this client supports up to %d (server too new)",
				s.Addr, s.WireVersion.Min, SupportedWireVersions.Max)
			return t
		}
	}
	return t
}
