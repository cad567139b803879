// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

import "testing"

func TestServerKindStringNamesAllKinds(t *testing.T) {
	cases := map[ServerKind]string{
		Unknown:      "Unknown",
		Standalone:   "Standalone",
		Mongos:       "Mongos",
		RSPrimary:    "RSPrimary",
		RSSecondary:  "RSSecondary",
		RSArbiter:    "RSArbiter",
		RSOther:      "RSOther",
		RSGhost:      "RSGhost",
		LoadBalancer: "LoadBalancer",
	}
	for kind, want := range cases {
		if got := kind.String(); got != want {
			t.Errorf("%v: got %q, want %q", kind, got, want)
		}
	}
}

func TestServerKindIsReplicaSetMember(t *testing.T) {
	members := []ServerKind{RSPrimary, RSSecondary, RSArbiter, RSOther, RSGhost}
	for _, kind := range members {
		if !kind.IsReplicaSetMember() {
			t.Errorf("expected %v to be a replica set member", kind)
		}
	}
	nonMembers := []ServerKind{Unknown, Standalone, Mongos, LoadBalancer}
	for _, kind := range nonMembers {
		if kind.IsReplicaSetMember() {
			t.Errorf("expected %v to not be a replica set member", kind)
		}
	}
}

func TestServerKindIsDataBearing(t *testing.T) {
	bearing := []ServerKind{Standalone, Mongos, RSPrimary, RSSecondary, LoadBalancer}
	for _, kind := range bearing {
		if !kind.IsDataBearing() {
			t.Errorf("expected %v to be data-bearing", kind)
		}
	}
	notBearing := []ServerKind{Unknown, RSArbiter, RSOther, RSGhost}
	for _, kind := range notBearing {
		if kind.IsDataBearing() {
			t.Errorf("expected %v to not be data-bearing", kind)
		}
	}
}
