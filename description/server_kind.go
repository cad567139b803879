// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

// ServerKind represents the type of a single server as determined by SDAM
// (SPEC_FULL.md §3).
type ServerKind uint32

// The possible ServerKind values.
const (
	Unknown ServerKind = iota
	Standalone
	Mongos
	RSPrimary
	RSSecondary
	RSArbiter
	RSOther
	RSGhost
	LoadBalancer
)

// String implements fmt.Stringer.
func (kind ServerKind) String() string {
	switch kind {
	case Standalone:
		return "Standalone"
	case Mongos:
		return "Mongos"
	case RSPrimary:
		return "RSPrimary"
	case RSSecondary:
		return "RSSecondary"
	case RSArbiter:
		return "RSArbiter"
	case RSOther:
		return "RSOther"
	case RSGhost:
		return "RSGhost"
	case LoadBalancer:
		return "LoadBalancer"
	default:
		return "Unknown"
	}
}

// IsReplicaSetMember reports whether kind belongs to a replica-set
// topology.
func (kind ServerKind) IsReplicaSetMember() bool {
	switch kind {
	case RSPrimary, RSSecondary, RSArbiter, RSOther, RSGhost:
		return true
	default:
		return false
	}
}

// IsDataBearing reports whether a server of this kind can serve reads or
// writes (i.e. is not an arbiter, ghost, or unknown).
func (kind ServerKind) IsDataBearing() bool {
	switch kind {
	case Standalone, Mongos, RSPrimary, RSSecondary, LoadBalancer:
		return true
	default:
		return false
	}
}
