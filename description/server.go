// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

import (
	"fmt"
	"time"

	"github.com/mongocore/go-driver-core/address"
)

// TopologyVersion is the monotonically-increasing (processId, counter)
// pair servers attach to hello replies since 4.4, used to discard stale
// monitor updates (SPEC_FULL.md §5 ordering guarantees).
type TopologyVersion struct {
	ProcessID string
	Counter   int64
}

// CompareTopologyVersion returns -1, 0, or 1 as v1 is older, equal to, or
// newer than v2. A nil TopologyVersion on either side is treated as
// "older than anything" unless both are nil.
func CompareTopologyVersion(v1, v2 *TopologyVersion) int {
	if v1 == nil || v2 == nil {
		if v1 == v2 {
			return 0
		}
		if v1 == nil {
			return -1
		}
		return 1
	}
	if v1.ProcessID != v2.ProcessID {
		// Different process identity: treat the newer write as authoritative
		// only if the processID matches; otherwise there's no ordering, so
		// the new value (v2) always wins (the server restarted).
		return -1
	}
	switch {
	case v1.Counter < v2.Counter:
		return -1
	case v1.Counter > v2.Counter:
		return 1
	default:
		return 0
	}
}

// Server is an immutable snapshot of one server's state as of its last
// heartbeat (SPEC_FULL.md §3). It is replaced wholesale, never mutated, on
// every monitor reply.
type Server struct {
	Addr address.Address
	Kind ServerKind

	AverageRTT      time.Duration
	AverageRTTSet   bool
	HeartbeatInterval time.Duration

	WireVersion *VersionRange
	Tags        map[string]string

	SetName   string
	SetVersion uint32
	ElectionID string // hex-encoded ObjectID; empty if absent

	Primary address.Address
	Hosts   []address.Address
	Passives []address.Address
	Arbiters []address.Address
	Me       address.Address

	LastWriteDate  time.Time
	LastUpdateTime time.Time

	TopologyVersion *TopologyVersion
	Compression     []string

	SessionTimeoutMinutes *int64

	LastError error
}

// NewDefaultServer returns the zero-value Unknown description used before
// the first heartbeat completes.
func NewDefaultServer(addr address.Address) Server {
	return Server{
		Addr:           addr,
		Kind:           Unknown,
		LastUpdateTime: time.Now(),
	}
}

// NewServerFromError synthesizes an Unknown ServerDescription carrying a
// monitor or command-processing error (SPEC_FULL.md §4.5 event 1/2).
func NewServerFromError(addr address.Address, err error, tv *TopologyVersion) Server {
	return Server{
		Addr:            addr,
		Kind:            Unknown,
		LastError:       err,
		LastUpdateTime:  time.Now(),
		TopologyVersion: tv,
	}
}

// SetAverageRTT returns a copy of s with the average RTT updated. Server
// snapshots are immutable once published, so every field change goes
// through a copy-returning method like this one.
func (s Server) SetAverageRTT(rtt time.Duration) Server {
	s.AverageRTT = rtt
	s.AverageRTTSet = true
	return s
}

// String implements fmt.Stringer.
func (s Server) String() string {
	str := fmt.Sprintf("Addr: %s, Type: %s", s.Addr, s.Kind)
	if len(s.Tags) != 0 {
		str += fmt.Sprintf(", Tags: %v", s.Tags)
	}
	if s.LastError != nil {
		str += fmt.Sprintf(", Last error: %s", s.LastError)
	}
	return str
}

// SelectedServer pairs a Server with the TopologyKind it was selected
// from, since some read-preference rules depend on the containing
// topology's kind (e.g. Primary mode is meaningless against Sharded).
type SelectedServer struct {
	Server Server
	Kind   TopologyKind
}
