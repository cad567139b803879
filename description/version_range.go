// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

import "fmt"

// VersionRange represents a range of wire protocol versions a server
// claims to support.
type VersionRange struct {
	Min int32
	Max int32
}

// NewVersionRange constructs a VersionRange.
func NewVersionRange(min, max int32) VersionRange {
	return VersionRange{Min: min, Max: max}
}

// Includes reports whether version falls within [Min, Max].
func (vr VersionRange) Includes(version int32) bool {
	return version >= vr.Min && version <= vr.Max
}

func (vr VersionRange) String() string {
	return fmt.Sprintf("[%d, %d]", vr.Min, vr.Max)
}

// SupportedWireVersions is the range of wire versions this core
// understands. A server outside this range sets the topology's
// compatibility error (SPEC_FULL.md §4.5).
var SupportedWireVersions = NewVersionRange(MinSupportedWireVersion, MaxSupportedWireVersion)

// MinSupportedWireVersion is the lowest wire version with unified OP_MSG
// command framing; this core refuses anything older (SPEC_FULL.md §1
// Non-goals).
const MinSupportedWireVersion = 6

// MaxSupportedWireVersion is the highest wire version this core has been
// validated against.
const MaxSupportedWireVersion = 25

// RetryableWritesMinWireVersion is the minimum wire version required for
// retryable writes (SPEC_FULL.md §4.7).
const RetryableWritesMinWireVersion = 6

// StreamingHelloMinWireVersion is the minimum wire version required to use
// streaming (awaitable) hello instead of polling (SPEC_FULL.md §4.4).
const StreamingHelloMinWireVersion = 17
