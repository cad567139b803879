// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package address provides the canonical server-address type used to key
// servers, pools, and topology snapshots throughout the core.
package address

import (
	"net"
	"strings"
)

// Address is a host/port pair or a UNIX domain socket path. Its String form
// is the canonical, comparable representation: lowercased, with IPv6 hosts
// bracketed.
type Address string

// Network returns "unix" for a socket path ending in ".sock", else "tcp".
func (a Address) Network() string {
	if strings.HasSuffix(string(a), ".sock") {
		return "unix"
	}
	return "tcp"
}

// String returns the canonical form of the address.
func (a Address) String() string {
	s := string(a)
	if s == "" {
		return "localhost:27017"
	}
	if a.Network() == "unix" {
		return s
	}

	host, port, err := net.SplitHostPort(s)
	if err != nil {
		// No port present; treat the whole value as a host.
		host = s
		port = ""
	}
	host = strings.ToLower(strings.Trim(host, "[]"))
	if port == "" {
		port = "27017"
	}
	return net.JoinHostPort(host, port)
}

// Canonicalize returns a new Address built from String(), ensuring repeated
// canonicalization is a no-op.
func (a Address) Canonicalize() Address {
	return Address(a.String())
}

// Empty reports whether a is the zero-value address.
func (a Address) Empty() bool {
	return a == ""
}
