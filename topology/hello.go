// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"fmt"
	"time"

	"github.com/mongocore/go-driver-core/address"
	"github.com/mongocore/go-driver-core/bsoncore"
	"github.com/mongocore/go-driver-core/description"
)

// parseHelloReply classifies a hello reply into a description.Server per
// the rules in SPEC_FULL.md §3: isWritablePrimary/ismaster + msg:"isdbgrid"
// + setName presence decide ServerKind.
func parseHelloReply(addr address.Address, reply bsoncore.Document) (description.Server, error) {
	if err := reply.Validate(); err != nil {
		return description.Server{}, fmt.Errorf("topology: malformed hello reply: %w", err)
	}

	ok, _ := lookupBool(reply, "ok")
	if !ok {
		return description.Server{}, fmt.Errorf("topology: hello command failed")
	}

	srv := description.Server{
		Addr:           addr,
		LastUpdateTime: time.Now(),
	}

	if v, found := reply.Lookup("setName"); found {
		if s, ok := v.StringValue(); ok {
			srv.SetName = s
		}
	}
	if v, found := reply.Lookup("setVersion"); found {
		if n, ok := v.Int32Value(); ok {
			srv.SetVersion = uint32(n)
		}
	}
	if v, found := reply.Lookup("electionId"); found {
		if _, data, ok := v.BinaryValue(); ok {
			srv.ElectionID = fmt.Sprintf("%x", data)
		}
	}
	if v, found := reply.Lookup("me"); found {
		if s, ok := v.StringValue(); ok {
			srv.Me = address.Address(s)
		}
	}
	if v, found := reply.Lookup("primary"); found {
		if s, ok := v.StringValue(); ok {
			srv.Primary = address.Address(s)
		}
	}
	srv.Hosts = lookupAddressList(reply, "hosts")
	srv.Passives = lookupAddressList(reply, "passives")
	srv.Arbiters = lookupAddressList(reply, "arbiters")

	minWV, hasMin := lookupInt32(reply, "minWireVersion")
	maxWV, hasMax := lookupInt32(reply, "maxWireVersion")
	if hasMin || hasMax {
		vr := description.NewVersionRange(minWV, maxWV)
		srv.WireVersion = &vr
	}

	if v, found := reply.Lookup("topologyVersion"); found {
		if doc, ok := v.DocumentValue(); ok {
			tv := &description.TopologyVersion{}
			if pv, found := doc.Lookup("processId"); found {
				if _, data, ok := pv.BinaryValue(); ok {
					tv.ProcessID = fmt.Sprintf("%x", data)
				} else if s, ok := pv.StringValue(); ok {
					tv.ProcessID = s
				}
			}
			if cv, found := doc.Lookup("counter"); found {
				if n, ok := cv.Int32Value(); ok {
					tv.Counter = int64(n)
				}
			}
			srv.TopologyVersion = tv
		}
	}

	if v, found := reply.Lookup("compression"); found {
		if arr, ok := v.DocumentValue(); ok {
			srv.Compression = lookupStringArray(arr)
		}
	}

	if v, found := reply.Lookup("logicalSessionTimeoutMinutes"); found {
		if n, ok := v.Int32Value(); ok {
			val := int64(n)
			srv.SessionTimeoutMinutes = &val
		}
	}

	srv.Kind = classifyServerKind(reply, srv)
	return srv, nil
}

func classifyServerKind(reply bsoncore.Document, srv description.Server) description.ServerKind {
	if msg, found := reply.Lookup("msg"); found {
		if s, ok := msg.StringValue(); ok && s == "isdbgrid" {
			return description.Mongos
		}
	}

	isPrimary, _ := lookupBool(reply, "isWritablePrimary")
	if !isPrimary {
		isPrimary, _ = lookupBool(reply, "ismaster")
	}
	isSecondary, _ := lookupBool(reply, "secondary")
	isArbiter, _ := lookupBool(reply, "arbiterOnly")
	_, hasSetName := reply.Lookup("setName")
	hidden, _ := lookupBool(reply, "hidden")

	switch {
	case isPrimary && hasSetName:
		return description.RSPrimary
	case isSecondary && hasSetName:
		return description.RSSecondary
	case isArbiter && hasSetName:
		return description.RSArbiter
	case hasSetName:
		if hidden {
			return description.RSOther
		}
		return description.RSOther
	default:
		return description.Standalone
	}
}

func lookupBool(d bsoncore.Document, key string) (bool, bool) {
	v, found := d.Lookup(key)
	if !found {
		return false, false
	}
	return v.BooleanValue()
}

func lookupInt32(d bsoncore.Document, key string) (int32, bool) {
	v, found := d.Lookup(key)
	if !found {
		return 0, false
	}
	return v.Int32Value()
}

func lookupAddressList(d bsoncore.Document, key string) []address.Address {
	v, found := d.Lookup(key)
	if !found {
		return nil
	}
	arr, ok := v.DocumentValue()
	if !ok {
		return nil
	}
	var out []address.Address
	for _, s := range lookupStringArray(arr) {
		out = append(out, address.Address(s).Canonicalize())
	}
	return out
}

func lookupStringArray(arr bsoncore.Document) []string {
	var out []string
	for i := 0; ; i++ {
		v, found := arr.Lookup(fmt.Sprintf("%d", i))
		if !found {
			break
		}
		s, ok := v.StringValue()
		if !ok {
			break
		}
		out = append(out, s)
	}
	return out
}
