// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package uri parses a mongodb:// (or mongodb+srv://) connection string
// into its component parts (SPEC_FULL.md §6). SRV record resolution is
// explicitly out of scope: a mongodb+srv:// URI is accepted syntactically
// and its single host is kept as the one seed, unexpanded.
package uri

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ConnString is the parsed form of a mongodb:// URI.
type ConnString struct {
	Original     string
	Scheme       string
	Hosts        []string
	Username     string
	Password     string
	PasswordSet  bool
	AuthSource   string
	AuthMechanism string
	AuthMechanismProperties map[string]string
	Database     string
	ReplicaSet   string
	Direct       bool
	LoadBalanced bool
	AppName      string
	Compressors  []string
	MaxPoolSize  *uint64
	MinPoolSize  *uint64
	MaxConnecting *uint64
	ReadPreference string
	ServerSelectionTimeout *int64 // milliseconds
	SSL          *bool
	SRV          bool
}

// Parse parses a mongodb:// or mongodb+srv:// URI.
func Parse(uri string) (*ConnString, error) {
	cs := &ConnString{Original: uri, AuthMechanismProperties: map[string]string{}}

	schemeEnd := strings.Index(uri, "://")
	if schemeEnd < 0 {
		return nil, fmt.Errorf("uri: missing scheme separator in %q", uri)
	}
	scheme := uri[:schemeEnd]
	switch scheme {
	case "mongodb":
	case "mongodb+srv":
		cs.SRV = true
	default:
		return nil, fmt.Errorf(`uri: scheme must be "mongodb" or "mongodb+srv", got %q`, scheme)
	}
	cs.Scheme = scheme

	rest := uri[schemeEnd+3:]

	// Split off the options query string first; everything before '?' is
	// userinfo@hostlist/database.
	var query string
	if i := strings.IndexByte(rest, '?'); i >= 0 {
		query = rest[i+1:]
		rest = rest[:i]
	}

	// Split off the database path.
	var dbPart string
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		dbPart = rest[i+1:]
		rest = rest[:i]
	}
	if dbPart != "" {
		name, err := url.QueryUnescape(dbPart)
		if err != nil {
			return nil, fmt.Errorf("uri: invalid database name: %w", err)
		}
		cs.Database = name
	}

	// Split off userinfo.
	hostPart := rest
	if i := strings.LastIndexByte(rest, '@'); i >= 0 {
		userinfo := rest[:i]
		hostPart = rest[i+1:]
		if err := parseUserinfo(cs, userinfo); err != nil {
			return nil, err
		}
	}

	if hostPart == "" {
		return nil, fmt.Errorf("uri: %q has no host", uri)
	}
	cs.Hosts = strings.Split(hostPart, ",")
	for _, h := range cs.Hosts {
		if h == "" {
			return nil, fmt.Errorf("uri: empty host in host list %q", hostPart)
		}
	}
	if cs.SRV && len(cs.Hosts) != 1 {
		return nil, fmt.Errorf("uri: mongodb+srv:// requires exactly one host, got %d", len(cs.Hosts))
	}

	if query != "" {
		if err := parseOptions(cs, query); err != nil {
			return nil, err
		}
	}

	return cs, nil
}

func parseUserinfo(cs *ConnString, userinfo string) error {
	var userPart, passPart string
	hasPass := false
	if i := strings.IndexByte(userinfo, ':'); i >= 0 {
		userPart, passPart = userinfo[:i], userinfo[i+1:]
		hasPass = true
	} else {
		userPart = userinfo
	}
	u, err := url.QueryUnescape(userPart)
	if err != nil {
		return fmt.Errorf("uri: invalid username: %w", err)
	}
	cs.Username = u
	if hasPass {
		p, err := url.QueryUnescape(passPart)
		if err != nil {
			return fmt.Errorf("uri: invalid password: %w", err)
		}
		cs.Password = p
		cs.PasswordSet = true
	}
	return nil
}

func parseOptions(cs *ConnString, query string) error {
	values, err := url.ParseQuery(query)
	if err != nil {
		return fmt.Errorf("uri: invalid options: %w", err)
	}
	for key, vals := range values {
		if len(vals) == 0 {
			continue
		}
		v := vals[len(vals)-1] // last one wins, matching the original driver's behavior
		switch strings.ToLower(key) {
		case "replicaset":
			cs.ReplicaSet = v
		case "directconnection":
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("uri: invalid directConnection value %q", v)
			}
			cs.Direct = b
		case "loadbalanced":
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("uri: invalid loadBalanced value %q", v)
			}
			cs.LoadBalanced = b
		case "appname":
			cs.AppName = v
		case "authsource":
			cs.AuthSource = v
		case "authmechanism":
			cs.AuthMechanism = v
		case "authmechanismproperties":
			if err := parseAuthMechanismProperties(cs, v); err != nil {
				return err
			}
		case "compressors":
			cs.Compressors = strings.Split(v, ",")
		case "maxpoolsize":
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return fmt.Errorf("uri: invalid maxPoolSize value %q", v)
			}
			cs.MaxPoolSize = &n
		case "minpoolsize":
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return fmt.Errorf("uri: invalid minPoolSize value %q", v)
			}
			cs.MinPoolSize = &n
		case "maxconnecting":
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return fmt.Errorf("uri: invalid maxConnecting value %q", v)
			}
			cs.MaxConnecting = &n
		case "readpreference":
			cs.ReadPreference = v
		case "serverselectiontimeoutms":
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return fmt.Errorf("uri: invalid serverSelectionTimeoutMS value %q", v)
			}
			cs.ServerSelectionTimeout = &n
		case "ssl", "tls":
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("uri: invalid %s value %q", key, v)
			}
			cs.SSL = &b
		default:
			// Unrecognized options (readConcernLevel, w, journal, heartbeatFrequencyMS,
			// ...) are outside this core's scope (SPEC_FULL.md §1) and are ignored
			// rather than rejected, matching how optional driver features degrade.
		}
	}
	return nil
}

func parseAuthMechanismProperties(cs *ConnString, v string) error {
	for _, pair := range strings.Split(v, ",") {
		kv := strings.SplitN(pair, ":", 2)
		if len(kv) != 2 {
			return fmt.Errorf("uri: invalid authMechanismProperties entry %q", pair)
		}
		cs.AuthMechanismProperties[kv[0]] = kv[1]
	}
	return nil
}
