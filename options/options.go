// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package options collects the functional-options builders consumed by the
// topology, pool, and auth packages (SPEC_FULL.md §2, §4).
package options

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/mongocore/go-driver-core/event"
	"github.com/mongocore/go-driver-core/readpref"
)

// Credential carries the authentication parameters for one connection's
// handshake (SPEC_FULL.md §4.8).
type Credential struct {
	AuthMechanism           string
	AuthMechanismProperties map[string]string
	AuthSource              string
	Username                string
	Password                string
	PasswordSet             bool
	OIDCMachineCallback     OIDCCallback
	OIDCHumanCallback       OIDCCallback
}

// OIDCCallback fetches a fresh access token, optionally reusing the refresh
// token from a prior OIDCCredential (SPEC_FULL.md §4.8).
type OIDCCallback func(ctx context.Context, args *OIDCArgs) (*OIDCCredential, error)

// OIDCArgs is passed to an OIDCCallback.
type OIDCArgs struct {
	Version      int
	IDPInfo      *IDPServerInfo
	RefreshToken *string
}

// IDPServerInfo describes the identity provider returned by the server's
// saslStart reply for MONGODB-OIDC.
type IDPServerInfo struct {
	Issuer        string
	ClientID      string
	RequestScopes []string
}

// OIDCCredential is the callback's result: an access token and, optionally,
// a refresh token and expiry for proactive refresh.
type OIDCCredential struct {
	AccessToken  string
	ExpiresAt    *time.Time
	RefreshToken *string
}

// ServerOptionsBuilder configures a single Server's monitor and pool.
type ServerOptionsBuilder struct {
	Opts []func(*ServerOptions) error
}

// ServerOptions is the resolved configuration for a Server.
type ServerOptions struct {
	HeartbeatInterval    time.Duration
	MinHeartbeatInterval time.Duration
	ConnectTimeout       time.Duration
	ServerMonitor        *event.ServerMonitor
	PoolMonitor          *event.PoolMonitor
	MaxPoolSize          uint64
	MinPoolSize          uint64
	MaxConnecting        uint64
	MaxConnIdleTime      time.Duration
	MaxIngressRate       float64 // tokens/sec, 0 disables the limiter
	IngressMaxQueueDepth int     // admission queue cap once MaxIngressRate > 0; 0 means defaultIngressMaxQueueDepth
	TLSConfig            *tls.Config
	Credential           *Credential
	AppName              string
	Compressors          []string
}

// Server returns a new empty ServerOptionsBuilder.
func Server() *ServerOptionsBuilder {
	return &ServerOptionsBuilder{}
}

func (b *ServerOptionsBuilder) add(opt func(*ServerOptions) error) *ServerOptionsBuilder {
	b.Opts = append(b.Opts, opt)
	return b
}

// SetHeartbeatInterval sets the interval between polling-mode hello calls.
func (b *ServerOptionsBuilder) SetHeartbeatInterval(d time.Duration) *ServerOptionsBuilder {
	return b.add(func(o *ServerOptions) error { o.HeartbeatInterval = d; return nil })
}

// SetConnectTimeout sets the dial and handshake timeout for new connections.
func (b *ServerOptionsBuilder) SetConnectTimeout(d time.Duration) *ServerOptionsBuilder {
	return b.add(func(o *ServerOptions) error { o.ConnectTimeout = d; return nil })
}

// SetServerMonitor attaches an APM server-event sink.
func (b *ServerOptionsBuilder) SetServerMonitor(m *event.ServerMonitor) *ServerOptionsBuilder {
	return b.add(func(o *ServerOptions) error { o.ServerMonitor = m; return nil })
}

// SetPoolMonitor attaches an APM pool-event sink.
func (b *ServerOptionsBuilder) SetPoolMonitor(m *event.PoolMonitor) *ServerOptionsBuilder {
	return b.add(func(o *ServerOptions) error { o.PoolMonitor = m; return nil })
}

// SetMaxPoolSize sets the maximum number of connections the pool may hold.
func (b *ServerOptionsBuilder) SetMaxPoolSize(n uint64) *ServerOptionsBuilder {
	return b.add(func(o *ServerOptions) error { o.MaxPoolSize = n; return nil })
}

// SetMinPoolSize sets the minimum number of idle connections maintenance
// keeps warm.
func (b *ServerOptionsBuilder) SetMinPoolSize(n uint64) *ServerOptionsBuilder {
	return b.add(func(o *ServerOptions) error { o.MinPoolSize = n; return nil })
}

// SetMaxConnecting caps concurrent in-flight connection establishments.
func (b *ServerOptionsBuilder) SetMaxConnecting(n uint64) *ServerOptionsBuilder {
	return b.add(func(o *ServerOptions) error { o.MaxConnecting = n; return nil })
}

// SetMaxConnIdleTime sets the age, measured from a connection's creation,
// past which maintenance prunes it if it is idle in the pool. The time a
// connection has spent idle is not tracked separately.
func (b *ServerOptionsBuilder) SetMaxConnIdleTime(d time.Duration) *ServerOptionsBuilder {
	return b.add(func(o *ServerOptions) error { o.MaxConnIdleTime = d; return nil })
}

// SetMaxIngressRate sets the token-bucket refill rate (messages/sec) used to
// backpressure checkouts under load; 0 disables the limiter.
func (b *ServerOptionsBuilder) SetMaxIngressRate(r float64) *ServerOptionsBuilder {
	return b.add(func(o *ServerOptions) error { o.MaxIngressRate = r; return nil })
}

// SetIngressMaxQueueDepth caps how many checkouts may be waiting on the
// ingress rate limiter's reservation delay at once; a checkout arriving
// once the queue is already at this depth fails fast with a
// SystemOverloaded error instead of queueing further (SPEC_FULL.md §4.3).
func (b *ServerOptionsBuilder) SetIngressMaxQueueDepth(n int) *ServerOptionsBuilder {
	return b.add(func(o *ServerOptions) error { o.IngressMaxQueueDepth = n; return nil })
}

// SetTLSConfig sets the TLS client configuration used to dial connections.
func (b *ServerOptionsBuilder) SetTLSConfig(cfg *tls.Config) *ServerOptionsBuilder {
	return b.add(func(o *ServerOptions) error { o.TLSConfig = cfg; return nil })
}

// SetCredential sets the authentication credential applied to each new
// connection's handshake.
func (b *ServerOptionsBuilder) SetCredential(c *Credential) *ServerOptionsBuilder {
	return b.add(func(o *ServerOptions) error { o.Credential = c; return nil })
}

// SetAppName sets the application name reported in the hello handshake.
func (b *ServerOptionsBuilder) SetAppName(name string) *ServerOptionsBuilder {
	return b.add(func(o *ServerOptions) error { o.AppName = name; return nil })
}

// SetCompressors sets the client's OP_COMPRESSED preference order.
func (b *ServerOptionsBuilder) SetCompressors(names []string) *ServerOptionsBuilder {
	return b.add(func(o *ServerOptions) error { o.Compressors = names; return nil })
}

// ArgsSetters returns a single merged ServerOptions by applying every
// accumulated option in order, seeded with the package defaults.
func (b *ServerOptionsBuilder) ArgsSetters() (*ServerOptions, error) {
	o := &ServerOptions{
		HeartbeatInterval:    10 * time.Second,
		MinHeartbeatInterval: 500 * time.Millisecond,
		ConnectTimeout:       30 * time.Second,
		MaxPoolSize:          100,
		MinPoolSize:          0,
		MaxConnecting:        2,
		MaxConnIdleTime:      0,
	}
	for _, opt := range b.Opts {
		if opt == nil {
			continue
		}
		if err := opt(o); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// ClientOptionsBuilder configures topology-wide settings: seed list, replica
// set name, direct connection, and read preference used by default.
type ClientOptionsBuilder struct {
	Opts []func(*ClientOptions) error
}

// ClientOptions is the resolved topology-wide configuration.
type ClientOptions struct {
	Hosts                  []string
	ReplicaSet             string
	Direct                 bool
	LoadBalanced           bool
	ServerSelectionTimeout time.Duration
	LocalThreshold         time.Duration
	ServerSelectionTryOnce bool
	ReadPreference         *readpref.ReadPref
	ServerOpts             []func(*ServerOptions) error
}

// Client returns a new empty ClientOptionsBuilder.
func Client() *ClientOptionsBuilder {
	return &ClientOptionsBuilder{}
}

func (b *ClientOptionsBuilder) add(opt func(*ClientOptions) error) *ClientOptionsBuilder {
	b.Opts = append(b.Opts, opt)
	return b
}

// SetHosts sets the seed list of host:port addresses.
func (b *ClientOptionsBuilder) SetHosts(hosts []string) *ClientOptionsBuilder {
	return b.add(func(o *ClientOptions) error { o.Hosts = hosts; return nil })
}

// SetReplicaSet sets the expected replica set name; a server reporting a
// different set name is removed from the topology (SPEC_FULL.md §4.5).
func (b *ClientOptionsBuilder) SetReplicaSet(name string) *ClientOptionsBuilder {
	return b.add(func(o *ClientOptions) error { o.ReplicaSet = name; return nil })
}

// SetDirect forces Single topology mode against one host, bypassing SDAM's
// usual multi-server logic.
func (b *ClientOptionsBuilder) SetDirect(direct bool) *ClientOptionsBuilder {
	return b.add(func(o *ClientOptions) error { o.Direct = direct; return nil })
}

// SetServerSelectionTimeout bounds how long server selection blocks waiting
// for a suitable server.
func (b *ClientOptionsBuilder) SetServerSelectionTimeout(d time.Duration) *ClientOptionsBuilder {
	return b.add(func(o *ClientOptions) error { o.ServerSelectionTimeout = d; return nil })
}

// SetLocalThreshold sets the latency window width used by the two-choices
// load balancer in server selection.
func (b *ClientOptionsBuilder) SetLocalThreshold(d time.Duration) *ClientOptionsBuilder {
	return b.add(func(o *ClientOptions) error { o.LocalThreshold = d; return nil })
}

// SetReadPreference sets the default read preference used by operations
// that don't specify their own.
func (b *ClientOptionsBuilder) SetReadPreference(rp *readpref.ReadPref) *ClientOptionsBuilder {
	return b.add(func(o *ClientOptions) error { o.ReadPreference = rp; return nil })
}

// ArgsSetters returns a single merged ClientOptions by applying every
// accumulated option in order, seeded with the package defaults.
func (b *ClientOptionsBuilder) ArgsSetters() (*ClientOptions, error) {
	o := &ClientOptions{
		ServerSelectionTimeout: 30 * time.Second,
		LocalThreshold:         15 * time.Millisecond,
		ReadPreference:         readpref.Primary(),
	}
	for _, opt := range b.Opts {
		if opt == nil {
			continue
		}
		if err := opt(o); err != nil {
			return nil, err
		}
	}
	return o, nil
}
