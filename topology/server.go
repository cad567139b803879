// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mongocore/go-driver-core/address"
	"github.com/mongocore/go-driver-core/auth"
	"github.com/mongocore/go-driver-core/bsoncore"
	"github.com/mongocore/go-driver-core/compressor"
	"github.com/mongocore/go-driver-core/description"
	"github.com/mongocore/go-driver-core/options"
)

// ErrServerClosed occurs when Connection is called after the server has
// been disconnected.
var ErrServerClosed = errors.New("topology: server is closed")

const (
	serverDisconnected int32 = iota
	serverConnected
	serverDisconnecting
)

// updateTopologyCallback is invoked by a Server's monitor goroutine on every
// new description, letting the single topology writer goroutine fold it in
// (SPEC_FULL.md §4.5).
type updateTopologyCallback func(description.Server)

// Server owns one monitor goroutine and one connection pool for a single
// mongod/mongos address (SPEC_FULL.md §3, §4.2, §4.4).
type Server struct {
	addr  address.Address
	state int32

	pool    *pool
	monitor *monitor

	// inFlight counts connections currently checked out of pool, read by
	// server selection's two-random-choices load tiebreak (SPEC_FULL.md
	// §4.6 step 8).
	inFlight int32

	desc atomic.Value // description.Server

	updateCb updateTopologyCallback

	subMu       sync.Mutex
	subs        map[uint64]chan description.Server
	nextSubID   uint64
	subsClosed  bool
}

// NewServer constructs a Server without starting its monitor or pool; call
// Connect to do so.
func NewServer(addr address.Address, opts *options.ServerOptions, cb updateTopologyCallback) *Server {
	s := &Server{
		addr:     addr,
		updateCb: cb,
		subs:     make(map[uint64]chan description.Server),
	}
	s.desc.Store(description.NewDefaultServer(addr))

	s.pool = newPool(poolConfig{
		Address:        addr,
		MinPoolSize:    opts.MinPoolSize,
		MaxPoolSize:    opts.MaxPoolSize,
		MaxConnecting:  opts.MaxConnecting,
		MaxConnIdle:    opts.MaxConnIdleTime,
		MaxIngressRate: opts.MaxIngressRate,
		IngressMaxQueueDepth: opts.IngressMaxQueueDepth,
		TLSConfig:      opts.TLSConfig,
		ConnectTimeout: opts.ConnectTimeout,
		PoolMonitor:    opts.PoolMonitor,
		Handshake:      s.handshake(opts),
	})

	s.monitor = newMonitor(monitorConfig{
		Address:           addr,
		HeartbeatInterval: opts.HeartbeatInterval,
		ConnectTimeout:    opts.ConnectTimeout,
		TLSConfig:         opts.TLSConfig,
		AppName:           opts.AppName,
		ServerMonitor:     opts.ServerMonitor,
	})

	return s
}

// Connect starts the server's monitor goroutine and readies its pool.
func (s *Server) Connect() {
	if !atomic.CompareAndSwapInt32(&s.state, serverDisconnected, serverConnected) {
		return
	}
	s.pool.ready()
	s.monitor.start()
	go s.watchMonitor()
}

// Disconnect stops the monitor and closes the pool's idle connections. It
// does not wait for checked-out connections to be returned, and ctx is not
// consulted.
func (s *Server) Disconnect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.state, serverConnected, serverDisconnecting) {
		return ErrServerClosed
	}
	s.monitor.stop()
	err := s.pool.close(ctx)

	s.subMu.Lock()
	s.subsClosed = true
	for _, ch := range s.subs {
		close(ch)
	}
	s.subs = nil
	s.subMu.Unlock()

	atomic.StoreInt32(&s.state, serverDisconnected)
	return err
}

func (s *Server) watchMonitor() {
	for desc := range s.monitor.updates {
		s.desc.Store(desc)
		if s.updateCb != nil {
			s.updateCb(desc)
		}
		s.publish(desc)

		if desc.LastError != nil {
			s.pool.clear(desc.LastError)
		}
	}
}

func (s *Server) publish(desc description.Server) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- desc:
		default:
		}
	}
}

// Description returns the server's most recently published snapshot.
func (s *Server) Description() description.Server {
	d, _ := s.desc.Load().(description.Server)
	return d
}

// Subscription delivers every updated Server description as it's published.
type Subscription struct {
	C  <-chan description.Server
	id uint64
	s  *Server
}

// Unsubscribe stops delivery and releases the subscription's channel.
func (sub *Subscription) Unsubscribe() {
	sub.s.subMu.Lock()
	defer sub.s.subMu.Unlock()
	delete(sub.s.subs, sub.id)
}

// Subscribe returns a Subscription pre-populated with the current
// description.
func (s *Server) Subscribe() (*Subscription, error) {
	if atomic.LoadInt32(&s.state) != serverConnected {
		return nil, errors.New("topology: cannot subscribe to a disconnected server")
	}
	ch := make(chan description.Server, 1)
	ch <- s.Description()

	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.subsClosed {
		return nil, errors.New("topology: server subscriptions are closed")
	}
	id := s.nextSubID
	s.nextSubID++
	s.subs[id] = ch
	return &Subscription{C: ch, id: id, s: s}, nil
}

// RequestImmediateCheck asks the monitor to heartbeat now instead of
// waiting out its interval, used after a "not primary"/stale-topology
// error (SPEC_FULL.md §4.5).
func (s *Server) RequestImmediateCheck() {
	s.monitor.requestImmediateCheck()
}

// Connection checks out a connection from the server's pool.
func (s *Server) Connection(ctx context.Context) (*Connection, error) {
	if atomic.LoadInt32(&s.state) != serverConnected {
		return nil, ErrServerClosed
	}
	c, err := s.pool.checkOut(ctx)
	if err != nil {
		if wrappedErr := unwrapDialError(err); wrappedErr != nil {
			desc := description.NewServerFromError(s.addr, wrappedErr, s.Description().TopologyVersion)
			s.desc.Store(desc)
			if s.updateCb != nil {
				s.updateCb(desc)
			}
		}
		return nil, err
	}
	atomic.AddInt32(&s.inFlight, 1)
	return c, nil
}

// CheckIn returns c to the server's pool.
func (s *Server) CheckIn(c *Connection) {
	atomic.AddInt32(&s.inFlight, -1)
	s.pool.checkIn(c)
}

// InFlightCount returns the number of connections currently checked out,
// used by server selection's two-random-choices load tiebreak
// (SPEC_FULL.md §4.6 step 8).
func (s *Server) InFlightCount() int32 { return atomic.LoadInt32(&s.inFlight) }

// ClearPool marks every connection checked out under the server's current
// generation as stale, e.g. after a network error on an in-use connection
// (SPEC_FULL.md §4.2).
func (s *Server) ClearPool(err error) { s.pool.clear(err) }

// handshake returns the pool's per-connection Handshake callback: send
// hello (advertising the client's compressor list), negotiate the wire
// compressor both sides support, authenticate if a credential is
// configured, and store the resulting description on the connection so
// operations can read its wire version and max message size
// (SPEC_FULL.md §4.2, §4.8).
func (s *Server) handshake(opts *options.ServerOptions) func(context.Context, *Connection) error {
	return func(ctx context.Context, c *Connection) error {
		var authenticator auth.Authenticator
		var speculative auth.SpeculativeConversation
		if opts.Credential != nil {
			var err error
			authenticator, err = auth.CreateAuthenticator(opts.Credential)
			if err != nil {
				return err
			}
			if sa, ok := authenticator.(auth.SpeculativeAuthenticator); ok {
				speculative, err = sa.SpeculativeConversation(ctx)
				if err != nil {
					return err
				}
			}
		}

		cmd := buildHelloCommandWithCompressors(opts.AppName, opts.Compressors, speculative)

		reqID, err := c.WriteCommand(ctx, "hello", cmd, nil)
		if err != nil {
			return err
		}
		_ = reqID
		reply, err := c.ReadReply(ctx)
		if err != nil {
			return err
		}
		replyDoc := bsoncore.Document(reply.Body)

		desc, err := parseHelloReply(s.addr, replyDoc)
		if err != nil {
			return err
		}
		c.setDescription(desc)

		if comp := compressor.Negotiate(opts.Compressors, lookupStringArray(lookupEmbedded(replyDoc, "compression"))); comp != nil {
			c.SetCompressor(comp)
		}

		if authenticator == nil {
			return nil
		}

		// A speculative conversation only finishes here if the server
		// actually echoed a speculativeAuthenticate reply; otherwise it
		// never saw our first message (e.g. it doesn't support the
		// mechanism speculatively) and the full conversation must run
		// from scratch (SPEC_FULL.md §4.2).
		if speculative != nil {
			if specReply, found := replyDoc.Lookup("speculativeAuthenticate"); found {
				if specDoc, ok := specReply.DocumentValue(); ok {
					if err := speculative.Finish(ctx, c, specDoc); err != nil {
						return err
					}
					c.SetAuthenticator(authenticator)
					return nil
				}
			}
		}

		if err := authenticator.Auth(ctx, c); err != nil {
			return err
		}
		c.SetAuthenticator(authenticator)
		return nil
	}
}

// buildHelloCommandWithCompressors is buildHelloCommand plus an advertised
// "compression" array and, when the configured credential's mechanism
// supports it, an embedded "speculativeAuthenticate" document so the
// first authentication round trip rides along with the handshake hello
// instead of following it (SPEC_FULL.md §4.2). Used only for the initial
// handshake hello; the monitor's own polling/streaming hello never needs
// to renegotiate either.
func buildHelloCommandWithCompressors(appName string, compressors []string, speculative auth.SpeculativeConversation) bsoncore.Document {
	b := bsoncore.NewDocumentBuilder().AppendInt32("hello", 1)
	if appName != "" {
		client := bsoncore.NewDocumentBuilder().AppendString("name", appName).Build()
		b = b.AppendDocument("client", client)
	}
	if len(compressors) > 0 {
		arrBuilder := bsoncore.NewDocumentBuilder()
		for i, name := range compressors {
			arrBuilder = arrBuilder.AppendString(fmt.Sprintf("%d", i), name)
		}
		b = b.AppendArray("compression", arrBuilder.Build())
	}
	if speculative != nil {
		b = b.AppendDocument("speculativeAuthenticate", speculative.FirstMessage())
	}
	return b.Build()
}

// lookupEmbedded returns the embedded document or array at key, or an
// empty document if absent, so callers can chain into lookupStringArray
// without a nil check.
func lookupEmbedded(d bsoncore.Document, key string) bsoncore.Document {
	v, found := d.Lookup(key)
	if !found {
		return bsoncore.EmptyDocument
	}
	doc, ok := v.DocumentValue()
	if !ok {
		return bsoncore.EmptyDocument
	}
	return doc
}

func unwrapDialError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrPoolClosed) || errors.Is(err, ErrWaitQueueTimeout) || errors.Is(err, ErrSystemOverloaded) {
		return nil
	}
	return err
}
