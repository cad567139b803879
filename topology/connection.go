// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package topology implements SDAM-driven server monitoring, a bounded
// connection pool with ingress backpressure, and server selection
// (SPEC_FULL.md §4.2-§4.6).
package topology

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mongocore/go-driver-core/address"
	"github.com/mongocore/go-driver-core/auth"
	"github.com/mongocore/go-driver-core/compressor"
	"github.com/mongocore/go-driver-core/description"
	"github.com/mongocore/go-driver-core/wiremessage"
)

// connectionState mirrors the server connection-state idiom: small int32
// states transitioned with CompareAndSwap.
type connectionState int32

const (
	connDisconnected connectionState = iota
	connConnected
	connClosed
)

// Connection is a single established, handshaken connection to a server.
// It is not safe for concurrent use: a Connection belongs to exactly one
// in-flight operation or is sitting idle in a pool.
type Connection struct {
	id         int64
	addr       address.Address
	codec      *wiremessage.Codec
	nc         net.Conn
	generation uint64
	poolID     string

	desc atomic.Value // description.Server, set after the handshake

	pinned  int32 // 0 = unpinned, 1 = pinned (transaction/cursor)
	state   connectionState
	created time.Time

	// lastUsedOIDCToken records the access token this connection last
	// authenticated with, for the OIDC cache's per-connection targeted
	// invalidation (SPEC_FULL.md §4.8).
	lastUsedOIDCToken string

	// authenticator is the mechanism this connection authenticated with
	// during its handshake, stashed so a server error code 391
	// (reauthentication required) can be answered by re-running the same
	// conversation on the same connection instead of selecting a new
	// server (SPEC_FULL.md §4.7). Nil when the server has no credential
	// configured.
	authenticator auth.Authenticator

	closeOnce sync.Once
}

// dialConnection dials addr and returns a Connection with no handshake
// performed yet; the caller (pool.get, for new connections) is responsible
// for calling handshake.
func dialConnection(ctx context.Context, id int64, addr address.Address, generation uint64, tlsCfg *tls.Config, connectTimeout time.Duration) (*Connection, error) {
	dialer := &net.Dialer{Timeout: connectTimeout}

	var nc net.Conn
	var err error
	if tlsCfg != nil {
		nc, err = tls.DialWithDialer(dialer, addr.Network(), addr.String(), tlsCfg)
	} else {
		nc, err = dialer.DialContext(ctx, addr.Network(), addr.String())
	}
	if err != nil {
		return nil, fmt.Errorf("topology: dial %s: %w", addr, err)
	}

	c := &Connection{
		id:         id,
		addr:       addr,
		nc:         nc,
		generation: generation,
		created:    time.Now(),
	}
	c.codec = wiremessage.NewCodec(&netTransport{nc}, nil)
	return c, nil
}

// netTransport adapts net.Conn to wiremessage.Transport.
type netTransport struct{ net.Conn }

func (t *netTransport) SetReadDeadline(d time.Time) error  { return t.Conn.SetReadDeadline(d) }
func (t *netTransport) SetWriteDeadline(d time.Time) error { return t.Conn.SetWriteDeadline(d) }

// SetCompressor installs comp as this connection's OP_COMPRESSED codec,
// called after compressor negotiation completes during the handshake.
func (c *Connection) SetCompressor(comp compressor.Compressor) {
	c.codec = wiremessage.NewCodec(&netTransport{c.nc}, comp)
}

// WriteCommand sends cmd (and any document sequences) and returns the
// request id used, for correlating the eventual reply.
func (c *Connection) WriteCommand(ctx context.Context, name string, cmd []byte, seqs []wiremessage.DocumentSequence) (int32, error) {
	return c.codec.Send(ctx, wiremessage.Request{CommandName: name, Command: cmd, Sequences: seqs})
}

// ReadReply reads the next reply on this connection.
func (c *Connection) ReadReply(ctx context.Context) (wiremessage.Reply, error) {
	return c.codec.Receive(ctx)
}

// Description returns the server description captured during this
// connection's own handshake hello.
func (c *Connection) Description() description.Server {
	d, _ := c.desc.Load().(description.Server)
	return d
}

func (c *Connection) setDescription(d description.Server) { c.desc.Store(d) }

// ID returns a string uniquely identifying this connection within its pool,
// matching the driver's "<address>[-<generation>-<id>]" convention.
func (c *Connection) ID() string {
	return fmt.Sprintf("%s[-%d-%d]", c.addr, c.generation, c.id)
}

// Generation returns the pool generation this connection was created under.
func (c *Connection) Generation() uint64 { return c.generation }

// Stale reports whether this connection's generation predates the pool's
// current generation, i.e. it was invalidated by a mass pool-clear.
func (c *Connection) Stale(currentGeneration uint64) bool {
	return c.generation != currentGeneration
}

// Pin marks the connection as pinned to a transaction or cursor, excluding
// it from the pool's normal checkin/maintenance handling until Unpin.
func (c *Connection) Pin() { atomic.StoreInt32(&c.pinned, 1) }

// Unpin clears a pin set by Pin.
func (c *Connection) Unpin() { atomic.StoreInt32(&c.pinned, 0) }

// Pinned reports whether Pin has been called without a matching Unpin.
func (c *Connection) Pinned() bool { return atomic.LoadInt32(&c.pinned) == 1 }

// close closes the underlying transport. Safe to call more than once.
func (c *Connection) close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.codec.Close()
	})
	return err
}

// IsAlive performs a best-effort non-blocking probe read to detect whether
// the peer closed the connection while it sat idle in the pool: a read
// that comes back immediately (EOF or any other error, rather than a
// deadline timeout) means no more bytes are coming and the connection
// should be dropped instead of handed out again (SPEC_FULL.md §4.3).
func (c *Connection) IsAlive() bool {
	if err := c.nc.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
		return true
	}
	defer c.nc.SetReadDeadline(time.Time{})

	var buf [1]byte
	_, err := c.nc.Read(buf[:])
	if err == nil {
		// Unsolicited bytes on an otherwise-idle connection is itself a
		// protocol violation; treat it the same as dead.
		return false
	}
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// LastUsedOIDCToken returns the access token this connection last
// authenticated with, or "" if it never authenticated via OIDC.
func (c *Connection) LastUsedOIDCToken() string { return c.lastUsedOIDCToken }

// SetLastUsedOIDCToken records the access token used in the most recent
// successful OIDC authentication on this connection.
func (c *Connection) SetLastUsedOIDCToken(tok string) { c.lastUsedOIDCToken = tok }

// SetAuthenticator records the mechanism that authenticated this
// connection during its handshake, called by Server.handshake once Auth
// (or a speculative conversation's Finish) succeeds.
func (c *Connection) SetAuthenticator(a auth.Authenticator) { c.authenticator = a }

// Reauthenticate re-runs this connection's stored authenticator, used
// when a command fails with server error code 391 (reauthentication
// required) to refresh credentials on the same connection rather than
// checking it back in and selecting a new server (SPEC_FULL.md §4.7).
// Returns an error if the connection never authenticated in the first
// place; that's a dispatcher bug, since only a connection that has an
// authenticator can have produced a 391.
func (c *Connection) Reauthenticate(ctx context.Context) error {
	if c.authenticator == nil {
		return fmt.Errorf("topology: connection %s has no authenticator to reauthenticate with", c.ID())
	}
	return c.authenticator.Auth(ctx, c)
}
