// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/mongocore/go-driver-core/address"
	"github.com/mongocore/go-driver-core/description"
	"github.com/mongocore/go-driver-core/options"
)

// ErrTopologyClosed occurs when SelectServer is called after Disconnect,
// and is returned by Disconnect on a topology that is not connected.
var ErrTopologyClosed = errors.New("topology: client is disconnected")

const (
	topologyDisconnected int32 = iota
	topologyConnected
	topologyDisconnecting
)

// Topology owns one Server per discovered address and is the sole writer
// of the shared description.Topology snapshot (SPEC_FULL.md §4.5, §5: "one
// writer task for TopologyDescription"). Every incoming Server update from
// any monitor funnels through the updates channel into the same goroutine,
// so description.Apply is never called concurrently with itself.
type Topology struct {
	cfg       *options.ClientOptions
	serverOpts *options.ServerOptions
	state     int32

	mu      sync.Mutex // guards servers; desc is its own atomic snapshot
	servers map[address.Address]*Server

	desc atomic.Value // description.Topology

	updates chan description.Server
	done    chan struct{}
	stopped chan struct{}

	subMu     sync.Mutex
	subs      map[uint64]chan description.Topology
	nextSubID uint64
}

// New constructs a Topology from parsed client options. It does not dial
// anything; call Connect for that.
func New(cfg *options.ClientOptions) (*Topology, error) {
	if len(cfg.Hosts) == 0 {
		return nil, errors.New("topology: at least one host is required")
	}

	kind := description.TopologyKindUnknown
	switch {
	case cfg.LoadBalanced:
		kind = description.LoadBalanced
	case cfg.Direct:
		kind = description.Single
	case cfg.ReplicaSet != "":
		kind = description.ReplicaSetNoPrimary
	}

	seeds := make([]address.Address, 0, len(cfg.Hosts))
	for _, h := range cfg.Hosts {
		seeds = append(seeds, address.Address(h).Canonicalize())
	}

	serverOpts, err := (&options.ServerOptionsBuilder{Opts: cfg.ServerOpts}).ArgsSetters()
	if err != nil {
		return nil, err
	}

	t := &Topology{
		cfg:        cfg,
		serverOpts: serverOpts,
		servers:    make(map[address.Address]*Server, len(seeds)),
		updates:    make(chan description.Server, 64),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
		subs:       make(map[uint64]chan description.Topology),
	}
	t.desc.Store(description.New(kind, cfg.ReplicaSet, seeds...))

	for _, a := range seeds {
		t.addServerLocked(a)
	}

	return t, nil
}

// Connect starts every known server's monitor and pool, then starts the
// writer goroutine that folds their updates into the shared snapshot.
func (t *Topology) Connect() error {
	if !atomic.CompareAndSwapInt32(&t.state, topologyDisconnected, topologyConnected) {
		return nil
	}
	t.mu.Lock()
	for _, s := range t.servers {
		s.Connect()
	}
	t.mu.Unlock()
	go t.run()
	return nil
}

// Disconnect stops the writer goroutine and every server; ctx is passed to
// each Server.Disconnect, which does not consult it.
func (t *Topology) Disconnect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&t.state, topologyConnected, topologyDisconnecting) {
		return ErrTopologyClosed
	}
	close(t.done)
	<-t.stopped

	t.mu.Lock()
	servers := make([]*Server, 0, len(t.servers))
	for _, s := range t.servers {
		servers = append(servers, s)
	}
	t.mu.Unlock()

	var firstErr error
	for _, s := range servers {
		if err := s.Disconnect(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	t.subMu.Lock()
	for _, ch := range t.subs {
		close(ch)
	}
	t.subs = nil
	t.subMu.Unlock()

	atomic.StoreInt32(&t.state, topologyDisconnected)
	return firstErr
}

// addServerLocked constructs and registers a Server for addr but does not
// Connect it: initial seeds added by New are connected later by
// Topology.Connect, and discovered hosts, which are only ever added from
// within run(), are connected there right after being added.
// Must be called with t.mu held.
func (t *Topology) addServerLocked(addr address.Address) *Server {
	srv := NewServer(addr, t.serverOpts, func(desc description.Server) {
		select {
		case t.updates <- desc:
		case <-t.done:
		}
	})
	t.servers[addr] = srv
	return srv
}

// run is the single writer goroutine: it owns description.Apply and is
// the only thing that ever mutates t.servers (SPEC_FULL.md §5).
func (t *Topology) run() {
	defer close(t.stopped)
	for {
		select {
		case <-t.done:
			return
		case srv := <-t.updates:
			t.apply(srv)
		}
	}
}

func (t *Topology) apply(srv description.Server) {
	current := t.Description()
	next := description.Apply(current, srv)
	next = description.CheckCompatibility(next)
	t.desc.Store(next)

	t.reconcileServers(current, next)
	t.publish(next)
}

// reconcileServers starts monitors for servers Apply discovered and stops
// (and removes) monitors for servers it dropped, keeping t.servers in sync
// with the snapshot's Servers map.
func (t *Topology) reconcileServers(prev, next description.Topology) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for addr := range next.Servers {
		if _, ok := t.servers[addr]; !ok {
			s := t.addServerLocked(addr)
			s.Connect()
		}
	}
	for addr, s := range t.servers {
		if _, ok := next.Servers[addr]; !ok {
			delete(t.servers, addr)
			go s.Disconnect(context.Background())
		}
	}
}

// Description returns the most recently published topology snapshot.
func (t *Topology) Description() description.Topology {
	d, _ := t.desc.Load().(description.Topology)
	return d
}

// TopologySubscription delivers every updated Topology snapshot.
type TopologySubscription struct {
	C  <-chan description.Topology
	id uint64
	t  *Topology
}

// Unsubscribe releases the subscription's channel.
func (sub *TopologySubscription) Unsubscribe() {
	sub.t.subMu.Lock()
	defer sub.t.subMu.Unlock()
	if sub.t.subs != nil {
		delete(sub.t.subs, sub.id)
	}
}

// Subscribe returns a subscription pre-populated with the current
// snapshot, used by server selection to block until the topology changes.
func (t *Topology) Subscribe() *TopologySubscription {
	ch := make(chan description.Topology, 1)
	ch <- t.Description()

	t.subMu.Lock()
	defer t.subMu.Unlock()
	id := t.nextSubID
	t.nextSubID++
	if t.subs == nil {
		t.subs = make(map[uint64]chan description.Topology)
	}
	t.subs[id] = ch
	return &TopologySubscription{C: ch, id: id, t: t}
}

func (t *Topology) publish(desc description.Topology) {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	for _, ch := range t.subs {
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

// FindServer returns the live *Server for addr, or nil if it isn't
// currently part of the topology.
func (t *Topology) FindServer(addr address.Address) *Server {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.servers[addr]
}

// inFlightLoad reports addr's current in-flight operation count, used by
// selector's two-random-choices tiebreak (SPEC_FULL.md §4.6 step 8). An
// address that has since left the topology reports zero load rather than
// disqualifying itself from the comparison.
func (t *Topology) inFlightLoad(addr address.Address) int32 {
	if srv := t.FindServer(addr); srv != nil {
		return srv.InFlightCount()
	}
	return 0
}

// RequestImmediateCheck asks every known server to heartbeat now, used
// after a command fails with a "not primary"/stale-topology error so SDAM
// doesn't wait out the full heartbeat interval to notice (SPEC_FULL.md
// §4.5).
func (t *Topology) RequestImmediateCheck() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.servers {
		s.RequestImmediateCheck()
	}
}
