// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/mongocore/go-driver-core/address"
	"github.com/mongocore/go-driver-core/event"
)

// pool states, mirroring the server connectionstate idiom.
const (
	poolPaused int32 = iota
	poolReady
	poolClosed
)

// ErrPoolClosed occurs when a connection is checked out from a closed pool.
var ErrPoolClosed = errors.New("topology: connection pool closed")

// ErrPoolNotPaused occurs when ready is called on a pool that was never
// paused (e.g. double-ready).
var ErrPoolNotPaused = errors.New("topology: pool is not paused")

// ErrWaitQueueTimeout occurs when a checkout blocks past its deadline
// waiting for either a free connection or an ingress rate-limiter token.
var ErrWaitQueueTimeout = errors.New("topology: timed out while checking out a connection")

// ErrSystemOverloaded occurs when a checkout arrives while
// ingressMaxQueueDepth callers are already waiting out their rate-limiter
// reservation delay; it fails fast rather than queueing further
// (SPEC_FULL.md §4.3).
var ErrSystemOverloaded = errors.New("topology: ingress admission queue is saturated")

// defaultIngressMaxQueueDepth is used when a rate limiter is configured but
// no explicit queue depth cap was given.
const defaultIngressMaxQueueDepth = 100

// errConnectionStale is returned internally when a checked-in connection's
// generation no longer matches the pool's and should be discarded instead
// of returned to the idle set.
var errConnectionStale = errors.New("topology: connection generation is stale")

type poolConfig struct {
	Address              address.Address
	MinPoolSize          uint64
	MaxPoolSize          uint64
	MaxConnecting        uint64
	MaxConnIdle          time.Duration
	MaxIngressRate       float64
	IngressMaxQueueDepth int
	TLSConfig            *tls.Config
	ConnectTimeout       time.Duration
	PoolMonitor          *event.PoolMonitor
	Handshake            func(context.Context, *Connection) error
}

// pool is a generation-tagged, bounded connection pool. Checkout blocks
// (respecting ctx) until a connection is available, the ingress rate
// limiter admits it, maxPoolSize has headroom, or the pool is cleared or
// closed (SPEC_FULL.md §4.2, §4.3).
type pool struct {
	cfg poolConfig

	state      int32
	generation uint64 // bumped by clear(); atomic

	mu      sync.Mutex
	idle    []*Connection
	total   uint64
	nextID  int64
	connecting uint64

	limiter   *rate.Limiter
	admission chan struct{} // buffered to IngressMaxQueueDepth; held while waiting out a reservation's delay

	maintCancel context.CancelFunc
	maintDone   chan struct{}
}

func newPool(cfg poolConfig) *pool {
	p := &pool{
		cfg:   cfg,
		state: poolPaused,
	}
	if cfg.MaxIngressRate > 0 {
		// Burst of one second's worth of tokens plus one (so never below
		// one); a freshly started pool can admit about a second of backlog
		// before throttling. The burst length is not configurable.
		p.limiter = rate.NewLimiter(rate.Limit(cfg.MaxIngressRate), int(cfg.MaxIngressRate)+1)
		depth := cfg.IngressMaxQueueDepth
		if depth <= 0 {
			depth = defaultIngressMaxQueueDepth
		}
		p.admission = make(chan struct{}, depth)
	}
	return p
}

func (p *pool) ready() {
	atomic.StoreInt32(&p.state, poolReady)
	ctx, cancel := context.WithCancel(context.Background())
	p.maintCancel = cancel
	p.maintDone = make(chan struct{})
	go p.maintain(ctx)
	p.publishEvent(event.PoolEvent{Type: event.PoolReady, Address: p.cfg.Address.String()})
}

func (p *pool) close(ctx context.Context) error {
	atomic.StoreInt32(&p.state, poolClosed)
	if p.maintCancel != nil {
		p.maintCancel()
		<-p.maintDone
	}

	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, c := range idle {
		c.close()
	}
	p.publishEvent(event.PoolEvent{Type: event.PoolClosedEvent, Address: p.cfg.Address.String()})
	return nil
}

// clear bumps the pool generation, invalidating every connection checked
// out before this call without touching them directly; each is discarded
// on its next checkin or use (SPEC_FULL.md §4.2 "mass invalidation").
func (p *pool) clear(err error) {
	atomic.AddUint64(&p.generation, 1)
	atomic.StoreInt32(&p.state, poolPaused)

	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.total -= uint64(len(idle))
	p.mu.Unlock()

	for _, c := range idle {
		c.close()
	}
	p.publishEvent(event.PoolEvent{Type: event.PoolCleared, Address: p.cfg.Address.String(), Reason: errString(err)})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (p *pool) currentGeneration() uint64 { return atomic.LoadUint64(&p.generation) }

// checkOut returns a ready connection, preferring an idle one, otherwise
// dialing and handshaking a fresh one if the pool has headroom. It blocks
// on the ingress limiter (if configured) and on maxConnecting / maxPoolSize
// backpressure.
func (p *pool) checkOut(ctx context.Context) (*Connection, error) {
	p.publishEvent(event.PoolEvent{Type: event.ConnectionCheckOutStarted, Address: p.cfg.Address.String()})

	if atomic.LoadInt32(&p.state) == poolClosed {
		return nil, ErrPoolClosed
	}

	if p.limiter != nil {
		select {
		case p.admission <- struct{}{}:
		default:
			p.publishEvent(event.PoolEvent{Type: event.ConnectionCheckOutFailed, Address: p.cfg.Address.String(), Reason: "system_overloaded"})
			return nil, ErrSystemOverloaded
		}
		release := func() { <-p.admission }

		// Reserve (rather than Wait) so a saturated queue fails fast
		// instead of every caller blocking indefinitely on the limiter
		// itself; the admission channel above is what actually bounds
		// concurrent waiters (SPEC_FULL.md §4.3).
		r := p.limiter.Reserve()
		if !r.OK() {
			release()
			p.publishEvent(event.PoolEvent{Type: event.ConnectionCheckOutFailed, Address: p.cfg.Address.String(), Reason: "system_overloaded"})
			return nil, ErrSystemOverloaded
		}
		if delay := r.Delay(); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				r.Cancel()
				release()
				return nil, fmt.Errorf("%w: %v", ErrWaitQueueTimeout, ctx.Err())
			case <-timer.C:
			}
		}
		release()
	}

	for {
		p.mu.Lock()
		if n := len(p.idle); n > 0 {
			c := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.mu.Unlock()

			if c.Stale(p.currentGeneration()) {
				p.mu.Lock()
				p.total--
				p.mu.Unlock()
				c.close()
				continue
			}
			p.publishEvent(event.PoolEvent{Type: event.ConnectionCheckedOut, Address: p.cfg.Address.String(), ConnectionID: c.ID()})
			return c, nil
		}

		if p.cfg.MaxPoolSize > 0 && p.total >= p.cfg.MaxPoolSize {
			p.mu.Unlock()
			select {
			case <-ctx.Done():
				p.publishEvent(event.PoolEvent{Type: event.ConnectionCheckOutFailed, Address: p.cfg.Address.String(), Reason: "timeout"})
				return nil, fmt.Errorf("%w: %v", ErrWaitQueueTimeout, ctx.Err())
			case <-time.After(5 * time.Millisecond):
				continue
			}
		}

		if p.cfg.MaxConnecting > 0 && p.connecting >= p.cfg.MaxConnecting {
			p.mu.Unlock()
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrWaitQueueTimeout, ctx.Err())
			case <-time.After(time.Millisecond):
				continue
			}
		}

		p.total++
		p.connecting++
		id := p.nextID
		p.nextID++
		gen := p.currentGeneration()
		p.mu.Unlock()

		c, err := dialConnection(ctx, id, p.cfg.Address, gen, p.cfg.TLSConfig, p.cfg.ConnectTimeout)
		if err == nil && p.cfg.Handshake != nil {
			err = p.cfg.Handshake(ctx, c)
		}

		p.mu.Lock()
		p.connecting--
		if err != nil {
			p.total--
		}
		p.mu.Unlock()

		if err != nil {
			p.publishEvent(event.PoolEvent{Type: event.ConnectionCheckOutFailed, Address: p.cfg.Address.String(), Reason: "connection error"})
			return nil, err
		}

		p.publishEvent(event.PoolEvent{Type: event.ConnectionCreated, Address: p.cfg.Address.String(), ConnectionID: c.ID()})
		p.publishEvent(event.PoolEvent{Type: event.ConnectionCheckedOut, Address: p.cfg.Address.String(), ConnectionID: c.ID()})
		return c, nil
	}
}

// checkIn returns c to the idle set, unless it is stale or the pool is
// closed, in which case it is closed instead. A pinned connection is left
// as it is: neither closed nor returned to the idle set.
func (p *pool) checkIn(c *Connection) {
	if c == nil {
		return
	}
	p.publishEvent(event.PoolEvent{Type: event.ConnectionCheckedIn, Address: p.cfg.Address.String(), ConnectionID: c.ID()})

	if c.Pinned() {
		return
	}

	if atomic.LoadInt32(&p.state) == poolClosed || c.Stale(p.currentGeneration()) {
		p.mu.Lock()
		p.total--
		p.mu.Unlock()
		c.close()
		return
	}

	p.mu.Lock()
	p.idle = append(p.idle, c)
	p.mu.Unlock()
}

// removeConnection discards c entirely (a network error occurred while it
// was checked out) rather than returning it to the idle set.
func (p *pool) removeConnection(c *Connection) {
	p.mu.Lock()
	p.total--
	p.mu.Unlock()
	c.close()
	p.publishEvent(event.PoolEvent{Type: event.ConnectionClosed, Address: p.cfg.Address.String(), ConnectionID: c.ID()})
}

// maintain runs until ctx is cancelled, closing idle connections created
// more than MaxConnIdle ago and topping the idle set back up to
// MinPoolSize. The time a connection has spent idle is not tracked; its
// age is measured from creation.
func (p *pool) maintain(ctx context.Context) {
	defer close(p.maintDone)
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pruneIdle()
			p.checkIdleLiveness()
			p.topUp(ctx)
		}
	}
}

func (p *pool) pruneIdle() {
	if p.cfg.MaxConnIdle == 0 {
		return
	}
	now := time.Now()
	p.mu.Lock()
	kept := p.idle[:0]
	var stale []*Connection
	for _, c := range p.idle {
		if now.Sub(c.created) > p.cfg.MaxConnIdle {
			stale = append(stale, c)
			p.total--
			continue
		}
		kept = append(kept, c)
	}
	p.idle = kept
	p.mu.Unlock()

	for _, c := range stale {
		c.close()
	}
}

// checkIdleLiveness drops any idle connection whose underlying transport
// reports a read-ready EOF, i.e. the peer closed it while it sat in the
// pool unused (SPEC_FULL.md §4.3, "periodic liveness checks"). Best-effort:
// a connection that's merely quiet is left alone.
func (p *pool) checkIdleLiveness() {
	p.mu.Lock()
	kept := p.idle[:0]
	var dead []*Connection
	for _, c := range p.idle {
		if c.IsAlive() {
			kept = append(kept, c)
			continue
		}
		dead = append(dead, c)
		p.total--
	}
	p.idle = kept
	p.mu.Unlock()

	for _, c := range dead {
		c.close()
		p.publishEvent(event.PoolEvent{Type: event.ConnectionClosed, Address: p.cfg.Address.String(), ConnectionID: c.ID()})
	}
}

func (p *pool) topUp(ctx context.Context) {
	if p.cfg.MinPoolSize == 0 {
		return
	}
	p.mu.Lock()
	need := int64(p.cfg.MinPoolSize) - int64(p.total)
	p.mu.Unlock()

	for i := int64(0); i < need; i++ {
		if atomic.LoadInt32(&p.state) != poolReady {
			return
		}
		p.mu.Lock()
		id := p.nextID
		p.nextID++
		p.total++
		gen := p.currentGeneration()
		p.mu.Unlock()

		c, err := dialConnection(ctx, id, p.cfg.Address, gen, p.cfg.TLSConfig, p.cfg.ConnectTimeout)
		if err == nil && p.cfg.Handshake != nil {
			err = p.cfg.Handshake(ctx, c)
		}
		if err != nil {
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			return
		}
		p.mu.Lock()
		p.idle = append(p.idle, c)
		p.mu.Unlock()
	}
}

func (p *pool) publishEvent(e event.PoolEvent) {
	if p.cfg.PoolMonitor == nil {
		return
	}
	p.cfg.PoolMonitor.Event(&e)
}

func (p *pool) stats() (total, idleN uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total, uint64(len(p.idle))
}
