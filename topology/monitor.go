// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"crypto/tls"
	"sync"
	"time"

	"github.com/mongocore/go-driver-core/address"
	"github.com/mongocore/go-driver-core/bsoncore"
	"github.com/mongocore/go-driver-core/description"
	"github.com/mongocore/go-driver-core/event"
	"github.com/mongocore/go-driver-core/internal/clock"
)

// rttEWMAAlpha is the smoothing factor for the exponentially weighted
// moving average RTT calculation (SPEC_FULL.md §4.4).
const rttEWMAAlpha = 0.2

// minHeartbeatInterval is the floor on how often RequestImmediateCheck can
// actually trigger a new hello, preventing a thundering herd of
// operation-triggered rechecks (SPEC_FULL.md §4.4).
const minHeartbeatInterval = 500 * time.Millisecond

type monitorConfig struct {
	Address        address.Address
	HeartbeatInterval time.Duration
	ConnectTimeout time.Duration
	TLSConfig      *tls.Config
	AppName        string
	ServerMonitor  *event.ServerMonitor
	Clock          clock.Clock
}

// monitor runs a dedicated connection performing repeated hello calls
// (polling, or streaming via topologyVersion+maxAwaitTimeMS once the server
// is known to support it) and publishes each resulting description.Server
// on updates.
type monitor struct {
	cfg     monitorConfig
	updates chan description.Server

	mu           sync.Mutex
	rtt          time.Duration
	rttSet       bool
	lastTV       *description.TopologyVersion
	streamingOK  bool

	checkNow chan struct{}
	done     chan struct{}
	stopped  chan struct{}

	conn *Connection
}

func newMonitor(cfg monitorConfig) *monitor {
	if cfg.Clock == nil {
		cfg.Clock = clock.Default
	}
	return &monitor{
		cfg:      cfg,
		updates:  make(chan description.Server, 1),
		checkNow: make(chan struct{}, 1),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

func (m *monitor) start() {
	go m.run()
}

func (m *monitor) stop() {
	close(m.done)
	<-m.stopped
	if m.conn != nil {
		m.conn.close()
	}
}

func (m *monitor) requestImmediateCheck() {
	select {
	case m.checkNow <- struct{}{}:
	default:
	}
}

func (m *monitor) run() {
	defer close(m.stopped)

	for {
		started := m.cfg.Clock.Now()
		desc := m.heartbeat()
		select {
		case m.updates <- desc:
		case <-m.done:
			return
		}

		if desc.LastError != nil {
			m.streamingOK = false
		}

		interval := m.cfg.HeartbeatInterval
		if m.streamingOK {
			// A streaming-capable server blocks inside heartbeat() itself via
			// maxAwaitTimeMS, so the local wait here is only the floor that
			// bounds accidental tight loops.
			interval = minHeartbeatInterval
		}

		timer := m.cfg.Clock.NewTimer(interval)
		select {
		case <-m.done:
			timer.Stop()
			return
		case <-m.checkNow:
			timer.Stop()
			// An immediate check still waits out minHeartbeatInterval,
			// counted from the start of the previous hello.
			if wait := minHeartbeatInterval - m.cfg.Clock.Now().Sub(started); wait > 0 {
				floor := m.cfg.Clock.NewTimer(wait)
				select {
				case <-m.done:
					floor.Stop()
					return
				case <-floor.C():
				}
			}
		case <-timer.C():
		}
	}
}

// heartbeat issues one hello (streaming if the previous reply advertised
// topologyVersion support) and returns the resulting description.Server.
func (m *monitor) heartbeat() description.Server {
	start := m.cfg.Clock.Now()

	if m.conn == nil {
		c, err := dialConnection(context.Background(), 0, m.cfg.Address, 0, m.cfg.TLSConfig, m.cfg.ConnectTimeout)
		if err != nil {
			return description.NewServerFromError(m.cfg.Address, err, m.lastTV)
		}
		m.conn = c
	}

	m.publishStarted(m.streamingOK)

	awaitTimeout := m.cfg.HeartbeatInterval + 5*time.Second
	ctx := context.Background()
	var cancel context.CancelFunc
	if m.streamingOK {
		ctx, cancel = context.WithTimeout(ctx, awaitTimeout)
		defer cancel()
	} else {
		ctx, cancel = context.WithTimeout(ctx, m.cfg.ConnectTimeout)
		defer cancel()
	}

	reply, err := m.sendHello(ctx)
	duration := m.cfg.Clock.Now().Sub(start)
	if err != nil {
		m.publishFailed(m.streamingOK, duration, err)
		m.conn.close()
		m.conn = nil
		m.streamingOK = false
		return description.NewServerFromError(m.cfg.Address, err, m.lastTV)
	}

	m.publishSucceeded(m.streamingOK, duration, reply)

	srv, err := parseHelloReply(m.cfg.Address, reply)
	if err != nil {
		return description.NewServerFromError(m.cfg.Address, err, m.lastTV)
	}

	m.mu.Lock()
	if !m.rttSet {
		m.rtt = duration
		m.rttSet = true
	} else {
		m.rtt = time.Duration(rttEWMAAlpha*float64(duration) + (1-rttEWMAAlpha)*float64(m.rtt))
	}
	srv = srv.SetAverageRTT(m.rtt)
	m.mu.Unlock()

	m.lastTV = srv.TopologyVersion
	m.streamingOK = srv.TopologyVersion != nil && srv.WireVersion != nil &&
		srv.WireVersion.Max >= description.StreamingHelloMinWireVersion
	srv.HeartbeatInterval = m.cfg.HeartbeatInterval

	return srv
}

func (m *monitor) sendHello(ctx context.Context) (bsoncore.Document, error) {
	cmd := buildHelloCommand(m.cfg.AppName, m.streamingOK, m.lastTV, m.cfg.HeartbeatInterval)
	reqID, err := m.conn.WriteCommand(ctx, "hello", cmd, nil)
	if err != nil {
		return nil, err
	}
	reply, err := m.conn.ReadReply(ctx)
	if err != nil {
		return nil, err
	}
	_ = reqID
	return bsoncore.Document(reply.Body), nil
}

func buildHelloCommand(appName string, streaming bool, tv *description.TopologyVersion, heartbeatInterval time.Duration) bsoncore.Document {
	b := bsoncore.NewDocumentBuilder().AppendInt32("hello", 1)
	if appName != "" {
		client := bsoncore.NewDocumentBuilder().AppendString("name", appName).Build()
		b = b.AppendDocument("client", client)
	}
	if streaming && tv != nil {
		b = b.AppendInt64("maxAwaitTimeMS", heartbeatInterval.Milliseconds())
		tvDoc := bsoncore.NewDocumentBuilder().
			AppendString("processId", tv.ProcessID).
			AppendInt64("counter", tv.Counter).
			Build()
		b = b.AppendDocument("topologyVersion", tvDoc)
	}
	return b.Build()
}

func (m *monitor) publishStarted(awaited bool) {
	if m.cfg.ServerMonitor == nil || m.cfg.ServerMonitor.ServerHeartbeatStarted == nil {
		return
	}
	m.cfg.ServerMonitor.ServerHeartbeatStarted(&event.ServerHeartbeatStartedEvent{
		ConnectionID: m.cfg.Address.String(),
		Awaited:      awaited,
	})
}

func (m *monitor) publishSucceeded(awaited bool, d time.Duration, reply bsoncore.Document) {
	if m.cfg.ServerMonitor == nil || m.cfg.ServerMonitor.ServerHeartbeatSucceeded == nil {
		return
	}
	m.cfg.ServerMonitor.ServerHeartbeatSucceeded(&event.ServerHeartbeatSucceededEvent{
		Duration:     d,
		Reply:        reply,
		ConnectionID: m.cfg.Address.String(),
		Awaited:      awaited,
	})
}

func (m *monitor) publishFailed(awaited bool, d time.Duration, err error) {
	if m.cfg.ServerMonitor == nil || m.cfg.ServerMonitor.ServerHeartbeatFailed == nil {
		return
	}
	m.cfg.ServerMonitor.ServerHeartbeatFailed(&event.ServerHeartbeatFailedEvent{
		Duration:     d,
		Failure:      err,
		ConnectionID: m.cfg.Address.String(),
		Awaited:      awaited,
	})
}
