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
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/mongocore/go-driver-core/address"
	"github.com/mongocore/go-driver-core/description"
	"github.com/mongocore/go-driver-core/readpref"
)

// ErrServerSelectionTimeout occurs when no suitable server becomes
// available within a selection's deadline.
var ErrServerSelectionTimeout = errors.New("topology: server selection timed out")

// SelectServer blocks until a server matching rp becomes available, the
// topology's CompatibilityErr is set, or ctx/the client's configured
// ServerSelectionTimeout expires (SPEC_FULL.md §4.6). It returns the
// *Server so the caller can check out a connection from its pool.
func (t *Topology) SelectServer(ctx context.Context, rp *readpref.ReadPref) (*Server, error) {
	if atomic.LoadInt32(&t.state) != topologyConnected {
		return nil, ErrTopologyClosed
	}
	if rp == nil {
		rp = readpref.Primary()
	}

	deadline := time.Now().Add(t.cfg.ServerSelectionTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	sub := t.Subscribe()
	defer sub.Unsubscribe()

	for {
		desc := t.Description()
		if desc.CompatibilityErr != nil {
			return nil, desc.CompatibilityErr
		}

		candidates := SelectServers(desc, rp)
		if len(candidates) > 0 {
			chosen := pickByLatency(candidates, t.cfg.LocalThreshold, t.inFlightLoad)
			if srv := t.FindServer(chosen.Addr); srv != nil {
				return srv, nil
			}
			// The chosen address was reconciled away between the read of desc
			// and FindServer; loop and try again against a fresh snapshot.
		}

		if t.cfg.ServerSelectionTryOnce {
			return nil, fmt.Errorf("%w: %s", ErrServerSelectionTimeout, describeCandidates(desc, rp))
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("%w: %s", ErrServerSelectionTimeout, describeCandidates(desc, rp))
		}

		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
			return nil, fmt.Errorf("%w: %s", ErrServerSelectionTimeout, describeCandidates(desc, rp))
		case <-sub.C:
		}
		timer.Stop()
	}
}

func describeCandidates(desc description.Topology, rp *readpref.ReadPref) string {
	return fmt.Sprintf("topology kind %s, %d known servers, read preference mode %s",
		desc.Kind, len(desc.Servers), rp.Mode())
}

// SelectServers returns every server in desc eligible for rp, applying the
// topology-kind rule, the read-preference mode filter, the tag-set filter,
// and the maxStaleness filter in that order. It is a pure function,
// exported so server selection can be unit tested without a live Topology.
func SelectServers(desc description.Topology, rp *readpref.ReadPref) []description.Server {
	switch desc.Kind {
	case description.LoadBalanced:
		return dataBearingServers(desc)
	case description.Single:
		return dataBearingServers(desc)
	case description.Sharded:
		return dataBearingServers(desc)
	default:
		candidates := filterByMode(desc, rp.Mode())
		candidates = filterByTagSets(candidates, rp.TagSets())
		candidates = filterByMaxStaleness(desc, candidates, rp.MaxStaleness())
		return candidates
	}
}

func dataBearingServers(desc description.Topology) []description.Server {
	var out []description.Server
	for _, s := range desc.Servers {
		if s.Kind.IsDataBearing() {
			out = append(out, s)
		}
	}
	return out
}

func filterByMode(desc description.Topology, mode readpref.Mode) []description.Server {
	var out []description.Server
	for _, s := range desc.Servers {
		switch mode {
		case readpref.PrimaryMode:
			if s.Kind == description.RSPrimary {
				out = append(out, s)
			}
		case readpref.PrimaryPreferredMode:
			if s.Kind == description.RSPrimary {
				return []description.Server{s}
			}
			if s.Kind == description.RSSecondary {
				out = append(out, s)
			}
		case readpref.SecondaryMode:
			if s.Kind == description.RSSecondary {
				out = append(out, s)
			}
		case readpref.SecondaryPreferredMode:
			if s.Kind == description.RSSecondary {
				out = append(out, s)
			}
		case readpref.NearestMode:
			if s.Kind == description.RSPrimary || s.Kind == description.RSSecondary {
				out = append(out, s)
			}
		}
	}
	if mode == readpref.SecondaryPreferredMode && len(out) == 0 {
		for _, s := range desc.Servers {
			if s.Kind == description.RSPrimary {
				return []description.Server{s}
			}
		}
	}
	return out
}

func filterByTagSets(candidates []description.Server, tagSets []readpref.TagSet) []description.Server {
	if len(tagSets) == 0 {
		return candidates
	}
	for _, ts := range tagSets {
		var matched []description.Server
		for _, s := range candidates {
			if matchesTagSet(s.Tags, ts) {
				matched = append(matched, s)
			}
		}
		if len(matched) > 0 {
			return matched
		}
	}
	return nil
}

func matchesTagSet(serverTags map[string]string, ts readpref.TagSet) bool {
	for k, v := range ts {
		if serverTags[k] != v {
			return false
		}
	}
	return true
}

// filterByMaxStaleness drops secondaries (and, in PrimaryPreferred
// fallback, the primary itself is always kept) whose estimated
// replication lag exceeds maxStaleness. The estimate follows the
// replication-lag-estimation spec: for a topology with a primary,
// staleness = (S.LastUpdateTime - S.LastWriteDate) - (P.LastUpdateTime -
// P.LastWriteDate) + heartbeatInterval; without one, staleness =
// SMax.LastWriteDate - S.LastWriteDate + heartbeatInterval, where SMax is
// the candidate with the freshest last write.
func filterByMaxStaleness(desc description.Topology, candidates []description.Server, maxStaleness time.Duration) []description.Server {
	if maxStaleness == 0 {
		return candidates
	}

	primary, hasPrimary := findPrimary(desc)
	var out []description.Server
	for _, s := range candidates {
		if s.Kind != description.RSSecondary {
			out = append(out, s)
			continue
		}

		var staleness time.Duration
		if hasPrimary {
			staleness = (s.LastUpdateTime.Sub(s.LastWriteDate)) -
				(primary.LastUpdateTime.Sub(primary.LastWriteDate)) + s.HeartbeatInterval
		} else {
			freshest := freshestSecondary(candidates)
			staleness = freshest.LastWriteDate.Sub(s.LastWriteDate) + s.HeartbeatInterval
		}
		if staleness <= maxStaleness {
			out = append(out, s)
		}
	}
	return out
}

func findPrimary(desc description.Topology) (description.Server, bool) {
	for _, s := range desc.Servers {
		if s.Kind == description.RSPrimary {
			return s, true
		}
	}
	return description.Server{}, false
}

func freshestSecondary(candidates []description.Server) description.Server {
	freshest := candidates[0]
	for _, s := range candidates[1:] {
		if s.LastWriteDate.After(freshest.LastWriteDate) {
			freshest = s
		}
	}
	return freshest
}

// pickByLatency narrows candidates to those within localThreshold of the
// lowest RTT, then breaks the tie with "two random choices": sample two
// distinct members of the window at random and keep whichever load reports fewer in-flight
// operations, rather than a single uniform pick, so a momentarily busy
// server doesn't draw an equal share of new work just because it's
// equally fast (SPEC_FULL.md §4.6 step 8). load may be nil, in which case
// the tie is broken with a plain uniform pick (used by callers, like
// tests, with no in-flight signal to offer).
func pickByLatency(candidates []description.Server, localThreshold time.Duration, load func(address.Address) int32) description.Server {
	if len(candidates) == 1 {
		return candidates[0]
	}

	min := candidates[0].AverageRTT
	for _, s := range candidates[1:] {
		if s.AverageRTTSet && (!candidates[0].AverageRTTSet || s.AverageRTT < min) {
			min = s.AverageRTT
		}
	}

	var window []description.Server
	for _, s := range candidates {
		if !s.AverageRTTSet || s.AverageRTT <= min+localThreshold {
			window = append(window, s)
		}
	}
	if len(window) == 0 {
		window = candidates
	}
	if len(window) == 1 || load == nil {
		return window[rand.Intn(len(window))]
	}

	ai := rand.Intn(len(window))
	bi := rand.Intn(len(window) - 1)
	if bi >= ai {
		bi++
	}
	a, b := window[ai], window[bi]
	if load(a.Addr) <= load(b.Addr) {
		return a
	}
	return b
}
