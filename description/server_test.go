// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mongocore/go-driver-core/address"
)

func TestCompareTopologyVersionBothNil(t *testing.T) {
	if got := CompareTopologyVersion(nil, nil); got != 0 {
		t.Fatalf("expected 0 for two nils, got %d", got)
	}
}

func TestCompareTopologyVersionOneNil(t *testing.T) {
	v := &TopologyVersion{ProcessID: "p", Counter: 1}
	if got := CompareTopologyVersion(nil, v); got != -1 {
		t.Fatalf("expected -1 when v1 is nil, got %d", got)
	}
	if got := CompareTopologyVersion(v, nil); got != 1 {
		t.Fatalf("expected 1 when v2 is nil, got %d", got)
	}
}

func TestCompareTopologyVersionDifferentProcessIDAlwaysNewer(t *testing.T) {
	v1 := &TopologyVersion{ProcessID: "p1", Counter: 100}
	v2 := &TopologyVersion{ProcessID: "p2", Counter: 1}
	if got := CompareTopologyVersion(v1, v2); got != -1 {
		t.Fatalf("expected a differing processID to always treat v2 as newer, got %d", got)
	}
}

func TestCompareTopologyVersionCounterOrdering(t *testing.T) {
	older := &TopologyVersion{ProcessID: "p", Counter: 1}
	newer := &TopologyVersion{ProcessID: "p", Counter: 2}
	if got := CompareTopologyVersion(older, newer); got != -1 {
		t.Fatalf("expected -1, got %d", got)
	}
	if got := CompareTopologyVersion(newer, older); got != 1 {
		t.Fatalf("expected 1, got %d", got)
	}
	if got := CompareTopologyVersion(older, older); got != 0 {
		t.Fatalf("expected 0 for equal versions, got %d", got)
	}
}

func TestNewDefaultServerIsUnknown(t *testing.T) {
	s := NewDefaultServer(address.Address("a:27017"))
	if s.Kind != Unknown {
		t.Fatalf("expected Unknown, got %v", s.Kind)
	}
	if s.Addr != "a:27017" {
		t.Fatalf("unexpected addr: %v", s.Addr)
	}
}

func TestNewServerFromErrorCarriesErrorAndTopologyVersion(t *testing.T) {
	tv := &TopologyVersion{ProcessID: "p", Counter: 1}
	wantErr := errors.New("connection refused")
	s := NewServerFromError(address.Address("a:27017"), wantErr, tv)
	if s.Kind != Unknown {
		t.Fatalf("expected Unknown, got %v", s.Kind)
	}
	if s.LastError != wantErr {
		t.Fatalf("expected LastError to be set")
	}
	if s.TopologyVersion != tv {
		t.Fatal("expected the TopologyVersion pointer to be carried through")
	}
}

func TestSetAverageRTTReturnsCopy(t *testing.T) {
	s := NewDefaultServer(address.Address("a:27017"))
	s2 := s.SetAverageRTT(5 * time.Millisecond)
	if s.AverageRTTSet {
		t.Fatal("expected the original Server to be unmodified")
	}
	if !s2.AverageRTTSet || s2.AverageRTT != 5*time.Millisecond {
		t.Fatalf("expected the returned copy to carry the new RTT, got %+v", s2)
	}
}

func TestServerStringIncludesTagsAndError(t *testing.T) {
	s := Server{
		Addr:      address.Address("a:27017"),
		Kind:      RSSecondary,
		Tags:      map[string]string{"dc": "east"},
		LastError: errors.New("boom"),
	}
	str := s.String()
	if !strings.Contains(str, "RSSecondary") || !strings.Contains(str, "dc") || !strings.Contains(str, "boom") {
		t.Fatalf("expected the string form to mention kind, tags, and error, got %q", str)
	}
}
