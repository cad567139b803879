// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package readpref

import (
	"errors"
	"time"
)

// errors returned when constructing a ReadPref with incompatible options.
var (
	ErrInvalidTagSet        = errors.New("readpref: a tag set list is invalid if an empty tag set appears anywhere but last")
	ErrPrimaryWithTags      = errors.New("readpref: a primary read preference cannot contain tag sets")
	ErrPrimaryWithMaxStaleness = errors.New("readpref: a primary read preference cannot specify max staleness")
	ErrMaxStalenessTooLow   = errors.New("readpref: max staleness must be at least 90 seconds")
)

// TagSet is a set of key/value pairs a secondary's hello reply must
// match exactly for it to satisfy this tag set.
type TagSet map[string]string

// Hedge controls whether the server is permitted to run a hedged read
// (carried through to the command document verbatim; this core does not
// interpret it further).
type Hedge struct {
	Enabled *bool
}

// ReadPref describes how a Command Dispatcher selects a server for an
// operation (SPEC_FULL.md §4.6).
type ReadPref struct {
	mode            Mode
	tagSets         []TagSet
	maxStaleness    time.Duration
	hedge           *Hedge
}

type option func(*ReadPref) error

// New creates a ReadPref with the given mode, applying opts in order. It
// returns an error if the combination is invalid (e.g. tag sets on primary
// mode).
func New(mode Mode, opts ...option) (*ReadPref, error) {
	rp := &ReadPref{mode: mode}
	for _, opt := range opts {
		if err := opt(rp); err != nil {
			return nil, err
		}
	}
	if mode == PrimaryMode {
		if len(rp.tagSets) > 0 {
			return nil, ErrPrimaryWithTags
		}
		if rp.maxStaleness != 0 {
			return nil, ErrPrimaryWithMaxStaleness
		}
	}
	return rp, nil
}

// WithTagSets sets the tag set list. An empty tag set in the list matches
// any server and is only accepted as the last entry; anywhere else it
// yields ErrInvalidTagSet.
func WithTagSets(tagSets ...TagSet) option {
	return func(rp *ReadPref) error {
		for i, ts := range tagSets {
			if len(ts) == 0 && i != len(tagSets)-1 {
				return ErrInvalidTagSet
			}
		}
		rp.tagSets = tagSets
		return nil
	}
}

// WithMaxStaleness sets the maximum replication lag a secondary may have
// relative to the primary (or the most up to date secondary, if there is no
// primary) to be eligible. Must be at least 90s when non-zero.
func WithMaxStaleness(d time.Duration) option {
	return func(rp *ReadPref) error {
		if d != 0 && d < 90*time.Second {
			return ErrMaxStalenessTooLow
		}
		rp.maxStaleness = d
		return nil
	}
}

// WithHedge sets the hedge document passed through to eligible commands.
func WithHedge(h *Hedge) option {
	return func(rp *ReadPref) error {
		rp.hedge = h
		return nil
	}
}

// Primary returns a read preference for reading from a primary only.
func Primary() *ReadPref { rp, _ := New(PrimaryMode); return rp }

// PrimaryPreferred returns a read preference for reading from a primary if
// available, falling back to secondaries.
func PrimaryPreferred(opts ...option) *ReadPref {
	rp, _ := New(PrimaryPreferredMode, opts...)
	return rp
}

// SecondaryPreferred returns a read preference for reading from secondaries
// if available, falling back to the primary.
func SecondaryPreferred(opts ...option) *ReadPref {
	rp, _ := New(SecondaryPreferredMode, opts...)
	return rp
}

// Secondary returns a read preference for reading from secondaries only.
func Secondary(opts ...option) *ReadPref {
	rp, _ := New(SecondaryMode, opts...)
	return rp
}

// Nearest returns a read preference for reading from the server(s) with the
// lowest RTT, regardless of type.
func Nearest(opts ...option) *ReadPref {
	rp, _ := New(NearestMode, opts...)
	return rp
}

// Mode returns rp's mode.
func (rp *ReadPref) Mode() Mode { return rp.mode }

// TagSets returns rp's tag set list.
func (rp *ReadPref) TagSets() []TagSet { return rp.tagSets }

// MaxStaleness returns rp's configured max staleness, or 0 if unset.
func (rp *ReadPref) MaxStaleness() time.Duration { return rp.maxStaleness }

// Hedge returns rp's hedge document, or nil if unset.
func (rp *ReadPref) Hedge() *Hedge { return rp.hedge }
