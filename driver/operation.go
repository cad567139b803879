// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"github.com/mongocore/go-driver-core/bsoncore"
	"github.com/mongocore/go-driver-core/readpref"
)

// Operation describes one command to dispatch: how to build it, which
// server it may run against, and where its reply should end up. One
// Operation value is reused across the retry attempt, if any
// (SPEC_FULL.md §4.7).
type Operation struct {
	CommandName    string
	Database       string
	Build          func(db string) (bsoncore.Document, error)
	ReadPreference *readpref.ReadPref
	RetryableRead  bool
	RetryableWrite bool

	result bsoncore.Document
}

// Result returns the raw server reply from the operation's last (i.e.
// only successful) attempt.
func (op *Operation) Result() bsoncore.Document { return op.result }

// Hello returns the Operation that performs a single hello command, used
// by application code that wants to run one directly
// against a selected server, e.g. a diagnostics tool.
func Hello(appName string) *Operation {
	return &Operation{
		CommandName:   "hello",
		Database:      "admin",
		RetryableRead: true,
		Build: func(db string) (bsoncore.Document, error) {
			b := bsoncore.NewDocumentBuilder().AppendInt32("hello", 1)
			if appName != "" {
				client := bsoncore.NewDocumentBuilder().AppendString("name", appName).Build()
				b = b.AppendDocument("client", client)
			}
			b = b.AppendString("$db", db)
			return b.Build(), nil
		},
	}
}

// Ping returns the trivial {ping: 1} diagnostic command.
func Ping() *Operation {
	return &Operation{
		CommandName:   "ping",
		Database:      "admin",
		RetryableRead: true,
		Build: func(db string) (bsoncore.Document, error) {
			return bsoncore.NewDocumentBuilder().
				AppendInt32("ping", 1).
				AppendString("$db", db).
				Build(), nil
		},
	}
}
