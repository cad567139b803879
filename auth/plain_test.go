// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package auth

import (
	"context"
	"testing"

	"github.com/mongocore/go-driver-core/bsoncore"
	"github.com/mongocore/go-driver-core/options"
)

func TestPlainSaslAdapterStartPayloadFormat(t *testing.T) {
	a := &plainSaslAdapter{username: "alice", password: "s3cret"}
	if a.Completed() {
		t.Fatal("expected Completed to be false before Start records it")
	}
	mech, payload, err := a.Start()
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if mech != PLAIN {
		t.Fatalf("expected mechanism PLAIN, got %q", mech)
	}
	want := "\x00alice\x00s3cret"
	if string(payload) != want {
		t.Fatalf("unexpected payload: %q, want %q", payload, want)
	}
}

func TestPlainSaslAdapterCompletedAfterStart(t *testing.T) {
	a := &plainSaslAdapter{username: "u", password: "p"}
	if _, _, err := a.Start(); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if !a.Completed() {
		t.Fatal("expected Completed to report true once Start has run (single-step mechanism)")
	}
	if payload, err := a.Next(nil); payload != nil || err != nil {
		t.Fatalf("expected Next to be a no-op, got (%v, %v)", payload, err)
	}
}

func TestNewPlainAuthenticatorUsesAuthSourceOrAdmin(t *testing.T) {
	cred := &options.Credential{Username: "u", Password: "p", AuthSource: "$external"}
	authenticator, err := newPlainAuthenticator(cred)
	if err != nil {
		t.Fatalf("newPlainAuthenticator returned error: %v", err)
	}
	a := authenticator.(*plainAuthenticator)
	if a.source != "$external" {
		t.Fatalf("expected source $external, got %q", a.source)
	}
}

func TestPlainAuthSendsSaslStartWithExpectedPayload(t *testing.T) {
	cred := &options.Credential{Username: "alice", Password: "s3cret", AuthSource: "$external"}
	authenticator, err := newPlainAuthenticator(cred)
	if err != nil {
		t.Fatalf("newPlainAuthenticator returned error: %v", err)
	}

	ok := bsoncore.NewDocumentBuilder().
		AppendBoolean("ok", true).
		AppendBoolean("done", true).
		Build()
	conn := &spyConn{replies: []bsoncore.Document{ok}}

	if err := authenticator.Auth(context.Background(), conn); err != nil {
		t.Fatalf("Auth returned error: %v", err)
	}
	if len(conn.writes) != 1 {
		t.Fatalf("expected exactly one saslStart for the single-step PLAIN mechanism, got %d", len(conn.writes))
	}
	w := conn.writes[0]
	payload, found := w.doc.Lookup("payload")
	if !found {
		t.Fatal("expected a payload field")
	}
	_, data, ok2 := payload.BinaryValue()
	if !ok2 {
		t.Fatal("expected payload to decode as binary")
	}
	if string(data) != "\x00alice\x00s3cret" {
		t.Fatalf("unexpected wire payload: %q", data)
	}
}
