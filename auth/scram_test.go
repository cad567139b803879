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
	"github.com/mongocore/go-driver-core/description"
	"github.com/mongocore/go-driver-core/options"
	"github.com/mongocore/go-driver-core/wiremessage"
)

// spyConn records the commands it's asked to write and hands back scripted
// replies, letting scram/plain/x509 tests assert on wire shape without a
// real server.
type spyConn struct {
	writes  []spyWrite
	replies []bsoncore.Document
	next    int
}

type spyWrite struct {
	name string
	doc  bsoncore.Document
}

func (c *spyConn) WriteCommand(ctx context.Context, name string, cmd []byte, seqs []wiremessage.DocumentSequence) (int32, error) {
	c.writes = append(c.writes, spyWrite{name: name, doc: bsoncore.Document(cmd)})
	return 1, nil
}

func (c *spyConn) ReadReply(ctx context.Context) (wiremessage.Reply, error) {
	if c.next >= len(c.replies) {
		return wiremessage.Reply{}, errNoMoreScriptedReplies
	}
	reply := c.replies[c.next]
	c.next++
	return wiremessage.Reply{Body: reply}, nil
}

func (c *spyConn) Description() description.Server       { return description.Server{} }
func (c *spyConn) LastUsedOIDCToken() string              { return "" }
func (c *spyConn) SetLastUsedOIDCToken(string)            {}

var errNoMoreScriptedReplies = &CommandError{Message: "spyConn: no more scripted replies"}

func TestNewScramSHA1AuthenticatorFields(t *testing.T) {
	cred := &options.Credential{Username: "alice", Password: "s3cret", AuthSource: "myapp"}
	authenticator, err := newScramSHA1Authenticator(cred)
	if err != nil {
		t.Fatalf("newScramSHA1Authenticator returned error: %v", err)
	}
	a := authenticator.(*scramAuthenticator)
	if a.mechanism != SCRAMSHA1 || a.source != "myapp" || a.username != "alice" || a.password != "s3cret" {
		t.Fatalf("unexpected authenticator fields: %+v", a)
	}
}

func TestNewScramSHA256AuthenticatorDefaultsSourceToAdmin(t *testing.T) {
	cred := &options.Credential{Username: "bob", Password: "pw"}
	authenticator, err := newScramSHA256Authenticator(cred)
	if err != nil {
		t.Fatalf("newScramSHA256Authenticator returned error: %v", err)
	}
	a := authenticator.(*scramAuthenticator)
	if a.source != "admin" {
		t.Fatalf("expected default auth source admin, got %q", a.source)
	}
	if a.mechanism != SCRAMSHA256 {
		t.Fatalf("expected mechanism SCRAM-SHA-256, got %q", a.mechanism)
	}
}

// TestScramSHA256AuthRejectsInvalidSASLprepPassword exercises the
// SASLprep-normalization failure path: a password containing a
// prohibited control character must be rejected before any command is
// sent to the server.
func TestScramSHA256AuthRejectsInvalidSASLprepPassword(t *testing.T) {
	cred := &options.Credential{Username: "bob", Password: "badpw"}
	authenticator, err := newScramSHA256Authenticator(cred)
	if err != nil {
		t.Fatalf("newScramSHA256Authenticator returned error: %v", err)
	}

	conn := &spyConn{}
	if err := authenticator.Auth(context.Background(), conn); err == nil {
		t.Fatal("expected Auth to fail on an unprepared password")
	}
	if len(conn.writes) != 0 {
		t.Fatalf("expected no command sent when SASLprep fails, got %d", len(conn.writes))
	}
}

// TestScramAuthSendsMechanismInSaslStart checks that the first saslStart
// command carries the mechanism name and an $external-free db, without
// needing to fake the full SCRAM server side.
func TestScramAuthSendsMechanismInSaslStart(t *testing.T) {
	cred := &options.Credential{Username: "alice", Password: "s3cret"}
	authenticator, err := newScramSHA1Authenticator(cred)
	if err != nil {
		t.Fatalf("newScramSHA1Authenticator returned error: %v", err)
	}

	conn := &spyConn{} // no scripted replies: ReadReply errors immediately
	_ = authenticator.Auth(context.Background(), conn)

	if len(conn.writes) != 1 {
		t.Fatalf("expected exactly one write before the scripted-reply error, got %d", len(conn.writes))
	}
	w := conn.writes[0]
	if w.name != "saslStart" {
		t.Fatalf("expected saslStart, got %q", w.name)
	}
	mech, found := w.doc.Lookup("mechanism")
	if !found {
		t.Fatal("expected a mechanism field")
	}
	if s, _ := mech.StringValue(); s != SCRAMSHA1 {
		t.Fatalf("expected mechanism %q, got %q", SCRAMSHA1, s)
	}
	db, found := w.doc.Lookup("$db")
	if !found {
		t.Fatal("expected a $db field")
	}
	if s, _ := db.StringValue(); s != "admin" {
		t.Fatalf("expected $db admin, got %q", s)
	}
}

// TestScramSpeculativeConversationBuildsSaslStartPayload checks the
// speculativeAuthenticate document's shape without faking a full SCRAM
// server side, the same way TestScramAuthSendsMechanismInSaslStart avoids
// it for the ordinary path.
func TestScramSpeculativeConversationBuildsSaslStartPayload(t *testing.T) {
	cred := &options.Credential{Username: "alice", Password: "s3cret", AuthSource: "myapp"}
	authenticator, err := newScramSHA1Authenticator(cred)
	if err != nil {
		t.Fatalf("newScramSHA1Authenticator returned error: %v", err)
	}

	sa, ok := authenticator.(SpeculativeAuthenticator)
	if !ok {
		t.Fatal("expected scramAuthenticator to implement SpeculativeAuthenticator")
	}
	conv, err := sa.SpeculativeConversation(context.Background())
	if err != nil {
		t.Fatalf("SpeculativeConversation returned error: %v", err)
	}

	msg := conv.FirstMessage()
	if v, found := msg.Lookup("saslStart"); !found {
		t.Fatal("expected a saslStart field")
	} else if n, _ := v.Int32Value(); n != 1 {
		t.Fatalf("expected saslStart: 1, got %v", n)
	}
	if v, found := msg.Lookup("mechanism"); !found {
		t.Fatal("expected a mechanism field")
	} else if s, _ := v.StringValue(); s != SCRAMSHA1 {
		t.Fatalf("expected mechanism %q, got %q", SCRAMSHA1, s)
	}
	if v, found := msg.Lookup("db"); !found {
		t.Fatal("expected a db field")
	} else if s, _ := v.StringValue(); s != "myapp" {
		t.Fatalf("expected db myapp, got %q", s)
	}
	if _, found := msg.Lookup("payload"); !found {
		t.Fatal("expected a payload field")
	}
}

// TestScramSpeculativeConversationFinishReusesSameAdapterInstance confirms
// Finish drives the exact scramSaslAdapter instance SpeculativeConversation
// built, not a fresh one: the underlying scram.ClientConversation is
// stateful and a second Start() would desynchronize the nonce.
func TestScramSpeculativeConversationFinishReusesSameAdapterInstance(t *testing.T) {
	cred := &options.Credential{Username: "alice", Password: "s3cret"}
	authenticator, err := newScramSHA1Authenticator(cred)
	if err != nil {
		t.Fatalf("newScramSHA1Authenticator returned error: %v", err)
	}
	sa := authenticator.(SpeculativeAuthenticator)
	conv, err := sa.SpeculativeConversation(context.Background())
	if err != nil {
		t.Fatalf("SpeculativeConversation returned error: %v", err)
	}
	speculative := conv.(*scramSpeculativeConversation)

	// An invalid reply (no payload, ok:false) is enough to prove Finish
	// dispatched through the same adapter: parseSaslResponse fails before
	// ever touching the conversation state, so a successful round trip
	// isn't needed to observe which code path ran.
	notOK := bsoncore.NewDocumentBuilder().AppendBoolean("ok", false).Build()
	conn := &spyConn{}
	err = speculative.Finish(context.Background(), conn, notOK)
	if err == nil {
		t.Fatal("expected an error from an ok:false speculativeAuthenticate reply")
	}
	if len(conn.writes) != 0 {
		t.Fatalf("expected Finish to resume from the reply, not issue a fresh saslStart write; got %d writes", len(conn.writes))
	}
}
