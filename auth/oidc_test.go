// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package auth

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/mongocore/go-driver-core/bsoncore"
	"github.com/mongocore/go-driver-core/description"
	"github.com/mongocore/go-driver-core/options"
	"github.com/mongocore/go-driver-core/wiremessage"
)

// fakeOIDCConn simulates a server that rejects whatever token it was
// handshaken with (failFirstN times) before accepting the next one,
// letting tests drive the reauthentication path deterministically.
type fakeOIDCConn struct {
	lastToken    string
	attempt      int32
	failFirstN   int32
	rejectedCode int32
}

func (c *fakeOIDCConn) WriteCommand(ctx context.Context, name string, cmd []byte, seqs []wiremessage.DocumentSequence) (int32, error) {
	doc := bsoncore.Document(cmd)
	if v, found := doc.Lookup("payload"); found {
		if _, data, ok := v.BinaryValue(); ok {
			payloadDoc := bsoncore.Document(data)
			if jwt, found := payloadDoc.Lookup("jwt"); found {
				if s, ok := jwt.StringValue(); ok {
					c.lastToken = s
				}
			}
		}
	}
	return 1, nil
}

func (c *fakeOIDCConn) ReadReply(ctx context.Context) (wiremessage.Reply, error) {
	n := atomic.AddInt32(&c.attempt, 1)
	if n <= c.failFirstN {
		body := bsoncore.NewDocumentBuilder().
			AppendBoolean("ok", false).
			AppendInt32("code", c.rejectedCode).
			AppendString("errmsg", "reauthentication required").
			Build()
		return wiremessage.Reply{Body: body}, nil
	}
	body := bsoncore.NewDocumentBuilder().
		AppendBoolean("ok", true).
		AppendBoolean("done", true).
		Build()
	return wiremessage.Reply{Body: body}, nil
}

func (c *fakeOIDCConn) Description() description.Server { return description.Server{} }
func (c *fakeOIDCConn) LastUsedOIDCToken() string        { return c.lastToken }
func (c *fakeOIDCConn) SetLastUsedOIDCToken(tok string)  { c.lastToken = tok }

func TestOIDCAuthRetriesOnceAfterReauthenticationRequired(t *testing.T) {
	tokens := []string{"token-1", "token-2"}
	call := 0
	cb := func(ctx context.Context, args *options.OIDCArgs) (*options.OIDCCredential, error) {
		tok := tokens[call]
		if call < len(tokens)-1 {
			call++
		}
		return &options.OIDCCredential{AccessToken: tok}, nil
	}

	cred := &options.Credential{OIDCMachineCallback: cb}
	authenticator, err := newOIDCAuthenticator(cred)
	if err != nil {
		t.Fatalf("newOIDCAuthenticator returned error: %v", err)
	}

	conn := &fakeOIDCConn{failFirstN: 1, rejectedCode: 391}
	if err := authenticator.Auth(context.Background(), conn); err != nil {
		t.Fatalf("Auth returned error: %v", err)
	}
	if conn.lastToken != "token-2" {
		t.Fatalf("expected the retry to authenticate with token-2, server saw %q", conn.lastToken)
	}
	if call != 1 {
		t.Fatalf("expected the callback to have been called twice total (once per distinct token), call index ended at %d", call)
	}
}

func TestOIDCAuthPassesThroughNonReauthenticationFailure(t *testing.T) {
	cb := func(ctx context.Context, args *options.OIDCArgs) (*options.OIDCCredential, error) {
		return &options.OIDCCredential{AccessToken: "only-token"}, nil
	}
	cred := &options.Credential{OIDCMachineCallback: cb}
	authenticator, err := newOIDCAuthenticator(cred)
	if err != nil {
		t.Fatalf("newOIDCAuthenticator returned error: %v", err)
	}

	// code 18 (AuthenticationFailed) must not trigger a retry.
	conn := &fakeOIDCConn{failFirstN: 1, rejectedCode: 18}
	err = authenticator.Auth(context.Background(), conn)
	if err == nil {
		t.Fatal("expected Auth to surface the non-reauthentication failure")
	}
	if conn.attempt != 1 {
		t.Fatalf("expected exactly one attempt for a non-reauthentication error, got %d", conn.attempt)
	}
}

func TestOIDCRejectsPasswordSet(t *testing.T) {
	cred := &options.Credential{
		OIDCMachineCallback: func(ctx context.Context, args *options.OIDCArgs) (*options.OIDCCredential, error) {
			return &options.OIDCCredential{AccessToken: "x"}, nil
		},
		PasswordSet: true,
	}
	if _, err := newOIDCAuthenticator(cred); err == nil {
		t.Fatal("expected newOIDCAuthenticator to reject a credential with a password set")
	}
}

func TestOIDCSpeculativeConversationReturnsNilWithoutCachedToken(t *testing.T) {
	cred := &options.Credential{
		OIDCMachineCallback: func(ctx context.Context, args *options.OIDCArgs) (*options.OIDCCredential, error) {
			return &options.OIDCCredential{AccessToken: "never-called"}, nil
		},
	}
	authenticator, err := newOIDCAuthenticator(cred)
	if err != nil {
		t.Fatalf("newOIDCAuthenticator returned error: %v", err)
	}
	sa := authenticator.(SpeculativeAuthenticator)

	conv, err := sa.SpeculativeConversation(context.Background())
	if err != nil {
		t.Fatalf("SpeculativeConversation returned error: %v", err)
	}
	if conv != nil {
		t.Fatal("expected a nil conversation when no token is cached yet, so the callback is never forced from the handshake path")
	}
}

func TestOIDCSpeculativeConversationUsesCachedToken(t *testing.T) {
	cred := &options.Credential{
		OIDCMachineCallback: func(ctx context.Context, args *options.OIDCArgs) (*options.OIDCCredential, error) {
			return &options.OIDCCredential{AccessToken: "cached-token"}, nil
		},
	}
	authenticator, err := newOIDCAuthenticator(cred)
	if err != nil {
		t.Fatalf("newOIDCAuthenticator returned error: %v", err)
	}

	// Populate the cache via an ordinary Auth first.
	if err := authenticator.Auth(context.Background(), &fakeOIDCConn{}); err != nil {
		t.Fatalf("Auth returned error: %v", err)
	}

	sa := authenticator.(SpeculativeAuthenticator)
	conv, err := sa.SpeculativeConversation(context.Background())
	if err != nil {
		t.Fatalf("SpeculativeConversation returned error: %v", err)
	}
	if conv == nil {
		t.Fatal("expected a speculative conversation once a token is cached")
	}

	msg := conv.FirstMessage()
	if v, found := msg.Lookup("mechanism"); !found {
		t.Fatal("expected a mechanism field")
	} else if s, _ := v.StringValue(); s != MongoDBOIDC {
		t.Fatalf("expected mechanism %q, got %q", MongoDBOIDC, s)
	}
	payload, found := msg.Lookup("payload")
	if !found {
		t.Fatal("expected a payload field")
	}
	_, data, ok := payload.BinaryValue()
	if !ok {
		t.Fatal("expected payload to decode as binary")
	}
	jwt, found := bsoncore.Document(data).Lookup("jwt")
	if !found {
		t.Fatal("expected payload.jwt")
	}
	if s, _ := jwt.StringValue(); s != "cached-token" {
		t.Fatalf("expected jwt cached-token, got %q", s)
	}

	okReply := bsoncore.NewDocumentBuilder().AppendBoolean("ok", true).Build()
	conn := &fakeOIDCConn{}
	if err := conv.Finish(context.Background(), conn, okReply); err != nil {
		t.Fatalf("Finish returned error: %v", err)
	}
	if conn.LastUsedOIDCToken() != "cached-token" {
		t.Fatalf("expected Finish to record the token used, got %q", conn.LastUsedOIDCToken())
	}
}

func TestOIDCSharesCacheAcrossConnectionsForSameCredential(t *testing.T) {
	var calls int32
	cb := func(ctx context.Context, args *options.OIDCArgs) (*options.OIDCCredential, error) {
		atomic.AddInt32(&calls, 1)
		return &options.OIDCCredential{AccessToken: "shared-token"}, nil
	}
	cred := &options.Credential{OIDCMachineCallback: cb}

	a1, err := newOIDCAuthenticator(cred)
	if err != nil {
		t.Fatal(err)
	}
	a2, err := newOIDCAuthenticator(cred)
	if err != nil {
		t.Fatal(err)
	}

	if err := a1.Auth(context.Background(), &fakeOIDCConn{}); err != nil {
		t.Fatalf("first Auth failed: %v", err)
	}
	if err := a2.Auth(context.Background(), &fakeOIDCConn{}); err != nil {
		t.Fatalf("second Auth failed: %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected the cache shared across authenticators for the same credential to call the callback once, got %d", calls)
	}
}
