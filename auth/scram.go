// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package auth

import (
	"context"
	"fmt"

	"github.com/xdg-go/scram"
	"github.com/xdg-go/stringprep"

	"github.com/mongocore/go-driver-core/bsoncore"
	"github.com/mongocore/go-driver-core/options"
)

type scramAuthenticator struct {
	mechanism string
	source    string
	username  string
	password  string
	hashGen   scram.HashGeneratorFcn
}

func newScramSHA1Authenticator(cred *options.Credential) (Authenticator, error) {
	return &scramAuthenticator{
		mechanism: SCRAMSHA1,
		source:    authSource(cred),
		username:  cred.Username,
		password:  cred.Password,
		hashGen:   scram.SHA1,
	}, nil
}

func newScramSHA256Authenticator(cred *options.Credential) (Authenticator, error) {
	return &scramAuthenticator{
		mechanism: SCRAMSHA256,
		source:    authSource(cred),
		username:  cred.Username,
		password:  cred.Password,
		hashGen:   scram.SHA256,
	}, nil
}

// Auth runs the SCRAM conversation. Passwords are SASLprep-normalized for
// SCRAM-SHA-256 (RFC 5802/RFC 8265); SCRAM-SHA-1 is left unnormalized for
// compatibility with servers that hashed credentials before prep was
// required (SPEC_FULL.md §4.9).
func (a *scramAuthenticator) Auth(ctx context.Context, conn Connection) error {
	pass := a.password
	if a.mechanism == SCRAMSHA256 {
		prepped, err := stringprep.SASLprep.Prepare(pass)
		if err != nil {
			return newAuthError(a.mechanism, fmt.Errorf("SASLprep: %w", err))
		}
		pass = prepped
	}

	client, err := a.hashGen.NewClient(a.username, pass, "")
	if err != nil {
		return newAuthError(a.mechanism, err)
	}

	conv := client.NewConversation()
	adapter := &scramSaslAdapter{mechanism: a.mechanism, conv: conv}
	return ConductSaslConversation(ctx, conn, a.source, adapter)
}

// SpeculativeConversation builds the saslStart payload without a network
// round trip so it can ride along in hello's speculativeAuthenticate
// field (SPEC_FULL.md §4.2). The returned conversation holds the same
// scramSaslAdapter that produced the payload, so Finish resumes the exact
// state machine instance rather than starting a fresh one.
func (a *scramAuthenticator) SpeculativeConversation(ctx context.Context) (SpeculativeConversation, error) {
	pass := a.password
	if a.mechanism == SCRAMSHA256 {
		prepped, err := stringprep.SASLprep.Prepare(pass)
		if err != nil {
			return nil, newAuthError(a.mechanism, fmt.Errorf("SASLprep: %w", err))
		}
		pass = prepped
	}

	client, err := a.hashGen.NewClient(a.username, pass, "")
	if err != nil {
		return nil, newAuthError(a.mechanism, err)
	}

	adapter := &scramSaslAdapter{mechanism: a.mechanism, conv: client.NewConversation()}
	_, payload, err := adapter.Start()
	if err != nil {
		return nil, newAuthError(a.mechanism, err)
	}

	return &scramSpeculativeConversation{
		mechanism: a.mechanism,
		source:    a.source,
		payload:   payload,
		adapter:   adapter,
	}, nil
}

type scramSpeculativeConversation struct {
	mechanism string
	source    string
	payload   []byte
	adapter   *scramSaslAdapter
}

func (c *scramSpeculativeConversation) FirstMessage() bsoncore.Document {
	return bsoncore.NewDocumentBuilder().
		AppendInt32("saslStart", 1).
		AppendString("mechanism", c.mechanism).
		AppendBinary("payload", 0x00, c.payload).
		AppendString("db", c.source).
		Build()
}

func (c *scramSpeculativeConversation) Finish(ctx context.Context, conn Connection, reply bsoncore.Document) error {
	return resumeSaslConversationFromSpeculative(ctx, conn, c.source, c.mechanism, c.adapter, reply)
}

type scramSaslAdapter struct {
	mechanism string
	conv      *scram.ClientConversation
}

func (a *scramSaslAdapter) Start() (string, []byte, error) {
	step, err := a.conv.Step("")
	if err != nil {
		return a.mechanism, nil, err
	}
	return a.mechanism, []byte(step), nil
}

func (a *scramSaslAdapter) Next(challenge []byte) ([]byte, error) {
	step, err := a.conv.Step(string(challenge))
	if err != nil {
		return nil, err
	}
	return []byte(step), nil
}

func (a *scramSaslAdapter) Completed() bool {
	return a.conv.Done()
}
