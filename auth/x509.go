// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package auth

import (
	"context"

	"github.com/mongocore/go-driver-core/bsoncore"
	"github.com/mongocore/go-driver-core/options"
)

// x509Authenticator runs the single-command MONGODB-X509 exchange. The
// client certificate subject is presented by TLS during the handshake
// already; parsing the certificate to derive that subject is outside this
// core's scope (SPEC_FULL.md §1 — see DESIGN.md's youmark/pkcs8 note).
type x509Authenticator struct {
	username string
}

func newX509Authenticator(cred *options.Credential) (Authenticator, error) {
	return &x509Authenticator{username: cred.Username}, nil
}

func (a *x509Authenticator) Auth(ctx context.Context, conn Connection) error {
	cmd := bsoncore.NewDocumentBuilder().
		AppendInt32("authenticate", 1).
		AppendString("mechanism", MongoDBX509).
		AppendString("$db", "$external").
		Build()
	if a.username != "" {
		cmd = bsoncore.NewDocumentBuilder().
			AppendInt32("authenticate", 1).
			AppendString("mechanism", MongoDBX509).
			AppendString("user", a.username).
			AppendString("$db", "$external").
			Build()
	}

	if _, err := conn.WriteCommand(ctx, "authenticate", cmd, nil); err != nil {
		return newAuthError(MongoDBX509, err)
	}
	reply, err := conn.ReadReply(ctx)
	if err != nil {
		return newAuthError(MongoDBX509, err)
	}
	if ok, _ := lookupBool(bsoncore.Document(reply.Body), "ok"); !ok {
		return newAuthError(MongoDBX509, errAuthenticateCommandFailed)
	}
	return nil
}

// SpeculativeConversation builds the authenticate command document
// without a network round trip so it can ride along in hello's
// speculativeAuthenticate field (SPEC_FULL.md §4.2); X.509 is already a
// single command, so speculative auth here just saves that one round
// trip entirely when the server echoes a reply.
func (a *x509Authenticator) SpeculativeConversation(ctx context.Context) (SpeculativeConversation, error) {
	b := bsoncore.NewDocumentBuilder().
		AppendInt32("authenticate", 1).
		AppendString("mechanism", MongoDBX509).
		AppendString("db", "$external")
	if a.username != "" {
		b = b.AppendString("user", a.username)
	}
	return &x509SpeculativeConversation{doc: b.Build()}, nil
}

type x509SpeculativeConversation struct {
	doc bsoncore.Document
}

func (c *x509SpeculativeConversation) FirstMessage() bsoncore.Document { return c.doc }

func (c *x509SpeculativeConversation) Finish(ctx context.Context, conn Connection, reply bsoncore.Document) error {
	if ok, _ := lookupBool(reply, "ok"); !ok {
		return newAuthError(MongoDBX509, errAuthenticateCommandFailed)
	}
	return nil
}
