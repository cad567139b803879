// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package auth implements the connection handshake authentication state
// machines: SCRAM-SHA-1/256, PLAIN, X.509, GSSAPI, and MONGODB-OIDC
// (SPEC_FULL.md §4.8-§4.9).
package auth

import (
	"context"
	"fmt"

	"github.com/mongocore/go-driver-core/bsoncore"
	"github.com/mongocore/go-driver-core/description"
	"github.com/mongocore/go-driver-core/options"
	"github.com/mongocore/go-driver-core/wiremessage"
)

const defaultAuthDB = "admin"

// Mechanism name constants, matching the wire protocol's authMechanism
// values.
const (
	SCRAMSHA1   = "SCRAM-SHA-1"
	SCRAMSHA256 = "SCRAM-SHA-256"
	MongoDBX509 = "MONGODB-X509"
	GSSAPI      = "GSSAPI"
	PLAIN       = "PLAIN"
	MongoDBOIDC = "MONGODB-OIDC"
)

// Connection is the subset of topology.Connection an Authenticator needs.
// Declaring it here (rather than importing the topology package) keeps
// auth dependency-free of topology, which is what lets topology import
// auth for its handshake without a cycle.
type Connection interface {
	WriteCommand(ctx context.Context, name string, cmd []byte, seqs []wiremessage.DocumentSequence) (int32, error)
	ReadReply(ctx context.Context) (wiremessage.Reply, error)
	Description() description.Server
	LastUsedOIDCToken() string
	SetLastUsedOIDCToken(string)
}

// Error wraps a failure from an authentication mechanism with the
// mechanism name for diagnostics.
type Error struct {
	Mechanism string
	Wrapped   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("auth: %s: %s", e.Mechanism, e.Wrapped)
}

func (e *Error) Unwrap() error { return e.Wrapped }

func newAuthError(mechanism string, err error) error {
	return &Error{Mechanism: mechanism, Wrapped: err}
}

// Authenticator runs one mechanism's conversation over an already
// handshaken (hello-exchanged) connection.
type Authenticator interface {
	Auth(ctx context.Context, conn Connection) error
}

// SpeculativeAuthenticator is implemented by mechanisms that can build
// their first conversation message before the handshake round trip even
// completes, so it can ride along in hello's speculativeAuthenticate
// field and save a round trip (SPEC_FULL.md §4.2). Authenticator.Auth
// remains the fallback entry point for servers that don't echo a
// speculativeAuthenticate reply back.
type SpeculativeAuthenticator interface {
	Authenticator
	SpeculativeConversation(ctx context.Context) (SpeculativeConversation, error)
}

// SpeculativeConversation holds the state of a conversation started
// speculatively. FirstMessage is embedded under hello's
// speculativeAuthenticate field; Finish resumes the conversation against
// whatever the server echoed back in that same field on the hello reply.
type SpeculativeConversation interface {
	FirstMessage() bsoncore.Document
	Finish(ctx context.Context, conn Connection, reply bsoncore.Document) error
}

// CreateAuthenticator returns the Authenticator for cred.AuthMechanism,
// defaulting to SCRAM-SHA-256 when unset (the server's own default for
// password credentials since 4.0).
func CreateAuthenticator(cred *options.Credential) (Authenticator, error) {
	if cred == nil {
		return nil, fmt.Errorf("auth: nil credential")
	}
	mechanism := cred.AuthMechanism
	if mechanism == "" {
		mechanism = SCRAMSHA256
	}

	switch mechanism {
	case SCRAMSHA1:
		return newScramSHA1Authenticator(cred)
	case SCRAMSHA256:
		return newScramSHA256Authenticator(cred)
	case MongoDBX509:
		return newX509Authenticator(cred)
	case GSSAPI:
		return newGSSAPIAuthenticator(cred)
	case PLAIN:
		return newPlainAuthenticator(cred)
	case MongoDBOIDC:
		return newOIDCAuthenticator(cred)
	default:
		return nil, fmt.Errorf("auth: unknown mechanism %q", mechanism)
	}
}

func authSource(cred *options.Credential) string {
	if cred.AuthSource != "" {
		return cred.AuthSource
	}
	return defaultAuthDB
}
