// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mongocore/go-driver-core/auth/creds"
	"github.com/mongocore/go-driver-core/bsoncore"
	"github.com/mongocore/go-driver-core/oidc"
	"github.com/mongocore/go-driver-core/options"
)

const (
	environmentProp = "ENVIRONMENT"
	resourceProp    = "TOKEN_RESOURCE"

	testEnvironment  = "test"
	azureEnvironment = "azure"
	gcpEnvironment   = "gcp"
	k8sEnvironment   = "k8s"
)

// invalidateSleep is how long Auth waits after invalidating a stale
// cached token before re-requesting one, giving a thundering herd of
// reauthenticating connections room to settle (the same value as the
// cache's own minCallSpacing, repeated here as a separate constant).
const invalidateSleep = 100 * time.Millisecond

// oidcAuthenticator drives the one-step MONGODB-OIDC conversation against
// a shared, process-wide token cache (SPEC_FULL.md §4.8). One
// oidcAuthenticator (and therefore one cache) is constructed per distinct
// credential, not per connection, so concurrently handshaking connections
// single-flight into one callback invocation.
type oidcAuthenticator struct {
	source string
	cache  *oidc.Cache
}

// oidcCaches holds one oidc.Cache per distinct *options.Credential value.
// CreateAuthenticator runs once per connection handshake, but the cache
// it hands each authenticator must be shared across every connection
// using the same credential so concurrent handshakes single-flight into
// one callback invocation instead of each minting their own token
// (SPEC_FULL.md §4.8, "process-wide singleton associated with the
// client"). Keyed by pointer identity: callers are expected to reuse the
// same *options.Credential for a given client's lifetime, the way
// options.ServerOptions.Credential is set once at client construction.
var (
	oidcCachesMu sync.Mutex
	oidcCaches   = map[*options.Credential]*oidc.Cache{}
)

func cacheForCredential(cred *options.Credential, cb options.OIDCCallback) *oidc.Cache {
	oidcCachesMu.Lock()
	defer oidcCachesMu.Unlock()
	if c, ok := oidcCaches[cred]; ok {
		return c
	}
	c := oidc.New(cb)
	oidcCaches[cred] = c
	return c
}

func newOIDCAuthenticator(cred *options.Credential) (Authenticator, error) {
	if cred.PasswordSet {
		return nil, newAuthError(MongoDBOIDC, fmt.Errorf("password must not be set for %s", MongoDBOIDC))
	}

	cb, err := resolveOIDCCallback(cred)
	if err != nil {
		return nil, newAuthError(MongoDBOIDC, err)
	}

	return &oidcAuthenticator{
		source: "$external",
		cache:  cacheForCredential(cred, cb),
	}, nil
}

// resolveOIDCCallback picks the user-supplied machine callback, or one of
// the built-in ENVIRONMENT providers, following the same precedence and
// validation the server's MONGODB-OIDC spec requires: ENVIRONMENT and a
// user callback are mutually exclusive, and each built-in provider
// validates its own required properties.
func resolveOIDCCallback(cred *options.Credential) (options.OIDCCallback, error) {
	env := cred.AuthMechanismProperties[environmentProp]
	if env == "" {
		if cred.OIDCMachineCallback == nil {
			return nil, fmt.Errorf("OIDC_CALLBACK or %s auth mechanism property is required", environmentProp)
		}
		return cred.OIDCMachineCallback, nil
	}

	if cred.OIDCMachineCallback != nil {
		return nil, fmt.Errorf("OIDC callback must not be set when %s=%q is used", environmentProp, env)
	}

	switch env {
	case testEnvironment:
		return creds.Test(), nil
	case k8sEnvironment:
		return creds.K8S(), nil
	case azureEnvironment:
		resource := cred.AuthMechanismProperties[resourceProp]
		if resource == "" {
			return nil, fmt.Errorf("%s must be specified for %s=%s", resourceProp, environmentProp, env)
		}
		return creds.Azure(cred.Username, resource), nil
	case gcpEnvironment:
		resource := cred.AuthMechanismProperties[resourceProp]
		if resource == "" {
			return nil, fmt.Errorf("%s must be specified for %s=%s", resourceProp, environmentProp, env)
		}
		return creds.GCP(resource), nil
	default:
		return nil, fmt.Errorf("%s %q not supported for %s", environmentProp, env, MongoDBOIDC)
	}
}

// Auth requests a token and runs the single saslStart step. A server
// response carrying the reauthentication-required code means the
// connection's last-used token has been revoked: invalidate it in the
// shared cache (by value, so we never clobber a fresher token another
// connection has already installed), fetch a new one, and retry exactly
// once (SPEC_FULL.md §4.7).
func (a *oidcAuthenticator) Auth(ctx context.Context, conn Connection) error {
	token, _, err := a.cache.GetToken(ctx)
	if err != nil {
		return newAuthError(MongoDBOIDC, err)
	}

	err = a.conductOneStep(ctx, conn, token)
	if err == nil {
		return nil
	}
	if !RequiresReauthentication(err) {
		return err
	}

	a.cache.Invalidate(token)
	select {
	case <-time.After(invalidateSleep):
	case <-ctx.Done():
		return newAuthError(MongoDBOIDC, ctx.Err())
	}

	token, _, err = a.cache.GetToken(ctx)
	if err != nil {
		return newAuthError(MongoDBOIDC, err)
	}
	return a.conductOneStep(ctx, conn, token)
}

func (a *oidcAuthenticator) conductOneStep(ctx context.Context, conn Connection, token string) error {
	conn.SetLastUsedOIDCToken(token)
	return ConductSaslConversation(ctx, conn, a.source, &oidcOneStep{accessToken: token})
}

// SpeculativeConversation builds the speculative saslStart document from
// an already-cached token only: OIDC's speculative shortcut never
// triggers the callback, since a callback invocation can block on user
// interaction or a network call neither of which belongs on the
// handshake's hello round trip (SPEC_FULL.md §4.2). With no cached token
// yet, there is nothing to speculate and the caller falls back to Auth.
func (a *oidcAuthenticator) SpeculativeConversation(ctx context.Context) (SpeculativeConversation, error) {
	token, ok := a.cache.PeekToken()
	if !ok {
		return nil, nil
	}
	return &oidcSpeculativeConversation{source: a.source, token: token}, nil
}

type oidcSpeculativeConversation struct {
	source string
	token  string
}

func (c *oidcSpeculativeConversation) FirstMessage() bsoncore.Document {
	payload := bsoncore.NewDocumentBuilder().
		AppendString("jwt", c.token).
		Build()
	return bsoncore.NewDocumentBuilder().
		AppendInt32("saslStart", 1).
		AppendString("mechanism", MongoDBOIDC).
		AppendBinary("payload", 0x00, payload).
		AppendString("db", c.source).
		Build()
}

func (c *oidcSpeculativeConversation) Finish(ctx context.Context, conn Connection, reply bsoncore.Document) error {
	if ok, _ := lookupBool(reply, "ok"); !ok {
		return newAuthError(MongoDBOIDC, errAuthenticateCommandFailed)
	}
	conn.SetLastUsedOIDCToken(c.token)
	return nil
}

// oidcOneStep implements SaslClient for the one-step conversation the
// server requires of every OIDC mechanism it currently supports: a single
// saslStart carrying {jwt: <token>}, no saslContinue round trip.
type oidcOneStep struct {
	accessToken string
}

func (s *oidcOneStep) Start() (string, []byte, error) {
	payload := bsoncore.NewDocumentBuilder().
		AppendString("jwt", s.accessToken).
		Build()
	return MongoDBOIDC, payload, nil
}

func (s *oidcOneStep) Next([]byte) ([]byte, error) {
	return nil, newAuthError(MongoDBOIDC, fmt.Errorf("unexpected additional step in OIDC conversation"))
}

func (s *oidcOneStep) Completed() bool { return true }
