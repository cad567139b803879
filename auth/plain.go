// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package auth

import (
	"context"

	"github.com/mongocore/go-driver-core/options"
)

type plainAuthenticator struct {
	source   string
	username string
	password string
}

func newPlainAuthenticator(cred *options.Credential) (Authenticator, error) {
	return &plainAuthenticator{
		source:   authSource(cred),
		username: cred.Username,
		password: cred.Password,
	}, nil
}

func (a *plainAuthenticator) Auth(ctx context.Context, conn Connection) error {
	return ConductSaslConversation(ctx, conn, a.source, &plainSaslAdapter{
		username: a.username,
		password: a.password,
	})
}

// plainSaslAdapter implements the single-step PLAIN SASL mechanism
// (RFC 4616): the payload is "authzid\x00authcid\x00passwd".
type plainSaslAdapter struct {
	username string
	password string
	started  bool
}

func (a *plainSaslAdapter) Start() (string, []byte, error) {
	payload := []byte("\x00" + a.username + "\x00" + a.password)
	a.started = true
	return PLAIN, payload, nil
}

func (a *plainSaslAdapter) Next([]byte) ([]byte, error) {
	return nil, nil
}

func (a *plainSaslAdapter) Completed() bool {
	return a.started
}
