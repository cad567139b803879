// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

//go:build gssapi

package auth

import (
	"context"

	"github.com/mongocore/go-driver-core/auth/internal/gssapi"
	"github.com/mongocore/go-driver-core/options"
)

func newGSSAPIAuthenticator(cred *options.Credential) (Authenticator, error) {
	if cred.AuthSource != "" && cred.AuthSource != "$external" {
		return nil, newAuthError(GSSAPI, errGSSAPISource)
	}
	return &gssapiAuthenticator{
		username: cred.Username,
		password: cred.Password,
		props:    cred.AuthMechanismProperties,
	}, nil
}

type gssapiAuthenticator struct {
	username string
	password string
	props    map[string]string
}

func (a *gssapiAuthenticator) Auth(ctx context.Context, conn Connection) error {
	client, err := gssapi.New(conn.Description().Addr.String(), a.username, a.password, a.props)
	if err != nil {
		return newAuthError(GSSAPI, err)
	}
	return ConductSaslConversation(ctx, conn, "$external", client)
}
