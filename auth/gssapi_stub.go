// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

//go:build !gssapi

package auth

import (
	"errors"

	"github.com/mongocore/go-driver-core/options"
)

// GSSAPI requires the platform Kerberos/SSPI bindings pulled in by the
// gssapi build tag; without it the mechanism is rejected at authenticator
// construction time rather than silently degrading.
func newGSSAPIAuthenticator(*options.Credential) (Authenticator, error) {
	return nil, errors.New("auth: GSSAPI support was not compiled in (build with -tags gssapi)")
}
