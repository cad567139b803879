// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package auth

import (
	"errors"
	"fmt"
)

var errAuthenticateCommandFailed = errors.New("authenticate command returned ok: 0")

var errGSSAPISource = errors.New("GSSAPI source must be empty or $external")

// reauthenticationRequired is the server error code returned when a
// command fails because the connection's credentials need to be
// refreshed and the command retried (SPEC_FULL.md §4.7).
const reauthenticationRequired int32 = 391

// CommandError wraps a failed authenticate/saslStart/saslContinue reply,
// preserving its numeric code so callers can recognize reauthentication
// (391) without string-matching errmsg.
type CommandError struct {
	Code    int32
	HasCode bool
	Message string
}

func (e *CommandError) Error() string { return fmt.Sprintf("%s (code %d)", e.Message, e.Code) }

// RequiresReauthentication reports whether err is a server response
// carrying the reauthentication-required code.
func RequiresReauthentication(err error) bool {
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce.HasCode && ce.Code == reauthenticationRequired
	}
	return false
}
