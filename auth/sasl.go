// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package auth

import (
	"context"
	"fmt"

	"github.com/mongocore/go-driver-core/bsoncore"
)

// SaslClient is the client side of one SASL conversation.
type SaslClient interface {
	Start() (mechanism string, payload []byte, err error)
	Next(challenge []byte) ([]byte, error)
	Completed() bool
}

// SaslClientCloser is a SaslClient that owns resources to release once the
// conversation ends (e.g. a GSSAPI security context).
type SaslClientCloser interface {
	SaslClient
	Close()
}

type saslResponse struct {
	conversationID int32
	code           int32
	hasCode        bool
	done           bool
	payload        []byte
}

func parseSaslResponse(reply bsoncore.Document) (saslResponse, error) {
	var r saslResponse
	ok, _ := lookupBool(reply, "ok")
	if !ok {
		if v, found := reply.Lookup("code"); found {
			if n, ok := v.Int32Value(); ok {
				r.code = n
				r.hasCode = true
			}
		}
		errmsg := "sasl step failed"
		if v, found := reply.Lookup("errmsg"); found {
			if s, ok := v.StringValue(); ok {
				errmsg = s
			}
		}
		return r, &CommandError{Code: r.code, HasCode: r.hasCode, Message: errmsg}
	}

	if v, found := reply.Lookup("conversationId"); found {
		if n, ok := v.Int32Value(); ok {
			r.conversationID = n
		}
	}
	if v, found := reply.Lookup("done"); found {
		if b, ok := v.BooleanValue(); ok {
			r.done = b
		}
	}
	if v, found := reply.Lookup("payload"); found {
		if _, data, ok := v.BinaryValue(); ok {
			r.payload = data
		}
	}
	return r, nil
}

func lookupBool(d bsoncore.Document, key string) (bool, bool) {
	v, found := d.Lookup(key)
	if !found {
		return false, false
	}
	return v.BooleanValue()
}

// ConductSaslConversation drives client through saslStart/saslContinue
// commands against db (defaulting to "admin") until the server reports
// done and the client independently agrees the conversation is complete —
// a SCRAM client must verify the server's final signature even after the
// server claims done:true (SPEC_FULL.md §4.9).
func ConductSaslConversation(ctx context.Context, conn Connection, db string, client SaslClient) error {
	if db == "" {
		db = defaultAuthDB
	}
	if closer, ok := client.(SaslClientCloser); ok {
		defer closer.Close()
	}

	mechanism, payload, err := client.Start()
	if err != nil {
		return newAuthError(mechanism, err)
	}

	startCmd := bsoncore.NewDocumentBuilder().
		AppendInt32("saslStart", 1).
		AppendString("mechanism", mechanism).
		AppendBinary("payload", 0x00, payload).
		AppendString("$db", db).
		Build()

	resp, err := roundTrip(ctx, conn, "saslStart", startCmd)
	if err != nil {
		return newAuthError(mechanism, err)
	}

	return finishSaslConversation(ctx, conn, db, mechanism, client, resp)
}

// resumeSaslConversationFromSpeculative continues a SASL conversation
// whose saslStart step was already answered inline via hello's
// speculativeAuthenticate reply, so the caller never sends saslStart over
// the wire itself (SPEC_FULL.md §4.2). client must be the same SaslClient
// instance that produced the first message embedded in hello.
func resumeSaslConversationFromSpeculative(ctx context.Context, conn Connection, db, mechanism string, client SaslClient, reply bsoncore.Document) error {
	if closer, ok := client.(SaslClientCloser); ok {
		defer closer.Close()
	}
	resp, err := parseSaslResponse(reply)
	if err != nil {
		return newAuthError(mechanism, err)
	}
	return finishSaslConversation(ctx, conn, db, mechanism, client, resp)
}

func finishSaslConversation(ctx context.Context, conn Connection, db, mechanism string, client SaslClient, resp saslResponse) error {
	for {
		if resp.done && client.Completed() {
			return nil
		}

		payload, err := client.Next(resp.payload)
		if err != nil {
			return newAuthError(mechanism, err)
		}

		if resp.done && client.Completed() {
			return nil
		}

		contCmd := bsoncore.NewDocumentBuilder().
			AppendInt32("saslContinue", 1).
			AppendInt32("conversationId", resp.conversationID).
			AppendBinary("payload", 0x00, payload).
			AppendString("$db", db).
			Build()

		resp, err = roundTrip(ctx, conn, "saslContinue", contCmd)
		if err != nil {
			return newAuthError(mechanism, err)
		}
	}
}

func roundTrip(ctx context.Context, conn Connection, cmdName string, cmd bsoncore.Document) (saslResponse, error) {
	if _, err := conn.WriteCommand(ctx, cmdName, cmd, nil); err != nil {
		return saslResponse{}, err
	}
	reply, err := conn.ReadReply(ctx)
	if err != nil {
		return saslResponse{}, err
	}
	return parseSaslResponse(bsoncore.Document(reply.Body))
}
