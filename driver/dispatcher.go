// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mongocore/go-driver-core/bsoncore"
	"github.com/mongocore/go-driver-core/topology"
	"github.com/mongocore/go-driver-core/wiremessage"
)

// Execute runs op against t: select a server for op.ReadPreference, check
// out a connection, send/receive the command, and interpret the reply. A
// retryable failure (per IsRetryable) on a retryable-read or
// retryable-write operation is retried exactly once, with a jittered
// backoff bounded by whatever of ctx's deadline remains (SPEC_FULL.md
// §4.7).
func Execute(ctx context.Context, t *topology.Topology, op *Operation) error {
	err := attempt(ctx, t, op)
	if err == nil {
		return nil
	}
	if !IsRetryable(err) || !(op.RetryableRead || op.RetryableWrite) {
		return err
	}

	remaining := time.Duration(0)
	if deadline, ok := ctx.Deadline(); ok {
		remaining = time.Until(deadline)
		if remaining <= 0 {
			return err
		}
	} else {
		remaining = 30 * time.Second
	}

	delay := backoffDelay(1, remaining)
	timer := time.NewTimer(delay)
	select {
	case <-ctx.Done():
		timer.Stop()
		return err
	case <-timer.C:
	}

	retryErr := attempt(ctx, t, op)
	if retryErr == nil {
		return nil
	}
	return retryErr
}

func attempt(ctx context.Context, t *topology.Topology, op *Operation) error {
	srv, err := t.SelectServer(ctx, op.ReadPreference)
	if err != nil {
		return wrap(KindServerSelection, err)
	}

	conn, err := srv.Connection(ctx)
	if err != nil {
		if errors.Is(err, topology.ErrSystemOverloaded) {
			return wrapOverloaded(err)
		}
		if errors.Is(err, topology.ErrPoolClosed) {
			return wrap(KindPoolCleared, err)
		}
		if errors.Is(err, topology.ErrWaitQueueTimeout) {
			return wrap(KindTimeout, err)
		}
		return wrap(KindNetwork, err)
	}
	defer srv.CheckIn(conn)

	db := op.Database
	if db == "" {
		db = "admin"
	}
	cmd, err := op.Build(db)
	if err != nil {
		return wrap(KindProtocol, err)
	}

	body, err := sendCommand(ctx, conn, op.CommandName, cmd, srv)
	if err != nil {
		return err
	}

	ok, _ := lookupBool(body, "ok")
	if !ok {
		code, _ := lookupInt32(body, "code")

		// Code 391 means this connection's credentials went stale, not
		// that the command itself is bad: reauthenticate and retry the
		// same command once on the same connection rather than treating
		// it as an ordinary server error subject to server reselection
		// (SPEC_FULL.md §4.7).
		if code == reauthenticationRequired {
			if reauthErr := conn.Reauthenticate(ctx); reauthErr != nil {
				return wrap(KindAuth, reauthErr)
			}
			body, err = sendCommand(ctx, conn, op.CommandName, cmd, srv)
			if err != nil {
				return err
			}
			if ok, _ := lookupBool(body, "ok"); ok {
				op.result = body
				return nil
			}
			code, _ = lookupInt32(body, "code")
		}

		labels := lookupStringArray(body, "errorLabels")
		return wrapServer(code, labels, fmt.Errorf("%s", errmsgOf(body)))
	}

	op.result = body
	return nil
}

// sendCommand writes cmd and reads back its reply, classifying any
// transport-level failure and clearing the server's pool when warranted.
func sendCommand(ctx context.Context, conn *topology.Connection, name string, cmd []byte, srv *topology.Server) (bsoncore.Document, error) {
	if _, err := conn.WriteCommand(ctx, name, cmd, nil); err != nil {
		return nil, classifyTransportErr(err, srv)
	}
	reply, err := conn.ReadReply(ctx)
	if err != nil {
		return nil, classifyTransportErr(err, srv)
	}
	return bsoncore.Document(reply.Body), nil
}

// errmsgOf returns body's errmsg field, or a generic fallback when absent.
func errmsgOf(body bsoncore.Document) string {
	if v, found := body.Lookup("errmsg"); found {
		if s, ok := v.StringValue(); ok {
			return s
		}
	}
	return "command failed"
}

// classifyTransportErr distinguishes a timeout from a hard network error
// and, for the latter, clears the server's pool: any other in-flight
// connection on this generation is equally suspect (SPEC_FULL.md §3,
// PoolGeneration).
func classifyTransportErr(err error, srv *topology.Server) error {
	var wmErr *wiremessage.Error
	if errors.As(err, &wmErr) && wmErr.Kind == wiremessage.KindTimeout {
		return wrap(KindTimeout, err)
	}
	srv.ClearPool(err)
	return wrap(KindNetwork, err)
}

func lookupBool(d bsoncore.Document, key string) (bool, bool) {
	v, found := d.Lookup(key)
	if !found {
		return false, false
	}
	// "ok" may arrive as a boolean, int32, int64 or double; Int32Value
	// coerces all four.
	n, ok := v.Int32Value()
	return n != 0, ok
}

func lookupInt32(d bsoncore.Document, key string) (int32, bool) {
	v, found := d.Lookup(key)
	if !found {
		return 0, false
	}
	return v.Int32Value()
}

func lookupStringArray(d bsoncore.Document, key string) []string {
	v, found := d.Lookup(key)
	if !found {
		return nil
	}
	arr, ok := v.DocumentValue()
	if !ok {
		return nil
	}
	var out []string
	for i := 0; ; i++ {
		elem, found := arr.Lookup(fmt.Sprintf("%d", i))
		if !found {
			break
		}
		s, ok := elem.StringValue()
		if !ok {
			break
		}
		out = append(out, s)
	}
	return out
}
