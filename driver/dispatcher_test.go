// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"testing"

	"github.com/mongocore/go-driver-core/bsoncore"
)

func TestLookupBoolCoercesFromInt(t *testing.T) {
	doc := bsoncore.NewDocumentBuilder().AppendInt32("ok", 1).Build()
	ok, found := lookupBool(doc, "ok")
	if !found || !ok {
		t.Fatalf("expected ok=true, found=true, got ok=%v found=%v", ok, found)
	}
}

func TestLookupInt32FromCommandError(t *testing.T) {
	doc := bsoncore.NewDocumentBuilder().
		AppendBoolean("ok", false).
		AppendInt32("code", 91).
		AppendString("errmsg", "ShutdownInProgress").
		Build()

	ok, _ := lookupBool(doc, "ok")
	if ok {
		t.Fatal("expected ok=false")
	}
	code, found := lookupInt32(doc, "code")
	if !found || code != 91 {
		t.Fatalf("expected code=91, got %v (found=%v)", code, found)
	}
}

func TestLookupStringArrayReadsErrorLabels(t *testing.T) {
	labels := bsoncore.NewDocumentBuilder().
		AppendString("0", RetryableWriteError).
		AppendString("1", TransientTransactionError).
		Build()
	doc := bsoncore.NewDocumentBuilder().
		AppendBoolean("ok", false).
		AppendArray("errorLabels", labels).
		Build()

	got := lookupStringArray(doc, "errorLabels")
	if len(got) != 2 || got[0] != RetryableWriteError || got[1] != TransientTransactionError {
		t.Fatalf("unexpected labels: %v", got)
	}
}

func TestLookupStringArrayMissingKey(t *testing.T) {
	doc := bsoncore.NewDocumentBuilder().AppendBoolean("ok", true).Build()
	if got := lookupStringArray(doc, "errorLabels"); got != nil {
		t.Fatalf("expected nil for an absent key, got %v", got)
	}
}

func TestHelloBuildsClientAndDB(t *testing.T) {
	op := Hello("my-app")
	cmd, err := op.Build("admin")
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	if v, found := cmd.Lookup("hello"); !found {
		t.Fatal("expected a hello field")
	} else if n, ok := v.Int32Value(); !ok || n != 1 {
		t.Fatalf("expected hello: 1, got %v", n)
	}
	client, found := cmd.Lookup("client")
	if !found {
		t.Fatal("expected a client subdocument when appName is set")
	}
	clientDoc, ok := client.DocumentValue()
	if !ok {
		t.Fatal("expected client to be a document")
	}
	name, found := clientDoc.Lookup("name")
	if !found {
		t.Fatal("expected client.name")
	}
	if s, _ := name.StringValue(); s != "my-app" {
		t.Fatalf("expected client.name=my-app, got %q", s)
	}
	db, found := cmd.Lookup("$db")
	if !found {
		t.Fatal("expected $db")
	}
	if s, _ := db.StringValue(); s != "admin" {
		t.Fatalf("expected $db=admin, got %q", s)
	}
}

func TestPingOmitsClientWhenNoAppName(t *testing.T) {
	cmd, err := Ping().Build("test")
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	if _, found := cmd.Lookup("client"); found {
		t.Fatal("ping should never carry a client subdocument")
	}
	if v, found := cmd.Lookup("ping"); !found {
		t.Fatal("expected a ping field")
	} else if n, _ := v.Int32Value(); n != 1 {
		t.Fatalf("expected ping: 1, got %v", n)
	}
}
