// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Command pingcheck connects to the deployment named by the MONGODB_URI
// environment variable, waits for server selection to succeed, and runs a
// single ping against it. It exists to exercise topology.Topology and
// driver.Execute end to end, the way testoidcauth exercises a running
// driver's auth path.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/mongocore/go-driver-core/driver"
	"github.com/mongocore/go-driver-core/options"
	"github.com/mongocore/go-driver-core/readpref"
	"github.com/mongocore/go-driver-core/topology"
	"github.com/mongocore/go-driver-core/uri"
)

func main() {
	rawURI := os.Getenv("MONGODB_URI")
	if rawURI == "" {
		rawURI = "mongodb://localhost:27017"
	}

	cs, err := uri.Parse(rawURI)
	if err != nil {
		log.Fatalf("pingcheck: parsing %q: %v", rawURI, err)
	}

	serverOpts := options.Server().SetAppName("pingcheck")
	if len(cs.Compressors) > 0 {
		serverOpts.SetCompressors(cs.Compressors)
	}
	if cs.Username != "" {
		serverOpts.SetCredential(&options.Credential{
			AuthMechanism: cs.AuthMechanism,
			AuthSource:    cs.AuthSource,
			Username:      cs.Username,
			Password:      cs.Password,
			PasswordSet:   cs.PasswordSet,
		})
	}

	clientOpts := options.Client().
		SetHosts(cs.Hosts).
		SetReplicaSet(cs.ReplicaSet).
		SetDirect(cs.Direct)
	clientOpts.Opts = append(clientOpts.Opts, func(o *options.ClientOptions) error {
		o.ServerOpts = serverOpts.Opts
		return nil
	})

	topo, err := topology.New(mustResolve(clientOpts))
	if err != nil {
		log.Fatalf("pingcheck: building topology: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := topo.Connect(); err != nil {
		log.Fatalf("pingcheck: connect: %v", err)
	}
	defer topo.Disconnect(ctx)

	start := time.Now()
	if err := driver.Execute(ctx, topo, driver.Ping()); err != nil {
		log.Fatalf("pingcheck: ping failed after %s: %v", time.Since(start), err)
	}

	srv, err := topo.SelectServer(ctx, readpref.Primary())
	extra := ""
	if err == nil {
		extra = " against " + string(srv.Description().Addr)
	}
	fmt.Println("ping ok in " + strconv.FormatInt(time.Since(start).Milliseconds(), 10) + "ms" + extra)
}

func mustResolve(b *options.ClientOptionsBuilder) *options.ClientOptions {
	o, err := b.ArgsSetters()
	if err != nil {
		log.Fatalf("pingcheck: resolving client options: %v", err)
	}
	return o
}
