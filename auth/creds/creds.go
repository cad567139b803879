// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package creds implements the built-in MONGODB-OIDC ENVIRONMENT providers
// (test, azure, gcp, k8s): callbacks that mint a token without any
// user-supplied OIDCMachineCallback (SPEC_FULL.md §4.8).
package creds

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/mongocore/go-driver-core/options"
)

// Test returns the callback used by the ENVIRONMENT=test fixture: it reads
// a token written to the path named by the OIDC_TOKEN_FILE environment
// variable (or $OIDC_TOKEN_DIR/test_user1 if unset), matching the Drivers
// test runner's convention.
func Test() options.OIDCCallback {
	return func(ctx context.Context, _ *options.OIDCArgs) (*options.OIDCCredential, error) {
		path := os.Getenv("OIDC_TOKEN_FILE")
		if path == "" {
			dir := os.Getenv("OIDC_TOKEN_DIR")
			if dir == "" {
				return nil, fmt.Errorf("creds: OIDC_TOKEN_FILE or OIDC_TOKEN_DIR must be set for the test environment")
			}
			path = dir + "/test_user1"
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("creds: reading test token file: %w", err)
		}
		return &options.OIDCCredential{AccessToken: strings.TrimSpace(string(data))}, nil
	}
}

// K8S returns the callback for the ENVIRONMENT=k8s provider: the token
// mounted by the Kubernetes service-account projection, read from the
// path named by AWS_WEB_IDENTITY_TOKEN_FILE when that variable is set and
// from the default serviceaccount path otherwise.
func K8S() options.OIDCCallback {
	return func(ctx context.Context, _ *options.OIDCArgs) (*options.OIDCCredential, error) {
		path := os.Getenv("AWS_WEB_IDENTITY_TOKEN_FILE")
		if path == "" {
			path = "/var/run/secrets/kubernetes.io/serviceaccount/token"
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("creds: reading k8s service account token: %w", err)
		}
		return &options.OIDCCredential{AccessToken: strings.TrimSpace(string(data))}, nil
	}
}

// httpClient is shared by the cloud metadata providers; 10s covers a slow
// IMDS endpoint without hanging a connection handshake indefinitely.
var httpClient = &http.Client{Timeout: 10 * time.Second}

// Azure returns the callback that fetches a token from Azure's instance
// metadata service, for a managed identity scoped to resource (and
// optionally clientID for a user-assigned identity).
func Azure(clientID, resource string) options.OIDCCallback {
	return func(ctx context.Context, _ *options.OIDCArgs) (*options.OIDCCredential, error) {
		q := url.Values{}
		q.Set("api-version", "2018-02-01")
		q.Set("resource", resource)
		if clientID != "" {
			q.Set("client_id", clientID)
		}
		uri := "http://169.254.169.254/metadata/identity/oauth2/token?" + q.Encode()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
		if err != nil {
			return nil, fmt.Errorf("creds: building azure IMDS request: %w", err)
		}
		req.Header.Set("Metadata", "true")
		req.Header.Set("Accept", "application/json")

		resp, err := httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("creds: azure IMDS request failed: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("creds: azure IMDS returned status %d", resp.StatusCode)
		}

		var body struct {
			AccessToken string `json:"access_token"`
			ExpiresOn   int64  `json:"expires_on,string"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return nil, fmt.Errorf("creds: decoding azure IMDS response: %w", err)
		}
		expiry := time.Unix(body.ExpiresOn, 0)
		return &options.OIDCCredential{AccessToken: body.AccessToken, ExpiresAt: &expiry}, nil
	}
}

// GCP returns the callback that fetches an identity token from the GCE
// metadata server, scoped to the given audience (resource).
func GCP(resource string) options.OIDCCallback {
	return func(ctx context.Context, _ *options.OIDCArgs) (*options.OIDCCredential, error) {
		uri := "http://metadata/computeMetadata/v1/instance/service-accounts/default/identity?audience=" +
			url.QueryEscape(resource)

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
		if err != nil {
			return nil, fmt.Errorf("creds: building gcp metadata request: %w", err)
		}
		req.Header.Set("Metadata-Flavor", "Google")

		resp, err := httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("creds: gcp metadata request failed: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("creds: gcp metadata server returned status %d", resp.StatusCode)
		}

		buf := make([]byte, 0, 4096)
		chunk := make([]byte, 1024)
		for {
			n, rerr := resp.Body.Read(chunk)
			buf = append(buf, chunk[:n]...)
			if rerr != nil {
				break
			}
		}
		return &options.OIDCCredential{AccessToken: strings.TrimSpace(string(buf))}, nil
	}
}
