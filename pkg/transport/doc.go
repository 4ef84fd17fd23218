// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package transport exchanges ebMS3 envelopes with peer MSHs over HTTP(S).

# TLS Configuration

TLS 1.3 is preferred with fallback to TLS 1.2:

	config := transport.DefaultHTTPSConfig()
	// MinTLSVersion: TLS 1.2
	// MaxTLSVersion: TLS 1.3

For TLS 1.2, the following cipher suites are recommended:
  - TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384
  - TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256
  - TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384
  - TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256

# Client Usage

The client resolves the endpoint of a message unit from its P-Mode leg,
renders the envelope and returns the signals of the response:

	client := transport.NewClient(config, pmodes, logger)
	signals, err := client.Transmit(ctx, unit)

# Server Usage

The server passes every envelope posted to [DefaultPath] to a
[MessageHandler]. Without certificates it listens on plain HTTP, for use
behind a TLS terminating proxy.

	server := transport.NewServer(":8443", config, handler, logger)
	go server.Start()
	defer server.Shutdown(ctx)
*/
package transport
