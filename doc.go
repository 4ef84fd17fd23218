// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package gomsh is a reliable ebMS3/AS4 Message Service Handler.

# Overview

go-msh moves ebMS3 message units through their processing states and
guarantees their delivery: every state change is a compare-and-set on the
persisted state history, user messages without a receipt are retransmitted
within the wait intervals of their P-Mode, duplicates are eliminated and
receipts are correlated with the messages they acknowledge.

# Standards

  - OASIS ebXML Messaging Services v3.0: https://docs.oasis-open.org/ebxml-msg/ebms/v3.0/core/os/
  - OASIS AS4 Profile of ebMS 3.0 Version 1.0: https://docs.oasis-open.org/ebxml-msg/ebms/v3.0/profiles/AS4-profile/v1.0/

# Package Structure

	github.com/sirosfoundation/go-msh/pkg/msh         - Message Service Handler
	github.com/sirosfoundation/go-msh/pkg/message     - Message units, processing states, ebMS errors
	github.com/sirosfoundation/go-msh/pkg/storage     - Storage coordinator and provider registry
	github.com/sirosfoundation/go-msh/pkg/reliability - Retransmission scheduler and duplicate detection
	github.com/sirosfoundation/go-msh/pkg/receipt     - Receipt creation and correlation
	github.com/sirosfoundation/go-msh/pkg/validation  - Custom validation of user messages
	github.com/sirosfoundation/go-msh/pkg/pmode       - Processing Mode configuration
	github.com/sirosfoundation/go-msh/pkg/ebms        - ebMS3 SOAP envelope codec
	github.com/sirosfoundation/go-msh/pkg/transport   - HTTPS transport with TLS 1.2/1.3
	github.com/sirosfoundation/go-msh/pkg/events      - Processing events
	github.com/sirosfoundation/go-msh/pkg/metrics     - Prometheus metrics

The msh command (cmd/msh) runs a complete node: the ebMS endpoint, the push
sender, the retransmission scheduler and an administration server, backed
by in-memory, SQLite or MongoDB storage.

# Quick Start

	store := storage.NewCoordinator(memory.New())
	pmodes := pmode.NewManager(myPMode)

	m, err := msh.NewMSH(msh.Config{
	    Store:     store,
	    PModes:    pmodes,
	    Deliverer: backend,
	    Transport: transport.NewClient(nil, pmodes, logger),
	})
	if err := m.Start(ctx); err != nil { ... }
	defer m.Stop()

	unit, err := m.Submit(ctx, message.NewUserMessage(
	    message.WithPMode(myPMode.ID),
	    message.WithMessageProperty("OrderNumber", "ORD-12345"),
	).Build())

# License

BSD-2-Clause License
*/
package gomsh
