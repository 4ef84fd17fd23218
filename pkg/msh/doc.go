// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package msh implements the Message Service Handler: the reliability engine
that moves ebMS3 message units through their processing states.

# Components

The MSH coordinates:
  - the storage coordinator, through which every state change passes
  - custom validation of received user messages
  - duplicate detection
  - receipt creation and correlation
  - the retransmission scheduler and the push sender

# Incoming Messages

HandleMessage parses an ebMS3 envelope, runs the pipeline for each unit and
returns the signals to send back on the response:

	m, err := msh.NewMSH(msh.Config{Store: store, PModes: pmodes, Deliverer: backend})
	if err := m.Start(ctx); err != nil { ... }
	resp, err := m.HandleMessage(ctx, envelope)

A protocol layer that has already verified a signature calls
ReceiveUserMessage directly and passes the signed references, so that a
non-repudiation receipt can be created.

# Outgoing Messages

Submit stores a user message for transmission. Depending on the P-Mode it
waits in READY_TO_PUSH for the push sender or in AWAITING_PULL for a pull
request from the peer. Units without a receipt within the wait intervals
of the P-Mode are retransmitted by the scheduler until the intervals run
out.

# References

  - OASIS ebMS 3.0 Core: https://docs.oasis-open.org/ebxml-msg/ebms/v3.0/core/os/
  - AS4 Profile: https://docs.oasis-open.org/ebxml-msg/ebms/v3.0/profiles/AS4-profile/v1.0/
*/
package msh
