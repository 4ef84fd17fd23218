// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package pmode provides Processing Mode (P-Mode) configuration.

P-Mode is the central configuration mechanism in ebMS3 and AS4 that defines
how messages are processed. Each P-Mode specifies settings for a particular
message exchange agreement between parties. The MSH core treats P-Modes as
read-only configuration.

# P-Mode Structure

	type ProcessingMode struct {
	    ID         string
	    Agreement  *Agreement // Business agreement reference
	    MEP        string     // Message Exchange Pattern
	    MEPBinding string     // push or pull
	    Legs       []Leg      // one leg for one-way exchanges
	}

Each leg carries the reliability parameters used by the core:

	leg.ReceptionAwareness.WaitIntervals      // retry schedule, one entry per attempt
	leg.ReceptionAwareness.DuplicateDetection // duplicate elimination
	leg.Receipt                               // RESPONSE or CALLBACK, notification
	leg.UserMessageFlow.CustomValidation      // validators and severity thresholds

# Defaults

Optional settings are resolved with helper functions instead of wrapping
the configuration:

	pattern := pmode.ReceiptPattern(leg)        // RESPONSE when not set
	intervals, ok := pmode.WaitIntervals(leg)   // ok is false without config
	state := pmode.ResendState(p)               // READY_TO_PUSH or AWAITING_PULL

# P-Mode Manager

The manager holds the active P-Mode set and is safe for concurrent use:

	manager := pmode.NewManager(pmodes...)
	p := manager.Get(unit.PModeID)

P-Modes can be loaded from YAML with [LoadFile].

# References

  - OASIS AS4 P-Mode: https://docs.oasis-open.org/ebxml-msg/ebms/v3.0/profiles/AS4-profile/v1.0/
*/
package pmode
