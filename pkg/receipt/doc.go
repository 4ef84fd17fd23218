// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package receipt creates and correlates ebMS3 receipt signals.

A delivered user message is acknowledged with a Non-Repudiation receipt when
its signature was verified, carrying one ebbp:MessagePartNRInformation per
signed reference. Unsigned messages get a Reception-Awareness receipt with a
copy of the eb:UserMessage header.

	issued, err := coord.CreateReceipt(ctx, delivered, receipt.Context{})
	if err == nil && issued.Respond() {
	    // send issued.Receipt on the response
	}

Receipts with the CALLBACK reply pattern are stored READY_TO_PUSH and sent
by the push sender of the MSH.

Received receipts are passed to [Coordinator.Correlate], which moves the
acknowledged user message to DELIVERED.
*/
package receipt
