// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package message provides the message unit model used by the MSH core.

A message unit is any ebMS3 unit exchanged between two MSHs: a UserMessage
carrying business payloads, or one of the signal messages (Receipt, Error and
PullRequest). Each unit carries an append-only processing state history.

# Message Units

	unit := message.NewUserMessage(
	    message.WithMessageID("order-42@example.com"),
	    message.WithDirection(message.DirectionOut),
	    message.WithPMode("orders-push"),
	    message.WithService("urn:example:orders"),
	    message.WithAction("submitOrder"),
	).Build()

The CoreID is assigned on creation and never changes. The protocol level
MessageID is not unique: retransmissions and duplicates reuse it.

# Processing States

The current state of a unit is the history entry with the highest sequence
number:

	state := unit.CurrentState()
	since := unit.LastStateChange()

The history is never reordered or truncated. Changes to it are made only
through the storage coordinator, which returns a fresh snapshot after every
successful write. Snapshots must be treated as read-only.

# Errors

Predefined ebMS3 error codes are available as [ErrorCode] values and can be
turned into an [EbmsError] with [ErrorCode.New]:

	e := message.ErrMissingReceipt.New(userMessageID, "no receipt after 3 attempts")

# References

  - OASIS ebXML Messaging Services v3.0: https://docs.oasis-open.org/ebxml-msg/ebms/v3.0/core/os/
  - OASIS AS4 Profile: https://docs.oasis-open.org/ebxml-msg/ebms/v3.0/profiles/AS4-profile/v1.0/
*/
package message
