// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package reliability provides reception awareness for the MSH.

This package implements the retry and duplicate elimination features of the
OASIS AS4 Profile on top of the persisted processing state of message units.

# Retransmission

A [Scheduler] runs periodically and inspects every outbound user message
that waits for a receipt. The wait intervals of the governing P-Mode leg
decide what happens next:

	sched, err := reliability.NewScheduler(reliability.SchedulerConfig{
	    Store:    coord,
	    PModes:   pmodes,
	    Events:   dispatcher,
	    Interval: 10 * time.Second,
	})
	sched.Start(ctx)
	defer sched.Stop()

With intervals [10s, 20s] a message is transmitted at most twice. It is
scheduled again 10s after the first transmission and fails 20s after the
second one. A failed message gets a MissingReceipt (EBMS:0301) error signal
which is passed to the back-end. Failures are logged on the
"reliability.failure" channel.

# Duplicate Detection

A [DuplicateDetector] compares an inbound user message with earlier ones
that carry the same MessageId and were DELIVERED or FAILED. Duplicates are
logged on the "duplicates" channel and must be acknowledged without being
delivered again:

	verdict, err := detector.Detect(ctx, unit, false)
	if verdict.SuppressDelivery {
	    // skip delivery, still create the receipt
	}
*/
package reliability
