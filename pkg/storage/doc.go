// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package storage persists message units and coordinates their state changes.

# Providers

A [Provider] stores units and their state history. Providers register
themselves by name, in the same way database/sql drivers do, and are opened
from configuration:

	import _ "github.com/sirosfoundation/go-msh/pkg/storage/memory"

	p, err := storage.Open(ctx, "memory", nil)

Available providers are "memory", "sqlite" and "mongodb".

# State Changes

All state changes go through a [Coordinator]. A change names the state the
caller expects the unit to be in, and the coordinator applies it only when
the persisted state still matches:

	res := coord.TrySetState(ctx, unit, message.StateReadyToPush, message.StateSending, "")
	switch res.Outcome {
	case storage.Applied:
	    unit = res.Unit
	case storage.Conflict:
	    // another worker moved the unit; res.Unit is its current snapshot
	case storage.IOError:
	    return res.Err
	}

When two workers race on the same unit with the same expected state, exactly
one change is applied and exactly one entry is appended to the history.
Providers without an atomic compare-and-append are serialised per unit by
the coordinator.
*/
package storage
