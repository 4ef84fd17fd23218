// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package validation runs custom validators against message units.

A [Config] lists validators by id and factory name. The [Executor] creates
each validator once through a [Registry] and runs them in order:

	stop := validation.Warning
	cfg := &validation.Config{
	    ID:           "orders",
	    Validators:   []validation.ValidatorConfig{{ID: "po", Factory: "required-property",
	        Parameters: map[string]string{"name": "OrderNumber"}}},
	    StopSeverity: &stop,
	}
	result, err := validation.NewExecutor(nil, logger).Validate(ctx, unit, cfg)

Findings are data, not errors. Validation stops after the first validator
with a finding at or above the stop severity, and the result asks for
rejection when a finding reaches the reject severity. An error is only
returned when a validator cannot be created or fails to run.

Built-in factories: required-property, payload-count and header.
*/
package validation
