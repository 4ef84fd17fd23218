package validation

import (
	"context"
	"fmt"
	"strconv"

	"github.com/sirosfoundation/go-msh/pkg/message"
)

func registerBuiltins(r *Registry) {
	r.factories["required-property"] = newRequiredProperty
	r.factories["payload-count"] = newPayloadCount
	r.factories["header"] = newHeaderCheck
}

func severityParam(params map[string]string, def Severity) (Severity, error) {
	if s, ok := params["severity"]; ok {
		return ParseSeverity(s)
	}
	return def, nil
}

// required-property: reports a missing message property.
//
//	parameters:
//	  name: OrderNumber
//	  severity: Failure
type requiredProperty struct {
	name     string
	severity Severity
}

func newRequiredProperty(params map[string]string) (Validator, error) {
	name := params["name"]
	if name == "" {
		return nil, fmt.Errorf("parameter 'name' is required")
	}
	sev, err := severityParam(params, Failure)
	if err != nil {
		return nil, err
	}
	return &requiredProperty{name: name, severity: sev}, nil
}

func (v *requiredProperty) Validate(_ context.Context, unit *message.MessageUnit) ([]Finding, error) {
	if unit.GetPropertyValue(v.name) != "" {
		return nil, nil
	}
	return []Finding{{
		Severity: v.severity,
		Message:  fmt.Sprintf("message property %s is missing", v.name),
	}}, nil
}

// payload-count: checks the number of payloads against min and max.
type payloadCount struct {
	min, max int
	severity Severity
}

func newPayloadCount(params map[string]string) (Validator, error) {
	v := &payloadCount{min: 0, max: -1}
	var err error
	if s, ok := params["min"]; ok {
		if v.min, err = strconv.Atoi(s); err != nil {
			return nil, fmt.Errorf("parameter 'min': %w", err)
		}
	}
	if s, ok := params["max"]; ok {
		if v.max, err = strconv.Atoi(s); err != nil {
			return nil, fmt.Errorf("parameter 'max': %w", err)
		}
	}
	if v.max >= 0 && v.max < v.min {
		return nil, fmt.Errorf("max %d is less than min %d", v.max, v.min)
	}
	if v.severity, err = severityParam(params, Failure); err != nil {
		return nil, err
	}
	return v, nil
}

func (v *payloadCount) Validate(_ context.Context, unit *message.MessageUnit) ([]Finding, error) {
	n := 0
	if unit.User != nil {
		n = len(unit.User.Payloads)
	}
	if n < v.min {
		return []Finding{{Severity: v.severity, Message: fmt.Sprintf("expected at least %d payloads, got %d", v.min, n)}}, nil
	}
	if v.max >= 0 && n > v.max {
		return []Finding{{Severity: v.severity, Message: fmt.Sprintf("expected at most %d payloads, got %d", v.max, n)}}, nil
	}
	return nil, nil
}

// header: checks the mandatory user message header fields.
func newHeaderCheck(params map[string]string) (Validator, error) {
	sev, err := severityParam(params, Failure)
	if err != nil {
		return nil, err
	}
	return ValidatorFunc(func(_ context.Context, unit *message.MessageUnit) ([]Finding, error) {
		if err := message.Validate(unit); err != nil {
			return []Finding{{Severity: sev, Message: err.Error()}}, nil
		}
		return nil, nil
	}), nil
}
