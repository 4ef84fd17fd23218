package validation

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirosfoundation/go-msh/pkg/message"
)

// Severity is the severity of a validation finding
type Severity int

const (
	Info Severity = iota
	Warning
	Failure
)

func (s Severity) String() string {
	switch s {
	case Info:
		return "Info"
	case Warning:
		return "Warning"
	case Failure:
		return "Failure"
	}
	return fmt.Sprintf("Severity(%d)", int(s))
}

// ParseSeverity parses a severity name, ignoring case
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "info":
		return Info, nil
	case "warning", "warn":
		return Warning, nil
	case "failure", "fail", "error":
		return Failure, nil
	}
	return Info, fmt.Errorf("unknown severity %q", s)
}

// MarshalText implements encoding.TextMarshaler
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *Severity) UnmarshalText(text []byte) error {
	parsed, err := ParseSeverity(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Finding is a single problem reported by a validator
type Finding struct {
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Details  string   `json:"details,omitempty"`
}

// Validator checks a message unit. Implementations are reused for all units
// validated with the same configuration and must be safe for concurrent use.
//
// Problems with the message unit are returned as findings. A returned error
// means the validator itself could not run.
type Validator interface {
	Validate(ctx context.Context, unit *message.MessageUnit) ([]Finding, error)
}

// ValidatorFunc adapts a function to the Validator interface
type ValidatorFunc func(ctx context.Context, unit *message.MessageUnit) ([]Finding, error)

// Validate calls f(ctx, unit)
func (f ValidatorFunc) Validate(ctx context.Context, unit *message.MessageUnit) ([]Finding, error) {
	return f(ctx, unit)
}

// Config is a custom validation configuration: an ordered list of
// validators and the severities at which validation stops or the message is
// rejected. A nil threshold never triggers.
type Config struct {
	ID             string            `yaml:"id" json:"id"`
	Validators     []ValidatorConfig `yaml:"validators" json:"validators"`
	StopSeverity   *Severity         `yaml:"stopSeverity,omitempty" json:"stopSeverity,omitempty"`
	RejectSeverity *Severity         `yaml:"rejectSeverity,omitempty" json:"rejectSeverity,omitempty"`
	// Parallel runs all validators concurrently. The stop severity does not
	// apply in that case.
	Parallel bool `yaml:"parallel,omitempty" json:"parallel,omitempty"`
}

// ValidatorConfig configures a single validator
type ValidatorConfig struct {
	ID         string            `yaml:"id" json:"id"`
	Factory    string            `yaml:"factory" json:"factory"`
	Parameters map[string]string `yaml:"parameters,omitempty" json:"parameters,omitempty"`
}

// Validate checks the configuration for structural errors
func (c *Config) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("validation config id is required")
	}
	seen := make(map[string]bool, len(c.Validators))
	for i, v := range c.Validators {
		if v.ID == "" {
			return fmt.Errorf("validator %d: id is required", i)
		}
		if v.Factory == "" {
			return fmt.Errorf("validator %s: factory is required", v.ID)
		}
		if seen[v.ID] {
			return fmt.Errorf("duplicate validator id %q", v.ID)
		}
		seen[v.ID] = true
	}
	return nil
}

// SeverityPtr returns a pointer to s, for use in Config literals
func SeverityPtr(s Severity) *Severity {
	return &s
}

// Result is the outcome of a validation run
type Result struct {
	// Findings holds the findings per validator id. Validators without
	// findings are not included.
	Findings map[string][]Finding
	// ExecutedAll is false when the run stopped before the last validator
	ExecutedAll bool
	// ShouldReject is true when a finding reached the reject severity
	ShouldReject bool
}

// Count returns the total number of findings
func (r *Result) Count() int {
	n := 0
	for _, f := range r.Findings {
		n += len(f)
	}
	return n
}

// Highest returns the highest severity of all findings. ok is false when
// there are no findings.
func (r *Result) Highest() (sev Severity, ok bool) {
	for _, fs := range r.Findings {
		for _, f := range fs {
			if !ok || f.Severity > sev {
				sev, ok = f.Severity, true
			}
		}
	}
	return sev, ok
}

// ExecutionError is returned when a validator cannot be created or fails to
// run. It aborts the validation of the message unit.
type ExecutionError struct {
	ValidatorID string
	Err         error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("validator %s: %v", e.ValidatorID, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

func reaches(findings []Finding, threshold *Severity) bool {
	if threshold == nil {
		return false
	}
	for _, f := range findings {
		if f.Severity >= *threshold {
			return true
		}
	}
	return false
}
