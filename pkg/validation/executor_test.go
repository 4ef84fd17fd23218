package validation

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-msh/pkg/message"
)

// fixedFactory returns a factory for a validator reporting one finding of
// the given severity, or none when sev is nil. Calls are counted.
func fixedFactory(sev *Severity, calls *int32) Factory {
	return func(map[string]string) (Validator, error) {
		return ValidatorFunc(func(context.Context, *message.MessageUnit) ([]Finding, error) {
			atomic.AddInt32(calls, 1)
			if sev == nil {
				return nil, nil
			}
			return []Finding{{Severity: *sev, Message: "finding"}}, nil
		}), nil
	}
}

func threeValidators(t *testing.T, second Severity) (*Registry, *Config, []*int32) {
	t.Helper()
	reg := NewRegistry()
	counts := []*int32{new(int32), new(int32), new(int32)}
	reg.Register("first", fixedFactory(nil, counts[0]))
	reg.Register("second", fixedFactory(&second, counts[1]))
	reg.Register("third", fixedFactory(nil, counts[2]))
	cfg := &Config{
		ID: t.Name(),
		Validators: []ValidatorConfig{
			{ID: "v1", Factory: "first"},
			{ID: "v2", Factory: "second"},
			{ID: "v3", Factory: "third"},
		},
	}
	return reg, cfg, counts
}

func testUnit() *message.MessageUnit {
	return message.NewUserMessage(message.WithMessageID("m-1")).Build()
}

func TestExecutor_StopAndReject(t *testing.T) {
	reg, cfg, counts := threeValidators(t, Failure)
	cfg.StopSeverity = SeverityPtr(Warning)
	cfg.RejectSeverity = SeverityPtr(Failure)

	result, err := NewExecutor(reg, nil).Validate(context.Background(), testUnit(), cfg)
	require.NoError(t, err)

	assert.False(t, result.ExecutedAll)
	assert.True(t, result.ShouldReject)
	assert.Equal(t, int32(1), atomic.LoadInt32(counts[0]))
	assert.Equal(t, int32(1), atomic.LoadInt32(counts[1]))
	assert.Equal(t, int32(0), atomic.LoadInt32(counts[2]), "third validator must not run")
	require.Len(t, result.Findings["v2"], 1)
	assert.NotContains(t, result.Findings, "v1")
}

func TestExecutor_Thresholds(t *testing.T) {
	tests := []struct {
		name         string
		second       Severity
		stop         *Severity
		reject       *Severity
		executedAll  bool
		shouldReject bool
	}{
		{"no thresholds", Failure, nil, nil, true, false},
		{"below stop", Info, SeverityPtr(Warning), nil, true, false},
		{"at stop", Warning, SeverityPtr(Warning), nil, false, false},
		{"reject only", Warning, nil, SeverityPtr(Warning), true, true},
		{"below reject", Warning, nil, SeverityPtr(Failure), true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, cfg, _ := threeValidators(t, tt.second)
			cfg.StopSeverity = tt.stop
			cfg.RejectSeverity = tt.reject

			result, err := NewExecutor(reg, nil).Validate(context.Background(), testUnit(), cfg)
			require.NoError(t, err)
			assert.Equal(t, tt.executedAll, result.ExecutedAll)
			assert.Equal(t, tt.shouldReject, result.ShouldReject)
			sev, ok := result.Highest()
			require.True(t, ok)
			assert.Equal(t, tt.second, sev)
		})
	}
}

func TestExecutor_StopOnLastValidatorExecutesAll(t *testing.T) {
	reg := NewRegistry()
	var calls int32
	reg.Register("fail", fixedFactory(SeverityPtr(Failure), &calls))
	cfg := &Config{
		ID:           "single",
		Validators:   []ValidatorConfig{{ID: "only", Factory: "fail"}},
		StopSeverity: SeverityPtr(Info),
	}
	result, err := NewExecutor(reg, nil).Validate(context.Background(), testUnit(), cfg)
	require.NoError(t, err)
	assert.True(t, result.ExecutedAll)
}

func TestExecutor_Parallel(t *testing.T) {
	reg, cfg, counts := threeValidators(t, Failure)
	cfg.Parallel = true
	cfg.StopSeverity = SeverityPtr(Info)
	cfg.RejectSeverity = SeverityPtr(Failure)

	result, err := NewExecutor(reg, nil).Validate(context.Background(), testUnit(), cfg)
	require.NoError(t, err)
	assert.True(t, result.ExecutedAll)
	assert.True(t, result.ShouldReject)
	for i, c := range counts {
		assert.Equal(t, int32(1), atomic.LoadInt32(c), "validator %d", i+1)
	}
}

func TestExecutor_EmptyConfig(t *testing.T) {
	result, err := NewExecutor(nil, nil).Validate(context.Background(), testUnit(), nil)
	require.NoError(t, err)
	assert.True(t, result.ExecutedAll)
	assert.False(t, result.ShouldReject)
	assert.Zero(t, result.Count())
}

func TestExecutor_InstantiationFailure(t *testing.T) {
	reg := NewRegistry()
	reg.Register("broken", func(map[string]string) (Validator, error) {
		return nil, errors.New("cannot load rules")
	})
	cfg := &Config{ID: "broken", Validators: []ValidatorConfig{{ID: "b", Factory: "broken"}}}

	_, err := NewExecutor(reg, nil).Validate(context.Background(), testUnit(), cfg)
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "b", execErr.ValidatorID)

	cfg = &Config{ID: "unknown", Validators: []ValidatorConfig{{ID: "u", Factory: "no-such-factory"}}}
	_, err = NewExecutor(reg, nil).Validate(context.Background(), testUnit(), cfg)
	require.ErrorAs(t, err, &execErr)
}

func TestRegistry_ReusesInstances(t *testing.T) {
	reg := NewRegistry()
	var created int32
	reg.Register("counting", func(map[string]string) (Validator, error) {
		atomic.AddInt32(&created, 1)
		return ValidatorFunc(func(context.Context, *message.MessageUnit) ([]Finding, error) { return nil, nil }), nil
	})
	vc := ValidatorConfig{ID: "c", Factory: "counting"}

	v1, err := reg.Instance("cfg", vc)
	require.NoError(t, err)
	_, err = reg.Instance("cfg", vc)
	require.NoError(t, err)
	_, err = reg.Instance("other-cfg", vc)
	require.NoError(t, err)

	assert.NotNil(t, v1)
	assert.Equal(t, int32(2), atomic.LoadInt32(&created))
	assert.Contains(t, reg.Factories(), "required-property")
}

func TestBuiltinValidators(t *testing.T) {
	unit := message.NewUserMessage(
		message.WithFrom("s", "t"), message.WithTo("r", "t"),
		message.WithService("svc"), message.WithAction("act"),
		message.WithMessageProperty("OrderNumber", "42"),
	).AddPayload("cid:p1", "application/xml").Build()

	cfg := &Config{
		ID: "builtins",
		Validators: []ValidatorConfig{
			{ID: "po", Factory: "required-property", Parameters: map[string]string{"name": "OrderNumber"}},
			{ID: "inv", Factory: "required-property", Parameters: map[string]string{"name": "Invoice", "severity": "warning"}},
			{ID: "count", Factory: "payload-count", Parameters: map[string]string{"min": "2"}},
			{ID: "hdr", Factory: "header"},
		},
		RejectSeverity: SeverityPtr(Failure),
	}
	result, err := NewExecutor(NewRegistry(), nil).Validate(context.Background(), unit, cfg)
	require.NoError(t, err)

	assert.NotContains(t, result.Findings, "po")
	assert.NotContains(t, result.Findings, "hdr")
	require.Len(t, result.Findings["inv"], 1)
	assert.Equal(t, Warning, result.Findings["inv"][0].Severity)
	require.Len(t, result.Findings["count"], 1)
	assert.True(t, result.ShouldReject)
}

func TestSeverityParsing(t *testing.T) {
	var s Severity
	require.NoError(t, s.UnmarshalText([]byte("WARNING")))
	assert.Equal(t, Warning, s)
	assert.Error(t, s.UnmarshalText([]byte("fatal")))
	assert.True(t, Info < Warning && Warning < Failure)
	assert.Equal(t, "Failure", Failure.String())

	err := (&Config{ID: "dup", Validators: []ValidatorConfig{{ID: "a", Factory: "x"}, {ID: "a", Factory: "y"}}}).Validate()
	assert.Error(t, err)
}

func TestConfigRequiresID(t *testing.T) {
	cfg := &Config{Validators: []ValidatorConfig{{ID: "a", Factory: "x"}}}
	assert.ErrorContains(t, cfg.Validate(), "id is required")

	cfg.ID = "orders"
	assert.NoError(t, cfg.Validate())
}

func TestRegistry_DistinguishesFactoriesAndParameters(t *testing.T) {
	reg := NewRegistry()
	var okCalls, badCalls int32
	reg.Register("ok", fixedFactory(nil, &okCalls))
	reg.Register("bad", fixedFactory(SeverityPtr(Failure), &badCalls))
	e := NewExecutor(reg, nil)
	ctx := context.Background()

	// same (empty) config id and validator id, different factories
	accepting := &Config{Validators: []ValidatorConfig{{ID: "check", Factory: "ok"}}, RejectSeverity: SeverityPtr(Failure)}
	rejecting := &Config{Validators: []ValidatorConfig{{ID: "check", Factory: "bad"}}, RejectSeverity: SeverityPtr(Failure)}

	result, err := e.Validate(ctx, testUnit(), accepting)
	require.NoError(t, err)
	assert.False(t, result.ShouldReject)

	result, err = e.Validate(ctx, testUnit(), rejecting)
	require.NoError(t, err)
	assert.True(t, result.ShouldReject)
	assert.Len(t, result.Findings["check"], 1)
	assert.Equal(t, int32(1), atomic.LoadInt32(&badCalls))

	// a reloaded configuration with changed parameters gets a new validator
	var created int32
	reg.Register("param", func(params map[string]string) (Validator, error) {
		atomic.AddInt32(&created, 1)
		name := params["name"]
		return ValidatorFunc(func(_ context.Context, u *message.MessageUnit) ([]Finding, error) {
			if u.GetPropertyValue(name) == "" {
				return []Finding{{Severity: Failure, Message: name + " missing"}}, nil
			}
			return nil, nil
		}), nil
	})
	before := &Config{ID: "reload", Validators: []ValidatorConfig{{ID: "p", Factory: "param", Parameters: map[string]string{"name": "A"}}}}
	after := &Config{ID: "reload", Validators: []ValidatorConfig{{ID: "p", Factory: "param", Parameters: map[string]string{"name": "B"}}}}

	result, err = e.Validate(ctx, testUnit(), before)
	require.NoError(t, err)
	assert.Equal(t, "A missing", result.Findings["p"][0].Message)
	result, err = e.Validate(ctx, testUnit(), after)
	require.NoError(t, err)
	assert.Equal(t, "B missing", result.Findings["p"][0].Message)
	_, err = e.Validate(ctx, testUnit(), after)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&created))
}
