package validation

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/sirosfoundation/go-msh/pkg/message"
)

// Executor runs custom validation configurations against message units
type Executor struct {
	registry *Registry
	logger   *slog.Logger
}

// NewExecutor creates an executor using the given registry. A nil registry
// uses DefaultRegistry.
func NewExecutor(registry *Registry, logger *slog.Logger) *Executor {
	if registry == nil {
		registry = DefaultRegistry
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{registry: registry, logger: logger}
}

// Validate runs the validators of cfg in order. After each validator the
// run stops when one of its findings reaches the stop severity. The result
// asks for rejection when any finding so far reaches the reject severity.
//
// A nil or empty configuration yields an empty result.
func (e *Executor) Validate(ctx context.Context, unit *message.MessageUnit, cfg *Config) (*Result, error) {
	result := &Result{
		Findings:    make(map[string][]Finding),
		ExecutedAll: true,
	}
	if cfg == nil || len(cfg.Validators) == 0 {
		return result, nil
	}

	log := e.logger.With("message_id", unit.MessageID, "validation", cfg.ID)

	if cfg.Parallel {
		if err := e.validateParallel(ctx, unit, cfg, result); err != nil {
			return nil, err
		}
		log.Debug("validation completed", "findings", result.Count(), "reject", result.ShouldReject)
		return result, nil
	}

	for i, vc := range cfg.Validators {
		findings, err := e.run(ctx, unit, cfg, vc)
		if err != nil {
			return nil, err
		}
		if len(findings) > 0 {
			result.Findings[vc.ID] = findings
		}
		if reaches(findings, cfg.RejectSeverity) {
			result.ShouldReject = true
		}
		if reaches(findings, cfg.StopSeverity) {
			result.ExecutedAll = i == len(cfg.Validators)-1
			log.Debug("validation stopped", "validator", vc.ID, "executed", i+1, "total", len(cfg.Validators))
			break
		}
	}

	log.Debug("validation completed", "findings", result.Count(), "reject", result.ShouldReject)
	return result, nil
}

func (e *Executor) validateParallel(ctx context.Context, unit *message.MessageUnit, cfg *Config, result *Result) error {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, vc := range cfg.Validators {
		vc := vc
		g.Go(func() error {
			findings, err := e.run(gctx, unit, cfg, vc)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			if len(findings) > 0 {
				result.Findings[vc.ID] = findings
			}
			if reaches(findings, cfg.RejectSeverity) {
				result.ShouldReject = true
			}
			return nil
		})
	}
	return g.Wait()
}

func (e *Executor) run(ctx context.Context, unit *message.MessageUnit, cfg *Config, vc ValidatorConfig) ([]Finding, error) {
	v, err := e.registry.Instance(cfg.ID, vc)
	if err != nil {
		return nil, &ExecutionError{ValidatorID: vc.ID, Err: err}
	}
	findings, err := v.Validate(ctx, unit)
	if err != nil {
		return nil, &ExecutionError{ValidatorID: vc.ID, Err: err}
	}
	return findings, nil
}
