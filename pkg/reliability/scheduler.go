package reliability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sirosfoundation/go-msh/pkg/events"
	"github.com/sirosfoundation/go-msh/pkg/message"
	"github.com/sirosfoundation/go-msh/pkg/metrics"
	"github.com/sirosfoundation/go-msh/pkg/pmode"
	"github.com/sirosfoundation/go-msh/pkg/storage"
)

// DefaultRetryInterval is the default poll period of the scheduler
const DefaultRetryInterval = 10 * time.Second

// retryStates are the states in which an outbound user message waits for a
// receipt or a retransmission decision
var retryStates = []message.ProcessingState{
	message.StateAwaitingReceipt,
	message.StateTransportFailure,
	message.StateWarning,
}

// Decision is the outcome of the scheduler for one message unit
type Decision string

const (
	// DecisionWait leaves the unit alone, its current wait interval has not passed
	DecisionWait Decision = "wait"
	// DecisionResend queues the unit for another transmission
	DecisionResend Decision = "resend"
	// DecisionFail ends the unit in FAILURE after the last wait interval
	DecisionFail Decision = "fail"
	// DecisionSuspend parks a unit whose P-Mode lacks reception awareness
	DecisionSuspend Decision = "suspend"
	// DecisionConflict means the unit changed state during the cycle
	DecisionConflict Decision = "conflict"
	// DecisionError means the unit could not be read or updated
	DecisionError Decision = "error"
)

// CycleStats counts the decisions of one scheduler cycle
type CycleStats map[Decision]int

// SchedulerConfig holds the dependencies and settings of a Scheduler
type SchedulerConfig struct {
	Store     *storage.Coordinator
	PModes    PModeSource
	Events    events.Sink
	Deliverer Deliverer
	Interval  time.Duration
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// Scheduler periodically decides, for every outbound user message that is
// waiting for a receipt, whether to keep waiting, retransmit it or give up
type Scheduler struct {
	store      *storage.Coordinator
	pmodes     PModeSource
	events     events.Sink
	deliverer  Deliverer
	interval   time.Duration
	logger     *slog.Logger
	failureLog *slog.Logger
	metrics    *metrics.Metrics

	// Control
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a retransmission scheduler
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, errors.New("scheduler requires a storage coordinator")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultRetryInterval
	}
	if cfg.Events == nil {
		cfg.Events = events.Discard
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("component", "retransmission")
	return &Scheduler{
		store:      cfg.Store,
		pmodes:     cfg.PModes,
		events:     cfg.Events,
		deliverer:  cfg.Deliverer,
		interval:   cfg.Interval,
		logger:     logger,
		failureLog: logger.With("channel", FailureChannel),
		metrics:    cfg.Metrics,
	}, nil
}

// Start runs the scheduler in the background until Stop is called or ctx
// is cancelled
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = s.Run(ctx)
	}()
}

// Stop stops a scheduler started with Start and waits for the current
// cycle to finish
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Run executes a cycle every interval until ctx is cancelled. It always
// returns nil; failed cycles are logged and retried on the next tick.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("retransmission scheduler started", "poll_interval", s.interval)
	defer s.logger.Info("retransmission scheduler stopped")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("retransmission cycle failed", "error", err)
			}
		}
	}
}

// RunOnce executes a single scheduler cycle
func (s *Scheduler) RunOnce(ctx context.Context) (CycleStats, error) {
	units, err := s.store.ByState(ctx, message.KindUserMessage, message.DirectionOut, retryStates...)
	if err != nil {
		s.metrics.RecordCycle("retransmission", "error")
		return nil, fmt.Errorf("querying messages awaiting a receipt: %w", err)
	}

	stats := CycleStats{}
	for _, unit := range units {
		if ctx.Err() != nil {
			break
		}
		d := s.check(ctx, unit)
		stats[d]++
		s.metrics.RecordRetryDecision(string(d))
	}
	s.metrics.RecordCycle("retransmission", "ok")
	if len(units) > 0 {
		s.logger.Debug("retransmission cycle done", "checked", len(units), "decisions", stats)
	}
	return stats, nil
}

// check evaluates one unit. All state changes expect the state observed in
// the query, so a receipt arriving meanwhile wins.
func (s *Scheduler) check(ctx context.Context, unit *message.MessageUnit) Decision {
	log := s.logger.With("message_id", unit.MessageID, "core_id", unit.CoreID)
	observed := unit.CurrentState()

	pm, leg := legOf(s.pmodes, unit)
	intervals, ok := pmode.WaitIntervals(leg)
	if !ok {
		res := s.store.TrySetState(ctx, unit, observed, message.StateSuspended, "no reception awareness configuration")
		if d, done := s.settled(res, log); done {
			return d
		}
		log.Warn("message suspended, reception awareness configuration missing", "pmode", unit.PModeID)
		s.events.Raise(ctx, events.New(events.MissingConfiguration, res.Unit,
			fmt.Sprintf("P-Mode %q has no reception awareness configuration for leg %q", unit.PModeID, unit.Leg)))
		return DecisionSuspend
	}

	n, err := s.store.CountTransmissions(ctx, unit.MessageID)
	if err != nil {
		log.Error("counting transmissions failed", "error", err)
		return DecisionError
	}
	attempts := max(1, n)
	maxAttempts := len(intervals)
	current := intervals[min(attempts, maxAttempts)-1]

	if s.store.Now().Sub(unit.LastStateChange()) < current {
		return DecisionWait
	}

	if attempts >= maxAttempts {
		res := s.store.TrySetState(ctx, unit, observed, message.StateFailure,
			fmt.Sprintf("no receipt after %d transmissions", attempts))
		if d, done := s.settled(res, log); done {
			return d
		}
		s.failed(ctx, res.Unit, leg, attempts)
		return DecisionFail
	}

	next := pmode.ResendState(pm)
	res := s.store.TrySetState(ctx, unit, observed, next, fmt.Sprintf("retransmission %d of %d", attempts+1, maxAttempts))
	if d, done := s.settled(res, log); done {
		return d
	}
	log.Info("message scheduled for retransmission", "attempt", attempts+1, "max_attempts", maxAttempts, "state", next)
	return DecisionResend
}

// settled maps the non-applied outcomes to a decision
func (s *Scheduler) settled(res storage.Result, log *slog.Logger) (Decision, bool) {
	switch res.Outcome {
	case storage.Conflict:
		log.Debug("message changed concurrently, skipped", "state", res.Unit.CurrentState())
		return DecisionConflict, true
	case storage.IOError:
		log.Error("state change failed", "error", res.Err)
		return DecisionError, true
	}
	return "", false
}

// failed handles a message that reached the maximum number of attempts:
// it records a MissingReceipt error signal and passes it to the back-end
func (s *Scheduler) failed(ctx context.Context, unit *message.MessageUnit, leg *pmode.Leg, attempts int) {
	s.failureLog.Warn("no receipt received, message failed",
		"message_id", unit.MessageID,
		"core_id", unit.CoreID,
		"pmode", unit.PModeID,
		"attempts", attempts,
	)

	ebmsErr := message.ErrMissingReceipt.New(unit.MessageID,
		fmt.Sprintf("no receipt received after %d transmission attempts", attempts))
	signal := message.NewErrorMessage([]message.EbmsError{ebmsErr},
		message.WithDirection(message.DirectionIn),
		message.WithPMode(unit.PModeID),
		message.WithLeg(unit.Leg),
	).Build()

	stored, err := s.store.Store(ctx, signal, message.StateProcessing, "generated for missing receipt")
	if err != nil {
		s.failureLog.Error("storing MissingReceipt error failed", "message_id", unit.MessageID, "error", err)
		return
	}

	ev := events.New(events.MessageTransferFailure, unit, "no receipt received")
	ev.Related = stored
	ev.Errors = stored.Errors
	s.events.Raise(ctx, ev)

	final := message.StateDone
	if s.deliverer != nil && pmode.ShouldNotifyError(leg) {
		if err := s.deliverer.Deliver(ctx, stored); err != nil {
			s.metrics.RecordDelivery(string(message.KindError), "failed")
			s.failureLog.Error("delivering MissingReceipt error to back-end failed",
				"message_id", unit.MessageID,
				"error_message_id", stored.MessageID,
				"error", err,
			)
			final = message.StateFailure
		} else {
			s.metrics.RecordDelivery(string(message.KindError), "ok")
		}
	}
	if res := s.store.TrySetState(ctx, stored, message.StateProcessing, final, ""); res.Outcome == storage.IOError {
		s.failureLog.Error("finishing MissingReceipt error failed", "error_message_id", stored.MessageID, "error", res.Err)
	}
}
