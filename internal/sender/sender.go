// Package sender provides the background push sender and puller of the MSH.
//
// The Sender polls for outbound message units in READY_TO_PUSH and
// transmits them to the peer. Units submitted by the business application,
// retransmissions scheduled by the reliability scheduler and signals sent by
// callback all pass through it. The Puller sends pull requests for the MPCs
// this MSH receives from and hands what comes back to the same signal
// handler.
//
// # Concurrency
//
// The sender processes units sequentially within each polling batch.
// Several senders may run against the same storage: a unit is claimed by
// moving it from READY_TO_PUSH to SENDING, and only one claim succeeds.
package sender

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sirosfoundation/go-msh/pkg/message"
	"github.com/sirosfoundation/go-msh/pkg/metrics"
	"github.com/sirosfoundation/go-msh/pkg/pmode"
	"github.com/sirosfoundation/go-msh/pkg/storage"
)

// Transport transmits a message unit and returns the signals of the response
type Transport interface {
	Transmit(ctx context.Context, unit *message.MessageUnit) ([]*message.MessageUnit, error)
}

// SignalHandler processes the signals a peer returned on the response
type SignalHandler func(ctx context.Context, signals []*message.MessageUnit)

// PModeSource looks up P-Modes by id
type PModeSource interface {
	Get(id string) *pmode.ProcessingMode
}

// Sender handles background transmission of outbound message units
type Sender struct {
	store     *storage.Coordinator
	transport Transport
	pmodes    PModeSource
	onSignals SignalHandler
	logger    *slog.Logger
	metrics   *metrics.Metrics

	// Configuration
	pollInterval time.Duration
	batchSize    int

	// Control
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config holds sender configuration
type Config struct {
	PollInterval time.Duration
	BatchSize    int
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		PollInterval: 5 * time.Second,
		BatchSize:    50,
	}
}

// NewSender creates a new background sender
func NewSender(
	store *storage.Coordinator,
	transport Transport,
	pmodes PModeSource,
	onSignals SignalHandler,
	cfg *Config,
	logger *slog.Logger,
	m *metrics.Metrics,
) *Sender {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Sender{
		store:        store,
		transport:    transport,
		pmodes:       pmodes,
		onSignals:    onSignals,
		logger:       logger.With("component", "sender"),
		metrics:      m,
		pollInterval: cfg.PollInterval,
		batchSize:    cfg.BatchSize,
	}
}

// Start begins background message processing
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = s.Run(ctx)
	}()
}

// Stop gracefully stops the sender
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Run sends pending units every poll interval until ctx is cancelled
func (s *Sender) Run(ctx context.Context) error {
	s.logger.Info("sender started", "poll_interval", s.pollInterval)
	defer s.logger.Info("sender stopped")

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.SendPending(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("failed to send pending messages", "error", err)
			}
		}
	}
}

// SendPending transmits one batch of units in READY_TO_PUSH and returns the
// number of units that were sent
func (s *Sender) SendPending(ctx context.Context) (int, error) {
	units, err := s.store.Find(ctx, storage.Filter{
		Direction: message.DirectionOut,
		States:    []message.ProcessingState{message.StateReadyToPush},
		Limit:     s.batchSize,
	})
	if err != nil {
		s.metrics.RecordCycle("sender", "error")
		return 0, err
	}

	sent := 0
	for _, unit := range units {
		if ctx.Err() != nil {
			break
		}
		if s.send(ctx, unit) {
			sent++
		}
	}
	s.metrics.RecordCycle("sender", "ok")
	return sent, nil
}

func (s *Sender) send(ctx context.Context, unit *message.MessageUnit) bool {
	log := s.logger.With(
		"message_id", unit.MessageID,
		"core_id", unit.CoreID,
		"kind", unit.Kind,
	)

	// Claim the unit
	res := s.store.TrySetState(ctx, unit, message.StateReadyToPush, message.StateSending, "")
	switch res.Outcome {
	case storage.Conflict:
		log.Debug("unit claimed by another sender", "state", res.Unit.CurrentState())
		return false
	case storage.IOError:
		log.Error("failed to update message status", "error", res.Err)
		return false
	}

	full, err := s.store.EnsureFullyLoaded(ctx, res.Unit)
	if err != nil {
		log.Error("failed to load message unit", "error", err)
		markFailed(ctx, s.store, s.logger, res.Unit, err)
		return false
	}

	signals, err := s.transport.Transmit(ctx, full)
	if err != nil {
		log.Warn("send failed", "error", err)
		s.metrics.RecordTransmission(string(unit.Kind), "failed")
		markFailed(ctx, s.store, s.logger, res.Unit, err)
		return false
	}
	s.metrics.RecordTransmission(string(unit.Kind), "ok")

	next := SentState(res.Unit, s.leg(res.Unit))
	if r := s.store.TrySetState(ctx, res.Unit, message.StateSending, next, ""); r.Outcome != storage.Applied {
		// a response signal may already have been processed on another path
		log.Debug("state after transmission not applied", "outcome", r.Outcome, "error", r.Err)
	}
	log.Info("message unit sent", "state", next, "signals", len(signals))

	if len(signals) > 0 && s.onSignals != nil {
		s.onSignals(ctx, signals)
	}
	return true
}

func (s *Sender) leg(unit *message.MessageUnit) *pmode.Leg {
	if s.pmodes == nil || unit.PModeID == "" {
		return nil
	}
	return s.pmodes.Get(unit.PModeID).Leg(unit.Leg)
}

// markFailed records a failed transmission. User messages are left to the
// retransmission scheduler in TRANSPORT_FAILURE; signals are not resent.
func markFailed(ctx context.Context, store *storage.Coordinator, logger *slog.Logger, unit *message.MessageUnit, cause error) {
	next := message.StateFailure
	if unit.Kind == message.KindUserMessage {
		next = message.StateTransportFailure
	}
	desc := ""
	if cause != nil {
		desc = cause.Error()
	}
	res := store.TrySetState(ctx, unit, message.StateSending, next, desc)
	if res.Outcome == storage.IOError {
		logger.Error("failed to mark message unit as failed",
			"message_id", unit.MessageID,
			"error", errors.Join(cause, res.Err),
		)
	}
}

// SentState returns the state of a unit after a successful transmission.
// User messages with reception awareness wait for their receipt.
func SentState(unit *message.MessageUnit, leg *pmode.Leg) message.ProcessingState {
	if unit.Kind != message.KindUserMessage {
		return message.StateDone
	}
	if _, ok := pmode.WaitIntervals(leg); ok {
		return message.StateAwaitingReceipt
	}
	return message.StateDelivered
}
