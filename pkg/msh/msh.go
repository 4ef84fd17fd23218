package msh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sirosfoundation/go-msh/internal/sender"
	"github.com/sirosfoundation/go-msh/pkg/ebms"
	"github.com/sirosfoundation/go-msh/pkg/events"
	"github.com/sirosfoundation/go-msh/pkg/message"
	"github.com/sirosfoundation/go-msh/pkg/metrics"
	"github.com/sirosfoundation/go-msh/pkg/pmode"
	"github.com/sirosfoundation/go-msh/pkg/receipt"
	"github.com/sirosfoundation/go-msh/pkg/reliability"
	"github.com/sirosfoundation/go-msh/pkg/storage"
	"github.com/sirosfoundation/go-msh/pkg/validation"
)

var (
	// ErrMSHNotStarted is returned when operations are attempted on a stopped MSH
	ErrMSHNotStarted = errors.New("MSH not started")
	// ErrMSHAlreadyStarted is returned when Start is called on a running MSH
	ErrMSHAlreadyStarted = errors.New("MSH already started")
	// ErrInvalidMessage is returned for malformed messages
	ErrInvalidMessage = errors.New("invalid message")
	// ErrUnknownPMode is returned when a submitted message names no
	// configured P-Mode
	ErrUnknownPMode = errors.New("unknown P-Mode")
	// ErrShutdownTimeout is returned by Stop when the background workers did
	// not finish within the shutdown grace period
	ErrShutdownTimeout = errors.New("background workers did not stop in time")
)

// DefaultShutdownGrace is the default time Stop waits for the workers
const DefaultShutdownGrace = 10 * time.Second

// Config holds the dependencies and settings of the MSH
type Config struct {
	Store     *storage.Coordinator
	PModes    *pmode.Manager
	Events    events.Sink
	Deliverer Deliverer
	// Transport is used by the push sender and the puller. Without it units
	// in READY_TO_PUSH are left for another MSH instance and nothing is
	// pulled.
	Transport Transport
	// Validators provides the custom validators, DefaultRegistry when nil
	Validators *validation.Registry

	RetryInterval time.Duration
	SendInterval  time.Duration
	SendBatchSize int
	// PullInterval is the polling interval of the puller
	PullInterval  time.Duration
	ShutdownGrace time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// MSH (Message Service Handler) ties the reliability engine together: it
// runs the inbound pipelines on the caller's goroutine and the
// retransmission scheduler, push sender and puller in the background.
type MSH struct {
	store     *storage.Coordinator
	pmodes    *pmode.Manager
	events    events.Sink
	deliverer Deliverer
	validator *validation.Executor
	detector  *reliability.DuplicateDetector
	receipts  *receipt.Coordinator
	scheduler *reliability.Scheduler
	sender    *sender.Sender
	puller    *sender.Puller
	logger    *slog.Logger
	metrics   *metrics.Metrics

	shutdownGrace time.Duration

	// State management
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan error
}

// NewMSH creates a new Message Service Handler with the provided configuration
func NewMSH(config Config) (*MSH, error) {
	if config.Store == nil {
		return nil, errors.New("storage coordinator is required")
	}
	if config.Deliverer == nil {
		return nil, errors.New("deliverer is required")
	}
	if config.PModes == nil {
		config.PModes = pmode.NewManager()
	}
	if config.Events == nil {
		config.Events = events.Discard
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.ShutdownGrace <= 0 {
		config.ShutdownGrace = DefaultShutdownGrace
	}

	m := &MSH{
		store:         config.Store,
		pmodes:        config.PModes,
		events:        config.Events,
		deliverer:     config.Deliverer,
		validator:     validation.NewExecutor(config.Validators, config.Logger),
		logger:        config.Logger.With("component", "msh"),
		metrics:       config.Metrics,
		shutdownGrace: config.ShutdownGrace,
	}
	m.detector = reliability.NewDuplicateDetector(config.Store, config.PModes, config.Events, config.Logger, config.Metrics)
	m.receipts = receipt.NewCoordinator(config.Store, config.PModes, config.Events, config.Logger, config.Metrics)

	sched, err := reliability.NewScheduler(reliability.SchedulerConfig{
		Store:     config.Store,
		PModes:    config.PModes,
		Events:    config.Events,
		Deliverer: config.Deliverer,
		Interval:  config.RetryInterval,
		Logger:    config.Logger,
		Metrics:   config.Metrics,
	})
	if err != nil {
		return nil, err
	}
	m.scheduler = sched

	if config.Transport != nil {
		m.sender = sender.NewSender(config.Store, config.Transport, config.PModes, m.handleSignals,
			&sender.Config{PollInterval: config.SendInterval, BatchSize: config.SendBatchSize},
			config.Logger, config.Metrics)
		m.puller = sender.NewPuller(config.Store, config.Transport, config.PModes, m.handleSignals,
			&sender.Config{PollInterval: config.PullInterval, BatchSize: config.SendBatchSize},
			config.Logger, config.Metrics)
	}
	return m, nil
}

// Store returns the storage coordinator of the MSH
func (m *MSH) Store() *storage.Coordinator {
	return m.store
}

// PModes returns the P-Mode manager of the MSH
func (m *MSH) PModes() *pmode.Manager {
	return m.pmodes
}

// Scheduler returns the retransmission scheduler
func (m *MSH) Scheduler() *reliability.Scheduler {
	return m.scheduler
}

// Running reports whether the MSH was started and not stopped
func (m *MSH) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Start runs the background workers until Stop is called or ctx is
// cancelled
func (m *MSH) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return ErrMSHAlreadyStarted
	}

	ctx, m.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.scheduler.Run(gctx) })
	if m.sender != nil {
		g.Go(func() error { return m.sender.Run(gctx) })
	}
	if m.puller != nil {
		g.Go(func() error { return m.puller.Run(gctx) })
	}

	m.done = make(chan error, 1)
	go func(done chan<- error) { done <- g.Wait() }(m.done)
	m.running = true
	m.logger.Info("MSH started", "push_sender", m.sender != nil, "pull_targets", m.pullTargets())
	return nil
}

func (m *MSH) pullTargets() int {
	if m.puller == nil {
		return 0
	}
	return len(m.puller.Targets())
}

// Stop cancels the background workers and waits up to the shutdown grace
// period for a running cycle to finish. An interrupted cycle is picked up
// again from the persisted state after the next start.
func (m *MSH) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return ErrMSHNotStarted
	}
	m.running = false
	m.cancel()
	done := m.done
	m.mu.Unlock()

	select {
	case err := <-done:
		m.logger.Info("MSH stopped")
		return err
	case <-time.After(m.shutdownGrace):
		m.logger.Warn("MSH stop timed out", "grace", m.shutdownGrace)
		return ErrShutdownTimeout
	}
}

// Submit accepts a user message from the business application. Header
// fields left empty are taken from the P-Mode. The stored unit waits for
// the push sender or for a pull request.
func (m *MSH) Submit(ctx context.Context, unit *message.MessageUnit) (*message.MessageUnit, error) {
	if !m.Running() {
		return nil, ErrMSHNotStarted
	}
	if unit.Kind != message.KindUserMessage || unit.User == nil {
		return nil, fmt.Errorf("%w: only user messages can be submitted", ErrInvalidMessage)
	}
	pm := m.pmodes.Get(unit.PModeID)
	if pm == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPMode, unit.PModeID)
	}

	u := unit.Clone()
	u.CoreID = ""
	u.Direction = message.DirectionOut
	u.States = nil
	if u.MessageID == "" {
		u.MessageID = message.GenerateMessageID()
	}
	applyPMode(u, pm)
	if err := message.Validate(u); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	stored, err := m.store.Store(ctx, u, message.StateCreated, "submitted")
	if err != nil {
		return nil, err
	}
	next := pmode.ResendState(pm)
	res := m.store.TrySetState(ctx, stored, message.StateCreated, next, "")
	if res.Outcome == storage.IOError {
		return stored, res.Err
	}
	m.logger.Info("user message submitted",
		"message_id", stored.MessageID,
		"core_id", stored.CoreID,
		"pmode", pm.ID,
		"state", res.Unit.CurrentState(),
	)
	return res.Unit, nil
}

// applyPMode fills empty header fields of a user message from the P-Mode
func applyPMode(u *message.MessageUnit, pm *pmode.ProcessingMode) {
	leg := pm.Leg(u.Leg)
	if u.MPC == "" || u.MPC == message.DefaultMPC {
		u.MPC = pmode.MPC(leg)
	}
	c := &u.User.Collaboration
	if c.AgreementRef == "" && pm.Agreement != nil {
		c.AgreementRef = pm.Agreement.Name
	}
	if bi := pmode.BusinessInfoOf(leg); bi != nil {
		if c.Service.Value == "" {
			c.Service.Value = bi.Service
		}
		if c.Action == "" {
			c.Action = bi.Action
		}
		for _, p := range bi.Properties {
			if u.GetPropertyValue(p.Name) == "" {
				u.User.Properties = append(u.User.Properties, p)
			}
		}
	}
	fillParty(&u.User.From, pm.Initiator)
	fillParty(&u.User.To, pm.Responder)
}

func fillParty(info *message.PartyInfo, party *pmode.Party) {
	if party == nil {
		return
	}
	if len(info.PartyIDs) == 0 && party.PartyID != "" {
		info.PartyIDs = []message.PartyID{{Value: party.PartyID, Type: party.PartyType}}
	}
	if info.Role == "" {
		info.Role = party.Role
	}
}

// HandleMessage processes a received envelope and returns the envelope to
// send back, nil when there is nothing to return. It is the handler of the
// inbound HTTP transport.
func (m *MSH) HandleMessage(ctx context.Context, data []byte) ([]byte, error) {
	if !m.Running() {
		return nil, ErrMSHNotStarted
	}
	units, err := ebms.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	var responses []*message.MessageUnit
	for _, u := range units {
		switch u.Kind {
		case message.KindUserMessage:
			rec, err := m.ReceiveUserMessage(ctx, u, InboundOptions{})
			if err != nil {
				return nil, err
			}
			if rec.Response != nil {
				responses = append(responses, rec.Response)
			}
		case message.KindReceipt:
			if _, err := m.ReceiveReceipt(ctx, u); err != nil && !errors.Is(err, receipt.ErrNoMatchingMessage) {
				return nil, err
			}
		case message.KindError:
			if err := m.ReceiveError(ctx, u); err != nil {
				return nil, err
			}
		case message.KindPullRequest:
			resp, err := m.Pull(ctx, u)
			if err != nil {
				return nil, err
			}
			responses = append(responses, resp)
		}
	}
	if len(responses) == 0 {
		return nil, nil
	}

	out, err := ebms.Envelope(responses...)
	for _, r := range responses {
		if merr := m.MarkResponseSent(ctx, r, err); merr != nil {
			m.logger.Error("failed to update response state", "message_id", r.MessageID, "error", merr)
		}
	}
	return out, err
}

// MarkResponseSent records the outcome of returning unit on the response
// of an exchange. Signals move from CREATED to DONE, pulled user messages
// from SENDING to the state after transmission.
func (m *MSH) MarkResponseSent(ctx context.Context, unit *message.MessageUnit, sendErr error) error {
	expected := message.StateCreated
	next := message.StateDone
	if unit.Kind == message.KindUserMessage {
		expected = message.StateSending
		next = sender.SentState(unit, m.pmodes.Get(unit.PModeID).Leg(unit.Leg))
		if sendErr != nil {
			next = message.StateTransportFailure
		}
	} else if sendErr != nil {
		next = message.StateFailure
	}

	status := "ok"
	if sendErr != nil {
		status = "failed"
	}
	m.metrics.RecordTransmission(string(unit.Kind), status)

	res := m.store.TrySetState(ctx, unit, expected, next, "returned on response")
	if res.Outcome == storage.IOError {
		return res.Err
	}
	return nil
}

// handleSignals processes the units a peer returned to the push sender or
// the puller. A user message arrives on the response to a pull request, so
// a receipt or error for it cannot go back on the same exchange and is sent
// by callback instead.
func (m *MSH) handleSignals(ctx context.Context, signals []*message.MessageUnit) {
	for _, s := range signals {
		var err error
		switch s.Kind {
		case message.KindReceipt:
			_, err = m.ReceiveReceipt(ctx, s)
		case message.KindError:
			err = m.ReceiveError(ctx, s)
		case message.KindUserMessage:
			var rec Reception
			rec, err = m.ReceiveUserMessage(ctx, s, InboundOptions{})
			if err == nil && rec.Response != nil {
				err = m.replyByCallback(ctx, rec.Response)
			}
		default:
			m.logger.Warn("unexpected signal on response", "message_id", s.MessageID, "kind", s.Kind)
		}
		if err != nil {
			m.logger.Warn("failed to process response signal",
				"message_id", s.MessageID,
				"kind", s.Kind,
				"error", err,
			)
		}
	}
}

// replyByCallback hands a signal created for the response of an exchange
// to the push sender
func (m *MSH) replyByCallback(ctx context.Context, signal *message.MessageUnit) error {
	res := m.store.TrySetState(ctx, signal, message.StateCreated, message.StateReadyToPush, "sent by callback")
	if res.Outcome == storage.IOError {
		return res.Err
	}
	return nil
}

// notify passes a signal to the business application. Failures are
// logged and reported to the caller but not retried.
func (m *MSH) notify(ctx context.Context, unit *message.MessageUnit) error {
	err := m.deliverer.Deliver(ctx, unit)
	if err != nil {
		m.metrics.RecordDelivery(string(unit.Kind), "failed")
		m.logger.Error("failed to notify business application",
			"message_id", unit.MessageID,
			"kind", unit.Kind,
			"error", err,
		)
		return &DeliveryError{MessageID: unit.MessageID, Err: err}
	}
	m.metrics.RecordDelivery(string(unit.Kind), "ok")
	return nil
}
