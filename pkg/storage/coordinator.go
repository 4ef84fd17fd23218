package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sirosfoundation/go-msh/pkg/message"
	"github.com/sirosfoundation/go-msh/pkg/metrics"
)

// Outcome is the result of a state change request
type Outcome int

const (
	// Applied means the new state was appended to the history
	Applied Outcome = iota
	// Conflict means the persisted state differed from the expected state
	// and nothing was changed
	Conflict
	// IOError means the storage failed and the state is unknown
	IOError
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Conflict:
		return "conflict"
	case IOError:
		return "io_error"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Result is returned by Coordinator.TrySetState.
//
// For Applied, Unit is the updated snapshot. For Conflict, Unit is the
// snapshot as currently persisted. For IOError, Unit is the unchanged input
// and Err holds the cause.
type Result struct {
	Outcome Outcome
	Unit    *message.MessageUnit
	Err     error
}

// OK reports whether the state change was applied
func (r Result) OK() bool {
	return r.Outcome == Applied
}

// Coordinator is the single point through which message units are stored
// and their state is changed. It is safe for concurrent use.
type Coordinator struct {
	provider Provider
	locks    *keyedMutex
	clock    func() time.Time
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithClock sets the clock used for state entry timestamps
func WithClock(clock func() time.Time) Option {
	return func(c *Coordinator) {
		c.clock = clock
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithMetrics sets the metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// NewCoordinator creates a coordinator on top of the given provider
func NewCoordinator(provider Provider, opts ...Option) *Coordinator {
	c := &Coordinator{
		provider: provider,
		clock:    time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if !provider.Capabilities().AtomicStateUpdate {
		c.locks = newKeyedMutex()
	}
	c.logger = c.logger.With("component", "storage", "provider", provider.Name())
	return c
}

// Provider returns the underlying provider
func (c *Coordinator) Provider() Provider {
	return c.provider
}

// Now returns the current time of the coordinator clock
func (c *Coordinator) Now() time.Time {
	return c.clock()
}

// Store saves a new message unit with the given initial state and returns
// the stored snapshot. A missing CoreID or timestamp is filled in.
func (c *Coordinator) Store(ctx context.Context, unit *message.MessageUnit, initial message.ProcessingState, description string) (*message.MessageUnit, error) {
	defer c.metrics.ObserveStorage("store", time.Now())

	u := unit.Clone()
	if u.CoreID == "" {
		u.CoreID = uuid.NewString()
	}
	now := c.clock()
	if u.Timestamp.IsZero() {
		u.Timestamp = now
	}
	if len(u.States) == 0 {
		u.States = []message.StateEntry{{Seq: 0, State: initial, Start: now, Description: description}}
	}
	u.FullyLoaded = true

	if err := c.provider.Store(ctx, u); err != nil {
		return nil, fmt.Errorf("storing %s %s: %w", u.Kind, u.MessageID, err)
	}
	c.logger.Debug("message unit stored",
		"core_id", u.CoreID,
		"message_id", u.MessageID,
		"kind", u.Kind,
		"state", u.CurrentState(),
	)
	return u.Clone(), nil
}

// TrySetState changes the state of unit to next if its persisted current
// state equals expected. Pass message.StateAny to skip the check.
//
// The returned Result never carries a reference to the input unit for the
// Applied and Conflict outcomes; callers continue with Result.Unit.
func (c *Coordinator) TrySetState(ctx context.Context, unit *message.MessageUnit, expected, next message.ProcessingState, description string) Result {
	defer c.metrics.ObserveStorage("set_state", time.Now())

	if c.locks != nil {
		unlock := c.locks.Lock(unit.CoreID)
		defer unlock()
	}

	entry := message.StateEntry{
		State:       next,
		Start:       c.clock(),
		Description: description,
	}
	updated, err := c.provider.TrySetState(ctx, unit.CoreID, expected, entry)
	switch {
	case err == nil:
		c.metrics.RecordTransition(string(next), Applied.String())
		c.logger.Debug("state changed",
			"core_id", unit.CoreID,
			"message_id", unit.MessageID,
			"from", expected,
			"to", next,
		)
		return Result{Outcome: Applied, Unit: updated}
	case errors.Is(err, ErrConflict) && updated != nil:
		c.metrics.RecordTransition(string(next), Conflict.String())
		c.logger.Debug("state change conflict",
			"core_id", unit.CoreID,
			"message_id", unit.MessageID,
			"expected", expected,
			"actual", updated.CurrentState(),
			"requested", next,
		)
		return Result{Outcome: Conflict, Unit: updated}
	default:
		c.metrics.RecordTransition(string(next), IOError.String())
		c.logger.Error("state change failed",
			"core_id", unit.CoreID,
			"message_id", unit.MessageID,
			"requested", next,
			"error", err,
		)
		return Result{Outcome: IOError, Unit: unit, Err: fmt.Errorf("setting state %s: %w", next, err)}
	}
}

// Delete removes a message unit
func (c *Coordinator) Delete(ctx context.Context, unit *message.MessageUnit) error {
	defer c.metrics.ObserveStorage("delete", time.Now())
	if err := c.provider.Delete(ctx, unit.CoreID); err != nil {
		return fmt.Errorf("deleting %s: %w", unit.CoreID, err)
	}
	return nil
}

// EnsureFullyLoaded returns unit with all detail data loaded. A unit that
// is already fully loaded is returned as is.
func (c *Coordinator) EnsureFullyLoaded(ctx context.Context, unit *message.MessageUnit) (*message.MessageUnit, error) {
	if unit.FullyLoaded {
		return unit, nil
	}
	return c.Get(ctx, unit.CoreID)
}

// Get loads a message unit with all details
func (c *Coordinator) Get(ctx context.Context, coreID string) (*message.MessageUnit, error) {
	defer c.metrics.ObserveStorage("get", time.Now())
	u, err := c.provider.Get(ctx, coreID)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", coreID, err)
	}
	u.FullyLoaded = true
	return u, nil
}

// Find returns the units matching an arbitrary filter
func (c *Coordinator) Find(ctx context.Context, filter Filter) ([]*message.MessageUnit, error) {
	defer c.metrics.ObserveStorage("find", time.Now())
	units, err := c.provider.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("querying message units: %w", err)
	}
	return units, nil
}

// ByState returns the units of the given kind and direction whose current
// state is one of states
func (c *Coordinator) ByState(ctx context.Context, kind message.Kind, dir message.Direction, states ...message.ProcessingState) ([]*message.MessageUnit, error) {
	return c.Find(ctx, Filter{Kind: kind, Direction: dir, States: states})
}

// ByMessageID returns all units with the given MessageId. An empty
// direction matches both directions.
func (c *Coordinator) ByMessageID(ctx context.Context, messageID string, dir message.Direction) ([]*message.MessageUnit, error) {
	return c.Find(ctx, Filter{MessageID: messageID, Direction: dir})
}

// ByPModes returns the units of the given kind governed by one of the
// P-Modes and currently in state
func (c *Coordinator) ByPModes(ctx context.Context, kind message.Kind, pmodeIDs []string, state message.ProcessingState) ([]*message.MessageUnit, error) {
	if len(pmodeIDs) == 0 {
		return nil, nil
	}
	return c.Find(ctx, Filter{Kind: kind, PModeIDs: pmodeIDs, States: []message.ProcessingState{state}})
}

// ByRefToMessageID returns the units referring to the given MessageId
func (c *Coordinator) ByRefToMessageID(ctx context.Context, refToMessageID string) ([]*message.MessageUnit, error) {
	return c.Find(ctx, Filter{RefToMessageID: refToMessageID})
}

// CountTransmissions returns how often outbound units with the MessageId
// entered the SENDING state
func (c *Coordinator) CountTransmissions(ctx context.Context, messageID string) (int, error) {
	defer c.metrics.ObserveStorage("count_transmissions", time.Now())
	n, err := c.provider.CountTransmissions(ctx, messageID)
	if err != nil {
		return 0, fmt.Errorf("counting transmissions of %s: %w", messageID, err)
	}
	return n, nil
}

// Ping verifies the storage is reachable
func (c *Coordinator) Ping(ctx context.Context) error {
	return c.provider.Ping(ctx)
}

// Close closes the provider
func (c *Coordinator) Close(ctx context.Context) error {
	return c.provider.Close(ctx)
}

// keyedMutex hands out one mutex per key and forgets it when unused
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock locks key and returns the matching unlock function
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
