// Package events notifies interested parties about processing events of
// message units.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sirosfoundation/go-msh/pkg/message"
	"github.com/sirosfoundation/go-msh/pkg/metrics"
)

// Type identifies the kind of an event
type Type string

const (
	// MissingConfiguration is raised when a unit cannot be processed because
	// its P-Mode or a required part of it is missing
	MissingConfiguration Type = "MissingConfiguration"
	// DuplicateReceived is raised when an inbound user message was already
	// processed under another CoreID
	DuplicateReceived Type = "DuplicateReceived"
	// ReceiptCreated is raised when a receipt for an inbound user message
	// was created
	ReceiptCreated Type = "ReceiptCreated"
	// ReceiptReceived is raised when a receipt for a sent user message arrived
	ReceiptReceived Type = "ReceiptReceived"
	// MessageTransferFailure is raised when a user message could not be
	// delivered to the peer
	MessageTransferFailure Type = "MessageTransferFailure"
	// ErrorReceived is raised when an error signal for a sent unit arrived
	ErrorReceived Type = "ErrorReceived"
	// ValidationFailure is raised when custom validation rejected a unit
	ValidationFailure Type = "ValidationFailure"
)

// Event describes something that happened to a message unit
type Event struct {
	ID          string
	Type        Type
	Time        time.Time
	Subject     *message.MessageUnit
	Description string

	// Duplicate is set on ReceiptCreated events for duplicate user messages
	Duplicate bool
	// Related is a second unit involved in the event, e.g. the receipt of
	// a ReceiptCreated event or the error signal of an ErrorReceived event
	Related *message.MessageUnit
	Errors  []message.EbmsError
}

// New creates an event for subject
func New(t Type, subject *message.MessageUnit, description string) Event {
	return Event{
		ID:          uuid.NewString(),
		Type:        t,
		Time:        time.Now(),
		Subject:     subject,
		Description: description,
	}
}

// PModeID returns the P-Mode of the subject, if any
func (e Event) PModeID() string {
	if e.Subject == nil {
		return ""
	}
	return e.Subject.PModeID
}

func (e Event) String() string {
	if e.Subject == nil {
		return string(e.Type)
	}
	return fmt.Sprintf("%s(%s)", e.Type, e.Subject.MessageID)
}

// Sink receives events. Raise must not block for long and never fails; a
// sink handles its own errors.
type Sink interface {
	Raise(ctx context.Context, e Event)
}

// Handler processes events
type Handler interface {
	Handle(ctx context.Context, e Event) error
}

// HandlerFunc adapts a function to the Handler interface
type HandlerFunc func(ctx context.Context, e Event) error

// Handle calls f(ctx, e)
func (f HandlerFunc) Handle(ctx context.Context, e Event) error {
	return f(ctx, e)
}

type subscription struct {
	handler Handler
	types   map[Type]bool
}

func (s subscription) wants(t Type) bool {
	return len(s.types) == 0 || s.types[t]
}

// Dispatcher is a Sink that passes events to subscribed handlers. Handlers
// subscribed for a P-Mode only see events of units governed by it; global
// handlers see all events. Handler errors and panics are logged and
// otherwise ignored.
type Dispatcher struct {
	mu       sync.RWMutex
	global   []subscription
	perPMode map[string][]subscription

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewDispatcher creates a dispatcher without subscriptions
func NewDispatcher(logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		perPMode: make(map[string][]subscription),
		logger:   logger.With("component", "events"),
		metrics:  m,
	}
}

func newSubscription(h Handler, types []Type) subscription {
	s := subscription{handler: h}
	if len(types) > 0 {
		s.types = make(map[Type]bool, len(types))
		for _, t := range types {
			s.types[t] = true
		}
	}
	return s
}

// Subscribe registers h for the given event types, or for all events when
// no type is given
func (d *Dispatcher) Subscribe(h Handler, types ...Type) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.global = append(d.global, newSubscription(h, types))
}

// SubscribePMode registers h for events of units governed by pmodeID
func (d *Dispatcher) SubscribePMode(pmodeID string, h Handler, types ...Type) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.perPMode[pmodeID] = append(d.perPMode[pmodeID], newSubscription(h, types))
}

// Raise passes e to all matching handlers, P-Mode specific handlers first
func (d *Dispatcher) Raise(ctx context.Context, e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	d.mu.RLock()
	var subs []subscription
	if id := e.PModeID(); id != "" {
		subs = append(subs, d.perPMode[id]...)
	}
	subs = append(subs, d.global...)
	d.mu.RUnlock()

	for _, s := range subs {
		if s.wants(e.Type) {
			d.invoke(ctx, s.handler, e)
		}
	}
}

func (d *Dispatcher) invoke(ctx context.Context, h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			d.metrics.RecordHandlerFailure()
			d.logger.Error("event handler panicked",
				"event", e.Type,
				"event_id", e.ID,
				"panic", r,
			)
		}
	}()
	if err := h.Handle(ctx, e); err != nil {
		d.metrics.RecordHandlerFailure()
		d.logger.Warn("event handler failed",
			"event", e.Type,
			"event_id", e.ID,
			"error", err,
		)
	}
}

// Discard is a Sink that drops all events
var Discard Sink = discard{}

type discard struct{}

func (discard) Raise(context.Context, Event) {}

// Recorder is a Sink that keeps all raised events in memory
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Raise implements Sink
func (r *Recorder) Raise(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns the recorded events
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns the recorded events of type t
func (r *Recorder) OfType(t Type) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
