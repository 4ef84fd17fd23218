package reliability

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sirosfoundation/go-msh/pkg/events"
	"github.com/sirosfoundation/go-msh/pkg/message"
	"github.com/sirosfoundation/go-msh/pkg/metrics"
	"github.com/sirosfoundation/go-msh/pkg/pmode"
	"github.com/sirosfoundation/go-msh/pkg/storage"
)

// Verdict is the result of duplicate detection for an inbound user message
type Verdict struct {
	// Duplicate is true when the message was already processed
	Duplicate bool
	// SuppressDelivery tells the pipeline to skip back-end delivery. A
	// receipt must still be sent.
	SuppressDelivery bool
	// Original is the previously processed unit, set for duplicates
	Original *message.MessageUnit
	// Unit is the latest snapshot of the checked unit
	Unit *message.MessageUnit
}

// DuplicateDetector checks inbound user messages against the messages that
// completed processing earlier. A message that is still in flight under
// another CoreID is not treated as original.
type DuplicateDetector struct {
	store   *storage.Coordinator
	pmodes  PModeSource
	events  events.Sink
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewDuplicateDetector creates a duplicate detector
func NewDuplicateDetector(store *storage.Coordinator, pmodes PModeSource, sink events.Sink, logger *slog.Logger, m *metrics.Metrics) *DuplicateDetector {
	if sink == nil {
		sink = events.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DuplicateDetector{
		store:   store,
		pmodes:  pmodes,
		events:  sink,
		log:     logger.With("component", "duplicates", "channel", DuplicateChannel),
		metrics: m,
	}
}

// Enabled reports whether duplicate detection applies to unit
func (d *DuplicateDetector) Enabled(unit *message.MessageUnit, eliminationRequested bool) bool {
	_, leg := legOf(d.pmodes, unit)
	return eliminationRequested || pmode.UseDuplicateDetection(leg)
}

// Detect checks whether unit duplicates a completed message. For a
// duplicate the unit is moved to DUPLICATE, and to FAILURE when the
// original failed.
func (d *DuplicateDetector) Detect(ctx context.Context, unit *message.MessageUnit, eliminationRequested bool) (Verdict, error) {
	verdict := Verdict{Unit: unit}
	if !d.Enabled(unit, eliminationRequested) {
		return verdict, nil
	}

	candidates, err := d.store.ByMessageID(ctx, unit.MessageID, message.DirectionIn)
	if err != nil {
		return verdict, fmt.Errorf("looking up earlier messages: %w", err)
	}
	var original *message.MessageUnit
	for _, c := range candidates {
		if c.CoreID == unit.CoreID || c.Kind != message.KindUserMessage {
			continue
		}
		if s := c.CurrentState(); s == message.StateDelivered || s == message.StateFailure {
			original = c
			break
		}
	}
	if original == nil {
		return verdict, nil
	}

	res := d.store.TrySetState(ctx, unit, unit.CurrentState(), message.StateDuplicate,
		"duplicate of "+original.CoreID)
	switch res.Outcome {
	case storage.Conflict:
		return Verdict{Unit: res.Unit}, fmt.Errorf("marking %s as duplicate: %w", unit.MessageID, storage.ErrConflict)
	case storage.IOError:
		return verdict, res.Err
	}

	d.metrics.RecordDuplicate()
	d.log.Info("duplicate user message received",
		"message_id", unit.MessageID,
		"core_id", unit.CoreID,
		"original_core_id", original.CoreID,
		"original_state", original.CurrentState(),
	)
	ev := events.New(events.DuplicateReceived, res.Unit, "duplicate of "+original.CoreID)
	ev.Related = original
	d.events.Raise(ctx, ev)

	verdict = Verdict{
		Duplicate:        true,
		SuppressDelivery: true,
		Original:         original,
		Unit:             res.Unit,
	}

	if original.CurrentState() == message.StateFailure {
		failed := d.store.TrySetState(ctx, res.Unit, message.StateDuplicate, message.StateFailure, "original message failed")
		if failed.Outcome == storage.IOError {
			return verdict, failed.Err
		}
		verdict.Unit = failed.Unit
	}
	return verdict, nil
}
