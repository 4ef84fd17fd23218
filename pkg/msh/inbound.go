package msh

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/sirosfoundation/go-msh/pkg/events"
	"github.com/sirosfoundation/go-msh/pkg/message"
	"github.com/sirosfoundation/go-msh/pkg/pmode"
	"github.com/sirosfoundation/go-msh/pkg/receipt"
	"github.com/sirosfoundation/go-msh/pkg/storage"
	"github.com/sirosfoundation/go-msh/pkg/validation"
)

// ReceiveUserMessage runs the inbound pipeline for a user message: store,
// custom validation, duplicate detection, delivery to the business
// application and the receipt.
//
// Problems with the message itself end in an error signal on the
// Reception. The returned error is reserved for storage failures.
func (m *MSH) ReceiveUserMessage(ctx context.Context, unit *message.MessageUnit, opts InboundOptions) (Reception, error) {
	u := unit.Clone()
	u.CoreID = ""
	u.Direction = message.DirectionIn
	u.States = nil
	if u.PModeID == "" && u.User != nil {
		if pm := m.pmodes.Find(u.User.Collaboration.Service.Value, u.User.Collaboration.Action); pm != nil {
			u.PModeID = pm.ID
		}
	}

	stored, err := m.store.Store(ctx, u, message.StateReceived, "")
	if err != nil {
		return Reception{}, err
	}
	rec := Reception{Unit: stored}
	log := m.logger.With("message_id", stored.MessageID, "core_id", stored.CoreID)

	pm := m.pmodes.Get(stored.PModeID)
	if pm == nil {
		log.Warn("no P-Mode for received user message", "pmode", stored.PModeID)
		m.events.Raise(ctx, events.New(events.MissingConfiguration, stored, "no P-Mode for received user message"))
		return m.reject(ctx, rec, nil, message.ErrValueNotRecognized.New(stored.MessageID, "no matching P-Mode"))
	}
	leg := pm.Leg(stored.Leg)

	if cfg := pmode.CustomValidation(leg); cfg != nil {
		result, err := m.validator.Validate(ctx, stored, cfg)
		switch {
		case err != nil:
			m.metrics.RecordValidation("error")
			log.Error("custom validation could not run", "error", err)
			return m.reject(ctx, rec, leg, message.ErrOther.New(stored.MessageID, "message could not be validated"))
		case result.ShouldReject:
			m.metrics.RecordValidation("rejected")
			desc := describeFindings(result)
			log.Warn("user message rejected by custom validation", "findings", desc)
			ev := events.New(events.ValidationFailure, stored, desc)
			m.events.Raise(ctx, ev)
			return m.reject(ctx, rec, leg, message.ErrOther.New(stored.MessageID, "validation failed: "+desc))
		default:
			m.metrics.RecordValidation("passed")
			if n := result.Count(); n > 0 {
				log.Info("custom validation reported findings", "count", n, "findings", describeFindings(result))
			}
		}
	}

	verdict, err := m.detector.Detect(ctx, stored, opts.EliminateDuplicates)
	if err != nil {
		return rec, err
	}
	rec.Unit = verdict.Unit
	if verdict.Duplicate {
		rec.Duplicate = true
		if verdict.Unit.CurrentState() == message.StateFailure {
			return m.signalError(ctx, rec, leg, message.ErrOther.New(stored.MessageID, "duplicate of a message that failed"))
		}
		return m.acknowledge(ctx, rec, opts)
	}

	res := m.store.TrySetState(ctx, rec.Unit, message.StateReceived, message.StateReadyForDelivery, "")
	if !res.OK() {
		return rec, resultErr(res)
	}
	res = m.store.TrySetState(ctx, res.Unit, message.StateReadyForDelivery, message.StateOutForDelivery, "")
	if !res.OK() {
		return rec, resultErr(res)
	}
	rec.Unit = res.Unit

	if err := m.deliverer.Deliver(ctx, rec.Unit); err != nil {
		m.metrics.RecordDelivery(string(message.KindUserMessage), "failed")
		log.Warn("delivery to business application failed", "error", err)
		rec.DeliveryErr = &DeliveryError{MessageID: rec.Unit.MessageID, Err: err}
		return m.reject(ctx, rec, leg, message.ErrDeliveryFailure.New(rec.Unit.MessageID, err.Error()))
	}
	m.metrics.RecordDelivery(string(message.KindUserMessage), "ok")

	res = m.store.TrySetState(ctx, rec.Unit, message.StateOutForDelivery, message.StateDelivered, "")
	if !res.OK() {
		return rec, resultErr(res)
	}
	rec.Unit = res.Unit
	rec.Delivered = true
	log.Info("user message delivered", "pmode", pm.ID)
	return m.acknowledge(ctx, rec, opts)
}

// acknowledge creates the receipt. A failure is logged only, the business
// delivery has already happened.
func (m *MSH) acknowledge(ctx context.Context, rec Reception, opts InboundOptions) (Reception, error) {
	issued, err := m.receipts.CreateReceipt(ctx, rec.Unit, receipt.Context{
		SignedParts: opts.SignedParts,
		Duplicate:   rec.Duplicate,
	})
	if err != nil {
		m.logger.Error("failed to create receipt", "message_id", rec.Unit.MessageID, "error", err)
		return rec, nil
	}
	rec.Receipt = issued.Receipt
	if issued.Respond() {
		rec.Response = issued.Receipt
	}
	return rec, nil
}

// reject moves the user message to FAILURE and creates an error signal
func (m *MSH) reject(ctx context.Context, rec Reception, leg *pmode.Leg, ebmsErr message.EbmsError) (Reception, error) {
	res := m.store.TrySetState(ctx, rec.Unit, rec.Unit.CurrentState(), message.StateFailure, ebmsErr.ShortDescription)
	if res.Outcome == storage.IOError {
		return rec, res.Err
	}
	rec.Unit = res.Unit
	return m.signalError(ctx, rec, leg, ebmsErr)
}

// signalError stores an error signal for the peer. Signals sent by
// callback are made ready to push, others are returned on the response.
func (m *MSH) signalError(ctx context.Context, rec Reception, leg *pmode.Leg, ebmsErr message.EbmsError) (Reception, error) {
	opts := []message.Option{
		message.WithPMode(rec.Unit.PModeID),
		message.WithLeg(rec.Unit.Leg),
	}
	if leg != nil && leg.ErrorHandling != nil && leg.ErrorHandling.AddSOAPFault {
		opts = append(opts, message.WithSOAPFault())
	}
	signal, err := m.store.Store(ctx, message.NewErrorMessage([]message.EbmsError{ebmsErr}, opts...).Build(),
		message.StateCreated, "error for "+rec.Unit.MessageID)
	if err != nil {
		return rec, err
	}
	rec.Error = signal

	if pmode.ErrorPattern(leg) == pmode.ReplyCallback {
		res := m.store.TrySetState(ctx, signal, message.StateCreated, message.StateReadyToPush, "error sent by callback")
		if res.Outcome == storage.IOError {
			return rec, res.Err
		}
		rec.Error = res.Unit
		return rec, nil
	}
	rec.Response = signal
	return rec, nil
}

// ReceiveReceipt correlates a received receipt with the user message it
// acknowledges and passes it to the business application when the P-Mode
// asks for receipt notification
func (m *MSH) ReceiveReceipt(ctx context.Context, unit *message.MessageUnit) (receipt.Correlation, error) {
	corr, err := m.receipts.Correlate(ctx, unit)
	if err != nil {
		return corr, err
	}
	if corr.Notify {
		// not retried, the receipt records the failure
		if nerr := m.notify(ctx, corr.Receipt); nerr != nil {
			res := m.store.TrySetState(ctx, corr.Receipt, message.StateDone, message.StateFailure, "notification failed")
			if res.Outcome == storage.IOError {
				return corr, res.Err
			}
			corr.Receipt = res.Unit
		}
	}
	return corr, nil
}

// ReceiveError processes a received error signal. Sent units it refers to
// move to FAILURE, or to WARNING when all errors are warnings.
func (m *MSH) ReceiveError(ctx context.Context, unit *message.MessageUnit) error {
	if unit.Kind != message.KindError {
		return fmt.Errorf("%w: %s is not an error signal", ErrInvalidMessage, unit.MessageID)
	}

	var refs []*message.MessageUnit
	if unit.RefToMessageID != "" {
		var err error
		refs, err = m.store.ByMessageID(ctx, unit.RefToMessageID, message.DirectionOut)
		if err != nil {
			return err
		}
	}

	u := unit.Clone()
	u.CoreID = ""
	u.Direction = message.DirectionIn
	u.States = nil
	if u.PModeID == "" && len(refs) > 0 {
		u.PModeID = refs[0].PModeID
		u.Leg = refs[0].Leg
	}
	stored, err := m.store.Store(ctx, u, message.StateReceived, "")
	if err != nil {
		return err
	}
	res := m.store.TrySetState(ctx, stored, message.StateReceived, message.StateProcessing, "")
	if !res.OK() {
		return resultErr(res)
	}
	signal := res.Unit
	log := m.logger.With("error_message_id", signal.MessageID, "ref_to_message_id", signal.RefToMessageID)

	failure := message.HasFailure(signal.Errors)
	next := message.StateWarning
	if failure {
		next = message.StateFailure
	}

	affected := 0
	for _, ref := range refs {
		if ref.CurrentState().IsFinal() || (!failure && ref.Kind != message.KindUserMessage) {
			continue
		}
		r := m.store.TrySetState(ctx, ref, ref.CurrentState(), next, "error "+signal.MessageID)
		switch r.Outcome {
		case storage.IOError:
			return r.Err
		case storage.Conflict:
			continue
		}
		affected++
		ev := events.New(events.ErrorReceived, r.Unit, summarizeErrors(signal.Errors))
		ev.Related = signal
		ev.Errors = signal.Errors
		m.events.Raise(ctx, ev)
	}

	final := message.StateDone
	switch {
	case affected == 0:
		log.Warn("error signal does not refer to a pending message unit")
		final = message.StateFailure
	case pmode.ShouldNotifyError(m.pmodes.Get(signal.PModeID).Leg(signal.Leg)):
		if err := m.notify(ctx, signal); err != nil {
			final = message.StateFailure
		}
	}
	log.Info("error signal processed", "affected", affected, "severity_failure", failure)

	if r := m.store.TrySetState(ctx, signal, message.StateProcessing, final, ""); r.Outcome == storage.IOError {
		return r.Err
	}
	return nil
}

// Pull answers a pull request with the oldest user message waiting on the
// requested MPC. The returned unit is in SENDING; report the outcome of the
// response with MarkResponseSent. Without a waiting message the result is
// an EmptyMessagePartitionChannel (EBMS:0006) warning.
func (m *MSH) Pull(ctx context.Context, request *message.MessageUnit) (*message.MessageUnit, error) {
	if request.Kind != message.KindPullRequest {
		return nil, fmt.Errorf("%w: %s is not a pull request", ErrInvalidMessage, request.MessageID)
	}
	pr := request.Clone()
	pr.CoreID = ""
	pr.Direction = message.DirectionIn
	pr.States = nil
	if pr.MPC == "" {
		pr.MPC = message.DefaultMPC
	}
	stored, err := m.store.Store(ctx, pr, message.StateReceived, "")
	if err != nil {
		return nil, err
	}
	done := func(desc string) {
		if r := m.store.TrySetState(ctx, stored, message.StateReceived, message.StateDone, desc); r.Outcome == storage.IOError {
			m.logger.Error("failed to finish pull request", "message_id", stored.MessageID, "error", r.Err)
		}
	}

	var waiting []*message.MessageUnit
	if ids := m.pmodes.PullModesForMPC(pr.MPC); len(ids) > 0 {
		waiting, err = m.store.Find(ctx, storage.Filter{
			Kind:      message.KindUserMessage,
			Direction: message.DirectionOut,
			PModeIDs:  ids,
			States:    []message.ProcessingState{message.StateAwaitingPull},
		})
		if err != nil {
			return nil, err
		}
	}
	sort.SliceStable(waiting, func(i, j int) bool { return waiting[i].Timestamp.Before(waiting[j].Timestamp) })

	for _, u := range waiting {
		res := m.store.TrySetState(ctx, u, message.StateAwaitingPull, message.StateSending, "pulled by "+stored.MessageID)
		switch res.Outcome {
		case storage.Conflict:
			continue
		case storage.IOError:
			return nil, res.Err
		}
		done("")
		m.logger.Info("user message pulled", "message_id", u.MessageID, "mpc", pr.MPC)
		return m.store.EnsureFullyLoaded(ctx, res.Unit)
	}

	done("empty partition")
	empty := message.ErrEmptyMessagePartition.New(stored.MessageID, "no message waiting on "+pr.MPC)
	return m.store.Store(ctx, message.NewErrorMessage([]message.EbmsError{empty}).Build(), message.StateCreated, "")
}

func describeFindings(r *validation.Result) string {
	ids := make([]string, 0, len(r.Findings))
	for id := range r.Findings {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var parts []string
	for _, id := range ids {
		for _, f := range r.Findings[id] {
			parts = append(parts, fmt.Sprintf("%s: %s (%s)", id, f.Message, f.Severity))
		}
	}
	return strings.Join(parts, "; ")
}

func summarizeErrors(errs []message.EbmsError) string {
	codes := make([]string, len(errs))
	for i, e := range errs {
		codes[i] = e.ErrorCode
	}
	return strings.Join(codes, ",")
}

func resultErr(res storage.Result) error {
	if res.Err != nil {
		return res.Err
	}
	return fmt.Errorf("%s changed to %s concurrently: %w", res.Unit.MessageID, res.Unit.CurrentState(), storage.ErrConflict)
}
