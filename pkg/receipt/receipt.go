package receipt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/beevik/etree"

	"github.com/sirosfoundation/go-msh/pkg/ebms"
	"github.com/sirosfoundation/go-msh/pkg/events"
	"github.com/sirosfoundation/go-msh/pkg/message"
	"github.com/sirosfoundation/go-msh/pkg/metrics"
	"github.com/sirosfoundation/go-msh/pkg/pmode"
	"github.com/sirosfoundation/go-msh/pkg/storage"
)

// Algorithm URIs used when a signed part does not name its own
const (
	DigestSHA256     = "http://www.w3.org/2001/04/xmlenc#sha256"
	TransformExcC14N = "http://www.w3.org/2001/10/xml-exc-c14n#"
)

var (
	// ErrNotDelivered is returned when a receipt is requested for a user
	// message that was neither delivered nor recognised as duplicate
	ErrNotDelivered = errors.New("user message is not delivered")
	// ErrNoMatchingMessage is returned by Correlate when no sent user
	// message waits for the receipt
	ErrNoMatchingMessage = errors.New("no user message waits for this receipt")
)

// awaiting lists the states of outbound user messages a receipt can complete
var awaiting = []message.ProcessingState{
	message.StateSending,
	message.StateAwaitingReceipt,
	message.StateTransportFailure,
	message.StateWarning,
	message.StateReadyToPush,
	message.StateAwaitingPull,
}

// SignedPart is one reference of a verified signature: the message header
// or one of the payloads
type SignedPart struct {
	URI          string
	DigestMethod string
	DigestValue  string
	Transforms   []string
}

// Context carries what the inbound pipeline learned about a user message
type Context struct {
	// SignedParts holds the references of the verified signature. Empty
	// for unsigned messages.
	SignedParts []SignedPart
	// Duplicate is set when the user message duplicates a processed one
	Duplicate bool
}

// PModeSource looks up P-Modes by id
type PModeSource interface {
	Get(id string) *pmode.ProcessingMode
}

// Coordinator creates receipts for delivered user messages and correlates
// received receipts with the user messages they acknowledge
type Coordinator struct {
	store   *storage.Coordinator
	pmodes  PModeSource
	events  events.Sink
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewCoordinator creates a receipt coordinator
func NewCoordinator(store *storage.Coordinator, pmodes PModeSource, sink events.Sink, logger *slog.Logger, m *metrics.Metrics) *Coordinator {
	if sink == nil {
		sink = events.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:   store,
		pmodes:  pmodes,
		events:  sink,
		log:     logger.With("component", "receipt"),
		metrics: m,
	}
}

func (c *Coordinator) legOf(unit *message.MessageUnit) *pmode.Leg {
	if c.pmodes == nil || unit.PModeID == "" {
		return nil
	}
	if pm := c.pmodes.Get(unit.PModeID); pm != nil {
		return pm.Leg(unit.Leg)
	}
	return nil
}

// Issued is a created receipt together with the way it reaches the peer
type Issued struct {
	Receipt *message.MessageUnit
	Pattern pmode.ReplyPattern
}

// Respond reports whether the receipt must be sent on the response of the
// current exchange
func (i Issued) Respond() bool {
	return i.Pattern == pmode.ReplyResponse
}

// CreateReceipt builds and stores the receipt for a delivered user message.
// Receipts sent by callback are made ready to push; RESPONSE receipts stay
// CREATED and are returned to the caller for the reply.
func (c *Coordinator) CreateReceipt(ctx context.Context, delivered *message.MessageUnit, rc Context) (Issued, error) {
	if s := delivered.CurrentState(); s != message.StateDelivered && s != message.StateDuplicate {
		return Issued{}, fmt.Errorf("receipt for %s in state %s: %w", delivered.MessageID, s, ErrNotDelivered)
	}
	full, err := c.store.EnsureFullyLoaded(ctx, delivered)
	if err != nil {
		return Issued{}, fmt.Errorf("loading %s: %w", delivered.CoreID, err)
	}

	receiptType := message.ReceiptReceptionAwareness
	var content []string
	if len(rc.SignedParts) > 0 {
		receiptType = message.ReceiptNonRepudiation
		content, err = NonRepudiationContent(rc.SignedParts)
	} else {
		var header string
		header, err = ebms.UserMessageHeader(full)
		content = []string{header}
	}
	if err != nil {
		return Issued{}, fmt.Errorf("building receipt content for %s: %w", delivered.MessageID, err)
	}

	b := message.NewReceipt(full.MessageID, receiptType,
		message.WithPMode(full.PModeID),
		message.WithLeg(full.Leg),
		message.WithMPC(full.MPC),
	)
	for _, part := range content {
		b.AddReceiptContent(part)
	}
	stored, err := c.store.Store(ctx, b.Build(), message.StateCreated, "receipt for "+full.MessageID)
	if err != nil {
		return Issued{}, fmt.Errorf("storing receipt for %s: %w", full.MessageID, err)
	}

	leg := c.legOf(full)
	issued := Issued{Receipt: stored, Pattern: pmode.ReceiptPattern(leg)}
	if issued.Pattern == pmode.ReplyCallback {
		res := c.store.TrySetState(ctx, stored, message.StateCreated, message.StateReadyToPush, "receipt sent by callback")
		if res.Outcome == storage.IOError {
			return issued, res.Err
		}
		issued.Receipt = res.Unit
	}

	c.metrics.RecordReceipt(string(receiptType))
	c.log.Debug("receipt created",
		"message_id", full.MessageID,
		"receipt_id", stored.MessageID,
		"type", receiptType,
		"parts", len(content),
		"pattern", issued.Pattern,
		"duplicate", rc.Duplicate,
	)
	ev := events.New(events.ReceiptCreated, full, string(receiptType)+" receipt "+stored.MessageID)
	ev.Duplicate = rc.Duplicate
	ev.Related = issued.Receipt
	c.events.Raise(ctx, ev)
	return issued, nil
}

// NonRepudiationContent renders one ebbp:MessagePartNRInformation element
// per signed part
func NonRepudiationContent(parts []SignedPart) ([]string, error) {
	content := make([]string, 0, len(parts))
	for _, p := range parts {
		info := etree.NewElement("ebbp:MessagePartNRInformation")
		info.CreateAttr("xmlns:ebbp", message.NsEbbp)
		info.CreateAttr("xmlns:ds", message.NsDS)

		ref := info.CreateElement("ds:Reference")
		ref.CreateAttr("URI", p.URI)
		transforms := p.Transforms
		if len(transforms) == 0 {
			transforms = []string{TransformExcC14N}
		}
		ts := ref.CreateElement("ds:Transforms")
		for _, t := range transforms {
			ts.CreateElement("ds:Transform").CreateAttr("Algorithm", t)
		}
		method := p.DigestMethod
		if method == "" {
			method = DigestSHA256
		}
		ref.CreateElement("ds:DigestMethod").CreateAttr("Algorithm", method)
		ref.CreateElement("ds:DigestValue").SetText(p.DigestValue)

		doc := etree.NewDocument()
		doc.SetRoot(info)
		s, err := doc.WriteToString()
		if err != nil {
			return nil, err
		}
		content = append(content, s)
	}
	return content, nil
}

// Correlation is the result of processing a received receipt
type Correlation struct {
	// Receipt is the stored receipt in its final state
	Receipt *message.MessageUnit
	// Acknowledged are the user messages moved to DELIVERED
	Acknowledged []*message.MessageUnit
	// Notify is true when the business application asked for the receipt
	Notify bool
}

// Correlate stores a received receipt and marks the user messages it
// acknowledges as delivered. A receipt for a message that already
// completed, or for an unknown message, ends in FAILURE.
func (c *Coordinator) Correlate(ctx context.Context, inbound *message.MessageUnit) (Correlation, error) {
	if inbound.Kind != message.KindReceipt {
		return Correlation{}, fmt.Errorf("cannot correlate a %s as receipt", inbound.Kind)
	}
	var candidates []*message.MessageUnit
	if inbound.RefToMessageID != "" {
		var err error
		candidates, err = c.store.Find(ctx, storage.Filter{
			Kind:      message.KindUserMessage,
			Direction: message.DirectionOut,
			MessageID: inbound.RefToMessageID,
			States:    awaiting,
		})
		if err != nil {
			return Correlation{}, fmt.Errorf("looking up %s: %w", inbound.RefToMessageID, err)
		}
	}

	unit := inbound.Clone()
	unit.CoreID = ""
	unit.Direction = message.DirectionIn
	unit.States = nil
	if unit.PModeID == "" && len(candidates) > 0 {
		unit.PModeID = candidates[0].PModeID
		unit.Leg = candidates[0].Leg
	}
	stored, err := c.store.Store(ctx, unit, message.StateReceived, "")
	if err != nil {
		return Correlation{}, fmt.Errorf("storing receipt %s: %w", unit.MessageID, err)
	}
	res := c.store.TrySetState(ctx, stored, message.StateReceived, message.StateProcessing, "")
	if !res.OK() {
		return Correlation{Receipt: res.Unit}, fmt.Errorf("processing receipt %s: %w", unit.MessageID, errOf(res))
	}
	result := Correlation{Receipt: res.Unit}

	for _, um := range candidates {
		r := c.store.TrySetState(ctx, um, um.CurrentState(), message.StateDelivered, "receipt "+stored.MessageID)
		switch r.Outcome {
		case storage.Applied:
			result.Acknowledged = append(result.Acknowledged, r.Unit)
		case storage.IOError:
			return result, r.Err
		}
	}

	if len(result.Acknowledged) == 0 {
		r := c.store.TrySetState(ctx, result.Receipt, message.StateProcessing, message.StateFailure, "no matching user message")
		if r.Unit != nil {
			result.Receipt = r.Unit
		}
		c.log.Warn("receipt does not match a sent user message",
			"receipt_id", stored.MessageID,
			"ref_to_message_id", stored.RefToMessageID,
		)
		return result, fmt.Errorf("receipt %s for %s: %w", stored.MessageID, stored.RefToMessageID, ErrNoMatchingMessage)
	}

	for _, um := range result.Acknowledged {
		if !pmode.ShouldNotifyReceipt(c.legOf(um)) {
			continue
		}
		result.Notify = true
		ev := events.New(events.ReceiptReceived, um, "receipt "+stored.MessageID)
		ev.Related = result.Receipt
		c.events.Raise(ctx, ev)
	}

	done := c.store.TrySetState(ctx, result.Receipt, message.StateProcessing, message.StateDone, "")
	if done.Outcome == storage.IOError {
		return result, done.Err
	}
	result.Receipt = done.Unit
	c.log.Debug("receipt processed",
		"receipt_id", stored.MessageID,
		"ref_to_message_id", stored.RefToMessageID,
		"acknowledged", len(result.Acknowledged),
	)
	return result, nil
}

func errOf(res storage.Result) error {
	if res.Err != nil {
		return res.Err
	}
	return storage.ErrConflict
}
