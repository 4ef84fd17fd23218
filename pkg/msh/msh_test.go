package msh

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-msh/pkg/ebms"
	"github.com/sirosfoundation/go-msh/pkg/events"
	"github.com/sirosfoundation/go-msh/pkg/message"
	"github.com/sirosfoundation/go-msh/pkg/pmode"
	"github.com/sirosfoundation/go-msh/pkg/storage"
	"github.com/sirosfoundation/go-msh/pkg/storage/memory"
	"github.com/sirosfoundation/go-msh/pkg/validation"
)

type backend struct {
	mu    sync.Mutex
	units []*message.MessageUnit
	err   error
}

func (b *backend) Deliver(_ context.Context, unit *message.MessageUnit) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.units = append(b.units, unit)
	return b.err
}

func (b *backend) ofKind(k message.Kind) []*message.MessageUnit {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*message.MessageUnit
	for _, u := range b.units {
		if u.Kind == k {
			out = append(out, u)
		}
	}
	return out
}

func leg(action string) pmode.Leg {
	return pmode.Leg{
		ReceptionAwareness: &pmode.ReceptionAwareness{
			WaitIntervals:      []pmode.Interval{pmode.Seconds(60), pmode.Seconds(60)},
			DuplicateDetection: &pmode.DuplicateDetectionConfig{Enabled: true},
		},
		UserMessageFlow: &pmode.UserMessageFlow{
			BusinessInfo: &pmode.BusinessInfo{Service: "urn:example:orders", Action: action},
		},
	}
}

func testPModes() *pmode.Manager {
	parties := func(p *pmode.ProcessingMode) *pmode.ProcessingMode {
		p.Initiator = &pmode.Party{PartyID: "sender-org", Role: "Sender"}
		p.Responder = &pmode.Party{PartyID: "receiver-org", Role: "Receiver"}
		return p
	}

	validated := leg("validated")
	validated.UserMessageFlow.CustomValidation = &validation.Config{
		ID: "order-number",
		Validators: []validation.ValidatorConfig{{
			ID:         "order",
			Factory:    "required-property",
			Parameters: map[string]string{"name": "OrderNumber"},
		}},
		RejectSeverity: validation.SeverityPtr(validation.Failure),
	}

	pull := leg("pulled")
	pull.UserMessageFlow.BusinessInfo.MPC = "urn:example:mpc:orders"

	callback := leg("callback")
	callback.ErrorHandling = &pmode.ErrorHandling{Pattern: pmode.ReplyCallback, AddSOAPFault: true}

	return pmode.NewManager(
		parties(&pmode.ProcessingMode{ID: "push", MEPBinding: pmode.MEPBindingPush, Legs: []pmode.Leg{leg("submit")}}),
		parties(&pmode.ProcessingMode{ID: "validated", MEPBinding: pmode.MEPBindingPush, Legs: []pmode.Leg{validated}}),
		parties(&pmode.ProcessingMode{ID: "pull", MEPBinding: pmode.MEPBindingPull, Legs: []pmode.Leg{pull}}),
		parties(&pmode.ProcessingMode{ID: "callback", MEPBinding: pmode.MEPBindingPush, Legs: []pmode.Leg{callback}}),
	)
}

type env struct {
	msh     *MSH
	store   *storage.Coordinator
	backend *backend
	events  *events.Recorder
}

func newEnv(t *testing.T, transport Transport) *env {
	t.Helper()
	return newEnvWith(t, transport, testPModes())
}

func newEnvWith(t *testing.T, transport Transport, pmodes *pmode.Manager) *env {
	t.Helper()
	e := &env{
		store:   storage.NewCoordinator(memory.New()),
		backend: &backend{},
		events:  &events.Recorder{},
	}
	m, err := NewMSH(Config{
		Store:         e.store,
		PModes:        pmodes,
		Events:        e.events,
		Deliverer:     e.backend,
		Transport:     transport,
		RetryInterval: time.Hour,
		SendInterval:  time.Hour,
		PullInterval:  time.Hour,
	})
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Stop() })
	e.msh = m
	return e
}

func (e *env) state(t *testing.T, u *message.MessageUnit) message.ProcessingState {
	t.Helper()
	got, err := e.store.Get(context.Background(), u.CoreID)
	require.NoError(t, err)
	return got.CurrentState()
}

// inbound builds a user message as it arrives from the peer
func inbound(action string, opts ...message.Option) *message.MessageUnit {
	opts = append([]message.Option{
		message.WithDirection(message.DirectionIn),
		message.WithFrom("sender-org", ""),
		message.WithTo("receiver-org", ""),
		message.WithService("urn:example:orders"),
		message.WithAction(action),
	}, opts...)
	return message.NewUserMessage(opts...).AddPayload("cid:order", "application/xml").Build()
}

// loopback connects a sending MSH to the HandleMessage of a receiving one
type loopback struct {
	peer *MSH
}

func (l *loopback) Transmit(ctx context.Context, unit *message.MessageUnit) ([]*message.MessageUnit, error) {
	data, err := ebms.Envelope(unit)
	if err != nil {
		return nil, err
	}
	resp, err := l.peer.HandleMessage(ctx, data)
	if err != nil || len(resp) == 0 {
		return nil, err
	}
	return ebms.Parse(resp)
}

func TestNewMSHRequiresDependencies(t *testing.T) {
	_, err := NewMSH(Config{Deliverer: &backend{}})
	assert.Error(t, err)
	_, err = NewMSH(Config{Store: storage.NewCoordinator(memory.New())})
	assert.Error(t, err)
}

func TestStartStop(t *testing.T) {
	m, err := NewMSH(Config{
		Store:     storage.NewCoordinator(memory.New()),
		Deliverer: &backend{},
	})
	require.NoError(t, err)

	assert.ErrorIs(t, m.Stop(), ErrMSHNotStarted)
	_, err = m.HandleMessage(context.Background(), nil)
	assert.ErrorIs(t, err, ErrMSHNotStarted)

	require.NoError(t, m.Start(context.Background()))
	assert.True(t, m.Running())
	assert.ErrorIs(t, m.Start(context.Background()), ErrMSHAlreadyStarted)
	require.NoError(t, m.Stop())
	assert.False(t, m.Running())
}

func TestSubmit(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	t.Run("push", func(t *testing.T) {
		u, err := e.msh.Submit(ctx, message.NewUserMessage(message.WithPMode("push")).Build())
		require.NoError(t, err)
		assert.Equal(t, message.StateReadyToPush, u.CurrentState())
		assert.Equal(t, message.DirectionOut, u.Direction)
		assert.Equal(t, "submit", u.User.Collaboration.Action)
		assert.Equal(t, "urn:example:orders", u.User.Collaboration.Service.Value)
		assert.Equal(t, "sender-org", u.User.From.PartyIDs[0].Value)
		assert.Equal(t, "receiver-org", u.User.To.PartyIDs[0].Value)
		require.Len(t, u.States, 2)
		assert.Equal(t, message.StateCreated, u.States[0].State)
	})

	t.Run("pull", func(t *testing.T) {
		u, err := e.msh.Submit(ctx, message.NewUserMessage(message.WithPMode("pull")).Build())
		require.NoError(t, err)
		assert.Equal(t, message.StateAwaitingPull, u.CurrentState())
		assert.Equal(t, "urn:example:mpc:orders", u.MPC)
	})

	t.Run("unknown pmode", func(t *testing.T) {
		_, err := e.msh.Submit(ctx, message.NewUserMessage(message.WithPMode("nope")).Build())
		assert.ErrorIs(t, err, ErrUnknownPMode)
	})

	t.Run("signal", func(t *testing.T) {
		_, err := e.msh.Submit(ctx, message.NewReceipt("x", message.ReceiptReceptionAwareness).Build())
		assert.ErrorIs(t, err, ErrInvalidMessage)
	})
}

func TestReceiveAndDeliver(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	rec, err := e.msh.ReceiveUserMessage(ctx, inbound("submit"), InboundOptions{})
	require.NoError(t, err)

	assert.True(t, rec.Delivered)
	assert.False(t, rec.Duplicate)
	assert.Nil(t, rec.Error)
	assert.Equal(t, "push", rec.Unit.PModeID)
	assert.Equal(t, message.StateDelivered, e.state(t, rec.Unit))
	require.Len(t, e.backend.ofKind(message.KindUserMessage), 1)

	require.NotNil(t, rec.Receipt)
	assert.Same(t, rec.Receipt, rec.Response)
	assert.Equal(t, rec.Unit.MessageID, rec.Receipt.RefToMessageID)
	assert.Equal(t, message.ReceiptReceptionAwareness, rec.Receipt.Receipt.Type)

	history := rec.Unit.States
	var states []message.ProcessingState
	for _, s := range history {
		states = append(states, s.State)
	}
	assert.Equal(t, []message.ProcessingState{
		message.StateReceived,
		message.StateReadyForDelivery,
		message.StateOutForDelivery,
		message.StateDelivered,
	}, states)
}

func TestDuplicateIsDeliveredOnce(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	um := inbound("submit", message.WithMessageID("order-42@sender.example"))

	first, err := e.msh.ReceiveUserMessage(ctx, um, InboundOptions{})
	require.NoError(t, err)
	second, err := e.msh.ReceiveUserMessage(ctx, um, InboundOptions{})
	require.NoError(t, err)

	assert.True(t, first.Delivered)
	assert.False(t, second.Delivered)
	assert.True(t, second.Duplicate)
	assert.Len(t, e.backend.ofKind(message.KindUserMessage), 1)
	assert.Equal(t, message.StateDuplicate, e.state(t, second.Unit))

	require.NotNil(t, first.Receipt)
	require.NotNil(t, second.Receipt)
	assert.Equal(t, first.Receipt.RefToMessageID, second.Receipt.RefToMessageID)
	assert.Len(t, e.events.OfType(events.DuplicateReceived), 1)
	assert.Len(t, e.events.OfType(events.ReceiptCreated), 2)
}

func TestDuplicateOfFailedMessage(t *testing.T) {
	e := newEnv(t, nil)
	e.backend.err = errors.New("back-end unavailable")
	ctx := context.Background()
	um := inbound("submit")

	first, err := e.msh.ReceiveUserMessage(ctx, um, InboundOptions{})
	require.NoError(t, err)
	require.NotNil(t, first.DeliveryErr)

	e.backend.err = nil
	second, err := e.msh.ReceiveUserMessage(ctx, um, InboundOptions{})
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Nil(t, second.Receipt)
	require.NotNil(t, second.Error)
	assert.Equal(t, message.ErrOther.Code, second.Error.Errors[0].ErrorCode)
	assert.Equal(t, message.StateFailure, e.state(t, second.Unit))
	assert.Len(t, e.backend.ofKind(message.KindUserMessage), 1, "only the first attempt reaches the back-end")
}

func TestDeliveryFailure(t *testing.T) {
	e := newEnv(t, nil)
	e.backend.err = errors.New("disk full")

	rec, err := e.msh.ReceiveUserMessage(context.Background(), inbound("submit"), InboundOptions{})
	require.NoError(t, err)

	require.NotNil(t, rec.DeliveryErr)
	assert.ErrorIs(t, rec.DeliveryErr, e.backend.err)
	assert.False(t, rec.Delivered)
	assert.Nil(t, rec.Receipt)
	assert.Equal(t, message.StateFailure, e.state(t, rec.Unit))

	require.NotNil(t, rec.Error)
	assert.Same(t, rec.Error, rec.Response)
	assert.Equal(t, message.ErrDeliveryFailure.Code, rec.Error.Errors[0].ErrorCode)
	assert.Equal(t, rec.Unit.MessageID, rec.Error.RefToMessageID)
	assert.Equal(t, message.StateCreated, rec.Error.CurrentState())
}

func TestValidationRejects(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	rec, err := e.msh.ReceiveUserMessage(ctx, inbound("validated"), InboundOptions{})
	require.NoError(t, err)
	assert.False(t, rec.Delivered)
	require.NotNil(t, rec.Error)
	assert.Equal(t, message.ErrOther.Code, rec.Error.Errors[0].ErrorCode)
	assert.Equal(t, message.StateFailure, e.state(t, rec.Unit))
	assert.Empty(t, e.backend.ofKind(message.KindUserMessage))
	require.Len(t, e.events.OfType(events.ValidationFailure), 1)

	rec, err = e.msh.ReceiveUserMessage(ctx,
		inbound("validated", message.WithMessageProperty("OrderNumber", "4711")), InboundOptions{})
	require.NoError(t, err)
	assert.True(t, rec.Delivered)
}

func TestUnknownPModeRejected(t *testing.T) {
	e := newEnv(t, nil)

	rec, err := e.msh.ReceiveUserMessage(context.Background(), inbound("unconfigured"), InboundOptions{})
	require.NoError(t, err)
	require.NotNil(t, rec.Error)
	assert.Equal(t, message.ErrValueNotRecognized.Code, rec.Error.Errors[0].ErrorCode)
	assert.Equal(t, message.StateFailure, e.state(t, rec.Unit))
	assert.Len(t, e.events.OfType(events.MissingConfiguration), 1)
}

func TestErrorByCallback(t *testing.T) {
	e := newEnv(t, nil)
	e.backend.err = errors.New("rejected")

	rec, err := e.msh.ReceiveUserMessage(context.Background(), inbound("callback"), InboundOptions{})
	require.NoError(t, err)
	require.NotNil(t, rec.Error)
	assert.Nil(t, rec.Response)
	assert.True(t, rec.Error.SOAPFault)
	assert.Equal(t, message.StateReadyToPush, rec.Error.CurrentState())
}

func TestReceiveError(t *testing.T) {
	ctx := context.Background()

	t.Run("failure", func(t *testing.T) {
		e := newEnv(t, nil)
		sent, err := e.msh.Submit(ctx, message.NewUserMessage(message.WithPMode("push")).Build())
		require.NoError(t, err)

		signal := message.NewErrorMessage([]message.EbmsError{
			message.ErrOther.New(sent.MessageID, "rejected by peer"),
		}, message.WithDirection(message.DirectionIn)).Build()
		require.NoError(t, e.msh.ReceiveError(ctx, signal))

		assert.Equal(t, message.StateFailure, e.state(t, sent))
		evs := e.events.OfType(events.ErrorReceived)
		require.Len(t, evs, 1)
		assert.Equal(t, sent.CoreID, evs[0].Subject.CoreID)
		assert.Equal(t, signal.MessageID, evs[0].Related.MessageID)
		assert.Len(t, e.backend.ofKind(message.KindError), 1)
	})

	t.Run("warning", func(t *testing.T) {
		e := newEnv(t, nil)
		sent, err := e.msh.Submit(ctx, message.NewUserMessage(message.WithPMode("push")).Build())
		require.NoError(t, err)

		warn := message.EbmsError{ErrorCode: "EBMS:0004", Severity: message.SeverityWarning, RefToMessageInError: sent.MessageID}
		require.NoError(t, e.msh.ReceiveError(ctx, message.NewErrorMessage([]message.EbmsError{warn}).Build()))
		assert.Equal(t, message.StateWarning, e.state(t, sent))
	})

	t.Run("unknown reference", func(t *testing.T) {
		e := newEnv(t, nil)
		signal := message.NewErrorMessage([]message.EbmsError{message.ErrOther.New("unknown@example", "")}).Build()
		require.NoError(t, e.msh.ReceiveError(ctx, signal))

		stored, err := e.store.ByMessageID(ctx, signal.MessageID, message.DirectionIn)
		require.NoError(t, err)
		require.Len(t, stored, 1)
		assert.Equal(t, message.StateFailure, stored[0].CurrentState())
		assert.Empty(t, e.backend.ofKind(message.KindError))
	})

	t.Run("wrong kind", func(t *testing.T) {
		e := newEnv(t, nil)
		assert.ErrorIs(t, e.msh.ReceiveError(ctx, inbound("submit")), ErrInvalidMessage)
	})
}

func TestPull(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	sent, err := e.msh.Submit(ctx, message.NewUserMessage(message.WithPMode("pull")).Build())
	require.NoError(t, err)

	pulled, err := e.msh.Pull(ctx, message.NewPullRequest("urn:example:mpc:orders", message.WithDirection(message.DirectionIn)).Build())
	require.NoError(t, err)
	require.Equal(t, message.KindUserMessage, pulled.Kind)
	assert.Equal(t, sent.CoreID, pulled.CoreID)
	assert.Equal(t, message.StateSending, pulled.CurrentState())

	require.NoError(t, e.msh.MarkResponseSent(ctx, pulled, nil))
	assert.Equal(t, message.StateAwaitingReceipt, e.state(t, sent))

	count, err := e.store.CountTransmissions(ctx, sent.MessageID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// nothing left on the MPC
	empty, err := e.msh.Pull(ctx, message.NewPullRequest("urn:example:mpc:orders").Build())
	require.NoError(t, err)
	require.Equal(t, message.KindError, empty.Kind)
	assert.Equal(t, message.ErrEmptyMessagePartition.Code, empty.Errors[0].ErrorCode)
	assert.Equal(t, message.SeverityWarning, empty.Errors[0].Severity)
}

func TestPullFailedResponse(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	sent, err := e.msh.Submit(ctx, message.NewUserMessage(message.WithPMode("pull")).Build())
	require.NoError(t, err)
	pulled, err := e.msh.Pull(ctx, message.NewPullRequest("urn:example:mpc:orders").Build())
	require.NoError(t, err)

	require.NoError(t, e.msh.MarkResponseSent(ctx, pulled, errors.New("connection reset")))
	assert.Equal(t, message.StateTransportFailure, e.state(t, sent))
}

func TestHandleMessage(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	data, err := ebms.Envelope(inbound("submit"))
	require.NoError(t, err)

	resp, err := e.msh.HandleMessage(ctx, data)
	require.NoError(t, err)
	signals, err := ebms.Parse(resp)
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, message.KindReceipt, signals[0].Kind)

	// the receipt was marked as sent
	stored, err := e.store.ByMessageID(ctx, signals[0].MessageID, message.DirectionOut)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, message.StateDone, stored[0].CurrentState())

	_, err = e.msh.HandleMessage(ctx, []byte("<not-ebms/>"))
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestPushExchange(t *testing.T) {
	receiver := newEnv(t, nil)
	sender := newEnv(t, &loopback{peer: receiver.msh})
	ctx := context.Background()

	sent, err := sender.msh.Submit(ctx, message.NewUserMessage(message.WithPMode("push")).
		AddPayload("cid:order", "application/xml").Build())
	require.NoError(t, err)

	n, err := sender.msh.sender.SendPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	delivered := receiver.backend.ofKind(message.KindUserMessage)
	require.Len(t, delivered, 1)
	assert.Equal(t, sent.MessageID, delivered[0].MessageID)

	// the receipt on the response completed the exchange
	assert.Equal(t, message.StateDelivered, sender.state(t, sent))
	require.Len(t, sender.events.OfType(events.ReceiptReceived), 1)

	// a retransmission is recognised as a duplicate and acknowledged again
	res := sender.store.TrySetState(ctx, sent, message.StateDelivered, message.StateReadyToPush, "test resend")
	require.True(t, res.OK())
	_, err = sender.msh.sender.SendPending(ctx)
	require.NoError(t, err)
	assert.Len(t, receiver.backend.ofKind(message.KindUserMessage), 1)
	assert.Len(t, receiver.events.OfType(events.ReceiptCreated), 2)
}

// pullingPModes is the configuration of the MSH that pulls the messages of
// the "pull" P-Mode from its peer
func pullingPModes() *pmode.Manager {
	m := testPModes()
	pull := *m.Get("pull")
	l := pull.Legs[0]
	l.Protocol = &pmode.Protocol{Address: "https://sender.example/msh"}
	pull.Legs = []pmode.Leg{l}
	m.Add(&pull)
	return m
}

func TestPullExchange(t *testing.T) {
	ctx := context.Background()
	holder := newEnv(t, nil)
	puller := newEnvWith(t, &loopback{peer: holder.msh}, pullingPModes())

	sent, err := holder.msh.Submit(ctx, message.NewUserMessage(message.WithPMode("pull")).
		AddPayload("cid:order", "application/xml").Build())
	require.NoError(t, err)
	require.Equal(t, message.StateAwaitingPull, sent.CurrentState())

	n, err := puller.msh.puller.PullPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	delivered := puller.backend.ofKind(message.KindUserMessage)
	require.Len(t, delivered, 1)
	assert.Equal(t, sent.MessageID, delivered[0].MessageID)
	assert.Equal(t, message.StateAwaitingReceipt, holder.state(t, sent))

	// the receipt goes back by callback
	receipts, err := puller.store.Find(ctx, storage.Filter{
		Kind:      message.KindReceipt,
		Direction: message.DirectionOut,
	})
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	assert.Equal(t, message.StateReadyToPush, receipts[0].CurrentState())
	assert.Equal(t, sent.MessageID, receipts[0].RefToMessageID)

	n, err = puller.msh.sender.SendPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, message.StateDone, puller.state(t, receipts[0]))
	assert.Equal(t, message.StateDelivered, holder.state(t, sent))

	// the MPC is empty now
	n, err = puller.msh.puller.PullPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, puller.backend.ofKind(message.KindUserMessage), 1)
	assert.Empty(t, puller.events.OfType(events.ErrorReceived))
}

func TestReceiptNotificationFailure(t *testing.T) {
	ctx := context.Background()
	pmodes := testPModes()
	notified := leg("notified")
	notified.Receipt = &pmode.ReceiptConfiguration{NotifyReceipt: true}
	pmodes.Add(&pmode.ProcessingMode{ID: "notified", MEPBinding: pmode.MEPBindingPush, Legs: []pmode.Leg{notified}})
	e := newEnvWith(t, nil, pmodes)

	sent, err := e.msh.Submit(ctx, message.NewUserMessage(message.WithPMode("notified")).Build())
	require.NoError(t, err)
	res := e.store.TrySetState(ctx, sent, message.StateReadyToPush, message.StateAwaitingReceipt, "test")
	require.True(t, res.OK())

	e.backend.err = errors.New("backend down")
	rcpt := message.NewReceipt(sent.MessageID, message.ReceiptReceptionAwareness, message.WithDirection(message.DirectionIn)).Build()
	corr, err := e.msh.ReceiveReceipt(ctx, rcpt)
	require.NoError(t, err)

	assert.Equal(t, message.StateDelivered, e.state(t, sent))
	require.NotNil(t, corr.Receipt)
	assert.Equal(t, message.StateFailure, corr.Receipt.CurrentState())
	assert.Equal(t, message.StateFailure, e.state(t, corr.Receipt))
	assert.Len(t, e.backend.ofKind(message.KindReceipt), 1)
}
