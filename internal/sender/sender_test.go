package sender

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-msh/pkg/message"
	"github.com/sirosfoundation/go-msh/pkg/pmode"
	"github.com/sirosfoundation/go-msh/pkg/storage"
	"github.com/sirosfoundation/go-msh/pkg/storage/memory"
)

type fakeTransport struct {
	mu      sync.Mutex
	sent    []string
	err     error
	signals []*message.MessageUnit
}

func (f *fakeTransport) Transmit(ctx context.Context, unit *message.MessageUnit) ([]*message.MessageUnit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, unit.MessageID)
	return f.signals, f.err
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func testPModes() *pmode.Manager {
	return pmode.NewManager(
		&pmode.ProcessingMode{ID: "reliable", Legs: []pmode.Leg{{
			ReceptionAwareness: &pmode.ReceptionAwareness{WaitIntervals: []pmode.Interval{pmode.Seconds(10)}},
		}}},
		&pmode.ProcessingMode{ID: "plain", Legs: []pmode.Leg{{}}},
	)
}

func store(t *testing.T, c *storage.Coordinator, u *message.MessageUnit, state message.ProcessingState) *message.MessageUnit {
	t.Helper()
	stored, err := c.Store(context.Background(), u, state, "")
	require.NoError(t, err)
	return stored
}

func stateOf(t *testing.T, c *storage.Coordinator, u *message.MessageUnit) message.ProcessingState {
	t.Helper()
	got, err := c.Get(context.Background(), u.CoreID)
	require.NoError(t, err)
	return got.CurrentState()
}

func TestSendPending(t *testing.T) {
	ctx := context.Background()
	c := storage.NewCoordinator(memory.New())
	tr := &fakeTransport{}
	s := NewSender(c, tr, testPModes(), nil, nil, nil, nil)

	reliable := store(t, c, message.NewUserMessage(message.WithPMode("reliable")).Build(), message.StateReadyToPush)
	plain := store(t, c, message.NewUserMessage(message.WithPMode("plain")).Build(), message.StateReadyToPush)
	receipt := store(t, c, message.NewReceipt("x", message.ReceiptReceptionAwareness).Build(), message.StateReadyToPush)
	waiting := store(t, c, message.NewUserMessage(message.WithPMode("plain")).Build(), message.StateAwaitingPull)

	n, err := s.SendPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, tr.count())

	assert.Equal(t, message.StateAwaitingReceipt, stateOf(t, c, reliable))
	assert.Equal(t, message.StateDelivered, stateOf(t, c, plain))
	assert.Equal(t, message.StateDone, stateOf(t, c, receipt))
	assert.Equal(t, message.StateAwaitingPull, stateOf(t, c, waiting))

	// one SENDING entry per transmission
	count, err := c.CountTransmissions(ctx, reliable.MessageID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSendFailure(t *testing.T) {
	c := storage.NewCoordinator(memory.New())
	tr := &fakeTransport{err: errors.New("connection refused")}
	s := NewSender(c, tr, testPModes(), nil, nil, nil, nil)

	um := store(t, c, message.NewUserMessage(message.WithPMode("reliable")).Build(), message.StateReadyToPush)
	sig := store(t, c, message.NewErrorMessage(nil).Build(), message.StateReadyToPush)

	n, err := s.SendPending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, message.StateTransportFailure, stateOf(t, c, um))
	assert.Equal(t, message.StateFailure, stateOf(t, c, sig))
}

func TestResponseSignalsArePassedOn(t *testing.T) {
	c := storage.NewCoordinator(memory.New())
	um := store(t, c, message.NewUserMessage(message.WithPMode("reliable")).Build(), message.StateReadyToPush)
	tr := &fakeTransport{signals: []*message.MessageUnit{
		message.NewReceipt(um.MessageID, message.ReceiptReceptionAwareness).Build(),
	}}

	var got []*message.MessageUnit
	s := NewSender(c, tr, testPModes(), func(ctx context.Context, signals []*message.MessageUnit) {
		got = append(got, signals...)
	}, nil, nil, nil)

	_, err := s.SendPending(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, um.MessageID, got[0].RefToMessageID)
}

func TestClaimedUnitIsSkipped(t *testing.T) {
	ctx := context.Background()
	c := storage.NewCoordinator(memory.New())
	tr := &fakeTransport{}
	s := NewSender(c, tr, testPModes(), nil, nil, nil, nil)

	um := store(t, c, message.NewUserMessage(message.WithPMode("plain")).Build(), message.StateReadyToPush)
	// another sender claims it between query and claim
	res := c.TrySetState(ctx, um, message.StateReadyToPush, message.StateSending, "")
	require.Equal(t, storage.Applied, res.Outcome)

	assert.False(t, s.send(ctx, um))
	assert.Zero(t, tr.count())
}

func TestStartStop(t *testing.T) {
	c := storage.NewCoordinator(memory.New())
	tr := &fakeTransport{}
	s := NewSender(c, tr, testPModes(), nil, &Config{PollInterval: 10 * time.Millisecond}, nil, nil)
	store(t, c, message.NewUserMessage(message.WithPMode("plain")).Build(), message.StateReadyToPush)

	s.Start(context.Background())
	assert.Eventually(t, func() bool { return tr.count() == 1 }, time.Second, 5*time.Millisecond)
	s.Stop()
}

func TestSentState(t *testing.T) {
	leg := testPModes().Get("reliable").Leg("")
	assert.Equal(t, message.StateAwaitingReceipt, SentState(message.NewUserMessage().Build(), leg))
	assert.Equal(t, message.StateDelivered, SentState(message.NewUserMessage().Build(), nil))
	assert.Equal(t, message.StateDone, SentState(message.NewPullRequest("").Build(), leg))
}
