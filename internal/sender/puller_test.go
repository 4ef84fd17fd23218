package sender

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-msh/pkg/message"
	"github.com/sirosfoundation/go-msh/pkg/pmode"
	"github.com/sirosfoundation/go-msh/pkg/storage"
	"github.com/sirosfoundation/go-msh/pkg/storage/memory"
)

// partition answers pull requests from a queue of user messages and
// returns the empty partition warning when nothing waits on the MPC
type partition struct {
	mu       sync.Mutex
	waiting  []*message.MessageUnit
	requests []*message.MessageUnit
	err      error
}

func (p *partition) Transmit(_ context.Context, unit *message.MessageUnit) ([]*message.MessageUnit, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, unit)
	if p.err != nil {
		return nil, p.err
	}
	for i, u := range p.waiting {
		if u.MPC == unit.MPC {
			p.waiting = append(p.waiting[:i], p.waiting[i+1:]...)
			return []*message.MessageUnit{u}, nil
		}
	}
	warning := message.ErrEmptyMessagePartition.New(unit.MessageID, "")
	return []*message.MessageUnit{message.NewErrorMessage([]message.EbmsError{warning},
		message.WithRefToMessageID(unit.MessageID)).Build()}, nil
}

type collected struct {
	mu    sync.Mutex
	units []*message.MessageUnit
}

func (c *collected) handle(_ context.Context, signals []*message.MessageUnit) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.units = append(c.units, signals...)
}

func pullPModes() *pmode.Manager {
	pulled := func(id, mpc, address string) *pmode.ProcessingMode {
		l := pmode.Leg{UserMessageFlow: &pmode.UserMessageFlow{
			BusinessInfo: &pmode.BusinessInfo{Service: "urn:example:orders", Action: id, MPC: mpc},
		}}
		if address != "" {
			l.Protocol = &pmode.Protocol{Address: address}
		}
		return &pmode.ProcessingMode{ID: id, MEPBinding: pmode.MEPBindingPull, Legs: []pmode.Leg{l}}
	}
	return pmode.NewManager(
		pulled("orders", "urn:example:mpc:orders", "https://peer.example/msh"),
		pulled("orders-copy", "urn:example:mpc:orders", "https://peer.example/msh"),
		pulled("invoices", "urn:example:mpc:invoices", "https://other.example/msh"),
		// messages waiting here for the peer
		pulled("outgoing", "urn:example:mpc:outgoing", ""),
		&pmode.ProcessingMode{ID: "push", MEPBinding: pmode.MEPBindingPush, Legs: []pmode.Leg{{
			Protocol: &pmode.Protocol{Address: "https://peer.example/msh"},
		}}},
	)
}

func TestPullerTargets(t *testing.T) {
	p := NewPuller(storage.NewCoordinator(memory.New()), &partition{}, pullPModes(), nil, nil, nil, nil)
	assert.Equal(t, []PullTarget{
		{PModeID: "invoices", MPC: "urn:example:mpc:invoices"},
		{PModeID: "orders", MPC: "urn:example:mpc:orders"},
	}, p.Targets())
}

func TestPullPending(t *testing.T) {
	ctx := context.Background()
	c := storage.NewCoordinator(memory.New())
	tr := &partition{waiting: []*message.MessageUnit{
		message.NewUserMessage(message.WithMPC("urn:example:mpc:orders")).Build(),
		message.NewUserMessage(message.WithMPC("urn:example:mpc:orders")).Build(),
	}}
	got := &collected{}
	p := NewPuller(c, tr, pullPModes(), got.handle, nil, nil, nil)

	n, err := p.PullPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// the empty partition warnings are not passed on
	require.Len(t, got.units, 2)
	for _, u := range got.units {
		assert.Equal(t, message.KindUserMessage, u.Kind)
	}

	// two user messages and a warning on orders, one warning on invoices
	require.Len(t, tr.requests, 4)
	assert.Equal(t, "urn:example:mpc:invoices", tr.requests[0].MPC)
	assert.Equal(t, "invoices", tr.requests[0].PModeID)
	assert.Equal(t, "urn:example:mpc:orders", tr.requests[1].MPC)

	requests, err := c.Find(ctx, storage.Filter{Kind: message.KindPullRequest, Direction: message.DirectionOut})
	require.NoError(t, err)
	require.Len(t, requests, 4)
	for _, r := range requests {
		assert.Equal(t, message.StateDone, r.CurrentState())
	}
}

func TestPullBatchLimit(t *testing.T) {
	tr := &partition{}
	for i := 0; i < 3; i++ {
		tr.waiting = append(tr.waiting, message.NewUserMessage(message.WithMPC("urn:example:mpc:orders")).Build())
	}
	pm := pmode.NewManager(pullPModes().Get("orders"))
	p := NewPuller(storage.NewCoordinator(memory.New()), tr, pm, nil, &Config{BatchSize: 2}, nil, nil)

	n, err := p.PullPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, tr.waiting, 1)
}

func TestPullFailure(t *testing.T) {
	ctx := context.Background()
	c := storage.NewCoordinator(memory.New())
	tr := &partition{err: errors.New("connection refused")}
	got := &collected{}
	p := NewPuller(c, tr, pmode.NewManager(pullPModes().Get("orders")), got.handle, nil, nil, nil)

	n, err := p.PullPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, got.units)

	requests, err := c.Find(ctx, storage.Filter{Kind: message.KindPullRequest})
	require.NoError(t, err)
	require.Len(t, requests, 1)
	assert.Equal(t, message.StateFailure, requests[0].CurrentState())
}

func TestIsEmptyPartition(t *testing.T) {
	empty := message.NewErrorMessage([]message.EbmsError{message.ErrEmptyMessagePartition.New("", "")}).Build()
	assert.True(t, isEmptyPartition(empty))

	mixed := message.NewErrorMessage([]message.EbmsError{
		message.ErrEmptyMessagePartition.New("", ""),
		message.ErrOther.New("", "boom"),
	}).Build()
	assert.False(t, isEmptyPartition(mixed))
	assert.False(t, isEmptyPartition(message.NewUserMessage().Build()))
}
