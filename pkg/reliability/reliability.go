package reliability

import (
	"context"

	"github.com/sirosfoundation/go-msh/pkg/message"
	"github.com/sirosfoundation/go-msh/pkg/pmode"
)

// Log channel names. Loggers for these channels are derived from the
// component logger so they can be routed separately by a handler.
const (
	FailureChannel   = "reliability.failure"
	DuplicateChannel = "duplicates"
)

// PModeSource looks up P-Modes by id. *pmode.Manager implements it.
type PModeSource interface {
	Get(id string) *pmode.ProcessingMode
}

// Deliverer passes message units to the business application
type Deliverer interface {
	Deliver(ctx context.Context, unit *message.MessageUnit) error
}

// legOf returns the P-Mode and leg that govern unit. Both are nil when the
// P-Mode is unknown.
func legOf(pmodes PModeSource, unit *message.MessageUnit) (*pmode.ProcessingMode, *pmode.Leg) {
	if pmodes == nil || unit.PModeID == "" {
		return nil, nil
	}
	pm := pmodes.Get(unit.PModeID)
	if pm == nil {
		return nil, nil
	}
	return pm, pm.Leg(unit.Leg)
}
