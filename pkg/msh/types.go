package msh

import (
	"context"
	"fmt"

	"github.com/sirosfoundation/go-msh/pkg/message"
	"github.com/sirosfoundation/go-msh/pkg/receipt"
)

// Deliverer passes received message units to the business application.
// The MSH does not retry a failed delivery.
type Deliverer interface {
	Deliver(ctx context.Context, unit *message.MessageUnit) error
}

// DelivererFunc adapts a function to the Deliverer interface
type DelivererFunc func(ctx context.Context, unit *message.MessageUnit) error

// Deliver calls f(ctx, unit)
func (f DelivererFunc) Deliver(ctx context.Context, unit *message.MessageUnit) error {
	return f(ctx, unit)
}

// Transport transmits a message unit to the peer and returns the signals
// the peer included in its response
type Transport interface {
	Transmit(ctx context.Context, unit *message.MessageUnit) ([]*message.MessageUnit, error)
}

// DeliveryError is reported when the business application did not accept a
// received user message
type DeliveryError struct {
	MessageID string
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery of %s failed: %v", e.MessageID, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// InboundOptions carries what the protocol layer learned about a received
// user message before it reaches the MSH core
type InboundOptions struct {
	// SignedParts are the references of the verified signature
	SignedParts []receipt.SignedPart
	// EliminateDuplicates requests duplicate detection regardless of the
	// P-Mode
	EliminateDuplicates bool
}

// Reception is the outcome of processing a received user message
type Reception struct {
	// Unit is the received user message in its latest state
	Unit *message.MessageUnit
	// Duplicate is set when the message was processed before
	Duplicate bool
	// Delivered is set when the message was passed to the back-end by
	// this reception
	Delivered bool
	// Receipt is the created receipt, nil when none was created
	Receipt *message.MessageUnit
	// Error is the created error signal, nil when processing succeeded
	Error *message.MessageUnit
	// Response holds the signal to return on the current exchange
	Response *message.MessageUnit
	// DeliveryErr is set when the back-end rejected the message
	DeliveryErr *DeliveryError
}
