package message

import (
	"time"
)

// ProcessingState is the name of a processing state of a message unit
type ProcessingState string

// StateAny is used as the expected state when a transition should be applied
// regardless of the current state
const StateAny ProcessingState = ""

const (
	// StateCreated is the initial state of a submitted or generated unit
	StateCreated ProcessingState = "CREATED"
	// StateReceived is the initial state of a unit received from a peer
	StateReceived ProcessingState = "RECEIVED"
	// StateReadyToPush indicates the unit can be pushed to the peer
	StateReadyToPush ProcessingState = "READY_TO_PUSH"
	// StateAwaitingPull indicates the unit waits for a pull request
	StateAwaitingPull ProcessingState = "AWAITING_PULL"
	// StateSending indicates a transmission attempt is in progress
	StateSending ProcessingState = "SENDING"
	// StateTransportFailure indicates the last transmission attempt failed
	StateTransportFailure ProcessingState = "TRANSPORT_FAILURE"
	// StateAwaitingReceipt indicates the unit was sent and a receipt is expected
	StateAwaitingReceipt ProcessingState = "AWAITING_RECEIPT"
	// StateWarning indicates the peer responded with a warning
	StateWarning ProcessingState = "WARNING"
	// StateProcessing indicates an inbound unit is being processed
	StateProcessing ProcessingState = "PROCESSING"
	// StateReadyForDelivery indicates an inbound unit passed all checks
	StateReadyForDelivery ProcessingState = "READY_FOR_DELIVERY"
	// StateOutForDelivery indicates the back-end delivery is in progress
	StateOutForDelivery ProcessingState = "OUT_FOR_DELIVERY"
	// StateDelivered is the final state of a successfully processed unit
	StateDelivered ProcessingState = "DELIVERED"
	// StateDone is the final state of a processed signal
	StateDone ProcessingState = "DONE"
	// StateDuplicate marks an inbound unit as a duplicate of a processed one
	StateDuplicate ProcessingState = "DUPLICATE"
	// StateSuspended indicates processing stopped because configuration is missing
	StateSuspended ProcessingState = "SUSPENDED"
	// StateFailure is the final state of a unit that could not be processed
	StateFailure ProcessingState = "FAILURE"
)

// AllStates lists every known processing state
var AllStates = []ProcessingState{
	StateCreated, StateReceived, StateReadyToPush, StateAwaitingPull, StateSending,
	StateTransportFailure, StateAwaitingReceipt, StateWarning, StateProcessing,
	StateReadyForDelivery, StateOutForDelivery, StateDelivered, StateDone,
	StateDuplicate, StateSuspended, StateFailure,
}

// IsValid reports whether s is a known processing state
func (s ProcessingState) IsValid() bool {
	for _, known := range AllStates {
		if s == known {
			return true
		}
	}
	return false
}

// IsFinal reports whether no further processing is expected in state s
func (s ProcessingState) IsFinal() bool {
	switch s {
	case StateDelivered, StateDone, StateFailure, StateDuplicate:
		return true
	}
	return false
}

func (s ProcessingState) String() string {
	return string(s)
}

// StateEntry is one entry of the processing state history
type StateEntry struct {
	Seq         int64           `json:"seq" bson:"seq"`
	State       ProcessingState `json:"state" bson:"state"`
	Start       time.Time       `json:"start" bson:"start"`
	Description string          `json:"description,omitempty" bson:"description,omitempty"`
}

// Direction indicates whether a unit was received or is sent
type Direction string

const (
	// DirectionIn is used for units received from a peer
	DirectionIn Direction = "IN"
	// DirectionOut is used for units sent to a peer
	DirectionOut Direction = "OUT"
)

// Kind identifies the type of a message unit
type Kind string

const (
	KindUserMessage Kind = "UserMessage"
	KindReceipt     Kind = "Receipt"
	KindError       Kind = "ErrorMessage"
	KindPullRequest Kind = "PullRequest"
)

// IsSignal reports whether k is one of the signal message kinds
func (k Kind) IsSignal() bool {
	return k == KindReceipt || k == KindError || k == KindPullRequest
}
