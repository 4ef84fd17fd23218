package storage

import (
	"context"
	"errors"

	"github.com/sirosfoundation/go-msh/pkg/message"
)

var (
	// ErrNotFound is returned when a message unit does not exist
	ErrNotFound = errors.New("message unit not found")
	// ErrConflict is returned by TrySetState when the current state of the
	// unit differs from the expected state
	ErrConflict = errors.New("message unit state changed concurrently")
	// ErrAlreadyExists is returned when storing a unit with a used CoreID
	ErrAlreadyExists = errors.New("message unit already exists")
)

// Capabilities describes optional guarantees of a provider
type Capabilities struct {
	// AtomicStateUpdate is true when TrySetState checks the expected state
	// and appends the new entry in one atomic operation. Without it the
	// coordinator serialises state updates per message unit itself.
	AtomicStateUpdate bool
}

// Provider persists message units. Implementations register themselves
// with Register and are selected by name in the configuration.
//
// Units returned by a provider are owned by the caller.
type Provider interface {
	// Name returns the registered name of the provider
	Name() string

	// Capabilities reports the guarantees of the provider
	Capabilities() Capabilities

	// Store saves a new unit including its initial state history
	Store(ctx context.Context, unit *message.MessageUnit) error

	// TrySetState appends entry to the state history of the unit if its
	// current state equals expected, or unconditionally when expected is
	// message.StateAny. The provider assigns the sequence number. It
	// returns the updated unit, or the unchanged current unit together with
	// ErrConflict.
	TrySetState(ctx context.Context, coreID string, expected message.ProcessingState, entry message.StateEntry) (*message.MessageUnit, error)

	// Delete removes a unit and its history
	Delete(ctx context.Context, coreID string) error

	// Get loads a unit with all details
	Get(ctx context.Context, coreID string) (*message.MessageUnit, error)

	// Find returns the units matching the filter, ordered by timestamp.
	// Results may omit detail data, see message.MessageUnit.FullyLoaded.
	Find(ctx context.Context, filter Filter) ([]*message.MessageUnit, error)

	// CountTransmissions returns the number of SENDING entries in the
	// histories of all outbound units with the given MessageId
	CountTransmissions(ctx context.Context, messageID string) (int, error)

	// Ping verifies the storage is reachable
	Ping(ctx context.Context) error

	// Close releases the resources of the provider
	Close(ctx context.Context) error
}

// Filter selects message units. Zero-valued fields do not restrict the
// result. States matches against the current state.
type Filter struct {
	Kind           message.Kind
	Direction      message.Direction
	States         []message.ProcessingState
	MessageID      string
	RefToMessageID string
	PModeIDs       []string
	Limit          int
}

// Matches reports whether u satisfies the filter
func (f Filter) Matches(u *message.MessageUnit) bool {
	if f.Kind != "" && u.Kind != f.Kind {
		return false
	}
	if f.Direction != "" && u.Direction != f.Direction {
		return false
	}
	if f.MessageID != "" && u.MessageID != f.MessageID {
		return false
	}
	if f.RefToMessageID != "" && u.RefToMessageID != f.RefToMessageID {
		return false
	}
	if len(f.PModeIDs) > 0 && !contains(f.PModeIDs, u.PModeID) {
		return false
	}
	if len(f.States) > 0 {
		cur := u.CurrentState()
		found := false
		for _, s := range f.States {
			if s == cur {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// StateNames returns the states of the filter as strings
func (f Filter) StateNames() []string {
	names := make([]string, len(f.States))
	for i, s := range f.States {
		names[i] = string(s)
	}
	return names
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
