package message

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Builder constructs new message units. The built unit has no state
// history; the storage coordinator adds the initial state when storing it.
type Builder struct {
	unit *MessageUnit
}

// Option represents a functional option for Builder
type Option func(*Builder)

func newBuilder(kind Kind, opts []Option) *Builder {
	b := &Builder{
		unit: &MessageUnit{
			CoreID:      uuid.NewString(),
			Kind:        kind,
			MessageID:   GenerateMessageID(),
			Direction:   DirectionOut,
			Timestamp:   time.Now().UTC(),
			FullyLoaded: true,
		},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// NewUserMessage starts building a user message
func NewUserMessage(opts ...Option) *Builder {
	b := newBuilder(KindUserMessage, nil)
	b.unit.User = &UserMessageInfo{
		Collaboration: CollaborationInfo{ConversationID: uuid.NewString()},
	}
	b.unit.MPC = DefaultMPC
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// NewReceipt starts building a receipt for the given message
func NewReceipt(refToMessageID string, receiptType ReceiptType, opts ...Option) *Builder {
	b := newBuilder(KindReceipt, opts)
	b.unit.RefToMessageID = refToMessageID
	b.unit.Receipt = &ReceiptInfo{Type: receiptType}
	return b
}

// NewErrorMessage starts building an error signal. The signal refers to the
// message in error of the first error.
func NewErrorMessage(errs []EbmsError, opts ...Option) *Builder {
	b := newBuilder(KindError, opts)
	b.unit.Errors = append([]EbmsError(nil), errs...)
	if len(errs) > 0 && b.unit.RefToMessageID == "" {
		b.unit.RefToMessageID = errs[0].RefToMessageInError
	}
	return b
}

// NewPullRequest starts building a pull request for the given MPC
func NewPullRequest(mpc string, opts ...Option) *Builder {
	b := newBuilder(KindPullRequest, opts)
	if mpc == "" {
		mpc = DefaultMPC
	}
	b.unit.MPC = mpc
	return b
}

// WithCoreID overrides the generated CoreID
func WithCoreID(id string) Option {
	return func(b *Builder) {
		b.unit.CoreID = id
	}
}

// WithMessageID sets the ebMS MessageId
func WithMessageID(id string) Option {
	return func(b *Builder) {
		b.unit.MessageID = id
	}
}

// WithRefToMessageID sets the RefToMessageId
func WithRefToMessageID(id string) Option {
	return func(b *Builder) {
		b.unit.RefToMessageID = id
	}
}

// WithDirection sets the direction
func WithDirection(d Direction) Option {
	return func(b *Builder) {
		b.unit.Direction = d
	}
}

// WithTimestamp sets the message timestamp
func WithTimestamp(ts time.Time) Option {
	return func(b *Builder) {
		b.unit.Timestamp = ts.UTC()
	}
}

// WithPMode sets the governing P-Mode and leg
func WithPMode(pmodeID string) Option {
	return func(b *Builder) {
		b.unit.PModeID = pmodeID
	}
}

// WithLeg sets the leg label
func WithLeg(label string) Option {
	return func(b *Builder) {
		b.unit.Leg = label
	}
}

// WithMPC sets the message partition channel
func WithMPC(mpc string) Option {
	return func(b *Builder) {
		b.unit.MPC = mpc
	}
}

// WithFrom sets the sender party information
func WithFrom(partyID, partyType string) Option {
	return func(b *Builder) {
		if b.unit.User == nil {
			return
		}
		b.unit.User.From = PartyInfo{PartyIDs: []PartyID{{Value: partyID, Type: partyType}}, Role: DefaultRole}
	}
}

// WithTo sets the receiver party information
func WithTo(partyID, partyType string) Option {
	return func(b *Builder) {
		if b.unit.User == nil {
			return
		}
		b.unit.User.To = PartyInfo{PartyIDs: []PartyID{{Value: partyID, Type: partyType}}, Role: DefaultRole}
	}
}

// WithService sets the service
func WithService(service string) Option {
	return func(b *Builder) {
		if b.unit.User != nil {
			b.unit.User.Collaboration.Service = Service{Value: service}
		}
	}
}

// WithAction sets the action
func WithAction(action string) Option {
	return func(b *Builder) {
		if b.unit.User != nil {
			b.unit.User.Collaboration.Action = action
		}
	}
}

// WithConversationID sets the conversation id
func WithConversationID(id string) Option {
	return func(b *Builder) {
		if b.unit.User != nil {
			b.unit.User.Collaboration.ConversationID = id
		}
	}
}

// WithMessageProperty adds a message property
func WithMessageProperty(name, value string) Option {
	return func(b *Builder) {
		if b.unit.User != nil {
			b.unit.User.Properties = append(b.unit.User.Properties, Property{Name: name, Value: value})
		}
	}
}

// WithSOAPFault marks an error signal as carried in a SOAP fault
func WithSOAPFault() Option {
	return func(b *Builder) {
		b.unit.SOAPFault = true
	}
}

// AddPayload adds a payload reference to the user message
func (b *Builder) AddPayload(uri, mimeType string) *Builder {
	if b.unit.User == nil {
		return b
	}
	if uri == "" {
		uri = "cid:" + GenerateMessageID()
	}
	b.unit.User.Payloads = append(b.unit.User.Payloads, PayloadRef{URI: uri, MimeType: mimeType})
	return b
}

// AddReceiptContent appends a serialised content element to a receipt
func (b *Builder) AddReceiptContent(xml string) *Builder {
	if b.unit.Receipt != nil {
		b.unit.Receipt.Content = append(b.unit.Receipt.Content, xml)
	}
	return b
}

// Build returns the constructed unit
func (b *Builder) Build() *MessageUnit {
	return b.unit.Clone()
}

// Validate checks that required header fields of a user message are set
func Validate(u *MessageUnit) error {
	if u.MessageID == "" {
		return fmt.Errorf("message id is required")
	}
	if u.Kind != KindUserMessage {
		return nil
	}
	if u.User == nil {
		return fmt.Errorf("user message info is required")
	}
	if len(u.User.From.PartyIDs) == 0 {
		return fmt.Errorf("sender party ID is required")
	}
	if len(u.User.To.PartyIDs) == 0 {
		return fmt.Errorf("receiver party ID is required")
	}
	if u.User.Collaboration.Service.Value == "" {
		return fmt.Errorf("service is required")
	}
	if u.User.Collaboration.Action == "" {
		return fmt.Errorf("action is required")
	}
	return nil
}

// GenerateMessageID generates a unique message ID following RFC2822 format
func GenerateMessageID() string {
	return fmt.Sprintf("%s@go-msh", uuid.NewString())
}
