// Package message provides the message unit model and ebMS3 constants.
package message

import (
	"time"
)

// Namespace constants for ebMS3 signal content
const (
	NsSOAPEnv = "http://www.w3.org/2003/05/soap-envelope"
	NsEbMS    = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/"
	NsEbbp    = "http://docs.oasis-open.org/ebxml-bp/ebbp-signals-2.0"
	NsDS      = "http://www.w3.org/2000/09/xmldsig#"
)

// DefaultMPC is the default message partition channel
const DefaultMPC = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/defaultMPC"

// DefaultRole is used when no party role is given
const DefaultRole = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/defaultRole"

// MessageUnit is a persisted ebMS3 message unit with its processing history.
//
// Values returned by the storage coordinator are snapshots. Code that needs
// a changed unit must go through the coordinator and use the returned value.
type MessageUnit struct {
	CoreID         string    `json:"coreId" bson:"_id"`
	Kind           Kind      `json:"kind" bson:"kind"`
	MessageID      string    `json:"messageId" bson:"message_id"`
	RefToMessageID string    `json:"refToMessageId,omitempty" bson:"ref_to_message_id,omitempty"`
	Direction      Direction `json:"direction" bson:"direction"`
	Timestamp      time.Time `json:"timestamp" bson:"timestamp"`
	PModeID        string    `json:"pmodeId,omitempty" bson:"pmode_id,omitempty"`
	Leg            string    `json:"leg,omitempty" bson:"leg,omitempty"`
	MPC            string    `json:"mpc,omitempty" bson:"mpc,omitempty"`

	States []StateEntry `json:"states" bson:"states"`

	User      *UserMessageInfo `json:"userMessage,omitempty" bson:"user_message,omitempty"`
	Receipt   *ReceiptInfo     `json:"receipt,omitempty" bson:"receipt,omitempty"`
	Errors    []EbmsError      `json:"errors,omitempty" bson:"errors,omitempty"`
	SOAPFault bool             `json:"soapFault,omitempty" bson:"soap_fault,omitempty"`

	// FullyLoaded is false when detail data (payload references, properties,
	// receipt content and error details) was left out by a query
	FullyLoaded bool `json:"-" bson:"-"`
}

// UserMessageInfo holds the business header of a user message
type UserMessageInfo struct {
	From          PartyInfo         `json:"from" bson:"from"`
	To            PartyInfo         `json:"to" bson:"to"`
	Collaboration CollaborationInfo `json:"collaboration" bson:"collaboration"`
	Properties    []Property        `json:"properties,omitempty" bson:"properties,omitempty"`
	Payloads      []PayloadRef      `json:"payloads,omitempty" bson:"payloads,omitempty"`
}

// PartyInfo identifies a trading partner
type PartyInfo struct {
	PartyIDs []PartyID `json:"partyIds" bson:"party_ids"`
	Role     string    `json:"role,omitempty" bson:"role,omitempty"`
}

// PartyID is a party identifier with optional type
type PartyID struct {
	Value string `json:"value" bson:"value"`
	Type  string `json:"type,omitempty" bson:"type,omitempty"`
}

// CollaborationInfo holds the business collaboration of a user message
type CollaborationInfo struct {
	AgreementRef   string  `json:"agreementRef,omitempty" bson:"agreement_ref,omitempty"`
	Service        Service `json:"service" bson:"service"`
	Action         string  `json:"action" bson:"action"`
	ConversationID string  `json:"conversationId,omitempty" bson:"conversation_id,omitempty"`
}

// Service represents a service
type Service struct {
	Value string `json:"value" bson:"value"`
	Type  string `json:"type,omitempty" bson:"type,omitempty"`
}

// Property represents a message or part property
type Property struct {
	Name  string `json:"name" bson:"name"`
	Value string `json:"value" bson:"value"`
	Type  string `json:"type,omitempty" bson:"type,omitempty"`
}

// PayloadRef references a payload of a user message. The payload content
// itself is owned by the back-end and not kept by the MSH core.
type PayloadRef struct {
	// URI is the reference as used in the message header (e.g. "cid:part1@example.com")
	URI        string     `json:"uri" bson:"uri"`
	MimeType   string     `json:"mimeType,omitempty" bson:"mime_type,omitempty"`
	Location   string     `json:"location,omitempty" bson:"location,omitempty"`
	Properties []Property `json:"properties,omitempty" bson:"properties,omitempty"`
}

// ReceiptType indicates how a receipt acknowledges a user message
type ReceiptType string

const (
	// ReceiptNonRepudiation contains the signature references of the
	// acknowledged message
	ReceiptNonRepudiation ReceiptType = "NRR"
	// ReceiptReceptionAwareness contains a copy of the header of the
	// acknowledged message
	ReceiptReceptionAwareness ReceiptType = "RAR"
)

// ReceiptInfo holds the content of a receipt signal. Each content element is
// a serialised XML fragment.
type ReceiptInfo struct {
	Type    ReceiptType `json:"type" bson:"type"`
	Content []string    `json:"content,omitempty" bson:"content,omitempty"`
}

// CurrentState returns the state with the highest sequence number, or
// StateAny when the unit has no history
func (u *MessageUnit) CurrentState() ProcessingState {
	if e := u.currentEntry(); e != nil {
		return e.State
	}
	return StateAny
}

// CurrentEntry returns a copy of the latest state history entry
func (u *MessageUnit) CurrentEntry() (StateEntry, bool) {
	if e := u.currentEntry(); e != nil {
		return *e, true
	}
	return StateEntry{}, false
}

// LastStateChange returns the start time of the current state
func (u *MessageUnit) LastStateChange() time.Time {
	if e := u.currentEntry(); e != nil {
		return e.Start
	}
	return time.Time{}
}

func (u *MessageUnit) currentEntry() *StateEntry {
	var cur *StateEntry
	for i := range u.States {
		if cur == nil || u.States[i].Seq > cur.Seq {
			cur = &u.States[i]
		}
	}
	return cur
}

// NextSeq returns the sequence number for the next state entry
func (u *MessageUnit) NextSeq() int64 {
	if e := u.currentEntry(); e != nil {
		return e.Seq + 1
	}
	return 0
}

// CountState returns how often the unit entered the given state
func (u *MessageUnit) CountState(state ProcessingState) int {
	n := 0
	for _, e := range u.States {
		if e.State == state {
			n++
		}
	}
	return n
}

// Clone returns a deep copy of the unit
func (u *MessageUnit) Clone() *MessageUnit {
	if u == nil {
		return nil
	}
	c := *u
	c.States = append([]StateEntry(nil), u.States...)
	if u.User != nil {
		um := *u.User
		um.From.PartyIDs = append([]PartyID(nil), u.User.From.PartyIDs...)
		um.To.PartyIDs = append([]PartyID(nil), u.User.To.PartyIDs...)
		um.Properties = append([]Property(nil), u.User.Properties...)
		if u.User.Payloads != nil {
			um.Payloads = make([]PayloadRef, len(u.User.Payloads))
			for i, p := range u.User.Payloads {
				p.Properties = append([]Property(nil), p.Properties...)
				um.Payloads[i] = p
			}
		}
		c.User = &um
	}
	if u.Receipt != nil {
		r := *u.Receipt
		r.Content = append([]string(nil), u.Receipt.Content...)
		c.Receipt = &r
	}
	c.Errors = append([]EbmsError(nil), u.Errors...)
	return &c
}

// Summary returns a copy of the unit without detail data. Providers use it
// for query results; the detail can be loaded later on demand.
func (u *MessageUnit) Summary() *MessageUnit {
	c := u.Clone()
	if c.User != nil {
		c.User.Properties = nil
		c.User.Payloads = nil
	}
	if c.Receipt != nil {
		c.Receipt.Content = nil
	}
	for i := range c.Errors {
		c.Errors[i].Description = ""
		c.Errors[i].ErrorDetail = ""
	}
	c.FullyLoaded = false
	return c
}

// HasPayloads reports whether the user message references any payloads
func (u *MessageUnit) HasPayloads() bool {
	return u.User != nil && len(u.User.Payloads) > 0
}

// PayloadByURI returns the payload reference with the given URI. Both the
// "cid:" form and the bare content id are accepted.
func (u *MessageUnit) PayloadByURI(uri string) *PayloadRef {
	if u.User == nil {
		return nil
	}
	for i := range u.User.Payloads {
		if MatchContentID(u.User.Payloads[i].URI, uri) {
			return &u.User.Payloads[i]
		}
	}
	return nil
}

// GetPropertyValue returns the value of the named message property
func (u *MessageUnit) GetPropertyValue(name string) string {
	if u.User == nil {
		return ""
	}
	for _, p := range u.User.Properties {
		if p.Name == name {
			return p.Value
		}
	}
	return ""
}
