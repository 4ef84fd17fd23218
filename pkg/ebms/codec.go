// Package ebms renders message units as ebMS3 messaging headers and parses
// them back. Only the header is covered; MIME packaging and WS-Security are
// left to the transport binding.
package ebms

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/beevik/etree"

	"github.com/sirosfoundation/go-msh/pkg/message"
)

// ContentType is the media type of a rendered envelope
const ContentType = "application/soap+xml; charset=utf-8"

// ErrNoMessaging is returned when a document has no eb:Messaging header
var ErrNoMessaging = errors.New("no eb:Messaging header found")

// Envelope renders the units as a SOAP 1.2 envelope with one eb:Messaging
// header. A SOAP fault is added when an error signal asks for one.
func Envelope(units ...*message.MessageUnit) ([]byte, error) {
	if len(units) == 0 {
		return nil, errors.New("no message unit to render")
	}
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	env := doc.CreateElement("soap:Envelope")
	env.CreateAttr("xmlns:soap", message.NsSOAPEnv)
	env.CreateAttr("xmlns:eb", message.NsEbMS)

	header := env.CreateElement("soap:Header")
	messaging := header.CreateElement("eb:Messaging")
	messaging.CreateAttr("soap:mustUnderstand", "true")

	for _, unit := range units {
		if err := appendUnit(messaging, unit); err != nil {
			return nil, err
		}
	}

	body := env.CreateElement("soap:Body")
	for _, unit := range units {
		if unit.Kind == message.KindError && unit.SOAPFault {
			addFault(body, unit)
			break
		}
	}

	doc.Indent(2)
	return doc.WriteToBytes()
}

func appendUnit(messaging *etree.Element, unit *message.MessageUnit) error {
	switch unit.Kind {
	case message.KindUserMessage:
		messaging.AddChild(userMessageElement(unit, false))
		return nil
	case message.KindReceipt, message.KindError, message.KindPullRequest:
		return appendSignal(messaging, unit)
	}
	return fmt.Errorf("cannot render message unit of kind %q", unit.Kind)
}

// UserMessageHeader returns the eb:UserMessage element of unit as a
// standalone XML fragment
func UserMessageHeader(unit *message.MessageUnit) (string, error) {
	doc := etree.NewDocument()
	doc.SetRoot(userMessageElement(unit, true))
	return doc.WriteToString()
}

func userMessageElement(unit *message.MessageUnit, standalone bool) *etree.Element {
	um := etree.NewElement("eb:UserMessage")
	if standalone {
		um.CreateAttr("xmlns:eb", message.NsEbMS)
	}
	if unit.MPC != "" && unit.MPC != message.DefaultMPC {
		um.CreateAttr("mpc", unit.MPC)
	}
	addMessageInfo(um, unit)

	info := unit.User
	if info == nil {
		info = &message.UserMessageInfo{}
	}

	partyInfo := um.CreateElement("eb:PartyInfo")
	addParty(partyInfo.CreateElement("eb:From"), info.From)
	addParty(partyInfo.CreateElement("eb:To"), info.To)

	collab := um.CreateElement("eb:CollaborationInfo")
	if info.Collaboration.AgreementRef != "" || unit.PModeID != "" {
		ref := collab.CreateElement("eb:AgreementRef")
		ref.SetText(info.Collaboration.AgreementRef)
		if unit.PModeID != "" {
			ref.CreateAttr("pmode", unit.PModeID)
		}
	}
	svc := collab.CreateElement("eb:Service")
	if info.Collaboration.Service.Type != "" {
		svc.CreateAttr("type", info.Collaboration.Service.Type)
	}
	svc.SetText(info.Collaboration.Service.Value)
	collab.CreateElement("eb:Action").SetText(info.Collaboration.Action)
	collab.CreateElement("eb:ConversationId").SetText(info.Collaboration.ConversationID)

	if len(info.Properties) > 0 {
		addProperties(um.CreateElement("eb:MessageProperties"), info.Properties)
	}

	if len(info.Payloads) > 0 {
		payloadInfo := um.CreateElement("eb:PayloadInfo")
		for _, p := range info.Payloads {
			part := payloadInfo.CreateElement("eb:PartInfo")
			part.CreateAttr("href", p.URI)
			props := p.Properties
			if p.MimeType != "" {
				props = append([]message.Property{{Name: "MimeType", Value: p.MimeType}}, props...)
			}
			if len(props) > 0 {
				addProperties(part.CreateElement("eb:PartProperties"), props)
			}
		}
	}
	return um
}

func addMessageInfo(parent *etree.Element, unit *message.MessageUnit) {
	info := parent.CreateElement("eb:MessageInfo")
	ts := unit.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	info.CreateElement("eb:Timestamp").SetText(ts.UTC().Format(time.RFC3339Nano))
	info.CreateElement("eb:MessageId").SetText(unit.MessageID)
	if unit.RefToMessageID != "" {
		info.CreateElement("eb:RefToMessageId").SetText(unit.RefToMessageID)
	}
}

func addParty(parent *etree.Element, party message.PartyInfo) {
	for _, id := range party.PartyIDs {
		el := parent.CreateElement("eb:PartyId")
		if id.Type != "" {
			el.CreateAttr("type", id.Type)
		}
		el.SetText(id.Value)
	}
	role := party.Role
	if role == "" {
		role = message.DefaultRole
	}
	parent.CreateElement("eb:Role").SetText(role)
}

func addProperties(parent *etree.Element, props []message.Property) {
	for _, p := range props {
		el := parent.CreateElement("eb:Property")
		el.CreateAttr("name", p.Name)
		if p.Type != "" {
			el.CreateAttr("type", p.Type)
		}
		el.SetText(p.Value)
	}
}

func appendSignal(messaging *etree.Element, unit *message.MessageUnit) error {
	signal := messaging.CreateElement("eb:SignalMessage")
	addMessageInfo(signal, unit)

	switch unit.Kind {
	case message.KindPullRequest:
		pr := signal.CreateElement("eb:PullRequest")
		mpc := unit.MPC
		if mpc == "" {
			mpc = message.DefaultMPC
		}
		pr.CreateAttr("mpc", mpc)

	case message.KindReceipt:
		receipt := signal.CreateElement("eb:Receipt")
		parent := receipt
		if unit.Receipt != nil && unit.Receipt.Type == message.ReceiptNonRepudiation {
			parent = receipt.CreateElement("ebbp:NonRepudiationInformation")
			parent.CreateAttr("xmlns:ebbp", message.NsEbbp)
		}
		if unit.Receipt != nil {
			for _, content := range unit.Receipt.Content {
				el, err := parseFragment(content)
				if err != nil {
					return fmt.Errorf("receipt content of %s: %w", unit.MessageID, err)
				}
				parent.AddChild(el)
			}
		}

	case message.KindError:
		for _, e := range unit.Errors {
			el := signal.CreateElement("eb:Error")
			el.CreateAttr("errorCode", e.ErrorCode)
			el.CreateAttr("severity", e.Severity)
			if e.ShortDescription != "" {
				el.CreateAttr("shortDescription", e.ShortDescription)
			}
			if e.Category != "" {
				el.CreateAttr("category", e.Category)
			}
			if e.Origin != "" {
				el.CreateAttr("origin", e.Origin)
			}
			if e.RefToMessageInError != "" {
				el.CreateAttr("refToMessageInError", e.RefToMessageInError)
			}
			if e.Description != "" {
				desc := el.CreateElement("eb:Description")
				desc.CreateAttr("xml:lang", "en")
				desc.SetText(e.Description)
			}
			if e.ErrorDetail != "" {
				el.CreateElement("eb:ErrorDetail").SetText(e.ErrorDetail)
			}
		}
	}
	return nil
}

func addFault(body *etree.Element, unit *message.MessageUnit) {
	fault := body.CreateElement("soap:Fault")
	fault.CreateElement("soap:Code").CreateElement("soap:Value").SetText("soap:Receiver")
	reason := fault.CreateElement("soap:Reason").CreateElement("soap:Text")
	reason.CreateAttr("xml:lang", "en")
	text := "ebMS error"
	if len(unit.Errors) > 0 && unit.Errors[0].ShortDescription != "" {
		text = unit.Errors[0].ShortDescription
	}
	reason.SetText(text)
}

// parseFragment parses a serialised element
func parseFragment(content string) (*etree.Element, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromString(content); err != nil {
		return nil, err
	}
	root := doc.Root()
	if root == nil {
		return nil, errors.New("empty XML fragment")
	}
	return root, nil
}

// Fragment serialises el as a standalone XML fragment. Namespace
// declarations of the element's own prefix are copied onto it.
func Fragment(el *etree.Element) (string, error) {
	c := el.Copy()
	declareNamespaces(c, el)
	doc := etree.NewDocument()
	doc.SetRoot(c)
	return doc.WriteToString()
}

// declareNamespaces adds xmlns declarations to c for every prefix used in
// the subtree of orig that is declared on an ancestor
func declareNamespaces(c, orig *etree.Element) {
	declared := map[string]bool{}
	for _, a := range c.Attr {
		if a.Space == "xmlns" {
			declared[a.Key] = true
		}
	}
	var walk func(e *etree.Element)
	walk = func(e *etree.Element) {
		if e.Space != "" && !declared[e.Space] {
			if uri := e.NamespaceURI(); uri != "" {
				c.CreateAttr("xmlns:"+e.Space, uri)
				declared[e.Space] = true
			}
		}
		for _, child := range e.ChildElements() {
			walk(child)
		}
	}
	walk(orig)
}

// Parse reads the message units from the eb:Messaging header of an
// envelope. Parsed units are inbound and have no state history.
func Parse(data []byte) ([]*message.MessageUnit, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("parsing envelope: %w", err)
	}
	messaging := doc.FindElement("//Messaging")
	if messaging == nil {
		return nil, ErrNoMessaging
	}

	var units []*message.MessageUnit
	for _, el := range messaging.ChildElements() {
		switch el.Tag {
		case "UserMessage":
			units = append(units, parseUserMessage(el))
		case "SignalMessage":
			u, err := parseSignal(el)
			if err != nil {
				return nil, err
			}
			units = append(units, u)
		}
	}
	return units, nil
}

func parseMessageInfo(el *etree.Element, u *message.MessageUnit) {
	info := el.SelectElement("MessageInfo")
	if info == nil {
		return
	}
	u.MessageID = childText(info, "MessageId")
	u.RefToMessageID = childText(info, "RefToMessageId")
	if ts := childText(info, "Timestamp"); ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			u.Timestamp = t
		}
	}
}

func parseUserMessage(el *etree.Element) *message.MessageUnit {
	u := &message.MessageUnit{
		Kind:        message.KindUserMessage,
		Direction:   message.DirectionIn,
		MPC:         el.SelectAttrValue("mpc", message.DefaultMPC),
		User:        &message.UserMessageInfo{},
		FullyLoaded: true,
	}
	parseMessageInfo(el, u)

	if pi := el.SelectElement("PartyInfo"); pi != nil {
		u.User.From = parseParty(pi.SelectElement("From"))
		u.User.To = parseParty(pi.SelectElement("To"))
	}
	if ci := el.SelectElement("CollaborationInfo"); ci != nil {
		if ref := ci.SelectElement("AgreementRef"); ref != nil {
			u.User.Collaboration.AgreementRef = strings.TrimSpace(ref.Text())
			u.PModeID = ref.SelectAttrValue("pmode", "")
		}
		if svc := ci.SelectElement("Service"); svc != nil {
			u.User.Collaboration.Service = message.Service{
				Value: strings.TrimSpace(svc.Text()),
				Type:  svc.SelectAttrValue("type", ""),
			}
		}
		u.User.Collaboration.Action = childText(ci, "Action")
		u.User.Collaboration.ConversationID = childText(ci, "ConversationId")
	}
	if mp := el.SelectElement("MessageProperties"); mp != nil {
		u.User.Properties = parseProperties(mp)
	}
	if pl := el.SelectElement("PayloadInfo"); pl != nil {
		for _, part := range pl.SelectElements("PartInfo") {
			ref := message.PayloadRef{URI: part.SelectAttrValue("href", "")}
			if pp := part.SelectElement("PartProperties"); pp != nil {
				for _, p := range parseProperties(pp) {
					if p.Name == "MimeType" {
						ref.MimeType = p.Value
						continue
					}
					ref.Properties = append(ref.Properties, p)
				}
			}
			u.User.Payloads = append(u.User.Payloads, ref)
		}
	}
	return u
}

func parseParty(el *etree.Element) message.PartyInfo {
	var p message.PartyInfo
	if el == nil {
		return p
	}
	for _, id := range el.SelectElements("PartyId") {
		p.PartyIDs = append(p.PartyIDs, message.PartyID{
			Value: strings.TrimSpace(id.Text()),
			Type:  id.SelectAttrValue("type", ""),
		})
	}
	p.Role = childText(el, "Role")
	return p
}

func parseProperties(el *etree.Element) []message.Property {
	var props []message.Property
	for _, p := range el.SelectElements("Property") {
		props = append(props, message.Property{
			Name:  p.SelectAttrValue("name", ""),
			Value: strings.TrimSpace(p.Text()),
			Type:  p.SelectAttrValue("type", ""),
		})
	}
	return props
}

func parseSignal(el *etree.Element) (*message.MessageUnit, error) {
	u := &message.MessageUnit{
		Direction:   message.DirectionIn,
		FullyLoaded: true,
	}
	parseMessageInfo(el, u)

	switch {
	case el.SelectElement("PullRequest") != nil:
		u.Kind = message.KindPullRequest
		u.MPC = el.SelectElement("PullRequest").SelectAttrValue("mpc", message.DefaultMPC)

	case el.SelectElement("Receipt") != nil:
		u.Kind = message.KindReceipt
		receipt := el.SelectElement("Receipt")
		u.Receipt = &message.ReceiptInfo{Type: message.ReceiptReceptionAwareness}
		parts := receipt.ChildElements()
		if nri := receipt.SelectElement("NonRepudiationInformation"); nri != nil {
			u.Receipt.Type = message.ReceiptNonRepudiation
			parts = nri.ChildElements()
		}
		for _, p := range parts {
			content, err := Fragment(p)
			if err != nil {
				return nil, err
			}
			u.Receipt.Content = append(u.Receipt.Content, content)
		}

	case el.SelectElement("Error") != nil:
		u.Kind = message.KindError
		for _, e := range el.SelectElements("Error") {
			u.Errors = append(u.Errors, message.EbmsError{
				ErrorCode:           e.SelectAttrValue("errorCode", ""),
				Severity:            strings.ToLower(e.SelectAttrValue("severity", "")),
				ShortDescription:    e.SelectAttrValue("shortDescription", ""),
				Category:            e.SelectAttrValue("category", ""),
				Origin:              e.SelectAttrValue("origin", ""),
				RefToMessageInError: e.SelectAttrValue("refToMessageInError", ""),
				Description:         childText(e, "Description"),
				ErrorDetail:         childText(e, "ErrorDetail"),
			})
		}
		if u.RefToMessageID == "" && len(u.Errors) > 0 {
			u.RefToMessageID = u.Errors[0].RefToMessageInError
		}

	default:
		return nil, fmt.Errorf("signal message %s has no receipt, error or pull request", u.MessageID)
	}
	return u, nil
}

func childText(el *etree.Element, tag string) string {
	if c := el.SelectElement(tag); c != nil {
		return strings.TrimSpace(c.Text())
	}
	return ""
}
