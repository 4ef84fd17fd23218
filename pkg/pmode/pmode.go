// Package pmode implements Processing Mode configuration for the MSH core

package pmode

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sirosfoundation/go-msh/pkg/message"
	"github.com/sirosfoundation/go-msh/pkg/validation"
)

// MEP and MEP binding URIs
const (
	MEPOneWay      = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/oneWay"
	MEPBindingPush = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/push"
	MEPBindingPull = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/pull"
)

// ReplyPattern determines how a receipt or error is sent back
type ReplyPattern string

const (
	// ReplyResponse sends the signal on the response of the current exchange
	ReplyResponse ReplyPattern = "RESPONSE"
	// ReplyCallback sends the signal in a separate exchange
	ReplyCallback ReplyPattern = "CALLBACK"
)

// ProcessingMode represents a P-Mode configuration
type ProcessingMode struct {
	ID         string     `yaml:"id"`
	Agreement  *Agreement `yaml:"agreement,omitempty"`
	MEP        string     `yaml:"mep,omitempty"`
	MEPBinding string     `yaml:"mepBinding,omitempty"`
	Initiator  *Party     `yaml:"initiator,omitempty"`
	Responder  *Party     `yaml:"responder,omitempty"`
	Legs       []Leg      `yaml:"legs"`
}

// Agreement contains agreement reference information
type Agreement struct {
	Name string `yaml:"name"`
	Type string `yaml:"type,omitempty"`
}

// Party identifies one of the trading partners of the agreement
type Party struct {
	PartyID   string `yaml:"partyId"`
	PartyType string `yaml:"partyType,omitempty"`
	Role      string `yaml:"role,omitempty"`
}

// Leg represents one leg of a message exchange
type Leg struct {
	Label              string                `yaml:"label,omitempty"`
	Protocol           *Protocol             `yaml:"protocol,omitempty"`
	ReceptionAwareness *ReceptionAwareness   `yaml:"receptionAwareness,omitempty"`
	Receipt            *ReceiptConfiguration `yaml:"receipt,omitempty"`
	UserMessageFlow    *UserMessageFlow      `yaml:"userMessageFlow,omitempty"`
	ErrorHandling      *ErrorHandling        `yaml:"errorHandling,omitempty"`
}

// Protocol contains protocol parameters
type Protocol struct {
	Address     string `yaml:"address"`
	SOAPVersion string `yaml:"soapVersion,omitempty"`
}

// ReceptionAwareness contains the reliability parameters of a leg
type ReceptionAwareness struct {
	// WaitIntervals is the ordered list of intervals to wait for a receipt.
	// Its length is the maximum number of transmission attempts.
	WaitIntervals      []Interval                `yaml:"waitIntervals"`
	DuplicateDetection *DuplicateDetectionConfig `yaml:"duplicateDetection,omitempty"`
}

// DuplicateDetectionConfig contains duplicate detection parameters
type DuplicateDetectionConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ReceiptConfiguration configures the receipts for user messages on a leg
type ReceiptConfiguration struct {
	Pattern       ReplyPattern `yaml:"pattern,omitempty"`
	To            string       `yaml:"to,omitempty"`
	NotifyReceipt bool         `yaml:"notifyReceipt,omitempty"`
}

// UserMessageFlow contains the configuration for user messages on a leg
type UserMessageFlow struct {
	BusinessInfo     *BusinessInfo      `yaml:"businessInfo,omitempty"`
	CustomValidation *validation.Config `yaml:"customValidation,omitempty"`
}

// BusinessInfo contains business-level message information
type BusinessInfo struct {
	Service    string             `yaml:"service,omitempty"`
	Action     string             `yaml:"action,omitempty"`
	MPC        string             `yaml:"mpc,omitempty"`
	Properties []message.Property `yaml:"properties,omitempty"`
}

// ErrorHandling contains error handling configuration
type ErrorHandling struct {
	Pattern                  ReplyPattern `yaml:"pattern,omitempty"`
	To                       string       `yaml:"to,omitempty"`
	AddSOAPFault             bool         `yaml:"addSoapFault,omitempty"`
	NotifyErrorToBusinessApp *bool        `yaml:"notifyErrorToBusinessApp,omitempty"`
}

// Manager manages the set of configured processing modes. It is safe for
// concurrent use; the P-Modes it returns must not be modified.
type Manager struct {
	mu     sync.RWMutex
	pmodes map[string]*ProcessingMode
}

// NewManager creates a new P-Mode manager
func NewManager(pmodes ...*ProcessingMode) *Manager {
	m := &Manager{
		pmodes: make(map[string]*ProcessingMode),
	}
	for _, p := range pmodes {
		m.Add(p)
	}
	return m
}

// Add adds or replaces a processing mode
func (m *Manager) Add(pmode *ProcessingMode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pmodes[pmode.ID] = pmode
}

// Get retrieves a processing mode by ID, nil if it is not configured
func (m *Manager) Get(id string) *ProcessingMode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pmodes[id]
}

// Remove removes a processing mode
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pmodes, id)
}

// Replace swaps the complete set of processing modes
func (m *Manager) Replace(pmodes []*ProcessingMode) {
	next := make(map[string]*ProcessingMode, len(pmodes))
	for _, p := range pmodes {
		next[p.ID] = p
	}
	m.mu.Lock()
	m.pmodes = next
	m.mu.Unlock()
}

// All returns the processing modes sorted by ID
func (m *Manager) All() []*ProcessingMode {
	m.mu.RLock()
	all := make([]*ProcessingMode, 0, len(m.pmodes))
	for _, p := range m.pmodes {
		all = append(all, p)
	}
	m.mu.RUnlock()
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return all
}

// Len returns the number of processing modes
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pmodes)
}

// Find finds a P-Mode whose first leg matches the service and action
func (m *Manager) Find(service, action string) *ProcessingMode {
	for _, p := range m.All() {
		bi := BusinessInfoOf(p.Leg(""))
		if bi != nil && bi.Service == service && bi.Action == action {
			return p
		}
	}
	return nil
}

// PullModesForMPC returns the IDs of the pull P-Modes whose leg uses the
// given MPC
func (m *Manager) PullModesForMPC(mpc string) []string {
	var ids []string
	for _, p := range m.All() {
		if !p.IsPull() {
			continue
		}
		if MPC(p.Leg("")) == mpc {
			ids = append(ids, p.ID)
		}
	}
	return ids
}

// Leg returns the leg with the given label. An empty label, or a label that
// does not match any leg of a single-leg P-Mode, selects the first leg.
func (p *ProcessingMode) Leg(label string) *Leg {
	if p == nil || len(p.Legs) == 0 {
		return nil
	}
	for i := range p.Legs {
		if p.Legs[i].Label == label {
			return &p.Legs[i]
		}
	}
	if label == "" || len(p.Legs) == 1 {
		return &p.Legs[0]
	}
	return nil
}

// IsPull reports whether the P-Mode uses the pull binding
func (p *ProcessingMode) IsPull() bool {
	return p.MEPBinding == MEPBindingPull
}

// Validate checks the P-Mode for configuration errors
func (p *ProcessingMode) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("pmode id is required")
	}
	switch p.MEPBinding {
	case "", MEPBindingPush, MEPBindingPull:
	default:
		return fmt.Errorf("pmode %s: unsupported MEP binding %q", p.ID, p.MEPBinding)
	}
	for i, leg := range p.Legs {
		if ra := leg.ReceptionAwareness; ra != nil {
			for j, iv := range ra.WaitIntervals {
				if _, err := iv.Duration(); err != nil {
					return fmt.Errorf("pmode %s leg %d interval %d: %w", p.ID, i, j, err)
				}
			}
		}
		if rc := leg.Receipt; rc != nil {
			switch rc.Pattern {
			case "", ReplyResponse, ReplyCallback:
			default:
				return fmt.Errorf("pmode %s leg %d: unknown receipt pattern %q", p.ID, i, rc.Pattern)
			}
		}
		if f := leg.UserMessageFlow; f != nil && f.CustomValidation != nil {
			if err := f.CustomValidation.Validate(); err != nil {
				return fmt.Errorf("pmode %s leg %d: %w", p.ID, i, err)
			}
		}
	}
	return nil
}

// File is the YAML layout of a P-Mode file
type File struct {
	PModes []*ProcessingMode `yaml:"pmodes"`
}

// LoadFile reads P-Modes from a YAML file
func LoadFile(path string) ([]*ProcessingMode, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading pmode file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing pmode file: %w", err)
	}
	seen := make(map[string]bool, len(f.PModes))
	for _, p := range f.PModes {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("duplicate pmode id %q", p.ID)
		}
		seen[p.ID] = true
	}
	return f.PModes, nil
}

// DefaultPMode creates a default push P-Mode for testing
func DefaultPMode() *ProcessingMode {
	return &ProcessingMode{
		ID:         "default-pmode",
		MEP:        MEPOneWay,
		MEPBinding: MEPBindingPush,
		Legs: []Leg{{
			Protocol: &Protocol{
				Address:     "https://receiver.example.com/as4",
				SOAPVersion: "1.2",
			},
			ReceptionAwareness: &ReceptionAwareness{
				WaitIntervals: []Interval{
					{Length: 1, Unit: UnitMinutes},
					{Length: 2, Unit: UnitMinutes},
					{Length: 4, Unit: UnitMinutes},
				},
				DuplicateDetection: &DuplicateDetectionConfig{Enabled: true},
			},
			Receipt: &ReceiptConfiguration{Pattern: ReplyResponse},
		}},
	}
}

// Interval is a wait interval with an explicit time unit
type Interval struct {
	Length int64    `yaml:"length"`
	Unit   TimeUnit `yaml:"unit,omitempty"`
}

// TimeUnit is the unit of an Interval
type TimeUnit string

const (
	UnitMilliseconds TimeUnit = "milliseconds"
	UnitSeconds      TimeUnit = "seconds"
	UnitMinutes      TimeUnit = "minutes"
	UnitHours        TimeUnit = "hours"
)

// Duration converts the interval into a time.Duration. An empty unit means
// seconds.
func (i Interval) Duration() (time.Duration, error) {
	if i.Length <= 0 {
		return 0, fmt.Errorf("interval length must be positive, got %d", i.Length)
	}
	var unit time.Duration
	switch i.Unit {
	case UnitMilliseconds:
		unit = time.Millisecond
	case "", UnitSeconds:
		unit = time.Second
	case UnitMinutes:
		unit = time.Minute
	case UnitHours:
		unit = time.Hour
	default:
		return 0, fmt.Errorf("unknown time unit %q", i.Unit)
	}
	return time.Duration(i.Length) * unit, nil
}

// Seconds returns an interval of n seconds
func Seconds(n int64) Interval {
	return Interval{Length: n, Unit: UnitSeconds}
}
