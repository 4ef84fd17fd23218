// Package memory provides an in-memory storage provider. It is used for
// tests and single-process deployments that do not need durable storage.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sirosfoundation/go-msh/pkg/message"
	"github.com/sirosfoundation/go-msh/pkg/storage"
)

// Name is the registered provider name
const Name = "memory"

func init() {
	storage.Register(Name, func(_ context.Context, _ storage.Settings) (storage.Provider, error) {
		return New(), nil
	})
}

// Provider keeps message units in a map
type Provider struct {
	mu    sync.RWMutex
	units map[string]*message.MessageUnit
}

// New creates an empty in-memory provider
func New() *Provider {
	return &Provider{units: make(map[string]*message.MessageUnit)}
}

// Name implements storage.Provider
func (p *Provider) Name() string { return Name }

// Capabilities implements storage.Provider
func (p *Provider) Capabilities() storage.Capabilities {
	return storage.Capabilities{AtomicStateUpdate: true}
}

// Store implements storage.Provider
func (p *Provider) Store(_ context.Context, unit *message.MessageUnit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.units[unit.CoreID]; exists {
		return fmt.Errorf("%s: %w", unit.CoreID, storage.ErrAlreadyExists)
	}
	u := unit.Clone()
	u.FullyLoaded = true
	p.units[u.CoreID] = u
	return nil
}

// TrySetState implements storage.Provider
func (p *Provider) TrySetState(_ context.Context, coreID string, expected message.ProcessingState, entry message.StateEntry) (*message.MessageUnit, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.units[coreID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", coreID, storage.ErrNotFound)
	}
	if expected != message.StateAny && u.CurrentState() != expected {
		return u.Clone(), storage.ErrConflict
	}
	entry.Seq = u.NextSeq()
	u.States = append(u.States, entry)
	return u.Clone(), nil
}

// Delete implements storage.Provider
func (p *Provider) Delete(_ context.Context, coreID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.units[coreID]; !ok {
		return fmt.Errorf("%s: %w", coreID, storage.ErrNotFound)
	}
	delete(p.units, coreID)
	return nil
}

// Get implements storage.Provider
func (p *Provider) Get(_ context.Context, coreID string) (*message.MessageUnit, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	u, ok := p.units[coreID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", coreID, storage.ErrNotFound)
	}
	return u.Clone(), nil
}

// Find implements storage.Provider. Results are summaries.
func (p *Provider) Find(_ context.Context, filter storage.Filter) ([]*message.MessageUnit, error) {
	p.mu.RLock()
	var result []*message.MessageUnit
	for _, u := range p.units {
		if filter.Matches(u) {
			result = append(result, u.Summary())
		}
	}
	p.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].Timestamp.Equal(result[j].Timestamp) {
			return result[i].CoreID < result[j].CoreID
		}
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// CountTransmissions implements storage.Provider
func (p *Provider) CountTransmissions(_ context.Context, messageID string) (int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, u := range p.units {
		if u.MessageID == messageID && u.Direction == message.DirectionOut {
			n += u.CountState(message.StateSending)
		}
	}
	return n, nil
}

// Ping implements storage.Provider
func (p *Provider) Ping(context.Context) error { return nil }

// Close implements storage.Provider
func (p *Provider) Close(context.Context) error { return nil }

// Len returns the number of stored units
func (p *Provider) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.units)
}
