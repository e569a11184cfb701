// Package breakpoints keeps the set of user breakpoints of a debug session.
//
// A Pending breakpoint is what the user asked for (a label, a source line or
// an address). Resolving it against the symbol tables produces one or more
// Bound breakpoints, each with a concrete address and the slot id the target
// stub knows it by.
package breakpoints

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/Manu343726/stubdbg/pkg/symbols"
	"github.com/Manu343726/stubdbg/pkg/utils"
	"github.com/samber/lo"
)

var (
	// ErrUnresolved is returned when a location cannot be mapped to an address
	ErrUnresolved = errors.New("cannot resolve breakpoint location")
	// ErrTooManyBreakpoints is returned when all breakpoint slots are in use
	ErrTooManyBreakpoints = errors.New("too many breakpoints")
)

// Bound is a breakpoint resolved to a concrete address
type Bound struct {
	// ID is the slot id transmitted to the target stub
	ID uint16
	// Address is the resolved address
	Address uint32
}

// String returns a human-readable representation of the bound breakpoint
func (b Bound) String() string {
	return fmt.Sprintf("#%d@0x%08X", b.ID, b.Address)
}

// Pending is a breakpoint requested by the user
type Pending struct {
	// Location is the user provided location
	Location string
	// Bound are the addresses the location resolved to
	Bound []Bound
}

// Sender transmits breakpoints to a running target
type Sender interface {
	SendBreakpoint(b Bound) error
}

// Manager is a thread safe breakpoint set
type Manager struct {
	mu      sync.Mutex
	pending []Pending
	nextID  int
	sender  Sender
}

// NewManager creates an empty breakpoint set
func NewManager() *Manager {
	return &Manager{nextID: 1}
}

// Add registers a breakpoint at the given addresses and returns it. If a
// sender is bound the new breakpoints are transmitted immediately.
func (m *Manager) Add(location string, addresses ...uint32) (Pending, error) {
	m.mu.Lock()

	if m.nextID+len(addresses)-1 > math.MaxUint16 {
		m.mu.Unlock()
		return Pending{}, utils.MakeError(ErrTooManyBreakpoints, "%s", location)
	}

	p := Pending{Location: location}
	for _, addr := range addresses {
		p.Bound = append(p.Bound, Bound{ID: uint16(m.nextID), Address: addr})
		m.nextID++
	}
	m.pending = append(m.pending, p)
	sender := m.sender
	m.mu.Unlock()

	if sender != nil {
		for _, b := range p.Bound {
			if err := sender.SendBreakpoint(b); err != nil {
				return p, err
			}
		}
	}
	return p, nil
}

// Resolve parses a location and adds a breakpoint there. Supported forms are
// a label name, file:line and a hexadecimal address (0x1000).
func (m *Manager) Resolve(location string, s *symbols.Symbols) (Pending, error) {
	addr, err := ResolveAddress(location, s)
	if err != nil {
		return Pending{}, err
	}
	return m.Add(location, addr)
}

// ResolveAddress maps a location to an address using the symbol tables
func ResolveAddress(location string, s *symbols.Symbols) (uint32, error) {
	location = strings.TrimSpace(location)

	if strings.HasPrefix(location, "0x") || strings.HasPrefix(location, "0X") {
		value, err := strconv.ParseUint(location[2:], 16, 32)
		if err != nil {
			return 0, utils.MakeError(ErrUnresolved, "invalid address %q", location)
		}
		if _, ok := s.Source.IndexOf(uint32(value)); !ok {
			return 0, utils.MakeError(ErrUnresolved, "address %s has no source mapping", location)
		}
		return uint32(value), nil
	}

	if i := strings.LastIndex(location, ":"); i > 0 {
		if line, err := strconv.Atoi(location[i+1:]); err == nil {
			if addr, ok := s.Reverse.LineAddress(location[:i], line); ok {
				return addr, nil
			}
			return 0, utils.MakeError(ErrUnresolved, "no code generated for %s", location)
		}
	}

	if addr, ok := s.Labels.Address(location); ok {
		return addr, nil
	}
	return 0, utils.MakeError(ErrUnresolved, "unknown label %q", location)
}

// Pending returns a snapshot of the pending breakpoints
func (m *Manager) Pending() []Pending {
	m.mu.Lock()
	defer m.mu.Unlock()

	return lo.Map(m.pending, func(p Pending, _ int) Pending {
		p.Bound = append([]Bound(nil), p.Bound...)
		return p
	})
}

// AllBound returns every bound breakpoint, in creation order
func (m *Manager) AllBound() []Bound {
	return lo.FlatMap(m.Pending(), func(p Pending, _ int) []Bound {
		return p.Bound
	})
}

// Match returns the bound breakpoints at addr
func (m *Manager) Match(addr uint32) []Bound {
	return lo.Filter(m.AllBound(), func(b Bound, _ int) bool {
		return b.Address == addr
	})
}

// Bind makes later additions go straight to the target
func (m *Manager) Bind(sender Sender) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sender = sender
}

// Unbind stops transmitting new breakpoints
func (m *Manager) Unbind() {
	m.Bind(nil)
}

// Attach binds sender and returns the bound breakpoints known at that moment.
// Every breakpoint is either in the returned snapshot or transmitted through
// sender, never neither.
func (m *Manager) Attach(sender Sender) []Bound {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sender = sender
	return lo.FlatMap(m.pending, func(p Pending, _ int) []Bound {
		return append([]Bound(nil), p.Bound...)
	})
}
