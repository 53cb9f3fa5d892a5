// Package permission models the runtime permissions a scan needs and the
// flows that obtain them from the user.
package permission

import (
	"fmt"
	"sort"
	"strings"
)

// Capability is a runtime permission required to scan.
type Capability string

const (
	Scan           Capability = "scan"
	Connect        Capability = "connect"
	CoarseLocation Capability = "coarse_location"
	FineLocation   Capability = "fine_location"
)

// DefaultRequired is the set a discovery scan asks for.
var DefaultRequired = []Capability{Scan, Connect, FineLocation}

// ParseCapability accepts the names above, case-insensitively, with '-' or
// '_' as separator.
func ParseCapability(s string) (Capability, error) {
	c := Capability(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	switch c {
	case Scan, Connect, CoarseLocation, FineLocation:
		return c, nil
	}
	return "", fmt.Errorf("permission: unknown capability %q", s)
}

// Grant is the state of one capability.
type Grant string

const (
	NotRequested Grant = "not_requested"
	Granted      Grant = "granted"
	Denied       Grant = "denied"
)

// Receiver receives the outcome of a permission request.
type Receiver interface {
	OnPermissionResult(granted bool)
}

// State tracks the grant of each required capability. Capabilities never
// recorded read as NotRequested.
//
// State is not safe for concurrent use; the owner serializes access.
type State struct {
	required []Capability
	grants   map[Capability]Grant
}

// NewState returns a State for required with every capability NotRequested.
func NewState(required []Capability) *State {
	req := make([]Capability, len(required))
	copy(req, required)
	return &State{required: req, grants: make(map[Capability]Grant)}
}

// Required returns a copy of the required capabilities.
func (s *State) Required() []Capability {
	out := make([]Capability, len(s.required))
	copy(out, s.required)
	return out
}

// Get returns the grant for c.
func (s *State) Get(c Capability) Grant {
	if g, ok := s.grants[c]; ok {
		return g
	}
	return NotRequested
}

// Set records g for c.
func (s *State) Set(c Capability, g Grant) {
	s.grants[c] = g
}

// Apply records the outcome of a request covering every required capability.
func (s *State) Apply(granted bool) {
	g := Denied
	if granted {
		g = Granted
	}
	for _, c := range s.required {
		s.grants[c] = g
	}
}

// AllGranted reports whether every required capability is Granted.
func (s *State) AllGranted() bool {
	for _, c := range s.required {
		if s.Get(c) != Granted {
			return false
		}
	}
	return true
}

// Missing returns the required capabilities not yet Granted, in order.
func (s *State) Missing() []Capability {
	var out []Capability
	for _, c := range s.required {
		if s.Get(c) != Granted {
			out = append(out, c)
		}
	}
	return out
}

// Snapshot returns the grant of every required or recorded capability.
func (s *State) Snapshot() map[Capability]Grant {
	out := make(map[Capability]Grant, len(s.grants)+len(s.required))
	for _, c := range s.required {
		out[c] = s.Get(c)
	}
	for c, g := range s.grants {
		out[c] = g
	}
	return out
}

func (s *State) String() string {
	snap := s.Snapshot()
	parts := make([]string, 0, len(snap))
	for c, g := range snap {
		parts = append(parts, string(c)+"="+string(g))
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}
