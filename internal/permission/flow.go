package permission

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrNoPendingRequest is returned by Interactive.Answer when no request is
// waiting for the user.
var ErrNoPendingRequest = errors.New("permission: no pending request")

// Static answers every request from a fixed set of capabilities the host
// has already granted (for example from configuration).
type Static struct {
	granted map[Capability]bool
	log     logrus.FieldLogger
}

// NewStatic returns a Static flow granting exactly the capabilities in
// granted.
func NewStatic(granted []Capability, log logrus.FieldLogger) *Static {
	m := make(map[Capability]bool, len(granted))
	for _, c := range granted {
		m[c] = true
	}
	return &Static{granted: m, log: log}
}

// RequestPermissions reports true iff every capability in caps is in the
// granted set. The result is delivered on a new goroutine.
func (s *Static) RequestPermissions(caps []Capability, r Receiver) {
	ok := true
	for _, c := range caps {
		if !s.granted[c] {
			ok = false
			s.log.WithField("capability", c).Warn("permission not granted by configuration")
		}
	}
	go r.OnPermissionResult(ok)
}

// Interactive parks requests until the user answers them through Answer.
// Requests made while one is parked join it; one answer settles all of
// them, and each receiver hears the answer once.
type Interactive struct {
	mu      sync.Mutex
	pending []Receiver
	caps    []Capability
	log     logrus.FieldLogger
}

// NewInteractive returns an Interactive flow with nothing pending.
func NewInteractive(log logrus.FieldLogger) *Interactive {
	return &Interactive{log: log}
}

// RequestPermissions parks r until Answer is called.
func (f *Interactive) RequestPermissions(caps []Capability, r Receiver) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range caps {
		if !contains(f.caps, c) {
			f.caps = append(f.caps, c)
		}
	}
	for _, p := range f.pending {
		if p == r {
			f.log.Debug("permission request already pending")
			return
		}
	}
	f.pending = append(f.pending, r)
	f.log.WithField("capabilities", f.caps).Info("waiting for permission answer")
}

// Pending returns the capabilities of the parked request and whether one is
// parked.
func (f *Interactive) Pending() ([]Capability, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) == 0 {
		return nil, false
	}
	return append([]Capability(nil), f.caps...), true
}

// Answer delivers the user's decision to every parked request.
func (f *Interactive) Answer(granted bool) error {
	f.mu.Lock()
	pending := f.pending
	f.pending = nil
	f.caps = nil
	f.mu.Unlock()

	if len(pending) == 0 {
		return ErrNoPendingRequest
	}
	f.log.WithField("granted", granted).Info("permission answered")
	for _, r := range pending {
		r.OnPermissionResult(granted)
	}
	return nil
}

func contains(list []Capability, c Capability) bool {
	for _, x := range list {
		if x == c {
			return true
		}
	}
	return false
}
