// Package scan defines the scan session controller and the collaborators it
// drives: the host Bluetooth adapter, the enable-adapter dialog, the
// permission dialog and a clock.
//
// Thread-safety: all Controller methods are safe for concurrent use. User
// commands, collaborator callbacks and timer expiry are serialized against
// the single session; at most one transition is in flight at a time.
package scan

import (
	"time"

	"blescan/internal/permission"
)

// DefaultTimeout bounds a single scan session.
const DefaultTimeout = 30 * time.Second

// Status is the lifecycle state of the scan session.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusRequesting Status = "requesting"
	StatusScanning   Status = "scanning"
	StatusTimedOut   Status = "timed_out"
	StatusFailed     Status = "failed"
	StatusStopped    Status = "stopped"
)

// Step qualifies StatusRequesting with the precondition being waited on.
type Step string

const (
	StepNone        Step = ""
	StepEnable      Step = "enable"
	StepPermissions Step = "permissions"
)

// Session is a snapshot of the single scan session.
//
// ID changes on every start attempt. Reason is set only when Status is
// StatusFailed. StartedAt is nil unless the session reached
// StatusScanning.
type Session struct {
	ID        string     `json:"id,omitempty"`
	Status    Status     `json:"status"`
	Step      Step       `json:"step,omitempty"`
	Reason    Reason     `json:"reason,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
}

// Adapter is the host Bluetooth adapter capability.
type Adapter interface {
	// IsPresent reports whether the device has a Bluetooth adapter at all.
	IsPresent() bool
	// IsEnabled reports whether the adapter is powered on.
	IsEnabled() bool
	// StartDiscovery asks the OS to start discovery and reports whether it did.
	// It is called with the controller locked and should return promptly.
	StartDiscovery() bool
	// CancelDiscovery stops discovery if it is running. It must be a no-op
	// otherwise.
	CancelDiscovery()
}

// EnableReceiver receives the outcome of an enable-adapter request.
// Controller implements it.
type EnableReceiver interface {
	OnAdapterEnabled()
	OnAdapterEnableDenied()
}

// EnableFlow asks the user (or the system) to power the adapter on.
// RequestEnable must not block; the outcome is reported to r exactly once,
// from any goroutine.
type EnableFlow interface {
	RequestEnable(r EnableReceiver)
}

// PermissionReceiver receives the outcome of a permission request.
// Controller implements it.
type PermissionReceiver = permission.Receiver

// PermissionFlow asks the user for the given capabilities. RequestPermissions
// must not block; the outcome is reported to r exactly once, from any
// goroutine.
type PermissionFlow interface {
	RequestPermissions(caps []permission.Capability, r PermissionReceiver)
}

// Timer is a cancelable one-shot timer.
type Timer interface {
	Stop() bool
}

// Clock provides the current time and one-shot timers.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type systemClock struct{}

// SystemClock returns a Clock backed by the time package.
func SystemClock() Clock { return systemClock{} }

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
