package scan

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"blescan/internal/permission"
)

// ErrClosed is returned by commands issued after Close.
var ErrClosed = errors.New("scan: controller closed")

const defaultEventBuffer = 32

// Options configures a Controller. Adapter, EnableFlow and PermissionFlow
// are required.
type Options struct {
	Adapter        Adapter
	EnableFlow     EnableFlow
	PermissionFlow PermissionFlow

	// Clock defaults to SystemClock.
	Clock Clock
	// Timeout defaults to DefaultTimeout.
	Timeout time.Duration
	// Permissions defaults to permission.DefaultRequired, all NotRequested.
	Permissions *permission.State
	// Logger defaults to the logrus standard logger.
	Logger logrus.FieldLogger
	// EventBuffer is the per-subscriber channel capacity.
	EventBuffer int
}

// Controller owns the single scan session.
type Controller struct {
	adapter Adapter
	enable  EnableFlow
	perms   PermissionFlow
	clock   Clock
	timeout time.Duration
	log     logrus.FieldLogger
	bufSize int

	mu      sync.Mutex
	closed  bool
	state   *permission.State
	session Session
	attempt string // ID of the current start attempt
	gen     uint64 // bumped per start attempt; stale timers compare against it
	timer   Timer

	subs    map[int]chan Event
	nextSub int
}

// New returns a Controller in StatusIdle.
func New(opts Options) (*Controller, error) {
	if opts.Adapter == nil {
		return nil, errors.New("scan: adapter required")
	}
	if opts.EnableFlow == nil {
		return nil, errors.New("scan: enable flow required")
	}
	if opts.PermissionFlow == nil {
		return nil, errors.New("scan: permission flow required")
	}
	c := &Controller{
		adapter: opts.Adapter,
		enable:  opts.EnableFlow,
		perms:   opts.PermissionFlow,
		clock:   opts.Clock,
		timeout: opts.Timeout,
		log:     opts.Logger,
		bufSize: opts.EventBuffer,
		state:   opts.Permissions,
		session: Session{Status: StatusIdle},
		subs:    make(map[int]chan Event),
	}
	if c.clock == nil {
		c.clock = SystemClock()
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.log == nil {
		c.log = logrus.StandardLogger()
	}
	if c.bufSize <= 0 {
		c.bufSize = defaultEventBuffer
	}
	if c.state == nil {
		c.state = permission.NewState(permission.DefaultRequired)
	}
	return c, nil
}

// Session returns a snapshot of the current session.
func (c *Controller) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Permissions returns a snapshot of the permission state.
func (c *Controller) Permissions() map[permission.Capability]permission.Grant {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Snapshot()
}

// Subscribe returns a stream of events and a function that ends the
// subscription. The stream is closed by the returned function or by Close.
// Events are dropped, with a warning, for a subscriber whose buffer is full.
func (c *Controller) Subscribe() (<-chan Event, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan Event, c.bufSize)
	if c.closed {
		close(ch)
		return ch, func() {}
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if sub, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(sub)
			}
		})
	}
}

// RequestStart begins a new scan attempt. It returns ErrUnsupportedDevice
// or ErrDiscoveryFailedToStart when the attempt ends synchronously in
// failure, and nil when the scan started or is waiting on the enable or
// permission dialog. While a dialog is pending, RequestStart is a no-op.
func (c *Controller) RequestStart() error {
	c.mu.Lock()
	after, err := c.requestStartLocked()
	c.mu.Unlock()
	if after != nil {
		after()
	}
	return err
}

// StartIfInactive is RequestStart, except that it leaves a running scan or
// a pending dialog alone. It reports whether a start attempt was made.
func (c *Controller) StartIfInactive() (bool, error) {
	c.mu.Lock()
	switch c.session.Status {
	case StatusRequesting, StatusScanning:
		c.mu.Unlock()
		return false, nil
	}
	after, err := c.requestStartLocked()
	c.mu.Unlock()
	if after != nil {
		after()
	}
	return true, err
}

func (c *Controller) requestStartLocked() (func(), error) {
	if c.closed {
		return nil, ErrClosed
	}
	switch c.session.Status {
	case StatusRequesting:
		c.log.WithField("step", c.session.Step).Debug("start already waiting on a dialog")
		return nil, nil
	case StatusScanning:
		c.stopTimerLocked()
		c.adapter.CancelDiscovery()
		c.setLocked(Session{Status: StatusIdle}, EffectNone, ReasonNone)
	case StatusTimedOut, StatusStopped, StatusFailed:
		c.setLocked(Session{Status: StatusIdle}, EffectNone, ReasonNone)
	}
	c.gen++
	c.attempt = uuid.NewString()

	if !c.adapter.IsPresent() {
		c.failLocked(ErrUnsupportedDevice)
		return nil, ErrUnsupportedDevice
	}
	if !c.adapter.IsEnabled() {
		c.setLocked(Session{ID: c.attempt, Status: StatusRequesting, Step: StepEnable}, EffectEnableAdapterRequested, ReasonNone)
		return func() { c.enable.RequestEnable(c) }, nil
	}
	return c.checkPermissionsLocked()
}

// checkPermissionsLocked continues a start attempt at the permission step.
func (c *Controller) checkPermissionsLocked() (func(), error) {
	if !c.state.AllGranted() {
		caps := c.state.Missing()
		c.setLocked(Session{ID: c.attempt, Status: StatusRequesting, Step: StepPermissions}, EffectPermissionsRequested, ReasonNone)
		return func() { c.perms.RequestPermissions(caps, c) }, nil
	}
	return nil, c.startDiscoveryLocked()
}

// startDiscoveryLocked is the only path into StatusScanning.
func (c *Controller) startDiscoveryLocked() error {
	c.adapter.CancelDiscovery()
	if !c.adapter.StartDiscovery() {
		c.setLocked(Session{Status: StatusIdle}, EffectScanFailed, ErrDiscoveryFailedToStart)
		return ErrDiscoveryFailedToStart
	}
	gen := c.gen
	now := c.clock.Now()
	c.timer = c.clock.AfterFunc(c.timeout, func() { c.onTimeout(gen) })
	c.setLocked(Session{ID: c.attempt, Status: StatusScanning, StartedAt: &now}, EffectScanStarted, ReasonNone)
	return nil
}

// OnAdapterEnabled resumes a start attempt waiting on the enable dialog.
// It is ignored at any other time.
func (c *Controller) OnAdapterEnabled() {
	c.mu.Lock()
	if !c.waitingLocked(StepEnable) {
		c.mu.Unlock()
		c.log.Debug("adapter enabled outside a start request; ignoring")
		return
	}
	after, err := c.checkPermissionsLocked()
	c.mu.Unlock()
	if after != nil {
		after()
	}
	if err != nil {
		c.log.WithError(err).Warn("scan did not start after adapter was enabled")
	}
}

// OnAdapterEnableDenied fails a start attempt waiting on the enable dialog.
func (c *Controller) OnAdapterEnableDenied() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.waitingLocked(StepEnable) {
		c.log.Debug("enable denial outside a start request; ignoring")
		return
	}
	c.failLocked(ErrEnableDenied)
}

// OnPermissionResult records the outcome of a permission request and, if a
// start attempt is waiting on it, resumes or fails that attempt.
func (c *Controller) OnPermissionResult(granted bool) {
	c.mu.Lock()
	c.state.Apply(granted)
	c.log.WithField("permissions", c.state.String()).Info("permission result")
	if !c.waitingLocked(StepPermissions) {
		c.mu.Unlock()
		return
	}
	var err error
	if granted && c.state.AllGranted() {
		err = c.startDiscoveryLocked()
	} else {
		c.failLocked(ErrPermissionDenied)
	}
	c.mu.Unlock()
	if err != nil {
		c.log.WithError(err).Warn("scan did not start after permissions were granted")
	}
}

// RequestPermissions asks for every required capability outside a start
// attempt. The answer only updates the permission state, unless a start
// attempt is waiting on permissions at the time it arrives.
func (c *Controller) RequestPermissions() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	caps := c.state.Required()
	c.emitLocked(Event{Session: c.session, Effect: EffectPermissionsRequested})
	c.mu.Unlock()
	c.perms.RequestPermissions(caps, c)
}

// RequestStop ends a running scan. It is a no-op unless the session is
// StatusScanning.
func (c *Controller) RequestStop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session.Status != StatusScanning {
		c.log.WithField("status", c.session.Status).Debug("stop outside a scan; ignoring")
		return
	}
	c.stopTimerLocked()
	c.adapter.CancelDiscovery()
	s := c.session
	s.Status = StatusStopped
	c.setLocked(s, EffectScanStopped, ReasonNone)
}

func (c *Controller) onTimeout(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.session.Status != StatusScanning {
		c.log.WithField("status", c.session.Status).Debug("stale scan timeout ignored")
		return
	}
	c.timer = nil
	c.adapter.CancelDiscovery()
	s := c.session
	s.Status = StatusTimedOut
	c.setLocked(s, EffectScanTimedOut, ReasonNone)
}

// Close stops a running scan and ends every subscription. Later commands
// return ErrClosed or do nothing. Close is idempotent.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	if c.session.Status == StatusScanning {
		c.stopTimerLocked()
		c.adapter.CancelDiscovery()
		s := c.session
		s.Status = StatusStopped
		c.setLocked(s, EffectScanStopped, ReasonNone)
	}
	c.closed = true
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
	return nil
}

func (c *Controller) waitingLocked(step Step) bool {
	return !c.closed && c.session.Status == StatusRequesting && c.session.Step == step
}

func (c *Controller) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Controller) failLocked(reason Reason) {
	c.setLocked(Session{ID: c.attempt, Status: StatusFailed, Reason: reason}, EffectScanFailed, reason)
}

func (c *Controller) setLocked(s Session, effect Effect, err Reason) {
	prev := c.session.Status
	c.session = s
	fields := logrus.Fields{
		"session": s.ID,
		"from":    prev,
		"status":  s.Status,
	}
	if s.Step != StepNone {
		fields["step"] = s.Step
	}
	if err != ReasonNone {
		fields["reason"] = err
	}
	entry := c.log.WithFields(fields)
	if err != ReasonNone {
		entry.Warn(err.Message())
	} else {
		entry.Info("scan session transition")
	}
	c.emitLocked(Event{Session: s, Effect: effect, Err: err})
}

func (c *Controller) emitLocked(ev Event) {
	for id, ch := range c.subs {
		select {
		case ch <- ev:
		default:
			c.log.WithField("subscriber", id).Warn("event dropped; subscriber not keeping up")
		}
	}
}
