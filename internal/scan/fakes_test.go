package scan

import (
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"blescan/internal/permission"
)

type fakeAdapter struct {
	mu      sync.Mutex
	present bool
	enabled bool
	startOK bool
	calls   []string
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{present: true, enabled: true, startOK: true}
}

func (a *fakeAdapter) IsPresent() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.present
}

func (a *fakeAdapter) IsEnabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enabled
}

func (a *fakeAdapter) StartDiscovery() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, "start")
	return a.startOK
}

func (a *fakeAdapter) CancelDiscovery() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, "cancel")
}

func (a *fakeAdapter) Calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}

type fakeEnableFlow struct {
	mu       sync.Mutex
	requests int
}

func (f *fakeEnableFlow) RequestEnable(EnableReceiver) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests++
}

func (f *fakeEnableFlow) Requests() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests
}

// fakePermissionFlow records requests. When answer is non-nil it reports
// the answer synchronously from inside RequestPermissions.
type fakePermissionFlow struct {
	mu       sync.Mutex
	requests [][]permission.Capability
	answer   *bool
}

func (f *fakePermissionFlow) RequestPermissions(caps []permission.Capability, r PermissionReceiver) {
	f.mu.Lock()
	f.requests = append(f.requests, caps)
	answer := f.answer
	f.mu.Unlock()
	if answer != nil {
		r.OnPermissionResult(*answer)
	}
}

func (f *fakePermissionFlow) Requests() [][]permission.Capability {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]permission.Capability(nil), f.requests...)
}

type fakeTimer struct {
	d       time.Duration
	f       func()
	stops   int
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.stops++
	was := !t.stopped
	t.stopped = true
	return was
}

// fakeClock hands out timers that only fire when the test says so.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) Timers() []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*fakeTimer(nil), c.timers...)
}

// Fire runs timer i's callback whether or not it was stopped, simulating a
// timer that raced with cancellation.
func (c *fakeClock) Fire(i int) {
	c.mu.Lock()
	t := c.timers[i]
	c.mu.Unlock()
	t.f()
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type harness struct {
	adapter *fakeAdapter
	enable  *fakeEnableFlow
	perms   *fakePermissionFlow
	clock   *fakeClock
	state   *permission.State
	c       *Controller
	events  <-chan Event
}

// newHarness builds a controller whose permissions are already granted
// unless grant is false.
func newHarness(grant bool) *harness {
	h := &harness{
		adapter: newFakeAdapter(),
		enable:  &fakeEnableFlow{},
		perms:   &fakePermissionFlow{},
		clock:   newFakeClock(),
		state:   permission.NewState(permission.DefaultRequired),
	}
	if grant {
		h.state.Apply(true)
	}
	c, err := New(Options{
		Adapter:        h.adapter,
		EnableFlow:     h.enable,
		PermissionFlow: h.perms,
		Clock:          h.clock,
		Permissions:    h.state,
		Logger:         quietLogger(),
	})
	if err != nil {
		panic(err)
	}
	h.c = c
	h.events, _ = c.Subscribe()
	return h
}

// drain returns every event delivered so far. Transitions are emitted
// before the command returns, so nothing is in flight.
func (h *harness) drain() []Event {
	var out []Event
	for {
		select {
		case ev, ok := <-h.events:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func statuses(evs []Event) []Status {
	var out []Status
	for _, ev := range evs {
		out = append(out, ev.Session.Status)
	}
	return out
}

func effects(evs []Event) []Effect {
	var out []Effect
	for _, ev := range evs {
		if ev.Effect != EffectNone {
			out = append(out, ev.Effect)
		}
	}
	return out
}
