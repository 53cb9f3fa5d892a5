// Package tinyble implements scan.Adapter on top of tinygo.org/x/bluetooth,
// for hosts where talking to BlueZ directly is not an option.
package tinyble

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"tinygo.org/x/bluetooth"
)

// DefaultStartGrace is how long StartDiscovery waits for Scan to fail before
// treating the scan as running.
const DefaultStartGrace = 250 * time.Millisecond

// stack is the subset of *bluetooth.Adapter used here.
type stack interface {
	Enable() error
	Scan(callback func(*bluetooth.Adapter, bluetooth.ScanResult)) error
	StopScan() error
}

// Adapter wraps a tinygo Bluetooth adapter. Scan blocks in tinygo, so it
// runs on its own goroutine for the lifetime of a discovery.
type Adapter struct {
	dev        stack
	log        logrus.FieldLogger
	startGrace time.Duration

	mu        sync.Mutex
	tried     bool
	enableErr error
	scanning  bool
	scanGen   uint64 // bumped per started scan
}

// New wraps dev; a nil dev means bluetooth.DefaultAdapter.
func New(dev *bluetooth.Adapter, log logrus.FieldLogger) *Adapter {
	if dev == nil {
		dev = bluetooth.DefaultAdapter
	}
	return newAdapter(dev, log)
}

func newAdapter(dev stack, log logrus.FieldLogger) *Adapter {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Adapter{dev: dev, log: log.WithField("backend", "tinygo"), startGrace: DefaultStartGrace}
}

// enable brings the stack up once and remembers the outcome.
func (a *Adapter) enable() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.tried {
		a.tried = true
		a.enableErr = a.dev.Enable()
		if a.enableErr != nil {
			a.log.WithError(a.enableErr).Warn("enable BLE stack")
		}
	}
	return a.enableErr
}

// IsPresent reports whether the BLE stack could be enabled.
func (a *Adapter) IsPresent() bool { return a.enable() == nil }

// IsEnabled is the same as IsPresent: tinygo has no separate power state.
func (a *Adapter) IsEnabled() bool { return a.enable() == nil }

// StartDiscovery starts a scan and logs every advertisement it sees.
func (a *Adapter) StartDiscovery() bool {
	if err := a.enable(); err != nil {
		return false
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- a.dev.Scan(func(_ *bluetooth.Adapter, r bluetooth.ScanResult) {
			a.log.WithFields(logrus.Fields{
				"mac":  r.Address.String(),
				"name": r.LocalName(),
				"rssi": r.RSSI,
			}).Info("device found")
		})
	}()

	select {
	case err := <-errCh:
		if err != nil {
			a.log.WithError(err).Error("start scan")
		}
		return false
	case <-time.After(a.startGrace):
	}

	a.mu.Lock()
	a.scanning = true
	a.scanGen++
	gen := a.scanGen
	a.mu.Unlock()
	go func() {
		err := <-errCh
		a.mu.Lock()
		// A scan stopped for a restart may return after its successor started.
		if gen == a.scanGen {
			a.scanning = false
		}
		a.mu.Unlock()
		if err != nil {
			a.log.WithError(err).Warn("scan ended")
		}
	}()
	a.log.Info("discovery started")
	return true
}

// CancelDiscovery stops a running scan.
func (a *Adapter) CancelDiscovery() {
	a.mu.Lock()
	scanning := a.scanning
	a.scanning = false
	a.mu.Unlock()
	if !scanning {
		return
	}
	if err := a.dev.StopScan(); err != nil {
		a.log.WithError(err).Warn("stop scan")
		return
	}
	a.log.Info("discovery stopped")
}
