// Package bluez drives a host Bluetooth adapter through the BlueZ D-Bus API.
//
// Adapter implements scan.Adapter, EnableFlow implements scan.EnableFlow.
// Adapter methods are safe for concurrent use; Close is idempotent.
package bluez

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	dbus "github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
)

const (
	bluezService    = "org.bluez"
	adapterIface    = "org.bluez.Adapter1"
	deviceIface     = "org.bluez.Device1"
	objManagerIface = "org.freedesktop.DBus.ObjectManager"
	propsIface      = "org.freedesktop.DBus.Properties"
	propsChanged    = propsIface + ".PropertiesChanged"
	ifacesAdded     = objManagerIface + ".InterfacesAdded"
)

// Transports accepted by SetDiscoveryFilter. TransportAuto clears the filter.
const (
	TransportAuto  = "auto"
	TransportLE    = "le"
	TransportBREDR = "bredr"
)

// Options configures an Adapter.
type Options struct {
	// Name is the adapter name, e.g. "hci0".
	Name string
	// Transport restricts discovery; empty means TransportAuto.
	Transport string
	Logger    logrus.FieldLogger
}

// Device is what gets logged for each discovered device.
type Device struct {
	Path  string
	MAC   string
	Name  string
	Alias string
	RSSI  int16
}

// Adapter is one BlueZ adapter on the system bus. The bus is connected on
// first use.
type Adapter struct {
	path      dbus.ObjectPath
	transport string
	log       logrus.FieldLogger

	mu     sync.Mutex
	closed bool
	bus    *dbus.Conn

	// stopWatch ends the device watcher of a running discovery.
	stopWatch context.CancelFunc

	// cleanup functions to release resources in Close (executed once, in reverse order).
	cleanup []func()
}

// New returns an Adapter for opts.Name. No D-Bus traffic happens until the
// first call.
func New(opts Options) *Adapter {
	name := opts.Name
	if name == "" {
		name = "hci0"
	}
	transport := opts.Transport
	if transport == "" {
		transport = TransportAuto
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Adapter{
		path:      adapterPath(name),
		transport: transport,
		log:       log.WithField("adapter", name),
	}
}

func adapterPath(name string) dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + name)
}

// ensureBusLocked connects to the system bus if not yet connected.
func (a *Adapter) ensureBusLocked() error {
	if a.closed {
		return errors.New("bluez: closed")
	}
	if a.bus != nil {
		return nil
	}
	c, err := dbus.SystemBus()
	if err != nil {
		return fmt.Errorf("bluez: connect system bus: %w", err)
	}
	a.bus = c
	// Close the bus last during cleanup.
	a.cleanup = append(a.cleanup, func() { c.Close() })
	return nil
}

func (a *Adapter) conn() (*dbus.Conn, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ensureBusLocked(); err != nil {
		return nil, err
	}
	return a.bus, nil
}

func (a *Adapter) getProp(prop string) (dbus.Variant, error) {
	bus, err := a.conn()
	if err != nil {
		return dbus.Variant{}, err
	}
	var v dbus.Variant
	if err := bus.Object(bluezService, a.path).Call(propsIface+".Get", 0, adapterIface, prop).Store(&v); err != nil {
		return dbus.Variant{}, fmt.Errorf("bluez: get %s: %w", prop, err)
	}
	return v, nil
}

func (a *Adapter) getBool(prop string) (bool, error) {
	v, err := a.getProp(prop)
	if err != nil {
		return false, err
	}
	b, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("bluez: property %s is not bool", prop)
	}
	return b, nil
}

// IsPresent reports whether BlueZ exposes the adapter.
func (a *Adapter) IsPresent() bool {
	if _, err := a.getProp("Address"); err != nil {
		a.log.WithError(err).Warn("adapter not available")
		return false
	}
	return true
}

// IsEnabled reports the adapter's Powered property.
func (a *Adapter) IsEnabled() bool {
	on, err := a.getBool("Powered")
	if err != nil {
		a.log.WithError(err).Warn("read Powered")
		return false
	}
	return on
}

// PowerOn sets Powered to true. BlueZ replies once the adapter is up, or
// with org.bluez.Error.Blocked when rfkill forbids it.
func (a *Adapter) PowerOn() error {
	bus, err := a.conn()
	if err != nil {
		return err
	}
	call := bus.Object(bluezService, a.path).Call(propsIface+".Set", 0, adapterIface, "Powered", dbus.MakeVariant(true))
	if call.Err != nil {
		return fmt.Errorf("bluez: power on: %w", call.Err)
	}
	return nil
}

// StartDiscovery applies the transport filter and starts discovery. Devices
// found while discovering are logged.
func (a *Adapter) StartDiscovery() bool {
	bus, err := a.conn()
	if err != nil {
		a.log.WithError(err).Error("start discovery")
		return false
	}
	obj := bus.Object(bluezService, a.path)
	if err := obj.Call(adapterIface+".SetDiscoveryFilter", 0, discoveryFilter(a.transport)).Err; err != nil {
		// Older BlueZ lacks filters; discovery still works without one.
		a.log.WithError(err).Warn("SetDiscoveryFilter")
	}
	if err := obj.Call(adapterIface+".StartDiscovery", 0).Err; err != nil {
		a.log.WithError(err).Error("StartDiscovery")
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	if a.stopWatch != nil {
		a.stopWatch()
	}
	a.stopWatch = cancel
	a.mu.Unlock()
	if err := a.watchDevices(ctx, bus); err != nil {
		a.log.WithError(err).Warn("device watcher not started")
	}
	a.log.WithField("transport", a.transport).Info("discovery started")
	return true
}

// CancelDiscovery stops discovery if the adapter reports it is discovering.
func (a *Adapter) CancelDiscovery() {
	a.mu.Lock()
	if a.stopWatch != nil {
		a.stopWatch()
		a.stopWatch = nil
	}
	a.mu.Unlock()

	discovering, err := a.getBool("Discovering")
	if err != nil || !discovering {
		return
	}
	bus, err := a.conn()
	if err != nil {
		return
	}
	if err := bus.Object(bluezService, a.path).Call(adapterIface+".StopDiscovery", 0).Err; err != nil {
		a.log.WithError(err).Warn("StopDiscovery")
		return
	}
	a.log.Info("discovery stopped")
}

// WatchPower calls fn with the new Powered value each time the adapter's
// Powered property changes, until ctx is done.
func (a *Adapter) WatchPower(ctx context.Context, fn func(powered bool)) error {
	bus, err := a.conn()
	if err != nil {
		return err
	}
	match := []dbus.MatchOption{
		dbus.WithMatchObjectPath(a.path),
		dbus.WithMatchInterface(propsIface),
		dbus.WithMatchMember("PropertiesChanged"),
	}
	if err := bus.AddMatchSignal(match...); err != nil {
		return fmt.Errorf("bluez: AddMatchSignal: %w", err)
	}
	sigCh := make(chan *dbus.Signal, 16)
	bus.Signal(sigCh)

	go func() {
		defer func() {
			bus.RemoveSignal(sigCh)
			_ = bus.RemoveMatchSignal(match...)
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case sig, ok := <-sigCh:
				if !ok {
					return
				}
				if powered, ok := poweredFromSignal(sig, a.path); ok {
					a.log.WithField("powered", powered).Info("adapter power changed")
					fn(powered)
				}
			}
		}
	}()
	return nil
}

func (a *Adapter) watchDevices(ctx context.Context, bus *dbus.Conn) error {
	match := []dbus.MatchOption{
		dbus.WithMatchInterface(objManagerIface),
		dbus.WithMatchMember("InterfacesAdded"),
	}
	if err := bus.AddMatchSignal(match...); err != nil {
		return fmt.Errorf("bluez: AddMatchSignal: %w", err)
	}
	sigCh := make(chan *dbus.Signal, 16)
	bus.Signal(sigCh)

	go func() {
		defer func() {
			bus.RemoveSignal(sigCh)
			_ = bus.RemoveMatchSignal(match...)
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case sig, ok := <-sigCh:
				if !ok {
					return
				}
				if sig == nil || sig.Name != ifacesAdded || len(sig.Body) < 2 {
					continue
				}
				path, _ := sig.Body[0].(dbus.ObjectPath)
				ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
				if !strings.HasPrefix(string(path), string(a.path)+"/") {
					continue
				}
				if dev, ok := deviceFromIfaces(path, ifaces); ok {
					a.log.WithFields(logrus.Fields{
						"mac":  dev.MAC,
						"name": dev.Name,
						"rssi": dev.RSSI,
					}).Info("device found")
				}
			}
		}
	}()
	return nil
}

// Close releases the bus connection and stops watchers. Safe for redundant
// calls.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	if a.stopWatch != nil {
		a.stopWatch()
		a.stopWatch = nil
	}
	cleanup := a.cleanup
	a.cleanup = nil
	a.mu.Unlock()

	// Run cleanup outside the lock in reverse order of registration.
	for i := len(cleanup) - 1; i >= 0; i-- {
		cleanup[i]()
	}
	return nil
}

// Helpers

func discoveryFilter(transport string) map[string]dbus.Variant {
	filter := make(map[string]dbus.Variant)
	switch transport {
	case TransportLE, TransportBREDR:
		filter["Transport"] = dbus.MakeVariant(transport)
	}
	return filter
}

// poweredFromSignal extracts the new Powered value from a PropertiesChanged
// signal emitted by the adapter at path.
func poweredFromSignal(sig *dbus.Signal, path dbus.ObjectPath) (bool, bool) {
	if sig == nil || sig.Name != propsChanged || sig.Path != path {
		return false, false
	}
	// Body: [interface_name string, changed_props map[string]Variant, invalidated []string]
	if len(sig.Body) < 2 {
		return false, false
	}
	if iface, _ := sig.Body[0].(string); iface != adapterIface {
		return false, false
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return false, false
	}
	v, ok := changed["Powered"]
	if !ok {
		return false, false
	}
	powered, ok := v.Value().(bool)
	return powered, ok
}

func deviceFromIfaces(path dbus.ObjectPath, ifaces map[string]map[string]dbus.Variant) (Device, bool) {
	props, ok := ifaces[deviceIface]
	if !ok {
		return Device{}, false
	}
	dev := Device{Path: string(path)}
	if v, ok := props["Address"]; ok {
		dev.MAC, _ = v.Value().(string)
	}
	if v, ok := props["Name"]; ok {
		dev.Name, _ = v.Value().(string)
	}
	if v, ok := props["Alias"]; ok {
		dev.Alias, _ = v.Value().(string)
	}
	if v, ok := props["RSSI"]; ok {
		dev.RSSI, _ = v.Value().(int16)
	}
	if dev.MAC == "" {
		dev.MAC = macFromPath(path)
	}
	if dev.Name == "" {
		dev.Name = dev.Alias
	}
	return dev, true
}

func macFromPath(p dbus.ObjectPath) string {
	s := string(p)
	// Expect .../dev_XX_XX_XX_XX_XX_XX
	idx := strings.LastIndex(s, "/dev_")
	if idx < 0 {
		return ""
	}
	return strings.ReplaceAll(s[idx+5:], "_", ":")
}
