package bluez

import (
	"testing"

	dbus "github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoweredFromSignal(t *testing.T) {
	path := adapterPath("hci0")
	signal := func(p dbus.ObjectPath, iface string, changed map[string]dbus.Variant) *dbus.Signal {
		return &dbus.Signal{
			Path: p,
			Name: propsChanged,
			Body: []interface{}{iface, changed, []string{}},
		}
	}

	tests := []struct {
		name    string
		sig     *dbus.Signal
		powered bool
		ok      bool
	}{
		{"on", signal(path, adapterIface, map[string]dbus.Variant{"Powered": dbus.MakeVariant(true)}), true, true},
		{"off", signal(path, adapterIface, map[string]dbus.Variant{"Powered": dbus.MakeVariant(false)}), false, true},
		{"other property", signal(path, adapterIface, map[string]dbus.Variant{"Discovering": dbus.MakeVariant(true)}), false, false},
		{"other adapter", signal(adapterPath("hci1"), adapterIface, map[string]dbus.Variant{"Powered": dbus.MakeVariant(true)}), false, false},
		{"device interface", signal(path, deviceIface, map[string]dbus.Variant{"Powered": dbus.MakeVariant(true)}), false, false},
		{"wrong type", signal(path, adapterIface, map[string]dbus.Variant{"Powered": dbus.MakeVariant("yes")}), false, false},
		{"short body", &dbus.Signal{Path: path, Name: propsChanged, Body: []interface{}{adapterIface}}, false, false},
		{"nil", nil, false, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			powered, ok := poweredFromSignal(tc.sig, path)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.powered, powered)
		})
	}
}

func TestDeviceFromIfaces(t *testing.T) {
	path := dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF")

	dev, ok := deviceFromIfaces(path, map[string]map[string]dbus.Variant{
		deviceIface: {
			"Address": dbus.MakeVariant("AA:BB:CC:DD:EE:FF"),
			"Name":    dbus.MakeVariant("Thermo"),
			"RSSI":    dbus.MakeVariant(int16(-61)),
		},
	})
	require.True(t, ok)
	assert.Equal(t, Device{Path: string(path), MAC: "AA:BB:CC:DD:EE:FF", Name: "Thermo", RSSI: -61}, dev)

	dev, ok = deviceFromIfaces(path, map[string]map[string]dbus.Variant{
		deviceIface: {"Alias": dbus.MakeVariant("AA-BB")},
	})
	require.True(t, ok)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", dev.MAC)
	assert.Equal(t, "AA-BB", dev.Name)

	_, ok = deviceFromIfaces(path, map[string]map[string]dbus.Variant{adapterIface: {}})
	assert.False(t, ok)
}

func TestMacFromPath(t *testing.T) {
	assert.Equal(t, "11:22:33:44:55:66", macFromPath("/org/bluez/hci0/dev_11_22_33_44_55_66"))
	assert.Equal(t, "", macFromPath("/org/bluez/hci0"))
}

func TestDiscoveryFilter(t *testing.T) {
	assert.Empty(t, discoveryFilter(TransportAuto))
	assert.Equal(t, "le", discoveryFilter(TransportLE)["Transport"].Value())
	assert.Equal(t, "bredr", discoveryFilter(TransportBREDR)["Transport"].Value())
}

func TestNewDefaults(t *testing.T) {
	a := New(Options{})
	assert.Equal(t, dbus.ObjectPath("/org/bluez/hci0"), a.path)
	assert.Equal(t, TransportAuto, a.transport)
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	assert.False(t, a.IsPresent())
}
