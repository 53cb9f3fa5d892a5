package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blescan/internal/permission"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, 30*time.Second, cfg.ScanTimeout)
	require.NoError(t, cfg.Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	p := writeFile(t, `
backend: tinygo
transport: le
scan_timeout: 45s
auto_power_on: true
auto_scan_on_power_on: true
socket: /run/scanctl.sock
log_level: debug
permissions:
  mode: static
  required: [scan, connect]
  granted: [scan, connect, fine-location]
`)
	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, BackendTinyGo, cfg.Backend)
	assert.Equal(t, "hci0", cfg.Adapter)
	assert.Equal(t, "le", cfg.Transport)
	assert.Equal(t, 45*time.Second, cfg.ScanTimeout)
	assert.True(t, cfg.AutoPowerOn)
	assert.True(t, cfg.AutoScanOnPowerOn)
	assert.Equal(t, "/run/scanctl.sock", cfg.Socket)

	req, err := cfg.RequiredCapabilities()
	require.NoError(t, err)
	assert.Equal(t, []permission.Capability{permission.Scan, permission.Connect}, req)

	granted, err := cfg.GrantedCapabilities()
	require.NoError(t, err)
	assert.Contains(t, granted, permission.FineLocation)
}

func TestLoadRejectsInvalid(t *testing.T) {
	for name, body := range map[string]string{
		"backend":    "backend: android\n",
		"transport":  "transport: usb\n",
		"timeout":    "scan_timeout: 0s\n",
		"level":      "log_level: loud\n",
		"mode":       "permissions:\n  mode: maybe\n",
		"capability": "permissions:\n  required: [camera]\n",
		"unknown":    "colour: blue\n",
		"syntax":     "backend: [\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, body))
			require.Error(t, err)
		})
	}
}

func TestPathHonoursEnvironment(t *testing.T) {
	t.Setenv(EnvPath, "/etc/scanctl.yaml")
	assert.Equal(t, "/etc/scanctl.yaml", Path())

	t.Setenv(EnvPath, "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	assert.Equal(t, "/xdg/scanctl/config.yaml", Path())
}

func TestDefaultSocketPath(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")
	assert.Equal(t, "/run/user/1000/scanctl.sock", DefaultSocketPath())
	t.Setenv("XDG_RUNTIME_DIR", "")
	assert.Equal(t, "/tmp/scanctl.sock", DefaultSocketPath())
}
