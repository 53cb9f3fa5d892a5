// Package config loads the scanctl YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	yaml "gopkg.in/yaml.v2"

	"blescan/internal/permission"
)

// EnvPath overrides the configuration file location.
const EnvPath = "SCANCTL_CONFIG"

const (
	BackendBlueZ  = "bluez"
	BackendTinyGo = "tinygo"

	PermissionsStatic      = "static"
	PermissionsInteractive = "interactive"
)

// Permissions configures the permission model.
type Permissions struct {
	// Mode is PermissionsStatic (answer from Granted) or
	// PermissionsInteractive (wait for `scanctl grant|deny`).
	Mode     string   `yaml:"mode"`
	Required []string `yaml:"required"`
	// Granted seeds the permission state and answers static requests.
	Granted []string `yaml:"granted"`
}

// Config is the whole configuration file.
type Config struct {
	Backend           string        `yaml:"backend"`
	Adapter           string        `yaml:"adapter"`
	Transport         string        `yaml:"transport"`
	ScanTimeout       time.Duration `yaml:"scan_timeout"`
	AutoPowerOn       bool          `yaml:"auto_power_on"`
	AutoScanOnPowerOn bool          `yaml:"auto_scan_on_power_on"`
	Socket            string        `yaml:"socket"`
	LogLevel          string        `yaml:"log_level"`
	Permissions       Permissions   `yaml:"permissions"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	required := make([]string, 0, len(permission.DefaultRequired))
	for _, c := range permission.DefaultRequired {
		required = append(required, string(c))
	}
	return Config{
		Backend:     BackendBlueZ,
		Adapter:     "hci0",
		Transport:   "auto",
		ScanTimeout: 30 * time.Second,
		Socket:      DefaultSocketPath(),
		LogLevel:    "info",
		Permissions: Permissions{
			Mode:     PermissionsInteractive,
			Required: required,
		},
	}
}

// Path returns $SCANCTL_CONFIG, or $XDG_CONFIG_HOME/scanctl/config.yaml
// falling back to ~/.config.
func Path() string {
	if p := os.Getenv(EnvPath); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		dir = filepath.Join(os.Getenv("HOME"), ".config")
	}
	return filepath.Join(dir, "scanctl", "config.yaml")
}

// DefaultSocketPath is the daemon socket under $XDG_RUNTIME_DIR, or /tmp.
func DefaultSocketPath() string {
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		dir = "/tmp"
	}
	return filepath.Join(dir, "scanctl.sock")
}

// Load reads path over the defaults. A missing file yields Default().
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values the daemon cannot act on.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendBlueZ, BackendTinyGo:
	default:
		return fmt.Errorf("config: unknown backend %q", c.Backend)
	}
	switch c.Transport {
	case "auto", "le", "bredr":
	default:
		return fmt.Errorf("config: unknown transport %q", c.Transport)
	}
	if c.ScanTimeout <= 0 {
		return fmt.Errorf("config: scan_timeout must be positive, got %s", c.ScanTimeout)
	}
	if c.Socket == "" {
		return errors.New("config: socket must be set")
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	switch c.Permissions.Mode {
	case PermissionsStatic, PermissionsInteractive:
	default:
		return fmt.Errorf("config: unknown permissions mode %q", c.Permissions.Mode)
	}
	if len(c.Permissions.Required) == 0 {
		return errors.New("config: permissions.required must not be empty")
	}
	if _, err := c.RequiredCapabilities(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := c.GrantedCapabilities(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// RequiredCapabilities parses Permissions.Required.
func (c Config) RequiredCapabilities() ([]permission.Capability, error) {
	return parseCapabilities(c.Permissions.Required)
}

// GrantedCapabilities parses Permissions.Granted.
func (c Config) GrantedCapabilities() ([]permission.Capability, error) {
	return parseCapabilities(c.Permissions.Granted)
}

func parseCapabilities(names []string) ([]permission.Capability, error) {
	out := make([]permission.Capability, 0, len(names))
	for _, n := range names {
		c, err := permission.ParseCapability(n)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
