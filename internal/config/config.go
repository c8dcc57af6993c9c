// Package config loads the flasher settings. They are read once at start-up
// and stay fixed for the process lifetime.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"esp32flasher/internal/ports"
)

// AppName names the config and log directories.
const AppName = "esp32flasher"

// Tool backends.
const (
	BackendEsptool = "esptool"
	BackendNative  = "native"
)

// Config is the top-level application configuration.
type Config struct {
	Firmware FirmwareConfig `yaml:"firmware"`
	Ports    PortsConfig    `yaml:"ports"`
	Tool     ToolConfig     `yaml:"tool"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Display  DisplayConfig  `yaml:"display"`
	Logger   LoggerConfig   `yaml:"logger"`
}

// FirmwareConfig describes the image and the flashing parameters.
type FirmwareConfig struct {
	Path        string `yaml:"path"`
	Chip        string `yaml:"chip"`
	EraseBaud   int    `yaml:"erase_baud"` // 0 = tool default
	FlashBaud   int    `yaml:"flash_baud"`
	FlashSizeMB int    `yaml:"flash_size_mb"` // region erased by the native backend
}

// PortsConfig holds the auto-detection policy and probe settings.
type PortsConfig struct {
	Identifiers  []string      `yaml:"identifiers"`
	VIDPID       []string      `yaml:"vid_pid"` // "1A86:7523"
	ProbeRetries int           `yaml:"probe_retries"`
	ProbeDelay   time.Duration `yaml:"probe_delay"`
}

// ToolConfig selects the flashing backend.
type ToolConfig struct {
	Backend string `yaml:"backend"` // "esptool" or "native"
	Command string `yaml:"command"` // esptool invocation, split on spaces
}

// MonitorConfig holds the post-flash serial monitor settings.
type MonitorConfig struct {
	Baud        int           `yaml:"baud"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

// DisplayConfig holds front-end settings.
type DisplayConfig struct {
	Tick time.Duration `yaml:"tick"`
}

// LoggerConfig holds process log settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // console, json
	Dir    string `yaml:"dir"`    // empty = no log file
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Firmware: FirmwareConfig{
			Path:        "firmware.bin",
			Chip:        "esp32",
			FlashBaud:   460800,
			FlashSizeMB: 4,
		},
		Ports: PortsConfig{
			Identifiers:  []string{"CH340", "CH341", "USB Serial"},
			VIDPID:       []string{"1A86:7523", "1A86:7522"},
			ProbeRetries: 3,
			ProbeDelay:   2 * time.Second,
		},
		Tool: ToolConfig{
			Backend: BackendEsptool,
			Command: "python -m esptool",
		},
		Monitor: MonitorConfig{
			Baud:        115200,
			ReadTimeout: 100 * time.Millisecond,
		},
		Display: DisplayConfig{
			Tick: 100 * time.Millisecond,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "console",
			Dir:    defaultLogDir(),
		},
	}
}

// DefaultPath returns the config file location inside the user config dir.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, AppName, "config.yaml")
}

func defaultLogDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, AppName, "logs")
}

// Load reads a YAML config file and applies env var overrides. A missing file
// is not an error. The result is not validated; see Prepare.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	ApplyEnvOverrides(cfg)
	return cfg, nil
}

// Overrides are command-line values that take precedence over the file and
// the environment. Empty fields are ignored.
type Overrides struct {
	Firmware string
	Backend  string
	LogLevel string
}

// Prepare loads path, applies env vars then o, and validates the result once.
func Prepare(path string, o Overrides) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if o.Firmware != "" {
		cfg.Firmware.Path = o.Firmware
	}
	if o.Backend != "" {
		cfg.Tool.Backend = o.Backend
	}
	if o.LogLevel != "" {
		cfg.Logger.Level = o.LogLevel
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps ESP32FLASHER_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ESP32FLASHER_FIRMWARE"); v != "" {
		cfg.Firmware.Path = v
	}
	if v := os.Getenv("ESP32FLASHER_FLASH_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Firmware.FlashBaud = n
		}
	}
	if v := os.Getenv("ESP32FLASHER_MONITOR_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Monitor.Baud = n
		}
	}
	if v := os.Getenv("ESP32FLASHER_TOOL"); v != "" {
		cfg.Tool.Backend = v
	}
	if v := os.Getenv("ESP32FLASHER_ESPTOOL"); v != "" {
		cfg.Tool.Command = v
	}
	if v := os.Getenv("ESP32FLASHER_LOG_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
}

// Validate checks the config for values the flasher cannot work with.
func Validate(cfg *Config) error {
	var errs []string

	if strings.TrimSpace(cfg.Firmware.Path) == "" {
		errs = append(errs, "firmware.path is required")
	}
	if cfg.Firmware.Chip == "" {
		errs = append(errs, "firmware.chip is required")
	}
	if cfg.Firmware.FlashBaud <= 0 {
		errs = append(errs, "firmware.flash_baud must be positive")
	}
	if cfg.Firmware.EraseBaud < 0 {
		errs = append(errs, "firmware.erase_baud must not be negative")
	}
	if cfg.Monitor.Baud <= 0 {
		errs = append(errs, "monitor.baud must be positive")
	}
	if cfg.Monitor.ReadTimeout <= 0 {
		errs = append(errs, "monitor.read_timeout must be positive")
	}
	if cfg.Ports.ProbeRetries < 1 {
		errs = append(errs, "ports.probe_retries must be at least 1")
	}
	if cfg.Ports.ProbeDelay < 0 {
		errs = append(errs, "ports.probe_delay must not be negative")
	}
	if cfg.Display.Tick <= 0 {
		errs = append(errs, "display.tick must be positive")
	}
	for _, v := range cfg.Ports.VIDPID {
		if _, err := ports.ParseVIDPID(v); err != nil {
			errs = append(errs, fmt.Sprintf("ports.vid_pid: %v", err))
		}
	}
	switch cfg.Tool.Backend {
	case BackendEsptool:
		if len(strings.Fields(cfg.Tool.Command)) == 0 {
			errs = append(errs, "tool.command is required for the esptool backend")
		}
	case BackendNative:
		if cfg.Firmware.FlashSizeMB <= 0 {
			errs = append(errs, "firmware.flash_size_mb must be positive for the native backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("tool.backend %q is not one of esptool, native", cfg.Tool.Backend))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// MatchPolicy builds the port auto-detection policy.
func (c *Config) MatchPolicy() ports.MatchPolicy {
	policy := ports.MatchPolicy{Identifiers: c.Ports.Identifiers}
	for _, v := range c.Ports.VIDPID {
		if id, err := ports.ParseVIDPID(v); err == nil {
			policy.IDs = append(policy.IDs, id)
		}
	}
	return policy
}
