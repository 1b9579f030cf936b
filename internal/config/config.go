// Package config loads and validates the optional .lvbench YAML file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the configuration file looked up from the working
// directory upward.
const FileName = ".lvbench"

// Default values for runner and session configuration.
const (
	DefaultTimeout     = 30 * time.Minute
	DefaultMaxOutput   = 1 << 20 // 1 MB
	DefaultResultsDir  = "results"
	DefaultSentinel    = "Benchmark Over"
	DefaultReadTimeout = 120 * time.Second
	DefaultGracePeriod = 30 * time.Second
	DefaultKillWait    = 5 * time.Second
)

// Config holds the parsed .lvbench configuration.
// All fields are optional; zero values represent defaults.
type Config struct {
	Version       int           `yaml:"version"`
	RawWorkspace  string        `yaml:"workspace"`   // board project root
	RawResultsDir string        `yaml:"results_dir"` // relative to the workspace
	RawTimeout    string        `yaml:"timeout"`     // per toolchain command, e.g. "30m"
	RawMaxOutput  int           `yaml:"max_output"`  // bytes
	Session       SessionConfig `yaml:"session"`
	ESP32         ESP32Config   `yaml:"esp32"`
	RZG3E         RZG3EConfig   `yaml:"rzg3e"`
	STM32         STM32Config   `yaml:"stm32"`
	Native        NativeConfig  `yaml:"native"`
	Store         StoreConfig   `yaml:"store"`
}

// SessionConfig controls benchmark run supervision.
type SessionConfig struct {
	RawSentinel    string `yaml:"sentinel"`
	RawReadTimeout string `yaml:"read_timeout"`
	RawGracePeriod string `yaml:"grace_period"`
	RawKillWait    string `yaml:"kill_wait"`
}

// ESP32Config describes the ESP32-S3 bench.
type ESP32Config struct {
	IDFRoot    string   `yaml:"idf_root"`    // directory holding esp-idf<version>/
	IDFVersion string   `yaml:"idf_version"` // default for configs without a variant
	FlashPorts []string `yaml:"flash_ports"` // probed in order for the board MAC
	MAC        string   `yaml:"mac"`
	Baud       int      `yaml:"baud"`       // application console
	FlashBaud  int      `yaml:"flash_baud"` // esptool write_flash
	HALURL     string   `yaml:"hal_url"`    // ESP_HAL_3RDPARTY_URL for NuttX builds

	// Variants override the fields above for one board config.
	Variants map[string]ESP32Variant `yaml:"variants"`
}

// ESP32Variant overrides ESP32Config for a single board config.
type ESP32Variant struct {
	IDFVersion string `yaml:"idf_version"`
	MAC        string `yaml:"mac"`
	Project    string `yaml:"project"`  // relative to the workspace
	AppPort    string `yaml:"app_port"` // console port when it differs from the flash port
	Handshake  string `yaml:"handshake"`
}

// RZG3EConfig describes the Renesas RZ/G3E target reached over SSH.
type RZG3EConfig struct {
	Address string `yaml:"address"`
	User    string `yaml:"user"`
	SDKEnv  string `yaml:"sdk_env"` // environment-setup script of the Yocto SDK
	Project string `yaml:"project"`
	Binary  string `yaml:"binary"`
}

// STM32Config describes the STM32U5G9J-DK2 board. Runs are skipped
// unless RunEnabled is set, in which case FlashCommand is run from the
// project directory and the benchmark is read from Console.
type STM32Config struct {
	Project      string   `yaml:"project"`
	RunEnabled   bool     `yaml:"run_enabled"`
	FlashCommand []string `yaml:"flash_command"`
	Console      string   `yaml:"console"`
	Baud         int      `yaml:"baud"`
}

// StoreConfig controls how run records are kept.
type StoreConfig struct {
	Compression string `yaml:"compression"` // zstd (default), lz4 or none
	Cache       int    `yaml:"cache"`       // records kept in memory by the MCP server
}

// DefaultStoreCache is the number of records cached in memory.
const DefaultStoreCache = 32

// CacheSize returns the configured record cache size or the default.
func (s *StoreConfig) CacheSize() int {
	if s.Cache > 0 {
		return s.Cache
	}
	return DefaultStoreCache
}

// NativeConfig controls host builds.
type NativeConfig struct {
	BuildPrefix string `yaml:"build_prefix"` // build directory is <prefix><config>
}

// Timeout returns the configured timeout or the default.
func (c *Config) Timeout() time.Duration {
	return duration(c.RawTimeout, DefaultTimeout)
}

// MaxOutputBytes returns the configured max output size or the default.
func (c *Config) MaxOutputBytes() int {
	if c.RawMaxOutput > 0 {
		return c.RawMaxOutput
	}
	return DefaultMaxOutput
}

// ResultsDir returns the results directory, resolved against workspace
// when relative.
func (c *Config) ResultsDir(workspace string) string {
	dir := c.RawResultsDir
	if dir == "" {
		dir = DefaultResultsDir
	}
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(workspace, dir)
}

// Sentinel returns the completion marker.
func (s *SessionConfig) Sentinel() string {
	if s.RawSentinel != "" {
		return s.RawSentinel
	}
	return DefaultSentinel
}

// ReadTimeout returns the maximum silence between output lines.
func (s *SessionConfig) ReadTimeout() time.Duration {
	return duration(s.RawReadTimeout, DefaultReadTimeout)
}

// GracePeriod returns how long a stopped run has before it is killed.
func (s *SessionConfig) GracePeriod() time.Duration {
	return duration(s.RawGracePeriod, DefaultGracePeriod)
}

// KillWait returns how long to wait after a kill before giving up.
func (s *SessionConfig) KillWait() time.Duration {
	return duration(s.RawKillWait, DefaultKillWait)
}

func duration(raw string, fallback time.Duration) time.Duration {
	if raw != "" {
		d, err := time.ParseDuration(raw)
		if err == nil && d > 0 {
			return d
		}
	}
	return fallback
}

// Validate reports malformed values. Missing values are not errors.
func (c *Config) Validate() error {
	raw := map[string]string{
		"timeout":              c.RawTimeout,
		"session.read_timeout": c.Session.RawReadTimeout,
		"session.grace_period": c.Session.RawGracePeriod,
		"session.kill_wait":    c.Session.RawKillWait,
	}
	for key, value := range raw {
		if value == "" {
			continue
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s: must be positive, got %s", key, value)
		}
	}
	switch c.Store.Compression {
	case "", "zstd", "lz4", "none":
	default:
		return fmt.Errorf("store.compression: unknown codec %q", c.Store.Compression)
	}
	if c.RawMaxOutput < 0 {
		return fmt.Errorf("max_output: must not be negative")
	}
	return nil
}

// LoadResult holds the parsed config and the discovered workspace.
type LoadResult struct {
	Config    *Config
	Workspace string // board project root
	Path      string // config file read, empty when none was found
}

// Load reads the .lvbench file found by walking upward from dir. The
// workspace is the configured one, else the directory holding the file,
// else dir itself. If no .lvbench file exists, a default Config is
// returned.
func Load(dir string) (*LoadResult, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}

	path, err := findConfig(dir)
	if err != nil {
		return &LoadResult{Config: &Config{}, Workspace: dir}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", FileName, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", FileName, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", FileName, err)
	}

	root := filepath.Dir(path)
	workspace := root
	if cfg.RawWorkspace != "" {
		workspace = cfg.RawWorkspace
		if !filepath.IsAbs(workspace) {
			workspace = filepath.Join(root, workspace)
		}
	}
	return &LoadResult{Config: cfg, Workspace: filepath.Clean(workspace), Path: path}, nil
}

// findConfig walks upward from dir looking for a .lvbench file.
func findConfig(dir string) (string, error) {
	for {
		path := filepath.Join(dir, FileName)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("%s not found", FileName)
		}
		dir = parent
	}
}
