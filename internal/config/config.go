// Package config loads, validates and persists framegrab settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/bryanchriswhite/framegrab/internal/capture"
	"github.com/bryanchriswhite/framegrab/internal/grabber"
	"github.com/bryanchriswhite/framegrab/internal/imaging"
	"github.com/bryanchriswhite/framegrab/internal/logger"
	"github.com/bryanchriswhite/framegrab/internal/supervisor"
	"github.com/bryanchriswhite/framegrab/internal/v4l2"
)

// Backend names accepted by the backend key.
const (
	BackendAuto = "auto"
	BackendV4L2 = "v4l2"
	BackendX11  = "x11"
)

// SignalConfig configures no-signal detection on the V4L2 backend.
type SignalConfig struct {
	Enabled        bool    `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Red            float64 `mapstructure:"red" yaml:"red" json:"red"`
	Green          float64 `mapstructure:"green" yaml:"green" json:"green"`
	Blue           float64 `mapstructure:"blue" yaml:"blue" json:"blue"`
	NoSignalFrames int     `mapstructure:"no_signal_frames" yaml:"no_signal_frames" json:"no_signal_frames"`
	HorizontalMin  float64 `mapstructure:"horizontal_min" yaml:"horizontal_min" json:"horizontal_min"`
	VerticalMin    float64 `mapstructure:"vertical_min" yaml:"vertical_min" json:"vertical_min"`
	HorizontalMax  float64 `mapstructure:"horizontal_max" yaml:"horizontal_max" json:"horizontal_max"`
	VerticalMax    float64 `mapstructure:"vertical_max" yaml:"vertical_max" json:"vertical_max"`
}

// SupervisorConfig bounds session retries.
type SupervisorConfig struct {
	MaxRetries    int           `mapstructure:"max_retries" yaml:"max_retries" json:"max_retries"`
	RetryDelay    time.Duration `mapstructure:"retry_delay" yaml:"retry_delay" json:"retry_delay"`
	MaxRetryDelay time.Duration `mapstructure:"max_retry_delay" yaml:"max_retry_delay" json:"max_retry_delay"`
}

// Config is the full application configuration.
type Config struct {
	Backend string `mapstructure:"backend" yaml:"backend" json:"backend"`

	// V4L2
	Device      string        `mapstructure:"device" yaml:"device" json:"device"`
	IOMethod    string        `mapstructure:"io_method" yaml:"io_method" json:"io_method"`
	BufferCount int           `mapstructure:"buffer_count" yaml:"buffer_count" json:"buffer_count"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout" json:"timeout"`
	MaxNotReady int           `mapstructure:"max_not_ready" yaml:"max_not_ready" json:"max_not_ready"`
	Standard    string        `mapstructure:"standard" yaml:"standard" json:"standard"`

	// X11
	PixelDecimation int `mapstructure:"pixel_decimation" yaml:"pixel_decimation" json:"pixel_decimation"`
	DisplayIndex    int `mapstructure:"display_index" yaml:"display_index" json:"display_index"`

	// Shared geometry
	Framerate int          `mapstructure:"framerate" yaml:"framerate" json:"framerate"`
	Width     int          `mapstructure:"width" yaml:"width" json:"width"`
	Height    int          `mapstructure:"height" yaml:"height" json:"height"`
	Crop      imaging.Crop `mapstructure:"crop" yaml:"crop" json:"crop"`
	VideoMode string       `mapstructure:"video_mode" yaml:"video_mode" json:"video_mode"`
	Enabled   bool         `mapstructure:"enabled" yaml:"enabled" json:"enabled"`

	SignalDetection SignalConfig `mapstructure:"signal_detection" yaml:"signal_detection" json:"signal_detection"`

	SnapshotPath  string `mapstructure:"snapshot_path" yaml:"snapshot_path" json:"snapshot_path"`
	SnapshotEvery int    `mapstructure:"snapshot_every" yaml:"snapshot_every" json:"snapshot_every"`

	ServerPort int    `mapstructure:"server_port" yaml:"server_port" json:"server_port"`
	LogLevel   string `mapstructure:"log_level" yaml:"log_level" json:"log_level"`

	Supervisor SupervisorConfig `mapstructure:"supervisor" yaml:"supervisor" json:"supervisor"`
}

// Default returns the built-in configuration.
func Default() *Config {
	policy := supervisor.DefaultPolicy()
	return &Config{
		Backend:         BackendAuto,
		Device:          v4l2.DefaultDevice,
		IOMethod:        capture.IOMemoryMapped.String(),
		BufferCount:     capture.DefaultBufferCount,
		Timeout:         capture.DefaultTimeout,
		MaxNotReady:     capture.DefaultMaxNotReady,
		Standard:        capture.StandardNoChange.String(),
		PixelDecimation: grabber.DefaultDecimation,
		Framerate:       0,
		VideoMode:       grabber.Mode2D.String(),
		Enabled:         true,
		SignalDetection: SignalConfig{
			Red:            0.1,
			Green:          0.1,
			Blue:           0.1,
			NoSignalFrames: grabber.DefaultNoSignalFrames,
			HorizontalMax:  1,
			VerticalMax:    1,
		},
		SnapshotEvery: 1,
		ServerPort:    8080,
		LogLevel:      "info",
		Supervisor: SupervisorConfig{
			MaxRetries:    policy.MaxRetries,
			RetryDelay:    policy.RetryDelay,
			MaxRetryDelay: policy.MaxRetryDelay,
		},
	}
}

// SetDefaults registers every key with its default value on v.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("backend", d.Backend)
	v.SetDefault("device", d.Device)
	v.SetDefault("io_method", d.IOMethod)
	v.SetDefault("buffer_count", d.BufferCount)
	v.SetDefault("timeout", d.Timeout)
	v.SetDefault("max_not_ready", d.MaxNotReady)
	v.SetDefault("standard", d.Standard)
	v.SetDefault("pixel_decimation", d.PixelDecimation)
	v.SetDefault("display_index", d.DisplayIndex)
	v.SetDefault("framerate", d.Framerate)
	v.SetDefault("width", d.Width)
	v.SetDefault("height", d.Height)
	v.SetDefault("crop.left", d.Crop.Left)
	v.SetDefault("crop.right", d.Crop.Right)
	v.SetDefault("crop.top", d.Crop.Top)
	v.SetDefault("crop.bottom", d.Crop.Bottom)
	v.SetDefault("video_mode", d.VideoMode)
	v.SetDefault("enabled", d.Enabled)

	v.SetDefault("signal_detection.enabled", d.SignalDetection.Enabled)
	v.SetDefault("signal_detection.red", d.SignalDetection.Red)
	v.SetDefault("signal_detection.green", d.SignalDetection.Green)
	v.SetDefault("signal_detection.blue", d.SignalDetection.Blue)
	v.SetDefault("signal_detection.no_signal_frames", d.SignalDetection.NoSignalFrames)
	v.SetDefault("signal_detection.horizontal_min", d.SignalDetection.HorizontalMin)
	v.SetDefault("signal_detection.vertical_min", d.SignalDetection.VerticalMin)
	v.SetDefault("signal_detection.horizontal_max", d.SignalDetection.HorizontalMax)
	v.SetDefault("signal_detection.vertical_max", d.SignalDetection.VerticalMax)

	v.SetDefault("snapshot_path", d.SnapshotPath)
	v.SetDefault("snapshot_every", d.SnapshotEvery)
	v.SetDefault("server_port", d.ServerPort)
	v.SetDefault("log_level", d.LogLevel)

	v.SetDefault("supervisor.max_retries", d.Supervisor.MaxRetries)
	v.SetDefault("supervisor.retry_delay", d.Supervisor.RetryDelay)
	v.SetDefault("supervisor.max_retry_delay", d.Supervisor.MaxRetryDelay)
}

// Validate checks values that cannot be expressed by their Go types.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendAuto, BackendV4L2, BackendX11:
	default:
		return fmt.Errorf("invalid backend %q (use auto, v4l2 or x11)", c.Backend)
	}
	if _, err := capture.ParseIOMethod(c.IOMethod); err != nil {
		return err
	}
	if _, err := capture.ParseStandard(c.Standard); err != nil {
		return err
	}
	if _, err := grabber.ParseVideoMode(c.VideoMode); err != nil {
		return err
	}
	if c.BufferCount < 1 {
		return fmt.Errorf("buffer_count must be positive, got %d", c.BufferCount)
	}
	if c.Width < 0 || c.Height < 0 || c.Framerate < 0 {
		return fmt.Errorf("width, height and framerate must not be negative")
	}
	if c.ServerPort < 0 || c.ServerPort > 65535 {
		return fmt.Errorf("invalid server_port %d", c.ServerPort)
	}
	if _, err := c.GrabberConfig(); err != nil {
		return err
	}
	return nil
}

// GrabberConfig returns the geometry shared by every backend.
func (c *Config) GrabberConfig() (grabber.Config, error) {
	mode, err := grabber.ParseVideoMode(c.VideoMode)
	if err != nil {
		return grabber.Config{}, err
	}
	cfg := grabber.Config{
		Width:     c.Width,
		Height:    c.Height,
		Crop:      c.Crop,
		VideoMode: mode,
		Enabled:   c.Enabled,
	}
	// NewBase performs the crop checks.
	if _, err := grabber.NewBase("config", cfg); err != nil {
		return grabber.Config{}, err
	}
	return cfg, nil
}

// V4L2Options returns the device options for the V4L2 backend.
func (c *Config) V4L2Options() (grabber.V4L2Options, error) {
	method, err := capture.ParseIOMethod(c.IOMethod)
	if err != nil {
		return grabber.V4L2Options{}, err
	}
	std, err := capture.ParseStandard(c.Standard)
	if err != nil {
		return grabber.V4L2Options{}, err
	}
	return grabber.V4L2Options{
		Device:      c.Device,
		Method:      method,
		BufferCount: c.BufferCount,
		Framerate:   c.Framerate,
		Standard:    std,
		Loop: capture.LoopConfig{
			Timeout:     c.Timeout,
			MaxNotReady: c.MaxNotReady,
		},
	}, nil
}

// X11Options returns the options for the screen grabber.
func (c *Config) X11Options() grabber.X11Options {
	return grabber.X11Options{
		Display:         c.DisplayIndex,
		Framerate:       c.Framerate,
		PixelDecimation: c.PixelDecimation,
	}
}

// Signal splits the detection settings into the grabber's types.
func (c *Config) Signal() (grabber.SignalThreshold, grabber.DetectionOffset) {
	s := c.SignalDetection
	return grabber.SignalThreshold{
			Red:            s.Red,
			Green:          s.Green,
			Blue:           s.Blue,
			NoSignalFrames: s.NoSignalFrames,
		}, grabber.DetectionOffset{
			HorizontalMin: s.HorizontalMin,
			VerticalMin:   s.VerticalMin,
			HorizontalMax: s.HorizontalMax,
			VerticalMax:   s.VerticalMax,
		}
}

// Policy returns the supervisor retry policy.
func (c *Config) Policy() supervisor.Policy {
	return supervisor.Policy{
		MaxRetries:    c.Supervisor.MaxRetries,
		RetryDelay:    c.Supervisor.RetryDelay,
		MaxRetryDelay: c.Supervisor.MaxRetryDelay,
	}
}

// Manager owns the config file and its viper instance.
type Manager struct {
	configPath string
	v          *viper.Viper
	mu         sync.RWMutex
}

// DefaultPath returns $HOME/.config/framegrab/config.yaml.
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "framegrab", "config.yaml"), nil
}

// NewManager loads configFile, or the default path when empty. A missing
// file is created with defaults.
func NewManager(configFile string) (*Manager, error) {
	path := configFile
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	v := viper.New()
	SetDefaults(v)
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("FRAMEGRAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	m := &Manager{configPath: path, v: v}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		logger.WithComponent("config").Info().
			Str("path", path).
			Msg("Config file not found, creating new config")
		if err := m.Save(); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	} else if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := m.Get()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	logger.WithComponent("config").Info().
		Str("path", m.configPath).
		Str("backend", cfg.Backend).
		Str("device", cfg.Device).
		Msg("Config loaded")

	return m, nil
}

// Get decodes the current settings.
func (m *Manager) Get() (*Config, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.decode()
}

func (m *Manager) decode() (*Config, error) {
	var cfg Config
	if err := m.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Viper exposes the underlying instance for key lookups.
func (m *Manager) Viper() *viper.Viper {
	return m.v
}

// Lookup returns the value of a known key.
func (m *Manager) Lookup(key string) (any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.v.IsSet(key) {
		return nil, fmt.Errorf("configuration key not found: %s", key)
	}
	return m.v.Get(key), nil
}

// Set parses value according to the type of key's default, applies it and
// rejects the change if the resulting configuration is invalid. It does not
// save.
func (m *Manager) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.v.IsSet(key) {
		return fmt.Errorf("configuration key not found: %s", key)
	}
	old := m.v.Get(key)

	var parsed any
	var err error
	switch old.(type) {
	case int:
		// YAML writes whole floats without a fraction.
		if parsed, err = strconv.Atoi(value); err != nil {
			parsed, err = strconv.ParseFloat(value, 64)
		}
	case bool:
		parsed, err = strconv.ParseBool(value)
	case float64:
		parsed, err = strconv.ParseFloat(value, 64)
	case time.Duration:
		parsed, err = time.ParseDuration(value)
	default:
		parsed = value
	}
	if err != nil {
		return fmt.Errorf("invalid value for %s: %q: %w", key, value, err)
	}

	m.v.Set(key, parsed)
	cfg, err := m.decode()
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		m.v.Set(key, old)
		return fmt.Errorf("rejected %s=%s: %w", key, value, err)
	}
	return nil
}

func (m *Manager) SetPort(port int) error {
	return m.Set("server_port", strconv.Itoa(port))
}

// GetConfigPath returns the config file path.
func (m *Manager) GetConfigPath() string {
	return m.configPath
}

// Save writes the current settings as YAML.
func (m *Manager) Save() error {
	m.mu.RLock()
	cfg, err := m.decode()
	m.mu.RUnlock()
	if err != nil {
		return err
	}

	log := logger.WithComponent("config")
	configDir := filepath.Dir(m.configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		log.Error().Err(err).Str("config_dir", configDir).Msg("Failed to create config directory")
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal config")
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(m.configPath, data, 0644); err != nil {
		log.Error().Err(err).Str("path", m.configPath).Msg("Failed to write config")
		return err
	}

	log.Info().Str("path", m.configPath).Msg("Config saved successfully")
	return nil
}

// Watch calls fn with the new settings whenever the file changes on disk.
// Invalid edits are logged and skipped.
func (m *Manager) Watch(fn func(*Config)) {
	log := logger.WithComponent("config")
	m.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := m.Get()
		if err == nil {
			err = cfg.Validate()
		}
		if err != nil {
			log.Warn().Err(err).Str("path", e.Name).Msg("Ignoring invalid config change")
			return
		}
		log.Info().Str("path", e.Name).Msg("Config reloaded")
		fn(cfg)
	})
	m.v.WatchConfig()
}
