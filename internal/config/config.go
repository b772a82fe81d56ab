// ABOUTME: Configuration loading and parsing for pidgeon
// ABOUTME: YAML, TOML, or JSONC files with environment variable expansion and duration parsing

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Config represents the complete pidgeon configuration
type Config struct {
	Device    DeviceConfig    `yaml:"device" toml:"device" json:"device"`
	Server    ServerConfig    `yaml:"server" toml:"server" json:"server"`
	Session   SessionConfig   `yaml:"session" toml:"session" json:"session"`
	Upload    UploadConfig    `yaml:"upload" toml:"upload" json:"upload"`
	REPL      REPLConfig      `yaml:"repl" toml:"repl" json:"repl"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale" json:"tailscale"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging" json:"logging"`
}

// DeviceConfig describes how to find and talk to the serial device
type DeviceConfig struct {
	Identity         string `yaml:"identity" toml:"identity" json:"identity"`
	Port             string `yaml:"port" toml:"port" json:"port"` // explicit path skips discovery
	BaudRate         int    `yaml:"baud_rate" toml:"baud_rate" json:"baud_rate"`
	DelimitThreshold int    `yaml:"delimit_threshold" toml:"delimit_threshold" json:"delimit_threshold"`
	MaxLineLength    int    `yaml:"max_line_length" toml:"max_line_length" json:"max_line_length"`
}

// ServerConfig holds gateway listener configuration
type ServerConfig struct {
	Bind     string `yaml:"bind" toml:"bind" json:"bind"`
	Port     int    `yaml:"port" toml:"port" json:"port"`
	MaxConns int    `yaml:"max_conns" toml:"max_conns" json:"max_conns"`
	HTTPAddr string `yaml:"http_addr" toml:"http_addr" json:"http_addr"` // empty disables the web shim
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr" json:"grpc_addr"` // empty disables gRPC health
}

// Addr returns the gateway listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Bind, s.Port)
}

// SessionConfig holds per-session timing
type SessionConfig struct {
	ReplyWindow      time.Duration `yaml:"-" toml:"-" json:"-"`
	HandshakeTimeout time.Duration `yaml:"-" toml:"-" json:"-"`

	// TimeoutReply sends Failure{id, "TIMEOUT"} when the device stays silent
	TimeoutReply bool `yaml:"timeout_reply" toml:"timeout_reply" json:"timeout_reply"`

	// Raw string values for unmarshaling
	ReplyWindowRaw      string `yaml:"reply_window" toml:"reply_window" json:"reply_window"`
	HandshakeTimeoutRaw string `yaml:"handshake_timeout" toml:"handshake_timeout" json:"handshake_timeout"`
}

// UploadConfig holds file upload timing
type UploadConfig struct {
	ReplyTimeout time.Duration `yaml:"-" toml:"-" json:"-"`
	Debounce     time.Duration `yaml:"-" toml:"-" json:"-"`

	ReplyTimeoutRaw string `yaml:"reply_timeout" toml:"reply_timeout" json:"reply_timeout"`
	DebounceRaw     string `yaml:"debounce" toml:"debounce" json:"debounce"`
}

// REPLConfig holds interactive prompt settings
type REPLConfig struct {
	Prompt string `yaml:"prompt" toml:"prompt" json:"prompt"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled" json:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname" json:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key" json:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir" json:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral" json:"ephemeral"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level" json:"level"`
	Format string `yaml:"format" toml:"format" json:"format"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{
		Device: DeviceConfig{
			Identity:         "crow: telephone line",
			BaudRate:         115200,
			DelimitThreshold: 64,
			MaxLineLength:    64 * 1024,
		},
		Server: ServerConfig{
			Bind:     "127.0.0.1",
			Port:     6666,
			MaxConns: 10,
		},
		Session: SessionConfig{
			ReplyWindowRaw:      "200ms",
			HandshakeTimeoutRaw: "10s",
		},
		Upload: UploadConfig{
			ReplyTimeoutRaw: "500ms",
			DebounceRaw:     "250ms",
		},
		REPL: REPLConfig{
			Prompt: ">> ",
		},
		Tailscale: TailscaleConfig{
			Hostname: "pidgeon",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
	// defaults always parse
	_ = parseDurations(cfg)
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// The format follows the extension: .toml, .json/.jsonc, anything else is YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Fields missing from the file keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := []byte(expandEnvVars(string(data)))

	cfg := Default()
	if err := decode(path, expanded, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault loads path, falling back to Default when the file does not
// exist. Any other failure is returned.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		_, err := toml.Decode(string(data), cfg)
		return err
	case ".json", ".jsonc":
		return json.Unmarshal(jsonc.ToJSON(data), cfg)
	default:
		return yaml.Unmarshal(data, cfg)
	}
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all configuration fields are usable.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Device.Port == "" && c.Device.Identity == "" {
		return fmt.Errorf("device.identity is required when device.port is not set")
	}
	if c.Device.BaudRate <= 0 {
		return fmt.Errorf("device.baud_rate must be positive, got %d", c.Device.BaudRate)
	}
	if c.Device.DelimitThreshold <= 0 {
		return fmt.Errorf("device.delimit_threshold must be positive, got %d", c.Device.DelimitThreshold)
	}
	if c.Device.MaxLineLength <= 0 {
		return fmt.Errorf("device.max_line_length must be positive, got %d", c.Device.MaxLineLength)
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", c.Server.Port)
	}
	if c.Server.MaxConns <= 0 {
		return fmt.Errorf("server.max_conns must be positive, got %d", c.Server.MaxConns)
	}

	if c.Session.ReplyWindow <= 0 {
		return fmt.Errorf("session.reply_window must be positive")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"session.reply_window", cfg.Session.ReplyWindowRaw, &cfg.Session.ReplyWindow},
		{"session.handshake_timeout", cfg.Session.HandshakeTimeoutRaw, &cfg.Session.HandshakeTimeout},
		{"upload.reply_timeout", cfg.Upload.ReplyTimeoutRaw, &cfg.Upload.ReplyTimeout},
		{"upload.debounce", cfg.Upload.DebounceRaw, &cfg.Upload.Debounce},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
