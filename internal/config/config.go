// Package config loads kvass settings from defaults, an optional YAML or
// TOML file and KVASS_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config holds the settings of every kvass role. Each subcommand only
// validates and uses its own section.
type Config struct {
	// LogLevel controls logging verbosity (debug, info, warn, error)
	LogLevel string `yaml:"log_level" toml:"log_level"`

	// Transport is tcp, ws or quic and must match between broker and agents
	Transport Transport `yaml:"transport" toml:"transport"`

	// WSPath is the HTTP path of the WebSocket endpoint
	WSPath string `yaml:"ws_path" toml:"ws_path"`

	Broker BrokerConfig `yaml:"broker" toml:"broker"`
	Main   MainConfig   `yaml:"main" toml:"main"`
	Sub    SubConfig    `yaml:"sub" toml:"sub"`
}

// BrokerConfig configures the rendezvous broker
type BrokerConfig struct {
	Listen            string        `yaml:"listen" toml:"listen"`
	Admin             string        `yaml:"admin" toml:"admin"`
	DuplicatePolicy   string        `yaml:"duplicate_policy" toml:"duplicate_policy"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout" toml:"handshake_timeout"`
	DataConnTimeout   time.Duration `yaml:"data_conn_timeout" toml:"data_conn_timeout"`
	SpliceIdleTimeout time.Duration `yaml:"splice_idle_timeout" toml:"splice_idle_timeout"`
	HalfClose         bool          `yaml:"half_close" toml:"half_close"`
	HandshakeRate     float64       `yaml:"handshake_rate" toml:"handshake_rate"`
	HandshakeBurst    int           `yaml:"handshake_burst" toml:"handshake_burst"`
}

// MainConfig configures the Main Agent that exposes a backend
type MainConfig struct {
	Broker         string        `yaml:"broker" toml:"broker"`
	Backend        string        `yaml:"backend" toml:"backend"`
	ID             uint8         `yaml:"id" toml:"id"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay" toml:"reconnect_delay"`
	DialTimeout    time.Duration `yaml:"dial_timeout" toml:"dial_timeout"`

	// Proxy is an optional socks5:// URL the broker is dialed through
	Proxy string `yaml:"proxy" toml:"proxy"`

	// SpliceIdleTimeout and HalfClose tune the splice to the backend, as on the broker
	SpliceIdleTimeout time.Duration `yaml:"splice_idle_timeout" toml:"splice_idle_timeout"`
	HalfClose         bool          `yaml:"half_close" toml:"half_close"`
}

// SubConfig configures the Caller Agent
type SubConfig struct {
	Broker      string        `yaml:"broker" toml:"broker"`
	Bind        string        `yaml:"bind" toml:"bind"`
	ID          uint8         `yaml:"id" toml:"id"`
	Target      uint8         `yaml:"target" toml:"target"`
	RetryDelay  time.Duration `yaml:"retry_delay" toml:"retry_delay"`
	DialTimeout time.Duration `yaml:"dial_timeout" toml:"dial_timeout"`
	Proxy       string        `yaml:"proxy" toml:"proxy"`

	SpliceIdleTimeout time.Duration `yaml:"splice_idle_timeout" toml:"splice_idle_timeout"`
	HalfClose         bool          `yaml:"half_close" toml:"half_close"`
}

// ConfigError lists every invalid setting found
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

// IsConfigError reports whether err is or wraps a *ConfigError
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// Default returns the built-in settings
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		Transport: TransportTCP,
		WSPath:    "/kvass",
		Broker: BrokerConfig{
			Listen:           "0.0.0.0:4321",
			DuplicatePolicy:  "replace",
			HandshakeTimeout: 10 * time.Second,
			DataConnTimeout:  10 * time.Second,
			HalfClose:        true,
		},
		Main: MainConfig{
			Broker:         "127.0.0.1:4321",
			Backend:        "127.0.0.1:3389",
			ID:             0x31,
			ReconnectDelay: time.Second,
			DialTimeout:    10 * time.Second,
			HalfClose:      true,
		},
		Sub: SubConfig{
			Broker:      "127.0.0.1:4321",
			Bind:        "127.0.0.1:4444",
			ID:          0x30,
			Target:      0x31,
			RetryDelay:  time.Second,
			DialTimeout: 10 * time.Second,
			HalfClose:   true,
		},
	}
}

// Load builds a Config from defaults, the file at path (skipped when empty)
// and the environment. Files ending in .toml are TOML, anything else YAML.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if strings.EqualFold(filepath.Ext(path), ".toml") {
			err = toml.Unmarshal(data, cfg)
		} else {
			err = yaml.Unmarshal(data, cfg)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides settings from KVASS_* variables
func (c *Config) applyEnv() error {
	var problems []string
	bad := func(key string, err error) {
		problems = append(problems, fmt.Sprintf("%s: %v", key, err))
	}

	c.LogLevel = getEnvOrDefault("KVASS_LOG_LEVEL", c.LogLevel)
	c.Transport = Transport(getEnvOrDefault("KVASS_TRANSPORT", c.Transport.String()))
	c.WSPath = getEnvOrDefault("KVASS_WS_PATH", c.WSPath)

	c.Broker.Listen = getEnvOrDefault("KVASS_LISTEN", c.Broker.Listen)
	c.Broker.Admin = getEnvOrDefault("KVASS_ADMIN", c.Broker.Admin)
	c.Broker.DuplicatePolicy = getEnvOrDefault("KVASS_DUPLICATE_POLICY", c.Broker.DuplicatePolicy)

	durations := map[string]*time.Duration{
		"KVASS_HANDSHAKE_TIMEOUT":   &c.Broker.HandshakeTimeout,
		"KVASS_DATA_CONN_TIMEOUT":   &c.Broker.DataConnTimeout,
		"KVASS_RECONNECT_DELAY":     &c.Main.ReconnectDelay,
		"KVASS_RETRY_DELAY":         &c.Sub.RetryDelay,
	}
	for key, dst := range durations {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				bad(key, err)
				continue
			}
			*dst = d
		}
	}

	// Splice settings apply to every hop of a pairing
	if v := os.Getenv("KVASS_SPLICE_IDLE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			bad("KVASS_SPLICE_IDLE_TIMEOUT", err)
		} else {
			c.Broker.SpliceIdleTimeout = d
			c.Main.SpliceIdleTimeout = d
			c.Sub.SpliceIdleTimeout = d
		}
	}

	// One broker address serves both agent roles
	if v := os.Getenv("KVASS_BROKER"); v != "" {
		c.Main.Broker = v
		c.Sub.Broker = v
	}
	c.Main.Backend = getEnvOrDefault("KVASS_BACKEND", c.Main.Backend)
	c.Sub.Bind = getEnvOrDefault("KVASS_BIND", c.Sub.Bind)
	if v := os.Getenv("KVASS_PROXY"); v != "" {
		c.Main.Proxy = v
		c.Sub.Proxy = v
	}

	ids := map[string]*uint8{
		"KVASS_MAIN_ID":    &c.Main.ID,
		"KVASS_SUB_ID":     &c.Sub.ID,
		"KVASS_SUB_TARGET": &c.Sub.Target,
	}
	for key, dst := range ids {
		if v := os.Getenv(key); v != "" {
			id, err := ParseID(v)
			if err != nil {
				bad(key, err)
				continue
			}
			*dst = id
		}
	}

	if v := os.Getenv("KVASS_HALF_CLOSE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			bad("KVASS_HALF_CLOSE", err)
		} else {
			c.Broker.HalfClose = b
			c.Main.HalfClose = b
			c.Sub.HalfClose = b
		}
	}

	if len(problems) > 0 {
		return &ConfigError{Problems: problems}
	}
	return nil
}

// ParseID parses a one-byte session id, decimal or 0x-prefixed hex
func ParseID(s string) (uint8, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q: must be 0-255 or 0x00-0xff", s)
	}
	return uint8(v), nil
}

// ValidateBroker checks the settings the broker needs
func (c *Config) ValidateBroker() error {
	p := c.common()
	p.addr("broker.listen", c.Broker.Listen)
	if c.Broker.Admin != "" {
		p.addr("broker.admin", c.Broker.Admin)
	}
	if c.Broker.DuplicatePolicy != "replace" && c.Broker.DuplicatePolicy != "reject" {
		p.add("broker.duplicate_policy must be replace or reject, got %q", c.Broker.DuplicatePolicy)
	}
	p.positive("broker.handshake_timeout", c.Broker.HandshakeTimeout)
	p.positive("broker.data_conn_timeout", c.Broker.DataConnTimeout)
	if c.Broker.SpliceIdleTimeout < 0 {
		p.add("broker.splice_idle_timeout must not be negative")
	}
	if c.Broker.HandshakeRate < 0 {
		p.add("broker.handshake_rate must not be negative")
	}
	return p.err()
}

// ValidateMain checks the settings the Main Agent needs
func (c *Config) ValidateMain() error {
	p := c.common()
	p.addr("main.broker", c.Main.Broker)
	p.addr("main.backend", c.Main.Backend)
	p.positive("main.reconnect_delay", c.Main.ReconnectDelay)
	if c.Main.SpliceIdleTimeout < 0 {
		p.add("main.splice_idle_timeout must not be negative")
	}
	c.proxy(p, "main.proxy", c.Main.Proxy)
	return p.err()
}

// ValidateSub checks the settings the Caller Agent needs
func (c *Config) ValidateSub() error {
	p := c.common()
	p.addr("sub.broker", c.Sub.Broker)
	p.addr("sub.bind", c.Sub.Bind)
	p.positive("sub.retry_delay", c.Sub.RetryDelay)
	if c.Sub.SpliceIdleTimeout < 0 {
		p.add("sub.splice_idle_timeout must not be negative")
	}
	c.proxy(p, "sub.proxy", c.Sub.Proxy)
	return p.err()
}

func (c *Config) common() *problems {
	p := &problems{}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		p.add("log_level must be debug, info, warn or error, got %q", c.LogLevel)
	}
	if !c.Transport.IsValid() {
		p.add("transport must be tcp, ws or quic, got %q", c.Transport)
	}
	if c.Transport == TransportWS && !strings.HasPrefix(c.WSPath, "/") {
		p.add("ws_path must start with /, got %q", c.WSPath)
	}
	return p
}

// proxy checks an agent's proxy URL; QUIC runs over UDP and cannot use one
func (c *Config) proxy(p *problems, field, value string) {
	if value == "" {
		return
	}
	if c.Transport == TransportQUIC {
		p.add("%s is not supported with the quic transport", field)
		return
	}
	u, err := url.Parse(value)
	if err != nil {
		p.add("%s: %v", field, err)
		return
	}
	switch u.Scheme {
	case "socks5", "socks5h":
		p.addr(field, u.Host)
	default:
		p.add("%s must be a socks5:// URL, got %q", field, value)
	}
}

type problems struct {
	list []string
}

func (p *problems) add(format string, args ...any) {
	p.list = append(p.list, fmt.Sprintf(format, args...))
}

func (p *problems) addr(field, value string) {
	if value == "" {
		p.add("%s is required", field)
		return
	}
	if _, port, err := net.SplitHostPort(value); err != nil {
		p.add("%s: %v", field, err)
	} else if port == "" {
		p.add("%s: missing port in %q", field, value)
	}
}

func (p *problems) positive(field string, d time.Duration) {
	if d <= 0 {
		p.add("%s must be positive", field)
	}
}

func (p *problems) err() error {
	if len(p.list) == 0 {
		return nil
	}
	return &ConfigError{Problems: p.list}
}

// getEnvOrDefault retrieves an environment variable or returns a default value
func getEnvOrDefault(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}
