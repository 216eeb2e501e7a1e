// Package config handles mock server configuration from environment
// variables and an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/markus-barta/nmosmocks/internal/node"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// Config holds all mock server configuration.
type Config struct {
	// Network
	PortBase int    `yaml:"port_base"`
	Host     string `yaml:"host"`      // advertised in hrefs
	BindAddr string `yaml:"bind_addr"` // listen address

	// Pools
	NumRegistries int `yaml:"num_registries"`
	NumSystems    int `yaml:"num_systems"`
	NodeRegistry  int `yaml:"node_registry"` // registry the mock node syncs to

	// TLS
	EnableHTTPS bool   `yaml:"enable_https"`
	CertFile    string `yaml:"cert_file"`
	KeyFile     string `yaml:"key_file"`

	// Authorization
	EnableAuth    bool   `yaml:"enable_auth"`
	AuthPublicKey string `yaml:"auth_pubkey"` // PEM file
	AuthIssuer    string `yaml:"auth_issuer"`

	// Behavior
	PagingLimit      int           `yaml:"paging_limit"`
	WSMessageTimeout time.Duration `yaml:"ws_message_timeout"`
	HTTPTimeout      time.Duration `yaml:"http_timeout"`
	JournalPath      string        `yaml:"journal_path"`
	LogLevel         string        `yaml:"log_level"`

	SDP     node.SDPPreferences `yaml:"sdp"`
	Control ControlConfig       `yaml:"control"`
}

// ControlConfig protects the control API.
type ControlConfig struct {
	PasswordHash string        `yaml:"password_hash"` // bcrypt; empty leaves the API open
	TOTPSecret   string        `yaml:"totp_secret"`   // optional
	RateLimit    int           `yaml:"rate_limit"`    // failed attempts per window
	RateWindow   time.Duration `yaml:"rate_window"`
}

// HasPassword returns true if the control API requires a password.
func (c ControlConfig) HasPassword() bool {
	return c.PasswordHash != ""
}

// HasTOTP returns true if TOTP is configured.
func (c ControlConfig) HasTOTP() bool {
	return c.TOTPSecret != ""
}

// DefaultConfig returns a config with default values.
func DefaultConfig() *Config {
	return &Config{
		PortBase:         5000,
		Host:             "127.0.0.1",
		BindAddr:         "0.0.0.0",
		NumRegistries:    6,
		NumSystems:       6,
		NodeRegistry:     1,
		PagingLimit:      100,
		WSMessageTimeout: 2 * time.Second,
		HTTPTimeout:      time.Second,
		JournalPath:      ":memory:",
		LogLevel:         "info",
		SDP:              node.DefaultSDPPreferences(),
		Control: ControlConfig{
			RateLimit:  5,
			RateWindow: time.Minute,
		},
	}
}

// Load reads the environment, overlays the YAML file named by
// NMOS_MOCKS_CONFIG when set, and validates the result.
func Load() (*Config, error) {
	cfg, err := LoadFromEnv()
	if err != nil {
		return nil, err
	}
	if path := os.Getenv("NMOS_MOCKS_CONFIG"); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables. Unparseable
// values are reported together.
func LoadFromEnv() (*Config, error) {
	cfg := DefaultConfig()
	e := &env{}

	cfg.PortBase = e.int("NMOS_PORT_BASE", cfg.PortBase)
	cfg.Host = getEnv("NMOS_HOST", cfg.Host)
	cfg.BindAddr = getEnv("NMOS_BIND_ADDR", cfg.BindAddr)
	cfg.NumRegistries = e.int("NMOS_NUM_REGISTRIES", cfg.NumRegistries)
	cfg.NumSystems = e.int("NMOS_NUM_SYSTEMS", cfg.NumSystems)
	cfg.NodeRegistry = e.int("NMOS_NODE_REGISTRY", cfg.NodeRegistry)

	cfg.EnableHTTPS = e.bool("NMOS_ENABLE_HTTPS", cfg.EnableHTTPS)
	cfg.CertFile = getEnv("NMOS_CERT_FILE", cfg.CertFile)
	cfg.KeyFile = getEnv("NMOS_KEY_FILE", cfg.KeyFile)

	cfg.EnableAuth = e.bool("NMOS_ENABLE_AUTH", cfg.EnableAuth)
	cfg.AuthPublicKey = getEnv("NMOS_AUTH_PUBKEY", cfg.AuthPublicKey)
	cfg.AuthIssuer = getEnv("NMOS_AUTH_ISSUER", cfg.AuthIssuer)

	cfg.PagingLimit = e.int("NMOS_PAGING_LIMIT", cfg.PagingLimit)
	cfg.WSMessageTimeout = e.duration("NMOS_WS_MESSAGE_TIMEOUT", cfg.WSMessageTimeout)
	cfg.HTTPTimeout = e.duration("NMOS_HTTP_TIMEOUT", cfg.HTTPTimeout)
	cfg.JournalPath = getEnv("NMOS_JOURNAL_PATH", cfg.JournalPath)
	cfg.LogLevel = getEnv("NMOS_LOG_LEVEL", cfg.LogLevel)

	cfg.Control.PasswordHash = getEnv("NMOS_CONTROL_PASSWORD_HASH", cfg.Control.PasswordHash)
	cfg.Control.TOTPSecret = getEnv("NMOS_CONTROL_TOTP_SECRET", cfg.Control.TOTPSecret)
	cfg.Control.RateLimit = e.int("NMOS_CONTROL_RATE_LIMIT", cfg.Control.RateLimit)
	cfg.Control.RateWindow = e.duration("NMOS_CONTROL_RATE_WINDOW", cfg.Control.RateWindow)

	if err := errors.Join(e.errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile overlays the YAML file at path. Keys absent from the file keep
// their current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var errs []error

	// Subscription sockets use base+400 and up.
	if c.PortBase < 1 || c.PortBase > 65535-1000 {
		errs = append(errs, fmt.Errorf("port base %d out of range", c.PortBase))
	}
	if c.Host == "" {
		errs = append(errs, errors.New("host is required"))
	}
	if c.NumRegistries < 2 {
		errs = append(errs, errors.New("at least 2 registries are required"))
	}
	if c.NumSystems < 0 {
		errs = append(errs, errors.New("number of systems must not be negative"))
	}
	if c.NodeRegistry < 0 || c.NodeRegistry >= c.NumRegistries {
		errs = append(errs, fmt.Errorf("node registry %d is not in the pool", c.NodeRegistry))
	}
	if c.EnableHTTPS && (c.CertFile == "" || c.KeyFile == "") {
		errs = append(errs, errors.New("HTTPS requires a certificate and key file"))
	}
	if c.EnableAuth && c.AuthPublicKey == "" {
		errs = append(errs, errors.New("authorization requires a public key"))
	}
	if c.PagingLimit < 1 {
		errs = append(errs, errors.New("paging limit must be at least 1"))
	}
	if c.WSMessageTimeout <= 0 {
		errs = append(errs, errors.New("websocket message timeout must be positive"))
	}
	if c.HTTPTimeout <= 0 {
		errs = append(errs, errors.New("HTTP timeout must be positive"))
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log level: %w", err))
	}
	if c.Control.HasPassword() {
		if _, err := bcrypt.Cost([]byte(c.Control.PasswordHash)); err != nil {
			errs = append(errs, fmt.Errorf("control password hash: %w", err))
		}
	}
	if c.Control.RateLimit < 1 {
		errs = append(errs, errors.New("control rate limit must be at least 1"))
	}

	return errors.Join(errs...)
}

// Scheme returns "https" when TLS is enabled.
func (c *Config) Scheme() string {
	if c.EnableHTTPS {
		return "https"
	}
	return "http"
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// env parses typed variables and remembers what failed.
type env struct {
	errs []error
}

func (e *env) int(key string, defaultValue int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s must be a number", key))
		return defaultValue
	}
	return i
}

func (e *env) duration(key string, defaultValue time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s must be a duration such as 2s", key))
		return defaultValue
	}
	return d
}

func (e *env) bool(key string, defaultValue bool) bool {
	v := strings.ToLower(os.Getenv(key))
	switch v {
	case "":
		return defaultValue
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	e.errs = append(e.errs, fmt.Errorf("%s must be true or false", key))
	return defaultValue
}
