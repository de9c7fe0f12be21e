// Package config loads and validates the backend connection settings from an
// optional TOML file, a .env file and the process environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// ErrInvalid is returned (wrapped) by Validate for any shape failure.
var ErrInvalid = errors.New("config invalid")

// Logical table names used by the lucky draw application.
const (
	TableUsers     = "users"
	TableSettings  = "settings"
	TableKnowledge = "knowledge"
)

const (
	DefaultHostSuffix        = ".supabase.co"
	DefaultSchema            = "public"
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultMaxRetries        = 5
	DefaultBaseRetryDelay    = 2 * time.Second
	DefaultMaxRetryDelay     = 30 * time.Second
	DefaultRequestTimeout    = 10 * time.Second
	DefaultNetworkCheckURL   = "https://www.google.com/favicon.ico"
	DefaultClientInfo        = "luckydraw-connection-manager"
	DefaultEventsPerSecond   = 10
)

// Config holds everything needed to reach the backend. Treat it as read-only
// once loaded.
type Config struct {
	EndpointURL   string            `toml:"endpoint_url"`
	PublicKey     string            `toml:"public_key"`
	PrivilegedKey string            `toml:"privileged_key"`
	Schema        string            `toml:"schema"`
	HostSuffix    string            `toml:"host_suffix"`
	Tables        map[string]string `toml:"tables"`

	HeartbeatInterval Duration `toml:"heartbeat_interval"`
	MaxRetries        int      `toml:"max_retries"`
	BaseRetryDelay    Duration `toml:"base_retry_delay"`
	MaxRetryDelay     Duration `toml:"max_retry_delay"`
	RequestTimeout    Duration `toml:"request_timeout"`

	// DatabaseURL is an optional direct Postgres connection string used only
	// by diagnostics.
	DatabaseURL     string `toml:"database_url"`
	NetworkCheckURL string `toml:"network_check_url"`
	ClientInfo      string `toml:"client_info"`
	EventsPerSecond int    `toml:"events_per_second"`

	Logging LoggingConfig `toml:"logging"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level       string `toml:"level"` // "debug", "info", "warn", "error"
	Development bool   `toml:"development"`
}

// Duration is a time.Duration that can be unmarshaled from TOML strings.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for Duration.
func (d *Duration) UnmarshalText(text []byte) error {
	duration, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(duration)
	return nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// Default returns a Config with every optional field populated.
func Default() Config {
	return Config{
		Schema:     DefaultSchema,
		HostSuffix: DefaultHostSuffix,
		Tables: map[string]string{
			TableUsers:     "users",
			TableSettings:  "settings",
			TableKnowledge: "knowledge",
		},
		HeartbeatInterval: Duration(DefaultHeartbeatInterval),
		MaxRetries:        DefaultMaxRetries,
		BaseRetryDelay:    Duration(DefaultBaseRetryDelay),
		MaxRetryDelay:     Duration(DefaultMaxRetryDelay),
		RequestTimeout:    Duration(DefaultRequestTimeout),
		NetworkCheckURL:   DefaultNetworkCheckURL,
		ClientInfo:        DefaultClientInfo,
		EventsPerSecond:   DefaultEventsPerSecond,
		Logging:           LoggingConfig{Level: "info"},
	}
}

// Load builds a Config from defaults, the TOML file at path (skipped when
// path is empty), a .env file in the working directory if present, and
// finally the process environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load .env: %w", err)
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	cfg.fillDefaults()
	return cfg, nil
}

// FromEnv is Load without a config file.
func FromEnv() (Config, error) {
	return Load("")
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *Duration) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		if err := dst.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		return nil
	}

	str("SUPABASE_URL", &c.EndpointURL)
	str("SUPABASE_ANON_KEY", &c.PublicKey)
	str("SUPABASE_SERVICE_ROLE_KEY", &c.PrivilegedKey)
	str("SUPABASE_SCHEMA", &c.Schema)
	str("DATABASE_URL", &c.DatabaseURL)
	str("NETWORK_CHECK_URL", &c.NetworkCheckURL)
	str("LOG_LEVEL", &c.Logging.Level)

	if v, ok := lookup("SUPABASE_MAX_RETRIES"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid SUPABASE_MAX_RETRIES: %w", err)
		}
		c.MaxRetries = n
	}
	for key, dst := range map[string]*Duration{
		"SUPABASE_HEARTBEAT_INTERVAL": &c.HeartbeatInterval,
		"SUPABASE_RETRY_DELAY":        &c.BaseRetryDelay,
		"SUPABASE_MAX_RETRY_DELAY":    &c.MaxRetryDelay,
		"SUPABASE_REQUEST_TIMEOUT":    &c.RequestTimeout,
	} {
		if err := dur(key, dst); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) fillDefaults() {
	def := Default()
	if c.Schema == "" {
		c.Schema = def.Schema
	}
	if c.HostSuffix == "" {
		c.HostSuffix = def.HostSuffix
	}
	if c.Tables == nil {
		c.Tables = map[string]string{}
	}
	for k, v := range def.Tables {
		if c.Tables[k] == "" {
			c.Tables[k] = v
		}
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.BaseRetryDelay <= 0 {
		c.BaseRetryDelay = def.BaseRetryDelay
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = def.MaxRetryDelay
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.ClientInfo == "" {
		c.ClientInfo = def.ClientInfo
	}
	if c.EventsPerSecond <= 0 {
		c.EventsPerSecond = def.EventsPerSecond
	}
}

// WithDefaults returns a copy of c with unset optional fields populated.
func (c Config) WithDefaults() Config {
	out := c
	out.Tables = make(map[string]string, len(c.Tables))
	for k, v := range c.Tables {
		out.Tables[k] = v
	}
	out.fillDefaults()
	return out
}

// Table maps a logical table name to the physical one. Unknown names are
// returned unchanged.
func (c Config) Table(name string) string {
	if t, ok := c.Tables[name]; ok && t != "" {
		return t
	}
	return name
}

// Validate checks the endpoint URL and key shapes. Every failure wraps
// ErrInvalid.
func (c Config) Validate() error {
	var errs []error
	if err := ValidateEndpoint(c.EndpointURL, c.hostSuffix()); err != nil {
		errs = append(errs, err)
	}
	if c.PublicKey == "" {
		errs = append(errs, errors.New("public key is required"))
	} else if _, err := ParseToken(c.PublicKey); err != nil {
		errs = append(errs, fmt.Errorf("public key: %w", err))
	}
	if c.PrivilegedKey != "" {
		if _, err := ParseToken(c.PrivilegedKey); err != nil {
			errs = append(errs, fmt.Errorf("privileged key: %w", err))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

func (c Config) hostSuffix() string {
	if c.HostSuffix == "" {
		return DefaultHostSuffix
	}
	return c.HostSuffix
}

// ValidateEndpoint reports whether raw is an https URL on a host ending with
// suffix.
func ValidateEndpoint(raw, suffix string) error {
	if raw == "" {
		return errors.New("endpoint url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("endpoint url: %w", err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("endpoint url must use https, got %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" || !strings.HasSuffix(host, suffix) || host == strings.TrimPrefix(suffix, ".") {
		return fmt.Errorf("endpoint host %q is not on %s", host, suffix)
	}
	return nil
}

// Status summarizes configuration health without touching the network.
type Status struct {
	Configured bool              `json:"configured"`
	URLValid   bool              `json:"url_valid"`
	KeysValid  bool              `json:"keys_valid"`
	Privileged bool              `json:"privileged"`
	Tables     map[string]string `json:"tables"`
}

// Status reports the configuration state, for example for an admin page.
func (c Config) Status() Status {
	st := Status{
		URLValid:   ValidateEndpoint(c.EndpointURL, c.hostSuffix()) == nil,
		Privileged: c.PrivilegedKey != "",
		Tables:     make(map[string]string, len(c.Tables)),
	}
	_, err := ParseToken(c.PublicKey)
	st.KeysValid = err == nil
	if st.KeysValid && c.PrivilegedKey != "" {
		_, err = ParseToken(c.PrivilegedKey)
		st.KeysValid = err == nil
	}
	st.Configured = st.URLValid && st.KeysValid
	for k, v := range c.Tables {
		st.Tables[k] = v
	}
	return st
}
