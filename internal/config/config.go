package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is built once at startup and treated as read-only afterwards.
type Config struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`

	// UserCredentials is the raw "user:pass,user2:pass2" string.
	UserCredentials string `koanf:"user_credentials"`

	GreetingHeader    string `koanf:"greeting_header"`
	GreetingSubheader string `koanf:"greeting_subheader"`
	GreetingEmpty     string `koanf:"greeting_empty"`

	// SharedDir holds the files offered for download.
	SharedDir string `koanf:"shared_dir"`
	// AssetsDir holds backgrounds and the favicon, served under /assets.
	AssetsDir string `koanf:"assets_dir"`
	// StateDir stores the thumbnail cache.
	StateDir string `koanf:"state_dir"`

	TunnelEnabled   bool   `koanf:"tunnel_enabled"`
	TunnelHost      string `koanf:"tunnel_host"`
	TunnelSubdomain string `koanf:"tunnel_subdomain"`

	IPEchoURL string `koanf:"ip_echo_url"`

	// TLSEnabled serves HTTPS with TLSCert/TLSKey. Missing files are replaced
	// by a self-signed pair at startup.
	TLSEnabled bool   `koanf:"tls_enabled"`
	TLSCert    string `koanf:"tls_cert"`
	TLSKey     string `koanf:"tls_key"`

	MaxConns           int           `koanf:"max_conns"`
	AuthFailuresPerMin int           `koanf:"auth_failures_per_min"`
	ShutdownTimeout    time.Duration `koanf:"shutdown_timeout"`

	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"`
}

const (
	DefaultCredentials       = "admin:password123"
	DefaultGreetingHeader    = "Hi, {username}! I'm Ganymede"
	DefaultGreetingSubheader = "Want some of my files? Yeah you do:"
	DefaultGreetingEmpty     = "I got nothing! Tell whoever owns me to put files in the \"shared_files\" directory."
)

// Defaults returns the configuration used when nothing is set.
func Defaults() map[string]any {
	return map[string]any{
		"host":                  "",
		"port":                  3000,
		"user_credentials":      DefaultCredentials,
		"greeting_header":       DefaultGreetingHeader,
		"greeting_subheader":    DefaultGreetingSubheader,
		"greeting_empty":        DefaultGreetingEmpty,
		"shared_dir":            "shared_files",
		"assets_dir":            "assets",
		"state_dir":             ".ganymede",
		"tunnel_enabled":        true,
		"tunnel_host":           "https://localtunnel.me",
		"tunnel_subdomain":      "",
		"ip_echo_url":           "https://api.ipify.org",
		"tls_enabled":           false,
		"tls_cert":              "certs/server.crt",
		"tls_key":               "certs/server.key",
		"max_conns":             256,
		"auth_failures_per_min": 30,
		"shutdown_timeout":      "30s",
		"log_level":             "info",
		"log_format":            "text",
	}
}

// envKeys lists the environment variables that are read. Anything else in
// the environment is ignored.
var envKeys = func() map[string]string {
	m := make(map[string]string)
	for k := range Defaults() {
		m[strings.ToUpper(k)] = k
	}
	return m
}()

// Options controls where Load reads from.
type Options struct {
	// File is an optional YAML file.
	File string
	// Overrides take precedence over every other source (CLI flags).
	Overrides map[string]any
}

// Load merges defaults < file < environment < overrides and validates the
// result.
func Load(opts Options) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(mapProvider(Defaults()), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}
	if opts.File != "" {
		if err := k.Load(file.Provider(opts.File), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load file %s: %w", opts.File, err)
		}
	}
	// Keys contain underscores, so "." is the only safe delimiter here.
	if err := k.Load(env.Provider("", ".", func(s string) string {
		return envKeys[s]
	}), nil); err != nil {
		return Config{}, fmt.Errorf("load env: %w", err)
	}
	if len(opts.Overrides) > 0 {
		if err := k.Load(mapProvider(opts.Overrides), nil); err != nil {
			return Config{}, fmt.Errorf("load overrides: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.fillBlanks()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// fillBlanks restores defaults for strings that were set but left empty,
// e.g. USER_CREDENTIALS= in the environment.
func (c *Config) fillBlanks() {
	blank := func(p *string, def string) {
		if strings.TrimSpace(*p) == "" {
			*p = def
		}
	}
	blank(&c.UserCredentials, DefaultCredentials)
	blank(&c.GreetingHeader, DefaultGreetingHeader)
	blank(&c.GreetingSubheader, DefaultGreetingSubheader)
	blank(&c.GreetingEmpty, DefaultGreetingEmpty)
}

// Validate checks the loaded values.
func (c Config) Validate() error {
	var errs []error
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if strings.TrimSpace(c.SharedDir) == "" {
		errs = append(errs, errors.New("shared_dir is empty"))
	}
	if strings.TrimSpace(c.AssetsDir) == "" {
		errs = append(errs, errors.New("assets_dir is empty"))
	}
	if c.MaxConns < 0 {
		errs = append(errs, fmt.Errorf("max_conns %d is negative", c.MaxConns))
	}
	if c.TLSEnabled && (strings.TrimSpace(c.TLSCert) == "" || strings.TrimSpace(c.TLSKey) == "") {
		errs = append(errs, errors.New("tls_enabled needs tls_cert and tls_key"))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("shutdown_timeout must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Addr is the listen address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// mapProvider feeds a plain map into koanf.
type mapProvider map[string]any

func (m mapProvider) ReadBytes() ([]byte, error) {
	return nil, errors.New("config: map provider does not support ReadBytes")
}

func (m mapProvider) Read() (map[string]any, error) {
	return m, nil
}
