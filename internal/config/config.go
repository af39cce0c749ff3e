// Package config loads ipmibmcd configuration using koanf/v2: a YAML file
// layered over built-in defaults, with IPMIBMCD_-prefixed environment
// variables overriding both. Grounded on dantte-lp-gobfd's internal/config
// package (same koanf file+env+yaml stack, same Load/Validate shape),
// keeping the teacher's Config/ServerConfig/LogConfig struct names and
// Validate() method while replacing the teacher's hand-rolled
// encoding/json loader.
package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds the complete ipmibmcd configuration.
type Config struct {
	Server  ServerConfig      `koanf:"server"`
	Logging LogConfig         `koanf:"logging"`
	Users   map[string]string `koanf:"users"`
	VSphere VSphereConfig     `koanf:"vsphere"`
}

// ServerConfig holds the core session server's listening and protocol
// parameters (spec §6's external-interface list, made concrete).
type ServerConfig struct {
	// Port is the UDP port to bind, conventionally 623.
	Port int `koanf:"port"`
	// Address is the local address to bind, "" or "::" for all interfaces.
	Address string `koanf:"address"`
	// BMCUUID is the UUID advertised in RAKP2 and mixed into the RAKP4
	// integrity check value; empty generates a
	// random v4 at startup (grounded on pyghmi's uuid.uuid4() default).
	BMCUUID string `koanf:"bmc_uuid"`
	// KG is the shared RAKP integrity key; empty means each session uses
	// its own Kuid (the password) as Kg, per spec §4.4.2.
	KG string `koanf:"k_g"`
	// InactivityTimeout is how long a session may sit idle before the
	// sweep removes it (SPEC_FULL §9 makes this configurable).
	InactivityTimeout time.Duration `koanf:"inactivity_timeout"`
}

// LogConfig holds logging configuration, same shape as the teacher's.
type LogConfig struct {
	Level string `koanf:"level"`
}

// VSphereConfig holds credentials for the example vsphere.Backend, kept
// separate from the core server's config so the core never depends on it.
type VSphereConfig struct {
	URL        string `koanf:"url"`
	User       string `koanf:"user"`
	Password   string `koanf:"password"`
	Datacenter string `koanf:"datacenter"`
	VMName     string `koanf:"vm_name"`
	Folder     string `koanf:"folder"`
	Insecure   bool   `koanf:"insecure"`
}

// DefaultConfig returns a Config populated with the spec's defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:              623,
			Address:           "::",
			InactivityTimeout: 60 * time.Second,
		},
		Logging: LogConfig{Level: "info"},
		Users:   map[string]string{},
	}
}

const envPrefix = "IPMIBMCD_"

// Load reads configuration from the YAML file at path, overlaying
// IPMIBMCD_-prefixed environment variables, on top of DefaultConfig().
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	defaultMap := map[string]any{
		"server.port":               defaults.Server.Port,
		"server.address":            defaults.Server.Address,
		"server.bmc_uuid":           defaults.Server.BMCUUID,
		"server.k_g":                defaults.Server.KG,
		"server.inactivity_timeout": defaults.Server.InactivityTimeout.String(),
		"logging.level":             defaults.Logging.Level,
	}
	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return nil, fmt.Errorf("set default %s: %w", key, err)
		}
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}
	return cfg, nil
}

// envKeyMapper transforms IPMIBMCD_SERVER_PORT -> server.port. Only the
// first underscore after the prefix separates levels, so
// IPMIBMCD_SERVER_INACTIVITY_TIMEOUT -> server.inactivity_timeout.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.Replace(s, "_", ".", 1)
}

// Validation errors.
var (
	ErrInvalidPort              = errors.New("server.port must be between 1 and 65535")
	ErrInvalidAddress           = errors.New("server.address is not a valid IP address")
	ErrInvalidInactivityTimeout = errors.New("server.inactivity_timeout must be > 0")
	ErrNoUsers                  = errors.New("at least one user must be configured")
)

// Validate checks the configuration for logical errors, matching the
// teacher's Validate() method shape.
func Validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return ErrInvalidPort
	}
	if cfg.Server.Address != "" && cfg.Server.Address != "::" && net.ParseIP(cfg.Server.Address) == nil {
		return ErrInvalidAddress
	}
	if cfg.Server.InactivityTimeout <= 0 {
		return ErrInvalidInactivityTimeout
	}
	if len(cfg.Users) == 0 {
		return ErrNoUsers
	}
	return nil
}
