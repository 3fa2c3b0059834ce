// Package config defines trojanlite's on-disk TOML configuration file and
// merges it with the CLI overrides collected by cmd/trojanlite. Flag values
// explicitly set on the command line always win over the file; unset flags
// fall back to whatever the file (or the built-in default) provides.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Transport selects the outer tunnel transport.
type Transport string

const (
	TransportTLS  Transport = "tls"
	TransportQUIC Transport = "quic"
)

// File is the shape of an optional on-disk TOML config file, e.g.:
//
//	role = "client"
//	listen = "127.0.0.1:1080"
//	remote = "example.com:443"
//	password = "s3cr3t"
//	transport = "quic"
//
//	[server]
//	camouflage = "127.0.0.1:8080"
//	cert_file = ""
//	key_file = ""
type File struct {
	Role      string    `toml:"role"`
	Listen    string    `toml:"listen"`
	Remote    string    `toml:"remote"`
	Password  string    `toml:"password"`
	Transport Transport `toml:"transport"`
	ServerName string   `toml:"server_name"`

	IdleTimeoutSeconds int `toml:"idle_timeout_seconds"`

	Server ServerFile `toml:"server"`

	DebugIO  bool   `toml:"debug_io"`
	LogLevel string `toml:"log_level"`
}

// ServerFile holds server-role-only settings.
type ServerFile struct {
	Camouflage string `toml:"camouflage"`
	CertFile   string `toml:"cert_file"`
	KeyFile    string `toml:"key_file"`
}

// LoadFile reads and parses a TOML config file at path.
func LoadFile(path string) (File, error) {
	var f File
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return File{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return f, nil
}

// Config is the fully resolved, runtime-ready configuration for one role,
// after merging file defaults with explicit CLI overrides.
type Config struct {
	Listen      string
	Remote      string
	Password    string
	PasswordSHA string
	Transport   Transport
	ServerName  string

	IdleTimeout time.Duration

	CamouflageAddr string
	CertFile       string
	KeyFile        string

	DebugIO  bool
	LogLevel string
}

// DefaultIdleTimeout matches spec.md §4.8's relay idle-timeout guidance.
const DefaultIdleTimeout = 5 * time.Minute

// Merge overlays CLI-set fields (those in overrides whose flag name maps to
// true in explicit) onto the file's values, returning a resolved Config. Called
// with overrides built from pflag's Changed() checks so an explicitly
// zero-valued flag still wins over the file.
func Merge(f File, overrides Config, explicit map[string]bool) Config {
	c := Config{
		Listen:         f.Listen,
		Remote:         f.Remote,
		Password:       f.Password,
		Transport:      f.Transport,
		ServerName:     f.ServerName,
		IdleTimeout:    DefaultIdleTimeout,
		CamouflageAddr: f.Server.Camouflage,
		CertFile:       f.Server.CertFile,
		KeyFile:        f.Server.KeyFile,
		DebugIO:        f.DebugIO,
		LogLevel:       f.LogLevel,
	}
	if f.IdleTimeoutSeconds > 0 {
		c.IdleTimeout = time.Duration(f.IdleTimeoutSeconds) * time.Second
	}
	if c.Transport == "" {
		c.Transport = TransportTLS
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	apply := func(name string, set func()) {
		if explicit[name] {
			set()
		}
	}
	apply("listen", func() { c.Listen = overrides.Listen })
	apply("remote", func() { c.Remote = overrides.Remote })
	apply("password", func() { c.Password = overrides.Password })
	apply("transport", func() { c.Transport = overrides.Transport })
	apply("server-name", func() { c.ServerName = overrides.ServerName })
	apply("idle-timeout", func() { c.IdleTimeout = overrides.IdleTimeout })
	apply("camouflage", func() { c.CamouflageAddr = overrides.CamouflageAddr })
	apply("cert-file", func() { c.CertFile = overrides.CertFile })
	apply("key-file", func() { c.KeyFile = overrides.KeyFile })
	apply("debug-io", func() { c.DebugIO = overrides.DebugIO })
	apply("log-level", func() { c.LogLevel = overrides.LogLevel })
	return c
}
