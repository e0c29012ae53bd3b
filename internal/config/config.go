// Package config loads peerchat's process configuration using koanf/v2:
// built-in defaults, overlaid by an optional YAML file, overlaid by
// PEERCHAT_-prefixed environment variables (spec SPEC_FULL §6.4).
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds the complete peerchat process configuration.
type Config struct {
	Identity   IdentityConfig   `koanf:"identity"`
	Rendezvous RendezvousConfig `koanf:"rendezvous"`
	Session    SessionConfig    `koanf:"session"`
	Router     RouterConfig     `koanf:"router"`
	Log        LogConfig        `koanf:"log"`
	Introspect IntrospectConfig `koanf:"introspect"`
}

// IdentityConfig names this process on the overlay.
type IdentityConfig struct {
	Name      string `koanf:"name"`
	Namespace string `koanf:"namespace"`
	ListenAddr string `koanf:"listen_addr"`
}

// RendezvousConfig addresses the directory service.
type RendezvousConfig struct {
	Host      string        `koanf:"host"`
	Port      int           `koanf:"port"`
	TTL       int           `koanf:"ttl_seconds"`
	Discovery time.Duration `koanf:"discovery_interval"`
}

// SessionConfig tunes per-session keep-alive and queueing.
type SessionConfig struct {
	PingInterval         time.Duration `koanf:"ping_interval"`
	OutboundQueue        int           `koanf:"outbound_queue"`
	MaxSessions          int           `koanf:"max_sessions"`
	MaxReconnectAttempts int           `koanf:"max_reconnect_attempts"`
	ReconnectBackoffBase time.Duration `koanf:"reconnect_backoff_base"`
	MaxReconnectBackoff  time.Duration `koanf:"max_reconnect_backoff"`
	MaxOutboundDials     int           `koanf:"max_outbound_dials"`
}

// RouterConfig tunes the dedup/route/ack bookkeeping.
type RouterConfig struct {
	RelayTTL        int           `koanf:"relay_ttl"`
	SeenCapacity    int           `koanf:"seen_set_capacity"`
	SeenRetention   time.Duration `koanf:"seen_set_retention"`
	RouteTTL        time.Duration `koanf:"route_cache_ttl"`
	AckDeadline     time.Duration `koanf:"ack_deadline"`
	DiscoverTimeout time.Duration `koanf:"discover_timeout"`
}

// LogConfig controls process-wide logging.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// IntrospectConfig controls the local read-only HTTP/WS surface.
type IntrospectConfig struct {
	Addr    string `koanf:"addr"`
	Enabled bool   `koanf:"enabled"`
}

// DefaultConfig returns a Config populated with the defaults named in
// SPEC_FULL §6.4.
func DefaultConfig() *Config {
	return &Config{
		Identity: IdentityConfig{
			Namespace:  "lobby",
			ListenAddr: ":0",
		},
		Rendezvous: RendezvousConfig{
			Port:      7000,
			TTL:       120,
			Discovery: 15 * time.Second,
		},
		Session: SessionConfig{
			PingInterval:         30 * time.Second,
			OutboundQueue:        256,
			MaxSessions:          64,
			MaxReconnectAttempts: 5,
			ReconnectBackoffBase: 1 * time.Second,
			MaxReconnectBackoff:  5 * time.Minute,
			MaxOutboundDials:     8,
		},
		Router: RouterConfig{
			RelayTTL:        8,
			SeenCapacity:    4096,
			SeenRetention:   2 * time.Minute,
			RouteTTL:        60 * time.Second,
			AckDeadline:     5 * time.Second,
			DiscoverTimeout: 2 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Introspect: IntrospectConfig{
			Addr:    "127.0.0.1:7070",
			Enabled: false,
		},
	}
}

// envPrefix names the environment-variable layer (spec SPEC_FULL §6.4):
// PEERCHAT_IDENTITY_NAME -> identity.name, etc.
const envPrefix = "PEERCHAT_"

// Load builds a Config from defaults, optionally overlaid by the YAML file
// at path (skipped entirely if path is empty), then by PEERCHAT_ environment
// variables, then by flagOverrides (dotted-key values from parsed CLI
// flags, highest precedence per SPEC_FULL §6.4). Missing file is only an
// error if path was explicitly given.
func Load(path string, flagOverrides map[string]any) (*Config, error) {
	k := koanf.New(".")

	if err := loadDefaults(k, DefaultConfig()); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("config: load env overrides: %w", err)
	}

	if len(flagOverrides) > 0 {
		if err := k.Load(confmap.Provider(flagOverrides, "."), nil); err != nil {
			return nil, fmt.Errorf("config: load flag overrides: %w", err)
		}
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return cfg, nil
}

func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	// Only the first underscore separates section from key, so
	// PEERCHAT_IDENTITY_LISTEN_ADDR maps to identity.listen_addr.
	return strings.Replace(s, "_", ".", 1)
}

func loadDefaults(k *koanf.Koanf, d *Config) error {
	flat := map[string]any{
		"identity.name":                      d.Identity.Name,
		"identity.namespace":                 d.Identity.Namespace,
		"identity.listen_addr":               d.Identity.ListenAddr,
		"rendezvous.host":                    d.Rendezvous.Host,
		"rendezvous.port":                    d.Rendezvous.Port,
		"rendezvous.ttl_seconds":             d.Rendezvous.TTL,
		"rendezvous.discovery_interval":      d.Rendezvous.Discovery.String(),
		"session.ping_interval":              d.Session.PingInterval.String(),
		"session.outbound_queue":             d.Session.OutboundQueue,
		"session.max_sessions":               d.Session.MaxSessions,
		"session.max_reconnect_attempts":     d.Session.MaxReconnectAttempts,
		"session.reconnect_backoff_base":     d.Session.ReconnectBackoffBase.String(),
		"session.max_reconnect_backoff":      d.Session.MaxReconnectBackoff.String(),
		"session.max_outbound_dials":         d.Session.MaxOutboundDials,
		"router.relay_ttl":                   d.Router.RelayTTL,
		"router.seen_set_capacity":           d.Router.SeenCapacity,
		"router.seen_set_retention":          d.Router.SeenRetention.String(),
		"router.route_cache_ttl":             d.Router.RouteTTL.String(),
		"router.ack_deadline":                d.Router.AckDeadline.String(),
		"router.discover_timeout":            d.Router.DiscoverTimeout.String(),
		"log.level":                          d.Log.Level,
		"log.format":                         d.Log.Format,
		"introspect.addr":                    d.Introspect.Addr,
		"introspect.enabled":                 d.Introspect.Enabled,
	}
	for key, val := range flat {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}
	return nil
}

// Validation errors (spec §7: directory/config validation failures are
// fatal at startup).
var (
	ErrEmptyName            = errors.New("identity.name must not be empty")
	ErrEmptyNamespace       = errors.New("identity.namespace must not be empty")
	ErrEmptyRendezvousHost  = errors.New("rendezvous.host must not be empty")
	ErrInvalidRendezvousPort = errors.New("rendezvous.port must be > 0")
	ErrInvalidRelayTTL      = errors.New("router.relay_ttl must be > 0")
	ErrInvalidMaxSessions   = errors.New("session.max_sessions must be > 0")
)

// Validate checks the configuration for logical errors, returning the
// first one found.
func Validate(cfg *Config) error {
	if cfg.Identity.Name == "" {
		return ErrEmptyName
	}
	if cfg.Identity.Namespace == "" {
		return ErrEmptyNamespace
	}
	if cfg.Rendezvous.Host == "" {
		return ErrEmptyRendezvousHost
	}
	if cfg.Rendezvous.Port <= 0 {
		return ErrInvalidRendezvousPort
	}
	if cfg.Router.RelayTTL <= 0 {
		return ErrInvalidRelayTTL
	}
	if cfg.Session.MaxSessions <= 0 {
		return ErrInvalidMaxSessions
	}
	return nil
}
