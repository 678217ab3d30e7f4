// Package config reads the hub's runtime configuration from the
// environment. Every knob has a default that works against a local NATS and
// identity provider, so a bare `go run` comes up in development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the full runtime configuration of one hub process.
type Config struct {
	// Addr is the HTTP listen address for /ws and /healthz.
	Addr string

	NatsURL  string
	NatsUser string
	NatsPass string

	// RelaySubject carries hub-to-hub envelopes.
	RelaySubject string
	// EventSubject carries backend domain events for the notification
	// dispatcher.
	EventSubject string
	// ContactSubject is the request prefix for presence contact lookups.
	// Empty disables contact announcements.
	ContactSubject string

	JWKSURL string
	Issuer  string

	// LockTTL is how long a document lock survives without renewal.
	LockTTL time.Duration
	// SweepInterval paces the lock TTL sweep and registry touch.
	SweepInterval time.Duration
	// ConnTTL is the shared registry entry lifetime; must exceed
	// SweepInterval with margin.
	ConnTTL time.Duration
	// LockBackstopTTL expires abandoned shared lock entries if every hub
	// instance that could sweep them is gone.
	LockBackstopTTL time.Duration

	// AuthTimeout bounds the websocket auth handshake.
	AuthTimeout time.Duration

	// MaxConnsPerUser caps simultaneous connections per user; 0 disables.
	MaxConnsPerUser int
}

// Load builds the configuration from the environment.
func Load() (Config, error) {
	cfg := Config{
		Addr:           envOrDefault("HUB_ADDR", ":8080"),
		NatsURL:        envOrDefault("NATS_URL", "nats://localhost:4222"),
		NatsUser:       os.Getenv("NATS_USER"),
		NatsPass:       os.Getenv("NATS_PASS"),
		RelaySubject:   envOrDefault("HUB_RELAY_SUBJECT", "hub.events"),
		EventSubject:   envOrDefault("HUB_EVENT_SUBJECT", "crm.events"),
		ContactSubject: os.Getenv("HUB_CONTACT_SUBJECT"),
		JWKSURL:        envOrDefault("AUTH_JWKS_URL", "http://localhost:8081/realms/office/protocol/openid-connect/certs"),
		Issuer:         envOrDefault("AUTH_ISSUER", "http://localhost:8081/realms/office"),
	}

	var err error
	if cfg.LockTTL, err = envDuration("HUB_LOCK_TTL", 2*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.SweepInterval, err = envDuration("HUB_SWEEP_INTERVAL", 15*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.ConnTTL, err = envDuration("HUB_CONN_TTL", 45*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.LockBackstopTTL, err = envDuration("HUB_LOCK_BACKSTOP_TTL", 10*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.AuthTimeout, err = envDuration("HUB_AUTH_TIMEOUT", 10*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.MaxConnsPerUser, err = envInt("HUB_MAX_CONNS_PER_USER", 0); err != nil {
		return Config{}, err
	}

	if cfg.ConnTTL <= cfg.SweepInterval {
		return Config{}, fmt.Errorf("HUB_CONN_TTL (%s) must be greater than HUB_SWEEP_INTERVAL (%s)",
			cfg.ConnTTL, cfg.SweepInterval)
	}
	return cfg, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
