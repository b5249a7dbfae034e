// Package config loads TiSpace's environment-driven configuration into a
// single immutable struct, read once at startup and threaded explicitly
// into components at construction rather than read from process-wide
// globals.
package config

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds every environment-variable-driven option TiSpace accepts.
type Config struct {
	// HTTP server
	Host string `env:"TISPACE_HOST" envDefault:"0.0.0.0"`
	Port int    `env:"TISPACE_PORT" envDefault:"8080"`

	// Logging
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	LogJSON  bool   `env:"LOG_JSON" envDefault:"false"`

	// Store
	StateFilePath string `env:"TISPACE_STATE_FILE" envDefault:"state.json"`

	// IP allocation
	ExternalIPPoolRaw      string `env:"EXTERNAL_IP_POOL" envDefault:""`
	ExternalIPPrefixLength int    `env:"EXTERNAL_IP_PREFIX_LENGTH" envDefault:"32"`

	// Overcommit
	CPUOvercommitFactor    float64 `env:"CPU_OVERCOMMIT_FACTOR" envDefault:"1.0"`
	MemoryOvercommitFactor float64 `env:"MEMORY_OVERCOMMIT_FACTOR" envDefault:"1.0"`

	// LXD backend
	LXDServerURL             string `env:"LXD_SERVER_URL"`
	LXDProject               string `env:"LXD_PROJECT" envDefault:"tispace"`
	LXDImageServerURL        string `env:"LXD_IMAGE_SERVER_URL" envDefault:"https://images.linuxcontainers.org"`
	LXDStoragePoolDriver     string `env:"LXD_STORAGE_POOL_DRIVER" envDefault:"lvm"`
	LXDStoragePoolMappingRaw string `env:"LXD_STORAGE_POOL_MAPPING" envDefault:""`
	LXDClientCert            string `env:"LXD_CLIENT_CERT" envDefault:""`

	// K8s backend
	StorageClassName      string `env:"STORAGE_CLASS_NAME" envDefault:"openebs-lvm"`
	DefaultRootfsImageTag string `env:"DEFAULT_ROOTFS_IMAGE_TAG" envDefault:"latest"`

	// OIDC bearer-token verification
	OIDCIssuerURL string `env:"OIDC_ISSUER_URL"`
	OIDCClientID  string `env:"OIDC_CLIENT_ID"`

	// Secrets-at-rest encryption key: 32 raw bytes, base64-encoded.
	SecretsEncryptionKey string `env:"TISPACE_SECRETS_KEY" envDefault:""`

	// PlacementTimeout bounds how long an instance may sit unplaced: after
	// this long with no eligible node, the Scheduler marks the instance
	// Status=Error instead of retrying indefinitely.
	PlacementTimeout time.Duration `env:"TISPACE_PLACEMENT_TIMEOUT" envDefault:"5m"`
}

// Load reads Config from the environment.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}
	return cfg, nil
}

// ListenAddr returns the address the HTTP server should listen on.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ExternalIPPool expands EXTERNAL_IP_POOL ("start1-end1,start2-end2,...")
// into the flat, ordered list of IPv4 addresses in every range.
func (c *Config) ExternalIPPool() ([]string, error) {
	if c.ExternalIPPoolRaw == "" {
		return nil, nil
	}
	var pool []string
	for _, rng := range strings.Split(c.ExternalIPPoolRaw, ",") {
		rng = strings.TrimSpace(rng)
		if rng == "" {
			continue
		}
		parts := strings.SplitN(rng, "-", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid EXTERNAL_IP_POOL range %q: want start-end", rng)
		}
		start, err := netip.ParseAddr(strings.TrimSpace(parts[0]))
		if err != nil {
			return nil, fmt.Errorf("invalid EXTERNAL_IP_POOL start address %q: %w", parts[0], err)
		}
		end, err := netip.ParseAddr(strings.TrimSpace(parts[1]))
		if err != nil {
			return nil, fmt.Errorf("invalid EXTERNAL_IP_POOL end address %q: %w", parts[1], err)
		}
		for ip := start; ; ip = ip.Next() {
			pool = append(pool, ip.String())
			if ip == end {
				break
			}
			if !ip.IsValid() {
				return nil, fmt.Errorf("invalid EXTERNAL_IP_POOL range %q", rng)
			}
		}
	}
	return pool, nil
}

// LXDStoragePoolMapping parses LXD_STORAGE_POOL_MAPPING ("vg1=pool1,vg2=pool2")
// into a volume-group-name -> LXD-storage-pool-name map.
func (c *Config) LXDStoragePoolMapping() (map[string]string, error) {
	m := make(map[string]string)
	if c.LXDStoragePoolMappingRaw == "" {
		return m, nil
	}
	for _, pair := range strings.Split(c.LXDStoragePoolMappingRaw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid LXD_STORAGE_POOL_MAPPING entry %q: want vg=pool", pair)
		}
		m[parts[0]] = parts[1]
	}
	return m, nil
}
