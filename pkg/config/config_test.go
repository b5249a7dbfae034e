package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExternalIPPoolExpansion(t *testing.T) {
	c := &Config{ExternalIPPoolRaw: "192.0.2.10-192.0.2.12,198.51.100.5-198.51.100.5"}
	pool, err := c.ExternalIPPool()
	require.NoError(t, err)
	assert.Equal(t, []string{"192.0.2.10", "192.0.2.11", "192.0.2.12", "198.51.100.5"}, pool)
}

func TestExternalIPPoolEmpty(t *testing.T) {
	c := &Config{}
	pool, err := c.ExternalIPPool()
	require.NoError(t, err)
	assert.Nil(t, pool)
}

func TestExternalIPPoolInvalidRange(t *testing.T) {
	c := &Config{ExternalIPPoolRaw: "not-an-ip-1"}
	_, err := c.ExternalIPPool()
	assert.Error(t, err)
}

func TestLXDStoragePoolMapping(t *testing.T) {
	c := &Config{LXDStoragePoolMappingRaw: "vg-data=local,vg-fast=fast-nvme"}
	m, err := c.LXDStoragePoolMapping()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"vg-data": "local", "vg-fast": "fast-nvme"}, m)
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("EXTERNAL_IP_POOL", "")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "tispace", cfg.LXDProject)
	assert.Equal(t, "openebs-lvm", cfg.StorageClassName)
	assert.Equal(t, 1.0, cfg.CPUOvercommitFactor)
	assert.Equal(t, "0.0.0.0:8080", cfg.ListenAddr())
}
