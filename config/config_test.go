package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ListenAddress, c.ListenAddress)
	assert.Equal(t, BufferSize, c.BufferSize)
	assert.Equal(t, EventChannelLength, c.EventChannelLength)
	assert.Equal(t, CommandQueueLength, c.CommandQueueLength)
	assert.Equal(t, FusionHandshakeWait, c.FusionHandshakeWait)
	assert.Equal(t, LogLevel, c.LogLevel)

	// name has no default
	require.Error(t, c.Validate())
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatfusion.yaml")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join([]string{
		"name: alpha",
		"listen_address: 127.0.0.1:7001",
		"buffer_size: 8192",
		"fusion_handshake_wait: 2s",
		"log_format: json",
	}, "\n")), 0o600))

	t.Setenv("CHATFUSION_NAME", "beta")

	c, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, c.Validate())

	assert.Equal(t, "beta", c.Name)
	assert.Equal(t, "127.0.0.1:7001", c.ListenAddress)
	assert.Equal(t, 8192, c.BufferSize)
	assert.Equal(t, 2*time.Second, c.FusionHandshakeWait)
	assert.Equal(t, "json", c.LogFormat)
	assert.Equal(t, WriteSlice, c.WriteSlice)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c := Default()
		c.Name = "alpha"
		return c
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty name", func(c *Config) { c.Name = "" }},
		{"long name", func(c *Config) { c.Name = strings.Repeat("a", 1025) }},
		{"bad listen", func(c *Config) { c.ListenAddress = "nowhere" }},
		{"ipv6 advertise", func(c *Config) { c.AdvertiseAddress = "[::1]:7000" }},
		{"small buffer", func(c *Config) { c.BufferSize = MinBufferSize - 1 }},
		{"negative queue", func(c *Config) { c.CommandQueueLength = -1 }},
		{"negative write slice", func(c *Config) { c.WriteSlice = -time.Second }},
		{"unknown level", func(c *Config) { c.LogLevel = "loud" }},
		{"unknown format", func(c *Config) { c.LogFormat = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}

	var nilConfig *Config
	assert.Error(t, nilConfig.Validate())
}
