// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gomlx/distexec/pkg/core/chaingraph"
	"github.com/gomlx/distexec/pkg/core/distributed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const twoRanksYAML = `
rank: 1
device_type: cpu
timeout_seconds: 2.5
worker_parallelism: 3
bitset_capacity: 128
addresses:
  0: "127.0.0.1:7070"
  1: "127.0.0.1:7071"
`

func TestParse(t *testing.T) {
	cfg, err := Parse(strings.NewReader(twoRanksYAML))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, int64(1), cfg.Rank)
	assert.Equal(t, 2500*time.Millisecond, cfg.Timeout())
	assert.Equal(t, []int64{0, 1}, cfg.Ranks())
	assert.Equal(t, "127.0.0.1:7071", cfg.Addresses[1])

	placement, err := cfg.Placement()
	require.NoError(t, err)
	assert.Equal(t, distributed.CPU, placement.DeviceType())
	assert.Equal(t, []int64{0, 1}, placement.Ranks())

	pool := cfg.WorkersPool()
	assert.Equal(t, 3, pool.MaxParallelism())

	// The bitset capacity reaches the chain graph builder.
	g := chaingraph.NewTaskGraph()
	require.NoError(t, g.AddNode(chaingraph.TaskNode{ID: 200}))
	_, err = chaingraph.Build(g, cfg.ChainGraphOptions()...)
	require.ErrorIs(t, err, chaingraph.ErrBitsetCapacity)

	t.Run("Defaults", func(t *testing.T) {
		cfg, err := Parse(strings.NewReader(""))
		require.NoError(t, err)
		require.NoError(t, cfg.Validate())
		assert.Equal(t, []int64{0}, cfg.Ranks())
		assert.Equal(t, DefaultTimeoutSeconds*time.Second, cfg.Timeout())
		assert.Equal(t, chaingraph.DefaultCapacity, cfg.BitsetCapacity)
		assert.True(t, cfg.WorkersPool().IsEnabled())
	})

	t.Run("UnknownField", func(t *testing.T) {
		_, err := Parse(strings.NewReader("rank: 0\nspeed: fast\n"))
		require.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name   string
		modify func(c *Config)
	}{
		{"negative rank", func(c *Config) { c.Rank = -1 }},
		{"device type", func(c *Config) { c.DeviceType = "tpu" }},
		{"timeout", func(c *Config) { c.TimeoutSeconds = 0 }},
		{"parallelism", func(c *Config) { c.WorkerParallelism = -2 }},
		{"capacity", func(c *Config) { c.BitsetCapacity = 0 }},
		{"missing own address", func(c *Config) { c.Addresses = map[int64]string{0: "host:1"}; c.Rank = 1 }},
		{"empty address", func(c *Config) { c.Addresses = map[int64]string{0: " "} }},
		{"negative rank address", func(c *Config) { c.Addresses = map[int64]string{0: "host:1", -3: "host:2"} }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			require.NoError(t, cfg.Validate())
			tc.modify(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cluster.yaml")
	require.NoError(t, os.WriteFile(path, []byte(twoRanksYAML), 0o600))

	t.Run("File", func(t *testing.T) {
		t.Setenv(TimeoutEnv, "")
		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 2.5, cfg.TimeoutSeconds)
	})

	t.Run("EnvOverride", func(t *testing.T) {
		t.Setenv(TimeoutEnv, "0.5")
		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 500*time.Millisecond, cfg.Timeout())
	})

	t.Run("InvalidEnv", func(t *testing.T) {
		t.Setenv(TimeoutEnv, "soon")
		_, err := Load(path)
		require.Error(t, err)
	})

	t.Run("Missing", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		require.Error(t, err)
	})
}

func TestNewTransport(t *testing.T) {
	cfg := Default()
	cfg.Addresses = map[int64]string{0: "127.0.0.1:0", 1: "127.0.0.1:1"}
	require.NoError(t, cfg.Validate())
	tr, err := cfg.NewTransport()
	require.NoError(t, err)
	assert.Equal(t, int64(0), tr.Rank())
	assert.NotEmpty(t, tr.Addr())
	require.NoError(t, tr.Close())

	cfg.Rank = 5
	_, err = cfg.NewTransport()
	require.Error(t, err)
}
