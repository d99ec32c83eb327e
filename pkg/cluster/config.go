// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cluster holds the configuration of one rank of a distributed job: its rank, the addresses of
// all ranks, and the tuning knobs of the transport, the actor threads and the chain graph builder.
//
// Configurations are read from YAML, e.g.:
//
//	rank: 0
//	device_type: cpu
//	timeout_seconds: 30
//	worker_parallelism: 4
//	addresses:
//	  0: "10.0.0.1:7070"
//	  1: "10.0.0.2:7070"
//
// The environment variable DISTEXEC_TIMEOUT_SECONDS, if set, overrides timeout_seconds.
package cluster

import (
	"bytes"
	"io"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gomlx/distexec/internal/workerspool"
	"github.com/gomlx/distexec/pkg/core/chaingraph"
	"github.com/gomlx/distexec/pkg/core/distributed"
	"github.com/gomlx/distexec/pkg/core/transport"
	"github.com/gomlx/distexec/pkg/support/fsutil"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

// TimeoutEnv is the environment variable that overrides Config.TimeoutSeconds.
const TimeoutEnv = "DISTEXEC_TIMEOUT_SECONDS"

// DefaultTimeoutSeconds is the default timeout of collective operations.
const DefaultTimeoutSeconds = 30

// Config of one rank.
type Config struct {
	// Rank of this process.
	Rank int64 `yaml:"rank"`

	// Addresses ("host:port") of every rank, including this one, which listens on it.
	Addresses map[int64]string `yaml:"addresses"`

	// DeviceType of the placements of the job: "cpu" or "cuda".
	DeviceType string `yaml:"device_type"`

	// TimeoutSeconds of each collective step.
	TimeoutSeconds float64 `yaml:"timeout_seconds"`

	// WorkerParallelism is the number of actor threads that can run concurrently.
	// 0 means the number of CPUs; -1 means unlimited.
	WorkerParallelism int `yaml:"worker_parallelism"`

	// BitsetCapacity for the chain graph builder: task node ids must be smaller.
	BitsetCapacity int `yaml:"bitset_capacity"`
}

// Default returns the configuration of a single rank 0 job, without addresses.
func Default() *Config {
	return &Config{
		Rank:           0,
		Addresses:      map[int64]string{},
		DeviceType:     distributed.CPU.String(),
		TimeoutSeconds: DefaultTimeoutSeconds,
		BitsetCapacity: chaingraph.DefaultCapacity,
	}
}

// Parse reads a YAML configuration on top of the defaults. Unknown fields are errors.
// It doesn't apply the environment override nor validate: see Load.
func Parse(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrap(err, "failed to parse cluster configuration")
	}
	if cfg.Addresses == nil {
		cfg.Addresses = map[int64]string{}
	}
	return cfg, nil
}

// Load reads the configuration file (a leading "~" is expanded), applies the environment override and validates it.
func Load(path string) (*Config, error) {
	resolved, err := fsutil.ResolveFile(path)
	if err != nil {
		return nil, errors.WithMessage(err, "cluster configuration")
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read cluster configuration from %q", path)
	}
	cfg, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, errors.WithMessagef(err, "configuration file %q", path)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "configuration file %q", path)
	}
	klog.V(1).Infof("loaded cluster configuration %q: rank %d of %d", path, cfg.Rank, len(cfg.Addresses))
	return cfg, nil
}

// ApplyEnv overrides the configuration with the environment (see TimeoutEnv).
func (c *Config) ApplyEnv() error {
	value, found := os.LookupEnv(TimeoutEnv)
	if !found || strings.TrimSpace(value) == "" {
		return nil
	}
	seconds, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return errors.Wrapf(err, "invalid $%s=%q", TimeoutEnv, value)
	}
	klog.V(1).Infof("$%s overrides timeout: %gs", TimeoutEnv, seconds)
	c.TimeoutSeconds = seconds
	return nil
}

// Validate checks the configuration is consistent.
func (c *Config) Validate() error {
	if c.Rank < 0 {
		return errors.Errorf("invalid rank %d: must be >= 0", c.Rank)
	}
	if _, err := distributed.ParseDeviceType(c.DeviceType); err != nil {
		return err
	}
	if c.TimeoutSeconds <= 0 {
		return errors.Errorf("invalid timeout_seconds %g: must be > 0", c.TimeoutSeconds)
	}
	if c.WorkerParallelism < -1 {
		return errors.Errorf("invalid worker_parallelism %d: must be >= -1", c.WorkerParallelism)
	}
	if c.BitsetCapacity <= 0 {
		return errors.Errorf("invalid bitset_capacity %d: must be > 0", c.BitsetCapacity)
	}
	if len(c.Addresses) > 0 {
		if _, found := c.Addresses[c.Rank]; !found {
			return errors.Errorf("rank %d has no address in %v", c.Rank, c.Addresses)
		}
	}
	for rank, addr := range c.Addresses {
		if rank < 0 {
			return errors.Errorf("invalid rank %d in addresses", rank)
		}
		if strings.TrimSpace(addr) == "" {
			return errors.Errorf("rank %d has an empty address", rank)
		}
	}
	return nil
}

// Timeout of collective steps.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds * float64(time.Second))
}

// Ranks returns the sorted ranks of the job. Without addresses it's only the local rank.
func (c *Config) Ranks() []int64 {
	if len(c.Addresses) == 0 {
		return []int64{c.Rank}
	}
	return slices.Sorted(maps.Keys(c.Addresses))
}

// Placement returns the 1-D placement over all the ranks of the job.
func (c *Config) Placement() (*distributed.Placement, error) {
	deviceType, err := distributed.ParseDeviceType(c.DeviceType)
	if err != nil {
		return nil, err
	}
	return distributed.NewPlacement(deviceType, c.Ranks())
}

// WorkersPool returns a pool for the actor threads, with the configured parallelism.
func (c *Config) WorkersPool() *workerspool.Pool {
	if c.WorkerParallelism == 0 {
		return workerspool.New()
	}
	return workerspool.NewWithParallelism(c.WorkerParallelism)
}

// ChainGraphOptions returns the options for chaingraph.Build.
func (c *Config) ChainGraphOptions() []chaingraph.Option {
	return []chaingraph.Option{chaingraph.WithCapacity(c.BitsetCapacity)}
}

// NewTransport starts a gRPC transport listening on the address of the local rank, and connects it to
// the other ranks. Peer connections are lazy and sends wait for the peer to come up, so the other ranks
// don't need to be up yet.
func (c *Config) NewTransport() (*transport.GRPCTransport, error) {
	addr, found := c.Addresses[c.Rank]
	if !found {
		return nil, errors.Errorf("rank %d has no address configured", c.Rank)
	}
	tr, err := transport.NewGRPCTransport(c.Rank, addr)
	if err != nil {
		return nil, err
	}
	peers := maps.Clone(c.Addresses)
	delete(peers, c.Rank)
	if err := tr.Connect(peers); err != nil {
		_ = tr.Close()
		return nil, err
	}
	return tr, nil
}
