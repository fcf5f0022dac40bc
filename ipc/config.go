// Copyright 2026 The Graphene Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package ipc

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Config holds the tunables spec.md calls out as "recommended" rather than
// mandated, so they can be adjusted per deployment without touching code.
type Config struct {
	// BucketCount is the number of buckets in the registry's peer-id hash
	// table. Must be a power of two; the low bits of a peer id select the
	// bucket. Spec recommends 64.
	BucketCount int `yaml:"bucket_count"`

	// MaxFini bounds the number of fini callbacks a single port may carry.
	// Spec recommends 3.
	MaxFini int `yaml:"max_fini"`

	// MinRecordSize is the smallest number of bytes the framing layer will
	// ever try to read before it has seen a complete header.
	MinRecordSize int `yaml:"min_record_size"`

	// ReadAhead is the extra byte budget (beyond the currently expected
	// remaining bytes) the receive loop requests per read, to amortize
	// syscalls across several small messages.
	ReadAhead int `yaml:"read_ahead"`

	// InitialBufferSize is the starting size of a port's per-read scratch
	// buffer; it doubles as frames demand more.
	InitialBufferSize int `yaml:"initial_buffer_size"`

	// HelperWatchedCapacity is the initial capacity of the helper's watched-
	// port array (it grows by doubling as IFPOLL ports are admitted).
	HelperWatchedCapacity int `yaml:"helper_watched_capacity"`

	// RuntimeDir is where the peer-socket watcher (ipc/peerwatch) looks for
	// inbound namespace-leader and parent sockets during init_ports.
	RuntimeDir string `yaml:"runtime_dir"`

	// DebugAddr, if non-empty, is the bind address the demo CLI's "serve"
	// subcommand uses for the introspection HTTP endpoint (ipc/debug).
	DebugAddr string `yaml:"debug_addr"`
}

// DefaultConfig returns the configuration matching every recommended
// constant in spec.md.
func DefaultConfig() Config {
	return Config{
		BucketCount:           64,
		MaxFini:               3,
		MinRecordSize:         headerSize,
		ReadAhead:             4096,
		InitialBufferSize:     headerSize + 256,
		HelperWatchedCapacity: 8,
		RuntimeDir:            "/run/ipc",
		DebugAddr:             "",
	}
}

// LoadConfig reads a YAML document from path, applying it on top of
// DefaultConfig() so a partial file only overrides the fields it mentions.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("ipc: reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("ipc: parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate reports whether cfg's fields are self-consistent enough to build
// a Manager from.
func (c Config) Validate() error {
	if c.BucketCount <= 0 || c.BucketCount&(c.BucketCount-1) != 0 {
		return NewError(KindInvalidArgument, fmt.Errorf("bucket_count %d must be a positive power of two", c.BucketCount))
	}
	if c.MaxFini <= 0 {
		return NewError(KindInvalidArgument, fmt.Errorf("max_fini %d must be positive", c.MaxFini))
	}
	if c.MinRecordSize < headerSize {
		return NewError(KindInvalidArgument, fmt.Errorf("min_record_size %d smaller than header size %d", c.MinRecordSize, headerSize))
	}
	if c.InitialBufferSize < c.MinRecordSize {
		return NewError(KindInvalidArgument, fmt.Errorf("initial_buffer_size %d smaller than min_record_size %d", c.InitialBufferSize, c.MinRecordSize))
	}
	if c.HelperWatchedCapacity <= 0 {
		return NewError(KindInvalidArgument, fmt.Errorf("helper_watched_capacity %d must be positive", c.HelperWatchedCapacity))
	}
	return nil
}
