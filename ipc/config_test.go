// Copyright 2026 The Graphene Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package ipc

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigValidates(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("DefaultConfig().Validate() = %v, want nil", err)
	}
}

func TestConfigValidateRejectsNonPowerOfTwoBucketCount(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BucketCount = 63
	if err := cfg.Validate(); err == nil {
		t.Fatalf("Validate() = nil, want error for bucket_count=63")
	}
}

func TestConfigValidateRejectsSmallInitialBuffer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InitialBufferSize = cfg.MinRecordSize - 1
	if err := cfg.Validate(); err == nil {
		t.Fatalf("Validate() = nil, want error for initial_buffer_size < min_record_size")
	}
}

func TestLoadConfigOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("bucket_count: 128\nmax_fini: 5\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.BucketCount != 128 {
		t.Errorf("BucketCount = %d, want 128", cfg.BucketCount)
	}
	if cfg.MaxFini != 5 {
		t.Errorf("MaxFini = %d, want 5", cfg.MaxFini)
	}
	if cfg.ReadAhead != DefaultConfig().ReadAhead {
		t.Errorf("ReadAhead = %d, want default %d (untouched by partial file)", cfg.ReadAhead, DefaultConfig().ReadAhead)
	}
}

func TestLoadConfigRejectsInvalidOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("bucket_count: 0\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("LoadConfig = nil error, want validation failure")
	}
}
