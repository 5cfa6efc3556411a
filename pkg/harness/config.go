// Copyright 2026 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package harness

import (
	"github.com/google/afltrace/pkg/config"
	"github.com/google/afltrace/pkg/shmem"
)

type Config struct {
	// Environment variable with the coverage map shared memory id.
	ShmEnv string `json:"shm_env" yaml:"shm_env"`
	// Presence of this environment variable enables persistent mode.
	PersistentEnv string `json:"persistent_env" yaml:"persistent_env"`
	// Environment variable that overrides CrashSignal.
	SignalEnv string `json:"signal_env" yaml:"signal_env"`
	// Signal raised on uncaught errors, name ("SIGABRT", "ABRT") or number.
	CrashSignal string `json:"crash_signal" yaml:"crash_signal"`
	// If set, all trace events of every iteration are saved into this dir
	// (one xz-compressed file per process). Without a controller the events
	// are traced into a private map.
	RecordDir string `json:"record_dir,omitempty" yaml:"record_dir,omitempty"`
	Verbosity int    `json:"verbosity,omitempty" yaml:"verbosity,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		ShmEnv:        shmem.DefaultEnv,
		PersistentEnv: "AFLTRACE_PERSISTENT",
		SignalEnv:     "AFLTRACE_SIGNAL",
		CrashSignal:   "SIGABRT",
	}
}

// LoadConfig reads a JSON (with #-comments) or YAML config on top of DefaultConfig.
func LoadConfig(filename string) (*Config, error) {
	cfg := DefaultConfig()
	if err := config.LoadFile(filename, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
