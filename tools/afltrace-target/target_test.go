// Copyright 2026 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/afltrace/pkg/engine"
	"github.com/google/afltrace/pkg/harness"
	"github.com/google/afltrace/pkg/shmem"
	"github.com/google/afltrace/pkg/trace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTargetMatch(t *testing.T) {
	tests := []struct {
		input   string
		depth   int
		matched bool
	}{
		{"", 10, false},
		{"xaay", 0, true},
		{"xaay", 1, false},
		{"0123456789xzzy", 10, true},
		{"0123456789xzz", 10, false},
		{"0123456789xzzyy", 11, false},
		{"xaay0123456789", 10, false},
	}
	for _, check := range []string{"easy", "hard"} {
		for _, test := range tests {
			tgt, err := newTarget(engine.NewInterp(), check, test.depth)
			require.NoError(t, err)
			err = tgt.run([]byte(test.input))
			if test.matched {
				assert.ErrorIs(t, err, errMatched, "%v %q depth %v", check, test.input, test.depth)
			} else {
				assert.NoError(t, err, "%v %q depth %v", check, test.input, test.depth)
			}
		}
	}
	_, err := newTarget(engine.NewInterp(), "medium", 1)
	assert.Error(t, err)
}

func coverage(t *testing.T, check, input string) *shmem.Map {
	in := engine.NewInterp()
	tgt, err := newTarget(in, check, 10)
	require.NoError(t, err)
	cov := shmem.NewLocal()
	tr := trace.New(cov)
	tr.Enable(in)
	in.Run(func() error { return tgt.run([]byte(input)) })
	tr.Disable()
	assert.Equal(t, 0, tr.Depth())
	return cov
}

func TestTargetCoverage(t *testing.T) {
	// easy reports progress on the first matching byte, hard does not.
	base := coverage(t, "easy", strings.Repeat("a", 14))
	partial := coverage(t, "easy", "aaaaaaaaaaxaaa")
	assert.NotEqual(t, base.Bytes(), partial.Bytes())

	base = coverage(t, "hard", strings.Repeat("a", 14))
	partial = coverage(t, "hard", "aaaaaaaaaaxaaa")
	assert.Equal(t, base.Bytes(), partial.Bytes())

	crash := coverage(t, "hard", "aaaaaaaaaaxaay")
	assert.NotEqual(t, base.Bytes(), crash.Bytes())
}

func TestReadInput(t *testing.T) {
	file := filepath.Join(t.TempDir(), "input")
	require.NoError(t, os.WriteFile(file, []byte("first"), 0644))
	f, err := os.Open(file)
	require.NoError(t, err)
	defer f.Close()
	data, err := readInput(f)
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))
	require.NoError(t, os.WriteFile(file, []byte("second"), 0644))
	data, err = readInput(f)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	r, w, err := os.Pipe()
	require.NoError(t, err)
	w.Write([]byte("piped"))
	w.Close()
	data, err = readInput(r)
	require.NoError(t, err)
	assert.Equal(t, "piped", string(data))
	r.Close()
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	cfg, err := loadConfig("", "")
	require.NoError(t, err)
	assert.Equal(t, harness.DefaultConfig(), cfg)

	in := filepath.Join(dir, "in.yaml")
	require.NoError(t, os.WriteFile(in, []byte("crash_signal: SIGSEGV\nverbosity: 2\n"), 0644))
	saved := filepath.Join(dir, "out", "saved.json")
	cfg, err = loadConfig(in, saved)
	require.NoError(t, err)
	assert.Equal(t, "SIGSEGV", cfg.CrashSignal)
	assert.Equal(t, 2, cfg.Verbosity)
	assert.Equal(t, "AFLTRACE_PERSISTENT", cfg.PersistentEnv)

	loaded, err := harness.LoadConfig(saved)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)

	_, err = loadConfig(filepath.Join(dir, "missing.yaml"), "")
	assert.Error(t, err)
}
