// Copyright 2026 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// afltrace-target is a reference fuzz target that runs under an AFL-compatible
// controller. It reads the input from stdin and recursively checks its first -depth
// suffixes; it crashes if the last checked suffix starts with 'x' and has 'y' at index 3.
//
// Usage:
//
//	AFLTRACE_PERSISTENT=1 afl-fuzz -i in -o out -- afltrace-target -check hard
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"os"

	"github.com/google/afltrace/pkg/config"
	"github.com/google/afltrace/pkg/engine"
	"github.com/google/afltrace/pkg/forksrv"
	"github.com/google/afltrace/pkg/harness"
	"github.com/google/afltrace/pkg/log"
	"github.com/google/afltrace/pkg/tool"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

var (
	flagConfig  = flag.String("config", "", "harness config file")
	flagMetrics = flag.String("metrics", "", "serve prometheus metrics of the fork server on this address")
	flagCheck   = flag.String("check", "hard", "input check (easy, hard)")
	flagDepth   = flag.Int("depth", 10, "number of input suffixes to check")
	flagIters   = flag.Int("iters", 10000, "iterations per process in persistent mode (0 - unlimited)")
	flagSave    = flag.String("save-config", "", "write the effective harness config (.json or .yaml) and exit")
)

func main() {
	flag.Parse()
	cfg, err := loadConfig(*flagConfig, *flagSave)
	if err != nil {
		tool.Fail(err)
	}
	if *flagSave != "" {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	if !forksrv.IsChild() {
		// Children are re-executed with the same flags, only the fork server exports metrics.
		g.Go(func() error {
			return tool.ServeMetrics(ctx, *flagMetrics)
		})
	}
	g.Go(func() error {
		defer cancel()
		return fuzz(cfg)
	})
	if err := g.Wait(); err != nil {
		tool.Fail(err)
	}
}

// loadConfig returns the default config overridden by file (if set) and saves it into save (if set).
func loadConfig(file, save string) (*harness.Config, error) {
	cfg := harness.DefaultConfig()
	if file != "" {
		var err error
		if cfg, err = harness.LoadConfig(file); err != nil {
			return nil, err
		}
	}
	if save != "" {
		if err := config.SaveFile(save, cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func fuzz(cfg *harness.Config) error {
	in := engine.NewInterp()
	t, err := newTarget(in, *flagCheck, *flagDepth)
	if err != nil {
		return err
	}
	h := harness.New(in, cfg)
	defer h.Close()
	for h.Loop(*flagIters) {
		data, err := readInput(os.Stdin)
		if err != nil {
			return err
		}
		// Uncaught errors are turned into the crash signal by the harness,
		// we get here only if the signal does not terminate the process.
		if err := in.Run(func() error { return t.run(data) }); err != nil {
			return err
		}
	}
	log.Logf(1, "done: %+v", h.State())
	return nil
}

// readInput reads the whole stdin. The controller rewrites the same file
// for every input of a persistent process, so it is re-read from the start.
func readInput(f *os.File) ([]byte, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil && !errors.Is(err, unix.ESPIPE) {
		return nil, err
	}
	return io.ReadAll(f)
}
