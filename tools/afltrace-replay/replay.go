// Copyright 2026 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// afltrace-replay replays event logs recorded by the harness (record_dir config option)
// through the tracer into a local coverage map and prints coverage statistics.
//
// Usage:
//
//	afltrace-replay [-j 4] [-out map.bin] events.*.jsonl.xz
//	afltrace-replay -diff base.jsonl.xz new.jsonl.xz
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"runtime"
	"sort"
	"sync"

	"github.com/google/afltrace/pkg/eventlog"
	"github.com/google/afltrace/pkg/log"
	"github.com/google/afltrace/pkg/osutil"
	"github.com/google/afltrace/pkg/shmem"
	"github.com/google/afltrace/pkg/stat"
	"github.com/google/afltrace/pkg/tool"
	"github.com/google/afltrace/pkg/trace"
	"golang.org/x/sync/errgroup"
)

var (
	flagJobs    = flag.Int("j", runtime.NumCPU(), "number of logs replayed in parallel")
	flagOut     = flag.String("out", "", "save the merged coverage map into this file")
	flagMetrics = flag.String("metrics", "", "serve prometheus metrics on this address while replaying")
	flagDiff    = flag.Bool("diff", false, "print coverage of every log that differs from the first log")
)

var (
	statLogs = stat.New("logs", "Replayed event logs",
		stat.Console, stat.Prometheus("afltrace_replay_logs"))
	statEvents = stat.New("events", "Replayed trace events",
		stat.Console, stat.Rate{}, stat.Prometheus("afltrace_replay_events"))
	statEdges = stat.New("edges per log", "Non-zero map counters per replayed log",
		stat.Console, stat.Distribution{})
)

type result struct {
	file   string
	events int
	iters  int
	edges  int
	cov    *shmem.Map
}

func main() {
	flag.Parse()
	if flag.NArg() == 0 {
		tool.Failf("usage: afltrace-replay [flags] event.log.xz...")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return tool.ServeMetrics(ctx, *flagMetrics)
	})
	var results []*result
	g.Go(func() error {
		defer cancel()
		var err error
		results, err = replayAll(ctx, flag.Args(), *flagJobs)
		return err
	})
	if err := g.Wait(); err != nil {
		tool.Fail(err)
	}
	total := shmem.NewLocal()
	for _, res := range results {
		fmt.Printf("%v: %v events, %v iterations, %v edges\n", res.file, res.events, res.iters+1, res.edges)
		merge(total, res.cov)
	}
	if *flagDiff {
		// Results are sorted by file name, the base must stay first.
		base := flag.Arg(0)
		var baseRes *result
		for _, res := range results {
			if res.file == base {
				baseRes = res
			}
		}
		for _, res := range results {
			if res == baseRes {
				continue
			}
			fmt.Printf("--- %v\n+++ %v\n%v", base, res.file, diffMaps(baseRes.cov, res.cov))
		}
	}
	fmt.Printf("total: %v edges\n", total.Count())
	for _, ui := range stat.Collect(stat.Console) {
		fmt.Printf("%-16v %v\n", ui.Name+":", ui.Value)
	}
	if *flagOut != "" {
		if err := osutil.WriteFile(*flagOut, total.Bytes()); err != nil {
			tool.Fail(err)
		}
	}
}

func replayAll(ctx context.Context, files []string, jobs int) ([]*result, error) {
	var mu sync.Mutex
	var results []*result
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(jobs, 1))
	for _, file := range files {
		file := file
		g.Go(func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			res, err := replayFile(file)
			if err != nil {
				return err
			}
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].file < results[j].file
	})
	return results, nil
}

func replayFile(file string) (res *result, err error) {
	defer func() {
		// A log that does not match the tracer's view of the call stack is corrupted.
		if r := recover(); r != nil {
			perr, ok := r.(error)
			if !ok || !errors.Is(perr, trace.ErrUnbalanced) {
				panic(r)
			}
			res, err = nil, fmt.Errorf("%v: %w", file, perr)
		}
	}()
	r, err := eventlog.Open(file)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	res = &result{
		file: file,
		cov:  shmem.NewLocal(),
	}
	tr := trace.New(res.cov)
	res.events, res.iters, err = eventlog.Replay(r, tr)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", file, err)
	}
	if depth := tr.Depth(); depth != 0 {
		// Logs of killed processes end in the middle of an iteration.
		log.Logf(1, "%v: %v frames are still live at the end of the log", file, depth)
	}
	res.edges = res.cov.Count()
	statLogs.Add(1)
	statEvents.Add(res.events)
	statEdges.Add(res.edges)
	return res, nil
}

// merge adds counters of src to dst, saturating at 255.
func merge(dst, src *shmem.Map) {
	d, s := dst.Bytes(), src.Bytes()
	for i, v := range s {
		sum := int(d[i]) + int(v)
		d[i] = byte(min(sum, 255))
	}
}
