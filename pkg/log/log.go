// Copyright 2016 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package log provides functionality similar to standard log package with some extensions:
//   - verbosity levels
//   - global verbosity setting that can be used by multiple packages
//   - ability to cache recent output in memory
//
// All output goes to stderr: the traced program owns stdout.
package log

import (
	"bytes"
	"flag"
	"fmt"
	golog "log"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

var (
	flagV        = flag.Int("vv", 0, "verbosity")
	verbosity    atomic.Int64
	mu           sync.Mutex
	cacheMem     int
	cacheMaxMem  int
	cachePos     int
	cacheEntries []string
	prependTime  = true // for testing
	logger       = golog.New(os.Stderr, "afltrace: ", golog.LstdFlags)
	exit         = os.Exit
)

// SetVerbosity overrides the -vv flag. Embedding programs that do not parse flags use it
// to enable debug output.
func SetVerbosity(v int) {
	verbosity.Store(int64(v))
}

func level() int {
	if v := int(verbosity.Load()); v != 0 {
		return v
	}
	return *flagV
}

// V reports whether messages at verbosity v are printed.
// Hot paths use it to avoid formatting arguments that would be thrown away.
func V(v int) bool {
	return v <= level()
}

// EnableLogCaching enables in memory caching of log output.
// Caches up to maxLines, but no more than maxMem bytes.
// Cached output can later be queried with CachedLogOutput.
func EnableLogCaching(maxLines, maxMem int) {
	mu.Lock()
	defer mu.Unlock()
	if cacheEntries != nil {
		Fatalf("log caching is already enabled")
	}
	if maxLines < 1 || maxMem < 1 {
		panic("invalid maxLines/maxMem")
	}
	cacheMaxMem = maxMem
	cacheEntries = make([]string, maxLines)
}

// CachedLogOutput retrieves cached log output.
func CachedLogOutput() string {
	mu.Lock()
	defer mu.Unlock()
	buf := new(bytes.Buffer)
	for i := range cacheEntries {
		pos := (cachePos + i) % len(cacheEntries)
		if cacheEntries[pos] == "" {
			continue
		}
		buf.WriteString(cacheEntries[pos])
		buf.Write([]byte{'\n'})
	}
	return buf.String()
}

func Logf(v int, msg string, args ...interface{}) {
	mu.Lock()
	doLog := v <= level()
	if cacheEntries != nil && v <= 1 {
		cacheMem -= len(cacheEntries[cachePos])
		if cacheMem < 0 {
			panic("log cache size underflow")
		}
		timeStr := ""
		if prependTime {
			timeStr = time.Now().Format("2006/01/02 15:04:05 ")
		}
		cacheEntries[cachePos] = fmt.Sprintf(timeStr+msg, args...)
		cacheMem += len(cacheEntries[cachePos])
		cachePos++
		if cachePos == len(cacheEntries) {
			cachePos = 0
		}
		for i := 0; i < len(cacheEntries)-1 && cacheMem > cacheMaxMem; i++ {
			pos := (cachePos + i) % len(cacheEntries)
			cacheMem -= len(cacheEntries[pos])
			cacheEntries[pos] = ""
		}
		if cacheMem < 0 {
			panic("log cache size underflow")
		}
	}
	mu.Unlock()

	if doLog {
		logger.Printf(msg, args...)
	}
}

// Errorf is logged unconditionally.
func Errorf(msg string, args ...interface{}) {
	Logf(0, "ERROR: "+msg, args...)
}

func Fatal(err error) {
	Fatalf("%v", err)
}

// Fatalf prints the message and terminates the process with status 1.
// Deferred functions are not run.
func Fatalf(msg string, args ...interface{}) {
	logger.Output(2, fmt.Sprintf("FATAL: "+msg, args...))
	exit(1)
}

type VerboseWriter int

func (w VerboseWriter) Write(data []byte) (int, error) {
	Logf(int(w), "%s", data)
	return len(data), nil
}
