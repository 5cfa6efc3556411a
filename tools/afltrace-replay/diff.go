// Copyright 2026 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package main

import (
	"fmt"
	"strings"

	"github.com/google/afltrace/pkg/shmem"
	dmp "github.com/sergi/go-diff/diffmatchpatch"
)

// bucket maps a hit count to the AFL hit count class, so that maps that differ
// only in loop iteration counts within a class compare equal.
func bucket(v byte) int {
	switch {
	case v <= 3:
		return int(v)
	case v <= 7:
		return 4
	case v <= 15:
		return 8
	case v <= 31:
		return 16
	case v <= 127:
		return 32
	default:
		return 128
	}
}

// tuples formats non-zero counters as "offset:class" lines.
func tuples(m *shmem.Map) string {
	buf := new(strings.Builder)
	for i, v := range m.Bytes() {
		if v != 0 {
			fmt.Fprintf(buf, "%05d:%d\n", i, bucket(v))
		}
	}
	return buf.String()
}

// diffMaps returns lines present only in a (prefixed with -) or only in b (prefixed with +).
func diffMaps(a, b *shmem.Map) string {
	differ := dmp.New()
	text1, text2, lines := differ.DiffLinesToChars(tuples(a), tuples(b))
	diffs := differ.DiffCharsToLines(differ.DiffMain(text1, text2, false), lines)
	buf := new(strings.Builder)
	for _, d := range diffs {
		prefix := ""
		switch d.Type {
		case dmp.DiffDelete:
			prefix = "-"
		case dmp.DiffInsert:
			prefix = "+"
		default:
			continue
		}
		for _, line := range strings.SplitAfter(d.Text, "\n") {
			if line != "" {
				buf.WriteString(prefix + line)
			}
		}
	}
	return buf.String()
}
