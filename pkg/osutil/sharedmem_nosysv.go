// Copyright 2021 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

//go:build !linux

package osutil

import (
	"fmt"
	"runtime"
)

func AttachSharedMem(id int) ([]byte, error) {
	return nil, fmt.Errorf("shared memory segments are not supported on %v", runtime.GOOS)
}

func DetachSharedMem(mem []byte) error {
	return nil
}

func CreateSharedMem(size int) (int, []byte, error) {
	return 0, nil, fmt.Errorf("shared memory segments are not supported on %v", runtime.GOOS)
}

func RemoveSharedMem(id int) error {
	return nil
}
