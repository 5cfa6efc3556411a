// Copyright 2017 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package osutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	DefaultDirPerm  = 0755
	DefaultFilePerm = 0644
)

// IsExist returns true if the file name exists.
func IsExist(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}

func MkdirAll(dir string) error {
	return os.MkdirAll(dir, DefaultDirPerm)
}

func WriteFile(filename string, data []byte) error {
	if err := MkdirAll(filepath.Dir(filename)); err != nil {
		return err
	}
	return os.WriteFile(filename, data, DefaultFilePerm)
}

// EnvInt returns the integer value of the environment variable name.
// ok is false if the variable is not set at all; err is set if it is set but malformed.
func EnvInt(name string) (val int, ok bool, err error) {
	str, ok := os.LookupEnv(name)
	if !ok {
		return 0, false, nil
	}
	val, err = strconv.Atoi(strings.TrimSpace(str))
	if err != nil {
		return 0, true, fmt.Errorf("bad %v value %q: %w", name, str, err)
	}
	return val, true, nil
}

// EnvSet returns true if name is present in the environment, regardless of the value.
func EnvSet(name string) bool {
	_, ok := os.LookupEnv(name)
	return ok
}

// SelfExe returns path to the binary of the current process.
func SelfExe() (string, error) {
	if IsExist("/proc/self/exe") {
		return "/proc/self/exe", nil
	}
	return os.Executable()
}
