//go:build linux

package main

import (
	"fmt"
	"os"
	"syscall"
)

// acquireSingletonLock takes an exclusive, non-blocking flock on path
// so only one craned process can own a given base directory at a time
// (spec.md §1's "mutex file path").
func acquireSingletonLock(path string) (release func(), err error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	return func() {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		_ = f.Close()
	}, nil
}
