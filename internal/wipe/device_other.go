//go:build !linux

package wipe

import "os"

func deviceSize(f *os.File) (uint64, error) {
	return seekSize(f)
}
