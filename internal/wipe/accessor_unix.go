//go:build unix

package wipe

import (
	"os"

	cerr "github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// lockFile берёт эксклюзивную advisory блокировку без ожидания
func lockFile(f *os.File) error {
	err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err == nil {
		return nil
	}
	if cerr.Is(err, unix.EWOULDBLOCK) {
		return wrapf(err, ErrTargetBusy, "target %s is locked by another process", f.Name())
	}
	return wrapf(err, ErrIO, "flock %s", f.Name())
}

func unlockFile(f *os.File) error {
	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		return wrapf(err, ErrIO, "unlock %s", f.Name())
	}
	return nil
}
