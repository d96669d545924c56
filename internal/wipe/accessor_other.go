//go:build !unix

package wipe

import "os"

// Вне Unix эксклюзивность обеспечивает только реестр процесса
func lockFile(*os.File) error { return nil }

func unlockFile(*os.File) error { return nil }
