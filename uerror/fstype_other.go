//go:build !linux

package uerror

// Filesystem-type probing is only wired up for Linux; elsewhere a full
// disk is reported as plain FilesystemNoSpace.
func isSmallFileFilesystem(path string) bool { return false }

func freeSpace(path string) int64 { return 0 }
