// Package vfs is the filesystem seen by a sandbox session: a small set of
// primitives over a mounted tree, with host-directory and in-memory backends.
//
// Paths passed to an FS are absolute within the mounted tree and use "/".
// The empty path and "/" both name the root.
package vfs

import (
	"errors"
	"io/fs"
	"os"
)

var (
	// ErrNotDir is returned when a directory operation hits a file.
	ErrNotDir = errors.New("not a directory")

	// ErrIsDir is returned by Unlink when the target is a directory.
	ErrIsDir = errors.New("is a directory")
)

// FS is the set of primitives the snapshot engine needs from a mounted tree.
type FS interface {
	// Stat fails with an error matching fs.ErrNotExist if path is absent.
	Stat(path string) (os.FileInfo, error)

	// IsDir reports whether mode describes a directory.
	IsDir(mode os.FileMode) bool

	// Mkdir creates a single directory level. The parent must exist.
	Mkdir(path string) error

	// ReadDir returns the entry names of a directory, including "." and "..".
	ReadDir(path string) ([]string, error)

	// ReadFile returns the full content of a file.
	ReadFile(path string) ([]byte, error)

	// WriteFile creates or truncates a file. The parent must exist.
	WriteFile(path string, data []byte) error

	// Unlink removes a file. Directories are rejected with ErrIsDir.
	Unlink(path string) error
}

// IsNotExist reports whether err means the path does not exist.
func IsNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
