package vfs

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Traced wraps fsys so that every primitive call is logged at debug level.
func Traced(fsys FS, log logrus.FieldLogger) FS {
	return &tracedFS{fs: fsys, log: log}
}

type tracedFS struct {
	fs  FS
	log logrus.FieldLogger
}

func (t *tracedFS) trace(op, path string, err error) {
	entry := t.log.WithFields(logrus.Fields{"op": op, "path": path})
	if err != nil {
		entry.WithError(err).Debug("vfs: call failed")
		return
	}
	entry.Debug("vfs: call")
}

func (t *tracedFS) Stat(path string) (os.FileInfo, error) {
	fi, err := t.fs.Stat(path)
	t.trace("stat", path, err)
	return fi, err
}

func (t *tracedFS) IsDir(mode os.FileMode) bool {
	return t.fs.IsDir(mode)
}

func (t *tracedFS) Mkdir(path string) error {
	err := t.fs.Mkdir(path)
	t.trace("mkdir", path, err)
	return err
}

func (t *tracedFS) ReadDir(path string) ([]string, error) {
	names, err := t.fs.ReadDir(path)
	t.trace("readdir", path, err)
	return names, err
}

func (t *tracedFS) ReadFile(path string) ([]byte, error) {
	data, err := t.fs.ReadFile(path)
	t.trace("readFile", path, err)
	return data, err
}

func (t *tracedFS) WriteFile(path string, data []byte) error {
	err := t.fs.WriteFile(path, data)
	t.trace("writeFile", path, err)
	return err
}

func (t *tracedFS) Unlink(path string) error {
	err := t.fs.Unlink(path)
	t.trace("unlink", path, err)
	return err
}
