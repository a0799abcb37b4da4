package vfs

import (
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/afero"
)

const (
	dirPerm  = 0755
	filePerm = 0644
)

// AferoFS implements FS on top of an afero filesystem.
type AferoFS struct {
	fs afero.Fs
}

// New wraps an afero filesystem.
func New(fsys afero.Fs) *AferoFS {
	return &AferoFS{fs: fsys}
}

// NewMemFS returns an empty in-memory filesystem.
func NewMemFS() *AferoFS {
	return New(afero.NewMemMapFs())
}

// NewHostFS returns a filesystem rooted at the host directory root.
// Paths cannot escape root.
func NewHostFS(root string) *AferoFS {
	return New(afero.NewBasePathFs(afero.NewOsFs(), root))
}

// Afero returns the underlying afero filesystem.
func (a *AferoFS) Afero() afero.Fs {
	return a.fs
}

func (a *AferoFS) Stat(path string) (os.FileInfo, error) {
	return a.fs.Stat(native(path))
}

func (a *AferoFS) IsDir(mode os.FileMode) bool {
	return mode.IsDir()
}

// Mkdir creates one level. It fails if the parent is missing, including on
// MemMapFs, which would otherwise create it.
func (a *AferoFS) Mkdir(path string) error {
	if err := a.requireParent("mkdir", path); err != nil {
		return err
	}
	return a.fs.Mkdir(native(path), dirPerm)
}

func (a *AferoFS) ReadDir(path string) ([]string, error) {
	infos, err := afero.ReadDir(a.fs, native(path))
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(infos)+2)
	names = append(names, ".", "..")
	for _, fi := range infos {
		names = append(names, fi.Name())
	}
	return names, nil
}

func (a *AferoFS) ReadFile(path string) ([]byte, error) {
	return afero.ReadFile(a.fs, native(path))
}

func (a *AferoFS) WriteFile(path string, data []byte) error {
	if err := a.requireParent("write", path); err != nil {
		return err
	}
	return afero.WriteFile(a.fs, native(path), data, filePerm)
}

func (a *AferoFS) Unlink(path string) error {
	fi, err := a.fs.Stat(native(path))
	if err != nil {
		return err
	}
	if fi.IsDir() {
		return &fs.PathError{Op: "unlink", Path: path, Err: ErrIsDir}
	}
	return a.fs.Remove(native(path))
}

func (a *AferoFS) requireParent(op, path string) error {
	parent := Dirname(path)
	if IsRoot(parent) {
		return nil
	}
	fi, err := a.fs.Stat(native(parent))
	if err != nil {
		if IsNotExist(err) {
			return &fs.PathError{Op: op, Path: path, Err: fs.ErrNotExist}
		}
		return fmt.Errorf("%s %s: stat parent: %w", op, path, err)
	}
	if !fi.IsDir() {
		return &fs.PathError{Op: op, Path: path, Err: ErrNotDir}
	}
	return nil
}

// native maps the root spellings onto what afero expects.
func native(path string) string {
	if IsRoot(path) {
		return "/"
	}
	return Canonical(path)
}
