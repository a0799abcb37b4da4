package snapshot

import (
	"errors"
	"io/fs"
	"os"
	"sort"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/xfeldman/statebridge/internal/vfs"
)

func isDir(t *testing.T, fsys vfs.FS, path string) bool {
	t.Helper()
	fi, err := fsys.Stat(path)
	if err != nil {
		return false
	}
	return fsys.IsDir(fi.Mode())
}

func sorted(paths []string) []string {
	out := append([]string(nil), paths...)
	sort.Strings(out)
	return out
}

// faultFS fails the named operation on paths with the given prefix.
type faultFS struct {
	vfs.FS
	op     string
	prefix string
	err    error
	calls  map[string]int
}

func newFaultFS(op, prefix string, err error) *faultFS {
	return &faultFS{FS: vfs.NewMemFS(), op: op, prefix: prefix, err: err, calls: map[string]int{}}
}

func (f *faultFS) fail(op, path string) error {
	f.calls[op]++
	if op == f.op && strings.HasPrefix(path, f.prefix) {
		return f.err
	}
	return nil
}

func (f *faultFS) Stat(path string) (os.FileInfo, error) {
	if err := f.fail("stat", path); err != nil {
		return nil, err
	}
	return f.FS.Stat(path)
}

func (f *faultFS) Mkdir(path string) error {
	if err := f.fail("mkdir", path); err != nil {
		return err
	}
	return f.FS.Mkdir(path)
}

func (f *faultFS) ReadDir(path string) ([]string, error) {
	if err := f.fail("readdir", path); err != nil {
		return nil, err
	}
	return f.FS.ReadDir(path)
}

func (f *faultFS) ReadFile(path string) ([]byte, error) {
	if err := f.fail("readFile", path); err != nil {
		return nil, err
	}
	return f.FS.ReadFile(path)
}

func (f *faultFS) WriteFile(path string, data []byte) error {
	if err := f.fail("writeFile", path); err != nil {
		return err
	}
	return f.FS.WriteFile(path, data)
}

func (f *faultFS) Unlink(path string) error {
	if err := f.fail("unlink", path); err != nil {
		return err
	}
	return f.FS.Unlink(path)
}

func TestEnsureDirCreatesAncestors(t *testing.T) {
	fsys := vfs.NewMemFS()
	e := New(fsys)

	if err := e.EnsureDir("/a/b/c"); err != nil {
		t.Fatalf("EnsureDir: %v", err)
	}
	for _, p := range []string{"/a", "/a/b", "/a/b/c"} {
		if !isDir(t, fsys, p) {
			t.Errorf("%s is not a directory", p)
		}
	}
}

func TestEnsureDirIdempotent(t *testing.T) {
	fsys := newFaultFS("", "", nil)
	e := New(fsys)

	if err := e.EnsureDir(`\x\\y`); err != nil {
		t.Fatalf("first EnsureDir: %v", err)
	}
	mkdirs := fsys.calls["mkdir"]
	if mkdirs != 2 {
		t.Errorf("first call made %d mkdirs, want 2", mkdirs)
	}

	if err := e.EnsureDir("/x/y"); err != nil {
		t.Fatalf("second EnsureDir: %v", err)
	}
	if fsys.calls["mkdir"] != mkdirs {
		t.Errorf("second call made %d extra mkdirs, want 0", fsys.calls["mkdir"]-mkdirs)
	}
	if !isDir(t, fsys, "/x/y") {
		t.Error("/x/y missing")
	}
}

func TestEnsureDirRoot(t *testing.T) {
	fsys := newFaultFS("mkdir", "", errors.New("must not mkdir"))
	e := New(fsys)
	for _, root := range []string{"", "/", "//"} {
		if err := e.EnsureDir(root); err != nil {
			t.Errorf("EnsureDir(%q): %v", root, err)
		}
	}
}

func TestEnsureDirStatFailure(t *testing.T) {
	denied := &fs.PathError{Op: "stat", Path: "/locked", Err: fs.ErrPermission}

	strict := New(newFaultFS("stat", "/locked", denied))
	if err := strict.EnsureDir("/locked/dir"); !errors.Is(err, fs.ErrPermission) {
		t.Errorf("strict EnsureDir: err = %v, want permission error", err)
	}

	fsys := newFaultFS("stat", "/locked", denied)
	lenient := New(fsys, WithLenientStat())
	if err := lenient.EnsureDir("/locked/dir"); err != nil {
		t.Fatalf("lenient EnsureDir: %v", err)
	}
	if fsys.calls["mkdir"] != 2 {
		t.Errorf("lenient made %d mkdirs, want 2", fsys.calls["mkdir"])
	}
}

func TestEnsureDirMkdirFailure(t *testing.T) {
	boom := errors.New("disk full")
	e := New(newFaultFS("mkdir", "/a/b", boom))
	if err := e.EnsureDir("/a/b/c"); !errors.Is(err, boom) {
		t.Errorf("EnsureDir: err = %v, want %v", err, boom)
	}
}

func TestListFiles(t *testing.T) {
	fsys := vfs.NewMemFS()
	e := New(fsys)

	for _, d := range []string{"/r/x/y", "/r/empty"} {
		if err := e.EnsureDir(d); err != nil {
			t.Fatalf("EnsureDir %s: %v", d, err)
		}
	}
	for _, f := range []string{"/r/top.txt", "/r/x/mid.txt", "/r/x/y/deep.bin"} {
		if err := fsys.WriteFile(f, []byte(f)); err != nil {
			t.Fatalf("write %s: %v", f, err)
		}
	}

	files, err := e.ListFiles("/r")
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	want := []string{"top.txt", "x/mid.txt", "x/y/deep.bin"}
	if diff := cmp.Diff(want, sorted(files)); diff != "" {
		t.Errorf("ListFiles mismatch (-want +got):\n%s", diff)
	}
	for _, f := range files {
		if strings.HasPrefix(f, "/") {
			t.Errorf("path %q has leading separator", f)
		}
		if isDir(t, fsys, vfs.Join("/r", f)) {
			t.Errorf("path %q is a directory", f)
		}
	}
}

func TestListFilesInOrder(t *testing.T) {
	fsys := vfs.NewMemFS()
	e := New(fsys)

	// MemMapFs lists names sorted: a/, b.txt, c/
	for _, d := range []string{"/r/a/deep", "/r/c"} {
		if err := e.EnsureDir(d); err != nil {
			t.Fatalf("EnsureDir %s: %v", d, err)
		}
	}
	for _, f := range []string{"/r/a/deep/z.txt", "/r/a/m.txt", "/r/b.txt", "/r/c/d.txt"} {
		if err := fsys.WriteFile(f, nil); err != nil {
			t.Fatalf("write %s: %v", f, err)
		}
	}

	files, err := e.ListFiles("/r")
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	want := []string{"a/deep/z.txt", "a/m.txt", "b.txt", "c/d.txt"}
	if diff := cmp.Diff(want, files); diff != "" {
		t.Errorf("ListFiles order (-want +got):\n%s", diff)
	}
}

func TestListFilesEmptyAndMissing(t *testing.T) {
	fsys := vfs.NewMemFS()
	e := New(fsys)
	if err := e.EnsureDir("/only/dirs/here"); err != nil {
		t.Fatalf("EnsureDir: %v", err)
	}

	files, err := e.ListFiles("/only")
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(files) != 0 {
		t.Errorf("ListFiles = %v, want none", files)
	}

	if _, err := e.ListFiles("/missing"); !vfs.IsNotExist(err) {
		t.Errorf("ListFiles missing: err = %v, want not-exist", err)
	}
}

func TestListFilesDeepTree(t *testing.T) {
	fsys := vfs.NewMemFS()
	e := New(fsys)

	parts := make([]string, 200)
	for i := range parts {
		parts[i] = "d"
	}
	deep := "/" + strings.Join(parts, "/")
	if err := e.EnsureDir(deep); err != nil {
		t.Fatalf("EnsureDir deep: %v", err)
	}
	if err := fsys.WriteFile(deep+"/leaf", []byte("x")); err != nil {
		t.Fatalf("write leaf: %v", err)
	}

	files, err := e.ListFiles("/")
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	want := strings.TrimPrefix(deep, "/") + "/leaf"
	if len(files) != 1 || files[0] != want {
		t.Errorf("ListFiles = %v, want [%s]", files, want)
	}
}

func TestPushPullScenario(t *testing.T) {
	fsys := vfs.NewMemFS()
	e := New(fsys)

	snap := Snapshot{
		"a/b.txt": {1, 2, 3},
		"c/":      nil,
	}
	if err := e.Push("/root", snap); err != nil {
		t.Fatalf("Push: %v", err)
	}

	if !isDir(t, fsys, "/root/a") {
		t.Error("/root/a is not a directory")
	}
	if !isDir(t, fsys, "/root/c") {
		t.Error("/root/c is not a directory")
	}
	data, err := fsys.ReadFile("/root/a/b.txt")
	if err != nil {
		t.Fatalf("read b.txt: %v", err)
	}
	if diff := cmp.Diff([]byte{1, 2, 3}, data); diff != "" {
		t.Errorf("b.txt mismatch (-want +got):\n%s", diff)
	}

	got, err := e.Pull("/root")
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if diff := cmp.Diff(Snapshot{"a/b.txt": {1, 2, 3}}, got); diff != "" {
		t.Errorf("Pull mismatch (-want +got):\n%s", diff)
	}

	if _, err := fsys.Stat("/root/a/b.txt"); !vfs.IsNotExist(err) {
		t.Errorf("b.txt still present after pull: %v", err)
	}
	for _, d := range []string{"/root/a", "/root/c"} {
		if !isDir(t, fsys, d) {
			t.Errorf("%s removed by pull", d)
		}
		names, err := fsys.ReadDir(d)
		if err != nil {
			t.Fatalf("readdir %s: %v", d, err)
		}
		if len(names) != 2 {
			t.Errorf("%s not empty: %v", d, names)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	for name, fsys := range map[string]vfs.FS{
		"memory": vfs.NewMemFS(),
		"host":   vfs.NewHostFS(t.TempDir()),
	} {
		t.Run(name, func(t *testing.T) {
			e := New(fsys)
			snap := Snapshot{
				"profile.dat":         []byte("profile"),
				"save/slot1.bin":      {0, 255, 0, 255},
				"save/slot2.bin":      {},
				"ghost/var/dict.txt":  []byte("words"),
				`ghost\var\alias.txt`: []byte("alias"),
			}
			if err := e.Push("/base", snap); err != nil {
				t.Fatalf("Push: %v", err)
			}

			got, err := e.Pull("/base")
			if err != nil {
				t.Fatalf("Pull: %v", err)
			}

			want := Snapshot{}
			for k, v := range snap {
				want[vfs.Canonical(k)] = v
			}
			if diff := cmp.Diff(want, got, cmp.Comparer(func(a, b []byte) bool { return string(a) == string(b) })); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}

			left, err := e.ListFiles("/base")
			if err != nil {
				t.Fatalf("ListFiles: %v", err)
			}
			if len(left) != 0 {
				t.Errorf("files left after pull: %v", left)
			}
		})
	}
}

func TestMarkerAsymmetry(t *testing.T) {
	fsys := vfs.NewMemFS()
	e := New(fsys)

	if err := e.Push("/b", Snapshot{"c/": nil}); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if !isDir(t, fsys, "/b/c") {
		t.Fatal("/b/c not created")
	}

	got, err := e.Pull("/b")
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("Pull = %v, want empty non-nil snapshot", got)
	}
}

func TestPushOverwrites(t *testing.T) {
	fsys := vfs.NewMemFS()
	e := New(fsys)

	if err := e.Push("/", Snapshot{"f": []byte("old content")}); err != nil {
		t.Fatalf("first push: %v", err)
	}
	if err := e.Push("/", Snapshot{"f": []byte("new")}); err != nil {
		t.Fatalf("second push: %v", err)
	}
	data, err := fsys.ReadFile("/f")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "new" {
		t.Errorf("content = %q, want %q", data, "new")
	}
}

func TestPushWriteFailureAborts(t *testing.T) {
	boom := errors.New("read-only filesystem")
	fsys := newFaultFS("writeFile", "/base/", boom)
	e := New(fsys)

	err := e.Push("/base", Snapshot{"a": []byte("1"), "b": []byte("2")})
	if !errors.Is(err, boom) {
		t.Fatalf("Push: err = %v, want %v", err, boom)
	}
	if fsys.calls["writeFile"] != 1 {
		t.Errorf("writeFile called %d times, want 1", fsys.calls["writeFile"])
	}
}

func TestPushKeyValidation(t *testing.T) {
	fsys := newFaultFS("", "", nil)
	e := New(fsys, WithKeyValidation())

	err := e.Push("/base", Snapshot{"ok.txt": []byte("x"), "../escape.txt": []byte("y")})
	if !errors.Is(err, ErrUnsafeKey) {
		t.Fatalf("Push: err = %v, want ErrUnsafeKey", err)
	}
	if fsys.calls["mkdir"]+fsys.calls["writeFile"] != 0 {
		t.Error("filesystem touched before validation failed")
	}

	// Without validation the key is joined verbatim.
	if err := New(vfs.NewMemFS()).Push("/base", Snapshot{"../escape.txt": []byte("y")}); err != nil {
		t.Errorf("unvalidated push: %v", err)
	}
}

func TestPullFailures(t *testing.T) {
	boom := errors.New("io error")
	for _, op := range []string{"readdir", "stat", "readFile", "unlink"} {
		t.Run(op, func(t *testing.T) {
			fsys := newFaultFS("", "", nil)
			e := New(fsys)
			if err := e.Push("/base", Snapshot{"d/f.txt": []byte("x")}); err != nil {
				t.Fatalf("Push: %v", err)
			}
			fsys.op, fsys.prefix, fsys.err = op, "/base/d", boom

			if _, err := e.Pull("/base"); !errors.Is(err, boom) {
				t.Errorf("Pull: err = %v, want %v", err, boom)
			}
		})
	}
}

func TestPullReadBeforeUnlink(t *testing.T) {
	boom := errors.New("read failed")
	fsys := newFaultFS("", "", nil)
	e := New(fsys)
	if err := e.Push("/", Snapshot{"keep.txt": []byte("x")}); err != nil {
		t.Fatalf("Push: %v", err)
	}
	fsys.op, fsys.prefix, fsys.err = "readFile", "/keep.txt", boom

	if _, err := e.Pull("/"); !errors.Is(err, boom) {
		t.Fatalf("Pull: err = %v, want %v", err, boom)
	}
	if fsys.calls["unlink"] != 0 {
		t.Error("file unlinked although read failed")
	}
}

func TestPullFailureReturnsDrained(t *testing.T) {
	boom := errors.New("read failed")
	fsys := newFaultFS("", "", nil)
	e := New(fsys)
	if err := e.Push("/", Snapshot{"a.txt": []byte("a"), "b.txt": []byte("b")}); err != nil {
		t.Fatalf("Push: %v", err)
	}
	fsys.op, fsys.prefix, fsys.err = "readFile", "/b.txt", boom

	drained, err := e.Pull("/")
	if !errors.Is(err, boom) {
		t.Fatalf("Pull: err = %v, want %v", err, boom)
	}
	want := Snapshot{"a.txt": []byte("a")}
	if diff := cmp.Diff(want, drained); diff != "" {
		t.Errorf("drained files (-want +got):\n%s", diff)
	}

	fsys.op = ""
	if err := e.Push("/", drained); err != nil {
		t.Fatalf("push back: %v", err)
	}
	for _, f := range []string{"/a.txt", "/b.txt"} {
		if _, err := fsys.Stat(f); err != nil {
			t.Errorf("%s missing after push back: %v", f, err)
		}
	}
}

func TestEngineLogsAtDebug(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	e := New(vfs.NewMemFS(), WithLogger(logger))
	if err := e.Push("/s", Snapshot{"x/y": []byte("z")}); err != nil {
		t.Fatalf("Push: %v", err)
	}

	var sawMkdir, sawWrite bool
	for _, entry := range hook.AllEntries() {
		switch entry.Message {
		case "snapshot: mkdir":
			sawMkdir = true
		case "snapshot: writeFile":
			sawWrite = true
		}
	}
	if !sawMkdir || !sawWrite {
		t.Errorf("missing debug entries: mkdir=%v write=%v", sawMkdir, sawWrite)
	}
}
