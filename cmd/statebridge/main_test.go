package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	cli "github.com/urfave/cli/v2"

	"github.com/xfeldman/statebridge/internal/archive"
	"github.com/xfeldman/statebridge/internal/snapshot"
)

// testApp returns a function running the CLI against a private data dir.
func testApp(t *testing.T) func(args ...string) (string, error) {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.toml")
	cfg := strings.Join([]string{
		`data_dir = "` + filepath.Join(dir, "data") + `"`,
		`db_path = "` + filepath.Join(dir, "data", "test.db") + `"`,
		`workspaces_dir = "` + filepath.Join(dir, "data", "workspaces") + `"`,
		`base = "/home/user"`,
		`log_level = "error"`,
		`seal_snapshots = true`,
		`key_path = "` + filepath.Join(dir, "master.key") + `"`,
	}, "\n")
	if err := os.WriteFile(cfgPath, []byte(cfg), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	return func(args ...string) (string, error) {
		var out, errOut bytes.Buffer
		app := newApp()
		app.Writer = &out
		app.ErrWriter = &errOut
		app.ExitErrHandler = func(*cli.Context, error) {}
		err := app.Run(append([]string{"statebridge", "--config", cfgPath}, args...))
		return out.String(), err
	}
}

func writeTestArchive(t *testing.T, snap snapshot.Snapshot) string {
	t.Helper()
	data, err := archive.Marshal(snap)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	path := filepath.Join(t.TempDir(), "in.tar.gz")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write archive: %v", err)
	}
	return path
}

func TestPushPull(t *testing.T) {
	run := testApp(t)
	sandbox := filepath.Join(t.TempDir(), "sandbox")
	in := snapshot.Snapshot{
		"a/b.txt": {1, 2, 3},
		"c/":      nil,
	}

	if _, err := run("push", "--dir", sandbox, "-f", writeTestArchive(t, in)); err != nil {
		t.Fatalf("push: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(sandbox, "home", "user", "a", "b.txt"))
	if err != nil {
		t.Fatalf("pushed file: %v", err)
	}
	if !bytes.Equal(data, []byte{1, 2, 3}) {
		t.Errorf("pushed content = %v", data)
	}
	if fi, err := os.Stat(filepath.Join(sandbox, "home", "user", "c")); err != nil || !fi.IsDir() {
		t.Errorf("marker directory missing: %v", err)
	}

	outPath := filepath.Join(t.TempDir(), "out.tar.gz")
	if _, err := run("pull", "--dir", sandbox, "-f", outPath); err != nil {
		t.Fatalf("pull: %v", err)
	}
	raw, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("read pulled archive: %v", err)
	}
	got, err := archive.Unmarshal(raw)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := snapshot.Snapshot{"a/b.txt": {1, 2, 3}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("pulled snapshot mismatch (-want +got):\n%s", diff)
	}
	if _, err := os.Stat(filepath.Join(sandbox, "home", "user", "a", "b.txt")); !os.IsNotExist(err) {
		t.Error("pull left the file in place")
	}
}

func TestPullUnwritableArchiveKeepsFiles(t *testing.T) {
	run := testApp(t)
	sandbox := filepath.Join(t.TempDir(), "sandbox")
	in := writeTestArchive(t, snapshot.Snapshot{"a/b.txt": []byte("state")})
	if _, err := run("push", "--dir", sandbox, "-f", in); err != nil {
		t.Fatalf("push: %v", err)
	}
	file := filepath.Join(sandbox, "home", "user", "a", "b.txt")

	// A directory in the way makes the final rename fail after the drain.
	occupied := filepath.Join(t.TempDir(), "out.tar.gz")
	if err := os.Mkdir(occupied, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	for name, out := range map[string]string{
		"missing directory": filepath.Join(t.TempDir(), "no", "such", "dir", "out.tar.gz"),
		"rename fails":      occupied,
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := run("pull", "--dir", sandbox, "-f", out); err == nil {
				t.Fatal("pull: want error")
			}
			data, err := os.ReadFile(file)
			if err != nil {
				t.Fatalf("file lost after failed pull: %v", err)
			}
			if string(data) != "state" {
				t.Errorf("content = %q, want %q", data, "state")
			}
		})
	}

	entries, err := os.ReadDir(filepath.Dir(occupied))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("temporary archive left behind: %v", entries)
	}
}

func TestLs(t *testing.T) {
	run := testApp(t)
	path := writeTestArchive(t, snapshot.Snapshot{"notes.txt": []byte("hello"), "empty/": nil})

	out, err := run("ls", path)
	if err != nil {
		t.Fatalf("ls: %v", err)
	}
	for _, want := range []string{"notes.txt", "empty/", "1 file(s)"} {
		if !strings.Contains(out, want) {
			t.Errorf("ls output missing %q:\n%s", want, out)
		}
	}
}

func TestSessionCommands(t *testing.T) {
	run := testApp(t)
	seed := writeTestArchive(t, snapshot.Snapshot{"save.dat": []byte("v1")})

	if _, err := run("seed", "--archive", seed, "dev"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	out, err := run("session", "begin", "dev")
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	root := strings.TrimSpace(out)
	data, err := os.ReadFile(filepath.Join(root, "home", "user", "save.dat"))
	if err != nil {
		t.Fatalf("restored file: %v", err)
	}
	if string(data) != "v1" {
		t.Errorf("restored content = %q", data)
	}
	if _, err := run("session", "begin", "dev"); err == nil {
		t.Error("second begin: want error")
	}

	if _, err := run("session", "end", "dev"); err != nil {
		t.Fatalf("end: %v", err)
	}
	out, err = run("session", "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "dev") || !strings.Contains(out, "idle") {
		t.Errorf("session list:\n%s", out)
	}

	out, err = run("snapshot", "list", "dev")
	if err != nil {
		t.Fatalf("snapshot list: %v", err)
	}
	if !strings.Contains(out, "sha256:") {
		t.Errorf("snapshot list:\n%s", out)
	}

	bucket := filepath.Join(t.TempDir(), "bucket")
	if _, err := run("export", "--to", bucket, "dev"); err != nil {
		t.Fatalf("export: %v", err)
	}
	if _, err := run("import", "--from", bucket, "--key", "sessions/dev.tar.gz", "copy"); err != nil {
		t.Fatalf("import: %v", err)
	}
	if _, err := run("session", "rm", "dev"); err != nil {
		t.Fatalf("rm: %v", err)
	}
}

func TestVersion(t *testing.T) {
	run := testApp(t)
	out, err := run("version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "statebridge ") {
		t.Errorf("version output = %q", out)
	}
}
