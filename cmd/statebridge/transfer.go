package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/sirupsen/logrus"
	cli "github.com/urfave/cli/v2"

	"github.com/xfeldman/statebridge/internal/archive"
	"github.com/xfeldman/statebridge/internal/snapshot"
	"github.com/xfeldman/statebridge/internal/vfs"
)

func transferFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "dir",
			Usage:    "host directory acting as the filesystem root",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "base",
			Usage: "base directory inside --dir (default: configured base)",
		},
		&cli.StringFlag{
			Name:    "archive",
			Aliases: []string{"f"},
			Usage:   "snapshot archive path, - for stdin/stdout",
			Value:   "-",
		},
	}
}

// hostEngine returns an engine over the host directory named by --dir,
// configured like session engines.
func hostEngine(ctx *cli.Context, e *env) (*snapshot.Engine, string, error) {
	dir := ctx.String("dir")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, "", fmt.Errorf("create %s: %w", dir, err)
	}
	base := ctx.String("base")
	if base == "" {
		base = e.cfg.Base
	}

	log := e.log.WithField("base", base)
	opts := []snapshot.Option{snapshot.WithLogger(log)}
	if e.cfg.LenientStat {
		opts = append(opts, snapshot.WithLenientStat())
	}
	if e.cfg.RejectTraversal {
		opts = append(opts, snapshot.WithKeyValidation())
	}
	return snapshot.New(vfs.Traced(vfs.NewHostFS(dir), log), opts...), base, nil
}

func newPushCommand() *cli.Command {
	return &cli.Command{
		Name:  "push",
		Usage: "write a snapshot archive into a directory",
		Description: `Creates every directory the archive needs below the base directory and
writes its files, overwriting existing ones. Files not in the archive are
left alone.

Example: statebridge push --dir ./sandbox --base /home/user -f state.tar.gz`,
		Flags: transferFlags(),
		Action: func(ctx *cli.Context) error {
			e, err := loadEnv(ctx)
			if err != nil {
				return err
			}
			engine, base, err := hostEngine(ctx, e)
			if err != nil {
				return err
			}

			snap, err := readArchive(ctx, ctx.String("archive"))
			if err != nil {
				return err
			}
			if err := engine.Push(base, snap); err != nil {
				return err
			}
			e.log.WithField("files", snap.FileCount()).Info("push: done")
			return nil
		},
	}
}

func newPullCommand() *cli.Command {
	return &cli.Command{
		Name:  "pull",
		Usage: "drain a directory into a snapshot archive",
		Description: `Reads and deletes every file below the base directory and writes them as a
snapshot archive. Directories are kept.

Example: statebridge pull --dir ./sandbox --base /home/user -f state.tar.gz`,
		Flags: transferFlags(),
		Action: func(ctx *cli.Context) error {
			e, err := loadEnv(ctx)
			if err != nil {
				return err
			}
			engine, base, err := hostEngine(ctx, e)
			if err != nil {
				return err
			}

			// Open the output first: pull deletes the files it reads.
			out, err := createArchiveOutput(ctx, ctx.String("archive"))
			if err != nil {
				return err
			}
			defer out.discard()

			snap, err := engine.Pull(base)
			if err != nil {
				return pushBack(engine, base, snap, e.log, err)
			}
			if err := out.commit(snap); err != nil {
				return pushBack(engine, base, snap, e.log, err)
			}
			e.log.WithFields(logrus.Fields{
				"files": snap.FileCount(),
				"bytes": snap.Size(),
			}).Info("pull: done")
			return nil
		},
	}
}

func newLsCommand() *cli.Command {
	return &cli.Command{
		Name:      "ls",
		Usage:     "list the entries of a snapshot archive",
		ArgsUsage: "<archive>",
		Action: func(ctx *cli.Context) error {
			if err := requireArgs(ctx, 1, "<archive>"); err != nil {
				return err
			}
			snap, err := readArchive(ctx, ctx.Args().First())
			if err != nil {
				return err
			}
			printSnapshot(ctx.App.Writer, snap)
			return nil
		},
	}
}

func readArchive(ctx *cli.Context, path string) (snapshot.Snapshot, error) {
	var r io.Reader = ctx.App.Reader
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open archive: %w", err)
		}
		defer f.Close()
		r = f
	}
	snap, err := archive.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("read archive %s: %w", path, err)
	}
	return snap, nil
}

// archiveOutput is the destination of pull. A file target is written to a
// temporary file in the same directory and renamed into place on commit.
type archiveOutput struct {
	w    io.Writer
	path string
	tmp  *os.File
	done bool
}

func createArchiveOutput(ctx *cli.Context, path string) (*archiveOutput, error) {
	if path == "-" {
		return &archiveOutput{w: ctx.App.Writer, path: path}, nil
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return nil, fmt.Errorf("create archive: %w", err)
	}
	return &archiveOutput{path: path, tmp: tmp}, nil
}

func (o *archiveOutput) commit(snap snapshot.Snapshot) error {
	if o.tmp == nil {
		var buf bytes.Buffer
		if err := archive.Encode(&buf, snap); err != nil {
			return fmt.Errorf("encode archive: %w", err)
		}
		if _, err := buf.WriteTo(o.w); err != nil {
			return fmt.Errorf("write archive: %w", err)
		}
		o.done = true
		return nil
	}

	if err := archive.Encode(o.tmp, snap); err != nil {
		return fmt.Errorf("write archive %s: %w", o.path, err)
	}
	if err := o.tmp.Close(); err != nil {
		return fmt.Errorf("write archive %s: %w", o.path, err)
	}
	if err := os.Rename(o.tmp.Name(), o.path); err != nil {
		return fmt.Errorf("rename archive into place: %w", err)
	}
	o.done = true
	return nil
}

// discard removes the temporary file unless commit succeeded.
func (o *archiveOutput) discard() {
	if o.tmp == nil || o.done {
		return
	}
	o.tmp.Close()
	os.Remove(o.tmp.Name())
}

// pushBack writes files drained by a failed pull back under base and
// returns cause.
func pushBack(engine *snapshot.Engine, base string, snap snapshot.Snapshot, log logrus.FieldLogger, cause error) error {
	if len(snap) == 0 {
		return cause
	}
	if err := engine.Push(base, snap); err != nil {
		log.WithError(err).Error("pull: could not restore drained files")
		return fmt.Errorf("%w (restore of %d file(s) failed: %v)", cause, len(snap), err)
	}
	log.WithField("files", len(snap)).Warn("pull: failed, files restored")
	return cause
}

func printSnapshot(w io.Writer, snap snapshot.Snapshot) {
	table := newTable(w, "Path", "Size")
	for _, p := range snap.Paths() {
		size := "-"
		if !snapshot.IsMarker(p) {
			size = humanize.Bytes(uint64(len(snap[p])))
		}
		table.Append([]string{p, size})
	}
	table.Render()
	fmt.Fprintf(w, "%d file(s), %s\n", snap.FileCount(), humanize.Bytes(uint64(snap.Size())))
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoFormatHeaders(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorders(tablewriter.Border{Left: true, Top: false, Right: true, Bottom: false})
	table.SetCenterSeparator("|")
	return table
}
