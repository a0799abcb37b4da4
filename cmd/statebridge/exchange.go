package main

import (
	"errors"
	"fmt"

	cli "github.com/urfave/cli/v2"

	"github.com/xfeldman/statebridge/internal/registry"
	"github.com/xfeldman/statebridge/internal/sink"
)

func newExportCommand() *cli.Command {
	return &cli.Command{
		Name:      "export",
		Usage:     "copy a session's latest snapshot to a bucket or an image tarball",
		ArgsUsage: "<session>",
		Description: `With --to, writes the snapshot archive to a bucket: a directory path,
file:///dir or mem://. With --image, writes a single-layer OCI image tarball
whose layer holds the snapshot.

Example: statebridge export --to /backups/statebridge dev`,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "to", Usage: "bucket URI"},
			&cli.StringFlag{Name: "key", Usage: "object key (default: sessions/<session>.tar.gz)"},
			&cli.StringFlag{Name: "image", Usage: "image tarball path"},
			&cli.StringFlag{Name: "tag", Usage: "image tag", Value: "statebridge/snapshot:latest"},
		},
		Action: withSession(func(ctx *cli.Context, e *env, id string) error {
			var (
				rec *registry.Snapshot
				err error
			)
			switch to, img := ctx.String("to"), ctx.String("image"); {
			case to != "" && img != "":
				return errors.New("export: --to and --image are mutually exclusive")
			case img != "":
				rec, err = e.mgr.ExportImage(id, img, ctx.String("tag"))
			case to != "":
				s, serr := sink.Resolve(ctx.Context, to)
				if serr != nil {
					return serr
				}
				defer s.Close()
				rec, err = e.mgr.Export(ctx.Context, id, s, ctx.String("key"))
			default:
				return errors.New("export: one of --to or --image is required")
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(ctx.App.Writer, "exported %s (%s)\n", rec.ID, rec.Digest)
			return nil
		}),
	}
}

func newImportCommand() *cli.Command {
	return &cli.Command{
		Name:      "import",
		Usage:     "seed a session from a snapshot archive in a bucket",
		ArgsUsage: "<session>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "from", Usage: "bucket URI", Required: true},
			&cli.StringFlag{Name: "key", Usage: "object key (default: sessions/<session>.tar.gz)"},
		},
		Action: withSession(func(ctx *cli.Context, e *env, id string) error {
			s, err := sink.Resolve(ctx.Context, ctx.String("from"))
			if err != nil {
				return err
			}
			defer s.Close()

			rec, err := e.mgr.Import(ctx.Context, id, s, ctx.String("key"))
			if err != nil {
				return err
			}
			fmt.Fprintf(ctx.App.Writer, "imported %s  %d file(s)\n", rec.ID, rec.FileCount)
			return nil
		}),
	}
}

func newSeedCommand() *cli.Command {
	return &cli.Command{
		Name:      "seed",
		Usage:     "seed a session from an OCI image, an image tarball or a snapshot archive",
		ArgsUsage: "<session>",
		Description: `Stores a new snapshot for the session without touching its filesystem. The
next "session begin" restores it. Image sources keep only the files below
--prefix, re-keyed relative to it.

Example: statebridge seed --image alpine:3.20 --prefix etc/ dev`,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "image", Usage: "image reference to pull"},
			&cli.StringFlag{Name: "file", Usage: "image tarball path"},
			&cli.StringFlag{Name: "archive", Usage: "snapshot archive path, - for stdin"},
			&cli.StringFlag{Name: "prefix", Usage: "image directory that becomes the snapshot root"},
			&cli.StringFlag{Name: "platform", Usage: "os/arch for multi-platform images (default: configured platform)"},
		},
		Action: withSession(func(ctx *cli.Context, e *env, id string) error {
			var (
				rec *registry.Snapshot
				err error
			)
			switch {
			case ctx.IsSet("image"):
				platform := ctx.String("platform")
				if platform == "" {
					platform = e.cfg.Platform
				}
				rec, err = e.mgr.SeedImage(ctx.Context, id, ctx.String("image"), platform, ctx.String("prefix"))
			case ctx.IsSet("file"):
				rec, err = e.mgr.SeedImageFile(id, ctx.String("file"), ctx.String("prefix"))
			case ctx.IsSet("archive"):
				snap, rerr := readArchive(ctx, ctx.String("archive"))
				if rerr != nil {
					return rerr
				}
				rec, err = e.mgr.Seed(id, snap)
			default:
				return errors.New("seed: one of --image, --file or --archive is required")
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(ctx.App.Writer, "seeded %s  %d file(s)\n", rec.ID, rec.FileCount)
			return nil
		}),
	}
}
